package turn

import "time"

// Thresholds collects the client side turn-taking timings.
type Thresholds struct {
	// SilenceThreshold is the normalized RMS level below which a sample
	// counts as quiet.
	SilenceThreshold float64 `mapstructure:"silence-threshold" yaml:"silence-threshold"`
	// SilenceHold is how long the candidate must stay quiet before their
	// spoken turn ends.
	SilenceHold time.Duration `mapstructure:"silence-hold" yaml:"silence-hold"`
	// MaxListen ends a spoken turn regardless of level.
	MaxListen time.Duration `mapstructure:"max-listen" yaml:"max-listen"`
	// InactivityTimeout ends a typed turn with a silence marker when no key
	// was pressed for this long.
	InactivityTimeout time.Duration `mapstructure:"inactivity-timeout" yaml:"inactivity-timeout"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		SilenceThreshold:  0.03,
		SilenceHold:       2500 * time.Millisecond,
		MaxListen:         60 * time.Second,
		InactivityTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultThresholds.
func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.SilenceThreshold <= 0 {
		t.SilenceThreshold = d.SilenceThreshold
	}
	if t.SilenceHold <= 0 {
		t.SilenceHold = d.SilenceHold
	}
	if t.MaxListen <= 0 {
		t.MaxListen = d.MaxListen
	}
	if t.InactivityTimeout <= 0 {
		t.InactivityTimeout = d.InactivityTimeout
	}
	return t
}
