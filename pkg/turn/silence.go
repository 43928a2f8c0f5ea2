package turn

import "sync"

// EndReason says why a monitor ended the candidate's turn.
type EndReason string

const (
	EndSilence    EndReason = "silence"
	EndCeiling    EndReason = "ceiling"
	EndInactivity EndReason = "inactivity"
)

// SilenceDetector watches a stream of RMS levels and ends the spoken turn
// after SilenceHold of continuous quiet, or at MaxListen regardless of level.
// It fires at most once per Start.
type SilenceDetector struct {
	clock Clock
	th    Thresholds
	onEnd func(EndReason)

	mu      sync.Mutex
	active  bool
	gen     uint64
	quiet   bool
	hold    Timer
	ceiling Timer
}

func NewSilenceDetector(clock Clock, th Thresholds, onEnd func(EndReason)) *SilenceDetector {
	if clock == nil {
		clock = RealClock()
	}
	return &SilenceDetector{clock: clock, th: th.withDefaults(), onEnd: onEnd}
}

// Start begins a new activation. A quiet period is only counted once the
// first quiet sample arrives.
func (d *SilenceDetector) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopTimersLocked()
	d.gen++
	d.active = true
	d.quiet = false
	gen := d.gen
	d.ceiling = d.clock.AfterFunc(d.th.MaxListen, func() { d.fire(gen, EndCeiling) })
}

// Observe feeds one normalized RMS level.
func (d *SilenceDetector) Observe(level float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return
	}
	if level >= d.th.SilenceThreshold {
		d.quiet = false
		if d.hold != nil {
			d.hold.Stop()
			d.hold = nil
		}
		return
	}
	if d.quiet {
		return
	}
	d.quiet = true
	gen := d.gen
	d.hold = d.clock.AfterFunc(d.th.SilenceHold, func() { d.fire(gen, EndSilence) })
}

// Stop deactivates the detector; no callback fires after it returns.
func (d *SilenceDetector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = false
	d.stopTimersLocked()
}

// Active reports whether the detector is armed.
func (d *SilenceDetector) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *SilenceDetector) fire(gen uint64, reason EndReason) {
	d.mu.Lock()
	if !d.active || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.active = false
	d.stopTimersLocked()
	d.mu.Unlock()

	if d.onEnd != nil {
		d.onEnd(reason)
	}
}

func (d *SilenceDetector) stopTimersLocked() {
	if d.hold != nil {
		d.hold.Stop()
		d.hold = nil
	}
	if d.ceiling != nil {
		d.ceiling.Stop()
		d.ceiling = nil
	}
}
