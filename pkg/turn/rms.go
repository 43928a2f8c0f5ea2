package turn

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// RMS returns the root mean square of 16-bit little-endian PCM samples,
// normalized to [0,1]. A trailing odd byte is ignored.
func RMS(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(frame[2*i:]))) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Meter is an io.Writer that slices a mono 16-bit PCM stream into fixed
// windows and reports the RMS of each one.
type Meter struct {
	mu         sync.Mutex
	frameBytes int
	pending    []byte
	onSample   func(float64)
}

// NewMeter builds a meter for sampleRate Hz audio emitting one level per
// window. The CLI uses 16 kHz with a 16 ms window.
func NewMeter(sampleRate int, window time.Duration, onSample func(float64)) *Meter {
	frames := int(float64(sampleRate) * window.Seconds())
	if frames < 1 {
		frames = 1
	}
	return &Meter{frameBytes: frames * 2, onSample: onSample}
}

func (m *Meter) Write(p []byte) (int, error) {
	m.mu.Lock()
	m.pending = append(m.pending, p...)
	var levels []float64
	for len(m.pending) >= m.frameBytes {
		levels = append(levels, RMS(m.pending[:m.frameBytes]))
		m.pending = m.pending[m.frameBytes:]
	}
	m.mu.Unlock()

	if m.onSample != nil {
		for _, l := range levels {
			m.onSample(l)
		}
	}
	return len(p), nil
}
