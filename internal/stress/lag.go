package stress

import (
	"sort"
	"sync"
)

// lagWindow is how many recent delay samples feed the p99. At a 20ms
// cadence this covers roughly the last five seconds.
const lagWindow = 256

// lagSampler keeps a ring of recent scheduling delays in milliseconds.
// A sample is how late a timer fired past its intended interval, which
// tracks how congested the process is.
type lagSampler struct {
	mu      sync.Mutex
	samples [lagWindow]float64
	idx     int
	count   int
}

func (s *lagSampler) record(delayMs float64) {
	if delayMs < 0 {
		delayMs = 0
	}
	s.mu.Lock()
	s.samples[s.idx] = delayMs
	s.idx = (s.idx + 1) % lagWindow
	if s.count < lagWindow {
		s.count++
	}
	s.mu.Unlock()
}

// p99 returns the 99th percentile of the recorded window, 0 when empty.
func (s *lagSampler) p99() float64 {
	s.mu.Lock()
	n := s.count
	buf := make([]float64, n)
	copy(buf, s.samples[:n])
	s.mu.Unlock()

	if n == 0 {
		return 0
	}
	sort.Float64s(buf)
	idx := (n*99 + 99) / 100
	if idx > n {
		idx = n
	}
	return buf[idx-1]
}
