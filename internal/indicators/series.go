package indicators

import "sync"

// Series is a bounded window of prices for one pair.
type Series struct {
	mu     sync.Mutex
	values []float64
	window int
}

// NewSeries keeps at most window values (minimum 2).
func NewSeries(window int) *Series {
	if window < 2 {
		window = 2
	}
	return &Series{values: make([]float64, 0, window), window: window}
}

// Push appends a price and returns the current window length.
func (s *Series) Push(price float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values = append(s.values, price)
	if len(s.values) > s.window {
		s.values = s.values[len(s.values)-s.window:]
	}
	return len(s.values)
}

// Values returns a copy of the window, oldest first.
func (s *Series) Values() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.values))
	copy(out, s.values)
	return out
}

// Len is the number of values held.
func (s *Series) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

// Reset drops all values.
func (s *Series) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = s.values[:0]
}
