package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSMA(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	assert.InDelta(t, 4.0, SMA(values, 3), 1e-9)
	assert.Equal(t, 0.0, SMA(values, 6))
	assert.Equal(t, 0.0, SMA(values, 0))
}

func TestRSI(t *testing.T) {
	rising := []float64{1, 2, 3, 4, 5, 6}
	assert.Equal(t, 100.0, RSI(rising, 5))

	falling := []float64{6, 5, 4, 3, 2, 1}
	assert.InDelta(t, 0.0, RSI(falling, 5), 1e-9)

	mixed := []float64{10, 11, 10, 11, 10}
	assert.InDelta(t, 50.0, RSI(mixed, 4), 1e-9)

	assert.Equal(t, 0.0, RSI([]float64{1, 2}, 5), "not enough data")
}

func TestVolatility(t *testing.T) {
	flat := []float64{10, 10, 10, 10}
	assert.Equal(t, 0.0, Volatility(flat, 3))

	swing := []float64{100, 110, 99, 108.9}
	assert.Greater(t, Volatility(swing, 3), 0.05)
	assert.Equal(t, 0.0, Volatility(swing, 10))
}

func TestSeriesIsBounded(t *testing.T) {
	s := NewSeries(3)
	for i := 1; i <= 5; i++ {
		s.Push(float64(i))
	}
	assert.Equal(t, []float64{3, 4, 5}, s.Values())
	assert.Equal(t, 3, s.Len())
	s.Reset()
	assert.Equal(t, 0, s.Len())
}

func TestBollinger(t *testing.T) {
	mid, up, low := Bollinger([]float64{2, 4, 4, 4, 5, 5, 7, 9}, 8, 2)
	assert.InDelta(t, 5.0, mid, 1e-9)
	assert.InDelta(t, 9.0, up, 1e-9)
	assert.InDelta(t, 1.0, low, 1e-9)

	mid, _, _ = Bollinger([]float64{1}, 3, 2)
	assert.Equal(t, 0.0, mid)
}
