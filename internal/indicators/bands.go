package indicators

import "math"

// Bollinger returns the middle, upper and lower bands over the last period
// values using the population standard deviation.
func Bollinger(values []float64, period int, numStdDev float64) (middle, upper, lower float64) {
	if period <= 0 || len(values) < period {
		return 0, 0, 0
	}
	window := values[len(values)-period:]
	middle = SMA(window, period)

	variance := 0.0
	for _, p := range window {
		diff := p - middle
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(period))
	return middle, middle + numStdDev*stdDev, middle - numStdDev*stdDev
}
