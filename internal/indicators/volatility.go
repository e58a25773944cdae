package indicators

import "math"

// Volatility is the standard deviation of simple returns over the last
// period+1 values, as a fraction (0.05 = 5%).
func Volatility(values []float64, period int) float64 {
	if period < 2 || len(values) < period+1 {
		return 0
	}
	window := values[len(values)-period-1:]
	returns := make([]float64, 0, period)
	for i := 1; i < len(window); i++ {
		if window[i-1] == 0 {
			return 0
		}
		returns = append(returns, window[i]/window[i-1]-1)
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	return math.Sqrt(variance)
}
