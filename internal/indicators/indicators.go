// Package indicators computes the technical indicators the agents,
// planner, and portfolio sizing rely on. Oscillators and moving
// averages come from cinar/indicator; Wilder-smoothed indicators that
// the library does not expose are implemented here.
package indicators

import "fmt"

// sliceToChan feeds a price slice into a channel the way
// cinar/indicator consumes series.
func sliceToChan(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

func collect(ch <-chan float64) []float64 {
	var out []float64
	for v := range ch {
		out = append(out, v)
	}
	return out
}

func errEmptyResult(name string) error {
	return fmt.Errorf("%s produced no values", name)
}

func validateSeries(name string, n, period int) error {
	if period < 1 {
		return fmt.Errorf("invalid %s period %d", name, period)
	}
	if n < period+1 {
		return fmt.Errorf("insufficient data for %s: need at least %d values, got %d", name, period+1, n)
	}
	return nil
}

// smoothWilder applies Wilder's smoothing: the first output is the
// simple average of the first period values, each subsequent output is
// (prev*(period-1) + value) / period. Output is aligned with the
// input; indexes before period-1 are zero.
func smoothWilder(data []float64, period int) []float64 {
	result := make([]float64, len(data))
	if len(data) < period {
		return result
	}

	var sum float64
	for i := 0; i < period; i++ {
		sum += data[i]
	}
	result[period-1] = sum / float64(period)

	for i := period; i < len(data); i++ {
		result[i] = (result[i-1]*float64(period-1) + data[i]) / float64(period)
	}
	return result
}
