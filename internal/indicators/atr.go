package indicators

import (
	"fmt"
	"math"
)

// DefaultATRPeriod is the standard Average True Range lookback.
const DefaultATRPeriod = 14

// trueRanges computes the True Range series. The first bar has no
// previous close, so the series starts at the second bar.
func trueRanges(high, low, close []float64) []float64 {
	tr := make([]float64, 0, len(high)-1)
	for i := 1; i < len(high); i++ {
		hl := high[i] - low[i]
		hc := math.Abs(high[i] - close[i-1])
		lc := math.Abs(low[i] - close[i-1])
		tr = append(tr, math.Max(hl, math.Max(hc, lc)))
	}
	return tr
}

func validateOHLC(name string, high, low, close []float64, period int) error {
	if period < 1 {
		return fmt.Errorf("invalid %s period %d", name, period)
	}
	if len(high) != len(low) || len(high) != len(close) {
		return fmt.Errorf("%s input length mismatch: high=%d low=%d close=%d", name, len(high), len(low), len(close))
	}
	if len(high) < period+1 {
		return fmt.Errorf("insufficient data for %s: need at least %d bars, got %d", name, period+1, len(high))
	}
	return nil
}

// ATR returns the latest Wilder-smoothed Average True Range.
func ATR(high, low, close []float64, period int) (float64, error) {
	if err := validateOHLC("ATR", high, low, close, period); err != nil {
		return 0, err
	}

	smoothed := smoothWilder(trueRanges(high, low, close), period)
	return smoothed[len(smoothed)-1], nil
}

// ATRRatio returns ATR divided by the last close. Position sizing uses
// this to scale exposure with realized volatility.
func ATRRatio(high, low, close []float64, period int) (float64, error) {
	atr, err := ATR(high, low, close, period)
	if err != nil {
		return 0, err
	}
	last := close[len(close)-1]
	if last <= 0 {
		return 0, fmt.Errorf("non-positive close %f", last)
	}
	return atr / last, nil
}
