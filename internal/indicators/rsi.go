package indicators

import (
	"github.com/cinar/indicator/v2/momentum"
)

const (
	// DefaultRSIPeriod is the standard lookback for slow signals.
	DefaultRSIPeriod = 14
	// FastRSIPeriod is the short lookback the intraday plan uses.
	FastRSIPeriod = 5

	rsiOversold   = 30.0
	rsiOverbought = 70.0
)

// RSI returns the latest Relative Strength Index value for the series.
func RSI(prices []float64, period int) (float64, error) {
	series, err := RSISeries(prices, period)
	if err != nil {
		return 0, err
	}
	return series[len(series)-1], nil
}

// RSISeries returns every RSI value the series produces after warmup.
func RSISeries(prices []float64, period int) ([]float64, error) {
	if err := validateSeries("RSI", len(prices), period); err != nil {
		return nil, err
	}

	rsi := momentum.NewRsiWithPeriod[float64](period)
	values := collect(rsi.Compute(sliceToChan(prices)))
	if len(values) == 0 {
		return nil, errEmptyResult("RSI")
	}
	return values, nil
}

// ClassifyRSI maps an RSI value onto the oversold / overbought bands.
func ClassifyRSI(value float64) string {
	switch {
	case value < rsiOversold:
		return "oversold"
	case value > rsiOverbought:
		return "overbought"
	default:
		return "neutral"
	}
}
