package indicators

import (
	"github.com/cinar/indicator/v2/trend"
)

// EMA returns the latest exponential moving average for the series.
func EMA(prices []float64, period int) (float64, error) {
	series, err := EMASeries(prices, period)
	if err != nil {
		return 0, err
	}
	return series[len(series)-1], nil
}

// EMASeries returns every EMA value the series produces after warmup.
func EMASeries(prices []float64, period int) ([]float64, error) {
	if err := validateSeries("EMA", len(prices), period); err != nil {
		return nil, err
	}

	ema := trend.NewEmaWithPeriod[float64](period)
	values := collect(ema.Compute(sliceToChan(prices)))
	if len(values) == 0 {
		return nil, errEmptyResult("EMA")
	}
	return values, nil
}

// SMA returns the simple average of the last period values.
func SMA(prices []float64, period int) (float64, error) {
	if err := validateSeries("SMA", len(prices), period); err != nil {
		return 0, err
	}

	var sum float64
	for _, v := range prices[len(prices)-period:] {
		sum += v
	}
	return sum / float64(period), nil
}
