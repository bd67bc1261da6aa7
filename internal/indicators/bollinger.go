package indicators

import (
	"fmt"

	"github.com/cinar/indicator/v2/volatility"
)

// BollingerResult holds the latest band values and where the last
// price sits relative to them.
type BollingerResult struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
	Width  float64 `json:"width"`  // band width as a percent of the middle band
	Signal string  `json:"signal"` // "buy", "sell", "neutral"
}

// Bollinger computes Bollinger Bands over the series. The library uses
// a fixed 2 standard deviation multiplier.
func Bollinger(prices []float64, period int) (*BollingerResult, error) {
	if period < 2 || period > len(prices) {
		return nil, fmt.Errorf("invalid Bollinger period %d for %d values", period, len(prices))
	}

	bb := volatility.NewBollingerBandsWithPeriod[float64](period)
	lowerChan, middleChan, upperChan := bb.Compute(sliceToChan(prices))

	var lowerValues, middleValues, upperValues []float64
	for {
		l, lok := <-lowerChan
		m, mok := <-middleChan
		u, uok := <-upperChan
		if !lok || !mok || !uok {
			break
		}
		lowerValues = append(lowerValues, l)
		middleValues = append(middleValues, m)
		upperValues = append(upperValues, u)
	}
	if len(middleValues) == 0 {
		return nil, errEmptyResult("Bollinger Bands")
	}

	upper := upperValues[len(upperValues)-1]
	middle := middleValues[len(middleValues)-1]
	lower := lowerValues[len(lowerValues)-1]
	price := prices[len(prices)-1]

	width := 0.0
	if middle != 0 {
		width = ((upper - lower) / middle) * 100
	}

	signal := "neutral"
	if price <= lower {
		signal = "buy"
	} else if price >= upper {
		signal = "sell"
	}

	return &BollingerResult{
		Upper:  upper,
		Middle: middle,
		Lower:  lower,
		Width:  width,
		Signal: signal,
	}, nil
}
