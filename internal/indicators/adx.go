package indicators

import "math"

// DefaultADXPeriod is the standard Average Directional Index lookback.
const DefaultADXPeriod = 14

const (
	adxStrongTrend   = 25.0
	adxVeryStrong    = 50.0
	adxExtremelyHigh = 75.0
)

// ADXResult holds the latest ADX value with its directional components.
type ADXResult struct {
	ADX     float64 `json:"adx"`
	PlusDI  float64 `json:"plus_di"`
	MinusDI float64 `json:"minus_di"`
	Trend   string  `json:"trend"`
}

// ADX computes the Average Directional Index. cinar/indicator v2 does
// not expose ADX, so the Wilder calculation is done here.
func ADX(high, low, close []float64, period int) (*ADXResult, error) {
	if err := validateOHLC("ADX", high, low, close, 2*period); err != nil {
		return nil, err
	}

	n := len(high) - 1
	tr := trueRanges(high, low, close)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < len(high); i++ {
		upMove := high[i] - high[i-1]
		downMove := low[i-1] - low[i]
		if upMove > downMove && upMove > 0 {
			plusDM[i-1] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i-1] = downMove
		}
	}

	smoothTR := smoothWilder(tr, period)
	smoothPlusDM := smoothWilder(plusDM, period)
	smoothMinusDM := smoothWilder(minusDM, period)

	plusDI := make([]float64, n)
	minusDI := make([]float64, n)
	dx := make([]float64, n)
	for i := period - 1; i < n; i++ {
		if smoothTR[i] == 0 {
			continue
		}
		plusDI[i] = 100 * smoothPlusDM[i] / smoothTR[i]
		minusDI[i] = 100 * smoothMinusDM[i] / smoothTR[i]
		diSum := plusDI[i] + minusDI[i]
		if diSum != 0 {
			dx[i] = 100 * math.Abs(plusDI[i]-minusDI[i]) / diSum
		}
	}

	adxValues := smoothWilder(dx, period)
	adx := adxValues[len(adxValues)-1]

	return &ADXResult{
		ADX:     adx,
		PlusDI:  plusDI[n-1],
		MinusDI: minusDI[n-1],
		Trend:   ClassifyADX(adx),
	}, nil
}

// ClassifyADX maps an ADX value onto trend strength bands.
func ClassifyADX(value float64) string {
	switch {
	case value >= adxExtremelyHigh:
		return "extremely_strong"
	case value >= adxVeryStrong:
		return "very_strong"
	case value >= adxStrongTrend:
		return "strong"
	default:
		return "weak"
	}
}
