package indicators

import "fmt"

// DefaultLevelBars is how many recent bars support/resistance is
// measured over when building an intraday plan.
const DefaultLevelBars = 10

// Levels holds the nearest support and resistance over a recent
// window of bars.
type Levels struct {
	Support    float64 `json:"support"`
	Resistance float64 `json:"resistance"`
	Bars       int     `json:"bars"`
}

// RecentLevels returns the lowest low and highest high over the last
// bars entries. With fewer bars than requested it uses what it has.
func RecentLevels(highs, lows []float64, bars int) (*Levels, error) {
	if bars < 1 {
		return nil, fmt.Errorf("invalid level window %d", bars)
	}
	if len(highs) != len(lows) {
		return nil, fmt.Errorf("levels input length mismatch: highs=%d lows=%d", len(highs), len(lows))
	}
	if len(highs) == 0 {
		return nil, fmt.Errorf("insufficient data for levels: no bars")
	}

	if bars > len(highs) {
		bars = len(highs)
	}
	highs = highs[len(highs)-bars:]
	lows = lows[len(lows)-bars:]

	support := lows[0]
	resistance := highs[0]
	for i := 1; i < bars; i++ {
		if lows[i] < support {
			support = lows[i]
		}
		if highs[i] > resistance {
			resistance = highs[i]
		}
	}

	return &Levels{Support: support, Resistance: resistance, Bars: bars}, nil
}
