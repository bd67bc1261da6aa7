package rules

import (
	"sync"
	"time"

	"github.com/tradecouncil/tradecouncil/internal/indicators"
	"github.com/tradecouncil/tradecouncil/internal/market"
)

const (
	// tickBufferSize is how many recent ticks the context keeps per
	// instrument for RSI and volume math.
	tickBufferSize = 20
	// premiumWindow is how many recent premium samples the acceleration
	// predicate inspects.
	premiumWindow = 3
	// volumeMinSamples gates the volume-spike predicate until the
	// rolling mean is meaningful.
	volumeMinSamples = 5
)

// oiSample is the latest open interest at one strike with its percent
// change since the previous observation.
type oiSample struct {
	callOI     float64
	putOI      float64
	callChange float64 // percent vs previous sample
	putChange  float64
}

// instrumentState is the rolling per-instrument view the predicates
// read.
type instrumentState struct {
	latestPrice float64
	latestAt    time.Time

	prices  []float64 // last tickBufferSize closes
	volumes []float64 // last tickBufferSize aggregate volumes

	fundingRate float64
	hasFunding  bool

	strikes map[float64]*oiSample

	premiums []float64 // last few premium (or price) samples
}

// Context is the live indicator context the rule engine evaluates
// against. It is updated from each tick and each derivatives snapshot;
// evaluation itself is pure in-memory work.
type Context struct {
	mu          sync.Mutex
	instruments map[string]*instrumentState
}

// NewContext creates an empty indicator context.
func NewContext() *Context {
	return &Context{instruments: make(map[string]*instrumentState)}
}

func (c *Context) stateFor(symbol string) *instrumentState {
	st, ok := c.instruments[symbol]
	if !ok {
		st = &instrumentState{strikes: make(map[float64]*oiSample)}
		c.instruments[symbol] = st
	}
	return st
}

// ObserveTick folds one tick into the context: latest price, the RSI
// price buffer, and the volume buffer.
func (c *Context) ObserveTick(tick *market.Tick) {
	if tick == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stateFor(tick.Symbol)
	st.latestPrice = tick.Price
	st.latestAt = tick.Timestamp

	st.prices = appendBounded(st.prices, tick.Price, tickBufferSize)
	st.volumes = appendBounded(st.volumes, tick.TotalBuyQty+tick.TotalSellQty, tickBufferSize)

	// Without an options feed the premium track follows price, which
	// keeps premium_acceleration usable on spot instruments.
	st.premiums = appendBounded(st.premiums, tick.Price, premiumWindow+1)
}

// ObserveFutures folds a derivatives snapshot into the context: funding
// rate and per-strike open interest with percent change.
func (c *Context) ObserveFutures(snap *market.FuturesSnapshot) {
	if snap == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stateFor(snap.Symbol)
	st.fundingRate = snap.FundingRate
	st.hasFunding = true

	for _, s := range snap.Strikes {
		prev := st.strikes[s.Strike]
		sample := &oiSample{callOI: s.CallOI, putOI: s.PutOI}
		if prev != nil {
			sample.callChange = percentChange(prev.callOI, s.CallOI)
			sample.putChange = percentChange(prev.putOI, s.PutOI)
		}
		st.strikes[s.Strike] = sample
	}
}

// ObservePremium records an observed option premium for the instrument,
// replacing the price-derived track.
func (c *Context) ObservePremium(symbol string, premium float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stateFor(symbol)
	st.premiums = appendBounded(st.premiums, premium, premiumWindow+1)
}

// LatestPrice returns the last observed price for the instrument.
func (c *Context) LatestPrice(symbol string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.instruments[symbol]
	if !ok || st.latestPrice <= 0 {
		return 0, false
	}
	return st.latestPrice, true
}

// RSI returns the fast RSI over the rolling tick buffer. It reports
// false until the buffer has warmed past the period.
func (c *Context) RSI(symbol string) (float64, bool) {
	c.mu.Lock()
	prices := append([]float64(nil), c.stateFor(symbol).prices...)
	c.mu.Unlock()

	value, err := indicators.RSI(prices, indicators.FastRSIPeriod)
	if err != nil {
		return 0, false
	}
	return value, true
}

// snapshot copies the instrument state for lock-free evaluation.
func (c *Context) snapshot(symbol string) (instrumentState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.instruments[symbol]
	if !ok {
		return instrumentState{}, false
	}
	out := *st
	out.prices = append([]float64(nil), st.prices...)
	out.volumes = append([]float64(nil), st.volumes...)
	out.premiums = append([]float64(nil), st.premiums...)
	out.strikes = make(map[float64]*oiSample, len(st.strikes))
	for k, v := range st.strikes {
		cp := *v
		out.strikes[k] = &cp
	}
	return out, true
}

func appendBounded(buf []float64, v float64, max int) []float64 {
	buf = append(buf, v)
	if len(buf) > max {
		buf = buf[len(buf)-max:]
	}
	return buf
}

func percentChange(prev, curr float64) float64 {
	if prev == 0 {
		return 0
	}
	return (curr - prev) / prev * 100
}
