package market

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/tradecouncil/tradecouncil/internal/breaker"
	"github.com/tradecouncil/tradecouncil/internal/config"
)

const (
	depthFetchLevels = 20
	tickDepthLevels  = 5

	defaultRequestInterval = 200 * time.Millisecond
)

// BinanceSource is the reference Data + Derivatives implementation,
// polling Binance REST endpoints. Calls ride a shared rate limiter and
// a circuit breaker so a flapping venue cannot stall the loops.
type BinanceSource struct {
	spot    *binance.Client
	perp    *futures.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// NewBinanceSource builds the adapter from exchange credentials.
func NewBinanceSource(cfg config.ExchangeConfig) *BinanceSource {
	logger := config.NewLogger("market")

	if cfg.Testnet {
		binance.UseTestnet = true
		futures.UseTestnet = true
		logger.Info().Msg("Binance data source initialized (TESTNET)")
	} else {
		logger.Info().Msg("Binance data source initialized")
	}

	interval := defaultRequestInterval
	if cfg.RateLimitMS > 0 {
		interval = time.Duration(cfg.RateLimitMS) * time.Millisecond
	}

	return &BinanceSource{
		spot:    binance.NewClient(cfg.APIKey, cfg.SecretKey),
		perp:    binance.NewFuturesClient(cfg.APIKey, cfg.SecretKey),
		limiter: rate.NewLimiter(rate.Every(interval), 2),
		breaker: breaker.New("binance"),
		logger:  logger,
	}
}

// guard runs one REST call behind the rate limiter and breaker.
func (b *BinanceSource) guard(ctx context.Context, fn func() error) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	return breaker.Guard(b.breaker, fn)
}

// LatestTick fetches last price plus the top of the order book.
func (b *BinanceSource) LatestTick(ctx context.Context, symbol string) (*Tick, error) {
	var prices []*binance.SymbolPrice
	err := b.guard(ctx, func() error {
		var callErr error
		prices, callErr = b.spot.NewListPricesService().Symbol(symbol).Do(ctx)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch price for %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return nil, ErrNoData
	}
	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return nil, fmt.Errorf("bad price %q for %s: %w", prices[0].Price, symbol, err)
	}

	var depth *binance.DepthResponse
	err = b.guard(ctx, func() error {
		var callErr error
		depth, callErr = b.spot.NewDepthService().Symbol(symbol).Limit(depthFetchLevels).Do(ctx)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch depth for %s: %w", symbol, err)
	}

	tick := &Tick{
		Symbol:    symbol,
		Price:     price,
		Timestamp: time.Now().UTC(),
	}
	for i, bid := range depth.Bids {
		p, perr := strconv.ParseFloat(bid.Price, 64)
		q, qerr := strconv.ParseFloat(bid.Quantity, 64)
		if perr != nil || qerr != nil {
			continue
		}
		tick.TotalBuyQty += q
		if i < tickDepthLevels {
			tick.Bids = append(tick.Bids, Level{Price: p, Quantity: q})
		}
	}
	for i, ask := range depth.Asks {
		p, perr := strconv.ParseFloat(ask.Price, 64)
		q, qerr := strconv.ParseFloat(ask.Quantity, 64)
		if perr != nil || qerr != nil {
			continue
		}
		tick.TotalSellQty += q
		if i < tickDepthLevels {
			tick.Asks = append(tick.Asks, Level{Price: p, Quantity: q})
		}
	}
	if len(tick.Bids) > 0 {
		tick.BestBid = tick.Bids[0].Price
	}
	if len(tick.Asks) > 0 {
		tick.BestAsk = tick.Asks[0].Price
	}

	b.logger.Debug().
		Str("symbol", symbol).
		Float64("price", tick.Price).
		Float64("best_bid", tick.BestBid).
		Float64("best_ask", tick.BestAsk).
		Msg("Fetched tick")

	return tick, nil
}

// RecentOHLC fetches up to n bars of the timeframe, oldest first. The
// last bar may still be forming.
func (b *BinanceSource) RecentOHLC(ctx context.Context, symbol, timeframe string, n int) ([]Candle, error) {
	if !ValidTimeframe(timeframe) {
		return nil, fmt.Errorf("unsupported timeframe %q", timeframe)
	}
	if n < 1 {
		return nil, fmt.Errorf("invalid bar count %d", n)
	}

	var klines []*binance.Kline
	err := b.guard(ctx, func() error {
		var callErr error
		klines, callErr = b.spot.NewKlinesService().
			Symbol(symbol).
			Interval(timeframe).
			Limit(n).
			Do(ctx)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s klines for %s: %w", timeframe, symbol, err)
	}

	candles := make([]Candle, 0, len(klines))
	for _, k := range klines {
		open, err1 := strconv.ParseFloat(k.Open, 64)
		high, err2 := strconv.ParseFloat(k.High, 64)
		low, err3 := strconv.ParseFloat(k.Low, 64)
		closePrice, err4 := strconv.ParseFloat(k.Close, 64)
		volume, err5 := strconv.ParseFloat(k.Volume, 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
			b.logger.Warn().Str("symbol", symbol).Int64("open_time", k.OpenTime).Msg("Skipping unparseable kline")
			continue
		}
		candles = append(candles, Candle{
			OpenTime: time.UnixMilli(k.OpenTime).UTC(),
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closePrice,
			Volume:   volume,
		})
	}
	return candles, nil
}

// FetchFutures reads the perpetual premium index for the symbol.
func (b *BinanceSource) FetchFutures(ctx context.Context, symbol string) (*FuturesSnapshot, error) {
	var rows []*futures.PremiumIndex
	err := b.guard(ctx, func() error {
		var callErr error
		rows, callErr = b.perp.NewPremiumIndexService().Symbol(symbol).Do(ctx)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch premium index for %s: %w", symbol, err)
	}
	if len(rows) == 0 {
		return nil, ErrNoData
	}

	row := rows[0]
	markPrice, err := strconv.ParseFloat(row.MarkPrice, 64)
	if err != nil {
		return nil, fmt.Errorf("bad mark price %q for %s: %w", row.MarkPrice, symbol, err)
	}
	fundingRate, err := strconv.ParseFloat(row.LastFundingRate, 64)
	if err != nil {
		return nil, fmt.Errorf("bad funding rate %q for %s: %w", row.LastFundingRate, symbol, err)
	}

	snap := &FuturesSnapshot{
		Symbol:      symbol,
		MarkPrice:   markPrice,
		FundingRate: fundingRate,
		Timestamp:   time.Now().UTC(),
	}
	if row.NextFundingTime > 0 {
		snap.NextFundingTime = time.UnixMilli(row.NextFundingTime).UTC()
	}
	return snap, nil
}

// FetchOptionsChain is not served by this adapter. Venues with listed
// options plug in their own Derivatives implementation.
func (b *BinanceSource) FetchOptionsChain(ctx context.Context, symbol string) (*OptionsChain, error) {
	return nil, ErrCapabilityDisabled
}

// IsNoData reports whether the error is the tolerated empty-feed case.
func IsNoData(err error) bool {
	return errors.Is(err, ErrNoData)
}
