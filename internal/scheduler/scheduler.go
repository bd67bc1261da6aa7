// Package scheduler runs the three cadenced loops: Strategic (full
// orchestration graph plus planner), Tactical (bundle validation and
// drift checks), and Execution (tick polling into the rule engine),
// with cron-driven maintenance jobs alongside.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tradecouncil/tradecouncil/internal/alerts"
	"github.com/tradecouncil/tradecouncil/internal/config"
	"github.com/tradecouncil/tradecouncil/internal/instrument"
	"github.com/tradecouncil/tradecouncil/internal/market"
	"github.com/tradecouncil/tradecouncil/internal/metrics"
	"github.com/tradecouncil/tradecouncil/internal/rules"
	"github.com/tradecouncil/tradecouncil/internal/state"
)

const (
	candleHistory        = 100
	newsLimit            = 10
	sentimentWindowHours = 24

	// Drift thresholds for the tactical validity check, in percent of
	// the planning-time base price.
	driftThresholdHold  = 1.5
	driftThresholdTrade = 2.5

	// Closes feeding the tactical volatility proxy.
	volatilityBars = 10

	defaultStrategicRetry = 60 * time.Second
	defaultTacticalDelay  = time.Minute
	executionErrorSleep   = time.Second

	cronDailyRollover = "0 0 * * *"
	cronHourlyFlush   = "0 * * * *"
)

// errGraphTimeout marks a strategic cycle abandoned at the hard
// deadline; the loop retries sooner than the normal cadence.
var errGraphTimeout = errors.New("graph run exceeded deadline")

// GraphRunner is the orchestration graph as the strategic loop sees it.
type GraphRunner interface {
	Run(ctx context.Context, st *state.DecisionState) error
}

// StrategyPlanner turns a finished decision into the next rule bundle.
type StrategyPlanner interface {
	Plan(ctx context.Context, st *state.DecisionState) (*rules.RuleBundle, error)
	Publish(ctx context.Context, bundle *rules.RuleBundle) error
}

// ProviderMaintenance is what the cron jobs need from the LLM manager.
type ProviderMaintenance interface {
	RolloverDay()
	FlushUsage(ctx context.Context) error
}

// Options wires a Scheduler. Graph, Planner, Engine, Cache, Data, and
// Profile are required; News, Alerts, and Providers may be nil.
type Options struct {
	Scheduler config.SchedulerConfig
	Profile   *instrument.Profile
	Graph     GraphRunner
	Planner   StrategyPlanner
	Engine    *rules.Engine
	Cache     *market.Cache
	Data      market.Data
	News      market.News
	Macro     state.MacroInputs
	Alerts    *alerts.Manager
	Providers ProviderMaintenance
}

// Scheduler owns the loop goroutines. Loops share nothing in memory;
// they meet only through the cache and the store.
type Scheduler struct {
	cfg       config.SchedulerConfig
	profile   *instrument.Profile
	graph     GraphRunner
	planner   StrategyPlanner
	engine    *rules.Engine
	cache     *market.Cache
	data      market.Data
	news      market.News
	macro     state.MacroInputs
	alerter   *alerts.Manager
	providers ProviderMaintenance

	strategicRetry time.Duration
	cron           *cron.Cron

	strategicLog zerolog.Logger
	tacticalLog  zerolog.Logger
	executionLog zerolog.Logger
}

// New validates the wiring and builds the scheduler.
func New(opts Options) (*Scheduler, error) {
	switch {
	case opts.Profile == nil:
		return nil, fmt.Errorf("scheduler needs an instrument profile")
	case opts.Graph == nil:
		return nil, fmt.Errorf("scheduler needs a graph runner")
	case opts.Planner == nil:
		return nil, fmt.Errorf("scheduler needs a planner")
	case opts.Engine == nil:
		return nil, fmt.Errorf("scheduler needs a rule engine")
	case opts.Cache == nil:
		return nil, fmt.Errorf("scheduler needs a cache")
	case opts.Data == nil:
		return nil, fmt.Errorf("scheduler needs a market data source")
	}

	return &Scheduler{
		cfg:            opts.Scheduler,
		profile:        opts.Profile,
		graph:          opts.Graph,
		planner:        opts.Planner,
		engine:         opts.Engine,
		cache:          opts.Cache,
		data:           opts.Data,
		news:           opts.News,
		macro:          opts.Macro,
		alerter:        opts.Alerts,
		providers:      opts.Providers,
		strategicRetry: defaultStrategicRetry,
		strategicLog:   config.NewLoopLogger("strategic"),
		tacticalLog:    config.NewLoopLogger("tactical"),
		executionLog:   config.NewLoopLogger("execution"),
	}, nil
}

// Run starts the three loops and the maintenance jobs, then blocks
// until the context is cancelled and every loop has drained.
func (s *Scheduler) Run(ctx context.Context) error {
	s.startMaintenance()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.strategicLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.tacticalLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.executionLoop(ctx)
	}()
	wg.Wait()

	s.stopMaintenance()
	return ctx.Err()
}

// strategicCadence prefers the configured override, then the
// instrument's optimal cadence.
func (s *Scheduler) strategicCadence() time.Duration {
	if s.cfg.StrategicMinutes > 0 {
		return time.Duration(s.cfg.StrategicMinutes) * time.Minute
	}
	return s.profile.OptimalCadence()
}

func (s *Scheduler) tacticalCadence() time.Duration {
	if s.cfg.TacticalMinutes > 0 {
		return time.Duration(s.cfg.TacticalMinutes) * time.Minute
	}
	return 3 * time.Minute
}

func (s *Scheduler) tacticalInitialDelay() time.Duration {
	if s.cfg.TacticalInitialDelay > 0 {
		return time.Duration(s.cfg.TacticalInitialDelay) * time.Minute
	}
	return defaultTacticalDelay
}

// strategicLoop runs the graph at the strategic cadence, starting
// immediately. A deadline-killed run retries after a short pause
// instead of waiting out the full cadence.
func (s *Scheduler) strategicLoop(ctx context.Context) {
	cadence := s.strategicCadence()
	s.strategicLog.Info().Dur("cadence", cadence).Msg("Strategic loop started")

	for {
		start := time.Now()
		err := s.runStrategic(ctx)
		elapsed := msSince(start)

		wait := cadence
		switch {
		case err == nil:
			metrics.RecordLoopRun("strategic", metrics.OutcomeSuccess, elapsed)
		case errors.Is(err, errGraphTimeout):
			metrics.RecordLoopRun("strategic", metrics.OutcomeError, elapsed)
			s.strategicLog.Warn().Dur("deadline", s.cfg.GraphTimeout()).
				Msg("Strategic cycle abandoned at deadline, retrying shortly")
			wait = s.strategicRetry
		case ctx.Err() != nil:
			return
		default:
			metrics.RecordLoopRun("strategic", metrics.OutcomeError, elapsed)
			s.strategicLog.Error().Err(err).Msg("Strategic cycle failed")
		}

		if !sleepCtx(ctx, wait) {
			s.strategicLog.Info().Msg("Strategic loop stopped")
			return
		}
	}
}

// runStrategic is one full cycle: snapshot, graph under the hard
// deadline, then planner. Planner failures are logged but do not fail
// the cycle; the previous bundle simply ages out.
func (s *Scheduler) runStrategic(ctx context.Context) error {
	snap, err := s.buildSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to assemble market snapshot: %w", err)
	}

	runID := uuid.New().String()
	st := state.New(runID, s.profile, snap, s.macro)
	s.strategicLog.Info().Str("run_id", runID).Float64("price", snap.Price).Msg("Strategic cycle starting")

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GraphTimeout())
	defer cancel()

	if err := s.graph.Run(gctx, st); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(gctx.Err(), context.DeadlineExceeded) {
			return errGraphTimeout
		}
		return fmt.Errorf("graph run %s failed: %w", runID, err)
	}

	bundle, err := s.planner.Plan(ctx, st)
	if err != nil {
		s.strategicLog.Warn().Err(err).Str("run_id", runID).Msg("Planner produced no bundle, keeping previous")
		return nil
	}
	if err := s.planner.Publish(ctx, bundle); err != nil {
		s.strategicLog.Warn().Err(err).Str("strategy_id", bundle.StrategyID).Msg("Failed to publish rule bundle")
		return nil
	}

	s.strategicLog.Info().
		Str("run_id", runID).
		Str("strategy_id", bundle.StrategyID).
		Str("signal", string(st.FinalSignal)).
		Int("rules", len(bundle.Rules)).
		Msg("Strategic cycle complete")
	return nil
}

// tacticalLoop validates the active bundle between strategic runs. It
// only observes and warns; it never starts a graph run early.
func (s *Scheduler) tacticalLoop(ctx context.Context) {
	if !sleepCtx(ctx, s.tacticalInitialDelay()) {
		return
	}
	cadence := s.tacticalCadence()
	s.tacticalLog.Info().Dur("cadence", cadence).Msg("Tactical loop started")

	for {
		start := time.Now()
		s.runTactical(ctx)
		metrics.RecordLoopRun("tactical", metrics.OutcomeSuccess, msSince(start))

		if !sleepCtx(ctx, cadence) {
			s.tacticalLog.Info().Msg("Tactical loop stopped")
			return
		}
	}
}

// runTactical checks the active bundle against the live tick: expiry,
// price drift since planning, and a short-window volatility proxy.
func (s *Scheduler) runTactical(ctx context.Context) {
	var bundle rules.RuleBundle
	if !s.cache.GetJSON(ctx, market.BundleKey, &bundle) {
		s.tacticalLog.Debug().Msg("No active rule bundle to validate")
		return
	}

	now := time.Now()
	if bundle.Expired(now) {
		s.tacticalLog.Warn().Str("strategy_id", bundle.StrategyID).Msg("Active bundle expired before replacement")
		return
	}

	tick, ok := s.cache.GetTick(ctx, s.profile.Symbol)
	if !ok || tick.Price <= 0 || bundle.BasePrice <= 0 {
		s.tacticalLog.Debug().Msg("No fresh tick for drift check")
		return
	}

	driftPct := math.Abs(tick.Price-bundle.BasePrice) / bundle.BasePrice * 100
	threshold := driftThresholdTrade
	if bundle.PlanSignal == state.SignalHold || bundle.PlanSignal == "" {
		threshold = driftThresholdHold
	}

	vol := s.volatilityProxy(ctx)

	if driftPct > threshold {
		s.tacticalLog.Warn().
			Str("strategy_id", bundle.StrategyID).
			Float64("drift_pct", driftPct).
			Float64("threshold", threshold).
			Float64("volatility", vol).
			Dur("bundle_remaining", bundle.RemainingValidity(now)).
			Msg("Price drifted past strategy threshold, next strategic cycle should replan")
		if s.alerter != nil {
			s.alerter.Dispatch(alerts.StrategyDrift(s.profile.Symbol, driftPct, threshold))
		}
		return
	}

	s.tacticalLog.Debug().
		Float64("drift_pct", driftPct).
		Float64("volatility", vol).
		Msg("Bundle still valid")
}

// volatilityProxy is the stddev of one-minute returns over the last
// few closes, as a fraction of price. Zero when history is thin.
func (s *Scheduler) volatilityProxy(ctx context.Context) float64 {
	bars, err := s.data.RecentOHLC(ctx, s.profile.Symbol, "1m", volatilityBars)
	if err != nil || len(bars) < 3 {
		return 0
	}

	returns := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		if bars[i-1].Close <= 0 {
			continue
		}
		returns = append(returns, (bars[i].Close-bars[i-1].Close)/bars[i-1].Close)
	}
	if len(returns) < 2 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	return math.Sqrt(variance)
}

// executionLoop polls the cached tick at roughly 10 Hz and hands it to
// the rule engine. Errors back the loop off for a full second.
func (s *Scheduler) executionLoop(ctx context.Context) {
	poll := s.cfg.ExecutionPoll()
	s.executionLog.Info().Dur("poll", poll).Msg("Execution loop started")

	for {
		if ctx.Err() != nil {
			s.executionLog.Info().Msg("Execution loop stopped")
			return
		}

		tick, ok := s.cache.GetTick(ctx, s.profile.Symbol)
		if !ok {
			if !sleepCtx(ctx, poll) {
				return
			}
			continue
		}

		start := time.Now()
		placed, err := s.engine.Step(ctx, tick)
		if err != nil {
			metrics.RecordLoopRun("execution", metrics.OutcomeError, msSince(start))
			s.executionLog.Error().Err(err).Msg("Execution step failed")
			if !sleepCtx(ctx, executionErrorSleep) {
				return
			}
			continue
		}
		if placed > 0 {
			metrics.RecordLoopRun("execution", metrics.OutcomeSuccess, msSince(start))
			s.executionLog.Info().Int("trades", placed).Float64("price", tick.Price).Msg("Rules fired")
		}

		if !sleepCtx(ctx, poll) {
			return
		}
	}
}

// startMaintenance schedules the cron jobs: calendar-day provider
// counter rollover and hourly usage persistence.
func (s *Scheduler) startMaintenance() {
	if s.providers == nil {
		return
	}
	logger := config.NewLoopLogger("maintenance")

	c := cron.New()
	_, _ = c.AddFunc(cronDailyRollover, func() {
		s.providers.RolloverDay()
		logger.Info().Msg("Daily provider rollover complete")
	})
	_, _ = c.AddFunc(cronHourlyFlush, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.providers.FlushUsage(ctx); err != nil {
			logger.Warn().Err(err).Msg("Usage flush failed")
		}
	})
	c.Start()
	s.cron = c
	logger.Info().Msg("Maintenance jobs scheduled")
}

func (s *Scheduler) stopMaintenance() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// buildSnapshot assembles the agents' read-only market view: cached
// tick (source fallback), candle history per timeframe, and news with
// aggregate sentiment.
func (s *Scheduler) buildSnapshot(ctx context.Context) (state.MarketSnapshot, error) {
	symbol := s.profile.Symbol

	tick, ok := s.cache.GetTick(ctx, symbol)
	if !ok {
		fresh, err := s.data.LatestTick(ctx, symbol)
		if err != nil {
			return state.MarketSnapshot{}, fmt.Errorf("no tick for %s: %w", symbol, err)
		}
		tick = fresh
	}
	if tick.Price <= 0 {
		return state.MarketSnapshot{}, fmt.Errorf("tick for %s carries no price", symbol)
	}

	snap := state.MarketSnapshot{
		Price:        tick.Price,
		Candles:      make(map[string][]state.Candle, len(market.Timeframes)),
		BestBid:      tick.BestBid,
		BestAsk:      tick.BestAsk,
		Bids:         depthLevels(tick.Bids),
		Asks:         depthLevels(tick.Asks),
		TotalBuyQty:  tick.TotalBuyQty,
		TotalSellQty: tick.TotalSellQty,
		Timestamp:    time.Now().UTC(),
	}

	for _, tf := range market.Timeframes {
		bars, err := s.data.RecentOHLC(ctx, symbol, tf, candleHistory)
		if err != nil {
			if !errors.Is(err, market.ErrNoData) {
				s.strategicLog.Debug().Err(err).Str("timeframe", tf).Msg("Candle fetch failed")
			}
			continue
		}
		snap.Candles[tf] = stateCandles(bars)
	}

	if s.news != nil {
		items, err := s.news.LatestNews(ctx, symbol, newsLimit)
		if err == nil {
			snap.News = stateNews(items)
		}
		stats, err := s.news.SentimentSummary(ctx, symbol, sentimentWindowHours)
		if err == nil && stats != nil {
			snap.SentimentScore = stats.Average
		}
	}

	return snap, nil
}

func depthLevels(levels []market.Level) []state.DepthLevel {
	out := make([]state.DepthLevel, len(levels))
	for i, l := range levels {
		out[i] = state.DepthLevel{Price: l.Price, Quantity: l.Quantity}
	}
	return out
}

func stateCandles(bars []market.Candle) []state.Candle {
	out := make([]state.Candle, len(bars))
	for i, b := range bars {
		out[i] = state.Candle{
			OpenTime: b.OpenTime,
			Open:     b.Open,
			High:     b.High,
			Low:      b.Low,
			Close:    b.Close,
			Volume:   b.Volume,
		}
	}
	return out
}

func stateNews(items []market.NewsItem) []state.NewsItem {
	out := make([]state.NewsItem, len(items))
	for i, n := range items {
		out[i] = state.NewsItem{
			Title:       n.Title,
			Body:        n.Body,
			Source:      n.Source,
			PublishedAt: n.PublishedAt,
			Sentiment:   n.Sentiment,
		}
	}
	return out
}

// sleepCtx waits d or until cancellation; false means cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Milliseconds())
}
