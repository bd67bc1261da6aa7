package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecouncil/tradecouncil/internal/alerts"
	"github.com/tradecouncil/tradecouncil/internal/broker"
	"github.com/tradecouncil/tradecouncil/internal/config"
	"github.com/tradecouncil/tradecouncil/internal/instrument"
	"github.com/tradecouncil/tradecouncil/internal/market"
	"github.com/tradecouncil/tradecouncil/internal/rules"
	"github.com/tradecouncil/tradecouncil/internal/state"
)

type fakeGraph struct {
	mu       sync.Mutex
	calls    int
	lastSt   *state.DecisionState
	deadline time.Time
	hasDL    bool
	err      error
}

func (g *fakeGraph) Run(ctx context.Context, st *state.DecisionState) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.lastSt = st
	g.deadline, g.hasDL = ctx.Deadline()
	if g.err != nil {
		return g.err
	}
	st.FinalSignal = state.SignalHold
	st.TrendSignal = state.TrendNeutral
	return nil
}

func (g *fakeGraph) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *fakeGraph) last() *state.DecisionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastSt
}

type fakePlanner struct {
	mu        sync.Mutex
	planned   int
	published int
	err       error
}

func (p *fakePlanner) Plan(ctx context.Context, st *state.DecisionState) (*rules.RuleBundle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.planned++
	if p.err != nil {
		return nil, p.err
	}
	now := time.Now()
	return &rules.RuleBundle{
		SchemaVersion: rules.SchemaVersion,
		StrategyID:    "strat-test",
		Symbol:        st.Instrument.Symbol,
		BasePrice:     st.Market.Price,
		PlanSignal:    st.FinalSignal,
		CreatedAt:     now,
		ValidUntil:    now.Add(20 * time.Minute),
	}, nil
}

func (p *fakePlanner) Publish(ctx context.Context, bundle *rules.RuleBundle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published++
	return nil
}

func (p *fakePlanner) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.planned, p.published
}

type fakeMaintenance struct {
	mu        sync.Mutex
	rollovers int
	flushes   int
}

func (f *fakeMaintenance) RolloverDay() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollovers++
}

func (f *fakeMaintenance) FlushUsage(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

type chanAlerter struct {
	ch chan alerts.Alert
}

func (c *chanAlerter) Send(ctx context.Context, alert alerts.Alert) error {
	c.ch <- alert
	return nil
}

type harness struct {
	sched   *Scheduler
	graph   *fakeGraph
	planner *fakePlanner
	cache   *market.Cache
	source  *market.MockSource
	paper   *broker.PaperBroker
	alerts  chan alerts.Alert
}

func newHarness(t *testing.T, cfg config.SchedulerConfig) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := market.NewCache(client)

	profile, err := instrument.Detect("BTCUSDT", "binance", "binance")
	require.NoError(t, err)

	source := market.NewMockSource()
	source.SetTick(&market.Tick{Symbol: "BTCUSDT", Price: 60000, BestBid: 59995, BestAsk: 60005, Timestamp: time.Now().UTC()})
	start := time.Now().Add(-10 * time.Hour)
	source.SetCandles("BTCUSDT", "15m", market.SyntheticCandles(start, "15m", 40, 59000, 25))
	source.SetCandles("BTCUSDT", "1m", market.SyntheticCandles(time.Now().Add(-10*time.Minute), "1m", 10, 59950, 5))
	source.SetNews("BTCUSDT", []market.NewsItem{
		{Title: "ETF inflows continue", Sentiment: 0.6, PublishedAt: time.Now().Add(-time.Hour)},
	})

	paper := broker.NewPaperBroker(config.FeeConfig{Taker: 0.001})
	paper.SetMarketPrice("BTCUSDT", 60000)
	engine := rules.NewEngine(profile, cache, paper, nil, nil, 10000)

	alertCh := make(chan alerts.Alert, 4)
	graph := &fakeGraph{}
	planner := &fakePlanner{}

	sched, err := New(Options{
		Scheduler: cfg,
		Profile:   profile,
		Graph:     graph,
		Planner:   planner,
		Engine:    engine,
		Cache:     cache,
		Data:      source,
		News:      source,
		Alerts:    alerts.NewManager(&chanAlerter{ch: alertCh}),
	})
	require.NoError(t, err)

	return &harness{
		sched:   sched,
		graph:   graph,
		planner: planner,
		cache:   cache,
		source:  source,
		paper:   paper,
		alerts:  alertCh,
	}
}

func runScheduler(t *testing.T, h *harness) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("scheduler did not stop after cancellation")
		}
	})
	return cancel
}

func TestStrategicRunsImmediatelyAndPlans(t *testing.T) {
	h := newHarness(t, config.SchedulerConfig{StrategicMinutes: 60, TacticalInitialDelay: 60})
	runScheduler(t, h)

	require.Eventually(t, func() bool {
		planned, published := h.planner.counts()
		return h.graph.callCount() == 1 && planned == 1 && published == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStrategicTimeoutSkipsPlannerAndRetries(t *testing.T) {
	h := newHarness(t, config.SchedulerConfig{StrategicMinutes: 60, TacticalInitialDelay: 60})
	h.graph.err = context.DeadlineExceeded
	h.sched.strategicRetry = 10 * time.Millisecond
	runScheduler(t, h)

	require.Eventually(t, func() bool {
		return h.graph.callCount() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	planned, _ := h.planner.counts()
	assert.Zero(t, planned, "a timed-out cycle must not reach the planner")
}

func TestGraphRunsUnderHardDeadline(t *testing.T) {
	h := newHarness(t, config.SchedulerConfig{StrategicMinutes: 60, TacticalInitialDelay: 60})
	runScheduler(t, h)

	require.Eventually(t, func() bool { return h.graph.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.graph.mu.Lock()
	hasDL, deadline := h.graph.hasDL, h.graph.deadline
	h.graph.mu.Unlock()

	require.True(t, hasDL, "graph context must carry a deadline")
	remaining := time.Until(deadline)
	assert.Greater(t, remaining, time.Duration(0))
	assert.LessOrEqual(t, remaining, 5*time.Minute)
}

func TestStrategicSnapshotCarriesMarketView(t *testing.T) {
	h := newHarness(t, config.SchedulerConfig{StrategicMinutes: 60, TacticalInitialDelay: 60})
	runScheduler(t, h)

	require.Eventually(t, func() bool { return h.graph.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	st := h.graph.last()
	require.NotNil(t, st)
	assert.Equal(t, 60000.0, st.Market.Price)
	assert.Len(t, st.Market.Candles["15m"], 40)
	assert.Len(t, st.Market.News, 1)
	assert.Greater(t, st.Market.SentimentScore, 0.0)
	assert.Equal(t, "BTCUSDT", st.Instrument.Symbol)
}

func seedBundle(t *testing.T, h *harness, basePrice float64, signal state.Signal) {
	t.Helper()
	now := time.Now()
	bundle := &rules.RuleBundle{
		SchemaVersion: rules.SchemaVersion,
		StrategyID:    "strat-drift",
		Symbol:        "BTCUSDT",
		BasePrice:     basePrice,
		PlanSignal:    signal,
		CreatedAt:     now,
		ValidUntil:    now.Add(20 * time.Minute),
	}
	require.NoError(t, h.cache.SetJSON(context.Background(), market.BundleKey, bundle, 20*time.Minute))
}

func seedTick(t *testing.T, h *harness, price float64) {
	t.Helper()
	require.NoError(t, h.cache.SetTick(context.Background(), &market.Tick{
		Symbol:    "BTCUSDT",
		Price:     price,
		Timestamp: time.Now().UTC(),
	}))
}

func TestTacticalDriftWarnsWithoutRunningGraph(t *testing.T) {
	h := newHarness(t, config.SchedulerConfig{})
	seedBundle(t, h, 60000, state.SignalHold)
	seedTick(t, h, 61000) // 1.67% > 1.5% HOLD threshold

	h.sched.runTactical(context.Background())

	select {
	case alert := <-h.alerts:
		assert.Equal(t, alerts.TypeStrategyDrift, alert.Type)
		assert.Equal(t, alerts.SeverityWarning, alert.Severity)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a strategy drift alert")
	}
	assert.Zero(t, h.graph.callCount(), "tactical validation must never start a graph run")
}

func TestTacticalUsesWiderThresholdForTradeSignals(t *testing.T) {
	h := newHarness(t, config.SchedulerConfig{})
	seedBundle(t, h, 60000, state.SignalBuy)
	seedTick(t, h, 61200) // 2.0% < 2.5% trade threshold

	h.sched.runTactical(context.Background())

	select {
	case alert := <-h.alerts:
		t.Fatalf("unexpected alert %s", alert.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTacticalQuietWithinThreshold(t *testing.T) {
	h := newHarness(t, config.SchedulerConfig{})
	seedBundle(t, h, 60000, state.SignalHold)
	seedTick(t, h, 60500) // 0.83%

	h.sched.runTactical(context.Background())

	select {
	case alert := <-h.alerts:
		t.Fatalf("unexpected alert %s", alert.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestExecutionLoopFiresRules(t *testing.T) {
	h := newHarness(t, config.SchedulerConfig{StrategicMinutes: 60, TacticalInitialDelay: 60, ExecutionPollMS: 5})
	seedTick(t, h, 60000)

	now := time.Now()
	bundle := &rules.RuleBundle{
		SchemaVersion: rules.SchemaVersion,
		StrategyID:    "strat-exec",
		Symbol:        "BTCUSDT",
		Rules: []rules.Rule{{
			ID:              "r1",
			Name:            "buy the floor",
			Direction:       rules.DirectionBuy,
			Symbol:          "BTCUSDT",
			Conditions:      []rules.Condition{{Type: rules.CondPriceAbove, Value: 59000}},
			RiskPercent:     2,
			StopLossPercent: 1.5,
			TargetPercent:   3,
			MaxTrades:       1,
		}},
		BasePrice:  60000,
		CreatedAt:  now,
		ValidUntil: now.Add(20 * time.Minute),
	}
	require.NoError(t, h.cache.SetJSON(context.Background(), market.BundleKey, bundle, 20*time.Minute))

	runScheduler(t, h)

	require.Eventually(t, func() bool {
		qty, _, ok := h.paper.Position("BTCUSDT")
		return ok && qty > 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestVolatilityProxy(t *testing.T) {
	h := newHarness(t, config.SchedulerConfig{})

	vol := h.sched.volatilityProxy(context.Background())
	assert.Greater(t, vol, 0.0)

	h.source.SetCandles("BTCUSDT", "1m", nil)
	assert.Zero(t, h.sched.volatilityProxy(context.Background()))
}

func TestMaintenanceJobsScheduled(t *testing.T) {
	h := newHarness(t, config.SchedulerConfig{})
	maint := &fakeMaintenance{}
	h.sched.providers = maint

	h.sched.startMaintenance()
	defer h.sched.stopMaintenance()

	require.NotNil(t, h.sched.cron)
	assert.Len(t, h.sched.cron.Entries(), 2)
}

func TestNewRejectsIncompleteWiring(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
