// councild is the trading council daemon: it wires the store, cache,
// provider pool, agent graph, planner, and rule engine together and
// hands them to the three-layer scheduler until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradecouncil/tradecouncil/internal/agents"
	"github.com/tradecouncil/tradecouncil/internal/alerts"
	"github.com/tradecouncil/tradecouncil/internal/broker"
	"github.com/tradecouncil/tradecouncil/internal/config"
	"github.com/tradecouncil/tradecouncil/internal/events"
	"github.com/tradecouncil/tradecouncil/internal/graph"
	"github.com/tradecouncil/tradecouncil/internal/instrument"
	"github.com/tradecouncil/tradecouncil/internal/llm"
	"github.com/tradecouncil/tradecouncil/internal/market"
	"github.com/tradecouncil/tradecouncil/internal/metrics"
	"github.com/tradecouncil/tradecouncil/internal/planner"
	"github.com/tradecouncil/tradecouncil/internal/rules"
	"github.com/tradecouncil/tradecouncil/internal/scheduler"
	"github.com/tradecouncil/tradecouncil/internal/state"
	"github.com/tradecouncil/tradecouncil/internal/store"
)

const tickPumpInterval = time.Second

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ./configs/config.yaml)")
	promptPath := flag.String("prompts", "", "Path to a YAML prompt pack (default: compiled prompts)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewLogger("councild")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *promptPath); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("Daemon exited with error")
	}
	logger.Info().Msg("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, promptPath string) error {
	logger := config.NewLogger("councild")
	logger.Info().
		Str("version", config.GetVersion()).
		Str("symbol", cfg.Instrument.Symbol).
		Str("venue", cfg.Instrument.Venue).
		Str("mode", cfg.Trading.Mode).
		Msg("Starting trading council")

	if err := config.ApplyProviderSecrets(ctx, cfg); err != nil {
		logger.Warn().Err(err).Msg("Provider secret loading incomplete, continuing with config values")
	}

	profile, err := instrument.Detect(cfg.Instrument.Symbol, cfg.Instrument.Venue, cfg.Instrument.DataSource)
	if err != nil {
		return fmt.Errorf("failed to detect instrument: %w", err)
	}

	db, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = redisClient.Close() }()
	cache := market.NewCache(redisClient)
	if err := cache.Health(ctx); err != nil {
		return fmt.Errorf("redis unavailable: %w", err)
	}

	alerter := alerts.NewManager(alerts.NewLogAlerter(), db)
	if cfg.Telegram.Enabled {
		tg, err := alerts.NewTelegramAlerter(cfg.Telegram.Token, []int64{cfg.Telegram.ChatID})
		if err != nil {
			logger.Warn().Err(err).Msg("Telegram alerter unavailable")
		} else {
			alerter.Add(tg)
		}
	}

	var bus *events.Publisher
	if cfg.NATS.Enabled {
		bus, err = events.Connect(cfg.NATS.URL)
		if err != nil {
			logger.Warn().Err(err).Msg("Event bus unavailable, continuing without it")
			bus = nil
		} else {
			defer bus.Close()
			alerter.Add(bus)
		}
	}

	manager := llm.NewManager(cfg.LLM, llm.NewHTTPClient(cfg.LLM.GetRequestTimeout()), alerter, db)
	manager.Start(ctx)
	defer manager.Close()

	prompts := agents.NewPromptStore()
	if promptPath != "" {
		loaded, err := agents.LoadPromptPack(promptPath)
		if err != nil {
			logger.Warn().Err(err).Str("path", promptPath).Msg("Prompt pack unusable, using compiled prompts")
		} else {
			prompts = loaded
		}
	}

	data, news := buildDataSource(cfg)

	fees := cfg.Exchanges[cfg.Instrument.Exchange].Fees
	if cfg.Trading.Mode != "paper" {
		logger.Warn().Str("mode", cfg.Trading.Mode).Msg("Live order routing is not wired, falling back to paper fills")
	}
	paper := broker.NewPaperBroker(fees)
	capital := cfg.Trading.InitialCapital

	opts := agents.Options{
		Completer:       manager,
		Prompts:         prompts,
		Profile:         profile,
		RetryIncomplete: cfg.Features.JSONValidationRetry,
	}

	dag, err := graph.New(graph.Config{
		Analysis: []agents.Agent{
			agents.NewTechnicalAgent(opts),
			agents.NewFundamentalAgent(opts),
			agents.NewSentimentAgent(opts),
			agents.NewMacroAgent(opts),
		},
		Debate: []agents.Agent{
			agents.NewBullAgent(opts),
			agents.NewBearAgent(opts),
		},
		Risk: []agents.Agent{
			agents.NewRiskAgent("aggressive", cfg.Risk["aggressive"], opts),
			agents.NewRiskAgent("conservative", cfg.Risk["conservative"], opts),
			agents.NewRiskAgent("neutral", cfg.Risk["neutral"], opts),
		},
		Manager:   agents.NewPortfolioAgent(opts),
		Execution: agents.NewExecutionAgent(profile, paper, capital),
		Releaser:  manager,
		Recorder:  &decisionSink{store: db, bus: bus},
		Alerts:    alerter,
	})
	if err != nil {
		return fmt.Errorf("failed to build graph: %w", err)
	}

	cadence := profile.OptimalCadence()
	if cfg.Scheduler.StrategicMinutes > 0 {
		cadence = time.Duration(cfg.Scheduler.StrategicMinutes) * time.Minute
	}
	plan := planner.New(profile, manager, cache, cadence)

	engine := rules.NewEngine(profile, cache, paper, &tradeSink{store: db, bus: bus}, alerter, capital)

	if cfg.Monitoring.EnableMetrics {
		srv := metrics.NewServer(cfg.Monitoring.PrometheusPort, logger)
		srv.RegisterStatus("providers", func() interface{} { return manager.Snapshot() })
		srv.RegisterStatus("instrument", func() interface{} { return profile })
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shCtx)
		}()
	}

	go pumpTicks(ctx, profile, data, cache, paper)

	sched, err := scheduler.New(scheduler.Options{
		Scheduler: cfg.Scheduler,
		Profile:   profile,
		Graph:     dag,
		Planner:   plan,
		Engine:    engine,
		Cache:     cache,
		Data:      data,
		News:      news,
		Macro: state.MacroInputs{
			PolicyRate:      cfg.Macro.PolicyRate,
			InflationRate:   cfg.Macro.InflationRate,
			HealthIndicator: cfg.Macro.HealthIndicator,
		},
		Alerts:    alerter,
		Providers: manager,
	})
	if err != nil {
		return fmt.Errorf("failed to build scheduler: %w", err)
	}

	logger.Info().Msg("Wiring complete, starting loops")
	return sched.Run(ctx)
}

// buildDataSource picks the market adapter. The mock source serves
// development and dry runs; anything else gets the Binance reference
// adapter, which carries no news feed.
func buildDataSource(cfg *config.Config) (market.Data, market.News) {
	switch cfg.Instrument.DataSource {
	case "mock":
		m := market.NewMockSource()
		return m, m
	default:
		b := market.NewBinanceSource(cfg.Exchanges[cfg.Instrument.Exchange])
		return b, nil
	}
}

// pumpTicks keeps the cache fresh for the execution loop and paper
// broker pricing. Source errors are tolerated; the cache TTL marks the
// instrument dark if they persist.
func pumpTicks(ctx context.Context, profile *instrument.Profile, data market.Data, cache *market.Cache, paper *broker.PaperBroker) {
	logger := config.NewLogger("tick_pump")
	ticker := time.NewTicker(tickPumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		tick, err := data.LatestTick(ctx, profile.Symbol)
		if err != nil {
			if !errors.Is(err, market.ErrNoData) && ctx.Err() == nil {
				logger.Debug().Err(err).Msg("Tick fetch failed")
			}
			continue
		}
		if err := cache.SetTick(ctx, tick); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("Tick cache write failed")
		}
		paper.SetMarketPrice(tick.Symbol, tick.Price)
	}
}

// decisionSink persists the decision and mirrors it onto the event bus.
type decisionSink struct {
	store *store.Store
	bus   *events.Publisher
}

func (d *decisionSink) RecordDecision(ctx context.Context, st *state.DecisionState) error {
	if d.bus != nil {
		if err := d.bus.PublishDecision(st); err != nil {
			logger := config.NewLogger("events")
			logger.Debug().Err(err).Msg("Decision event not published")
		}
	}
	return d.store.RecordDecision(ctx, st)
}

// tradeSink persists rule-engine fills and mirrors them onto the bus.
type tradeSink struct {
	store *store.Store
	bus   *events.Publisher
}

func (t *tradeSink) RecordTrade(ctx context.Context, sig rules.Signal, res *broker.OrderResult) error {
	if t.bus != nil {
		if err := t.bus.PublishTrade(sig, res); err != nil {
			logger := config.NewLogger("events")
			logger.Debug().Err(err).Msg("Trade event not published")
		}
	}
	return t.store.RecordTrade(ctx, sig, res)
}
