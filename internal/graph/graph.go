// Package graph runs one strategic decision through the agent DAG:
// a four-way analysis fan-out, the bull/bear debate, three parallel
// risk profiles, then the portfolio manager and execution in sequence.
// Each parallel cohort joins at a barrier where its partial updates
// are reduced into the shared state before downstream nodes see it.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tradecouncil/tradecouncil/internal/agents"
	"github.com/tradecouncil/tradecouncil/internal/alerts"
	"github.com/tradecouncil/tradecouncil/internal/config"
	"github.com/tradecouncil/tradecouncil/internal/metrics"
	"github.com/tradecouncil/tradecouncil/internal/state"
)

// Cohort suffixes appended to the run id when talking to the provider
// manager; agents use the same suffixes when requesting completions.
const (
	CohortAnalysis = "analysis"
	CohortDebate   = "debate"
	CohortRisk     = "risk"
)

// CohortReleaser frees the provider-diversity assignments a finished
// cohort holds. The llm.Manager implements it.
type CohortReleaser interface {
	ReleaseCohort(cohort string)
}

// DecisionRecorder persists the finished decision record.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, st *state.DecisionState) error
}

// Config wires one graph instance.
type Config struct {
	Analysis  []agents.Agent // 4-way fan-out
	Debate    []agents.Agent // bull, bear
	Risk      []agents.Agent // aggressive, conservative, neutral
	Manager   agents.Agent
	Execution agents.Agent

	Releaser CohortReleaser
	Recorder DecisionRecorder
	Alerts   *alerts.Manager
}

// Graph is the runnable DAG.
type Graph struct {
	cfg    Config
	logger zerolog.Logger
}

// New validates the topology and builds the graph.
func New(cfg Config) (*Graph, error) {
	if len(cfg.Analysis) == 0 || len(cfg.Debate) == 0 || len(cfg.Risk) == 0 {
		return nil, fmt.Errorf("graph needs analysis, debate, and risk cohorts")
	}
	if cfg.Manager == nil || cfg.Execution == nil {
		return nil, fmt.Errorf("graph needs a portfolio manager and an execution node")
	}
	return &Graph{cfg: cfg, logger: config.NewLogger("graph")}, nil
}

// Run drives one decision through the DAG. Any node error terminates
// the run and nothing is persisted; a completed run is persisted even
// when the decision is HOLD.
func (g *Graph) Run(ctx context.Context, st *state.DecisionState) error {
	start := time.Now()
	g.logger.Info().Str("run_id", st.RunID).Msg("Graph run starting")

	cohorts := []struct {
		name   string
		agents []agents.Agent
	}{
		{CohortAnalysis, g.cfg.Analysis},
		{CohortDebate, g.cfg.Debate},
		{CohortRisk, g.cfg.Risk},
	}
	for _, cohort := range cohorts {
		if err := g.runCohort(ctx, st, cohort.name, cohort.agents); err != nil {
			metrics.RecordGraphRun(metrics.OutcomeError, msSince(start))
			return err
		}
	}

	for _, node := range []agents.Agent{g.cfg.Manager, g.cfg.Execution} {
		update, err := g.runNode(ctx, st, node)
		if err != nil {
			metrics.RecordGraphRun(metrics.OutcomeError, msSince(start))
			return err
		}
		if err := state.Reduce(st, update); err != nil {
			metrics.RecordGraphRun(metrics.OutcomeError, msSince(start))
			return fmt.Errorf("reduce %s: %w", node.Name(), err)
		}
	}

	if err := g.finalize(ctx, st); err != nil {
		metrics.RecordGraphRun(metrics.OutcomeError, msSince(start))
		return err
	}

	metrics.RecordGraphRun(metrics.OutcomeSuccess, msSince(start))
	g.logger.Info().
		Str("run_id", st.RunID).
		Str("signal", string(st.FinalSignal)).
		Dur("elapsed", time.Since(start)).
		Msg("Graph run complete")
	return nil
}

// runCohort spawns the cohort concurrently and reduces its updates at
// the barrier. The cohort's provider assignments are released after
// the join.
func (g *Graph) runCohort(ctx context.Context, st *state.DecisionState, name string, cohort []agents.Agent) error {
	cohortID := st.RunID + "-" + name
	defer func() {
		if g.cfg.Releaser != nil {
			g.cfg.Releaser.ReleaseCohort(cohortID)
		}
	}()

	updates := make([]*state.Update, len(cohort))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, agent := range cohort {
		eg.Go(func() error {
			update, err := g.runNode(egCtx, st, agent)
			if err != nil {
				return err
			}
			updates[i] = update
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	if err := state.Reduce(st, updates...); err != nil {
		return fmt.Errorf("reduce cohort %s: %w", name, err)
	}
	return nil
}

func (g *Graph) runNode(ctx context.Context, st *state.DecisionState, agent agents.Agent) (*state.Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.logger.Debug().Str("run_id", st.RunID).Str("node", agent.Name()).Msg("Executing node")
	start := time.Now()

	update, err := agent.Process(ctx, st)
	elapsed := msSince(start)
	metrics.RecordGraphNode(agent.Name(), elapsed)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", agent.Name(), err)
	}

	g.logger.Debug().
		Str("run_id", st.RunID).
		Str("node", agent.Name()).
		Float64("elapsed_ms", elapsed).
		Msg("Node completed")
	return update, nil
}

// finalize persists the record and raises the incomplete-analysis
// alert. A cancelled context skips persistence entirely.
func (g *Graph) finalize(ctx context.Context, st *state.DecisionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if g.cfg.Recorder != nil {
		if err := g.cfg.Recorder.RecordDecision(ctx, st); err != nil {
			return fmt.Errorf("persist decision %s: %w", st.RunID, err)
		}
	}

	if incomplete := st.IncompleteAgents(); len(incomplete) > 0 && g.cfg.Alerts != nil {
		g.cfg.Alerts.Dispatch(alerts.AnalysisIncomplete(st.RunID, incomplete))
	}
	return nil
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
