package llm

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/tradecouncil/tradecouncil/internal/alerts"
	"github.com/tradecouncil/tradecouncil/internal/config"
	"github.com/tradecouncil/tradecouncil/internal/metrics"
)

const (
	defaultMaxConcurrent = 3
	defaultTemperature   = 0.7
	defaultMaxTokens     = 2000
	pingTimeout          = 10 * time.Second
)

var errNoProviders = errors.New("no providers available")

// Manager fronts the provider pool. Callers submit a CompletionRequest and
// get back text; selection, key and model rotation, rate accounting, failure
// classification, and fallback all happen here.
type Manager struct {
	cfg     config.LLMConfig
	client  ChatCompleter
	alerter *alerts.Manager
	usage   UsageRecorder
	logger  zerolog.Logger

	mu        sync.Mutex
	providers []*provider
	byName    map[string]*provider

	cohortMu sync.Mutex
	cohorts  map[string]map[string]string // cohort id -> agent -> provider

	usageMu      sync.Mutex
	pendingUsage []UsageRecord

	sem      *semaphore.Weighted
	rrCursor atomic.Uint64

	nowFn    func() time.Time
	jitterFn func() time.Duration

	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

// NewManager builds the provider pool from configuration. The alerter and
// usage recorder may be nil.
func NewManager(cfg config.LLMConfig, client ChatCompleter, alerter *alerts.Manager, usage UsageRecorder) *Manager {
	now := time.Now()

	providers := make([]*provider, 0, len(cfg.Providers))
	byName := make(map[string]*provider, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		p := newProvider(name, pc, now)
		providers = append(providers, p)
		byName[name] = p
		metrics.SetProviderAvailable(name, true)
	}
	sort.Slice(providers, func(i, j int) bool {
		if providers[i].priority != providers[j].priority {
			return providers[i].priority < providers[j].priority
		}
		return providers[i].name < providers[j].name
	})

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}

	return &Manager{
		cfg:       cfg,
		client:    client,
		alerter:   alerter,
		usage:     usage,
		logger:    config.NewLogger("llm"),
		providers: providers,
		byName:    byName,
		cohorts:   make(map[string]map[string]string),
		sem:       semaphore.NewWeighted(maxConcurrent),
		nowFn:     time.Now,
		jitterFn:  defaultJitter,
	}
}

// defaultJitter desynchronizes bursts of parallel agent calls
func defaultJitter() time.Duration {
	return time.Duration(100+rand.Intn(501)) * time.Millisecond
}

// selection is one picked (provider, key, model) triple
type selection struct {
	provider string
	model    string
	agent    string
	endpoint Endpoint
}

// Complete runs the full call protocol: up to one attempt per configured
// provider, then a broader fallback pass, then a composite error naming
// every provider's last failure.
func (m *Manager) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	if len(m.providers) == 0 {
		return nil, errors.New("no providers configured")
	}

	start := time.Now()

	system := req.System
	user := req.User
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.cfg.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = m.cfg.Temperature
	}
	if temperature == 0 {
		temperature = defaultTemperature
	}

	if len(req.Schema) > 0 {
		user += SchemaInstruction(req.Schema)
		maxTokens = EstimateMaxTokens(len(req.Schema), maxTokens)
	}

	lastErrs := make(map[string]string)
	attempts := 0

	for i := 0; i < len(m.providers); i++ {
		sel, err := m.pick(req.AgentName, req.CohortID)
		if err != nil {
			break
		}
		attempts++

		text, tokens, err := m.call(ctx, sel, system, user, temperature, maxTokens)
		if err == nil {
			return &CompletionResult{
				Text:       text,
				Provider:   sel.provider,
				Model:      sel.model,
				TokensUsed: tokens,
				Attempts:   attempts,
				Duration:   time.Since(start),
			}, nil
		}
		lastErrs[sel.provider] = err.Error()

		if ctx.Err() != nil {
			return nil, &CallError{Message: "completion cancelled", Err: ctx.Err()}
		}
	}

	// Broader pass: every provider that is (or has just become) available,
	// in priority order, ignoring soft throttle, cohort, and strategy.
	for _, p := range m.providers {
		sel, err := m.pickNamed(p.name, req.AgentName)
		if err != nil {
			continue
		}
		attempts++

		text, tokens, err := m.call(ctx, sel, system, user, temperature, maxTokens)
		if err == nil {
			metrics.LLMFallbacks.Inc()
			m.logger.Info().
				Str("provider", sel.provider).
				Str("agent", req.AgentName).
				Msg("Completion served by fallback pass")
			return &CompletionResult{
				Text:       text,
				Provider:   sel.provider,
				Model:      sel.model,
				TokensUsed: tokens,
				Attempts:   attempts,
				Duration:   time.Since(start),
			}, nil
		}
		lastErrs[sel.provider] = err.Error()

		if ctx.Err() != nil {
			break
		}
	}

	if len(lastErrs) == 0 {
		return nil, errNoProviders
	}
	return nil, &AllProvidersError{Last: lastErrs}
}

// pick selects a provider for one attempt and charges the accepted call
// against its rate windows
func (m *Manager) pick(agent, cohort string) (selection, error) {
	m.mu.Lock()
	now := m.nowFn()

	for _, p := range m.providers {
		if p.tryRecover(now) {
			metrics.SetProviderAvailable(p.name, true)
			m.logger.Info().Str("provider", p.name).Msg("Provider recovered")
		}
	}

	var target *provider
	if Strategy(m.cfg.Strategy) == StrategySingle {
		target = m.byName[m.cfg.PrimaryProvider]
		if target == nil {
			target = m.providers[0]
		}
	} else {
		avail := make([]*provider, 0, len(m.providers))
		for _, p := range m.providers {
			if p.available(now) {
				avail = append(avail, p)
			}
		}
		if len(avail) == 0 {
			m.mu.Unlock()
			return selection{}, errNoProviders
		}

		factor := m.cfg.SoftThrottleFactor
		if factor <= 0 {
			factor = 0.8
		}
		pool := make([]*provider, 0, len(avail))
		for _, p := range avail {
			if !p.softThrottled(now, factor) {
				pool = append(pool, p)
			}
		}
		if len(pool) == 0 {
			pool = avail
		}

		if cohort != "" {
			assigned := m.assignedProviders(cohort)
			fresh := make([]*provider, 0, len(pool))
			for _, p := range pool {
				if !assigned[p.name] {
					fresh = append(fresh, p)
				}
			}
			if len(fresh) > 0 {
				pool = fresh
			}
		}

		target = m.applyStrategy(agent, pool)
	}

	sel := selection{
		provider: target.name,
		model:    target.nextModel(),
		agent:    agent,
		endpoint: Endpoint{
			BaseURL:    target.baseURL,
			APIKey:     target.nextKey(),
			AuthHeader: target.authHeader,
		},
	}
	target.noteAccepted(now)
	m.mu.Unlock()

	if cohort != "" {
		m.recordAssignment(cohort, agent, sel.provider)
	}
	return sel, nil
}

// pickNamed charges and returns one specific provider if it is usable.
// The fallback pass walks providers with this.
func (m *Manager) pickNamed(name, agent string) (selection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.byName[name]
	if p == nil {
		return selection{}, errNoProviders
	}
	now := m.nowFn()
	if p.tryRecover(now) {
		metrics.SetProviderAvailable(p.name, true)
	}
	if !p.available(now) {
		return selection{}, errNoProviders
	}

	sel := selection{
		provider: p.name,
		model:    p.nextModel(),
		agent:    agent,
		endpoint: Endpoint{
			BaseURL:    p.baseURL,
			APIKey:     p.nextKey(),
			AuthHeader: p.authHeader,
		},
	}
	p.noteAccepted(now)
	return sel, nil
}

// applyStrategy picks from a non-empty pool. Called with the manager lock held.
func (m *Manager) applyStrategy(agent string, pool []*provider) *provider {
	switch Strategy(m.cfg.Strategy) {
	case StrategyRoundRobin:
		idx := int((m.rrCursor.Add(1) - 1) % uint64(len(pool)))
		return pool[idx]

	case StrategyWeighted:
		total := 0.0
		for _, p := range pool {
			total += 1.0 / float64(p.priority+1)
		}
		r := rand.Float64() * total
		for _, p := range pool {
			r -= 1.0 / float64(p.priority+1)
			if r <= 0 {
				return p
			}
		}
		return pool[len(pool)-1]

	case StrategyHash:
		h := fnv.New32a()
		h.Write([]byte(agent))
		return pool[int(h.Sum32())%len(pool)]

	default:
		return pool[rand.Intn(len(pool))]
	}
}

// call performs one attempt: semaphore, jitter, HTTP call, classification
func (m *Manager) call(ctx context.Context, sel selection, system, user string, temperature float64, maxTokens int) (string, int, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return "", 0, &CallError{Message: "semaphore acquire failed", Err: err}
	}
	defer m.sem.Release(1)

	if err := m.jitterSleep(ctx); err != nil {
		return "", 0, err
	}

	chatReq := ChatRequest{
		Model: sel.model,
		Messages: []ChatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.GetRequestTimeout())
	start := time.Now()
	resp, err := m.client.Complete(callCtx, sel.endpoint, chatReq)
	cancel()
	durMs := float64(time.Since(start).Milliseconds())

	if err != nil {
		m.handleFailure(sel.provider, err)
		metrics.RecordLLMCall(sel.provider, failureOutcome(err), durMs, 0)
		m.recordUsage(sel, 0, false)
		return "", 0, err
	}

	text, err := responseText(resp)
	if err != nil {
		wrapped := &CallError{Message: err.Error()}
		m.handleFailure(sel.provider, wrapped)
		metrics.RecordLLMCall(sel.provider, metrics.OutcomeError, durMs, 0)
		m.recordUsage(sel, 0, false)
		return "", 0, wrapped
	}

	tokens := CountTokens(system, user, text)
	m.mu.Lock()
	if p := m.byName[sel.provider]; p != nil {
		p.noteTokens(tokens)
	}
	m.mu.Unlock()

	metrics.RecordLLMCall(sel.provider, metrics.OutcomeSuccess, durMs, tokens)
	m.recordUsage(sel, tokens, true)

	m.logger.Debug().
		Str("provider", sel.provider).
		Str("model", sel.model).
		Int("tokens", tokens).
		Float64("duration_ms", durMs).
		Msg("Completion succeeded")

	return text, tokens, nil
}

func (m *Manager) jitterSleep(ctx context.Context) error {
	d := m.jitterFn()
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return &CallError{Message: "cancelled during jitter", Err: ctx.Err()}
	case <-time.After(d):
		return nil
	}
}

func failureOutcome(err error) string {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return metrics.OutcomeRateLimit
	}
	return metrics.OutcomeError
}

// handleFailure classifies a call error and moves the provider's status
func (m *Manager) handleFailure(providerName string, err error) {
	m.mu.Lock()
	p := m.byName[providerName]
	if p == nil {
		m.mu.Unlock()
		return
	}
	now := m.nowFn()

	var rle *RateLimitError
	var me *ModelError
	var resetAt time.Time
	kind := "error"
	switch {
	case errors.As(err, &rle):
		p.markRateLimited(now, rle.RetryAfter)
		resetAt = p.cooldownUntil
		kind = "rate_limited"
	case errors.As(err, &me):
		p.markModelError(err.Error())
		kind = "model_error"
	default:
		p.markError(now, err.Error())
	}
	metrics.SetProviderAvailable(providerName, false)
	m.mu.Unlock()

	switch kind {
	case "rate_limited":
		metrics.LLMRateLimits.WithLabelValues(providerName).Inc()
		m.alerter.Dispatch(alerts.ProviderRateLimited(providerName, resetAt))
		m.logger.Warn().
			Str("provider", providerName).
			Time("reset_at", resetAt).
			Msg("Provider rate limited")
	case "model_error":
		m.alerter.Dispatch(alerts.ProviderError(providerName, err.Error()))
		m.logger.Error().
			Str("provider", providerName).
			Err(err).
			Msg("Provider model error, removed from rotation")
	default:
		m.logger.Warn().
			Str("provider", providerName).
			Err(err).
			Msg("Provider call failed")
	}
}

// maxPendingUsage bounds the flush buffer; beyond it the oldest
// records are dropped rather than growing without a consumer.
const maxPendingUsage = 1024

// recordUsage buffers the accepted call for the next flush; the hot
// path never touches the store.
func (m *Manager) recordUsage(sel selection, tokens int, success bool) {
	if m.usage == nil {
		return
	}
	rec := UsageRecord{
		Provider:  sel.provider,
		Model:     sel.model,
		AgentName: sel.agent,
		Tokens:    tokens,
		Success:   success,
		Timestamp: m.nowFn(),
	}

	m.usageMu.Lock()
	defer m.usageMu.Unlock()
	m.pendingUsage = append(m.pendingUsage, rec)
	if len(m.pendingUsage) > maxPendingUsage {
		m.pendingUsage = m.pendingUsage[len(m.pendingUsage)-maxPendingUsage:]
	}
}

// FlushUsage drains the buffered usage records through the recorder.
// Records that fail to persist are dropped, not requeued; the daily
// upsert tolerates gaps better than duplicate increments.
func (m *Manager) FlushUsage(ctx context.Context) error {
	if m.usage == nil {
		return nil
	}

	m.usageMu.Lock()
	pending := m.pendingUsage
	m.pendingUsage = nil
	m.usageMu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	var firstErr error
	failed := 0
	for _, rec := range pending {
		if err := m.usage.RecordProviderUsage(ctx, rec); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		m.logger.Warn().Err(firstErr).Int("failed", failed).Int("total", len(pending)).
			Msg("Provider usage flush incomplete")
		return firstErr
	}
	m.logger.Debug().Int("records", len(pending)).Msg("Provider usage flushed")
	return nil
}

// RolloverDay force-resets every provider's day and token windows.
// Providers also roll on their own 24 hours after first use; this pins
// the reset to the calendar day instead.
func (m *Manager) RolloverDay() {
	now := m.nowFn()

	m.mu.Lock()
	for _, p := range m.providers {
		p.dayStart = now
		p.dayCount = 0
		p.tokensToday = 0
	}
	m.mu.Unlock()

	m.logger.Info().Msg("Provider day counters rolled over")
}

// assignedProviders returns the providers already holding an agent in a cohort
func (m *Manager) assignedProviders(cohort string) map[string]bool {
	m.cohortMu.Lock()
	defer m.cohortMu.Unlock()
	set := make(map[string]bool, len(m.cohorts[cohort]))
	for _, prov := range m.cohorts[cohort] {
		set[prov] = true
	}
	return set
}

func (m *Manager) recordAssignment(cohort, agent, provider string) {
	m.cohortMu.Lock()
	defer m.cohortMu.Unlock()
	if m.cohorts[cohort] == nil {
		m.cohorts[cohort] = make(map[string]string)
	}
	m.cohorts[cohort][agent] = provider
}

// ReleaseCohort clears a cohort's assignments once its barrier has passed
func (m *Manager) ReleaseCohort(cohort string) {
	m.cohortMu.Lock()
	defer m.cohortMu.Unlock()
	delete(m.cohorts, cohort)
}

// CohortAssignments returns a copy of agent-to-provider assignments for logs
func (m *Manager) CohortAssignments(cohort string) map[string]string {
	m.cohortMu.Lock()
	defer m.cohortMu.Unlock()
	out := make(map[string]string, len(m.cohorts[cohort]))
	for agent, prov := range m.cohorts[cohort] {
		out[agent] = prov
	}
	return out
}

// Snapshot returns the runtime state of every provider
func (m *Manager) Snapshot() []ProviderInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ProviderInfo, 0, len(m.providers))
	for _, p := range m.providers {
		out = append(out, p.info())
	}
	return out
}

// Start launches the background health loop
func (m *Manager) Start(ctx context.Context) {
	if m.healthDone != nil {
		return
	}
	hctx, cancel := context.WithCancel(ctx)
	m.healthCancel = cancel
	m.healthDone = make(chan struct{})

	interval := m.cfg.GetHealthInterval()
	go func() {
		defer close(m.healthDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				m.healthPass(hctx)
			}
		}
	}()

	m.logger.Info().Dur("interval", interval).Msg("Provider health loop started")
}

// Close stops the health loop and flushes any buffered usage
func (m *Manager) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = m.FlushUsage(ctx)

	if m.healthCancel == nil {
		return
	}
	m.healthCancel()
	<-m.healthDone
	m.healthCancel = nil
	m.healthDone = nil
}

// healthPass evaluates recovery for cooled-down providers and pings the
// available ones. Probe traffic never touches the usage counters; a failed
// ping only moves the provider's status.
func (m *Manager) healthPass(ctx context.Context) {
	type probe struct {
		name     string
		model    string
		endpoint Endpoint
	}

	now := m.nowFn()
	var probes []probe

	m.mu.Lock()
	for _, p := range m.providers {
		if p.status != StatusAvailable {
			if p.tryRecover(now) {
				metrics.SetProviderAvailable(p.name, true)
				m.logger.Info().Str("provider", p.name).Msg("Provider recovered")
			}
			continue
		}
		probes = append(probes, probe{
			name:  p.name,
			model: p.peekModel(),
			endpoint: Endpoint{
				BaseURL:    p.baseURL,
				APIKey:     p.peekKey(),
				AuthHeader: p.authHeader,
			},
		})
	}
	m.mu.Unlock()

	for _, pr := range probes {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		_, err := m.client.Complete(pingCtx, pr.endpoint, ChatRequest{
			Model:     pr.model,
			Messages:  []ChatMessage{{Role: "user", Content: "ping"}},
			MaxTokens: 1,
		})
		cancel()
		if err == nil {
			continue
		}

		m.mu.Lock()
		if p := m.byName[pr.name]; p != nil {
			var rle *RateLimitError
			var me *ModelError
			switch {
			case errors.As(err, &rle):
				p.markRateLimited(m.nowFn(), rle.RetryAfter)
			case errors.As(err, &me):
				p.markModelError(err.Error())
			default:
				p.markError(m.nowFn(), err.Error())
			}
			metrics.SetProviderAvailable(pr.name, false)
		}
		m.mu.Unlock()

		m.logger.Warn().Str("provider", pr.name).Err(err).Msg("Health ping failed")
	}
}
