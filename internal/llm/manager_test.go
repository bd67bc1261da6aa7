package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tradecouncil/tradecouncil/internal/config"
)

// fakeCompleter scripts provider responses and records every call
type fakeCompleter struct {
	mu      sync.Mutex
	handler func(ep Endpoint, req ChatRequest) (*ChatResponse, error)
	calls   []fakeCall
}

type fakeCall struct {
	ep  Endpoint
	req ChatRequest
}

func (f *fakeCompleter) Complete(ctx context.Context, ep Endpoint, req ChatRequest) (*ChatResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{ep: ep, req: req})
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		return textResponse("ok"), nil
	}
	return handler(ep, req)
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeCompleter) recorded() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func textResponse(content string) *ChatResponse {
	resp := &ChatResponse{ID: "r", Model: "m"}
	resp.Choices = make([]struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	}, 1)
	resp.Choices[0].Message.Role = "assistant"
	resp.Choices[0].Message.Content = content
	return resp
}

func twoProviderConfig(strategy string) config.LLMConfig {
	return config.LLMConfig{
		Strategy:           strategy,
		MaxConcurrent:      3,
		SoftThrottleFactor: 0.8,
		RequestTimeout:     5,
		Temperature:        0.7,
		MaxTokens:          500,
		Providers: map[string]config.ProviderConfig{
			"alpha": {
				BaseURL:       "http://alpha.test/v1",
				APIKey:        "alpha-key",
				Models:        []string{"model-a"},
				Priority:      0,
				RatePerMinute: 60,
			},
			"beta": {
				BaseURL:       "http://beta.test/v1",
				APIKey:        "beta-key",
				Models:        []string{"model-b"},
				Priority:      1,
				RatePerMinute: 60,
			},
		},
	}
}

func newTestManager(cfg config.LLMConfig, fake *fakeCompleter) *Manager {
	m := NewManager(cfg, fake, nil, nil)
	m.jitterFn = func() time.Duration { return 0 }
	return m
}

func TestManager_CompleteSuccess(t *testing.T) {
	fake := &fakeCompleter{}
	m := newTestManager(twoProviderConfig("round_robin"), fake)

	res, err := m.Complete(context.Background(), CompletionRequest{
		AgentName: "technical",
		System:    "you analyze markets",
		User:      "analyze NIFTY",
	})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}

	if res.Text != "ok" {
		t.Errorf("Unexpected text %q", res.Text)
	}
	if res.Provider != "alpha" {
		t.Errorf("Expected alpha (priority 0) first under round_robin, got %q", res.Provider)
	}
	if res.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", res.Attempts)
	}
	if res.TokensUsed == 0 {
		t.Error("Expected a token estimate")
	}
}

func TestManager_KeyRotationFansOut(t *testing.T) {
	cfg := twoProviderConfig("round_robin")
	cfg.Providers = map[string]config.ProviderConfig{
		"alpha": {
			BaseURL:      "http://alpha.test/v1",
			APIKey:       "key-1",
			ExtraAPIKeys: []string{"key-2", "key-3"},
			Models:       []string{"model-a"},
		},
	}
	fake := &fakeCompleter{}
	m := newTestManager(cfg, fake)

	for i := 0; i < 6; i++ {
		if _, err := m.Complete(context.Background(), CompletionRequest{AgentName: "technical", User: "q"}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	counts := map[string]int{}
	for _, c := range fake.recorded() {
		counts[c.ep.APIKey]++
	}
	for _, key := range []string{"key-1", "key-2", "key-3"} {
		if counts[key] != 2 {
			t.Errorf("Expected key %s used twice, got %d (counts %v)", key, counts[key], counts)
		}
	}
}

func TestManager_ModelRotation(t *testing.T) {
	cfg := twoProviderConfig("round_robin")
	cfg.Providers = map[string]config.ProviderConfig{
		"alpha": {
			BaseURL: "http://alpha.test/v1",
			APIKey:  "k",
			Models:  []string{"model-a", "model-b"},
		},
	}
	fake := &fakeCompleter{}
	m := newTestManager(cfg, fake)

	for i := 0; i < 4; i++ {
		if _, err := m.Complete(context.Background(), CompletionRequest{AgentName: "technical", User: "q"}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	var models []string
	for _, c := range fake.recorded() {
		models = append(models, c.req.Model)
	}
	want := []string{"model-a", "model-b", "model-a", "model-b"}
	for i := range want {
		if models[i] != want[i] {
			t.Fatalf("Expected model sequence %v, got %v", want, models)
		}
	}
}

func TestManager_RateLimitFailover(t *testing.T) {
	fake := &fakeCompleter{}
	fake.handler = func(ep Endpoint, req ChatRequest) (*ChatResponse, error) {
		if strings.Contains(ep.BaseURL, "alpha") {
			return nil, &RateLimitError{Message: "slow down", RetryAfter: 2 * time.Minute}
		}
		return textResponse("from beta"), nil
	}
	m := newTestManager(twoProviderConfig("round_robin"), fake)

	res, err := m.Complete(context.Background(), CompletionRequest{AgentName: "technical", User: "q"})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if res.Provider != "beta" {
		t.Errorf("Expected failover to beta, got %q", res.Provider)
	}
	if res.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", res.Attempts)
	}

	for _, info := range m.Snapshot() {
		if info.Name == "alpha" {
			if info.Status != StatusRateLimited {
				t.Errorf("Expected alpha RATE_LIMITED, got %s", info.Status)
			}
			if info.CooldownUntil.Before(time.Now().Add(time.Minute)) {
				t.Error("Expected cooldown roughly two minutes out")
			}
		}
	}
}

func TestManager_RateLimitedProviderSkippedUntilReset(t *testing.T) {
	fake := &fakeCompleter{}
	m := newTestManager(twoProviderConfig("round_robin"), fake)

	base := time.Now()
	m.nowFn = func() time.Time { return base }

	m.mu.Lock()
	m.byName["alpha"].markRateLimited(base, 5*time.Minute)
	m.mu.Unlock()

	res, err := m.Complete(context.Background(), CompletionRequest{AgentName: "technical", User: "q"})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if res.Provider != "beta" {
		t.Errorf("Expected beta while alpha cools, got %q", res.Provider)
	}

	// past the reset instant the provider rejoins the pool
	m.nowFn = func() time.Time { return base.Add(6 * time.Minute) }
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		res, err = m.Complete(context.Background(), CompletionRequest{AgentName: "technical", User: "q"})
		if err != nil {
			t.Fatalf("Complete returned error: %v", err)
		}
		seen[res.Provider] = true
	}
	if !seen["alpha"] {
		t.Error("Expected alpha back in rotation after its reset instant")
	}
}

func TestManager_ModelErrorNeverRecovers(t *testing.T) {
	fake := &fakeCompleter{}
	m := newTestManager(twoProviderConfig("round_robin"), fake)

	base := time.Now()
	m.nowFn = func() time.Time { return base }

	m.mu.Lock()
	m.byName["alpha"].markModelError("No endpoints found for model-a")
	m.mu.Unlock()

	m.nowFn = func() time.Time { return base.Add(24 * time.Hour) }

	for i := 0; i < 3; i++ {
		res, err := m.Complete(context.Background(), CompletionRequest{AgentName: "technical", User: "q"})
		if err != nil {
			t.Fatalf("Complete returned error: %v", err)
		}
		if res.Provider == "alpha" {
			t.Fatal("Provider with a model error must stay out of rotation")
		}
	}

	for _, info := range m.Snapshot() {
		if info.Name == "alpha" && info.Status != StatusUnavailable {
			t.Errorf("Expected alpha UNAVAILABLE, got %s", info.Status)
		}
	}
}

func TestManager_ErrorCooldownRecovers(t *testing.T) {
	fake := &fakeCompleter{}
	m := newTestManager(twoProviderConfig("round_robin"), fake)

	base := time.Now()
	m.nowFn = func() time.Time { return base }

	m.mu.Lock()
	m.byName["alpha"].markError(base, "upstream 500")
	m.mu.Unlock()

	m.nowFn = func() time.Time { return base.Add(5*time.Minute + time.Second) }

	res, err := m.Complete(context.Background(), CompletionRequest{AgentName: "technical", User: "q"})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if res.Provider != "alpha" {
		t.Errorf("Expected alpha after its 5 minute cooldown, got %q", res.Provider)
	}
}

func TestManager_SoftThrottleSteersAway(t *testing.T) {
	fake := &fakeCompleter{}
	cfg := twoProviderConfig("round_robin")
	cfg.Providers["alpha"] = config.ProviderConfig{
		BaseURL:       "http://alpha.test/v1",
		APIKey:        "alpha-key",
		Models:        []string{"model-a"},
		Priority:      0,
		RatePerMinute: 10,
	}
	m := newTestManager(cfg, fake)

	now := time.Now()
	m.nowFn = func() time.Time { return now }

	m.mu.Lock()
	alpha := m.byName["alpha"]
	alpha.minuteStart = now
	alpha.minuteCount = 8 // 0.8 * 10
	m.mu.Unlock()

	res, err := m.Complete(context.Background(), CompletionRequest{AgentName: "technical", User: "q"})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if res.Provider != "beta" {
		t.Errorf("Expected beta while alpha is soft throttled, got %q", res.Provider)
	}
}

func TestManager_CohortPrefersDistinctProviders(t *testing.T) {
	fake := &fakeCompleter{}
	m := newTestManager(twoProviderConfig("random"), fake)

	sel1, err := m.pick("technical", "run-1")
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	sel2, err := m.pick("sentiment", "run-1")
	if err != nil {
		t.Fatalf("pick: %v", err)
	}

	if sel1.provider == sel2.provider {
		t.Errorf("Expected distinct providers within a cohort, both got %q", sel1.provider)
	}

	assignments := m.CohortAssignments("run-1")
	if len(assignments) != 2 {
		t.Errorf("Expected 2 assignments, got %v", assignments)
	}

	m.ReleaseCohort("run-1")
	if len(m.CohortAssignments("run-1")) != 0 {
		t.Error("Expected cohort cleared after release")
	}
}

func TestManager_HashStrategyIsDeterministic(t *testing.T) {
	fake := &fakeCompleter{}
	m := newTestManager(twoProviderConfig("hash"), fake)

	first, err := m.pick("portfolio_manager", "")
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	for i := 0; i < 5; i++ {
		sel, err := m.pick("portfolio_manager", "")
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		if sel.provider != first.provider {
			t.Fatalf("hash strategy must be stable per agent, got %q then %q", first.provider, sel.provider)
		}
	}
}

func TestManager_SingleStrategyUsesPrimary(t *testing.T) {
	fake := &fakeCompleter{}
	cfg := twoProviderConfig("single")
	cfg.PrimaryProvider = "beta"
	m := newTestManager(cfg, fake)

	for i := 0; i < 3; i++ {
		res, err := m.Complete(context.Background(), CompletionRequest{AgentName: "technical", User: "q"})
		if err != nil {
			t.Fatalf("Complete returned error: %v", err)
		}
		if res.Provider != "beta" {
			t.Errorf("Expected configured primary beta, got %q", res.Provider)
		}
	}
}

func TestManager_AllProvidersFail(t *testing.T) {
	fake := &fakeCompleter{}
	fake.handler = func(ep Endpoint, req ChatRequest) (*ChatResponse, error) {
		return nil, &CallError{Status: 500, Message: "boom"}
	}
	m := newTestManager(twoProviderConfig("round_robin"), fake)

	_, err := m.Complete(context.Background(), CompletionRequest{AgentName: "technical", User: "q"})
	if err == nil {
		t.Fatal("Expected composite error")
	}

	var ape *AllProvidersError
	if !errors.As(err, &ape) {
		t.Fatalf("Expected AllProvidersError, got %T: %v", err, err)
	}
	if len(ape.Last) != 2 {
		t.Errorf("Expected both providers listed, got %v", ape.Last)
	}
}

func TestManager_FallbackPassServesAfterReset(t *testing.T) {
	var failures atomic.Int32
	fake := &fakeCompleter{}
	fake.handler = func(ep Endpoint, req ChatRequest) (*ChatResponse, error) {
		if failures.Add(1) <= 2 {
			return nil, &RateLimitError{Message: "burst", RetryAfter: 0}
		}
		return textResponse("recovered"), nil
	}
	m := newTestManager(twoProviderConfig("round_robin"), fake)

	res, err := m.Complete(context.Background(), CompletionRequest{AgentName: "technical", User: "q"})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if res.Text != "recovered" {
		t.Errorf("Unexpected text %q", res.Text)
	}
	if res.Attempts != 3 {
		t.Errorf("Expected 2 primary attempts + 1 fallback, got %d", res.Attempts)
	}
}

func TestManager_DayQuotaExhaustsProvider(t *testing.T) {
	fake := &fakeCompleter{}
	cfg := twoProviderConfig("round_robin")
	cfg.Providers = map[string]config.ProviderConfig{
		"alpha": {
			BaseURL:    "http://alpha.test/v1",
			APIKey:     "k",
			Models:     []string{"model-a"},
			RatePerDay: 2,
		},
	}
	m := newTestManager(cfg, fake)

	for i := 0; i < 2; i++ {
		if _, err := m.Complete(context.Background(), CompletionRequest{AgentName: "technical", User: "q"}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	_, err := m.Complete(context.Background(), CompletionRequest{AgentName: "technical", User: "q"})
	if !errors.Is(err, errNoProviders) {
		t.Fatalf("Expected no providers once the day quota is spent, got %v", err)
	}
}

func TestManager_SchemaAppendsInstructionAndScalesTokens(t *testing.T) {
	fake := &fakeCompleter{}
	m := newTestManager(twoProviderConfig("round_robin"), fake)

	_, err := m.Complete(context.Background(), CompletionRequest{
		AgentName: "technical",
		User:      "analyze",
		MaxTokens: 100,
		Schema: map[string]string{
			"signal":     "BUY, SELL, or HOLD",
			"confidence": "0 to 1",
		},
	})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}

	calls := fake.recorded()
	if len(calls) != 1 {
		t.Fatalf("Expected 1 call, got %d", len(calls))
	}
	user := calls[0].req.Messages[1].Content
	if !strings.Contains(user, `"signal"`) || !strings.Contains(user, "JSON") {
		t.Errorf("Expected schema instruction in user prompt, got %q", user)
	}
	if calls[0].req.MaxTokens != 600 { // 2 fields * 50 + 500
		t.Errorf("Expected scaled max tokens 600, got %d", calls[0].req.MaxTokens)
	}
}

func TestManager_SemaphoreCapsParallelCalls(t *testing.T) {
	var inFlight, peak atomic.Int32

	fake := &fakeCompleter{}
	fake.handler = func(ep Endpoint, req ChatRequest) (*ChatResponse, error) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return textResponse("ok"), nil
	}

	cfg := twoProviderConfig("round_robin")
	cfg.MaxConcurrent = 2
	m := newTestManager(cfg, fake)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Complete(context.Background(), CompletionRequest{AgentName: "technical", User: "q"})
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > 2 {
		t.Errorf("Expected at most 2 parallel calls, saw %d", got)
	}
}

func TestManager_HealthPingLeavesCountersAlone(t *testing.T) {
	fake := &fakeCompleter{}
	m := newTestManager(twoProviderConfig("round_robin"), fake)

	m.mu.Lock()
	alpha := m.byName["alpha"]
	alpha.minuteCount = 3
	alpha.dayCount = 7
	alpha.totalCalls = 7
	keyCursor := alpha.keyCursor
	m.mu.Unlock()

	m.healthPass(context.Background())

	m.mu.Lock()
	defer m.mu.Unlock()
	if alpha.minuteCount != 3 || alpha.dayCount != 7 || alpha.totalCalls != 7 {
		t.Errorf("Ping changed counters: minute=%d day=%d total=%d",
			alpha.minuteCount, alpha.dayCount, alpha.totalCalls)
	}
	if alpha.keyCursor != keyCursor {
		t.Error("Ping advanced the key cursor")
	}
}

func TestManager_HealthPingFailureDowngrades(t *testing.T) {
	fake := &fakeCompleter{}
	fake.handler = func(ep Endpoint, req ChatRequest) (*ChatResponse, error) {
		if strings.Contains(ep.BaseURL, "alpha") {
			return nil, &CallError{Status: 500, Message: "down"}
		}
		return textResponse("pong"), nil
	}
	m := newTestManager(twoProviderConfig("round_robin"), fake)

	m.healthPass(context.Background())

	for _, info := range m.Snapshot() {
		switch info.Name {
		case "alpha":
			if info.Status != StatusError {
				t.Errorf("Expected alpha ERROR after failed ping, got %s", info.Status)
			}
		case "beta":
			if info.Status != StatusAvailable {
				t.Errorf("Expected beta still AVAILABLE, got %s", info.Status)
			}
		}
	}
}

// memUsageRecorder collects flushed usage records
type memUsageRecorder struct {
	mu   sync.Mutex
	recs []UsageRecord
}

func (r *memUsageRecorder) RecordProviderUsage(ctx context.Context, rec UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *memUsageRecorder) recorded() []UsageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]UsageRecord, len(r.recs))
	copy(out, r.recs)
	return out
}

func TestManager_UsageBuffersUntilFlush(t *testing.T) {
	fake := &fakeCompleter{}
	rec := &memUsageRecorder{}
	m := NewManager(twoProviderConfig("round_robin"), fake, nil, rec)
	m.jitterFn = func() time.Duration { return 0 }

	if _, err := m.Complete(context.Background(), CompletionRequest{AgentName: "technical", User: "q"}); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if got := len(rec.recorded()); got != 0 {
		t.Fatalf("Expected no records before flush, got %d", got)
	}

	if err := m.FlushUsage(context.Background()); err != nil {
		t.Fatalf("FlushUsage returned error: %v", err)
	}
	recs := rec.recorded()
	if len(recs) != 1 {
		t.Fatalf("Expected 1 record after flush, got %d", len(recs))
	}
	if recs[0].Provider != "alpha" || !recs[0].Success {
		t.Errorf("Unexpected record %+v", recs[0])
	}

	if err := m.FlushUsage(context.Background()); err != nil {
		t.Fatalf("Second flush returned error: %v", err)
	}
	if got := len(rec.recorded()); got != 1 {
		t.Errorf("Second flush must be a no-op, got %d records", got)
	}
}

func TestManager_RolloverDayRestoresQuota(t *testing.T) {
	fake := &fakeCompleter{}
	cfg := twoProviderConfig("round_robin")
	cfg.Providers = map[string]config.ProviderConfig{
		"alpha": {
			BaseURL:    "http://alpha.test/v1",
			APIKey:     "k",
			Models:     []string{"model-a"},
			RatePerDay: 1,
		},
	}
	m := newTestManager(cfg, fake)

	if _, err := m.Complete(context.Background(), CompletionRequest{AgentName: "technical", User: "q"}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := m.Complete(context.Background(), CompletionRequest{AgentName: "technical", User: "q"}); !errors.Is(err, errNoProviders) {
		t.Fatalf("Expected exhausted provider, got %v", err)
	}

	m.RolloverDay()

	if _, err := m.Complete(context.Background(), CompletionRequest{AgentName: "technical", User: "q"}); err != nil {
		t.Fatalf("Expected quota back after rollover, got %v", err)
	}
}
