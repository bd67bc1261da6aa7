package llm

import (
	"time"

	"github.com/tradecouncil/tradecouncil/internal/config"
)

const recentUseWindow = 50

// provider holds the runtime state of one configured endpoint.
// All fields are guarded by the manager's mutex; the struct itself
// carries no lock.
type provider struct {
	name       string
	baseURL    string
	authHeader string
	priority   int

	keys      []string
	keyCursor int

	models      []string
	modelCursor int

	perMinute  int
	perDay     int
	tokenQuota int64

	status        ProviderStatus
	cooldownUntil time.Time
	lastError     string
	modelFailed   bool // model errors never auto-recover

	minuteStart time.Time
	minuteCount int
	dayStart    time.Time
	dayCount    int
	tokensToday int64

	recentUse  []time.Time
	totalCalls int64
}

func newProvider(name string, cfg config.ProviderConfig, now time.Time) *provider {
	keys := make([]string, 0, 1+len(cfg.ExtraAPIKeys))
	if cfg.APIKey != "" {
		keys = append(keys, cfg.APIKey)
	}
	for _, k := range cfg.ExtraAPIKeys {
		if k != "" {
			keys = append(keys, k)
		}
	}

	return &provider{
		name:        name,
		baseURL:     cfg.BaseURL,
		authHeader:  cfg.AuthHeader,
		priority:    cfg.Priority,
		keys:        keys,
		models:      append([]string(nil), cfg.Models...),
		perMinute:   cfg.RatePerMinute,
		perDay:      cfg.RatePerDay,
		tokenQuota:  cfg.DailyTokenQuota,
		status:      StatusAvailable,
		minuteStart: now,
		dayStart:    now,
	}
}

// nextKey advances the key cursor so consecutive calls fan out across keys
func (p *provider) nextKey() string {
	if len(p.keys) == 0 {
		return ""
	}
	key := p.keys[p.keyCursor%len(p.keys)]
	p.keyCursor++
	return key
}

// peekKey returns the current key without advancing. Health pings use this
// so probes do not disturb the rotation seen by real calls.
func (p *provider) peekKey() string {
	if len(p.keys) == 0 {
		return ""
	}
	return p.keys[p.keyCursor%len(p.keys)]
}

func (p *provider) nextModel() string {
	if len(p.models) == 0 {
		return ""
	}
	model := p.models[p.modelCursor%len(p.models)]
	p.modelCursor++
	return model
}

func (p *provider) peekModel() string {
	if len(p.models) == 0 {
		return ""
	}
	return p.models[p.modelCursor%len(p.models)]
}

// rollWindows resets the minute window 60s after its start and the day
// window 24h after its start
func (p *provider) rollWindows(now time.Time) {
	if now.Sub(p.minuteStart) >= time.Minute {
		p.minuteStart = now
		p.minuteCount = 0
	}
	if now.Sub(p.dayStart) >= 24*time.Hour {
		p.dayStart = now
		p.dayCount = 0
		p.tokensToday = 0
	}
}

// noteAccepted records one accepted call against the rate windows
func (p *provider) noteAccepted(now time.Time) {
	p.rollWindows(now)
	p.minuteCount++
	p.dayCount++
	p.totalCalls++

	p.recentUse = append(p.recentUse, now)
	if len(p.recentUse) > recentUseWindow {
		p.recentUse = p.recentUse[len(p.recentUse)-recentUseWindow:]
	}
}

func (p *provider) noteTokens(n int) {
	p.tokensToday += int64(n)
}

// softThrottled reports whether the minute count has crossed the configured
// fraction of the per-minute limit
func (p *provider) softThrottled(now time.Time, factor float64) bool {
	if p.perMinute <= 0 {
		return false
	}
	p.rollWindows(now)
	return float64(p.minuteCount) >= factor*float64(p.perMinute)
}

// exhausted reports whether local day quotas rule the provider out entirely
func (p *provider) exhausted(now time.Time) bool {
	p.rollWindows(now)
	if p.perDay > 0 && p.dayCount >= p.perDay {
		return true
	}
	if p.tokenQuota > 0 && p.tokensToday >= p.tokenQuota {
		return true
	}
	return false
}

func (p *provider) available(now time.Time) bool {
	return p.status == StatusAvailable && !p.exhausted(now)
}

func (p *provider) markRateLimited(now time.Time, retryAfter time.Duration) {
	p.status = StatusRateLimited
	p.cooldownUntil = now.Add(maxDuration(retryAfter, 0))
}

func (p *provider) markModelError(message string) {
	p.status = StatusUnavailable
	p.modelFailed = true
	p.lastError = message
}

func (p *provider) markError(now time.Time, message string) {
	p.status = StatusError
	p.cooldownUntil = now.Add(defaultResetCooldown)
	p.lastError = message
}

// tryRecover returns the provider to AVAILABLE once its cooldown has passed.
// Providers downed by a model error stay down until reconfigured.
func (p *provider) tryRecover(now time.Time) bool {
	if p.status == StatusAvailable {
		return false
	}
	if p.modelFailed {
		return false
	}
	if now.Before(p.cooldownUntil) {
		return false
	}
	p.status = StatusAvailable
	p.lastError = ""
	return true
}

func (p *provider) info() ProviderInfo {
	return ProviderInfo{
		Name:          p.name,
		Status:        p.status,
		Priority:      p.priority,
		Models:        append([]string(nil), p.models...),
		Keys:          len(p.keys),
		MinuteCount:   p.minuteCount,
		DayCount:      p.dayCount,
		TokensToday:   p.tokensToday,
		CooldownUntil: p.cooldownUntil,
		LastError:     p.lastError,
	}
}
