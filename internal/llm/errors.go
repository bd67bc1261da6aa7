package llm

import (
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// RateLimitError means the provider refused the call until a reset instant.
// RetryAfter is parsed from the provider's reply when possible.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s): %s", e.RetryAfter, e.Message)
}

// ModelError means the requested model does not exist or cannot be served.
// Providers in this state do not recover without operator action.
type ModelError struct {
	Model   string
	Message string
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %q unavailable: %s", e.Model, e.Message)
}

// CallError covers transport failures, timeouts, and unclassified API errors
type CallError struct {
	Status  int
	Message string
	Err     error
}

func (e *CallError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("llm call failed (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("llm call failed: %s", e.Message)
}

func (e *CallError) Unwrap() error { return e.Err }

// AllProvidersError reports the last error seen on every provider after the
// fallback pass also failed
type AllProvidersError struct {
	Last map[string]string // provider name -> last error text
}

func (e *AllProvidersError) Error() string {
	names := make([]string, 0, len(e.Last))
	for name := range e.Last {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, e.Last[name]))
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

// classifyHTTPError turns a non-200 response into a typed error.
// Rate limits are checked before model errors: a message like
// "rate limit reached for model X" is a rate limit, not a model error.
func classifyHTTPError(status int, body string, header http.Header, model string) error {
	message := body
	lower := strings.ToLower(message)

	if status == http.StatusTooManyRequests || strings.Contains(lower, "rate limit") {
		return &RateLimitError{
			Message:    message,
			RetryAfter: parseResetDuration(message, header, time.Now()),
		}
	}

	if status == http.StatusNotFound ||
		strings.Contains(lower, "no endpoints") ||
		strings.Contains(lower, "no module named") ||
		strings.Contains(lower, "model") {
		return &ModelError{Model: model, Message: message}
	}

	return &CallError{Status: status, Message: message}
}

var (
	compactDurationRe = regexp.MustCompile(`(?i)try again in\s+([\d.]+[hms][\dhms.]*)`)
	minutesRe         = regexp.MustCompile(`(?i)in\s+(\d+)\s+minutes?`)
	secondsRe         = regexp.MustCompile(`(?i)retry in\s+(\d+)\s+seconds?`)
)

const defaultResetCooldown = 5 * time.Minute

// parseResetDuration extracts a cooldown from a rate-limit reply. Tried in
// order: compact duration ("try again in 4m36.48s"), minute phrasing
// ("try again in 2 minutes"), the X-RateLimit-Reset header (epoch millis),
// second phrasing ("retry in 30 seconds"), then a 5 minute default.
// Clock skew can produce negative values; those clamp to zero.
func parseResetDuration(message string, header http.Header, now time.Time) time.Duration {
	if m := compactDurationRe.FindStringSubmatch(message); m != nil {
		if d, err := time.ParseDuration(m[1]); err == nil {
			return maxDuration(d, 0)
		}
	}

	if m := minutesRe.FindStringSubmatch(message); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return maxDuration(time.Duration(n)*time.Minute, 0)
		}
	}

	if header != nil {
		if raw := header.Get("X-RateLimit-Reset"); raw != "" {
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return maxDuration(time.UnixMilli(ms).Sub(now), 0)
			}
		}
	}

	if m := secondsRe.FindStringSubmatch(message); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return maxDuration(time.Duration(n)*time.Second, 0)
		}
	}

	return defaultResetCooldown
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
