package llm

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestParseResetDuration(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		message string
		header  http.Header
		want    time.Duration
	}{
		{
			name:    "Compact duration",
			message: "Rate limit reached. Please try again in 4m36.48s",
			want:    4*time.Minute + 36*time.Second + 480*time.Millisecond,
		},
		{
			name:    "Whole minutes",
			message: "Too many requests, try again in 2 minutes",
			want:    2 * time.Minute,
		},
		{
			name:    "Single minute",
			message: "try again in 1 minute",
			want:    1 * time.Minute,
		},
		{
			name:    "Reset header epoch millis",
			message: "rate limit exceeded",
			header: http.Header{
				"X-Ratelimit-Reset": []string{strconv.FormatInt(now.Add(90*time.Second).UnixMilli(), 10)},
			},
			want: 90 * time.Second,
		},
		{
			name:    "Reset header in the past clamps to zero",
			message: "rate limit exceeded",
			header: http.Header{
				"X-Ratelimit-Reset": []string{strconv.FormatInt(now.Add(-30*time.Second).UnixMilli(), 10)},
			},
			want: 0,
		},
		{
			name:    "Retry seconds phrasing",
			message: "quota exhausted, retry in 30 seconds",
			want:    30 * time.Second,
		},
		{
			name:    "No hint falls back to five minutes",
			message: "you have been rate limited",
			want:    5 * time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseResetDuration(tt.message, tt.header, now)
			if got != tt.want {
				t.Errorf("parseResetDuration(%q) = %v, want %v", tt.message, got, tt.want)
			}
		})
	}
}

func TestClassifyHTTPError(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantRate  bool
		wantModel bool
	}{
		{
			name:     "429 status",
			status:   http.StatusTooManyRequests,
			body:     "slow down",
			wantRate: true,
		},
		{
			name:     "Rate limit text wins over model text",
			status:   http.StatusBadRequest,
			body:     "Rate limit reached for model llama-3.3-70b",
			wantRate: true,
		},
		{
			name:      "404 status",
			status:    http.StatusNotFound,
			body:      "unknown path",
			wantModel: true,
		},
		{
			name:      "No endpoints text",
			status:    http.StatusBadGateway,
			body:      "No endpoints found for deepseek-r1",
			wantModel: true,
		},
		{
			name:      "Missing dependency text",
			status:    http.StatusInternalServerError,
			body:      "No module named 'groq'",
			wantModel: true,
		},
		{
			name:   "Generic server error",
			status: http.StatusInternalServerError,
			body:   "upstream unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyHTTPError(tt.status, tt.body, nil, "test-model")

			var rle *RateLimitError
			var me *ModelError
			var ce *CallError

			switch {
			case tt.wantRate:
				if !errors.As(err, &rle) {
					t.Errorf("Expected RateLimitError, got %T: %v", err, err)
				}
			case tt.wantModel:
				if !errors.As(err, &me) {
					t.Errorf("Expected ModelError, got %T: %v", err, err)
				}
			default:
				if !errors.As(err, &ce) {
					t.Errorf("Expected CallError, got %T: %v", err, err)
				}
				if ce != nil && ce.Status != tt.status {
					t.Errorf("Expected status %d, got %d", tt.status, ce.Status)
				}
			}
		})
	}
}

func TestAllProvidersError_ListsEveryProvider(t *testing.T) {
	err := &AllProvidersError{Last: map[string]string{
		"groq":     "rate limited",
		"cerebras": "model missing",
	}}

	msg := err.Error()
	for _, want := range []string{"groq: rate limited", "cerebras: model missing"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected %q in %q", want, msg)
		}
	}
}
