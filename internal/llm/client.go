package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Endpoint identifies one provider call target. Providers differ in base URL
// and authentication header; everything else about the wire shape is shared.
type Endpoint struct {
	BaseURL    string
	APIKey     string
	AuthHeader string // empty means Authorization: Bearer
}

// ChatCompleter is the transport the manager talks through. The HTTP
// implementation is replaced in tests with a scripted fake.
type ChatCompleter interface {
	Complete(ctx context.Context, ep Endpoint, req ChatRequest) (*ChatResponse, error)
}

// HTTPClient sends OpenAI-style chat completions over HTTP
type HTTPClient struct {
	httpClient *http.Client
}

// NewHTTPClient creates the shared transport. Per-call deadlines come from
// the caller's context; the client timeout is a hard backstop.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &HTTPClient{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Complete sends a chat completion request to one provider endpoint
func (c *HTTPClient) Complete(ctx context.Context, ep Endpoint, req ChatRequest) (*ChatResponse, error) {
	requestBody, err := json.Marshal(req)
	if err != nil {
		return nil, &CallError{Message: "failed to marshal request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, completionURL(ep.BaseURL), bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, &CallError{Message: "failed to create request", Err: err}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		if ep.AuthHeader == "" || strings.EqualFold(ep.AuthHeader, "Authorization") {
			httpReq.Header.Set("Authorization", "Bearer "+ep.APIKey)
		} else {
			httpReq.Header.Set(ep.AuthHeader, ep.APIKey)
		}
	}

	log.Debug().
		Str("endpoint", ep.BaseURL).
		Str("model", req.Model).
		Int("message_count", len(req.Messages)).
		Msg("Sending LLM request")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &CallError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &CallError{Message: "failed to read response body", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		message := string(body)
		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			message = errResp.Error.Message
		}
		return nil, classifyHTTPError(resp.StatusCode, message, resp.Header, req.Model)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, &CallError{Message: "failed to parse response", Err: err}
	}

	log.Debug().
		Str("model", chatResp.Model).
		Int("prompt_tokens", chatResp.Usage.PromptTokens).
		Int("completion_tokens", chatResp.Usage.CompletionTokens).
		Dur("duration", time.Since(start)).
		Msg("LLM request completed")

	return &chatResp, nil
}

// completionURL appends the chat-completions path when the configured base
// URL does not already include it
func completionURL(base string) string {
	if strings.HasSuffix(base, "/chat/completions") {
		return base
	}
	return strings.TrimRight(base, "/") + "/chat/completions"
}

// responseText pulls the first choice out of a chat response
func responseText(resp *ChatResponse) (string, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in LLM response")
	}
	return resp.Choices[0].Message.Content, nil
}
