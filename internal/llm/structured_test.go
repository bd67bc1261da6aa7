package llm

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{
			name:    "Bare object",
			content: `{"signal": "BUY", "confidence": 0.8}`,
			want:    `{"signal": "BUY", "confidence": 0.8}`,
		},
		{
			name:    "Fenced with language tag",
			content: "Here you go:\n```json\n{\"signal\": \"SELL\"}\n```\nLet me know.",
			want:    `{"signal": "SELL"}`,
		},
		{
			name:    "Fenced without language tag",
			content: "```\n{\"trend\": \"UP\"}\n```",
			want:    `{"trend": "UP"}`,
		},
		{
			name:    "Prose before and after",
			content: `Based on my analysis, {"signal": "HOLD", "confidence": 0.5} is my answer.`,
			want:    `{"signal": "HOLD", "confidence": 0.5}`,
		},
		{
			name:    "Braces inside string values",
			content: `{"explanation": "support at {4500} held", "signal": "BUY"}`,
			want:    `{"explanation": "support at {4500} held", "signal": "BUY"}`,
		},
		{
			name:    "Escaped quote inside string",
			content: `{"note": "he said \"buy {now}\"", "ok": true}`,
			want:    `{"note": "he said \"buy {now}\"", "ok": true}`,
		},
		{
			name:    "Nested objects return the outermost",
			content: `{"outer": {"inner": 1}, "b": 2}`,
			want:    `{"outer": {"inner": 1}, "b": 2}`,
		},
		{
			name:    "Truncated object",
			content: `{"signal": "BUY", "confidence":`,
			wantErr: true,
		},
		{
			name:    "No object at all",
			content: "I cannot answer that.",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSONObject(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Got %q, want %q", got, tt.want)
			}

			var parsed map[string]interface{}
			if err := json.Unmarshal([]byte(got), &parsed); err != nil {
				t.Errorf("Extracted text is not valid JSON: %v", err)
			}
		})
	}
}

func TestSchemaInstruction(t *testing.T) {
	schema := map[string]string{
		"signal":     "BUY, SELL, or HOLD",
		"confidence": "number between 0 and 1",
	}

	got := SchemaInstruction(schema)

	for _, want := range []string{`"confidence"`, `"signal"`, "JSON"} {
		if !strings.Contains(got, want) {
			t.Errorf("Expected instruction to contain %q, got %q", want, got)
		}
	}

	// sorted keys keep the instruction stable
	if strings.Index(got, "confidence") > strings.Index(got, "signal") {
		t.Error("Expected fields in sorted order")
	}
}

func TestEstimateMaxTokens(t *testing.T) {
	tests := []struct {
		fields     int
		configured int
		want       int
	}{
		{fields: 4, configured: 2000, want: 2000}, // configured wins
		{fields: 40, configured: 1000, want: 2500},
		{fields: 0, configured: 0, want: 500},
		{fields: 10, configured: 999, want: 1000},
	}

	for _, tt := range tests {
		if got := EstimateMaxTokens(tt.fields, tt.configured); got != tt.want {
			t.Errorf("EstimateMaxTokens(%d, %d) = %d, want %d", tt.fields, tt.configured, got, tt.want)
		}
	}
}

func TestCountTokens(t *testing.T) {
	if got := CountTokens("one two three", "four  five"); got != 5 {
		t.Errorf("Expected 5 tokens, got %d", got)
	}
	if got := CountTokens(""); got != 0 {
		t.Errorf("Expected 0 tokens for empty text, got %d", got)
	}
}
