package llm

import (
	"fmt"
	"sort"
	"strings"
)

// ExtractJSONObject pulls the outermost JSON object out of model text.
// Markdown code fences are stripped first, then the text is scanned with a
// string- and escape-aware brace counter so braces inside string values do
// not confuse the balance. Returns an error when no balanced object exists.
func ExtractJSONObject(content string) (string, error) {
	content = stripFences(content)

	start := strings.IndexByte(content, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object in content")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		c := content[i]

		if escaped {
			escaped = false
			continue
		}

		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return content[start : i+1], nil
				}
			}
		}
	}

	return "", fmt.Errorf("unbalanced JSON object in content")
}

// stripFences removes a surrounding markdown code fence (```json ... ```)
func stripFences(content string) string {
	if idx := strings.Index(content, "```json"); idx >= 0 {
		content = content[idx+7:]
	} else if idx := strings.Index(content, "```"); idx >= 0 {
		content = content[idx+3:]
	}
	if idx := strings.Index(content, "```"); idx >= 0 {
		content = content[:idx]
	}
	return strings.TrimSpace(content)
}

// SchemaInstruction renders an expected-field map as a prompt suffix.
// Keys are sorted so the instruction is stable across runs.
func SchemaInstruction(schema map[string]string) string {
	keys := make([]string, 0, len(schema))
	for k := range schema {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("\n\nRespond with a single JSON object containing exactly these fields:\n")
	for _, k := range keys {
		b.WriteString(fmt.Sprintf("- %q: %s\n", k, schema[k]))
	}
	b.WriteString("Reply with JSON only, no prose before or after.")
	return b.String()
}

// EstimateMaxTokens sizes the completion budget for a structured reply.
// The floor is fields*50 + 500; the caller's configured value wins when larger.
func EstimateMaxTokens(fields, configured int) int {
	estimate := fields*50 + 500
	if configured > estimate {
		return configured
	}
	return estimate
}

// CountTokens is the whitespace-token estimate used for quota accounting
func CountTokens(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += len(strings.Fields(t))
	}
	return total
}
