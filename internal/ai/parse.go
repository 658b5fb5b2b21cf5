package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/signalpost/pkg/failure"
)

// stripMarkdownCodeBlock removes markdown code block delimiters from AI responses
func stripMarkdownCodeBlock(response string) string {
	response = strings.TrimSpace(response)

	// Find the first { which starts valid JSON
	startIdx := strings.Index(response, "{")
	if startIdx == -1 {
		return response
	}

	// Find the last } which ends valid JSON
	endIdx := strings.LastIndex(response, "}")
	if endIdx == -1 || endIdx < startIdx {
		return response
	}

	// Extract just the JSON object
	return response[startIdx : endIdx+1]
}

// decodeResponse parses a model response into v. Malformed output is a
// fatal failure: asking again with the same prompt rarely fixes it.
func decodeResponse(op, response string, v any) error {
	if err := json.Unmarshal([]byte(stripMarkdownCodeBlock(response)), v); err != nil {
		return failure.Fatal(op, fmt.Errorf("failed to parse model response: %w", err))
	}
	return nil
}

// normalizeHashtags lowercases tags, drops the leading # and duplicates
func normalizeHashtags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tag), "#")))
		tag = strings.ReplaceAll(tag, " ", "")
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
