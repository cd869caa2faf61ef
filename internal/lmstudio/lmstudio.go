// Package lmstudio implements the extraction service against an
// LM Studio (OpenAI-compatible) completions endpoint.
package lmstudio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Dolwer/replyledger/internal/extract"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	// Local models answer one request at a time; anything faster
	// just queues inside the server.
	requestsPerSecond = 2
	requestBurst      = 1
)

// serviceError wraps failures worth retrying: the server may be
// loading a model, mid-restart, or momentarily saturated.
type serviceError struct {
	err error
}

func (e *serviceError) Error() string   { return e.err.Error() }
func (e *serviceError) Unwrap() error   { return e.err }
func (e *serviceError) Transient() bool { return true }

// parseError means the model answered but no JSON object could be
// recovered from the completion text.
type parseError struct {
	snippet string
}

func (e *parseError) Error() string {
	return fmt.Sprintf("no JSON object in completion: %q", e.snippet)
}
func (e *parseError) Unparsable() bool { return true }

// Config configures the client.
type Config struct {
	APIURL      string
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
}

// Client calls the completions endpoint.  Satisfies extract.Service.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(requestsPerSecond, requestBurst),
	}
}

type completionRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream"`
}

type completionResponse struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
}

// Submit sends the reply text to the model and returns the decoded
// JSON object from its completion.  Network failures, timeouts, 429
// and 5xx responses come back as transient errors; a completion with
// no recoverable JSON comes back as an unparsable error.
func (c *Client) Submit(ctx context.Context, text string, schema *extract.Schema) (map[string]interface{}, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(completionRequest{
		Model:       c.cfg.Model,
		Prompt:      buildPrompt(text, schema.Names()),
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshaling completion request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "building completion request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &serviceError{err: errors.Wrap(err, "completion request failed")}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &serviceError{err: errors.Wrap(err, "reading completion response")}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &serviceError{err: errors.Errorf("completion endpoint returned %d: %s",
			resp.StatusCode, truncate(string(body), 200))}
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Errorf("completion endpoint returned %d: %s",
			resp.StatusCode, truncate(string(body), 200))
	}

	var cr completionResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, errors.Wrap(err, "decoding completion response")
	}
	if len(cr.Choices) == 0 {
		return nil, &parseError{snippet: truncate(string(body), 200)}
	}

	obj, ok := extractObject(cr.Choices[0].Text)
	if !ok {
		return nil, &parseError{snippet: truncate(cr.Choices[0].Text, 200)}
	}
	return obj, nil
}

// buildPrompt asks for a bare JSON object holding exactly the expected
// fields, with "" for anything the reply does not state.
func buildPrompt(body string, fields []string) string {
	example := make(map[string]string, len(fields))
	for _, f := range fields {
		example[f] = ""
	}
	// Keys sort deterministically so identical input yields an
	// identical prompt.
	shape, _ := json.MarshalIndent(example, "", "  ")

	var b strings.Builder
	b.WriteString("Extract information from the email below and return ONLY a JSON object in the required format.\n")
	b.WriteString("Do not add explanations, comments, markdown fences, or any other text.\n\n")
	b.WriteString("Required JSON format:\n")
	b.Write(shape)
	b.WriteString("\n\nRules:\n")
	b.WriteString("- Use an empty string \"\" when the email does not state a value\n")
	b.WriteString("- Do not add fields that are not in the example\n")
	b.WriteString("- Return only valid JSON\n\n")
	b.WriteString("Email text:\n")
	b.WriteString(body)
	b.WriteString("\n\nJSON:")
	return b.String()
}

// extractObject recovers a JSON object from completion text.  Models
// wrap the object in prose, code fences, or cut it off at the token
// limit; each salvage strategy is tried in order.
func extractObject(text string) (map[string]interface{}, bool) {
	for _, candidate := range balancedObjects(text) {
		if obj, ok := tryDecode(candidate); ok {
			return obj, true
		}
	}
	if obj, ok := tryDecode(strings.TrimSpace(text)); ok {
		return obj, true
	}
	if fixed, ok := repairTruncated(text); ok {
		if obj, ok := tryDecode(fixed); ok {
			return obj, true
		}
	}
	return nil, false
}

// balancedObjects returns every brace-balanced {...} span in the text.
func balancedObjects(text string) []string {
	var spans []string
	depth, start := 0, -1
	inString, escaped := false, false
	for i, r := range text {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					spans = append(spans, text[start:i+1])
					start = -1
				}
			}
		}
	}
	return spans
}

// repairTruncated closes a dangling quote and brace on the last
// unterminated object, recovering completions cut off by max_tokens.
func repairTruncated(text string) (string, bool) {
	last := strings.LastIndex(text, "{")
	if last == -1 {
		return "", false
	}
	candidate := strings.TrimSpace(text[last:])
	candidate = strings.TrimRight(candidate, ",")
	if strings.Count(candidate, `"`)%2 != 0 {
		candidate += `"`
	}
	if strings.Count(candidate, "{") > strings.Count(candidate, "}") {
		candidate += "}"
	}
	return candidate, true
}

func tryDecode(s string) (map[string]interface{}, bool) {
	s = strings.TrimSpace(s)
	if s == "" || !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
