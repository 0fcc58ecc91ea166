// Package llm implements the LLM Decision Client (C3): builds prompts,
// calls a remote chat-completion API, parses the structured JSON decision,
// and wraps the call in the full resilience stack from spec §4.3 (global
// throttle, timeout, retry-with-backoff, circuit breaker). Transport and
// provider-request shapes are grounded on internal/ai/llm/client.go; retry
// is promoted from the teacher's bare net/http to hashicorp/go-retryablehttp
// (an indirect dependency of hashicorp/vault/api in the teacher's own
// go.mod, made direct and exercised here).
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"tradingagent/internal/apperr"
	"tradingagent/internal/candle"
)

// Provider identifies the remote chat-completion backend.
type Provider string

const (
	ProviderClaude   Provider = "claude"
	ProviderOpenAI   Provider = "openai"
	ProviderDeepSeek Provider = "deepseek"
)

// ClientConfig configures one LLM client instance.
type ClientConfig struct {
	Provider         Provider
	APIKey           string
	Model            string
	Timeout          time.Duration
	MaxRetries       int
	RetryWaitMin     time.Duration
	RetryWaitMax     time.Duration
	ThrottleInterval time.Duration // minimum gap between consecutive request starts
	Breaker          BreakerConfig
}

// DefaultClientConfig mirrors the teacher's own DefaultClientConfig shape.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Provider:         ProviderClaude,
		Model:            "claude-sonnet-4-20250514",
		Timeout:          30 * time.Second,
		MaxRetries:       4,
		RetryWaitMin:     500 * time.Millisecond,
		RetryWaitMax:     10 * time.Second,
		ThrottleInterval: 250 * time.Millisecond,
		Breaker:          DefaultBreakerConfig(),
	}
}

// throttle is the process-wide global-throttle state (spec §5 "Shared state
// policy"): a mutex-guarded last-start timestamp, shared by every Client in
// the process so consecutive attempts across all sessions stay spaced out.
type throttle struct {
	mu        sync.Mutex
	lastStart time.Time
}

func (t *throttle) wait(minInterval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.lastStart.IsZero() {
		elapsed := time.Since(t.lastStart)
		if elapsed < minInterval {
			time.Sleep(minInterval - elapsed)
		}
	}
	t.lastStart = time.Now()
}

var globalThrottle = &throttle{}

// Message is one chat-completion turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client is the resilience-wrapped LLM decision client.
type Client struct {
	cfg        ClientConfig
	httpClient *retryablehttp.Client
	breaker    *Breaker
	log        zerolog.Logger
}

// NewClient builds a Client for one provider/model, with its own circuit
// breaker keyed by provider name.
func NewClient(cfg ClientConfig, log zerolog.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = nil // structured logging instead of retryablehttp's own logger
	rc.CheckRetry = rateLimitAwareRetryPolicy

	return &Client{
		cfg:        cfg,
		httpClient: rc,
		breaker:    NewBreaker(string(cfg.Provider), cfg.Breaker),
		log:        log.With().Str("component", "llm_client").Str("provider", string(cfg.Provider)).Logger(),
	}
}

// rateLimitAwareRetryPolicy retries transport errors and 429/5xx responses,
// the "Retried error classes: transport/API errors and rate-limit errors"
// from spec §4.3 point 3.
func rateLimitAwareRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return true, nil
	}
	if resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

// Decide builds a prompt, calls the remote model, and parses a Decision.
// It never returns an error to a caller that only wants a Decision: on any
// unrecoverable failure it returns a diagnostic HOLD (spec §4.3 contract).
func (c *Client) Decide(ctx context.Context, req DecideRequest) Decision {
	if !c.breaker.Allow() {
		c.log.Warn().Msg("circuit open, short-circuiting to HOLD")
		return HoldDecision("service temporarily unavailable")
	}

	globalThrottle.wait(c.cfg.ThrottleInterval)

	system, user := buildPrompt(req)
	raw, err := c.complete(ctx, system, user)
	if err != nil {
		c.breaker.RecordFailure()
		c.log.Warn().Err(err).Msg("decide transport failure, returning HOLD")
		return HoldDecision(fmt.Sprintf("transport error: %v", err))
	}

	decision, err := ParseDecision(raw, req.Leverage)
	if err != nil {
		// DecisionParseError aborts the attempt but does not trip the
		// breaker — the remote call itself succeeded (spec §7).
		c.log.Warn().Err(err).Msg("decide parse failure, returning HOLD")
		return HoldDecision(fmt.Sprintf("unparseable response: %v", err))
	}

	c.breaker.RecordSuccess()
	return decision
}

func buildPrompt(req DecideRequest) (system, user string) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("You are a %s-mode trading agent. ", req.Mode))
	sb.WriteString(req.StrategyPrompt)
	system = sb.String()

	snapshot := map[string]interface{}{
		"candle":            candleJSON(req.Candle),
		"indicators":        req.Indicators,
		"position":          req.Position,
		"equity":            req.Equity,
		"recent_candles":    candlesJSON(req.RecentCandles),
		"recent_indicators": req.RecentIndicators,
		"leverage_policy":   req.Leverage,
	}
	body, _ := json.Marshal(snapshot)
	user = fmt.Sprintf(
		"%s\n\nRespond ONLY with a JSON object matching this schema: "+
			`{"action":"LONG|SHORT|CLOSE|HOLD","reasoning":"string",`+
			`"size_percentage":0..1,"leverage":1..5,"entry_price":number|null,`+
			`"stop_loss_price":number|null,"take_profit_price":number|null}`,
		string(body))
	return system, user
}

func candleJSON(c candle.Candle) map[string]interface{} {
	return map[string]interface{}{
		"timestamp": c.Timestamp.UTC().Format(time.RFC3339),
		"open": c.Open, "high": c.High, "low": c.Low, "close": c.Close, "volume": c.Volume,
	}
}

func candlesJSON(cs []candle.Candle) []map[string]interface{} {
	out := make([]map[string]interface{}, len(cs))
	for i, c := range cs {
		out[i] = candleJSON(c)
	}
	return out
}

// complete dispatches the non-streaming chat completion to the configured
// provider, temperature 0, OpenAI-compatible wire format where applicable
// (spec §6).
func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	switch c.cfg.Provider {
	case ProviderClaude:
		return c.completeClaude(ctx, system, user)
	case ProviderOpenAI:
		return c.completeOpenAIStyle(ctx, "https://api.openai.com/v1/chat/completions", system, user)
	case ProviderDeepSeek:
		return c.completeOpenAIStyle(ctx, "https://api.deepseek.com/v1/chat/completions", system, user)
	default:
		return "", apperr.NewValidation("provider", "unsupported provider: "+string(c.cfg.Provider))
	}
}

type claudeRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
}

type claudeResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *Client) completeClaude(ctx context.Context, system, user string) (string, error) {
	body, _ := json.Marshal(claudeRequest{
		Model:       c.cfg.Model,
		MaxTokens:   tokenBudget(c.cfg.Model),
		Temperature: 0,
		System:      system,
		Messages:    []Message{{Role: "user", Content: user}},
	})

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		"https://api.anthropic.com/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", apperr.NewTransport("claude", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	respBody, err := c.doRequest("claude", req)
	if err != nil {
		return "", err
	}

	var cr claudeResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return "", apperr.NewTransport("claude", err)
	}
	if cr.Error != nil {
		return "", apperr.NewTransport("claude", fmt.Errorf("%s: %s", cr.Error.Type, cr.Error.Message))
	}
	if len(cr.Content) == 0 {
		return "", apperr.NewTransport("claude", fmt.Errorf("empty response"))
	}
	return cr.Content[0].Text, nil
}

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *Client) completeOpenAIStyle(ctx context.Context, url, system, user string) (string, error) {
	body, _ := json.Marshal(openAIRequest{
		Model: c.cfg.Model,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   tokenBudget(c.cfg.Model),
		Temperature: 0,
	})

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", apperr.NewTransport(string(c.cfg.Provider), err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Referer", "https://tradingagent.local")
	req.Header.Set("X-Title", "trading-agent-engine")

	respBody, err := c.doRequest(string(c.cfg.Provider), req)
	if err != nil {
		return "", err
	}

	var or openAIResponse
	if err := json.Unmarshal(respBody, &or); err != nil {
		return "", apperr.NewTransport(string(c.cfg.Provider), err)
	}
	if or.Error != nil {
		return "", apperr.NewTransport(string(c.cfg.Provider), fmt.Errorf("%s", or.Error.Message))
	}
	if len(or.Choices) == 0 {
		return "", apperr.NewTransport(string(c.cfg.Provider), fmt.Errorf("empty response"))
	}
	return or.Choices[0].Message.Content, nil
}

// doRequest executes the retryable request and translates a rate-limited
// final response into a RateLimitError carrying the parsed reset hint
// (spec §4.3 point 3, §6 "Rate-limit hints").
func (c *Client) doRequest(service string, req *retryablehttp.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.NewTransport(service, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.NewTransport(service, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		resetAt, ok := parseRateLimitHint(resp.Header)
		return nil, apperr.NewRateLimit(service, resetAt, ok)
	}
	if resp.StatusCode >= 400 {
		return nil, apperr.NewTransport(service, fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody)))
	}
	return respBody, nil
}

// parseRateLimitHint reads X-RateLimit-Reset (ms or s since epoch,
// auto-detected by magnitude) or Retry-After (seconds), per spec §6.
func parseRateLimitHint(h http.Header) (time.Time, bool) {
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			if n > 1_000_000_000_000 { // milliseconds since epoch
				return time.UnixMilli(n), true
			}
			return time.Unix(n, 0), true
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Now().Add(time.Duration(secs) * time.Second), true
		}
	}
	return time.Time{}, false
}

// tokenBudget picks a per-model token budget clamped to [512, 8192] per
// spec §4.3 "Transport".
func tokenBudget(model string) int {
	budget := 4096
	switch {
	case strings.Contains(model, "haiku"):
		budget = 1024
	case strings.Contains(model, "opus"), strings.Contains(model, "gpt-4"):
		budget = 8192
	}
	if budget < 512 {
		budget = 512
	}
	if budget > 8192 {
		budget = 8192
	}
	return budget
}

// CircuitBreakerState reports the underlying circuit breaker's state for
// diagnostics/events.
func (c *Client) CircuitBreakerState() BreakerState { return c.breaker.State() }

// OnBreakerTrip registers a callback invoked whenever this Client's circuit
// breaker trips open, e.g. to increment an external metrics counter.
func (c *Client) OnBreakerTrip(fn func(service string)) {
	c.breaker.OnTrip = fn
}
