package justification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/stepup/internal/circuitbreaker"
	"github.com/mbd888/stepup/internal/retry"
	"github.com/mbd888/stepup/internal/risk"
)

const (
	breakerKey   = "nlg"
	maxRespBytes = 1 << 20
	systemPrompt = "You explain e-commerce payment risk assessments to support staff. " +
		"Write two to four plain sentences. Use only the facts given. " +
		"Do not speculate about the customer's identity or intent."
)

// LLMConfig configures an OpenAI-compatible chat-completions endpoint.
type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// LLMGenerator asks a chat-completions model for the explanation.
type LLMGenerator struct {
	cfg     LLMConfig
	client  *http.Client
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
}

// NewLLMGenerator creates a generator. The breaker opens after five
// consecutive upstream failures.
func NewLLMGenerator(cfg LLMConfig) *LLMGenerator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &LLMGenerator{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
		policy:  retry.DefaultPolicy(),
	}
}

// WithRetryPolicy overrides the retry policy (tests).
func (g *LLMGenerator) WithRetryPolicy(p retry.Policy) *LLMGenerator {
	g.policy = p
	return g
}

// WithBreaker overrides the circuit breaker.
func (g *LLMGenerator) WithBreaker(b *circuitbreaker.Breaker) *LLMGenerator {
	g.breaker = b
	return g
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// upstreamError is a retryable failure talking to the model.
type upstreamError struct{ msg string }

func (e *upstreamError) Error() string { return e.msg }

func (g *LLMGenerator) Generate(ctx context.Context, a *risk.Assessment) (string, error) {
	if g.cfg.APIKey == "" {
		return "", fmt.Errorf("%w: no API key configured", ErrUpstreamFailure)
	}

	body, err := json.Marshal(chatRequest{
		Model: g.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(a)},
		},
		Temperature: 0.2,
		MaxTokens:   300,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var text string
	err = g.breaker.Execute(breakerKey, isUpstream, func() error {
		return retry.Do(ctx, g.policy, func(ctx context.Context) error {
			out, err := g.call(ctx, body)
			if err != nil {
				return err
			}
			text = out
			return nil
		})
	})
	switch {
	case err == nil:
		return text, nil
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "", fmt.Errorf("%w: circuit open", ErrUpstreamFailure)
	default:
		return "", fmt.Errorf("%w: %v", ErrUpstreamFailure, err)
	}
}

func (g *LLMGenerator) call(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", &upstreamError{msg: "request failed: " + err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRespBytes))
	if err != nil {
		return "", &upstreamError{msg: "read response: " + err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("model API status %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", &upstreamError{msg: msg}
		}
		return "", retry.Permanent(errors.New(msg))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return "", retry.Permanent(errors.New("empty response"))
	}
	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if text == "" {
		return "", retry.Permanent(errors.New("empty completion"))
	}
	return text, nil
}

func isUpstream(err error) bool {
	var ue *upstreamError
	return errors.As(err, &ue) || errors.Is(err, context.DeadlineExceeded)
}

func userPrompt(a *risk.Assessment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Amount: %s\n", risk.FormatAmount(a.TransactionAmount, a.Currency))
	fmt.Fprintf(&b, "Items: %d across %d store(s)\n", a.ItemCount, a.StoreCount)
	fmt.Fprintf(&b, "Risk score: %d/100\nDecision: %s\nConfidence: %.2f\n", a.RiskScore, a.Decision, a.Confidence)
	b.WriteString("Factors:\n")
	if len(a.RiskFactors) == 0 {
		b.WriteString("- none beyond baseline\n")
	}
	for _, f := range a.RiskFactors {
		fmt.Fprintf(&b, "- %s (%+g): %s\n", f.Factor, f.Impact, f.Description)
	}
	b.WriteString("Explain why this decision was reached.")
	return b.String()
}
