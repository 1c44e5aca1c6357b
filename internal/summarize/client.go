// Package summarize talks to an OpenAI-compatible chat-completions endpoint.
package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"chatdigest/internal/digest"
	"chatdigest/pkg/logx"
)

// ErrUnavailable wraps every failure: missing key, open circuit, transport
// error, timeout, non-2xx status or an unusable response body.
var ErrUnavailable = errors.New("summarizer unavailable")

const (
	DefaultAPIBase     = "https://api.openai.com/v1"
	DefaultModel       = "gpt-3.5-turbo"
	DefaultTimeout     = 30 * time.Second
	DefaultMaxTokens   = 500
	DefaultTemperature = 0.7

	systemPrompt = "You are a precise assistant that summarizes chat transcripts."
	userPrompt   = `Summarize the following chat transcript.

%s

Cover:
1. Main topics discussed
2. Important details
3. Key conclusions or decisions

Use short Markdown headings and bullet points. Stay under 300 words.`

	maxErrorBody = 512
)

type Config struct {
	APIBase     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
	Breaker     BreakerConfig
}

func (c Config) withDefaults() Config {
	if c.APIBase == "" {
		c.APIBase = DefaultAPIBase
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Temperature <= 0 {
		c.Temperature = DefaultTemperature
	}
	return c
}

type Client struct {
	http     *http.Client
	cfg      atomic.Pointer[Config]
	breakers *breakerStore
	log      logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		http:     &http.Client{},
		breakers: &breakerStore{},
		log:      log.With(logx.String("comp", "summarize")),
	}
	c.Apply(cfg)
	return c
}

// Apply swaps the configuration; in-flight calls keep the old one.
func (c *Client) Apply(cfg Config) {
	eff := cfg.withDefaults()
	c.cfg.Store(&eff)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Summarize sends the transcript and returns the model's reply. Owner options
// override the configured model, base URL and key.
func (c *Client) Summarize(ctx context.Context, text string, opts digest.ModelOptions) (string, error) {
	cfg := *c.cfg.Load()
	if opts.APIBase != "" {
		cfg.APIBase = opts.APIBase
	}
	if opts.Model != "" {
		cfg.Model = opts.Model
	}
	if opts.APIKey != "" {
		cfg.APIKey = opts.APIKey
	}
	if cfg.APIKey == "" {
		return "", fmt.Errorf("%w: no api key", ErrUnavailable)
	}

	base := strings.TrimRight(cfg.APIBase, "/")
	now := time.Now()
	if open, until := c.breakers.isOpen(now, base, cfg.Breaker); open {
		return "", fmt.Errorf("%w: circuit open until %s", ErrUnavailable, until.Format(time.RFC3339))
	}

	out, err := c.call(ctx, cfg, base, text)
	c.breakers.record(time.Now(), base, cfg.Breaker, err)
	if err != nil {
		c.log.Debug("summarize failed", logx.String("base", base), logx.String("model", cfg.Model), logx.Err(err))
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, cfg Config, base, text string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf(userPrompt, text)},
		},
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		msg := string(respBody)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", errors.New("empty completion")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
