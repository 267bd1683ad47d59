package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"authbridge/internal/domain"
	"authbridge/internal/infra/config"
	"authbridge/internal/infra/tracer"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
)

// AnthropicNavigator asks the Anthropic Messages API for a per-turn verdict.
type AnthropicNavigator struct {
	apiKey    string
	model     string
	baseURL   string
	maxTokens int
	timeout   time.Duration
	client    *http.Client
	logger    *slog.Logger
}

// Anthropic Messages API wire types.
type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// NewAnthropicNavigator creates a navigator backed by the Anthropic API.
func NewAnthropicNavigator(cfg config.OracleConfig, logger *slog.Logger) (*AnthropicNavigator, error) {
	if cfg.APIKey == "" {
		return nil, domain.WrapOp("oracle.new", domain.ErrNotConfigured)
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &AnthropicNavigator{
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		baseURL:   baseURL,
		maxTokens: cfg.MaxTokens,
		timeout:   timeout,
		client:    NewHTTPClient(timeout),
		logger:    logger.With("component", "oracle", "provider", "anthropic"),
	}, nil
}

// Name identifies the provider.
func (n *AnthropicNavigator) Name() string { return "anthropic" }

// Decide submits the current prompt plus call context and returns the
// oracle's verdict. Transport and API failures are returned as errors so
// the circuit breaker can observe them; malformed but delivered responses
// degrade to an uncertain verdict instead.
func (n *AnthropicNavigator) Decide(ctx context.Context, q domain.NavigatorQuery) (domain.NavigatorDecision, error) {
	ctx, span := tracer.StartSpan(ctx, "oracle.decide")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("oracle.provider", "anthropic"),
		tracer.StringAttr("oracle.model", n.model),
	)

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req := anthropicRequest{
		Model:     n.model,
		MaxTokens: n.maxTokens,
		System:    systemPrompt,
		Messages: []anthropicMessage{{
			Role:    "user",
			Content: []anthropicContent{{Type: "text", Text: buildUserMessage(q)}},
		}},
	}
	headers := map[string]string{
		"x-api-key":         n.apiKey,
		"anthropic-version": anthropicVersion,
	}

	var resp anthropicResponse
	if err := doJSONRequest(ctx, n.client, n.baseURL+"/messages", headers, req, &resp); err != nil {
		tracer.RecordError(span, err)
		n.logger.Warn("oracle request failed", "error", err)
		return domain.NavigatorDecision{}, err
	}

	text := firstText(resp.Content)
	if text == "" {
		err := fmt.Errorf("empty oracle response")
		tracer.RecordError(span, err)
		return domain.NavigatorDecision{}, domain.NewDomainError("oracle.decide", domain.ErrProviderError, err.Error())
	}

	dec, err := ParseDecision(text)
	if err != nil {
		n.logger.Warn("unparseable oracle output", "error", err, "raw", truncate(text, 200))
		tracer.SetOK(span)
		return domain.Uncertain(fmt.Sprintf("Error analyzing prompt: %v", err)), nil
	}

	span.SetAttributes(
		tracer.StringAttr("oracle.decision", string(dec.Type)),
		tracer.FloatAttr("oracle.confidence", dec.Confidence),
		tracer.IntAttr("oracle.output_tokens", resp.Usage.OutputTokens),
	)
	tracer.SetOK(span)
	n.logger.Debug("oracle decision",
		"type", dec.Type,
		"confidence", dec.Confidence,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)
	return dec, nil
}

func firstText(blocks []anthropicContent) string {
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			return b.Text
		}
	}
	return ""
}
