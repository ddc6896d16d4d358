package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/atlas-quant/orchestrator-core/pkg/types"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

var codeBlockFence = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// stripMarkdownFence removes a ```json ... ``` wrapper an LLM-backed
// analyst commonly adds around its structured response.
func stripMarkdownFence(s string) string {
	if m := codeBlockFence.FindStringSubmatch(s); len(m) == 2 {
		return m[1]
	}
	return strings.TrimSpace(s)
}

// llmVerdictPayload is the wire shape an HTTP analyst is expected to
// return; FeaturePack fields are sent as the request body verbatim.
type llmVerdictPayload struct {
	Sentiment  string  `json:"sentiment"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
	TokenCost  int     `json:"token_cost"`
}

// HTTPAnalystConfig configures an HTTPAnalyst.
type HTTPAnalystConfig struct {
	AnalystID  string
	Endpoint   string
	APIKey     string
	MaxRetries int
	RetryWait  time.Duration
}

// HTTPAnalyst calls a remote LLM-backed or rules-backed HTTP service,
// retrying transient failures via a backoff policy before the Router's
// circuit breaker ever sees a failure.
type HTTPAnalyst struct {
	cfg    HTTPAnalystConfig
	client *retryablehttp.Client
}

// NewHTTPAnalyst constructs an HTTPAnalyst with retryablehttp's default
// exponential backoff, silenced to avoid double-logging through the
// Router's own circuit-breaker state-change log.
func NewHTTPAnalyst(cfg HTTPAnalystConfig) *HTTPAnalyst {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = cfg.RetryWait
	rc.Logger = nil
	return &HTTPAnalyst{cfg: cfg, client: rc}
}

func (h *HTTPAnalyst) ID() string { return h.cfg.AnalystID }

func (h *HTTPAnalyst) Analyze(ctx context.Context, req types.AnalysisRequest) (types.AnalystVerdict, error) {
	start := time.Now()
	body, err := json.Marshal(req.Features)
	if err != nil {
		return types.AnalystVerdict{}, fmt.Errorf("marshal feature pack: %w", err)
	}
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, "POST", h.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return types.AnalystVerdict{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return types.AnalystVerdict{}, fmt.Errorf("analyst request: %w", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return types.AnalystVerdict{}, err
	}

	var payload llmVerdictPayload
	cleaned := stripMarkdownFence(buf.String())
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return types.AnalystVerdict{}, fmt.Errorf("parse analyst response: %w", err)
	}

	return types.AnalystVerdict{
		AnalystID:     h.cfg.AnalystID,
		Sentiment:     parseSentiment(payload.Sentiment),
		Confidence:    clamp01(payload.Confidence),
		RationaleText: payload.Rationale,
		Latency:       time.Since(start),
		TokenCost:     payload.TokenCost,
		ProducedAt:    time.Now().UTC(),
	}, nil
}

func parseSentiment(s string) types.Sentiment {
	switch strings.ToLower(s) {
	case "bullish", "buy", "long":
		return types.SentimentBullish
	case "bearish", "sell", "short":
		return types.SentimentBearish
	default:
		return types.SentimentNeutral
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// MCPAnalystConfig configures an MCPAnalyst.
type MCPAnalystConfig struct {
	AnalystID string
	ToolName  string
}

// MCPAnalyst queries an analyst exposed as a Model Context Protocol tool
// server rather than a bespoke HTTP contract — useful for wiring in
// third-party analysis tools without writing a client per vendor.
type MCPAnalyst struct {
	cfg    MCPAnalystConfig
	client *client.Client
}

// NewMCPAnalyst wraps an already-initialized MCP client.
func NewMCPAnalyst(cfg MCPAnalystConfig, mcpClient *client.Client) *MCPAnalyst {
	return &MCPAnalyst{cfg: cfg, client: mcpClient}
}

func (m *MCPAnalyst) ID() string { return m.cfg.AnalystID }

func (m *MCPAnalyst) Analyze(ctx context.Context, req types.AnalysisRequest) (types.AnalystVerdict, error) {
	start := time.Now()
	body, err := json.Marshal(req.Features)
	if err != nil {
		return types.AnalystVerdict{}, fmt.Errorf("marshal feature pack: %w", err)
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = m.cfg.ToolName
	callReq.Params.Arguments = map[string]any{"feature_pack": json.RawMessage(body)}

	result, err := m.client.CallTool(ctx, callReq)
	if err != nil {
		return types.AnalystVerdict{}, fmt.Errorf("mcp tool call: %w", err)
	}
	if len(result.Content) == 0 {
		return types.AnalystVerdict{}, fmt.Errorf("mcp tool %s returned no content", m.cfg.ToolName)
	}
	text, ok := mcp.AsTextContent(result.Content[0])
	if !ok {
		return types.AnalystVerdict{}, fmt.Errorf("mcp tool %s returned non-text content", m.cfg.ToolName)
	}

	var payload llmVerdictPayload
	if err := json.Unmarshal([]byte(stripMarkdownFence(text.Text)), &payload); err != nil {
		return types.AnalystVerdict{}, fmt.Errorf("parse mcp tool response: %w", err)
	}

	return types.AnalystVerdict{
		AnalystID:     m.cfg.AnalystID,
		Sentiment:     parseSentiment(payload.Sentiment),
		Confidence:    clamp01(payload.Confidence),
		RationaleText: payload.Rationale,
		Latency:       time.Since(start),
		TokenCost:     payload.TokenCost,
		ProducedAt:    time.Now().UTC(),
	}, nil
}

// TechnicalFallbackAnalyst produces a deterministic verdict purely from
// indicator/pattern evidence, used when every remote analyst is
// circuit-open so the Scorer always has at least one analyst component.
type TechnicalFallbackAnalyst struct {
	analystID string
}

// NewTechnicalFallbackAnalyst constructs the no-network fallback analyst.
func NewTechnicalFallbackAnalyst() *TechnicalFallbackAnalyst {
	return &TechnicalFallbackAnalyst{analystID: "technical_fallback"}
}

func (t *TechnicalFallbackAnalyst) ID() string { return t.analystID }

func (t *TechnicalFallbackAnalyst) Analyze(_ context.Context, req types.AnalysisRequest) (types.AnalystVerdict, error) {
	snap, ok := req.Features.Indicators[req.Timeframe]
	if !ok {
		return types.AnalystVerdict{AnalystID: t.analystID, Sentiment: types.SentimentNeutral, Confidence: 0.3, ProducedAt: time.Now().UTC()}, nil
	}
	ema20, ema50 := snap.Values[types.IndicatorEMA20], snap.Values[types.IndicatorEMA50]
	sentiment := types.SentimentNeutral
	confidence := 0.4
	switch {
	case ema20 > ema50:
		sentiment = types.SentimentBullish
		confidence = 0.55
	case ema20 < ema50:
		sentiment = types.SentimentBearish
		confidence = 0.55
	}
	return types.AnalystVerdict{
		AnalystID:     t.analystID,
		Sentiment:     sentiment,
		Confidence:    confidence,
		RationaleText: "ema20/ema50 crossover only, no external analyst reachable",
		ProducedAt:    time.Now().UTC(),
	}, nil
}
