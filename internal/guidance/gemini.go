package guidance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-call-gateway/internal/pkg/config"
)

const systemPrompt = `You coach a phone agent negotiating an overdue balance.
Reply with JSON: {"suggestion": string, "recommend_option": string, "tone": string}.
The suggestion is one or two sentences the agent can say. Be empathetic and compliant:
no threats, no legal claims, no pressure. recommend_option must be one of the offered
option ids or empty.`

// GeminiAdvisor asks a Gemini model for negotiation guidance.
type GeminiAdvisor struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

var _ ports.GuidanceAdvisor = (*GeminiAdvisor)(nil)

// NewGeminiAdvisor builds an advisor. httpClient may be nil.
func NewGeminiAdvisor(ctx context.Context, cfg config.GuidanceConfig, httpClient *http.Client) (*GeminiAdvisor, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key required")
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiAdvisor{client: client, model: model, timeout: cfg.Timeout}, nil
}

// Advise sends the customer's statement, name and quoted options. Account
// identifiers are never part of the prompt.
func (a *GeminiAdvisor) Advise(ctx context.Context, req ports.GuidanceRequest) (*ports.Guidance, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	temperature := float32(0.3)
	gcfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		Temperature:       &temperature,
	}

	resp, err := a.client.Models.GenerateContent(ctx, a.model, genai.Text(buildPrompt(req)), gcfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, fmt.Errorf("gemini returned no guidance")
	}

	var g ports.Guidance
	if err := json.Unmarshal([]byte(text), &g); err != nil {
		return nil, fmt.Errorf("decode gemini guidance: %w", err)
	}
	if g.Suggestion == "" {
		return nil, fmt.Errorf("gemini guidance has no suggestion")
	}
	if _, ok := findOption(req.Options, g.RecommendOption); !ok {
		g.RecommendOption = ""
	}
	return &g, nil
}

func buildPrompt(req ports.GuidanceRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Customer first name: %s\n", firstName(req.CustomerName))
	fmt.Fprintf(&b, "Balance: %s, %d days overdue\n", req.Balance, req.DaysOverdue)
	fmt.Fprintf(&b, "Negotiation round: %d\n", req.Round+1)
	b.WriteString("Offered options:\n")
	for _, o := range req.Options {
		fmt.Fprintf(&b, "- %s: %s\n", o.ID, o.Description)
	}
	fmt.Fprintf(&b, "Customer said: %q\n", req.CustomerStatement)
	return b.String()
}

func firstName(name string) string {
	if f := strings.Fields(name); len(f) > 0 {
		return f[0]
	}
	return ""
}

// FallbackAdvisor tries Primary and answers from Secondary when it fails.
type FallbackAdvisor struct {
	Primary   ports.GuidanceAdvisor
	Secondary ports.GuidanceAdvisor
	Logger    *slog.Logger
}

func (f *FallbackAdvisor) Advise(ctx context.Context, req ports.GuidanceRequest) (*ports.Guidance, error) {
	g, err := f.Primary.Advise(ctx, req)
	if err == nil {
		return g, nil
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("guidance advisor failed, using fallback", slog.String("error", err.Error()))
	return f.Secondary.Advise(ctx, req)
}

// NewAdvisor returns the configured advisor. Gemini is used when a key is
// set, backed by the rules advisor.
func NewAdvisor(ctx context.Context, cfg config.GuidanceConfig, httpClient *http.Client, logger *slog.Logger) (ports.GuidanceAdvisor, error) {
	if cfg.Provider != "gemini" || cfg.APIKey == "" {
		return RulesAdvisor{}, nil
	}
	gemini, err := NewGeminiAdvisor(ctx, cfg, httpClient)
	if err != nil {
		return nil, err
	}
	return &FallbackAdvisor{Primary: gemini, Secondary: RulesAdvisor{}, Logger: logger}, nil
}
