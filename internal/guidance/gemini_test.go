package guidance

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-call-gateway/internal/pkg/config"
	"github.com/tjfontaine/polyglot-call-gateway/internal/testutil"
)

func negotiationRequest() ports.GuidanceRequest {
	return ports.GuidanceRequest{
		CustomerStatement: "I lost my job and can't pay all of that at once",
		CustomerName:      "Jordan Smith",
		Balance:           500000,
		DaysOverdue:       120,
		Options: []domain.PaymentOption{
			{ID: domain.OptionFullPayment, Description: "Pay the full balance of $5,000.00", Amount: 500000},
			{ID: domain.OptionSettlement, Description: "Settle for $3,500.00, 30% off the balance", Amount: 350000, DiscountPercent: 30},
			{ID: domain.OptionPaymentPlan, Description: "Pay $833.33 per month for 6 months", Amount: 83333, Installments: 6},
		},
	}
}

func newRecordedAdvisor(t *testing.T, model string) *GeminiAdvisor {
	t.Helper()
	if os.Getenv("GEMINI_API_KEY") == "" && os.Getenv("VCR_MODE") == "record" {
		t.Skip("Skipping test: GEMINI_API_KEY not set")
	}

	recorder, cleanup := testutil.NewVCRRecorderWithMatcher(t, "gemini_guidance", testutil.MethodPathMatcher)
	t.Cleanup(cleanup)

	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		apiKey = "test-key"
	}

	advisor, err := NewGeminiAdvisor(context.Background(), config.GuidanceConfig{
		APIKey:  apiKey,
		Model:   model,
		Timeout: 10 * time.Second,
	}, testutil.VCRHTTPClient(recorder))
	if err != nil {
		t.Fatalf("NewGeminiAdvisor() error = %v", err)
	}
	return advisor
}

func TestGeminiAdvisor_Advise(t *testing.T) {
	advisor := newRecordedAdvisor(t, "gemini-2.0-flash")

	g, err := advisor.Advise(context.Background(), negotiationRequest())
	if err != nil {
		t.Fatalf("Advise() error = %v", err)
	}
	if g.RecommendOption != domain.OptionPaymentPlan {
		t.Errorf("RecommendOption = %q, want payment_plan", g.RecommendOption)
	}
	if !strings.Contains(g.Suggestion, "$833.33") {
		t.Errorf("Suggestion = %q", g.Suggestion)
	}
	if g.Tone != "empathetic" {
		t.Errorf("Tone = %q, want empathetic", g.Tone)
	}
}

func TestGeminiAdvisor_NonJSONFallsBack(t *testing.T) {
	advisor := newRecordedAdvisor(t, "gemini-bad-json")

	if _, err := advisor.Advise(context.Background(), negotiationRequest()); err == nil {
		t.Fatal("Advise() error = nil, want decode error")
	}

	fallback := &FallbackAdvisor{Primary: advisor, Secondary: RulesAdvisor{}}
	g, err := fallback.Advise(context.Background(), negotiationRequest())
	if err != nil {
		t.Fatalf("FallbackAdvisor.Advise() error = %v", err)
	}
	if g.RecommendOption != domain.OptionPaymentPlan {
		t.Errorf("RecommendOption = %q, want payment_plan", g.RecommendOption)
	}
}

func TestNewGeminiAdvisor_RequiresKey(t *testing.T) {
	if _, err := NewGeminiAdvisor(context.Background(), config.GuidanceConfig{}, nil); err == nil {
		t.Error("NewGeminiAdvisor() error = nil, want error")
	}
}

func TestNewAdvisor_DefaultsToRules(t *testing.T) {
	a, err := NewAdvisor(context.Background(), config.GuidanceConfig{Provider: "rules"}, nil, nil)
	if err != nil {
		t.Fatalf("NewAdvisor() error = %v", err)
	}
	if _, ok := a.(RulesAdvisor); !ok {
		t.Errorf("NewAdvisor() = %T, want RulesAdvisor", a)
	}
}

func TestBuildPrompt_OmitsAccountIdentifiers(t *testing.T) {
	prompt := buildPrompt(negotiationRequest())
	if strings.Contains(prompt, "Smith") {
		t.Errorf("prompt includes surname: %s", prompt)
	}
	if !strings.Contains(prompt, "settlement: Settle for $3,500.00") {
		t.Errorf("prompt missing options: %s", prompt)
	}
}
