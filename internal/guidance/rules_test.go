package guidance

import (
	"context"
	"testing"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
)

func TestRulesAdvisor_Advise(t *testing.T) {
	base := negotiationRequest()
	noSettlement := negotiationRequest()
	noSettlement.Options = []domain.PaymentOption{base.Options[0], base.Options[2]}

	tests := []struct {
		name      string
		statement string
		options   []domain.PaymentOption
		round     int
		want      string
	}{
		{"hardship", "I'm struggling this month", base.Options, 0, domain.OptionPaymentPlan},
		{"settlement ask", "can we settle for less?", base.Options, 0, domain.OptionSettlement},
		{"settlement unavailable", "can we settle for less?", noSettlement.Options, 0, domain.OptionPaymentPlan},
		{"pay now", "I want to pay in full", base.Options, 0, domain.OptionFullPayment},
		{"dispute", "this is not my debt", base.Options, 0, ""},
		{"second round", "let me think", base.Options, 1, domain.OptionSettlement},
		{"first round", "let me think", base.Options, 0, domain.OptionPaymentPlan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := negotiationRequest()
			req.CustomerStatement = tt.statement
			req.Options = tt.options
			req.Round = tt.round

			g, err := RulesAdvisor{}.Advise(context.Background(), req)
			if err != nil {
				t.Fatalf("Advise() error = %v", err)
			}
			if g.RecommendOption != tt.want {
				t.Errorf("RecommendOption = %q, want %q", g.RecommendOption, tt.want)
			}
			if g.Suggestion == "" {
				t.Errorf("Suggestion is empty")
			}
		})
	}
}
