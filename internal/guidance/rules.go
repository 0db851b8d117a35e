// Package guidance suggests how the voice agent should answer a customer
// during payment negotiation.
package guidance

import (
	"context"
	"fmt"
	"strings"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
)

// RulesAdvisor answers from keyword cues in the customer's statement. It needs
// no network access and is the fallback for the Gemini advisor.
type RulesAdvisor struct{}

var _ ports.GuidanceAdvisor = RulesAdvisor{}

var (
	hardshipCues   = []string{"can't afford", "cannot afford", "lost my job", "too much", "no money", "struggling", "hardship", "tight"}
	settlementCues = []string{"settle", "discount", "lump sum", "less", "lower"}
	payNowCues     = []string{"pay it all", "pay in full", "full amount", "whole thing", "pay today", "right now"}
	disputeCues    = []string{"not my debt", "dispute", "never owed", "wrong", "scam"}
)

func containsAny(s string, cues []string) bool {
	for _, c := range cues {
		if strings.Contains(s, c) {
			return true
		}
	}
	return false
}

func findOption(options []domain.PaymentOption, id string) (domain.PaymentOption, bool) {
	for _, o := range options {
		if o.ID == id {
			return o, true
		}
	}
	return domain.PaymentOption{}, false
}

// Advise picks an option to emphasize and a reply suggestion.
func (RulesAdvisor) Advise(ctx context.Context, req ports.GuidanceRequest) (*ports.Guidance, error) {
	statement := strings.ToLower(req.CustomerStatement)
	settlement, hasSettlement := findOption(req.Options, domain.OptionSettlement)
	plan, hasPlan := findOption(req.Options, domain.OptionPaymentPlan)

	switch {
	case containsAny(statement, disputeCues):
		return &ports.Guidance{
			Suggestion: "Acknowledge the concern calmly and offer to transfer the customer to a specialist who can review the account.",
			Tone:       "calm",
		}, nil

	case containsAny(statement, payNowCues):
		return &ports.Guidance{
			Suggestion:      "Thank the customer and confirm the full payment amount and how they would like to pay.",
			RecommendOption: domain.OptionFullPayment,
			Tone:            "appreciative",
		}, nil

	case containsAny(statement, settlementCues) && hasSettlement:
		return &ports.Guidance{
			Suggestion: fmt.Sprintf("Highlight the one-time settlement of %s, which saves %d%% and closes the account.",
				settlement.Amount, settlement.DiscountPercent),
			RecommendOption: domain.OptionSettlement,
			Tone:            "encouraging",
		}, nil

	case containsAny(statement, hardshipCues) && hasPlan:
		return &ports.Guidance{
			Suggestion: fmt.Sprintf("Show empathy for their situation and suggest the payment plan of %s per month for %d months.",
				plan.Amount, plan.Installments),
			RecommendOption: domain.OptionPaymentPlan,
			Tone:            "empathetic",
		}, nil
	}

	if hasSettlement && req.Round > 0 {
		return &ports.Guidance{
			Suggestion:      fmt.Sprintf("Gently mention the settlement of %s as a way to resolve the balance for less.", settlement.Amount),
			RecommendOption: domain.OptionSettlement,
			Tone:            "empathetic",
		}, nil
	}
	if hasPlan {
		return &ports.Guidance{
			Suggestion:      fmt.Sprintf("Ask which option fits their budget and mention that the plan keeps payments to %s a month.", plan.Amount),
			RecommendOption: domain.OptionPaymentPlan,
			Tone:            "empathetic",
		}, nil
	}
	return &ports.Guidance{
		Suggestion: "Ask an open question about what payment would be manageable for them today.",
		Tone:       "empathetic",
	}, nil
}
