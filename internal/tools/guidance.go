package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/tjfontaine/polyglot-call-gateway/internal/callstate"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
)

type negotiationGuidance struct {
	deps Deps
}

func (t *negotiationGuidance) Name() string { return domain.ToolGetNegotiationGuidance }

func (t *negotiationGuidance) Spec() Spec {
	return Spec{
		Name:        domain.ToolGetNegotiationGuidance,
		Description: "Get a suggested reply when the customer hesitates, objects, or asks for something other than the quoted options.",
		Properties: map[string]any{
			"customer_statement": map[string]any{
				"type":        "string",
				"description": "What the customer just said",
			},
		},
		Aliases: map[string]string{
			"statement": "customer_statement",
		},
	}
}

func (t *negotiationGuidance) LegalIn() []domain.CallState {
	return callstate.LegalStates(domain.ToolGetNegotiationGuidance)
}

func (t *negotiationGuidance) Execute(ctx context.Context, inv *Invocation) Result {
	cctx := inv.Context
	if cctx.Snapshot == nil {
		return Unavailable(errors.New("negotiation without customer snapshot"))
	}

	g, err := t.deps.Advisor.Advise(ctx, ports.GuidanceRequest{
		CustomerStatement: inv.Params.String("customer_statement"),
		CustomerName:      cctx.Snapshot.Name,
		Balance:           cctx.Snapshot.Balance,
		DaysOverdue:       cctx.Snapshot.DaysOverdue,
		Options:           cctx.Options,
		Round:             cctx.Negotiation.Rounds,
	})
	if err != nil {
		return Unavailable(fmt.Errorf("failed to get guidance: %w", err))
	}

	cctx.Negotiation.Rounds++
	cctx.Negotiation.LastGuidance = g

	data := map[string]any{
		"suggestion": g.Suggestion,
		"round":      cctx.Negotiation.Rounds,
	}
	if g.RecommendOption != "" {
		data["recommend_option"] = g.RecommendOption
	}
	if g.Tone != "" {
		data["tone"] = g.Tone
	}
	return Success(g.Suggestion, data)
}
