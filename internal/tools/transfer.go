package tools

import (
	"context"

	"github.com/tjfontaine/polyglot-call-gateway/internal/callstate"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
)

const defaultTransferReason = "customer_request"

type transferToAgent struct{}

func (t *transferToAgent) Name() string { return domain.ToolTransferToAgent }

func (t *transferToAgent) Spec() Spec {
	return Spec{
		Name:        domain.ToolTransferToAgent,
		Description: "Transfer the caller to a human agent, for example when they ask for one, dispute the debt, or need help the agent cannot give.",
		Properties: map[string]any{
			"reason": map[string]any{
				"type":        "string",
				"description": "Why the caller is being transferred",
			},
		},
	}
}

func (t *transferToAgent) LegalIn() []domain.CallState {
	return callstate.LegalStates(domain.ToolTransferToAgent)
}

func (t *transferToAgent) Execute(ctx context.Context, inv *Invocation) Result {
	reason := inv.Params.String("reason")
	if reason == "" {
		reason = defaultTransferReason
	}
	inv.Context.TransferReason = reason
	inv.Context.Outcome = domain.OutcomeTransferred

	return Result{
		Success:   true,
		Message:   MessageTransfer,
		Data:      map[string]any{"reason": reason},
		Directive: domain.DirectiveTransfer,
	}
}
