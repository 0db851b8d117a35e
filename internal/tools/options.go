package tools

import (
	"context"
	"errors"

	"github.com/tjfontaine/polyglot-call-gateway/internal/callstate"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
)

type customerOptions struct {
	deps Deps
}

func (t *customerOptions) Name() string { return domain.ToolGetCustomerOptions }

func (t *customerOptions) Spec() Spec {
	return Spec{
		Name:        domain.ToolGetCustomerOptions,
		Description: "Get the payment options available to the verified customer: full payment, a settlement when eligible, and a monthly payment plan.",
	}
}

func (t *customerOptions) LegalIn() []domain.CallState {
	return callstate.LegalStates(domain.ToolGetCustomerOptions)
}

func (t *customerOptions) Execute(ctx context.Context, inv *Invocation) Result {
	cctx := inv.Context
	if cctx.Snapshot == nil {
		return Unavailable(errors.New("verified call has no customer snapshot"))
	}
	snap := *cctx.Snapshot

	options := t.deps.Policy.Options(snap, cctx.Policy)
	cctx.Options = options

	return Success(optionsMessage(snap.Name, snap.DaysOverdue, options), map[string]any{
		"balance":      snap.Balance.Dollars(),
		"days_overdue": snap.DaysOverdue,
		"options":      optionData(options),
	})
}
