package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/tjfontaine/polyglot-call-gateway/internal/callstate"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
)

var paymentMethods = []string{
	string(domain.MethodSMSLink),
	string(domain.MethodBankTransfer),
	string(domain.MethodPaymentPlan),
}

const invalidMethodMessage = "I can send you a secure payment link by text, set up a bank transfer, or set up a payment plan. Which would you prefer?"

const planOnlyMessage = "Monthly payments are only available with the payment plan option. For this amount I can send you a secure payment link by text or set up a bank transfer. Which would you prefer?"

type processPayment struct {
	deps Deps
}

func (t *processPayment) Name() string { return domain.ToolProcessPayment }

func (t *processPayment) Spec() Spec {
	return Spec{
		Name:        domain.ToolProcessPayment,
		Description: "Record the payment arrangement the customer chose. The option must be one returned by get_customer_options.",
		Properties: map[string]any{
			"option_id": map[string]any{
				"type":        "string",
				"enum":        []string{domain.OptionFullPayment, domain.OptionSettlement, domain.OptionPaymentPlan},
				"description": "The chosen payment option",
			},
			"method": map[string]any{
				"type":        "string",
				"enum":        paymentMethods,
				"description": "How the customer will pay",
			},
		},
		Required: []string{"option_id"},
		Aliases: map[string]string{
			"option":       "option_id",
			"payment_type": "method",
		},
	}
}

func (t *processPayment) LegalIn() []domain.CallState {
	return callstate.LegalStates(domain.ToolProcessPayment)
}

func (t *processPayment) Execute(ctx context.Context, inv *Invocation) Result {
	cctx := inv.Context

	optionID := strings.ToLower(inv.Params.String("option_id"))
	option, ok := cctx.Option(optionID)
	if !ok {
		valid := cctx.OptionIDs()
		return Failure(domain.FailureUnknownOption, unknownOptionMessage(valid), map[string]any{
			"valid_options": valid,
		})
	}

	method := domain.PaymentMethod(strings.ToLower(inv.Params.String("method")))
	if method == "" && optionID == domain.OptionPaymentPlan {
		method = domain.MethodPaymentPlan
	}
	if !method.Valid() {
		return Failure(domain.FailureInvalidParams, invalidMethodMessage, map[string]any{
			"valid_methods": paymentMethods,
		})
	}

	// Only an installment option can be paid monthly.
	if method == domain.MethodPaymentPlan && optionID != domain.OptionPaymentPlan {
		return Failure(domain.FailureInvalidParams, planOnlyMessage, map[string]any{
			"valid_methods": []string{string(domain.MethodSMSLink), string(domain.MethodBankTransfer)},
		})
	}

	key := domain.ArrangementKey(cctx.CallID, optionID, method)
	if existing, ok := cctx.Arrangements[key]; ok {
		return t.alreadyRecorded(existing, option)
	}

	customerID := ""
	if cctx.Snapshot != nil {
		customerID = cctx.Snapshot.CustomerID
	}
	arrangement := &domain.Arrangement{
		ID:           uuid.New().String(),
		CallID:       cctx.CallID,
		CustomerID:   customerID,
		OptionID:     optionID,
		Method:       method,
		Amount:       option.Amount,
		Installments: option.Installments,
	}

	if t.deps.Collector != nil && method == domain.MethodSMSLink {
		currency := cctx.Policy.Currency
		if currency == "" {
			currency = t.deps.Currency
		}
		receipt, err := t.deps.Collector.Prepare(ctx, ports.PaymentRequest{
			IdempotencyKey: key,
			CallID:         cctx.CallID,
			CustomerID:     customerID,
			OptionID:       optionID,
			Method:         method,
			Amount:         option.Amount,
			Currency:       currency,
		})
		if err != nil {
			return Unavailable(fmt.Errorf("failed to prepare payment: %w", err))
		}
		arrangement.ExternalReference = receipt.Reference
	}

	stored, created, err := t.deps.Arrangements.RecordArrangement(ctx, arrangement)
	if err != nil {
		return Unavailable(fmt.Errorf("failed to record arrangement: %w", err))
	}

	cctx.Arrangements[key] = stored
	cctx.SelectedOption = optionID
	cctx.Outcome = domain.OutcomePaymentArranged

	if !created {
		return t.alreadyRecorded(stored, option)
	}

	inv.Logger.Info("arrangement recorded",
		slog.String("arrangement_id", stored.ID),
		slog.String("option_id", optionID),
		slog.String("method", string(method)),
	)
	return Success(paymentConfirmation(method, option), arrangementData(stored, false))
}

func (t *processPayment) alreadyRecorded(a *domain.Arrangement, option domain.PaymentOption) Result {
	msg := fmt.Sprintf("That arrangement for %s is already recorded. Is there anything else I can help you with?", option.Amount)
	return Success(msg, arrangementData(a, true))
}

func arrangementData(a *domain.Arrangement, already bool) map[string]any {
	data := map[string]any{
		"arrangement_id": a.ID,
		"option_id":      a.OptionID,
		"method":         string(a.Method),
		"amount":         a.Amount.Dollars(),
	}
	if a.Installments > 0 {
		data["installments"] = a.Installments
	}
	if a.ExternalReference != "" {
		data["reference"] = a.ExternalReference
	}
	if already {
		data["already_recorded"] = true
	}
	return data
}
