package tools

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tjfontaine/polyglot-call-gateway/internal/callstate"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
)

type verifyAccount struct {
	deps Deps
}

func (t *verifyAccount) Name() string { return domain.ToolVerifyAccount }

func (t *verifyAccount) Spec() Spec {
	return Spec{
		Name:        domain.ToolVerifyAccount,
		Description: "Verify the caller's identity with the last four digits of their account number and their postal code. Must succeed before any account details are discussed.",
		Properties: map[string]any{
			"last4": map[string]any{
				"type":        "string",
				"description": "Last four digits of the account number",
			},
			"postal_code": map[string]any{
				"type":        "string",
				"description": "Postal code on the account",
			},
		},
		Required: []string{"last4", "postal_code"},
		Aliases: map[string]string{
			"account_last_4": "last4",
			"zip_code":       "postal_code",
		},
		Redact: []string{"last4", "postal_code", "account_last_4", "zip_code"},
	}
}

func (t *verifyAccount) LegalIn() []domain.CallState {
	return callstate.LegalStates(domain.ToolVerifyAccount)
}

func (t *verifyAccount) Execute(ctx context.Context, inv *Invocation) Result {
	cctx := inv.Context

	customer := cctx.Customer
	if customer == nil {
		if t.deps.Customers == nil || cctx.CallerNumber == "" {
			return Unavailable(errors.New("no customer resolved for call"))
		}
		c, err := t.deps.Customers.ResolveCustomer(ctx, cctx.CallerNumber)
		if err != nil {
			return Unavailable(fmt.Errorf("failed to resolve customer: %w", err))
		}
		cctx.Customer = c
		customer = c
	}

	last4 := digitsOnly(inv.Params.String("last4"))
	postal := normalizePostal(inv.Params.String("postal_code"))

	lastOK := subtle.ConstantTimeCompare([]byte(last4), []byte(customer.AccountLast4)) == 1
	postalOK := subtle.ConstantTimeCompare([]byte(postal), []byte(normalizePostal(customer.PostalCode))) == 1
	if !lastOK || !postalOK {
		attempts, remaining, exhausted := inv.Verify.RecordVerificationFailure()
		cctx.VerificationAttempts = attempts
		inv.Logger.Warn("verification mismatch",
			slog.Int("attempts", attempts),
			slog.Int("remaining", remaining),
		)
		if exhausted {
			cctx.Outcome = domain.OutcomeVerificationFailed
			return Result{
				FailureKind: domain.FailureVerificationExhausted,
				Message:     MessageVerifyClosed,
				Data:        map[string]any{"attempts_remaining": 0},
				Directive:   domain.DirectiveHangup,
			}
		}
		return Failure(domain.FailureVerificationMismatch, verificationRetryMessage(remaining), map[string]any{
			"attempts_remaining": remaining,
		})
	}

	snap := customer.Snapshot()
	cctx.Snapshot = &snap
	return Success(verifiedMessage(snap.Name), map[string]any{
		"customer_name": snap.Name,
		"balance":       snap.Balance.Dollars(),
		"days_overdue":  snap.DaysOverdue,
	})
}
