package payments

import (
	"context"
	"os"
	"testing"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-call-gateway/internal/pkg/config"
	"github.com/tjfontaine/polyglot-call-gateway/internal/testutil"
)

func TestStripeCollector_Prepare(t *testing.T) {
	if os.Getenv("STRIPE_SECRET_KEY") == "" && os.Getenv("VCR_MODE") == "record" {
		t.Skip("Skipping test: STRIPE_SECRET_KEY not set")
	}

	recorder, cleanup := testutil.NewVCRRecorder(t, "stripe_payment_intent")
	defer cleanup()

	key := os.Getenv("STRIPE_SECRET_KEY")
	if key == "" {
		key = "sk_test_dummy"
	}

	collector, err := NewStripeCollector(config.PaymentsConfig{StripeSecretKey: key}, testutil.VCRHTTPClient(recorder))
	if err != nil {
		t.Fatalf("NewStripeCollector() error = %v", err)
	}

	receipt, err := collector.Prepare(context.Background(), ports.PaymentRequest{
		IdempotencyKey: domain.ArrangementKey("call-1", domain.OptionSettlement, domain.MethodSMSLink),
		CallID:         "call-1",
		CustomerID:     "cust-1",
		OptionID:       domain.OptionSettlement,
		Method:         domain.MethodSMSLink,
		Amount:         350000,
		Currency:       "usd",
	})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if receipt.Reference != "pi_3QdX2bLkdIwHu7ix0r8TtW1a" {
		t.Errorf("Reference = %q", receipt.Reference)
	}
	if receipt.Status != "requires_payment_method" {
		t.Errorf("Status = %q, want requires_payment_method", receipt.Status)
	}
}

func TestStripeCollector_RejectsNonPositiveAmount(t *testing.T) {
	collector, err := NewStripeCollector(config.PaymentsConfig{StripeSecretKey: "sk_test_dummy"}, nil)
	if err != nil {
		t.Fatalf("NewStripeCollector() error = %v", err)
	}
	if _, err := collector.Prepare(context.Background(), ports.PaymentRequest{Amount: 0}); err == nil {
		t.Error("Prepare() error = nil, want error")
	}
}

func TestNewCollector(t *testing.T) {
	c, err := NewCollector(config.PaymentsConfig{Provider: "none"}, nil)
	if err != nil || c != nil {
		t.Errorf("NewCollector(none) = %v, %v, want nil, nil", c, err)
	}
	if _, err := NewCollector(config.PaymentsConfig{Provider: "stripe"}, nil); err == nil {
		t.Error("NewCollector(stripe) without key error = nil, want error")
	}
	if _, err := NewCollector(config.PaymentsConfig{Provider: "paypal"}, nil); err == nil {
		t.Error("NewCollector(paypal) error = nil, want error")
	}
}
