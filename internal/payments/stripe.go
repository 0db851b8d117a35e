// Package payments prepares collection of recorded arrangements with an
// external payment processor.
package payments

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/stripe/stripe-go/v84"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-call-gateway/internal/pkg/config"
)

// StripeCollector creates a Stripe PaymentIntent for each arrangement that is
// paid by link. The intent's client secret backs the payment page the SMS
// points at.
type StripeCollector struct {
	client *stripe.Client
}

var _ ports.PaymentCollector = (*StripeCollector)(nil)

// NewStripeCollector builds a collector. httpClient may be nil.
func NewStripeCollector(cfg config.PaymentsConfig, httpClient *http.Client) (*StripeCollector, error) {
	if cfg.StripeSecretKey == "" {
		return nil, fmt.Errorf("stripe secret key required")
	}

	backendCfg := &stripe.BackendConfig{HTTPClient: httpClient}
	if cfg.StripeBaseURL != "" {
		backendCfg.URL = stripe.String(cfg.StripeBaseURL)
	}

	client := stripe.NewClient(cfg.StripeSecretKey,
		stripe.WithBackends(stripe.NewBackendsWithConfig(backendCfg)))
	return &StripeCollector{client: client}, nil
}

// Prepare creates (or, on retry, returns) the PaymentIntent for req. The
// idempotency key makes repeated calls for the same arrangement safe.
func (c *StripeCollector) Prepare(ctx context.Context, req ports.PaymentRequest) (*ports.PaymentReceipt, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("payment amount must be positive")
	}
	currency := req.Currency
	if currency == "" {
		currency = "usd"
	}

	params := &stripe.PaymentIntentCreateParams{
		Amount:      stripe.Int64(int64(req.Amount)),
		Currency:    stripe.String(currency),
		Description: stripe.String(fmt.Sprintf("Arrangement %s for call %s", req.OptionID, req.CallID)),
	}
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("call_id", req.CallID)
	params.AddMetadata("customer_id", req.CustomerID)
	params.AddMetadata("option_id", req.OptionID)
	params.AddMetadata("method", string(req.Method))
	params.AddMetadata("amount_cents", strconv.FormatInt(int64(req.Amount), 10))

	pi, err := c.client.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	return &ports.PaymentReceipt{Reference: pi.ID, Status: string(pi.Status)}, nil
}

// NewCollector returns the configured collector, or nil when payments are
// not collected through a processor.
func NewCollector(cfg config.PaymentsConfig, httpClient *http.Client) (ports.PaymentCollector, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "stripe":
		c, err := NewStripeCollector(cfg, httpClient)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported payments provider: %s", cfg.Provider)
	}
}
