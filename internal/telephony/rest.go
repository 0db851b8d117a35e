package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-call-gateway/internal/pkg/config"
)

const (
	VoicePath  = "/twilio/voice"
	StatusPath = "/twilio/status"
)

// statusEvents are the call progress callbacks requested for outbound calls.
var statusEvents = []string{"initiated", "answered", "completed"}

// CallControl places, ends and redirects calls through the REST API.
type CallControl struct {
	api        *twilio.RestClient
	from       string
	publicHost string
	logger     *slog.Logger

	httpClient *http.Client
	retries    int
	backoff    time.Duration
}

var _ ports.CallControl = (*CallControl)(nil)

// CallControlOption configures a CallControl.
type CallControlOption func(*CallControl)

// WithHTTPClient sets the HTTP client the REST client sends through.
func WithHTTPClient(c *http.Client) CallControlOption {
	return func(cc *CallControl) {
		if c != nil {
			cc.httpClient = c
		}
	}
}

// WithRetry sets how often a throttled or failed request is retried.
func WithRetry(retries int, backoff time.Duration) CallControlOption {
	return func(cc *CallControl) {
		cc.retries = retries
		if backoff > 0 {
			cc.backoff = backoff
		}
	}
}

// WithCallControlLogger sets the logger.
func WithCallControlLogger(l *slog.Logger) CallControlOption {
	return func(cc *CallControl) {
		if l != nil {
			cc.logger = l
		}
	}
}

// NewCallControl creates a REST client for the configured account. A
// non-empty APIBaseURL sends every request to that host instead of Twilio.
func NewCallControl(cfg config.TwilioConfig, publicHost string, opts ...CallControlOption) (*CallControl, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("twilio account_sid and auth_token are required")
	}
	cc := &CallControl{
		from:       cfg.FromNumber,
		publicHost: publicHost,
		logger:     slog.Default(),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		retries:    2,
		backoff:    200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(cc)
	}

	httpClient := cc.httpClient
	if cfg.APIBaseURL != "" {
		base, err := url.Parse(cfg.APIBaseURL)
		if err != nil || base.Host == "" {
			return nil, fmt.Errorf("invalid twilio api_base_url %q", cfg.APIBaseURL)
		}
		rebased := *httpClient
		rebased.Transport = &rebaseTransport{base: base, next: httpClient.Transport}
		httpClient = &rebased
	}

	restClient := &client.Client{
		Credentials: client.NewCredentials(cfg.AccountSID, cfg.AuthToken),
		HTTPClient:  httpClient,
	}
	restClient.SetAccountSid(cfg.AccountSID)
	cc.api = twilio.NewRestClientWithParams(twilio.ClientParams{Client: restClient})
	return cc, nil
}

// Dial places an outbound call. Twilio fetches the voice webhook once the
// callee answers; call.Parameters ride along on its query string.
func (c *CallControl) Dial(ctx context.Context, call ports.OutboundCall) (string, error) {
	if c.publicHost == "" {
		return "", fmt.Errorf("public host is required to place calls")
	}
	from := call.From
	if from == "" {
		from = c.from
	}
	if call.To == "" || from == "" {
		return "", fmt.Errorf("dial requires to and from numbers")
	}

	voiceURL := "https://" + c.publicHost + VoicePath
	if len(call.Parameters) > 0 {
		q := url.Values{}
		for k, v := range call.Parameters {
			q.Set(k, v)
		}
		voiceURL += "?" + q.Encode()
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(call.To)
	params.SetFrom(from)
	params.SetUrl(voiceURL)
	params.SetStatusCallback("https://" + c.publicHost + StatusPath)
	params.SetStatusCallbackEvent(statusEvents)

	var placed *openapi.ApiV2010Call
	err := c.do(ctx, "create call", func() error {
		var err error
		placed, err = c.api.Api.CreateCall(params)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to place call: %w", err)
	}
	if placed == nil || placed.Sid == nil {
		return "", fmt.Errorf("failed to place call: response has no call sid")
	}

	status := ""
	if placed.Status != nil {
		status = *placed.Status
	}
	c.logger.Info("outbound call placed",
		slog.String("call_sid", *placed.Sid),
		slog.String("status", status),
	)
	return *placed.Sid, nil
}

// Hangup ends a call in progress.
func (c *CallControl) Hangup(ctx context.Context, callSID string) error {
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")
	if err := c.update(ctx, callSID, params); err != nil {
		return fmt.Errorf("failed to hang up call %s: %w", callSID, err)
	}
	return nil
}

// Transfer redirects a live call to another number. The media stream ends
// when Twilio executes the new TwiML.
func (c *CallControl) Transfer(ctx context.Context, callSID, to string) error {
	if to == "" {
		return fmt.Errorf("transfer destination is required")
	}
	doc, err := DialTwiML(to)
	if err != nil {
		return err
	}
	params := &openapi.UpdateCallParams{}
	params.SetTwiml(string(doc))
	if err := c.update(ctx, callSID, params); err != nil {
		return fmt.Errorf("failed to transfer call %s: %w", callSID, err)
	}
	return nil
}

func (c *CallControl) update(ctx context.Context, callSID string, params *openapi.UpdateCallParams) error {
	return c.do(ctx, "update call", func() error {
		_, err := c.api.Api.UpdateCall(callSID, params)
		return err
	})
}

// do runs one REST request, retrying throttling and server errors. The SDK
// takes no context, so ctx only bounds the retries.
func (c *CallControl) do(ctx context.Context, op string, fn func() error) error {
	b := retry.WithMaxRetries(uint64(c.retries), retry.NewExponential(c.backoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn()
		var restErr *client.TwilioRestError
		if errors.As(err, &restErr) && retryableStatus(restErr.Status) {
			c.logger.Warn("retrying twilio request",
				slog.String("operation", op),
				slog.Int("status", restErr.Status),
				slog.Int("code", restErr.Code),
			)
			return retry.RetryableError(err)
		}
		return err
	})
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// rebaseTransport points requests at another API host.
type rebaseTransport struct {
	base *url.URL
	next http.RoundTripper
}

func (t *rebaseTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = t.base.Scheme
	out.URL.Host = t.base.Host
	out.Host = t.base.Host
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(out)
}
