package telephony

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
)

// MessageUnavailable is spoken when the gateway cannot take a call.
const MessageUnavailable = "We're sorry, we can't take your call right now. Please try again later."

// WebhookConfig configures the voice and status webhooks.
type WebhookConfig struct {
	// PublicHost is the externally reachable host. Empty uses the request
	// host.
	PublicHost         string
	AuthToken          string
	ValidateSignatures bool
}

// Webhooks serves Twilio's voice and status callbacks.
type Webhooks struct {
	cfg       WebhookConfig
	customers ports.CustomerStore
	calls     ports.CallStore
	orgFor    func(number string) string
	logger    *slog.Logger
}

// NewWebhooks creates the webhook handlers. orgFor maps a gateway phone
// number to the organization that owns it and may be nil.
func NewWebhooks(cfg WebhookConfig, customers ports.CustomerStore, calls ports.CallStore, orgFor func(string) string, logger *slog.Logger) *Webhooks {
	if logger == nil {
		logger = slog.Default()
	}
	if orgFor == nil {
		orgFor = func(string) string { return "" }
	}
	return &Webhooks{
		cfg:       cfg,
		customers: customers,
		calls:     calls,
		orgFor:    orgFor,
		logger:    logger,
	}
}

// Register mounts POST /voice and POST /status on r.
func (h *Webhooks) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.cfg.ValidateSignatures {
			r.Use(ValidateSignature(h.cfg.AuthToken, h.cfg.PublicHost, h.logger))
		}
		r.Post("/voice", h.handleVoice)
		r.Post("/status", h.handleStatus)
	})
}

func (h *Webhooks) handleVoice(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}
	callSID := r.PostForm.Get("CallSid")
	from := r.PostForm.Get("From")
	to := r.PostForm.Get("To")
	if callSID == "" {
		http.Error(w, "CallSid required", http.StatusBadRequest)
		return
	}

	direction := domain.DirectionInbound
	customerPhone, gatewayNumber := from, to
	if strings.HasPrefix(r.PostForm.Get("Direction"), "outbound") {
		direction = domain.DirectionOutbound
		customerPhone, gatewayNumber = to, from
	}

	logger := h.logger.With(slog.String("call_sid", callSID))
	ctx := r.Context()

	customer, err := h.customers.ResolveCustomer(ctx, customerPhone)
	if errors.Is(err, domain.ErrRecordNotFound) {
		logger.Info("caller not matched to a customer")
		h.writeSayHangup(w, MessageUnknownCaller)
		return
	}
	if err != nil {
		logger.Error("failed to resolve customer", slog.String("error", err.Error()))
		h.writeSayHangup(w, MessageUnavailable)
		return
	}

	record, err := h.calls.GetCallBySID(ctx, callSID)
	if errors.Is(err, domain.ErrRecordNotFound) {
		record = &domain.CallRecord{
			CallSID:        callSID,
			CustomerID:     customer.ID,
			OrganizationID: h.orgFor(gatewayNumber),
			CallType:       domain.CallTypeCollections,
			Direction:      direction,
			Status:         domain.CallStatusInitiated,
			State:          domain.StateRinging,
		}
		err = h.calls.CreateCall(ctx, record)
		if errors.Is(err, domain.ErrDuplicate) {
			record, err = h.calls.GetCallBySID(ctx, callSID)
		}
	}
	if err != nil {
		logger.Error("failed to record call", slog.String("error", err.Error()))
		h.writeSayHangup(w, MessageUnavailable)
		return
	}

	host := h.cfg.PublicHost
	if host == "" {
		host = r.Host
	}
	twiml, err := StreamTwiML(StreamURL(host), map[string]string{
		"call_sid":       callSID,
		"call_id":        record.ID,
		"customer_id":    customer.ID,
		"customer_phone": customerPhone,
	})
	if err != nil {
		logger.Error("failed to render stream twiml", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	logger.Info("connecting call to media stream",
		slog.String("call_id", record.ID),
		slog.String("direction", string(direction)),
	)
	writeTwiML(w, twiml)
}

func (h *Webhooks) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}
	callSID := r.PostForm.Get("CallSid")
	twilioStatus := r.PostForm.Get("CallStatus")
	status, ok := MapCallStatus(twilioStatus)
	if callSID == "" || !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	duration, _ := strconv.Atoi(r.PostForm.Get("CallDuration"))

	logger := h.logger.With(slog.String("call_sid", callSID))
	err := h.calls.UpdateCallStatus(r.Context(), callSID, status, duration)
	switch {
	case errors.Is(err, domain.ErrRecordNotFound):
		logger.Warn("status callback for unknown call", slog.String("status", twilioStatus))
	case err != nil:
		logger.Error("failed to update call status", slog.String("error", err.Error()))
		http.Error(w, "failed to update call status", http.StatusInternalServerError)
		return
	default:
		logger.Info("call status updated",
			slog.String("status", string(status)),
			slog.Int("duration_seconds", duration),
		)
	}
	w.WriteHeader(http.StatusNoContent)
}

// MapCallStatus converts a Twilio CallStatus to a call record status.
func MapCallStatus(s string) (domain.CallStatus, bool) {
	switch s {
	case "completed":
		return domain.CallStatusCompleted, true
	case "busy", "failed", "no-answer", "canceled":
		return domain.CallStatusFailed, true
	case "in-progress", "answered":
		return domain.CallStatusInProgress, true
	}
	return "", false
}

func (h *Webhooks) writeSayHangup(w http.ResponseWriter, message string) {
	twiml, err := SayHangupTwiML(message)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeTwiML(w, twiml)
}

func writeTwiML(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
