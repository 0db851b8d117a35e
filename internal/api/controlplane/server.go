// Package controlplane serves the admin API: placing outbound calls and
// inspecting call records, transcripts and live sessions.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-call-gateway/internal/server"
	"github.com/tjfontaine/polyglot-call-gateway/internal/session"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	maxBodyBytes     = 64 << 10
)

// CallManager places calls and reports live sessions.
type CallManager interface {
	PlaceCall(ctx context.Context, req session.OutboundRequest) (*domain.CallRecord, error)
	Sessions() []session.Info
	Stats() session.Stats
}

// Deps are the collaborators of the admin API.
type Deps struct {
	Store ports.Repository
	Calls CallManager
	// Auth protects every route when set.
	Auth ports.AuthProvider
	// DefaultFrom is the caller ID for outbound calls when neither the
	// request nor the organization names one.
	DefaultFrom string
	Logger      *slog.Logger
}

type Server struct {
	router    *chi.Mux
	startTime time.Time
	deps      Deps
	logger    *slog.Logger
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:    chi.NewRouter(),
		startTime: time.Now(),
		deps:      deps,
		logger:    logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(server.AuthMiddleware(s.deps.Auth))

	s.router.Get("/api/stats", s.handleStats)
	s.router.Get("/api/sessions", s.handleListSessions)
	s.router.Get("/api/calls", s.handleListCalls)
	s.router.Post("/api/calls", s.handlePlaceCall)
	s.router.Get("/api/calls/{call_id}", s.handleCallDetail)
	s.router.Get("/api/customers/{customer_id}/calls", s.handleCustomerCalls)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type StatsResponse struct {
	Uptime       string        `json:"uptime"`
	GoVersion    string        `json:"go_version"`
	NumGoroutine int           `json:"num_goroutine"`
	Memory       MemoryStats   `json:"memory"`
	Sessions     session.Stats `json:"sessions"`
}

type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"total_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats := StatsResponse{
		Uptime:       time.Since(s.startTime).String(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		Memory: MemoryStats{
			Alloc:      m.Alloc,
			TotalAlloc: m.TotalAlloc,
			Sys:        m.Sys,
			NumGC:      m.NumGC,
		},
	}
	if s.deps.Calls != nil {
		stats.Sessions = s.deps.Calls.Stats()
	}

	writeJSON(w, http.StatusOK, stats)
}

type SessionListResponse struct {
	Sessions []session.Info `json:"sessions"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Calls == nil {
		writeError(w, domain.ErrUnavailable("call sessions not configured"))
		return
	}

	orgID := orgIDFromContext(r.Context())
	resp := SessionListResponse{Sessions: []session.Info{}}
	for _, info := range s.deps.Calls.Sessions() {
		if orgID != "" && info.Session.OrganizationID != orgID {
			continue
		}
		resp.Sessions = append(resp.Sessions, info)
	}
	writeJSON(w, http.StatusOK, resp)
}

type CallListResponse struct {
	Calls []*domain.CallRecord `json:"calls"`
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	opts, apiErr := listOptions(r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	opts.CustomerID = r.URL.Query().Get("customer_id")
	s.listCalls(w, r, opts)
}

func (s *Server) handleCustomerCalls(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customer_id")
	if _, err := s.deps.Store.GetCustomer(r.Context(), customerID); err != nil {
		s.storeError(w, r, err, "customer not found")
		return
	}

	opts, apiErr := listOptions(r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	opts.CustomerID = customerID
	s.listCalls(w, r, opts)
}

func (s *Server) listCalls(w http.ResponseWriter, r *http.Request, opts ports.ListOptions) {
	opts.OrganizationID = orgIDFromContext(r.Context())
	calls, err := s.deps.Store.ListCalls(r.Context(), opts)
	if err != nil {
		s.storeError(w, r, err, "")
		return
	}
	if calls == nil {
		calls = []*domain.CallRecord{}
	}
	writeJSON(w, http.StatusOK, CallListResponse{Calls: calls})
}

// CallDetail is a call with everything recorded about it.
type CallDetail struct {
	Call         *domain.CallRecord        `json:"call"`
	Transcript   []*domain.TranscriptEntry `json:"transcript"`
	Arrangements []*domain.Arrangement     `json:"arrangements"`
}

func (s *Server) handleCallDetail(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "call_id")
	call, err := s.deps.Store.GetCall(r.Context(), callID)
	if err != nil {
		s.storeError(w, r, err, "call not found")
		return
	}

	if orgID := orgIDFromContext(r.Context()); orgID != "" && call.OrganizationID != orgID {
		writeError(w, domain.ErrNotFound("call not found"))
		return
	}

	transcript, err := s.deps.Store.ListTranscript(r.Context(), callID)
	if err != nil {
		s.storeError(w, r, err, "")
		return
	}
	arrangements, err := s.deps.Store.ListArrangements(r.Context(), callID)
	if err != nil {
		s.storeError(w, r, err, "")
		return
	}
	if transcript == nil {
		transcript = []*domain.TranscriptEntry{}
	}
	if arrangements == nil {
		arrangements = []*domain.Arrangement{}
	}

	writeJSON(w, http.StatusOK, CallDetail{
		Call:         call,
		Transcript:   transcript,
		Arrangements: arrangements,
	})
}

// PlaceCallRequest asks for an outbound call. CustomerID or To is required.
type PlaceCallRequest struct {
	CustomerID string            `json:"customer_id,omitempty"`
	To         string            `json:"to,omitempty"`
	From       string            `json:"from,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

func (s *Server) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	if s.deps.Calls == nil {
		writeError(w, domain.ErrUnavailable("call sessions not configured"))
		return
	}

	var req PlaceCallRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, domain.ErrInvalidRequest("invalid request body: "+err.Error()))
		return
	}
	if req.CustomerID == "" && req.To == "" {
		writeError(w, domain.ErrInvalidRequest("customer_id or to is required").WithParam("customer_id"))
		return
	}

	orgID := orgIDFromContext(r.Context())
	from := req.From
	if from == "" {
		from = s.callerID(r.Context(), orgID)
	}
	if from == "" {
		writeError(w, domain.ErrInvalidRequest("no caller id configured for outbound calls").WithParam("from"))
		return
	}

	record, err := s.deps.Calls.PlaceCall(r.Context(), session.OutboundRequest{
		CustomerID:     req.CustomerID,
		To:             req.To,
		From:           from,
		OrganizationID: orgID,
		Parameters:     req.Parameters,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, record)
	case errors.Is(err, domain.ErrRecordNotFound):
		writeError(w, domain.ErrNotFound("customer not found"))
	case errors.Is(err, session.ErrOutboundDisabled), errors.Is(err, domain.ErrSessionClosed):
		writeError(w, domain.ErrUnavailable(err.Error()))
	default:
		server.AddError(r.Context(), err)
		s.logger.Error("failed to place outbound call", slog.String("error", err.Error()))
		writeError(w, domain.ErrServer("failed to place call").WithStatusCode(http.StatusBadGateway))
	}
}

// callerID picks the organization's first number, falling back to the
// gateway default.
func (s *Server) callerID(ctx context.Context, orgID string) string {
	if orgID != "" && s.deps.Auth != nil {
		if org, err := s.deps.Auth.GetOrganization(ctx, orgID); err == nil && len(org.PhoneNumbers) > 0 {
			return org.PhoneNumbers[0]
		}
	}
	return s.deps.DefaultFrom
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	if notFound != "" && errors.Is(err, domain.ErrRecordNotFound) {
		writeError(w, domain.ErrNotFound(notFound))
		return
	}
	server.AddError(r.Context(), err)
	writeError(w, domain.ErrServer("storage error"))
}

func listOptions(r *http.Request) (ports.ListOptions, *domain.APIError) {
	opts := ports.ListOptions{Limit: defaultListLimit}
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxListLimit {
			return opts, domain.ErrInvalidRequest("limit must be between 1 and 200").WithParam("limit")
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, domain.ErrInvalidRequest("offset must not be negative").WithParam("offset")
		}
		opts.Offset = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return opts, domain.ErrInvalidRequest("since must be an RFC 3339 timestamp").WithParam("since")
		}
		opts.Since = t
	}
	return opts, nil
}

// orgIDFromContext returns the caller's organization, or "" when the admin
// API runs without authentication.
func orgIDFromContext(ctx context.Context) string {
	if ac := server.GetAuthContext(ctx); ac != nil {
		return ac.OrganizationID
	}
	return ""
}

type errorResponse struct {
	Error *domain.APIError `json:"error"`
}

func writeError(w http.ResponseWriter, err *domain.APIError) {
	writeJSON(w, err.HTTPStatusCode(), errorResponse{Error: err})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
