package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tjfontaine/polyglot-call-gateway/internal/adapters/events/direct"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
)

// ErrOutboundDisabled is returned by PlaceCall when no call control is wired.
var ErrOutboundDisabled = errors.New("outbound calling is not configured")

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithOrganizationResolver maps a gateway phone number to its organization
// for calls that arrive without a call record.
func WithOrganizationResolver(fn func(number string) string) Option {
	return func(m *Manager) {
		m.orgFor = fn
	}
}

// Stats summarizes sessions handled since start.
type Stats struct {
	Active    int                        `json:"active"`
	Started   int64                      `json:"started"`
	Finished  int64                      `json:"finished"`
	Rejected  int64                      `json:"rejected"`
	ByReason  map[domain.EndReason]int64 `json:"by_reason"`
	ByOutcome map[domain.Outcome]int64   `json:"by_outcome"`
}

// Manager starts a session for every accepted media stream and tracks it
// until it is finalized.
type Manager struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	orgFor func(string) string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	sessions  map[string]*Session
	byReason  map[domain.EndReason]int64
	byOutcome map[domain.Outcome]int64

	closing  atomic.Bool
	started  atomic.Int64
	finished atomic.Int64
	rejected atomic.Int64
}

// NewManager validates deps and returns a manager.
func NewManager(cfg Config, deps Deps, opts ...Option) (*Manager, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("invalid session dependencies: %w", err)
	}
	if deps.Publisher == nil {
		publisher, err := direct.NewPublisher(deps.Repository)
		if err != nil {
			return nil, fmt.Errorf("create default event publisher: %w", err)
		}
		deps.Publisher = publisher
	}
	cfg.applyDefaults()

	m := &Manager{
		cfg:       cfg,
		deps:      deps,
		logger:    slog.Default(),
		orgFor:    func(string) string { return "" },
		sessions:  make(map[string]*Session),
		byReason:  make(map[domain.EndReason]int64),
		byOutcome: make(map[domain.Outcome]int64),
	}
	for _, opt := range opts {
		opt(m)
	}
	// Sessions outlive the HTTP request that upgraded their stream.
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

// Accept takes ownership of a telephony leg and runs its call in the
// background. It never blocks.
func (m *Manager) Accept(leg ports.TelephonyLeg) {
	if m.closing.Load() {
		m.rejected.Add(1)
		_ = leg.Close()
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.serve(leg)
	}()
}

func (m *Manager) serve(leg ports.TelephonyLeg) {
	startCtx, cancel := context.WithTimeout(m.ctx, m.cfg.StartTimeout)
	start, err := leg.Start(startCtx)
	cancel()
	if err != nil {
		m.rejected.Add(1)
		m.logger.Warn("media stream ended before start", slog.String("error", err.Error()))
		_ = leg.Close()
		return
	}

	record, customer, err := m.resolveCall(m.ctx, start)
	if err != nil {
		m.rejected.Add(1)
		m.logger.Error("failed to resolve call for media stream",
			slog.String("call_sid", start.CallSID),
			slog.String("error", err.Error()),
		)
		_ = leg.Close()
		return
	}

	if err := m.deps.Repository.UpdateCallStatus(m.ctx, record.CallSID, domain.CallStatusInProgress, 0); err != nil {
		m.logger.Warn("failed to mark call in progress",
			slog.String("call_sid", record.CallSID),
			slog.String("error", err.Error()),
		)
	}

	m.mu.Lock()
	if _, exists := m.sessions[record.ID]; exists {
		m.mu.Unlock()
		m.rejected.Add(1)
		m.logger.Warn("call already has a live session", slog.String("session_id", record.ID))
		_ = leg.Close()
		return
	}
	s := newSession(m.cfg, m.deps, record, customer, start, leg, m.logger)
	m.sessions[s.ID()] = s
	if m.closing.Load() {
		s.Stop(domain.EndReasonShutdown)
	}
	m.mu.Unlock()
	m.started.Add(1)

	s.Run(m.ctx)

	info := s.Info()
	m.mu.Lock()
	delete(m.sessions, s.ID())
	m.byReason[info.Session.EndReason]++
	m.byOutcome[info.Session.Outcome]++
	m.mu.Unlock()
	m.finished.Add(1)
}

// resolveCall finds the call record the stream belongs to, creating it for
// streams that arrive without one, and loads the customer.
func (m *Manager) resolveCall(ctx context.Context, start domain.CallStart) (*domain.CallRecord, *domain.Customer, error) {
	repo := m.deps.Repository

	var (
		record *domain.CallRecord
		err    error
	)
	if id := start.Parameters["call_id"]; id != "" {
		record, err = repo.GetCall(ctx, id)
		if err == nil && start.CallSID != "" && record.CallSID != start.CallSID {
			return nil, nil, fmt.Errorf("call %s belongs to %s, not %s", id, record.CallSID, start.CallSID)
		}
	} else {
		record, err = repo.GetCallBySID(ctx, start.CallSID)
	}
	if err != nil && !errors.Is(err, domain.ErrRecordNotFound) {
		return nil, nil, fmt.Errorf("failed to load call: %w", err)
	}

	var customer *domain.Customer
	customerID := start.Parameters["customer_id"]
	if record != nil && record.CustomerID != "" {
		customerID = record.CustomerID
	}
	if customerID != "" {
		customer, err = repo.GetCustomer(ctx, customerID)
		if err != nil && !errors.Is(err, domain.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("failed to load customer: %w", err)
		}
	} else if start.From != "" {
		customer, err = repo.ResolveCustomer(ctx, start.From)
		if err != nil && !errors.Is(err, domain.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("failed to resolve customer: %w", err)
		}
	}

	if record != nil {
		return record, customer, nil
	}
	if start.CallSID == "" {
		return nil, nil, fmt.Errorf("media stream has no call sid")
	}

	record = &domain.CallRecord{
		CallSID:        start.CallSID,
		OrganizationID: m.orgFor(start.To),
		CallType:       domain.CallTypeCollections,
		Direction:      domain.DirectionInbound,
		Status:         domain.CallStatusInitiated,
		State:          domain.StateRinging,
	}
	if customer != nil {
		record.CustomerID = customer.ID
	}
	if err := repo.CreateCall(ctx, record); err != nil {
		if !errors.Is(err, domain.ErrDuplicate) {
			return nil, nil, fmt.Errorf("failed to create call: %w", err)
		}
		if record, err = repo.GetCallBySID(ctx, start.CallSID); err != nil {
			return nil, nil, fmt.Errorf("failed to load call: %w", err)
		}
	}
	return record, customer, nil
}

// OutboundRequest asks for a call to a customer.
type OutboundRequest struct {
	// CustomerID or To selects the callee. CustomerID wins when both are set.
	CustomerID     string
	To             string
	From           string
	OrganizationID string
	Parameters     map[string]string
}

// PlaceCall dials a customer and records the call. The session itself starts
// when the callee answers and Twilio opens the media stream.
func (m *Manager) PlaceCall(ctx context.Context, req OutboundRequest) (*domain.CallRecord, error) {
	if m.deps.CallControl == nil {
		return nil, ErrOutboundDisabled
	}
	if m.closing.Load() {
		return nil, domain.ErrSessionClosed
	}

	repo := m.deps.Repository
	var (
		customer *domain.Customer
		err      error
	)
	switch {
	case req.CustomerID != "":
		customer, err = repo.GetCustomer(ctx, req.CustomerID)
	case req.To != "":
		customer, err = repo.ResolveCustomer(ctx, req.To)
	default:
		return nil, fmt.Errorf("customer id or destination number required")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find customer: %w", err)
	}
	if req.To != "" && req.CustomerID != "" && req.To != customer.Phone {
		m.logger.Warn("outbound destination differs from customer phone, dialing customer phone",
			slog.String("customer_id", customer.ID),
		)
	}

	sid, err := m.deps.CallControl.Dial(ctx, ports.OutboundCall{
		To:         customer.Phone,
		From:       req.From,
		Parameters: req.Parameters,
	})
	if err != nil {
		return nil, err
	}

	record := &domain.CallRecord{
		CallSID:        sid,
		CustomerID:     customer.ID,
		OrganizationID: req.OrganizationID,
		CallType:       domain.CallTypeCollections,
		Direction:      domain.DirectionOutbound,
		Status:         domain.CallStatusInitiated,
		State:          domain.StateRinging,
		ExtraData:      req.Parameters,
	}
	if err := repo.CreateCall(ctx, record); err != nil {
		if !errors.Is(err, domain.ErrDuplicate) {
			return nil, fmt.Errorf("failed to record outbound call: %w", err)
		}
		// The voice webhook won the race.
		if record, err = repo.GetCallBySID(ctx, sid); err != nil {
			return nil, fmt.Errorf("failed to load outbound call: %w", err)
		}
	}
	m.logger.Info("outbound call placed",
		slog.String("call_sid", sid),
		slog.String("call_id", record.ID),
		slog.String("customer_id", customer.ID),
	)
	return record, nil
}

// Session returns the live session for a call ID.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions lists live sessions, oldest first.
func (m *Manager) Sessions() []Info {
	m.mu.RLock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(live))
	for _, s := range live {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Session.StartedAt.Before(infos[j].Session.StartedAt)
	})
	return infos
}

// Stats returns session counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{
		Active:    len(m.sessions),
		Started:   m.started.Load(),
		Finished:  m.finished.Load(),
		Rejected:  m.rejected.Load(),
		ByReason:  make(map[domain.EndReason]int64, len(m.byReason)),
		ByOutcome: make(map[domain.Outcome]int64, len(m.byOutcome)),
	}
	for k, v := range m.byReason {
		st.ByReason[k] = v
	}
	for k, v := range m.byOutcome {
		st.ByOutcome[k] = v
	}
	return st
}

// Shutdown stops every live session with reason shutdown and waits for them
// to be finalized, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closing.Store(true)

	m.mu.RLock()
	for _, s := range m.sessions {
		s.Stop(domain.EndReasonShutdown)
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		m.logger.Info("all call sessions finalized")
		return nil
	case <-ctx.Done():
		// Abort anything still waiting on a leg.
		m.cancel()
		select {
		case <-done:
			return nil
		case <-time.After(m.cfg.StopTimeout):
		}
		return fmt.Errorf("sessions still running at shutdown: %w", ctx.Err())
	}
}
