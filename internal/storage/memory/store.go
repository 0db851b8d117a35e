package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
)

// Store is an in-memory implementation of ports.StorageProvider.
// Records are copied on the way in and out.
type Store struct {
	mu           sync.RWMutex
	customers    map[string]*domain.Customer
	phones       map[string]string
	calls        map[string]*domain.CallRecord
	sids         map[string]string
	transcripts  map[string]map[int64]*domain.TranscriptEntry
	arrangements map[string][]*domain.Arrangement
}

var _ ports.StorageProvider = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		customers:    make(map[string]*domain.Customer),
		phones:       make(map[string]string),
		calls:        make(map[string]*domain.CallRecord),
		sids:         make(map[string]string),
		transcripts:  make(map[string]map[int64]*domain.TranscriptEntry),
		arrangements: make(map[string][]*domain.Arrangement),
	}
}

func (s *Store) ResolveCustomer(ctx context.Context, phone string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.phones[phone]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	c := *s.customers[id]
	return &c, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[id]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) UpsertCustomer(ctx context.Context, c *domain.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if id, ok := s.phones[c.Phone]; ok {
		c.ID = id
		c.CreatedAt = s.customers[id].CreatedAt
	} else {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
	}
	c.UpdatedAt = now

	cp := *c
	s.customers[c.ID] = &cp
	s.phones[c.Phone] = c.ID
	return nil
}

func (s *Store) CreateCall(ctx context.Context, call *domain.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sids[call.CallSID]; exists {
		return fmt.Errorf("call %s: %w", call.CallSID, domain.ErrDuplicate)
	}

	now := time.Now().UTC()
	if call.ID == "" {
		call.ID = uuid.New().String()
	}
	if call.StartedAt.IsZero() {
		call.StartedAt = now
	}
	if call.CallType == "" {
		call.CallType = domain.CallTypeCollections
	}
	if call.Direction == "" {
		call.Direction = domain.DirectionInbound
	}
	if call.Status == "" {
		call.Status = domain.CallStatusInitiated
	}
	if call.State == "" {
		call.State = domain.StateRinging
	}
	call.CreatedAt = now
	call.UpdatedAt = now

	cp := *call
	s.calls[call.ID] = &cp
	s.sids[call.CallSID] = call.ID
	return nil
}

func (s *Store) GetCall(ctx context.Context, id string) (*domain.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	call, ok := s.calls[id]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	cp := *call
	return &cp, nil
}

func (s *Store) GetCallBySID(ctx context.Context, callSID string) (*domain.CallRecord, error) {
	s.mu.RLock()
	id, ok := s.sids[callSID]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return s.GetCall(ctx, id)
}

func (s *Store) ListCalls(ctx context.Context, opts ports.ListOptions) ([]*domain.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.CallRecord
	for _, call := range s.calls {
		if opts.OrganizationID != "" && call.OrganizationID != opts.OrganizationID {
			continue
		}
		if opts.CustomerID != "" && call.CustomerID != opts.CustomerID {
			continue
		}
		if !opts.Since.IsZero() && call.StartedAt.Before(opts.Since) {
			continue
		}
		cp := *call
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})

	// Simple pagination
	start := opts.Offset
	if start >= len(result) {
		return []*domain.CallRecord{}, nil
	}

	end := start + opts.Limit
	if opts.Limit == 0 || end > len(result) {
		end = len(result)
	}

	return result[start:end], nil
}

func (s *Store) UpdateCallStatus(ctx context.Context, callSID string, status domain.CallStatus, durationSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.sids[callSID]
	if !ok {
		return fmt.Errorf("call %s: %w", callSID, domain.ErrRecordNotFound)
	}
	call := s.calls[id]
	call.Status = status
	call.DurationSeconds = durationSeconds
	call.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) UpdateCallOutcome(ctx context.Context, callID string, update domain.CallOutcomeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[callID]
	if !ok {
		return fmt.Errorf("call %s: %w", callID, domain.ErrRecordNotFound)
	}
	call.State = update.State
	call.Ended = update.Ended
	call.Outcome = update.Outcome
	call.EndReason = update.EndReason
	if !update.EndedAt.IsZero() {
		t := update.EndedAt.UTC()
		call.EndedAt = &t
	}
	call.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) AppendTranscriptEntry(ctx context.Context, callID string, e *domain.TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.transcripts[callID]
	if !ok {
		entries = make(map[int64]*domain.TranscriptEntry)
		s.transcripts[callID] = entries
	}
	if _, exists := entries[e.Sequence]; exists {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CallID = callID

	cp := *e
	entries[e.Sequence] = &cp
	return nil
}

func (s *Store) ListTranscript(ctx context.Context, callID string) ([]*domain.TranscriptEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.transcripts[callID]
	result := make([]*domain.TranscriptEntry, 0, len(entries))
	for _, e := range entries {
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Sequence < result[j].Sequence
	})
	return result, nil
}

func (s *Store) RecordArrangement(ctx context.Context, a *domain.Arrangement) (*domain.Arrangement, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.arrangements[a.CallID] {
		if existing.OptionID == a.OptionID && existing.Method == a.Method {
			cp := *existing
			return &cp, false, nil
		}
	}

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	stored := *a
	s.arrangements[a.CallID] = append(s.arrangements[a.CallID], &stored)

	cp := stored
	return &cp, true, nil
}

func (s *Store) ListArrangements(ctx context.Context, callID string) ([]*domain.Arrangement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Arrangement, 0, len(s.arrangements[callID]))
	for _, a := range s.arrangements[callID] {
		cp := *a
		result = append(result, &cp)
	}
	return result, nil
}

func (s *Store) Close() error {
	return nil
}
