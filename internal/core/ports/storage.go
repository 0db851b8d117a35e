package ports

import (
	"context"
	"time"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
)

// CustomerStore resolves debtor records. The orchestrator never mutates them;
// UpsertCustomer exists for seeding.
type CustomerStore interface {
	// ResolveCustomer finds the customer owning a phone number.
	// Returns domain.ErrRecordNotFound when nobody matches.
	ResolveCustomer(ctx context.Context, phone string) (*domain.Customer, error)

	// GetCustomer retrieves a customer by ID.
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)

	// UpsertCustomer inserts or replaces a customer keyed by phone.
	UpsertCustomer(ctx context.Context, customer *domain.Customer) error
}

// CallStore persists call records.
type CallStore interface {
	// CreateCall inserts a call record. Returns domain.ErrDuplicate if the
	// call SID already exists.
	CreateCall(ctx context.Context, call *domain.CallRecord) error

	// GetCall retrieves a call by ID.
	GetCall(ctx context.Context, id string) (*domain.CallRecord, error)

	// GetCallBySID retrieves a call by its telephony identifier.
	GetCallBySID(ctx context.Context, callSID string) (*domain.CallRecord, error)

	// ListCalls lists calls, newest first.
	ListCalls(ctx context.Context, opts ListOptions) ([]*domain.CallRecord, error)

	// UpdateCallStatus records a telephony status callback.
	UpdateCallStatus(ctx context.Context, callSID string, status domain.CallStatus, durationSeconds int) error

	// UpdateCallOutcome finalizes the business state of a call.
	UpdateCallOutcome(ctx context.Context, callID string, update domain.CallOutcomeUpdate) error
}

// TranscriptStore persists transcript entries.
type TranscriptStore interface {
	// AppendTranscriptEntry writes one entry. Writing an entry whose
	// (call, sequence) already exists is a no-op.
	AppendTranscriptEntry(ctx context.Context, callID string, entry *domain.TranscriptEntry) error

	// ListTranscript returns a call's entries ordered by sequence.
	ListTranscript(ctx context.Context, callID string) ([]*domain.TranscriptEntry, error)
}

// ArrangementStore persists payment arrangements.
type ArrangementStore interface {
	// RecordArrangement inserts the arrangement unless one already exists for
	// (call, option, method). It returns the stored arrangement and whether
	// this call created it.
	RecordArrangement(ctx context.Context, arrangement *domain.Arrangement) (*domain.Arrangement, bool, error)

	// ListArrangements returns the arrangements recorded on a call.
	ListArrangements(ctx context.Context, callID string) ([]*domain.Arrangement, error)
}

// Repository is everything the orchestrator needs from persistence.
type Repository interface {
	CustomerStore
	CallStore
	TranscriptStore
	ArrangementStore
}

// StorageProvider is a Repository with a lifecycle.
// Implementations: SQL (sqlite, postgres), memory.
type StorageProvider interface {
	Repository
	Close() error
}

// ListOptions defines options for listing calls.
type ListOptions struct {
	OrganizationID string
	CustomerID     string
	Since          time.Time
	Limit          int
	Offset         int
}
