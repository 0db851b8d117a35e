// Package direct provides a direct event publisher that writes to storage.
package direct

import (
	"context"
	"fmt"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
)

// Publisher implements ports.EventPublisher by writing directly to storage.
// This is the default implementation for single-instance deployments.
type Publisher struct {
	store ports.TranscriptStore
}

var _ ports.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a new direct event publisher.
func NewPublisher(store ports.TranscriptStore) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("storage provider required")
	}

	return &Publisher{
		store: store,
	}, nil
}

// Publish writes a transcript entry directly to storage.
func (p *Publisher) Publish(ctx context.Context, entry *domain.TranscriptEntry) error {
	if entry.CallID == "" {
		return fmt.Errorf("transcript entry %d has no call id", entry.Sequence)
	}
	return p.store.AppendTranscriptEntry(ctx, entry.CallID, entry)
}

// Close is a no-op for direct publisher.
func (p *Publisher) Close() error {
	return nil
}
