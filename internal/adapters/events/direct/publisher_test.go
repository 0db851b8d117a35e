package direct

import (
	"context"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-call-gateway/internal/storage/memory"
)

func TestNewPublisher_NilStorage(t *testing.T) {
	_, err := NewPublisher(nil)
	if err == nil {
		t.Fatal("Expected error for nil storage")
	}
	if err.Error() != "storage provider required" {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestPublish(t *testing.T) {
	store := memory.New()
	publisher, err := NewPublisher(store)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	defer publisher.Close()

	ctx := context.Background()
	entry := domain.LifecycleEntry(domain.LifecycleCallStarted, map[string]string{"from": "+15551234567"})
	entry.CallID = "call-1"
	entry.Sequence = 1
	entry.Timestamp = time.Now()

	if err := publisher.Publish(ctx, &entry); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	got, err := store.ListTranscript(ctx, "call-1")
	if err != nil {
		t.Fatalf("ListTranscript() error = %v", err)
	}
	if len(got) != 1 || got[0].Event != domain.LifecycleCallStarted {
		t.Errorf("ListTranscript() = %+v", got)
	}
}

func TestPublish_MissingCallID(t *testing.T) {
	publisher, _ := NewPublisher(memory.New())
	entry := &domain.TranscriptEntry{Sequence: 1}
	if err := publisher.Publish(context.Background(), entry); err == nil {
		t.Error("Publish() error = nil, want error")
	}
}
