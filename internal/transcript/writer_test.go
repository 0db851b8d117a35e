package transcript

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-call-gateway/internal/adapters/events/direct"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-call-gateway/internal/storage/memory"
)

// flakyPublisher records published sequences and fails while failing is set.
type flakyPublisher struct {
	mu       sync.Mutex
	failing  bool
	attempts int
	seqs     []int64
}

func (p *flakyPublisher) Publish(ctx context.Context, e *domain.TranscriptEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.failing {
		return errors.New("database is locked")
	}
	p.seqs = append(p.seqs, e.Sequence)
	return nil
}

func (p *flakyPublisher) Close() error { return nil }

func (p *flakyPublisher) setFailing(v bool) {
	p.mu.Lock()
	p.failing = v
	p.mu.Unlock()
}

func (p *flakyPublisher) published() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.seqs...)
}

type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

var fastConfig = Config{Retries: 2, Backoff: time.Millisecond, PersistTimeout: time.Second}

func TestWriter_SequencesAreGaplessUnderConcurrency(t *testing.T) {
	store := memory.New()
	pub, err := direct.NewPublisher(store)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	w := NewWriter("call-1", pub, fastConfig)

	const producers, perProducer = 8, 50
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				if _, err := w.Append(domain.TranscriptEntry{Type: domain.EntrySpeechTurn, Text: "hi"}); err != nil {
					t.Errorf("Append() error = %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	entries, err := store.ListTranscript(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("ListTranscript() error = %v", err)
	}
	if len(entries) != producers*perProducer {
		t.Fatalf("len(entries) = %d, want %d", len(entries), producers*perProducer)
	}
	for i, e := range entries {
		if e.Sequence != int64(i+1) {
			t.Fatalf("entries[%d].Sequence = %d, want %d", i, e.Sequence, i+1)
		}
	}
}

func TestWriter_PersistsInOrder(t *testing.T) {
	pub := &flakyPublisher{}
	w := NewWriter("call-2", pub, fastConfig)

	for i := 0; i < 20; i++ {
		w.Append(domain.TranscriptEntry{Type: domain.EntryLifecycle})
	}
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	seqs := pub.published()
	for i, s := range seqs {
		if s != int64(i+1) {
			t.Fatalf("published[%d] = %d, want %d", i, s, i+1)
		}
	}
}

func TestWriter_AppendAssignsFields(t *testing.T) {
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	w := NewWriter("call-3", &flakyPublisher{}, fastConfig,
		WithClock(func() time.Time { return fixed }),
		WithTokenCounter(wordCounter{}))
	defer w.Close(context.Background())

	e, err := w.Append(domain.TranscriptEntry{Type: domain.EntrySpeechTurn, Speaker: domain.SpeakerCustomer, Text: "I can pay today"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if e.Sequence != 1 || e.CallID != "call-3" || e.ID == "" {
		t.Errorf("Append() = %+v", e)
	}
	if !e.Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", e.Timestamp, fixed)
	}
	if e.TokenCount != 4 {
		t.Errorf("TokenCount = %d, want 4", e.TokenCount)
	}

	tool, _ := w.Append(domain.TranscriptEntry{Type: domain.EntryToolInvocation, Text: "not counted"})
	if tool.TokenCount != 0 {
		t.Errorf("tool entry TokenCount = %d, want 0", tool.TokenCount)
	}
	if w.LastSequence() != 2 {
		t.Errorf("LastSequence() = %d, want 2", w.LastSequence())
	}
}

func TestWriter_HeldEntriesFlushOnClose(t *testing.T) {
	pub := &flakyPublisher{failing: true}
	w := NewWriter("call-4", pub, fastConfig)

	for i := 0; i < 3; i++ {
		w.Append(domain.TranscriptEntry{Type: domain.EntryLifecycle})
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, held := w.Stats(); held == 3 {
			break
		}
		if time.Now().After(deadline) {
			_, held := w.Stats()
			t.Fatalf("held = %d, want 3", held)
		}
		time.Sleep(5 * time.Millisecond)
	}

	pub.setFailing(false)
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	seqs := pub.published()
	if len(seqs) != 3 || seqs[0] != 1 || seqs[2] != 3 {
		t.Errorf("published = %v, want [1 2 3]", seqs)
	}
	if persisted, held := w.Stats(); persisted != 3 || held != 0 {
		t.Errorf("Stats() = %d, %d, want 3, 0", persisted, held)
	}
}

func TestWriter_CloseReportsLostEntries(t *testing.T) {
	pub := &flakyPublisher{failing: true}
	w := NewWriter("call-5", pub, fastConfig)

	w.Append(domain.TranscriptEntry{Type: domain.EntryLifecycle})
	w.Append(domain.TranscriptEntry{Type: domain.EntrySpeechTurn})

	err := w.Close(context.Background())
	if err == nil {
		t.Fatal("Close() error = nil, want error")
	}
	if !strings.Contains(err.Error(), "2 entries not persisted") {
		t.Errorf("Close() error = %v", err)
	}
	if !strings.Contains(err.Error(), "1:lifecycle") || !strings.Contains(err.Error(), "2:speech_turn") {
		t.Errorf("Close() error does not list entries: %v", err)
	}

	// Close is idempotent.
	if err2 := w.Close(context.Background()); err2 != err {
		t.Errorf("second Close() = %v, want %v", err2, err)
	}
}

func TestWriter_AppendAfterClose(t *testing.T) {
	w := NewWriter("call-6", &flakyPublisher{}, fastConfig)
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := w.Append(domain.TranscriptEntry{Type: domain.EntryLifecycle}); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("Append() after Close error = %v, want ErrSessionClosed", err)
	}
}

func TestWriter_AppendDoesNotBlockOnStorage(t *testing.T) {
	block := make(chan struct{})
	pub := &blockingPublisher{release: block}
	w := NewWriter("call-7", pub, fastConfig)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			w.Append(domain.TranscriptEntry{Type: domain.EntrySpeechTurn})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Append blocked on a stalled publisher")
	}

	close(block)
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

type blockingPublisher struct {
	release chan struct{}
}

func (p *blockingPublisher) Publish(ctx context.Context, e *domain.TranscriptEntry) error {
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *blockingPublisher) Close() error { return nil }
