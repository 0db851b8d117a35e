// Package transcript assigns per-call sequence numbers to transcript entries
// and persists them in order without blocking the caller.
package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
)

// Config controls persistence retries.
type Config struct {
	Retries        int
	Backoff        time.Duration
	PersistTimeout time.Duration
}

// TokenCounter counts tokens in a spoken turn.
type TokenCounter interface {
	Count(text string) int
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the writer's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) {
		w.logger = logger
	}
}

// WithTokenCounter enables token counts on speech turns.
func WithTokenCounter(counter TokenCounter) Option {
	return func(w *Writer) {
		w.counter = counter
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		w.now = now
	}
}

// Writer is the single source of sequence numbers for one call.
//
// Append assigns the next sequence under a mutex and enqueues the entry on an
// unbounded in-memory queue; a single persister goroutine drains the queue in
// sequence order. An entry that still fails after its retries is held, and so
// is everything behind it, so storage never sees a later entry before an
// earlier one.
type Writer struct {
	callID    string
	publisher ports.EventPublisher
	cfg       Config
	counter   TokenCounter
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	seq     int64
	closed  bool
	queue   []*domain.TranscriptEntry
	held    []*domain.TranscriptEntry
	written int64

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewWriter starts a writer for callID.
func NewWriter(callID string, publisher ports.EventPublisher, cfg Config, opts ...Option) *Writer {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 50 * time.Millisecond
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}

	w := &Writer{
		callID:    callID,
		publisher: publisher,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(slog.String("call_id", callID))
	w.ctx, w.cancel = context.WithCancel(context.Background())

	go w.persistLoop()
	return w
}

// CallID returns the call this writer sequences.
func (w *Writer) CallID() string {
	return w.callID
}

// Append sequences e and queues it for persistence. It never waits on storage.
// After Close it returns domain.ErrSessionClosed.
func (w *Writer) Append(e domain.TranscriptEntry) (domain.TranscriptEntry, error) {
	if e.Type == domain.EntrySpeechTurn && e.TokenCount == 0 && w.counter != nil {
		e.TokenCount = w.counter.Count(e.Text)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return e, domain.ErrSessionClosed
	}
	w.seq++
	e.Sequence = w.seq
	e.CallID = w.callID
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = w.now().UTC()
	}
	queued := e
	w.queue = append(w.queue, &queued)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return e, nil
}

// LastSequence returns the most recently assigned sequence number.
func (w *Writer) LastSequence() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Stats reports how many entries were persisted and how many are held.
func (w *Writer) Stats() (persisted int64, held int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written, len(w.held)
}

func (w *Writer) persistLoop() {
	defer close(w.done)
	for {
		select {
		case <-w.wake:
			w.drain(w.ctx)
		case <-w.stop:
			w.drain(w.ctx)
			return
		}
	}
}

// drain persists everything queued so far, in order.
func (w *Writer) drain(ctx context.Context) {
	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()
		if len(batch) == 0 {
			return
		}

		// A held backlog gets one more chance before anything newer is written.
		if w.heldCount() > 0 {
			w.flushHeld(ctx, false)
		}

		for _, e := range batch {
			if w.heldCount() > 0 {
				w.hold(e)
				continue
			}
			if err := w.persist(ctx, e, true); err != nil {
				w.logger.Warn("transcript entry held after retries",
					slog.Int64("sequence", e.Sequence),
					slog.String("type", string(e.Type)),
					slog.String("error", err.Error()))
				w.hold(e)
				continue
			}
			w.markWritten()
		}
	}
}

func (w *Writer) persist(ctx context.Context, e *domain.TranscriptEntry, withRetries bool) error {
	publish := func(ctx context.Context) error {
		pctx, cancel := context.WithTimeout(ctx, w.cfg.PersistTimeout)
		defer cancel()
		return w.publisher.Publish(pctx, e)
	}

	if !withRetries || w.cfg.Retries == 0 {
		return publish(ctx)
	}

	b := retry.WithMaxRetries(uint64(w.cfg.Retries), retry.NewExponential(w.cfg.Backoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := publish(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// flushHeld writes held entries in order and stops at the first failure.
func (w *Writer) flushHeld(ctx context.Context, withRetries bool) {
	for {
		w.mu.Lock()
		if len(w.held) == 0 {
			w.mu.Unlock()
			return
		}
		e := w.held[0]
		w.mu.Unlock()

		if err := w.persist(ctx, e, withRetries); err != nil {
			return
		}

		w.mu.Lock()
		w.held = w.held[1:]
		w.written++
		w.mu.Unlock()
	}
}

func (w *Writer) heldCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.held)
}

func (w *Writer) hold(e *domain.TranscriptEntry) {
	w.mu.Lock()
	w.held = append(w.held, e)
	w.mu.Unlock()
}

func (w *Writer) markWritten() {
	w.mu.Lock()
	w.written++
	w.mu.Unlock()
}

// Close stops accepting entries, waits for the queue to drain, and retries
// anything held one last time. It returns an error naming every entry that
// could not be persisted. Close is idempotent.
func (w *Writer) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.stop)

		select {
		case <-w.done:
		case <-ctx.Done():
			w.cancel()
			w.closeErr = fmt.Errorf("transcript drain for call %s: %w", w.callID, ctx.Err())
			w.logger.Error("transcript drain interrupted", slog.String("error", ctx.Err().Error()))
			return
		}

		w.flushHeld(ctx, true)
		w.cancel()

		w.mu.Lock()
		lost := make([]string, 0, len(w.held))
		for _, e := range w.held {
			lost = append(lost, fmt.Sprintf("%d:%s", e.Sequence, e.Type))
		}
		w.mu.Unlock()

		if len(lost) > 0 {
			w.closeErr = fmt.Errorf("transcript for call %s: %d entries not persisted [%s]",
				w.callID, len(lost), strings.Join(lost, ", "))
			w.logger.Error("transcript entries not persisted",
				slog.Int("count", len(lost)),
				slog.String("entries", strings.Join(lost, ", ")))
		}
	})
	return w.closeErr
}
