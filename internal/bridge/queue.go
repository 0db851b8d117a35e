package bridge

import (
	"context"
	"sync"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
)

// frameQueue is a bounded FIFO that drops its oldest frame instead of
// blocking the producer.
type frameQueue struct {
	mu      sync.Mutex
	frames  []domain.AudioFrame
	limit   int
	dropped int64
	ready   chan struct{}
}

func newFrameQueue(limit int) *frameQueue {
	if limit <= 0 {
		limit = 1
	}
	return &frameQueue{
		frames: make([]domain.AudioFrame, 0, limit),
		limit:  limit,
		ready:  make(chan struct{}, 1),
	}
}

// push appends f and reports whether an older frame was discarded to make
// room.
func (q *frameQueue) push(f domain.AudioFrame) bool {
	q.mu.Lock()
	dropped := false
	if len(q.frames) >= q.limit {
		q.frames[0] = domain.AudioFrame{}
		q.frames = q.frames[1:]
		q.dropped++
		dropped = true
	}
	q.frames = append(q.frames, f)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

// pop waits for the next frame or for ctx to end.
func (q *frameQueue) pop(ctx context.Context) (domain.AudioFrame, bool) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames[0] = domain.AudioFrame{}
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return f, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.AudioFrame{}, false
		case <-q.ready:
		}
	}
}

// clear discards everything buffered and returns how many frames it dropped.
// Cleared frames are not counted as drops.
func (q *frameQueue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.frames)
	q.frames = q.frames[:0]
	return n
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *frameQueue) drops() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
