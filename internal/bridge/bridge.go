// Package bridge relays audio between the telephony leg and the speech leg of
// one call.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/tjfontaine/polyglot-call-gateway/internal/audio"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
)

// Config tunes the pumps.
type Config struct {
	// Watermark is the per-direction queue size in frames.
	Watermark        int
	WriteTimeout     time.Duration
	TransientRetries int
	TransientBackoff time.Duration
	// StopTimeout bounds how long Stop waits for the pumps.
	StopTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Watermark <= 0 {
		c.Watermark = 50
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.TransientRetries < 0 {
		c.TransientRetries = 0
	}
	if c.TransientBackoff <= 0 {
		c.TransientBackoff = 20 * time.Millisecond
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 2 * time.Second
	}
}

// Recorder appends sequenced transcript entries.
type Recorder interface {
	Append(e domain.TranscriptEntry) (domain.TranscriptEntry, error)
}

// Handlers receive the speech leg's control messages. Handlers run on the
// speech reader goroutine and must not block.
type Handlers struct {
	OnToolCall   func(call domain.ToolCall)
	OnTranscript func(speaker domain.Speaker, text string)
}

// Exit is reported once, when the first pump stops on its own.
type Exit struct {
	Reason domain.EndReason
	// Lost is set when a leg dropped unexpectedly.
	Lost *domain.TransportLost
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithRecorder sets where lifecycle entries are written.
func WithRecorder(r Recorder) Option {
	return func(b *Bridge) {
		b.recorder = r
	}
}

// WithHandlers routes speech control messages.
func WithHandlers(h Handlers) Option {
	return func(b *Bridge) {
		b.handlers = h
	}
}

// WithFinalState is called once by Stop to learn the state the call ended
// in.
func WithFinalState(fn func() domain.CallState) Option {
	return func(b *Bridge) {
		b.finalState = fn
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		b.now = now
	}
}

// Stats counts frames per direction.
type Stats struct {
	FramesInbound   int64 `json:"frames_inbound"`
	FramesOutbound  int64 `json:"frames_outbound"`
	DroppedInbound  int64 `json:"dropped_inbound"`
	DroppedOutbound int64 `json:"dropped_outbound"`
}

// Bridge runs two independent pumps: telephony to speech (inbound) and
// speech to telephony (outbound). Each pump is a reader goroutine feeding a
// bounded queue and a writer goroutine draining it, so a stalled leg only
// ever fills its own queue.
type Bridge struct {
	cfg        Config
	telephony  ports.TelephonyLeg
	speech     ports.SpeechLeg
	handlers   Handlers
	recorder   Recorder
	finalState func() domain.CallState
	logger     *slog.Logger
	now        func() time.Time

	inboundConv  *audio.Converter
	outboundConv *audio.Converter
	inbound      *frameQueue
	outbound     *frameQueue

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closing atomic.Bool
	started atomic.Bool

	startedAt time.Time
	framesIn  atomic.Int64
	framesOut atomic.Int64

	exitOnce sync.Once
	exits    chan Exit
	lostMu   sync.Mutex
	lost     *domain.TransportLost

	stopOnce sync.Once
	ended    domain.CallEndedData
	done     chan struct{}
}

// New creates a bridge between two legs. Frames are converted only when the
// legs' formats differ.
func New(cfg Config, telephony ports.TelephonyLeg, speech ports.SpeechLeg, opts ...Option) (*Bridge, error) {
	cfg.applyDefaults()

	inboundConv, err := audio.NewConverter(telephony.Format(), speech.Format())
	if err != nil {
		return nil, fmt.Errorf("failed to create inbound converter: %w", err)
	}
	outboundConv, err := audio.NewConverter(speech.Format(), telephony.Format())
	if err != nil {
		return nil, fmt.Errorf("failed to create outbound converter: %w", err)
	}

	b := &Bridge{
		cfg:          cfg,
		telephony:    telephony,
		speech:       speech,
		logger:       slog.Default(),
		now:          time.Now,
		inboundConv:  inboundConv,
		outboundConv: outboundConv,
		inbound:      newFrameQueue(cfg.Watermark),
		outbound:     newFrameQueue(cfg.Watermark),
		exits:        make(chan Exit, 1),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Start launches the four pump goroutines. Both legs must already be live.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return fmt.Errorf("bridge already started")
	}
	if b.closing.Load() {
		return domain.ErrSessionClosed
	}

	b.ctx, b.cancel = context.WithCancel(ctx)
	b.startedAt = b.now()

	b.wg.Add(4)
	go b.readTelephony()
	go b.writeSpeech()
	go b.readSpeech()
	go b.writeTelephony()

	b.logger.Info("bridge started",
		slog.String("telephony_format", b.telephony.Format().String()),
		slog.String("speech_format", b.speech.Format().String()),
		slog.Bool("transcoding", !b.inboundConv.Passthrough()),
	)
	return nil
}

// Exits delivers the first reason the bridge stopped relaying by itself.
func (b *Bridge) Exits() <-chan Exit {
	return b.exits
}

// Done is closed once Stop has finished.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Stats returns the current frame counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		FramesInbound:   b.framesIn.Load(),
		FramesOutbound:  b.framesOut.Load(),
		DroppedInbound:  b.inbound.drops(),
		DroppedOutbound: b.outbound.drops(),
	}
}

// Stop tears the bridge down and records the single call_ended entry. Later
// calls return the data recorded by the first.
func (b *Bridge) Stop(reason domain.EndReason) domain.CallEndedData {
	b.stopOnce.Do(func() {
		b.closing.Store(true)
		if b.cancel != nil {
			b.cancel()
		}

		if err := b.telephony.Close(); err != nil && !errors.Is(err, domain.ErrLegClosed) {
			b.logger.Warn("failed to close telephony leg", slog.String("error", err.Error()))
		}
		if err := b.speech.Close(); err != nil && !errors.Is(err, domain.ErrLegClosed) {
			b.logger.Warn("failed to close speech leg", slog.String("error", err.Error()))
		}

		waited := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(b.cfg.StopTimeout):
			b.logger.Warn("bridge pumps did not stop in time", slog.Duration("timeout", b.cfg.StopTimeout))
		}

		stats := b.Stats()
		data := domain.CallEndedData{
			Reason:          reason,
			FinalState:      b.state(),
			FramesInbound:   stats.FramesInbound,
			FramesOutbound:  stats.FramesOutbound,
			DroppedInbound:  stats.DroppedInbound,
			DroppedOutbound: stats.DroppedOutbound,
		}
		if !b.startedAt.IsZero() {
			data.DurationSeconds = b.now().Sub(b.startedAt).Seconds()
		}
		if lost := b.lostErr(); lost != nil {
			data.Error = lost.Error()
		}
		b.ended = data
		b.record(domain.LifecycleEntry(domain.LifecycleCallEnded, data))

		b.logger.Info("bridge stopped",
			slog.String("reason", string(reason)),
			slog.String("final_state", string(data.FinalState)),
			slog.Int64("frames_inbound", data.FramesInbound),
			slog.Int64("frames_outbound", data.FramesOutbound),
			slog.Int64("dropped_inbound", data.DroppedInbound),
			slog.Int64("dropped_outbound", data.DroppedOutbound),
		)
		close(b.done)
	})
	return b.ended
}

func (b *Bridge) state() domain.CallState {
	if b.finalState == nil {
		return ""
	}
	return b.finalState()
}

// exit reports why relaying stopped and halts both pumps. Only the first
// call has any effect.
func (b *Bridge) exit(e Exit) {
	b.exitOnce.Do(func() {
		if e.Lost != nil {
			b.lostMu.Lock()
			b.lost = e.Lost
			b.lostMu.Unlock()
			b.logger.Error("transport lost",
				slog.String("side", string(e.Lost.Side)),
				slog.String("error", e.Lost.Error()),
			)
			b.record(domain.LifecycleEntry(domain.LifecycleTransportLost, map[string]string{
				"side":  string(e.Lost.Side),
				"error": e.Lost.Error(),
			}))
		}
		b.cancel()
		b.exits <- e
	})
}

func (b *Bridge) lostErr() *domain.TransportLost {
	b.lostMu.Lock()
	defer b.lostMu.Unlock()
	return b.lost
}

// readFailed classifies a reader error. Errors after Stop began are expected.
func (b *Bridge) readFailed(side domain.Side, err error, eofReason domain.EndReason) {
	if b.closing.Load() || b.ctx.Err() != nil {
		return
	}
	if errors.Is(err, io.EOF) {
		b.exit(Exit{Reason: eofReason})
		return
	}
	b.exit(Exit{Reason: domain.EndReasonError, Lost: &domain.TransportLost{Side: side, Err: err}})
}

func (b *Bridge) writeFailed(side domain.Side, err error) {
	if b.closing.Load() || b.ctx.Err() != nil {
		return
	}
	b.exit(Exit{Reason: domain.EndReasonError, Lost: &domain.TransportLost{Side: side, Err: err}})
}

func (b *Bridge) readTelephony() {
	defer b.wg.Done()
	for {
		frame, err := b.telephony.ReadFrame(b.ctx)
		if err != nil {
			b.readFailed(domain.SideTelephony, err, domain.EndReasonTelephonyHangup)
			return
		}
		if b.closing.Load() {
			return
		}
		converted, err := b.inboundConv.Convert(frame)
		if err != nil {
			b.logger.Debug("dropping unconvertible inbound frame", slog.String("error", err.Error()))
			continue
		}
		if b.inbound.push(converted) {
			b.logger.Debug("inbound queue full, dropped oldest frame")
		}
	}
}

func (b *Bridge) writeSpeech() {
	defer b.wg.Done()
	for {
		frame, ok := b.inbound.pop(b.ctx)
		if !ok || b.closing.Load() {
			return
		}
		if err := b.write(func(ctx context.Context) error {
			return b.speech.WriteFrame(ctx, frame)
		}); err != nil {
			b.writeFailed(domain.SideSpeech, err)
			return
		}
		b.framesIn.Add(1)
	}
}

func (b *Bridge) readSpeech() {
	defer b.wg.Done()
	for {
		ev, err := b.speech.Read(b.ctx)
		if err != nil {
			b.readFailed(domain.SideSpeech, err, domain.EndReasonSpeechClosed)
			return
		}
		if b.closing.Load() {
			return
		}

		switch ev.Kind {
		case ports.SpeechAudio:
			converted, err := b.outboundConv.Convert(ev.Frame)
			if err != nil {
				b.logger.Debug("dropping unconvertible outbound frame", slog.String("error", err.Error()))
				continue
			}
			if b.outbound.push(converted) {
				b.logger.Debug("outbound queue full, dropped oldest frame")
			}

		case ports.SpeechToolCall:
			if ev.ToolCall != nil && b.handlers.OnToolCall != nil {
				b.handlers.OnToolCall(*ev.ToolCall)
			}

		case ports.SpeechTranscript:
			if b.handlers.OnTranscript != nil && ev.Text != "" {
				b.handlers.OnTranscript(ev.Speaker, ev.Text)
			}

		case ports.SpeechInterrupted:
			b.bargeIn()
		}
	}
}

// bargeIn discards agent audio the caller talked over.
func (b *Bridge) bargeIn() {
	cleared := b.outbound.clear()
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.WriteTimeout)
	defer cancel()
	if err := b.telephony.Clear(ctx); err != nil && !b.closing.Load() {
		b.logger.Warn("failed to clear telephony playback", slog.String("error", err.Error()))
	}
	b.record(domain.LifecycleEntry(domain.LifecycleBargeIn, map[string]int{"frames_cleared": cleared}))
}

func (b *Bridge) writeTelephony() {
	defer b.wg.Done()
	for {
		frame, ok := b.outbound.pop(b.ctx)
		if !ok || b.closing.Load() {
			return
		}
		if err := b.write(func(ctx context.Context) error {
			return b.telephony.WriteFrame(ctx, frame)
		}); err != nil {
			b.writeFailed(domain.SideTelephony, err)
			return
		}
		b.framesOut.Add(1)
	}
}

// write retries transient failures with exponential backoff.
func (b *Bridge) write(fn func(ctx context.Context) error) error {
	attempt := func(ctx context.Context) error {
		wctx, cancel := context.WithTimeout(ctx, b.cfg.WriteTimeout)
		defer cancel()
		err := fn(wctx)
		if err != nil && domain.IsTransient(err) && !b.closing.Load() {
			return retry.RetryableError(err)
		}
		return err
	}

	backoff := retry.WithMaxRetries(uint64(b.cfg.TransientRetries), retry.NewExponential(b.cfg.TransientBackoff))
	return retry.Do(b.ctx, backoff, attempt)
}

func (b *Bridge) record(e domain.TranscriptEntry) {
	if b.recorder == nil {
		return
	}
	if _, err := b.recorder.Append(e); err != nil && !errors.Is(err, domain.ErrSessionClosed) {
		b.logger.Error("failed to record lifecycle entry",
			slog.String("event", e.Event),
			slog.String("error", err.Error()),
		)
	}
}
