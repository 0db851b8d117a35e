package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/tjfontaine/polyglot-call-gateway/internal/bridge"
	"github.com/tjfontaine/polyglot-call-gateway/internal/callstate"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-call-gateway/internal/tools"
	"github.com/tjfontaine/polyglot-call-gateway/internal/transcript"
)

type eventKind int

const (
	evTelephonyStarted eventKind = iota
	evSpeechReady
	evSpeechFailed
	evToolCall
	evToolDone
	evTranscript
	evBridgeDone
	evMaxDuration
	evHangupRequested
	evTransferRequested
	evFatal
)

type event struct {
	kind    eventKind
	call    domain.ToolCall
	result  domain.ToolResult
	speaker domain.Speaker
	text    string
	leg     ports.SpeechLeg
	exit    bridge.Exit
	err     error
}

// Info is a point-in-time view of a live session.
type Info struct {
	Session domain.CallSession `json:"session"`
	Context callstate.View     `json:"context"`
	Bridge  *bridge.Stats      `json:"bridge,omitempty"`
}

// Session is one live call. Run drives it from the telephony start event to
// the final call record update.
type Session struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	record    *domain.CallRecord
	start     domain.CallStart
	telephony ports.TelephonyLeg

	machine    *callstate.Machine
	writer     *transcript.Writer
	dispatcher *tools.Dispatcher
	startedAt  time.Time

	speech ports.SpeechLeg
	bridge atomic.Pointer[bridge.Bridge]

	events  chan event
	stopped chan struct{}
	work    chan domain.ToolCall

	pending    []domain.ToolCall
	toolBusy   bool
	closing    bool
	workerDone chan struct{}

	// directive is the hangup or transfer a tool asked for. It is carried out
	// however the loop exits.
	directive  domain.Directive
	transferTo string

	// lateMu guards toolsClosed. Tool calls arriving once it is set are
	// refused on the caller's goroutine.
	lateMu      sync.Mutex
	toolsClosed bool

	stopOnce sync.Once
	stopReq  chan domain.EndReason

	mu        sync.Mutex
	endedAt   *time.Time
	endReason domain.EndReason
	outcome   domain.Outcome
	done      chan struct{}
}

// newSession assembles a session for a call whose telephony leg has started.
// customer may be nil when the caller could not be matched.
func newSession(cfg Config, deps Deps, record *domain.CallRecord, customer *domain.Customer, start domain.CallStart, leg ports.TelephonyLeg, logger *slog.Logger) *Session {
	logger = logger.With(
		slog.String("session_id", record.ID),
		slog.String("call_sid", record.CallSID),
	)

	writerOpts := []transcript.Option{transcript.WithLogger(logger)}
	if deps.TokenCounter != nil {
		writerOpts = append(writerOpts, transcript.WithTokenCounter(deps.TokenCounter))
	}
	writer := transcript.NewWriter(record.ID, deps.Publisher, cfg.Transcript, writerOpts...)

	machine := callstate.NewMachine(cfg.MaxVerificationAttempts)

	cctx := callstate.NewCallContext(record.ID, record.CallSID)
	cctx.OrganizationID = record.OrganizationID
	cctx.CallerNumber = start.From
	cctx.Customer = customer
	cctx.Policy = deps.PolicyFor(record.OrganizationID)

	s := &Session{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		record:     record,
		start:      start,
		telephony:  leg,
		machine:    machine,
		writer:     writer,
		startedAt:  time.Now().UTC(),
		events:     make(chan event, 64),
		stopped:    make(chan struct{}),
		work:       make(chan domain.ToolCall),
		workerDone: make(chan struct{}),
		stopReq:    make(chan domain.EndReason, 1),
		done:       make(chan struct{}),
	}

	dispatcherOpts := []tools.Option{
		tools.WithLogger(logger),
		tools.WithTimeout(cfg.ToolTimeout),
		tools.WithFatalHandler(func(err error) {
			s.post(event{kind: evFatal, err: err})
		}),
	}
	if deps.Tracer != nil {
		dispatcherOpts = append(dispatcherOpts, tools.WithTracer(deps.Tracer))
	}
	s.dispatcher = tools.NewDispatcher(deps.Registry, machine, cctx, writer, dispatcherOpts...)
	return s
}

// ID is the call record ID.
func (s *Session) ID() string {
	return s.record.ID
}

// CallSID is the telephony provider's call identifier.
func (s *Session) CallSID() string {
	return s.record.CallSID
}

// Done is closed once the session has been finalized.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stop asks the session to end with reason. It returns immediately.
func (s *Session) Stop(reason domain.EndReason) {
	s.stopOnce.Do(func() {
		s.stopReq <- reason
	})
}

// Info returns a snapshot of the session without waiting on a running tool.
func (s *Session) Info() Info {
	view := s.dispatcher.View()

	s.mu.Lock()
	sess := domain.CallSession{
		ID:                   s.record.ID,
		CallSID:              s.record.CallSID,
		CustomerID:           s.record.CustomerID,
		OrganizationID:       s.record.OrganizationID,
		State:                s.machine.State(),
		Ended:                s.machine.Ended(),
		VerificationAttempts: s.machine.Attempts(),
		StartedAt:            s.startedAt,
		EndedAt:              s.endedAt,
		Outcome:              view.Outcome,
		EndReason:            s.endReason,
	}
	if s.outcome != domain.OutcomeNone {
		sess.Outcome = s.outcome
	}
	s.mu.Unlock()

	info := Info{Session: sess, Context: view}
	if b := s.bridge.Load(); b != nil {
		stats := b.Stats()
		info.Bridge = &stats
	}
	return info
}

// post delivers an event to the control loop unless it has already exited.
func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.stopped:
	}
}

// Run drives the call until it ends and is finalized. ctx cancellation ends
// the call with reason shutdown.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.append(domain.LifecycleEntry(domain.LifecycleCallStarted, map[string]string{
		"call_sid":    s.record.CallSID,
		"stream_sid":  s.start.StreamSID,
		"direction":   string(s.record.Direction),
		"customer_id": s.record.CustomerID,
	}))
	s.logger.Info("call session started",
		slog.String("direction", string(s.record.Direction)),
		slog.String("organization_id", s.record.OrganizationID),
	)

	go s.toolWorker(ctx)
	go s.openSpeech(ctx)

	var maxTimer *time.Timer
	if s.cfg.MaxDuration > 0 {
		maxTimer = time.AfterFunc(s.cfg.MaxDuration, func() {
			s.post(event{kind: evMaxDuration})
		})
	}

	// The telephony leg is live by the time a session exists.
	s.events <- event{kind: evTelephonyStarted}

	reason := s.loop(ctx)

	if maxTimer != nil {
		maxTimer.Stop()
	}
	s.dispatcher.Close()
	close(s.stopped)
	s.closeToolIntake()
	reason = s.settleDirective(ctx, reason)
	s.finish(reason)
}

// loop consumes events until the call must end and returns why.
func (s *Session) loop(ctx context.Context) domain.EndReason {
	for {
		select {
		case ev := <-s.events:
			switch ev.kind {
			case evTelephonyStarted:
				s.applied(s.machine.TelephonyReady())

			case evSpeechReady:
				s.speech = ev.leg
				s.applied(s.machine.SpeechReady())
				if err := s.startBridge(ctx); err != nil {
					s.logger.Error("failed to start bridge", slog.String("error", err.Error()))
					s.fail("bridge_start_failed", err)
					return domain.EndReasonError
				}

			case evSpeechFailed:
				s.logger.Error("speech session unavailable", slog.String("error", ev.err.Error()))
				s.fail("speech_unavailable", ev.err)
				return domain.EndReasonError

			case evToolCall:
				s.pending = append(s.pending, ev.call)
				s.feedWorker()

			case evToolDone:
				s.toolBusy = false
				s.handleDirective(ev.result)
				s.feedWorker()

			case evTranscript:
				s.append(domain.TranscriptEntry{
					Type:    domain.EntrySpeechTurn,
					Speaker: ev.speaker,
					Text:    ev.text,
				})

			case evMaxDuration:
				s.logger.Warn("maximum call duration reached", slog.Duration("max_duration", s.cfg.MaxDuration))
				return domain.EndReasonMaxDuration

			case evHangupRequested, evTransferRequested:
				// settleDirective acts on it.
				return ev.exit.Reason

			case evBridgeDone:
				if ev.exit.Lost != nil {
					s.applied(s.machine.TransportLost())
				}
				return ev.exit.Reason

			case evFatal:
				s.logger.Error("fatal session error", slog.String("error", ev.err.Error()))
				return domain.EndReasonError
			}

		case reason := <-s.stopReq:
			return reason

		case <-ctx.Done():
			return domain.EndReasonShutdown
		}
	}
}

// openSpeech connects the agent and reports readiness to the control loop.
func (s *Session) openSpeech(ctx context.Context) {
	openCtx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancel()

	leg, err := s.deps.Speech.Connect(openCtx)
	if err != nil {
		s.post(event{kind: evSpeechFailed, err: err})
		return
	}
	err = leg.Open(openCtx, ports.SpeechSessionConfig{
		CallID:       s.record.ID,
		Instructions: s.cfg.Speech.Instructions,
		Voice:        s.cfg.Speech.Voice,
		Language:     s.cfg.Speech.Language,
		Greeting:     s.cfg.Speech.Greeting,
		Tools:        s.deps.Registry.ToolSpecs(),
		Metadata: map[string]string{
			"call_id":   s.record.ID,
			"direction": string(s.record.Direction),
		},
	})
	if err != nil {
		_ = leg.Close()
		s.post(event{kind: evSpeechFailed, err: fmt.Errorf("failed to open speech session: %w", err)})
		return
	}

	select {
	case s.events <- event{kind: evSpeechReady, leg: leg}:
	case <-s.stopped:
		_ = leg.Close()
	}
}

func (s *Session) startBridge(ctx context.Context) error {
	b, err := bridge.New(s.cfg.Bridge, s.telephony, s.speech,
		bridge.WithLogger(s.logger),
		bridge.WithRecorder(s.writer),
		bridge.WithFinalState(s.machine.End),
		bridge.WithHandlers(bridge.Handlers{
			OnToolCall: s.acceptToolCall,
			OnTranscript: func(speaker domain.Speaker, text string) {
				s.post(event{kind: evTranscript, speaker: speaker, text: text})
			},
		}),
	)
	if err != nil {
		return err
	}
	s.bridge.Store(b)
	if err := b.Start(ctx); err != nil {
		return err
	}

	go func() {
		select {
		case exit := <-b.Exits():
			s.post(event{kind: evBridgeDone, exit: exit})
		case <-s.stopped:
		}
	}()
	return nil
}

// feedWorker hands the oldest pending tool call to the worker when it is idle.
func (s *Session) feedWorker() {
	if s.toolBusy || len(s.pending) == 0 {
		return
	}
	call := s.pending[0]
	s.pending = s.pending[1:]
	s.toolBusy = true
	s.work <- call
}

// toolWorker executes tool calls one at a time and answers the speech leg.
func (s *Session) toolWorker(ctx context.Context) {
	defer close(s.workerDone)
	for call := range s.work {
		result := s.dispatcher.Dispatch(ctx, call)
		if s.speech != nil {
			if err := s.speech.SendToolResult(ctx, call.ID, result); err != nil && !errors.Is(err, domain.ErrLegClosed) {
				s.logger.Warn("failed to send tool result",
					slog.String("tool", call.Name),
					slog.String("error", err.Error()),
				)
			}
		}
		s.post(event{kind: evToolDone, call: call, result: result})
	}
}

// handleDirective schedules what a tool result asks of the call itself. The
// agent gets ClosingGrace to speak the result first.
func (s *Session) handleDirective(result domain.ToolResult) {
	if s.closing {
		return
	}
	switch result.Directive {
	case domain.DirectiveHangup:
		s.closing = true
		s.directive = domain.DirectiveHangup
		s.dispatcher.Close()
		s.append(domain.LifecycleEntry(domain.LifecycleHangupRequested, map[string]any{
			"tool":         result.Name,
			"grace_period": s.cfg.ClosingGrace.String(),
		}))
		time.AfterFunc(s.cfg.ClosingGrace, func() {
			s.post(event{kind: evHangupRequested, exit: bridge.Exit{Reason: domain.EndReasonVerificationFailed}})
		})

	case domain.DirectiveTransfer:
		s.closing = true
		s.directive = domain.DirectiveTransfer
		s.transferTo = s.cfg.AgentNumber
		s.dispatcher.Close()
		s.append(domain.LifecycleEntry(domain.LifecycleTransferRequested, map[string]any{
			"to":           s.transferTo,
			"grace_period": s.cfg.ClosingGrace.String(),
		}))
		time.AfterFunc(s.cfg.ClosingGrace, func() {
			s.post(event{kind: evTransferRequested, exit: bridge.Exit{Reason: domain.EndReasonTransferred}})
		})
	}
}

// settleDirective carries out a pending hangup or transfer whatever ended the
// loop, and returns the reason the call ends with. A caller who already hung
// up is not dialed again.
func (s *Session) settleDirective(ctx context.Context, reason domain.EndReason) domain.EndReason {
	ctx = context.WithoutCancel(ctx)
	callerGone := reason == domain.EndReasonTelephonyHangup

	switch s.directive {
	case domain.DirectiveHangup:
		if !callerGone {
			s.hangup(ctx)
		}
		return domain.EndReasonVerificationFailed

	case domain.DirectiveTransfer:
		if !callerGone {
			s.transfer(ctx, s.transferTo)
		}
		return domain.EndReasonTransferred
	}
	return reason
}

func (s *Session) hangup(ctx context.Context) {
	if s.deps.CallControl == nil {
		return
	}
	hctx, cancel := context.WithTimeout(ctx, s.cfg.StopTimeout)
	defer cancel()
	if err := s.deps.CallControl.Hangup(hctx, s.record.CallSID); err != nil {
		s.logger.Error("failed to hang up call", slog.String("error", err.Error()))
	}
}

func (s *Session) transfer(ctx context.Context, to string) {
	if s.deps.CallControl == nil || to == "" {
		s.logger.Warn("transfer requested but no agent line is configured")
		return
	}
	tctx, cancel := context.WithTimeout(ctx, s.cfg.StopTimeout)
	defer cancel()
	if err := s.deps.CallControl.Transfer(tctx, s.record.CallSID, to); err != nil {
		s.logger.Error("failed to transfer call", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("call transferred to agent", slog.String("to", to))
}

// acceptToolCall hands a tool call from the bridge to the control loop, or
// refuses it once the loop has stopped taking tool calls.
func (s *Session) acceptToolCall(call domain.ToolCall) {
	s.lateMu.Lock()
	defer s.lateMu.Unlock()
	if !s.toolsClosed {
		select {
		case s.events <- event{kind: evToolCall, call: call}:
			return
		case <-s.stopped:
		}
	}
	s.refuse(call)
}

// closeToolIntake stops the bridge from queueing tool calls and refuses the
// ones already queued. The loop must have exited.
func (s *Session) closeToolIntake() {
	s.lateMu.Lock()
	s.toolsClosed = true
	s.lateMu.Unlock()

	for {
		select {
		case ev := <-s.events:
			if ev.kind == evToolCall {
				s.pending = append(s.pending, ev.call)
			}
		default:
			for _, call := range s.pending {
				s.refuse(call)
			}
			s.pending = nil
			return
		}
	}
}

// refuse records a tool call the closed dispatcher will not run and answers
// the agent so it does not wait on it.
func (s *Session) refuse(call domain.ToolCall) {
	result := s.dispatcher.Dispatch(context.Background(), call)
	if s.speech == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer cancel()
	if err := s.speech.SendToolResult(ctx, call.ID, result); err != nil && !errors.Is(err, domain.ErrLegClosed) {
		s.logger.Warn("failed to send tool result",
			slog.String("tool", call.Name),
			slog.String("error", err.Error()),
		)
	}
}

// fail forces the call to failed and records why.
func (s *Session) fail(trigger string, err error) {
	s.applied(s.machine.Fail(trigger))
	s.append(domain.LifecycleEntry(domain.LifecycleFatal, map[string]string{
		"trigger": trigger,
		"error":   err.Error(),
	}))
}

// finish tears the call down in order: no new tools, let a running tool
// record, stop the bridge (writing call_ended), update the call record, then
// flush the transcript.
func (s *Session) finish(reason domain.EndReason) {
	close(s.work)
	select {
	case <-s.workerDone:
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Warn("tool still running at teardown")
	}

	var ended domain.CallEndedData
	if b := s.bridge.Load(); b != nil {
		ended = b.Stop(reason)
	} else {
		ended = s.endWithoutBridge(reason)
	}

	endedAt := time.Now().UTC()
	outcome := s.finalOutcome(ended.FinalState)

	s.mu.Lock()
	s.endedAt = &endedAt
	s.endReason = reason
	s.outcome = outcome
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FinalizeTimeout)
	defer cancel()

	update := domain.CallOutcomeUpdate{
		State:     ended.FinalState,
		Ended:     true,
		EndedAt:   endedAt,
		Outcome:   outcome,
		EndReason: reason,
	}
	b := retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := s.deps.Repository.UpdateCallOutcome(ctx, s.record.ID, update); err != nil {
			if errors.Is(err, domain.ErrRecordNotFound) {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to update call outcome", slog.String("error", err.Error()))
	}

	if err := s.writer.Close(ctx); err != nil {
		s.logger.Error("failed to flush transcript", slog.String("error", err.Error()))
	}

	s.logger.Info("call session ended",
		slog.String("reason", string(reason)),
		slog.String("final_state", string(ended.FinalState)),
		slog.String("outcome", string(outcome)),
		slog.Float64("duration_seconds", ended.DurationSeconds),
	)
	close(s.done)
}

// endWithoutBridge closes whatever legs exist and writes call_ended for a
// call that never started relaying audio.
func (s *Session) endWithoutBridge(reason domain.EndReason) domain.CallEndedData {
	if err := s.telephony.Close(); err != nil && !errors.Is(err, domain.ErrLegClosed) {
		s.logger.Warn("failed to close telephony leg", slog.String("error", err.Error()))
	}
	if s.speech != nil {
		_ = s.speech.Close()
	}
	data := domain.CallEndedData{
		Reason:          reason,
		FinalState:      s.machine.End(),
		DurationSeconds: time.Since(s.startedAt).Seconds(),
	}
	s.append(domain.LifecycleEntry(domain.LifecycleCallEnded, data))
	return data
}

func (s *Session) finalOutcome(state domain.CallState) domain.Outcome {
	if o := s.dispatcher.View().Outcome; o != domain.OutcomeNone {
		return o
	}
	switch state {
	case domain.StateFailed:
		return domain.OutcomeFailed
	case domain.StateArrangementRecorded:
		return domain.OutcomePaymentArranged
	case domain.StateTransferredToAgent:
		return domain.OutcomeTransferred
	}
	return domain.OutcomeNoArrangement
}

func (s *Session) applied(ts []callstate.Transition) {
	for _, t := range ts {
		s.append(t.Entry())
		s.logger.Info("call state changed",
			slog.String("from", string(t.From)),
			slog.String("to", string(t.To)),
			slog.String("trigger", t.Trigger),
		)
	}
}

func (s *Session) append(e domain.TranscriptEntry) {
	if _, err := s.writer.Append(e); err != nil && !errors.Is(err, domain.ErrSessionClosed) {
		s.logger.Warn("failed to append transcript entry", slog.String("error", err.Error()))
	}
}
