package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-call-gateway/internal/pkg/config"
)

// fakeAgent accepts one connection and hands the server side to the test.
type fakeAgent struct {
	srv    *httptest.Server
	conns  chan *websocket.Conn
	header chan http.Header
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	a := &fakeAgent{conns: make(chan *websocket.Conn, 1), header: make(chan http.Header, 1)}
	upgrader := websocket.Upgrader{}
	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.header <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade() error = %v", err)
			return
		}
		a.conns <- conn
	}))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *fakeAgent) url() string {
	return "ws" + strings.TrimPrefix(a.srv.URL, "http")
}

func (a *fakeAgent) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-a.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("agent connection not accepted")
		return nil
	}
}

func readMessage(t *testing.T, c *websocket.Conn) message {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg message
	if err := c.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

// openLeg connects and completes the session handshake.
func openLeg(t *testing.T, a *fakeAgent) (*Leg, *websocket.Conn) {
	t.Helper()
	connector, err := NewConnector(Config{
		URL:    a.url(),
		APIKey: "sk-speech",
		Format: domain.AudioFormat{Encoding: domain.EncodingPCM16, SampleRate: 16000},
	}, nil)
	if err != nil {
		t.Fatalf("NewConnector() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	leg, err := connector.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { leg.Close() })
	server := a.accept(t)

	opened := make(chan error, 1)
	go func() {
		opened <- leg.Open(ctx, ports.SpeechSessionConfig{
			CallID:       "call-1",
			Instructions: "Be brief.",
			Tools:        []ports.ToolSpec{{Name: domain.ToolVerifyAccount}},
		})
	}()

	start := readMessage(t, server)
	if start.Type != TypeSessionStart || start.Session == nil {
		t.Fatalf("first message = %+v, want session.start", start)
	}
	if start.Session.CallID != "call-1" || len(start.Session.Tools) != 1 {
		t.Errorf("session = %+v", start.Session)
	}
	if start.Session.InputFormat.SampleRate != 16000 {
		t.Errorf("input format = %+v", start.Session.InputFormat)
	}
	if err := server.WriteJSON(message{Type: TypeSessionReady, ConversationID: "conv-9"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if err := <-opened; err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return leg.(*Leg), server
}

func TestLeg_OpenSendsAuthAndSession(t *testing.T) {
	a := newFakeAgent(t)
	leg, _ := openLeg(t, a)

	if got := (<-a.header).Get("Authorization"); got != "Bearer sk-speech" {
		t.Errorf("Authorization = %q", got)
	}
	if leg.ConversationID() != "conv-9" {
		t.Errorf("ConversationID() = %q", leg.ConversationID())
	}
}

func TestLeg_ReadEvents(t *testing.T) {
	a := newFakeAgent(t)
	leg, server := openLeg(t, a)

	audio := []byte{1, 2, 3, 4}
	msgs := []any{
		message{Type: TypePong},
		message{Type: TypeAudio, Audio: base64.StdEncoding.EncodeToString(audio)},
		map[string]any{"type": TypeToolCall, "tool_call_id": "tc-1", "name": domain.ToolVerifyAccount,
			"arguments": map[string]any{"last4": "4321"}},
		map[string]any{"type": TypeToolCall, "tool_call_id": "tc-2", "name": domain.ToolTransferToAgent,
			"arguments": `{"reason":"dispute"}`},
		message{Type: TypeTranscript, Role: "user", Text: "I want to pay"},
		message{Type: TypeInterrupted},
	}
	for _, m := range msgs {
		if err := server.WriteJSON(m); err != nil {
			t.Fatalf("WriteJSON() error = %v", err)
		}
	}
	if err := server.WriteMessage(websocket.BinaryMessage, []byte{9, 9}); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if err := server.WriteJSON(message{Type: TypeSessionEnd}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	next := func() ports.SpeechEvent {
		t.Helper()
		ev, err := leg.Read(ctx)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		return ev
	}

	if ev := next(); ev.Kind != ports.SpeechAudio || !bytes.Equal(ev.Frame.Payload, audio) || ev.Frame.Format != leg.Format() {
		t.Errorf("audio event = %+v", ev)
	}
	if ev := next(); ev.Kind != ports.SpeechToolCall || ev.ToolCall.ID != "tc-1" || ev.ToolCall.Params["last4"] != "4321" {
		t.Errorf("tool call event = %+v", ev)
	}
	if ev := next(); ev.Kind != ports.SpeechToolCall || ev.ToolCall.Params["reason"] != "dispute" {
		t.Errorf("string-arguments tool call = %+v", ev.ToolCall)
	}
	if ev := next(); ev.Kind != ports.SpeechTranscript || ev.Speaker != domain.SpeakerCustomer || ev.Text != "I want to pay" {
		t.Errorf("transcript event = %+v", ev)
	}
	if ev := next(); ev.Kind != ports.SpeechInterrupted {
		t.Errorf("interrupted event = %+v", ev)
	}
	if ev := next(); ev.Kind != ports.SpeechAudio || !bytes.Equal(ev.Frame.Payload, []byte{9, 9}) {
		t.Errorf("binary audio event = %+v", ev)
	}
	if _, err := leg.Read(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Read() after session.end error = %v, want io.EOF", err)
	}
}

func TestLeg_Writes(t *testing.T) {
	a := newFakeAgent(t)
	leg, server := openLeg(t, a)
	ctx := context.Background()

	if err := leg.WriteFrame(ctx, domain.AudioFrame{Payload: []byte{5, 6}}); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}
	result := domain.ToolResult{CallID: "tc-1", Name: domain.ToolVerifyAccount, Success: true,
		Message: "Identity verified. Welcome back, Ana Ruiz.", Directive: domain.DirectiveHangup}
	if err := leg.SendToolResult(ctx, "tc-1", result); err != nil {
		t.Fatalf("SendToolResult() error = %v", err)
	}

	audio := readMessage(t, server)
	if audio.Type != TypeUserAudio || audio.Audio != base64.StdEncoding.EncodeToString([]byte{5, 6}) {
		t.Errorf("audio message = %+v", audio)
	}

	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if strings.Contains(string(raw), "hangup") {
		t.Errorf("tool result leaked directive: %s", raw)
	}
	var got message
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Type != TypeToolResult || got.ToolCallID != "tc-1" || got.Result == nil || got.Result.Message != result.Message {
		t.Errorf("tool result message = %s", raw)
	}
}

func TestLeg_OpenAgentError(t *testing.T) {
	a := newFakeAgent(t)
	connector, err := NewConnector(Config{URL: a.url(), ReadyTimeout: time.Second}, nil)
	if err != nil {
		t.Fatalf("NewConnector() error = %v", err)
	}
	leg, err := connector.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer leg.Close()
	server := a.accept(t)

	go func() {
		var msg message
		_ = server.ReadJSON(&msg)
		_ = server.WriteJSON(message{Type: TypeError, Message: "invalid voice"})
	}()

	err = leg.Open(context.Background(), ports.SpeechSessionConfig{CallID: "call-1"})
	var te *domain.TransportError
	if !errors.As(err, &te) || te.Side != domain.SideSpeech {
		t.Errorf("Open() error = %v, want speech TransportError", err)
	}
}

func TestLeg_OpenReadyTimeout(t *testing.T) {
	a := newFakeAgent(t)
	connector, err := NewConnector(Config{URL: a.url(), ReadyTimeout: 50 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewConnector() error = %v", err)
	}
	leg, err := connector.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer leg.Close()
	a.accept(t)

	if err := leg.Open(context.Background(), ports.SpeechSessionConfig{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Open() error = %v, want deadline exceeded", err)
	}
}

func TestLeg_DropAndClose(t *testing.T) {
	a := newFakeAgent(t)
	leg, server := openLeg(t, a)

	// An abrupt drop is a lost transport, not a clean end.
	server.UnderlyingConn().Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := leg.Read(ctx)
	var te *domain.TransportError
	if !errors.As(err, &te) {
		t.Errorf("Read() after drop error = %v, want TransportError", err)
	}

	if err := leg.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := leg.WriteFrame(ctx, domain.AudioFrame{Payload: []byte{1}}); !errors.Is(err, domain.ErrLegClosed) {
		t.Errorf("WriteFrame() after Close error = %v, want ErrLegClosed", err)
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.SpeechConfig{URL: "wss://agent", Encoding: "mulaw", SampleRate: 8000})
	if cfg.Format != domain.TelephonyFormat {
		t.Errorf("Format = %+v", cfg.Format)
	}
	cfg = ConfigFrom(config.SpeechConfig{URL: "wss://agent"})
	if cfg.Format.Encoding != domain.EncodingPCM16 || cfg.Format.SampleRate != 16000 {
		t.Errorf("default Format = %+v", cfg.Format)
	}
	if _, err := NewConnector(Config{}, nil); err == nil {
		t.Error("NewConnector() without url error = nil")
	}
}

func TestDecodeArguments(t *testing.T) {
	tests := []struct {
		raw  string
		want int
		err  bool
	}{
		{``, 0, false},
		{`null`, 0, false},
		{`{"a":1,"b":"x"}`, 2, false},
		{`"{\"a\":1}"`, 1, false},
		{`""`, 0, false},
		{`[1,2]`, 0, true},
	}
	for _, tt := range tests {
		got, err := decodeArguments(json.RawMessage(tt.raw))
		if (err != nil) != tt.err {
			t.Errorf("decodeArguments(%s) error = %v", tt.raw, err)
			continue
		}
		if !tt.err && len(got) != tt.want {
			t.Errorf("decodeArguments(%s) = %v", tt.raw, got)
		}
	}
}
