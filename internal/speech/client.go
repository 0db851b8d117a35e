// Package speech is the client for the realtime voice agent. It speaks a JSON
// protocol over a WebSocket: caller audio and tool results go up, agent audio,
// transcripts and tool calls come down.
package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-call-gateway/internal/pkg/config"
)

// Message types on the wire.
const (
	TypeSessionStart = "session.start"
	TypeSessionReady = "session.ready"
	TypeSessionEnd   = "session.end"
	TypeUserAudio    = "user_audio"
	TypeToolResult   = "tool_result"
	TypeAudio        = "audio"
	TypeToolCall     = "tool_call"
	TypeTranscript   = "transcript"
	TypeInterrupted  = "interrupted"
	TypeError        = "error"
	TypePong         = "pong"

	// typeConversationAck is an older spelling of session.ready.
	typeConversationAck = "conversation_ack"
)

// message is every frame of the protocol; unused fields are omitted.
type message struct {
	Type           string                     `json:"type"`
	Session        *ports.SpeechSessionConfig `json:"session,omitempty"`
	ConversationID string                     `json:"conversation_id,omitempty"`
	Audio          string                     `json:"audio,omitempty"`
	AudioBase64    string                     `json:"audio_base64,omitempty"`
	ToolCallID     string                     `json:"tool_call_id,omitempty"`
	Name           string                     `json:"name,omitempty"`
	Arguments      json.RawMessage            `json:"arguments,omitempty"`
	Result         *domain.ToolResult         `json:"result,omitempty"`
	Role           string                     `json:"role,omitempty"`
	Text           string                     `json:"text,omitempty"`
	Message        string                     `json:"message,omitempty"`
}

// Config configures the agent connection.
type Config struct {
	URL          string
	APIKey       string
	Format       domain.AudioFormat
	DialTimeout  time.Duration
	ReadyTimeout time.Duration
}

// ConfigFrom converts the speech section of the gateway configuration.
func ConfigFrom(cfg config.SpeechConfig) Config {
	format := domain.AudioFormat{Encoding: domain.EncodingPCM16, SampleRate: cfg.SampleRate}
	if cfg.Encoding == "mulaw" {
		format.Encoding = domain.EncodingMulaw
	}
	if format.SampleRate == 0 {
		format.SampleRate = 16000
	}
	return Config{
		URL:          cfg.URL,
		APIKey:       cfg.APIKey,
		Format:       format,
		DialTimeout:  cfg.DialTimeout,
		ReadyTimeout: cfg.ReadyTimeout,
	}
}

// Connector dials one agent session per call.
type Connector struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
}

var _ ports.SpeechConnector = (*Connector)(nil)

// NewConnector validates cfg and returns a connector.
func NewConnector(cfg Config, logger *slog.Logger) (*Connector, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("speech url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}
	if cfg.Format.SampleRate == 0 {
		cfg.Format = domain.AudioFormat{Encoding: domain.EncodingPCM16, SampleRate: 16000}
	}
	return &Connector{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		logger: logger,
	}, nil
}

// Connect dials the agent. The returned leg must be opened before use.
func (c *Connector) Connect(ctx context.Context) (ports.SpeechLeg, error) {
	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to speech agent (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to speech agent: %w", err)
	}
	return newLeg(conn, c.cfg.Format, c.cfg.ReadyTimeout, c.logger), nil
}

// wsConn is the part of *websocket.Conn a Leg uses.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Leg is one live agent session.
type Leg struct {
	conn         wsConn
	format       domain.AudioFormat
	readyTimeout time.Duration
	logger       *slog.Logger

	// Audio and tool results are written from different goroutines.
	writeMu sync.Mutex

	conversationID string

	closeOnce sync.Once
	closed    chan struct{}
}

var _ ports.SpeechLeg = (*Leg)(nil)

func newLeg(conn wsConn, format domain.AudioFormat, readyTimeout time.Duration, logger *slog.Logger) *Leg {
	return &Leg{
		conn:         conn,
		format:       format,
		readyTimeout: readyTimeout,
		logger:       logger,
		closed:       make(chan struct{}),
	}
}

// Format is the audio format agreed with the agent.
func (l *Leg) Format() domain.AudioFormat {
	return l.format
}

// ConversationID is the agent's identifier for the session, once ready.
func (l *Leg) ConversationID() string {
	return l.conversationID
}

// Open sends the session configuration and waits for the agent to be ready.
func (l *Leg) Open(ctx context.Context, cfg ports.SpeechSessionConfig) error {
	if l.readyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.readyTimeout)
		defer cancel()
	}
	cfg.InputFormat = l.format
	cfg.OutputFormat = l.format
	if err := l.write(ctx, message{Type: TypeSessionStart, Session: &cfg}); err != nil {
		return fmt.Errorf("failed to start speech session: %w", err)
	}

	for {
		msg, binary, err := l.read(ctx)
		if err != nil {
			return fmt.Errorf("speech session not ready: %w", err)
		}
		if binary != nil {
			continue
		}
		switch msg.Type {
		case TypeSessionReady, typeConversationAck:
			l.conversationID = msg.ConversationID
			l.logger.Info("speech session ready",
				slog.String("call_id", cfg.CallID),
				slog.String("conversation_id", msg.ConversationID),
			)
			return nil
		case TypeError:
			return &domain.TransportError{Side: domain.SideSpeech, Err: fmt.Errorf("agent error: %s", msg.Message)}
		case TypeSessionEnd:
			return io.EOF
		default:
			l.logger.Debug("ignoring speech message before ready", slog.String("type", msg.Type))
		}
	}
}

// Read returns the next agent event. A session.end message or a normal close
// is io.EOF.
func (l *Leg) Read(ctx context.Context) (ports.SpeechEvent, error) {
	for {
		msg, binary, err := l.read(ctx)
		if err != nil {
			return ports.SpeechEvent{}, err
		}
		if binary != nil {
			return ports.SpeechEvent{Kind: ports.SpeechAudio, Frame: domain.AudioFrame{Format: l.format, Payload: binary}}, nil
		}

		switch msg.Type {
		case TypeAudio:
			encoded := msg.Audio
			if encoded == "" {
				encoded = msg.AudioBase64
			}
			payload, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				l.logger.Debug("dropping undecodable agent audio", slog.String("error", err.Error()))
				continue
			}
			return ports.SpeechEvent{Kind: ports.SpeechAudio, Frame: domain.AudioFrame{Format: l.format, Payload: payload}}, nil
		case TypeToolCall:
			params, err := decodeArguments(msg.Arguments)
			if err != nil {
				l.logger.Warn("tool call with malformed arguments",
					slog.String("tool", msg.Name),
					slog.String("error", err.Error()),
				)
				params = map[string]any{}
			}
			return ports.SpeechEvent{
				Kind:     ports.SpeechToolCall,
				ToolCall: &domain.ToolCall{ID: msg.ToolCallID, Name: msg.Name, Params: params},
			}, nil
		case TypeTranscript:
			speaker := domain.SpeakerAgent
			if msg.Role == "user" || msg.Role == "customer" {
				speaker = domain.SpeakerCustomer
			}
			return ports.SpeechEvent{Kind: ports.SpeechTranscript, Speaker: speaker, Text: msg.Text}, nil
		case TypeInterrupted:
			return ports.SpeechEvent{Kind: ports.SpeechInterrupted}, nil
		case TypeSessionEnd:
			return ports.SpeechEvent{}, io.EOF
		case TypeError:
			return ports.SpeechEvent{}, &domain.TransportError{Side: domain.SideSpeech, Err: fmt.Errorf("agent error: %s", msg.Message)}
		case TypePong, TypeSessionReady, typeConversationAck:
			continue
		default:
			l.logger.Debug("ignoring speech message", slog.String("type", msg.Type))
		}
	}
}

// WriteFrame sends caller audio.
func (l *Leg) WriteFrame(ctx context.Context, frame domain.AudioFrame) error {
	return l.write(ctx, message{Type: TypeUserAudio, Audio: base64.StdEncoding.EncodeToString(frame.Payload)})
}

// SendToolResult answers the tool call identified by callID.
func (l *Leg) SendToolResult(ctx context.Context, callID string, result domain.ToolResult) error {
	return l.write(ctx, message{Type: TypeToolResult, ToolCallID: callID, Result: &result})
}

// Close ends the session. It is safe to call more than once.
func (l *Leg) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.writeMu.Lock()
		_ = l.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = l.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		close(l.closed)
		l.writeMu.Unlock()
		err = l.conn.Close()
	})
	return err
}

func (l *Leg) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// read returns either a decoded JSON message or, for binary frames, the raw
// bytes.
func (l *Leg) read(ctx context.Context) (message, []byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = l.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			return message{}, nil, l.classify(ctx, err)
		}
		if kind == websocket.BinaryMessage {
			return message{}, data, nil
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			l.logger.Warn("ignoring malformed speech message", slog.String("error", err.Error()))
			continue
		}
		return msg, nil, nil
	}
}

func (l *Leg) write(ctx context.Context, msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.isClosed() {
		return domain.ErrLegClosed
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	if err := l.conn.SetWriteDeadline(deadline); err != nil {
		return l.classify(ctx, err)
	}
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return l.classify(ctx, err)
	}
	return nil
}

func (l *Leg) classify(ctx context.Context, err error) error {
	if l.isClosed() {
		return domain.ErrLegClosed
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	var ne net.Error
	transient := errors.As(err, &ne) && ne.Timeout()
	return &domain.TransportError{Side: domain.SideSpeech, Err: err, Transient: transient}
}

// decodeArguments accepts tool arguments as a JSON object or as a string
// holding one.
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if s == "" {
			return map[string]any{}, nil
		}
		raw = json.RawMessage(s)
	}
	params := map[string]any{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	return params, nil
}
