package telephony

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
)

// StreamPath is where Twilio opens the media stream.
const StreamPath = "/twilio/stream"

// Twilio Media Streams message, both directions.
type streamMessage struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSID      string       `json:"streamSid,omitempty"`
	Start          *streamStart `json:"start,omitempty"`
	Media          *streamMedia `json:"media,omitempty"`
	Stop           *streamStop  `json:"stop,omitempty"`
	Mark           *streamMark  `json:"mark,omitempty"`
	Protocol       string       `json:"protocol,omitempty"`
}

type streamStart struct {
	AccountSID       string            `json:"accountSid"`
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

type streamMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type streamStop struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type streamMark struct {
	Name string `json:"name"`
}

// wsConn is the part of *websocket.Conn a MediaStream uses.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// MediaStream is one Twilio Media Streams connection, used as the call's
// telephony leg.
type MediaStream struct {
	conn   wsConn
	logger *slog.Logger

	writeMu   sync.Mutex
	streamSID string
	start     domain.CallStart

	closeOnce sync.Once
	closed    chan struct{}
}

var _ ports.TelephonyLeg = (*MediaStream)(nil)

// NewMediaStream wraps an accepted WebSocket connection.
func NewMediaStream(conn wsConn, logger *slog.Logger) *MediaStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &MediaStream{conn: conn, logger: logger, closed: make(chan struct{})}
}

// Format is always 8 kHz mu-law.
func (s *MediaStream) Format() domain.AudioFormat {
	return domain.TelephonyFormat
}

// Start reads until Twilio's start event and returns the call it describes.
func (s *MediaStream) Start(ctx context.Context) (domain.CallStart, error) {
	for {
		msg, err := s.read(ctx)
		if err != nil {
			return domain.CallStart{}, err
		}
		switch msg.Event {
		case "connected":
			continue
		case "start":
			if msg.Start == nil {
				return domain.CallStart{}, fmt.Errorf("start event without start payload")
			}
			streamSID := msg.Start.StreamSID
			if streamSID == "" {
				streamSID = msg.StreamSID
			}
			s.writeMu.Lock()
			s.streamSID = streamSID
			s.writeMu.Unlock()

			params := msg.Start.CustomParameters
			if params == nil {
				params = map[string]string{}
			}
			s.start = domain.CallStart{
				CallSID:    msg.Start.CallSID,
				StreamSID:  streamSID,
				From:       params["customer_phone"],
				Parameters: params,
			}
			if s.start.CallSID == "" {
				s.start.CallSID = params["call_sid"]
			}
			s.logger.Info("media stream started",
				slog.String("call_sid", s.start.CallSID),
				slog.String("stream_sid", streamSID),
			)
			return s.start, nil
		case "stop":
			return domain.CallStart{}, io.EOF
		default:
			s.logger.Debug("ignoring media stream event before start", slog.String("event", msg.Event))
		}
	}
}

// ReadFrame returns the next inbound audio chunk. Twilio's stop event ends
// the stream with io.EOF.
func (s *MediaStream) ReadFrame(ctx context.Context) (domain.AudioFrame, error) {
	for {
		msg, err := s.read(ctx)
		if err != nil {
			return domain.AudioFrame{}, err
		}
		switch msg.Event {
		case "media":
			if msg.Media == nil || (msg.Media.Track != "" && msg.Media.Track != "inbound") {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				s.logger.Debug("dropping undecodable media payload", slog.String("error", err.Error()))
				continue
			}
			return domain.AudioFrame{Format: domain.TelephonyFormat, Payload: payload}, nil
		case "stop":
			return domain.AudioFrame{}, io.EOF
		}
	}
}

// WriteFrame plays a frame to the caller.
func (s *MediaStream) WriteFrame(ctx context.Context, frame domain.AudioFrame) error {
	return s.write(ctx, streamMessage{
		Event: "media",
		Media: &streamMedia{Payload: base64.StdEncoding.EncodeToString(frame.Payload)},
	})
}

// Clear drops audio Twilio has buffered but not played.
func (s *MediaStream) Clear(ctx context.Context) error {
	return s.write(ctx, streamMessage{Event: "clear"})
}

// Mark asks Twilio to echo name once playback reaches this point.
func (s *MediaStream) Mark(ctx context.Context, name string) error {
	return s.write(ctx, streamMessage{Event: "mark", Mark: &streamMark{Name: name}})
}

// Close closes the WebSocket. It is safe to call more than once.
func (s *MediaStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

func (s *MediaStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *MediaStream) read(ctx context.Context) (streamMessage, error) {
	// Reads do not take a context, so a canceled ctx expires the deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return streamMessage{}, s.classify(ctx, err)
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ignoring malformed media stream message", slog.String("error", err.Error()))
			continue
		}
		return msg, nil
	}
}

func (s *MediaStream) write(ctx context.Context, msg streamMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return domain.ErrLegClosed
	}
	if s.streamSID == "" {
		return fmt.Errorf("media stream not started")
	}
	msg.StreamSID = s.streamSID

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Event, err)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return s.classify(ctx, err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return s.classify(ctx, err)
	}
	return nil
}

// classify maps connection errors onto the leg contract: a normal close is
// io.EOF, a closed leg is ErrLegClosed, timeouts are transient.
func (s *MediaStream) classify(ctx context.Context, err error) error {
	if s.isClosed() {
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
	return &domain.TransportError{Side: domain.SideTelephony, Err: err, Transient: transient}
}

// StreamHandler upgrades Twilio's media stream requests and hands each leg
// to accept. accept owns the leg from then on.
type StreamHandler struct {
	upgrader websocket.Upgrader
	accept   func(leg *MediaStream)
	logger   *slog.Logger
}

// NewStreamHandler creates the /twilio/stream handler.
func NewStreamHandler(accept func(leg *MediaStream), logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Twilio does not send an Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		accept: accept,
		logger: logger,
	}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("media stream upgrade failed", slog.String("error", err.Error()))
		return
	}
	h.accept(NewMediaStream(conn, h.logger))
}
