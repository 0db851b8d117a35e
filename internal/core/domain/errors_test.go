package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected string
	}{
		{
			name:     "error with type and message",
			err:      &APIError{Type: ErrorTypeInvalidRequest, Message: "bad request"},
			expected: "invalid_request: bad request",
		},
		{
			name:     "error with param",
			err:      ErrInvalidRequest("missing destination").WithParam("to"),
			expected: "invalid_request (to): missing destination",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestAPIError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected int
	}{
		{"invalid request", ErrInvalidRequest("x"), http.StatusBadRequest},
		{"authentication", ErrAuthentication("x"), http.StatusUnauthorized},
		{"not found", ErrNotFound("x"), http.StatusNotFound},
		{"conflict", ErrConflict("x"), http.StatusConflict},
		{"unavailable", ErrUnavailable("x"), http.StatusServiceUnavailable},
		{"server", ErrServer("x"), http.StatusInternalServerError},
		{"explicit status wins", ErrServer("x").WithStatusCode(http.StatusBadGateway), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"net timeout", timeoutErr{}, true},
		{"wrapped net timeout", fmt.Errorf("write: %w", timeoutErr{}), true},
		{"transport transient", &TransportError{Side: SideSpeech, Err: errors.New("x"), Transient: true}, true},
		{"transport fatal", &TransportError{Side: SideSpeech, Err: timeoutErr{}}, false},
		{"context canceled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestTransportLost_Unwrap(t *testing.T) {
	cause := errors.New("socket reset")
	err := fmt.Errorf("bridge: %w", &TransportLost{Side: SideTelephony, Err: cause})

	var lost *TransportLost
	if !errors.As(err, &lost) {
		t.Fatalf("errors.As() = false, want true")
	}
	if lost.Side != SideTelephony {
		t.Errorf("Side = %v, want %v", lost.Side, SideTelephony)
	}
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(cause) = false, want true")
	}
}

func TestMoney_String(t *testing.T) {
	tests := []struct {
		m    Money
		want string
	}{
		{0, "$0.00"},
		{5, "$0.05"},
		{100000, "$1,000.00"},
		{350000, "$3,500.00"},
		{16667, "$166.67"},
		{123456789, "$1,234,567.89"},
		{-2550, "-$25.50"},
	}

	for _, tt := range tests {
		if got := tt.m.String(); got != tt.want {
			t.Errorf("Money(%d).String() = %q, want %q", int64(tt.m), got, tt.want)
		}
	}
}

func TestMoneyFromDollars(t *testing.T) {
	if got := MoneyFromDollars(1000.00); got != 100000 {
		t.Errorf("MoneyFromDollars(1000) = %d, want 100000", got)
	}
	if got := MoneyFromDollars(166.67); got != 16667 {
		t.Errorf("MoneyFromDollars(166.67) = %d, want 16667", got)
	}
}

func TestCallState_Terminal(t *testing.T) {
	for _, s := range []CallState{StateFailed, StateTransferredToAgent} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	for _, s := range []CallState{StateRinging, StateVerified, StateArrangementRecorded} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestArrangementKey(t *testing.T) {
	a := ArrangementKey("call-1", OptionSettlement, MethodSMSLink)
	b := ArrangementKey("call-1", OptionSettlement, MethodSMSLink)
	c := ArrangementKey("call-1", OptionSettlement, MethodBankTransfer)
	if a != b {
		t.Errorf("ArrangementKey not stable: %s != %s", a, b)
	}
	if a == c {
		t.Errorf("ArrangementKey collided across methods")
	}
}

func TestLifecycleEntry(t *testing.T) {
	e := LifecycleEntry(LifecycleCallEnded, CallEndedData{Reason: EndReasonNormal, DurationSeconds: (2 * time.Second).Seconds()})
	if e.Type != EntryLifecycle {
		t.Errorf("Type = %v, want %v", e.Type, EntryLifecycle)
	}
	if string(e.Payload) == "" {
		t.Fatalf("Payload empty")
	}
	want := `"reason":"normal"`
	if !strings.Contains(string(e.Payload), want) {
		t.Errorf("Payload = %s, want to contain %s", e.Payload, want)
	}
}
