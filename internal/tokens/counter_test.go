package tokens

import "testing"

func TestCounter_Count(t *testing.T) {
	c, err := NewCounter("")
	if err != nil {
		t.Fatalf("NewCounter() error = %v", err)
	}

	if got := c.Count(""); got != 0 {
		t.Errorf("Count(\"\") = %d, want 0", got)
	}

	got := c.Count("hello world")
	if got != 2 {
		t.Errorf("Count(hello world) = %d, want 2", got)
	}

	long := c.Count("I can pay part of it today and the rest next month.")
	if long <= got {
		t.Errorf("Count(long) = %d, want more than %d", long, got)
	}
}

func TestNewCounter_UnknownEncoding(t *testing.T) {
	if _, err := NewCounter("no_such_encoding"); err == nil {
		t.Errorf("NewCounter(no_such_encoding) error = nil, want error")
	}
}

func TestEstimator_Count(t *testing.T) {
	e := NewEstimator()
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
	}
	for _, tt := range tests {
		if got := e.Count(tt.text); got != tt.want {
			t.Errorf("Count(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
