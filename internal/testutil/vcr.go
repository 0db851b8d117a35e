package testutil

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// Matcher decides whether a live request replays a recorded interaction.
type Matcher func(r *http.Request, i cassette.Request) bool

// MethodURLMatcher matches on method and full URL. Request bodies are ignored.
func MethodURLMatcher(r *http.Request, i cassette.Request) bool {
	return r.Method == i.Method && r.URL.String() == i.URL
}

// MethodPathMatcher matches on method and URL path, ignoring host and query.
// It suits SDKs that add version or key query parameters.
func MethodPathMatcher(r *http.Request, i cassette.Request) bool {
	if r.Method != i.Method {
		return false
	}
	u, err := url.Parse(i.URL)
	if err != nil {
		return false
	}
	return r.URL.Path == u.Path
}

// Headers never written to a cassette.
var secretHeaders = []string{"Authorization", "X-Goog-Api-Key", "Stripe-Account"}

// NewVCRRecorder creates a new VCR recorder for testing
func NewVCRRecorder(t *testing.T, cassetteName string) (*recorder.Recorder, func()) {
	t.Helper()
	return NewVCRRecorderWithMatcher(t, cassetteName, MethodURLMatcher)
}

// NewVCRRecorderWithMatcher creates a VCR recorder with a custom matcher.
func NewVCRRecorderWithMatcher(t *testing.T, cassetteName string, matcher Matcher) (*recorder.Recorder, func()) {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv("VCR_MODE") == "record" {
		mode = recorder.ModeRecording
	}

	cassettePath := filepath.Join("testdata", "fixtures", cassetteName)

	r, err := recorder.NewAsMode(cassettePath, mode, nil)
	if err != nil {
		t.Fatalf("Failed to create VCR recorder: %v", err)
	}

	r.SetMatcher(func(r *http.Request, i cassette.Request) bool {
		return matcher(r, i)
	})

	r.AddFilter(func(i *cassette.Interaction) error {
		for _, h := range secretHeaders {
			delete(i.Request.Headers, h)
		}
		if strings.Contains(i.Request.URL, "key=") {
			u, err := url.Parse(i.Request.URL)
			if err == nil {
				q := u.Query()
				q.Del("key")
				u.RawQuery = q.Encode()
				i.Request.URL = u.String()
			}
		}
		return nil
	})

	// Cleanup function
	cleanup := func() {
		if err := r.Stop(); err != nil {
			t.Errorf("Failed to stop VCR recorder: %v", err)
		}
	}

	return r, cleanup
}

// VCRHTTPClient returns an HTTP client configured to use the VCR recorder
func VCRHTTPClient(r *recorder.Recorder) *http.Client {
	return &http.Client{
		Transport: r,
	}
}
