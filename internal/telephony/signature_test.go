package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
)

// sign computes Twilio's request signature: HMAC-SHA1 over the full URL
// followed by every POST parameter name and value in name order.
func sign(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestValidateSignature(t *testing.T) {
	const token = "auth-token"
	form := url.Values{"CallSid": {"CA123"}, "From": {"+15551234567"}}
	handler := ValidateSignature(token, "calls.example.com", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name      string
		signature string
		want      int
	}{
		{"valid", sign(token, "https://calls.example.com/twilio/voice?x=1", form), http.StatusNoContent},
		{"missing", "", http.StatusForbidden},
		{"wrong token", sign("nope", "https://calls.example.com/twilio/voice?x=1", form), http.StatusForbidden},
		{"wrong url", sign(token, "https://calls.example.com/twilio/voice", form), http.StatusForbidden},
		{"tampered form", sign(token, "https://calls.example.com/twilio/voice?x=1", url.Values{"CallSid": {"CA999"}, "From": {"+15551234567"}}), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/twilio/voice?x=1", strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if tt.signature != "" {
				req.Header.Set(SignatureHeader, tt.signature)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRequestURL_NoPublicHost(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://internal:8080/twilio/status", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	if got := requestURL(req, ""); got != "https://internal:8080/twilio/status" {
		t.Errorf("requestURL() = %q", got)
	}
}

func TestFormParams(t *testing.T) {
	got := formParams(url.Values{"CallSid": {"CA1"}, "Digits": {"1", "2"}})
	if len(got) != 2 || got["CallSid"] != "CA1" || got["Digits"] != "1" {
		t.Errorf("formParams() = %v", got)
	}
}
