package telephony

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/twilio/twilio-go/client"
)

// SignatureHeader carries Twilio's request signature.
const SignatureHeader = "X-Twilio-Signature"

// requestURL rebuilds the URL Twilio signed. Behind a proxy the public host
// is authoritative.
func requestURL(r *http.Request, publicHost string) string {
	if publicHost != "" {
		return "https://" + publicHost + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// formParams flattens a webhook form into the map the validator signs over.
// Twilio sends each parameter once.
func formParams(form url.Values) map[string]string {
	params := make(map[string]string, len(form))
	for k := range form {
		params[k] = form.Get(k)
	}
	return params
}

// ValidateSignature rejects webhook requests whose signature does not match.
func ValidateSignature(authToken, publicHost string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	validator := client.NewRequestValidator(authToken)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseForm(); err != nil {
				http.Error(w, "invalid form body", http.StatusBadRequest)
				return
			}
			got := r.Header.Get(SignatureHeader)
			if got == "" || !validator.Validate(requestURL(r, publicHost), formParams(r.PostForm), got) {
				logger.Warn("rejected webhook with invalid signature",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
				)
				http.Error(w, "invalid signature", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
