// Package tools implements the business tools the voice agent may call and
// the dispatcher that gates and serializes them per call.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/tjfontaine/polyglot-call-gateway/internal/callstate"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
)

// Spec describes a tool to the speech agent.
type Spec struct {
	Name        string
	Description string
	// Properties is the JSON schema of each parameter.
	Properties map[string]any
	Required   []string
	// Aliases maps an alternate parameter name to its canonical one.
	Aliases map[string]string
	// Redact names parameters masked in the transcript.
	Redact []string
}

// ToolSpec renders the spec for a speech session.
func (s Spec) ToolSpec() ports.ToolSpec {
	props := s.Properties
	if props == nil {
		props = map[string]any{}
	}
	required := s.Required
	if required == nil {
		required = []string{}
	}
	return ports.ToolSpec{
		Name:        s.Name,
		Description: s.Description,
		Parameters: map[string]any{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
	}
}

// Verification counts failed identity checks for the current call.
type Verification interface {
	RecordVerificationFailure() (attempts, remaining int, exhausted bool)
}

// Invocation is one execution of a tool against a call.
type Invocation struct {
	CallID  string
	Call    domain.ToolCall
	Params  Params
	Context *callstate.CallContext
	Verify  Verification
	Logger  *slog.Logger
}

// Result is what a tool reports back to the dispatcher.
type Result struct {
	Success     bool
	Message     string
	Data        map[string]any
	FailureKind domain.FailureKind
	Directive   domain.Directive
	// Err carries internal detail for logs and the transcript. It is never
	// spoken.
	Err error
}

// Success builds a successful result.
func Success(message string, data map[string]any) Result {
	return Result{Success: true, Message: message, Data: data}
}

// Failure builds a business failure.
func Failure(kind domain.FailureKind, message string, data map[string]any) Result {
	return Result{FailureKind: kind, Message: message, Data: data}
}

// Unavailable hides a downstream error behind the generic fallback.
func Unavailable(err error) Result {
	return Result{FailureKind: domain.FailureUnavailable, Message: MessageUnavailable, Err: err}
}

// Tool is one named business operation.
type Tool interface {
	Name() string
	Spec() Spec
	// LegalIn lists the states the tool may run in. Nil uses the built-in
	// state table.
	LegalIn() []domain.CallState
	Execute(ctx context.Context, inv *Invocation) Result
}

// Registry maps tool names to implementations.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering a name twice is an error.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool name required")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Lookup finds a tool by name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tools in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// ToolSpecs describes every registered tool for the speech session.
func (r *Registry) ToolSpecs() []ports.ToolSpec {
	specs := make([]ports.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.tools[name].Spec().ToolSpec())
	}
	return specs
}

// Params wraps the parameters of a tool call.
type Params map[string]any

// normalize copies aliased values onto canonical names.
func normalize(raw map[string]any, aliases map[string]string) Params {
	p := make(Params, len(raw))
	for k, v := range raw {
		p[k] = v
	}
	for alias, canonical := range aliases {
		if _, ok := p[canonical]; ok {
			continue
		}
		if v, ok := p[alias]; ok {
			p[canonical] = v
		}
	}
	return p
}

// String returns the parameter as trimmed text. Numbers are formatted
// without exponent so "last4": 1234 reads as "1234".
func (p Params) String(key string) string {
	switch v := p[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Missing lists required keys whose value is absent or blank.
func (p Params) Missing(required []string) []string {
	var missing []string
	for _, key := range required {
		if p.String(key) == "" {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	return missing
}
