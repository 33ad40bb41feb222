// Package fault defines the structured error taxonomy shared by the schema
// model, the codec, the tool bridge, and the session/stream runtime.
//
// Every Kind is itself an error so callers can match with errors.Is:
//
//	if errors.Is(err, fault.MissingField) { ... }
package fault

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind is a machine-readable error category.
type Kind string

// Error implements error so a Kind can be used as an errors.Is target.
func (k Kind) Error() string { return string(k) }

// Schema errors, raised while parsing or building a schema.
const (
	MissingField  Kind = "missing_field"
	UnknownKind   Kind = "unknown_kind"
	UnknownType   Kind = "unknown_type"
	InvalidSchema Kind = "invalid_schema"
)

// Codec errors, raised while decoding transport values.
const (
	TypeMismatch     Kind = "type_mismatch"
	NoVariantMatched Kind = "no_variant_matched"
)

// Tool errors.
const (
	ToolNotFound        Kind = "tool_not_found"
	ToolExecutionFailed Kind = "tool_execution_failed"
)

// Lifecycle errors.
const (
	SessionNotFound Kind = "session_not_found"
	SessionDisposed Kind = "session_disposed"
	StreamNotFound  Kind = "stream_not_found"
)

// Generation errors mirror the model capability's own taxonomy.
const (
	ContextWindowExceeded       Kind = "context_window_exceeded"
	AssetsUnavailable           Kind = "assets_unavailable"
	GuardrailViolation          Kind = "guardrail_violation"
	UnsupportedGuide            Kind = "unsupported_guide"
	UnsupportedLanguageOrLocale Kind = "unsupported_language_or_locale"
	DecodingFailure             Kind = "decoding_failure"
	RateLimited                 Kind = "rate_limited"
	ConcurrentRequests          Kind = "concurrent_requests"
	Refusal                     Kind = "refusal"
	Unknown                     Kind = "unknown"
)

var generationKinds = map[Kind]struct{}{
	ContextWindowExceeded:       {},
	AssetsUnavailable:           {},
	GuardrailViolation:          {},
	UnsupportedGuide:            {},
	UnsupportedLanguageOrLocale: {},
	DecodingFailure:             {},
	RateLimited:                 {},
	ConcurrentRequests:          {},
	Refusal:                     {},
	Unknown:                     {},
}

// IsGeneration reports whether k belongs to the generation error set.
func (k Kind) IsGeneration() bool {
	_, ok := generationKinds[k]
	return ok
}

// Error is the structured error value carried across the bridge.
type Error struct {
	Kind    Kind
	Message string
	// Path locates codec failures inside the value, e.g. "root.items[2].name".
	Path   string
	Detail any
	Err    error
}

// New constructs an Error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new Error of the given kind.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Path != "" {
		b.WriteString(" at ")
		b.WriteString(e.Path)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare Kind target.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && e != nil && e.Kind == k
}

// WithPath returns a copy located at path.
func (e *Error) WithPath(path string) *Error {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Path = path
	return &clone
}

// KindOf extracts the kind of err, falling back to Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Unknown
}

// As converts any error into an *Error, preserving an existing one.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	var k Kind
	if errors.As(err, &k) {
		return &Error{Kind: k, Message: err.Error()}
	}
	return &Error{Kind: Unknown, Message: err.Error(), Err: err}
}

// Payload is the wire shape of an Error.
type Payload struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
	Detail  any    `json:"detail,omitempty"`
}

// ToPayload flattens err for transport. Causes are folded into the message.
func ToPayload(err error) Payload {
	fe := As(err)
	if fe == nil {
		return Payload{}
	}
	msg := fe.Message
	if fe.Err != nil {
		if msg == "" {
			msg = fe.Err.Error()
		} else {
			msg = msg + ": " + fe.Err.Error()
		}
	}
	return Payload{Kind: fe.Kind, Message: msg, Path: fe.Path, Detail: fe.Detail}
}

// MarshalJSON encodes the error as a Payload.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(ToPayload(e))
}

// FromPayload rebuilds an Error from its wire shape.
func FromPayload(p Payload) *Error {
	kind := p.Kind
	if kind == "" {
		kind = Unknown
	}
	return &Error{Kind: kind, Message: p.Message, Path: p.Path, Detail: p.Detail}
}
