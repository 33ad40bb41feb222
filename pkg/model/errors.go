package model

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/cexll/genbridge/pkg/fault"
)

// Classify maps a provider failure to a generation error kind using the HTTP
// status and the provider's message.
func Classify(status int, message string) fault.Kind {
	msg := strings.ToLower(message)
	switch {
	case status == http.StatusTooManyRequests:
		return fault.RateLimited
	case containsAny(msg, "context length", "context window", "prompt is too long", "maximum context", "too many tokens"):
		return fault.ContextWindowExceeded
	case containsAny(msg, "content policy", "content_filter", "safety", "guardrail"):
		return fault.GuardrailViolation
	case containsAny(msg, "unsupported language", "unsupported locale", "language is not supported"):
		return fault.UnsupportedLanguageOrLocale
	case containsAny(msg, "response_format", "json_schema", "schema is not supported", "invalid schema"):
		return fault.UnsupportedGuide
	case status == 529 || containsAny(msg, "overloaded", "concurrent"):
		return fault.ConcurrentRequests
	case status == http.StatusNotFound || status == http.StatusServiceUnavailable:
		return fault.AssetsUnavailable
	default:
		return fault.Unknown
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// GenerationError wraps a provider failure. Context cancellation and errors
// that already carry a kind pass through unchanged, so tool failures stay
// tool failures and cancellation stays recognisable.
func GenerationError(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	e := fault.Wrap(Classify(status, err.Error()), err, "%s generation", provider)
	if status > 0 {
		e.Detail = map[string]any{"provider": provider, "status": status}
	}
	return e
}

// Refused reports a model refusal.
func Refused(provider, explanation string) error {
	e := fault.New(fault.Refusal, "%s refused the request", provider)
	if explanation != "" {
		e.Detail = explanation
	}
	return e
}

// DecodeFailed reports structured output the bridge could not parse.
func DecodeFailed(provider string, err error) error {
	return fault.Wrap(fault.DecodingFailure, err, "%s structured output", provider)
}
