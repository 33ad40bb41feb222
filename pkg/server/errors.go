package server

import (
	"errors"
	"net/http"

	"github.com/cexll/genbridge/pkg/bridge"
	"github.com/cexll/genbridge/pkg/fault"
	"github.com/cexll/genbridge/pkg/model"
)

// statusOf maps an error to the HTTP status reported for it.
func statusOf(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr), errors.Is(err, model.ErrInvalidOptions):
		return http.StatusBadRequest
	case errors.Is(err, bridge.ErrClosed):
		return http.StatusServiceUnavailable
	}
	switch fault.KindOf(err) {
	case fault.SessionNotFound, fault.StreamNotFound, fault.ToolNotFound:
		return http.StatusNotFound
	case fault.SessionDisposed:
		return http.StatusGone
	case fault.MissingField, fault.UnknownKind, fault.UnknownType, fault.InvalidSchema,
		fault.TypeMismatch, fault.NoVariantMatched:
		return http.StatusBadRequest
	case fault.RateLimited:
		return http.StatusTooManyRequests
	case fault.ConcurrentRequests:
		return http.StatusConflict
	case fault.ContextWindowExceeded:
		return http.StatusRequestEntityTooLarge
	case fault.AssetsUnavailable:
		return http.StatusServiceUnavailable
	case fault.GuardrailViolation, fault.Refusal, fault.UnsupportedGuide,
		fault.UnsupportedLanguageOrLocale, fault.DecodingFailure:
		return http.StatusUnprocessableEntity
	case fault.ToolExecutionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err as {"error": {"kind","message","path"?,"detail"?}}.
func writeError(w http.ResponseWriter, err error) {
	payload := fault.ToPayload(err)
	var reqErr *requestError
	if errors.As(err, &reqErr) || errors.Is(err, model.ErrInvalidOptions) {
		payload.Kind = "invalid_request"
	}
	writeJSON(w, statusOf(err), map[string]fault.Payload{"error": payload})
}
