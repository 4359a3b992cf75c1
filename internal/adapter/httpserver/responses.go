package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danieloza/backoffice/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOK writes the success envelope with ok=true merged into the payload.
func writeOK(w http.ResponseWriter, status int, payload map[string]any) {
	body := make(map[string]any, len(payload)+1)
	body["ok"] = true
	for k, v := range payload {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, r *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrUnauthorized):
		code = http.StatusUnauthorized
		codeStr = "UNAUTHORIZED"
	case errors.Is(err, domain.ErrForbidden):
		code = http.StatusForbidden
		codeStr = "FORBIDDEN"
	case errors.Is(err, domain.ErrInsufficientCredits):
		code = http.StatusPaymentRequired
		codeStr = "INSUFFICIENT_CREDITS"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrRateLimited):
		code = http.StatusTooManyRequests
		codeStr = "RATE_LIMITED"
	case errors.Is(err, domain.ErrUpstream):
		code = http.StatusBadGateway
		codeStr = "UPSTREAM_ERROR"
	}
	msg := err.Error()
	if code == http.StatusInternalServerError {
		// Unexpected failure: full error to the log (the request-scoped
		// logger carries the request id), generic message to the client.
		LoggerFrom(r).Error("unhandled request error", slog.Any("error", err))
		msg = "internal error"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: msg, Details: details}})
}

// decodeJSON decodes a request body into dst, rejecting bodies over 1 MiB.
func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument)
	}
	return nil
}
