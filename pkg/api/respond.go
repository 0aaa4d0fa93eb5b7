// Package api is the settld HTTP surface. Every mutating route runs inside a
// single store transaction together with its idempotency record.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/settld/pkg/errs"
	"github.com/Mindburn-Labs/settld/pkg/store"
)

// HeaderReplayed marks a response served from the idempotency store.
const HeaderReplayed = "x-idempotency-replayed"

const maxBodyBytes = 1 << 20

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		WriteInternal(w, fmt.Errorf("encode response: %w", err))
		return
	}
	writeRaw(w, status, b)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// WriteError renders err as {code, message, ...details}. Errors that are not
// domain errors are logged and reported as a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		err = errs.NotFound("resource not found")
	}
	e, ok := errs.As(err)
	if !ok || e.Kind == errs.KindInternal {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, e.Status(), e.Body())
}

// WriteInternal logs err and writes a 500 without exposing it.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err, "request_id", w.Header().Get(HeaderRequestID))
	b, _ := json.Marshal(map[string]string{"code": errs.CodeInternal, "message": "an unexpected error occurred"})
	writeRaw(w, http.StatusInternalServerError, b)
}

// WriteTooManyRequests writes a 429 with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteJSON(w, http.StatusTooManyRequests, map[string]string{
		"code":    "RATE_LIMITED",
		"message": "rate limit exceeded",
	})
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, errs.Validation("read body: %v", err)
	}
	if len(b) > maxBodyBytes {
		return nil, errs.Validation("request body exceeds %d bytes", maxBodyBytes)
	}
	return b, nil
}

// decode unmarshals a JSON object body into dst. An empty body leaves dst
// at its zero value.
func decode(body []byte, dst any) error {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errs.Validation("invalid JSON body: %v", err)
	}
	return nil
}
