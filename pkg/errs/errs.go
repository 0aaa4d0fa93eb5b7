// Package errs defines the domain error type shared by every settld package.
// Each error carries a stable machine code and a kind that maps to an HTTP status.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindBindingBlocked
	KindUnauthorized
	KindPrecondition
)

// Stable error codes returned in the error body.
const (
	CodeTransitionIllegal          = "TRANSITION_ILLEGAL"
	CodeEvidenceBindingBlocked     = "WORK_ORDER_EVIDENCE_BINDING_BLOCKED"
	CodeDisputeOutcomeStatus       = "DISPUTE_OUTCOME_STATUS_MISMATCH"
	CodeDisputeOutcomeAmount       = "DISPUTE_OUTCOME_AMOUNT_MISMATCH"
	CodeDisputeWindowClosed        = "DISPUTE_WINDOW_CLOSED"
	CodeEventChainConflict         = "EVENT_CHAIN_CONFLICT"
	CodeIdempotencyKeyConflict     = "IDEMPOTENCY_KEY_CONFLICT"
	CodeSettlementRevisionConflict = "SETTLEMENT_REVISION_CONFLICT"
	CodeSchemaInvalid              = "SCHEMA_INVALID"
	CodeLedgerNotBalanced          = "LEDGER_NOT_BALANCED"
	CodeLedgerAllocationMismatch   = "LEDGER_ALLOCATION_MISMATCH"
	CodeValidation                 = "VALIDATION_FAILED"
	CodeNotFound                   = "NOT_FOUND"
	CodeUnauthorized               = "UNAUTHORIZED"
	CodePreconditionRequired       = "PRECONDITION_REQUIRED"
	CodeInternal                   = "INTERNAL"
)

// Error is a domain error with a stable code and optional context fields.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on code so callers can compare against a template error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// With returns a copy carrying an extra context field.
func (e *Error) With(key string, value any) *Error {
	out := &Error{Kind: e.Kind, Code: e.Code, Message: e.Message, Details: make(map[string]any, len(e.Details)+1)}
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return out
}

// Status maps the error kind to an HTTP status code.
func (e *Error) Status() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindBindingBlocked:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindPrecondition:
		return http.StatusPreconditionRequired
	default:
		return http.StatusInternalServerError
	}
}

func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, CodeValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, CodeNotFound, format, args...)
}

func Conflict(code, format string, args ...any) *Error {
	return New(KindConflict, code, format, args...)
}

func IllegalTransition(from, action string) *Error {
	return New(KindConflict, CodeTransitionIllegal, "cannot %s from status %q", action, from).
		With("fromStatus", from).With("action", action)
}

func BindingBlocked(reason string) *Error {
	return New(KindBindingBlocked, CodeEvidenceBindingBlocked, "settlement blocked: %s", reason).
		With("reason", reason)
}

// As extracts a domain error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HasCode reports whether err is a domain error with the given code.
func HasCode(err error, code string) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// Body renders the transport body: code, message and context fields.
func (e *Error) Body() map[string]any {
	body := make(map[string]any, len(e.Details)+2)
	for k, v := range e.Details {
		body[k] = v
	}
	body["code"] = e.Code
	body["message"] = e.Message
	return body
}
