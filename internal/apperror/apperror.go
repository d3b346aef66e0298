// Package apperror defines the error kinds returned by the order and inventory core.
package apperror

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofrs/uuid"
)

// Kind enumerates the error causes the API layer maps to responses.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindInsufficientStock Kind = "insufficient_stock"
	KindInvalidTransition Kind = "invalid_transition"
	KindUnauthorized      Kind = "unauthorized"
	KindConflict          Kind = "conflict"
	KindInternal          Kind = "internal"
)

func (k Kind) String() string {
	return string(k)
}

// Sentinels for errors.Is. They carry only a Kind.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInsufficientStock = &Error{Kind: KindInsufficientStock}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrInternal          = &Error{Kind: KindInternal}
)

// LineProblem describes why a single requested line cannot be fulfilled.
type LineProblem struct {
	ProductID uuid.UUID `json:"product_id"`
	Reason    string    `json:"reason"`
	Requested int       `json:"requested,omitempty"`
	Available int       `json:"available,omitempty"`
}

// FieldProblem describes a malformed request field.
type FieldProblem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the single error type produced by the core.
type Error struct {
	Kind    Kind
	Op      string
	Message string

	Lines  []LineProblem
	Fields []FieldProblem

	// Machine, From and To are set for invalid transitions.
	Machine string
	From    string
	To      string

	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil && e.Kind == KindInternal {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error of the same Kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf reports the kind of err. Errors not produced by this package are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As returns the *Error inside err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func Validation(op string, fields ...FieldProblem) *Error {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	msg := "invalid request"
	if len(parts) > 0 {
		msg = msg + " (" + strings.Join(parts, "; ") + ")"
	}
	return &Error{Kind: KindValidation, Op: op, Message: msg, Fields: fields}
}

// InvalidLines reports per-line problems found before any stock was touched.
func InvalidLines(op string, lines []LineProblem) *Error {
	return &Error{
		Kind:    KindValidation,
		Op:      op,
		Message: fmt.Sprintf("%d order line(s) cannot be fulfilled", len(lines)),
		Lines:   lines,
	}
}

func NotFound(op, what string, id uuid.UUID) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf("%s %s not found", what, id)}
}

func InsufficientStock(op string, lines ...LineProblem) *Error {
	return &Error{Kind: KindInsufficientStock, Op: op, Message: "insufficient stock", Lines: lines}
}

func InvalidTransition(op, machine, from, to string) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Op:      op,
		Message: fmt.Sprintf("cannot move %s from %q to %q", machine, from, to),
		Machine: machine,
		From:    from,
		To:      to,
	}
}

func Unauthorized(op, message string) *Error {
	return &Error{Kind: KindUnauthorized, Op: op, Message: message}
}

func Conflict(op, message string) *Error {
	return &Error{Kind: KindConflict, Op: op, Message: message}
}

// Internal wraps an infrastructure failure. Errors that already carry a Kind pass through.
func Internal(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}
	return &Error{Kind: KindInternal, Op: op, Message: "internal error", Err: err}
}
