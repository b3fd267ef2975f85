package dispatch

import (
	"errors"
	"fmt"
	"net/http"

	"fieldserve/internal/lifecycle"
	"fieldserve/internal/store"
)

// Kind classifies a dispatch failure. The API maps each kind to one HTTP status.
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindUnauthorized Kind = "unauthorized"
	KindInvalidState Kind = "invalid_state"
	KindValidation   Kind = "validation"
	KindConflict     Kind = "conflict"
	KindUpstream     Kind = "upstream"
)

// Error is returned by every Service operation that fails for a domain reason.
// Status carries the work request's current status for InvalidState.
type Error struct {
	Kind    Kind
	Message string
	Status  lifecycle.Status
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus is the response code for the error kind.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusForbidden
	case KindInvalidState, KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// IsKind reports whether err is a dispatch error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

func notFound(msg string) error     { return &Error{Kind: KindNotFound, Message: msg} }
func unauthorized(msg string) error { return &Error{Kind: KindUnauthorized, Message: msg} }
func validation(msg string) error   { return &Error{Kind: KindValidation, Message: msg} }
func conflict(msg string) error     { return &Error{Kind: KindConflict, Message: msg} }

func invalidState(st lifecycle.Status, msg string) error {
	return &Error{Kind: KindInvalidState, Message: msg, Status: st}
}

func upstream(msg string, err error) error {
	return &Error{Kind: KindUpstream, Message: msg, Err: err}
}

// fromTransition converts an illegal lifecycle event into InvalidState.
func fromTransition(err error) error {
	var te *lifecycle.TransitionError
	if errors.As(err, &te) {
		return invalidState(te.From, te.Error())
	}
	return err
}

// result is the metrics label for an operation outcome.
func result(err error) string {
	if err == nil {
		return "ok"
	}
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindConflict:
			return "conflict"
		case KindInvalidState, KindValidation:
			return "invalid"
		case KindUnauthorized:
			return "unauthorized"
		case KindNotFound:
			return "not_found"
		}
	}
	if errors.Is(err, store.ErrConflict) {
		return "conflict"
	}
	return "error"
}
