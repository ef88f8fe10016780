package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/comigor/chatsync/internal/chat"
)

// Error describes a failed backend call. Unwrap yields one of the chat
// sentinel errors so callers can use errors.Is.
type Error struct {
	Op      string
	Status  int
	Message string
	Err     error

	ambiguous bool
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// IsAmbiguous reports whether a failed request may nevertheless have been
// applied by the server: timeouts, 5xx replies and connections dropped after
// the request was written.
func IsAmbiguous(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.ambiguous
}

// StatusError builds the error for a failed HTTP status.
func StatusError(op string, status int, message string) *Error {
	e := &Error{Op: op, Status: status, Message: message}
	switch {
	case status == http.StatusForbidden:
		e.Err = chat.ErrPermissionDenied
	case status == http.StatusNotFound || status == http.StatusGone:
		e.Err = chat.ErrNotFound
	case status >= 500:
		e.Err = chat.ErrNetwork
		e.ambiguous = true
	default:
		e.Err = chat.ErrNetwork
	}
	return e
}

// transportError wraps a failure of the HTTP round trip itself.
func transportError(op string, err error) *Error {
	e := &Error{Op: op, Err: errors.Join(chat.ErrNetwork, err), ambiguous: true}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		e.ambiguous = false
	}
	if errors.Is(err, context.Canceled) {
		e.ambiguous = false
	}
	return e
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, chat.ErrPermissionDenied):
		return "permission"
	case errors.Is(err, chat.ErrNotFound):
		return "not_found"
	case errors.Is(err, chat.ErrInvalidIdentifier):
		return "invalid_id"
	default:
		return "network"
	}
}
