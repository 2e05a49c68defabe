package session

import (
	"errors"
	"fmt"
)

var (
	ErrAuthentication = errors.New("authentication failed")
	ErrValidation     = errors.New("invalid request")
	ErrAuthorization  = errors.New("not authorized")
	ErrCapacity       = errors.New("capacity violated")
	ErrState          = errors.New("invalid room state")
	ErrPersistence    = errors.New("persistence failed")
	ErrDelivery       = errors.New("delivery failed")
)

// Error carries a client-facing message plus structured details alongside one
// of the sentinel kinds above. errors.Is against the sentinel still works.
type Error struct {
	Kind    error
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Message)
}

func (e *Error) Unwrap() error { return e.Kind }

func NewError(kind error, msg string, details map[string]any) *Error {
	return &Error{Kind: kind, Message: msg, Details: details}
}
