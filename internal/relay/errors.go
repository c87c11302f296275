package relay

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/npezzotti/go-chatrelay/internal/database"
)

// ErrNotFound is returned when a status update targets an unknown message.
var ErrNotFound = database.ErrNotFound

// ValidationError reports malformed input. Nothing was stored or published.
type ValidationError struct {
	Errs validation.Errors
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Errs.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Errs
}

func newValidationError(err error) error {
	if errs, ok := err.(validation.Errors); ok {
		return &ValidationError{Errs: errs}
	}
	return &ValidationError{Errs: validation.Errors{"request": err}}
}

// PersistenceError means the store rejected a write. Nothing was published.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// PublishError means a message was stored but could not be handed to the
// bus. Callers should treat the send as successful.
type PublishError struct {
	Topic     string
	MessageId string
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish message %s to %s: %v", e.MessageId, e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
