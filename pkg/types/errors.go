package types

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is against any error returned by the
// integration, credential or usage packages.
var (
	// ErrNotConfigured means there is no usable credential. The user can fix
	// this by connecting their account.
	ErrNotConfigured = errors.New("not configured")
	// ErrProviderUnavailable is a vendor transport failure or timeout.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrCommandRejected means the vendor validated and declined a command.
	ErrCommandRejected = errors.New("command rejected")
	// ErrPersistenceUnavailable means the backing store could not be written.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
)

// IntegrationError carries one of the error kinds above along with the
// provider it came from and the underlying cause.
type IntegrationError struct {
	Kind     error
	Provider string
	// Message is safe to show to the end user, e.g. the vendor's rejection text.
	Message string
	Err     error
}

// NewIntegrationError builds an IntegrationError.
func NewIntegrationError(kind error, provider, message string, err error) *IntegrationError {
	return &IntegrationError{
		Kind:     kind,
		Provider: provider,
		Message:  message,
		Err:      err,
	}
}

func (e *IntegrationError) Error() string {
	msg := e.Kind.Error()
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *IntegrationError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// UserMessage returns the message to surface to a user for err, falling back
// to the kind's text.
func UserMessage(err error) string {
	var ie *IntegrationError
	if errors.As(err, &ie) {
		if ie.Message != "" {
			return ie.Message
		}
		return ie.Kind.Error()
	}
	return err.Error()
}
