package kliko

import (
	"errors"
	"fmt"
)

// Error kinds returned by the client. Use errors.Is to classify.
var (
	// ErrAuth means the service rejected the credentials. Retrying will not
	// help until the configuration changes.
	ErrAuth = errors.New("authentication failed")

	// ErrAPI covers transport failures and responses of an unexpected shape.
	// These are transient from the caller's point of view.
	ErrAPI = errors.New("api error")

	// ErrInvalidRequest is returned before any network call when a required
	// argument is empty.
	ErrInvalidRequest = errors.New("invalid request")
)

// Error carries the failed operation together with its kind and cause.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("kliko %s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("kliko %s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func authError(op string, err error) error {
	return &Error{Op: op, Kind: ErrAuth, Err: err}
}

func apiError(op string, err error) error {
	return &Error{Op: op, Kind: ErrAPI, Err: err}
}

// IsAuth reports whether err is (or wraps) an authentication failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

func isAPI(err error) bool {
	return errors.Is(err, ErrAPI)
}
