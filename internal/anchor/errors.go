package anchor

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport marks failures to reach a trust backend (dial errors,
	// timeouts, truncated bodies). The underlying error stays in the chain.
	ErrTransport = errors.New("anchor transport failure")

	// ErrRejected marks a backend that answered but refused the request.
	ErrRejected = errors.New("anchor rejected by backend")

	// ErrValidation marks a backend response that does not correspond to the
	// request that was sent.
	ErrValidation = errors.New("anchor response failed validation")

	// ErrConfiguration marks a recorder that could not be resolved or built.
	ErrConfiguration = errors.New("anchor recorder misconfigured")
)

// RejectedError is returned when a backend responds with a non-success status.
type RejectedError struct {
	StatusCode int
	Status     string
}

func (e *RejectedError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("backend rejected anchor: %s", e.Status)
	}
	return fmt.Sprintf("backend rejected anchor: HTTP %d %s", e.StatusCode, e.Status)
}

// Is makes errors.Is(err, ErrRejected) match any RejectedError.
func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// ConfigError reports a recorder configuration entry that could not be built.
// Path locates the entry, e.g. "anchoring.recorder.recorders[1]".
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("recorder %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrConfiguration) match any ConfigError.
func (e *ConfigError) Is(target error) bool { return target == ErrConfiguration }
