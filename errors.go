package flagkeeper

import (
	"errors"
	"fmt"
)

// ErrNotInitialized matches any NotInitializedError with errors.Is.
var ErrNotInitialized = errors.New("flag client not initialized")

// ConfigurationError indicates required configuration is missing or invalid.
type ConfigurationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error [%s]: %s: %v", e.Field, e.Message, e.Err)
	}
	return fmt.Sprintf("configuration error [%s]: %s", e.Field, e.Message)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NotInitializedError is returned when the client is requested before
// Initialize succeeded.
type NotInitializedError struct {
	Op string
}

func (e *NotInitializedError) Error() string {
	return fmt.Sprintf("%s: flag client not initialized; call Initialize first", e.Op)
}

func (e *NotInitializedError) Is(target error) bool {
	return target == ErrNotInitialized
}

// IsConfigurationError reports whether err is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsNotInitialized reports whether err is a NotInitializedError.
func IsNotInitialized(err error) bool {
	var target *NotInitializedError
	return errors.As(err, &target)
}
