package errors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
	// ErrConfig marks missing or unusable provider configuration. Never retried.
	ErrConfig = errors.New("configuration error")
	// ErrValidation marks recipient material rejected before any network call.
	ErrValidation = errors.New("validation error")
	ErrInactive   = errors.New("inactive")
)

func NewInternal(format string, a ...interface{}) error {
	return fmt.Errorf("INTERNAL: "+format, a...)
}

func NewNotFound(format string, a ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrNotFound}, a...)...)
}

func NewConflict(format string, a ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrConflict}, a...)...)
}

func NewInvalidInput(format string, a ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidInput}, a...)...)
}

func NewConfig(format string, a ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrConfig}, a...)...)
}

func NewValidation(format string, a ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrValidation}, a...)...)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsTerminal reports whether retrying the operation cannot change its outcome.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrConfig) || errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidInput)
}

func IsInternal(err error) bool {
	return err != nil && !IsNotFound(err) && !IsConflict(err)
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfig
}
