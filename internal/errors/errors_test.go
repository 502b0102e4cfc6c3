package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstructorsWrapSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		terminal bool
	}{
		{"not found", NewNotFound("channel %s", "c1"), ErrNotFound, false},
		{"conflict", NewConflict("device %s", "d1"), ErrConflict, false},
		{"config", NewConfig("missing %s", "apiKey"), ErrConfig, true},
		{"validation", NewValidation("bad token"), ErrValidation, true},
		{"invalid input", NewInvalidInput("title required"), ErrInvalidInput, true},
		{"config error type", &ConfigError{Field: "DATABASE_URL", Message: "required"}, ErrConfig, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
			assert.ErrorIs(t, fmt.Errorf("wrapped: %w", tt.err), tt.sentinel)
			assert.Equal(t, tt.terminal, IsTerminal(tt.err))
		})
	}
}

func TestMessagesKeepArguments(t *testing.T) {
	err := NewNotFound("channel %s", "c1")
	assert.Equal(t, "not found: channel c1", err.Error())
	assert.False(t, IsInternal(err))
	assert.True(t, IsInternal(errors.New("boom")))
}
