package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Host  string `json:"host" validate:"required"`
	Port  int    `json:"port" validate:"min=1,max=65535"`
	Hook  string `json:"webhookUrl" validate:"omitempty,url"`
	Level string `json:"level" validate:"omitempty,oneof=normal high"`
}

func TestStruct(t *testing.T) {
	tests := []struct {
		name string
		in   sample
		want string
	}{
		{"valid", sample{Host: "h", Port: 25}, ""},
		{"missing host", sample{Port: 25}, "host is required"},
		{"port range", sample{Host: "h", Port: 70000}, "port must be at most 65535"},
		{"url", sample{Host: "h", Port: 1, Hook: "nope"}, "webhookUrl must be a URL"},
		{"oneof", sample{Host: "h", Port: 1, Level: "low"}, "level must be one of [normal high]"},
		{"joined", sample{}, "host is required; port must be at least 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Struct(tt.in)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.want, err.Error())
		})
	}
}

func TestVar(t *testing.T) {
	assert.NoError(t, Var("https://push.example/sub", "url"))
	assert.Error(t, Var("not a url", "url"))
}
