package workflow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	vars := map[string]any{
		"name":  "Ada",
		"order": map[string]any{"id": "o-1", "total": 42.5, "items": []any{"a", "b"}},
		"count": float64(3),
		"empty": nil,
	}
	tests := []struct {
		tmpl string
		want string
	}{
		{"plain text", "plain text"},
		{"Hi {{name}}", "Hi Ada"},
		{"{{ name }}!", "Ada!"},
		{"Order {{order.id}} costs {{order.total}}", "Order o-1 costs 42.5"},
		{"{{order.items}}", `["a","b"]`},
		{"{{count}} items", "3 items"},
		{"[{{missing}}] [{{order.missing}}] [{{name.deeper}}] [{{empty}}]", "[] [] [] []"},
		{"{{unclosed", "{{unclosed"},
	}
	for _, tt := range tests {
		t.Run(tt.tmpl, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.tmpl, vars))
		})
	}
}

func TestFilterPass(t *testing.T) {
	vars := map[string]any{
		"plan": "pro",
		"user": map[string]any{"age": float64(30), "tags": []any{"beta", "vip"}},
		"bio":  "loves go",
	}
	tests := []struct {
		name string
		cond filterConfig
		want bool
	}{
		{"eq string", filterConfig{Field: "plan", Operator: "eq", Value: "pro"}, true},
		{"eq mismatch", filterConfig{Field: "plan", Operator: "eq", Value: "free"}, false},
		{"eq number", filterConfig{Field: "user.age", Operator: "eq", Value: 30}, true},
		{"eq missing", filterConfig{Field: "nope", Operator: "eq", Value: "x"}, false},
		{"neq", filterConfig{Field: "plan", Operator: "neq", Value: "free"}, true},
		{"neq equal", filterConfig{Field: "plan", Operator: "neq", Value: "pro"}, false},
		{"neq missing", filterConfig{Field: "nope", Operator: "neq", Value: "x"}, true},
		{"contains string", filterConfig{Field: "bio", Operator: "contains", Value: "go"}, true},
		{"contains list", filterConfig{Field: "user.tags", Operator: "contains", Value: "vip"}, true},
		{"contains list miss", filterConfig{Field: "user.tags", Operator: "contains", Value: "staff"}, false},
		{"unknown operator passes", filterConfig{Field: "plan", Operator: "gt", Value: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.Pass(vars))
		})
	}
}

func TestDecodeDelay(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{`{"delay": 1000}`, time.Second, false},
		{`{"amount": 2, "unit": "minutes"}`, 2 * time.Minute, false},
		{`{"amount": 1, "unit": "days"}`, 24 * time.Hour, false},
		{`{"amount": 5, "unit": "SECONDS"}`, 5 * time.Second, false},
		{`{}`, 0, false},
		{`{"amount": 1, "unit": "weeks"}`, 0, true},
		{`{"delay": -5}`, 0, true},
		{`[1]`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := decodeDelay(json.RawMessage(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
