package workflow

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	appErr "github.com/samims/dispatch/internal/errors"
)

type sendConfig struct {
	ChannelID  string         `json:"channelId"`
	TemplateID string         `json:"templateId"`
	To         string         `json:"to"`
	Variables  map[string]any `json:"variables"`
}

func decodeSend(raw json.RawMessage) (sendConfig, error) {
	var c sendConfig
	if err := decodeStep(raw, &c); err != nil {
		return c, err
	}
	if c.ChannelID == "" || c.TemplateID == "" {
		return c, appErr.NewConfig("send step requires channelId and templateId")
	}
	return c, nil
}

// delayConfig accepts either {"delay": ms} or {"amount": n, "unit": "minutes"}.
type delayConfig struct {
	Delay  *float64 `json:"delay"`
	Amount float64  `json:"amount"`
	Unit   string   `json:"unit"`
}

var delayUnits = map[string]time.Duration{
	"":        time.Millisecond,
	"ms":      time.Millisecond,
	"seconds": time.Second,
	"minutes": time.Minute,
	"hours":   time.Hour,
	"days":    24 * time.Hour,
}

func decodeDelay(raw json.RawMessage) (time.Duration, error) {
	var c delayConfig
	if err := decodeStep(raw, &c); err != nil {
		return 0, err
	}
	if c.Delay != nil {
		if *c.Delay < 0 {
			return 0, appErr.NewConfig("delay must not be negative")
		}
		return time.Duration(*c.Delay * float64(time.Millisecond)), nil
	}
	unit, ok := delayUnits[strings.ToLower(c.Unit)]
	if !ok {
		return 0, appErr.NewConfig("unknown delay unit %q", c.Unit)
	}
	if c.Amount < 0 {
		return 0, appErr.NewConfig("delay amount must not be negative")
	}
	return time.Duration(c.Amount * float64(unit)), nil
}

type filterConfig struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

func decodeFilter(raw json.RawMessage) (filterConfig, error) {
	var c filterConfig
	if err := decodeStep(raw, &c); err != nil {
		return c, err
	}
	if c.Field == "" {
		return c, appErr.NewConfig("filter step requires field")
	}
	return c, nil
}

// Pass evaluates the condition against vars. Unknown operators pass.
func (c filterConfig) Pass(vars map[string]any) bool {
	actual, found := Lookup(vars, c.Field)
	switch c.Operator {
	case "eq":
		return found && equal(actual, c.Value)
	case "neq":
		return !found || !equal(actual, c.Value)
	case "contains":
		return found && contains(actual, c.Value)
	}
	return true
}

func equal(a, b any) bool {
	if fa, ok := number(a); ok {
		if fb, ok := number(b); ok {
			return fa == fb
		}
	}
	return stringify(a) == stringify(b)
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, stringify(needle))
	case []any:
		for _, item := range h {
			if equal(item, needle) {
				return true
			}
		}
	case map[string]any:
		_, ok := h[stringify(needle)]
		return ok
	}
	return false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func decodeStep(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return appErr.NewConfig("step config: %v", err)
	}
	return nil
}
