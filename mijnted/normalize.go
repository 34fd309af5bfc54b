package mijnted

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// The API returns payloads either directly or wrapped as {"value": ...}. These
// helpers normalize both shapes and fall back to empty values.

func asList(v any) []any {
	switch v := v.(type) {
	case []any:
		return v
	case map[string]any:
		if list, ok := v["value"].([]any); ok {
			return list
		}
	}
	return []any{}
}

func asMap(v any) map[string]any {
	m, ok := v.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	if inner, ok := m["value"].(map[string]any); ok {
		return inner
	}
	return m
}

func asString(v any) string {
	if m, ok := v.(map[string]any); ok {
		v = m["value"]
	}
	return stringValue(v)
}

func stringValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case map[string]any, []any:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func floatValue(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

// parseBody decodes a 200 response. Non-JSON content is still tried as JSON
// and otherwise returned as {"value": text}.
func parseBody(contentType string, body []byte) (any, error) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return nil, nil
	}

	var res any
	err := json.Unmarshal(body, &res)

	if strings.Contains(strings.ToLower(contentType), "json") {
		if err != nil {
			return nil, &Error{Kind: ErrAPI, Status: 200, Body: string(body), Msg: "invalid json response", Err: err}
		}
		return res, nil
	}

	if err == nil {
		return res, nil
	}

	return map[string]any{"value": text}, nil
}
