package claude

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/harrison/aibuddy/internal/parser"
)

// cliEnvelope is the --output-format json wrapper written by the CLI.
type cliEnvelope struct {
	Type             string          `json:"type"`
	Subtype          string          `json:"subtype"`
	IsError          bool            `json:"is_error"`
	Result           *string         `json:"result"`
	Content          *string         `json:"content"`
	StructuredOutput json.RawMessage `json:"structured_output"`
	SessionID        string          `json:"session_id"`
}

// ParseResponse unwraps CLI output into the model's text and session id.
// Output that is not a CLI envelope is searched for a JSON object, which is
// returned as-is. Returns an error when the CLI reports is_error.
func ParseResponse(raw []byte) (string, string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return "", "", nil
	}

	payload := trimmed
	env, ok := decodeEnvelope(payload)
	if !ok {
		// Warnings printed before the envelope
		candidate := parser.ExtractJSON(trimmed)
		if candidate == "" {
			return "", "", nil
		}
		payload = candidate
		if env, ok = decodeEnvelope(payload); !ok {
			return payload, "", nil
		}
	}

	if env.IsError {
		msg := "claude reported an error"
		if env.Result != nil && *env.Result != "" {
			msg += ": " + *env.Result
		}
		return "", env.SessionID, errors.New(msg)
	}

	if len(env.StructuredOutput) > 0 && string(env.StructuredOutput) != "null" {
		return string(env.StructuredOutput), env.SessionID, nil
	}
	if env.Result != nil {
		return *env.Result, env.SessionID, nil
	}
	if env.Content != nil {
		return *env.Content, env.SessionID, nil
	}
	// A bare JSON payload without the wrapper fields
	return payload, env.SessionID, nil
}

// decodeEnvelope reports whether s is a JSON object. Payloads without any
// envelope fields still decode; the caller falls back to the raw text.
func decodeEnvelope(s string) (cliEnvelope, bool) {
	var env cliEnvelope
	if !strings.HasPrefix(s, "{") {
		return env, false
	}
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return env, false
	}
	return env, true
}
