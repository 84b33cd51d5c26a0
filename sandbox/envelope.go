package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/openpanda/framebox/frame"
	"github.com/openpanda/framebox/policy"
)

// ValueKind identifies the shape of a script's result value.
type ValueKind string

// Result value kinds
const (
	ValueTable  ValueKind = "table"
	ValueNumber ValueKind = "number"
	ValueBool   ValueKind = "bool"
	ValueText   ValueKind = "text"
	ValueList   ValueKind = "list"
)

// ResultValue is the reconstructed value a script stored under the reserved
// output binding. Exactly one field matching Kind is populated.
type ResultValue struct {
	Kind   ValueKind    `json:"kind"`
	Table  *frame.Frame `json:"table,omitempty"`
	Number float64      `json:"number,omitempty"`
	Bool   bool         `json:"bool,omitempty"`
	Text   string       `json:"text,omitempty"`
	List   []any        `json:"list,omitempty"`
}

// Envelope statuses written by the worker.
const (
	EnvelopeOK    = "ok"
	EnvelopeError = "error"
)

// Worker-side error classifications carried inside an error envelope.
const (
	EnvelopeKindRuntimeError      = "runtime_error"
	EnvelopeKindSecurityViolation = "security_violation"
	EnvelopeKindInternal          = "internal"
)

// Envelope is the single JSON document a worker writes before exiting. It
// is the only channel through which an in-sandbox outcome reaches the
// parent process.
type Envelope struct {
	Status string `json:"status"`
	Kind   string `json:"kind,omitempty"`
	// Violation names the policy rule behind a security_violation kind, so
	// the classification survives the boundary crossing.
	Violation string       `json:"violation,omitempty"`
	Message   string       `json:"message,omitempty"`
	Stdout    string       `json:"stdout,omitempty"`
	Value     *ResultValue `json:"value,omitempty"`
}

// EncodeEnvelope serializes an envelope for the boundary.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding result envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses the bytes a boundary produced and maps them onto an
// outcome. Decoding is pure deserialization: no part of the payload is ever
// evaluated. A missing or corrupt envelope is a runtime failure, never a
// silent success.
func DecodeEnvelope(raw []byte) Outcome {
	if len(raw) == 0 {
		return Outcome{
			Status:  StatusRuntimeError,
			Message: "sandbox produced no result",
		}
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Outcome{
			Status:  StatusRuntimeError,
			Message: "sandbox produced an unreadable result",
		}
	}

	switch env.Status {
	case EnvelopeOK:
		if env.Value == nil {
			return Outcome{
				Status:  StatusRuntimeError,
				Message: "sandbox reported success without a result value",
			}
		}
		return Outcome{
			Status: StatusSuccess,
			Value:  env.Value,
			Stdout: env.Stdout,
		}
	case EnvelopeError:
		status := StatusRuntimeError
		var violation policy.ViolationKind
		if env.Kind == EnvelopeKindSecurityViolation {
			status = StatusSecurityViolation
			violation = policy.ViolationKind(env.Violation)
		}
		message := TrimErrorMessage(env.Message)
		if message == "" {
			message = "the script failed without an error message"
		}
		return Outcome{
			Status:        status,
			Message:       message,
			ViolationKind: violation,
			Stdout:        env.Stdout,
		}
	default:
		return Outcome{
			Status:  StatusRuntimeError,
			Message: "sandbox produced an unreadable result",
		}
	}
}

// TrimErrorMessage reduces a raw in-sandbox error to a single summary line.
// Stack frames from the script engine and anything referencing host file
// paths are stripped so internal layout never leaks to callers.
func TrimErrorMessage(raw string) string {
	const maxLen = 500

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.Contains(line, ".go:") || strings.Contains(line, "goja") {
			continue
		}
		if strings.HasPrefix(line, "at ") || strings.HasPrefix(line, "\tat ") {
			continue
		}
		// Positions like "at script.js:3:10(8)" appended by the engine add
		// nothing for the caller.
		if idx := strings.Index(line, " at script.js:"); idx > 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if len(line) > maxLen {
			cut := maxLen
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			line = line[:cut]
		}
		return line
	}
	return ""
}
