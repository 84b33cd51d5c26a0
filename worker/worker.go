package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/dop251/goja"

	"github.com/openpanda/framebox/frame"
	"github.com/openpanda/framebox/policy"
	"github.com/openpanda/framebox/sandbox"
)

// maxCallStackDepth bounds script recursion inside the engine.
const maxCallStackDepth = 2048

// resultProbe is appended to every script so the run's value is the reserved
// output binding, whatever declaration form the script used for it.
const resultProbe = "\n;(typeof " + policy.OutputName + " === 'undefined') ? undefined : " + policy.OutputName + ";"

// Options tunes one script execution.
type Options struct {
	// MaxResultBytes caps the serialized result value. Oversized tables,
	// lists and text are truncated to fit.
	MaxResultBytes int
}

// Run is the worker entry point: it loads the dataset snapshot and script
// from the exchange files, executes, and writes the result envelope. The
// envelope is written even when execution fails; only an unwritable result
// file is reported as an error.
func Run(framePath, scriptPath, resultPath string, opts Options) error {
	env := produceEnvelope(framePath, scriptPath, opts)
	data, err := sandbox.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if err := os.WriteFile(resultPath, data, sandbox.FilePermission); err != nil {
		return fmt.Errorf("writing envelope: %w", err)
	}
	return nil
}

func produceEnvelope(framePath, scriptPath string, opts Options) sandbox.Envelope {
	frameData, err := os.ReadFile(framePath)
	if err != nil {
		return internalEnvelope(fmt.Sprintf("reading dataset snapshot: %v", err))
	}
	f, err := frame.Decode(frameData)
	if err != nil {
		return internalEnvelope(fmt.Sprintf("decoding dataset snapshot: %v", err))
	}

	scriptData, err := os.ReadFile(scriptPath)
	if err != nil {
		return internalEnvelope(fmt.Sprintf("reading script: %v", err))
	}
	script := string(scriptData)

	// Defense in depth: the server validated before dispatch, the worker
	// validates again before the engine ever sees the script.
	if verdict := policy.DefaultRules().Validate(script); !verdict.Allowed {
		return sandbox.Envelope{
			Status:    sandbox.EnvelopeError,
			Kind:      sandbox.EnvelopeKindSecurityViolation,
			Violation: string(verdict.Kind),
			Message:   verdict.Detail,
		}
	}

	return ExecuteScript(script, f, opts)
}

func internalEnvelope(message string) sandbox.Envelope {
	return sandbox.Envelope{
		Status:  sandbox.EnvelopeError,
		Kind:    sandbox.EnvelopeKindInternal,
		Message: message,
	}
}

// ExecuteScript runs one script against one frame in a fresh engine and
// returns the envelope describing what happened. The engine has no module
// loader, no host bindings beyond the dataset and the helpers, and is
// discarded afterwards.
func ExecuteScript(script string, f *frame.Frame, opts Options) (env sandbox.Envelope) {
	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStackDepth)

	out := newCappedBuffer()
	reg := make(tableRegistry)

	defer func() {
		if r := recover(); r != nil {
			env = internalEnvelope(fmt.Sprintf("engine panic: %v", r))
			env.Stdout = out.String()
		}
	}()

	if err := installGlobals(vm, reg, out); err != nil {
		return internalEnvelope(fmt.Sprintf("preparing engine: %v", err))
	}
	dataset := newTableObject(vm, reg, f)
	if err := vm.Set(policy.InputName, dataset); err != nil {
		return internalEnvelope(fmt.Sprintf("binding dataset: %v", err))
	}

	value, runErr := vm.RunString(script + resultProbe)
	if runErr != nil {
		return sandbox.Envelope{
			Status:  sandbox.EnvelopeError,
			Kind:    sandbox.EnvelopeKindRuntimeError,
			Message: runtimeErrorMessage(runErr),
			Stdout:  out.String(),
		}
	}

	result, stdout := exportResult(reg, value, out.String())
	truncated := enforceResultCap(result, opts.MaxResultBytes)
	if truncated {
		stdout = appendLine(stdout, "note: the result exceeded the size limit and was truncated")
	}
	return sandbox.Envelope{
		Status: sandbox.EnvelopeOK,
		Stdout: stdout,
		Value:  result,
	}
}

// runtimeErrorMessage extracts the thrown value's message without the
// engine's stack rendering.
func runtimeErrorMessage(err error) string {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return ex.Value().String()
	}
	return err.Error()
}

// exportResult maps the run's value onto a result value. A script that
// stores nothing under the output binding falls back to whatever it printed;
// a script that does neither gets a fixed explanatory text.
func exportResult(reg tableRegistry, value goja.Value, stdout string) (*sandbox.ResultValue, string) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		if stdout != "" {
			return &sandbox.ResultValue{Kind: sandbox.ValueText, Text: strings.TrimRight(stdout, "\n")}, stdout
		}
		return &sandbox.ResultValue{Kind: sandbox.ValueText, Text: "the script executed but produced no result"}, stdout
	}

	if obj, ok := value.(*goja.Object); ok {
		if f, found := reg[obj]; found {
			return &sandbox.ResultValue{Kind: sandbox.ValueTable, Table: f}, stdout
		}
	}

	switch v := value.Export().(type) {
	case int64:
		return &sandbox.ResultValue{Kind: sandbox.ValueNumber, Number: float64(v)}, stdout
	case float64:
		return &sandbox.ResultValue{Kind: sandbox.ValueNumber, Number: v}, stdout
	case bool:
		return &sandbox.ResultValue{Kind: sandbox.ValueBool, Bool: v}, stdout
	case string:
		return &sandbox.ResultValue{Kind: sandbox.ValueText, Text: v}, stdout
	case []any:
		return &sandbox.ResultValue{Kind: sandbox.ValueList, List: v}, stdout
	default:
		// Plain objects and anything else export as JSON text.
		if data, err := json.Marshal(v); err == nil {
			return &sandbox.ResultValue{Kind: sandbox.ValueText, Text: string(data)}, stdout
		}
		return &sandbox.ResultValue{Kind: sandbox.ValueText, Text: fmt.Sprint(v)}, stdout
	}
}

// enforceResultCap shrinks an oversized result value in place until its
// serialized form fits maxBytes. It reports whether anything was cut.
func enforceResultCap(value *sandbox.ResultValue, maxBytes int) bool {
	if maxBytes <= 0 || fitsWithin(value, maxBytes) {
		return false
	}

	switch value.Kind {
	case sandbox.ValueText:
		if len(value.Text) > maxBytes {
			value.Text = trimToRuneBoundary(value.Text, maxBytes)
		}
		for !fitsWithin(value, maxBytes) && len(value.Text) > 0 {
			value.Text = trimToRuneBoundary(value.Text, len(value.Text)/2)
		}
	case sandbox.ValueTable:
		rows := value.Table.NumRows()
		for rows > 0 && !fitsWithin(value, maxBytes) {
			rows /= 2
			value.Table = value.Table.Head(rows)
		}
	case sandbox.ValueList:
		for len(value.List) > 0 && !fitsWithin(value, maxBytes) {
			value.List = value.List[:len(value.List)/2]
		}
	}
	return true
}

// trimToRuneBoundary cuts s to at most n bytes without splitting a UTF-8
// sequence.
func trimToRuneBoundary(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func fitsWithin(value *sandbox.ResultValue, maxBytes int) bool {
	data, err := json.Marshal(value)
	if err != nil {
		return false
	}
	return len(data) <= maxBytes
}

func appendLine(s, line string) string {
	if s != "" && !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s + line + "\n"
}
