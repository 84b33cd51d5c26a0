package worker

import (
	"os"
	"path/filepath"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpanda/framebox/frame"
	"github.com/openpanda/framebox/policy"
	"github.com/openpanda/framebox/sandbox"
)

func testFrame(t *testing.T) *frame.Frame {
	t.Helper()
	f, err := frame.New(
		frame.Column{Name: "name", Type: frame.TypeText, Values: []any{"alice", "bob", "carol"}},
		frame.Column{Name: "age", Type: frame.TypeNumber, Values: []any{34, 28, 45}},
		frame.Column{Name: "joined", Type: frame.TypeTime, Values: []any{"2020-01-15", "2021-06-01", "2019-11-30"}},
	)
	require.NoError(t, err)
	return f
}

func execute(t *testing.T, script string) sandbox.Envelope {
	t.Helper()
	return ExecuteScript(script, testFrame(t), Options{MaxResultBytes: 8 * 1024 * 1024})
}

func TestExecuteScriptValues(t *testing.T) {
	t.Run("NumberResult", func(t *testing.T) {
		env := execute(t, `result = dataset.mean("age");`)
		require.Equal(t, sandbox.EnvelopeOK, env.Status)
		require.NotNil(t, env.Value)
		assert.Equal(t, sandbox.ValueNumber, env.Value.Kind)
		assert.InDelta(t, 107.0/3.0, env.Value.Number, 0.001)
	})

	t.Run("BoolResult", func(t *testing.T) {
		env := execute(t, `result = dataset.count() > 2;`)
		require.Equal(t, sandbox.EnvelopeOK, env.Status)
		assert.Equal(t, sandbox.ValueBool, env.Value.Kind)
		assert.True(t, env.Value.Bool)
	})

	t.Run("TextResult", func(t *testing.T) {
		env := execute(t, `result = "oldest is " + dataset.sortBy("age", false).head(1).column("name")[0];`)
		require.Equal(t, sandbox.EnvelopeOK, env.Status)
		assert.Equal(t, sandbox.ValueText, env.Value.Kind)
		assert.Equal(t, "oldest is carol", env.Value.Text)
	})

	t.Run("ListResult", func(t *testing.T) {
		env := execute(t, `result = dataset.unique("name");`)
		require.Equal(t, sandbox.EnvelopeOK, env.Status)
		assert.Equal(t, sandbox.ValueList, env.Value.Kind)
		assert.Len(t, env.Value.List, 3)
	})

	t.Run("TableResult", func(t *testing.T) {
		env := execute(t, `result = dataset.filter(r => r.age > 30).select("name", "age");`)
		require.Equal(t, sandbox.EnvelopeOK, env.Status)
		require.Equal(t, sandbox.ValueTable, env.Value.Kind)
		require.NotNil(t, env.Value.Table)
		assert.Equal(t, 2, env.Value.Table.NumRows())
		assert.Equal(t, []string{"name", "age"}, env.Value.Table.ColumnNames())
	})

	t.Run("DeclaredResultBinding", func(t *testing.T) {
		env := execute(t, `const result = dataset.count();`)
		require.Equal(t, sandbox.EnvelopeOK, env.Status)
		assert.Equal(t, sandbox.ValueNumber, env.Value.Kind)
		assert.Equal(t, float64(3), env.Value.Number)
	})

	t.Run("PlainObjectBecomesJSONText", func(t *testing.T) {
		env := execute(t, `result = {count: dataset.count()};`)
		require.Equal(t, sandbox.EnvelopeOK, env.Status)
		assert.Equal(t, sandbox.ValueText, env.Value.Kind)
		assert.JSONEq(t, `{"count":3}`, env.Value.Text)
	})
}

func TestExecuteScriptFallbacks(t *testing.T) {
	t.Run("StdoutFallbackWhenNoResult", func(t *testing.T) {
		env := execute(t, `print("the answer is", dataset.count());`)
		require.Equal(t, sandbox.EnvelopeOK, env.Status)
		assert.Equal(t, sandbox.ValueText, env.Value.Kind)
		assert.Equal(t, "the answer is 3", env.Value.Text)
		assert.Contains(t, env.Stdout, "the answer is 3")
	})

	t.Run("NoResultNoOutput", func(t *testing.T) {
		env := execute(t, `const x = 1;`)
		require.Equal(t, sandbox.EnvelopeOK, env.Status)
		assert.Equal(t, sandbox.ValueText, env.Value.Kind)
		assert.Contains(t, env.Value.Text, "produced no result")
	})

	t.Run("ConsoleLogCaptured", func(t *testing.T) {
		env := execute(t, `console.log("step 1"); console.log("step 2"); result = 1;`)
		require.Equal(t, sandbox.EnvelopeOK, env.Status)
		assert.Contains(t, env.Stdout, "step 1")
		assert.Contains(t, env.Stdout, "step 2")
	})
}

func TestExecuteScriptErrors(t *testing.T) {
	t.Run("ThrownErrorIsRuntimeError", func(t *testing.T) {
		env := execute(t, `throw "boom";`)
		require.Equal(t, sandbox.EnvelopeError, env.Status)
		assert.Equal(t, sandbox.EnvelopeKindRuntimeError, env.Kind)
		assert.Contains(t, env.Message, "boom")
	})

	t.Run("UnknownColumnIsRuntimeError", func(t *testing.T) {
		env := execute(t, `result = dataset.mean("salary");`)
		require.Equal(t, sandbox.EnvelopeError, env.Status)
		assert.Equal(t, sandbox.EnvelopeKindRuntimeError, env.Kind)
		assert.Contains(t, env.Message, "salary")
	})

	t.Run("StdoutSurvivesFailure", func(t *testing.T) {
		env := execute(t, `print("before the error"); throw "late failure";`)
		require.Equal(t, sandbox.EnvelopeError, env.Status)
		assert.Contains(t, env.Stdout, "before the error")
	})

	t.Run("EvalIsBlankedEvenWithoutValidation", func(t *testing.T) {
		// ExecuteScript does not validate; the engine-level blanking is the
		// second line of defense.
		env := execute(t, `result = eval("1 + 1");`)
		require.Equal(t, sandbox.EnvelopeError, env.Status)
		assert.Equal(t, sandbox.EnvelopeKindRuntimeError, env.Kind)
	})
}

func TestHelpers(t *testing.T) {
	t.Run("Round", func(t *testing.T) {
		env := execute(t, `result = round(3.14159, 2);`)
		require.Equal(t, sandbox.EnvelopeOK, env.Status)
		assert.Equal(t, 3.14, env.Value.Number)
	})

	t.Run("DateParts", func(t *testing.T) {
		env := execute(t, `result = [year("2020-01-15"), month("2020-01-15"), day("2020-01-15")];`)
		require.Equal(t, sandbox.EnvelopeOK, env.Status)
		require.Equal(t, sandbox.ValueList, env.Value.Kind)
		assert.Equal(t, []any{int64(2020), int64(1), int64(15)}, env.Value.List)
	})

	t.Run("DaysBetween", func(t *testing.T) {
		env := execute(t, `result = daysBetween("2020-01-01", "2020-01-31");`)
		require.Equal(t, sandbox.EnvelopeOK, env.Status)
		assert.Equal(t, float64(30), env.Value.Number)
	})

	t.Run("FormatCurrency", func(t *testing.T) {
		env := execute(t, `result = formatCurrency(1234567.5);`)
		require.Equal(t, sandbox.EnvelopeOK, env.Status)
		assert.Equal(t, "$1,234,567.50", env.Value.Text)
	})

	t.Run("BadDateIsRuntimeError", func(t *testing.T) {
		env := execute(t, `result = year("not a date");`)
		require.Equal(t, sandbox.EnvelopeError, env.Status)
		assert.Equal(t, sandbox.EnvelopeKindRuntimeError, env.Kind)
	})
}

func TestResultCap(t *testing.T) {
	t.Run("OversizedTextTruncated", func(t *testing.T) {
		script := `let s = "x"; for (let i = 0; i < 12; i++) { s = s + s; } result = s;`
		env := ExecuteScript(script, testFrame(t), Options{MaxResultBytes: 1024})
		require.Equal(t, sandbox.EnvelopeOK, env.Status)
		assert.LessOrEqual(t, len(env.Value.Text), 1024)
		assert.Contains(t, env.Stdout, "truncated")
	})

	t.Run("MultibyteTextTrimmedAtRuneBoundary", func(t *testing.T) {
		script := `let s = "日本語データ"; for (let i = 0; i < 10; i++) { s = s + s; } result = s;`
		env := ExecuteScript(script, testFrame(t), Options{MaxResultBytes: 1024})
		require.Equal(t, sandbox.EnvelopeOK, env.Status)
		assert.LessOrEqual(t, len(env.Value.Text), 1024)
		assert.True(t, utf8.ValidString(env.Value.Text), "truncation must not split a rune")
	})

	t.Run("SmallResultUntouched", func(t *testing.T) {
		env := ExecuteScript(`result = 42;`, testFrame(t), Options{MaxResultBytes: 1024})
		require.Equal(t, sandbox.EnvelopeOK, env.Status)
		assert.Equal(t, float64(42), env.Value.Number)
		assert.NotContains(t, env.Stdout, "truncated")
	})
}

func TestCappedBuffer(t *testing.T) {
	t.Run("KeepsWholeRunes", func(t *testing.T) {
		buf := &cappedBuffer{remaining: 5}
		buf.WriteLine("日本語")
		assert.True(t, utf8.ValidString(buf.String()))
		assert.Equal(t, "日\n", buf.String())
	})

	t.Run("DropsOnceFull", func(t *testing.T) {
		buf := &cappedBuffer{remaining: 6}
		buf.WriteLine("hello")
		buf.WriteLine("more")
		assert.Equal(t, "hello\n", buf.String())
	})
}

func TestInputIsolation(t *testing.T) {
	// Mutating rows returned by the table binding must never reach the
	// caller's frame: the worker operates on a decoded snapshot anyway, and
	// rows() materializes fresh maps.
	f := testFrame(t)
	env := ExecuteScript(`const rows = dataset.rows(); rows[0].age = 999; result = dataset.max("age");`, f, Options{MaxResultBytes: 1 << 20})
	require.Equal(t, sandbox.EnvelopeOK, env.Status)
	assert.Equal(t, float64(45), env.Value.Number)

	col, err := f.Column("age")
	require.NoError(t, err)
	assert.Equal(t, float64(34), col.Values[0])
}

func TestRun(t *testing.T) {
	t.Run("WritesEnvelopeFile", func(t *testing.T) {
		dir := t.TempDir()
		framePath := filepath.Join(dir, "frame.json")
		scriptPath := filepath.Join(dir, "script.js")
		resultPath := filepath.Join(dir, "result.json")

		frameData, err := testFrame(t).MarshalJSON()
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(framePath, frameData, 0o600))
		require.NoError(t, os.WriteFile(scriptPath, []byte(`result = dataset.count();`), 0o600))

		require.NoError(t, Run(framePath, scriptPath, resultPath, Options{MaxResultBytes: 1 << 20}))

		raw, err := os.ReadFile(resultPath)
		require.NoError(t, err)
		outcome := sandbox.DecodeEnvelope(raw)
		require.Equal(t, sandbox.StatusSuccess, outcome.Status)
		assert.Equal(t, float64(3), outcome.Value.Number)
	})

	t.Run("RevalidatesScript", func(t *testing.T) {
		dir := t.TempDir()
		framePath := filepath.Join(dir, "frame.json")
		scriptPath := filepath.Join(dir, "script.js")
		resultPath := filepath.Join(dir, "result.json")

		frameData, err := testFrame(t).MarshalJSON()
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(framePath, frameData, 0o600))
		require.NoError(t, os.WriteFile(scriptPath, []byte(`result = fetch("http://example.com");`), 0o600))

		require.NoError(t, Run(framePath, scriptPath, resultPath, Options{MaxResultBytes: 1 << 20}))

		raw, err := os.ReadFile(resultPath)
		require.NoError(t, err)
		outcome := sandbox.DecodeEnvelope(raw)
		assert.Equal(t, sandbox.StatusSecurityViolation, outcome.Status)
		assert.Equal(t, policy.ForbiddenCall, outcome.ViolationKind)
	})

	t.Run("MissingFrameIsInternalError", func(t *testing.T) {
		dir := t.TempDir()
		scriptPath := filepath.Join(dir, "script.js")
		resultPath := filepath.Join(dir, "result.json")
		require.NoError(t, os.WriteFile(scriptPath, []byte(`result = 1;`), 0o600))

		require.NoError(t, Run(filepath.Join(dir, "missing.json"), scriptPath, resultPath, Options{}))

		raw, err := os.ReadFile(resultPath)
		require.NoError(t, err)
		outcome := sandbox.DecodeEnvelope(raw)
		assert.Equal(t, sandbox.StatusRuntimeError, outcome.Status)
	})
}
