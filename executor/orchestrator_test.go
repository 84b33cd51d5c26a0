package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openpanda/framebox/config"
	"github.com/openpanda/framebox/frame"
	"github.com/openpanda/framebox/policy"
	"github.com/openpanda/framebox/sandbox"
)

// stubBackend implements sandbox.Executor and records what it was asked to
// run.
type stubBackend struct {
	outcome  sandbox.Outcome
	err      error
	requests []sandbox.Request
}

func (s *stubBackend) Execute(_ context.Context, req sandbox.Request) (sandbox.Outcome, error) {
	s.requests = append(s.requests, req)
	return s.outcome, s.err
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Transport: "stdio", HTTPPort: 8080},
		Sandbox: config.SandboxConfig{
			Backend:      "subprocess",
			TimeoutSec:   10,
			MemoryMB:     512,
			CPUSeconds:   15,
			MaxResultMB:  8,
			WorkerBinary: "framebox-worker",
			Image:        "framebox-sandbox:latest",
		},
		Logging: config.LoggingConfig{Mode: "development", Level: "debug"},
	}
}

func testDataset(t *testing.T) *frame.Frame {
	t.Helper()
	f, err := frame.New(
		frame.Column{Name: "age", Type: frame.TypeNumber, Values: []any{30, 40}},
	)
	require.NoError(t, err)
	return f
}

func TestNew(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("SubprocessBackendNoFallback", func(t *testing.T) {
		o, err := New(logger, testConfig())
		require.NoError(t, err)
		assert.NotNil(t, o.backend)
		assert.Nil(t, o.fallback)
	})

	t.Run("ContainerBackendGetsFallback", func(t *testing.T) {
		cfg := testConfig()
		cfg.Sandbox.Backend = "docker"
		cfg.Sandbox.FallbackToSubprocess = true
		o, err := New(logger, cfg)
		require.NoError(t, err)
		assert.NotNil(t, o.fallback)
	})

	t.Run("FallbackCanBeDisabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.Sandbox.Backend = "docker"
		cfg.Sandbox.FallbackToSubprocess = false
		o, err := New(logger, cfg)
		require.NoError(t, err)
		assert.Nil(t, o.fallback)
	})

	t.Run("UnknownBackend", func(t *testing.T) {
		cfg := testConfig()
		cfg.Sandbox.Backend = "chroot"
		_, err := New(logger, cfg)
		require.Error(t, err)
	})
}

func TestExecute(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("SuccessPassesThrough", func(t *testing.T) {
		backend := &stubBackend{outcome: sandbox.Outcome{
			Status: sandbox.StatusSuccess,
			Value:  &sandbox.ResultValue{Kind: sandbox.ValueNumber, Number: 35},
		}}
		o, err := New(logger, testConfig(), WithBackend(backend))
		require.NoError(t, err)

		outcome, err := o.Execute(context.Background(), `result = dataset.mean("age");`, testDataset(t), 0)
		require.NoError(t, err)
		assert.Equal(t, sandbox.StatusSuccess, outcome.Status)
		assert.Equal(t, float64(35), outcome.Value.Number)
		require.Len(t, backend.requests, 1)
	})

	t.Run("InvalidScriptNeverReachesBackend", func(t *testing.T) {
		backend := &stubBackend{}
		o, err := New(logger, testConfig(), WithBackend(backend))
		require.NoError(t, err)

		outcome, err := o.Execute(context.Background(), `result = eval("1");`, testDataset(t), 0)
		require.NoError(t, err)
		assert.Equal(t, sandbox.StatusSecurityViolation, outcome.Status)
		assert.Equal(t, policy.ForbiddenCall, outcome.ViolationKind)
		assert.Empty(t, backend.requests, "rejected script must not be dispatched")
	})

	t.Run("UnparseableScriptRejected", func(t *testing.T) {
		backend := &stubBackend{}
		o, err := New(logger, testConfig(), WithBackend(backend))
		require.NoError(t, err)

		outcome, err := o.Execute(context.Background(), `result = ;`, testDataset(t), 0)
		require.NoError(t, err)
		assert.Equal(t, sandbox.StatusSecurityViolation, outcome.Status)
		assert.Equal(t, policy.Unparseable, outcome.ViolationKind)
		assert.Empty(t, backend.requests)
	})

	t.Run("DefaultTimeoutApplied", func(t *testing.T) {
		backend := &stubBackend{outcome: sandbox.Outcome{Status: sandbox.StatusSuccess, Value: &sandbox.ResultValue{Kind: sandbox.ValueNumber}}}
		o, err := New(logger, testConfig(), WithBackend(backend))
		require.NoError(t, err)

		_, err = o.Execute(context.Background(), `result = 1;`, testDataset(t), 0)
		require.NoError(t, err)
		require.Len(t, backend.requests, 1)
		assert.Equal(t, 10, backend.requests[0].TimeoutSec)
	})

	t.Run("ExplicitTimeoutOverrides", func(t *testing.T) {
		backend := &stubBackend{outcome: sandbox.Outcome{Status: sandbox.StatusSuccess, Value: &sandbox.ResultValue{Kind: sandbox.ValueNumber}}}
		o, err := New(logger, testConfig(), WithBackend(backend))
		require.NoError(t, err)

		_, err = o.Execute(context.Background(), `result = 1;`, testDataset(t), 3)
		require.NoError(t, err)
		require.Len(t, backend.requests, 1)
		assert.Equal(t, 3, backend.requests[0].TimeoutSec)
	})

	t.Run("OversizedTimeoutClampedToConfig", func(t *testing.T) {
		backend := &stubBackend{outcome: sandbox.Outcome{Status: sandbox.StatusSuccess, Value: &sandbox.ResultValue{Kind: sandbox.ValueNumber}}}
		o, err := New(logger, testConfig(), WithBackend(backend))
		require.NoError(t, err)

		_, err = o.Execute(context.Background(), `result = 1;`, testDataset(t), 100000)
		require.NoError(t, err)
		require.Len(t, backend.requests, 1)
		assert.Equal(t, 10, backend.requests[0].TimeoutSec)
	})

	t.Run("RequestCarriesFrameSnapshot", func(t *testing.T) {
		backend := &stubBackend{outcome: sandbox.Outcome{Status: sandbox.StatusSuccess, Value: &sandbox.ResultValue{Kind: sandbox.ValueNumber}}}
		o, err := New(logger, testConfig(), WithBackend(backend))
		require.NoError(t, err)

		_, err = o.Execute(context.Background(), `result = 1;`, testDataset(t), 0)
		require.NoError(t, err)
		require.Len(t, backend.requests, 1)

		decoded, err := frame.Decode(backend.requests[0].FrameJSON)
		require.NoError(t, err)
		assert.Equal(t, 2, decoded.NumRows())
	})

	t.Run("NilDatasetRejected", func(t *testing.T) {
		o, err := New(logger, testConfig(), WithBackend(&stubBackend{}))
		require.NoError(t, err)
		_, err = o.Execute(context.Background(), `result = 1;`, nil, 0)
		require.Error(t, err)
	})
}

func TestExecuteFallback(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("BoundaryErrorRetriesOnFallback", func(t *testing.T) {
		primary := &stubBackend{outcome: sandbox.BoundaryErrorOutcome("container runtime missing", 0)}
		fallback := &stubBackend{outcome: sandbox.Outcome{
			Status: sandbox.StatusSuccess,
			Value:  &sandbox.ResultValue{Kind: sandbox.ValueNumber, Number: 7},
		}}
		o, err := New(logger, testConfig(), WithBackend(primary), WithFallback(fallback))
		require.NoError(t, err)

		outcome, err := o.Execute(context.Background(), `result = 7;`, testDataset(t), 0)
		require.NoError(t, err)
		assert.Equal(t, sandbox.StatusSuccess, outcome.Status)
		assert.Len(t, primary.requests, 1)
		assert.Len(t, fallback.requests, 1)
	})

	t.Run("FallbackFailureIsFinal", func(t *testing.T) {
		primary := &stubBackend{outcome: sandbox.BoundaryErrorOutcome("no runtime", 0)}
		fallback := &stubBackend{outcome: sandbox.BoundaryErrorOutcome("no worker either", 0)}
		o, err := New(logger, testConfig(), WithBackend(primary), WithFallback(fallback))
		require.NoError(t, err)

		outcome, err := o.Execute(context.Background(), `result = 1;`, testDataset(t), 0)
		require.NoError(t, err)
		assert.Equal(t, sandbox.StatusBoundaryError, outcome.Status)
		assert.Len(t, fallback.requests, 1)
	})

	t.Run("ScriptFailuresDoNotTriggerFallback", func(t *testing.T) {
		primary := &stubBackend{outcome: sandbox.Outcome{Status: sandbox.StatusRuntimeError, Message: "boom"}}
		fallback := &stubBackend{}
		o, err := New(logger, testConfig(), WithBackend(primary), WithFallback(fallback))
		require.NoError(t, err)

		outcome, err := o.Execute(context.Background(), `result = 1;`, testDataset(t), 0)
		require.NoError(t, err)
		assert.Equal(t, sandbox.StatusRuntimeError, outcome.Status)
		assert.Empty(t, fallback.requests)
	})
}

func TestValidate(t *testing.T) {
	logger := zaptest.NewLogger(t)
	o, err := New(logger, testConfig())
	require.NoError(t, err)

	t.Run("AllowedScript", func(t *testing.T) {
		verdict := o.Validate(`result = dataset.count();`)
		assert.True(t, verdict.Allowed)
	})

	t.Run("RejectedScript", func(t *testing.T) {
		verdict := o.Validate(`dataset = null;`)
		require.False(t, verdict.Allowed)
		assert.Equal(t, policy.OverwritesInput, verdict.Kind)
	})
}
