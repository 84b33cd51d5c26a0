package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openpanda/framebox/config"
	"github.com/openpanda/framebox/executor"
	"github.com/openpanda/framebox/sandbox"
)

// stubBackend implements sandbox.Executor for testing
type stubBackend struct {
	outcome sandbox.Outcome
}

func (s *stubBackend) Execute(_ context.Context, _ sandbox.Request) (sandbox.Outcome, error) {
	return s.outcome, nil
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
		Logging: config.LoggingConfig{Mode: "production", Level: "info"},
	}
}

func newTestServer(t *testing.T, backend sandbox.Executor) *MCPServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := testConfig()
	orch, err := executor.New(logger, cfg, executor.WithBackend(backend))
	require.NoError(t, err)
	server, err := New(cfg, logger, orch)
	require.NoError(t, err)
	return server
}

func toolRequest(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func textContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, result.Content, 1)
	content, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return content.Text
}

const testDatasetJSON = `{"columns":[{"name":"age","type":"number","values":[30,40]}]}`

func TestNewMCPServer(t *testing.T) {
	server := newTestServer(t, &stubBackend{})
	require.NotNil(t, server)
	assert.NotNil(t, server.mcpServer)
	assert.NotNil(t, server.GetMCPServer())
}

func TestHandleExecuteDatasetScript(t *testing.T) {
	t.Run("SuccessfulExecution", func(t *testing.T) {
		server := newTestServer(t, &stubBackend{outcome: sandbox.Outcome{
			Status: sandbox.StatusSuccess,
			Value:  &sandbox.ResultValue{Kind: sandbox.ValueNumber, Number: 35},
		}})

		result, err := server.handleExecuteDatasetScript(context.Background(), toolRequest(map[string]any{
			"script":  `result = dataset.mean("age");`,
			"dataset": testDatasetJSON,
		}))
		require.NoError(t, err)
		assert.False(t, result.IsError)

		var payload outcomePayload
		require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &payload))
		assert.Equal(t, "success", payload.Status)
		assert.Equal(t, float64(35), payload.Value.Number)
	})

	t.Run("SecurityViolationIsErrorResult", func(t *testing.T) {
		server := newTestServer(t, &stubBackend{})

		result, err := server.handleExecuteDatasetScript(context.Background(), toolRequest(map[string]any{
			"script":  `result = eval("1");`,
			"dataset": testDatasetJSON,
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)

		var payload outcomePayload
		require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &payload))
		assert.Equal(t, "security_violation", payload.Status)
		assert.Equal(t, "forbidden_call", payload.ViolationKind)
	})

	t.Run("InvalidDatasetIsErrorResult", func(t *testing.T) {
		server := newTestServer(t, &stubBackend{})

		result, err := server.handleExecuteDatasetScript(context.Background(), toolRequest(map[string]any{
			"script":  `result = 1;`,
			"dataset": `{"columns": [`,
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, textContent(t, result), "invalid dataset")
	})

	t.Run("MissingScriptParameter", func(t *testing.T) {
		server := newTestServer(t, &stubBackend{})
		_, err := server.handleExecuteDatasetScript(context.Background(), toolRequest(map[string]any{
			"dataset": testDatasetJSON,
		}))
		require.Error(t, err)
	})

	t.Run("MissingDatasetParameter", func(t *testing.T) {
		server := newTestServer(t, &stubBackend{})
		_, err := server.handleExecuteDatasetScript(context.Background(), toolRequest(map[string]any{
			"script": `result = 1;`,
		}))
		require.Error(t, err)
	})
}

func TestHandleValidateDatasetScript(t *testing.T) {
	server := newTestServer(t, &stubBackend{})

	t.Run("AllowedScript", func(t *testing.T) {
		result, err := server.handleValidateDatasetScript(context.Background(), toolRequest(map[string]any{
			"script": `result = dataset.count();`,
		}))
		require.NoError(t, err)

		var payload verdictPayload
		require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &payload))
		assert.True(t, payload.Allowed)
		assert.Empty(t, payload.Kind)
	})

	t.Run("RejectedScript", func(t *testing.T) {
		result, err := server.handleValidateDatasetScript(context.Background(), toolRequest(map[string]any{
			"script": `dataset = null;`,
		}))
		require.NoError(t, err)

		var payload verdictPayload
		require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &payload))
		assert.False(t, payload.Allowed)
		assert.Equal(t, "overwrites_input", payload.Kind)
	})

	t.Run("MissingScriptParameter", func(t *testing.T) {
		_, err := server.handleValidateDatasetScript(context.Background(), toolRequest(nil))
		require.Error(t, err)
	})
}
