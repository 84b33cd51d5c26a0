// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the dataset script pipeline over MCP using
// the mark3labs/mcp-go library. Two tools are registered:
// execute_dataset_script runs a validated script against a dataset in an
// isolated sandbox, and validate_dataset_script statically checks a script
// without running it.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/openpanda/framebox/config"
	"github.com/openpanda/framebox/executor"
	"github.com/openpanda/framebox/frame"
	"github.com/openpanda/framebox/sandbox"
)

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	orch      *executor.Orchestrator
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, orch *executor.Orchestrator) (*MCPServer, error) {
	s := &MCPServer{
		config: cfg,
		logger: logger,
		orch:   orch,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.String("sandbox.backend", s.config.Sandbox.Backend),
		zap.Int("sandbox.timeout_sec", s.config.Sandbox.TimeoutSec),
		zap.Int("sandbox.memory_mb", s.config.Sandbox.MemoryMB),
		zap.Int("sandbox.cpu_seconds", s.config.Sandbox.CPUSeconds),
		zap.Int("sandbox.max_result_mb", s.config.Sandbox.MaxResultMB),
		zap.String("sandbox.image", s.config.Sandbox.Image),
		zap.Bool("sandbox.fallback_to_subprocess", s.config.Sandbox.FallbackToSubprocess),
	)

	// Create the MCP server
	s.mcpServer = server.NewMCPServer("framebox", "A secure dataset script execution server")

	s.registerExecuteDatasetScriptTool()
	s.registerValidateDatasetScriptTool()

	return s, nil
}

// registerExecuteDatasetScriptTool registers the execute_dataset_script tool
func (s *MCPServer) registerExecuteDatasetScriptTool() {
	tool := mcp.Tool{
		Name:        "execute_dataset_script",
		Description: "Validate and execute an untrusted dataset script in an isolated sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"script": map[string]any{
					"type":        "string",
					"description": "JavaScript script operating on the reserved 'dataset' binding and storing its answer in 'result'",
				},
				"dataset": map[string]any{
					"type":        "string",
					"description": "Columnar dataset JSON: {\"columns\":[{\"name\",\"type\",\"values\"}]}",
				},
				"timeout_sec": map[string]any{
					"type":        "integer",
					"description": "Wall-clock time budget in seconds (optional, defaults to the configured budget and cannot exceed it)",
				},
			},
			Required: []string{"script", "dataset"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteDatasetScript)
}

// registerValidateDatasetScriptTool registers the validate_dataset_script tool
func (s *MCPServer) registerValidateDatasetScriptTool() {
	tool := mcp.Tool{
		Name:        "validate_dataset_script",
		Description: "Statically validate a dataset script against the execution policy without running it",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"script": map[string]any{
					"type":        "string",
					"description": "JavaScript script to check",
				},
			},
			Required: []string{"script"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleValidateDatasetScript)
}

// outcomePayload is the JSON shape returned to MCP clients for executions.
type outcomePayload struct {
	Status        string               `json:"status"`
	Value         *sandbox.ResultValue `json:"value,omitempty"`
	Stdout        string               `json:"stdout,omitempty"`
	Message       string               `json:"message,omitempty"`
	ViolationKind string               `json:"violation_kind,omitempty"`
	DurationMS    int64                `json:"duration_ms"`
}

// handleExecuteDatasetScript handles the execute_dataset_script tool
func (s *MCPServer) handleExecuteDatasetScript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logger.Info("script execution requested")

	script, err := request.RequireString("script")
	if err != nil {
		return nil, fmt.Errorf("script parameter is required: %w", err)
	}

	datasetJSON, err := request.RequireString("dataset")
	if err != nil {
		return nil, fmt.Errorf("dataset parameter is required: %w", err)
	}

	dataset, err := frame.Decode([]byte(datasetJSON))
	if err != nil {
		return errorResult(fmt.Sprintf("invalid dataset: %v", err)), nil
	}

	timeoutSec := request.GetInt("timeout_sec", 0)

	outcome, err := s.orch.Execute(ctx, script, dataset, timeoutSec)
	if err != nil {
		s.logger.Error("script execution failed", zap.Error(err))
		return errorResult(fmt.Sprintf("Execution failed: %v", err)), nil
	}

	payload := outcomePayload{
		Status:        string(outcome.Status),
		Value:         outcome.Value,
		Stdout:        outcome.Stdout,
		Message:       outcome.Message,
		ViolationKind: string(outcome.ViolationKind),
		DurationMS:    outcome.Duration.Milliseconds(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return errorResult(fmt.Sprintf("encoding outcome: %v", err)), nil
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
		IsError: !outcome.OK(),
	}, nil
}

// verdictPayload is the JSON shape returned to MCP clients for validations.
type verdictPayload struct {
	Allowed bool   `json:"allowed"`
	Kind    string `json:"kind,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// handleValidateDatasetScript handles the validate_dataset_script tool
func (s *MCPServer) handleValidateDatasetScript(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	script, err := request.RequireString("script")
	if err != nil {
		return nil, fmt.Errorf("script parameter is required: %w", err)
	}

	verdict := s.orch.Validate(script)
	payload := verdictPayload{
		Allowed: verdict.Allowed,
		Kind:    string(verdict.Kind),
		Detail:  verdict.Detail,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return errorResult(fmt.Sprintf("encoding verdict: %v", err)), nil
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
	}, nil
}

func errorResult(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: message,
			},
		},
		IsError: true,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
