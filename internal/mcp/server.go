// Package mcp serves the tool surface as a Model Context Protocol server
// over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/schaermu/claude-sync/internal/tools"
)

const instructions = "Syncs Claude Code settings through a Git mirror. " +
	"Check state with sync_status, then use sync_push and sync_pull."

// Toolset is what the server exposes
type Toolset interface {
	Definitions() []tools.Definition
	Call(ctx context.Context, name string, args json.RawMessage) (any, error)
}

// Server answers MCP requests using a Toolset
type Server struct {
	tools   Toolset
	name    string
	version string
	logger  *slog.Logger
	mcp     *server.MCPServer
}

// NewServer creates a server identifying itself as name/version and
// registers every tool the Toolset defines.
func NewServer(ts Toolset, name, version string, logger *slog.Logger) (*Server, error) {
	s := &Server{
		tools:   ts,
		name:    name,
		version: version,
		logger:  logger,
		mcp: server.NewMCPServer(name, version,
			server.WithToolCapabilities(false),
			server.WithInstructions(instructions),
			server.WithRecovery(),
		),
	}

	for _, def := range ts.Definitions() {
		schema, err := json.Marshal(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("failed to encode schema for %s: %w", def.Name, err)
		}
		s.mcp.AddTool(mcp.NewToolWithRawSchema(def.Name, def.Description, schema), s.handler(def.Name))
	}
	return s, nil
}

// Serve reads requests from r until EOF or ctx is cancelled and writes
// responses to w.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.logger.Info("mcp server started", "name", s.name, "version", s.version)

	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	if err := stdio.Listen(ctx, r, w); err != nil {
		return err
	}

	s.logger.Info("mcp server stopped")
	return nil
}

// handler wraps a tool result, or its failure, as text content.
func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s.logger.Debug("tool request", "tool", name)

		var args json.RawMessage
		if raw := req.GetRawArguments(); raw != nil {
			data, err := json.Marshal(raw)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			args = data
		}

		result, err := s.tools.Call(ctx, name, args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		data, err := json.Marshal(result)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		res := mcp.NewToolResultText(string(data))
		_, res.IsError = result.(tools.Failure)
		return res, nil
	}
}
