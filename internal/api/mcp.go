package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/transsflow/fieldsync/internal/apperr"
	"github.com/transsflow/fieldsync/internal/storage"
	"github.com/transsflow/fieldsync/internal/syncer"
)

// MCPDispatcher is the write path exposed to MCP clients.
type MCPDispatcher interface {
	EnqueueOrSend(ctx context.Context, endpoint string, payload json.RawMessage) (syncer.Outcome, error)
	SyncStatus() (syncer.StatusView, error)
}

// PendingLister lists actions still waiting for delivery.
type PendingLister interface {
	ListPendingActions() ([]storage.QueuedAction, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Dispatcher MCPDispatcher
	Engine     SyncEngine
	Pending    PendingLister
	Version    string
}

// NewMCPServer creates an MCP server exposing the outbox and sync engine.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"fieldsync",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("fieldsync keeps writes made offline in a durable outbox and replays them when the backend is reachable."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("sync_status",
			mcp.WithDescription("Report the sync state, connectivity and the number of writes waiting to be delivered."),
		),
		mcpSyncStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_now",
			mcp.WithDescription("Replay pending writes against the backend and return the pass report."),
		),
		mcpSyncNow(deps),
	)

	s.AddTool(
		mcp.NewTool("enqueue_action",
			mcp.WithDescription("Send a write to the backend, or save it locally when offline."),
			mcp.WithString("endpoint", mcp.Description("Backend endpoint path, e.g. /api/inspections"), mcp.Required()),
			mcp.WithString("payload", mcp.Description("JSON document to send"), mcp.Required()),
		),
		mcpEnqueueAction(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"outbox://pending",
			"Pending Writes",
			mcp.WithResourceDescription("Writes that have not been delivered yet, oldest first"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePending(deps),
	)

	return s
}

func mcpSyncStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		v, err := deps.Dispatcher.SyncStatus()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read sync status: %v", err)), nil
		}
		return mcpJSON(v)
	}
}

func mcpSyncNow(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rep, err := deps.Engine.Drain(ctx)
		if errors.Is(err, syncer.ErrDrainInProgress) {
			return mcpText("A sync pass is already running; another pass will follow it."), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("sync failed: %v", err)), nil
		}
		return mcpJSON(rep)
	}
}

func mcpEnqueueAction(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		endpoint, err := req.RequireString("endpoint")
		if err != nil {
			return mcpError("endpoint is required"), nil
		}
		payload, err := req.RequireString("payload")
		if err != nil {
			return mcpError("payload is required"), nil
		}
		if !json.Valid([]byte(payload)) {
			return mcpError("payload must be a JSON document"), nil
		}

		out, err := deps.Dispatcher.EnqueueOrSend(ctx, endpoint, json.RawMessage(payload))
		if err != nil {
			if apperr.Is(err, apperr.CodeServer) {
				return mcpError(fmt.Sprintf("backend rejected the write (HTTP %d): %s", out.StatusCode, out.Body)), nil
			}
			return mcpError(fmt.Sprintf("enqueue failed: %v", err)), nil
		}
		if out.Queued {
			return mcpText(fmt.Sprintf("%s (action %d)", out.Message, out.ActionID)), nil
		}
		return mcpText(fmt.Sprintf("Sent (HTTP %d)", out.StatusCode)), nil
	}
}

func mcpResourcePending(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		actions, err := deps.Pending.ListPendingActions()
		if err != nil {
			return nil, fmt.Errorf("failed to list pending actions: %w", err)
		}

		views := make([]actionView, len(actions))
		for i, a := range actions {
			views[i] = toActionView(a)
		}
		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal actions: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
