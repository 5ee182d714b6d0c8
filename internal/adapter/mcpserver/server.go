// Package mcpserver exposes the bridge to MCP-capable agents as a stdio
// tool server: status, direct and broadcast messaging, inbox reads and
// orchestrated operations.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"agentbridge/internal/adapter/hub"
	"agentbridge/internal/domain"
)

// Backend is what the tools act on.
type Backend interface {
	Status(ctx context.Context) (domain.StatusSnapshot, error)
	SendDirect(ctx context.Context, recipient, content string) (domain.DeliveryResult, error)
	Broadcast(ctx context.Context, content string) (domain.BroadcastResult, error)
	Execute(ctx context.Context, req domain.OperationRequest) (domain.OperationResult, error)
	Messages() <-chan domain.Message
}

// maxInboxWait caps how long bridge_inbox blocks for the first message.
const maxInboxWait = 30 * time.Second

// New builds the MCP server with every bridge tool registered.
func New(b Backend, version string, logger *slog.Logger) *server.MCPServer {
	s := server.NewMCPServer(
		"agentbridge",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Coordinate with other agents through the local bridge hub. "+
			"Use bridge_status to see who is connected, bridge_send or bridge_broadcast to talk, "+
			"bridge_inbox to read replies and bridge_execute to run routed operations."),
	)
	t := &tools{backend: b, logger: logger}

	s.AddTool(mcp.NewTool("bridge_status",
		mcp.WithDescription("Show hub status and the connected agents."),
		mcp.WithReadOnlyHintAnnotation(true),
	), t.status)

	s.AddTool(mcp.NewTool("bridge_send",
		mcp.WithDescription("Send a direct message to one connected agent."),
		mcp.WithString("to", mcp.Required(), mcp.Description("Recipient connection id")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Message content")),
	), t.send)

	s.AddTool(mcp.NewTool("bridge_broadcast",
		mcp.WithDescription("Send a message to every other connected agent."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Message content")),
	), t.broadcast)

	s.AddTool(mcp.NewTool("bridge_inbox",
		mcp.WithDescription("Return messages received since the last call."),
		mcp.WithNumber("wait_ms", mcp.Description("How long to wait for the first message (default 0, max 30000)")),
	), t.inbox)

	s.AddTool(mcp.NewTool("bridge_execute",
		mcp.WithDescription("Run an operation through the routing orchestrator (local, cached or remote)."),
		mcp.WithString("operation", mcp.Required(), mcp.Description("Operation name, e.g. format.normalize or code.review")),
		mcp.WithString("input", mcp.Description("Operation input text")),
		mcp.WithString("params", mcp.Description("Optional JSON object of string parameters")),
	), t.execute)

	return s
}

// Serve runs the stdio transport until ctx ends or in closes.
func Serve(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s).Listen(ctx, in, out)
}

type tools struct {
	backend Backend
	logger  *slog.Logger
}

func (t *tools) status(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, err := t.backend.Status(ctx)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("hub status unavailable", err), nil
	}
	return jsonResult(snap)
}

func (t *tools) send(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	to, err := req.RequireString("to")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := t.backend.SendDirect(ctx, to, text)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("send failed", err), nil
	}
	if res.Outcome != domain.Delivered {
		return mcp.NewToolResultErrorf("message to %q not delivered: %s", to, res.Outcome), nil
	}
	return jsonResult(res)
}

func (t *tools) broadcast(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := t.backend.Broadcast(ctx, text)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("broadcast failed", err), nil
	}
	return jsonResult(res)
}

func (t *tools) inbox(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wait := time.Duration(req.GetInt("wait_ms", 0)) * time.Millisecond
	if wait > maxInboxWait {
		wait = maxInboxWait
	}

	msgs := []domain.Message{}
	in := t.backend.Messages()
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case m, ok := <-in:
			if ok {
				msgs = append(msgs, m)
			}
		case <-timer.C:
		case <-ctx.Done():
			return mcp.NewToolResultError(ctx.Err().Error()), nil
		}
	}
	for {
		select {
		case m, ok := <-in:
			if !ok {
				return jsonResult(msgs)
			}
			msgs = append(msgs, m)
		default:
			return jsonResult(msgs)
		}
	}
}

func (t *tools) execute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	op, err := req.RequireString("operation")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	opReq := domain.OperationRequest{Operation: op, Input: req.GetString("input", "")}
	if raw := req.GetString("params", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opReq.Params); err != nil {
			return mcp.NewToolResultErrorf("params must be a JSON object of strings: %v", err), nil
		}
	}
	res, err := t.backend.Execute(ctx, opReq)
	if err != nil {
		t.logger.Debug("bridge_execute failed", "operation", op, "error", err)
		return mcp.NewToolResultErrorFromErr(fmt.Sprintf("operation %s failed", op), err), nil
	}
	return jsonResult(res)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(raw)), nil
}

// HubBackend is the Backend of a running hub: a websocket client for
// messaging and the HTTP API for status and operations.
type HubBackend struct {
	Client *hub.Client
	API    *hub.APIClient
	Addr   string
}

func (b *HubBackend) Status(ctx context.Context) (domain.StatusSnapshot, error) {
	return b.API.Probe(ctx, b.Addr)
}

func (b *HubBackend) SendDirect(ctx context.Context, recipient, content string) (domain.DeliveryResult, error) {
	return b.Client.SendDirect(ctx, recipient, content)
}

func (b *HubBackend) Broadcast(ctx context.Context, content string) (domain.BroadcastResult, error) {
	return b.Client.Broadcast(ctx, content)
}

func (b *HubBackend) Execute(ctx context.Context, req domain.OperationRequest) (domain.OperationResult, error) {
	if req.Operation == "" {
		return domain.OperationResult{}, errors.New("operation is required")
	}
	return b.API.Execute(ctx, b.Addr, req)
}

func (b *HubBackend) Messages() <-chan domain.Message { return b.Client.Messages() }
