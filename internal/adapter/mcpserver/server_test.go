package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentbridge/internal/domain"
)

type fakeBackend struct {
	inbox chan domain.Message
	sent  []string
	last  domain.OperationRequest
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{inbox: make(chan domain.Message, 8)}
}

func (f *fakeBackend) Status(context.Context) (domain.StatusSnapshot, error) {
	return domain.StatusSnapshot{Status: domain.BridgeRunning, ActiveConnections: 2,
		Connections: []domain.ConnectionInfo{{ID: "planner"}, {ID: "reviewer"}}}, nil
}

func (f *fakeBackend) SendDirect(_ context.Context, to, content string) (domain.DeliveryResult, error) {
	if to != "reviewer" {
		return domain.DeliveryResult{Recipient: to, Outcome: domain.RecipientNotFound}, nil
	}
	f.sent = append(f.sent, to+":"+content)
	return domain.DeliveryResult{MessageID: "m1", Recipient: to, Outcome: domain.Delivered}, nil
}

func (f *fakeBackend) Broadcast(_ context.Context, content string) (domain.BroadcastResult, error) {
	f.sent = append(f.sent, "*:"+content)
	return domain.BroadcastResult{MessageID: "m2", Delivered: 1}, nil
}

func (f *fakeBackend) Execute(_ context.Context, req domain.OperationRequest) (domain.OperationResult, error) {
	f.last = req
	if req.Operation == "code.review" {
		return domain.OperationResult{}, domain.ErrRemoteTimeout
	}
	return domain.OperationResult{Operation: req.Operation, Output: req.Input, Path: domain.PathLocal}, nil
}

func (f *fakeBackend) Messages() <-chan domain.Message { return f.inbox }

func newTestServer(b Backend) *server.MCPServer {
	return New(b, "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func call(t *testing.T, s *server.MCPServer, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	tool := s.GetTool(name)
	require.NotNil(t, tool, "tool %s not registered", name)
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := tool.Handler(context.Background(), req)
	require.NoError(t, err)
	return res
}

func textOf(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcp.TextContent:
			return tc.Text
		case *mcp.TextContent:
			return tc.Text
		}
	}
	return ""
}

func TestToolsRegistered(t *testing.T) {
	s := newTestServer(newFakeBackend())
	for _, name := range []string{"bridge_status", "bridge_send", "bridge_broadcast", "bridge_inbox", "bridge_execute"} {
		assert.NotNil(t, s.GetTool(name), name)
	}
}

func TestStatusTool(t *testing.T) {
	res := call(t, newTestServer(newFakeBackend()), "bridge_status", nil)
	require.False(t, res.IsError)

	var snap domain.StatusSnapshot
	require.NoError(t, json.Unmarshal([]byte(textOf(res)), &snap))
	assert.Equal(t, 2, snap.ActiveConnections)
}

func TestSendTool(t *testing.T) {
	b := newFakeBackend()
	s := newTestServer(b)

	res := call(t, s, "bridge_send", map[string]any{"to": "reviewer", "text": "please review"})
	require.False(t, res.IsError, textOf(res))
	assert.Equal(t, []string{"reviewer:please review"}, b.sent)

	res = call(t, s, "bridge_send", map[string]any{"to": "ghost", "text": "hello"})
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(res), "recipient_not_found")

	res = call(t, s, "bridge_send", map[string]any{"text": "no recipient"})
	assert.True(t, res.IsError)
}

func TestBroadcastTool(t *testing.T) {
	b := newFakeBackend()
	res := call(t, newTestServer(b), "bridge_broadcast", map[string]any{"text": "ping"})
	require.False(t, res.IsError)
	assert.Equal(t, []string{"*:ping"}, b.sent)
	assert.Contains(t, textOf(res), `"delivered": 1`)
}

func TestInboxTool(t *testing.T) {
	b := newFakeBackend()
	s := newTestServer(b)

	res := call(t, s, "bridge_inbox", nil)
	assert.Equal(t, "[]", textOf(res))

	b.inbox <- domain.Message{ID: "1", Sender: "reviewer", Content: "lgtm"}
	b.inbox <- domain.Message{ID: "2", Sender: "planner", Content: "next"}
	res = call(t, s, "bridge_inbox", map[string]any{"wait_ms": float64(10)})

	var msgs []domain.Message
	require.NoError(t, json.Unmarshal([]byte(textOf(res)), &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "lgtm", msgs[0].Content)
	assert.Equal(t, "next", msgs[1].Content)
}

func TestExecuteTool(t *testing.T) {
	b := newFakeBackend()
	s := newTestServer(b)

	res := call(t, s, "bridge_execute", map[string]any{
		"operation": "format.normalize",
		"input":     "a  \n",
		"params":    `{"case":"upper"}`,
	})
	require.False(t, res.IsError, textOf(res))
	assert.Equal(t, "upper", b.last.Params["case"])

	res = call(t, s, "bridge_execute", map[string]any{"operation": "echo", "params": "not json"})
	assert.True(t, res.IsError)

	res = call(t, s, "bridge_execute", map[string]any{"operation": "code.review"})
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(res), "remote dispatch timed out")
}
