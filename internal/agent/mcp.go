package agent

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kazz187/taskpilot/internal/tool"
	"github.com/kazz187/taskpilot/pkg/clog"
)

// ToolServer exposes a task's tools to the agent over MCP on a loopback
// port. Requests must carry Token as a bearer token.
type ToolServer struct {
	URL   string
	Token string

	srv *http.Server
}

func newMCPServer(taskID string, tools []tool.Tool) *mcp.Server {
	server := mcp.NewServer(
		&mcp.Implementation{
			Name:    "taskpilot",
			Title:   "TaskPilot integrations",
			Version: "v1.0.0",
		},
		nil,
	)
	for _, t := range tools {
		mcp.AddTool(
			server,
			&mcp.Tool{
				Name:        t.Name(),
				Description: t.Description(),
				InputSchema: t.InputSchema(),
			},
			toolHandler(taskID, t),
		)
	}
	return server
}

func toolHandler(taskID string, t tool.Tool) func(context.Context, *mcp.ServerSession, *mcp.CallToolParamsFor[map[string]any]) (*mcp.CallToolResultFor[any], error) {
	return func(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[map[string]any]) (*mcp.CallToolResultFor[any], error) {
		ctx = clog.ContextWithTask(ctx, taskID, "")
		clog.AddAttribute(ctx, "tool", t.Name())

		args, err := json.Marshal(params.Arguments)
		if err != nil {
			return textResult(tool.Errorf("Invalid arguments for %s: %v", t.Name(), err)), nil
		}
		start := time.Now()
		res := t.Invoke(ctx, tool.Call{TaskID: taskID, Arguments: args})
		slog.InfoContext(ctx, "tool call", "is_error", res.IsError, "duration", time.Since(start))
		return textResult(res), nil
	}
}

func textResult(res tool.Result) *mcp.CallToolResultFor[any] {
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{
			&mcp.TextContent{Text: res.Text},
		},
		IsError: res.IsError,
	}
}

// StartToolServer listens on 127.0.0.1 and serves tools until Close.
func StartToolServer(ctx context.Context, taskID string, tools []tool.Tool) (*ToolServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen for tool server: %w", err)
	}
	server := newMCPServer(taskID, tools)
	token := uuid.NewString()
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)

	ts := &ToolServer{
		URL:   fmt.Sprintf("http://%s/mcp", ln.Addr().String()),
		Token: token,
		srv: &http.Server{
			Handler:           requireBearer(token, handler),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	go func() {
		if err := ts.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "tool server stopped", "error", err)
		}
	}()
	slog.DebugContext(ctx, "tool server started", "url", ts.URL, "tools", len(tools))
	return ts, nil
}

func (s *ToolServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func requireBearer(token string, next http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
