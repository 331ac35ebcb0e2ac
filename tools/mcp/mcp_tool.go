package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/m4xw311/agentloop/config"
	"github.com/m4xw311/agentloop/errors"
	"github.com/m4xw311/agentloop/tools"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

// toolCaller is the part of an MCP client session a tool needs.
type toolCaller interface {
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
}

// MCPClient manages the connection to a single MCP server subprocess.
type MCPClient struct {
	Name  string
	cmd   *exec.Cmd
	conn  *mcpsdk.ClientSession
	tools []*MCPTool
}

// NewMCPClient starts the MCP server subprocess and initializes the client.
// It is responsible for discovering the tools provided by the server.
func NewMCPClient(ctx context.Context, server config.MCPServer) (*MCPClient, error) {
	cmd := exec.Command(server.Command, server.Args...)
	cmd.Stderr = os.Stderr
	mcpClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "agentloop", Version: "v1.0.0"}, nil)
	conn, err := mcpClient.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", server.Name)
	}
	client := &MCPClient{
		Name: server.Name,
		cmd:  cmd,
		conn: conn,
	}

	toolListParams := &mcpsdk.ListToolsParams{}
	for {
		toolList, err := conn.ListTools(ctx, toolListParams)
		if err != nil {
			// Attempt to stop the process we just started.
			_ = client.Stop()
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", server.Name)
		}

		for _, t := range toolList.Tools {
			schema, err := schemaMap(t.InputSchema)
			if err != nil {
				_ = client.Stop()
				return nil, errors.Wrapf(err, "tool '%s' of MCP server '%s' has an unusable schema", t.Name, server.Name)
			}
			client.tools = append(client.tools, &MCPTool{
				serverName:  server.Name,
				toolName:    t.Name,
				description: t.Description,
				schema:      schema,
				caller:      conn,
			})
		}

		if toolList.NextCursor == "" {
			break
		}
		toolListParams.Cursor = toolList.NextCursor
	}

	slog.Info("Initialized MCP client", "server", server.Name, "tools", len(client.tools))
	return client, nil
}

// Tools returns the tools provided by this MCP server.
func (c *MCPClient) Tools() []*MCPTool {
	return c.tools
}

// Stop terminates the MCP server subprocess.
func (c *MCPClient) Stop() error {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		slog.Info("Terminating MCP server", "server", c.Name)
		return c.cmd.Process.Kill()
	}
	return nil
}

// StartAll starts every configured server concurrently and registers their
// tools with reg. If any server fails, the ones already started are stopped.
func StartAll(ctx context.Context, servers []config.MCPServer, reg *tools.Registry) ([]*MCPClient, error) {
	var (
		mu      sync.Mutex
		clients []*MCPClient
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, server := range servers {
		g.Go(func() error {
			c, err := NewMCPClient(gctx, server)
			if err != nil {
				return err
			}
			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = registerAll(reg, clients)
	}
	if err != nil {
		StopAll(clients)
		return nil, err
	}
	return clients, nil
}

func registerAll(reg *tools.Registry, clients []*MCPClient) error {
	for _, c := range clients {
		for _, t := range c.tools {
			if err := reg.Register(t); err != nil {
				return err
			}
		}
	}
	return nil
}

// StopAll stops every client, logging failures.
func StopAll(clients []*MCPClient) {
	for _, c := range clients {
		if err := c.Stop(); err != nil {
			slog.Warn("Failed to stop MCP server", "server", c.Name, "error", err)
		}
	}
}

// MCPTool represents a tool available from an external MCP server.
// It satisfies the tools.Tool interface.
type MCPTool struct {
	serverName  string
	toolName    string
	description string
	schema      map[string]any
	caller      toolCaller
}

// Name returns the qualified name of the tool in the format "<server>.<tool>".
// A colon separator is rejected by Gemini.
func (t *MCPTool) Name() string {
	return t.serverName + "." + t.toolName
}

// Description returns the tool's description, provided by the MCP server.
func (t *MCPTool) Description() string {
	return t.description
}

func (t *MCPTool) InputSchema() map[string]any {
	return t.schema
}

// Execute sends the arguments to the MCP server and returns the text content
// of its result. A result the server flags as an error is reported as a
// failed tool result rather than a Go error.
func (t *MCPTool) Execute(ctx context.Context, input json.RawMessage) (tools.Result, error) {
	args := map[string]any{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return tools.Result{}, errors.Wrapf(err, "invalid arguments for '%s'", t.Name())
		}
	}
	result, err := t.caller.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.toolName,
		Arguments: args,
	})
	if err != nil {
		return tools.Result{}, errors.Wrapf(err, "failed to call tool '%s'", t.Name())
	}
	var sb strings.Builder
	for _, c := range result.Content {
		if text, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(text.Text)
		}
	}
	return tools.Result{Content: sb.String(), IsError: result.IsError}, nil
}

// schemaMap converts an SDK schema value into the generic map form used by
// tool manifests.
func schemaMap(schema any) (map[string]any, error) {
	if schema == nil {
		return tools.ObjectSchema(nil), nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return tools.ObjectSchema(nil), nil
	}
	return out, nil
}
