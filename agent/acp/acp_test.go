package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/m4xw311/agentloop/agent"
	"github.com/m4xw311/agentloop/llm"
	"github.com/m4xw311/agentloop/tools"
)

// testClient drives a server over pipes, one JSON-RPC line at a time.
type testClient struct {
	t     *testing.T
	in    *io.PipeWriter
	lines chan map[string]any
	done  chan error
}

func startServer(t *testing.T, factory AgentFactory) *testClient {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	c := &testClient{t: t, in: inW, lines: make(chan map[string]any, 64), done: make(chan error, 1)}

	go func() {
		err := Run(context.Background(), factory, inR, outW, nil)
		outW.Close()
		c.done <- err
	}()
	go func() {
		scanner := bufio.NewScanner(outR)
		for scanner.Scan() {
			var msg map[string]any
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
				t.Errorf("server wrote invalid JSON %q: %v", scanner.Text(), err)
				continue
			}
			c.lines <- msg
		}
		close(c.lines)
	}()
	t.Cleanup(func() { c.close() })
	return c
}

func (c *testClient) send(raw string) {
	c.t.Helper()
	if _, err := io.WriteString(c.in, raw+"\n"); err != nil {
		c.t.Fatalf("write failed: %v", err)
	}
}

func (c *testClient) next() map[string]any {
	c.t.Helper()
	select {
	case msg, ok := <-c.lines:
		if !ok {
			c.t.Fatal("server closed its output")
		}
		return msg
	case <-time.After(5 * time.Second):
		c.t.Fatal("timed out waiting for server output")
	}
	return nil
}

func (c *testClient) close() {
	c.in.Close()
	select {
	case err := <-c.done:
		if err != nil {
			c.t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		c.t.Error("server did not stop")
	}
}

func (c *testClient) newSession() string {
	c.t.Helper()
	c.send(`{"jsonrpc":"2.0","id":1,"method":"session/new","params":{"cwd":"/tmp","mcpServers":[]}}`)
	resp := c.next()
	id, _ := resp["result"].(map[string]any)["sessionId"].(string)
	if !strings.HasPrefix(id, "sess_") {
		c.t.Fatalf("unexpected session/new response: %v", resp)
	}
	return id
}

func update(msg map[string]any) map[string]any {
	params, _ := msg["params"].(map[string]any)
	u, _ := params["update"].(map[string]any)
	return u
}

func mockFactory(turns ...llm.MockTurn) AgentFactory {
	return func() (*agent.Agent, error) {
		reg := tools.NewRegistry()
		_ = reg.Register(&tools.Func{
			ToolName: "echo",
			Desc:     "Echo the input",
			Handler: func(ctx context.Context, input json.RawMessage) (tools.Result, error) {
				return tools.Result{Content: string(input)}, nil
			},
		})
		return agent.New(&llm.MockLLMClient{Turns: turns}, reg, agent.Options{}), nil
	}
}

func TestACPInitialize(t *testing.T) {
	c := startServer(t, mockFactory())
	c.send(`{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":1,"clientCapabilities":{"fs":{"readTextFile":true,"writeTextFile":true}}}}`)

	resp := c.next()
	if resp["id"] != float64(0) {
		t.Errorf("id = %v", resp["id"])
	}
	result := resp["result"].(map[string]any)
	if result["protocolVersion"] != float64(1) {
		t.Errorf("protocolVersion = %v", result["protocolVersion"])
	}
	if caps := result["agentCapabilities"].(map[string]any); caps["loadSession"] != true {
		t.Errorf("agentCapabilities = %v", caps)
	}
}

func TestACPPrompt(t *testing.T) {
	c := startServer(t, mockFactory(
		llm.MockTurn{Events: llm.Script(1).Text("Calling echo.").ToolUse("tu_1", "echo", `{"a":1}`).End("tool_use", 1)},
		llm.MockTurn{Events: llm.Script(1).Text("Done.").End("end_turn", 1)},
	))
	sid := c.newSession()
	c.send(`{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"` + sid + `","prompt":[{"type":"text","text":"go"}]}}`)

	want := []string{"agent_message_chunk", "tool_call", "tool_call_update", "agent_message_chunk"}
	for i, kind := range want {
		msg := c.next()
		if msg["method"] != "session/update" {
			t.Fatalf("message %d = %v, want session/update", i, msg)
		}
		u := update(msg)
		if u["sessionUpdate"] != kind {
			t.Fatalf("update %d = %v, want %s", i, u, kind)
		}
		switch kind {
		case "tool_call":
			if u["toolCallId"] != "tu_1" || u["title"] != "echo" {
				t.Errorf("tool_call = %v", u)
			}
		case "tool_call_update":
			if u["status"] != "completed" {
				t.Errorf("tool_call_update = %v", u)
			}
		}
	}

	resp := c.next()
	if resp["id"] != float64(2) || resp["result"].(map[string]any)["stopReason"] != "end_turn" {
		t.Errorf("prompt response = %v", resp)
	}
}

func TestACPSessionLoadReplaysHistory(t *testing.T) {
	c := startServer(t, mockFactory())
	sid := c.newSession()
	c.send(`{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"` + sid + `","prompt":[{"type":"text","text":"hello"}]}}`)
	if u := update(c.next()); u["sessionUpdate"] != "agent_message_chunk" {
		t.Fatalf("update = %v", u)
	}
	c.next() // prompt response

	c.send(`{"jsonrpc":"2.0","id":3,"method":"session/load","params":{"sessionId":"` + sid + `","cwd":"/tmp","mcpServers":[]}}`)
	user := update(c.next())
	if user["sessionUpdate"] != "user_message_chunk" || user["content"].(map[string]any)["text"] != "hello" {
		t.Errorf("user replay = %v", user)
	}
	reply := update(c.next())
	if reply["content"].(map[string]any)["text"] != "I am a mock LLM. You said: 'hello'." {
		t.Errorf("agent replay = %v", reply)
	}
	resp := c.next()
	if resp["id"] != float64(3) {
		t.Errorf("load response = %v", resp)
	}
	if result, ok := resp["result"]; !ok || result != nil {
		t.Errorf("load result = %v, want null", result)
	}
}

func TestACPErrors(t *testing.T) {
	c := startServer(t, mockFactory())

	c.send(`{not json`)
	if resp := c.next(); resp["error"].(map[string]any)["code"] != float64(codeParseError) {
		t.Errorf("parse error response = %v", resp)
	}

	c.send(`{"jsonrpc":"2.0","id":5,"method":"bogus"}`)
	if resp := c.next(); resp["error"].(map[string]any)["code"] != float64(codeMethodNotFound) {
		t.Errorf("method not found response = %v", resp)
	}

	c.send(`{"jsonrpc":"2.0","id":6,"method":"session/prompt","params":{"sessionId":"nope","prompt":[]}}`)
	if resp := c.next(); resp["error"].(map[string]any)["code"] != float64(codeInvalidParams) {
		t.Errorf("unknown session response = %v", resp)
	}
}

type blockingClient struct {
	started chan struct{}
}

func (b *blockingClient) Stream(ctx context.Context, req llm.Request) (llm.Events, error) {
	close(b.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestACPCancel(t *testing.T) {
	client := &blockingClient{started: make(chan struct{})}
	c := startServer(t, func() (*agent.Agent, error) {
		return agent.New(client, nil, agent.Options{}), nil
	})
	sid := c.newSession()
	c.send(`{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"` + sid + `","prompt":[{"type":"text","text":"wait"}]}}`)

	select {
	case <-client.started:
	case <-time.After(5 * time.Second):
		t.Fatal("prompt never reached the transport")
	}
	c.send(`{"jsonrpc":"2.0","method":"session/cancel","params":{"sessionId":"` + sid + `"}}`)

	resp := c.next()
	if resp["result"].(map[string]any)["stopReason"] != "cancelled" {
		t.Errorf("prompt response = %v", resp)
	}
}

func TestExtractUserTextWithResourceLink(t *testing.T) {
	testContent := "This is test file content"
	testFile := filepath.Join(t.TempDir(), "test.txt")
	if err := os.WriteFile(testFile, []byte(testContent), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
	fileURI := "file://" + testFile

	tests := []struct {
		name     string
		blocks   []contentBlock
		expected string
		contains []string
	}{
		{
			name: "text only",
			blocks: []contentBlock{
				{Type: "text", Text: "Hello"},
				{Type: "text", Text: "  "},
				{Type: "text", Text: "World"},
			},
			expected: "Hello\nWorld",
		},
		{
			name: "resource_link with file",
			blocks: []contentBlock{
				{Type: "text", Text: "Check this file:"},
				{
					Type:        "resource_link",
					URI:         fileURI,
					Name:        "test.txt",
					MimeType:    "text/plain",
					Title:       "Test File",
					Description: "A test file",
				},
			},
			contains: []string{
				"Check this file:",
				"=== Resource: test.txt ===",
				"Title: Test File",
				"Description: A test file",
				"URI: file://",
				"Type: text/plain",
				"--- File Contents ---",
				testContent,
				"--- End of File ---",
			},
		},
		{
			name: "resource_link with missing file",
			blocks: []contentBlock{
				{Type: "resource_link", URI: "file:///does/not/exist.txt", Name: "missing.txt"},
			},
			contains: []string{"[Error reading file:"},
		},
		{
			name: "resource_link with non-file URI",
			blocks: []contentBlock{
				{
					Type:     "resource_link",
					URI:      "https://example.com/file.txt",
					Name:     "remote.txt",
					MimeType: "text/plain",
				},
			},
			contains: []string{
				"=== Resource: remote.txt ===",
				"URI: https://example.com/file.txt",
				"[External resource - content not available]",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := extractUserText(tt.blocks)

			if tt.expected != "" && result != tt.expected {
				t.Errorf("extractUserText() = %q, want %q", result, tt.expected)
			}
			for _, substr := range tt.contains {
				if !strings.Contains(result, substr) {
					t.Errorf("extractUserText() result does not contain %q\nGot: %q", substr, result)
				}
			}
		})
	}
}
