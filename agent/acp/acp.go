package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/m4xw311/agentloop/agent"
	"github.com/m4xw311/agentloop/errors"
	"github.com/m4xw311/agentloop/session"
)

// AgentFactory builds the agent serving one ACP session.
type AgentFactory func() (*agent.Agent, error)

// Run starts the Agent Client Protocol server over the given streams using
// newline delimited JSON-RPC. It implements a subset of ACP:
//   - initialize
//   - session/new
//   - session/load (sessions live in memory for the lifetime of the server)
//   - session/prompt (emits session/update notifications)
//   - session/cancel
//
// Nothing but JSON-RPC messages is written to out; diagnostics go to logger.
// Run returns when in is exhausted, after in-flight prompts have finished.
func Run(ctx context.Context, newAgent AgentFactory, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	server := &acpServer{
		ctx:      ctx,
		newAgent: newAgent,
		sessions: make(map[string]*acpSession),
		reader:   bufio.NewReader(in),
		writer:   bufio.NewWriter(out),
		log:      logger,
	}
	defer server.prompts.Wait()

	logger.Debug("Starting ACP server")
	for {
		payload, err := server.readFramedMessage()
		if err != nil {
			if err == io.EOF {
				logger.Debug("EOF received, exiting")
				return nil
			}
			// If framing is broken, there isn't a safe way to continue.
			return errors.Wrapf(err, "ACP read error")
		}
		if len(payload) == 0 {
			continue
		}

		var req jsonrpcRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			logger.Warn("JSON parse error", "error", err)
			_ = server.writeResponseError(nil, codeParseError, "Parse error", nil)
			continue
		}

		logger.Debug("Dispatching request", "method", req.Method, "id", req.ID)
		switch req.Method {
		case "initialize":
			server.handleInitialize(&req)
		case "session/new":
			server.handleSessionNew(&req)
		case "session/load":
			server.handleSessionLoad(&req)
		case "session/prompt":
			// Prompts run concurrently so that session/cancel can be read
			// while a loop run is in flight.
			server.prompts.Add(1)
			go func() {
				defer server.prompts.Done()
				server.handleSessionPrompt(&req)
			}()
		case "session/cancel":
			server.handleSessionCancel(&req)
		default:
			if req.ID != nil {
				_ = server.writeResponseError(req.ID, codeMethodNotFound, "Method not found", nil)
			}
		}
	}
}

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// jsonrpcRequest represents a JSON-RPC 2.0 request or notification.
type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// jsonrpcResponse represents a JSON-RPC 2.0 response message
type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// acpSession is one client session: its own agent and conversation, and the
// loop run currently serving a prompt, if any.
type acpSession struct {
	id    string
	agent *agent.Agent
	conv  *session.Conversation

	mu  sync.Mutex
	run *agent.LoopRun
}

type acpServer struct {
	ctx      context.Context
	newAgent AgentFactory
	log      *slog.Logger

	sessionsLock sync.Mutex
	sessions     map[string]*acpSession
	prompts      sync.WaitGroup

	reader    *bufio.Reader
	writer    *bufio.Writer
	writeLock sync.Mutex
}

// readFramedMessage reads a single JSON-RPC payload
func (s *acpServer) readFramedMessage() ([]byte, error) {
	// JSON-RPC requests and responses are newline-delimited JSONs.
	line, err := s.reader.ReadBytes('\n')
	if err == io.EOF && len(line) > 0 {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return trimNewline(line), nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// writeFramedJSON serializes and writes one newline terminated JSON-RPC message.
func (s *acpServer) writeFramedJSON(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize JSON-RPC message")
	}
	s.log.Debug("Writing message", "payload", string(data))

	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if _, err := s.writer.Write(data); err != nil {
		return err
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return err
	}
	return s.writer.Flush()
}

// writeResponseOK sends a successful response. A nil result is sent as null.
func (s *acpServer) writeResponseOK(id any, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize result")
	}
	return s.writeFramedJSON(jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: data})
}

func (s *acpServer) writeResponseError(id any, code int, msg string, data any) error {
	s.log.Warn("Responding with error", "id", id, "code", code, "message", msg, "data", data)
	return s.writeFramedJSON(jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonrpcError{Code: code, Message: msg, Data: data},
	})
}

// writeNotification sends a JSON-RPC notification (request without an ID)
func (s *acpServer) writeNotification(method string, params any) error {
	return s.writeFramedJSON(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
}

func (s *acpServer) sendUpdate(sessionID string, update map[string]any) error {
	return s.writeNotification("session/update", map[string]any{
		"sessionId": sessionID,
		"update":    update,
	})
}

// decodeParams unmarshals request params, answering with an error response
// when they do not parse.
func (s *acpServer) decodeParams(req *jsonrpcRequest, v any) bool {
	if len(req.Params) == 0 {
		return true
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return false
	}
	return true
}

func (s *acpServer) lookup(id string) (*acpSession, bool) {
	s.sessionsLock.Lock()
	defer s.sessionsLock.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// ---- Handlers ----

// handleInitialize answers with protocol version 1. Sessions can be loaded
// while the server runs; prompts accept text and resource links only.
func (s *acpServer) handleInitialize(req *jsonrpcRequest) {
	var p struct {
		ProtocolVersion int             `json:"protocolVersion"`
		ClientCaps      json.RawMessage `json:"clientCapabilities,omitempty"`
	}
	if !s.decodeParams(req, &p) {
		return
	}
	s.log.Info("Client initialized", "protocol_version", p.ProtocolVersion)

	_ = s.writeResponseOK(req.ID, map[string]any{
		"protocolVersion": 1,
		"agentCapabilities": map[string]any{
			"loadSession": true,
			"promptCapabilities": map[string]bool{
				"audio":           false,
				"embeddedContext": false,
				"image":           false,
			},
		},
		"authMethods": []any{},
	})
}

func (s *acpServer) handleSessionNew(req *jsonrpcRequest) {
	var p struct {
		Cwd        string          `json:"cwd"`
		McpServers json.RawMessage `json:"mcpServers"`
	}
	if !s.decodeParams(req, &p) {
		return
	}

	a, err := s.newAgent()
	if err != nil {
		_ = s.writeResponseError(req.ID, codeInternalError, "Internal error", fmt.Sprintf("failed to create agent: %v", err))
		return
	}
	conv, _ := session.NewConversation()
	sess := &acpSession{id: "sess_" + uuid.NewString(), agent: a, conv: conv}

	s.sessionsLock.Lock()
	s.sessions[sess.id] = sess
	s.sessionsLock.Unlock()

	s.log.Info("Session created", "session_id", sess.id, "cwd", p.Cwd)
	_ = s.writeResponseOK(req.ID, map[string]any{"sessionId": sess.id})
}

// handleSessionLoad replays the conversation of a session created earlier
// by this server as session/update notifications, then answers null.
func (s *acpServer) handleSessionLoad(req *jsonrpcRequest) {
	var p struct {
		SessionID  string          `json:"sessionId"`
		Cwd        string          `json:"cwd"`
		McpServers json.RawMessage `json:"mcpServers"`
	}
	if !s.decodeParams(req, &p) {
		return
	}
	sess, ok := s.lookup(p.SessionID)
	if !ok {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", "unknown sessionId")
		return
	}

	messages := sess.conv.Messages()
	s.log.Debug("Replaying session", "session_id", p.SessionID, "messages", len(messages))
	for _, msg := range messages {
		for _, b := range msg.Content {
			switch c := b.(type) {
			case session.Text:
				kind := "agent_message_chunk"
				if msg.Role == session.RoleUser {
					kind = "user_message_chunk"
				}
				_ = s.sendUpdate(p.SessionID, textUpdate(kind, c.Text))
			case session.ToolUse:
				_ = s.sendUpdate(p.SessionID, toolCallUpdate(c))
			case session.ToolResult:
				_ = s.sendUpdate(p.SessionID, toolResultUpdate(c.ToolUseID, c.Content, c.IsError))
			}
		}
	}
	_ = s.writeResponseOK(req.ID, nil)
}

// handleSessionPrompt runs the agent loop for one prompt and streams its
// events to the client. The response carries the ACP stop reason.
func (s *acpServer) handleSessionPrompt(req *jsonrpcRequest) {
	var p struct {
		SessionID string         `json:"sessionId"`
		Prompt    []contentBlock `json:"prompt"`
	}
	if !s.decodeParams(req, &p) {
		return
	}
	sess, ok := s.lookup(p.SessionID)
	if !ok {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", "unknown sessionId")
		return
	}

	for i, block := range p.Prompt {
		s.log.Debug("Prompt block", "index", i, "type", block.Type, "uri", block.URI)
	}
	userText := extractUserText(p.Prompt)

	// Holding the lock until the run is recorded lets a racing
	// session/cancel see it.
	sess.mu.Lock()
	run := sess.agent.Continue(s.ctx, sess.conv, userText)
	sess.run = run
	sess.mu.Unlock()
	defer func() {
		sess.mu.Lock()
		sess.run = nil
		sess.mu.Unlock()
	}()

	stopReason, err := s.stream(sess.id, run)
	if errors.Is(err, errors.ErrAborted) {
		_ = s.writeResponseOK(req.ID, map[string]any{"stopReason": "cancelled"})
		return
	}
	if err != nil {
		_ = s.writeResponseError(req.ID, codeInternalError, "Internal error", fmt.Sprintf("error processing user input: %v", err))
		return
	}
	_ = s.writeResponseOK(req.ID, map[string]any{"stopReason": stopReason})
}

// stream forwards the events of run as session updates and returns the ACP
// stop reason of its done event.
func (s *acpServer) stream(sessionID string, run *agent.LoopRun) (string, error) {
	streamed := false
	for ev, err := range run.Events(s.ctx) {
		if err != nil {
			return "", err
		}
		switch e := ev.(type) {
		case agent.PartialEvent:
			streamed = true
			_ = s.sendUpdate(sessionID, textUpdate("agent_message_chunk", e.Text))
		case agent.AssistantEvent:
			for _, b := range e.Content {
				switch c := b.(type) {
				case session.Text:
					if !streamed && c.Text != "" {
						_ = s.sendUpdate(sessionID, textUpdate("agent_message_chunk", c.Text))
					}
				case session.ToolUse:
					_ = s.sendUpdate(sessionID, toolCallUpdate(c))
				}
			}
			streamed = false
		case agent.ToolResultEvent:
			_ = s.sendUpdate(sessionID, toolResultUpdate(e.ToolUseID, e.Content, e.IsError))
		case agent.ErrorEvent:
			s.log.Warn("Loop run reported an error", "session_id", sessionID, "message", e.Message)
		case agent.DoneEvent:
			switch e.Reason {
			case agent.DoneCompleted:
				return "end_turn", nil
			case agent.DoneMaxTurns:
				return "max_turn_requests", nil
			default:
				return "", run.Err()
			}
		}
	}
	return "end_turn", nil
}

// handleSessionCancel aborts the loop run serving the session's current
// prompt. It is a notification and is never answered.
func (s *acpServer) handleSessionCancel(req *jsonrpcRequest) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		s.log.Warn("Invalid session/cancel params", "error", err)
		return
	}
	sess, ok := s.lookup(p.SessionID)
	if !ok {
		return
	}
	sess.mu.Lock()
	run := sess.run
	sess.mu.Unlock()
	if run != nil {
		s.log.Info("Cancelling prompt", "session_id", p.SessionID, "run_id", run.ID)
		run.Abort()
	}
}

func textUpdate(kind, text string) map[string]any {
	return map[string]any{
		"sessionUpdate": kind,
		"content": map[string]any{
			"type": "text",
			"text": text,
		},
	}
}

func toolCallUpdate(use session.ToolUse) map[string]any {
	input := json.RawMessage(use.Input)
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	return map[string]any{
		"sessionUpdate": "tool_call",
		"toolCallId":    use.ID,
		"title":         use.Name,
		"kind":          "other",
		"status":        "in_progress",
		"rawInput":      input,
	}
}

func toolResultUpdate(toolUseID, content string, isError bool) map[string]any {
	status := "completed"
	if isError {
		status = "failed"
	}
	return map[string]any{
		"sessionUpdate": "tool_call_update",
		"toolCallId":    toolUseID,
		"status":        status,
		"content": []any{map[string]any{
			"type":    "content",
			"content": map[string]any{"type": "text", "text": content},
		}},
	}
}
