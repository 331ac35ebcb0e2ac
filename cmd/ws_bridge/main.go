// Command ws_bridge serves the agent loop over WebSocket. Each connection
// holds one conversation; prompts sent by the client start loop runs whose
// events are written back as JSON messages tagged with their type.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/agentloop/agent"
	"github.com/m4xw311/agentloop/config"
	"github.com/m4xw311/agentloop/errors"
	"github.com/m4xw311/agentloop/llm"
	"github.com/m4xw311/agentloop/session"
	"github.com/m4xw311/agentloop/tools"
	"github.com/m4xw311/agentloop/tools/mcp"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is what a client sends: {"type":"prompt","prompt":"..."} or
// {"type":"abort"}.
type clientMessage struct {
	Type   string `json:"type"`
	Prompt string `json:"prompt,omitempty"`
}

func main() {
	addr := flag.String("addr", ":8080", "Address to listen on")
	toolset := flag.String("t", "default", "Toolset to use")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := serve(ctx, *addr, *toolset, logger); err != nil {
		logger.Error("Bridge stopped", "error", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, addr, toolset string, logger *slog.Logger) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return errors.Wrapf(err, "error loading configuration")
	}
	client, err := llm.NewClient(ctx, cfg.LLMClient, cfg.Model)
	if err != nil {
		return err
	}
	mcpTools := tools.NewRegistry()
	servers, err := mcp.StartAll(ctx, cfg.AdditionalMCPServers, mcpTools)
	if err != nil {
		return errors.Wrapf(err, "error starting MCP servers")
	}
	defer mcp.StopAll(servers)

	b := &bridge{
		newAgent: func() (*agent.Agent, error) {
			return agent.NewFromConfig(cfg, toolset, client, mcpTools, nil)
		},
		log: logger,
	}
	mux := http.NewServeMux()
	mux.Handle("/ws", b)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	logger.Info("WebSocket server running", "url", "ws://localhost"+addr+"/ws")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// bridge upgrades requests to WebSocket connections and gives each its own
// agent.
type bridge struct {
	newAgent func() (*agent.Agent, error)
	log      *slog.Logger
}

func (b *bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("Upgrade error", "error", err)
		return
	}
	defer conn.Close()

	a, err := b.newAgent()
	if err != nil {
		b.log.Error("Error initializing agent", "error", err)
		_ = conn.WriteJSON(agent.ErrorEvent{Message: err.Error()})
		return
	}
	c := &connection{conn: conn, agent: a, log: b.log, active: make(map[*agent.LoopRun]struct{})}
	c.conv, _ = session.NewConversation()
	c.serve(r.Context())
}

type connection struct {
	conn  *websocket.Conn
	agent *agent.Agent
	conv  *session.Conversation
	log   *slog.Logger

	// writeMu serialises writers; the websocket connection allows only one.
	writeMu sync.Mutex

	mu     sync.Mutex
	active map[*agent.LoopRun]struct{}
	runs   sync.WaitGroup
}

func (c *connection) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.runs.Wait()
	}()

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("WS read error", "error", err)
			}
			return
		}

		switch msg.Type {
		case "prompt":
			c.startRun(ctx, msg.Prompt)
		case "abort":
			c.abortAll()
		default:
			c.write(agent.ErrorEvent{Message: "unknown message type: " + msg.Type})
		}
	}
}

// startRun begins a loop run and forwards its events. A prompt sent while
// another run is in flight is answered with the agent's busy error.
func (c *connection) startRun(ctx context.Context, prompt string) {
	run := c.agent.Continue(ctx, c.conv, prompt)
	c.mu.Lock()
	c.active[run] = struct{}{}
	c.mu.Unlock()
	c.runs.Add(1)

	go func() {
		defer c.runs.Done()
		defer func() {
			c.mu.Lock()
			delete(c.active, run)
			c.mu.Unlock()
		}()
		for ev, err := range run.Events(ctx) {
			if err != nil {
				c.write(agent.ErrorEvent{Message: err.Error()})
				return
			}
			if !c.write(ev) {
				run.Abort()
				return
			}
		}
	}()
}

func (c *connection) abortAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for run := range c.active {
		run.Abort()
	}
}

func (c *connection) write(v any) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(v); err != nil {
		c.log.Debug("WS write error", "error", err)
		return false
	}
	return true
}
