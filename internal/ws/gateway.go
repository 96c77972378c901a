// Package ws streams committed events to agents over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/swarmmail/internal/auth"
	"github.com/mistakeknot/swarmmail/internal/core"
)

const (
	writeTimeout = 5 * time.Second
	queueSize    = 256
)

// Hello is the first frame on every connection, sent once the connection
// is registered.
type Hello struct {
	Type    string `json:"type"`
	Project string `json:"project"`
	Agent   string `json:"agent"`
}

type delivery struct {
	project string
	agent   string
	event   any
}

// Hub fans events out to connections keyed by project and agent. Deliveries
// are queued and written by one goroutine, so callers never block on a slow
// client; when the queue is full the event is dropped.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]map[string]map[*websocket.Conn]struct{}
	queue  chan delivery
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		conns:  make(map[string]map[string]map[*websocket.Conn]struct{}),
		queue:  make(chan delivery, queueSize),
		done:   make(chan struct{}),
		logger: logger.With("component", "ws"),
	}
	go h.run()
	return h
}

// Close stops delivery. Connections are closed by their handlers.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.done) })
}

// Handler serves /ws/agents/{agent}?project=...
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/agents/"), "/")
		if agent == "" {
			http.Error(w, "agent required", http.StatusBadRequest)
			return
		}
		project, err := auth.ResolveProject(r.Context(), r.URL.Query().Get("project"))
		if errors.Is(err, auth.ErrForbidden) {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		if project == "" {
			http.Error(w, "project required", http.StatusBadRequest)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		h.add(project, agent, conn)
		defer h.remove(project, agent, conn)

		ctx := r.Context()
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = wsjson.Write(wctx, conn, Hello{Type: "connected", Project: project, Agent: agent})
		cancel()
		if err != nil {
			return
		}
		// Drain client frames until it goes away.
		for {
			var v any
			if err := wsjson.Read(ctx, conn, &v); err != nil {
				return
			}
		}
	}
}

// Broadcast queues event for agent in project, or for every agent in the
// project when agent is empty.
func (h *Hub) Broadcast(project, agent string, event any) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.queue <- delivery{project: project, agent: agent, event: event}:
	default:
		h.logger.Warn("event queue full, dropping", "project", project, "agent", agent)
	}
}

// Observe routes a committed event: messages go to their recipients, every
// other event to the whole project.
func (h *Hub) Observe(ev core.Event) {
	if ev.Type == core.EventMessageSent {
		var d core.MessageSentData
		if err := json.Unmarshal(ev.Data, &d); err == nil {
			for _, to := range d.ToAgents {
				h.Broadcast(ev.ProjectKey, to, ev)
			}
			return
		}
	}
	h.Broadcast(ev.ProjectKey, "", ev)
}

// Connections counts open connections in project, or in all projects.
func (h *Hub) Connections(project string) int {
	return len(h.snapshot(project, ""))
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			return
		case d := <-h.queue:
			h.deliver(d)
		}
	}
}

type connEntry struct {
	conn    *websocket.Conn
	project string
	agent   string
}

func (h *Hub) deliver(d delivery) {
	for _, e := range h.snapshot(d.project, d.agent) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := wsjson.Write(ctx, e.conn, d.event)
		cancel()
		if err != nil {
			h.logger.Debug("dropping connection", "project", e.project, "agent", e.agent, "error", err)
			e.conn.Close(websocket.StatusGoingAway, "write error")
			h.remove(e.project, e.agent, e.conn)
		}
	}
}

func (h *Hub) snapshot(project, agent string) []connEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []connEntry
	collect := func(proj string, perAgent map[string]map[*websocket.Conn]struct{}) {
		for name, conns := range perAgent {
			if agent != "" && name != agent {
				continue
			}
			for conn := range conns {
				out = append(out, connEntry{conn: conn, project: proj, agent: name})
			}
		}
	}
	if project != "" {
		collect(project, h.conns[project])
		return out
	}
	for proj, perAgent := range h.conns {
		collect(proj, perAgent)
	}
	return out
}

func (h *Hub) add(project, agent string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perProject, ok := h.conns[project]
	if !ok {
		perProject = make(map[string]map[*websocket.Conn]struct{})
		h.conns[project] = perProject
	}
	perAgent, ok := perProject[agent]
	if !ok {
		perAgent = make(map[*websocket.Conn]struct{})
		perProject[agent] = perAgent
	}
	perAgent[conn] = struct{}{}
}

func (h *Hub) remove(project, agent string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perProject, ok := h.conns[project]
	if !ok {
		return
	}
	perAgent, ok := perProject[agent]
	if !ok {
		return
	}
	delete(perAgent, conn)
	if len(perAgent) == 0 {
		delete(perProject, agent)
	}
	if len(perProject) == 0 {
		delete(h.conns, project)
	}
}
