package httpapi

import (
	"net/http"

	"github.com/mistakeknot/swarmmail/internal/core"
)

type listThreadsResponse struct {
	Threads []core.ThreadSummary `json:"threads"`
}

type threadResponse struct {
	ThreadID string         `json:"thread_id"`
	Messages []core.Message `json:"messages"`
}

func (s *Service) handleListThreads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	project, err := projectFor(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	agent := r.URL.Query().Get("agent")
	if agent == "" {
		s.writeError(w, r, core.Invalid("agent", "required"))
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	threads, err := s.mail.ListThreads(r.Context(), project, agent, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if threads == nil {
		threads = []core.ThreadSummary{}
	}
	writeJSON(w, http.StatusOK, listThreadsResponse{Threads: threads})
}

// handleThreadMessages serves /api/threads/{id}?agent=. A non-empty agent
// must be a participant.
func (s *Service) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	parts := pathParts(r.URL.Path, "/api/threads/")
	if len(parts) != 1 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	project, err := projectFor(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msgs, err := s.mail.GetThread(r.Context(), project, parts[0], r.URL.Query().Get("agent"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		s.writeError(w, r, &core.NotFoundError{Kind: "thread", ID: parts[0]})
		return
	}
	writeJSON(w, http.StatusOK, threadResponse{ThreadID: parts[0], Messages: msgs})
}
