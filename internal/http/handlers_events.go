package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mistakeknot/swarmmail/internal/core"
	"github.com/mistakeknot/swarmmail/internal/storage"
)

type eventsResponse struct {
	Events []core.Event `json:"events"`
	Cursor int64        `json:"cursor"`
}

type replayRequest struct {
	Project      string `json:"project"`
	FromSequence int64  `json:"from_sequence"`
	ClearViews   bool   `json:"clear_views"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := "closed"
	if s.health != nil {
		state = s.health()
	}
	status := http.StatusOK
	if state == "open" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"status": "ok", "storage_circuit": state})
}

// handleEvents reads the log: ?project=&types=a,b&after=&since=&until=&limit=&offset=
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	project, err := projectFor(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	opts := storage.ReadOptions{ProjectKey: project}
	for _, t := range strings.Split(q.Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			opts.Types = append(opts.Types, core.EventType(t))
		}
	}
	if raw := q.Get("after"); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			s.writeError(w, r, core.Invalid("after", "must be a non-negative sequence"))
			return
		}
		opts.AfterSequence = after
	}
	for key, dst := range map[string]*time.Time{"since": &opts.Since, "until": &opts.Until} {
		if raw := q.Get(key); raw != "" {
			ts, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				s.writeError(w, r, core.Invalid(key, "must be an RFC 3339 timestamp"))
				return
			}
			*dst = ts
		}
	}
	if opts.Limit, err = queryInt(r, "limit", 100); err != nil {
		s.writeError(w, r, err)
		return
	}
	if opts.Offset, err = queryInt(r, "offset", 0); err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.mail.ReadEvents(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := eventsResponse{Events: events, Cursor: opts.AfterSequence}
	if resp.Events == nil {
		resp.Events = []core.Event{}
	}
	if n := len(events); n > 0 {
		resp.Cursor = events[n-1].Sequence
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req replayRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	project, err := projectFor(r, req.Project)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.mail.ReplayEvents(r.Context(), storage.ReplayOptions{
		ProjectKey:   project,
		FromSequence: req.FromSequence,
		ClearViews:   req.ClearViews,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	project, err := projectFor(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.mail.GetStats(r.Context(), project)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
