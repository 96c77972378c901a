package httpapi

import (
	"net/http"

	"github.com/mistakeknot/swarmmail/internal/core"
	"github.com/mistakeknot/swarmmail/internal/storage"
)

type startSessionRequest struct {
	Project      string `json:"project"`
	ActiveCellID string `json:"active_cell_id"`
	CreatedBy    string `json:"created_by"`
}

type endSessionRequest struct {
	Project      string `json:"project"`
	HandoffNotes string `json:"handoff_notes"`
}

type sessionsResponse struct {
	Sessions []core.Session `json:"sessions"`
}

func (s *Service) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		project, err := projectFor(r, "")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		limit, err := queryInt(r, "limit", 0)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		offset, err := queryInt(r, "offset", 0)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		history, err := s.hive.GetSessionHistory(r.Context(), project, limit, offset)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if history == nil {
			history = []core.Session{}
		}
		writeJSON(w, http.StatusOK, sessionsResponse{Sessions: history})
	case http.MethodPost:
		var req startSessionRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		project, err := projectFor(r, req.Project)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		started, err := s.hive.StartSession(r.Context(), project, storage.SessionOptions{
			ActiveCellID: req.ActiveCellID,
			CreatedBy:    req.CreatedBy,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, started)
	default:
		methodNotAllowed(w)
	}
}

// handleSessionByID serves /api/sessions/current, /api/sessions/{id} and
// /api/sessions/{id}/end.
func (s *Service) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/sessions/")
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		project, err := projectFor(r, "")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		var sess *core.Session
		if parts[0] == "current" {
			sess, err = s.hive.GetCurrentSession(r.Context(), project)
			if err == nil {
				writeJSON(w, http.StatusOK, map[string]any{"session": sess})
				return
			}
		} else {
			sess, err = s.hive.GetSession(r.Context(), project, parts[0])
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if sess == nil {
			s.writeError(w, r, &core.NotFoundError{Kind: "session", ID: parts[0]})
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case len(parts) == 2 && parts[1] == "end":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req endSessionRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		project, err := projectFor(r, req.Project)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		sess, err := s.hive.EndSession(r.Context(), project, parts[0], req.HandoffNotes)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case len(parts) == 1:
		methodNotAllowed(w)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}
