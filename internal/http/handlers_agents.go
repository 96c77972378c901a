package httpapi

import (
	"net/http"

	"github.com/mistakeknot/swarmmail/internal/core"
	"github.com/mistakeknot/swarmmail/internal/storage"
)

type registerAgentRequest struct {
	Project         string `json:"project"`
	Name            string `json:"name"`
	Program         string `json:"program"`
	Model           string `json:"model"`
	TaskDescription string `json:"task_description"`
}

type listAgentsResponse struct {
	Agents []core.Agent `json:"agents"`
}

type projectRequest struct {
	Project string `json:"project"`
}

func (s *Service) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		project, err := projectFor(r, "")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		agents, err := s.mail.GetAgents(r.Context(), project)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if agents == nil {
			agents = []core.Agent{}
		}
		writeJSON(w, http.StatusOK, listAgentsResponse{Agents: agents})
	case http.MethodPost:
		var req registerAgentRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		project, err := projectFor(r, req.Project)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		agent, err := s.mail.RegisterAgent(r.Context(), project, req.Name, storage.AgentOptions{
			Program:         req.Program,
			Model:           req.Model,
			TaskDescription: req.TaskDescription,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, agent)
	default:
		methodNotAllowed(w)
	}
}

// handleAgentByName serves /api/agents/{name} and /api/agents/{name}/heartbeat.
func (s *Service) handleAgentByName(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/agents/")
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		project, err := projectFor(r, "")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		agent, err := s.mail.GetAgent(r.Context(), project, parts[0])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if agent == nil {
			s.writeError(w, r, &core.NotFoundError{Kind: "agent", ID: parts[0]})
			return
		}
		writeJSON(w, http.StatusOK, agent)
	case len(parts) == 2 && parts[1] == "heartbeat":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req projectRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		project, err := projectFor(r, req.Project)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		agent, err := s.mail.Heartbeat(r.Context(), project, parts[0])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, agent)
	case len(parts) == 1:
		methodNotAllowed(w)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}
