package httpapi

import (
	"net/http"
	"time"

	"github.com/mistakeknot/swarmmail/internal/core"
	"github.com/mistakeknot/swarmmail/internal/storage"
)

type reserveRequest struct {
	Project   string   `json:"project"`
	Agent     string   `json:"agent"`
	Paths     []string `json:"paths"`
	Reason    string   `json:"reason"`
	Exclusive *bool    `json:"exclusive"`
	// TTLSeconds of zero uses the configured default.
	TTLSeconds int `json:"ttl_seconds"`
}

type checkRequest struct {
	Project   string   `json:"project"`
	Agent     string   `json:"agent"`
	Paths     []string `json:"paths"`
	Exclusive *bool    `json:"exclusive"`
}

type releaseRequest struct {
	Project        string   `json:"project"`
	Agent          string   `json:"agent"`
	Paths          []string `json:"paths"`
	ReservationIDs []string `json:"reservation_ids"`
}

type listReservationsResponse struct {
	Reservations []core.Reservation `json:"reservations"`
}

type checkResponse struct {
	Conflicts []core.ConflictDetail `json:"conflicts"`
}

func (s *Service) handleReservations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		project, err := projectFor(r, "")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		list, err := s.mail.GetActiveReservations(r.Context(), project, r.URL.Query().Get("agent"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if list == nil {
			list = []core.Reservation{}
		}
		writeJSON(w, http.StatusOK, listReservationsResponse{Reservations: list})
	case http.MethodPost:
		var req reserveRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		project, err := projectFor(r, req.Project)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if req.TTLSeconds < 0 {
			s.writeError(w, r, core.Invalid("ttl_seconds", "must not be negative"))
			return
		}
		res, err := s.mail.ReserveFiles(r.Context(), project, req.Agent, req.Paths, storage.ReserveOptions{
			Reason:    req.Reason,
			Exclusive: req.Exclusive,
			TTL:       time.Duration(req.TTLSeconds) * time.Second,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	default:
		methodNotAllowed(w)
	}
}

func (s *Service) handleCheckReservations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req checkRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	project, err := projectFor(r, req.Project)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	exclusive := req.Exclusive == nil || *req.Exclusive
	conflicts, err := s.mail.CheckConflicts(r.Context(), project, req.Agent, req.Paths, exclusive)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if conflicts == nil {
		conflicts = []core.ConflictDetail{}
	}
	writeJSON(w, http.StatusOK, checkResponse{Conflicts: conflicts})
}

func (s *Service) handleReleaseReservations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req releaseRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	project, err := projectFor(r, req.Project)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.mail.ReleaseFiles(r.Context(), project, req.Agent, storage.ReleaseOptions{
		Paths:          req.Paths,
		ReservationIDs: req.ReservationIDs,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
