package httpapi

import (
	"net/http"
	"time"

	"github.com/mistakeknot/swarmmail/internal/core"
	"github.com/mistakeknot/swarmmail/internal/storage"
)

type sendMessageRequest struct {
	Project     string          `json:"project"`
	From        string          `json:"from"`
	To          []string        `json:"to"`
	Subject     string          `json:"subject"`
	Body        string          `json:"body"`
	ThreadID    string          `json:"thread_id"`
	Importance  core.Importance `json:"importance"`
	AckRequired bool            `json:"ack_required"`
}

type receiptRequest struct {
	Project string `json:"project"`
	Agent   string `json:"agent"`
}

type inboxResponse struct {
	Messages []core.Message `json:"messages"`
}

func (s *Service) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req sendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	project, err := projectFor(r, req.Project)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.mail.SendMessage(r.Context(), project, req.From, req.To, req.Subject, req.Body, storage.MessageOptions{
		ThreadID:    req.ThreadID,
		Importance:  req.Importance,
		AckRequired: req.AckRequired,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// handleMessageAction serves /api/messages/{id}[/read|/ack|/recipients].
func (s *Service) handleMessageAction(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/messages/")
	if len(parts) == 0 || len(parts) > 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	id := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		project, err := projectFor(r, "")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		msg, err := s.mail.GetMessage(r.Context(), project, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if msg == nil {
			s.writeError(w, r, &core.NotFoundError{Kind: "message", ID: id})
			return
		}
		writeJSON(w, http.StatusOK, msg)
	case "recipients":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		project, err := projectFor(r, "")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		status, err := s.mail.RecipientStatus(r.Context(), project, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if status == nil {
			s.writeError(w, r, &core.NotFoundError{Kind: "message", ID: id})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"recipients": status})
	case "read", "ack":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req receiptRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		project, err := projectFor(r, req.Project)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if action == "read" {
			err = s.mail.MarkMessageAsRead(r.Context(), project, id, req.Agent)
		} else {
			err = s.mail.AcknowledgeMessage(r.Context(), project, id, req.Agent)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// handleInbox serves /api/inbox/{agent}.
func (s *Service) handleInbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	parts := pathParts(r.URL.Path, "/api/inbox/")
	if len(parts) != 1 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
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
	opts := storage.InboxOptions{
		Limit:         limit,
		UrgentOnly:    queryBool(r, "urgent_only"),
		UnreadOnly:    queryBool(r, "unread_only"),
		IncludeBodies: queryBool(r, "include_bodies"),
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			s.writeError(w, r, core.Invalid("since", "must be an RFC 3339 timestamp"))
			return
		}
		opts.SinceTs = since
	}
	msgs, err := s.mail.GetInbox(r.Context(), project, parts[0], opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []core.Message{}
	}
	writeJSON(w, http.StatusOK, inboxResponse{Messages: msgs})
}
