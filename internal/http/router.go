package httpapi

import "net/http"

// NewRouter mounts the coordination and hive endpoints. mw, when set, wraps
// every route including the WebSocket feed.
func NewRouter(svc *Service, wsHandler http.Handler, mw func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.Handler {
		handler := http.Handler(h)
		if mw != nil {
			handler = mw(handler)
		}
		return handler
	}

	mux.HandleFunc("/health", svc.handleHealth)

	// Swarm mail
	mux.Handle("/api/agents", wrap(svc.handleAgents))
	mux.Handle("/api/agents/", wrap(svc.handleAgentByName))
	mux.Handle("/api/messages", wrap(svc.handleSendMessage))
	mux.Handle("/api/messages/", wrap(svc.handleMessageAction))
	mux.Handle("/api/inbox/", wrap(svc.handleInbox))
	mux.Handle("/api/threads", wrap(svc.handleListThreads))
	mux.Handle("/api/threads/", wrap(svc.handleThreadMessages))
	mux.Handle("/api/reservations", wrap(svc.handleReservations))
	mux.Handle("/api/reservations/check", wrap(svc.handleCheckReservations))
	mux.Handle("/api/reservations/release", wrap(svc.handleReleaseReservations))
	mux.Handle("/api/events", wrap(svc.handleEvents))
	mux.Handle("/api/replay", wrap(svc.handleReplay))
	mux.Handle("/api/stats", wrap(svc.handleStats))

	// Hive
	mux.Handle("/api/cells", wrap(svc.handleCells))
	mux.Handle("/api/cells/", wrap(svc.handleCellByID))
	mux.Handle("/api/comments/", wrap(svc.handleCommentByID))
	mux.Handle("/api/queue/", wrap(svc.handleQueue))
	mux.Handle("/api/sessions", wrap(svc.handleSessions))
	mux.Handle("/api/sessions/", wrap(svc.handleSessionByID))

	if wsHandler != nil {
		mux.Handle("/ws/agents/", wrap(wsHandler.ServeHTTP))
	}
	return mux
}
