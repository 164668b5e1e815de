package handlers

import (
	"net/http"

	ws "github.com/gorilla/websocket"

	"gator-threads/internal/middleware"
	"gator-threads/internal/websocket"
)

// HandleWebSocket streams the events of one thread to the peer. Browsers
// cannot set headers on the upgrade request, so the token may also come as
// a query parameter.
func (s *Server) HandleWebSocket() http.HandlerFunc {
	upgrader := ws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.CORS.OriginAllowed(origin)
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		viewerID := middleware.ViewerIDFromContext(r.Context())
		if tokenString := r.URL.Query().Get("token"); tokenString != "" {
			claims, err := s.Auth.ValidateToken(tokenString)
			if err != nil {
				s.log.Debug("WebSocket token rejected", "error", err)
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}
			viewerID = claims.ViewerID
		}
		threadID := r.PathValue("threadID")
		e := s.Engines.For(viewerID)

		// A bad thread id fails here as plain HTTP.
		if _, err := e.Forest(r.Context(), threadID); err != nil {
			s.writeError(w, r, err)
			return
		}

		// Subscribe before upgrading so no event after the handshake is missed.
		client := websocket.NewClient(s.Hub, nil, threadID, viewerID)
		client.Unsubscribe = e.Subscribe(threadID, client.Notify)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("WebSocket upgrade failed", "thread", threadID, "viewer", viewerID, "error", err)
			client.Unsubscribe()
			return
		}
		client.Conn = conn
		s.Hub.Register <- client

		go client.WritePump()
		go client.ReadPump()
	}
}
