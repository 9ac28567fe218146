package websocket

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The ops endpoint is bound to the configured host; origin is not checked.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server upgrades HTTP requests and attaches the connections to a hub
type Server struct {
	hub    *Hub
	logger *zap.Logger
}

// NewServer creates a server and starts its hub
func NewServer(maxClients int, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := NewHub(maxClients, logger)
	go hub.Run()

	return &Server{hub: hub, logger: logger}
}

// ServeHTTP handles websocket upgrade requests
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(s.hub, conn, s.logger)
	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writeLoop()
	go client.readLoop()

	s.logger.Debug("new websocket connection", zap.String("remote_addr", r.RemoteAddr))
}

// Hub returns the hub, which also serves as an outcome publisher
func (s *Server) Hub() *Hub {
	return s.hub
}

// Stop disconnects every client
func (s *Server) Stop() {
	s.hub.Stop()
}
