package websocket

import (
	"context"
	"net/http"
	"slices"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/yegors/co-desk/internal/model"
	"github.com/yegors/co-desk/internal/notify"
	"github.com/yegors/co-desk/pkg/logger"
)

// Server fans notification-bus events out to dashboard clients and upgrades
// chat connections for the relay
type Server struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan model.Event
	done       chan struct{}
	upgrader   websocket.Upgrader
	logger     *logger.Logger
	mu         sync.RWMutex
}

// NewServer creates a new WebSocket server. An origin list containing "*"
// accepts every origin.
func NewServer(allowedOrigins []string, log *logger.Logger) *Server {
	allowAll := len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*")
	return &Server{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan model.Event, 64),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if allowAll {
					return true
				}
				origin := r.Header.Get("Origin")
				return origin == "" || slices.Contains(allowedOrigins, origin)
			},
		},
		logger: log.Named("web-socket"),
	}
}

// Run serves dashboard registrations and broadcasts until ctx is done
func (s *Server) Run(ctx context.Context) {
	s.logger.Info("Starting WebSocket server")

	for {
		select {
		case <-ctx.Done():
			close(s.done)
			s.mu.Lock()
			for client := range s.clients {
				delete(s.clients, client)
				client.Close()
			}
			s.mu.Unlock()
			s.logger.Info("WebSocket server stopped")
			return

		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			clientCount := len(s.clients)
			s.mu.Unlock()
			s.logger.Debug("Dashboard registered", logger.Int("client_count", clientCount))

		case client := <-s.unregister:
			s.mu.Lock()
			delete(s.clients, client)
			clientCount := len(s.clients)
			s.mu.Unlock()
			s.logger.Debug("Dashboard unregistered", logger.Int("client_count", clientCount))

		case event := <-s.broadcast:
			s.mu.RLock()
			var slow []*Client
			for client := range s.clients {
				if err := client.Send(event); err != nil {
					slow = append(slow, client)
				}
			}
			s.mu.RUnlock()

			// Dashboards that cannot keep up are dropped, they resync on reconnect
			if len(slow) > 0 {
				s.mu.Lock()
				for _, client := range slow {
					delete(s.clients, client)
					client.Close()
				}
				s.mu.Unlock()
			}
		}
	}
}

// Forward broadcasts every event of sub until the subscription ends
func (s *Server) Forward(ctx context.Context, sub *notify.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			s.Broadcast(event)
		}
	}
}

// Broadcast queues an event for every dashboard client
func (s *Server) Broadcast(event model.Event) {
	s.logger.Debug("Broadcasting event", logger.String("type", event.Type))
	select {
	case s.broadcast <- event:
	case <-s.done:
	}
}

// ClientCount returns the number of connected dashboards
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// HandleDashboard upgrades a dashboard connection. The greeting events are
// sent before any broadcast.
func (s *Server) HandleDashboard(w http.ResponseWriter, r *http.Request, greeting ...model.Event) {
	client, err := s.Upgrade(w, r)
	if err != nil {
		return
	}

	for _, event := range greeting {
		_ = client.Send(event)
	}

	select {
	case s.register <- client:
	case <-s.done:
		client.Reject(websocket.CloseGoingAway, "server shutting down")
		return
	}
	client.Start(nil, func(c *Client) {
		select {
		case s.unregister <- c:
		case <-s.done:
		}
	})
}

// Upgrade turns the request into a WebSocket client that is not started yet
func (s *Server) Upgrade(w http.ResponseWriter, r *http.Request) (*Client, error) {
	s.logger.Debug("Handling new WebSocket connection request",
		logger.String("remote_addr", r.RemoteAddr),
		logger.String("path", r.URL.Path))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection",
			logger.Error(err),
			logger.String("remote_addr", r.RemoteAddr))
		return nil, err
	}
	return newClient(conn, s.logger), nil
}
