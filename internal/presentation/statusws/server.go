// Package statusws exposes sync health to the local UI over a websocket and
// accepts control messages back: connectivity reports and retry/resync
// requests. The endpoint binds to localhost only.
package statusws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tidal-app/tidal/internal/application/health"
	"github.com/tidal-app/tidal/internal/infrastructure/logging"
)

// Envelope types exchanged with the UI.
const (
	EventSyncHealth = "sync.health"

	ActionNetworkOnline  = "network.online"
	ActionNetworkOffline = "network.offline"
	ActionSyncRetry      = "sync.retry"
	ActionSyncResync     = "sync.resync"
)

// Envelope wraps every websocket message in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// resyncPayload is the data of a sync.resync envelope.
type resyncPayload struct {
	Collection string `json:"collection"`
}

// Controls is what the UI can ask the daemon to do.
type Controls interface {
	// SetOnline forwards a platform connectivity report.
	SetOnline(online bool)

	// RetryFailed re-queues failed and dead-letter operations and kicks a
	// sync cycle.
	RetryFailed(ctx context.Context) error

	// ForceResync clears a collection's checkpoint so the next cycle pulls
	// it from scratch. An empty collection resyncs everything.
	ForceResync(ctx context.Context, collection string) error
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		host := r.Host
		if h, _, err := net.SplitHostPort(r.Host); err == nil {
			host = h
		}
		return host == "localhost" || host == "127.0.0.1" || host == "::1"
	},
}

// Server broadcasts health snapshots to connected UI clients.
type Server struct {
	view     health.View
	controls Controls
	logger   *logging.Logger

	httpServer *http.Server

	mu      sync.Mutex
	clients map[*client]bool
	addr    string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewServer creates the status server. It does not listen until Start.
func NewServer(addr string, view health.View, controls Controls, logger *logging.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		view:     view,
		controls: controls,
		logger:   logger.With("component", "statusws"),
		clients:  make(map[*client]bool),
		ctx:      ctx,
		cancel:   cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(view.Snapshot())
	})

	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start begins listening and broadcasting. It returns once the listener is
// bound; serving continues in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server stopped", "error", err)
		}
	}()
	go s.broadcastHealth()

	s.logger.Info("status endpoint listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, useful when the configured port is 0.
func (s *Server) Addr() string {
	return s.addr
}

// Stop shuts the server down, closing all client connections.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	for c := range s.clients {
		close(c.send)
		delete(s.clients, c)
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// broadcastHealth fans health snapshots out to every connected client.
func (s *Server) broadcastHealth() {
	defer s.wg.Done()

	snapshots, cancel := s.view.Subscribe()
	defer cancel()

	for {
		select {
		case <-s.ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			s.broadcast(EventSyncHealth, snap)
		}
	}
}

func (s *Server) broadcast(eventType string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("could not encode broadcast", "type", eventType, "error", err)
		return
	}
	msg, err := json.Marshal(Envelope{
		Type:      eventType,
		Data:      payload,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			// Slow client. Drop it rather than block the broadcast.
			close(c.send)
			delete(s.clients, c)
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 16)}

	s.mu.Lock()
	s.clients[c] = true
	total := len(s.clients)
	s.mu.Unlock()
	s.logger.Info("client connected", "remote", r.RemoteAddr, "total", total)

	// Replay the current snapshot so a fresh client renders immediately.
	if payload, err := json.Marshal(s.view.Snapshot()); err == nil {
		msg, _ := json.Marshal(Envelope{
			Type:      EventSyncHealth,
			Data:      payload,
			Timestamp: time.Now().Unix(),
		})
		c.send <- msg
	}

	go c.writePump()
	go s.readPump(c)
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.mu.Lock()
		if s.clients[c] {
			close(c.send)
			delete(s.clients, c)
		}
		s.mu.Unlock()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("read error", "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			s.logger.Warn("invalid envelope", "error", err)
			continue
		}
		s.dispatch(env)
	}
}

// dispatch routes one UI envelope to the controls.
func (s *Server) dispatch(env Envelope) {
	ctx := s.ctx

	switch env.Type {
	case ActionNetworkOnline:
		s.controls.SetOnline(true)
	case ActionNetworkOffline:
		s.controls.SetOnline(false)
	case ActionSyncRetry:
		if err := s.controls.RetryFailed(ctx); err != nil {
			s.logger.Warn("retry request failed", "error", err)
		}
	case ActionSyncResync:
		var payload resyncPayload
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &payload); err != nil {
				s.logger.Warn("invalid resync payload", "error", err)
				return
			}
		}
		if err := s.controls.ForceResync(ctx, strings.TrimSpace(payload.Collection)); err != nil {
			s.logger.Warn("resync request failed", "error", err)
		}
	default:
		s.logger.Debug("ignoring unknown envelope", "type", env.Type)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
