package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"jclipper/internal/jobs"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Browser clients connect cross-origin during development.
		return true
	},
}

// ProgressUpdate is one job state transition pushed to websocket clients.
type ProgressUpdate struct {
	JobID     string     `json:"job_id"`
	State     jobs.State `json:"state"`
	Message   string     `json:"message,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// progressClient is one connected websocket subscriber.
type progressClient struct {
	conn   *websocket.Conn
	send   chan ProgressUpdate
	server *Server
	logger *slog.Logger
}

// handleWebSocket upgrades the connection and subscribes the client to job
// state transitions.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket connection", "error", err)
		return
	}

	client := &progressClient{
		conn:   conn,
		send:   make(chan ProgressUpdate, 256),
		server: s,
		logger: s.logger,
	}

	s.logger.Info("WebSocket client connected", "remote_addr", r.RemoteAddr)

	s.wsMutex.Lock()
	s.wsClients[client] = true
	s.wsMutex.Unlock()

	go client.writePump()
	go client.readPump()
}

// unregister removes a client from the broadcast set.
func (s *Server) unregister(client *progressClient) {
	s.wsMutex.Lock()
	delete(s.wsClients, client)
	s.wsMutex.Unlock()
}

// BroadcastProgress fans a job state transition out to every connected
// client. Implements the orchestrator's ProgressReporter.
func (s *Server) BroadcastProgress(jobID string, state jobs.State, message string) {
	update := ProgressUpdate{
		JobID:     jobID,
		State:     state,
		Message:   message,
		Timestamp: time.Now(),
	}

	s.wsMutex.RLock()
	clients := make([]*progressClient, 0, len(s.wsClients))
	for client := range s.wsClients {
		clients = append(clients, client)
	}
	s.wsMutex.RUnlock()

	for _, client := range clients {
		select {
		case client.send <- update:
		default:
			// Slow consumer; drop the update rather than block the render.
			client.logger.Warn("WebSocket client channel full, dropping update", "job_id", jobID)
		}
	}
}

// writePump delivers updates to the client and keeps the connection alive
// with pings.
func (c *progressClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.server.unregister(c)
		c.logger.Debug("WebSocket write pump stopped")
	}()

	for {
		select {
		case update, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(update); err != nil {
				c.logger.Debug("WebSocket write error", "error", err)
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

// readPump drains client messages; the protocol is push-only but the read
// loop is what notices a gone peer.
func (c *progressClient) readPump() {
	defer func() {
		c.conn.Close()
		close(c.send)
		c.logger.Debug("WebSocket read pump stopped")
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("WebSocket read error", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	}
}
