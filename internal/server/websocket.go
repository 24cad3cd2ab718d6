package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

func (s *PreviewServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrigin(r) {
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	// Origin was checked above
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn(r.Context(), err, "websocket upgrade failed")
		return
	}

	client := &Client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	select {
	case s.register <- client:
	case <-s.hubCtx.Done():
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	go client.writePump()
	go client.readPump()
}

// checkOrigin accepts requests without an Origin header (non-browser
// clients) and browser requests from the server's own host.
func (s *PreviewServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	if originURL.Scheme != "http" && originURL.Scheme != "https" {
		return false
	}

	allowedOrigins := []string{r.Host}
	if s.config != nil {
		allowedOrigins = append(allowedOrigins,
			s.config.Address(),
			fmt.Sprintf("localhost:%d", s.config.Server.Port),
			fmt.Sprintf("127.0.0.1:%d", s.config.Server.Port),
		)
	}

	for _, allowed := range allowedOrigins {
		if originURL.Host == allowed {
			return true
		}
	}

	return false
}

// BroadcastReload tells every client that keys were recompiled. It never
// blocks; a full broadcast queue drops the message.
func (s *PreviewServer) BroadcastReload(keys []string) {
	message, err := json.Marshal(ReloadMessage{Type: "reload", Keys: keys})
	if err != nil {
		s.logger.Error(context.Background(), err, "encoding reload message")
		return
	}

	select {
	case s.broadcast <- message:
	default:
		s.logger.Warn(context.Background(), nil, "broadcast queue full, dropping reload", "keys", len(keys))
	}
}

func (s *PreviewServer) runWebSocketHub(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-s.register:
			if client == nil || client.conn == nil {
				continue
			}
			s.clientsMutex.Lock()
			s.clients[client.conn] = client
			clientCount := len(s.clients)
			s.clientsMutex.Unlock()
			s.logger.Debug(ctx, "client connected", "clients", clientCount)

		case conn := <-s.unregister:
			s.removeClient(conn)

		case message := <-s.broadcast:
			s.clientsMutex.RLock()
			var failedClients []*websocket.Conn
			for conn, client := range s.clients {
				select {
				case client.send <- message:
				default:
					// Client's send channel is full, mark for removal
					failedClients = append(failedClients, conn)
				}
			}
			s.clientsMutex.RUnlock()

			for _, conn := range failedClients {
				s.removeClient(conn)
			}
		}
	}
}

func (s *PreviewServer) removeClient(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	s.clientsMutex.Lock()
	defer s.clientsMutex.Unlock()

	if client, ok := s.clients[conn]; ok {
		delete(s.clients, conn)
		close(client.send)
		conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Debug(context.Background(), "client disconnected", "clients", len(s.clients))
	}
}

// readPump drains the connection so close frames are processed
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c.conn:
		case <-c.server.hubCtx.Done():
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)

	for {
		readCtx, readCancel := context.WithTimeout(c.server.hubCtx, pongWait)
		_, _, err := c.conn.Read(readCtx)
		readCancel()

		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway &&
				c.server.hubCtx.Err() == nil && readCtx.Err() == nil {
				c.server.logger.Debug(context.Background(), "websocket read ended", "error", err.Error())
			}
			return
		}
	}
}

// writePump pumps messages to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}

			writeCtx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.conn.Write(writeCtx, websocket.MessageText, message)
			cancel()
			if err != nil {
				c.server.logger.Debug(context.Background(), "websocket write failed", "error", err.Error())
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
