package devserver

import (
	"net/http"
	"time"

	"codeberg.org/mutker/telesync/internal/telemetry"
	"github.com/gorilla/websocket"
)

const (
	pushWriteWait  = 5 * time.Second
	pushPongWait   = 60 * time.Second
	pushPingPeriod = 20 * time.Second
	pushBuffer     = 16
)

type pushClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Push upgrade failed")
		return
	}

	c := &pushClient{
		conn: conn,
		send: make(chan []byte, pushBuffer),
		done: make(chan struct{}),
	}

	if snap, ok := s.latest(); ok {
		if frame, err := telemetry.EncodeFrame(telemetry.FrameInitialStats, snap); err == nil {
			c.send <- frame
		}
	}

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Debug().Str("remote", r.RemoteAddr).Int("clients", count).Msg("Push client connected")

	go s.writePump(c)
	s.readPump(c)
}

// readPump discards client messages and notices when the peer goes away.
func (s *Server) readPump(c *pushClient) {
	defer s.drop(c)

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pushPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pushPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("Push client closed unexpectedly")
			}
			return
		}
	}
}

func (s *Server) writePump(c *pushClient) {
	ticker := time.NewTicker(pushPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(pushWriteWait))
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(pushWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.drop(c)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pushWriteWait)); err != nil {
				s.drop(c)
				return
			}
		}
	}
}

func (s *Server) broadcast(frameType telemetry.FrameType, snap telemetry.Snapshot) {
	frame, err := telemetry.EncodeFrame(frameType, snap)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to encode push frame")
		return
	}

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	for c := range s.clients {
		select {
		case c.send <- frame:
		default:
			s.logger.Warn().Msg("Push client too slow, dropping it")
			s.dropLocked(c)
		}
	}
}

// Clients returns the number of connected push clients.
func (s *Server) Clients() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

// DisconnectClients closes every push connection, as a network outage
// would.
func (s *Server) DisconnectClients() {
	s.closeClients()
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		s.dropLocked(c)
	}
}

func (s *Server) drop(c *pushClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.dropLocked(c)
}

func (s *Server) dropLocked(c *pushClient) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	close(c.done)
}
