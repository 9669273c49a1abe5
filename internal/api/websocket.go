package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tos-network/poc-miner/internal/events"
	"github.com/tos-network/poc-miner/internal/util"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsBuffer     = 64
)

// snapshotEvent is the first message a client receives.
const snapshotEvent events.Type = "snapshot"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsClient) writeEvent(e events.Event) error {
	data, err := util.MarshalJSON(e)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

// handleWebSocket relays the event stream to a websocket client
func (s *Server) handleWebSocket(c *gin.Context) {
	if s.bus == nil {
		c.JSON(503, gin.H{"error": "Event stream disabled"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger().Debugf("WebSocket upgrade error: %v", err)
		return
	}

	client := &wsClient{conn: conn, done: make(chan struct{})}
	s.wsMu.Lock()
	s.wsConns[client] = struct{}{}
	total := len(s.wsConns)
	s.wsMu.Unlock()
	logger().Debugf("WebSocket client connected from %s, total clients: %d", conn.RemoteAddr(), total)

	stream, cancel := s.bus.Subscribe(wsBuffer)

	snapshot := gin.H{"stats": s.state.Stats()}
	if r := s.state.CurrentRound(); r != nil {
		snapshot["round"] = r.Summary()
	}
	if err := client.writeEvent(events.New(snapshotEvent, s.state.CurrentHeight(), snapshot)); err != nil {
		cancel()
		s.removeClient(client)
		return
	}

	go s.wsReadLoop(client)
	go s.wsWriteLoop(client, stream, cancel)
}

// wsReadLoop discards client input and detects disconnects
func (s *Server) wsReadLoop(client *wsClient) {
	defer s.removeClient(client)

	client.conn.SetReadLimit(512)
	client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) wsWriteLoop(client *wsClient, stream <-chan events.Event, cancel func()) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		s.removeClient(client)
	}()

	for {
		select {
		case <-client.done:
			return
		case e, ok := <-stream:
			if !ok {
				return
			}
			if err := client.writeEvent(e); err != nil {
				logger().Debugf("WebSocket write error: %v", err)
				return
			}
		case <-ticker.C:
			if err := client.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) removeClient(client *wsClient) {
	client.close()
	s.wsMu.Lock()
	delete(s.wsConns, client)
	s.wsMu.Unlock()
}

func (s *Server) wsClients() int {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	return len(s.wsConns)
}

func (s *Server) closeWebSockets() {
	s.wsMu.Lock()
	clients := make([]*wsClient, 0, len(s.wsConns))
	for c := range s.wsConns {
		clients = append(clients, c)
	}
	s.wsMu.Unlock()

	for _, c := range clients {
		s.removeClient(c)
	}
}
