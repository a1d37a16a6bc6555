package server

import (
	"encoding/json"
	"sync"

	"cipherchat/internal/model"

	"github.com/gorilla/websocket"
)

// wsConn adapts a websocket to registry.Conn. Gorilla allows one concurrent
// writer, so every write goes through the mutex; pushes come from many
// handlers and the sweeper at once.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) WriteEvent(ev *model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
