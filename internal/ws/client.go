package ws

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/runbox-sh/runbox/internal/runner"
	"github.com/runbox-sh/runbox/internal/stream"
	"github.com/runbox-sh/runbox/internal/term"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// processClient feeds one socket from a background run's hub.
type processClient struct {
	conn   *websocket.Conn
	replay []stream.Event
	events <-chan stream.Event
	cancel func()
	log    *zap.Logger
}

func newProcessClient(conn *websocket.Conn, hub *runner.Hub, log *zap.Logger) *processClient {
	replay, events, cancel := hub.Subscribe()
	return &processClient{conn: conn, replay: replay, events: events, cancel: cancel, log: log}
}

// readPump discards client frames; it exists to notice disconnects and keep
// the pong handler serviced.
func (c *processClient) readPump() {
	defer func() {
		c.cancel()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *processClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.conn.Close()
	}()

	for _, ev := range c.replay {
		if err := c.writeEvent(ev); err != nil {
			return
		}
	}

	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				// Sequence ended; tell the client before hanging up.
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "process exited"))
				return
			}
			if err := c.writeEvent(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *processClient) writeEvent(ev stream.Event) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(ev)
}

// resizeMessage is the only structured frame a terminal client sends; all
// text/binary frames that do not parse as one are raw keystrokes.
type resizeMessage struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// terminalClient bridges one socket to a terminal hub.
type terminalClient struct {
	conn    *websocket.Conn
	session *term.Session
	output  chan []byte
	log     *zap.Logger
}

func newTerminalClient(conn *websocket.Conn, session *term.Session, log *zap.Logger) *terminalClient {
	c := &terminalClient{
		conn:    conn,
		session: session,
		output:  make(chan []byte, 256),
		log:     log,
	}
	session.Hub.Register(c.output)
	return c
}

func (c *terminalClient) readPump() {
	defer func() {
		c.session.Hub.Unregister(c.output)
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg resizeMessage
		if json.Unmarshal(data, &msg) == nil && msg.Type == "resize" {
			if err := c.session.Term.Resize(msg.Cols, msg.Rows); err != nil {
				c.log.Warn("terminal resize failed",
					zap.String("terminal_id", c.session.ID), zap.Error(err))
			}
			continue
		}

		if _, err := c.session.Hub.Write(data); err != nil {
			return
		}
	}
}

func (c *terminalClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.output:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "terminal closed"))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
