package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn adapts a websocket to Sender. Frames go through a bounded buffer;
// a full buffer drops the frame.
type wsConn struct {
	ws   *websocket.Conn
	send chan Envelope
	done chan struct{}
	once sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		ws:   ws,
		send: make(chan Envelope, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *wsConn) Send(env Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *wsConn) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case env := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			// flush what is already queued, then say goodbye
			for {
				select {
				case env := <-c.send:
					c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.ws.WriteJSON(env); err != nil {
						return
					}
				default:
					c.ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}

// ServeWS upgrades the request and serves hub frames until the peer goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	conn := newWSConn(ws)
	connID := h.Attach(conn)
	go conn.writePump()

	defer func() {
		h.Detach(connID)
		conn.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithField("conn_id", connID).WithError(err).Debug("Websocket read failed")
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.reply(connID, TypeError, ErrorPayload{Message: "malformed frame"})
			continue
		}
		h.Handle(connID, env)
	}
}
