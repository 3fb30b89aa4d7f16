package push

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"catalog-task-pipeline/internal/models"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler accepts push subscribers over WebSocket.
type Handler struct {
	b              *Broadcaster
	healthInterval time.Duration
}

// NewHandler serves WebSocket subscribers for b. A health-check message is
// sent to each subscriber every healthInterval; zero disables it.
func NewHandler(b *Broadcaster, healthInterval time.Duration) *Handler {
	return &Handler{b: b, healthInterval: healthInterval}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.b.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	c := &wsConn{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	h.b.Register(c)
	log := h.b.log.WithField("subscriber_id", c.id)
	log.WithField("remote", r.RemoteAddr).Info("push subscriber connected")

	go c.writeLoop(h.healthInterval)
	c.readLoop(func(msgType string) {
		if msgType == models.MessageHealthAck {
			log.Debug("health-ack received")
		}
	})

	h.b.Unregister(c.id)
	log.Info("push subscriber disconnected")
}

type wsConn struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Open() bool { return !c.closed.Load() }

func (c *wsConn) Send(msg []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSlow
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *wsConn) readLoop(onMessage func(msgType string)) {
	defer c.close()
	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		onMessage(env.Type)
	}
}

func (c *wsConn) writeLoop(healthInterval time.Duration) {
	var tick <-chan time.Time
	if healthInterval > 0 {
		ticker := time.NewTicker(healthInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	healthCheck, _ := json.Marshal(models.Envelope{Type: models.MessageHealthCheck})

	defer c.close()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		case <-tick:
			if err := c.write(healthCheck); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) write(msg []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}
