package channel

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"catalog-task-pipeline/internal/models"
)

const writeWait = 10 * time.Second

// Finalizer receives terminal status updates.
type Finalizer interface {
	Finalize(id string, status models.Status, result json.RawMessage, errMsg string) bool
}

type Config struct {
	URL            string
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// PingInterval enables client keep-alive pings when positive.
	PingInterval time.Duration
}

// Channel keeps one live push connection to the server and feeds status
// updates into a Finalizer. It reconnects after every disconnect until Close
// is called or its context ends.
type Channel struct {
	cfg       Config
	fin       Finalizer
	log       logrus.FieldLogger
	dialer    *websocket.Dialer
	onConnect func(ctx context.Context)

	connected atomic.Bool
	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closing   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

type Option func(*Channel)

// WithOnConnect runs fn in its own goroutine after every successful
// (re)connect.
func WithOnConnect(fn func(ctx context.Context)) Option {
	return func(c *Channel) { c.onConnect = fn }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

func New(cfg Config, fin Finalizer, log logrus.FieldLogger, opts ...Option) *Channel {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = 30 * time.Second
	}
	c := &Channel{
		cfg:    cfg,
		fin:    fin,
		log:    log.WithField("component", "channel"),
		dialer: websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connected reports whether a push connection is currently live.
func (c *Channel) Connected() bool { return c.connected.Load() }

// Start connects in the background. It must be called at most once.
func (c *Channel) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()
	go c.run(ctx)
}

// Close sends a normal closure and stops reconnecting.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closing || c.done == nil {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	conn := c.conn
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	}
	cancel()
	<-done
	return nil
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	attempt := 0
	for {
		if ctx.Err() != nil || c.isClosing() {
			return
		}
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			attempt++
			wait := backoffWithJitter(c.cfg.BackoffInitial, c.cfg.BackoffMax, attempt)
			c.log.WithError(err).WithField("retry_in", wait).Warn("push connect failed")
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		attempt = 0
		c.setConn(conn)
		c.connected.Store(true)
		c.log.WithField("url", c.cfg.URL).Info("push channel connected")
		if c.onConnect != nil {
			go c.onConnect(ctx)
		}

		c.serve(ctx, conn)
		c.connected.Store(false)
		c.setConn(nil)
		if c.isClosing() || ctx.Err() != nil {
			c.log.Info("push channel closed")
			return
		}

		attempt++
		wait := backoffWithJitter(c.cfg.BackoffInitial, c.cfg.BackoffMax, attempt)
		c.log.WithField("retry_in", wait).Warn("push channel lost, reconnecting")
		if !sleep(ctx, wait) {
			return
		}
	}
}

// serve reads until the connection ends.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()
	if c.cfg.PingInterval > 0 {
		go c.pingLoop(conn, stop)
	}

	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !c.isClosing() && ctx.Err() == nil {
				c.log.WithError(err).Debug("push read failed")
			}
			return
		}
		c.handle(conn, data)
	}
}

func (c *Channel) handle(conn *websocket.Conn, data []byte) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.WithError(err).Debug("ignoring malformed push message")
		return
	}
	switch env.Type {
	case models.MessageTaskStatusUpdate:
		var u models.StatusUpdate
		if err := json.Unmarshal(env.Payload, &u); err != nil {
			c.log.WithError(err).Warn("malformed task status update")
			return
		}
		if !u.Status.Terminal() {
			c.log.WithFields(logrus.Fields{"task_id": u.TaskID, "status": u.Status}).Debug("task progress")
			return
		}
		c.fin.Finalize(u.TaskID, u.Status, u.Data, u.Error)
	case models.MessageHealthCheck:
		if err := c.writeJSON(conn, models.Envelope{Type: models.MessageHealthAck}); err != nil {
			c.log.WithError(err).Debug("health-ack failed")
		}
	default:
		c.log.WithField("type", env.Type).Debug("ignoring push message")
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *Channel) writeJSON(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

func (c *Channel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Channel) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
