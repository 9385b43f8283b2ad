package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/franzego/notifyhub/internal/config"
	"github.com/franzego/notifyhub/internal/models"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	frameAuth         = "auth"
	framePing         = "ping"
	framePong         = "pong"
	frameNotification = "notification"

	maxFrameSize = 512 * 1024
	dialTimeout  = 10 * time.Second
)

type frame struct {
	Type    string          `json:"type"`
	UserID  string          `json:"userId,omitempty"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type notificationPayload struct {
	Recipient    string               `json:"recipient"`
	Notification *models.Notification `json:"notification"`
}

// IncomingHandler receives notifications pushed by the socket server.
type IncomingHandler func(ctx context.Context, n *models.Notification)

// SocketClient keeps one long-lived websocket to the notification server.
// It reconnects with a fixed backoff until the attempt ceiling is reached,
// after which it stays down until Reconnect is called. A keepalive ping
// every pingInterval closes connections whose peer stopped answering.
type SocketClient struct {
	url               string
	userID            string
	token             string
	reconnectInterval time.Duration
	maxAttempts       int
	pingTimeout       time.Duration
	pingInterval      time.Duration
	writeTimeout      time.Duration
	dialer            *websocket.Dialer
	now               func() time.Time
	logger            *zap.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	connecting  bool
	closed      bool
	exhausted   bool
	attempts    int
	timer       *time.Timer
	pongWaiters []chan struct{}
	onIncoming  IncomingHandler

	writeMu sync.Mutex
}

func NewSocketClient(cfg config.SocketConfig, logger *zap.Logger) *SocketClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &SocketClient{
		url:               cfg.URL,
		userID:            cfg.UserID,
		token:             cfg.Token,
		reconnectInterval: cfg.ReconnectInterval,
		maxAttempts:       cfg.MaxReconnectAttempts,
		pingTimeout:       cfg.PingTimeout,
		pingInterval:      cfg.PingInterval,
		writeTimeout:      cfg.WriteTimeout,
		dialer: &websocket.Dialer{
			HandshakeTimeout: dialTimeout,
		},
		now:    time.Now,
		logger: logger.Named("socket"),
	}
	if c.reconnectInterval <= 0 {
		c.reconnectInterval = 5 * time.Second
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 5
	}
	if c.pingTimeout <= 0 {
		c.pingTimeout = 5 * time.Second
	}
	if c.pingInterval <= 0 {
		c.pingInterval = 30 * time.Second
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = 10 * time.Second
	}
	return c
}

func (c *SocketClient) Name() models.ChannelName { return models.ChannelSocket }

func (c *SocketClient) SetIncomingHandler(h IncomingHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onIncoming = h
}

func (c *SocketClient) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Exhausted reports whether automatic reconnects have given up.
func (c *SocketClient) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

func (c *SocketClient) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect opens the connection unless one is open or being opened. A failed
// dial starts the reconnect schedule.
func (c *SocketClient) Connect(ctx context.Context) error {
	if c.url == "" {
		return fmt.Errorf("%w: socket url", ErrNotConfigured)
	}
	c.mu.Lock()
	if c.conn != nil || c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.closed = false
	c.mu.Unlock()

	err := c.dial(ctx)

	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("socket connect failed", zap.Error(err))
		c.scheduleReconnect()
		return err
	}
	return nil
}

// Reconnect is the manual reconnect: it resets the attempt ceiling and dials
// again.
func (c *SocketClient) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.attempts = 0
	c.exhausted = false
	c.mu.Unlock()
	return c.Connect(ctx)
}

func (c *SocketClient) Close() error {
	c.mu.Lock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		c.now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

// Send writes the notification to the open connection. Nothing is queued
// when the socket is down.
func (c *SocketClient) Send(ctx context.Context, n *models.Notification, address string) models.DeliveryResult {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return models.Failed(n, models.ChannelSocket, ErrNotConnected)
	}

	payload, err := json.Marshal(notificationPayload{Recipient: address, Notification: n})
	if err != nil {
		return models.Failed(n, models.ChannelSocket, err)
	}
	if err := c.write(ctx, conn, frame{Type: frameNotification, Payload: payload}); err != nil {
		return models.Failed(n, models.ChannelSocket, err)
	}
	return models.Delivered(n, models.ChannelSocket, c.now())
}

// Ping sends a ping frame and waits for the pong. It returns false on
// timeout instead of blocking.
func (c *SocketClient) Ping(ctx context.Context) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}
	return c.pingConn(ctx, conn)
}

func (c *SocketClient) pingConn(ctx context.Context, conn *websocket.Conn) bool {
	waiter := make(chan struct{})
	c.mu.Lock()
	c.pongWaiters = append(c.pongWaiters, waiter)
	c.mu.Unlock()

	if err := c.write(ctx, conn, frame{Type: framePing}); err != nil {
		c.dropWaiter(waiter)
		return false
	}

	timer := time.NewTimer(c.pingTimeout)
	defer timer.Stop()
	select {
	case <-waiter:
		return true
	case <-timer.C:
	case <-ctx.Done():
	}
	c.dropWaiter(waiter)
	return false
}

func (c *SocketClient) dropWaiter(w chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.pongWaiters {
		if x == w {
			c.pongWaiters = append(c.pongWaiters[:i], c.pongWaiters[i+1:]...)
			return
		}
	}
}

func (c *SocketClient) dial(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	if err := c.write(ctx, conn, frame{Type: frameAuth, UserID: c.userID, Token: c.token}); err != nil {
		conn.Close()
		return fmt.Errorf("send auth frame: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("socket closed while connecting")
	}
	c.conn = conn
	c.attempts = 0
	c.exhausted = false
	c.mu.Unlock()

	c.logger.Info("socket connected", zap.String("url", c.url))
	done := make(chan struct{})
	go c.readLoop(conn, done)
	go c.keepAlive(conn, done)
	return nil
}

func (c *SocketClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.logger.Info("socket closed", zap.Error(err))
			break
		}
		c.handleFrame(conn, msg)
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()
	conn.Close()

	if !closed {
		c.scheduleReconnect()
	}
}

// keepAlive closes conn when a ping goes unanswered; readLoop then takes
// the normal reconnect path.
func (c *SocketClient) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		if c.pingConn(context.Background(), conn) {
			continue
		}
		c.logger.Warn("socket keepalive timed out, closing connection", zap.Duration("ping_timeout", c.pingTimeout))
		conn.Close()
		return
	}
}

func (c *SocketClient) handleFrame(conn *websocket.Conn, msg []byte) {
	var f frame
	if err := json.Unmarshal(msg, &f); err != nil {
		c.logger.Debug("ignoring malformed frame", zap.Error(err))
		return
	}
	switch f.Type {
	case framePong:
		c.mu.Lock()
		waiters := c.pongWaiters
		c.pongWaiters = nil
		c.mu.Unlock()
		for _, w := range waiters {
			close(w)
		}
	case framePing:
		_ = c.write(context.Background(), conn, frame{Type: framePong})
	case frameNotification:
		var p notificationPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.Notification == nil {
			c.logger.Warn("ignoring malformed notification frame", zap.Error(err))
			return
		}
		n := p.Notification
		now := c.now()
		n.DeliveryStatus = models.StatusDelivered
		n.SentAt = &now

		c.mu.Lock()
		handler := c.onIncoming
		c.mu.Unlock()
		if handler != nil {
			handler(context.Background(), n)
		}
	default:
		c.logger.Debug("unhandled frame", zap.String("type", f.Type))
	}
}

func (c *SocketClient) write(ctx context.Context, conn *websocket.Conn, f frame) error {
	deadline := c.now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return conn.WriteJSON(f)
}

func (c *SocketClient) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn != nil || c.timer != nil {
		return
	}
	if c.attempts >= c.maxAttempts {
		if !c.exhausted {
			c.logger.Warn("socket reconnect attempts exhausted", zap.Int("attempts", c.attempts))
		}
		c.exhausted = true
		return
	}
	c.attempts++
	attempt := c.attempts
	c.timer = time.AfterFunc(c.reconnectInterval, func() {
		c.mu.Lock()
		c.timer = nil
		if c.closed || c.conn != nil || c.connecting {
			c.mu.Unlock()
			return
		}
		c.connecting = true
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		err := c.dial(ctx)
		cancel()

		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		if err != nil {
			c.logger.Warn("socket reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			c.scheduleReconnect()
		}
	})
}
