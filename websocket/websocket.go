// Package websocket fans game updates out to connected clients. Each
// connection is subscribed to one topic, normally a game id.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrSlowClient = errors.New("client egress buffer full")

const (
	pongWait     = 60 * time.Second
	readLimit    = 4096
	egressBuffer = 32
)

// DefaultSetupConn applies the read limit and keeps the read deadline moving
// while pongs arrive.
func DefaultSetupConn(c *websocket.Conn) {
	c.SetReadLimit(readLimit)
	_ = c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		_ = c.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
}

// DefaultUpgrader accepts requests whose Origin is listed. A "*" entry
// accepts any origin.
func DefaultUpgrader(origins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(origins, "*") || slices.Contains(origins, origin)
		},
	}
}

// Client is one websocket connection. All writes to the connection happen
// in WriteForever and all reads in ReadForever.
type Client interface {
	// Write queues p for delivery without blocking.
	Write(p []byte) (int, error)
	Close() error
	Topic() string
	WriteForever(ctx context.Context, onDestroy func(Client), ping time.Duration)
	ReadForever(ctx context.Context, onDestroy func(Client), handlers ...MessageHandler)
	// Wait blocks until both loops have returned.
	Wait()
}

type MessageHandler func(Client, []byte)

// Options wires ServeWS to its callers.
type Options struct {
	Upgrader  websocket.Upgrader
	SetupConn func(*websocket.Conn)
	// Topic picks the subscription for a request. Returning an error
	// rejects the request with 400 before upgrading.
	Topic     func(*http.Request) (string, error)
	OnCreate  func(context.Context, context.CancelFunc, Client)
	OnDestroy func(Client)
	Ping      time.Duration
	Handlers  []MessageHandler
	Logger    *slog.Logger
}

// ServeWS upgrades the request, creates the Client, calls OnCreate and
// starts the read and write loops.
func ServeWS(opts Options) http.HandlerFunc {
	if opts.SetupConn == nil {
		opts.SetupConn = DefaultSetupConn
	}
	if opts.Ping <= 0 {
		opts.Ping = 50 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		topic := ""
		if opts.Topic != nil {
			var err error
			if topic, err = opts.Topic(r); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		conn, err := opts.Upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied
			return
		}
		opts.SetupConn(conn)
		c := NewClient(conn, topic, opts.Logger)

		ctx, cancel := context.WithCancel(context.Background())
		if opts.OnCreate != nil {
			opts.OnCreate(ctx, cancel, c)
		}

		onDestroy := func(c Client) {
			cancel()
			if opts.OnDestroy != nil {
				opts.OnDestroy(c)
			}
			_ = c.Close()
		}
		go c.WriteForever(ctx, onDestroy, opts.Ping)
		go c.ReadForever(ctx, onDestroy, opts.Handlers...)
	}
}

type client struct {
	topic     string
	wg        sync.WaitGroup
	conn      *websocket.Conn
	egress    chan []byte
	closeOnce sync.Once
	logger    *slog.Logger
}

// NewClient wraps conn. The read and write loops must both be started.
func NewClient(conn *websocket.Conn, topic string, logger *slog.Logger) Client {
	c := &client{
		topic:  topic,
		conn:   conn,
		egress: make(chan []byte, egressBuffer),
		logger: logger.With("component", "websocket", "topic", topic, "remote", conn.RemoteAddr().String()),
	}
	c.wg.Add(2)
	return c
}

func (c *client) Topic() string {
	return c.topic
}

func (c *client) Write(p []byte) (int, error) {
	select {
	case c.egress <- p:
		return len(p), nil
	default:
		return 0, ErrSlowClient
	}
}

// Close sends a close frame and closes the connection. Later calls are
// no-ops.
func (c *client) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
	return nil
}

// WriteForever drains the egress queue and sends pings.
func (c *client) WriteForever(ctx context.Context, onDestroy func(Client), ping time.Duration) {
	pingTicker := time.NewTicker(ping)
	defer func() {
		pingTicker.Stop()
		c.wg.Done()
		onDestroy(c)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.egress:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Warn("write message", "error", err)
				return
			}
		case <-pingTicker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("write ping", "error", err)
				return
			}
		}
	}
}

// ReadForever passes each incoming message to the handlers in order.
// Messages are handled one at a time.
func (c *client) ReadForever(ctx context.Context, onDestroy func(Client), handlers ...MessageHandler) {
	defer func() {
		c.wg.Done()
		onDestroy(c)
	}()

	ingress := make(chan []byte)
	readErr := make(chan error, 1)

	go func() {
		for {
			_, payload, err := c.conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case ingress <- payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Warn("read loop", "error", err)
			} else {
				c.logger.Debug("connection closed")
			}
			return
		case payload := <-ingress:
			for _, h := range handlers {
				h(c, payload)
			}
		}
	}
}

func (c *client) Wait() {
	c.wg.Wait()
}

// Hub tracks clients by topic and publishes to them.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[Client]context.CancelFunc
	logger *slog.Logger
	closed bool
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		topics: make(map[string]map[Client]context.CancelFunc),
		logger: logger.With("component", "hub"),
	}
}

// Register subscribes c to its topic. cancel stops the client's loops
// when the hub shuts down.
func (h *Hub) Register(_ context.Context, cancel context.CancelFunc, c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		cancel()
		_ = c.Close()
		return
	}
	clients, ok := h.topics[c.Topic()]
	if !ok {
		clients = make(map[Client]context.CancelFunc)
		h.topics[c.Topic()] = clients
	}
	clients[c] = cancel
}

// Unregister removes and closes c. It is safe to call more than once.
func (h *Hub) Unregister(c Client) {
	h.mu.Lock()
	clients := h.topics[c.Topic()]
	cancel, ok := clients[c]
	if ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.topics, c.Topic())
		}
	}
	h.mu.Unlock()

	if ok {
		cancel()
		_ = c.Close()
	}
}

// Clients returns the clients subscribed to topic.
func (h *Hub) Clients(topic string) []Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	res := make([]Client, 0, len(h.topics[topic]))
	for c := range h.topics[topic] {
		res = append(res, c)
	}
	return res
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.topics {
		n += len(clients)
	}
	return n
}

// Publish queues b for every client on topic. Clients that cannot keep up
// are disconnected.
func (h *Hub) Publish(topic string, b []byte) error {
	var errs []error
	for _, c := range h.Clients(topic) {
		if _, err := c.Write(b); err != nil {
			h.logger.Warn("dropping client", "topic", topic, "error", err)
			h.Unregister(c)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run blocks until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	var all []Client
	for _, clients := range h.topics {
		for c, cancel := range clients {
			cancel()
			all = append(all, c)
		}
	}
	h.topics = make(map[string]map[Client]context.CancelFunc)
	h.mu.Unlock()

	for _, c := range all {
		_ = c.Close()
	}
}
