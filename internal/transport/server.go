// Package transport fans encoded frames out to WebSocket subscribers.
//
// Delivery is best effort: every subscriber owns a single-slot queue and a
// writer goroutine. Offer never blocks; a subscriber whose slot is still
// occupied simply misses that message.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rjboer/leostream/internal/logging"
)

// StreamPath is the HTTP path subscribers connect to.
const StreamPath = "/stream"

const (
	defaultWriteTimeout = 2 * time.Second
	// queueDepth is the number of messages that may wait behind the one a
	// subscriber is currently writing.
	queueDepth = 1
)

// ErrClosed is returned by Serve after Close.
var ErrClosed = errors.New("transport: server closed")

// ParseEndpoint turns "tcp://*:5555", "tcp://host:port" or "host:port" into
// a listen address. "*" binds every interface.
func ParseEndpoint(endpoint string) (string, error) {
	addr := strings.TrimSpace(endpoint)
	if i := strings.Index(addr, "://"); i >= 0 {
		scheme := addr[:i]
		if scheme != "tcp" && scheme != "ws" {
			return "", fmt.Errorf("unsupported endpoint scheme %q", scheme)
		}
		addr = addr[i+3:]
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if host == "*" {
		host = ""
	}
	return net.JoinHostPort(host, port), nil
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithWriteTimeout bounds a single message write; a subscriber that cannot
// absorb a frame within it is disconnected.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	addr string
}

// Server owns the bound endpoint and all subscriber connections.
type Server struct {
	ln           net.Listener
	srv          *http.Server
	upgrader     websocket.Upgrader
	logger       logging.Logger
	writeTimeout time.Duration

	mu      sync.RWMutex
	clients map[*subscriber]struct{}
	closed  bool

	delivered atomic.Uint64
	skipped   atomic.Uint64
}

// Listen binds the endpoint. A bind failure is returned immediately so the
// caller can refuse to start.
func Listen(endpoint string, opts ...Option) (*Server, error) {
	addr, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", endpoint, err)
	}

	s := &Server{
		ln:           ln,
		logger:       logging.Default(),
		writeTimeout: defaultWriteTimeout,
		clients:      make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 65536,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logging.Component("transport"))

	mux := http.NewServeMux()
	mux.HandleFunc(StreamPath, s.handleStream)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// URL returns a ws:// URL a local subscriber can dial.
func (s *Server) URL() string {
	host, port, _ := net.SplitHostPort(s.ln.Addr().String())
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, port) + StreamPath
}

// Serve accepts subscribers until Close. It returns ErrClosed after a clean
// shutdown.
func (s *Server) Serve() error {
	err := s.srv.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return ErrClosed
	}
	return err
}

// Offer hands msg to every subscriber with a free slot and returns how many
// accepted it. msg must not be modified afterwards.
func (s *Server) Offer(msg []byte) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accepted := 0
	for c := range s.clients {
		select {
		case c.send <- msg:
			accepted++
		default:
		}
	}
	s.delivered.Add(uint64(accepted))
	s.skipped.Add(uint64(len(s.clients) - accepted))
	return accepted
}

// Subscribers returns the number of connected subscribers.
func (s *Server) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Counters reports per-subscriber deliveries and skips since start.
func (s *Server) Counters() (delivered, skipped uint64) {
	return s.delivered.Load(), s.skipped.Load()
}

// Close stops accepting, disconnects every subscriber and releases the
// endpoint.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("subscriber upgrade failed", logging.String("remote", r.RemoteAddr), logging.Err(err))
		return
	}
	c := &subscriber{conn: conn, send: make(chan []byte, queueDepth), addr: r.RemoteAddr}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.mu.Unlock()
	s.logger.Info("subscriber connected", logging.String("remote", c.addr), logging.Int("subscribers", count))

	go s.writePump(c)
	s.readPump(c)
}

// writePump drains the subscriber queue. It exits when the queue is closed
// or a write fails.
func (s *Server) writePump(c *subscriber) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			s.logger.Warn("subscriber write failed", logging.String("remote", c.addr), logging.Err(err))
			s.remove(c)
			// keep draining until remove closes the queue
			for range c.send {
			}
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
		time.Now().Add(time.Second))
}

// readPump discards inbound data and detects disconnects.
func (s *Server) readPump(c *subscriber) {
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			break
		}
	}
	s.remove(c)
}

func (s *Server) remove(c *subscriber) {
	s.mu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c)
	close(c.send)
	count := len(s.clients)
	s.mu.Unlock()
	s.logger.Info("subscriber disconnected", logging.String("remote", c.addr), logging.Int("subscribers", count))
}
