package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

// Server serves the gateway over HTTP: the websocket control surface on
// /ws, liveness on /healthz and Prometheus metrics on /metrics.
type Server struct {
	addr       string
	dispatcher *Dispatcher
	logger     *slog.Logger
	metrics    http.Handler

	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger used for connection lifecycle events.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsHandler overrides the handler mounted at /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		if h != nil {
			s.metrics = h
		}
	}
}

// NewServer builds a gateway server listening on addr once started.
func NewServer(addr string, dispatcher *Dispatcher, opts ...ServerOption) *Server {
	s := &Server{
		addr:       addr,
		dispatcher: dispatcher,
		logger:     slog.Default(),
		metrics:    promhttp.Handler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics)
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/ws", s.handleWS)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start binds the listen address and begins serving in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway server error", "error", err)
		}
	}()

	s.logger.Info("gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr reports the bound address. Empty until Start succeeds.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

// requestFrame is an inbound websocket frame. A frame without an id is a
// notification: it is dispatched but never answered.
type requestFrame struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type responseFrame struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

type wsConn struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &wsConn{
		server: s,
		conn:   conn,
		send:   make(chan []byte, 64),
		ctx:    ctx,
		cancel: cancel,
	}
	c.run()
}

func (c *wsConn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *wsConn) close() {
	c.cancel()
	close(c.send)
	_ = c.conn.Close()
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame requestFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("", NewError(CodeInvalidParams, "invalid frame: %v", err))
			continue
		}
		c.handleFrame(&frame)
	}
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// handleFrame dispatches one frame. Requests run serially per connection,
// so a client sees responses in the order it sent requests.
func (c *wsConn) handleFrame(frame *requestFrame) {
	result, err := c.server.dispatcher.Dispatch(c.ctx, frame.Method, frame.Params)
	if frame.ID == "" {
		return
	}
	if err != nil {
		var gwErr *Error
		if !errors.As(err, &gwErr) {
			gwErr = NewError(CodeInternal, "%v", err)
		}
		c.sendError(frame.ID, gwErr)
		return
	}
	c.sendResult(frame.ID, result)
}

func (c *wsConn) sendResult(id string, result any) {
	c.enqueue(responseFrame{ID: id, Result: result})
}

func (c *wsConn) sendError(id string, gwErr *Error) {
	c.enqueue(responseFrame{ID: id, Error: gwErr})
}

func (c *wsConn) enqueue(frame responseFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.server.logger.Warn("encode response frame", "error", err)
		data, _ = json.Marshal(responseFrame{
			ID:    frame.ID,
			Error: NewError(CodeInternal, "encode response: %v", err),
		})
	}
	select {
	case c.send <- data:
	default:
		c.server.logger.Warn("dropping frame, send buffer full", "id", frame.ID)
	}
}
