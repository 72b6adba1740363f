package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sensortelemetry/relay/internal/runtime/jsoncodec"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameSize   = 64 * 1024
	defaultBacklog = 256
)

// ServerOption customises a Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger watermill.LoggerAdapter) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithSendBacklog sets how many frames may queue for one client before it is
// considered too slow and disconnected.
func WithSendBacklog(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.backlog = n
		}
	}
}

// WithMetrics registers hub metrics with reg.
func WithMetrics(reg prometheus.Registerer) ServerOption {
	return func(s *Server) { s.registerer = reg }
}

// Server accepts hub connections and broadcasts relayed frames.
type Server struct {
	upgrader   websocket.Upgrader
	logger     watermill.LoggerAdapter
	backlog    int
	registerer prometheus.Registerer

	clientsGauge prometheus.Gauge
	framesTotal  *prometheus.CounterVec
	slowTotal    prometheus.Counter

	mu      sync.RWMutex
	clients map[*peer]struct{}
	closed  bool
}

// peer is one hub connection. send is closed only by remove while the
// server lock is held, so sends under the read lock never see it closed.
type peer struct {
	conn *websocket.Conn
	send chan []byte
}

// NewServer creates a hub server.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  watermill.NopLogger{},
		backlog: defaultBacklog,
		clients: make(map[*peer]struct{}),
		clientsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sensortelemetry",
			Subsystem: "hub",
			Name:      "clients",
			Help:      "Connected hub clients.",
		}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensortelemetry",
			Subsystem: "hub",
			Name:      "frames_broadcast_total",
			Help:      "Frames broadcast to hub clients, by method.",
		}, []string{"method"}),
		slowTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensortelemetry",
			Subsystem: "hub",
			Name:      "slow_clients_total",
			Help:      "Clients disconnected because their send backlog was full.",
		}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registerer != nil {
		for _, c := range []prometheus.Collector{s.clientsGauge, s.framesTotal, s.slowTotal} {
			if err := s.registerer.Register(c); err != nil {
				s.logger.Error("Failed to register hub metric", err, nil)
			}
		}
	}
	return s
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Hub upgrade failed", err, watermill.LogFields{"remote": r.RemoteAddr})
		return
	}

	p := &peer{conn: conn, send: make(chan []byte, s.backlog)}
	if !s.add(p) {
		_ = conn.Close()
		return
	}
	s.logger.Debug("Hub client connected", watermill.LogFields{"remote": r.RemoteAddr})

	go s.writePump(p)
	s.readPump(p)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// DisconnectAll drops every client connection; clients may reconnect.
func (s *Server) DisconnectAll() {
	for _, p := range s.snapshot() {
		_ = p.conn.Close()
	}
}

// Close disconnects every client and rejects new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.DisconnectAll()
	return nil
}

func (s *Server) add(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[p] = struct{}{}
	s.clientsGauge.Set(float64(len(s.clients)))
	return true
}

func (s *Server) remove(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[p]; !ok {
		return
	}
	delete(s.clients, p)
	s.clientsGauge.Set(float64(len(s.clients)))
	close(p.send)
}

func (s *Server) snapshot() []*peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*peer, 0, len(s.clients))
	for p := range s.clients {
		out = append(out, p)
	}
	return out
}

func (s *Server) readPump(p *peer) {
	defer func() {
		s.remove(p)
		_ = p.conn.Close()
	}()

	p.conn.SetReadLimit(maxFrameSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := decodeFrame(data)
		if err != nil {
			s.logger.Debug("Ignoring malformed hub frame", watermill.LogFields{"error": err.Error()})
			continue
		}
		method, ok := broadcastMethod(frame.Method)
		if !ok {
			s.logger.Debug("Ignoring unsupported hub method", watermill.LogFields{"method": frame.Method})
			continue
		}
		s.broadcast(method, frame.Args)
	}
}

func (s *Server) broadcast(method string, args json.RawMessage) {
	out, err := jsoncodec.Marshal(Frame{Method: method, Args: args})
	if err != nil {
		s.logger.Error("Failed to encode hub frame", err, nil)
		return
	}

	s.framesTotal.WithLabelValues(method).Inc()
	var slow []*peer
	s.mu.RLock()
	for p := range s.clients {
		select {
		case p.send <- out:
		default:
			slow = append(slow, p)
		}
	}
	s.mu.RUnlock()

	for _, p := range slow {
		s.slowTotal.Inc()
		s.logger.Info("Disconnecting slow hub client", watermill.LogFields{"remote": p.conn.RemoteAddr().String()})
		s.remove(p)
	}
}

func (s *Server) writePump(p *peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case data, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
