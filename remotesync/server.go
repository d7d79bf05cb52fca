package remotesync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/hotmod"
	"github.com/GoCodeAlone/hotmod/statestore"
)

var (
	metricPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hotmod_connected_peers",
		Help: "Number of currently connected sync peers.",
	})
	metricMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hotmod_sync_messages_total",
		Help: "Inbound sync messages by type.",
	}, []string{"type"})
	metricBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hotmod_sync_broadcasts_total",
		Help: "Envelopes broadcast to all peers.",
	})
)

// ServerConfig tunes the sync channel's heartbeat and buffering.
type ServerConfig struct {
	// HeartbeatInterval is how often each peer is pinged.
	HeartbeatInterval time.Duration

	// HeartbeatTimeoutMultiple is the number of intervals a peer may
	// stay silent before it is considered stale and evicted.
	HeartbeatTimeoutMultiple int

	// SendBuffer is the per-peer outbound queue length. A peer whose
	// queue is full has envelopes dropped rather than blocking the
	// broadcaster.
	SendBuffer int
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeoutMultiple <= 0 {
		c.HeartbeatTimeoutMultiple = 3
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	return c
}

// Server hosts the websocket sync channel and a small HTTP status API.
// It observes the orchestrator's event stream and rebroadcasts every
// event to all connected peers.
type Server struct {
	orch      *hotmod.Orchestrator
	store     statestore.Store
	installer Installer
	logger    hotmod.Logger
	cfg       ServerConfig
	upgrader  websocket.Upgrader

	mu    sync.RWMutex
	peers map[string]*peer
}

// peer is one connected client. Inbound messages are processed strictly
// in arrival order by the connection's read loop; outbound traffic goes
// through the send queue drained by the write pump.
type peer struct {
	id         string
	clientType string
	conn       *websocket.Conn
	send       chan Envelope
	done       chan struct{}
	closeOnce  sync.Once
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// trySend queues an envelope without blocking; a full queue drops the
// envelope.
func (p *peer) trySend(env Envelope) bool {
	select {
	case p.send <- env:
		return true
	default:
		return false
	}
}

// NewServer creates a sync server over the given orchestrator. The
// store may be nil, in which case snapshot commands fail with a
// persistence error. A nil installer resolves every module source to
// inert no-op hooks.
func NewServer(orch *hotmod.Orchestrator, store statestore.Store, installer Installer, cfg ServerConfig, logger hotmod.Logger) *Server {
	if logger == nil {
		logger = hotmod.NewSlogLogger(nil)
	}
	if installer == nil {
		installer = NoopInstaller{}
	}
	s := &Server{
		orch:      orch,
		store:     store,
		installer: installer,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		peers: make(map[string]*peer),
	}

	// Mirror every orchestrator event to all connected peers.
	observer := hotmod.NewFunctionalObserver("remotesync-"+uuid.NewString(), s.onOrchestratorEvent)
	_ = orch.RegisterObserver(observer)

	return s
}

// Router returns the HTTP surface: the websocket endpoint plus the
// read-only status API consumed by UI collaborators.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Get("/api/modules", s.handleListModules)
	r.Get("/api/graph", s.handleGraph)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Websocket upgrade failed", "error", err)
		return
	}

	p := &peer{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Envelope, s.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	s.addPeer(p)
	defer s.removePeer(p, "connection closed")

	go s.writePump(p)
	s.readLoop(r.Context(), p)
}

// readLoop decodes one envelope at a time and dispatches it. Malformed
// input is answered with an error envelope; the connection stays open.
// A peer that stays silent past the heartbeat timeout fails the read
// deadline and is evicted.
func (s *Server) readLoop(ctx context.Context, p *peer) {
	timeout := s.cfg.HeartbeatInterval * time.Duration(s.cfg.HeartbeatTimeoutMultiple)
	_ = p.conn.SetReadDeadline(time.Now().Add(timeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(timeout))
	})

	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(timeout))

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
			p.trySend(errorEnvelope(fmt.Errorf("%w: malformed envelope", hotmod.ErrProtocol)))
			continue
		}
		metricMessages.WithLabelValues(env.Type).Inc()

		reply, broadcast := s.dispatch(ctx, p, env)
		if reply != nil {
			p.trySend(*reply)
		}
		if broadcast != nil {
			s.broadcast(*broadcast)
		}
	}
}

// writePump drains the peer's send queue and emits heartbeat pings. Any
// write failure closes the connection, which unwinds the read loop and
// evicts the peer.
func (s *Server) writePump(p *peer) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := p.conn.WriteJSON(env); err != nil {
				p.close()
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.close()
				return
			}
		case <-p.done:
			return
		}
	}
}

func (s *Server) addPeer(p *peer) {
	s.mu.Lock()
	s.peers[p.id] = p
	s.mu.Unlock()
	metricPeers.Inc()
	s.logger.Info("Peer connected", "peer", p.id)
}

func (s *Server) removePeer(p *peer, reason string) {
	s.mu.Lock()
	_, present := s.peers[p.id]
	delete(s.peers, p.id)
	s.mu.Unlock()

	p.close()
	if present {
		metricPeers.Dec()
		s.logger.Info("Peer removed", "peer", p.id, "reason", reason)
	}
}

// broadcast fans an envelope out to every connected peer.
func (s *Server) broadcast(env Envelope) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metricBroadcasts.Inc()
	for _, p := range s.peers {
		if !p.trySend(env) {
			s.logger.Warn("Peer send queue full, dropping broadcast", "peer", p.id, "type", env.Type)
		}
	}
}

// onOrchestratorEvent rebroadcasts a lifecycle CloudEvent to all peers.
func (s *Server) onOrchestratorEvent(_ context.Context, event cloudevents.Event) error {
	env, err := NewEnvelope(MsgModuleEvent, ModuleEventPayload{
		EventType: event.Type(),
		Data:      event.Data(),
	})
	if err != nil {
		return err
	}
	s.broadcast(env)
	return nil
}

func (s *Server) handleListModules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, ModuleListReply{Modules: s.orch.Registry().List()})
}

func (s *Server) handleGraph(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"graph":    s.orch.GetDependencyGraph(),
		"dangling": s.orch.ValidateGraph(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
