// Package transport binds masters to the network: Server upgrades inbound
// HTTP connections to WebSockets and speaks the JSON envelope protocol
// against a resolved topic's master; Dialer/ClientConn do the same from
// the connecting side for cloners and remote handles.
package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	httpapi "kvreplica/internal/http"

	"kvreplica/internal/config"
	"kvreplica/internal/master"
	"kvreplica/internal/storelog"
	"kvreplica/internal/wire"
)

const writeWait = 10 * time.Second

// Resolver looks up the locally-hosted master for a topic, the way a
// Context's registry does.
type Resolver interface {
	Resolve(topic string) (*master.Master, bool)
}

// ResolverFunc adapts a function into a Resolver.
type ResolverFunc func(topic string) (*master.Master, bool)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(topic string) (*master.Master, bool) { return f(topic) }

// Server publishes masters over WebSocket, one upgraded connection per
// remote cloner or remote handle.
type Server struct {
	cfg      *config.Config
	log      *storelog.Logger
	resolver Resolver
	upgrader websocket.Upgrader

	// clientsMu guards pendingClients/activeClients, which together bound
	// concurrent connections against cfg.MaxClients: pendingClients covers
	// the window between accepting capacity and the upgrade completing,
	// mirroring the teacher broker's pendingClients/clients bookkeeping.
	clientsMu      sync.Mutex
	pendingClients int
	activeClients  int
}

// NewServer constructs a Server. cfg controls payload limits, ping
// cadence, allowed origins, and the concurrent connection ceiling
// (MaxClients, zero meaning unbounded); resolver maps a topic name in the
// request path to the master that owns it.
func NewServer(cfg *config.Config, log *storelog.Logger, resolver Resolver) *Server {
	if log == nil {
		log = storelog.NewTestLogger()
	}
	s := &Server{cfg: cfg, log: log, resolver: resolver}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: buildOriginChecker(log, cfg.AllowedOrigins),
	}
	return s
}

// ListenerURL reports the human-friendly URL this server would be reached
// at if bound to cfg.Address.
func (s *Server) ListenerURL() string {
	return listenerURL(s.cfg.Address, s.cfg.TLSCertPath != "")
}

// Handler returns an http.Handler that serves "/topics/<name>" by
// upgrading to WebSocket and binding the connection to that topic's
// master. Unknown topics receive 404; non-GET or non-upgrade requests
// receive 400.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/topics/", func(w http.ResponseWriter, r *http.Request) {
		topic := strings.TrimPrefix(r.URL.Path, "/topics/")
		if topic == "" {
			http.Error(w, "missing topic", http.StatusBadRequest)
			return
		}
		m, ok := s.resolver.Resolve(topic)
		if !ok {
			http.Error(w, "unknown topic", http.StatusNotFound)
			return
		}
		s.serveTopic(w, r, topic, m)
	})
	return mux
}

func (s *Server) serveTopic(w http.ResponseWriter, r *http.Request, topic string, m *master.Master) {
	if !s.tryAcquireClientSlot() {
		s.log.Warn("refusing websocket connection: client limit reached",
			storelog.Topic(topic), storelog.Int("max_clients", s.cfg.MaxClients))
		http.Error(w, "service unavailable: client limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.releasePendingSlot()
		s.log.Warn("websocket upgrade failed", storelog.Topic(topic), storelog.Error(err))
		return
	}
	s.promotePendingSlot()

	id := r.URL.Query().Get("subscriber_id")
	if id == "" {
		id = newSubscriberID()
	}

	c := &serverConn{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, 64),
		m:           m,
		log:         s.log.With(storelog.Topic(topic), storelog.Subscriber(id)),
		cfg:         s.cfg,
		snapshotLim: httpapi.NewSlidingWindowLimiter(s.cfg.SnapshotRequestWindow, s.cfg.SnapshotRequestBurst, nil),
		onClose:     s.releaseActiveSlot,
	}
	c.run()
}

// tryAcquireClientSlot reserves capacity for one pending connection against
// cfg.MaxClients, a zero value leaving the limit disabled. The reservation
// must be resolved by exactly one of releasePendingSlot (upgrade failed) or
// promotePendingSlot (upgrade succeeded).
func (s *Server) tryAcquireClientSlot() bool {
	if s.cfg.MaxClients <= 0 {
		return true
	}
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if s.activeClients+s.pendingClients >= s.cfg.MaxClients {
		return false
	}
	s.pendingClients++
	return true
}

func (s *Server) releasePendingSlot() {
	if s.cfg.MaxClients <= 0 {
		return
	}
	s.clientsMu.Lock()
	if s.pendingClients > 0 {
		s.pendingClients--
	}
	s.clientsMu.Unlock()
}

func (s *Server) promotePendingSlot() {
	if s.cfg.MaxClients <= 0 {
		return
	}
	s.clientsMu.Lock()
	if s.pendingClients > 0 {
		s.pendingClients--
	}
	s.activeClients++
	s.clientsMu.Unlock()
}

func (s *Server) releaseActiveSlot() {
	if s.cfg.MaxClients <= 0 {
		return
	}
	s.clientsMu.Lock()
	if s.activeClients > 0 {
		s.activeClients--
	}
	s.clientsMu.Unlock()
}

func newSubscriberID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "anon"
	}
	return hex.EncodeToString(buf[:])
}

// serverConn is the master-side half of one WebSocket connection: it
// decodes inbound client envelopes into master requests and re-encodes
// outbound replies and fanned-out updates, mirroring the teacher's
// readPump/writePump client loop.
type serverConn struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	m    *master.Master
	log  *storelog.Logger
	cfg  *config.Config

	// snapshotLim bounds how often this connection may request a fresh
	// bootstrap snapshot, so a reconnect-looping cloner can't force the
	// master to repeatedly re-marshal and re-send its full state.
	snapshotLim *httpapi.SlidingWindowLimiter

	// onClose releases this connection's reserved slot against
	// cfg.MaxClients once the connection tears down.
	onClose func()
}

func (c *serverConn) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if c.cfg.MaxPayloadBytes > 0 {
		c.conn.SetReadLimit(c.cfg.MaxPayloadBytes)
	}
	waitDuration := 2 * c.cfg.PingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(waitDuration))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *serverConn) readPump(ctx context.Context) {
	defer func() {
		c.m.Unsubscribe(c.id)
		close(c.send)
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	}()

	waitDuration := 2 * c.cfg.PingInterval
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.log.Warn("read deadline exceeded", storelog.Error(err))
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("unexpected websocket close", storelog.Error(err))
			} else {
				c.log.Debug("read error", storelog.Error(err))
			}
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
			c.log.Error("failed to extend read deadline", storelog.Error(err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Debug("dropping invalid JSON message", storelog.Error(err))
			continue
		}
		c.handle(ctx, env)
	}
}

func (c *serverConn) handle(ctx context.Context, env wire.Envelope) {
	switch env.Op {
	case wire.OpSnapshot:
		if !c.snapshotLim.Allow() {
			c.writeEnvelope(wire.Envelope{Op: wire.OpReplyError, Error: "snapshot request rate exceeded"})
			return
		}
		notify := make(chan wire.Envelope, 64)
		reply, err := c.m.SnapshotSubscribe(ctx, master.Subscriber{ID: c.id, Notify: notify})
		if err != nil {
			c.writeEnvelope(wire.Envelope{Op: wire.OpReplyError, Error: err.Error()})
			return
		}
		go c.pumpNotify(ctx, notify)
		if reply.Snapshot != nil {
			payload, err := wire.EncodeSnapshotValues(reply.Snapshot.Values, c.cfg.SnapshotCompressMinBytes)
			if err != nil {
				c.log.Warn("failed to encode snapshot payload; sending uncompressed", storelog.Error(err))
			} else {
				payload.Sequence = reply.Snapshot.Sequence
				reply.Snapshot = payload
			}
		}
		c.writeEnvelope(reply)
	default:
		reply, err := c.m.Request(ctx, env)
		if err != nil {
			reply = wire.Envelope{Op: wire.OpReplyError, Error: err.Error()}
		}
		c.writeEnvelope(reply)
	}
}

func (c *serverConn) pumpNotify(ctx context.Context, notify <-chan wire.Envelope) {
	for {
		select {
		case env := <-notify:
			c.writeEnvelope(env)
			if env.Op == wire.OpDown {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *serverConn) writeEnvelope(env wire.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.log.Error("failed to encode envelope", storelog.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("dropping outbound message: send buffer full")
	}
}

func (c *serverConn) writePump(ctx context.Context) {
	pingTicker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		pingTicker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Error("failed to set write deadline", storelog.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Error("write error", storelog.Error(err))
				return
			}
		case <-pingTicker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				c.log.Warn("ping failure", storelog.Error(err))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
