// Package signal is the per-viewer signaling dispatcher: it carries the
// websocket channel to each browser and translates inbound messages into
// session, registry and publisher operations.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/onecast/onecast/internal/media"
	"github.com/onecast/onecast/internal/session"
)

var ErrBackpressure = errors.New("backpressure")

// Controller owns the live websocket connections and routes backend events
// back to the viewer that owns the endpoint they refer to.
type Controller struct {
	Registry  *session.Registry
	Publisher *session.Publisher
	Media     media.Client

	Timeout    time.Duration
	ReadLimit  int64
	PingPeriod time.Duration
	DebugDir   string

	mu    sync.RWMutex
	conns map[string]*wsSignalConn
}

func NewController(reg *session.Registry, pub *session.Publisher, client media.Client) *Controller {
	ctl := &Controller{
		Registry:  reg,
		Publisher: pub,
		Media:     client,
		Timeout:   10 * time.Second,
		conns:     make(map[string]*wsSignalConn),
	}
	client.OnNotification(ctl.onBackendEvent)
	return ctl
}

type wsSignalConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsSignalConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request, registers the viewer's session and runs
// the connection's pumps. The session exists from connection time so that
// candidates arriving ahead of the offer have somewhere to queue.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := c.GetString("client_token")
	log.Info().Str("module", "signal").Str("sid", sid).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ctl.Registry.GetOrCreate(sid)
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &wsSignalConn{
		conn: ws,
		send: make(chan []byte, 32),
	}
	ctl.register(sid, conn)

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sid, conn)
}

func (ctl *Controller) register(sid string, conn *wsSignalConn) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	ctl.conns[sid] = conn
}

func (ctl *Controller) unregister(sid string) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	delete(ctl.conns, sid)
}

func (ctl *Controller) connFor(sid string) (*wsSignalConn, bool) {
	ctl.mu.RLock()
	defer ctl.mu.RUnlock()
	conn, ok := ctl.conns[sid]
	return conn, ok
}

// opCtx bounds one backend round-trip chain.
func (ctl *Controller) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), ctl.Timeout)
}

// onBackendEvent routes async backend notifications to the owning session.
func (ctl *Controller) onBackendEvent(n media.Notification) {
	switch n.Kind {
	case media.CandidateFound:
		sess, ok := ctl.Registry.FindByEndpoint(n.Source)
		if !ok {
			log.Warn().Str("module", "signal").Str("endpoint", string(n.Source)).Msg("candidate for unknown endpoint")
			return
		}
		conn, ok := ctl.connFor(sess.ID())
		if !ok {
			log.Warn().Str("module", "signal").Str("sid", sess.ID()).Msg("candidate but no live connection")
			return
		}
		ctl.sendCandidate(conn, n.Candidate)
	case media.EndpointError:
		sess, ok := ctl.Registry.FindByEndpoint(n.Source)
		if !ok {
			log.Warn().Str("module", "signal").Str("endpoint", string(n.Source)).Str("detail", n.Detail).Msg("error for unknown endpoint")
			return
		}
		log.Error().Str("module", "signal").Str("sid", sess.ID()).Str("detail", n.Detail).Msg("endpoint error, closing session")
		ctx, cancel := ctl.opCtx()
		defer cancel()
		ctl.Registry.Remove(ctx, sess.ID())
	}
}
