package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/mcpews/mcpews/observability"
	"github.com/mcpews/mcpews/protocol"
	"github.com/mcpews/mcpews/realtime/ws"
	"github.com/mcpews/mcpews/session"
)

// Subprotocol is the WebSocket subprotocol the game requires.
const Subprotocol = protocol.Subprotocol

type Config struct {
	// Subprotocol overrides the negotiated subprotocol; defaults to the
	// game's fixed name.
	Subprotocol string
	// SessionObserver is attached to every accepted session.
	SessionObserver observability.SessionObserver
	// Observer receives acceptor metric events.
	Observer observability.ServerObserver
}

// ClientConn is one accepted game connection.
type ClientConn struct {
	Server  *Server
	Session *GameSession
	Request *http.Request
}

// Server accepts game connections and hands out a session per socket.
type Server struct {
	cfg      Config
	listener net.Listener
	httpSrv  *http.Server
	obs      observability.ServerObserver

	mu       sync.Mutex
	sessions map[*ClientConn]struct{}
	onClient map[*clientHook]struct{}
	closed   bool
}

type clientHook struct{ fn func(*ClientConn) }

// Listen binds the address and starts accepting connections. Register an
// OnClient callback before games connect.
func Listen(addr string, cfg Config) (*Server, error) {
	if cfg.Subprotocol == "" {
		cfg.Subprotocol = Subprotocol
	}
	if cfg.SessionObserver == nil {
		cfg.SessionObserver = observability.NoopSessionObserver
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopServerObserver
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		listener: ln,
		obs:      cfg.Observer,
		sessions: make(map[*ClientConn]struct{}),
		onClient: make(map[*clientHook]struct{}),
	}
	s.httpSrv = &http.Server{Handler: http.HandlerFunc(s.handleUpgrade)}
	go func() {
		err := s.httpSrv.Serve(ln)
		_ = err // http.ErrServerClosed on shutdown
	}()
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// OnClient registers a callback for accepted connections. It runs before the
// session's dispatch loop starts, so handlers registered inside it see every
// frame.
func (s *Server) OnClient(fn func(*ClientConn)) func() {
	h := &clientHook{fn: fn}
	s.mu.Lock()
	s.onClient[h] = struct{}{}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.onClient, h)
		s.mu.Unlock()
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r, ws.AcceptOptions{Subprotocol: s.cfg.Subprotocol})
	if err != nil {
		s.obs.Upgrade(observability.UpgradeResultFail, upgradeReason(err))
		return
	}
	s.obs.Upgrade(observability.UpgradeResultOK, observability.UpgradeReasonOK)

	sess := session.New(conn, session.Config{Observer: s.cfg.SessionObserver})
	cc := &ClientConn{Server: s, Session: NewGameSession(sess), Request: r}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.sessions[cc] = struct{}{}
	count := len(s.sessions)
	hooks := make([]*clientHook, 0, len(s.onClient))
	for h := range s.onClient {
		hooks = append(hooks, h)
	}
	s.mu.Unlock()
	s.obs.SessionCount(count)
	for _, h := range hooks {
		h.fn(cc)
	}

	_ = sess.Serve(context.Background())

	s.mu.Lock()
	delete(s.sessions, cc)
	count = len(s.sessions)
	s.mu.Unlock()
	s.obs.SessionCount(count)
	_ = sess.Close()
}

func upgradeReason(err error) observability.UpgradeReason {
	switch {
	case errors.Is(err, ws.ErrBadHandshakeMethod):
		return observability.UpgradeReasonBadMethod
	case errors.Is(err, ws.ErrNotWebSocket):
		return observability.UpgradeReasonBadUpgradeHeader
	case errors.Is(err, ws.ErrBadVersion):
		return observability.UpgradeReasonBadVersion
	case errors.Is(err, ws.ErrBadChallengeKey):
		return observability.UpgradeReasonBadKey
	case errors.Is(err, ws.ErrSubprotocolMismatch):
		return observability.UpgradeReasonMissingSubprotocol
	default:
		return observability.UpgradeReasonHijackFailed
	}
}

func (s *Server) snapshot() []*ClientConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ClientConn, 0, len(s.sessions))
	for cc := range s.sessions {
		out = append(out, cc)
	}
	return out
}

// Sessions returns the live connections.
func (s *Server) Sessions() []*ClientConn { return s.snapshot() }

// BroadcastCommand issues a command on every live session. The callback, when
// non-nil, receives each session's response.
func (s *Server) BroadcastCommand(line string, cb func(*GameSession, *protocol.Frame)) {
	for _, cc := range s.snapshot() {
		game := cc.Session
		var fn func(*protocol.Frame)
		if cb != nil {
			fn = func(f *protocol.Frame) { cb(game, f) }
		}
		_, _ = game.SendCommand(line, fn)
	}
}

// BroadcastSubscribe sends a subscribe frame on every live session.
func (s *Server) BroadcastSubscribe(eventName string) {
	for _, cc := range s.snapshot() {
		_ = cc.Session.SubscribeRaw(eventName)
	}
}

// BroadcastUnsubscribe sends an unsubscribe frame on every live session.
func (s *Server) BroadcastUnsubscribe(eventName string) {
	for _, cc := range s.snapshot() {
		_ = cc.Session.UnsubscribeRaw(eventName)
	}
}

// DisconnectAll disconnects every live session.
func (s *Server) DisconnectAll(force bool) {
	for _, cc := range s.snapshot() {
		_ = cc.Session.Disconnect(force)
	}
}

// Close stops the listener and force-closes every session.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	err := s.httpSrv.Close()
	s.DisconnectAll(true)
	return err
}
