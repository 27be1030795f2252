// Package session implements the frame-level engine shared by both protocol
// roles: one WebSocket, many concurrent logical exchanges correlated by
// request id, with an optional mid-stream upgrade to an AES-CFB cipher.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/mcpews/mcpews/crypto/wsencrypt"
	"github.com/mcpews/mcpews/observability"
	"github.com/mcpews/mcpews/protocol"
)

// MessageConn is the byte-stream WebSocket abstraction the engine consumes:
// whole messages in, whole messages out. Plaintext goes out as text frames,
// ciphertext as binary frames.
type MessageConn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte, binary bool) error
	Close() error
}

// Disposition tells the session what to do with a responder or handler after
// it has seen a frame.
type Disposition int

const (
	// Keep leaves the registration in place; more frames may follow.
	Keep Disposition = iota
	// Consume removes the registration.
	Consume
)

// Responder consumes frames correlated to one request id.
type Responder func(f *protocol.Frame) Disposition

// Handler consumes unsolicited frames of one purpose.
type Handler func(f *protocol.Frame) Disposition

var (
	ErrResponderExists   = errors.New("session: responder already registered for request id")
	ErrHandlerExists     = errors.New("session: handler already registered for purpose")
	ErrEncryptionStarted = errors.New("session: encryption handshake already started")
	ErrEncryptionActive  = errors.New("session: encryption already active")
)

type encryptionState int

const (
	encryptionNone encryptionState = iota
	encryptionNegotiating
	encryptionActive
)

// Session owns one WebSocket's worth of protocol state on one side.
//
// Inbound dispatch and the lifecycle callbacks run on the Serve goroutine;
// sends may come from any goroutine.
type Session struct {
	conn MessageConn
	obs  observability.SessionObserver

	writeMu sync.Mutex // orders encode -> encrypt -> write

	mu         sync.Mutex
	version    protocol.Version
	responders map[string]Responder
	handlers   map[protocol.Purpose]Handler
	encState   encryptionState
	channel    *wsencrypt.Channel
	cipherSeen bool // latched once the first inbound ciphertext arrives
	closed     bool

	onMessage    map[*frameHook]struct{}
	onCustom     map[*frameHook]struct{}
	onError      map[*errorHook]struct{}
	onDisconnect map[*plainHook]struct{}
	onEncryption map[*plainHook]struct{}
}

type frameHook struct{ fn func(*protocol.Frame) }
type errorHook struct{ fn func(error) }
type plainHook struct{ fn func() }

type Config struct {
	// Version seeds the negotiated version; zero means LowestVersion.
	Version protocol.Version
	// Observer receives metric events; nil means no-op.
	Observer observability.SessionObserver
}

// New wraps a message connection in a session.
func New(conn MessageConn, cfg Config) *Session {
	if cfg.Version == 0 {
		cfg.Version = protocol.LowestVersion
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopSessionObserver
	}
	return &Session{
		conn:         conn,
		obs:          cfg.Observer,
		version:      cfg.Version,
		responders:   make(map[string]Responder),
		handlers:     make(map[protocol.Purpose]Handler),
		onMessage:    make(map[*frameHook]struct{}),
		onCustom:     make(map[*frameHook]struct{}),
		onError:      make(map[*errorHook]struct{}),
		onDisconnect: make(map[*plainHook]struct{}),
		onEncryption: make(map[*plainHook]struct{}),
	}
}

// Version returns the negotiated protocol version.
func (s *Session) Version() protocol.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// SetVersion pins the negotiated version, e.g. for a client role that
// declares its own dialect.
func (s *Session) SetVersion(v protocol.Version) {
	s.mu.Lock()
	s.version = v
	s.mu.Unlock()
}

func (s *Session) adoptVersion(v protocol.Version) {
	s.mu.Lock()
	if v > s.version {
		s.version = v
	}
	s.mu.Unlock()
}

// SetResponder binds a responder to a request id. At most one responder per
// id may exist; a second registration is a programming error.
func (s *Session) SetResponder(requestID string, r Responder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.responders[requestID]; ok {
		return fmt.Errorf("%w: %s", ErrResponderExists, requestID)
	}
	s.responders[requestID] = r
	return nil
}

// ClearResponder removes a responder registration, if present.
func (s *Session) ClearResponder(requestID string) {
	s.mu.Lock()
	delete(s.responders, requestID)
	s.mu.Unlock()
}

// SetHandler binds a handler to a message purpose. At most one handler per
// purpose may exist.
func (s *Session) SetHandler(p protocol.Purpose, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[p]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, p)
	}
	s.handlers[p] = h
	return nil
}

// ClearHandler removes a purpose handler, if present.
func (s *Session) ClearHandler(p protocol.Purpose) {
	s.mu.Lock()
	delete(s.handlers, p)
	s.mu.Unlock()
}

// OnMessage registers a callback invoked for every inbound frame before
// dispatch. The returned function removes it.
func (s *Session) OnMessage(fn func(*protocol.Frame)) func() {
	h := &frameHook{fn: fn}
	s.mu.Lock()
	s.onMessage[h] = struct{}{}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.onMessage, h)
		s.mu.Unlock()
	}
}

// OnCustomFrame registers a callback for frames that matched neither a
// responder nor a purpose handler.
func (s *Session) OnCustomFrame(fn func(*protocol.Frame)) func() {
	h := &frameHook{fn: fn}
	s.mu.Lock()
	s.onCustom[h] = struct{}{}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.onCustom, h)
		s.mu.Unlock()
	}
}

// OnError registers a callback for session errors (transport, parse, handler
// panics, crypto failures).
func (s *Session) OnError(fn func(error)) func() {
	h := &errorHook{fn: fn}
	s.mu.Lock()
	s.onError[h] = struct{}{}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.onError, h)
		s.mu.Unlock()
	}
}

// OnDisconnect registers a callback invoked once when the socket closes.
func (s *Session) OnDisconnect(fn func()) func() {
	h := &plainHook{fn: fn}
	s.mu.Lock()
	s.onDisconnect[h] = struct{}{}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.onDisconnect, h)
		s.mu.Unlock()
	}
}

// OnEncryptionEnabled registers a callback invoked when the cipher activates.
func (s *Session) OnEncryptionEnabled(fn func()) func() {
	h := &plainHook{fn: fn}
	s.mu.Lock()
	s.onEncryption[h] = struct{}{}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.onEncryption, h)
		s.mu.Unlock()
	}
}

func (s *Session) emitMessage(f *protocol.Frame) {
	s.mu.Lock()
	hooks := make([]*frameHook, 0, len(s.onMessage))
	for h := range s.onMessage {
		hooks = append(hooks, h)
	}
	s.mu.Unlock()
	for _, h := range hooks {
		h.fn(f)
	}
}

func (s *Session) emitCustom(f *protocol.Frame) {
	s.mu.Lock()
	hooks := make([]*frameHook, 0, len(s.onCustom))
	for h := range s.onCustom {
		hooks = append(hooks, h)
	}
	s.mu.Unlock()
	for _, h := range hooks {
		h.fn(f)
	}
}

// ReportError surfaces an error through the session's error callbacks. Role
// packages use it for handshake and responder failures.
func (s *Session) ReportError(err error) {
	s.mu.Lock()
	hooks := make([]*errorHook, 0, len(s.onError))
	for h := range s.onError {
		hooks = append(hooks, h)
	}
	s.mu.Unlock()
	for _, h := range hooks {
		h.fn(err)
	}
}

func (s *Session) emitDisconnect() {
	s.obs.Disconnect()
	s.mu.Lock()
	hooks := make([]*plainHook, 0, len(s.onDisconnect))
	for h := range s.onDisconnect {
		hooks = append(hooks, h)
	}
	s.mu.Unlock()
	for _, h := range hooks {
		h.fn()
	}
}

// Serve runs the inbound dispatch loop until the context ends or the socket
// closes. Pending responders are dropped on close, never invoked.
func (s *Session) Serve(ctx context.Context) error {
	for {
		data, err := s.conn.ReadMessage(ctx)
		if err != nil {
			if isCloseError(err) || ctx.Err() != nil {
				s.emitDisconnect()
				return nil
			}
			s.obs.FrameError(observability.FrameErrorRead)
			s.ReportError(err)
			s.emitDisconnect()
			return err
		}
		plain := s.inboundPlaintext(data)
		f, err := protocol.Decode(plain)
		if err != nil {
			// Malformed envelope: drop the frame, keep the connection.
			s.obs.FrameError(observability.FrameErrorDecode)
			s.ReportError(err)
			continue
		}
		s.dispatch(f)
	}
}

// inboundPlaintext undoes the stream cipher once it is active. Activation
// timing can race near the handshake boundary, so inbound messages after
// activation are sniffed until the first ciphertext arrives: plaintext
// envelopes always start with '{', anything else latches ciphertext mode for
// the rest of the session.
func (s *Session) inboundPlaintext(data []byte) []byte {
	s.mu.Lock()
	if s.encState != encryptionActive {
		s.mu.Unlock()
		return data
	}
	if !s.cipherSeen {
		if firstNonSpace(data) == '{' {
			s.mu.Unlock()
			return data
		}
		s.cipherSeen = true
	}
	ch := s.channel
	s.mu.Unlock()
	return ch.Decrypt(data)
}

func firstNonSpace(data []byte) byte {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b
	}
	return 0
}

func (s *Session) dispatch(f *protocol.Frame) {
	s.adoptVersion(f.Header.Version)
	s.obs.FrameRead(string(f.Header.MessagePurpose))
	s.emitMessage(f)

	if f.HasRequestID() {
		s.mu.Lock()
		r, ok := s.responders[f.Header.RequestID]
		s.mu.Unlock()
		if ok {
			if disp, panicked := s.invoke(func() Disposition { return r(f) }); !panicked && disp == Consume {
				s.ClearResponder(f.Header.RequestID)
			}
			return
		}
	}

	s.mu.Lock()
	h, ok := s.handlers[f.Header.MessagePurpose]
	s.mu.Unlock()
	if ok {
		if disp, panicked := s.invoke(func() Disposition { return h(f) }); !panicked && disp == Consume {
			s.ClearHandler(f.Header.MessagePurpose)
		}
		return
	}

	s.emitCustom(f)
}

// invoke runs a responder or handler, converting panics into session errors
// so the dispatch loop never unwinds.
func (s *Session) invoke(fn func() Disposition) (disp Disposition, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			s.obs.HandlerPanic()
			s.ReportError(fmt.Errorf("session: handler panic: %v", r))
		}
	}()
	return fn(), false
}

// Send builds and transmits a frame with the session's negotiated version.
func (s *Session) Send(purpose protocol.Purpose, requestID string, body any) error {
	f, err := protocol.New(s.Version(), purpose, requestID, body)
	if err != nil {
		return err
	}
	return s.SendFrame(f)
}

// SendFrame encodes, optionally encrypts, and writes a frame. A zero header
// version is filled with the negotiated one.
func (s *Session) SendFrame(f *protocol.Frame) error {
	if f.Header.Version == 0 {
		f.Header.Version = s.Version()
	}
	data, err := f.Encode()
	if err != nil {
		return err
	}
	return s.sendBytes(data, string(f.Header.MessagePurpose))
}

// SendMessage writes a pre-encoded envelope as-is, bypassing frame
// construction. Forwarding tools use it; encryption still applies.
func (s *Session) SendMessage(raw []byte) error {
	return s.sendBytes(raw, "raw")
}

func (s *Session) sendBytes(data []byte, purpose string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	ch := s.channel
	active := s.encState == encryptionActive
	s.mu.Unlock()
	binary := false
	if active {
		data = ch.Encrypt(data)
		binary = true
	}
	if err := s.conn.WriteMessage(context.Background(), data, binary); err != nil {
		s.obs.FrameError(observability.FrameErrorWrite)
		return err
	}
	s.obs.FrameWritten(purpose)
	return nil
}

// BeginEncryption marks the start of a key exchange. It fails when a
// handshake is already pending or complete; the pending mark survives a
// failed handshake, so a later attempt fails too.
func (s *Session) BeginEncryption() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.encState != encryptionNone {
		if s.encState == encryptionActive {
			return ErrEncryptionActive
		}
		return ErrEncryptionStarted
	}
	s.encState = encryptionNegotiating
	return nil
}

// ActivateEncryption installs the cipher channel. Activation is monotonic:
// once active, a session never reverts to plaintext.
func (s *Session) ActivateEncryption(ch *wsencrypt.Channel) error {
	s.mu.Lock()
	if s.encState == encryptionActive {
		s.mu.Unlock()
		return ErrEncryptionActive
	}
	s.encState = encryptionActive
	s.channel = ch
	hooks := make([]*plainHook, 0, len(s.onEncryption))
	for h := range s.onEncryption {
		hooks = append(hooks, h)
	}
	s.mu.Unlock()
	s.obs.EncryptionEnabled(string(ch.Mode()))
	for _, h := range hooks {
		h.fn()
	}
	return nil
}

// EncryptionActive reports whether the cipher is live.
func (s *Session) EncryptionActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encState == encryptionActive
}

// EncryptionStarted reports whether a handshake is pending or complete.
func (s *Session) EncryptionStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encState != encryptionNone
}

// Close tears the socket down. Outstanding responders are dropped without
// being invoked; callers needing timeouts enforce them externally.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

func isCloseError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled)
}
