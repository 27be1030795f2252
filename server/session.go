// Package server implements the driver side of the console protocol: the
// acceptor that games connect to, the per-connection game session with its
// command, event, chat, data and encryption operations, and an awaitable
// facade over them.
package server

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/mcpews/mcpews/crypto/wsencrypt"
	"github.com/mcpews/mcpews/protocol"
	"github.com/mcpews/mcpews/session"
)

// ClientError is a protocol-level error frame received from the game.
type ClientError struct {
	StatusCode    int64
	StatusMessage string
	RequestID     string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client error %d: %s", e.StatusCode, e.StatusMessage)
}

// ChatMessage is a chat frame with the filter fields lifted from the body.
type ChatMessage struct {
	Frame       *protocol.Frame
	Sender      string
	Receiver    string
	ChatMessage string
	ChatType    string
}

// EventListener identifies one event subscription for later removal.
type EventListener struct {
	fn func(*protocol.Frame)
}

// GameSession drives one connected game. All operations are safe for
// concurrent use; listener callbacks run on the session's dispatch goroutine
// and must not block.
type GameSession struct {
	s *session.Session

	mu            sync.Mutex
	subs          map[string]map[*EventListener]struct{}
	chatSubs      map[string]struct{}
	onEvent       map[*eventHook]struct{}
	onClientError map[*clientErrorHook]struct{}
}

type eventHook struct{ fn func(*protocol.Frame) }
type clientErrorHook struct{ fn func(*ClientError) }

// NewGameSession builds the driver role on top of a session engine.
func NewGameSession(s *session.Session) *GameSession {
	g := &GameSession{
		s:             s,
		subs:          make(map[string]map[*EventListener]struct{}),
		chatSubs:      make(map[string]struct{}),
		onEvent:       make(map[*eventHook]struct{}),
		onClientError: make(map[*clientErrorHook]struct{}),
	}
	// Purpose handlers are installed exactly once per purpose, so these
	// registrations cannot fail on a fresh session.
	_ = s.SetHandler(protocol.PurposeEvent, func(f *protocol.Frame) session.Disposition {
		g.dispatchEvent(f)
		return session.Keep
	})
	_ = s.SetHandler(protocol.PurposeError, func(f *protocol.Frame) session.Disposition {
		var body protocol.ErrorBody
		if err := f.Bind(&body); err != nil {
			s.ReportError(fmt.Errorf("server: malformed error frame: %w", err))
			return session.Keep
		}
		g.emitClientError(&ClientError{
			StatusCode:    body.StatusCode,
			StatusMessage: body.StatusMessage,
			RequestID:     f.Header.RequestID,
		})
		return session.Keep
	})
	return g
}

// Session exposes the underlying engine for low-level use.
func (g *GameSession) Session() *session.Session { return g.s }

// OnEvent registers a callback for event frames with no matching listener.
func (g *GameSession) OnEvent(fn func(*protocol.Frame)) func() {
	h := &eventHook{fn: fn}
	g.mu.Lock()
	g.onEvent[h] = struct{}{}
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		delete(g.onEvent, h)
		g.mu.Unlock()
	}
}

// OnClientError registers a callback for error-purpose frames from the game.
func (g *GameSession) OnClientError(fn func(*ClientError)) func() {
	h := &clientErrorHook{fn: fn}
	g.mu.Lock()
	g.onClientError[h] = struct{}{}
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		delete(g.onClientError, h)
		g.mu.Unlock()
	}
}

func (g *GameSession) emitClientError(ce *ClientError) {
	g.mu.Lock()
	hooks := make([]*clientErrorHook, 0, len(g.onClientError))
	for h := range g.onClientError {
		hooks = append(hooks, h)
	}
	g.mu.Unlock()
	for _, h := range hooks {
		h.fn(ce)
	}
}

// dispatchEvent routes an event frame to the listeners of its resolved name,
// or to the generic event callbacks when none are registered. The listener
// set is copied before iteration so listeners may subscribe or unsubscribe
// from within a callback.
func (g *GameSession) dispatchEvent(f *protocol.Frame) {
	name := f.EventName()
	g.mu.Lock()
	set := g.subs[name]
	listeners := make([]*EventListener, 0, len(set))
	for l := range set {
		listeners = append(listeners, l)
	}
	var generic []*eventHook
	if len(listeners) == 0 {
		generic = make([]*eventHook, 0, len(g.onEvent))
		for h := range g.onEvent {
			generic = append(generic, h)
		}
	}
	g.mu.Unlock()

	if len(listeners) == 0 {
		for _, h := range generic {
			h.fn(f)
		}
		return
	}
	enriched := *f
	enriched.Header.EventName = name
	for _, l := range listeners {
		l.fn(&enriched)
	}
}

// SendCommand issues a command line. The callback, when non-nil, is invoked
// exactly once with the matching response. The request id is returned for
// correlation and cancellation.
func (g *GameSession) SendCommand(line string, cb func(*protocol.Frame)) (string, error) {
	body := protocol.CommandRequestBody{
		Version:     protocol.CommandVersionLatest,
		CommandLine: line,
		Origin:      protocol.PlayerOrigin,
	}
	return g.sendRequest(protocol.PurposeCommandRequest, body, cb)
}

// SendCommandTokens joins tokens with single spaces and issues the result.
func (g *GameSession) SendCommandTokens(tokens []string, cb func(*protocol.Frame)) (string, error) {
	return g.SendCommand(protocol.JoinCommand(tokens), cb)
}

// SendCommandLegacy issues a command in the pre-1.0 name/overload/input shape.
func (g *GameSession) SendCommandLegacy(name, overload string, input map[string]any, cb func(*protocol.Frame)) (string, error) {
	body := protocol.LegacyCommandRequestBody{
		Version:  protocol.CommandVersionInitial,
		Name:     name,
		Overload: overload,
		Input:    input,
		Origin:   protocol.PlayerOrigin,
	}
	return g.sendRequest(protocol.PurposeCommandRequest, body, cb)
}

// SendAgentCommand issues an agent (NPC) action; the response header carries
// the action and actionName fields.
func (g *GameSession) SendAgentCommand(line string, cb func(*protocol.Frame)) (string, error) {
	body := protocol.CommandRequestBody{
		Version:     protocol.CommandVersionLatest,
		CommandLine: line,
		Origin:      protocol.PlayerOrigin,
	}
	return g.sendRequest(protocol.PurposeAgentAction, body, cb)
}

// FetchData requests a bulk catalog (block, item, mob, or any other name the
// game answers). The response body passes through unvalidated.
func (g *GameSession) FetchData(dataType string, cb func(*protocol.Frame)) (string, error) {
	return g.sendRequest(protocol.DataPurpose(dataType), nil, cb)
}

func (g *GameSession) sendRequest(purpose protocol.Purpose, body any, cb func(*protocol.Frame)) (string, error) {
	id := protocol.NewRequestID()
	if cb != nil {
		if err := g.s.SetResponder(id, func(f *protocol.Frame) session.Disposition {
			cb(f)
			return session.Consume
		}); err != nil {
			return "", err
		}
	}
	if err := g.s.Send(purpose, id, body); err != nil {
		g.s.ClearResponder(id)
		return "", err
	}
	return id, nil
}

// Subscribe adds a listener for a named event. The subscribe frame goes out
// only when the first listener for that name appears.
func (g *GameSession) Subscribe(eventName string, fn func(*protocol.Frame)) (*EventListener, error) {
	l := &EventListener{fn: fn}
	g.mu.Lock()
	set := g.subs[eventName]
	first := set == nil
	if first {
		set = make(map[*EventListener]struct{})
		g.subs[eventName] = set
	}
	set[l] = struct{}{}
	g.mu.Unlock()
	if first {
		if err := g.SubscribeRaw(eventName); err != nil {
			g.mu.Lock()
			delete(set, l)
			if len(set) == 0 {
				delete(g.subs, eventName)
			}
			g.mu.Unlock()
			return nil, err
		}
	}
	return l, nil
}

// Unsubscribe removes a listener. The unsubscribe frame goes out only when
// the last listener for that name disappears.
func (g *GameSession) Unsubscribe(eventName string, l *EventListener) error {
	g.mu.Lock()
	set := g.subs[eventName]
	if set != nil {
		delete(set, l)
	}
	last := set != nil && len(set) == 0
	if last {
		delete(g.subs, eventName)
	}
	g.mu.Unlock()
	if !last {
		return nil
	}
	return g.UnsubscribeRaw(eventName)
}

// SubscribeRaw sends a subscribe frame unconditionally.
func (g *GameSession) SubscribeRaw(eventName string) error {
	return g.s.Send(protocol.PurposeSubscribe, protocol.NewRequestID(), protocol.EventSubscribeBody{EventName: eventName})
}

// UnsubscribeRaw sends an unsubscribe frame unconditionally.
func (g *GameSession) UnsubscribeRaw(eventName string) error {
	return g.s.Send(protocol.PurposeUnsubscribe, protocol.NewRequestID(), protocol.EventSubscribeBody{EventName: eventName})
}

// SubscribeChat installs a chat filter; nil fields match anything. Chat
// frames matching the filter arrive on the callback until UnsubscribeChat is
// called with the returned request id. The responder stays resident.
func (g *GameSession) SubscribeChat(sender, receiver, message *string, fn func(*ChatMessage)) (string, error) {
	id := protocol.NewRequestID()
	err := g.s.SetResponder(id, func(f *protocol.Frame) session.Disposition {
		var body protocol.ChatBody
		if err := f.Bind(&body); err != nil {
			g.s.ReportError(fmt.Errorf("server: malformed chat frame: %w", err))
			return session.Keep
		}
		fn(&ChatMessage{
			Frame:       f,
			Sender:      body.Sender,
			Receiver:    body.Receiver,
			ChatMessage: body.Message,
			ChatType:    body.Type,
		})
		return session.Keep
	})
	if err != nil {
		return "", err
	}
	sub := protocol.ChatSubscribeBody{Sender: sender, Receiver: receiver, Message: message}
	if err := g.s.Send(protocol.PurposeChatSubscribe, id, sub); err != nil {
		g.s.ClearResponder(id)
		return "", err
	}
	g.mu.Lock()
	g.chatSubs[id] = struct{}{}
	g.mu.Unlock()
	return id, nil
}

// UnsubscribeChat tears down a single chat filter.
func (g *GameSession) UnsubscribeChat(requestID string) error {
	g.mu.Lock()
	delete(g.chatSubs, requestID)
	g.mu.Unlock()
	g.s.ClearResponder(requestID)
	return g.s.Send(protocol.PurposeChatUnsubscribe, protocol.NewRequestID(), protocol.ChatUnsubscribeBody{RequestID: requestID})
}

// UnsubscribeChatAll tears down every chat filter with one frame. The wire
// body is an empty object; the game treats that as "all of them".
func (g *GameSession) UnsubscribeChatAll() error {
	g.mu.Lock()
	ids := make([]string, 0, len(g.chatSubs))
	for id := range g.chatSubs {
		ids = append(ids, id)
	}
	g.chatSubs = make(map[string]struct{})
	g.mu.Unlock()
	for _, id := range ids {
		g.s.ClearResponder(id)
	}
	return g.s.Send(protocol.PurposeChatUnsubscribe, protocol.NewRequestID(), protocol.ChatUnsubscribeBody{})
}

// EnableEncryption starts the key exchange in whichever dialect the
// negotiated version calls for. It returns false when a handshake is already
// pending or complete. The callback fires once the cipher activates.
func (g *GameSession) EnableEncryption(mode wsencrypt.Mode, cb func()) (bool, error) {
	if err := g.s.BeginEncryption(); err != nil {
		return false, nil
	}
	if mode == "" {
		mode = wsencrypt.DefaultMode
	}
	kp, err := wsencrypt.GenerateKeypair()
	if err != nil {
		return false, err
	}
	salt, err := wsencrypt.NewSalt()
	if err != nil {
		return false, err
	}
	saltB64 := base64.StdEncoding.EncodeToString(salt)

	complete := func(f *protocol.Frame) session.Disposition {
		var resp protocol.EncryptResponseBody
		if err := f.Bind(&resp); err != nil {
			g.s.ReportError(fmt.Errorf("server: malformed handshake response: %w", err))
			return session.Consume
		}
		shared, err := kp.DeriveSecret(resp.PublicKey)
		if err != nil {
			// The handshake stays failed: the pending mark is not reset.
			g.s.ReportError(fmt.Errorf("server: handshake: %w", err))
			return session.Consume
		}
		ch, err := wsencrypt.NewChannelFromSecret(mode, salt, shared)
		if err != nil {
			g.s.ReportError(fmt.Errorf("server: handshake: %w", err))
			return session.Consume
		}
		_ = g.s.ActivateEncryption(ch)
		if cb != nil {
			cb()
		}
		return session.Consume
	}

	id := protocol.NewRequestID()
	if err := g.s.SetResponder(id, complete); err != nil {
		return false, err
	}
	if g.s.Version() < protocol.V1_0_0 {
		// Legacy dialect: the handshake rides on a synthetic command.
		body := protocol.CommandRequestBody{
			Version:     protocol.CommandVersionLatest,
			CommandLine: wsencrypt.BuildLegacyCommand(kp.PublicKey(), saltB64, mode),
			Origin:      protocol.PlayerOrigin,
		}
		if err := g.s.Send(protocol.PurposeCommandRequest, id, body); err != nil {
			g.s.ClearResponder(id)
			return false, err
		}
		return true, nil
	}
	body := protocol.EncryptRequestBody{
		Mode:      string(mode),
		PublicKey: kp.PublicKey(),
		Salt:      saltB64,
	}
	if err := g.s.Send(protocol.PurposeEncrypt, id, body); err != nil {
		g.s.ClearResponder(id)
		return false, err
	}
	return true, nil
}

// Disconnect closes the session. The graceful path asks the game to close
// the socket from its side with a closewebsocket command.
func (g *GameSession) Disconnect(force bool) error {
	if force {
		return g.s.Close()
	}
	_, err := g.SendCommand("closewebsocket", nil)
	return err
}
