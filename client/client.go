// Package client implements the game side of the console protocol. The real
// peer is the game itself; this role exists for tests, forwarding tools and
// low-level drivers that have to stand in for it.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mcpews/mcpews/crypto/wsencrypt"
	"github.com/mcpews/mcpews/protocol"
	"github.com/mcpews/mcpews/session"
)

var (
	// ErrHandshakeCompleted rejects a cancel that arrives after the
	// encryption response has already been sent.
	ErrHandshakeCompleted = errors.New("client: handshake already completed")
)

// Client answers driver requests, publishes events subject to subscription
// gating, and handles both encryption handshake dialects.
type Client struct {
	s       *session.Session
	version protocol.Version

	mu       sync.Mutex
	gates    map[string]bool
	chatSubs map[string]protocol.ChatSubscribeBody

	onCommand         map[*commandHook]struct{}
	onCommandLegacy   map[*legacyHook]struct{}
	onAgentAction     map[*agentHook]struct{}
	onSubscribe       map[*nameHook]struct{}
	onUnsubscribe     map[*nameHook]struct{}
	onChatSubscribe   map[*chatSubHook]struct{}
	onChatUnsubscribe map[*chatUnsubHook]struct{}
	onEncryptRequest  map[*encryptHook]struct{}
	onErrorFrame      map[*errorFrameHook]struct{}
}

type commandHook struct{ fn func(*CommandRequest) }
type legacyHook struct{ fn func(*LegacyCommandRequest) }
type agentHook struct{ fn func(*AgentAction) }
type nameHook struct{ fn func(string) }
type chatSubHook struct{ fn func(*ChatSubscription) }
type chatUnsubHook struct{ fn func(requestID string) }
type encryptHook struct{ fn func(*EncryptRequest) }
type errorFrameHook struct{ fn func(*ErrorFrame) }

// New builds the game role on top of a session engine, declaring the given
// protocol dialect.
func New(s *session.Session, version protocol.Version) *Client {
	if version == 0 {
		version = protocol.LatestVersion
	}
	s.SetVersion(version)
	c := &Client{
		s:                 s,
		version:           version,
		gates:             make(map[string]bool),
		chatSubs:          make(map[string]protocol.ChatSubscribeBody),
		onCommand:         make(map[*commandHook]struct{}),
		onCommandLegacy:   make(map[*legacyHook]struct{}),
		onAgentAction:     make(map[*agentHook]struct{}),
		onSubscribe:       make(map[*nameHook]struct{}),
		onUnsubscribe:     make(map[*nameHook]struct{}),
		onChatSubscribe:   make(map[*chatSubHook]struct{}),
		onChatUnsubscribe: make(map[*chatUnsubHook]struct{}),
		onEncryptRequest:  make(map[*encryptHook]struct{}),
		onErrorFrame:      make(map[*errorFrameHook]struct{}),
	}
	c.installHandlers()
	return c
}

// Session exposes the underlying engine for low-level use.
func (c *Client) Session() *session.Session { return c.s }

// Version returns the declared protocol dialect.
func (c *Client) Version() protocol.Version { return c.version }

// Serve runs the session's dispatch loop until the context ends or the
// socket closes.
func (c *Client) Serve(ctx context.Context) error {
	return c.s.Serve(ctx)
}

// Close tears the connection down.
func (c *Client) Close() error { return c.s.Close() }

func (c *Client) installHandlers() {
	// A fresh session has no handlers, so none of these can fail.
	_ = c.s.SetHandler(protocol.PurposeCommandRequest, func(f *protocol.Frame) session.Disposition {
		c.handleCommand(f)
		return session.Keep
	})
	_ = c.s.SetHandler(protocol.PurposeAgentAction, func(f *protocol.Frame) session.Disposition {
		c.handleAgentAction(f)
		return session.Keep
	})
	_ = c.s.SetHandler(protocol.PurposeSubscribe, func(f *protocol.Frame) session.Disposition {
		c.handleGate(f, true)
		return session.Keep
	})
	_ = c.s.SetHandler(protocol.PurposeUnsubscribe, func(f *protocol.Frame) session.Disposition {
		c.handleGate(f, false)
		return session.Keep
	})
	_ = c.s.SetHandler(protocol.PurposeChatSubscribe, func(f *protocol.Frame) session.Disposition {
		c.handleChatSubscribe(f)
		return session.Keep
	})
	_ = c.s.SetHandler(protocol.PurposeChatUnsubscribe, func(f *protocol.Frame) session.Disposition {
		c.handleChatUnsubscribe(f)
		return session.Keep
	})
	_ = c.s.SetHandler(protocol.PurposeEncrypt, func(f *protocol.Frame) session.Disposition {
		c.handleEncryptRequest(f)
		return session.Keep
	})
	_ = c.s.SetHandler(protocol.PurposeError, func(f *protocol.Frame) session.Disposition {
		c.handleErrorFrame(f)
		return session.Keep
	})
}

// OnCommand registers a callback for command requests in the current shape.
func (c *Client) OnCommand(fn func(*CommandRequest)) func() {
	h := &commandHook{fn: fn}
	c.mu.Lock()
	c.onCommand[h] = struct{}{}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.onCommand, h)
		c.mu.Unlock()
	}
}

// OnCommandLegacy registers a callback for pre-1.0 shaped command requests.
func (c *Client) OnCommandLegacy(fn func(*LegacyCommandRequest)) func() {
	h := &legacyHook{fn: fn}
	c.mu.Lock()
	c.onCommandLegacy[h] = struct{}{}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.onCommandLegacy, h)
		c.mu.Unlock()
	}
}

// OnAgentAction registers a callback for agent action requests.
func (c *Client) OnAgentAction(fn func(*AgentAction)) func() {
	h := &agentHook{fn: fn}
	c.mu.Lock()
	c.onAgentAction[h] = struct{}{}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.onAgentAction, h)
		c.mu.Unlock()
	}
}

// OnSubscribe fires when an event's publish gate transitions to open.
// Redundant subscribes are idempotent and do not fire.
func (c *Client) OnSubscribe(fn func(eventName string)) func() {
	h := &nameHook{fn: fn}
	c.mu.Lock()
	c.onSubscribe[h] = struct{}{}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.onSubscribe, h)
		c.mu.Unlock()
	}
}

// OnUnsubscribe fires when an event's publish gate transitions to closed.
func (c *Client) OnUnsubscribe(fn func(eventName string)) func() {
	h := &nameHook{fn: fn}
	c.mu.Lock()
	c.onUnsubscribe[h] = struct{}{}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.onUnsubscribe, h)
		c.mu.Unlock()
	}
}

// OnChatSubscribe registers a callback for new chat filters.
func (c *Client) OnChatSubscribe(fn func(*ChatSubscription)) func() {
	h := &chatSubHook{fn: fn}
	c.mu.Lock()
	c.onChatSubscribe[h] = struct{}{}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.onChatSubscribe, h)
		c.mu.Unlock()
	}
}

// OnChatUnsubscribe registers a callback for removed chat filters; an empty
// request id means all of them were torn down.
func (c *Client) OnChatUnsubscribe(fn func(requestID string)) func() {
	h := &chatUnsubHook{fn: fn}
	c.mu.Lock()
	c.onChatUnsubscribe[h] = struct{}{}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.onChatUnsubscribe, h)
		c.mu.Unlock()
	}
}

// OnEncryptRequest registers a callback for ws:encrypt requests. Callbacks
// may cancel the request; otherwise the handshake completes after they
// return.
func (c *Client) OnEncryptRequest(fn func(*EncryptRequest)) func() {
	h := &encryptHook{fn: fn}
	c.mu.Lock()
	c.onEncryptRequest[h] = struct{}{}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.onEncryptRequest, h)
		c.mu.Unlock()
	}
}

// OnErrorFrame registers a callback for inbound error-purpose frames.
func (c *Client) OnErrorFrame(fn func(*ErrorFrame)) func() {
	h := &errorFrameHook{fn: fn}
	c.mu.Lock()
	c.onErrorFrame[h] = struct{}{}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.onErrorFrame, h)
		c.mu.Unlock()
	}
}

// CommandRequest is an inbound command with a respond closure bound to its
// request id.
type CommandRequest struct {
	Frame       *protocol.Frame
	CommandLine string

	c         *Client
	requestID string
}

// Respond sends the command response.
func (r *CommandRequest) Respond(body any) error {
	return r.c.s.Send(protocol.PurposeCommandResponse, r.requestID, body)
}

// HandleEncryptionHandshake detects the legacy enableencryption command,
// performs the key exchange, responds on the command-response channel and
// activates encryption. It returns false when the command is an ordinary one
// the application should answer itself.
func (r *CommandRequest) HandleEncryptionHandshake() (bool, error) {
	peerPub, saltB64, mode, ok, err := wsencrypt.ParseLegacyCommand(r.CommandLine)
	if !ok {
		return false, nil
	}
	if err != nil {
		return true, err
	}
	ch, pub, err := r.c.deriveChannel(mode, peerPub, saltB64)
	if err != nil {
		return true, err
	}
	if err := r.Respond(protocol.LegacyEncryptResponseBody{PublicKey: pub, StatusCode: 0}); err != nil {
		return true, err
	}
	// Responding side: everything after the response goes out as ciphertext.
	_ = r.c.s.ActivateEncryption(ch)
	return true, nil
}

// LegacyCommandRequest is an inbound command in the pre-1.0 shape.
type LegacyCommandRequest struct {
	Frame    *protocol.Frame
	Name     string
	Overload string
	Input    map[string]any

	c         *Client
	requestID string
}

// Respond sends the command response.
func (r *LegacyCommandRequest) Respond(body any) error {
	return r.c.s.Send(protocol.PurposeCommandResponse, r.requestID, body)
}

// HandleEncryptionHandshake never succeeds: legacy-shaped commands do not
// carry the handshake.
func (r *LegacyCommandRequest) HandleEncryptionHandshake() (bool, error) {
	return false, nil
}

// AgentAction is an inbound agent request with both response channels bound.
type AgentAction struct {
	Frame       *protocol.Frame
	CommandLine string

	c         *Client
	requestID string
}

// RespondCommand answers on the command-response channel.
func (r *AgentAction) RespondCommand(body any) error {
	return r.c.s.Send(protocol.PurposeCommandResponse, r.requestID, body)
}

// RespondAgentAction answers on the agent channel; the header carries the
// action and actionName fields.
func (r *AgentAction) RespondAgentAction(action any, actionName string, body any) error {
	f, err := protocol.New(r.c.s.Version(), protocol.PurposeAgentAction, r.requestID, body)
	if err != nil {
		return err
	}
	f.Header.Action = action
	f.Header.ActionName = actionName
	return r.c.s.SendFrame(f)
}

// ChatSubscription is a live chat filter installed by the driver.
type ChatSubscription struct {
	RequestID string
	Sender    *string
	Receiver  *string
	Message   *string
}

// EncryptRequest is a cancellable ws:encrypt request.
type EncryptRequest struct {
	Frame *protocol.Frame
	Mode  wsencrypt.Mode

	mu        sync.Mutex
	cancelled bool
	completed bool
}

// Cancel declines the handshake. It fails once the response has been sent.
func (r *EncryptRequest) Cancel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completed {
		return ErrHandshakeCompleted
	}
	r.cancelled = true
	return nil
}

func (c *Client) handleCommand(f *protocol.Frame) {
	var probe struct {
		CommandLine *string `json:"commandLine"`
		Name        *string `json:"name"`
	}
	if err := f.Bind(&probe); err != nil {
		c.s.ReportError(fmt.Errorf("client: malformed command request: %w", err))
		return
	}
	if probe.CommandLine == nil && probe.Name != nil {
		var body protocol.LegacyCommandRequestBody
		if err := f.Bind(&body); err != nil {
			c.s.ReportError(fmt.Errorf("client: malformed legacy command request: %w", err))
			return
		}
		req := &LegacyCommandRequest{
			Frame:     f,
			Name:      body.Name,
			Overload:  body.Overload,
			Input:     body.Input,
			c:         c,
			requestID: f.Header.RequestID,
		}
		for _, h := range c.legacyHooks() {
			h.fn(req)
		}
		return
	}
	var body protocol.CommandRequestBody
	if err := f.Bind(&body); err != nil {
		c.s.ReportError(fmt.Errorf("client: malformed command request: %w", err))
		return
	}
	req := &CommandRequest{
		Frame:       f,
		CommandLine: body.CommandLine,
		c:           c,
		requestID:   f.Header.RequestID,
	}
	for _, h := range c.commandHooks() {
		h.fn(req)
	}
}

func (c *Client) handleAgentAction(f *protocol.Frame) {
	var body protocol.CommandRequestBody
	if err := f.Bind(&body); err != nil {
		c.s.ReportError(fmt.Errorf("client: malformed agent action: %w", err))
		return
	}
	req := &AgentAction{
		Frame:       f,
		CommandLine: body.CommandLine,
		c:           c,
		requestID:   f.Header.RequestID,
	}
	c.mu.Lock()
	hooks := make([]*agentHook, 0, len(c.onAgentAction))
	for h := range c.onAgentAction {
		hooks = append(hooks, h)
	}
	c.mu.Unlock()
	for _, h := range hooks {
		h.fn(req)
	}
}

func (c *Client) handleGate(f *protocol.Frame, open bool) {
	var body protocol.EventSubscribeBody
	if err := f.Bind(&body); err != nil {
		c.s.ReportError(fmt.Errorf("client: malformed subscribe frame: %w", err))
		return
	}
	c.mu.Lock()
	was := c.gates[body.EventName]
	c.gates[body.EventName] = open
	var hooks []*nameHook
	if was != open {
		src := c.onSubscribe
		if !open {
			src = c.onUnsubscribe
		}
		hooks = make([]*nameHook, 0, len(src))
		for h := range src {
			hooks = append(hooks, h)
		}
	}
	c.mu.Unlock()
	for _, h := range hooks {
		h.fn(body.EventName)
	}
}

func (c *Client) handleChatSubscribe(f *protocol.Frame) {
	var body protocol.ChatSubscribeBody
	if err := f.Bind(&body); err != nil {
		c.s.ReportError(fmt.Errorf("client: malformed chat subscribe: %w", err))
		return
	}
	id := f.Header.RequestID
	c.mu.Lock()
	c.chatSubs[id] = body
	hooks := make([]*chatSubHook, 0, len(c.onChatSubscribe))
	for h := range c.onChatSubscribe {
		hooks = append(hooks, h)
	}
	c.mu.Unlock()
	sub := &ChatSubscription{RequestID: id, Sender: body.Sender, Receiver: body.Receiver, Message: body.Message}
	for _, h := range hooks {
		h.fn(sub)
	}
}

func (c *Client) handleChatUnsubscribe(f *protocol.Frame) {
	var body protocol.ChatUnsubscribeBody
	if err := f.Bind(&body); err != nil {
		c.s.ReportError(fmt.Errorf("client: malformed chat unsubscribe: %w", err))
		return
	}
	c.mu.Lock()
	if body.RequestID == "" {
		c.chatSubs = make(map[string]protocol.ChatSubscribeBody)
	} else {
		delete(c.chatSubs, body.RequestID)
	}
	hooks := make([]*chatUnsubHook, 0, len(c.onChatUnsubscribe))
	for h := range c.onChatUnsubscribe {
		hooks = append(hooks, h)
	}
	c.mu.Unlock()
	for _, h := range hooks {
		h.fn(body.RequestID)
	}
}

func (c *Client) handleEncryptRequest(f *protocol.Frame) {
	var body protocol.EncryptRequestBody
	if err := f.Bind(&body); err != nil {
		c.s.ReportError(fmt.Errorf("client: malformed encrypt request: %w", err))
		return
	}
	mode, err := wsencrypt.ParseMode(body.Mode)
	if err != nil {
		c.s.ReportError(fmt.Errorf("client: encrypt request: %w", err))
		return
	}
	req := &EncryptRequest{Frame: f, Mode: mode}
	c.mu.Lock()
	hooks := make([]*encryptHook, 0, len(c.onEncryptRequest))
	for h := range c.onEncryptRequest {
		hooks = append(hooks, h)
	}
	c.mu.Unlock()
	for _, h := range hooks {
		h.fn(req)
	}

	req.mu.Lock()
	defer req.mu.Unlock()
	if req.cancelled {
		return
	}
	ch, pub, err := c.deriveChannel(mode, body.PublicKey, body.Salt)
	if err != nil {
		c.s.ReportError(fmt.Errorf("client: handshake: %w", err))
		return
	}
	if err := c.s.Send(protocol.PurposeEncrypt, f.Header.RequestID, protocol.EncryptResponseBody{PublicKey: pub}); err != nil {
		c.s.ReportError(err)
		return
	}
	_ = c.s.ActivateEncryption(ch)
	req.completed = true
}

// deriveChannel runs the client half of the key exchange: mark the handshake
// pending, derive K = SHA-256(salt || ECDH(priv, peer)) and build the cipher
// pair. The pending mark survives failures, matching the driver side.
func (c *Client) deriveChannel(mode wsencrypt.Mode, peerPubB64, saltB64 string) (*wsencrypt.Channel, string, error) {
	if err := c.s.BeginEncryption(); err != nil {
		return nil, "", err
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, "", fmt.Errorf("malformed salt: %w", err)
	}
	kp, err := wsencrypt.GenerateKeypair()
	if err != nil {
		return nil, "", err
	}
	shared, err := kp.DeriveSecret(peerPubB64)
	if err != nil {
		return nil, "", err
	}
	ch, err := wsencrypt.NewChannelFromSecret(mode, salt, shared)
	if err != nil {
		return nil, "", err
	}
	return ch, kp.PublicKey(), nil
}

func (c *Client) commandHooks() []*commandHook {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*commandHook, 0, len(c.onCommand))
	for h := range c.onCommand {
		out = append(out, h)
	}
	return out
}

func (c *Client) legacyHooks() []*legacyHook {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*legacyHook, 0, len(c.onCommandLegacy))
	for h := range c.onCommandLegacy {
		out = append(out, h)
	}
	return out
}

// PublishEvent transmits an event only when its publish gate is open, i.e. a
// subscribe has been observed with no unsubscribe since. It reports whether
// the frame went out.
func (c *Client) PublishEvent(eventName string, body any) (bool, error) {
	c.mu.Lock()
	open := c.gates[eventName]
	c.mu.Unlock()
	if !open {
		return false, nil
	}
	if err := c.SendEvent(eventName, body); err != nil {
		return false, err
	}
	return true, nil
}

// SendEvent transmits an event unconditionally. Below 1.1.0 the event name
// rides in the body; from 1.1.0 on it rides in the header.
func (c *Client) SendEvent(eventName string, body any) error {
	v := c.s.Version()
	if v >= protocol.V1_1_0 {
		f, err := protocol.New(v, protocol.PurposeEvent, "", body)
		if err != nil {
			return err
		}
		f.Header.EventName = eventName
		return c.s.SendFrame(f)
	}
	raw, err := protocol.Marshal(body)
	if err != nil {
		return err
	}
	m := map[string]any{}
	if string(raw) != "null" {
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("client: event body must be an object below 1.1: %w", err)
		}
	}
	m["eventName"] = eventName
	return c.s.Send(protocol.PurposeEvent, "", m)
}

// SendChat delivers a chat line to every live subscription whose filter
// matches, each under that subscription's request id.
func (c *Client) SendChat(sender, receiver, message, chatType string) error {
	c.mu.Lock()
	subs := make(map[string]protocol.ChatSubscribeBody, len(c.chatSubs))
	for id, filter := range c.chatSubs {
		subs[id] = filter
	}
	c.mu.Unlock()
	body := protocol.ChatBody{Sender: sender, Receiver: receiver, Message: message, Type: chatType}
	for id, filter := range subs {
		if !chatMatches(filter, sender, receiver, message) {
			continue
		}
		if err := c.s.Send(protocol.PurposeChat, id, body); err != nil {
			return err
		}
	}
	return nil
}

func chatMatches(f protocol.ChatSubscribeBody, sender, receiver, message string) bool {
	if f.Sender != nil && *f.Sender != sender {
		return false
	}
	if f.Receiver != nil && *f.Receiver != receiver {
		return false
	}
	if f.Message != nil && *f.Message != message {
		return false
	}
	return true
}

// DataRequest is an inbound bulk catalog query with a respond closure bound.
type DataRequest struct {
	Frame    *protocol.Frame
	DataType string

	c         *Client
	requestID string
}

// Respond sends the data response; the header carries the data type and a
// zero type field.
func (r *DataRequest) Respond(body any) error {
	f, err := protocol.New(r.c.s.Version(), protocol.PurposeData, r.requestID, body)
	if err != nil {
		return err
	}
	f.Header.DataType = r.DataType
	zero := 0
	f.Header.Type = &zero
	return r.c.s.SendFrame(f)
}

// SetDataResponser binds a responder for one data type, e.g. "block". At
// most one responder per type may exist.
func (c *Client) SetDataResponser(dataType string, fn func(*DataRequest)) error {
	return c.s.SetHandler(protocol.DataPurpose(dataType), func(f *protocol.Frame) session.Disposition {
		fn(&DataRequest{Frame: f, DataType: dataType, c: c, requestID: f.Header.RequestID})
		return session.Keep
	})
}

// ClearDataResponser removes a data responder.
func (c *Client) ClearDataResponser(dataType string) {
	c.s.ClearHandler(protocol.DataPurpose(dataType))
}

func (c *Client) handleErrorFrame(f *protocol.Frame) {
	var body protocol.ErrorBody
	if err := f.Bind(&body); err != nil {
		c.s.ReportError(fmt.Errorf("client: malformed error frame: %w", err))
		return
	}
	ef := &ErrorFrame{
		StatusCode:    body.StatusCode,
		StatusMessage: body.StatusMessage,
		RequestID:     f.Header.RequestID,
	}
	c.mu.Lock()
	hooks := make([]*errorFrameHook, 0, len(c.onErrorFrame))
	for h := range c.onErrorFrame {
		hooks = append(hooks, h)
	}
	c.mu.Unlock()
	for _, h := range hooks {
		h.fn(ef)
	}
}

// SendError emits an error-purpose frame, optionally correlated to a request.
func (c *Client) SendError(statusCode int64, statusMessage, requestID string) error {
	body := protocol.ErrorBody{StatusCode: statusCode, StatusMessage: statusMessage}
	return c.s.Send(protocol.PurposeError, requestID, body)
}
