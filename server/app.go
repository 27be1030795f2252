package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mcpews/mcpews/crypto/wsencrypt"
	"github.com/mcpews/mcpews/internal/contextutil"
	"github.com/mcpews/mcpews/protocol"
)

// ErrDisconnected rejects facade calls when the session closes underneath.
var ErrDisconnected = errors.New("server: session disconnected")

// CommandError is a command response whose status code has the error bit set.
type CommandError struct {
	StatusCode    int64
	StatusMessage string
}

func (e *CommandError) Error() string { return e.StatusMessage }

// App wraps a game session's operations in awaitable request/response form.
// Calls reject on session errors, inbound error frames, disconnect, timeout
// and cancellation; a cancelled call clears its responder, so a late response
// falls through to the custom-frame channel silently.
type App struct {
	game *GameSession

	mu      sync.Mutex
	pending map[*pendingCall]struct{}
}

type pendingCall struct {
	id    string
	ch    chan *protocol.Frame
	errCh chan error
}

// NewApp builds the facade and hooks the session's failure surfaces.
func NewApp(game *GameSession) *App {
	a := &App{
		game:    game,
		pending: make(map[*pendingCall]struct{}),
	}
	game.Session().OnError(func(err error) { a.rejectAll(err) })
	game.OnClientError(func(ce *ClientError) { a.rejectAll(ce) })
	game.Session().OnDisconnect(func() { a.rejectAll(ErrDisconnected) })
	return a
}

// Game returns the wrapped session.
func (a *App) Game() *GameSession { return a.game }

func (a *App) register(p *pendingCall) {
	a.mu.Lock()
	a.pending[p] = struct{}{}
	a.mu.Unlock()
}

func (a *App) release(p *pendingCall) {
	a.mu.Lock()
	delete(a.pending, p)
	a.mu.Unlock()
}

func (a *App) rejectAll(err error) {
	a.mu.Lock()
	calls := make([]*pendingCall, 0, len(a.pending))
	for p := range a.pending {
		calls = append(calls, p)
	}
	a.mu.Unlock()
	for _, p := range calls {
		select {
		case p.errCh <- err:
		default:
		}
	}
}

// Command issues a command line and waits for its response.
func (a *App) Command(ctx context.Context, line string) (*protocol.Frame, error) {
	return a.await(ctx, func(cb func(*protocol.Frame)) (string, error) {
		return a.game.SendCommand(line, cb)
	})
}

// CommandTimeout is Command with a duration instead of a caller context.
func (a *App) CommandTimeout(line string, d time.Duration) (*protocol.Frame, error) {
	ctx, cancel := contextutil.WithTimeout(context.Background(), d)
	defer cancel()
	return a.Command(ctx, line)
}

// CommandLegacy issues a pre-1.0 shaped command and waits for its response.
func (a *App) CommandLegacy(ctx context.Context, name, overload string, input map[string]any) (*protocol.Frame, error) {
	return a.await(ctx, func(cb func(*protocol.Frame)) (string, error) {
		return a.game.SendCommandLegacy(name, overload, input, cb)
	})
}

// AgentCommand issues an agent action and waits for its response.
func (a *App) AgentCommand(ctx context.Context, line string) (*protocol.Frame, error) {
	return a.await(ctx, func(cb func(*protocol.Frame)) (string, error) {
		return a.game.SendAgentCommand(line, cb)
	})
}

// FetchData requests a bulk catalog and waits for the response.
func (a *App) FetchData(ctx context.Context, dataType string) (*protocol.Frame, error) {
	return a.await(ctx, func(cb func(*protocol.Frame)) (string, error) {
		return a.game.FetchData(dataType, cb)
	})
}

func (a *App) await(ctx context.Context, send func(cb func(*protocol.Frame)) (string, error)) (*protocol.Frame, error) {
	p := &pendingCall{
		ch:    make(chan *protocol.Frame, 1),
		errCh: make(chan error, 1),
	}
	id, err := send(func(f *protocol.Frame) {
		select {
		case p.ch <- f:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	p.id = id
	a.register(p)
	defer a.release(p)

	select {
	case <-ctx.Done():
		a.game.Session().ClearResponder(id)
		return nil, ctx.Err()
	case err := <-p.errCh:
		a.game.Session().ClearResponder(id)
		return nil, err
	case f := <-p.ch:
		var status struct {
			StatusCode    *int64 `json:"statusCode"`
			StatusMessage string `json:"statusMessage"`
		}
		if err := f.Bind(&status); err == nil && status.StatusCode != nil && protocol.IsError(*status.StatusCode) {
			return nil, &CommandError{StatusCode: *status.StatusCode, StatusMessage: status.StatusMessage}
		}
		return f, nil
	}
}

// WaitForEvent subscribes, waits for the first frame passing the filter,
// unsubscribes and returns it. A nil filter accepts the first frame.
func (a *App) WaitForEvent(ctx context.Context, eventName string, filter func(*protocol.Frame) bool) (*protocol.Frame, error) {
	ch := make(chan *protocol.Frame, 1)
	l, err := a.game.Subscribe(eventName, func(f *protocol.Frame) {
		if filter != nil && !filter(f) {
			return
		}
		select {
		case ch <- f:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = a.game.Unsubscribe(eventName, l) }()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f := <-ch:
		return f, nil
	}
}

// Once waits for a single event while holding an extra subscription open, so
// the unsubscribe frame is not sent until after the caller has observed the
// event. That closes the window where a short-lived wait would race its own
// unsubscribe against the next publish.
func (a *App) Once(ctx context.Context, eventName string) (*protocol.Frame, error) {
	holder, err := a.game.Subscribe(eventName, func(*protocol.Frame) {})
	if err != nil {
		return nil, err
	}
	defer func() { _ = a.game.Unsubscribe(eventName, holder) }()
	return a.WaitForEvent(ctx, eventName, nil)
}

// EnableEncryption runs the handshake and waits for cipher activation. It
// returns false when a handshake was already pending or active.
func (a *App) EnableEncryption(ctx context.Context, mode wsencrypt.Mode) (bool, error) {
	done := make(chan struct{}, 1)
	errCh := make(chan error, 1)
	remove := a.game.Session().OnError(func(err error) {
		select {
		case errCh <- err:
		default:
		}
	})
	defer remove()

	ok, err := a.game.EnableEncryption(mode, func() {
		done <- struct{}{}
	})
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case err := <-errCh:
		return false, err
	case <-done:
		return true, nil
	}
}
