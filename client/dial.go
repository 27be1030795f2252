package client

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/mcpews/mcpews/internal/contextutil"
	"github.com/mcpews/mcpews/observability"
	"github.com/mcpews/mcpews/protocol"
	"github.com/mcpews/mcpews/realtime/ws"
	"github.com/mcpews/mcpews/session"
)

// DialOptions configures the outbound connection.
type DialOptions struct {
	// Version declares the protocol dialect; zero means LatestVersion.
	Version protocol.Version
	// ConnectTimeout bounds the WebSocket handshake (0 disables).
	ConnectTimeout time.Duration
	// Header carries extra HTTP headers for the upgrade request.
	Header http.Header
	// Observer receives session metric events.
	Observer observability.SessionObserver
}

// Dial connects to a console server the way the game does after
// "/connect host:port" and starts the dispatch loop in the background.
// The address may be a bare host:port or a full ws:// URL.
func Dial(ctx context.Context, addr string, opts DialOptions) (*Client, error) {
	urlStr := addr
	if !strings.Contains(urlStr, "://") {
		urlStr = "ws://" + urlStr
	}
	connectCtx, cancel := contextutil.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	conn, _, err := ws.Dial(connectCtx, urlStr, ws.DialOptions{
		Subprotocols: []string{protocol.Subprotocol},
		Header:       opts.Header,
	})
	if err != nil {
		return nil, err
	}
	sess := session.New(conn, session.Config{Observer: opts.Observer})
	c := New(sess, opts.Version)
	go func() { _ = c.Serve(context.Background()) }()
	return c, nil
}
