// Package e2e exercises both protocol roles over a real TCP WebSocket: a
// server the way a tool embeds it, a client the way the game behaves.
package e2e_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mcpews/mcpews/client"
	"github.com/mcpews/mcpews/crypto/wsencrypt"
	"github.com/mcpews/mcpews/protocol"
	"github.com/mcpews/mcpews/server"
)

const waitFor = 5 * time.Second

type world struct {
	srv  *server.Server
	game *server.GameSession
	app  *server.App
	cl   *client.Client
}

// startWorld brings up a listening server and connects one game client of
// the given dialect.
func startWorld(t *testing.T, version protocol.Version) *world {
	t.Helper()
	srv, err := server.Listen("127.0.0.1:0", server.Config{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	clients := make(chan *server.ClientConn, 1)
	srv.OnClient(func(cc *server.ClientConn) { clients <- cc })

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	cl, err := client.Dial(ctx, srv.Addr().String(), client.DialOptions{Version: version})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = cl.Close() })

	var cc *server.ClientConn
	select {
	case cc = <-clients:
	case <-time.After(waitFor):
		t.Fatal("game never accepted")
	}
	return &world{srv: srv, game: cc.Session, app: server.NewApp(cc.Session), cl: cl}
}

func TestCommandRoundTripOverTCP(t *testing.T) {
	w := startWorld(t, protocol.V1_1_0)

	observed := make(chan string, 1)
	w.cl.OnCommand(func(req *client.CommandRequest) {
		observed <- req.CommandLine
		_ = req.Respond(map[string]any{"message": "Yes! I am here!"})
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	f, err := w.app.Command(ctx, "/say Hi, there!")
	if err != nil {
		t.Fatal(err)
	}
	select {
	case line := <-observed:
		if line != "/say Hi, there!" {
			t.Fatalf("line %q", line)
		}
	default:
		t.Fatal("response before request was observed")
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := f.Bind(&body); err != nil || body.Message != "Yes! I am here!" {
		t.Fatalf("body %s", f.Body)
	}
}

func TestSubscribeGatingOverTCP(t *testing.T) {
	w := startWorld(t, protocol.V1_1_0)

	events := make(chan *protocol.Frame, 4)
	w.game.OnEvent(func(f *protocol.Frame) { events <- f })

	// Before any subscribe: nothing may be emitted.
	sent, err := w.cl.PublishEvent("TestEventName", map[string]any{"firstEvent": 1})
	if err != nil || sent {
		t.Fatalf("sent=%v err=%v", sent, err)
	}

	if err := w.game.SubscribeRaw("TestEventName"); err != nil {
		t.Fatal(err)
	}
	// Wait for the gate to open on the client.
	deadline := time.Now().Add(waitFor)
	for {
		sent, err = w.cl.PublishEvent("TestEventName", map[string]any{"secondEvent": "hi"})
		if err != nil {
			t.Fatal(err)
		}
		if sent {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("gate never opened")
		}
		time.Sleep(10 * time.Millisecond)
	}
	select {
	case f := <-events:
		if f.Header.EventName != "TestEventName" {
			t.Fatalf("eventName %q", f.Header.EventName)
		}
		var body struct {
			SecondEvent string `json:"secondEvent"`
		}
		if err := f.Bind(&body); err != nil || body.SecondEvent != "hi" {
			t.Fatalf("body %s", f.Body)
		}
	case <-time.After(waitFor):
		t.Fatal("event never reached the server")
	}

	if err := w.game.UnsubscribeRaw("TestEventName"); err != nil {
		t.Fatal(err)
	}
	// Publishes that went out before the client processed the unsubscribe
	// were sent through an open gate; they still arrive and are drained.
	inFlight := 0
	deadline = time.Now().Add(waitFor)
	for {
		sent, err = w.cl.PublishEvent("TestEventName", map[string]any{"thirdEvent": true})
		if err != nil {
			t.Fatal(err)
		}
		if !sent {
			break
		}
		inFlight++
		if time.Now().After(deadline) {
			t.Fatal("gate never closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	for i := 0; i < inFlight; i++ {
		select {
		case <-events:
		case <-time.After(waitFor):
			t.Fatal("event sent through the open gate never arrived")
		}
	}
	select {
	case <-events:
		t.Fatal("event leaked after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func runEncryptedExchange(t *testing.T, w *world, mode wsencrypt.Mode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	ok, err := w.app.EnableEncryption(ctx, mode)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("handshake reported already pending")
	}
	if !w.game.Session().EncryptionActive() {
		t.Fatal("server side not active")
	}

	f, err := w.app.Command(ctx, "/say This message is encrypted!")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := f.Bind(&body); err != nil || body.Message != "sealed and delivered" {
		t.Fatalf("body %s", f.Body)
	}

	// A second handshake must fail cleanly.
	ok, err = w.app.EnableEncryption(ctx, mode)
	if err != nil || ok {
		t.Fatalf("second handshake ok=%v err=%v", ok, err)
	}
}

func TestLegacyEncryptionOverTCP(t *testing.T) {
	w := startWorld(t, protocol.V0_0_4)

	var sawHandshake int64
	w.cl.OnCommand(func(req *client.CommandRequest) {
		if handled, err := req.HandleEncryptionHandshake(); handled {
			if err != nil {
				t.Error(err)
			}
			if !strings.HasPrefix(req.CommandLine, "enableencryption ") {
				t.Errorf("handshake line %q", req.CommandLine)
			}
			atomic.AddInt64(&sawHandshake, 1)
			return
		}
		_ = req.Respond(map[string]any{"message": "sealed and delivered"})
	})

	runEncryptedExchange(t, w, "")
	if atomic.LoadInt64(&sawHandshake) != 1 {
		t.Fatal("legacy handshake command not observed exactly once")
	}
	if !w.cl.Session().EncryptionActive() {
		t.Fatal("client side not active")
	}
}

func TestV2EncryptionOverTCP(t *testing.T) {
	w := startWorld(t, protocol.V1_2_0)
	w.game.Session().SetVersion(protocol.V1_2_0)

	modes := make(chan wsencrypt.Mode, 1)
	w.cl.OnEncryptRequest(func(req *client.EncryptRequest) {
		modes <- req.Mode
	})
	w.cl.OnCommand(func(req *client.CommandRequest) {
		_ = req.Respond(map[string]any{"message": "sealed and delivered"})
	})

	runEncryptedExchange(t, w, wsencrypt.ModeCFB8)
	select {
	case m := <-modes:
		if m != wsencrypt.ModeCFB8 {
			t.Fatalf("mode %q", m)
		}
	default:
		t.Fatal("ws:encrypt request never surfaced")
	}
}

func TestV2EncryptionCFBModeOverTCP(t *testing.T) {
	w := startWorld(t, protocol.V1_2_0)
	w.game.Session().SetVersion(protocol.V1_2_0)
	w.cl.OnCommand(func(req *client.CommandRequest) {
		_ = req.Respond(map[string]any{"message": "sealed and delivered"})
	})
	runEncryptedExchange(t, w, wsencrypt.ModeCFB)
}

func TestChatFlowOverTCP(t *testing.T) {
	w := startWorld(t, protocol.V1_1_0)

	subs := make(chan *client.ChatSubscription, 1)
	w.cl.OnChatSubscribe(func(s *client.ChatSubscription) { subs <- s })

	msgs := make(chan *server.ChatMessage, 1)
	sender, receiver, text := "Steve", "Alex", "hello"
	id, err := w.game.SubscribeChat(&sender, &receiver, &text, func(m *server.ChatMessage) {
		msgs <- m
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case s := <-subs:
		if s.RequestID != id || *s.Sender != "Steve" || *s.Receiver != "Alex" || *s.Message != "hello" {
			t.Fatalf("subscription %+v", s)
		}
	case <-time.After(waitFor):
		t.Fatal("chat subscribe never observed")
	}

	if err := w.cl.SendChat("Steve", "Alex", "hello", "chat"); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-msgs:
		if m.Sender != "Steve" || m.Receiver != "Alex" || m.ChatMessage != "hello" || m.ChatType != "chat" {
			t.Fatalf("chat %+v", m)
		}
	case <-time.After(waitFor):
		t.Fatal("chat never delivered")
	}
}

func TestErrorPropagationOverTCP(t *testing.T) {
	w := startWorld(t, protocol.V1_1_0)

	arrived := make(chan string, 1)
	w.cl.OnCommand(func(req *client.CommandRequest) {
		arrived <- req.Frame.Header.RequestID // never responds
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := w.app.Command(context.Background(), "/never answered")
		errCh <- err
	}()
	select {
	case <-arrived:
	case <-time.After(waitFor):
		t.Fatal("command never arrived")
	}

	// The error frame carries its own correlation id: it must reach the
	// error-purpose handler, not the pending command's responder.
	if err := w.cl.SendError(10001, "test", protocol.NewRequestID()); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errCh:
		var ce *server.ClientError
		if errors.As(err, &ce) {
			if ce.StatusMessage != "test" || ce.StatusCode != 10001 {
				t.Fatalf("client error %+v", ce)
			}
		} else {
			t.Fatalf("error %v", err)
		}
	case <-time.After(waitFor):
		t.Fatal("pending command never rejected")
	}
}

func TestFetchDataOverTCP(t *testing.T) {
	w := startWorld(t, protocol.V1_1_0)

	if err := w.cl.SetDataResponser("mob", func(req *client.DataRequest) {
		_ = req.Respond([]map[string]any{{"id": "minecraft:creeper"}})
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	f, err := w.app.FetchData(ctx, "mob")
	if err != nil {
		t.Fatal(err)
	}
	if f.Header.DataType != "mob" {
		t.Fatalf("dataType %q", f.Header.DataType)
	}
	var body []struct {
		ID string `json:"id"`
	}
	if err := f.Bind(&body); err != nil || len(body) != 1 || body[0].ID != "minecraft:creeper" {
		t.Fatalf("body %s", f.Body)
	}
}
