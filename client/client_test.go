package client_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mcpews/mcpews/client"
	"github.com/mcpews/mcpews/internal/testconn"
	"github.com/mcpews/mcpews/protocol"
	"github.com/mcpews/mcpews/session"
)

const waitFor = 2 * time.Second

// harness runs a client role against a bare peer session that scripts the
// driver side by hand.
type harness struct {
	cl   *client.Client
	peer *session.Session
}

func newHarness(t *testing.T, version protocol.Version) *harness {
	t.Helper()
	clientConn, peerConn := testconn.Pair()
	cs := session.New(clientConn, session.Config{})
	cl := client.New(cs, version)
	peer := session.New(peerConn, session.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	go func() { _ = cl.Serve(ctx); done <- struct{}{} }()
	go func() { _ = peer.Serve(ctx); done <- struct{}{} }()
	t.Cleanup(func() {
		cancel()
		_ = clientConn.Close()
		_ = peerConn.Close()
		for i := 0; i < 2; i++ {
			select {
			case <-done:
			case <-time.After(waitFor):
				t.Error("serve loop did not stop")
				return
			}
		}
	})
	return &harness{cl: cl, peer: peer}
}

func (h *harness) sendToClient(t *testing.T, purpose protocol.Purpose, id string, body any) {
	t.Helper()
	if err := h.peer.Send(purpose, id, body); err != nil {
		t.Fatal(err)
	}
}

func TestPublishGate(t *testing.T) {
	h := newHarness(t, protocol.V1_1_0)

	var events int64
	eventCh := make(chan *protocol.Frame, 4)
	_ = h.peer.SetHandler(protocol.PurposeEvent, func(f *protocol.Frame) session.Disposition {
		atomic.AddInt64(&events, 1)
		eventCh <- f
		return session.Keep
	})

	// Gate closed: nothing goes out.
	sent, err := h.cl.PublishEvent("TestEventName", map[string]any{"firstEvent": 1})
	if err != nil {
		t.Fatal(err)
	}
	if sent {
		t.Fatal("published without a subscription")
	}

	// Gate opens on subscribe.
	opened := make(chan string, 1)
	h.cl.OnSubscribe(func(name string) { opened <- name })
	h.sendToClient(t, protocol.PurposeSubscribe, protocol.NewRequestID(), protocol.EventSubscribeBody{EventName: "TestEventName"})
	select {
	case name := <-opened:
		if name != "TestEventName" {
			t.Fatalf("gate opened for %q", name)
		}
	case <-time.After(waitFor):
		t.Fatal("subscribe never processed")
	}

	sent, err = h.cl.PublishEvent("TestEventName", map[string]any{"secondEvent": "hi"})
	if err != nil || !sent {
		t.Fatalf("sent=%v err=%v", sent, err)
	}
	select {
	case f := <-eventCh:
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
		t.Fatal("event never delivered")
	}

	// Gate closes on unsubscribe.
	closed := make(chan string, 1)
	h.cl.OnUnsubscribe(func(name string) { closed <- name })
	h.sendToClient(t, protocol.PurposeUnsubscribe, protocol.NewRequestID(), protocol.EventSubscribeBody{EventName: "TestEventName"})
	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("unsubscribe never processed")
	}
	sent, err = h.cl.PublishEvent("TestEventName", map[string]any{"thirdEvent": true})
	if err != nil {
		t.Fatal(err)
	}
	if sent {
		t.Fatal("published after unsubscribe")
	}
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt64(&events); got != 1 {
		t.Fatalf("%d events on the wire", got)
	}
}

func TestRedundantSubscribesAreIdempotent(t *testing.T) {
	h := newHarness(t, protocol.V1_1_0)

	var transitions int64
	h.cl.OnSubscribe(func(string) { atomic.AddInt64(&transitions, 1) })
	seen := make(chan struct{}, 3)
	h.cl.Session().OnMessage(func(*protocol.Frame) { seen <- struct{}{} })

	body := protocol.EventSubscribeBody{EventName: "TickEvent"}
	h.sendToClient(t, protocol.PurposeSubscribe, protocol.NewRequestID(), body)
	h.sendToClient(t, protocol.PurposeSubscribe, protocol.NewRequestID(), body)
	h.sendToClient(t, protocol.PurposeSubscribe, protocol.NewRequestID(), body)
	for i := 0; i < 3; i++ {
		select {
		case <-seen:
		case <-time.After(waitFor):
			t.Fatal("subscribe frame lost")
		}
	}
	if got := atomic.LoadInt64(&transitions); got != 1 {
		t.Fatalf("%d gate transitions", got)
	}
}

func TestEventNamePlacementByVersion(t *testing.T) {
	// Below 1.1.0 the event name rides in the body.
	h := newHarness(t, protocol.V0_0_4)
	frames := make(chan *protocol.Frame, 1)
	_ = h.peer.SetHandler(protocol.PurposeEvent, func(f *protocol.Frame) session.Disposition {
		frames <- f
		return session.Keep
	})
	if err := h.cl.SendEvent("BlockPlaced", map[string]any{"x": 1}); err != nil {
		t.Fatal(err)
	}
	select {
	case f := <-frames:
		if f.Header.EventName != "" {
			t.Fatal("eventName in header below 1.1.0")
		}
		var body struct {
			EventName string `json:"eventName"`
			X         int    `json:"x"`
		}
		if err := f.Bind(&body); err != nil || body.EventName != "BlockPlaced" || body.X != 1 {
			t.Fatalf("body %s", f.Body)
		}
	case <-time.After(waitFor):
		t.Fatal("event never arrived")
	}

	// From 1.1.0 on it rides in the header.
	h2 := newHarness(t, protocol.V1_1_0)
	frames2 := make(chan *protocol.Frame, 1)
	_ = h2.peer.SetHandler(protocol.PurposeEvent, func(f *protocol.Frame) session.Disposition {
		frames2 <- f
		return session.Keep
	})
	if err := h2.cl.SendEvent("BlockPlaced", map[string]any{"x": 2}); err != nil {
		t.Fatal(err)
	}
	select {
	case f := <-frames2:
		if f.Header.EventName != "BlockPlaced" {
			t.Fatalf("header eventName %q", f.Header.EventName)
		}
		var body struct {
			EventName string `json:"eventName"`
		}
		_ = f.Bind(&body)
		if body.EventName != "" {
			t.Fatal("eventName duplicated into body at 1.1.0")
		}
	case <-time.After(waitFor):
		t.Fatal("event never arrived")
	}
}

func TestDataResponderDoubleRegistration(t *testing.T) {
	h := newHarness(t, protocol.V1_1_0)
	fn := func(*client.DataRequest) {}
	if err := h.cl.SetDataResponser("item", fn); err != nil {
		t.Fatal(err)
	}
	if err := h.cl.SetDataResponser("item", fn); err == nil {
		t.Fatal("second data responder registration succeeded")
	}
	h.cl.ClearDataResponser("item")
	if err := h.cl.SetDataResponser("item", fn); err != nil {
		t.Fatal(err)
	}
}

func TestErrorFrameSurface(t *testing.T) {
	h := newHarness(t, protocol.V1_1_0)
	got := make(chan *client.ErrorFrame, 1)
	h.cl.OnErrorFrame(func(ef *client.ErrorFrame) { got <- ef })

	id := protocol.NewRequestID()
	h.sendToClient(t, protocol.PurposeError, id, protocol.ErrorBody{StatusCode: 10001, StatusMessage: "test"})
	select {
	case ef := <-got:
		if ef.StatusCode != 10001 || ef.StatusMessage != "test" || ef.RequestID != id {
			t.Fatalf("error frame %+v", ef)
		}
	case <-time.After(waitFor):
		t.Fatal("error frame never surfaced")
	}
}

func TestChatUnsubscribeAllClearsFilters(t *testing.T) {
	h := newHarness(t, protocol.V1_1_0)

	chat := make(chan *protocol.Frame, 2)
	_ = h.peer.SetHandler(protocol.PurposeChat, func(f *protocol.Frame) session.Disposition {
		chat <- f
		return session.Keep
	})

	id := protocol.NewRequestID()
	h.sendToClient(t, protocol.PurposeChatSubscribe, id, protocol.ChatSubscribeBody{})
	cleared := make(chan string, 1)
	h.cl.OnChatUnsubscribe(func(reqID string) { cleared <- reqID })

	// Wait until the subscription is live, then verify delivery.
	deadline := time.Now().Add(waitFor)
	for {
		if err := h.cl.SendChat("Steve", "Alex", "ping", "chat"); err != nil {
			t.Fatal(err)
		}
		select {
		case f := <-chat:
			if f.Header.RequestID != id {
				t.Fatal("chat frame under wrong subscription id")
			}
		case <-time.After(20 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("chat never delivered")
			}
			continue
		}
		break
	}

	// {} tears everything down.
	h.sendToClient(t, protocol.PurposeChatUnsubscribe, protocol.NewRequestID(), protocol.ChatUnsubscribeBody{})
	select {
	case reqID := <-cleared:
		if reqID != "" {
			t.Fatalf("request id %q", reqID)
		}
	case <-time.After(waitFor):
		t.Fatal("unsubscribe-all never processed")
	}
	if err := h.cl.SendChat("Steve", "Alex", "after", "chat"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-chat:
		t.Fatal("chat delivered after unsubscribe-all")
	case <-time.After(50 * time.Millisecond):
	}
}
