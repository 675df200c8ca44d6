package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"prrelay/internal/hub"
	"prrelay/pkg/relay"
)

func testKey() relay.PRKey {
	return relay.PRKey{Owner: "octocat", Repo: "hello-world", Number: 42}
}

func testEvent() relay.Event {
	return relay.Event{
		Kind: relay.KindIssueComment,
		IssueComment: &relay.IssueCommentEvent{
			Action:  "created",
			Comment: relay.Comment{ID: 1, Body: "LGTM!", User: relay.User{Login: "hubot"}},
			Issue:   relay.Issue{Number: 42, Title: "Fix flaky test", User: relay.User{Login: "octocat"}},
			Repository: relay.Repository{
				Name:     "hello-world",
				FullName: "octocat/hello-world",
				Owner:    relay.User{Login: "octocat"},
			},
		},
	}
}

func webhookFrame(t *testing.T, key relay.PRKey, event relay.Event) []byte {
	t.Helper()
	frame, err := json.Marshal(relay.ServerMessage{Type: relay.TypeWebhook, Key: &key, Event: &event})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return frame
}

func newRelayServer(t *testing.T) (*hub.Hub, *httptest.Server) {
	t.Helper()
	relayHub := hub.New(log.New(io.Discard, "", 0), hub.Config{})
	mux := http.NewServeMux()
	mux.Handle("GET /ws/{instance}", relayHub.Handler())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return relayHub, srv
}

func dialClient(t *testing.T, addr, instance string, opts ...Option) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	opts = append([]Option{WithLogger(log.New(io.Discard, "", 0))}, opts...)
	c, err := Dial(ctx, addr, instance, opts...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func subscribe(t *testing.T, c *Client, key relay.PRKey, handler Handler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Subscribe(ctx, key, handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
}

// TestSubscribeReceivesWebhook covers the core loop: subscribe, fan a frame
// out on the server, observe the handler firing with the normalized event.
func TestSubscribeReceivesWebhook(t *testing.T) {
	relayHub, srv := newRelayServer(t)
	c := dialClient(t, srv.URL, "watcher")

	received := make(chan relay.Event, 1)
	subscribe(t, c, testKey(), func(key relay.PRKey, event relay.Event) {
		received <- event
	})

	delivered, dropped := relayHub.Fanout(testKey(), webhookFrame(t, testKey(), testEvent()))
	if delivered != 1 || dropped != 0 {
		t.Fatalf("expected 1 delivery, got delivered=%d dropped=%d", delivered, dropped)
	}

	select {
	case event := <-received:
		if event.Kind != relay.KindIssueComment {
			t.Fatalf("expected issue_comment, got %q", event.Kind)
		}
		if event.IssueComment.Comment.Body != "LGTM!" {
			t.Fatalf("expected comment body LGTM!, got %q", event.IssueComment.Comment.Body)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("expected webhook delivery, got none")
	}
}

// TestSubscribeRegistersOnServer covers that Subscribe only returns after the
// acknowledgment, at which point the server-side subscription exists.
func TestSubscribeRegistersOnServer(t *testing.T) {
	relayHub, srv := newRelayServer(t)
	c := dialClient(t, srv.URL, "watcher")

	subscribe(t, c, testKey(), func(relay.PRKey, relay.Event) {})
	if subs := relayHub.Subscribers(testKey()); len(subs) != 1 || subs[0] != "watcher" {
		t.Fatalf("expected watcher subscribed, got %v", subs)
	}
}

// TestUnsubscribeStopsDelivery covers isolation after unsubscribe: once the
// acknowledgment was observed no further events reach the handler.
func TestUnsubscribeStopsDelivery(t *testing.T) {
	relayHub, srv := newRelayServer(t)
	c := dialClient(t, srv.URL, "watcher")

	received := make(chan relay.Event, 1)
	subscribe(t, c, testKey(), func(key relay.PRKey, event relay.Event) {
		received <- event
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Unsubscribe(ctx, testKey()); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	delivered, _ := relayHub.Fanout(testKey(), webhookFrame(t, testKey(), testEvent()))
	if delivered != 0 {
		t.Fatalf("expected 0 deliveries after unsubscribe, got %d", delivered)
	}
	select {
	case <-received:
		t.Fatalf("expected no handler invocation after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestPingRoundTrip covers the ping control frame.
func TestPingRoundTrip(t *testing.T) {
	_, srv := newRelayServer(t)
	c := dialClient(t, srv.URL, "watcher")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

// TestDialReturnsAfterFailedAttempt covers readiness on the failure path: a
// dead server must not hang Dial, and the client keeps retrying afterwards.
func TestDialReturnsAfterFailedAttempt(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, addr, "watcher", WithLogger(log.New(io.Discard, "", 0)), WithBackoff(50*time.Millisecond))
	if err != nil {
		t.Fatalf("expected dial to return despite dead server, got %v", err)
	}
	defer func() { _ = c.Close() }()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer pingCancel()
	if err := c.Ping(pingCtx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected while down, got %v", err)
	}
}

// TestReconnectDoesNotReplaySubscriptions covers the reconnection loop: the
// client comes back by itself, but server-side subscriptions are gone until
// the caller subscribes again.
func TestReconnectDoesNotReplaySubscriptions(t *testing.T) {
	relayHub, srv := newRelayServer(t)
	c := dialClient(t, srv.URL, "watcher", WithBackoff(50*time.Millisecond))

	subscribe(t, c, testKey(), func(relay.PRKey, relay.Event) {})
	srv.CloseClientConnections()

	deadline := time.Now().Add(3 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		err := c.Ping(ctx)
		cancel()
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected reconnection, last ping error: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	if subs := relayHub.Subscribers(testKey()); len(subs) != 0 {
		t.Fatalf("expected no replayed subscriptions, got %v", subs)
	}

	subscribe(t, c, testKey(), func(relay.PRKey, relay.Event) {})
	if subs := relayHub.Subscribers(testKey()); len(subs) != 1 {
		t.Fatalf("expected re-subscription to register, got %v", subs)
	}
}

// TestSubscribeAckTimeout covers WithAckTimeout against a server that accepts
// the connection but never acknowledges anything.
func TestSubscribeAckTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{instance}", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := dialClient(t, srv.URL, "watcher", WithAckTimeout(100*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.Subscribe(ctx, testKey(), func(relay.PRKey, relay.Event) {})
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("expected ErrAckTimeout, got %v", err)
	}
}

// TestDispatchDropsUnhandledWebhook covers the silent drop of events whose
// key has no registered handler.
func TestDispatchDropsUnhandledWebhook(t *testing.T) {
	c := &Client{
		handlers: make(map[relay.PRKey]Handler),
		pending:  make(map[relay.PRKey][]chan struct{}),
		logger:   log.New(io.Discard, "", 0),
	}
	invoked := false
	other := relay.PRKey{Owner: "octocat", Repo: "hello-world", Number: 7}
	c.handlers[other] = func(relay.PRKey, relay.Event) { invoked = true }

	key := testKey()
	event := testEvent()
	c.dispatch(relay.ServerMessage{Type: relay.TypeWebhook, Key: &key, Event: &event})

	if invoked {
		t.Fatalf("expected handler for a different key to stay untouched")
	}
}

// TestWSURL covers endpoint construction from the accepted address forms.
func TestWSURL(t *testing.T) {
	cases := []struct {
		addr     string
		instance string
		want     string
	}{
		{"127.0.0.1:8080", "ci", "ws://127.0.0.1:8080/ws/ci"},
		{"http://relay.internal", "ci", "ws://relay.internal/ws/ci"},
		{"https://relay.internal/base/", "ci", "wss://relay.internal/base/ws/ci"},
		{"ws://relay.internal", "agent one", "ws://relay.internal/ws/agent%20one"},
	}
	for _, tc := range cases {
		got, err := wsURL(tc.addr, tc.instance)
		if err != nil {
			t.Fatalf("wsURL(%q): %v", tc.addr, err)
		}
		if got != tc.want {
			t.Fatalf("wsURL(%q) = %q, want %q", tc.addr, got, tc.want)
		}
	}

	if _, err := wsURL("ftp://relay.internal", "ci"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}
