package transport

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func startRelay(t *testing.T) (*Hub, *HubServer, string) {
	t.Helper()
	hub := NewHub(nil, nil)
	srv := NewHubServer(hub, nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		hub.Close()
	})
	return hub, srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *HubClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := DialHub(ctx, url, nil)
	if err != nil {
		t.Fatalf("DialHub: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("Timeout waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEnvelope(t *testing.T) {
	msg := appendEnvelope(nil, "airwave/audio", []byte{1, 2, 3})
	topic, payload, err := parseEnvelope(msg)
	if err != nil {
		t.Fatalf("parseEnvelope: %v", err)
	}
	if topic != "airwave/audio" || len(payload) != 3 || payload[2] != 3 {
		t.Errorf("got topic %q payload %v", topic, payload)
	}

	for _, bad := range [][]byte{nil, {0x00}, {0x05, 'a'}} {
		if _, _, err := parseEnvelope(bad); err == nil {
			t.Errorf("parseEnvelope(%v) should fail", bad)
		}
	}
}

func TestHubClientRelaysChunks(t *testing.T) {
	_, _, url := startRelay(t)
	listener := dial(t, url)
	publisher := dial(t, url)

	got := make(chan []byte, 10)
	if _, err := listener.Subscribe("a", func(chunk []byte) { got <- chunk }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "subscriber count", func() bool { return publisher.SubscriberCount("a") == 1 })

	for i := 0; i < 3; i++ {
		if err := publisher.Publish(context.Background(), "a", []byte{byte(i)}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case chunk := <-got:
			if chunk[0] != byte(i) {
				t.Errorf("chunk %d = %v", i, chunk)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Timeout waiting for relayed chunk")
		}
	}
}

func TestHubClientNoEcho(t *testing.T) {
	_, _, url := startRelay(t)
	talker := dial(t, url)
	other := dial(t, url)

	self := make(chan []byte, 10)
	talker.Subscribe("a", func(chunk []byte) { self <- chunk })
	heard := make(chan []byte, 10)
	other.Subscribe("a", func(chunk []byte) { heard <- chunk })
	waitFor(t, "two subscribers", func() bool { return talker.SubscriberCount("a") == 2 })

	talker.Publish(context.Background(), "a", []byte("hello"))

	select {
	case <-heard:
	case <-time.After(2 * time.Second):
		t.Fatal("other peer did not receive chunk")
	}
	select {
	case <-self:
		t.Error("talker received its own chunk")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubClientCountFollowsUnsubscribe(t *testing.T) {
	hub, srv, url := startRelay(t)
	a := dial(t, url)
	b := dial(t, url)

	cancelA, _ := a.Subscribe("a", func([]byte) {})
	b.Subscribe("a", func([]byte) {})
	waitFor(t, "relay count 2", func() bool { return hub.SubscriberCount("a") == 2 })
	if srv.PeerCount() != 2 {
		t.Errorf("PeerCount = %d, want 2", srv.PeerCount())
	}

	cancelA()
	cancelA()
	waitFor(t, "client count 1", func() bool { return b.SubscriberCount("a") == 1 })

	b.Close()
	waitFor(t, "relay count 0", func() bool { return hub.SubscriberCount("a") == 0 })
}

func TestHubClientLocalFanOut(t *testing.T) {
	hub, _, url := startRelay(t)
	c := dial(t, url)

	c1, _ := c.Subscribe("a", func([]byte) {})
	c2, _ := c.Subscribe("a", func([]byte) {})
	waitFor(t, "relay subscription", func() bool { return hub.SubscriberCount("a") == 1 })

	// the relay sees one subscription per client, not per local handler
	c1()
	time.Sleep(50 * time.Millisecond)
	if hub.SubscriberCount("a") != 1 {
		t.Errorf("relay count after one local cancel = %d, want 1", hub.SubscriberCount("a"))
	}
	c2()
	waitFor(t, "relay unsubscribe", func() bool { return hub.SubscriberCount("a") == 0 })
}

func TestHubClientClose(t *testing.T) {
	_, _, url := startRelay(t)
	c := dial(t, url)
	c.Close()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	err := c.Publish(context.Background(), "a", []byte("x"))
	if !errors.Is(err, ErrTransport) || !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after Close err = %v", err)
	}
}

func TestDialHubFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := DialHub(ctx, "ws://127.0.0.1:1/ws", nil)
	var de *DialError
	if !errors.As(err, &de) || !errors.Is(err, ErrTransport) {
		t.Errorf("DialHub err = %v, want *DialError", err)
	}
}

func TestHubClientRejectsOversizedChunk(t *testing.T) {
	_, _, url := startRelay(t)
	c := dial(t, url)
	err := c.Publish(context.Background(), "a", make([]byte, MaxFrameSize+1))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Publish oversized err = %v, want ErrFrameTooLarge", err)
	}
}
