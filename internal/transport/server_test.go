package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rjboer/leostream/internal/logging"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	s, err := Listen("tcp://127.0.0.1:0", WithLogger(logging.Nop()))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- s.Serve() }()
	t.Cleanup(func() {
		_ = s.Close()
		select {
		case err := <-served:
			if !errors.Is(err, ErrClosed) {
				t.Errorf("serve returned %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Errorf("serve did not return after close")
		}
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		in, want string
		wantErr  bool
	}{
		{"tcp://*:5555", ":5555", false},
		{"tcp://127.0.0.1:6000", "127.0.0.1:6000", false},
		{"localhost:7000", "localhost:7000", false},
		{"ws://[::1]:8000", "[::1]:8000", false},
		{"ipc:///tmp/feed", "", true},
		{"no-port", "", true},
	}
	for _, tc := range cases {
		got, err := ParseEndpoint(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ParseEndpoint(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("ParseEndpoint(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestListenFailsWhenEndpointTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer ln.Close()
	if _, err := Listen("tcp://"+ln.Addr().String(), WithLogger(logging.Nop())); err == nil {
		t.Fatalf("expected bind failure on an occupied endpoint")
	}
}

func TestOfferWithoutSubscribersNeverBlocks(t *testing.T) {
	s := startServer(t)
	msg := make([]byte, 1<<20)
	for i := 0; i < 100; i++ {
		start := time.Now()
		if n := s.Offer(msg); n != 0 {
			t.Fatalf("offer %d accepted by %d subscribers, want 0", i, n)
		}
		if d := time.Since(start); d > 10*time.Millisecond {
			t.Fatalf("offer %d took %v", i, d)
		}
	}
}

func TestSubscriberReceivesMessagesInOrder(t *testing.T) {
	s := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := Dial(ctx, s.URL())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sub.Close()
	waitFor(t, "subscriber registration", func() bool { return s.Subscribers() == 1 })

	for i := byte(0); i < 5; i++ {
		msg := []byte{i, i, i}
		waitFor(t, "free slot", func() bool { return s.Offer(msg) == 1 })
		got, err := sub.NextRaw(ctx)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("message %d = %v, want %v", i, got, msg)
		}
	}
	if delivered, _ := s.Counters(); delivered < 5 {
		t.Fatalf("delivered counter %d, want >= 5", delivered)
	}
}

func TestStalledSubscriberDoesNotBlockOffer(t *testing.T) {
	s := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := Dial(ctx, s.URL())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sub.Close()
	waitFor(t, "subscriber registration", func() bool { return s.Subscribers() == 1 })

	// The subscriber never reads; its socket buffers fill and Offer must keep
	// returning immediately.
	msg := make([]byte, 4<<20)
	accepted := 0
	for i := 0; i < 50; i++ {
		start := time.Now()
		accepted += s.Offer(msg)
		if d := time.Since(start); d > 10*time.Millisecond {
			t.Fatalf("offer %d blocked for %v", i, d)
		}
	}
	if accepted == 50 {
		t.Fatalf("a stalled subscriber should have missed some messages")
	}
	if _, skipped := s.Counters(); skipped == 0 {
		t.Fatalf("expected skipped deliveries to be counted")
	}
}

func TestCloseDisconnectsSubscribers(t *testing.T) {
	s, err := Listen("127.0.0.1:0", WithLogger(logging.Nop()))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go s.Serve()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := Dial(ctx, s.URL())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sub.Close()
	waitFor(t, "subscriber registration", func() bool { return s.Subscribers() == 1 })

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := sub.NextRaw(ctx); err == nil {
		t.Fatalf("expected read error after server close")
	}
	if s.Offer([]byte{1}) != 0 {
		t.Fatalf("closed server should not accept messages")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
