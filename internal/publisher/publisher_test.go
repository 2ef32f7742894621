package publisher

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/rjboer/leostream/internal/baseband"
	"github.com/rjboer/leostream/internal/channel"
	"github.com/rjboer/leostream/internal/config"
	"github.com/rjboer/leostream/internal/logging"
	"github.com/rjboer/leostream/internal/transport"
	"github.com/rjboer/leostream/internal/wire"
)

type fakeTransport struct {
	mu       sync.Mutex
	accept   int
	messages [][]byte
}

func (f *fakeTransport) Offer(msg []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accept > 0 {
		f.messages = append(f.messages, msg)
	}
	return f.accept
}

func frames(t *testing.T, cfg config.Stream, n int) []baseband.Frame {
	t.Helper()
	rng := channel.NewRand(12)
	model := channel.New(cfg)
	gen := baseband.NewGenerator(cfg, rng)
	out := make([]baseband.Frame, n)
	for i := range out {
		out[i] = gen.Generate(model.Sample(rng), uint64(i), time.Now())
	}
	return out
}

func smallConfig() config.Stream {
	cfg := config.Defaults().Stream
	cfg.SampleRate = 512e3
	return cfg
}

func TestPublishOutcomes(t *testing.T) {
	ft := &fakeTransport{}
	p := New(ft, logging.Nop())
	fs := frames(t, smallConfig(), 3)

	if got := p.Publish(fs[0]); got != Dropped {
		t.Fatalf("expected dropped with no subscribers, got %v", got)
	}
	ft.accept = 2
	if got := p.Publish(fs[1]); got != Sent {
		t.Fatalf("expected sent, got %v", got)
	}
	if got := p.Publish(fs[2]); got != Sent {
		t.Fatalf("expected sent, got %v", got)
	}

	stats := p.Stats()
	if stats.Sent != 2 || stats.Dropped != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(ft.messages) != 2 {
		t.Fatalf("transport saw %d messages", len(ft.messages))
	}
	meta, iq, err := wire.Decode(ft.messages[1])
	if err != nil {
		t.Fatalf("decode published message: %v", err)
	}
	if meta.FrameID != 2 || len(iq) != fs[2].NumSamples {
		t.Fatalf("published message does not match frame: %+v", meta)
	}
	if stats.BytesSent != uint64(len(ft.messages[0])+len(ft.messages[1])) {
		t.Fatalf("bytes sent %d", stats.BytesSent)
	}
}

func TestOutcomeString(t *testing.T) {
	if Sent.String() != "sent" || Dropped.String() != "dropped" || Outcome(9).String() != "unknown" {
		t.Fatalf("unexpected outcome strings")
	}
}

// TestAbsentSubscriberDoesNotBlockOrBuffer publishes 100 full-size frames to a
// real transport with nobody connected.
func TestAbsentSubscriberDoesNotBlockOrBuffer(t *testing.T) {
	srv, err := transport.Listen("127.0.0.1:0", transport.WithLogger(logging.Nop()))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve()
	defer srv.Close()

	cfg := config.Defaults().Stream
	p := New(srv, logging.Nop())
	rng := channel.NewRand(4)
	model := channel.New(cfg)
	gen := baseband.NewGenerator(cfg, rng)
	frame := gen.Generate(model.Sample(rng), 0, time.Now())
	frameBytes := uint64(wire.PayloadSize(frame.NumSamples))

	runtime.GC()
	var before runtime.MemStats
	runtime.ReadMemStats(&before)

	for i := 0; i < 100; i++ {
		f := frame
		f.ID = uint64(i)
		start := time.Now()
		if got := p.Publish(f); got != Dropped {
			t.Fatalf("publish %d: expected dropped, got %v", i, got)
		}
		if d := time.Since(start); d > cfg.FrameDuration {
			t.Fatalf("publish %d took %v, longer than a frame period", i, d)
		}
	}

	runtime.GC()
	var after runtime.MemStats
	runtime.ReadMemStats(&after)
	if after.HeapAlloc > before.HeapAlloc && after.HeapAlloc-before.HeapAlloc > 4*frameBytes {
		t.Fatalf("heap grew by %d bytes over 100 dropped frames", after.HeapAlloc-before.HeapAlloc)
	}
	if stats := p.Stats(); stats.Dropped != 100 || stats.Sent != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestSubscriberSeesPublishedFrames(t *testing.T) {
	srv, err := transport.Listen("127.0.0.1:0", transport.WithLogger(logging.Nop()))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve()
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := transport.Dial(ctx, srv.URL())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sub.Close()
	for srv.Subscribers() == 0 {
		select {
		case <-ctx.Done():
			t.Fatalf("subscriber never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	p := New(srv, logging.Nop())
	for _, f := range frames(t, smallConfig(), 4) {
		if got := p.Publish(f); got != Sent {
			t.Fatalf("frame %d: expected sent, got %v", f.ID, got)
		}
		meta, iq, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("receive frame %d: %v", f.ID, err)
		}
		if meta.FrameID != f.ID || meta.NumSamples != f.NumSamples {
			t.Fatalf("received %+v for frame %d", meta, f.ID)
		}
		for i := range iq {
			if iq[i] != f.IQ[i] {
				t.Fatalf("frame %d sample %d differs", f.ID, i)
			}
		}
	}
}
