package main

import (
	"context"
	"math"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rjboer/leostream/internal/baseband"
	"github.com/rjboer/leostream/internal/logging"
	"github.com/rjboer/leostream/internal/transport"
	"github.com/rjboer/leostream/internal/wire"
)

func encode(t *testing.T, id uint64, iq []complex64) []byte {
	t.Helper()
	msg, err := wire.Encode(baseband.Frame{
		ID:         id,
		Timestamp:  time.Unix(1_700_000_000, 0),
		SampleRate: 1e6,
		NumSamples: len(iq),
		IQ:         iq,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return msg
}

func TestParseOptions(t *testing.T) {
	env := map[string]string{"LEO_PROBE_URL": "ws://a:1/stream", "LEO_PROBE_REPORT": "1s"}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	opts, err := parseOptions([]string{"-frames", "10"}, lookup)
	if err != nil {
		t.Fatalf("parseOptions: %v", err)
	}
	if opts.URL != "ws://a:1/stream" || opts.ReportEvery != time.Second || opts.Frames != 10 || opts.GiveUp != 0 {
		t.Fatalf("unexpected options %+v", opts)
	}
	if _, err := parseOptions([]string{"-report", "0s"}, lookup); err == nil {
		t.Fatalf("expected error for zero report interval")
	}
}

func TestProbeCountsGapsAndReorders(t *testing.T) {
	now := time.Unix(0, 0)
	p := newProbe(now)
	p.connected()
	iq := make([]complex64, 16)
	for _, id := range []uint64{0, 1, 4, 5, 5, 2} {
		if err := p.observe(encode(t, id, iq), now); err != nil {
			t.Fatalf("observe %d: %v", id, err)
		}
	}
	if p.frames != 6 || p.gaps != 2 || p.reordered != 2 || p.lastID != 2 {
		t.Fatalf("frames=%d gaps=%d reordered=%d last=%d", p.frames, p.gaps, p.reordered, p.lastID)
	}

	// a reconnect restarts continuity tracking
	p.connected()
	if err := p.observe(encode(t, 0, iq), now); err != nil {
		t.Fatalf("observe after reconnect: %v", err)
	}
	if p.reordered != 2 || p.connects != 2 {
		t.Fatalf("reconnect treated as reorder: %+v", p)
	}
}

func TestProbeFlagsCorruptFrames(t *testing.T) {
	p := newProbe(time.Now())
	good := encode(t, 0, make([]complex64, 8))

	if err := p.observe(good[:len(good)-3], time.Now()); err == nil {
		t.Fatalf("truncated payload accepted")
	}
	nan := make([]complex64, 8)
	nan[5] = complex(float32(math.NaN()), 0)
	if err := p.observe(encode(t, 1, nan), time.Now()); err == nil || !strings.Contains(err.Error(), "sample 5") {
		t.Fatalf("NaN sample not reported: %v", err)
	}
	if p.corrupt != 2 || p.frames != 0 {
		t.Fatalf("corrupt=%d frames=%d", p.corrupt, p.frames)
	}
}

func TestProbeLogResetsWindow(t *testing.T) {
	start := time.Unix(0, 0)
	p := newProbe(start)
	for i := uint64(0); i < 10; i++ {
		_ = p.observe(encode(t, i, make([]complex64, 4)), start)
	}
	var out strings.Builder
	p.log(logging.New(logging.Info, logging.Text, &out), start.Add(time.Second))
	if !strings.Contains(out.String(), "fps=10.0") {
		t.Fatalf("unexpected report: %s", out.String())
	}
	if p.windowFrames != 0 || p.frames != 10 {
		t.Fatalf("window not reset: %+v", p)
	}
}

func TestFollowStopsAfterFrameBudget(t *testing.T) {
	srv, err := transport.Listen("tcp://127.0.0.1:0", transport.WithLogger(logging.Nop()))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()
	go srv.Serve()

	msgs := make([][]byte, 1000)
	for i := range msgs {
		msgs[i] = encode(t, uint64(i), make([]complex64, 32))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		tick := time.NewTicker(5 * time.Millisecond)
		defer tick.Stop()
		for _, msg := range msgs {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				srv.Offer(msg)
			}
		}
	}()

	p := newProbe(time.Now())
	opts := options{ReportEvery: time.Hour, Frames: 5}
	if err := follow(ctx, srv.URL(), opts, p, logging.Nop()); err != nil {
		t.Fatalf("follow: %v", err)
	}
	if p.frames != 5 || p.corrupt != 0 || p.connects != 1 {
		t.Fatalf("frames=%d corrupt=%d connects=%d", p.frames, p.corrupt, p.connects)
	}
}

func TestFollowGivesUpWithoutStreamer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	url := "ws://" + ln.Addr().String() + "/stream"
	ln.Close()

	opts := options{ReportEvery: time.Hour, GiveUp: 300 * time.Millisecond}
	start := time.Now()
	err = follow(context.Background(), url, opts, newProbe(start), logging.Nop())
	if err == nil {
		t.Fatalf("expected error when nothing is listening")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("gave up too late: %v", time.Since(start))
	}
}
