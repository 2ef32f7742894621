// Command streamprobe subscribes to a leostream endpoint, found by URL or by
// mDNS, and reports frame rate, frame id gaps and payload integrity. It
// reconnects with exponential backoff when the stream goes away.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	humanize "github.com/dustin/go-humanize"

	"github.com/rjboer/leostream/internal/logging"
	"github.com/rjboer/leostream/internal/mdns"
	"github.com/rjboer/leostream/internal/transport"
	"github.com/rjboer/leostream/internal/wire"
)

type options struct {
	URL             string
	DiscoverTimeout time.Duration
	ReportEvery     time.Duration
	GiveUp          time.Duration
	Frames          uint64
	LogLevel        string
}

func main() {
	opts, err := parseOptions(os.Args[1:], os.LookupEnv)
	if err != nil {
		log.Fatalf("parse options: %v", err)
	}
	level, err := logging.ParseLevel(opts.LogLevel)
	if err != nil {
		log.Fatalf("parse options: %v", err)
	}
	logger := logging.New(level, logging.Text, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	url := opts.URL
	if url == "" {
		url, err = discover(ctx, opts.DiscoverTimeout, logger)
		if err != nil {
			log.Fatalf("streamprobe: %v", err)
		}
	}

	p := newProbe(time.Now())
	err = follow(ctx, url, opts, p, logger)
	p.log(logger, time.Now())
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("streamprobe: %v", err)
	}
}

func parseOptions(args []string, lookup func(string) (string, bool)) (options, error) {
	opts := options{
		URL:             envString(lookup, "LEO_PROBE_URL", ""),
		DiscoverTimeout: envDuration(lookup, "LEO_PROBE_DISCOVER", 5*time.Second),
		ReportEvery:     envDuration(lookup, "LEO_PROBE_REPORT", 5*time.Second),
		GiveUp:          envDuration(lookup, "LEO_PROBE_GIVE_UP", 0),
		LogLevel:        envString(lookup, "LEO_LOG_LEVEL", "info"),
	}
	fs := flag.NewFlagSet("streamprobe", flag.ContinueOnError)
	fs.StringVar(&opts.URL, "url", opts.URL, "Stream URL (ws://host:5555/stream); empty discovers one over mDNS")
	fs.DurationVar(&opts.DiscoverTimeout, "discover", opts.DiscoverTimeout, "mDNS browse timeout")
	fs.DurationVar(&opts.ReportEvery, "report", opts.ReportEvery, "Interval between progress reports")
	fs.DurationVar(&opts.GiveUp, "give-up", opts.GiveUp, "Stop reconnecting after this long without a connection (0 retries forever)")
	fs.Uint64Var(&opts.Frames, "frames", 0, "Exit after this many frames (0 runs until interrupted)")
	fs.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "Log level (debug|info|warn|error)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.ReportEvery <= 0 {
		return options{}, fmt.Errorf("report interval must be positive, got %v", opts.ReportEvery)
	}
	return opts, nil
}

func discover(ctx context.Context, timeout time.Duration, logger logging.Logger) (string, error) {
	logger.Info("browsing for streamers", logging.String("service", mdns.ServiceType), logging.Duration("timeout", timeout))
	hosts, err := mdns.Discover(ctx, timeout)
	if err != nil {
		return "", err
	}
	if len(hosts) == 0 {
		return "", errors.New("no streamer found")
	}
	for _, h := range hosts {
		rate, _ := h.TXTValue("sample_rate")
		logger.Info("streamer found",
			logging.String("instance", h.Instance),
			logging.String("url", h.StreamURL()),
			logging.String("sample_rate", rate))
	}
	return hosts[0].StreamURL(), nil
}

// errDone ends follow once the requested frame count is reached.
var errDone = errors.New("frame budget reached")

// follow keeps a subscription to url alive until ctx ends, the frame budget
// is spent, or reconnecting has failed for longer than opts.GiveUp.
func follow(ctx context.Context, url string, opts options, p *probe, logger logging.Logger) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = opts.GiveUp

	nextReport := time.Now().Add(opts.ReportEvery)
	op := func() error {
		sub, err := transport.Dial(ctx, url)
		if err != nil {
			return err
		}
		defer sub.Close()
		bo.Reset()
		p.connected()
		logger.Info("subscribed", logging.String("url", url), logging.Uint64("connects", p.connects))

		for {
			msg, err := sub.NextRaw(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				return err
			}
			now := time.Now()
			if bad := p.observe(msg, now); bad != nil {
				logger.Warn("corrupt frame", logging.Err(bad))
			}
			if now.After(nextReport) {
				p.log(logger, now)
				nextReport = now.Add(opts.ReportEvery)
			}
			if opts.Frames > 0 && p.frames >= opts.Frames {
				return backoff.Permanent(errDone)
			}
		}
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("stream lost, reconnecting", logging.Err(err), logging.Duration("retry_in", wait))
	}

	err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
	if errors.Is(err, errDone) {
		return nil
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// probe tallies what a subscriber has seen. Frame ids restart whenever the
// streamer restarts, so continuity is tracked per connection.
type probe struct {
	started  time.Time
	connects uint64

	frames    uint64
	corrupt   uint64
	gaps      uint64 // frames missing between consecutive ids
	reordered uint64 // ids at or below the previous one
	bytes     uint64

	haveLast bool
	lastID   uint64
	lastSeen time.Time

	// since the previous report
	windowStart  time.Time
	windowFrames uint64
	windowBytes  uint64
}

func newProbe(now time.Time) *probe {
	return &probe{started: now, windowStart: now}
}

func (p *probe) connected() {
	p.connects++
	p.haveLast = false
}

// observe accounts for one envelope and returns an error describing why the
// frame is corrupt, if it is.
func (p *probe) observe(msg []byte, now time.Time) error {
	p.bytes += uint64(len(msg))
	p.windowBytes += uint64(len(msg))

	meta, iq, err := wire.Decode(msg)
	if err == nil {
		err = checkFrame(meta, iq)
	}
	if err != nil {
		p.corrupt++
		return err
	}

	p.frames++
	p.windowFrames++
	if p.haveLast {
		switch {
		case meta.FrameID > p.lastID+1:
			p.gaps += meta.FrameID - p.lastID - 1
		case meta.FrameID <= p.lastID:
			p.reordered++
		}
	}
	p.haveLast = true
	p.lastID = meta.FrameID
	p.lastSeen = now
	return nil
}

func checkFrame(meta wire.Metadata, iq []complex64) error {
	if meta.SampleRate <= 0 {
		return fmt.Errorf("frame %d: sample rate %v", meta.FrameID, meta.SampleRate)
	}
	if meta.NumSamples != len(iq) {
		return fmt.Errorf("frame %d: %d samples, header says %d", meta.FrameID, len(iq), meta.NumSamples)
	}
	for i, v := range iq {
		re, im := float64(real(v)), float64(imag(v))
		if math.IsNaN(re) || math.IsNaN(im) || math.IsInf(re, 0) || math.IsInf(im, 0) {
			return fmt.Errorf("frame %d: sample %d is not finite", meta.FrameID, i)
		}
	}
	return nil
}

// log emits a progress line and opens a new rate window.
func (p *probe) log(logger logging.Logger, now time.Time) {
	window := now.Sub(p.windowStart)
	fps, rate := 0.0, 0.0
	if window > 0 {
		fps = float64(p.windowFrames) / window.Seconds()
		rate = float64(p.windowBytes) / window.Seconds()
	}
	fields := []logging.Field{
		logging.Uint64("frames", p.frames),
		logging.String("fps", strconv.FormatFloat(fps, 'f', 1, 64)),
		logging.String("throughput", humanize.Bytes(uint64(rate))+"/s"),
		logging.String("received", humanize.Bytes(p.bytes)),
		logging.Uint64("gaps", p.gaps),
		logging.Uint64("reordered", p.reordered),
		logging.Uint64("corrupt", p.corrupt),
		logging.Uint64("connects", p.connects),
	}
	if p.haveLast {
		fields = append(fields, logging.Uint64("last_id", p.lastID))
	}
	if p.gaps > 0 || p.corrupt > 0 {
		logger.Warn("probe report", fields...)
	} else {
		logger.Info("probe report", fields...)
	}
	p.windowStart = now
	p.windowFrames = 0
	p.windowBytes = 0
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}

func envDuration(lookup func(string) (string, bool), key string, def time.Duration) time.Duration {
	if val, ok := lookup(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return def
}
