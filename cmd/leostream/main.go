package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rjboer/leostream/internal/app"
	"github.com/rjboer/leostream/internal/config"
	"github.com/rjboer/leostream/internal/logging"
	"github.com/rjboer/leostream/internal/mdns"
	"github.com/rjboer/leostream/internal/recorder"
	"github.com/rjboer/leostream/internal/storage"
	"github.com/rjboer/leostream/internal/telemetry"
	"github.com/rjboer/leostream/internal/transport"
)

func main() {
	cfg, err := loadConfig(os.Args[1:], os.LookupEnv)
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Stderr); err != nil {
		log.Fatalf("leostream: %v", err)
	}
}

// loadConfig layers defaults, an optional YAML file, LEO_* environment
// variables and command line flags, in increasing precedence.
func loadConfig(args []string, lookup func(string) (string, bool)) (config.File, error) {
	base := config.Defaults()
	if path := configPath(args, lookup); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.File{}, err
		}
		base = loaded
	}
	return parseConfig(args, lookup, base)
}

// configPath finds -config before the full flag set is built, since the file
// supplies the defaults of every other flag.
func configPath(args []string, lookup func(string) (string, bool)) string {
	for i, a := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return envString(lookup, "LEO_CONFIG", "")
}

func parseConfig(args []string, lookup func(string) (string, bool), defaults config.File) (config.File, error) {
	cfg := defaults
	st, set := &cfg.Stream, &cfg.Settings

	pathLossDefault := -1.0
	if st.PathLossdB != nil {
		pathLossDefault = *st.PathLossdB
	}
	var pathLoss float64

	fs := flag.NewFlagSet("leostream", flag.ContinueOnError)
	fs.String("config", envString(lookup, "LEO_CONFIG", ""), "YAML configuration file")
	fs.Float64Var(&st.SampleRate, "sample-rate", envFloat(lookup, "LEO_SAMPLE_RATE", st.SampleRate), "Sample rate in Hz")
	fs.DurationVar(&st.FrameDuration, "frame-duration", envDuration(lookup, "LEO_FRAME_DURATION", st.FrameDuration), "Frame period")
	fs.Float64Var(&st.CarrierFrequency, "carrier", envFloat(lookup, "LEO_CARRIER", st.CarrierFrequency), "Carrier frequency in Hz")
	fs.Float64Var(&st.DefaultSNRdB, "snr", envFloat(lookup, "LEO_SNR_DB", st.DefaultSNRdB), "SNR in dB relative to the received signal")
	fs.Float64Var(&st.DopplerBoundHz, "doppler-bound", envFloat(lookup, "LEO_DOPPLER_BOUND", st.DopplerBoundHz), "Symmetric Doppler bound in Hz")
	fs.Float64Var(&st.DelayMinMs, "delay-min", envFloat(lookup, "LEO_DELAY_MIN_MS", st.DelayMinMs), "Minimum propagation delay in ms")
	fs.Float64Var(&st.DelayMaxMs, "delay-max", envFloat(lookup, "LEO_DELAY_MAX_MS", st.DelayMaxMs), "Maximum propagation delay in ms")
	fs.Float64Var(&pathLoss, "path-loss", envFloat(lookup, "LEO_PATH_LOSS_DB", pathLossDefault), "Fixed path loss in dB (negative derives it from free-space loss)")
	fs.Float64Var(&st.AltitudeKm, "altitude", envFloat(lookup, "LEO_ALTITUDE_KM", st.AltitudeKm), "Slant distance in km for the derived path loss")
	fs.StringVar(&st.BindEndpoint, "bind", envString(lookup, "LEO_BIND", st.BindEndpoint), "Stream endpoint (tcp://*:5555)")
	fs.Uint64Var(&st.Seed, "seed", envUint64(lookup, "LEO_SEED", st.Seed), "Random seed (0 picks one from the clock)")
	fs.StringVar(&set.LogLevel, "log-level", envString(lookup, "LEO_LOG_LEVEL", set.LogLevel), "Log level (debug|info|warn|error)")
	fs.StringVar(&set.LogFormat, "log-format", envString(lookup, "LEO_LOG_FORMAT", set.LogFormat), "Log format (text|json)")
	fs.StringVar(&set.MonitorAddr, "monitor-addr", envString(lookup, "LEO_MONITOR_ADDR", set.MonitorAddr), "Optional monitor HTTP address (e.g. :9090)")
	fs.IntVar(&set.HistoryLimit, "history-limit", envInt(lookup, "LEO_HISTORY_LIMIT", set.HistoryLimit), "Frames kept in monitor history")
	fs.IntVar(&set.SpectrumEvery, "spectrum-every", envInt(lookup, "LEO_SPECTRUM_EVERY", set.SpectrumEvery), "Compute a monitor spectrum every N frames (0 disables)")
	fs.Uint64Var(&set.MissLogEvery, "miss-log-every", envUint64(lookup, "LEO_MISS_LOG_EVERY", set.MissLogEvery), "Log a deadline miss summary every N misses")
	fs.BoolVar(&set.Advertise, "advertise", envBool(lookup, "LEO_ADVERTISE", set.Advertise), "Advertise the stream over mDNS")
	fs.StringVar(&set.InstanceName, "instance", envString(lookup, "LEO_INSTANCE", set.InstanceName), "mDNS instance name")
	fs.StringVar(&set.RecordPath, "record", envString(lookup, "LEO_RECORD", set.RecordPath), "Optional parquet channel trace path")
	fs.StringVar(&set.SessionDB, "session-db", envString(lookup, "LEO_SESSION_DB", set.SessionDB), "Optional SQLite session database path")

	if err := fs.Parse(args); err != nil {
		return config.File{}, err
	}
	if pathLoss >= 0 {
		st.PathLossdB = &pathLoss
	} else {
		st.PathLossdB = nil
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.File, logOut io.Writer) error {
	level, err := logging.ParseLevel(cfg.Settings.LogLevel)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(cfg.Settings.LogFormat)
	if err != nil {
		return err
	}
	logger := logging.New(level, format, logOut)
	logging.SetDefault(logger)

	if err := cfg.Stream.Validate(); err != nil {
		return err
	}

	srv, err := transport.Listen(cfg.Stream.BindEndpoint, transport.WithLogger(logger))
	if err != nil {
		return err
	}
	owned := true
	defer func() {
		if owned {
			_ = srv.Close()
		}
	}()
	go func() {
		if err := srv.Serve(); err != nil && !errors.Is(err, transport.ErrClosed) {
			logger.Error("stream server stopped", logging.Err(err))
		}
	}()
	logger.Info("stream endpoint bound", logging.String("endpoint", cfg.Stream.BindEndpoint), logging.String("url", srv.URL()))

	deps := app.Deps{
		Transport: srv,
		Logger:    logger,
		Reporter:  telemetry.NewLogReporter(logger, framesPerSecond(cfg.Stream.FrameDuration)),
	}

	if cfg.Settings.MonitorAddr != "" {
		hub := telemetry.NewHub(cfg.Settings.HistoryLimit, logger)
		web := telemetry.NewWebServer(cfg.Settings.MonitorAddr, hub, logger)
		ln, err := web.Listen()
		if err != nil {
			return err
		}
		go func() {
			if err := web.Serve(ctx, ln); err != nil {
				logger.Error("monitor stopped", logging.Err(err))
			}
		}()
		deps.Hub = hub
	}

	if cfg.Settings.RecordPath != "" {
		rec, err := recorder.Create(cfg.Settings.RecordPath, cfg.Stream, 0)
		if err != nil {
			return err
		}
		deps.Recorder = rec
	}

	if cfg.Settings.SessionDB != "" {
		store, err := storage.Open(cfg.Settings.SessionDB)
		if err != nil {
			if deps.Recorder != nil {
				_ = deps.Recorder.Close()
			}
			return err
		}
		defer store.Close()
		deps.Sessions = store
	}

	streamer, err := app.New(cfg, deps)
	if err != nil {
		if deps.Recorder != nil {
			_ = deps.Recorder.Close()
		}
		return err
	}
	owned = false

	if cfg.Settings.Advertise {
		if tcp, ok := srv.Addr().(*net.TCPAddr); ok {
			stopAdvertising := startAdvertising(ctx, func(ctx context.Context) (*mdns.Advertisement, error) {
				return mdns.Advertise(ctx, cfg.Settings.InstanceName, tcp.Port, advertisedTXT(cfg), 10*time.Second, logger)
			}, logger)
			defer stopAdvertising()
		}
	}

	logger.Info("streaming (Ctrl+C to stop)")
	return streamer.Run(ctx)
}

// startAdvertising registers the service in the background so a slow or
// failing mDNS responder never delays the first frame. The returned func
// abandons a pending registration and withdraws a completed one.
func startAdvertising(ctx context.Context, advertise func(context.Context) (*mdns.Advertisement, error), logger logging.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan *mdns.Advertisement, 1)
	go func() {
		adv, err := advertise(ctx)
		if err != nil {
			logger.Warn("stream not advertised", logging.Err(err))
		}
		done <- adv
	}()
	return func() {
		cancel()
		(<-done).Shutdown()
	}
}

func advertisedTXT(cfg config.File) []string {
	return []string{
		"path=" + transport.StreamPath,
		"sample_rate=" + strconv.FormatFloat(cfg.Stream.SampleRate, 'f', -1, 64),
		"frame_ms=" + strconv.FormatFloat(float64(cfg.Stream.FrameDuration)/float64(time.Millisecond), 'f', -1, 64),
		"num_samples=" + strconv.Itoa(cfg.Stream.NumSamples()),
		"format=cf32le",
	}
}

func framesPerSecond(period time.Duration) uint64 {
	if period <= 0 || period >= time.Second {
		return 1
	}
	return uint64(time.Second / period)
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envUint64(lookup func(string) (string, bool), key string, def uint64) uint64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseUint(val, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
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

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}
