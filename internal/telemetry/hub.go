package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/rjboer/leostream/internal/dsp"
	"github.com/rjboer/leostream/internal/logging"
	"github.com/rjboer/leostream/internal/publisher"
	"github.com/rjboer/leostream/internal/scheduler"
)

// Config holds the monitor settings that can be changed at runtime. It is
// guarded by the hub's RWMutex.
type Config struct {
	HistoryLimit      int     `json:"historyLimit"`
	DegradedMissRatio float64 `json:"degradedMissRatio"`
}

const (
	minHistoryLimit = 1
	maxHistoryLimit = 10_000
)

func defaultConfig() Config {
	return Config{
		HistoryLimit:      500,
		DegradedMissRatio: 0.1,
	}
}

func validateConfig(cfg Config, base Config) (Config, error) {
	if base.HistoryLimit == 0 {
		base = defaultConfig()
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = base.HistoryLimit
	}
	if cfg.DegradedMissRatio == 0 {
		cfg.DegradedMissRatio = base.DegradedMissRatio
	}

	if cfg.HistoryLimit < minHistoryLimit || cfg.HistoryLimit > maxHistoryLimit {
		return Config{}, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}
	if cfg.DegradedMissRatio <= 0 || cfg.DegradedMissRatio > 1 {
		return Config{}, fmt.Errorf("degraded miss ratio must be in (0, 1]")
	}
	return cfg, nil
}

// Sample is one produced frame as seen by the monitor.
type Sample struct {
	FrameID    uint64        `json:"frameId"`
	Timestamp  time.Time     `json:"timestamp"`
	Outcome    string        `json:"outcome"`
	DopplerHz  float64       `json:"dopplerHz"`
	DelayMs    float64       `json:"delayMs"`
	PathLossdB float64       `json:"pathLossDb"`
	SNRdB      float64       `json:"snrDb"`
	Elapsed    time.Duration `json:"elapsed"`
	Miss       bool          `json:"miss"`
	Bytes      int           `json:"bytes"`
}

// Totals are the process-wide counters the monitor reports alongside its
// own history.
type Totals struct {
	Scheduler   scheduler.Stats `json:"scheduler"`
	Publisher   publisher.Stats `json:"publisher"`
	Subscribers int             `json:"subscribers"`
}

// SpectrumSnapshot is the spectrum of the most recently sampled frame.
type SpectrumSnapshot struct {
	FrameID   uint64       `json:"frameId"`
	Timestamp time.Time    `json:"timestamp"`
	Spectrum  dsp.Spectrum `json:"spectrum"`
}

// HealthStatus is the /api/health payload.
type HealthStatus struct {
	Status    string  `json:"status"`
	Reason    string  `json:"reason,omitempty"`
	Window    int     `json:"window"`
	Sent      int     `json:"sent"`
	Misses    int     `json:"misses"`
	MissRatio float64 `json:"missRatio"`
	Uptime    string  `json:"uptime"`
}

// StatsResponse is the /api/stats payload.
type StatsResponse struct {
	Totals     Totals  `json:"totals"`
	FrameRate  float64 `json:"frameRate"`
	Throughput string  `json:"throughput"`
	Uptime     string  `json:"uptime"`
}

// Hub keeps a bounded history of frame samples and fans them out to live
// subscribers.
type Hub struct {
	mu           sync.RWMutex
	history      []Sample
	historyLimit int
	subscribers  map[chan Sample]struct{}
	config       Config
	spectrum     *SpectrumSnapshot
	totals       func() Totals
	startedAt    time.Time
	logger       logging.Logger
}

// NewHub builds a hub with the provided history limit.
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	cfg := defaultConfig()
	if historyLimit > 0 {
		cfg.HistoryLimit = historyLimit
	}
	cfg, err := validateConfig(cfg, defaultConfig())
	if err != nil {
		cfg = defaultConfig()
	}
	return &Hub{
		historyLimit: cfg.HistoryLimit,
		subscribers:  make(map[chan Sample]struct{}),
		config:       cfg,
		startedAt:    time.Now(),
		logger:       logger.With(logging.Component("telemetry")),
	}
}

// AttachTotals installs the counter source used by /api/stats.
func (h *Hub) AttachTotals(fn func() Totals) {
	h.mu.Lock()
	h.totals = fn
	h.mu.Unlock()
}

// Report implements Reporter.
func (h *Hub) Report(sample Sample) {
	h.mu.Lock()
	h.history = append(h.history, sample)
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
	for ch := range h.subscribers {
		select {
		case ch <- sample:
		default:
		}
	}
	h.mu.Unlock()
}

// UpdateSpectrum stores the spectrum of frameID for /api/spectrum.
func (h *Hub) UpdateSpectrum(frameID uint64, ts time.Time, spec dsp.Spectrum) {
	snap := &SpectrumSnapshot{FrameID: frameID, Timestamp: ts, Spectrum: spec}
	h.mu.Lock()
	h.spectrum = snap
	h.mu.Unlock()
}

// Spectrum returns the latest snapshot, if any.
func (h *Hub) Spectrum() (SpectrumSnapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.spectrum == nil {
		return SpectrumSnapshot{}, false
	}
	return *h.spectrum, true
}

// History returns a copy of stored samples.
func (h *Hub) History() []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Sample, len(h.history))
	copy(out, h.history)
	return out
}

// ConfigSnapshot returns the latest validated configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Subscribe registers a listener for live updates. A listener that falls
// behind misses samples.
func (h *Hub) Subscribe() (chan Sample, func()) {
	ch := make(chan Sample, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Health evaluates the recent history window.
func (h *Hub) Health() HealthStatus {
	h.mu.RLock()
	cfg := h.config
	window := len(h.history)
	sent, misses := 0, 0
	for _, s := range h.history {
		if s.Outcome == publisher.Sent.String() {
			sent++
		}
		if s.Miss {
			misses++
		}
	}
	h.mu.RUnlock()

	status := HealthStatus{
		Status: "ok",
		Window: window,
		Sent:   sent,
		Misses: misses,
		Uptime: time.Since(h.startedAt).Round(time.Second).String(),
	}
	if window > 0 {
		status.MissRatio = float64(misses) / float64(window)
	}
	switch {
	case window == 0:
		status.Status, status.Reason = "degraded", "no frames produced yet"
	case status.MissRatio > cfg.DegradedMissRatio:
		status.Status = "degraded"
		status.Reason = fmt.Sprintf("%.0f%% of recent frames missed their deadline", status.MissRatio*100)
	case sent == 0:
		status.Status, status.Reason = "degraded", "no subscriber received recent frames"
	}
	return status
}

// Stats combines attached totals with rates derived from the history window.
func (h *Hub) Stats() StatsResponse {
	h.mu.RLock()
	totalsFn := h.totals
	var (
		rate  float64
		bytes int
	)
	if n := len(h.history); n > 1 {
		span := h.history[n-1].Timestamp.Sub(h.history[0].Timestamp).Seconds()
		for _, s := range h.history[1:] {
			bytes += s.Bytes
		}
		if span > 0 {
			rate = float64(n-1) / span
			bytes = int(float64(bytes) / span)
		} else {
			bytes = 0
		}
	}
	h.mu.RUnlock()

	resp := StatsResponse{
		FrameRate:  rate,
		Throughput: humanize.Bytes(uint64(bytes)) + "/s",
		Uptime:     time.Since(h.startedAt).Round(time.Second).String(),
	}
	if totalsFn != nil {
		resp.Totals = totalsFn()
	}
	return resp
}

func (h *Hub) applyConfig(cfg Config) {
	h.config = cfg
	h.historyLimit = cfg.HistoryLimit
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	health := h.Health()
	code := http.StatusOK
	if health.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (h *Hub) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.Stats())
}

func (h *Hub) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.History())
}

func (h *Hub) handleSpectrum(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, ok := h.Spectrum()
	if !ok {
		http.Error(w, "no spectrum sampled yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Hub) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.ConfigSnapshot())
}

func (h *Hub) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var incoming Config
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		http.Error(w, fmt.Sprintf("invalid config payload: %v", err), http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	current := h.config
	h.mu.RUnlock()

	cfg, err := validateConfig(incoming, current)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	h.applyConfig(cfg)
	h.mu.Unlock()
	h.logger.Info("monitor config updated", logging.Int("history_limit", cfg.HistoryLimit), logging.Float("degraded_miss_ratio", cfg.DegradedMissRatio))

	writeJSON(w, http.StatusOK, cfg)
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	// replay history so a new client has context
	for _, sample := range h.History() {
		writeEvent(w, sample)
	}
	flusher.Flush()

	for {
		select {
		case sample, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, sample)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, sample Sample) {
	payload, err := json.Marshal(sample)
	if err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
}
