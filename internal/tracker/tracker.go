// Package tracker runs the localization loop: capture rounds are localized,
// smoothed by a per-track position filter and fanned out to subscribers.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-soundloc/internal/acoustic"
	"github.com/teslashibe/go-soundloc/internal/capture"
	"github.com/teslashibe/go-soundloc/internal/intensity"
	"github.com/teslashibe/go-soundloc/internal/kalman"
	"github.com/teslashibe/go-soundloc/internal/tdoa"
)

// ErrUnknownTrack is returned for operations on a track that does not exist
var ErrUnknownTrack = errors.New("tracker: unknown track")

// Config configures the tracker
type Config struct {
	Method       string        // Localizer used by the polling loop
	PollInterval time.Duration // Capture period
	HistorySize  int           // Results kept across all tracks
	DefaultTrack string        // Track fed by the polling loop
	Pairs        []acoustic.MicPair
	Filter       kalman.Config // Template for every track's filter
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Method:       acoustic.MethodIntensity,
		PollInterval: 500 * time.Millisecond, // 2Hz
		HistorySize:  1000,
		DefaultTrack: "default",
		Filter:       kalman.DefaultConfig(),
	}
}

// Localizers holds the engines the tracker dispatches to. Nil entries are
// replaced with default-configured localizers.
type Localizers struct {
	Intensity *intensity.Localizer
	TDOA      *tdoa.Localizer
}

// TDOARequest carries externally captured signals for one TDOA round
type TDOARequest struct {
	Signals   map[string]acoustic.AudioBuffer `json:"signals"`
	Positions map[string]acoustic.Position    `json:"positions"`
	Pairs     []acoustic.MicPair              `json:"pairs"`
	Distances []float64                       `json:"distances,omitempty"`
}

// TrackInfo summarises one track's filter
type TrackInfo struct {
	ID       string            `json:"id"`
	Position acoustic.Position `json:"position"`
	VX       float64           `json:"vx"`
	VY       float64           `json:"vy"`
	Updates  int64             `json:"updates"`
	Gated    int64             `json:"gated"`
}

// Tracker localizes capture rounds and smooths them per track
type Tracker struct {
	source     capture.Source
	localizers Localizers
	cfg        Config
	logger     *slog.Logger

	mu        sync.RWMutex
	tracks    map[string]*kalman.Filter
	latest    acoustic.LocalizationResult
	hasLatest bool
	history   []acoustic.LocalizationResult

	// Metrics
	pollCount       int64
	pollErrorCount  int64
	locateErrors    int64
	degenerateCount int64
	gatedCount      int64
	totalLatencyMs  int64

	// Lifecycle
	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	// Subscribers for real-time updates
	subsMu sync.RWMutex
	subs   map[chan acoustic.LocalizationResult]struct{}
}

// New creates a tracker. source may be nil when results only come from
// SubmitMeasurements and SubmitSignals.
func New(source capture.Source, localizers Localizers, cfg Config, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if localizers.Intensity == nil {
		localizers.Intensity = intensity.New(intensity.DefaultConfig())
	}
	if localizers.TDOA == nil {
		localizers.TDOA = tdoa.New(tdoa.DefaultConfig())
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	if cfg.DefaultTrack == "" {
		cfg.DefaultTrack = DefaultConfig().DefaultTrack
	}
	if cfg.Method == "" {
		cfg.Method = acoustic.MethodIntensity
	}

	return &Tracker{
		source:     source,
		localizers: localizers,
		cfg:        cfg,
		logger:     logger,
		tracks:     make(map[string]*kalman.Filter),
		history:    make([]acoustic.LocalizationResult, 0, min(cfg.HistorySize, 128)),
		done:       make(chan struct{}),
		subs:       make(map[chan acoustic.LocalizationResult]struct{}),
	}
}

// Run starts the polling loop (blocking, use goroutine)
func (t *Tracker) Run(ctx context.Context) error {
	if t.source == nil {
		return errors.New("tracker: no capture source")
	}
	if t.cfg.PollInterval <= 0 {
		return fmt.Errorf("tracker: invalid poll interval %v", t.cfg.PollInterval)
	}

	t.runMu.Lock()
	if t.running {
		t.runMu.Unlock()
		return errors.New("tracker: already running")
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.running = true
	t.runMu.Unlock()
	defer close(t.done)

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	t.logger.Info("tracker started",
		"poll_interval", t.cfg.PollInterval,
		"method", t.cfg.Method,
		"default_track", t.cfg.DefaultTrack,
		"source", t.source.Name(),
	)

	for {
		select {
		case <-ctx.Done():
			stats := t.Stats()
			t.logger.Info("tracker stopped",
				"polls", stats.PollCount,
				"errors", stats.ErrorCount,
			)
			return ctx.Err()
		case <-ticker.C:
			if err := t.poll(ctx); err != nil && ctx.Err() == nil {
				t.logger.Warn("poll failed", "error", err)
			}
		}
	}
}

func (t *Tracker) poll(ctx context.Context) error {
	start := time.Now()

	round, err := t.source.Capture(ctx)
	if err != nil {
		t.mu.Lock()
		t.pollErrorCount++
		t.mu.Unlock()
		return err
	}

	latencyMs := time.Since(start).Milliseconds()

	t.mu.Lock()
	t.pollCount++
	t.totalLatencyMs += latencyMs
	t.mu.Unlock()

	ts := round.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var (
		localizer acoustic.Localizer = t.localizers.Intensity
		obs       acoustic.Observation
	)
	switch t.cfg.Method {
	case acoustic.MethodTDOA:
		localizer = t.localizers.TDOA
		obs = round.Observation(t.cfg.Pairs)
	default:
		measurements, failed := round.Measurements()
		if failed > 0 {
			t.logger.Debug("frames without a level", "failed", failed, "frames", len(round.Frames))
		}
		obs.Measurements = measurements
	}

	raw, err := localizer.Locate(obs)
	result, err := t.record(t.cfg.DefaultTrack, raw, err, ts)
	if err != nil && !errors.Is(err, acoustic.ErrInsufficientData) {
		return err
	}

	if t.pollCountSnapshot()%10 == 0 {
		t.logger.Debug("localization poll",
			"x", result.Position.X,
			"y", result.Position.Y,
			"confidence", result.Confidence,
			"gated", result.Gated,
			"latency_ms", latencyMs,
		)
	}

	return nil
}

func (t *Tracker) pollCountSnapshot() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pollCount
}

// SubmitMeasurements localizes externally supplied sound levels into a
// track. An empty track id selects the default track. When fewer than
// three readings are usable the zero-confidence result is returned along
// with acoustic.ErrInsufficientData.
func (t *Tracker) SubmitMeasurements(trackID string, measurements []acoustic.Measurement) (acoustic.LocalizationResult, error) {
	raw, err := t.localizers.Intensity.Localize(measurements)
	return t.record(t.trackID(trackID), raw, err, time.Now())
}

// SubmitSignals localizes externally supplied audio into a track
func (t *Tracker) SubmitSignals(trackID string, req TDOARequest) (acoustic.LocalizationResult, error) {
	raw, err := t.localizers.TDOA.Locate(acoustic.Observation{
		Signals:   req.Signals,
		Positions: req.Positions,
		Pairs:     req.Pairs,
		Distances: req.Distances,
	})
	return t.record(t.trackID(trackID), raw, err, time.Now())
}

func (t *Tracker) trackID(id string) string {
	if id == "" {
		return t.cfg.DefaultTrack
	}
	return id
}

// record filters a raw estimate and publishes the result. Degenerate
// estimates are published with zero confidence at the track's current
// position and never reach the filter.
func (t *Tracker) record(trackID string, raw acoustic.RawEstimate, locateErr error, ts time.Time) (acoustic.LocalizationResult, error) {
	degenerate := errors.Is(locateErr, acoustic.ErrInsufficientData)
	if locateErr != nil && !degenerate {
		t.mu.Lock()
		t.locateErrors++
		t.mu.Unlock()
		return acoustic.LocalizationResult{}, locateErr
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	filter := t.trackLocked(trackID)

	result := acoustic.LocalizationResult{
		ID:         uuid.NewString(),
		TrackID:    trackID,
		Raw:        raw.Position,
		Level:      raw.Level,
		Confidence: raw.Confidence,
		Method:     raw.Method,
		Timestamp:  ts,
	}

	if degenerate {
		t.degenerateCount++
		result.Position = filter.State().Position()
		result.Confidence = 0
	} else {
		step, err := filter.Observe(raw.Position, ts)
		if err != nil {
			t.locateErrors++
			return acoustic.LocalizationResult{}, fmt.Errorf("track %s: %w", trackID, err)
		}
		result.Position = step.Estimate
		result.Gated = step.Gated
		if step.Gated {
			t.gatedCount++
			t.logger.Debug("measurement gated",
				"track", trackID,
				"raw_x", raw.Position.X,
				"raw_y", raw.Position.Y,
				"mahalanobis", step.Mahalanobis,
			)
		}
	}

	t.latest = result
	t.hasLatest = true
	t.appendHistory(result)

	// Notify subscribers (non-blocking)
	t.notifySubscribers(result)

	return result, locateErr
}

func (t *Tracker) trackLocked(id string) *kalman.Filter {
	f, ok := t.tracks[id]
	if !ok {
		f = kalman.New(t.cfg.Filter)
		t.tracks[id] = f
		t.logger.Info("track created", "track", id)
	}
	return f
}

func (t *Tracker) appendHistory(result acoustic.LocalizationResult) {
	t.history = append(t.history, result)

	// Trim history
	if len(t.history) > t.cfg.HistorySize {
		// Shift instead of slice to avoid memory leak
		copy(t.history, t.history[1:])
		t.history = t.history[:t.cfg.HistorySize]
	}
}

func (t *Tracker) notifySubscribers(result acoustic.LocalizationResult) {
	t.subsMu.RLock()
	defer t.subsMu.RUnlock()

	for ch := range t.subs {
		select {
		case ch <- result:
		default:
			// Drop if subscriber is slow
		}
	}
}

// Subscribe returns a channel that receives localization results
func (t *Tracker) Subscribe() chan acoustic.LocalizationResult {
	ch := make(chan acoustic.LocalizationResult, 10) // Buffer to avoid blocking

	t.subsMu.Lock()
	t.subs[ch] = struct{}{}
	t.subsMu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber
func (t *Tracker) Unsubscribe(ch chan acoustic.LocalizationResult) {
	t.subsMu.Lock()
	if _, exists := t.subs[ch]; exists {
		delete(t.subs, ch)
		close(ch)
	}
	t.subsMu.Unlock()
}

// Latest returns the most recent result across all tracks
func (t *Tracker) Latest() (acoustic.LocalizationResult, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest, t.hasLatest
}

// History returns up to limit of the most recent results, oldest first.
// A non-positive limit returns everything retained.
func (t *Tracker) History(limit int) []acoustic.LocalizationResult {
	t.mu.RLock()
	defer t.mu.RUnlock()

	start := 0
	if limit > 0 && limit < len(t.history) {
		start = len(t.history) - limit
	}
	return slices.Clone(t.history[start:])
}

// Tracks returns every track ordered by id
func (t *Tracker) Tracks() []TrackInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]TrackInfo, 0, len(t.tracks))
	for id, f := range t.tracks {
		state := f.State()
		vx, vy := state.Velocity()
		updates, gated := f.Stats()
		out = append(out, TrackInfo{
			ID:       id,
			Position: state.Position(),
			VX:       vx,
			VY:       vy,
			Updates:  updates,
			Gated:    gated,
		})
	}
	slices.SortFunc(out, func(a, b TrackInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// ResetTrack reinitialises a track's filter at the configured initial position
func (t *Tracker) ResetTrack(id string) error {
	t.mu.RLock()
	f, ok := t.tracks[id]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, id)
	}

	f.Reset(t.cfg.Filter.InitialPosition)
	t.logger.Info("track reset", "track", id)
	return nil
}

// RemoveTrack drops a track and its filter
func (t *Tracker) RemoveTrack(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.tracks[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, id)
	}
	delete(t.tracks, id)
	t.logger.Info("track removed", "track", id)
	return nil
}

// Stats returns tracker statistics. Source health is sampled before the
// tracker lock is taken since a source may block while reconnecting.
func (t *Tracker) Stats() Stats {
	var (
		sourceName    string
		sourceHealthy bool
	)
	if t.source != nil {
		sourceName = t.source.Name()
		sourceHealthy = t.source.Healthy()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	avgLatency := float64(0)
	if t.pollCount > 0 {
		avgLatency = float64(t.totalLatencyMs) / float64(t.pollCount)
	}

	t.subsMu.RLock()
	subscribers := len(t.subs)
	t.subsMu.RUnlock()

	return Stats{
		Method:            t.cfg.Method,
		Source:            sourceName,
		SourceHealthy:     sourceHealthy,
		PollCount:         t.pollCount,
		ErrorCount:        t.pollErrorCount,
		LocateErrors:      t.locateErrors,
		DegenerateCount:   t.degenerateCount,
		GatedCount:        t.gatedCount,
		AvgLatencyMs:      avgLatency,
		HistorySize:       len(t.history),
		TrackCount:        len(t.tracks),
		SubscriberCount:   subscribers,
		CurrentX:          t.latest.Position.X,
		CurrentY:          t.latest.Position.Y,
		CurrentConfidence: t.latest.Confidence,
	}
}

// Stats contains tracker statistics
type Stats struct {
	Method            string  `json:"method"`
	Source            string  `json:"source,omitempty"`
	SourceHealthy     bool    `json:"source_healthy"`
	PollCount         int64   `json:"poll_count"`
	ErrorCount        int64   `json:"error_count"`
	LocateErrors      int64   `json:"locate_errors"`
	DegenerateCount   int64   `json:"degenerate_count"`
	GatedCount        int64   `json:"gated_count"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
	HistorySize       int     `json:"history_size"`
	TrackCount        int     `json:"track_count"`
	SubscriberCount   int     `json:"subscriber_count"`
	CurrentX          float64 `json:"current_x"`
	CurrentY          float64 `json:"current_y"`
	CurrentConfidence float64 `json:"current_confidence"`
}

// Stop stops the tracker gracefully
func (t *Tracker) Stop() {
	t.runMu.Lock()
	cancel, running := t.cancel, t.running
	t.runMu.Unlock()

	if running && cancel != nil {
		cancel()
		<-t.done
	}

	// Close all subscriber channels
	t.subsMu.Lock()
	for ch := range t.subs {
		close(ch)
		delete(t.subs, ch)
	}
	t.subsMu.Unlock()
}
