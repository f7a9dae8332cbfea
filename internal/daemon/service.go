// Package daemon provides the optional long-running usage monitor service.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/theirongolddev/burnline/internal/logging"
	"github.com/theirongolddev/burnline/internal/model"
	"github.com/theirongolddev/burnline/internal/store"
	"github.com/theirongolddev/burnline/internal/syncer"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Source supplies the totals the daemon reports. *stats.Aggregator satisfies it.
type Source interface {
	Diagnostics(ctx context.Context) (model.Diagnostics, error)
}

// Maintainer runs retention and compaction. *store.Store satisfies it.
type Maintainer interface {
	VacuumAndPrune(ctx context.Context, r store.Retention) (store.MaintenanceReport, error)
}

// LearnedLister exposes learned windows for the confidence gauge.
type LearnedLister interface {
	ListLearnedWindows(ctx context.Context) ([]model.LearnedContextWindow, error)
}

// SyncRunner is a replication round trip. *syncer.Syncer satisfies it.
type SyncRunner interface {
	Push(ctx context.Context) (syncer.Report, error)
	Pull(ctx context.Context) (syncer.Report, error)
}

// Config controls the daemon runtime behavior.
type Config struct {
	Addr         string
	Interval     time.Duration
	EventsBuffer int
	// WatchFile triggers an immediate poll when it (or its -wal/-shm
	// siblings) is written. Empty disables the watcher.
	WatchFile string

	MaintenanceSchedule string
	SyncSchedule        string
	Retention           store.Retention

	Source     Source
	Maintainer Maintainer
	Learned    LearnedLister
	Syncer     SyncRunner
	Logger     *zap.Logger
}

// Snapshot is a compact usage state for status/event payloads.
type Snapshot struct {
	At               time.Time `json:"at"`
	TodayCostUSD     float64   `json:"today_cost_usd"`
	MonthCostUSD     float64   `json:"month_cost_usd"`
	LifetimeCostUSD  float64   `json:"lifetime_cost_usd"`
	TodaySessions    int64     `json:"today_sessions"`
	Sessions         int64     `json:"sessions"`
	LinesAdded       int64     `json:"lines_added"`
	LinesRemoved     int64     `json:"lines_removed"`
	EarliestActivity string    `json:"earliest_activity,omitempty"`
}

// Delta captures snapshot deltas between polls.
type Delta struct {
	Sessions     int64   `json:"sessions"`
	CostUSD      float64 `json:"cost_usd"`
	LinesAdded   int64   `json:"lines_added"`
	LinesRemoved int64   `json:"lines_removed"`
}

func (d Delta) isZero() bool {
	return d.Sessions == 0 &&
		d.CostUSD == 0 &&
		d.LinesAdded == 0 &&
		d.LinesRemoved == 0
}

// Event is emitted whenever usage snapshot updates.
type Event struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Snapshot  Snapshot  `json:"snapshot"`
	Delta     Delta     `json:"delta"`
}

// Status is served at /v1/status.
type Status struct {
	StartedAt       time.Time                `json:"started_at"`
	LastPollAt      time.Time                `json:"last_poll_at"`
	PollIntervalSec int                      `json:"poll_interval_sec"`
	PollCount       int64                    `json:"poll_count"`
	Backend         string                   `json:"backend"`
	StorePath       string                   `json:"store_path"`
	Summary         Snapshot                 `json:"summary"`
	LastError       string                   `json:"last_error,omitempty"`
	EventCount      int                      `json:"event_count"`
	SubscriberCount int                      `json:"subscriber_count"`
	LastMaintenance *store.MaintenanceReport `json:"last_maintenance,omitempty"`
	LastSyncAt      time.Time                `json:"last_sync_at,omitempty"`
	LastSync        *syncer.Report           `json:"last_sync,omitempty"`
}

// Service provides the daemon runtime and HTTP API.
type Service struct {
	cfg     Config
	log     *zap.Logger
	metrics *metrics
	now     func() time.Time

	mu          sync.RWMutex
	startedAt   time.Time
	lastPollAt  time.Time
	pollCount   int64
	lastError   string
	hasSnapshot bool
	snapshot    Snapshot
	diag        model.Diagnostics
	nextEventID int64
	events      []Event
	maintenance *store.MaintenanceReport
	lastSyncAt  time.Time
	lastSync    *syncer.Report

	nextSubID int
	subs      map[int]chan Event
}

// New returns a new daemon service with the provided config.
func New(cfg Config) *Service {
	if cfg.Interval < 2*time.Second {
		cfg.Interval = 10 * time.Second
	}
	if cfg.EventsBuffer < 1 {
		cfg.EventsBuffer = 200
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8787"
	}
	if cfg.MaintenanceSchedule == "" {
		cfg.MaintenanceSchedule = "@daily"
	}
	if cfg.SyncSchedule == "" {
		cfg.SyncSchedule = "@every 15m"
	}

	return &Service{
		cfg:       cfg,
		log:       logging.OrNop(cfg.Logger),
		metrics:   newMetrics(),
		now:       time.Now,
		startedAt: time.Now(),
		subs:      make(map[int]chan Event),
	}
}

// Handler returns the HTTP API.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/v1/stream", s.handleStream)
	mux.Handle("/metrics", s.metrics.handler())
	return mux
}

// Run starts HTTP endpoints, scheduled jobs and polling until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sched, err := s.schedule(ctx)
	if err != nil {
		_ = server.Close()
		return err
	}
	sched.Start()
	defer sched.Stop()

	changes := s.watch(ctx)

	// Seed initial snapshot so status is useful immediately.
	s.pollOnce(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		case <-ticker.C:
			s.pollOnce(ctx)
		case <-changes:
			s.pollOnce(ctx)
		case err := <-errCh:
			return fmt.Errorf("daemon http server: %w", err)
		}
	}
}

func (s *Service) schedule(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()
	if s.cfg.Maintainer != nil {
		if _, err := c.AddFunc(s.cfg.MaintenanceSchedule, func() { s.runMaintenance(ctx) }); err != nil {
			return nil, fmt.Errorf("%w: maintenance schedule %q: %w", model.ErrConfiguration, s.cfg.MaintenanceSchedule, err)
		}
	}
	if s.cfg.Syncer != nil {
		if _, err := c.AddFunc(s.cfg.SyncSchedule, func() { s.runSync(ctx) }); err != nil {
			return nil, fmt.Errorf("%w: sync schedule %q: %w", model.ErrConfiguration, s.cfg.SyncSchedule, err)
		}
	}
	return c, nil
}

// watch reports debounced writes to the store file. The returned channel is
// nil (never ready) when watching is disabled or unavailable.
func (s *Service) watch(ctx context.Context) <-chan struct{} {
	if s.cfg.WatchFile == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("file watcher unavailable", zap.Error(err))
		return nil
	}
	dir := filepath.Dir(s.cfg.WatchFile)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		s.log.Warn("cannot watch store directory", zap.String("path", dir), zap.Error(err))
		return nil
	}

	base := filepath.Base(s.cfg.WatchFile)
	out := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		fire := func() {
			select {
			case out <- struct{}{}:
			default:
			}
		}

		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 ||
					!strings.HasPrefix(filepath.Base(ev.Name), base) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(250*time.Millisecond, fire)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Debug("file watcher error", zap.Error(err))
			}
		}
	}()
	return out
}

func (s *Service) pollOnce(ctx context.Context) {
	if s.cfg.Source == nil {
		return
	}
	diag, err := s.cfg.Source.Diagnostics(ctx)
	now := s.now()
	if err != nil {
		s.mu.Lock()
		s.lastError = err.Error()
		s.lastPollAt = now
		s.pollCount++
		s.mu.Unlock()
		s.metrics.pollErrors.Inc()
		s.log.Warn("daemon poll failed", zap.Error(err))
		return
	}

	snap := snapshotFromDiagnostics(diag, now)
	s.metrics.observe(snap)
	s.updateConfidence(ctx)

	var (
		ev      Event
		publish bool
	)

	s.mu.Lock()
	prev := s.snapshot
	prevExists := s.hasSnapshot

	s.hasSnapshot = true
	s.snapshot = snap
	s.diag = diag
	s.lastPollAt = now
	s.pollCount++
	s.lastError = ""

	if !prevExists {
		s.nextEventID++
		ev = Event{
			ID:        s.nextEventID,
			Type:      "snapshot",
			Timestamp: now,
			Snapshot:  snap,
		}
		publish = true
	} else {
		delta := diffSnapshots(prev, snap)
		if !delta.isZero() {
			s.nextEventID++
			ev = Event{
				ID:        s.nextEventID,
				Type:      "usage_delta",
				Timestamp: now,
				Snapshot:  snap,
				Delta:     delta,
			}
			publish = true
		}
	}
	s.mu.Unlock()

	if publish {
		s.publishEvent(ev)
	}
}

func (s *Service) updateConfidence(ctx context.Context) {
	if s.cfg.Learned == nil {
		return
	}
	windows, err := s.cfg.Learned.ListLearnedWindows(ctx)
	if err != nil {
		s.log.Debug("listing learned windows", zap.Error(err))
		return
	}
	s.metrics.observeLearned(windows)
}

func (s *Service) runMaintenance(ctx context.Context) {
	rep, err := s.cfg.Maintainer.VacuumAndPrune(ctx, s.cfg.Retention)
	if err != nil {
		s.log.Warn("scheduled maintenance failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.maintenance = &rep
	s.mu.Unlock()
}

func (s *Service) runSync(ctx context.Context) {
	pulled, err := s.cfg.Syncer.Pull(ctx)
	if err != nil {
		s.metrics.syncErrors.Inc()
		s.log.Warn("scheduled sync pull failed", zap.Error(err))
		return
	}
	pushed, err := s.cfg.Syncer.Push(ctx)
	if err != nil {
		s.metrics.syncErrors.Inc()
		s.log.Warn("scheduled sync push failed", zap.Error(err))
		return
	}

	combined := syncer.Report{
		Sessions:       pulled.Sessions + pushed.Sessions,
		Daily:          pulled.Daily + pushed.Daily,
		Monthly:        pulled.Monthly + pushed.Monthly,
		Conflicts:      pulled.Conflicts,
		TotalConflicts: pushed.TotalConflicts,
	}
	s.metrics.syncConflicts.Set(float64(combined.TotalConflicts))

	s.mu.Lock()
	s.lastSyncAt = s.now()
	s.lastSync = &combined
	s.mu.Unlock()

	if pulled.Rows() > 0 {
		s.pollOnce(ctx)
	}
}

func snapshotFromDiagnostics(d model.Diagnostics, at time.Time) Snapshot {
	return Snapshot{
		At:               at,
		TodayCostUSD:     d.Today.TotalCost,
		MonthCostUSD:     d.Month.TotalCost,
		LifetimeCostUSD:  d.Lifetime.TotalCost,
		TodaySessions:    d.Today.SessionCount,
		Sessions:         d.Lifetime.SessionCount,
		LinesAdded:       d.Lifetime.TotalLinesAdded,
		LinesRemoved:     d.Lifetime.TotalLinesRemoved,
		EarliestActivity: d.EarliestDate,
	}
}

func diffSnapshots(prev, curr Snapshot) Delta {
	return Delta{
		Sessions:     curr.Sessions - prev.Sessions,
		CostUSD:      curr.LifetimeCostUSD - prev.LifetimeCostUSD,
		LinesAdded:   curr.LinesAdded - prev.LinesAdded,
		LinesRemoved: curr.LinesRemoved - prev.LinesRemoved,
	}
}

func (s *Service) publishEvent(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	if len(s.events) > s.cfg.EventsBuffer {
		s.events = s.events[len(s.events)-s.cfg.EventsBuffer:]
	}

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *Service) snapshotStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Status{
		StartedAt:       s.startedAt,
		LastPollAt:      s.lastPollAt,
		PollIntervalSec: int(s.cfg.Interval.Seconds()),
		PollCount:       s.pollCount,
		Backend:         s.diag.Backend,
		StorePath:       s.diag.StorePath,
		Summary:         s.snapshot,
		LastError:       s.lastError,
		EventCount:      len(s.events),
		SubscriberCount: len(s.subs),
		LastMaintenance: s.maintenance,
		LastSyncAt:      s.lastSyncAt,
		LastSync:        s.lastSync,
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.snapshotStatus())
}

func (s *Service) handleEvents(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	events := make([]Event, len(s.events))
	copy(events, s.events)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(events)
}

func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan Event, 16)
	id := s.addSubscriber(ch)
	defer s.removeSubscriber(id)

	// Send current snapshot immediately.
	current := Event{
		Type:      "snapshot",
		Timestamp: s.now(),
		Snapshot:  s.snapshotStatus().Summary,
	}
	writeSSE(w, current)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", ev.Type)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
}

func (s *Service) addSubscriber(ch chan Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = ch
	return id
}

func (s *Service) removeSubscriber(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}
