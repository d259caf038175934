// Package tracker runs the tick loop: fetch positions, reconcile them,
// project station boards and publish the result.
package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"metrorail-tracker/internal/duration"
	"metrorail-tracker/internal/feed"
	"metrorail-tracker/internal/logger"
	"metrorail-tracker/internal/projector"
	"metrorail-tracker/internal/rail"
	"metrorail-tracker/internal/reconcile"
)

type Fetcher interface {
	Fetch(ctx context.Context) ([]rail.Observation, error)
}

type EventSink interface {
	WriteEvents(ctx context.Context, at time.Time, events *rail.Events) error
}

type SnapshotSink interface {
	PublishSnapshot(ctx context.Context, snap *rail.Snapshot) error
}

// ScheduleRefresher reloads the schedule when the service day changes.
type ScheduleRefresher interface {
	Refresh(ctx context.Context, now time.Time) (bool, error)
}

type TagSyncer interface {
	Sync(ctx context.Context) error
}

// Purger drops persisted events older than a cutoff.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

type Metrics interface {
	TickObserve(d time.Duration)
	RebuildObserve(d time.Duration)
	FeedError(reason string)
	SinkError(sink string)
	EventsAdd(kind string, n int)
	SetStale(stale bool)
	TickSummary(trains, boards, merged, observations, skipped int)
	SetDurationSamples(n int)
}

type Config struct {
	TickInterval    time.Duration
	StaleAfter      time.Duration
	RebuildInterval time.Duration
	// RecordRetention bounds in-memory arrival, departure and last-trip
	// records.
	RecordRetention time.Duration
	// EventRetention bounds persisted events, zero keeps them forever.
	EventRetention time.Duration
	SinkTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 2 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Second
	}
	if c.RebuildInterval <= 0 {
		c.RebuildInterval = 5 * time.Minute
	}
	if c.RecordRetention <= 0 {
		c.RecordRetention = time.Hour
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = 5 * time.Second
	}
	return c
}

type Deps struct {
	Feed      Fetcher
	Engine    *reconcile.Engine
	Projector *projector.Projector
	Durations *duration.Model
	Samples   duration.SampleSource // nil disables rebuilds
	Schedule  ScheduleRefresher
	Tags      TagSyncer
	Purger    Purger
	Metrics   Metrics
	Logger    logger.Logger
	Now       func() time.Time
}

type namedEventSink struct {
	name string
	sink EventSink
}

type namedSnapshotSink struct {
	name string
	sink SnapshotSink
}

// Manager is the single writer of tracking state. Readers call Snapshot from
// any goroutine.
type Manager struct {
	deps Deps
	cfg  Config
	log  logger.Logger
	now  func() time.Time

	eventSinks    []namedEventSink
	snapshotSinks []namedSnapshotSink

	snap        atomic.Pointer[rail.Snapshot]
	lastUpdated atomic.Int64 // unix nanos of the last published tick
	startedAt   time.Time
	stale       atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(deps Deps, cfg Config) *Manager {
	m := &Manager{deps: deps, cfg: cfg.withDefaults(), log: deps.Logger, now: deps.Now}
	if m.log == nil {
		m.log = logger.Nop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.startedAt = m.now()
	m.snap.Store(rail.EmptySnapshot())
	return m
}

// AddEventSink registers a sink for each tick's diagnostic events. Sinks must
// be added before Start.
func (m *Manager) AddEventSink(name string, s EventSink) {
	m.eventSinks = append(m.eventSinks, namedEventSink{name, s})
}

// AddSnapshotSink registers a sink for every published snapshot. Sinks must
// be added before Start.
func (m *Manager) AddSnapshotSink(name string, s SnapshotSink) {
	m.snapshotSinks = append(m.snapshotSinks, namedSnapshotSink{name, s})
}

// Snapshot returns the latest published snapshot. It is never nil.
func (m *Manager) Snapshot() *rail.Snapshot {
	return m.snap.Load()
}

func (m *Manager) TrainStatuses() map[string]*rail.TrainStatus {
	return m.snap.Load().Trains
}

func (m *Manager) StationStatuses() map[string][]*rail.TrainStatus {
	return m.snap.Load().Stations
}

// LastUpdated is the time of the last successful tick, zero before the first.
func (m *Manager) LastUpdated() time.Time {
	n := m.lastUpdated.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// IsStale reports whether no tick has succeeded within the staleness
// threshold.
func (m *Manager) IsStale() bool {
	last := m.LastUpdated()
	if last.IsZero() {
		last = m.startedAt
	}
	return m.now().Sub(last) > m.cfg.StaleAfter
}

// Tick runs one fetch, reconcile, project and publish pass. On a feed error
// the previous snapshot stays published and the error is returned.
func (m *Manager) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() {
		if m.deps.Metrics != nil {
			m.deps.Metrics.TickObserve(time.Since(start))
		}
	}()

	obs, err := m.deps.Feed.Fetch(ctx)
	if err != nil {
		reason := "fetch"
		if errors.Is(err, feed.ErrDuplicatePayload) {
			reason = "duplicate"
		}
		if m.deps.Metrics != nil {
			m.deps.Metrics.FeedError(reason)
		}
		m.checkStale()
		return err
	}

	now := m.now()
	prev := m.snap.Load()
	running := projector.Board(prev.Stations)

	res := m.deps.Engine.Tick(now, obs, running)
	board := m.deps.Projector.Project(now, res.Trains, running)
	snap := &rail.Snapshot{
		At:          now,
		Trains:      res.Trains,
		Stations:    board,
		DelayStatus: res.DelayStatus,
	}
	m.snap.Store(snap)
	m.lastUpdated.Store(now.UnixNano())
	m.checkStale()

	if m.deps.Metrics != nil {
		m.deps.Metrics.TickSummary(len(snap.Trains), len(snap.Stations), m.deps.Engine.MergedCount(), len(obs), res.Skipped)
		for kind, n := range res.Events.Counts() {
			if n > 0 {
				m.deps.Metrics.EventsAdd(kind, n)
			}
		}
	}
	m.publish(ctx, snap, &res.Events)
	return nil
}

func (m *Manager) publish(ctx context.Context, snap *rail.Snapshot, events *rail.Events) {
	for _, s := range m.snapshotSinks {
		sctx, cancel := context.WithTimeout(ctx, m.cfg.SinkTimeout)
		err := s.sink.PublishSnapshot(sctx, snap)
		cancel()
		if err != nil {
			m.sinkFailed(s.name, err)
		}
	}
	if events.Len() > 0 {
		for _, s := range m.eventSinks {
			sctx, cancel := context.WithTimeout(ctx, m.cfg.SinkTimeout)
			err := s.sink.WriteEvents(sctx, snap.At, events)
			cancel()
			if err != nil {
				m.sinkFailed(s.name, err)
			}
		}
	}
	if m.deps.Tags != nil {
		sctx, cancel := context.WithTimeout(ctx, m.cfg.SinkTimeout)
		err := m.deps.Tags.Sync(sctx)
		cancel()
		if err != nil {
			m.sinkFailed("tags", err)
		}
	}
}

func (m *Manager) sinkFailed(name string, err error) {
	m.log.Warn("sink failed", "sink", name, "error", err)
	if m.deps.Metrics != nil {
		m.deps.Metrics.SinkError(name)
	}
}

func (m *Manager) checkStale() {
	stale := m.IsStale()
	if m.stale.Swap(stale) != stale {
		if stale {
			m.log.Warn("tracking data is stale", "last_updated", m.LastUpdated())
		} else {
			m.log.Info("tracking data is fresh again")
		}
	}
	if m.deps.Metrics != nil {
		m.deps.Metrics.SetStale(stale)
	}
}

// Rebuild reloads the schedule when the service day changed and rebuilds
// the duration model from persisted trips.
func (m *Manager) Rebuild(ctx context.Context) {
	now := m.now()
	if m.deps.Schedule != nil {
		loaded, err := m.deps.Schedule.Refresh(ctx, now)
		if err != nil {
			m.log.Warn("schedule refresh failed", "error", err)
		} else if loaded {
			m.log.Info("schedule loaded", "day", now.Format("2006-01-02"))
		}
	}
	if m.deps.Samples == nil || m.deps.Durations == nil {
		return
	}
	start := time.Now()
	snap, err := m.deps.Durations.Rebuild(ctx, m.deps.Samples, now)
	if err != nil {
		m.log.Warn("duration rebuild failed", "error", err)
		return
	}
	if m.deps.Metrics != nil {
		m.deps.Metrics.RebuildObserve(time.Since(start))
		m.deps.Metrics.SetDurationSamples(snap.Samples)
	}
	m.log.Info("durations rebuilt", "samples", snap.Samples, "took", time.Since(start))
}

// Purge drops records older than the retention windows.
func (m *Manager) Purge(ctx context.Context) {
	now := m.now()
	cutoff := now.Add(-m.cfg.RecordRetention)
	records := m.deps.Engine.Records().PurgeBefore(cutoff)
	trips := 0
	if m.deps.Durations != nil {
		trips = m.deps.Durations.PurgeBefore(cutoff)
	}
	var events int64
	if m.deps.Purger != nil && m.cfg.EventRetention > 0 {
		n, err := m.deps.Purger.Purge(ctx, now.Add(-m.cfg.EventRetention))
		if err != nil {
			m.log.Warn("event purge failed", "error", err)
		}
		events = n
	}
	m.log.Debug("purged", "records", records, "last_trips", trips, "events", events)
}

// Start launches the tick, rebuild and purge loops. The schedule and the
// duration model are refreshed once before the first tick.
func (m *Manager) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel
	m.Rebuild(ctx)

	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		m.tickLoop(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.every(ctx, m.cfg.RebuildInterval, m.Rebuild)
	}()
	go func() {
		defer m.wg.Done()
		m.every(ctx, purgeInterval(m.cfg.RecordRetention), m.Purge)
	}()
}

// tickLoop waits a fixed delay after each tick finishes, so a slow tick
// delays the next one instead of overlapping it.
func (m *Manager) tickLoop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := m.Tick(ctx); err != nil && ctx.Err() == nil {
			if errors.Is(err, feed.ErrDuplicatePayload) {
				m.log.Debug("feed returned a duplicate payload")
			} else {
				m.log.Warn("tick failed", "error", err)
			}
		}
		timer.Reset(m.cfg.TickInterval)
	}
}

func (m *Manager) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func purgeInterval(retention time.Duration) time.Duration {
	d := retention / 4
	if d < time.Minute {
		d = time.Minute
	}
	return d
}

// Stop cancels every loop and waits for them to return.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
