package tracker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"metrorail-tracker/internal/duration"
	"metrorail-tracker/internal/feed"
	"metrorail-tracker/internal/graph/graphtest"
	"metrorail-tracker/internal/projector"
	"metrorail-tracker/internal/rail"
	"metrorail-tracker/internal/reconcile"
	"metrorail-tracker/internal/schedule"
	"metrorail-tracker/internal/stations"
)

const stationsCSV = `A01,ALPH,Alpha
B01,BRAV,Bravo
C01,CHAR,Charlie
D01,DELT,Delta
E01,ECHO,Echo
`

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type scriptedFeed struct {
	mu    sync.Mutex
	polls [][]rail.Observation
	errs  []error
	calls int
}

func (f *scriptedFeed) Fetch(context.Context) ([]rail.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.polls) {
		return f.polls[i], nil
	}
	if len(f.polls) == 0 {
		return nil, nil
	}
	return f.polls[len(f.polls)-1], nil
}

type recordingMetrics struct {
	mu         sync.Mutex
	feedErrors map[string]int
	sinkErrors map[string]int
	stale      bool
	trains     int
	ticks      int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{feedErrors: map[string]int{}, sinkErrors: map[string]int{}}
}

func (r *recordingMetrics) TickObserve(time.Duration) {
	r.mu.Lock()
	r.ticks++
	r.mu.Unlock()
}
func (r *recordingMetrics) RebuildObserve(time.Duration) {}
func (r *recordingMetrics) FeedError(reason string) {
	r.mu.Lock()
	r.feedErrors[reason]++
	r.mu.Unlock()
}
func (r *recordingMetrics) SinkError(sink string) {
	r.mu.Lock()
	r.sinkErrors[sink]++
	r.mu.Unlock()
}
func (r *recordingMetrics) EventsAdd(string, int) {}
func (r *recordingMetrics) SetStale(stale bool) {
	r.mu.Lock()
	r.stale = stale
	r.mu.Unlock()
}
func (r *recordingMetrics) TickSummary(trains, _, _, _, _ int) {
	r.mu.Lock()
	r.trains = trains
	r.mu.Unlock()
}
func (r *recordingMetrics) SetDurationSamples(int) {}

type snapshotRecorder struct {
	mu    sync.Mutex
	snaps []*rail.Snapshot
	err   error
}

func (s *snapshotRecorder) PublishSnapshot(_ context.Context, snap *rail.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
	return s.err
}

func (s *snapshotRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps)
}

type countingSchedule struct {
	mu    sync.Mutex
	calls int
}

func (c *countingSchedule) Refresh(context.Context, time.Time) (bool, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return true, nil
}

func observe(id string, circuit int) rail.Observation {
	return rail.Observation{
		TrainID:                id,
		TrainNumber:            "1" + id,
		CarCount:               6,
		DirectionNum:           1,
		CircuitID:              circuit,
		DestinationStationCode: "D01",
		LineCode:               "RD",
		ServiceType:            "Normal",
	}
}

func newManager(t *testing.T, f Fetcher, clk *clock, m Metrics) *Manager {
	t.Helper()
	net := graphtest.Network()
	dir, err := stations.Parse(strings.NewReader(stationsCSV), stations.DefaultLines)
	if err != nil {
		t.Fatal(err)
	}
	table := schedule.NewTable(nil)
	model := duration.New(net, duration.Config{
		DefaultMinutes:        999,
		BoardingPenalty:       1.0,
		OriginBoardingPenalty: 0.5,
	}, map[string]float64{"A01_B01": 2, "B01_C01": 3, "C01_D01": 2, "B01_E01": 2})

	deps := Deps{
		Feed:      f,
		Engine:    reconcile.New(net, reconcile.Deps{Durations: model, Schedule: table, Stations: dir}, reconcile.Config{}),
		Projector: projector.New(net, projector.Deps{Durations: model, Schedule: table, Stations: dir}, projector.Config{}),
		Durations: model,
		Metrics:   m,
	}
	if clk != nil {
		deps.Now = clk.Now
	}
	return NewManager(deps, Config{TickInterval: 10 * time.Millisecond, StaleAfter: 30 * time.Second})
}

func TestTickPublishesSnapshot(t *testing.T) {
	clk := &clock{now: t0}
	src := &scriptedFeed{polls: [][]rail.Observation{{observe("T1", 13)}}}
	metrics := newRecordingMetrics()
	m := newManager(t, src, clk, metrics)
	rec := &snapshotRecorder{}
	m.AddSnapshotSink("test", rec)

	if len(m.TrainStatuses()) != 0 || m.Snapshot() == nil {
		t.Fatal("initial snapshot should be empty and non-nil")
	}
	if err := m.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap := m.Snapshot()
	if snap.Trains["T1"] == nil || !snap.At.Equal(t0) {
		t.Fatalf("snapshot = %+v", snap)
	}
	found := false
	for _, entries := range m.StationStatuses() {
		for _, e := range entries {
			if e.TrainID == "T1" {
				found = true
			}
		}
	}
	if !found {
		t.Error("train missing from every station board")
	}
	if rec.count() != 1 {
		t.Errorf("snapshot sink calls = %d", rec.count())
	}
	if !m.LastUpdated().Equal(t0) || m.IsStale() {
		t.Errorf("last updated %v, stale %v", m.LastUpdated(), m.IsStale())
	}
	if metrics.trains != 1 {
		t.Errorf("metrics trains = %d", metrics.trains)
	}
}

func TestFeedErrorKeepsSnapshotAndGoesStale(t *testing.T) {
	clk := &clock{now: t0}
	src := &scriptedFeed{
		polls: [][]rail.Observation{{observe("T1", 13)}},
		errs:  []error{nil, errors.New("timeout"), feed.ErrDuplicatePayload},
	}
	metrics := newRecordingMetrics()
	m := newManager(t, src, clk, metrics)

	if err := m.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := m.Snapshot()

	clk.Advance(10 * time.Second)
	if err := m.Tick(context.Background()); err == nil {
		t.Fatal("expected feed error")
	}
	if m.Snapshot() != before {
		t.Error("failed tick replaced the snapshot")
	}
	if m.IsStale() {
		t.Error("stale too early")
	}

	clk.Advance(25 * time.Second)
	if err := m.Tick(context.Background()); !errors.Is(err, feed.ErrDuplicatePayload) {
		t.Fatalf("err = %v", err)
	}
	if !m.IsStale() || !metrics.stale {
		t.Error("expected stale after 35s without a successful tick")
	}
	if metrics.feedErrors["fetch"] != 1 || metrics.feedErrors["duplicate"] != 1 {
		t.Errorf("feed errors = %v", metrics.feedErrors)
	}

	clk.Advance(2 * time.Second)
	if err := m.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.IsStale() || metrics.stale {
		t.Error("successful tick should clear staleness")
	}
}

func TestSinkFailureIsCounted(t *testing.T) {
	clk := &clock{now: t0}
	src := &scriptedFeed{polls: [][]rail.Observation{{observe("T1", 13)}}}
	metrics := newRecordingMetrics()
	m := newManager(t, src, clk, metrics)
	m.AddSnapshotSink("cache", &snapshotRecorder{err: errors.New("down")})

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("sink failure should not fail the tick: %v", err)
	}
	if metrics.sinkErrors["cache"] != 1 {
		t.Errorf("sink errors = %v", metrics.sinkErrors)
	}
}

func TestStaleBeforeFirstTick(t *testing.T) {
	clk := &clock{now: t0}
	m := newManager(t, &scriptedFeed{}, clk, nil)
	if m.IsStale() {
		t.Error("fresh manager should not be stale")
	}
	clk.Advance(31 * time.Second)
	if !m.IsStale() {
		t.Error("manager without a successful tick should go stale")
	}
}

func TestStartRunsTicksUntilStopped(t *testing.T) {
	src := &scriptedFeed{polls: [][]rail.Observation{{observe("T1", 13)}, {observe("T1", 14)}}}
	m := newManager(t, src, nil, nil)
	sched := &countingSchedule{}
	m.deps.Schedule = sched
	rec := &snapshotRecorder{}
	m.AddSnapshotSink("test", rec)

	m.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for rec.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()

	if rec.count() < 3 {
		t.Fatalf("ticks published = %d", rec.count())
	}
	n := rec.count()
	time.Sleep(30 * time.Millisecond)
	if rec.count() != n {
		t.Error("ticks continued after Stop")
	}
	if sched.calls == 0 {
		t.Error("schedule not refreshed on start")
	}
	if ts := m.TrainStatuses()["T1"]; ts == nil || ts.CircuitID != 14 {
		t.Errorf("latest train = %+v", ts)
	}
}

func TestPurgeInterval(t *testing.T) {
	if got := purgeInterval(time.Hour); got != 15*time.Minute {
		t.Errorf("purgeInterval(1h) = %v", got)
	}
	if got := purgeInterval(time.Minute); got != time.Minute {
		t.Errorf("purgeInterval(1m) = %v", got)
	}
}
