package duration

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"metrorail-tracker/internal/graph/graphtest"
	"metrorail-tracker/internal/rail"
)

func testConfig() Config {
	return Config{
		DefaultMinutes:        999,
		BoardingPenalty:       1.0,
		OriginBoardingPenalty: 0.5,
		RecentSamples:         10,
		Lookback:              14 * 24 * time.Hour,
	}
}

func seededModel() *Model {
	return New(graphtest.Network(), testConfig(), map[string]float64{
		"A01_B01": 2, "B01_A01": 2,
		"B01_C01": 3, "C01_B01": 3,
	})
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestDerivedDurations(t *testing.T) {
	m := seededModel()
	tests := []struct {
		from, to string
		want     float64
	}{
		{"A01", "B01", 2.5},
		{"A01", "C01", 6.5},
		{"C01", "A01", 6.5},
		{"C01", "D01", 999.5},
	}
	for _, tt := range tests {
		t.Run(tt.from+"_"+tt.to, func(t *testing.T) {
			got, ok := m.Duration(tt.from, tt.to)
			if !ok || !near(got, tt.want) {
				t.Errorf("Duration = %v, %v; want %v", got, ok, tt.want)
			}
		})
	}
	if _, ok := m.Duration("E01", "D01"); ok {
		t.Error("no duration expected between branches")
	}
}

func TestTripPaths(t *testing.T) {
	m := seededModel()
	snap := m.Snapshot()
	if got := strings.Join(snap.Trip("A01", "D01"), ","); got != "A01,B01,C01,D01" {
		t.Errorf("trip = %s", got)
	}
	if got := strings.Join(m.IntermediateStations("D01", "A01"), ","); got != "C01,B01" {
		t.Errorf("intermediate = %s", got)
	}
	if got := m.IntermediateStations("A01", "B01"); len(got) != 0 {
		t.Errorf("adjacent intermediate = %v", got)
	}
}

func TestSegmentDistance(t *testing.T) {
	m := seededModel()
	tests := []struct {
		from, to string
		track    int
		want     float64
	}{
		{"A01", "B01", 1, 2 * graphtest.SegmentFeet},
		{"B01", "A01", 1, 2 * graphtest.SegmentFeet},
		{"A01", "B01", 2, 3 * graphtest.SegmentFeet},
	}
	for _, tt := range tests {
		got, ok := m.SegmentDistance(tt.from, tt.to, tt.track)
		if !ok || got != tt.want {
			t.Errorf("SegmentDistance(%s, %s, %d) = %v, %v; want %v", tt.from, tt.to, tt.track, got, ok, tt.want)
		}
	}
}

type fakeSource struct {
	samples []Sample
	err     error
	since   time.Time
}

func (f *fakeSource) TripDurationSamples(_ context.Context, since time.Time) ([]Sample, error) {
	f.since = since
	return f.samples, f.err
}

func TestRebuildUsesRecentMeanAndMedian(t *testing.T) {
	cfg := testConfig()
	cfg.RecentSamples = 2
	m := New(graphtest.Network(), cfg, nil)
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	src := &fakeSource{samples: []Sample{
		{From: "A01", To: "B01", Minutes: 4, ArrivedAt: now.Add(-time.Minute)},
		{From: "A01", To: "B01", Minutes: 2, ArrivedAt: now.Add(-3 * time.Minute)},
		{From: "A01", To: "B01", Minutes: 3, ArrivedAt: now.Add(-2 * time.Minute)},
	}}

	snap, err := m.Rebuild(context.Background(), src, now)
	if err != nil {
		t.Fatal(err)
	}
	if want := now.Add(-cfg.Lookback); !src.since.Equal(want) {
		t.Errorf("since = %v, want %v", src.since, want)
	}
	if m.Snapshot() != snap {
		t.Error("rebuilt snapshot was not published")
	}
	if got, _ := m.Duration("A01", "B01"); !near(got, 4.0) {
		t.Errorf("typical = %v, want 4.0", got)
	}
	if got, _ := m.MedianDuration("A01", "B01"); !near(got, 3.5) {
		t.Errorf("median = %v, want 3.5", got)
	}

	before := m.Snapshot()
	if _, err := m.Rebuild(context.Background(), &fakeSource{err: errors.New("db down")}, now); err == nil {
		t.Fatal("expected error")
	}
	if m.Snapshot() != before {
		t.Error("failed rebuild replaced the snapshot")
	}
}

func TestObserveTripUpdatesLiveAverage(t *testing.T) {
	m := seededModel()
	m.ObserveTrip(rail.TripRecord{DepartingStation: "A01", ArrivingStation: "B01", DurationMinutes: 5, ArrivingAt: time.Now()}, false)
	got, _ := m.Duration("A01", "B01")
	if !near(got, 2.3+0.5) {
		t.Errorf("live duration = %v, want 2.8", got)
	}
	// Derived pairs only change on rebuild.
	if got, _ := m.Duration("A01", "C01"); !near(got, 6.5) {
		t.Errorf("derived duration = %v, want 6.5", got)
	}
}

func TestObserveTripReplacesSentinel(t *testing.T) {
	m := New(graphtest.Network(), testConfig(), nil)
	m.ObserveTrip(rail.TripRecord{DepartingStation: "C01", ArrivingStation: "D01", DurationMinutes: 2, ArrivingAt: time.Now()}, false)
	if got, _ := m.Duration("C01", "D01"); !near(got, 2.5) {
		t.Errorf("duration = %v, want 2.5", got)
	}
}

type approaching map[string][]*rail.TrainStatus

func (a approaching) Approaching(station string) []*rail.TrainStatus { return a[station] }

func TestPredictedRideTime(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	m := seededModel()
	sixty, thirty := 60, 30
	m.ObserveTrip(rail.TripRecord{DepartingStation: "A01", ArrivingStation: "B01", DurationMinutes: 2, SecondsAtDepartingStation: &thirty, ArrivingAt: now}, false)
	m.ObserveTrip(rail.TripRecord{DepartingStation: "B01", ArrivingStation: "C01", DurationMinutes: 3, SecondsAtDepartingStation: &sixty, ArrivingAt: now}, false)

	got, ok := m.PredictedRideTime(now, "A01", "C01", nil, nil)
	if !ok || !near(got, 6) {
		t.Errorf("ride time = %v, %v; want 6", got, ok)
	}

	away, maxAway := 1.0, 2.0
	train := &rail.TrainStatus{MinutesAway: &away, MaxMinutesAway: &maxAway}
	got, ok = m.PredictedRideTime(now, "A01", "C01", train, nil)
	if !ok || !near(got, 5) {
		t.Errorf("ride time for train halfway = %v, %v; want 5", got, ok)
	}

	left := now.Add(-10 * time.Minute)
	slow := &rail.TrainStatus{LastVisitedStationCode: "B01", LocationCode: "C01", LastVisitedStation: &left, SecondsAtLastVisitedStation: &sixty}
	got, ok = m.PredictedRideTime(now, "A01", "C01", nil, approaching{"C01": {slow}})
	if !ok || !near(got, 13) {
		t.Errorf("ride time behind slow train = %v, %v; want 13", got, ok)
	}

	if _, ok := m.PredictedRideTime(now, "A01", "D01", nil, nil); ok {
		t.Error("ride time with an unobserved hop should be unknown")
	}
	if _, ok := m.PredictedRideTime(now, "A01", "C01", &rail.TrainStatus{}, nil); ok {
		t.Error("ride time for a train without minutes away should be unknown")
	}
}

func TestKeyedDownTripsSkipLastTrip(t *testing.T) {
	now := time.Now()
	m := seededModel()
	m.ObserveTrip(rail.TripRecord{DepartingStation: "A01", ArrivingStation: "B01", DurationMinutes: 40, ArrivingAt: now}, true)
	if _, ok := m.PredictedRideTime(now, "A01", "B01", nil, nil); ok {
		t.Error("keyed-down trip should not feed ride time prediction")
	}
}

func TestPurgeBefore(t *testing.T) {
	now := time.Now()
	m := seededModel()
	m.ObserveTrip(rail.TripRecord{DepartingStation: "A01", ArrivingStation: "B01", DurationMinutes: 2, ArrivingAt: now.Add(-2 * time.Hour)}, false)
	m.ObserveTrip(rail.TripRecord{DepartingStation: "B01", ArrivingStation: "C01", DurationMinutes: 3, ArrivingAt: now}, false)
	if n := m.PurgeBefore(now.Add(-time.Hour)); n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if _, ok := m.PredictedRideTime(now, "A01", "B01", nil, nil); ok {
		t.Error("purged hop still predicts")
	}
	if _, ok := m.PredictedRideTime(now, "B01", "C01", nil, nil); !ok {
		t.Error("recent hop was purged")
	}
}

func TestLoadSeed(t *testing.T) {
	seed, err := LoadSeed(strings.NewReader("from,to,minutes\nA01,B01,2.5\nB01,A01,3\n"))
	if err != nil {
		t.Fatal(err)
	}
	if seed["A01_B01"] != 2.5 || seed["B01_A01"] != 3 {
		t.Errorf("seed = %v", seed)
	}
	if _, err := LoadSeed(strings.NewReader("A01,B01,x\nB01,C01,y\n")); err == nil {
		t.Error("expected error for bad minutes")
	}
}
