package reconcile

import (
	"math"
	"strings"
	"testing"
	"time"

	"metrorail-tracker/internal/duration"
	"metrorail-tracker/internal/graph"
	"metrorail-tracker/internal/graph/graphtest"
	"metrorail-tracker/internal/rail"
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

type fixture struct {
	net    *graph.Network
	engine *Engine
	model  *duration.Model
}

func newFixture(t *testing.T, seed map[string]float64) *fixture {
	t.Helper()
	net := graphtest.Network()
	dir, err := stations.Parse(strings.NewReader(stationsCSV), stations.DefaultLines)
	if err != nil {
		t.Fatal(err)
	}
	table := schedule.NewTable([]schedule.Departure{
		{StationCode: "A01", LineCode: "RD", DirectionNumber: 1, DestinationCode: "D01", At: t0},
		{StationCode: "A01", LineCode: "RD", DirectionNumber: 1, DestinationCode: "D01", At: t0.Add(6 * time.Minute)},
		{StationCode: "B01", LineCode: "RD", DirectionNumber: 1, DestinationCode: "D01", At: t0.Add(2 * time.Minute)},
		{StationCode: "D01", LineCode: "RD", DirectionNumber: 2, DestinationCode: "A01", At: t0},
		{StationCode: "B01", LineCode: "BL", DirectionNumber: 1, DestinationCode: "E01", At: t0},
	})
	model := duration.New(net, duration.Config{
		DefaultMinutes:        999,
		BoardingPenalty:       1.0,
		OriginBoardingPenalty: 0.5,
		RecentSamples:         10,
	}, seed)
	e := New(net, Deps{Durations: model, Schedule: table, Stations: dir}, Config{})
	return &fixture{net: net, engine: e, model: model}
}

var defaultSeed = map[string]float64{
	"A01_B01": 2, "B01_A01": 2,
	"B01_C01": 3, "C01_B01": 3,
	"C01_D01": 2, "D01_C01": 2,
	"B01_E01": 2, "E01_B01": 2,
}

func observe(id string, circuit, direction int, line, dest string) rail.Observation {
	return rail.Observation{
		TrainID:                id,
		TrainNumber:            "1" + id,
		CarCount:               4,
		DirectionNum:           direction,
		CircuitID:              circuit,
		DestinationStationCode: dest,
		LineCode:               line,
		ServiceType:            "Normal",
	}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestTickFollowsTrainBetweenStations(t *testing.T) {
	f := newFixture(t, defaultSeed)

	res := f.engine.Tick(t0, []rail.Observation{observe("T1", 13, 1, "RD", "D01")}, nil)
	first := res.Trains["T1"]
	if first == nil {
		t.Fatal("train not tracked")
	}
	if first.Status != rail.StatusBoarding || first.LocationCode != "B01" || first.LocationName != "Bravo" {
		t.Errorf("first tick = %s at %s (%s)", first.Status, first.LocationCode, first.LocationName)
	}
	if first.Cars != "6" || first.DestinationName != "Delta" {
		t.Errorf("cars %q, destination %q", first.Cars, first.DestinationName)
	}

	// Leaving the platform for the circuit just past it.
	res = f.engine.Tick(t0.Add(2*time.Second), []rail.Observation{observe("T1", 14, 1, "RD", "D01")}, nil)
	ts := res.Trains["T1"]
	if ts.PreviousStationCode != "B01" || ts.LastVisitedStationCode != "B01" {
		t.Errorf("previous %q, last visited %q", ts.PreviousStationCode, ts.LastVisitedStationCode)
	}
	if ts.LocationCode != "C01" {
		t.Errorf("junction resolved to %q, want C01", ts.LocationCode)
	}
	if len(res.Events.Trips) != 0 {
		t.Errorf("trips closed = %d", len(res.Events.Trips))
	}
	if ts.SecondsAtLastVisitedStation == nil || *ts.SecondsAtLastVisitedStation != 2 || ts.SecondsDelayed != 0 {
		t.Errorf("dwell %v, delayed %d", ts.SecondsAtLastVisitedStation, ts.SecondsDelayed)
	}
	// B01->C01 takes 3.5 minutes, 1000 of 1500 feet remain.
	if ts.MaxMinutesAway == nil || !near(*ts.MaxMinutesAway, 3) {
		t.Fatalf("max minutes away = %v", ts.MaxMinutesAway)
	}
	if ts.MinutesAway == nil || !near(*ts.MinutesAway, 2) || ts.Status != "2" {
		t.Errorf("eta = %v status %q", ts.MinutesAway, ts.Status)
	}
	if ts.TripID != first.TripID {
		t.Error("trip id changed mid trip")
	}

	res = f.engine.Tick(t0.Add(time.Minute), []rail.Observation{observe("T1", 15, 1, "RD", "D01")}, nil)
	if len(res.Events.Departures) != 1 || res.Events.Departures[0].StationCode != "B01" {
		t.Fatalf("departures = %+v", res.Events.Departures)
	}
	if !res.Events.Departures[0].At.Equal(t0.Add(2 * time.Second)) {
		t.Errorf("departure at %v", res.Events.Departures[0].At)
	}

	res = f.engine.Tick(t0.Add(3*time.Minute), []rail.Observation{observe("T1", 16, 1, "RD", "D01")}, nil)
	if len(res.Events.Trips) != 1 {
		t.Fatalf("trips = %d, want 1", len(res.Events.Trips))
	}
	trip := res.Events.Trips[0]
	if trip.DepartingStation != "B01" || trip.ArrivingStation != "C01" || trip.LineCode != "RD" {
		t.Errorf("trip = %+v", trip)
	}
	if !near(trip.DurationMinutes, (3*time.Minute - 2*time.Second).Minutes()) {
		t.Errorf("duration = %v", trip.DurationMinutes)
	}
	if trip.SecondsAtDepartingStation == nil || *trip.SecondsAtDepartingStation != 2 {
		t.Errorf("seconds at departing station = %v", trip.SecondsAtDepartingStation)
	}
	if got := res.Trains["T1"].LastVisitedStationCode; got != "C01" {
		t.Errorf("last visited = %q", got)
	}
	if _, ok := f.engine.Records().LastArrival("C01", "RD", 1); !ok {
		t.Error("arrival not recorded")
	}
}

func TestOffScheduleNeverDecreases(t *testing.T) {
	f := newFixture(t, map[string]float64{"B01_C01": 1, "C01_D01": 2})
	steps := []struct {
		at      time.Duration
		circuit int
	}{
		{0, 13},
		{10 * time.Second, 14},
		{3 * time.Minute, 15},
		{4 * time.Minute, 15},
		{5 * time.Minute, 16},
		{5*time.Minute + 40*time.Second, 16},
	}
	want := []int{0, 0, 110, 170, 170, 210}

	for i, step := range steps {
		res := f.engine.Tick(t0.Add(step.at), []rail.Observation{observe("T1", step.circuit, 1, "RD", "D01")}, nil)
		ts := res.Trains["T1"]
		if ts.SecondsOffSchedule != want[i] {
			t.Errorf("step %d: off schedule = %d, want %d (delayed %d)", i, ts.SecondsOffSchedule, want[i], ts.SecondsDelayed)
		}
	}
}

func TestNewTripWhenEnteringService(t *testing.T) {
	f := newFixture(t, defaultSeed)

	out := observe("T1", 14, 1, "", "D01")
	out.ServiceType = rail.ServiceNoPassengers
	res := f.engine.Tick(t0, []rail.Observation{out}, nil)
	before := res.Trains["T1"]
	if before.LineCode != rail.NotApplicable || before.DestinationName != rail.NoPassenger {
		t.Fatalf("non revenue train = %q / %q", before.LineCode, before.DestinationName)
	}

	res = f.engine.Tick(t0.Add(10*time.Second), []rail.Observation{observe("T1", 15, 1, "RD", "D01")}, nil)
	after := res.Trains["T1"]
	if after.TripID == before.TripID {
		t.Error("entering service should start a new trip")
	}
	if after.SecondsOffSchedule != 0 || after.SecondsDelayed != 0 {
		t.Errorf("counters not reset: %d / %d", after.SecondsOffSchedule, after.SecondsDelayed)
	}
	if !after.FirstObserved.Equal(t0) {
		t.Errorf("first observed = %v", after.FirstObserved)
	}

	res = f.engine.Tick(t0.Add(20*time.Second), []rail.Observation{observe("T1", 15, 1, "RD", "D01")}, nil)
	if res.Trains["T1"].TripID != after.TripID {
		t.Error("trip id should hold while in service")
	}
}

func TestNewTripWhenDirectionReverses(t *testing.T) {
	f := newFixture(t, map[string]float64{"B01_C01": 1, "C01_D01": 2})
	steps := []struct {
		at      time.Duration
		circuit int
	}{
		{0, 13},
		{10 * time.Second, 14},
		{3 * time.Minute, 15},
		{4 * time.Minute, 15},
		{5 * time.Minute, 16},
	}
	var before *rail.TrainStatus
	for _, step := range steps {
		res := f.engine.Tick(t0.Add(step.at), []rail.Observation{observe("T1", step.circuit, 1, "RD", "D01")}, nil)
		before = res.Trains["T1"]
	}
	if before.SecondsOffSchedule == 0 || before.LastVisitedStationCode != "C01" {
		t.Fatalf("setup: off schedule %d at %q", before.SecondsOffSchedule, before.LastVisitedStationCode)
	}

	res := f.engine.Tick(t0.Add(5*time.Minute+20*time.Second), []rail.Observation{observe("T1", 16, 2, "RD", "A01")}, nil)
	after := res.Trains["T1"]
	if after.TripID == before.TripID {
		t.Error("reversing direction should start a new trip")
	}
	if after.SecondsOffSchedule != 0 || after.SecondsDelayed != 0 {
		t.Errorf("counters not reset: %d / %d", after.SecondsOffSchedule, after.SecondsDelayed)
	}
	if after.DirectionNumberAtLastVisitedStation != 2 {
		t.Errorf("direction at last visited = %d", after.DirectionNumberAtLastVisitedStation)
	}

	res = f.engine.Tick(t0.Add(5*time.Minute+30*time.Second), []rail.Observation{observe("T1", 16, 2, "RD", "A01")}, nil)
	if res.Trains["T1"].TripID != after.TripID {
		t.Error("trip id should hold after the reversal")
	}
}

func TestOffloadDetected(t *testing.T) {
	f := newFixture(t, defaultSeed)
	f.engine.Tick(t0, []rail.Observation{observe("T1", 14, 1, "RD", "D01")}, nil)

	out := observe("T1", 15, 1, "RD", "D01")
	out.ServiceType = rail.ServiceNoPassengers
	res := f.engine.Tick(t0.Add(10*time.Second), []rail.Observation{out}, nil)
	if len(res.Events.Offloads) != 1 {
		t.Fatalf("offloads = %d, want 1", len(res.Events.Offloads))
	}
	if got := res.Events.Offloads[0]; got.StationCode != "B01" || got.DestinationCode != "D01" {
		t.Errorf("offload = %+v", got)
	}
}

func TestDestinationCorrection(t *testing.T) {
	tests := []struct {
		name     string
		obs      rail.Observation
		wantDest string
	}{
		{"branch", observe("T1", 30, 1, "BL", "D01"), "E01"},
		{"terminal ahead", observe("T1", 17, 1, "RD", "E01"), "D01"},
		{"reachable", observe("T1", 14, 1, "RD", "D01"), "D01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, defaultSeed)
			ts := f.engine.Tick(t0, []rail.Observation{tt.obs}, nil).Trains["T1"]
			if ts.DestinationCode != tt.wantDest {
				t.Errorf("destination = %q, want %q", ts.DestinationCode, tt.wantDest)
			}
			if ts.OriginalDestinationCode != tt.obs.DestinationStationCode {
				t.Errorf("original destination = %q", ts.OriginalDestinationCode)
			}
		})
	}
}

func TestTailCircuitSnapsToNeighbor(t *testing.T) {
	f := newFixture(t, defaultSeed)
	ts := f.engine.Tick(t0, []rail.Observation{observe("T1", 119, 2, "RD", "A01")}, nil).Trains["T1"]
	if ts.CircuitID != 118 || ts.RawCircuitID != 119 {
		t.Errorf("circuit %d raw %d", ts.CircuitID, ts.RawCircuitID)
	}
	if ts.Status != rail.StatusBoarding || ts.LocationCode != "D01" {
		t.Errorf("status %q at %q", ts.Status, ts.LocationCode)
	}
}

func TestOffRevenueKeepsLastPosition(t *testing.T) {
	f := newFixture(t, defaultSeed)
	f.engine.Tick(t0, []rail.Observation{observe("T1", 14, 1, "RD", "D01")}, nil)

	yard := observe("T1", 5000, 1, "RD", "D01")
	yard.CarCount = 0
	yard.SecondsAtLocation = 40
	res := f.engine.Tick(t0.Add(5*time.Second), []rail.Observation{yard, observe("T2", 5001, 1, "RD", "D01")}, nil)

	ts := res.Trains["T1"]
	if ts == nil || !ts.NotOnRevenueTrack {
		t.Fatalf("train = %+v", ts)
	}
	if ts.CircuitID != 14 || ts.RawCircuitID != 5000 || ts.LocationCode != "C01" {
		t.Errorf("circuit %d raw %d location %q", ts.CircuitID, ts.RawCircuitID, ts.LocationCode)
	}
	if ts.Cars != "6" || ts.SecondsSinceLastMoved != 40 {
		t.Errorf("cars %q, seconds since moved %d", ts.Cars, ts.SecondsSinceLastMoved)
	}
	if _, ok := res.Trains["T2"]; ok {
		t.Error("unknown train off revenue track should be dropped")
	}
}

func TestMalformedObservationsSkipped(t *testing.T) {
	f := newFixture(t, defaultSeed)
	bad := observe("T1", 14, 3, "RD", "D01")
	ghost := observe("T2", 14, 1, "RD", "D01")
	ghost.CarCount = 0
	ghost.ServiceType = rail.ServiceUnknown
	res := f.engine.Tick(t0, []rail.Observation{bad, ghost, observe("", 14, 1, "RD", "D01")}, nil)
	if res.Skipped != 3 || len(res.Trains) != 0 {
		t.Errorf("skipped %d, trains %d", res.Skipped, len(res.Trains))
	}
}

func TestCars(t *testing.T) {
	withSix := &rail.TrainStatus{Cars: "6"}
	tests := []struct {
		n    int
		prev *rail.TrainStatus
		want string
	}{
		{2, nil, "8"},
		{4, nil, "6"},
		{3, nil, "3"},
		{0, nil, rail.NotApplicable},
		{0, withSix, "6"},
		{8, withSix, "8"},
	}
	for _, tt := range tests {
		if got := cars(tt.n, tt.prev); got != tt.want {
			t.Errorf("cars(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestDisappearance(t *testing.T) {
	f := newFixture(t, defaultSeed)
	f.engine.Tick(t0, []rail.Observation{
		observe("T1", 15, 1, "RD", "D01"),
		observe("T2", 18, 1, "RD", "D01"),
	}, nil)

	res := f.engine.Tick(t0.Add(5*time.Second), nil, nil)
	if len(res.Events.Disappearances) != 1 {
		t.Fatalf("disappearances = %+v", res.Events.Disappearances)
	}
	if got := res.Events.Disappearances[0]; got.TrainID != "T1" || got.LocationCode != "C01" {
		t.Errorf("disappearance = %+v", got)
	}
}

func TestBetweenStationDelayStatus(t *testing.T) {
	f := newFixture(t, defaultSeed)
	f.net.SetEstimatedDelay(13, 130) // B01 track 1
	f.net.SetEstimatedDelay(116, 70) // C01 track 2

	got := f.engine.BetweenStationDelayStatus()
	want := map[string]rail.DelayStatus{
		"A01_B01": rail.DelayedToOK,
		"B01_C01": rail.OKToDelayed,
		"B01_E01": rail.OKToDelayed,
		"C01_B01": rail.SlowToOK,
		"D01_C01": rail.OKToSlow,
	}
	if len(got) != len(want) {
		t.Errorf("got %v", got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestTrackDelayEstimatedOnArrival(t *testing.T) {
	f := newFixture(t, map[string]float64{"B01_C01": 1})
	f.engine.Tick(t0, []rail.Observation{observe("T1", 13, 1, "RD", "D01")}, nil)
	f.engine.Tick(t0.Add(5*time.Second), []rail.Observation{observe("T1", 14, 1, "RD", "D01")}, nil)
	f.engine.Tick(t0.Add(5*time.Second+4*time.Minute), []rail.Observation{observe("T1", 16, 1, "RD", "D01")}, nil)

	// Median 1.5 plus half a minute expected, four minutes plus five seconds
	// of dwell observed.
	if got := f.net.EstimatedDelay(13); got != 125 {
		t.Errorf("estimated delay = %d, want 125", got)
	}
}
