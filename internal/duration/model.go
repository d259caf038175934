// Package duration learns station-to-station travel times and answers ride
// time queries against an immutable snapshot that is rebuilt periodically.
package duration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"

	"metrorail-tracker/internal/graph"
	"metrorail-tracker/internal/rail"
)

// Sample is one observed trip between two adjacent stations.
type Sample struct {
	From      string
	To        string
	Minutes   float64
	ArrivedAt time.Time
}

// SampleSource supplies the trip history used by Rebuild.
type SampleSource interface {
	TripDurationSamples(ctx context.Context, since time.Time) ([]Sample, error)
}

// Approaching lists the trains currently headed for a station.
type Approaching interface {
	Approaching(station string) []*rail.TrainStatus
}

type Config struct {
	DefaultMinutes        float64
	BoardingPenalty       float64
	OriginBoardingPenalty float64
	RecentSamples         int
	Lookback              time.Duration
}

// Snapshot is a read-only view of every known pairwise duration. A snapshot
// is never modified once published.
type Snapshot struct {
	BuiltAt time.Time
	Samples int

	adjacent map[string]float64 // raw typical minutes, adjacent pairs only
	typical  map[string]float64
	median   map[string]float64
	trips    map[string][]string
	segments map[string]float64 // "<from>_<to>_<track>" -> feet
}

// Duration is the expected minutes from one station to another including
// boarding time at every stop on the way.
func (s *Snapshot) Duration(from, to string) (float64, bool) {
	d, ok := s.typical[rail.StationKey(from, to)]
	return d, ok
}

func (s *Snapshot) MedianDuration(from, to string) (float64, bool) {
	d, ok := s.median[rail.StationKey(from, to)]
	return d, ok
}

// Trip returns the ordered station codes from one station to another, both
// ends included.
func (s *Snapshot) Trip(from, to string) []string {
	return s.trips[rail.StationKey(from, to)]
}

// IntermediateStations returns the stops strictly between two stations.
func (s *Snapshot) IntermediateStations(from, to string) []string {
	trip := s.trips[rail.StationKey(from, to)]
	if len(trip) <= 2 {
		return nil
	}
	return trip[1 : len(trip)-1]
}

// SegmentDistance is the physical distance in feet between two adjacent
// stations' platforms on a track.
func (s *Snapshot) SegmentDistance(from, to string, track int) (float64, bool) {
	d, ok := s.segments[segmentKey(from, to, track)]
	return d, ok
}

func (s *Snapshot) IsAdjacent(from, to string) bool {
	_, ok := s.adjacent[rail.StationKey(from, to)]
	return ok
}

func segmentKey(from, to string, track int) string {
	return fmt.Sprintf("%s_%s_%d", from, to, track)
}

type lastTrip struct {
	minutes        float64
	minutesAtStart float64
	at             time.Time
}

// Model owns the current snapshot plus the live state learned between
// rebuilds. It is safe for concurrent use.
type Model struct {
	net  *graph.Network
	cfg  Config
	seed map[string]float64

	snap atomic.Pointer[Snapshot]

	mu        sync.Mutex
	live      map[string]*welford
	lastTrips map[string]lastTrip
}

// New returns a model whose first snapshot is built from seed durations
// alone. seed is keyed by rail.StationKey and may be nil.
func New(net *graph.Network, cfg Config, seed map[string]float64) *Model {
	if cfg.RecentSamples <= 0 {
		cfg.RecentSamples = 10
	}
	m := &Model{
		net:       net,
		cfg:       cfg,
		seed:      seed,
		live:      make(map[string]*welford),
		lastTrips: make(map[string]lastTrip),
	}
	m.snap.Store(m.Build(nil, time.Now()))
	return m
}

// Snapshot returns the current snapshot.
func (m *Model) Snapshot() *Snapshot {
	return m.snap.Load()
}

// Rebuild reloads trip history from src and atomically swaps in a new
// snapshot. The previous snapshot stays in place on error.
func (m *Model) Rebuild(ctx context.Context, src SampleSource, now time.Time) (*Snapshot, error) {
	samples, err := src.TripDurationSamples(ctx, now.Add(-m.cfg.Lookback))
	if err != nil {
		return nil, fmt.Errorf("load trip samples: %w", err)
	}
	snap := m.Build(samples, now)

	m.mu.Lock()
	m.snap.Store(snap)
	m.live = make(map[string]*welford)
	m.mu.Unlock()
	return snap, nil
}

// Build computes a snapshot from samples without publishing it.
func (m *Model) Build(samples []Sample, now time.Time) *Snapshot {
	byPair := make(map[string][]Sample)
	for _, s := range samples {
		if s.From == "" || s.To == "" || s.Minutes <= 0 {
			continue
		}
		k := rail.StationKey(s.From, s.To)
		byPair[k] = append(byPair[k], s)
	}

	snap := &Snapshot{
		BuiltAt:  now,
		Samples:  len(samples),
		adjacent: make(map[string]float64),
		typical:  make(map[string]float64),
		median:   make(map[string]float64),
		trips:    make(map[string][]string),
		segments: make(map[string]float64),
	}

	adjacentMedian := make(map[string]float64)
	for _, pair := range m.net.AdjacentStationPairs() {
		k := rail.StationKey(pair[0], pair[1])
		typical, median := m.cfg.DefaultMinutes, m.cfg.DefaultMinutes
		if ps := byPair[k]; len(ps) > 0 {
			typical, median = summarize(ps, m.cfg.RecentSamples)
		} else if d, ok := m.seed[k]; ok {
			typical, median = d, d
		}
		snap.adjacent[k] = typical
		adjacentMedian[k] = median

		for _, track := range []int{1, 2} {
			from, ok1 := m.net.StationCircuit(pair[0], track)
			to, ok2 := m.net.StationCircuit(pair[1], track)
			if !ok1 || !ok2 {
				continue
			}
			if d, ok := m.net.MinPhysicalDistance(from.ID, to.ID); ok {
				snap.segments[segmentKey(pair[0], pair[1], track)] = d
			}
		}
	}

	for k, v := range snap.adjacent {
		snap.typical[k] = v
	}
	for k, v := range adjacentMedian {
		snap.median[k] = v
	}

	codes := m.net.StationCodes()
	for _, from := range codes {
		for _, to := range codes {
			if from == to {
				continue
			}
			available, ok := m.net.StationCodesBetween(from, to)
			if !ok {
				continue
			}
			sorted := available.Sorted()
			k := rail.StationKey(from, to)

			typical, trip, ok := m.walk(snap.adjacent, sorted, from, to)
			if !ok {
				continue
			}
			snap.typical[k] = typical
			snap.trips[k] = trip
			if median, _, ok := m.walk(adjacentMedian, sorted, from, to); ok {
				snap.median[k] = median
			}
		}
	}
	return snap
}

// summarize returns the mean of the most recent samples and the median of
// all of them.
func summarize(samples []Sample, recent int) (float64, float64) {
	sort.Slice(samples, func(i, j int) bool { return samples[i].ArrivedAt.Before(samples[j].ArrivedAt) })

	all := make([]float64, len(samples))
	for i, s := range samples {
		all[i] = s.Minutes
	}
	tail := all
	if len(tail) > recent {
		tail = tail[len(tail)-recent:]
	}
	mean := stat.Mean(tail, nil)

	sorted := append([]float64(nil), all...)
	sort.Float64s(sorted)
	return mean, stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

// walk finds the first path from one station to another through the
// available stations, visiting candidates in sorted order and never
// revisiting a station. Each hop adds the origin boarding penalty when it
// leaves the origin and the full boarding penalty otherwise.
func (m *Model) walk(adjacent map[string]float64, available []string, from, to string) (float64, []string, bool) {
	visited := map[string]bool{from: true}
	path := []string{from}

	var step func(cur string, total float64) (float64, bool)
	step = func(cur string, total float64) (float64, bool) {
		if cur == to {
			return total, true
		}
		for _, next := range available {
			if visited[next] {
				continue
			}
			d, ok := adjacent[rail.StationKey(cur, next)]
			if !ok {
				continue
			}
			penalty := m.cfg.BoardingPenalty
			if cur == from {
				penalty = m.cfg.OriginBoardingPenalty
			}
			visited[next] = true
			path = append(path, next)
			if got, ok := step(next, total+d+penalty); ok {
				return got, true
			}
			path = path[:len(path)-1]
			delete(visited, next)
		}
		return 0, false
	}

	total, ok := step(from, 0)
	if !ok {
		return 0, nil, false
	}
	return total, append([]string(nil), path...), true
}

// Duration returns the expected minutes between two stations. Adjacent pairs
// reflect trips learned since the last rebuild.
func (m *Model) Duration(from, to string) (float64, bool) {
	k := rail.StationKey(from, to)
	m.mu.Lock()
	w, ok := m.live[k]
	m.mu.Unlock()
	if ok {
		return w.Mean + m.cfg.OriginBoardingPenalty, true
	}
	return m.snap.Load().Duration(from, to)
}

func (m *Model) MedianDuration(from, to string) (float64, bool) {
	return m.snap.Load().MedianDuration(from, to)
}

func (m *Model) IntermediateStations(from, to string) []string {
	return m.snap.Load().IntermediateStations(from, to)
}

func (m *Model) SegmentDistance(from, to string, track int) (float64, bool) {
	return m.snap.Load().SegmentDistance(from, to, track)
}

// ObserveTrip feeds one completed adjacent trip into the live average and,
// unless the train had been keyed down, into the last-trip tables used for
// ride time prediction.
func (m *Model) ObserveTrip(trip rail.TripRecord, keyedDown bool) {
	k := rail.StationKey(trip.DepartingStation, trip.ArrivingStation)
	snap := m.snap.Load()

	m.mu.Lock()
	defer m.mu.Unlock()

	if base, ok := snap.adjacent[k]; ok && trip.DurationMinutes > 0 {
		w, ok := m.live[k]
		if !ok {
			w = seededWelford(base, m.cfg.DefaultMinutes, m.cfg.RecentSamples)
			m.live[k] = w
		}
		w.Update(trip.DurationMinutes, m.cfg.RecentSamples)
	}

	if keyedDown {
		return
	}
	atStart := 0.0
	if trip.SecondsAtDepartingStation != nil {
		atStart = float64(*trip.SecondsAtDepartingStation) / 60
	}
	m.lastTrips[k] = lastTrip{minutes: trip.DurationMinutes, minutesAtStart: atStart, at: trip.ArrivingAt}
}

// PurgeBefore forgets last-trip observations older than cutoff and returns
// how many were removed.
func (m *Model) PurgeBefore(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, lt := range m.lastTrips {
		if lt.at.Before(cutoff) {
			delete(m.lastTrips, k)
			n++
		}
	}
	return n
}

// PredictedRideTime estimates the minutes from one station to another using
// the most recent trip on every hop, or the elapsed time of a train still
// running that hop when it is slower. When train is given the first hop is
// scaled down by how much of it the train has already covered.
func (m *Model) PredictedRideTime(now time.Time, from, to string, train *rail.TrainStatus, running Approaching) (float64, bool) {
	if from == "" || to == "" {
		return 0, false
	}
	if train != nil && (train.MinutesAway == nil || train.MaxMinutesAway == nil) {
		return 0, false
	}
	trip := m.snap.Load().Trip(from, to)
	if len(trip) < 2 {
		return 0, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	total, firstHop := 0.0, 0.0
	for i := 0; i+1 < len(trip); i++ {
		hopFrom, hopTo := trip[i], trip[i+1]
		lt, ok := m.lastTrips[rail.StationKey(hopFrom, hopTo)]
		if !ok {
			return 0, false
		}
		atStation := 0.0
		if i > 0 {
			atStation = lt.minutesAtStart
		}
		hop := lt.minutes + atStation
		if r := runningElapsed(now, hopFrom, hopTo, i > 0, running); r > hop {
			hop = r
		}
		if i == 0 {
			firstHop = hop
		}
		total += hop
	}

	if train != nil {
		done := 1.0
		if *train.MaxMinutesAway != 0 {
			done = 1 - clamp(*train.MinutesAway / *train.MaxMinutesAway, 0, 1)
		}
		total -= done * firstHop
	}
	return total, true
}

func runningElapsed(now time.Time, from, to string, countDwell bool, running Approaching) float64 {
	if running == nil {
		return 0
	}
	for _, t := range running.Approaching(to) {
		if t.KeyedDown || t.WasKeyedDown || t.LastVisitedStation == nil {
			continue
		}
		if t.LastVisitedStationCode != from || (t.LocationCode != from && t.LocationCode != to) {
			continue
		}
		elapsed := now.Sub(*t.LastVisitedStation).Minutes()
		if countDwell && t.SecondsAtLastVisitedStation != nil {
			elapsed += float64(*t.SecondsAtLastVisitedStation) / 60
		}
		return elapsed
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
