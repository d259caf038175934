package reconcile

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// Record is the latest arrival or departure observed for one key.
type Record struct {
	StationCode          string
	LineCode             string
	DirectionNumber      int
	DestinationCode      string // departures only
	TrainID              string
	At                   time.Time
	MinutesSincePrevious *float64
}

// Records holds the last arrival per (station, line, direction) and the last
// departure per (station, line, destination). It is safe for concurrent use.
type Records struct {
	mu         sync.Mutex
	arrivals   map[string]*Record
	departures map[string]*Record
}

func NewRecords() *Records {
	return &Records{
		arrivals:   make(map[string]*Record),
		departures: make(map[string]*Record),
	}
}

func arrivalKey(station, line string, direction int) string {
	return strings.Join([]string{station, line, strconv.Itoa(direction)}, "_")
}

func departureKey(station, line, destination string) string {
	return strings.Join([]string{station, line, destination}, "_")
}

// Arrive stores an arrival unless the stored record already belongs to the
// same train heading the same way. It reports whether anything changed.
func (r *Records) Arrive(station, line string, direction int, trainID string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := arrivalKey(station, line, direction)
	rec, ok := r.arrivals[k]
	if !ok {
		r.arrivals[k] = &Record{StationCode: station, LineCode: line, DirectionNumber: direction, TrainID: trainID, At: at}
		return true
	}
	if rec.TrainID == trainID && rec.DirectionNumber == direction {
		return false
	}
	since := at.Sub(rec.At).Minutes()
	rec.MinutesSincePrevious = &since
	rec.At = at
	rec.TrainID = trainID
	rec.DirectionNumber = direction
	return true
}

// Depart handles one departure. emit is false when the stored record already
// describes this train and direction. The record itself is only written when
// both line and destination are known. since is the gap to the previous
// departure under the same key, when there was one.
func (r *Records) Depart(station, line, destination string, direction int, trainID string, at time.Time) (since *float64, emit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := departureKey(station, line, destination)
	rec, ok := r.departures[k]
	emit = !ok || rec.TrainID != trainID || rec.DirectionNumber != direction
	if ok && emit {
		d := at.Sub(rec.At).Minutes()
		since = &d
	}
	if line == "" || destination == "" || !emit {
		return since, emit
	}
	if !ok {
		r.departures[k] = &Record{StationCode: station, LineCode: line, DirectionNumber: direction, DestinationCode: destination, TrainID: trainID, At: at}
		return since, emit
	}
	rec.MinutesSincePrevious = since
	rec.At = at
	rec.TrainID = trainID
	rec.DirectionNumber = direction
	return since, emit
}

// LastArrival returns a copy of the stored arrival for a key.
func (r *Records) LastArrival(station, line string, direction int) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.arrivals[arrivalKey(station, line, direction)]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// LastDeparture returns a copy of the stored departure for a key.
func (r *Records) LastDeparture(station, line, destination string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.departures[departureKey(station, line, destination)]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// PurgeBefore drops records last touched before cutoff, treating their keys
// as no longer served, and returns how many were removed.
func (r *Records) PurgeBefore(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range []map[string]*Record{r.arrivals, r.departures} {
		for k, rec := range m {
			if rec.At.Before(cutoff) {
				delete(m, k)
				n++
			}
		}
	}
	return n
}

func (r *Records) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.arrivals) + len(r.departures)
}
