package rail

import "time"

// Snapshot is the published output of one tick. Readers share it and must not
// modify it.
type Snapshot struct {
	At          time.Time                 `json:"at"`
	Trains      map[string]*TrainStatus   `json:"trains"`
	Stations    map[string][]*TrainStatus `json:"stations"`
	DelayStatus map[string]DelayStatus    `json:"delayStatus,omitempty"`
}

// EmptySnapshot has non-nil maps and a zero time.
func EmptySnapshot() *Snapshot {
	return &Snapshot{
		Trains:      map[string]*TrainStatus{},
		Stations:    map[string][]*TrainStatus{},
		DelayStatus: map[string]DelayStatus{},
	}
}

// Event kinds, used as subject tokens and metric labels.
const (
	EventTrip          = "trip"
	EventOffload       = "offload"
	EventDisappearance = "disappearance"
	EventDuplicate     = "duplicate"
	EventDeparture     = "departure"
	EventExpressed     = "expressed"
)

// ByKind returns the non-empty event slices keyed by kind.
func (e *Events) ByKind() map[string]any {
	out := make(map[string]any)
	if len(e.Trips) > 0 {
		out[EventTrip] = e.Trips
	}
	if len(e.Offloads) > 0 {
		out[EventOffload] = e.Offloads
	}
	if len(e.Disappearances) > 0 {
		out[EventDisappearance] = e.Disappearances
	}
	if len(e.Duplicates) > 0 {
		out[EventDuplicate] = e.Duplicates
	}
	if len(e.Departures) > 0 {
		out[EventDeparture] = e.Departures
	}
	if len(e.Expressed) > 0 {
		out[EventExpressed] = e.Expressed
	}
	return out
}

// Counts returns the number of events of each kind, including zeros.
func (e *Events) Counts() map[string]int {
	return map[string]int{
		EventTrip:          len(e.Trips),
		EventOffload:       len(e.Offloads),
		EventDisappearance: len(e.Disappearances),
		EventDuplicate:     len(e.Duplicates),
		EventDeparture:     len(e.Departures),
		EventExpressed:     len(e.Expressed),
	}
}
