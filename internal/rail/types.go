package rail

import "time"

const (
	NotApplicable = "N/A"
	NoPassenger   = "No Passenger"

	StatusBoarding = "BRD"
	StatusArriving = "ARR"
	StatusUnknown  = "?"

	ServiceNoPassengers = "NoPassengers"
	ServiceUnknown      = "Unknown"
)

// Observation is one raw position report for a single train in one poll.
type Observation struct {
	TrainID                string
	TrainNumber            string
	CarCount               int
	DirectionNum           int
	CircuitID              int
	DestinationStationCode string
	LineCode               string
	SecondsAtLocation      int
	ServiceType            string
	ObservedAt             time.Time
}

// TrainStatus is the reconciled state of one train as of one tick. Values are
// never mutated after a tick publishes them.
type TrainStatus struct {
	TrainID     string `json:"trainId"`
	TrainNumber string `json:"trainNumber"`
	Cars        string `json:"cars"`

	LineCode                string `json:"lineCode"`
	OriginalLineCode        string `json:"originalLineCode,omitempty"`
	DestinationCode         string `json:"destinationCode,omitempty"`
	OriginalDestinationCode string `json:"originalDestinationCode,omitempty"`
	DestinationName         string `json:"destinationName"`
	DestinationAbbreviation string `json:"destinationAbbreviation,omitempty"`

	DirectionNumber int    `json:"directionNumber"`
	TrackNumber     int    `json:"trackNumber"`
	CircuitID       int    `json:"circuitId"`
	RawCircuitID    int    `json:"rawCircuitId"`
	CircuitName     string `json:"circuitName,omitempty"` // physical track id

	LocationCode        string `json:"locationCode,omitempty"` // current or next station
	LocationName        string `json:"locationName"`
	PreviousStationCode string `json:"previousStationCode,omitempty"`

	Status                  string     `json:"status"` // BRD, ARR, whole minutes, or ?
	ParentStatus            string     `json:"parentStatus,omitempty"`
	MinutesAway             *float64   `json:"minutesAway,omitempty"`
	MaxMinutesAway          *float64   `json:"maxMinutesAway,omitempty"`
	EstimatedMinutesAway    *float64   `json:"estimatedMinutesAway,omitempty"`
	DistanceFromNextStation *int       `json:"distanceFromNextStation,omitempty"` // feet
	ScheduledTime           *time.Time `json:"scheduledTime,omitempty"`
	IsScheduled             bool       `json:"isScheduled"`

	SpeedMPH   *int     `json:"speedMph,omitempty"`
	BearingDeg *float64 `json:"bearingDeg,omitempty"`
	Lat        *float64 `json:"lat,omitempty"`
	Lon        *float64 `json:"lon,omitempty"`

	SecondsSinceLastMoved int        `json:"secondsSinceLastMoved"`
	LastMovedCircuits     *time.Time `json:"lastMovedCircuits,omitempty"`

	LastVisitedStation                  *time.Time `json:"lastVisitedStation,omitempty"`
	LastVisitedStationCode              string     `json:"lastVisitedStationCode,omitempty"`
	SecondsAtLastVisitedStation         *int       `json:"secondsAtLastVisitedStation,omitempty"`
	TrackNumberAtLastVisitedStation     int        `json:"-"`
	DirectionNumberAtLastVisitedStation int        `json:"-"`
	LineCodeAtLastVisitedStation        string     `json:"-"`
	DestinationCodeAtLastVisitedStation string     `json:"-"`

	SecondsDelayed     int  `json:"secondsDelayed"`
	SecondsOffSchedule int  `json:"secondsOffSchedule"`
	KeyedDown          bool `json:"keyedDown"`
	WasKeyedDown       bool `json:"wasKeyedDown"`
	NotOnRevenueTrack  bool `json:"notOnRevenueTrack"`

	TripID        string         `json:"tripId"`
	FirstObserved time.Time      `json:"firstObserved"`
	ObservedAt    time.Time      `json:"observedAt"`
	TagCounts     map[string]int `json:"tagCounts,omitempty"`
}

// InService reports whether the train carries passengers on a known line.
func (s *TrainStatus) InService() bool {
	return s.LineCode != "" && s.LineCode != NotApplicable
}

// DelayStatus classifies the estimated track delays between two adjacent
// stations. The first half describes the station toward the child end of the
// track, the second the one toward the parent end.
type DelayStatus string

const (
	OKToSlow         DelayStatus = "OK_TO_SLOW"
	OKToDelayed      DelayStatus = "OK_TO_DELAYED"
	SlowToOK         DelayStatus = "SLOW_TO_OK"
	SlowToSlow       DelayStatus = "SLOW_TO_SLOW"
	SlowToDelayed    DelayStatus = "SLOW_TO_DELAYED"
	DelayedToOK      DelayStatus = "DELAYED_TO_OK"
	DelayedToSlow    DelayStatus = "DELAYED_TO_SLOW"
	DelayedToDelayed DelayStatus = "DELAYED_TO_DELAYED"
)

// StationKey joins station codes the way every pairwise table is keyed.
func StationKey(from, to string) string {
	return from + "_" + to
}
