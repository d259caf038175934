package rail

import "time"

// TripRecord is one completed station-to-station run.
type TripRecord struct {
	TrainID                   string    `json:"trainId"`
	TrainNumber               string    `json:"trainNumber"`
	LineCode                  string    `json:"lineCode,omitempty"`
	DestinationCode           string    `json:"destinationCode,omitempty"`
	Cars                      *int      `json:"cars,omitempty"`
	DepartingStation          string    `json:"departingStation"`
	DepartingAt               time.Time `json:"departingAt"`
	ArrivingStation           string    `json:"arrivingStation"`
	ArrivingTrack             int       `json:"arrivingTrack"`
	ArrivingAt                time.Time `json:"arrivingAt"`
	DurationMinutes           float64   `json:"durationMinutes"`
	SecondsAtDepartingStation *int      `json:"secondsAtDepartingStation,omitempty"`
	DirectionNumber           int       `json:"directionNumber"`
	TripID                    string    `json:"tripId"`
}

// Offload records a revenue train going out of service mid-route.
type Offload struct {
	At              time.Time `json:"at"`
	TrainID         string    `json:"trainId"`
	TrainNumber     string    `json:"trainNumber"`
	LineCode        string    `json:"lineCode"`
	DirectionNumber int       `json:"directionNumber"`
	DestinationCode string    `json:"destinationCode"`
	StationCode     string    `json:"stationCode"`
}

// Disappearance records a located train missing from the latest poll.
type Disappearance struct {
	At                  time.Time `json:"at"`
	TrainID             string    `json:"trainId"`
	TrainNumber         string    `json:"trainNumber"`
	LineCode            string    `json:"lineCode"`
	DirectionNumber     int       `json:"directionNumber"`
	CircuitID           int       `json:"circuitId"`
	LocationCode        string    `json:"locationCode"`
	PreviousStationCode string    `json:"previousStationCode"`
	DestinationCode     string    `json:"destinationCode"`
}

// DuplicateMerge records two sensor ids folded into one physical train.
type DuplicateMerge struct {
	At              time.Time `json:"at"`
	TrainNumber     string    `json:"trainNumber"`
	KeptTrainID     string    `json:"keptTrainId"`
	RemovedTrainID  string    `json:"removedTrainId"`
	LineCode        string    `json:"lineCode"`
	DestinationCode string    `json:"destinationCode"`
	Reattached      bool      `json:"reattached"`
}

// Departure records a train leaving a station's platform neighborhood.
type Departure struct {
	At                   time.Time `json:"at"`
	TrainID              string    `json:"trainId"`
	TrainNumber          string    `json:"trainNumber"`
	LineCode             string    `json:"lineCode"`
	DirectionNumber      int       `json:"directionNumber"`
	StationCode          string    `json:"stationCode"`
	DestinationCode      string    `json:"destinationCode"`
	Cars                 *int      `json:"cars,omitempty"`
	MinutesSincePrevious *float64  `json:"minutesSincePrevious,omitempty"`
}

// ExpressedStation records a train that appears to have skipped a stop.
type ExpressedStation struct {
	At               time.Time `json:"at"`
	TrainID          string    `json:"trainId"`
	TrainNumber      string    `json:"trainNumber"`
	LineCode         string    `json:"lineCode"`
	DirectionNumber  int       `json:"directionNumber"`
	StationCode      string    `json:"stationCode"`
	DestinationCode  string    `json:"destinationCode"`
	SecondsAtStation int       `json:"secondsAtStation"`
}

// Events collects every diagnostic record produced by one tick.
type Events struct {
	Trips          []TripRecord       `json:"trips,omitempty"`
	Offloads       []Offload          `json:"offloads,omitempty"`
	Disappearances []Disappearance    `json:"disappearances,omitempty"`
	Duplicates     []DuplicateMerge   `json:"duplicates,omitempty"`
	Departures     []Departure        `json:"departures,omitempty"`
	Expressed      []ExpressedStation `json:"expressed,omitempty"`
}

func (e *Events) Len() int {
	return len(e.Trips) + len(e.Offloads) + len(e.Disappearances) + len(e.Duplicates) + len(e.Departures) + len(e.Expressed)
}
