package graph

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Topology is the raw input to Build.
type Topology struct {
	Routes    []Route
	Info      map[int]CircuitInfo
	Locations map[int]Location
}

type Route struct {
	LineCode string         `json:"LineCode"`
	TrackNum int            `json:"TrackNum"`
	Circuits []RouteCircuit `json:"TrackCircuits"`
}

type RouteCircuit struct {
	SeqNum      int    `json:"SeqNum"`
	CircuitID   int    `json:"CircuitId"`
	StationCode string `json:"StationCode"`
}

type CircuitInfo struct {
	TrackID string
	Length  float64 // feet
}

type Location struct {
	Lat float64
	Lon float64
}

// TopologyFiles names the three inputs LoadTopology reads. Locations is
// optional.
type TopologyFiles struct {
	Routes    string
	Circuits  string
	Locations string
}

// LoadStats reports how much of the input was usable.
type LoadStats struct {
	Routes          int
	CircuitRows     int
	SkippedCircuits int
	Locations       int
}

// LoadTopology reads every topology file and returns the combined input.
func LoadTopology(files TopologyFiles) (Topology, LoadStats, error) {
	var stats LoadStats

	f, err := os.Open(files.Routes)
	if err != nil {
		return Topology{}, stats, fmt.Errorf("open routes: %w", err)
	}
	routes, err := LoadStandardRoutes(f)
	f.Close()
	if err != nil {
		return Topology{}, stats, err
	}
	stats.Routes = len(routes)

	f, err = os.Open(files.Circuits)
	if err != nil {
		return Topology{}, stats, fmt.Errorf("open circuits: %w", err)
	}
	info, skipped, err := LoadCircuitInfo(f)
	f.Close()
	if err != nil {
		return Topology{}, stats, err
	}
	stats.CircuitRows = len(info)
	stats.SkippedCircuits = skipped

	t := Topology{Routes: routes, Info: info}
	if files.Locations != "" {
		f, err = os.Open(files.Locations)
		if err != nil {
			return Topology{}, stats, fmt.Errorf("open locations: %w", err)
		}
		t.Locations, err = LoadLocations(f)
		f.Close()
		if err != nil {
			return Topology{}, stats, err
		}
		stats.Locations = len(t.Locations)
	}
	return t, stats, nil
}

// LoadStandardRoutes decodes the standard-routes document.
func LoadStandardRoutes(r io.Reader) ([]Route, error) {
	var doc struct {
		StandardRoutes []Route `json:"StandardRoutes"`
	}
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode routes: %v", ErrMalformedTopology, err)
	}
	if len(doc.StandardRoutes) == 0 {
		return nil, fmt.Errorf("%w: no routes", ErrMalformedTopology)
	}
	return doc.StandardRoutes, nil
}

const circuitInfoColumns = 12

// LoadCircuitInfo reads the circuit table: a header row, then one row per
// circuit with the api id in column 0, the physical track id in column 1 and
// the length in feet in column 10. Unusable rows are skipped and counted.
func LoadCircuitInfo(r io.Reader) (map[int]CircuitInfo, int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, fmt.Errorf("%w: empty circuit table", ErrMalformedTopology)
		}
		return nil, 0, fmt.Errorf("read circuit header: %w", err)
	}

	out := make(map[int]CircuitInfo)
	skipped := 0
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, skipped, fmt.Errorf("read circuit row: %w", err)
		}
		if len(row) != circuitInfoColumns {
			skipped++
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(row[0]))
		if err != nil || id <= 0 {
			skipped++
			continue
		}
		length, err := strconv.ParseFloat(strings.TrimSpace(row[10]), 64)
		if err != nil {
			skipped++
			continue
		}
		out[id] = CircuitInfo{TrackID: strings.TrimSpace(row[1]), Length: length}
	}
	return out, skipped, nil
}

// LoadLocations reads circuit_id,lat,lon rows. A header row is tolerated.
func LoadLocations(r io.Reader) (map[int]Location, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 3
	cr.TrimLeadingSpace = true

	out := make(map[int]Location)
	for line := 1; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read locations line %d: %w", line, err)
		}
		id, err := strconv.Atoi(row[0])
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("locations line %d: bad circuit id %q", line, row[0])
		}
		lat, err1 := strconv.ParseFloat(row[1], 64)
		lon, err2 := strconv.ParseFloat(row[2], 64)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("locations line %d: bad coordinates", line)
		}
		out[id] = Location{Lat: lat, Lon: lon}
	}
	return out, nil
}
