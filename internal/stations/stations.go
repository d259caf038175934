// Package stations holds station and line metadata: names, abbreviations,
// GTFS identifiers and the two-level stations that share one display entry.
package stations

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

type Station struct {
	Code         string
	Abbreviation string
	Name         string
	Names        []string
	// Codes lists every platform code of the same physical station.
	Codes       []string
	GTFSStopIDs []string
}

type Line struct {
	Code        string
	Name        string
	GTFSRouteID string
}

// DefaultLines are the revenue lines of the network.
var DefaultLines = []Line{
	{Code: "RD", Name: "Red", GTFSRouteID: "RED"},
	{Code: "OR", Name: "Orange", GTFSRouteID: "ORANGE"},
	{Code: "SV", Name: "Silver", GTFSRouteID: "SILVER"},
	{Code: "BL", Name: "Blue", GTFSRouteID: "BLUE"},
	{Code: "YL", Name: "Yellow", GTFSRouteID: "YELLOW"},
	{Code: "GR", Name: "Green", GTFSRouteID: "GREEN"},
}

type Directory struct {
	stations map[string]*Station
	lines    map[string]Line
	routes   map[string]string // GTFS route id -> line code
	stops    map[string]string // GTFS stop id -> station code
	combined [][]string
}

// Load reads a stations CSV from path. See Parse for the format.
func Load(path string) (*Directory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open stations: %w", err)
	}
	defer f.Close()
	return Parse(f, DefaultLines)
}

// Parse reads rows of codes,abbreviation,names[,gtfs_stop_ids] where codes,
// names and stop ids are "|" separated. A row with several codes describes a
// station with platforms on more than one level.
func Parse(r io.Reader, lines []Line) (*Directory, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	d := &Directory{
		stations: make(map[string]*Station),
		lines:    make(map[string]Line),
		routes:   make(map[string]string),
		stops:    make(map[string]string),
	}
	for _, l := range lines {
		d.lines[l.Code] = l
		if l.GTFSRouteID != "" {
			d.routes[l.GTFSRouteID] = l.Code
		}
	}

	for line := 1; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read stations line %d: %w", line, err)
		}
		if len(row) < 3 || len(row) > 4 {
			return nil, fmt.Errorf("stations line %d: want 3 or 4 columns, got %d", line, len(row))
		}
		codes := splitList(row[0])
		names := splitList(row[2])
		if len(codes) == 0 || len(names) == 0 {
			return nil, fmt.Errorf("stations line %d: missing codes or names", line)
		}
		var stopIDs []string
		if len(row) == 4 {
			stopIDs = splitList(row[3])
		}
		for _, code := range codes {
			d.stations[code] = &Station{
				Code:         code,
				Abbreviation: strings.TrimSpace(row[1]),
				Name:         names[0],
				Names:        names,
				Codes:        codes,
				GTFSStopIDs:  stopIDs,
			}
		}
		for _, id := range stopIDs {
			d.stops[id] = codes[0]
		}
		if len(codes) > 1 {
			d.combined = append(d.combined, codes)
		}
	}
	if len(d.stations) == 0 {
		return nil, errors.New("stations: no rows")
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, "|") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (d *Directory) Station(code string) (*Station, bool) {
	s, ok := d.stations[code]
	return s, ok
}

func (d *Directory) Name(code string) (string, bool) {
	if s, ok := d.stations[code]; ok {
		return s.Name, true
	}
	return "", false
}

func (d *Directory) Abbreviation(code string) string {
	if s, ok := d.stations[code]; ok {
		return s.Abbreviation
	}
	return ""
}

func (d *Directory) LineName(code string) (string, bool) {
	l, ok := d.lines[code]
	return l.Name, ok
}

// LineForRoute maps a GTFS route id to a line code.
func (d *Directory) LineForRoute(routeID string) (string, bool) {
	code, ok := d.routes[routeID]
	return code, ok
}

// StationForStop maps a GTFS stop id to a station code.
func (d *Directory) StationForStop(stopID string) (string, bool) {
	code, ok := d.stops[stopID]
	return code, ok
}

// StopIDs returns every GTFS stop id known to the directory, sorted.
func (d *Directory) StopIDs() []string {
	out := make([]string, 0, len(d.stops))
	for id := range d.stops {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CombinedKeys returns the synthetic display keys of every multi-level
// station, each mapped to its member codes. Every ordering of the members is
// a key, joined with "|".
func (d *Directory) CombinedKeys() map[string][]string {
	out := make(map[string][]string)
	for _, codes := range d.combined {
		permute(codes, func(p []string) {
			out[strings.Join(p, "|")] = codes
		})
	}
	return out
}

func permute(codes []string, visit func([]string)) {
	p := append([]string(nil), codes...)
	var rec func(k int)
	rec = func(k int) {
		if k == len(p) {
			visit(append([]string(nil), p...))
			return
		}
		for i := k; i < len(p); i++ {
			p[k], p[i] = p[i], p[k]
			rec(k + 1)
			p[k], p[i] = p[i], p[k]
		}
	}
	rec(0)
}
