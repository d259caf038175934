package graph

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
)

// Indeterminate is returned by NextStationCode when more than one station is
// nearest in the requested direction (a junction).
const Indeterminate = "INDETERMINATE"

// ignoredLines are pseudo-lines present in route data that do not describe
// revenue track.
var ignoredLines = map[string]bool{"YLRP": true}

var ErrMalformedTopology = errors.New("malformed topology")

// DefaultWalkLimit caps the circuits one distance walk may enter in each
// direction.
const DefaultWalkLimit = 20000

// Direction 1 follows child edges, direction 2 follows parent edges.
const (
	DirectionChild  = 1
	DirectionParent = 2
)

// StationSet is a set of station codes.
type StationSet map[string]struct{}

func (s StationSet) Has(code string) bool {
	_, ok := s[code]
	return ok
}

func (s StationSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for code := range s {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

func (s StationSet) Equal(o StationSet) bool {
	if len(s) != len(o) {
		return false
	}
	for code := range s {
		if !o.Has(code) {
			return false
		}
	}
	return true
}

// Circuit is one track-detection segment. Circuits are owned by a Network
// and must not be modified after Build returns.
type Circuit struct {
	ID          int
	Track       int
	StationCode string
	Lines       []string
	TrackID     string  // physical segment; several circuit ids may share one
	Length      float64 // feet

	parents  []int
	children []int

	// reachable station codes beyond each neighbor, keyed by neighbor id
	parentStations map[int]StationSet
	childStations  map[int]StationSet
	// nearest station codes in each direction
	nextParent StationSet
	nextChild  StationSet
}

func (c *Circuit) Parents() []int  { return c.parents }
func (c *Circuit) Children() []int { return c.children }

// IsStation reports whether the circuit is a platform.
func (c *Circuit) IsStation() bool { return c.StationCode != "" }

func (c *Circuit) neighbors(direction int) []int {
	if direction == DirectionParent {
		return c.parents
	}
	return c.children
}

// Network is the circuit graph. Its shape is immutable after Build; only the
// per-circuit delay estimates change, and those are atomic.
type Network struct {
	circuits        map[int]*Circuit
	stationCircuits map[string]int // "<station>_<track>" -> circuit id
	stationCodes    StationSet
	locations       map[int]Location
	delays          map[int]*atomic.Int32
	walkLimit       int
}

// Build constructs the graph from ordered route circuit sequences. Any
// structural problem is reported as ErrMalformedTopology.
func Build(t Topology) (*Network, error) {
	if len(t.Routes) == 0 {
		return nil, fmt.Errorf("%w: no routes", ErrMalformedTopology)
	}

	n := &Network{
		circuits:        make(map[int]*Circuit),
		stationCircuits: make(map[string]int),
		stationCodes:    make(StationSet),
		locations:       t.Locations,
		delays:          make(map[int]*atomic.Int32),
		walkLimit:       DefaultWalkLimit,
	}
	if n.locations == nil {
		n.locations = make(map[int]Location)
	}

	lines := make(map[int]map[string]struct{})
	for _, r := range t.Routes {
		if ignoredLines[r.LineCode] {
			continue
		}
		if r.TrackNum != 1 && r.TrackNum != 2 {
			return nil, fmt.Errorf("%w: route %s has track %d", ErrMalformedTopology, r.LineCode, r.TrackNum)
		}
		if len(r.Circuits) < 2 {
			return nil, fmt.Errorf("%w: route %s track %d has %d circuits", ErrMalformedTopology, r.LineCode, r.TrackNum, len(r.Circuits))
		}
		seq := append([]RouteCircuit(nil), r.Circuits...)
		sort.SliceStable(seq, func(i, j int) bool { return seq[i].SeqNum < seq[j].SeqNum })

		var prev *Circuit
		for _, rc := range seq {
			if rc.CircuitID <= 0 {
				return nil, fmt.Errorf("%w: route %s has circuit id %d", ErrMalformedTopology, r.LineCode, rc.CircuitID)
			}
			c, ok := n.circuits[rc.CircuitID]
			if !ok {
				c = &Circuit{
					ID:             rc.CircuitID,
					Track:          r.TrackNum,
					StationCode:    rc.StationCode,
					parentStations: make(map[int]StationSet),
					childStations:  make(map[int]StationSet),
					nextParent:     make(StationSet),
					nextChild:      make(StationSet),
				}
				if info, ok := t.Info[rc.CircuitID]; ok {
					c.TrackID = info.TrackID
					c.Length = info.Length
				}
				n.circuits[c.ID] = c
				lines[c.ID] = make(map[string]struct{})
			} else if c.StationCode == "" && rc.StationCode != "" {
				c.StationCode = rc.StationCode
			}
			lines[c.ID][r.LineCode] = struct{}{}

			if prev != nil && prev.ID != c.ID {
				prev.children = appendUnique(prev.children, c.ID)
				c.parents = appendUnique(c.parents, prev.ID)
			}
			prev = c
		}
	}
	if len(n.circuits) == 0 {
		return nil, fmt.Errorf("%w: no revenue circuits", ErrMalformedTopology)
	}

	for id, c := range n.circuits {
		for line := range lines[id] {
			c.Lines = append(c.Lines, line)
		}
		sort.Strings(c.Lines)
		if c.StationCode != "" {
			n.stationCircuits[stationTrackKey(c.StationCode, c.Track)] = id
			n.stationCodes[c.StationCode] = struct{}{}
		}
		n.delays[id] = new(atomic.Int32)
	}

	for _, c := range n.circuits {
		for _, p := range c.parents {
			c.parentStations[p] = n.reachableStations(p, DirectionParent)
			n.collectNextStations(p, DirectionParent, make(map[int]bool), c.nextParent)
		}
		for _, ch := range c.children {
			c.childStations[ch] = n.reachableStations(ch, DirectionChild)
			n.collectNextStations(ch, DirectionChild, make(map[int]bool), c.nextChild)
		}
	}
	return n, nil
}

func appendUnique(ids []int, id int) []int {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func stationTrackKey(code string, track int) string {
	return code + "_" + strconv.Itoa(track)
}

// reachableStations walks every circuit reachable from start in direction,
// start included, and returns the station codes found.
func (n *Network) reachableStations(start, direction int) StationSet {
	out := make(StationSet)
	visited := map[int]bool{start: true}
	stack := []int{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		c := n.circuits[id]
		if c.StationCode != "" {
			out[c.StationCode] = struct{}{}
		}
		for _, next := range c.neighbors(direction) {
			if !visited[next] {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	return out
}

// collectNextStations stops each branch at the first platform it reaches.
func (n *Network) collectNextStations(id, direction int, visited map[int]bool, out StationSet) {
	if visited[id] {
		return
	}
	visited[id] = true
	c := n.circuits[id]
	if c.StationCode != "" {
		out[c.StationCode] = struct{}{}
		return
	}
	for _, next := range c.neighbors(direction) {
		n.collectNextStations(next, direction, visited, out)
	}
}

func (n *Network) Circuit(id int) (*Circuit, bool) {
	c, ok := n.circuits[id]
	return c, ok
}

func (n *Network) Len() int { return len(n.circuits) }

// CircuitIDs returns every circuit id, sorted.
func (n *Network) CircuitIDs() []int {
	ids := make([]int, 0, len(n.circuits))
	for id := range n.circuits {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// StationCircuit returns the platform circuit of a station on a track.
func (n *Network) StationCircuit(code string, track int) (*Circuit, bool) {
	id, ok := n.stationCircuits[stationTrackKey(code, track)]
	if !ok {
		return nil, false
	}
	return n.circuits[id], true
}

// StationCodes returns every station code in the graph, sorted.
func (n *Network) StationCodes() []string {
	return n.stationCodes.Sorted()
}

func (n *Network) HasStation(code string) bool {
	return n.stationCodes.Has(code)
}

// NextStationCodes returns the nearest station codes from a circuit in a
// direction, not counting the circuit itself.
func (n *Network) NextStationCodes(id, direction int) StationSet {
	c, ok := n.circuits[id]
	if !ok {
		return nil
	}
	if direction == DirectionParent {
		return c.nextParent
	}
	return c.nextChild
}

// NextStationCode returns the single nearest station in a direction, "" when
// there is none, or Indeterminate when several are equally next.
func (n *Network) NextStationCode(id, direction int) string {
	next := n.NextStationCodes(id, direction)
	switch len(next) {
	case 0:
		return ""
	case 1:
		for code := range next {
			return code
		}
	}
	return Indeterminate
}

// IsValidStationCode reports whether a NextStationCode result names a station.
func IsValidStationCode(code string) bool {
	return code != "" && code != Indeterminate
}

// ReachableStations is the union of every station code reachable beyond the
// circuit's neighbors in a direction.
func (n *Network) ReachableStations(id, direction int) StationSet {
	out := make(StationSet)
	for _, set := range n.neighborStations(id, direction) {
		for code := range set {
			out[code] = struct{}{}
		}
	}
	return out
}

func (n *Network) neighborStations(id, direction int) []StationSet {
	c, ok := n.circuits[id]
	if !ok {
		return nil
	}
	src := c.childStations
	if direction == DirectionParent {
		src = c.parentStations
	}
	out := make([]StationSet, 0, len(src))
	for _, nb := range c.neighbors(direction) {
		out = append(out, src[nb])
	}
	return out
}

// IsOrNearStation reports whether the circuit is a platform or borders one.
func (n *Network) IsOrNearStation(id int) bool {
	c, ok := n.circuits[id]
	if !ok {
		return false
	}
	if c.StationCode != "" {
		return true
	}
	for _, nb := range c.children {
		if n.circuits[nb].StationCode != "" {
			return true
		}
	}
	for _, nb := range c.parents {
		if n.circuits[nb].StationCode != "" {
			return true
		}
	}
	return false
}

// StationNeighborhood returns the platform circuits of a station on both
// tracks plus their immediate neighbors.
func (n *Network) StationNeighborhood(code string) map[int]struct{} {
	out := make(map[int]struct{})
	for _, track := range []int{1, 2} {
		c, ok := n.StationCircuit(code, track)
		if !ok {
			continue
		}
		out[c.ID] = struct{}{}
		for _, nb := range c.children {
			out[nb] = struct{}{}
		}
		for _, nb := range c.parents {
			out[nb] = struct{}{}
		}
	}
	return out
}

// TerminalCircuits expands terminal stations into the set of circuits a train
// may occupy while laying over there.
func (n *Network) TerminalCircuits(stations []string) map[int]struct{} {
	out := make(map[int]struct{})
	for _, code := range stations {
		for id := range n.StationNeighborhood(code) {
			out[id] = struct{}{}
		}
	}
	return out
}

// StationCodesBetween returns the stations on the path between two stations,
// both ends included, or false when no path exists. Paths are searched
// forward first and then with the direction swapped.
func (n *Network) StationCodesBetween(from, to string) (StationSet, bool) {
	if from == to {
		return StationSet{from: {}}, true
	}
	fromCircuit, ok := n.StationCircuit(from, 1)
	if !ok {
		return nil, false
	}
	toCircuit, ok := n.StationCircuit(to, 1)
	if !ok {
		return nil, false
	}

	search := func(fromDir, toDir int) (StationSet, bool) {
		for _, fromSet := range n.neighborStations(fromCircuit.ID, fromDir) {
			for _, toSet := range n.neighborStations(toCircuit.ID, toDir) {
				between := make(StationSet)
				for code := range fromSet {
					if toSet.Has(code) {
						between[code] = struct{}{}
					}
				}
				if len(between) > 0 || (fromSet.Has(to) && toSet.Has(from)) {
					between[from] = struct{}{}
					between[to] = struct{}{}
					return between, true
				}
			}
		}
		return nil, false
	}

	if between, ok := search(DirectionChild, DirectionParent); ok {
		return between, true
	}
	return search(DirectionParent, DirectionChild)
}

// AdjacentStationPairs lists every ordered pair of stations with no other
// station between them on some track.
func (n *Network) AdjacentStationPairs() [][2]string {
	seen := make(map[[2]string]bool)
	var out [][2]string
	add := func(a, b string) {
		p := [2]string{a, b}
		if a == b || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}
	for _, c := range n.circuits {
		if c.StationCode == "" {
			continue
		}
		for code := range c.nextChild {
			add(c.StationCode, code)
			add(code, c.StationCode)
		}
		for code := range c.nextParent {
			add(c.StationCode, code)
			add(code, c.StationCode)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// SetWalkLimit bounds MinPhysicalDistance searches. A limit of zero or less
// restores DefaultWalkLimit. Call it before the network is shared.
func (n *Network) SetWalkLimit(limit int) {
	if limit <= 0 {
		limit = DefaultWalkLimit
	}
	n.walkLimit = limit
}

// MinPhysicalDistance walks from one circuit to another, children first and
// then parents, and returns the physical length covered in feet. The target
// circuit's own length is not counted, and a physical segment aliased by
// several circuit ids is counted once. Each direction gives up after entering
// the walk limit's worth of circuits.
func (n *Network) MinPhysicalDistance(from, to int) (float64, bool) {
	if _, ok := n.circuits[from]; !ok {
		return 0, false
	}
	if _, ok := n.circuits[to]; !ok {
		return 0, false
	}
	for _, direction := range []int{DirectionChild, DirectionParent} {
		w := distanceWalk{
			n:         n,
			to:        to,
			direction: direction,
			budget:    n.walkLimit,
			visited:   make(map[int]bool),
			tracks:    make(map[string]bool),
		}
		if d, ok := w.walk(from, 0); ok {
			return d, true
		}
	}
	return 0, false
}

type distanceWalk struct {
	n         *Network
	to        int
	direction int
	budget    int
	visited   map[int]bool
	tracks    map[string]bool
}

func (w *distanceWalk) walk(id int, covered float64) (float64, bool) {
	if id == w.to {
		return covered, true
	}
	if w.budget <= 0 {
		return 0, false
	}
	w.budget--
	c := w.n.circuits[id]
	w.visited[id] = true
	defer delete(w.visited, id)

	if c.TrackID != "" && !w.tracks[c.TrackID] {
		w.tracks[c.TrackID] = true
		defer delete(w.tracks, c.TrackID)
		covered += c.Length
	}

	for _, next := range c.neighbors(w.direction) {
		if w.budget <= 0 {
			break
		}
		if w.visited[next] {
			continue
		}
		if d, ok := w.walk(next, covered); ok {
			return d, true
		}
	}
	return 0, false
}

// DistanceToStation is MinPhysicalDistance from a circuit to a station's
// platform on the same track.
func (n *Network) DistanceToStation(from int, station string) (float64, bool) {
	c, ok := n.circuits[from]
	if !ok || station == "" {
		return 0, false
	}
	target, ok := n.StationCircuit(station, c.Track)
	if !ok {
		return 0, false
	}
	return n.MinPhysicalDistance(from, target.ID)
}

// SetEstimatedDelay records the latest delay estimate for a circuit.
func (n *Network) SetEstimatedDelay(id, seconds int) {
	if d, ok := n.delays[id]; ok {
		d.Store(int32(seconds))
	}
}

func (n *Network) EstimatedDelay(id int) int {
	if d, ok := n.delays[id]; ok {
		return int(d.Load())
	}
	return 0
}

// TerminalStations returns the stations at the end of a line: those whose
// track 1 platform has no next station in one of the two directions.
func (n *Network) TerminalStations() []string {
	var out []string
	for _, code := range n.stationCodes.Sorted() {
		c, ok := n.StationCircuit(code, 1)
		if !ok {
			continue
		}
		if len(c.nextChild) == 0 || len(c.nextParent) == 0 {
			out = append(out, code)
		}
	}
	return out
}
