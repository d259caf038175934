package reconcile

import (
	"metrorail-tracker/internal/graph"
	"metrorail-tracker/internal/rail"
)

const (
	slowSeconds    = 60
	delayedSeconds = 120
)

const (
	levelOK = iota
	levelSlow
	levelDelayed
)

// delayStatuses is indexed by [child-side level][parent-side level].
var delayStatuses = [3][3]rail.DelayStatus{
	levelOK:      {"", rail.OKToSlow, rail.OKToDelayed},
	levelSlow:    {rail.SlowToOK, rail.SlowToSlow, rail.SlowToDelayed},
	levelDelayed: {rail.DelayedToOK, rail.DelayedToSlow, rail.DelayedToDelayed},
}

func (e *Engine) delayLevel(c *graph.Circuit) int {
	switch s := e.net.EstimatedDelay(c.ID); {
	case s >= delayedSeconds:
		return levelDelayed
	case s >= slowSeconds:
		return levelSlow
	}
	return levelOK
}

// BetweenStationDelayStatus classifies the track delay estimates of every
// pair of adjacent stations in travel order. Pairs where both platforms are
// running normally are omitted.
func (e *Engine) BetweenStationDelayStatus() map[string]rail.DelayStatus {
	out := make(map[string]rail.DelayStatus)
	for _, from := range e.net.StationCodes() {
		if fc, ok := e.net.StationCircuit(from, 1); ok {
			for _, to := range e.net.NextStationCodes(fc.ID, graph.DirectionChild).Sorted() {
				tc, ok := e.net.StationCircuit(to, 1)
				if !ok {
					continue
				}
				if s := delayStatuses[e.delayLevel(tc)][e.delayLevel(fc)]; s != "" {
					out[rail.StationKey(from, to)] = s
				}
			}
		}
		if fc, ok := e.net.StationCircuit(from, 2); ok {
			for _, to := range e.net.NextStationCodes(fc.ID, graph.DirectionParent).Sorted() {
				tc, ok := e.net.StationCircuit(to, 2)
				if !ok {
					continue
				}
				if s := delayStatuses[e.delayLevel(fc)][e.delayLevel(tc)]; s != "" {
					out[rail.StationKey(from, to)] = s
				}
			}
		}
	}
	return out
}
