package reconcile

import "sort"

// BiMap remembers which sensor id was folded into which. Keys are removed
// ids and values the ids they were merged into; both sides are unique.
type BiMap struct {
	forward map[string]string
	inverse map[string]string
}

func NewBiMap() *BiMap {
	return &BiMap{forward: make(map[string]string), inverse: make(map[string]string)}
}

// Get returns the id a removed id was merged into.
func (b *BiMap) Get(removed string) (string, bool) {
	kept, ok := b.forward[removed]
	return kept, ok
}

// Inverse returns the removed id that was merged into kept.
func (b *BiMap) Inverse(kept string) (string, bool) {
	removed, ok := b.inverse[kept]
	return removed, ok
}

func (b *BiMap) Has(removed string) bool {
	_, ok := b.forward[removed]
	return ok
}

// ForcePut maps removed to kept, dropping any existing entry that uses either
// id on its side.
func (b *BiMap) ForcePut(removed, kept string) {
	if old, ok := b.forward[removed]; ok {
		delete(b.inverse, old)
	}
	if old, ok := b.inverse[kept]; ok {
		delete(b.forward, old)
	}
	b.forward[removed] = kept
	b.inverse[kept] = removed
}

// Remove drops the entry keyed by a removed id.
func (b *BiMap) Remove(removed string) {
	if kept, ok := b.forward[removed]; ok {
		delete(b.inverse, kept)
		delete(b.forward, removed)
	}
}

// Keys returns every removed id, sorted.
func (b *BiMap) Keys() []string {
	out := make([]string, 0, len(b.forward))
	for k := range b.forward {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (b *BiMap) Len() int { return len(b.forward) }
