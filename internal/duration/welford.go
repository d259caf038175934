package duration

// welford keeps a running mean with Welford's online update. The count is
// capped so the mean tracks roughly the last window observations instead of
// the whole history.
type welford struct {
	Count int
	Mean  float64
}

// seededWelford starts from a snapshot mean. A sentinel mean carries no
// weight so the first real observation replaces it.
func seededWelford(mean, sentinel float64, window int) *welford {
	if mean >= sentinel {
		return &welford{}
	}
	return &welford{Count: window, Mean: mean}
}

func (w *welford) Update(v float64, window int) {
	if window > 0 && w.Count >= window {
		w.Count = window - 1
	}
	w.Count++
	w.Mean += (v - w.Mean) / float64(w.Count)
}
