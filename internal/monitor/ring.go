package monitor

import "strconv"

type ring struct {
	samples []Sample
	next    int
	full    bool
}

func newRing(size int) *ring {
	return &ring{
		samples: make([]Sample, size),
	}
}

func (r *ring) push(s Sample) {
	r.samples[r.next] = s
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) last() (Sample, bool) {
	if !r.full && r.next == 0 {
		return Sample{}, false
	}
	i := r.next - 1
	if i < 0 {
		i = len(r.samples) - 1
	}
	return r.samples[i], true
}

func (r *ring) all() []Sample {
	if !r.full {
		return append([]Sample(nil), r.samples[:r.next]...)
	}
	ret := make([]Sample, 0, len(r.samples))
	ret = append(ret, r.samples[r.next:]...)
	ret = append(ret, r.samples[:r.next]...)
	return ret
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + "B"
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return strconv.FormatFloat(float64(n)/float64(div), 'f', 1, 64) + string("KMGTPE"[exp]) + "iB"
}
