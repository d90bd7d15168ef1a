package detector

import "math"

// window is a fixed-capacity FIFO of recent values for one sensor.
type window struct {
	buf   []float64
	start int
	n     int
}

func newWindow(capacity int) *window {
	return &window{buf: make([]float64, capacity)}
}

func (w *window) capacity() int { return len(w.buf) }

func (w *window) len() int { return w.n }

// push appends v, evicting the oldest value when full.
func (w *window) push(v float64) {
	if w.n < len(w.buf) {
		w.buf[(w.start+w.n)%len(w.buf)] = v
		w.n++
		return
	}
	w.buf[w.start] = v
	w.start = (w.start + 1) % len(w.buf)
}

// at returns the i-th value, oldest first.
func (w *window) at(i int) float64 {
	return w.buf[(w.start+i)%len(w.buf)]
}

// values returns the contents oldest first.
func (w *window) values() []float64 {
	out := make([]float64, w.n)
	for i := range out {
		out[i] = w.at(i)
	}
	return out
}

// resize changes the capacity, keeping the most recent values that fit.
func (w *window) resize(capacity int) {
	keep := w.n
	if keep > capacity {
		keep = capacity
	}
	buf := make([]float64, capacity)
	for i := 0; i < keep; i++ {
		buf[i] = w.at(w.n - keep + i)
	}
	w.buf, w.start, w.n = buf, 0, keep
}

// stats returns the population mean and standard deviation of the values
// in [from, to). Values are scaled by the largest magnitude first so sums of
// values near math.MaxFloat64 stay finite.
func (w *window) stats(from, to int) (mean, stddev float64) {
	count := to - from
	if count <= 0 {
		return 0, 0
	}
	var scale float64
	for i := from; i < to; i++ {
		scale = math.Max(scale, math.Abs(w.at(i)))
	}
	if scale == 0 {
		return 0, 0
	}

	var sum float64
	for i := from; i < to; i++ {
		sum += w.at(i) / scale
	}
	m := sum / float64(count)

	var sq float64
	for i := from; i < to; i++ {
		d := w.at(i)/scale - m
		sq += d * d
	}
	return m * scale, math.Sqrt(sq/float64(count)) * scale
}

// zscore returns |value-mean|/stddev without overflowing the difference.
func zscore(value, mean, stddev float64) float64 {
	scale := math.Max(math.Abs(value), math.Abs(mean))
	if scale <= 1 {
		return math.Abs(value-mean) / stddev
	}
	return math.Abs(value/scale-mean/scale) / (stddev / scale)
}
