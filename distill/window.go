package distill

// lossWindow is a bounded circular buffer over reported loss values, used
// for the rolling average shown during training.
type lossWindow struct {
	values []float64
	next   int
	count  int
	sum    float64
}

func newLossWindow(size int) *lossWindow {
	return &lossWindow{values: make([]float64, size)}
}

func (w *lossWindow) Add(value float64) {
	if w.count == len(w.values) {
		w.sum -= w.values[w.next]
	} else {
		w.count++
	}
	w.values[w.next] = value
	w.sum += value
	w.next = (w.next + 1) % len(w.values)
}

// Mean averages the window's current contents. Zero if nothing was added.
func (w *lossWindow) Mean() float64 {
	if w.count == 0 {
		return 0
	}
	return w.sum / float64(w.count)
}

func (w *lossWindow) Len() int { return w.count }
