package relpose

// Scratch holds the buffers a worker reuses from one pair to the next.
type Scratch struct {
	Points1 [][2]float64
	Points2 [][2]float64
	Inliers []bool
}

// reset empties the buffers and sizes them for n correspondences, keeping the
// backing arrays.
func (s *Scratch) reset(n int) {
	s.Points1 = resize(s.Points1, n)
	s.Points2 = resize(s.Points2, n)
	if cap(s.Inliers) < n {
		s.Inliers = make([]bool, n)
	} else {
		s.Inliers = s.Inliers[:n]
		clear(s.Inliers)
	}
}

func resize(buf [][2]float64, n int) [][2]float64 {
	if cap(buf) < n {
		return make([][2]float64, n)
	}
	buf = buf[:n]
	clear(buf)
	return buf
}

// scratchSlots gives each worker id its own Scratch. A slot is only touched
// by the worker that owns it.
type scratchSlots []Scratch

func newScratchSlots(workers int) scratchSlots {
	return make(scratchSlots, workers)
}

func (s scratchSlots) slot(worker int) *Scratch {
	return &s[worker]
}
