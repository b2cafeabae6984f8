package inputs

import "kc868-go-home/internal/hal"

// Frame is the result of one sample: the previous and current input vectors
// in hal.InputMask layout.
type Frame struct {
	Prev, Cur uint32
	// Baseline is set on the first sample, when Prev carries no history.
	Baseline bool
}

// Changed returns the bits that differ between the two samples.
func (f Frame) Changed() uint32 { return f.Prev ^ f.Cur }

// State returns the current state of input i.
func (f Frame) State(i int) bool { return f.Cur&(1<<i) != 0 }

// Sampler refreshes the input cache once per call and diffs it against the
// previous sample.
type Sampler struct {
	r      hal.InputReader
	prev   uint32
	primed bool
}

// NewSampler creates a Sampler over r.
func NewSampler(r hal.InputReader) *Sampler {
	return &Sampler{r: r}
}

// Sample reads all inputs once. On a read error the frame still reflects the
// cached states, which keep their previous values for the failed port.
func (s *Sampler) Sample() (Frame, error) {
	_, err := s.r.ReadInputs()
	cur := hal.InputMask(s.r)
	f := Frame{Prev: s.prev, Cur: cur, Baseline: !s.primed}
	s.prev = cur
	s.primed = true
	return f, err
}

// Reset drops the history so the next sample is a baseline again.
func (s *Sampler) Reset() {
	s.prev = 0
	s.primed = false
}
