package optim

// LinearDecay drives an optimizer's learning rate as baseLR · max(0, 1 − step/total).
//
// The multiplier is 1 at step 0 and reaches 0 at step total; later steps stay at 0.
//
// Example:
//
//	sched := optim.NewLinearDecay(opt, totalSteps)
//	for ... {
//	    opt.Step(grads)
//	    sched.Step()
//	}
type LinearDecay struct {
	opt   LRSetter
	total int
	step  int
}

// NewLinearDecay attaches a schedule to opt and sets its learning rate to the base rate.
func NewLinearDecay(opt LRSetter, total int) *LinearDecay {
	if total <= 0 {
		total = 1
	}
	s := &LinearDecay{opt: opt, total: total}
	s.apply()
	return s
}

// Multiplier returns the current learning rate multiplier.
func (s *LinearDecay) Multiplier() float32 {
	return max(0, 1-float32(s.step)/float32(s.total))
}

// Step advances the schedule by one optimizer step.
func (s *LinearDecay) Step() {
	s.step++
	s.apply()
}

// Total returns the number of scheduled steps.
func (s *LinearDecay) Total() int {
	return s.total
}

// State returns the schedule position.
func (s *LinearDecay) State() int {
	return s.step
}

// LoadState moves the schedule to step and updates the optimizer's learning rate.
func (s *LinearDecay) LoadState(step int) {
	s.step = max(step, 0)
	s.apply()
}

// Reset rewinds the schedule to step 0.
func (s *LinearDecay) Reset() {
	s.LoadState(0)
}

func (s *LinearDecay) apply() {
	s.opt.SetLR(s.opt.BaseLR() * s.Multiplier())
}
