package reporter

import "sync"

// EscalationState is the client's cached view of the escalation protocol:
// the violation count, whether the warning banner has been shown, and
// whether the exam is terminated. The reporter owns it; the detector reads
// it to gate signal emission and enforcement receives it by reference.
//
// The count is a cache of the server's view, overwritten whenever the
// server answers. The warning and termination flags only ever transition
// false to true: the first writer wins and everything after is a no-op.
type EscalationState struct {
	mu           sync.Mutex
	violations   int
	warningShown bool
	terminated   bool
}

// NewEscalationState returns a fresh state for one exam session.
func NewEscalationState() *EscalationState {
	return &EscalationState{}
}

// Violations returns the last known violation count.
func (s *EscalationState) Violations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.violations
}

// WarningShown reports whether the warning banner has been dispatched.
func (s *EscalationState) WarningShown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warningShown
}

// Terminated reports whether the exam has been terminated.
func (s *EscalationState) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// Adopt overwrites the cached count with the server's authoritative value.
func (s *EscalationState) Adopt(violations int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations = violations
}

// Increment advances the count by one from its last known value and
// returns the result. This is the fallback path for reports the server
// never answered.
func (s *EscalationState) Increment() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations++
	return s.violations
}

// MarkWarningShown transitions the warning flag and reports whether this
// call made the transition.
func (s *EscalationState) MarkWarningShown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.warningShown {
		return false
	}
	s.warningShown = true
	return true
}

// MarkTerminated transitions the terminated flag and reports whether this
// call made the transition. The flag never regresses.
func (s *EscalationState) MarkTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return false
	}
	s.terminated = true
	return true
}

// Snapshot returns all three values under one lock acquisition.
func (s *EscalationState) Snapshot() (violations int, warningShown, terminated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.violations, s.warningShown, s.terminated
}
