package review

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrIncompleteAdjudicationInput = errors.New("incomplete adjudication input: both examiner stages must complete before moderation")
	ErrStaleModeration             = errors.New("stale moderation: examiner reports changed while moderating")
)

type State string

const (
	NotStarted    State = "NOT_STARTED"
	Examiner1Done State = "EXAMINER1_DONE"
	Examiner2Done State = "EXAMINER2_DONE"
	Moderated     State = "MODERATED"
)

// Ticket pins the examiner revisions a moderation run was started from.
type Ticket struct {
	Examiner1Rev int
	Examiner2Rev int
	Examiner1    Parsed
	Examiner2    Parsed
}

type stage struct {
	rev    int
	done   bool
	report Parsed
	err    string
}

// Board orders the reviewer stages of one document. Examiner stages are
// independent; moderation needs both, and any examiner change after
// moderation invalidates the verdict.
type Board struct {
	mu        sync.Mutex
	stages    map[Role]*stage
	verdict   Parsed
	moderated bool
}

func NewBoard() *Board {
	b := &Board{}
	b.Reset()
	return b
}

// Reset returns the board to NOT_STARTED.
func (b *Board) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stages = map[Role]*stage{Examiner1: {}, Examiner2: {}}
	b.verdict = nil
	b.moderated = false
}

func (b *Board) examiner(role Role) (*stage, error) {
	s, ok := b.stages[role]
	if !ok {
		return nil, fmt.Errorf("%q is not an examiner role", role)
	}
	return s, nil
}

// CompleteExaminer records a new examiner report and returns its revision.
func (b *Board) CompleteExaminer(role Role, report Parsed) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.examiner(role)
	if err != nil {
		return 0, err
	}
	s.rev++
	s.done = true
	s.report = report
	s.err = ""
	b.invalidate()
	return s.rev, nil
}

// FailExaminer records a failed examiner run; the stage counts as not done.
func (b *Board) FailExaminer(role Role, cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.examiner(role)
	if err != nil {
		return err
	}
	s.rev++
	s.done = false
	s.report = nil
	s.err = cause.Error()
	b.invalidate()
	return nil
}

func (b *Board) invalidate() {
	b.moderated = false
	b.verdict = nil
}

// BeginModeration fails with ErrIncompleteAdjudicationInput unless both
// examiner stages hold a report.
func (b *Board) BeginModeration() (Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e1, e2 := b.stages[Examiner1], b.stages[Examiner2]
	var missing []string
	if !e1.done {
		missing = append(missing, describeMissing(Examiner1, e1))
	}
	if !e2.done {
		missing = append(missing, describeMissing(Examiner2, e2))
	}
	if len(missing) > 0 {
		return Ticket{}, fmt.Errorf("%w (%v)", ErrIncompleteAdjudicationInput, missing)
	}
	return Ticket{Examiner1Rev: e1.rev, Examiner2Rev: e2.rev, Examiner1: e1.report, Examiner2: e2.report}, nil
}

func describeMissing(role Role, s *stage) string {
	if s.err != "" {
		return string(role) + " failed: " + s.err
	}
	return string(role) + " not run"
}

// CompleteModeration stores the verdict unless an examiner changed since t
// was issued.
func (b *Board) CompleteModeration(t Ticket, verdict Parsed) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e1, e2 := b.stages[Examiner1], b.stages[Examiner2]
	if !e1.done || !e2.done || e1.rev != t.Examiner1Rev || e2.rev != t.Examiner2Rev {
		return ErrStaleModeration
	}
	b.verdict = verdict
	b.moderated = true
	return nil
}

// States lists every state the board has reached, NOT_STARTED alone when
// nothing has completed.
func (b *Board) States() []State {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []State
	if b.stages[Examiner1].done {
		out = append(out, Examiner1Done)
	}
	if b.stages[Examiner2].done {
		out = append(out, Examiner2Done)
	}
	if b.moderated {
		out = append(out, Moderated)
	}
	if len(out) == 0 {
		out = []State{NotStarted}
	}
	return out
}

func (b *Board) Reached(s State) bool {
	for _, got := range b.States() {
		if got == s {
			return true
		}
	}
	return false
}

func (b *Board) Report(role Role) Parsed {
	b.mu.Lock()
	defer b.mu.Unlock()
	if role == Moderator {
		return b.verdict
	}
	if s, ok := b.stages[role]; ok {
		return s.report
	}
	return nil
}

// Revision is the number of completed or failed runs of an examiner stage.
func (b *Board) Revision(role Role) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.stages[role]; ok {
		return s.rev
	}
	return 0
}
