package grading

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"gradeflow/internal/review"
)

// Session holds the reviewer state of one document. Loading a bundle for a
// different document clears all reports.
type Session struct {
	examiner *Examiner
	board    *review.Board

	mu     sync.Mutex
	bundle *Bundle
}

func NewSession(ex *Examiner) *Session {
	return &Session{examiner: ex, board: review.NewBoard()}
}

// Load installs b. It reports whether the board was reset.
func (s *Session) Load(b *Bundle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	reset := s.bundle == nil || s.bundle.Key != b.Key
	if reset {
		s.board.Reset()
	}
	s.bundle = b
	return reset
}

func (s *Session) current() (*Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bundle == nil {
		return nil, fmt.Errorf("session: no document loaded")
	}
	return s.bundle, nil
}

func (s *Session) Board() *review.Board { return s.board }

// RunStage runs or re-runs one examiner. A failed call is recorded on the
// board and returned.
func (s *Session) RunStage(ctx context.Context, role review.Role) (review.Parsed, error) {
	b, err := s.current()
	if err != nil {
		return nil, err
	}
	out, err := s.examiner.Run(ctx, role, b)
	if err != nil {
		if ferr := s.board.FailExaminer(role, err); ferr != nil {
			return nil, ferr
		}
		return nil, err
	}
	if _, err := s.board.CompleteExaminer(role, out); err != nil {
		return nil, err
	}
	return out, nil
}

// RunExaminers runs both examiners concurrently and waits for both. Stage
// failures are captured on the board; only cancellation is returned.
func (s *Session) RunExaminers(ctx context.Context) error {
	var g errgroup.Group
	for _, role := range []review.Role{review.Examiner1, review.Examiner2} {
		role := role
		g.Go(func() error {
			_, _ = s.RunStage(ctx, role)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// Moderate runs the moderator against the current examiner reports. It
// fails with review.ErrIncompleteAdjudicationInput until both examiners
// completed, and with review.ErrStaleModeration if an examiner re-ran
// meanwhile.
func (s *Session) Moderate(ctx context.Context) (review.Parsed, error) {
	b, err := s.current()
	if err != nil {
		return nil, err
	}
	ticket, err := s.board.BeginModeration()
	if err != nil {
		return nil, err
	}
	out, err := s.examiner.Moderate(ctx, b, ticket.Examiner1, ticket.Examiner2)
	if err != nil {
		return nil, err
	}
	if err := s.board.CompleteModeration(ticket, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Run grades the loaded document end to end.
func (s *Session) Run(ctx context.Context) (Outcome, error) {
	if err := s.RunExaminers(ctx); err != nil {
		return s.Outcome(), err
	}
	_, err := s.Moderate(ctx)
	return s.Outcome(), err
}

// Outcome is a snapshot of the session's reports.
type Outcome struct {
	States    []review.State `json:"states"`
	Examiner1 review.Parsed  `json:"-"`
	Examiner2 review.Parsed  `json:"-"`
	Moderator review.Parsed  `json:"-"`
}

func (s *Session) Outcome() Outcome {
	return Outcome{
		States:    s.board.States(),
		Examiner1: s.board.Report(review.Examiner1),
		Examiner2: s.board.Report(review.Examiner2),
		Moderator: s.board.Report(review.Moderator),
	}
}

// Report returns the stage report for role, nil when it has none.
func (o Outcome) Report(role review.Role) review.Parsed {
	switch role {
	case review.Examiner1:
		return o.Examiner1
	case review.Examiner2:
		return o.Examiner2
	case review.Moderator:
		return o.Moderator
	}
	return nil
}
