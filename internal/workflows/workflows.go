package workflows

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"gradeflow/internal/activities"
	"gradeflow/internal/grading"
	"gradeflow/internal/review"
	"gradeflow/internal/storage"
)

const (
	QueryGetGradeStatus = "GetGradeStatus"
	SignalRerunStage    = "RerunStage"
	SignalFinish        = "Finish"

	defaultIdleTimeout = 24 * time.Hour
)

var retryPolicy = &temporal.RetryPolicy{
	InitialInterval:    2 * time.Second,
	BackoffCoefficient: 2,
	MaximumInterval:    20 * time.Second,
	MaximumAttempts:    3,
	NonRetryableErrorTypes: []string{
		activities.ErrTypeEncrypted,
		activities.ErrTypeCorrupt,
		activities.ErrTypeIncomplete,
		activities.ErrTypeBadRole,
	},
}

// GradeDocumentWorkflow prepares the evidence bundle, runs both examiners
// concurrently and moderates once both have finished. It then stays open for
// stage re-runs until Finish is signalled or it has been idle for the
// configured timeout.
func GradeDocumentWorkflow(ctx workflow.Context, input GradeInput) (GradeStatus, error) {
	status := &GradeStatus{
		RunID:       input.RunID,
		Filename:    input.Filename,
		Status:      storage.RunPreparing,
		CurrentStep: "prepare",
		States:      []string{string(review.NotStarted)},
		Stages: map[string]StageStatus{
			string(review.Examiner1): {State: StagePending},
			string(review.Examiner2): {State: StagePending},
			string(review.Moderator): {State: StagePending},
		},
	}
	if err := workflow.SetQueryHandler(ctx, QueryGetGradeStatus, func() (GradeStatus, error) {
		return *status, nil
	}); err != nil {
		return GradeStatus{}, err
	}
	logger := workflow.GetLogger(ctx)

	stageCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 20 * time.Minute,
		RetryPolicy:         retryPolicy,
	})
	prepCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Hour,
		RetryPolicy:         retryPolicy,
	})

	r := &gradeRun{
		ctx:     stageCtx,
		input:   input,
		status:  status,
		board:   review.NewBoard(),
		results: map[review.Role]grading.StageResult{},
		running: map[review.Role]bool{},
		sel:     workflow.NewSelector(ctx),
	}
	r.persist()

	var prep activities.PrepareDocumentOutput
	if err := workflow.ExecuteActivity(prepCtx, "PrepareDocumentActivity", activities.PrepareDocumentInput{
		RunID:      input.RunID,
		PDFPath:    input.PDFPath,
		Language:   input.Language,
		Credential: input.Credential,
	}).Get(ctx, &prep); err != nil {
		status.Status = storage.RunFailed
		status.FailReason = failReason(err)
		r.persistAndWait()
		if isFinalPrepareError(err) {
			return *status, nil
		}
		return *status, err
	}
	status.DocumentKey = prep.DocumentKey
	status.OutDir = prep.OutDir
	status.Pages = prep.Pages
	status.UsedDigest = prep.UsedDigest
	status.Warnings = prep.Warnings
	logger.Info("bundle ready", "run_id", input.RunID, "pages", prep.Pages, "used_digest", prep.UsedDigest)

	r.autoModerate = true
	r.startExaminer(review.Examiner1)
	r.startExaminer(review.Examiner2)
	r.refresh()
	r.persist()

	var finishing, expired, timerActive bool
	var timerGen int
	var cancelTimer workflow.CancelFunc
	r.sel.AddReceive(workflow.GetSignalChannel(ctx, SignalRerunStage), func(c workflow.ReceiveChannel, _ bool) {
		var s StageSignal
		c.Receive(ctx, &s)
		logger.Info("stage re-run requested", "run_id", input.RunID, "stage", s.Stage)
		r.rerun(s.Stage)
	})
	r.sel.AddReceive(workflow.GetSignalChannel(ctx, SignalFinish), func(c workflow.ReceiveChannel, _ bool) {
		var reason string
		c.Receive(ctx, &reason)
		finishing = true
	})

	idle := defaultIdleTimeout
	if input.IdleTimeoutSeconds > 0 {
		idle = time.Duration(input.IdleTimeoutSeconds) * time.Second
	}
	for {
		if r.pending == 0 && (finishing || expired) {
			break
		}
		if r.pending == 0 && !timerActive {
			timerCtx, cancel := workflow.WithCancel(ctx)
			cancelTimer = cancel
			timerActive = true
			timerGen++
			gen := timerGen
			r.sel.AddFuture(workflow.NewTimer(timerCtx, idle), func(f workflow.Future) {
				if f.Get(ctx, nil) == nil && gen == timerGen {
					expired = true
				}
			})
		}
		r.sel.Select(ctx)
		if r.pending > 0 && timerActive {
			cancelTimer()
			timerActive = false
			timerGen++
		}
	}

	r.refresh()
	r.persistAndWait()
	return *status, nil
}

type gradeRun struct {
	ctx          workflow.Context
	input        GradeInput
	status       *GradeStatus
	board        *review.Board
	results      map[review.Role]grading.StageResult
	running      map[review.Role]bool
	sel          workflow.Selector
	pending      int
	moderating   bool
	autoModerate bool
}

func (r *gradeRun) rerun(stage string) {
	role := review.Role(stage)
	switch role {
	case review.Examiner1, review.Examiner2:
		if r.running[role] {
			return
		}
		r.startExaminer(role)
	case review.Moderator:
		if r.moderating {
			return
		}
		r.startModeration()
	default:
		workflow.GetLogger(r.ctx).Warn("unknown stage in re-run signal", "stage", stage)
		return
	}
	r.refresh()
	r.persist()
}

func (r *gradeRun) startExaminer(role review.Role) {
	st := r.status.Stages[string(role)]
	st.State, st.Error, st.Warnings = StageRunning, "", nil
	st.Runs++
	r.status.Stages[string(role)] = st
	r.pending++
	r.running[role] = true

	f := workflow.ExecuteActivity(r.ctx, "RunExaminerActivity", activities.StageInput{
		RunID:  r.input.RunID,
		OutDir: r.status.OutDir,
		Role:   string(role),
	})
	r.sel.AddFuture(f, func(f workflow.Future) {
		r.pending--
		r.running[role] = false
		var res grading.StageResult
		if err := f.Get(r.ctx, &res); err != nil {
			res = grading.NewStageResult(role, nil, err)
			_ = r.board.FailExaminer(role, err)
		} else {
			_, _ = r.board.CompleteExaminer(role, res.Parsed())
		}
		r.results[role] = res
		r.record(role, res)
		if r.autoModerate && !r.running[review.Examiner1] && !r.running[review.Examiner2] {
			r.autoModerate = false
			r.startModeration()
		}
		r.refresh()
		r.persist()
	})
}

func (r *gradeRun) startModeration() {
	st := r.status.Stages[string(review.Moderator)]
	ticket, err := r.board.BeginModeration()
	if err != nil {
		st.State, st.Error = StageBlocked, err.Error()
		r.status.Stages[string(review.Moderator)] = st
		return
	}
	st.State, st.Error, st.Warnings = StageRunning, "", nil
	st.Runs++
	r.status.Stages[string(review.Moderator)] = st
	r.pending++
	r.moderating = true

	f := workflow.ExecuteActivity(r.ctx, "ModerateActivity", activities.ModerateInput{
		RunID:     r.input.RunID,
		OutDir:    r.status.OutDir,
		Examiner1: grading.NewStageResult(review.Examiner1, ticket.Examiner1, nil),
		Examiner2: grading.NewStageResult(review.Examiner2, ticket.Examiner2, nil),
	})
	r.sel.AddFuture(f, func(f workflow.Future) {
		r.pending--
		r.moderating = false
		var res grading.StageResult
		if err := f.Get(r.ctx, &res); err != nil {
			res = grading.NewStageResult(review.Moderator, nil, err)
		} else if err := r.board.CompleteModeration(ticket, res.Parsed()); err != nil {
			st := r.status.Stages[string(review.Moderator)]
			st.State, st.Error = StageStale, err.Error()
			r.status.Stages[string(review.Moderator)] = st
			r.refresh()
			r.persist()
			return
		}
		r.results[review.Moderator] = res
		r.record(review.Moderator, res)
		r.refresh()
		r.persist()
	})
}

func (r *gradeRun) record(role review.Role, res grading.StageResult) {
	st := r.status.Stages[string(role)]
	switch {
	case res.Error != "":
		st.State, st.Error = StageFailed, res.Error
	case res.Malformed != nil:
		st.State, st.Error = StageMalformed, res.Malformed.Reason
	default:
		st.State, st.Error = StageDone, ""
	}
	st.Warnings = res.Warnings()
	r.status.Stages[string(role)] = st
}

// refresh derives the run status from the board. A verdict invalidated by an
// examiner re-run is reported stale and its totals dropped.
func (r *gradeRun) refresh() {
	states := r.board.States()
	r.status.States = make([]string, len(states))
	for i, s := range states {
		r.status.States[i] = string(s)
	}

	moderated := r.board.Reached(review.Moderated)
	mod := r.status.Stages[string(review.Moderator)]
	if mod.State == StageDone && !moderated {
		mod.State, mod.Error = StageStale, "examiner reports changed after moderation; re-run the moderator"
		r.status.Stages[string(review.Moderator)] = mod
	}
	r.status.Total, r.status.MaxTotal = nil, nil
	if moderated {
		if res, ok := r.results[review.Moderator]; ok && res.Report != nil && res.Report.Verdict != nil {
			total, maxTotal := res.Report.Verdict.Total, res.Report.Verdict.MaxTotal
			r.status.Total, r.status.MaxTotal = &total, &maxTotal
		}
	}

	switch {
	case r.moderating:
		r.status.Status, r.status.CurrentStep = storage.RunModerating, "moderator"
	case r.pending > 0:
		r.status.Status, r.status.CurrentStep = storage.RunExamining, "examiners"
	case moderated:
		r.status.Status, r.status.CurrentStep = storage.RunCompleted, "done"
	default:
		r.status.Status, r.status.CurrentStep = storage.RunIncomplete, "awaiting re-run"
	}
}

func (r *gradeRun) updateInput() activities.UpdateRunStatusInput {
	return activities.UpdateRunStatusInput{
		RunID:       r.input.RunID,
		Status:      r.status.Status,
		States:      r.status.States,
		DocumentKey: r.status.DocumentKey,
		Error:       r.status.FailReason,
		Total:       r.status.Total,
		MaxTotal:    r.status.MaxTotal,
	}
}

func (r *gradeRun) persist() {
	_ = workflow.ExecuteActivity(r.ctx, "UpdateRunStatusActivity", r.updateInput())
}

func (r *gradeRun) persistAndWait() {
	_ = workflow.ExecuteActivity(r.ctx, "UpdateRunStatusActivity", r.updateInput()).Get(r.ctx, nil)
}

func isFinalPrepareError(err error) bool {
	var appErr *temporal.ApplicationError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Type() == activities.ErrTypeEncrypted || appErr.Type() == activities.ErrTypeCorrupt
}

func failReason(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Message()
	}
	return err.Error()
}
