package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"playful-backend/internal/entity"
	"playful-backend/internal/repository/postgresql"
)

type JobRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	Patch(ctx context.Context, id uuid.UUID, p entity.JobPatch) error
	AppendLog(ctx context.Context, id uuid.UUID, msg string) error
}

// BuildAPI is the external CI surface: fire a build, list recent runs,
// fetch one run. Implemented by github.Client.
type BuildAPI interface {
	DispatchWorkflow(ctx context.Context, inputs map[string]string) error
	ListRecentRuns(ctx context.Context) ([]entity.WorkflowRun, error)
	GetRun(ctx context.Context, runID int64) (*entity.WorkflowRun, error)
}

// OutputResolver turns a successfully built job into its playable URL.
type OutputResolver interface {
	Resolve(job *entity.Job) (string, error)
}

type ReconcilerConfig struct {
	DiscoveryWindow time.Duration // how long to wait for a run to appear
	PollTimeout     time.Duration // how long to wait for a matched run to finish
	MatchSkew       time.Duration
}

// Reconciler advances one job by at most one lifecycle transition per call.
// Every side effect is followed by a persisted patch before returning, so a
// crash between steps resumes from the last recorded state instead of
// re-dispatching.
type Reconciler struct {
	repo     JobRepo
	api      BuildAPI
	resolver OutputResolver
	cfg      ReconcilerConfig
	now      func() time.Time
}

func NewReconciler(repo JobRepo, api BuildAPI, resolver OutputResolver, cfg ReconcilerConfig) *Reconciler {
	if cfg.DiscoveryWindow <= 0 {
		cfg.DiscoveryWindow = 60 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 300 * time.Second
	}
	if cfg.MatchSkew <= 0 {
		cfg.MatchSkew = MatchSkew
	}
	return &Reconciler{
		repo:     repo,
		api:      api,
		resolver: resolver,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Advance applies one transition to the job behind jobID. done=true means
// the job needs no further reconciliation (terminal, or its record is
// gone); done=false means the caller should bring it back next cycle.
// Transient remote errors leave the state untouched and report done=false.
func (r *Reconciler) Advance(ctx context.Context, jobID string) (done bool, err error) {
	id, err := uuid.Parse(jobID)
	if err != nil {
		log.Printf("[reconcile] job_id=%s parse_error=%v", jobID, err)
		return true, nil
	}

	job, err := r.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, postgresql.ErrNotFound) {
			// record deleted externally: job abandoned, stop processing
			log.Printf("[reconcile] job_id=%s record gone, dropping", id)
			return true, nil
		}
		return false, err
	}

	if job.State.Terminal() {
		return true, nil
	}

	switch job.State {
	case entity.StateQueued:
		return r.dispatch(ctx, job)
	case entity.StateDispatching, entity.StateWaitingForRun:
		return r.matchRun(ctx, job)
	case entity.StateRunning:
		return r.pollRun(ctx, job)
	default:
		return false, r.fail(ctx, job, fmt.Sprintf("unknown state %q", job.State))
	}
}

func (r *Reconciler) dispatch(ctx context.Context, job *entity.Job) (bool, error) {
	// если crash случился между dispatch и patch, не триггерим второй раз
	if job.DispatchedAt != nil {
		return r.matchRun(ctx, job)
	}

	inputs := map[string]string{
		"game_name": job.Name,
		"template":  job.Template,
		"job_id":    job.ID.String(),
	}
	for k, v := range job.Parameters {
		inputs[k] = v
	}

	if err := r.api.DispatchWorkflow(ctx, inputs); err != nil {
		// rejected or out of transport retries: terminal either way,
		// the trigger is never retried across cycles
		return true, r.fail(ctx, job, "dispatch failed: "+err.Error())
	}

	now := r.now().UTC()
	state := entity.StateDispatching
	if err := r.repo.Patch(ctx, job.ID, entity.JobPatch{
		State:        &state,
		DispatchedAt: &now,
	}); err != nil {
		return false, err
	}

	r.logf(ctx, job.ID, "workflow dispatched for game %q", job.Name)
	return false, nil
}

func (r *Reconciler) matchRun(ctx context.Context, job *entity.Job) (bool, error) {
	runs, err := r.api.ListRecentRuns(ctx)
	if err != nil {
		// transient: keep the state, try again next cycle
		log.Printf("[reconcile] job_id=%s list_runs error=%v", job.ID, err)
		return false, nil
	}

	run := MatchRun(job, runs, r.cfg.MatchSkew)
	if run == nil {
		if job.DispatchedAt != nil && r.now().Sub(*job.DispatchedAt) > r.cfg.DiscoveryWindow {
			return true, r.fail(ctx, job, "timeout waiting for workflow run to appear")
		}
		if job.State == entity.StateDispatching {
			state := entity.StateWaitingForRun
			if err := r.repo.Patch(ctx, job.ID, entity.JobPatch{State: &state}); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	now := r.now().UTC()
	state := entity.StateRunning
	if err := r.repo.Patch(ctx, job.ID, entity.JobPatch{
		State:       &state,
		RemoteRunID: &run.ID,
		RunURL:      &run.HTMLURL,
		StartedAt:   &now,
	}); err != nil {
		return false, err
	}

	log.Printf("[reconcile] job_id=%s linked run_id=%d", job.ID, run.ID)
	r.logf(ctx, job.ID, "linked to workflow run %d", run.ID)
	return false, nil
}

func (r *Reconciler) pollRun(ctx context.Context, job *entity.Job) (bool, error) {
	if job.RemoteRunID == nil {
		return true, r.fail(ctx, job, "running without a workflow run id")
	}

	if job.StartedAt != nil && r.now().Sub(*job.StartedAt) > r.cfg.PollTimeout {
		return true, r.fail(ctx, job, "timeout waiting for completion")
	}

	run, err := r.api.GetRun(ctx, *job.RemoteRunID)
	if err != nil {
		// a single failed poll is never a job failure
		log.Printf("[reconcile] job_id=%s run_id=%d poll error=%v", job.ID, *job.RemoteRunID, err)
		return false, nil
	}

	patch := entity.JobPatch{
		RemoteStatus:     &run.Status,
		RemoteConclusion: &run.Conclusion,
		RunURL:           &run.HTMLURL,
	}

	if !run.Completed() {
		if err := r.repo.Patch(ctx, job.ID, patch); err != nil {
			return false, err
		}
		log.Printf("[reconcile] job_id=%s run_id=%d status=%s", job.ID, run.ID, run.Status)
		return false, nil
	}

	if run.Conclusion != "success" {
		if err := r.repo.Patch(ctx, job.ID, patch); err != nil {
			return false, err
		}
		return true, r.fail(ctx, job, "workflow concluded: "+run.Conclusion)
	}

	outputURL, err := r.resolver.Resolve(job)
	if err != nil {
		return true, r.fail(ctx, job, "resolve output: "+err.Error())
	}

	now := r.now().UTC()
	state := entity.StateCompleted
	patch.State = &state
	patch.OutputURL = &outputURL
	patch.FinishedAt = &now
	if err := r.repo.Patch(ctx, job.ID, patch); err != nil {
		return false, err
	}

	log.Printf("[reconcile] job_id=%s completed output=%s", job.ID, outputURL)
	r.logf(ctx, job.ID, "build completed: %s", outputURL)
	return true, nil
}

// fail records a terminal failure on the job itself, never only in the
// process log.
func (r *Reconciler) fail(ctx context.Context, job *entity.Job, reason string) error {
	now := r.now().UTC()
	state := entity.StateFailed
	if err := r.repo.Patch(ctx, job.ID, entity.JobPatch{
		State:      &state,
		Error:      &reason,
		FinishedAt: &now,
	}); err != nil {
		return err
	}

	log.Printf("[reconcile] job_id=%s failed reason=%q", job.ID, reason)
	r.logf(ctx, job.ID, "failed: %s", reason)
	return nil
}

func (r *Reconciler) logf(ctx context.Context, id uuid.UUID, format string, args ...any) {
	if err := r.repo.AppendLog(ctx, id, fmt.Sprintf(format, args...)); err != nil {
		log.Printf("[reconcile] job_id=%s append_log error=%v", id, err)
	}
}
