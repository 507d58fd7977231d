package worker

import (
	"strings"
	"time"

	"playful-backend/internal/entity"
)

// MatchSkew absorbs clock drift between this host and the GitHub API when
// comparing run creation times against job creation times.
const MatchSkew = 10 * time.Second

// MatchRun picks the workflow run that belongs to job out of the recent
// runs list. The dispatch API returns no run id, so this is inference:
//
//  1. If any candidate run's name echoes the job id (the dispatch inputs
//     carry job_id, so a workflow with a templated run-name exposes it
//     here), that run wins outright.
//  2. Otherwise the first run created at or after job.CreatedAt - skew is
//     taken. Runs arrive newest first, so this is the closest-by-time
//     approximation. Under concurrent job creation it can pick the wrong
//     run; callers must treat it as best-effort, which is why the
//     workflow should template job_id into its run-name.
//
// Returns nil when no run clears the time threshold.
func MatchRun(job *entity.Job, runs []entity.WorkflowRun, skew time.Duration) *entity.WorkflowRun {
	cutoff := job.CreatedAt.Add(-skew)

	var fallback *entity.WorkflowRun
	for i := range runs {
		run := &runs[i]
		if run.CreatedAt.Before(cutoff) {
			continue
		}
		if strings.Contains(run.Name, job.ID.String()) {
			return run
		}
		if fallback == nil {
			fallback = run
		}
	}
	return fallback
}
