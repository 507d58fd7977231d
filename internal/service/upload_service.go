package service

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"playful-backend/internal/artifact"
	"playful-backend/internal/entity"
)

// ErrJobFinalized: the job already reached a terminal state; an extra
// upload (workflow re-run, double callback) must not move it again.
var ErrJobFinalized = errors.New("job already finalized")

// BuildStore unpacks an uploaded archive and publishes it under the game
// name, or reports artifact.ErrNoEntryPoint.
type BuildStore interface {
	SaveBuild(name string, zr *zip.Reader) error
}

type UploadRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	Patch(ctx context.Context, id uuid.UUID, p entity.JobPatch) error
	AppendLog(ctx context.Context, id uuid.UUID, msg string) error
}

// UploadService handles the build workflow calling back with the finished
// artifact. This is the alternative completion path to GitHub Pages
// resolution: the archive is hosted locally and the output URL points at
// the builds mount.
type UploadService struct {
	repo  UploadRepository
	store BuildStore
}

func NewUploadService(repo UploadRepository, store BuildStore) *UploadService {
	return &UploadService{repo: repo, store: store}
}

// CompleteUpload unpacks the artifact for the job and finalizes the job
// record: completed with a local output URL, or failed when the archive
// has no entry point. Nothing partially-extracted is ever published, and
// a terminal job is never touched (ErrJobFinalized).
func (s *UploadService) CompleteUpload(ctx context.Context, id uuid.UUID, zr *zip.Reader) (*entity.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State.Terminal() {
		return nil, fmt.Errorf("job %s is %s: %w", id, job.State, ErrJobFinalized)
	}

	now := time.Now().UTC()

	if err := s.store.SaveBuild(job.Name, zr); err != nil {
		if errors.Is(err, artifact.ErrNoEntryPoint) || errors.Is(err, artifact.ErrUnsafeName) {
			reason := "artifact rejected: " + err.Error()
			state := entity.StateFailed
			if patchErr := s.repo.Patch(ctx, id, entity.JobPatch{
				State:      &state,
				Error:      &reason,
				FinishedAt: &now,
			}); patchErr != nil {
				return nil, patchErr
			}
			_ = s.repo.AppendLog(ctx, id, reason)
		}
		return nil, err
	}

	outputURL := "/builds/" + job.Name + "/index.html"
	state := entity.StateCompleted
	if err := s.repo.Patch(ctx, id, entity.JobPatch{
		State:      &state,
		OutputURL:  &outputURL,
		FinishedAt: &now,
	}); err != nil {
		return nil, err
	}
	_ = s.repo.AppendLog(ctx, id, "artifact uploaded, build published at "+outputURL)

	return s.repo.GetByID(ctx, id)
}
