package service

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"

	"playful-backend/internal/entity"
)

// Game names end up in workflow inputs and artifact paths, so the charset
// is restricted: no separators, no dots, nothing a path can be built from.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var ErrInvalidName = errors.New("game_name must match ^[A-Za-z0-9_-]{1,64}$")

// Порт репозитория (реализация: postgresql.JobRepository)
type JobRepository interface {
	Create(ctx context.Context, job *entity.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	ListByState(ctx context.Context, states ...entity.JobState) ([]*entity.Job, error)
}

// Маленький порт очереди только для добавления задач в очередь.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string) error
}

type JobService struct {
	repo  JobRepository
	queue JobQueue
}

func NewJobService(repo JobRepository, queue JobQueue) *JobService {
	return &JobService{repo: repo, queue: queue}
}

type CreateJobRequest struct {
	Name     string
	Template string
}

// CreateJob persists a queued job and hands its id to the reconcile queue.
// The caller gets the id back immediately; everything after that is the
// reconciler's business.
func (s *JobService) CreateJob(ctx context.Context, req CreateJobRequest) (uuid.UUID, error) {
	if !nameRe.MatchString(req.Name) {
		return uuid.Nil, ErrInvalidName
	}

	job := &entity.Job{
		ID:        uuid.New(),
		Name:      req.Name,
		Template:  req.Template,
		State:     entity.StateQueued,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.repo.Create(ctx, job); err != nil {
		return uuid.Nil, err
	}

	if err := s.queue.Enqueue(ctx, job.ID.String()); err != nil {
		return uuid.Nil, err
	}

	return job.ID, nil
}

func (s *JobService) GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	return s.repo.GetByID(ctx, id)
}

// ListJobs returns jobs filtered to the given states, or every job when no
// state is named.
func (s *JobService) ListJobs(ctx context.Context, states ...entity.JobState) ([]*entity.Job, error) {
	if len(states) == 0 {
		states = []entity.JobState{
			entity.StateQueued,
			entity.StateDispatching,
			entity.StateWaitingForRun,
			entity.StateRunning,
			entity.StateCompleted,
			entity.StateFailed,
		}
	}
	return s.repo.ListByState(ctx, states...)
}
