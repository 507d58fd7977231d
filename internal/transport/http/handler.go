package httptransport

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"playful-backend/internal/artifact"
	"playful-backend/internal/entity"
	"playful-backend/internal/repository/postgresql"
	"playful-backend/internal/service"
)

// 100 MiB: web export archives run a few MiB, this is headroom, not a quota.
const maxUploadBytes = 100 << 20

type Handler struct {
	jobSvc    *service.JobService
	uploadSvc *service.UploadService
}

func NewHandler(jobSvc *service.JobService, uploadSvc *service.UploadService) *Handler {
	return &Handler{jobSvc: jobSvc, uploadSvc: uploadSvc}
}

type createGameDTO struct {
	GameName string `json:"game_name"`
	Template string `json:"template,omitempty"`
}

type createGameResp struct {
	JobID  string          `json:"job_id"`
	Status entity.JobState `json:"status"`
}

type jobResp struct {
	JobID         string            `json:"job_id"`
	GameName      string            `json:"game_name"`
	Template      string            `json:"template,omitempty"`
	Status        entity.JobState   `json:"status"`
	WorkflowRunID *int64            `json:"workflow_run_id,omitempty"`
	RunStatus     string            `json:"run_status,omitempty"`
	RunConclusion string            `json:"run_conclusion,omitempty"`
	RunURL        string            `json:"run_url,omitempty"`
	OutputURL     *string           `json:"output_url,omitempty"`
	Error         *string           `json:"error,omitempty"`
	Log           []entity.LogEntry `json:"log,omitempty"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at"`
}

func toJobResp(j *entity.Job) jobResp {
	return jobResp{
		JobID:         j.ID.String(),
		GameName:      j.Name,
		Template:      j.Template,
		Status:        j.State,
		WorkflowRunID: j.RemoteRunID,
		RunStatus:     j.RemoteStatus,
		RunConclusion: j.RemoteConclusion,
		RunURL:        j.RunURL,
		OutputURL:     j.OutputURL,
		Error:         j.Error,
		Log:           j.Log,
		CreatedAt:     j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     j.UpdatedAt.Format(time.RFC3339),
	}
}

// CreateGame godoc
// @Summary Request a game build
// @Description Creates a build job (queued) and returns immediately. The reconciler dispatches the CI workflow in the background.
// @Tags games
// @Accept json
// @Produce json
// @Param request body createGameDTO true "game payload"
// @Success 201 {object} createGameResp
// @Failure 400 {object} apiError
// @Failure 500 {object} apiError
// @Router /games [post]
func (h *Handler) CreateGame(w http.ResponseWriter, r *http.Request) {
	var dto createGameDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}

	id, err := h.jobSvc.CreateJob(r.Context(), service.CreateJobRequest{
		Name:     dto.GameName,
		Template: dto.Template,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidName) {
			writeErr(w, http.StatusBadRequest, "invalid_name", err.Error())
			return
		}
		writeErr(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, createGameResp{JobID: id.String(), Status: entity.StateQueued})
}

// GetJob godoc
// @Summary Get job status
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_id", "invalid id")
		return
	}

	j, err := h.jobSvc.GetJob(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusNotFound, "not_found", "job not found")
		return
	}

	writeJSON(w, http.StatusOK, toJobResp(j))
}

// ListJobs godoc
// @Summary List jobs
// @Tags jobs
// @Produce json
// @Param state query string false "filter by state"
// @Success 200 {object} map[string][]jobResp
// @Failure 400 {object} apiError
// @Router /jobs [get]
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var states []entity.JobState
	if s := r.URL.Query().Get("state"); s != "" {
		states = append(states, entity.JobState(s))
	}

	jobs, err := h.jobSvc.ListJobs(r.Context(), states...)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	out := make([]jobResp, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResp(j))
	}
	writeJSON(w, http.StatusOK, map[string][]jobResp{"jobs": out})
}

// UploadBuild godoc
// @Summary Receive a finished build artifact
// @Description Called back by the build workflow with the zipped web export. Publishes the build and finalizes the job.
// @Tags builds
// @Accept mpfd
// @Produce json
// @Param id path string true "job id (uuid)"
// @Param artifact formData file true "zip archive of the web export"
// @Success 200 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Failure 422 {object} apiError
// @Router /internal/builds/{id} [post]
func (h *Handler) UploadBuild(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_id", "invalid id")
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_upload", "invalid multipart body")
		return
	}
	file, _, err := r.FormFile("artifact")
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_upload", "artifact file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_upload", "read artifact: "+err.Error())
		return
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_upload", "artifact is not a zip archive")
		return
	}

	job, err := h.uploadSvc.CompleteUpload(r.Context(), id, zr)
	if err != nil {
		switch {
		case errors.Is(err, postgresql.ErrNotFound):
			writeErr(w, http.StatusNotFound, "not_found", "job not found")
		case errors.Is(err, service.ErrJobFinalized):
			writeErr(w, http.StatusConflict, "job_finalized", err.Error())
		case errors.Is(err, artifact.ErrNoEntryPoint):
			writeErr(w, http.StatusUnprocessableEntity, "no_entry_point", err.Error())
		default:
			writeErr(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, toJobResp(job))
}
