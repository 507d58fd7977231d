package httptransport_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playful-backend/internal/artifact"
	"playful-backend/internal/entity"
	"playful-backend/internal/repository/postgresql"
	"playful-backend/internal/service"
	httptransport "playful-backend/internal/transport/http"
)

// ---- fakes ----

type memRepo struct {
	jobs map[uuid.UUID]*entity.Job
}

func newMemRepo() *memRepo {
	return &memRepo{jobs: map[uuid.UUID]*entity.Job{}}
}

func (r *memRepo) Create(ctx context.Context, job *entity.Job) error {
	if _, ok := r.jobs[job.ID]; ok {
		return postgresql.ErrDuplicateID
	}
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *memRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	j, ok := r.jobs[id]
	if !ok {
		return nil, postgresql.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *memRepo) ListByState(ctx context.Context, states ...entity.JobState) ([]*entity.Job, error) {
	var out []*entity.Job
	for _, j := range r.jobs {
		for _, s := range states {
			if j.State == s {
				cp := *j
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func (r *memRepo) Patch(ctx context.Context, id uuid.UUID, p entity.JobPatch) error {
	j, ok := r.jobs[id]
	if !ok {
		return postgresql.ErrNotFound
	}
	if p.State != nil {
		j.State = *p.State
	}
	if p.OutputURL != nil && j.OutputURL == nil {
		j.OutputURL = p.OutputURL
	}
	if p.Error != nil {
		j.Error = p.Error
	}
	if p.FinishedAt != nil && j.FinishedAt == nil {
		j.FinishedAt = p.FinishedAt
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *memRepo) AppendLog(ctx context.Context, id uuid.UUID, msg string) error {
	j, ok := r.jobs[id]
	if !ok {
		return postgresql.ErrNotFound
	}
	j.Log = append(j.Log, entity.LogEntry{At: time.Now().UTC(), Message: msg})
	return nil
}

type queueStub struct {
	enqueuedIDs []string
}

func (q *queueStub) Enqueue(ctx context.Context, jobID string) error {
	q.enqueuedIDs = append(q.enqueuedIDs, jobID)
	return nil
}

// ---- helpers ----

const testSecret = "s3cret"

func newTestRouter(t *testing.T, repo *memRepo, queue *queueStub) http.Handler {
	t.Helper()
	buildsDir := t.TempDir()
	jobSvc := service.NewJobService(repo, queue)
	uploadSvc := service.NewUploadService(repo, artifact.NewStore(buildsDir))
	h := httptransport.NewHandler(jobSvc, uploadSvc)
	return httptransport.Routes(h, httptransport.RoutesConfig{
		BuildsDir:    buildsDir,
		UploadSecret: testSecret,
	})
}

func multipartZip(t *testing.T, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)
	for name, content := range files {
		f, err := zw.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("artifact", "build.zip")
	require.NoError(t, err)
	_, err = fw.Write(zipBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	return &body, mw.FormDataContentType()
}

// ---- tests ----

func TestHTTP_CreateGame_201_Queued(t *testing.T) {
	repo := newMemRepo()
	queue := &queueStub{}
	router := newTestRouter(t, repo, queue)

	body := `{"game_name":"space_runner","template":"runner"}`
	req := httptest.NewRequest(http.MethodPost, "/games", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code, "body=%s", rr.Body.String())

	var resp struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp.Status)

	id, err := uuid.Parse(resp.JobID)
	require.NoError(t, err)
	require.Len(t, queue.enqueuedIDs, 1)
	assert.Equal(t, id.String(), queue.enqueuedIDs[0])

	// GET /jobs/{id} returns the stored record
	req2 := httptest.NewRequest(http.MethodGet, "/jobs/"+resp.JobID, nil)
	rr2 := httptest.NewRecorder()
	router.ServeHTTP(rr2, req2)

	require.Equal(t, http.StatusOK, rr2.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rr2.Body.Bytes(), &got))
	assert.Equal(t, "queued", got["status"])
	assert.Equal(t, "space_runner", got["game_name"])
	assert.Nil(t, got["workflow_run_id"])
}

func TestHTTP_CreateGame_400_BadName(t *testing.T) {
	router := newTestRouter(t, newMemRepo(), &queueStub{})

	body := `{"game_name":"../escape"}`
	req := httptest.NewRequest(http.MethodPost, "/games", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code, "body=%s", rr.Body.String())
}

func TestHTTP_GetJob_404(t *testing.T) {
	router := newTestRouter(t, newMemRepo(), &queueStub{})

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+uuid.NewString(), nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHTTP_ListJobs_FilterByState(t *testing.T) {
	repo := newMemRepo()
	queue := &queueStub{}
	router := newTestRouter(t, repo, queue)

	for _, name := range []string{"alpha", "beta"} {
		body := `{"game_name":"` + name + `"}`
		req := httptest.NewRequest(http.MethodPost, "/games", bytes.NewBufferString(body))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		require.Equal(t, http.StatusCreated, rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/jobs?state=queued", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Jobs []map[string]any `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 2)

	req2 := httptest.NewRequest(http.MethodGet, "/jobs?state=completed", nil)
	rr2 := httptest.NewRecorder()
	router.ServeHTTP(rr2, req2)
	require.NoError(t, json.Unmarshal(rr2.Body.Bytes(), &resp))
	assert.Empty(t, resp.Jobs)
}

func TestHTTP_UploadBuild_RequiresSecret(t *testing.T) {
	router := newTestRouter(t, newMemRepo(), &queueStub{})

	body, contentType := multipartZip(t, map[string]string{"index.html": "x"})
	req := httptest.NewRequest(http.MethodPost, "/internal/builds/"+uuid.NewString(), body)
	req.Header.Set("Content-Type", contentType)
	// no X-Build-Secret
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestHTTP_UploadBuild_CompletesJob(t *testing.T) {
	repo := newMemRepo()
	router := newTestRouter(t, repo, &queueStub{})

	job := &entity.Job{
		ID:        uuid.New(),
		Name:      "runner",
		State:     entity.StateRunning,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.Create(context.Background(), job))

	body, contentType := multipartZip(t, map[string]string{
		"index.html": "<html>game</html>",
		"game.wasm":  "wasm",
	})
	req := httptest.NewRequest(http.MethodPost, "/internal/builds/"+job.ID.String(), body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Build-Secret", testSecret)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, "body=%s", rr.Body.String())

	var got map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "completed", got["status"])
	assert.Equal(t, "/builds/runner/index.html", got["output_url"])
}

func TestHTTP_UploadBuild_NoEntryPoint_422(t *testing.T) {
	repo := newMemRepo()
	router := newTestRouter(t, repo, &queueStub{})

	job := &entity.Job{
		ID:        uuid.New(),
		Name:      "runner",
		State:     entity.StateRunning,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.Create(context.Background(), job))

	body, contentType := multipartZip(t, map[string]string{"readme.txt": "nope"})
	req := httptest.NewRequest(http.MethodPost, "/internal/builds/"+job.ID.String(), body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Build-Secret", testSecret)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	stored, err := repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StateFailed, stored.State)
	assert.Nil(t, stored.OutputURL)
}

func TestHTTP_UploadBuild_TerminalJob_409(t *testing.T) {
	repo := newMemRepo()
	router := newTestRouter(t, repo, &queueStub{})

	outputURL := "/builds/runner/index.html"
	job := &entity.Job{
		ID:        uuid.New(),
		Name:      "runner",
		State:     entity.StateCompleted,
		OutputURL: &outputURL,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.Create(context.Background(), job))

	// re-run callback with a broken archive: job must stay completed
	body, contentType := multipartZip(t, map[string]string{"readme.txt": "nope"})
	req := httptest.NewRequest(http.MethodPost, "/internal/builds/"+job.ID.String(), body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Build-Secret", testSecret)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusConflict, rr.Code, "body=%s", rr.Body.String())

	var apiErr struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &apiErr))
	assert.Equal(t, "job_finalized", apiErr.Code)

	stored, err := repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StateCompleted, stored.State)
	require.NotNil(t, stored.OutputURL)
	assert.Equal(t, outputURL, *stored.OutputURL)
}

func TestHTTP_Health(t *testing.T) {
	router := newTestRouter(t, newMemRepo(), &queueStub{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}
