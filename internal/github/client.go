package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"playful-backend/internal/entity"
)

const dispatchAttempts = 3

// RejectedError is a non-2xx answer from the dispatch endpoint. It is
// terminal: the API looked at the request and said no, retrying the same
// request will not change its mind.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("workflow dispatch rejected: HTTP %d: %s", e.StatusCode, e.Body)
}

// Client talks to the GitHub Actions REST API for one owner/repo/workflow.
type Client struct {
	http         *http.Client
	apiBase      string
	token        string
	owner        string
	repo         string
	workflowFile string
	ref          string

	backoff time.Duration
}

type Options struct {
	APIBase      string
	Token        string
	Owner        string
	Repo         string
	WorkflowFile string
	Ref          string
	CallTimeout  time.Duration
}

func NewClient(opts Options) *Client {
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		http:         &http.Client{Timeout: timeout},
		apiBase:      opts.APIBase,
		token:        opts.Token,
		owner:        opts.Owner,
		repo:         opts.Repo,
		workflowFile: opts.WorkflowFile,
		ref:          opts.Ref,
		backoff:      2 * time.Second,
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "playful-backend")
}

// DispatchWorkflow fires a workflow_dispatch for the configured workflow.
// GitHub answers 204 with no body and no run id; correlation is the
// matcher's problem. Transport failures are retried a few times, an HTTP
// rejection is surfaced immediately as *RejectedError.
func (c *Client) DispatchWorkflow(ctx context.Context, inputs map[string]string) error {
	url := fmt.Sprintf("%s/repos/%s/%s/actions/workflows/%s/dispatches",
		c.apiBase, c.owner, c.repo, c.workflowFile)

	payload, err := json.Marshal(map[string]any{
		"ref":    c.ref,
		"inputs": inputs,
	})
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= dispatchAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		c.setHeaders(req)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff):
			}
			continue
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusCreated {
			return nil
		}
		return &RejectedError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return fmt.Errorf("workflow dispatch: %d attempts failed: %w", dispatchAttempts, lastErr)
}

// ListRecentRuns returns the most recent workflow_dispatch runs of the
// configured workflow, newest first, one page of 10.
func (c *Client) ListRecentRuns(ctx context.Context) ([]entity.WorkflowRun, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/actions/workflows/%s/runs?event=workflow_dispatch&per_page=10",
		c.apiBase, c.owner, c.repo, c.workflowFile)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("list runs: HTTP %d: %s", resp.StatusCode, body)
	}

	var out struct {
		WorkflowRuns []entity.WorkflowRun `json:"workflow_runs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("list runs: decode: %w", err)
	}
	return out.WorkflowRuns, nil
}

// GetRun fetches a single run by id.
func (c *Client) GetRun(ctx context.Context, runID int64) (*entity.WorkflowRun, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/actions/runs/%s",
		c.apiBase, c.owner, c.repo, strconv.FormatInt(runID, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("get run %d: HTTP %d: %s", runID, resp.StatusCode, body)
	}

	var run entity.WorkflowRun
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return nil, fmt.Errorf("get run %d: decode: %w", runID, err)
	}
	return &run, nil
}
