package processing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/account"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/retry"
)

var (
	ErrRejected          = errors.New("processing worker rejected the job")
	ErrWorkerUnavailable = errors.New("processing worker unavailable")
)

// Job is one metered unit of work sent to the worker
type Job struct {
	ID        string                 `json:"id"`
	AccountID string                 `json:"account_id"`
	Kind      account.UsageType      `json:"kind"`
	Mode      account.ProcessingMode `json:"mode"`
	Priority  bool                   `json:"priority"`
	Items     int                    `json:"items"`
	Input     json.RawMessage        `json:"input"`
}

// Result is the worker's answer for a job
type Result struct {
	JobID  string          `json:"job_id"`
	Status string          `json:"status"`
	Mode   string          `json:"mode"`
	Output json.RawMessage `json:"output,omitempty"`
}

// Processor runs jobs
type Processor interface {
	Process(ctx context.Context, job Job) (Result, error)
}

// Client communicates with the remote processing worker
type Client struct {
	baseURL    string
	httpClient *http.Client
	policy     retry.Policy
}

// NewClient creates a worker client
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		policy: retry.Policy{
			MaxAttempts: 2,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Jitter:      0.2,
		},
	}
}

// Process submits a job. The job ID is sent as the Idempotency-Key so a
// retried submission is not processed twice.
func (c *Client) Process(ctx context.Context, job Job) (Result, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return Result{}, fmt.Errorf("marshal job: %w", err)
	}

	var result Result
	err = retry.Do(ctx, c.policy, func(ctx context.Context, attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs", bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", job.ID)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			slog.Warn("Processing worker request failed", "job_id", job.ID, "attempt", attempt, "error", err)
			return fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("%w: read response: %v", ErrWorkerUnavailable, err)
		}

		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: status %d", ErrWorkerUnavailable, resp.StatusCode)
		case resp.StatusCode >= 400:
			return retry.Permanent(fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(payload))))
		}

		if err := json.Unmarshal(payload, &result); err != nil {
			return retry.Permanent(fmt.Errorf("%w: decode response: %v", ErrWorkerUnavailable, err))
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if result.JobID == "" {
		result.JobID = job.ID
	}
	return result, nil
}

// Local accepts every job without a worker. It is used when no worker URL is configured.
type Local struct{}

func (Local) Process(ctx context.Context, job Job) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{JobID: job.ID, Status: "accepted", Mode: string(job.Mode)}, nil
}
