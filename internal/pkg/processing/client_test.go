package processing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/account"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string) *Client {
	c := NewClient(url, time.Second)
	c.policy = retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	return c
}

func TestProcess_Success(t *testing.T) {
	// Setup
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/jobs", r.URL.Path)
		assert.Equal(t, "job-1", r.Header.Get("Idempotency-Key"))
		var job Job
		require.NoError(t, json.NewDecoder(r.Body).Decode(&job))
		assert.Equal(t, account.ModeEnhanced, job.Mode)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"job_id":"job-1","status":"completed","mode":"enhanced","output":{"score":87}}`))
	}))
	defer srv.Close()

	// Act
	res, err := newTestClient(srv.URL).Process(context.Background(), Job{
		ID: "job-1", AccountID: "acc_1", Kind: account.UsageResumeProcessing, Mode: account.ModeEnhanced,
		Input: json.RawMessage(`{"resume":"..."}`),
	})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Status)
	assert.JSONEq(t, `{"score":87}`, string(res.Output))
}

func TestProcess_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"status":"completed"}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Process(context.Background(), Job{ID: "job-2"})

	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "job-2", res.JobID)
}

func TestProcess_RejectedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "resume text is empty", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Process(context.Background(), Job{ID: "job-3"})

	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, int32(1), calls.Load())
}

func TestProcess_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Process(context.Background(), Job{ID: "job-4"})

	assert.ErrorIs(t, err, ErrWorkerUnavailable)
}

func TestLocal_Accepts(t *testing.T) {
	res, err := Local{}.Process(context.Background(), Job{ID: "job-5", Mode: account.ModeStandard})

	require.NoError(t, err)
	assert.Equal(t, "accepted", res.Status)
	assert.Equal(t, "standard", res.Mode)
}
