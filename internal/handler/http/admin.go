package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/billing"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/lifecycle"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/handler/http/response"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/cron"
	"github.com/go-chi/chi/v5"
)

// AdminHandler exposes operator controls for the scheduler, lifecycle
// operations and webhook recovery
type AdminHandler interface {
	// Scheduler
	SchedulerStatus(w http.ResponseWriter, r *http.Request)
	GetTask(w http.ResponseWriter, r *http.Request)
	AddTask(w http.ResponseWriter, r *http.Request)
	RemoveTask(w http.ResponseWriter, r *http.Request)
	RunTask(w http.ResponseWriter, r *http.Request)
	EnableTask(w http.ResponseWriter, r *http.Request)
	DisableTask(w http.ResponseWriter, r *http.Request)
	RunAllTasks(w http.ResponseWriter, r *http.Request)

	// Lifecycle operations
	ListOperations(w http.ResponseWriter, r *http.Request)
	RunOperation(w http.ResponseWriter, r *http.Request)
	RunAllOperations(w http.ResponseWriter, r *http.Request)

	// Webhooks
	ListFailedWebhooks(w http.ResponseWriter, r *http.Request)
	GetWebhookEvent(w http.ResponseWriter, r *http.Request)
	ReplayWebhook(w http.ResponseWriter, r *http.Request)
}

type adminHandlerImpl struct {
	scheduler        *cron.Scheduler
	lifecycleService lifecycle.LifecycleService
	ingestor         billing.WebhookIngestor
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(scheduler *cron.Scheduler, lifecycleService lifecycle.LifecycleService, ingestor billing.WebhookIngestor) AdminHandler {
	return &adminHandlerImpl{
		scheduler:        scheduler,
		lifecycleService: lifecycleService,
		ingestor:         ingestor,
	}
}

// ==================== Scheduler ====================

// SchedulerStatus returns every task with its run statistics
// GET /api/v1/admin/scheduler - Admin
func (h *adminHandlerImpl) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	response.Success(w, map[string]interface{}{
		"scheduler":  h.scheduler.Status(),
		"operations": h.scheduler.Operations(),
	})
}

// GetTask returns the status of one task
// GET /api/v1/admin/scheduler/tasks/{name} - Admin
func (h *adminHandlerImpl) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.scheduler.Task(chi.URLParam(r, "name"))
	if err != nil {
		response.HandleError(w, err)
		return
	}

	response.Success(w, task)
}

// AddTask registers a custom interval task
// POST /api/v1/admin/scheduler/tasks - Admin
func (h *adminHandlerImpl) AddTask(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Error("AddTask decode error", "error", err)
		response.BadRequest(w, "Invalid request format", nil)
		return
	}

	if err := req.Validate(); err != nil {
		response.HandleError(w, err)
		return
	}

	task, err := h.scheduler.AddCustomTask(req.Name, req.Operation, req.Interval())
	if err != nil {
		response.HandleError(w, err)
		return
	}

	response.Created(w, "Task created", task)
}

// RemoveTask removes a custom task
// DELETE /api/v1/admin/scheduler/tasks/{name} - Admin
func (h *adminHandlerImpl) RemoveTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.scheduler.RemoveTask(name); err != nil {
		response.HandleError(w, err)
		return
	}

	response.SuccessWithMessage(w, "Task removed", nil)
}

// RunTask runs a task immediately; a failing run is reported in the status
// POST /api/v1/admin/scheduler/tasks/{name}/run - Admin
func (h *adminHandlerImpl) RunTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.scheduler.RunNow(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		response.HandleError(w, err)
		return
	}

	response.Success(w, task)
}

// EnableTask resumes a task
// POST /api/v1/admin/scheduler/tasks/{name}/enable - Admin
func (h *adminHandlerImpl) EnableTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.scheduler.Enable(chi.URLParam(r, "name"))
	if err != nil {
		response.HandleError(w, err)
		return
	}

	response.Success(w, task)
}

// DisableTask pauses a task
// POST /api/v1/admin/scheduler/tasks/{name}/disable - Admin
func (h *adminHandlerImpl) DisableTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.scheduler.Disable(chi.URLParam(r, "name"))
	if err != nil {
		response.HandleError(w, err)
		return
	}

	response.Success(w, task)
}

// RunAllTasks runs every enabled task once
// POST /api/v1/admin/scheduler/run-all - Admin
func (h *adminHandlerImpl) RunAllTasks(w http.ResponseWriter, r *http.Request) {
	response.Success(w, h.scheduler.RunAll(r.Context()))
}

// ==================== Lifecycle Operations ====================

// ListOperations lists the lifecycle operations in run order
// GET /api/v1/admin/operations - Admin
func (h *adminHandlerImpl) ListOperations(w http.ResponseWriter, r *http.Request) {
	response.Success(w, lifecycle.Operations)
}

// RunOperation runs one lifecycle operation. The body is optional.
// POST /api/v1/admin/operations/{operation}/run - Admin
func (h *adminHandlerImpl) RunOperation(w http.ResponseWriter, r *http.Request) {
	op, err := lifecycle.ParseOperation(chi.URLParam(r, "operation"))
	if err != nil {
		response.HandleError(w, err)
		return
	}

	var req lifecycle.RunOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		slog.Error("RunOperation decode error", "error", err)
		response.BadRequest(w, "Invalid request format", nil)
		return
	}

	if err := req.Validate(); err != nil {
		response.HandleError(w, err)
		return
	}

	var result lifecycle.Result
	if op == lifecycle.OpCleanupOldData && req.RetentionDays != nil {
		result = h.lifecycleService.CleanupOldData(r.Context(), lifecycle.CleanupOptions{RetentionDays: *req.RetentionDays})
	} else {
		result = h.lifecycleService.Run(r.Context(), op)
	}

	response.Success(w, result)
}

// RunAllOperations runs every lifecycle operation in order
// POST /api/v1/admin/operations/run-all - Admin
func (h *adminHandlerImpl) RunAllOperations(w http.ResponseWriter, r *http.Request) {
	response.Success(w, h.lifecycleService.RunAll(r.Context()))
}

// ==================== Webhooks ====================

// ListFailedWebhooks lists events that exhausted their attempts
// GET /api/v1/admin/webhooks/failed?limit= - Admin
func (h *adminHandlerImpl) ListFailedWebhooks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if l, err := strconv.Atoi(raw); err == nil {
			limit = l
		}
	}

	events, err := h.ingestor.ListFailed(r.Context(), limit)
	if err != nil {
		response.HandleError(w, err)
		return
	}

	response.SuccessWithMeta(w, events, &response.Meta{
		Limit:      limit,
		TotalItems: int64(len(events)),
	})
}

// GetWebhookEvent returns one recorded event
// GET /api/v1/admin/webhooks/{id} - Admin
func (h *adminHandlerImpl) GetWebhookEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.ingestor.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.HandleError(w, err)
		return
	}

	response.Success(w, event)
}

// ReplayWebhook re-runs a failed event with a fresh attempt budget
// POST /api/v1/admin/webhooks/{id}/replay - Admin
func (h *adminHandlerImpl) ReplayWebhook(w http.ResponseWriter, r *http.Request) {
	event, err := h.ingestor.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.HandleError(w, err)
		return
	}

	response.Success(w, event)
}
