package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/account"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/entitlement"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/handler/http/middleware"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/handler/http/response"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/processing"
	"github.com/google/uuid"
)

// ProcessingHandler runs the gated document operations
type ProcessingHandler interface {
	ProcessResume(w http.ResponseWriter, r *http.Request)
	GenerateCoverLetter(w http.ResponseWriter, r *http.Request)
	ProcessBulk(w http.ResponseWriter, r *http.Request)
}

// ProcessingResponse is the body returned for a processed job
type ProcessingResponse struct {
	Job      processing.Result               `json:"job"`
	Mode     *entitlement.ModeDecision       `json:"mode,omitempty"`
	Priority *entitlement.CapabilityDecision `json:"priority,omitempty"`
}

type processingHandlerImpl struct {
	processor processing.Processor
}

// NewProcessingHandler creates a new processing handler
func NewProcessingHandler(processor processing.Processor) ProcessingHandler {
	return &processingHandlerImpl{
		processor: processor,
	}
}

// ProcessResume processes one resume
// POST /api/v1/resumes/process - Metered
func (h *processingHandlerImpl) ProcessResume(w http.ResponseWriter, r *http.Request) {
	h.processSingle(w, r, account.UsageResumeProcessing)
}

// GenerateCoverLetter generates one cover letter
// POST /api/v1/cover-letters - Metered
func (h *processingHandlerImpl) GenerateCoverLetter(w http.ResponseWriter, r *http.Request) {
	h.processSingle(w, r, account.UsageCoverLetter)
}

func (h *processingHandlerImpl) processSingle(w http.ResponseWriter, r *http.Request, kind account.UsageType) {
	var req account.ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Error("Process decode error", "kind", kind, "error", err)
		response.BadRequest(w, "Invalid request format", nil)
		return
	}

	if err := req.Validate(); err != nil {
		response.HandleError(w, err)
		return
	}

	h.run(w, r, kind, 1, req.Input)
}

// ProcessBulk processes several resumes as one job
// POST /api/v1/resumes/bulk - PRO only
func (h *processingHandlerImpl) ProcessBulk(w http.ResponseWriter, r *http.Request) {
	var req account.BulkProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Error("ProcessBulk decode error", "error", err)
		response.BadRequest(w, "Invalid request format", nil)
		return
	}

	if err := req.Validate(); err != nil {
		response.HandleError(w, err)
		return
	}

	input, err := json.Marshal(req.Items)
	if err != nil {
		response.BadRequest(w, "Invalid items", nil)
		return
	}

	h.run(w, r, account.UsageBulkProcessing, len(req.Items), input)
}

func (h *processingHandlerImpl) run(w http.ResponseWriter, r *http.Request, kind account.UsageType, items int, input json.RawMessage) {
	accountID, ok := accountIDFromRequest(r)
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	eval, _ := middleware.EvaluationFromContext(r.Context())
	job := processing.Job{
		ID:        uuid.Must(uuid.NewV7()).String(),
		AccountID: accountID,
		Kind:      kind,
		Mode:      account.ModeStandard,
		Items:     items,
		Input:     input,
	}
	if eval.Mode != nil {
		job.Mode = eval.Mode.Effective
	}
	if eval.Priority != nil {
		job.Priority = eval.Priority.Granted
	}

	result, err := h.processor.Process(r.Context(), job)
	if err != nil {
		slog.Error("Processing failed", "job_id", job.ID, "account_id", accountID, "kind", kind, "error", err)
		response.HandleError(w, err)
		return
	}

	response.Success(w, ProcessingResponse{
		Job:      result,
		Mode:     eval.Mode,
		Priority: eval.Priority,
	})
}
