package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/account"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/entitlement"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/handler/http/middleware"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/handler/http/response"
)

// AccountHandler serves the caller's own entitlement view
type AccountHandler interface {
	GetEntitlements(w http.ResponseWriter, r *http.Request)
	GetUsage(w http.ResponseWriter, r *http.Request)
	GetPayments(w http.ResponseWriter, r *http.Request)
	UpdatePreferences(w http.ResponseWriter, r *http.Request)
}

type accountHandlerImpl struct {
	entitlementService entitlement.EntitlementService
}

// NewAccountHandler creates a new account handler
func NewAccountHandler(entitlementService entitlement.EntitlementService) AccountHandler {
	return &accountHandlerImpl{
		entitlementService: entitlementService,
	}
}

func accountIDFromRequest(r *http.Request) (string, bool) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok || identity.AccountID == "" {
		return "", false
	}
	return identity.AccountID, true
}

// GetEntitlements returns tier, status, capabilities and quota
// GET /api/v1/account/entitlements - Authenticated
func (h *accountHandlerImpl) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFromRequest(r)
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	snapshot, err := h.entitlementService.Snapshot(r.Context(), accountID)
	if err != nil {
		response.HandleError(w, err)
		return
	}

	response.Success(w, snapshot)
}

// GetUsage returns the weekly quota
// GET /api/v1/account/usage - Authenticated
func (h *accountHandlerImpl) GetUsage(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFromRequest(r)
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	usage, err := h.entitlementService.Usage(r.Context(), accountID)
	if err != nil {
		response.HandleError(w, err)
		return
	}

	response.Success(w, usage)
}

// GetPayments returns recent payments, newest first
// GET /api/v1/account/payments?limit= - Authenticated
func (h *accountHandlerImpl) GetPayments(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFromRequest(r)
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if l, err := strconv.Atoi(raw); err == nil {
			limit = l
		}
	}

	payments, err := h.entitlementService.Payments(r.Context(), accountID, limit)
	if err != nil {
		response.HandleError(w, err)
		return
	}

	response.Success(w, payments)
}

// UpdatePreferences stores the preferred processing mode
// PUT /api/v1/account/preferences - Authenticated
func (h *accountHandlerImpl) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFromRequest(r)
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req account.UpdatePreferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Error("UpdatePreferences decode error", "error", err)
		response.BadRequest(w, "Invalid request format", nil)
		return
	}

	if err := req.Validate(); err != nil {
		response.HandleError(w, err)
		return
	}

	if err := h.entitlementService.SetPreferredMode(r.Context(), accountID, req.PreferredMode); err != nil {
		response.HandleError(w, err)
		return
	}

	response.SuccessWithMessage(w, "Preferences updated", req)
}
