package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/account"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/entitlement"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/handler/http/response"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Request and response headers used by the gate
const (
	HeaderProcessingMode = "X-Processing-Mode"
	HeaderPriority       = "X-Priority"
	HeaderModeFallback   = "X-Processing-Mode-Fallback"
	HeaderEffectiveMode  = "X-Processing-Mode-Effective"
	HeaderLimit          = "X-RateLimit-Limit"
	HeaderRemaining      = "X-RateLimit-Remaining"
	HeaderReset          = "X-RateLimit-Reset"
)

type evaluationKey struct{}

// Classifier maps a request to its gating rules
type Classifier interface {
	Classify(method, path string) (entitlement.Classification, bool)
}

// EntitlementMiddleware enforces tier, capability and usage rules on
// authenticated routes
type EntitlementMiddleware struct {
	entitlementService entitlement.EntitlementService
	classifier         Classifier
}

// NewEntitlementMiddleware creates a new entitlement middleware
func NewEntitlementMiddleware(entitlementService entitlement.EntitlementService, classifier Classifier) *EntitlementMiddleware {
	return &EntitlementMiddleware{
		entitlementService: entitlementService,
		classifier:         classifier,
	}
}

// Enforce gates the request. Usage is recorded asynchronously once a metered
// handler completes with a non-error status.
func (m *EntitlementMiddleware) Enforce(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		class, matched := m.classifier.Classify(r.Method, r.URL.Path)
		if !matched {
			slog.Warn("Unclassified route gated as restricted", "method", r.Method, "path", r.URL.Path)
		}
		if class.Kind == entitlement.KindBypass {
			next.ServeHTTP(w, r)
			return
		}

		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			response.Unauthorized(w, "unauthorized")
			return
		}

		req := entitlement.Request{Class: class}
		if class.ModeAware {
			req.RequestedMode = requestedMode(r)
			req.Priority = requestedPriority(r)
		}

		eval, err := m.entitlementService.Gate(r.Context(), identity.AccountID, req)
		if err != nil {
			response.HandleError(w, err)
			return
		}

		decision := eval.Decision
		writeQuotaHeaders(w, decision)
		if !decision.Allowed() {
			deny(w, decision)
			return
		}

		if eval.Mode != nil {
			w.Header().Set(HeaderEffectiveMode, string(eval.Mode.Effective))
			if eval.Mode.FellBack {
				w.Header().Set(HeaderModeFallback, eval.Mode.Reason)
			}
		}

		r = r.WithContext(context.WithValue(r.Context(), evaluationKey{}, eval))
		if !class.IsMetered() || decision.Unlimited {
			next.ServeHTTP(w, r)
			return
		}

		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if status < http.StatusBadRequest {
			count := class.UsageCount
			if count < 1 {
				count = 1
			}
			m.entitlementService.RecordUsageAsync(identity.AccountID, class.UsageType, count, chiMiddleware.GetReqID(r.Context()))
		}
	})
}

// EvaluationFromContext returns the gate answer for the current request
func EvaluationFromContext(ctx context.Context) (entitlement.Evaluation, bool) {
	eval, ok := ctx.Value(evaluationKey{}).(entitlement.Evaluation)
	return eval, ok
}

func requestedMode(r *http.Request) account.ProcessingMode {
	mode := r.Header.Get(HeaderProcessingMode)
	if mode == "" {
		mode = r.URL.Query().Get("mode")
	}
	return account.ProcessingMode(strings.ToLower(strings.TrimSpace(mode)))
}

func requestedPriority(r *http.Request) bool {
	raw := r.Header.Get(HeaderPriority)
	if raw == "" {
		raw = r.URL.Query().Get("priority")
	}
	priority, _ := strconv.ParseBool(raw)
	return priority
}

func writeQuotaHeaders(w http.ResponseWriter, d entitlement.Decision) {
	if d.Unlimited || d.Limit == 0 {
		return
	}
	w.Header().Set(HeaderLimit, strconv.Itoa(d.Limit))
	w.Header().Set(HeaderRemaining, strconv.Itoa(d.Remaining))
	if d.ResetAt != nil {
		w.Header().Set(HeaderReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

func deny(w http.ResponseWriter, d entitlement.Decision) {
	switch d.Outcome {
	case entitlement.OutcomeRateLimited:
		if d.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		}
		response.Denied(w, http.StatusTooManyRequests, d.Code, d.Message, d)
	default:
		response.Denied(w, http.StatusForbidden, d.Code, d.Message, d)
	}
}
