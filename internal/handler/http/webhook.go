package http

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/billing"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/handler/http/response"
)

// StripeSignatureHeader carries the Stripe webhook signature
const StripeSignatureHeader = "Stripe-Signature"

// WebhookHandler receives billing provider webhooks
type WebhookHandler interface {
	HandleStripe(w http.ResponseWriter, r *http.Request)
}

type webhookHandlerImpl struct {
	ingestor        billing.WebhookIngestor
	maxPayloadBytes int64
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(ingestor billing.WebhookIngestor, maxPayloadBytes int64) WebhookHandler {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = 1 << 20
	}
	return &webhookHandlerImpl{
		ingestor:        ingestor,
		maxPayloadBytes: maxPayloadBytes,
	}
}

// HandleStripe verifies and records a Stripe event. Handler failures after
// the event is recorded still answer 200; they are retried internally.
// POST /api/v1/webhooks/stripe - Public, signature verified
func (h *webhookHandlerImpl) HandleStripe(w http.ResponseWriter, r *http.Request) {
	// One byte past the limit lets the ingestor tell an oversized body apart
	payload, err := io.ReadAll(io.LimitReader(r.Body, h.maxPayloadBytes+1))
	if err != nil {
		slog.Error("Failed to read webhook body", "error", err)
		response.BadRequest(w, "Failed to read request body", nil)
		return
	}

	result, err := h.ingestor.Receive(r.Context(), payload, r.Header.Get(StripeSignatureHeader))
	if err != nil {
		slog.Warn("Webhook rejected", "error", err)
		response.HandleError(w, err)
		return
	}

	response.Success(w, result)
}
