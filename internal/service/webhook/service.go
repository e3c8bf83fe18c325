package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/account"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/billing"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/database"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/metrics"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/retry"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// staleReceivedAfter is how long an event may sit in RECEIVED before
// ResumePending treats it as abandoned
const staleReceivedAfter = 5 * time.Minute

// staleProcessingAfter is how long an attempt may sit in PROCESSING before
// its worker is presumed lost
const staleProcessingAfter = 10 * time.Minute

const resumeBatchSize = 100

// Config tunes ingestion
type Config struct {
	RetryPolicy     retry.Policy
	MaxPayloadBytes int64
}

type webhookService struct {
	provider      billing.Provider
	events        billing.WebhookEventRepository
	subscriptions billing.SubscriptionRepository
	payments      billing.PaymentRepository
	accounts      account.AccountRepository
	transactor    database.Transactor
	notifier      billing.Notifier
	applier       *Applier
	clock         clockwork.Clock
	cfg           Config

	// background retries run on baseCtx so they outlive the request
	baseCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inflight sync.Map
}

func NewWebhookService(
	provider billing.Provider,
	events billing.WebhookEventRepository,
	subscriptions billing.SubscriptionRepository,
	payments billing.PaymentRepository,
	accounts account.AccountRepository,
	transactor database.Transactor,
	notifier billing.Notifier,
	clock clockwork.Clock,
	cfg Config,
) billing.WebhookIngestor {
	if cfg.RetryPolicy.MaxAttempts == 0 {
		cfg.RetryPolicy = retry.DefaultPolicy
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &webhookService{
		provider:      provider,
		events:        events,
		subscriptions: subscriptions,
		payments:      payments,
		accounts:      accounts,
		transactor:    transactor,
		notifier:      notifier,
		applier:       NewApplier(subscriptions, accounts, clock),
		clock:         clock,
		cfg:           cfg,
		baseCtx:       baseCtx,
		cancel:        cancel,
	}
}

func (s *webhookService) Receive(ctx context.Context, payload []byte, signature string) (billing.ReceiveResult, error) {
	if s.cfg.MaxPayloadBytes > 0 && int64(len(payload)) > s.cfg.MaxPayloadBytes {
		return billing.ReceiveResult{}, billing.ErrPayloadTooLarge
	}

	event, err := s.provider.VerifyWebhookSignature(payload, signature)
	if err != nil {
		return billing.ReceiveResult{}, err
	}

	now := s.clock.Now().UTC()
	sum := sha256.Sum256(payload)
	record := billing.WebhookEvent{
		ID:              uuid.Must(uuid.NewV7()).String(),
		ProviderEventID: event.ID,
		EventType:       event.Type,
		Status:          billing.WebhookStatusReceived,
		Payload:         json.RawMessage(payload),
		PayloadHash:     hex.EncodeToString(sum[:]),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	stored, created, err := s.events.CreateIfNotExists(ctx, record)
	if err != nil {
		return billing.ReceiveResult{}, fmt.Errorf("record webhook event: %w", err)
	}
	if !created {
		if s.stalled(stored, now) {
			slog.Warn("Redelivered webhook event was stalled, processing it again",
				"provider_event_id", event.ID,
				"event_type", event.Type,
				"status", stored.Status,
			)
			final, err := s.resume(ctx, stored, event)
			if err != nil {
				return billing.ReceiveResult{}, err
			}
			if final.Status == billing.WebhookStatusRetrying {
				s.retryInBackground(final, event)
			}
			return result(final), nil
		}
		slog.Info("Webhook event already recorded, skipping",
			"provider_event_id", event.ID,
			"event_type", event.Type,
			"status", stored.Status,
		)
		metrics.WebhookEventsTotal.WithLabelValues(event.Type, "duplicate").Inc()
		if stored.PayloadHash != record.PayloadHash {
			slog.Warn("Duplicate webhook event carries a different payload", "provider_event_id", event.ID)
		}
		return billing.ReceiveResult{
			Received:        true,
			EventID:         stored.ID,
			ProviderEventID: event.ID,
			Status:          stored.Status,
			Duplicate:       true,
		}, nil
	}

	if event.Kind == billing.EventUnknown {
		if err := s.ignore(ctx, &stored, "unhandled event type"); err != nil {
			return billing.ReceiveResult{}, err
		}
		return result(stored), nil
	}

	final, err := s.process(ctx, stored, event)
	if err != nil {
		return billing.ReceiveResult{}, err
	}
	return result(final), nil
}

func result(e billing.WebhookEvent) billing.ReceiveResult {
	return billing.ReceiveResult{
		Received:        true,
		EventID:         e.ID,
		ProviderEventID: e.ProviderEventID,
		Status:          e.Status,
	}
}

func (s *webhookService) ignore(ctx context.Context, e *billing.WebhookEvent, reason string) error {
	if err := s.transition(e, billing.WebhookStatusIgnored); err != nil {
		return err
	}
	e.Result = &reason
	if err := s.events.Update(ctx, *e); err != nil {
		return fmt.Errorf("update webhook event: %w", err)
	}
	slog.Info("Webhook event ignored", "provider_event_id", e.ProviderEventID, "event_type", e.EventType)
	metrics.WebhookEventsTotal.WithLabelValues(e.EventType, string(billing.WebhookStatusIgnored)).Inc()
	return nil
}

// process runs the first attempt inline and, on a transient failure, hands
// the remaining attempts to a background goroutine
func (s *webhookService) process(ctx context.Context, stored billing.WebhookEvent, event billing.ProviderEvent) (billing.WebhookEvent, error) {
	after, attemptErr, err := s.attempt(ctx, stored.ID, event)
	if err != nil {
		return billing.WebhookEvent{}, err
	}
	if attemptErr != nil && after.Status == billing.WebhookStatusRetrying {
		s.retryInBackground(after, event)
	}
	return after, nil
}

func (s *webhookService) retryInBackground(e billing.WebhookEvent, event billing.ProviderEvent) {
	if _, loaded := s.inflight.LoadOrStore(e.ID, struct{}{}); loaded {
		return
	}
	remaining := s.cfg.RetryPolicy
	remaining.MaxAttempts = s.cfg.RetryPolicy.MaxAttempts - e.AttemptCount
	if remaining.MaxAttempts < 1 {
		s.inflight.Delete(e.ID)
		return
	}
	delay := s.cfg.RetryPolicy.JitteredDelay(e.AttemptCount)
	if e.NextAttemptAt != nil {
		delay = e.NextAttemptAt.Sub(s.clock.Now())
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inflight.Delete(e.ID)

		select {
		case <-s.baseCtx.Done():
			return
		case <-s.clock.After(delay):
		}

		err := retry.Do(s.baseCtx, remaining, func(ctx context.Context, attempt int) error {
			metrics.WebhookAttemptsTotal.WithLabelValues(event.Type, "retry").Inc()
			after, attemptErr, err := s.attempt(ctx, e.ID, event)
			if err != nil {
				return err
			}
			if after.Status != billing.WebhookStatusRetrying {
				return nil
			}
			return attemptErr
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Webhook event retries exhausted", "event_id", e.ID, "provider_event_id", e.ProviderEventID, "error", err)
		}
	}()
}

// attempt loads the event, runs the handler once and records the outcome.
// attemptErr is the handler failure; err is a bookkeeping failure.
func (s *webhookService) attempt(ctx context.Context, eventID string, event billing.ProviderEvent) (after billing.WebhookEvent, attemptErr error, err error) {
	e, err := s.events.GetByID(ctx, eventID)
	if err != nil {
		return billing.WebhookEvent{}, nil, fmt.Errorf("get webhook event: %w", err)
	}
	if e.Status != billing.WebhookStatusReceived && e.Status != billing.WebhookStatusRetrying {
		// Another worker already moved it on
		return e, nil, nil
	}

	now := s.clock.Now().UTC()
	if err := s.transition(&e, billing.WebhookStatusProcessing); err != nil {
		return billing.WebhookEvent{}, nil, err
	}
	e.AttemptCount++
	e.LastAttemptAt = &now
	e.NextAttemptAt = nil
	if err := s.events.Update(ctx, e); err != nil {
		return billing.WebhookEvent{}, nil, fmt.Errorf("update webhook event: %w", err)
	}

	start := time.Now()
	var outcome string
	attemptErr = s.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		var herr error
		outcome, herr = s.dispatch(ctx, event)
		return herr
	})
	metrics.WebhookDuration.WithLabelValues(event.Type).Observe(time.Since(start).Seconds())

	finished := s.clock.Now().UTC()
	switch {
	case attemptErr == nil:
		_ = s.transition(&e, billing.WebhookStatusProcessed)
		e.Result = &outcome
		e.Error = nil
		metrics.WebhookAttemptsTotal.WithLabelValues(event.Type, "success").Inc()
		slog.Info("Webhook event processed",
			"provider_event_id", e.ProviderEventID,
			"event_type", e.EventType,
			"attempt", e.AttemptCount,
			"result", outcome,
		)

	case isPermanent(attemptErr) || e.AttemptCount >= s.cfg.RetryPolicy.MaxAttempts:
		_ = s.transition(&e, billing.WebhookStatusFailed)
		msg := attemptErr.Error()
		e.Error = &msg
		metrics.WebhookAttemptsTotal.WithLabelValues(event.Type, "failed").Inc()
		slog.Error("Webhook event failed",
			"provider_event_id", e.ProviderEventID,
			"event_type", e.EventType,
			"attempt", e.AttemptCount,
			"permanent", isPermanent(attemptErr),
			"error", attemptErr,
		)

	default:
		_ = s.transition(&e, billing.WebhookStatusRetrying)
		msg := attemptErr.Error()
		e.Error = &msg
		next := finished.Add(s.cfg.RetryPolicy.JitteredDelay(e.AttemptCount))
		e.NextAttemptAt = &next
		metrics.WebhookAttemptsTotal.WithLabelValues(event.Type, "transient").Inc()
		slog.Warn("Webhook event attempt failed, will retry",
			"provider_event_id", e.ProviderEventID,
			"event_type", e.EventType,
			"attempt", e.AttemptCount,
			"next_attempt_at", next,
			"error", attemptErr,
		)
	}

	if err := s.events.Update(ctx, e); err != nil {
		return billing.WebhookEvent{}, attemptErr, fmt.Errorf("update webhook event: %w", err)
	}
	if e.Status.IsTerminal() {
		metrics.WebhookEventsTotal.WithLabelValues(e.EventType, string(e.Status)).Inc()
	}
	if isPermanent(attemptErr) {
		attemptErr = retry.Permanent(attemptErr)
	}
	return e, attemptErr, nil
}

func (s *webhookService) transition(e *billing.WebhookEvent, next billing.WebhookStatus) error {
	if !e.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", billing.ErrInvalidTransition, e.Status, next)
	}
	e.Status = next
	e.UpdatedAt = s.clock.Now().UTC()
	return nil
}

func isPermanent(err error) bool {
	return retry.IsPermanent(err) || errors.Is(err, billing.ErrMalformedEvent)
}

func (s *webhookService) Replay(ctx context.Context, eventID string) (billing.WebhookEvent, error) {
	e, err := s.events.GetByID(ctx, eventID)
	if err != nil {
		return billing.WebhookEvent{}, err
	}
	if e.Status != billing.WebhookStatusFailed {
		return billing.WebhookEvent{}, fmt.Errorf("%w: event is %s", billing.ErrEventNotReplayable, e.Status)
	}

	event, err := s.provider.ParseEvent(e.Payload)
	if err != nil {
		return billing.WebhookEvent{}, err
	}

	if err := s.transition(&e, billing.WebhookStatusRetrying); err != nil {
		return billing.WebhookEvent{}, err
	}
	now := s.clock.Now().UTC()
	e.AttemptCount = 0
	e.NextAttemptAt = &now
	if err := s.events.Update(ctx, e); err != nil {
		return billing.WebhookEvent{}, fmt.Errorf("update webhook event: %w", err)
	}
	slog.Info("Webhook event replay requested", "event_id", e.ID, "provider_event_id", e.ProviderEventID)

	return s.process(ctx, e, event)
}

func (s *webhookService) GetEvent(ctx context.Context, eventID string) (billing.WebhookEvent, error) {
	return s.events.GetByID(ctx, eventID)
}

func (s *webhookService) ListFailed(ctx context.Context, limit int) ([]billing.WebhookEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	events, err := s.events.ListByStatus(ctx, billing.WebhookStatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed webhook events: %w", err)
	}
	return events, nil
}

func (s *webhookService) ResumePending(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()

	var pending []billing.WebhookEvent
	for _, status := range []billing.WebhookStatus{
		billing.WebhookStatusRetrying,
		billing.WebhookStatusReceived,
		billing.WebhookStatusProcessing,
	} {
		events, err := s.events.ListByStatus(ctx, status, resumeBatchSize)
		if err != nil {
			return 0, fmt.Errorf("list %s webhook events: %w", status, err)
		}
		pending = append(pending, events...)
	}

	resumed := 0
	for _, e := range pending {
		if ctx.Err() != nil {
			break
		}
		if !s.stalled(e, now) {
			continue
		}

		event, err := s.provider.ParseEvent(e.Payload)
		if err != nil {
			slog.Error("Stored webhook payload no longer parses", "event_id", e.ID, "error", err)
			continue
		}
		if _, err := s.resume(ctx, e, event); err != nil {
			return resumed, err
		}
		resumed++
	}
	if resumed > 0 {
		slog.Info("Resumed pending webhook events", "count", resumed)
	}
	return resumed, nil
}

// stalled reports whether a non-terminal event is due for another attempt
// and nothing in this process is working on it
func (s *webhookService) stalled(e billing.WebhookEvent, now time.Time) bool {
	if _, owned := s.inflight.Load(e.ID); owned {
		return false
	}
	switch e.Status {
	case billing.WebhookStatusRetrying:
		return e.NextAttemptAt == nil || !now.Before(*e.NextAttemptAt)
	case billing.WebhookStatusReceived:
		return now.Sub(e.CreatedAt) >= staleReceivedAfter
	case billing.WebhookStatusProcessing:
		since := e.UpdatedAt
		if e.LastAttemptAt != nil {
			since = *e.LastAttemptAt
		}
		return now.Sub(since) >= staleProcessingAfter
	default:
		return false
	}
}

// resume runs the next attempt for a stalled event. An attempt lost while
// PROCESSING counts against the attempt budget.
func (s *webhookService) resume(ctx context.Context, e billing.WebhookEvent, event billing.ProviderEvent) (billing.WebhookEvent, error) {
	if e.Status == billing.WebhookStatusProcessing {
		msg := "attempt abandoned while processing"
		next := billing.WebhookStatusRetrying
		if e.AttemptCount >= s.cfg.RetryPolicy.MaxAttempts {
			next = billing.WebhookStatusFailed
		}
		if err := s.transition(&e, next); err != nil {
			return billing.WebhookEvent{}, err
		}
		e.Error = &msg
		e.NextAttemptAt = nil
		if err := s.events.Update(ctx, e); err != nil {
			return billing.WebhookEvent{}, fmt.Errorf("update webhook event: %w", err)
		}
		slog.Warn("Recovered webhook event abandoned mid-attempt",
			"event_id", e.ID,
			"provider_event_id", e.ProviderEventID,
			"attempt", e.AttemptCount,
			"status", e.Status,
		)
		if e.Status.IsTerminal() {
			metrics.WebhookEventsTotal.WithLabelValues(e.EventType, string(e.Status)).Inc()
			return e, nil
		}
	}

	if event.Kind == billing.EventUnknown && e.Status == billing.WebhookStatusReceived {
		if err := s.ignore(ctx, &e, "unhandled event type"); err != nil {
			return billing.WebhookEvent{}, err
		}
		return e, nil
	}

	after, _, err := s.attempt(ctx, e.ID, event)
	if err != nil {
		return billing.WebhookEvent{}, err
	}
	return after, nil
}

func (s *webhookService) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		// Abandoned retries stay RETRYING and are picked up by ResumePending
		s.cancel()
		<-done
		return ctx.Err()
	}
}
