package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/config"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/account"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/entitlement"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/handler/http/middleware"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/cron"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/jwt"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/processing"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/stripe"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/repository/memory"
	entitlementService "github.com/cmlabs-hris/entitlement-backend-go/internal/service/entitlement"
	lifecycleService "github.com/cmlabs-hris/entitlement-backend-go/internal/service/lifecycle"
	webhookService "github.com/cmlabs-hris/entitlement-backend-go/internal/service/webhook"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
	"golang.org/x/crypto/bcrypt"
)

const (
	routerTestSecret   = "test-secret-key-for-jwt"
	routerWebhookKey   = "whsec_router_test"
	routerTestAdminKey = "operator-key"
)

var routerEpoch = time.Date(2025, 3, 3, 10, 30, 0, 0, time.UTC)

type stubProcessor struct {
	err  error
	jobs []processing.Job
}

func (p *stubProcessor) Process(ctx context.Context, job processing.Job) (processing.Result, error) {
	if p.err != nil {
		return processing.Result{}, p.err
	}
	p.jobs = append(p.jobs, job)
	return processing.Result{JobID: job.ID, Status: "completed", Mode: string(job.Mode)}, nil
}

type testServer struct {
	router      http.Handler
	store       *memory.Store
	jwt         jwt.Service
	entitlement entitlement.EntitlementService
	processor   *stubProcessor
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(routerTestAdminKey), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := &config.Config{
		App:       config.AppConfig{Env: "test"},
		Usage:     config.UsageConfig{FreeWeeklyLimit: 5, Window: 7 * 24 * time.Hour},
		Lifecycle: config.LifecycleConfig{GracePeriod: 72 * time.Hour, ReminderHorizon: 72 * time.Hour, RetentionDays: 90, SyncStaleAfter: time.Hour},
		Gate:      config.GateConfig{UpgradeURL: "/pricing", EnhancedModePolicy: "fallback", PriorityQueuePolicy: "block"},
		Admin:     config.AdminConfig{APIKeyHash: string(hash)},
	}

	clock := clockwork.NewFakeClockAt(routerEpoch)
	store := memory.NewStore(clock)
	provider := stripe.NewClient(config.StripeConfig{WebhookSecret: routerWebhookKey})

	entitlementSvc := entitlementService.NewEntitlementService(store.Accounts(), store.Usage(), store.Payments(), clock, cfg)
	ingestor := webhookService.NewWebhookService(
		provider, store.WebhookEvents(), store.Subscriptions(), store.Payments(), store.Accounts(),
		store.Transactor(), nil, clock, webhookService.Config{MaxPayloadBytes: 64 << 10},
	)
	lifecycleSvc := lifecycleService.NewLifecycleService(
		store.Accounts(), store.Usage(), store.Subscriptions(), store.WebhookEvents(),
		nil, nil, store.Transactor(), clock, cfg,
	)
	scheduler := cron.NewScheduler(clock, time.Minute)
	require.NoError(t, cron.NewLifecycleJobs(lifecycleSvc).RegisterJobs(scheduler))

	jwtService := jwt.NewJWTService(routerTestSecret, "1h")
	processor := &stubProcessor{}
	router := NewRouter(cfg, jwtService, entitlementSvc,
		middleware.NewEntitlementMiddleware(entitlementSvc, entitlementService.DefaultClassifier()),
		Handlers{
			Account:    NewAccountHandler(entitlementSvc),
			Processing: NewProcessingHandler(processor),
			Webhook:    NewWebhookHandler(ingestor, 64<<10),
			Admin:      NewAdminHandler(scheduler, lifecycleSvc, ingestor),
		},
	)

	t.Cleanup(func() {
		_ = entitlementSvc.Shutdown(context.Background())
		_ = ingestor.Shutdown(context.Background())
	})

	return &testServer{router: router, store: store, jwt: jwtService, entitlement: entitlementSvc, processor: processor}
}

func (s *testServer) token(t *testing.T, accountID string, isAdmin bool) string {
	t.Helper()
	token, _, err := s.jwt.GenerateAccessToken(accountID, accountID+"@example.com", isAdmin)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) seedUsage(t *testing.T, accountID string, used int) {
	t.Helper()
	_, err := s.store.Accounts().Create(context.Background(), account.Account{
		ID: accountID, Email: accountID + "@example.com",
		WeeklyUsageCount: used, WeeklyUsageResetAt: routerEpoch.Add(-24 * time.Hour),
	})
	require.NoError(t, err)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

var resumeBody = map[string]interface{}{"input": map[string]string{"resume": "..."}}

func TestRouter_RequiresAuthentication(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodGet, "/api/v1/account/entitlements", "", nil, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_ProvisionsFreeAccountOnFirstRequest(t *testing.T) {
	// Setup
	srv := newTestServer(t)

	// Act
	rec := srv.do(t, http.MethodGet, "/api/v1/account/entitlements", srv.token(t, "acc_new", false), nil, nil)

	// Assert
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeBody(t, rec)["data"].(map[string]interface{})
	assert.Equal(t, "free", data["effective_tier"])
	assert.Equal(t, "acc_new", data["account_id"])

	acc, err := srv.store.Accounts().GetByID(context.Background(), "acc_new")
	require.NoError(t, err)
	assert.Equal(t, "acc_new@example.com", acc.Email)
}

func TestRouter_MeteredRouteRecordsUsageThenRateLimits(t *testing.T) {
	// Setup
	srv := newTestServer(t)
	srv.seedUsage(t, "acc_1", 4)
	token := srv.token(t, "acc_1", false)

	// Act
	first := srv.do(t, http.MethodPost, "/api/v1/resumes/process", token, resumeBody, nil)
	require.NoError(t, srv.entitlement.Shutdown(context.Background()))
	second := srv.do(t, http.MethodPost, "/api/v1/resumes/process", token, resumeBody, nil)

	// Assert
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "1", first.Header().Get(middleware.HeaderRemaining))
	assert.Equal(t, "5", first.Header().Get(middleware.HeaderLimit))

	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "0", second.Header().Get(middleware.HeaderRemaining))
	assert.Equal(t, "518400", second.Header().Get("Retry-After"))
	body := decodeBody(t, second)
	assert.Equal(t, entitlement.CodeUsageLimitExceeded, body["error"].(map[string]interface{})["code"])
	decision := body["data"].(map[string]interface{})
	assert.EqualValues(t, 0, decision["remaining"])
	assert.EqualValues(t, 5, decision["limit"])

	assert.Len(t, srv.store.UsageRecords(), 1)
	assert.Len(t, srv.processor.jobs, 1)
}

func TestRouter_FailedOperationIsNotMetered(t *testing.T) {
	srv := newTestServer(t)
	srv.seedUsage(t, "acc_1", 0)
	srv.processor.err = processing.ErrWorkerUnavailable

	rec := srv.do(t, http.MethodPost, "/api/v1/cover-letters", srv.token(t, "acc_1", false), resumeBody, nil)
	require.NoError(t, srv.entitlement.Shutdown(context.Background()))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, srv.store.UsageRecords())
}

func TestRouter_EnhancedModeFallsBackForFreeAccounts(t *testing.T) {
	// Setup
	srv := newTestServer(t)
	srv.seedUsage(t, "acc_1", 0)

	// Act
	rec := srv.do(t, http.MethodPost, "/api/v1/resumes/process?mode=enhanced", srv.token(t, "acc_1", false), resumeBody, nil)

	// Assert
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "standard", rec.Header().Get(middleware.HeaderEffectiveMode))
	assert.Contains(t, rec.Header().Get(middleware.HeaderModeFallback), "enhanced_mode requires a PRO subscription")
	require.Len(t, srv.processor.jobs, 1)
	assert.Equal(t, account.ModeStandard, srv.processor.jobs[0].Mode)

	mode := decodeBody(t, rec)["data"].(map[string]interface{})["mode"].(map[string]interface{})
	assert.Equal(t, true, mode["fell_back"])
	assert.NotEmpty(t, mode["reason"])
}

func TestRouter_PriorityIsBlockedForFreeAccounts(t *testing.T) {
	srv := newTestServer(t)
	srv.seedUsage(t, "acc_1", 0)

	rec := srv.do(t, http.MethodPost, "/api/v1/resumes/process", srv.token(t, "acc_1", false), resumeBody,
		map[string]string{middleware.HeaderPriority: "true"})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, entitlement.CodeCapabilityRequired, decodeBody(t, rec)["error"].(map[string]interface{})["code"])
	assert.Empty(t, srv.processor.jobs)
}

func TestRouter_BulkRequiresPro(t *testing.T) {
	srv := newTestServer(t)
	srv.seedUsage(t, "acc_1", 0)

	rec := srv.do(t, http.MethodPost, "/api/v1/resumes/bulk", srv.token(t, "acc_1", false),
		map[string]interface{}{"items": []string{"a", "b"}}, nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, entitlement.CodeUpgradeRequired, body["error"].(map[string]interface{})["code"])
	assert.Equal(t, "/pricing", body["data"].(map[string]interface{})["upgrade_url"])
}

func TestRouter_InvalidModeIsBadRequest(t *testing.T) {
	srv := newTestServer(t)
	srv.seedUsage(t, "acc_1", 0)

	rec := srv.do(t, http.MethodPost, "/api/v1/resumes/process", srv.token(t, "acc_1", false), resumeBody,
		map[string]string{middleware.HeaderProcessingMode: "turbo"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_UpdatePreferences(t *testing.T) {
	srv := newTestServer(t)
	srv.seedUsage(t, "acc_1", 0)
	token := srv.token(t, "acc_1", false)

	invalid := srv.do(t, http.MethodPut, "/api/v1/account/preferences", token, map[string]string{"preferred_mode": "turbo"}, nil)
	denied := srv.do(t, http.MethodPut, "/api/v1/account/preferences", token, map[string]string{"preferred_mode": "enhanced"}, nil)
	ok := srv.do(t, http.MethodPut, "/api/v1/account/preferences", token, map[string]string{"preferred_mode": "standard"}, nil)

	assert.Equal(t, http.StatusUnprocessableEntity, invalid.Code)
	assert.Equal(t, http.StatusForbidden, denied.Code)
	assert.Equal(t, http.StatusOK, ok.Code)
}

func TestRouter_AdminAccess(t *testing.T) {
	srv := newTestServer(t)

	t.Run("non admin token", func(t *testing.T) {
		rec := srv.do(t, http.MethodGet, "/api/v1/admin/scheduler", srv.token(t, "acc_1", false), nil, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("admin token", func(t *testing.T) {
		rec := srv.do(t, http.MethodGet, "/api/v1/admin/scheduler", srv.token(t, "acc_admin", true), nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		data := decodeBody(t, rec)["data"].(map[string]interface{})
		tasks := data["scheduler"].(map[string]interface{})["tasks"].([]interface{})
		assert.Len(t, tasks, 6)
	})

	t.Run("operator key", func(t *testing.T) {
		rec := srv.do(t, http.MethodGet, "/metrics", "", nil, map[string]string{middleware.HeaderAdminKey: routerTestAdminKey})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("wrong operator key", func(t *testing.T) {
		rec := srv.do(t, http.MethodGet, "/metrics", "", nil, map[string]string{middleware.HeaderAdminKey: "guess"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestRouter_AdminTasksAndOperations(t *testing.T) {
	srv := newTestServer(t)
	token := srv.token(t, "acc_admin", true)

	created := srv.do(t, http.MethodPost, "/api/v1/admin/scheduler/tasks", token,
		map[string]interface{}{"name": "frequent_reset", "operation": "reset_weekly_usage", "interval_minutes": 15}, nil)
	require.Equal(t, http.StatusCreated, created.Code)

	duplicate := srv.do(t, http.MethodPost, "/api/v1/admin/scheduler/tasks", token,
		map[string]interface{}{"name": "frequent_reset", "operation": "reset_weekly_usage", "interval_minutes": 15}, nil)
	assert.Equal(t, http.StatusConflict, duplicate.Code)

	task := srv.do(t, http.MethodGet, "/api/v1/admin/scheduler/tasks/frequent_reset", token, nil, nil)
	require.Equal(t, http.StatusOK, task.Code)
	taskData := decodeBody(t, task)["data"].(map[string]interface{})
	assert.Equal(t, "frequent_reset", taskData["name"])
	assert.Equal(t, "reset_weekly_usage", taskData["operation"])
	assert.EqualValues(t, 0, taskData["run_count"])

	missing := srv.do(t, http.MethodGet, "/api/v1/admin/scheduler/tasks/nightly_nothing", token, nil, nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)

	run := srv.do(t, http.MethodPost, "/api/v1/admin/scheduler/tasks/frequent_reset/run", token, nil, nil)
	require.Equal(t, http.StatusOK, run.Code)
	assert.EqualValues(t, 1, decodeBody(t, run)["data"].(map[string]interface{})["run_count"])

	baseline := srv.do(t, http.MethodDelete, "/api/v1/admin/scheduler/tasks/reset_weekly_usage", token, nil, nil)
	assert.Equal(t, http.StatusConflict, baseline.Code)

	removed := srv.do(t, http.MethodDelete, "/api/v1/admin/scheduler/tasks/frequent_reset", token, nil, nil)
	assert.Equal(t, http.StatusOK, removed.Code)

	badRetention := srv.do(t, http.MethodPost, "/api/v1/admin/operations/cleanup_old_data/run", token,
		map[string]interface{}{"retention_days": -1}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, badRetention.Code)

	unknown := srv.do(t, http.MethodPost, "/api/v1/admin/operations/defragment/run", token, nil, nil)
	assert.Equal(t, http.StatusBadRequest, unknown.Code)

	all := srv.do(t, http.MethodPost, "/api/v1/admin/operations/run-all", token, nil, nil)
	require.Equal(t, http.StatusOK, all.Code)
	assert.Equal(t, true, decodeBody(t, all)["data"].(map[string]interface{})["success"])
}

func TestRouter_StripeWebhook(t *testing.T) {
	srv := newTestServer(t)

	t.Run("bad signature", func(t *testing.T) {
		rec := srv.do(t, http.MethodPost, "/api/v1/webhooks/stripe", "", map[string]string{"id": "evt_1"},
			map[string]string{StripeSignatureHeader: "t=1,v1=deadbeef"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("signed event", func(t *testing.T) {
		signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
			Payload:   []byte(`{"id":"evt_router_1","object":"event","type":"customer.created","created":1740997800,"data":{"object":{}}}`),
			Secret:    routerWebhookKey,
			Timestamp: time.Now(),
			Scheme:    "v1",
		})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(signed.Payload))
		req.Header.Set(StripeSignatureHeader, signed.Header)
		rec := httptest.NewRecorder()
		srv.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		data := decodeBody(t, rec)["data"].(map[string]interface{})
		assert.Equal(t, "ignored", data["status"])
		assert.Equal(t, "evt_router_1", data["provider_event_id"])
	})

	t.Run("signed event without type", func(t *testing.T) {
		// Setup
		signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
			Payload:   []byte(`{"id":"evt_router_2","object":"event","created":1740997800,"data":{"object":{}}}`),
			Secret:    routerWebhookKey,
			Timestamp: time.Now(),
			Scheme:    "v1",
		})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(signed.Payload))
		req.Header.Set(StripeSignatureHeader, signed.Header)
		rec := httptest.NewRecorder()

		// Act
		srv.router.ServeHTTP(rec, req)

		// Assert
		require.Equal(t, http.StatusBadRequest, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, false, body["success"])
		errBody := body["error"].(map[string]interface{})
		assert.Equal(t, "BAD_REQUEST", errBody["code"])
		assert.Contains(t, errBody["message"], "unsupported")
	})
}

func TestRouter_ListFailedWebhooksCarriesMeta(t *testing.T) {
	srv := newTestServer(t)
	token := srv.token(t, "acc_admin", true)

	rec := srv.do(t, http.MethodGet, "/api/v1/admin/webhooks/failed?limit=20", token, nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Empty(t, body["data"])
	meta := body["meta"].(map[string]interface{})
	assert.EqualValues(t, 20, meta["limit"])
}
