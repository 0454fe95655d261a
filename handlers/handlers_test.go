package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"schoolhub/audit"
	"schoolhub/auth"
	"schoolhub/billing"
	"schoolhub/credits"
	"schoolhub/database"
	"schoolhub/email"
	"schoolhub/metrics"
	"schoolhub/models"
	"schoolhub/provisioning"
	"schoolhub/registry"
	"schoolhub/schema"
	"schoolhub/templates"
	"schoolhub/tenantdb"
	"schoolhub/usage"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testBaseDomain = "schoolhub.test"

type testServer struct {
	db      *gorm.DB
	router  *gin.Engine
	handler *Handler
	token   string
	admin   *models.PortalAdmin
}

type nopSender struct{}

func (nopSender) Send(context.Context, email.Message) error { return nil }

func setupServer(t *testing.T, rate int) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := database.NewTestDB(t)
	m := metrics.New()

	tenants := registry.NewService(db, registry.Options{TrialCredits: 1000, Metrics: m})
	manager := tenantdb.NewManager(tenantdb.Options{Driver: "sqlite", Source: tenants, Metrics: m})
	t.Cleanup(manager.Close)
	tenants.SetEvictor(manager.RemoveClient)

	ledger := credits.NewLedger(db, nil, m)
	tpl := templates.NewRegistry(db)
	tracker := billing.NewTracker(db, billing.Options{Tenants: tenants, Metrics: m})
	provisioner := schema.NewProvisioner(nil, nil)
	authSvc := auth.NewService(db, "test-signing-key", time.Hour)

	h := &Handler{
		Tenants:   tenants,
		Ledger:    ledger,
		Templates: tpl,
		Billing:   tracker,
		Manager:   manager,
		Schema:    provisioner,
		Orchestrator: provisioning.NewOrchestrator(tenants, manager, provisioner, tracker, tpl, nopSender{},
			provisioning.Options{BaseDomain: testBaseDomain, Metrics: m}),
		Audit:      audit.NewService(db, m),
		Usage:      usage.NewService(db, ledger, tracker, tenants, nil),
		Auth:       authSvc,
		BaseDomain: testBaseDomain,
	}

	admin, err := authSvc.CreateAdmin(context.Background(), "dev@schoolhub.test", "Dev", "correct-horse", "admin")
	require.NoError(t, err)
	token, err := auth.GenerateToken(admin.ID, admin.Email, admin.Role, "test-signing-key", time.Hour)
	require.NoError(t, err)

	return &testServer{
		db:      db,
		router:  NewRouter(h, RouterOptions{Metrics: m, RatePerMinute: rate}),
		handler: h,
		token:   token,
		admin:   admin,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if k == "Host" {
			req.Host = v
			continue
		}
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) portal(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	return s.do(t, method, path, body, map[string]string{"Authorization": "Bearer " + s.token})
}

func (s *testServer) createTenant(t *testing.T, plan string) *models.Tenant {
	t.Helper()
	tenant, err := s.handler.Tenants.Create(context.Background(), registry.CreateInput{
		Name:  gofakeit.Company() + " School",
		Email: gofakeit.Email(),
		Plan:  plan,
	})
	require.NoError(t, err)
	return tenant
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestPing(t *testing.T) {
	s := setupServer(t, 0)
	w := s.do(t, "GET", "/ping", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pong")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestPortalRequiresToken(t *testing.T) {
	s := setupServer(t, 0)

	w := s.do(t, "GET", "/api/portal/schools", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var resp ErrorResponse
	decode(t, w, &resp)
	assert.Equal(t, "unauthorized", resp.Error)

	w = s.do(t, "GET", "/api/portal/schools", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPortalRejectsDisabledAdmin(t *testing.T) {
	s := setupServer(t, 0)
	require.NoError(t, s.db.Model(s.admin).Update("is_active", false).Error)

	w := s.portal(t, "GET", "/api/portal/schools", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestLogin(t *testing.T) {
	s := setupServer(t, 0)

	w := s.do(t, "POST", "/api/portal/auth/login", LoginRequest{Email: "dev@schoolhub.test", Password: "wrong-password"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, "POST", "/api/portal/auth/login", LoginRequest{Email: "dev@schoolhub.test", Password: "correct-horse"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp LoginResponse
	decode(t, w, &resp)
	assert.NotEmpty(t, resp.Token)

	w = s.do(t, "GET", "/api/portal/schools", nil, map[string]string{"Authorization": "Bearer " + resp.Token})
	assert.Equal(t, http.StatusOK, w.Code)

	entries, err := s.handler.Audit.List(context.Background(), audit.Filter{Action: audit.ActionLogin})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, s.admin.ID, *entries[0].AdminID)
}

func TestCreateSchool(t *testing.T) {
	s := setupServer(t, 0)

	w := s.portal(t, "POST", "/api/portal/schools", CreateSchoolRequest{
		Name:  "Green Valley School",
		Email: "office@greenvalley.edu",
		Plan:  models.PlanPro,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created SchoolCredentials
	decode(t, w, &created)
	assert.Equal(t, "green-valley-school", created.School.Subdomain)
	assert.NotEmpty(t, created.APIKey)
	assert.NotEmpty(t, created.SecretKey)

	w = s.portal(t, "GET", "/api/portal/schools/"+created.School.TenantID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"available_credits":1000`)

	entries, err := s.handler.Audit.List(context.Background(), audit.Filter{TenantID: created.School.TenantID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionTenantCreate, entries[0].Action)
	assert.Equal(t, s.admin.ID, *entries[0].AdminID)
}

func TestCreateSchoolValidation(t *testing.T) {
	s := setupServer(t, 0)

	w := s.portal(t, "POST", "/api/portal/schools", gin.H{"name": "No Email School"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp ErrorResponse
	decode(t, w, &resp)
	assert.Equal(t, "validation_error", resp.Error)
	assert.Equal(t, map[string]string{"email": "required"}, resp.Fields)

	w = s.portal(t, "POST", "/api/portal/schools", gin.H{"name": "Hill School", "email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp = ErrorResponse{}
	decode(t, w, &resp)
	assert.Equal(t, map[string]string{"email": "must be a valid email address"}, resp.Fields)

	w = s.portal(t, "POST", "/api/portal/schools", gin.H{"name": "Hill School", "email": "a@hill.edu", "trial_days": "soon"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp = ErrorResponse{}
	decode(t, w, &resp)
	assert.Contains(t, resp.Fields, "trial_days")

	w = s.portal(t, "POST", "/api/portal/schools", CreateSchoolRequest{Name: "Hill School", Email: "a@hill.edu", Plan: "platinum"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp = ErrorResponse{}
	decode(t, w, &resp)
	assert.Contains(t, resp.Fields, "plan")

	tenant := s.createTenant(t, models.PlanBasic)
	w = s.portal(t, "POST", "/api/portal/schools/"+tenant.TenantID+"/credits", gin.H{"type": "gift", "amount": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp = ErrorResponse{}
	decode(t, w, &resp)
	assert.Equal(t, "must be one of purchase usage refund bonus", resp.Fields["type"])
	assert.Equal(t, "required", resp.Fields["amount"])

	w = s.portal(t, "GET", "/api/portal/schools/school_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateAndDeleteSchool(t *testing.T) {
	s := setupServer(t, 0)
	tenant := s.createTenant(t, models.PlanBasic)
	path := "/api/portal/schools/" + tenant.TenantID

	w := s.portal(t, "PATCH", path, gin.H{"status": "active", "max_documents": 50})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"active"`)

	w = s.portal(t, "PATCH", path, gin.H{"status": "frozen"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.portal(t, "DELETE", path, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "archived")

	w = s.portal(t, "GET", path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.portal(t, "DELETE", path+"?purge=true", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var count int64
	s.db.Unscoped().Model(&models.Tenant{}).Where("tenant_id = ?", tenant.TenantID).Count(&count)
	assert.Zero(t, count)
}

func TestRotateKeys(t *testing.T) {
	s := setupServer(t, 0)
	tenant := s.createTenant(t, models.PlanBasic)

	w := s.portal(t, "POST", "/api/portal/schools/"+tenant.TenantID+"/rotate-keys", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var rotated SchoolCredentials
	decode(t, w, &rotated)
	assert.NotEqual(t, tenant.APIKey, rotated.APIKey)

	w = s.do(t, "GET", "/api/school/info", nil, map[string]string{apiKeyHeader: tenant.APIKey})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, "GET", "/api/school/info", nil, map[string]string{apiKeyHeader: rotated.APIKey})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCredits(t *testing.T) {
	s := setupServer(t, 0)
	tenant := s.createTenant(t, models.PlanBasic)
	path := "/api/portal/schools/" + tenant.TenantID + "/credits"

	w := s.portal(t, "POST", path, CreditTransactionRequest{Type: models.CreditPurchase, Amount: 500, Description: "top up"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"available_credits":1500`)

	w = s.portal(t, "POST", path, CreditTransactionRequest{Type: "gift", Amount: 5})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.portal(t, "POST", path, CreditTransactionRequest{Type: models.CreditUsage, Amount: 2000})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	w = s.portal(t, "GET", path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Balance      models.CreditBalance       `json:"balance"`
		Transactions []models.CreditTransaction `json:"transactions"`
	}
	decode(t, w, &resp)
	assert.Equal(t, int64(1500), resp.Balance.AvailableCredits)
	require.Len(t, resp.Transactions, 1, "seed credits and rejected debits are not logged")
	assert.Equal(t, "top up", resp.Transactions[0].Description)
}

func TestTemplateGrants(t *testing.T) {
	s := setupServer(t, 0)
	tenant := s.createTenant(t, models.PlanBasic)
	base := "/api/portal/schools/" + tenant.TenantID + "/templates"

	w := s.portal(t, "POST", base+"/marksheet/grant", GrantTemplateRequest{Config: map[string]interface{}{"color": "blue"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.portal(t, "POST", base+"/no_such_template/grant", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, "GET", "/api/school/templates", nil, map[string]string{apiKeyHeader: tenant.APIKey})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "marksheet")

	w = s.portal(t, "DELETE", base+"/marksheet/grant", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, "GET", "/api/school/templates", nil, map[string]string{apiKeyHeader: tenant.APIKey})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "marksheet")

	w = s.portal(t, "GET", base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "catalog")
}

func TestSubscriptionInvoiceAndPayment(t *testing.T) {
	s := setupServer(t, 0)
	ctx := context.Background()
	tenant := s.createTenant(t, models.PlanPro)

	w := s.portal(t, "GET", "/api/portal/schools/"+tenant.TenantID+"/subscription", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	sub, err := s.handler.Billing.CreateSubscription(ctx, tenant.TenantID, models.PlanPro, 14)
	require.NoError(t, err)

	w = s.portal(t, "GET", "/api/portal/schools/"+tenant.TenantID+"/subscription", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.portal(t, "GET", "/api/portal/schools/"+tenant.TenantID+"/usage-limits", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"students"`)

	w = s.portal(t, "POST", fmt.Sprintf("/api/portal/subscriptions/%d/invoices", sub.ID), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var generated struct {
		Invoice models.Invoice `json:"invoice"`
	}
	decode(t, w, &generated)
	assert.Equal(t, 79.0, generated.Invoice.Amount)

	w = s.portal(t, "POST", fmt.Sprintf("/api/portal/subscriptions/%d/invoices", sub.ID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	payPath := fmt.Sprintf("/api/portal/invoices/%d/pay", generated.Invoice.ID)
	w = s.portal(t, "POST", payPath, PayInvoiceRequest{Amount: 10, Currency: "USD", TransactionID: "txn_1", PaymentMethod: "card"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.portal(t, "POST", payPath, PayInvoiceRequest{Amount: 79, Currency: "USD", TransactionID: "txn_2", PaymentMethod: "card"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "Invoice paid successfully")

	w = s.portal(t, "POST", payPath, PayInvoiceRequest{Amount: 79, Currency: "USD", TransactionID: "txn_3", PaymentMethod: "card"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.portal(t, "POST", "/api/portal/invoices/abc/pay", PayInvoiceRequest{Amount: 79, Currency: "USD", TransactionID: "txn_4", PaymentMethod: "card"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	entries, err := s.handler.Audit.List(ctx, audit.Filter{TenantID: tenant.TenantID})
	require.NoError(t, err)
	actions := []string{}
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.ElementsMatch(t, []string{audit.ActionInvoiceGenerate, audit.ActionInvoicePay}, actions)
}

func TestRunBillingAndAuditLogs(t *testing.T) {
	s := setupServer(t, 0)

	w := s.portal(t, "POST", "/api/portal/billing/run", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "trials_converted")

	w = s.portal(t, "GET", "/api/portal/audit-logs?action="+audit.ActionBillingRun, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = s.portal(t, "GET", "/api/portal/audit-logs?admin_id=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSchoolUsageDebitsCredits(t *testing.T) {
	s := setupServer(t, 0)
	tenant := s.createTenant(t, models.PlanBasic)
	headers := map[string]string{apiKeyHeader: tenant.APIKey}

	w := s.do(t, "POST", "/api/school/usage", ReportUsageRequest{Metric: models.MetricDocumentsGenerated, Value: 300}, headers)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var result usage.Result
	decode(t, w, &result)
	assert.Equal(t, int64(700), result.Balance.AvailableCredits)
	assert.Equal(t, 300, result.UsedDocuments)

	w = s.do(t, "POST", "/api/school/usage", ReportUsageRequest{Metric: models.MetricDocumentsGenerated, Value: 800}, headers)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	var resp ErrorResponse
	decode(t, w, &resp)
	assert.Equal(t, "insufficient_credits", resp.Error)

	w = s.do(t, "GET", "/api/school/info", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"used_documents":300`)
	assert.NotContains(t, w.Body.String(), tenant.SecretKey)
}

func TestTenantResolution(t *testing.T) {
	s := setupServer(t, 0)
	tenant := s.createTenant(t, models.PlanBasic)

	w := s.do(t, "GET", "/api/school/info", nil, map[string]string{"Host": tenant.Subdomain + "." + testBaseDomain + ":8081"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), tenant.TenantID)

	w = s.do(t, "GET", "/api/school/info", nil, map[string]string{schoolIDHeader: tenant.TenantID})
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, "GET", "/api/school/info", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, "GET", "/api/school/info", nil, map[string]string{apiKeyHeader: "sk_unknown"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	custom := "portal." + uuid.NewString()[:8] + ".edu"
	_, err := s.handler.Tenants.Update(context.Background(), tenant.TenantID, registry.UpdateInput{CustomDomain: &custom})
	require.NoError(t, err)
	w = s.do(t, "GET", "/api/school/info", nil, map[string]string{"Host": custom})
	assert.Equal(t, http.StatusOK, w.Code)

	suspended := models.TenantStatusSuspended
	_, err = s.handler.Tenants.Update(context.Background(), tenant.TenantID, registry.UpdateInput{Status: &suspended})
	require.NoError(t, err)
	w = s.do(t, "GET", "/api/school/info", nil, map[string]string{apiKeyHeader: tenant.APIKey})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestFeatureAccess(t *testing.T) {
	s := setupServer(t, 0)
	tenant := s.createTenant(t, models.PlanBasic)
	headers := map[string]string{apiKeyHeader: tenant.APIKey}

	w := s.do(t, "GET", "/api/school/features/id_card", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"enabled":false`)

	_, err := s.handler.Billing.CreateSubscription(context.Background(), tenant.TenantID, models.PlanBasic, 14)
	require.NoError(t, err)

	w = s.do(t, "GET", "/api/school/features/id_card", nil, headers)
	assert.Contains(t, w.Body.String(), `"enabled":true`)

	w = s.do(t, "GET", "/api/school/features/bulk_generation", nil, headers)
	assert.Contains(t, w.Body.String(), `"enabled":false`)
}

func TestRateLimit(t *testing.T) {
	s := setupServer(t, 1)
	tenant := s.createTenant(t, models.PlanBasic)
	headers := map[string]string{apiKeyHeader: tenant.APIKey}

	w := s.do(t, "GET", "/api/school/info", nil, headers)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, "GET", "/api/school/info", nil, headers)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
}

func TestOnboardAndStatus(t *testing.T) {
	s := setupServer(t, 0)

	w := s.portal(t, "POST", "/api/provisioning/onboard", gin.H{"school_name": "Hill Side School"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.portal(t, "POST", "/api/provisioning/onboard", provisioning.Input{
		SchoolName:   "Hill Side School",
		ContactEmail: "office@hillside.edu",
		PlanID:       models.PlanPro,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result provisioning.Result
	decode(t, w, &result)
	assert.Equal(t, "https://hill-side-school."+testBaseDomain, result.AccessURL)
	assert.True(t, result.Complete)
	require.NotNil(t, result.Subscription)

	w = s.portal(t, "GET", "/api/provisioning/status/"+result.SchoolID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status provisioning.StatusReport
	decode(t, w, &status)
	assert.False(t, status.RemoteConfigured)
	assert.True(t, status.NeedsRetry)

	w = s.portal(t, "POST", "/api/provisioning/status/"+result.SchoolID+"/retry", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = s.portal(t, "GET", "/api/provisioning/status/school_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStandaloneAdmin(t *testing.T) {
	s := setupServer(t, 0)
	tenant := s.createTenant(t, models.PlanBasic)
	base := "/api/standalone-admin/schools/" + tenant.TenantID

	w := s.portal(t, "POST", base+"/connection/test", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"connected":false`)

	w = s.portal(t, "GET", base+"/schema/verify", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	w = s.portal(t, "POST", base+"/connection", ConnectionRequest{ProjectID: "proj_1", ConnectionString: dsn})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), dsn)

	w = s.portal(t, "POST", base+"/connection/test", nil)
	assert.Contains(t, w.Body.String(), `"connected":true`)

	w = s.portal(t, "GET", base+"/schema/verify", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"complete":false`)

	w = s.portal(t, "POST", base+"/schema", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var setup schema.SetupResult
	decode(t, w, &setup)
	assert.True(t, setup.Success, setup.Errors)

	w = s.portal(t, "GET", base+"/schema/verify", nil)
	assert.Contains(t, w.Body.String(), `"complete":true`)

	w = s.portal(t, "POST", base+"/rotate-keys", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupServer(t, 0)
	s.do(t, "GET", "/ping", nil, nil)

	w := s.do(t, "GET", "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "schoolhub_http_requests_total")
}

func TestCredentialsAndUsageReset(t *testing.T) {
	s := setupServer(t, 0)
	ctx := context.Background()
	tenant := s.createTenant(t, models.PlanBasic)
	base := "/api/portal/schools/" + tenant.TenantID

	w := s.portal(t, "GET", base+"/credentials", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var creds SchoolCredentials
	decode(t, w, &creds)
	assert.Equal(t, tenant.APIKey, creds.APIKey)
	assert.Equal(t, tenant.SecretKey, creds.SecretKey)

	require.NoError(t, s.handler.Tenants.IncrementUsedDocuments(ctx, nil, tenant.TenantID, 3))
	w = s.portal(t, "POST", base+"/usage/reset", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	reloaded, err := s.handler.Tenants.Get(ctx, tenant.TenantID)
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.UsedDocuments)

	w = s.portal(t, "POST", "/api/portal/schools/school_missing/usage/reset", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	entries, err := s.handler.Audit.List(ctx, audit.Filter{TenantID: tenant.TenantID})
	require.NoError(t, err)
	actions := []string{}
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.ElementsMatch(t, []string{audit.ActionKeysReveal, audit.ActionUsageReset}, actions)
}

func TestPlansAndCancelAtPeriodEnd(t *testing.T) {
	s := setupServer(t, 0)
	tenant := s.createTenant(t, models.PlanPro)

	w := s.portal(t, "GET", "/api/portal/plans", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var plans struct {
		Plans []models.SubscriptionPlan `json:"plans"`
	}
	decode(t, w, &plans)
	require.Len(t, plans.Plans, 3)
	assert.Equal(t, models.PlanBasic, plans.Plans[0].PlanID)

	sub, err := s.handler.Billing.CreateSubscription(context.Background(), tenant.TenantID, models.PlanPro, 14)
	require.NoError(t, err)

	path := fmt.Sprintf("/api/portal/subscriptions/%d", sub.ID)
	w = s.portal(t, "PATCH", path, gin.H{"cancel_at_period_end": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"cancel_at_period_end":true`)

	w = s.portal(t, "PATCH", path, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.portal(t, "PATCH", "/api/portal/subscriptions/9999", gin.H{"cancel_at_period_end": true})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSchoolTemplateAccess(t *testing.T) {
	s := setupServer(t, 0)
	tenant := s.createTenant(t, models.PlanBasic)
	headers := map[string]string{apiKeyHeader: tenant.APIKey}

	w := s.do(t, "GET", "/api/school/templates/marksheet", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"granted":false`)

	w = s.portal(t, "POST", "/api/portal/schools/"+tenant.TenantID+"/templates/marksheet/grant", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, "GET", "/api/school/templates/marksheet", nil, headers)
	assert.Contains(t, w.Body.String(), `"granted":true`)
}

func TestCustomDomainNormalizedOnCreate(t *testing.T) {
	s := setupServer(t, 0)

	for i := 0; i < 2; i++ {
		w := s.portal(t, "POST", "/api/portal/schools", gin.H{
			"name":          gofakeit.Company() + " School",
			"email":         gofakeit.Email(),
			"custom_domain": "",
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w := s.portal(t, "POST", "/api/portal/schools", gin.H{
		"name":          "Green Valley School",
		"email":         "office@greenvalley.edu",
		"custom_domain": "Portal.GreenValley.EDU",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, "GET", "/api/school/info", nil, map[string]string{"Host": "portal.greenvalley.edu"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"custom_domain":"portal.greenvalley.edu"`)
}

func TestPlanChangeUpdatesQuotasAndSubscription(t *testing.T) {
	s := setupServer(t, 0)
	ctx := context.Background()
	tenant := s.createTenant(t, models.PlanBasic)
	sub, err := s.handler.Billing.CreateSubscription(ctx, tenant.TenantID, models.PlanBasic, 14)
	require.NoError(t, err)

	w := s.portal(t, "PATCH", "/api/portal/schools/"+tenant.TenantID, gin.H{"plan": models.PlanPro})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		School models.Tenant `json:"school"`
	}
	decode(t, w, &resp)
	assert.Equal(t, 2000, resp.School.MaxStudents)

	current, err := s.handler.Billing.CurrentSubscription(ctx, tenant.TenantID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, current.ID)
	assert.Equal(t, models.PlanPro, current.PlanID)
}
