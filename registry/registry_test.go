package registry

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"schoolhub/apperrors"
	"schoolhub/cache"
	"schoolhub/database"
	"schoolhub/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	db := database.NewTestDB(t)
	return NewService(db, Options{TrialDays: 30, TrialCredits: 1000}), db
}

func fakeInput() CreateInput {
	return CreateInput{
		Name:          gofakeit.Company() + " School",
		Email:         gofakeit.Email(),
		Address:       gofakeit.Address().Address,
		PrincipalName: gofakeit.Name(),
		Plan:          models.PlanBasic,
	}
}

func TestCreateTenant(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	tenant, err := svc.Create(ctx, CreateInput{
		Name:  "Green Valley School",
		Email: "Office@GreenValley.edu",
		Phone: "+91 98765 43210",
		Plan:  models.PlanPro,
	})
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^school_[0-9a-z]{12}$`), tenant.TenantID)
	assert.Equal(t, "green-valley-school", tenant.Subdomain)
	assert.Equal(t, "office@greenvalley.edu", tenant.Email)
	assert.Equal(t, "+919876543210", tenant.Phone)
	assert.Equal(t, models.TenantStatusTrial, tenant.Status)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 30), tenant.TrialExpiresAt, time.Minute)
	assert.Equal(t, 2000, tenant.MaxStudents, "quotas come from the plan")
	assert.NotEmpty(t, tenant.Features)

	var balance models.CreditBalance
	require.NoError(t, db.Where("tenant_id = ?", tenant.TenantID).First(&balance).Error)
	assert.Equal(t, int64(1000), balance.AvailableCredits)
	assert.Equal(t, int64(1000), balance.TotalCredits)
	assert.Equal(t, int64(1000), balance.SeedCredits)
	assert.Zero(t, balance.UsedCredits)
}

func TestCreateTrialDaysOverride(t *testing.T) {
	svc, _ := newTestService(t)
	in := fakeInput()
	in.TrialDays = 14

	tenant, err := svc.Create(context.Background(), in)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 14), tenant.TrialExpiresAt, time.Minute)
}

func TestCreateIdentifiersAreUnique(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	subdomains := map[string]bool{}
	apiKeys := map[string]bool{}
	secrets := map[string]bool{}
	for i := 0; i < 5; i++ {
		in := fakeInput()
		in.Name = "Sunrise Academy"
		tenant, err := svc.Create(ctx, in)
		require.NoError(t, err)

		assert.False(t, subdomains[tenant.Subdomain], "duplicate subdomain %s", tenant.Subdomain)
		assert.False(t, apiKeys[tenant.APIKey])
		assert.False(t, secrets[tenant.SecretKey])
		subdomains[tenant.Subdomain] = true
		apiKeys[tenant.APIKey] = true
		secrets[tenant.SecretKey] = true
	}
	assert.True(t, subdomains["sunrise-academy"])
}

func TestCreateValidation(t *testing.T) {
	svc, db := newTestService(t)

	_, err := svc.Create(context.Background(), CreateInput{Name: "No Contact School", Phone: "12"})
	var verr *apperrors.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "email")
	assert.Contains(t, verr.Fields, "phone")

	_, err = svc.Create(context.Background(), CreateInput{Name: "X", Email: "x@y.z", Plan: "gold"})
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "plan")

	var count int64
	db.Model(&models.Tenant{}).Count(&count)
	assert.Zero(t, count)
}

func TestLookupsReturnNilOnMiss(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tenant, err := svc.Get(ctx, "school_doesnotexist")
	assert.NoError(t, err)
	assert.Nil(t, tenant)

	tenant, err = svc.GetBySubdomain(ctx, "nowhere")
	assert.NoError(t, err)
	assert.Nil(t, tenant)

	tenant, err = svc.GetByAPIKey(ctx, "pk_nothing")
	assert.NoError(t, err)
	assert.Nil(t, tenant)
}

func TestResolutionIsDeterministic(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	created, err := svc.Create(ctx, fakeInput())
	require.NoError(t, err)

	byID, err := svc.Get(ctx, created.TenantID)
	require.NoError(t, err)
	bySub, err := svc.GetBySubdomain(ctx, created.Subdomain)
	require.NoError(t, err)
	byKey, err := svc.GetByAPIKey(ctx, created.APIKey)
	require.NoError(t, err)

	assert.Equal(t, byID, bySub)
	assert.Equal(t, byID, byKey)
}

func TestUpdateKeepsKeys(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	created, err := svc.Create(ctx, fakeInput())
	require.NoError(t, err)

	name := "Renamed School"
	status := models.TenantStatusActive
	maxDocs := 42
	updated, err := svc.Update(ctx, created.TenantID, UpdateInput{
		Name:         &name,
		Status:       &status,
		MaxDocuments: &maxDocs,
	})
	require.NoError(t, err)

	assert.Equal(t, "Renamed School", updated.Name)
	assert.Equal(t, models.TenantStatusActive, updated.Status)
	assert.Equal(t, 42, updated.MaxDocuments)
	assert.Equal(t, created.APIKey, updated.APIKey)
	assert.Equal(t, created.SecretKey, updated.SecretKey)
}

func TestUpdateRejectsBadInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	created, err := svc.Create(ctx, fakeInput())
	require.NoError(t, err)

	status := "deleted"
	_, err = svc.Update(ctx, created.TenantID, UpdateInput{Status: &status})
	var verr *apperrors.ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = svc.Update(ctx, "school_missing", UpdateInput{})
	var nf *apperrors.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestSuspensionEvictsConnection(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	created, err := svc.Create(ctx, fakeInput())
	require.NoError(t, err)

	var evicted []string
	svc.SetEvictor(func(id string) { evicted = append(evicted, id) })

	status := models.TenantStatusSuspended
	_, err = svc.Update(ctx, created.TenantID, UpdateInput{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, []string{created.TenantID}, evicted)
}

func TestRotateKeys(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	created, err := svc.Create(ctx, fakeInput())
	require.NoError(t, err)

	evicted := 0
	svc.SetEvictor(func(string) { evicted++ })

	rotated, err := svc.RotateKeys(ctx, created.TenantID)
	require.NoError(t, err)
	assert.NotEqual(t, created.APIKey, rotated.APIKey)
	assert.NotEqual(t, created.SecretKey, rotated.SecretKey)
	assert.Equal(t, 1, evicted)

	old, err := svc.GetByAPIKey(ctx, created.APIKey)
	assert.NoError(t, err)
	assert.Nil(t, old)

	current, err := svc.GetByAPIKey(ctx, rotated.APIKey)
	require.NoError(t, err)
	assert.Equal(t, created.TenantID, current.TenantID)
}

func TestDeleteArchives(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	created, err := svc.Create(ctx, fakeInput())
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, created.TenantID))

	gone, err := svc.Get(ctx, created.TenantID)
	assert.NoError(t, err)
	assert.Nil(t, gone)

	var archived models.Tenant
	require.NoError(t, db.Unscoped().Where("tenant_id = ?", created.TenantID).First(&archived).Error)
	assert.Equal(t, models.TenantStatusArchived, archived.Status)

	var balances int64
	db.Model(&models.CreditBalance{}).Where("tenant_id = ?", created.TenantID).Count(&balances)
	assert.Equal(t, int64(1), balances, "archiving keeps dependent rows")

	// The subdomain stays reserved.
	in := fakeInput()
	in.Name = created.Name
	again, err := svc.Create(ctx, in)
	require.NoError(t, err)
	assert.NotEqual(t, created.Subdomain, again.Subdomain)
}

func TestPurgeCascades(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	created, err := svc.Create(ctx, fakeInput())
	require.NoError(t, err)

	tenantID := created.TenantID
	require.NoError(t, db.Create(&models.CreditTransaction{TenantID: tenantID, Type: models.CreditBonus, Amount: 5}).Error)
	require.NoError(t, db.Create(&models.TemplateGrant{TenantID: tenantID, TemplateID: "id_card", IsEnabled: true}).Error)
	require.NoError(t, db.Create(&models.UsageRecord{TenantID: tenantID, Metric: models.MetricStudents, Value: 3, RecordedAt: time.Now()}).Error)
	require.NoError(t, db.Create(&models.AuditLogEntry{TenantID: &tenantID, Action: "tenant.created"}).Error)

	require.NoError(t, svc.Purge(ctx, tenantID))

	for _, model := range []interface{}{&models.CreditBalance{}, &models.CreditTransaction{}, &models.TemplateGrant{}, &models.UsageRecord{}} {
		var n int64
		db.Model(model).Where("tenant_id = ?", tenantID).Count(&n)
		assert.Zero(t, n, "%T not purged", model)
	}
	var tenants int64
	db.Unscoped().Model(&models.Tenant{}).Where("tenant_id = ?", tenantID).Count(&tenants)
	assert.Zero(t, tenants)

	var audits int64
	db.Model(&models.AuditLogEntry{}).Where("tenant_id = ?", tenantID).Count(&audits)
	assert.Equal(t, int64(1), audits, "audit trail survives a purge")

	assert.Error(t, svc.Purge(ctx, tenantID))
}

func TestListAll(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, fakeInput())
	require.NoError(t, err)
	second, err := svc.Create(ctx, fakeInput())
	require.NoError(t, err)

	tenants, err := svc.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, tenants, 2)
	assert.Equal(t, second.TenantID, tenants[0].TenantID)
	assert.Equal(t, first.TenantID, tenants[1].TenantID)

	require.NoError(t, db.Migrator().DropTable(&models.Tenant{}))
	tenants, err = svc.ListAll(ctx)
	assert.NoError(t, err)
	assert.Empty(t, tenants)
}

func TestUsedDocumentsCounter(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	created, err := svc.Create(ctx, fakeInput())
	require.NoError(t, err)

	require.NoError(t, svc.IncrementUsedDocuments(ctx, nil, created.TenantID, 3))
	require.NoError(t, svc.IncrementUsedDocuments(ctx, nil, created.TenantID, 2))
	assert.Error(t, svc.IncrementUsedDocuments(ctx, nil, created.TenantID, -1))

	tenant, _ := svc.Get(ctx, created.TenantID)
	assert.Equal(t, 5, tenant.UsedDocuments)

	require.NoError(t, svc.ResetUsedDocuments(ctx, created.TenantID))
	tenant, _ = svc.Get(ctx, created.TenantID)
	assert.Zero(t, tenant.UsedDocuments)
}

func TestGetByAPIKeyUsesCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rc := &cache.Client{Redis: redis.NewClient(&redis.Options{Addr: mr.Addr()}), TTL: time.Minute}
	db := database.NewTestDB(t)
	svc := NewService(db, Options{TrialCredits: 1000, Cache: rc})
	ctx := context.Background()

	created, err := svc.Create(ctx, fakeInput())
	require.NoError(t, err)

	_, err = svc.GetByAPIKey(ctx, created.APIKey)
	require.NoError(t, err)
	assert.True(t, mr.Exists("tenant:apikey:"+created.APIKey))

	status := models.TenantStatusSuspended
	_, err = svc.Update(ctx, created.TenantID, UpdateInput{Status: &status})
	require.NoError(t, err)
	assert.False(t, mr.Exists("tenant:apikey:"+created.APIKey), "updates invalidate the cache")

	resolved, err := svc.GetByAPIKey(ctx, created.APIKey)
	require.NoError(t, err)
	assert.Equal(t, models.TenantStatusSuspended, resolved.Status)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "green-valley-school", Slugify("  Green Valley School!! "))
	assert.Equal(t, "st-mary-s-high", Slugify("St. Mary's High"))
	assert.Equal(t, "school", Slugify("!!!"))
	assert.LessOrEqual(t, len(Slugify(gofakeit.LetterN(80))), maxSubdomainLen)
}

func TestCreateNormalizesCustomDomain(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	in := fakeInput()
	mixed := "  Portal.GreenValley.EDU "
	in.CustomDomain = &mixed
	created, err := svc.Create(ctx, in)
	require.NoError(t, err)
	require.NotNil(t, created.CustomDomain)
	assert.Equal(t, "portal.greenvalley.edu", *created.CustomDomain)

	resolved, err := svc.GetByCustomDomain(ctx, "portal.greenvalley.edu")
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, created.TenantID, resolved.TenantID)

	for i := 0; i < 2; i++ {
		in := fakeInput()
		blank := ""
		in.CustomDomain = &blank
		tenant, err := svc.Create(ctx, in)
		require.NoError(t, err, "blank custom domains do not collide")
		assert.Nil(t, tenant.CustomDomain)
	}
}

func TestTransitionStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	created, err := svc.Create(ctx, fakeInput())
	require.NoError(t, err)

	var evicted []string
	svc.SetEvictor(func(id string) { evicted = append(evicted, id) })

	moved, err := svc.TransitionStatus(ctx, created.TenantID, models.TenantStatusActive, models.TenantStatusTrial)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = svc.TransitionStatus(ctx, created.TenantID, models.TenantStatusActive, models.TenantStatusTrial)
	require.NoError(t, err)
	assert.False(t, moved, "already active")

	moved, err = svc.TransitionStatus(ctx, created.TenantID, models.TenantStatusExpired, models.TenantStatusTrial, models.TenantStatusActive)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, []string{created.TenantID}, evicted)

	_, err = svc.TransitionStatus(ctx, "school_missing", models.TenantStatusActive, models.TenantStatusTrial)
	var nf *apperrors.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestCachedResolutionMatchesPublicView(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rc := &cache.Client{Redis: redis.NewClient(&redis.Options{Addr: mr.Addr()}), TTL: time.Minute}
	svc := NewService(database.NewTestDB(t), Options{TrialCredits: 1000, Cache: rc})
	ctx := context.Background()
	created, err := svc.Create(ctx, fakeInput())
	require.NoError(t, err)

	_, err = svc.GetByAPIKey(ctx, created.APIKey)
	require.NoError(t, err)
	require.True(t, mr.Exists("tenant:apikey:"+created.APIKey))

	cached, err := svc.GetByAPIKey(ctx, created.APIKey)
	require.NoError(t, err)
	byID, err := svc.Get(ctx, created.TenantID)
	require.NoError(t, err)

	assert.Empty(t, cached.SecretKey, "secrets never reach the cache")
	assert.NotEmpty(t, byID.SecretKey)

	publicView := func(tenant *models.Tenant) string {
		b, err := json.Marshal(tenant)
		require.NoError(t, err)
		return string(b)
	}
	assert.JSONEq(t, publicView(byID), publicView(cached))
}

func TestUpdatePlanRefreshesQuotas(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	created, err := svc.Create(ctx, fakeInput())
	require.NoError(t, err)
	require.Equal(t, 500, created.MaxStudents)

	pro := models.PlanPro
	updated, err := svc.Update(ctx, created.TenantID, UpdateInput{Plan: &pro})
	require.NoError(t, err)
	assert.Equal(t, models.PlanPro, updated.Plan)
	assert.Equal(t, 2000, updated.MaxStudents)
	assert.Equal(t, 200, updated.MaxTeachers)
	assert.Equal(t, 10000, updated.MaxDocuments)

	enterprise := models.PlanEnterprise
	maxDocs := 7
	updated, err = svc.Update(ctx, created.TenantID, UpdateInput{Plan: &enterprise, MaxDocuments: &maxDocs})
	require.NoError(t, err)
	assert.Equal(t, 10000, updated.MaxStudents)
	assert.Equal(t, 7, updated.MaxDocuments, "explicit quotas win over the plan")
}
