package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"schoolhub/apperrors"
	"schoolhub/database"
	"schoolhub/logger"
	"schoolhub/metrics"
	"schoolhub/models"
	"schoolhub/tracing"

	"github.com/go-playground/validator/v10"
	"github.com/nyaruka/phonenumbers"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const subdomainAttempts = 5

// Cache is the API-key lookup cache consulted on every tenant request.
type Cache interface {
	GetTenant(ctx context.Context, apiKey string) (*models.Tenant, bool)
	SetTenant(ctx context.Context, apiKey string, t *models.Tenant) error
	InvalidateTenant(ctx context.Context, apiKey string) error
}

type Options struct {
	TrialDays    int
	TrialCredits int64
	PhoneRegion  string
	Cache        Cache
	Tracer       tracing.Tracer
	Metrics      *metrics.Metrics
}

// Service is the tenant registry.
type Service struct {
	db       *gorm.DB
	opts     Options
	tracer   tracing.Tracer
	metrics  *metrics.Metrics
	validate *validator.Validate
	evict    func(tenantID string)
}

func NewService(db *gorm.DB, opts Options) *Service {
	if opts.TrialDays <= 0 {
		opts.TrialDays = 30
	}
	if opts.PhoneRegion == "" {
		opts.PhoneRegion = "IN"
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Service{
		db:       db,
		opts:     opts,
		tracer:   tracing.OrNoop(opts.Tracer),
		metrics:  opts.Metrics,
		validate: validator.New(),
		evict:    func(string) {},
	}
}

// SetEvictor registers the hook that drops cached connections for a tenant
// whose keys or status change.
func (s *Service) SetEvictor(fn func(tenantID string)) {
	if fn != nil {
		s.evict = fn
	}
}

type CreateInput struct {
	Name          string
	Email         string
	Phone         string
	Address       string
	PrincipalName string
	Plan          string
	CustomDomain  *string

	RemoteProjectID  string
	RemoteURL        string
	RemoteConnString string

	// TrialDays overrides the registry default when positive.
	TrialDays int
	Features  map[string]interface{}
	Metadata  map[string]interface{}

	// Identifiers generated ahead of time. Nil means generate here.
	Identifiers *Identifiers
}

func (s *Service) validateInput(in *CreateInput) error {
	fields := map[string]string{}
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))

	if in.Name == "" {
		fields["name"] = "required"
	}
	if in.Email == "" {
		fields["email"] = "required"
	} else if err := s.validate.Var(in.Email, "email"); err != nil {
		fields["email"] = "must be a valid email address"
	}
	if in.Phone != "" {
		phone, err := normalizePhone(in.Phone, s.opts.PhoneRegion)
		if err != nil {
			fields["phone"] = err.Error()
		} else {
			in.Phone = phone
		}
	}
	in.CustomDomain = normalizeDomain(in.CustomDomain)
	if in.Plan == "" {
		in.Plan = models.PlanBasic
	}
	if !validPlan(in.Plan) {
		fields["plan"] = "must be one of basic, pro, enterprise"
	}

	if len(fields) > 0 {
		return &apperrors.ValidationError{Message: "invalid tenant input", Fields: fields}
	}
	return nil
}

func normalizePhone(phone, region string) (string, error) {
	parsed, err := phonenumbers.Parse(phone, region)
	if err != nil {
		return "", fmt.Errorf("could not parse phone number")
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return "", fmt.Errorf("invalid phone number")
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}

// normalizeDomain lowercases and trims a custom domain. Blank means none.
func normalizeDomain(domain *string) *string {
	if domain == nil {
		return nil
	}
	d := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(*domain)), ".")
	if d == "" {
		return nil
	}
	return &d
}

func validPlan(plan string) bool {
	switch plan {
	case models.PlanBasic, models.PlanPro, models.PlanEnterprise:
		return true
	}
	return false
}

func validStatus(status string) bool {
	switch status {
	case models.TenantStatusTrial, models.TenantStatusActive, models.TenantStatusSuspended,
		models.TenantStatusExpired, models.TenantStatusArchived:
		return true
	}
	return false
}

// Create registers a tenant in trial and seeds its credit balance in the
// same transaction.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Tenant, error) {
	ctx, span := s.tracer.StartSpan(ctx, "registry.Create")
	defer span.End()

	if err := s.validateInput(&in); err != nil {
		span.SetError(err.Error())
		return nil, err
	}

	ids := GenerateIdentifiers(in.Name)
	if in.Identifiers != nil {
		ids = *in.Identifiers
	}
	trialDays := s.opts.TrialDays
	if in.TrialDays > 0 {
		trialDays = in.TrialDays
	}

	now := time.Now()
	tenant := models.Tenant{
		TenantID:         ids.TenantID,
		Name:             in.Name,
		CustomDomain:     in.CustomDomain,
		Email:            in.Email,
		Phone:            in.Phone,
		Address:          in.Address,
		PrincipalName:    in.PrincipalName,
		Plan:             in.Plan,
		Status:           models.TenantStatusTrial,
		TrialExpiresAt:   now.AddDate(0, 0, trialDays),
		RemoteProjectID:  in.RemoteProjectID,
		RemoteURL:        in.RemoteURL,
		RemoteConnString: in.RemoteConnString,
		APIKey:           ids.APIKey,
		SecretKey:        ids.SecretKey,
		Features:         datatypes.JSONMap(in.Features),
		Metadata:         datatypes.JSONMap(in.Metadata),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subdomain, err := uniqueSubdomain(tx, ids.Subdomain)
		if err != nil {
			return err
		}
		tenant.Subdomain = subdomain

		var plan models.SubscriptionPlan
		err = tx.Where("plan_id = ?", in.Plan).First(&plan).Error
		switch {
		case err == nil:
			tenant.MaxStudents = plan.MaxStudents
			tenant.MaxTeachers = plan.MaxTeachers
			tenant.MaxDocuments = plan.MaxDocuments
			if tenant.Features == nil {
				tenant.Features = plan.Features
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("failed to load plan: %w", err)
		}

		if err := tx.Create(&tenant).Error; err != nil {
			if database.IsAlreadyExists(err) {
				return &apperrors.ConflictError{Message: "tenant identifiers or custom domain already in use"}
			}
			return fmt.Errorf("failed to create tenant: %w", err)
		}

		balance := models.CreditBalance{
			TenantID:         tenant.TenantID,
			SeedCredits:      s.opts.TrialCredits,
			TotalCredits:     s.opts.TrialCredits,
			AvailableCredits: s.opts.TrialCredits,
			ResetInterval:    models.ResetNever,
			LastResetAt:      now,
		}
		if err := tx.Create(&balance).Error; err != nil {
			return fmt.Errorf("failed to seed credit balance: %w", err)
		}
		return nil
	})
	if err != nil {
		span.SetError(err.Error())
		return nil, err
	}

	s.metrics.TenantsCreated.Inc()
	span.SetAttributes(map[string]interface{}{"tenant_id": tenant.TenantID, "subdomain": tenant.Subdomain})
	logger.FromContext(ctx).Info("Tenant created",
		zap.String("tenant_id", tenant.TenantID),
		zap.String("subdomain", tenant.Subdomain),
	)
	return &tenant, nil
}

// uniqueSubdomain returns base, or base with a random suffix when base is
// taken. Archived tenants keep their subdomain reserved.
func uniqueSubdomain(tx *gorm.DB, base string) (string, error) {
	candidate := base
	for i := 0; i < subdomainAttempts; i++ {
		var count int64
		if err := tx.Unscoped().Model(&models.Tenant{}).Where("subdomain = ?", candidate).Count(&count).Error; err != nil {
			return "", fmt.Errorf("failed to check subdomain: %w", err)
		}
		if count == 0 {
			return candidate, nil
		}
		candidate = withSuffix(base)
	}
	return "", &apperrors.ConflictError{Message: "could not allocate a unique subdomain"}
}

func (s *Service) getBy(ctx context.Context, column, value string) (*models.Tenant, error) {
	var tenant models.Tenant
	err := s.db.WithContext(ctx).Where(column+" = ?", value).First(&tenant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant: %w", err)
	}
	return &tenant, nil
}

// Get returns the tenant, or nil when it does not exist.
func (s *Service) Get(ctx context.Context, tenantID string) (*models.Tenant, error) {
	return s.getBy(ctx, "tenant_id", tenantID)
}

func (s *Service) GetBySubdomain(ctx context.Context, subdomain string) (*models.Tenant, error) {
	return s.getBy(ctx, "subdomain", strings.ToLower(subdomain))
}

func (s *Service) GetByCustomDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	return s.getBy(ctx, "custom_domain", strings.ToLower(domain))
}

// GetByAPIKey resolves an API key, consulting the cache first. Cached
// tenants do not carry secret fields.
func (s *Service) GetByAPIKey(ctx context.Context, apiKey string) (*models.Tenant, error) {
	if s.opts.Cache != nil {
		if t, ok := s.opts.Cache.GetTenant(ctx, apiKey); ok {
			s.metrics.TenantCacheLookups.WithLabelValues("hit").Inc()
			return t, nil
		}
		s.metrics.TenantCacheLookups.WithLabelValues("miss").Inc()
	}

	tenant, err := s.getBy(ctx, "api_key", apiKey)
	if err != nil || tenant == nil {
		return tenant, err
	}
	if s.opts.Cache != nil {
		if err := s.opts.Cache.SetTenant(ctx, apiKey, tenant); err != nil {
			logger.FromContext(ctx).Warn("Failed to cache tenant", zap.String("tenant_id", tenant.TenantID), zap.Error(err))
		}
	}
	return tenant, nil
}

// GetSecretKey loads the tenant's secret key. The secret never leaves the
// database through the cache.
func (s *Service) GetSecretKey(ctx context.Context, tenantID string) (string, error) {
	var tenant models.Tenant
	err := s.db.WithContext(ctx).Select("secret_key").Where("tenant_id = ?", tenantID).First(&tenant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", apperrors.NotFound("tenant", tenantID)
	}
	return tenant.SecretKey, err
}

// ListAll returns tenants newest first. A store that has not been migrated
// yet yields an empty list.
func (s *Service) ListAll(ctx context.Context) ([]models.Tenant, error) {
	tenants := []models.Tenant{}
	if !s.db.WithContext(ctx).Migrator().HasTable(&models.Tenant{}) {
		return tenants, nil
	}
	if err := s.db.WithContext(ctx).Order("created_at desc").Order("id desc").Find(&tenants).Error; err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	return tenants, nil
}

type UpdateInput struct {
	Name           *string
	Email          *string
	Phone          *string
	Address        *string
	PrincipalName  *string
	CustomDomain   *string
	Plan           *string
	Status         *string
	TrialExpiresAt *time.Time
	MaxStudents    *int
	MaxTeachers    *int
	MaxDocuments   *int
	Features       map[string]interface{}
	Metadata       map[string]interface{}
}

// Update merges the supplied fields. Keys are never touched here; see
// RotateKeys.
func (s *Service) Update(ctx context.Context, tenantID string, in UpdateInput) (*models.Tenant, error) {
	ctx, span := s.tracer.StartSpan(ctx, "registry.Update")
	defer span.End()

	tenant, err := s.mustGet(ctx, tenantID)
	if err != nil {
		span.SetError(err.Error())
		return nil, err
	}

	updates := map[string]interface{}{}
	fields := map[string]string{}

	if in.Name != nil {
		if strings.TrimSpace(*in.Name) == "" {
			fields["name"] = "must not be empty"
		}
		updates["name"] = strings.TrimSpace(*in.Name)
	}
	if in.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*in.Email))
		if err := s.validate.Var(email, "required,email"); err != nil {
			fields["email"] = "must be a valid email address"
		}
		updates["email"] = email
	}
	if in.Phone != nil {
		phone := *in.Phone
		if phone != "" {
			if phone, err = normalizePhone(phone, s.opts.PhoneRegion); err != nil {
				fields["phone"] = err.Error()
			}
		}
		updates["phone"] = phone
	}
	if in.Address != nil {
		updates["address"] = *in.Address
	}
	if in.PrincipalName != nil {
		updates["principal_name"] = *in.PrincipalName
	}
	if in.CustomDomain != nil {
		if domain := normalizeDomain(in.CustomDomain); domain != nil {
			updates["custom_domain"] = *domain
		} else {
			updates["custom_domain"] = nil
		}
	}
	if in.Plan != nil {
		if !validPlan(*in.Plan) {
			fields["plan"] = "must be one of basic, pro, enterprise"
		} else if *in.Plan != tenant.Plan {
			if err := s.applyPlanQuotas(ctx, *in.Plan, updates); err != nil {
				span.SetError(err.Error())
				return nil, err
			}
		}
		updates["plan"] = *in.Plan
	}
	if in.Status != nil {
		if !validStatus(*in.Status) {
			fields["status"] = "must be one of trial, active, suspended, expired, archived"
		}
		updates["status"] = *in.Status
	}
	if in.TrialExpiresAt != nil {
		updates["trial_expires_at"] = *in.TrialExpiresAt
	}
	for col, v := range map[string]*int{"max_students": in.MaxStudents, "max_teachers": in.MaxTeachers, "max_documents": in.MaxDocuments} {
		if v == nil {
			continue
		}
		if *v < 0 {
			fields[col] = "must not be negative"
		}
		updates[col] = *v
	}
	if in.Features != nil {
		updates["features"] = datatypes.JSONMap(in.Features)
	}
	if in.Metadata != nil {
		updates["metadata"] = datatypes.JSONMap(in.Metadata)
	}

	if len(fields) > 0 {
		err := &apperrors.ValidationError{Message: "invalid tenant update", Fields: fields}
		span.SetError(err.Error())
		return nil, err
	}
	if len(updates) == 0 {
		return tenant, nil
	}

	if err := s.db.WithContext(ctx).Model(tenant).Updates(updates).Error; err != nil {
		if database.IsAlreadyExists(err) {
			return nil, &apperrors.ConflictError{Message: "custom domain already in use"}
		}
		span.SetError(err.Error())
		return nil, fmt.Errorf("failed to update tenant: %w", err)
	}

	s.invalidate(ctx, tenant.APIKey)
	if status, ok := updates["status"].(string); ok && status != models.TenantStatusActive && status != models.TenantStatusTrial {
		s.evict(tenantID)
	}
	return s.mustGet(ctx, tenantID)
}

// applyPlanQuotas copies the plan's quotas into updates. Explicit quota
// fields in the same update are applied afterwards and win.
func (s *Service) applyPlanQuotas(ctx context.Context, planID string, updates map[string]interface{}) error {
	var plan models.SubscriptionPlan
	err := s.db.WithContext(ctx).Where("plan_id = ?", planID).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load plan: %w", err)
	}
	updates["max_students"] = plan.MaxStudents
	updates["max_teachers"] = plan.MaxTeachers
	updates["max_documents"] = plan.MaxDocuments
	return nil
}

// TransitionStatus moves the tenant to status only while its current status
// is one of from, and reports whether it moved.
func (s *Service) TransitionStatus(ctx context.Context, tenantID, status string, from ...string) (bool, error) {
	if !validStatus(status) {
		return false, apperrors.Validation("status", "must be one of trial, active, suspended, expired, archived")
	}
	tenant, err := s.mustGet(ctx, tenantID)
	if err != nil {
		return false, err
	}
	res := s.db.WithContext(ctx).Model(&models.Tenant{}).
		Where("tenant_id = ? AND status IN ?", tenantID, from).
		Update("status", status)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update tenant status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	s.invalidate(ctx, tenant.APIKey)
	if status != models.TenantStatusActive && status != models.TenantStatusTrial {
		s.evict(tenantID)
	}
	return true, nil
}

func (s *Service) mustGet(ctx context.Context, tenantID string) (*models.Tenant, error) {
	tenant, err := s.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, apperrors.NotFound("tenant", tenantID)
	}
	return tenant, nil
}

func (s *Service) invalidate(ctx context.Context, apiKey string) {
	if s.opts.Cache == nil {
		return
	}
	if err := s.opts.Cache.InvalidateTenant(ctx, apiKey); err != nil {
		logger.FromContext(ctx).Warn("Failed to invalidate tenant cache", zap.Error(err))
	}
}

// RotateKeys issues a new key pair. The old API key stops resolving
// immediately and cached connections are dropped.
func (s *Service) RotateKeys(ctx context.Context, tenantID string) (*models.Tenant, error) {
	ctx, span := s.tracer.StartSpan(ctx, "registry.RotateKeys")
	defer span.End()

	tenant, err := s.mustGet(ctx, tenantID)
	if err != nil {
		span.SetError(err.Error())
		return nil, err
	}
	oldKey := tenant.APIKey

	apiKey, secretKey := NewKeys()
	if err := s.db.WithContext(ctx).Model(tenant).Updates(map[string]interface{}{
		"api_key":    apiKey,
		"secret_key": secretKey,
	}).Error; err != nil {
		span.SetError(err.Error())
		return nil, fmt.Errorf("failed to rotate keys: %w", err)
	}

	s.invalidate(ctx, oldKey)
	s.evict(tenantID)
	tenant.APIKey = apiKey
	tenant.SecretKey = secretKey
	return tenant, nil
}

// SetRemoteConfig stores the linkage to the tenant's dedicated store.
func (s *Service) SetRemoteConfig(ctx context.Context, tenantID, projectID, url, connString string) error {
	tenant, err := s.mustGet(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Model(tenant).Updates(map[string]interface{}{
		"remote_project_id":  projectID,
		"remote_url":         url,
		"remote_conn_string": connString,
	}).Error; err != nil {
		return fmt.Errorf("failed to store remote config: %w", err)
	}
	s.invalidate(ctx, tenant.APIKey)
	s.evict(tenantID)
	return nil
}

// Forget drops the cached API-key lookup, for callers that changed the
// tenant row outside the registry.
func (s *Service) Forget(ctx context.Context, apiKey string) {
	s.invalidate(ctx, apiKey)
}

// IncrementUsedDocuments adds n to the used-documents counter. Pass a
// transaction as db to join it, or nil to use the registry's handle.
func (s *Service) IncrementUsedDocuments(ctx context.Context, db *gorm.DB, tenantID string, n int) error {
	if n <= 0 {
		return apperrors.Validation("value", "must be positive")
	}
	if db == nil {
		db = s.db
	}
	res := db.WithContext(ctx).Model(&models.Tenant{}).
		Where("tenant_id = ?", tenantID).
		UpdateColumn("used_documents", gorm.Expr("used_documents + ?", n))
	if res.Error != nil {
		return fmt.Errorf("failed to increment used documents: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NotFound("tenant", tenantID)
	}
	return nil
}

// ResetUsedDocuments is the explicit admin reset of the usage counter.
func (s *Service) ResetUsedDocuments(ctx context.Context, tenantID string) error {
	res := s.db.WithContext(ctx).Model(&models.Tenant{}).
		Where("tenant_id = ?", tenantID).
		UpdateColumn("used_documents", 0)
	if res.Error != nil {
		return fmt.Errorf("failed to reset used documents: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NotFound("tenant", tenantID)
	}
	return nil
}

// Delete archives a tenant: status archived and soft-deleted. Credits,
// grants, subscriptions and the audit trail are kept.
func (s *Service) Delete(ctx context.Context, tenantID string) error {
	ctx, span := s.tracer.StartSpan(ctx, "registry.Delete")
	defer span.End()

	tenant, err := s.mustGet(ctx, tenantID)
	if err != nil {
		span.SetError(err.Error())
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(tenant).Update("status", models.TenantStatusArchived).Error; err != nil {
			return err
		}
		return tx.Delete(tenant).Error
	})
	if err != nil {
		span.SetError(err.Error())
		return fmt.Errorf("failed to archive tenant: %w", err)
	}

	s.invalidate(ctx, tenant.APIKey)
	s.evict(tenantID)
	return nil
}

// Purge hard-deletes a tenant, archived or not, together with every row
// that belongs to it. Audit log entries are kept.
func (s *Service) Purge(ctx context.Context, tenantID string) error {
	ctx, span := s.tracer.StartSpan(ctx, "registry.Purge")
	defer span.End()

	var tenant models.Tenant
	err := s.db.WithContext(ctx).Unscoped().Where("tenant_id = ?", tenantID).First(&tenant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NotFound("tenant", tenantID)
	}
	if err != nil {
		return fmt.Errorf("failed to load tenant: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dependents := []interface{}{
			&models.CreditTransaction{},
			&models.CreditBalance{},
			&models.TemplateGrant{},
			&models.Payment{},
			&models.Invoice{},
			&models.Subscription{},
			&models.UsageRecord{},
		}
		for _, model := range dependents {
			if err := tx.Unscoped().Where("tenant_id = ?", tenantID).Delete(model).Error; err != nil {
				return fmt.Errorf("failed to delete %T rows: %w", model, err)
			}
		}
		return tx.Unscoped().Delete(&tenant).Error
	})
	if err != nil {
		span.SetError(err.Error())
		return fmt.Errorf("failed to purge tenant: %w", err)
	}

	s.invalidate(ctx, tenant.APIKey)
	s.evict(tenantID)
	logger.FromContext(ctx).Warn("Tenant purged", zap.String("tenant_id", tenantID))
	return nil
}
