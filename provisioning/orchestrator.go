package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"schoolhub/apperrors"
	"schoolhub/billing"
	"schoolhub/email"
	"schoolhub/logger"
	"schoolhub/metrics"
	"schoolhub/models"
	"schoolhub/registry"
	"schoolhub/schema"
	"schoolhub/templates"
	"schoolhub/tenantdb"
	"schoolhub/tracing"

	"go.uber.org/zap"
)

type Options struct {
	BaseDomain string
	// TrialDays is the onboarding trial, shorter than the registry default.
	TrialDays int
	// RemoteByDefault provisions a tenant store even when the input carries
	// no linkage, relying on the connection manager's DSN template.
	RemoteByDefault bool
	Tracer          tracing.Tracer
	Metrics         *metrics.Metrics
}

// Orchestrator runs onboarding across the registry, tenant stores and
// billing.
type Orchestrator struct {
	tenants   *registry.Service
	manager   *tenantdb.Manager
	schema    *schema.Provisioner
	billing   *billing.Tracker
	templates *templates.Registry
	sender    email.Sender
	opts      Options
	tracer    tracing.Tracer
}

func NewOrchestrator(
	tenants *registry.Service,
	manager *tenantdb.Manager,
	provisioner *schema.Provisioner,
	tracker *billing.Tracker,
	tpl *templates.Registry,
	sender email.Sender,
	opts Options,
) *Orchestrator {
	if opts.TrialDays <= 0 {
		opts.TrialDays = 14
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Orchestrator{
		tenants:   tenants,
		manager:   manager,
		schema:    provisioner,
		billing:   tracker,
		templates: tpl,
		sender:    sender,
		opts:      opts,
		tracer:    tracing.OrNoop(opts.Tracer),
	}
}

// Input is an onboarding request.
type Input struct {
	SchoolName     string                 `json:"school_name" binding:"required"`
	ContactEmail   string                 `json:"contact_email" binding:"required"`
	ContactPhone   string                 `json:"contact_phone"`
	Address        string                 `json:"address"`
	PrincipalName  string                 `json:"principal_name"`
	PrincipalEmail string                 `json:"principal_email"`
	PlanID         string                 `json:"plan_id"`
	CustomDomain   *string                `json:"custom_domain"`
	TrialDays      int                    `json:"trial_days"`
	ProjectID      string                 `json:"project_id"`
	RemoteURL      string                 `json:"remote_url"`
	ConnString     string                 `json:"connection_string"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// Result summarises onboarding. Best-effort failures show up in Steps and
// leave the tenant usable.
type Result struct {
	SchoolID         string                `json:"school_id"`
	Subdomain        string                `json:"subdomain"`
	APIKey           string                `json:"api_key"`
	SecretKey        string                `json:"secret_key"`
	AccessURL        string                `json:"access_url"`
	TrialExpiresAt   time.Time             `json:"trial_expires_at"`
	Subscription     *models.Subscription  `json:"subscription,omitempty"`
	RemoteSetup      *schema.SetupResult   `json:"remote_setup,omitempty"`
	AdminIdentity    *schema.AdminIdentity `json:"admin_identity,omitempty"`
	TemplatesGranted []string              `json:"templates_granted"`
	Complete         bool                  `json:"complete"`
	Steps            []StepResult          `json:"steps"`
}

// Onboard creates a school end to end. Tenant and subscription creation must
// succeed; on their failure a ProvisioningError is returned along with the
// partial result and nothing already committed is rolled back. Input errors
// are returned as is before anything is written.
func (o *Orchestrator) Onboard(ctx context.Context, in Input) (*Result, error) {
	ctx, span := o.tracer.StartSpan(ctx, "provisioning.Onboard")
	defer span.End()

	s := newSteps(o.opts.Metrics)
	result := &Result{TemplatesGranted: []string{}}
	finish := func() {
		result.Steps = s.results
		result.Complete = s.complete()
	}
	defer finish()

	if in.PlanID == "" {
		in.PlanID = models.PlanBasic
	}
	plan, err := o.billing.Plan(ctx, in.PlanID)
	if err != nil {
		span.SetError(err.Error())
		return nil, err
	}
	trialDays := o.opts.TrialDays
	if in.TrialDays > 0 {
		trialDays = in.TrialDays
	}

	var ids registry.Identifiers
	s.run(ctx, StepGenerateIdentifiers, MustSucceed, func(context.Context) error {
		ids = registry.GenerateIdentifiers(in.SchoolName)
		return nil
	})

	var tenant *models.Tenant
	err = s.run(ctx, StepCreateTenant, MustSucceed, func(ctx context.Context) error {
		var err error
		tenant, err = o.tenants.Create(ctx, registry.CreateInput{
			Name:             in.SchoolName,
			Email:            in.ContactEmail,
			Phone:            in.ContactPhone,
			Address:          in.Address,
			PrincipalName:    in.PrincipalName,
			Plan:             plan.PlanID,
			CustomDomain:     in.CustomDomain,
			RemoteProjectID:  in.ProjectID,
			RemoteURL:        in.RemoteURL,
			RemoteConnString: in.ConnString,
			TrialDays:        trialDays,
			Metadata:         in.Metadata,
			Identifiers:      &ids,
		})
		return err
	})
	if err != nil {
		span.SetError(err.Error())
		var validation *apperrors.ValidationError
		var conflict *apperrors.ConflictError
		if errors.As(err, &validation) || errors.As(err, &conflict) {
			return nil, err
		}
		return result, &apperrors.ProvisioningError{Step: StepCreateTenant, Err: err}
	}
	result.SchoolID = tenant.TenantID
	result.Subdomain = tenant.Subdomain
	result.APIKey = tenant.APIKey
	result.SecretKey = tenant.SecretKey
	result.TrialExpiresAt = tenant.TrialExpiresAt
	result.AccessURL = o.AccessURL(tenant)
	span.SetAttributes(map[string]interface{}{"tenant_id": tenant.TenantID})

	var admin *tenantdb.Handle
	if tenant.HasRemote() || o.opts.RemoteByDefault {
		s.run(ctx, StepConfigureRemote, BestEffort, func(ctx context.Context) error {
			var err error
			admin, result.RemoteSetup, err = o.configureRemote(ctx, tenant)
			return err
		})
	} else {
		s.skip(StepConfigureRemote, BestEffort, "no remote linkage supplied")
	}

	err = s.run(ctx, StepCreateSubscription, MustSucceed, func(ctx context.Context) error {
		var err error
		result.Subscription, err = o.billing.CreateSubscription(ctx, tenant.TenantID, plan.PlanID, trialDays)
		return err
	})
	if err != nil {
		span.SetError(err.Error())
		return result, &apperrors.ProvisioningError{Step: StepCreateSubscription, Err: err}
	}

	s.run(ctx, StepGrantTemplates, BestEffort, func(ctx context.Context) error {
		granted, err := o.templates.GrantPlanDefaults(ctx, tenant.TenantID, plan.Features)
		result.TemplatesGranted = append(result.TemplatesGranted, granted...)
		return err
	})

	if admin != nil && s.succeeded(StepConfigureRemote) {
		s.run(ctx, StepCreateAdminIdentity, BestEffort, func(ctx context.Context) error {
			var err error
			result.AdminIdentity, err = o.createAdmin(ctx, admin, tenant, in.PrincipalEmail)
			return err
		})
	} else {
		s.skip(StepCreateAdminIdentity, BestEffort, "remote store not configured")
	}

	s.run(ctx, StepSendWelcome, BestEffort, func(ctx context.Context) error {
		return o.sender.Send(ctx, email.Welcome(email.WelcomeData{
			SchoolName:    tenant.Name,
			PrincipalName: tenant.PrincipalName,
			To:            tenant.Email,
			AccessURL:     result.AccessURL,
			APIKey:        tenant.APIKey,
			Plan:          plan.Name,
			TrialEndsAt:   tenant.TrialExpiresAt,
		}))
	})

	return result, nil
}

// configureRemote registers the tenant store, persists its linkage and lays
// down the schema. The admin handle is returned even when some artifacts
// failed so later steps can still use it.
func (o *Orchestrator) configureRemote(ctx context.Context, tenant *models.Tenant) (*tenantdb.Handle, *schema.SetupResult, error) {
	cfg, err := o.manager.RegisterTenant(ctx, tenant)
	if err != nil {
		return nil, nil, err
	}
	if err := o.tenants.SetRemoteConfig(ctx, tenant.TenantID, cfg.ProjectID, cfg.URL, cfg.ConnString); err != nil {
		return nil, nil, err
	}
	tenant.RemoteProjectID, tenant.RemoteURL, tenant.RemoteConnString = cfg.ProjectID, cfg.URL, cfg.ConnString

	admin, ok := o.manager.GetAdminClient(ctx, tenant.TenantID, cfg)
	if !ok {
		return nil, nil, &apperrors.ConfigurationError{TenantID: tenant.TenantID, Reason: "admin connection unavailable"}
	}
	setup := o.schema.SetupCompleteSchema(ctx, admin)
	if !setup.Success {
		return admin, setup, fmt.Errorf("schema setup reported %d error(s)", len(setup.Errors))
	}
	return admin, setup, nil
}

func (o *Orchestrator) createAdmin(ctx context.Context, admin *tenantdb.Handle, tenant *models.Tenant, principalEmail string) (*schema.AdminIdentity, error) {
	to := principalEmail
	if to == "" {
		to = tenant.Email
	}
	name := tenant.PrincipalName
	if name == "" {
		name = tenant.Name + " Admin"
	}
	return o.schema.CreateAdminIdentity(ctx, admin, to, name)
}

// AccessURL is where the school reaches its portal.
func (o *Orchestrator) AccessURL(tenant *models.Tenant) string {
	if tenant.CustomDomain != nil && *tenant.CustomDomain != "" {
		return "https://" + *tenant.CustomDomain
	}
	return fmt.Sprintf("https://%s.%s", tenant.Subdomain, o.opts.BaseDomain)
}

// StatusReport describes how far a tenant got through provisioning.
type StatusReport struct {
	TenantID         string               `json:"tenant_id"`
	Status           string               `json:"status"`
	AccessURL        string               `json:"access_url"`
	RemoteConfigured bool                 `json:"remote_configured"`
	Connected        bool                 `json:"connected"`
	MissingTables    []string             `json:"missing_tables"`
	Subscription     *models.Subscription `json:"subscription,omitempty"`
	NeedsRetry       bool                 `json:"needs_retry"`
}

// Status inspects a tenant's registry record, store and subscription.
func (o *Orchestrator) Status(ctx context.Context, tenantID string) (*StatusReport, error) {
	ctx, span := o.tracer.StartSpan(ctx, "provisioning.Status")
	defer span.End()

	tenant, err := o.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, apperrors.NotFound("tenant", tenantID)
	}

	report := &StatusReport{
		TenantID:         tenant.TenantID,
		Status:           tenant.Status,
		AccessURL:        o.AccessURL(tenant),
		RemoteConfigured: tenant.RemoteConnString != "",
		MissingTables:    []string{},
	}
	if report.RemoteConfigured {
		if h, ok := o.manager.GetAdminClient(ctx, tenantID, nil); ok {
			report.Connected = true
			report.MissingTables = o.schema.VerifySchema(ctx, h)
		}
	}
	report.Subscription, err = o.billing.CurrentSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	report.NeedsRetry = !report.Connected || len(report.MissingTables) > 0
	return report, nil
}

// RetryResult is the outcome of re-running the remote steps.
type RetryResult struct {
	TenantID      string                `json:"tenant_id"`
	RemoteSetup   *schema.SetupResult   `json:"remote_setup,omitempty"`
	AdminIdentity *schema.AdminIdentity `json:"admin_identity,omitempty"`
	Complete      bool                  `json:"complete"`
	Steps         []StepResult          `json:"steps"`
}

// RetryRemoteSetup re-runs remote configuration and admin identity creation
// for a tenant left half wired by Onboard.
func (o *Orchestrator) RetryRemoteSetup(ctx context.Context, tenantID string, principalEmail string) (*RetryResult, error) {
	ctx, span := o.tracer.StartSpan(ctx, "provisioning.RetryRemoteSetup")
	defer span.End()

	tenant, err := o.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, apperrors.NotFound("tenant", tenantID)
	}
	if !tenant.HasRemote() && !o.opts.RemoteByDefault {
		return nil, &apperrors.ConfigurationError{TenantID: tenantID, Reason: "no remote linkage stored"}
	}

	s := newSteps(o.opts.Metrics)
	result := &RetryResult{TenantID: tenantID}

	var admin *tenantdb.Handle
	s.run(ctx, StepConfigureRemote, BestEffort, func(ctx context.Context) error {
		var err error
		admin, result.RemoteSetup, err = o.configureRemote(ctx, tenant)
		return err
	})
	if admin != nil && s.succeeded(StepConfigureRemote) {
		s.run(ctx, StepCreateAdminIdentity, BestEffort, func(ctx context.Context) error {
			var err error
			result.AdminIdentity, err = o.createAdmin(ctx, admin, tenant, principalEmail)
			return err
		})
	} else {
		s.skip(StepCreateAdminIdentity, BestEffort, "remote store not configured")
	}

	result.Steps = s.results
	result.Complete = s.complete()
	if !result.Complete {
		span.SetError("remote setup incomplete")
		logger.FromContext(ctx).Warn("Remote setup still incomplete", zap.String("tenant_id", tenantID))
	}
	return result, nil
}
