package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"schoolhub/apperrors"
	"schoolhub/database"
	"schoolhub/logger"
	"schoolhub/metrics"
	"schoolhub/models"
	"schoolhub/tracing"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultTrialDays = 14
	periodLength     = 30 * 24 * time.Hour
	invoiceDueIn     = 7 * 24 * time.Hour
)

// TenantStatusSetter keeps the tenant record in step with its subscription.
type TenantStatusSetter interface {
	TransitionStatus(ctx context.Context, tenantID, status string, from ...string) (bool, error)
}

type Options struct {
	Customers CustomerCreator
	Tenants   TenantStatusSetter
	Tracer    tracing.Tracer
	Metrics   *metrics.Metrics
	// Now is overridden in tests.
	Now func() time.Time
}

// Tracker owns subscriptions, invoices, payments and usage records.
type Tracker struct {
	db   *gorm.DB
	opts Options
}

func NewTracker(db *gorm.DB, opts Options) *Tracker {
	if opts.Tracer == nil {
		opts.Tracer = tracing.Noop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{db: db, opts: opts}
}

// WithTx returns a tracker whose writes join tx.
func (t *Tracker) WithTx(tx *gorm.DB) *Tracker {
	return &Tracker{db: tx, opts: t.opts}
}

// Plan looks up a plan by id.
func (t *Tracker) Plan(ctx context.Context, planID string) (*models.SubscriptionPlan, error) {
	var plan models.SubscriptionPlan
	err := t.db.WithContext(ctx).Where("plan_id = ?", planID).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &apperrors.PlanNotFoundError{PlanID: planID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	return &plan, nil
}

func (t *Tracker) Plans(ctx context.Context) ([]models.SubscriptionPlan, error) {
	plans := []models.SubscriptionPlan{}
	if err := t.db.WithContext(ctx).Order("price").Find(&plans).Error; err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	return plans, nil
}

// CreateSubscription starts a trial on planID. The first period runs until
// 30 days after the trial ends.
func (t *Tracker) CreateSubscription(ctx context.Context, tenantID, planID string, trialDays int) (*models.Subscription, error) {
	ctx, span := t.opts.Tracer.StartSpan(ctx, "billing.CreateSubscription")
	defer span.End()

	plan, err := t.Plan(ctx, planID)
	if err != nil {
		span.SetError(err.Error())
		return nil, err
	}
	if trialDays <= 0 {
		trialDays = defaultTrialDays
	}

	current, err := t.CurrentSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if current != nil && current.Status != models.SubscriptionCanceled {
		return nil, &apperrors.ConflictError{Message: "tenant already has a subscription"}
	}

	now := t.opts.Now()
	trialEnd := now.AddDate(0, 0, trialDays)
	sub := models.Subscription{
		TenantID:           tenantID,
		PlanID:             plan.PlanID,
		Status:             models.SubscriptionTrial,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   trialEnd.Add(periodLength),
		TrialEnd:           &trialEnd,
	}

	if t.opts.Customers != nil {
		var tenant models.Tenant
		if err := t.db.WithContext(ctx).Select("email", "name").Where("tenant_id = ?", tenantID).First(&tenant).Error; err == nil {
			customerID, err := t.opts.Customers.CreateCustomer(ctx, tenantID, tenant.Email, tenant.Name)
			if err != nil {
				logger.FromContext(ctx).Warn("Failed to create billing customer", zap.String("tenant_id", tenantID), zap.Error(err))
			} else {
				sub.ExternalCustomerID = customerID
			}
		}
	}

	if err := t.db.WithContext(ctx).Create(&sub).Error; err != nil {
		span.SetError(err.Error())
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return &sub, nil
}

// CurrentSubscription returns the tenant's live subscription, falling back
// to the most recent one. Nil when the tenant never subscribed.
func (t *Tracker) CurrentSubscription(ctx context.Context, tenantID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := t.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order(fmt.Sprintf("CASE WHEN status = '%s' THEN 1 ELSE 0 END", models.SubscriptionCanceled)).
		Order("created_at desc").Order("id desc").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return &sub, nil
}

// ChangePlan moves the tenant's live subscription onto planID from the next
// invoice on. A tenant without one, or whose latest subscription is
// canceled, gets nil.
func (t *Tracker) ChangePlan(ctx context.Context, tenantID, planID string) (*models.Subscription, error) {
	if _, err := t.Plan(ctx, planID); err != nil {
		return nil, err
	}
	sub, err := t.CurrentSubscription(ctx, tenantID)
	if err != nil || sub == nil || sub.Status == models.SubscriptionCanceled {
		return nil, err
	}
	if sub.PlanID == planID {
		return sub, nil
	}
	if err := t.db.WithContext(ctx).Model(sub).Update("plan_id", planID).Error; err != nil {
		return nil, fmt.Errorf("failed to change subscription plan: %w", err)
	}
	sub.PlanID = planID
	logger.FromContext(ctx).Info("Subscription plan changed",
		zap.String("tenant_id", tenantID),
		zap.String("plan_id", planID),
	)
	return sub, nil
}

// CancelAtPeriodEnd flags the subscription to end with its current period.
func (t *Tracker) CancelAtPeriodEnd(ctx context.Context, subscriptionID uint, cancel bool) (*models.Subscription, error) {
	var sub models.Subscription
	if err := t.db.WithContext(ctx).First(&sub, subscriptionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("subscription", fmt.Sprint(subscriptionID))
		}
		return nil, err
	}
	if err := t.db.WithContext(ctx).Model(&sub).Update("cancel_at_period_end", cancel).Error; err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}
	sub.CancelAtPeriodEnd = cancel
	return &sub, nil
}

// HasFeatureAccess walks tenant, subscription and plan. Any missing link, a
// subscription that is not active or trial, or an elapsed period yields false.
func (t *Tracker) HasFeatureAccess(ctx context.Context, tenantID, featureKey string) bool {
	var tenants int64
	if err := t.db.WithContext(ctx).Model(&models.Tenant{}).Where("tenant_id = ?", tenantID).Count(&tenants).Error; err != nil || tenants == 0 {
		return false
	}

	sub, err := t.CurrentSubscription(ctx, tenantID)
	if err != nil || sub == nil {
		return false
	}
	if sub.Status != models.SubscriptionActive && sub.Status != models.SubscriptionTrial {
		return false
	}
	if !t.opts.Now().Before(sub.CurrentPeriodEnd) {
		return false
	}

	plan, err := t.Plan(ctx, sub.PlanID)
	if err != nil {
		return false
	}
	enabled, _ := plan.Features[featureKey].(bool)
	return enabled
}

// GenerateInvoice bills the subscription's current period at the plan price.
// A second invoice for the same period is a ConflictError.
func (t *Tracker) GenerateInvoice(ctx context.Context, subscriptionID uint) (*models.Invoice, error) {
	ctx, span := t.opts.Tracer.StartSpan(ctx, "billing.GenerateInvoice")
	defer span.End()

	var sub models.Subscription
	if err := t.db.WithContext(ctx).First(&sub, subscriptionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("subscription", fmt.Sprint(subscriptionID))
		}
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	plan, err := t.Plan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}

	now := t.opts.Now()
	invoice := models.Invoice{
		InvoiceNumber:  "INV-" + uuid.NewString(),
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		Amount:         plan.Price,
		Currency:       plan.Currency,
		Status:         models.InvoicePending,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
		IssueDate:      now,
		DueDate:        now.Add(invoiceDueIn),
	}
	if err := t.db.WithContext(ctx).Create(&invoice).Error; err != nil {
		span.SetError(err.Error())
		if database.IsAlreadyExists(err) {
			return nil, &apperrors.ConflictError{Message: "an invoice already exists for this billing period"}
		}
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}
	t.opts.Metrics.InvoicesGenerated.Inc()
	return &invoice, nil
}

// GetInvoice returns the invoice with its tenant scope.
func (t *Tracker) GetInvoice(ctx context.Context, invoiceID uint) (*models.Invoice, error) {
	var invoice models.Invoice
	if err := t.db.WithContext(ctx).First(&invoice, invoiceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("invoice", fmt.Sprint(invoiceID))
		}
		return nil, fmt.Errorf("failed to load invoice: %w", err)
	}
	return &invoice, nil
}

type PaymentInput struct {
	Amount        float64
	Currency      string
	TransactionID string
	PaymentMethod string
}

// PayInvoice records a full payment and marks the invoice paid. A past-due
// subscription becomes active again.
func (t *Tracker) PayInvoice(ctx context.Context, invoiceID uint, in PaymentInput) (*models.Payment, error) {
	ctx, span := t.opts.Tracer.StartSpan(ctx, "billing.PayInvoice")
	defer span.End()
	span.SetAttributes(map[string]interface{}{"invoice_id": invoiceID, "amount": in.Amount})

	if in.TransactionID == "" {
		return nil, apperrors.Validation("transaction_id", "required")
	}

	var payment models.Payment
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var invoice models.Invoice
		if err := tx.First(&invoice, invoiceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.NotFound("invoice", fmt.Sprint(invoiceID))
			}
			return err
		}
		if invoice.Status == models.InvoicePaid {
			return &apperrors.ConflictError{Message: "invoice is already paid"}
		}
		if invoice.Status == models.InvoiceVoid {
			return &apperrors.ConflictError{Message: "invoice is void"}
		}
		if in.Amount < invoice.Amount {
			return apperrors.Validation("amount", "payment amount is less than invoice amount; partial payments are not supported")
		}
		if in.Currency != "" && in.Currency != invoice.Currency {
			return apperrors.Validation("currency", "must match the invoice currency")
		}

		now := t.opts.Now()
		payment = models.Payment{
			InvoiceID:     invoice.ID,
			TenantID:      invoice.TenantID,
			Amount:        in.Amount,
			Currency:      invoice.Currency,
			PaymentDate:   now,
			TransactionID: in.TransactionID,
			PaymentMethod: in.PaymentMethod,
		}
		if err := tx.Create(&payment).Error; err != nil {
			if database.IsAlreadyExists(err) {
				return &apperrors.ConflictError{Message: "a payment with this transaction id already exists"}
			}
			return fmt.Errorf("failed to create payment record: %w", err)
		}

		if err := tx.Model(&invoice).Updates(map[string]interface{}{
			"status":  models.InvoicePaid,
			"paid_at": now,
		}).Error; err != nil {
			return fmt.Errorf("failed to update invoice status: %w", err)
		}

		return tx.Model(&models.Subscription{}).
			Where("id = ? AND status = ?", invoice.SubscriptionID, models.SubscriptionPastDue).
			Update("status", models.SubscriptionActive).Error
	})
	if err != nil {
		span.SetError(err.Error())
		return nil, err
	}
	return &payment, nil
}

// RecordUsage appends a usage report.
func (t *Tracker) RecordUsage(ctx context.Context, tenantID, metric string, value int64, metadata map[string]interface{}) (*models.UsageRecord, error) {
	if metric == "" {
		return nil, apperrors.Validation("metric", "required")
	}
	if value < 0 {
		return nil, apperrors.Validation("value", "must not be negative")
	}
	record := models.UsageRecord{
		TenantID:   tenantID,
		Metric:     metric,
		Value:      value,
		Metadata:   metadata,
		RecordedAt: t.opts.Now(),
	}
	if err := t.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("failed to record usage: %w", err)
	}
	return &record, nil
}

// UsageLimit compares one metric against its plan limit. A zero limit means
// unlimited.
type UsageLimit struct {
	Current  int64 `json:"current"`
	Limit    int64 `json:"limit"`
	Exceeded bool  `json:"exceeded"`
}

// CheckUsageLimits takes the highest value reported this month for each
// metric and compares it with the plan.
func (t *Tracker) CheckUsageLimits(ctx context.Context, tenantID string) (map[string]UsageLimit, error) {
	sub, err := t.CurrentSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, apperrors.NotFound("subscription", tenantID)
	}
	plan, err := t.Plan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}

	now := t.opts.Now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	var rows []struct {
		Metric string
		Peak   int64
	}
	err = t.db.WithContext(ctx).Model(&models.UsageRecord{}).
		Select("metric, MAX(value) AS peak").
		Where("tenant_id = ? AND recorded_at >= ?", tenantID, monthStart).
		Group("metric").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	peaks := map[string]int64{}
	for _, r := range rows {
		peaks[r.Metric] = r.Peak
	}

	limits := map[string]int64{
		models.MetricStudents: int64(plan.MaxStudents),
		models.MetricTeachers: int64(plan.MaxTeachers),
		models.MetricStorage:  int64(plan.MaxStorageMB),
	}
	result := make(map[string]UsageLimit, len(limits))
	for metric, limit := range limits {
		current := peaks[metric]
		result[metric] = UsageLimit{
			Current:  current,
			Limit:    limit,
			Exceeded: limit > 0 && current > limit,
		}
	}
	return result, nil
}
