package billing

import (
	"context"
	"fmt"
	"time"

	"schoolhub/logger"
	"schoolhub/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RunResult summarises one ProcessAutomaticBilling pass.
type RunResult struct {
	TrialsConverted int      `json:"trials_converted"`
	Renewed         int      `json:"renewed"`
	Canceled        int      `json:"canceled"`
	PastDue         int      `json:"past_due"`
	Invoices        []string `json:"invoices"`
	Errors          []string `json:"errors"`
}

// ProcessAutomaticBilling advances every subscription whose trial or period
// has ended and flags subscriptions with overdue invoices. It is one pass;
// scheduling is left to the caller. A failure on one subscription is recorded
// and the pass continues.
func (t *Tracker) ProcessAutomaticBilling(ctx context.Context, now time.Time) (*RunResult, error) {
	ctx, span := t.opts.Tracer.StartSpan(ctx, "billing.ProcessAutomaticBilling")
	defer span.End()
	log := logger.FromContext(ctx)

	result := &RunResult{Invoices: []string{}, Errors: []string{}}

	var trials []models.Subscription
	if err := t.db.WithContext(ctx).
		Where("status = ? AND trial_end IS NOT NULL AND trial_end <= ?", models.SubscriptionTrial, now).
		Find(&trials).Error; err != nil {
		return nil, fmt.Errorf("failed to load ended trials: %w", err)
	}
	for _, sub := range trials {
		if sub.CancelAtPeriodEnd {
			t.cancel(ctx, sub, result)
			continue
		}
		invoice, err := t.advance(ctx, sub, *sub.TrialEnd, sub.CurrentPeriodEnd)
		if err != nil {
			t.fail(ctx, result, sub, err)
			continue
		}
		result.TrialsConverted++
		result.Invoices = append(result.Invoices, invoice)
		t.setTenantStatus(ctx, sub.TenantID, models.TenantStatusActive, models.TenantStatusTrial)
	}

	var ended []models.Subscription
	if err := t.db.WithContext(ctx).
		Where("status = ? AND current_period_end <= ?", models.SubscriptionActive, now).
		Find(&ended).Error; err != nil {
		return nil, fmt.Errorf("failed to load ended periods: %w", err)
	}
	for _, sub := range ended {
		if sub.CancelAtPeriodEnd {
			t.cancel(ctx, sub, result)
			continue
		}
		invoice, err := t.advance(ctx, sub, sub.CurrentPeriodEnd, sub.CurrentPeriodEnd.Add(periodLength))
		if err != nil {
			t.fail(ctx, result, sub, err)
			continue
		}
		result.Renewed++
		result.Invoices = append(result.Invoices, invoice)
	}

	var overdue []uint
	if err := t.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("status = ? AND due_date < ?", models.InvoicePending, now).
		Distinct().Pluck("subscription_id", &overdue).Error; err != nil {
		return nil, fmt.Errorf("failed to load overdue invoices: %w", err)
	}
	if len(overdue) > 0 {
		res := t.db.WithContext(ctx).Model(&models.Subscription{}).
			Where("id IN ? AND status = ?", overdue, models.SubscriptionActive).
			Update("status", models.SubscriptionPastDue)
		if res.Error != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("mark past due: %v", res.Error))
		} else {
			result.PastDue = int(res.RowsAffected)
		}
	}

	span.SetAttributes(map[string]interface{}{
		"trials_converted": result.TrialsConverted,
		"renewed":          result.Renewed,
		"canceled":         result.Canceled,
		"past_due":         result.PastDue,
		"errors":           len(result.Errors),
	})
	log.Info("Automatic billing pass finished",
		zap.Int("trials_converted", result.TrialsConverted),
		zap.Int("renewed", result.Renewed),
		zap.Int("canceled", result.Canceled),
		zap.Int("past_due", result.PastDue),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// advance moves the subscription into the period [start, end), activates it
// and invoices the new period in one transaction.
func (t *Tracker) advance(ctx context.Context, sub models.Subscription, start, end time.Time) (string, error) {
	var number string
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&sub).Updates(map[string]interface{}{
			"status":               models.SubscriptionActive,
			"current_period_start": start,
			"current_period_end":   end,
		}).Error; err != nil {
			return err
		}
		invoice, err := t.WithTx(tx).GenerateInvoice(ctx, sub.ID)
		if err != nil {
			return err
		}
		number = invoice.InvoiceNumber
		return nil
	})
	return number, err
}

func (t *Tracker) cancel(ctx context.Context, sub models.Subscription, result *RunResult) {
	if err := t.db.WithContext(ctx).Model(&sub).Update("status", models.SubscriptionCanceled).Error; err != nil {
		t.fail(ctx, result, sub, err)
		return
	}
	result.Canceled++
	t.setTenantStatus(ctx, sub.TenantID, models.TenantStatusExpired, models.TenantStatusTrial, models.TenantStatusActive)
}

func (t *Tracker) fail(ctx context.Context, result *RunResult, sub models.Subscription, err error) {
	result.Errors = append(result.Errors, fmt.Sprintf("subscription %d: %v", sub.ID, err))
	logger.FromContext(ctx).Warn("Automatic billing failed for subscription",
		zap.Uint("subscription_id", sub.ID),
		zap.String("tenant_id", sub.TenantID),
		zap.Error(err),
	)
}

// setTenantStatus follows the subscription with the tenant status, but only
// out of the from statuses. A suspended or archived tenant stays put.
func (t *Tracker) setTenantStatus(ctx context.Context, tenantID, status string, from ...string) {
	if t.opts.Tenants == nil {
		return
	}
	moved, err := t.opts.Tenants.TransitionStatus(ctx, tenantID, status, from...)
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to sync tenant status",
			zap.String("tenant_id", tenantID),
			zap.String("status", status),
			zap.Error(err),
		)
		return
	}
	if !moved {
		logger.FromContext(ctx).Info("Tenant status left unchanged by billing",
			zap.String("tenant_id", tenantID),
			zap.String("status", status),
		)
	}
}
