package credits

import (
	"context"
	"errors"
	"fmt"

	"schoolhub/apperrors"
	"schoolhub/logger"
	"schoolhub/metrics"
	"schoolhub/models"
	"schoolhub/tracing"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Ledger records credit transactions and keeps each tenant's cached balance
// in step with them.
type Ledger struct {
	db      *gorm.DB
	tracer  tracing.Tracer
	metrics *metrics.Metrics
}

func NewLedger(db *gorm.DB, tracer tracing.Tracer, m *metrics.Metrics) *Ledger {
	if m == nil {
		m = metrics.New()
	}
	return &Ledger{db: db, tracer: tracing.OrNoop(tracer), metrics: m}
}

// WithTx returns a ledger whose writes join tx.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx, tracer: l.tracer, metrics: l.metrics}
}

// GetBalance returns the tenant's balance, or nil when it has none.
func (l *Ledger) GetBalance(ctx context.Context, tenantID string) (*models.CreditBalance, error) {
	var balance models.CreditBalance
	err := l.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credit balance: %w", err)
	}
	return &balance, nil
}

// TransactionInput describes one credit-affecting event.
type TransactionInput struct {
	Type        string
	Amount      int64
	Description string
	Reference   *string
	Metadata    map[string]interface{}
}

// RecordTransaction applies one transaction. The balance change is a single
// conditional UPDATE, so a usage debit either fits the available balance or
// leaves both the balance and the log untouched.
func (l *Ledger) RecordTransaction(ctx context.Context, tenantID string, in TransactionInput) (*models.CreditTransaction, *models.CreditBalance, error) {
	ctx, span := l.tracer.StartSpan(ctx, "credits.RecordTransaction")
	defer span.End()
	span.SetAttributes(map[string]interface{}{"tenant_id": tenantID, "type": in.Type, "amount": in.Amount})

	if in.Amount <= 0 {
		return nil, nil, apperrors.Validation("amount", "must be a positive integer")
	}

	var updates map[string]interface{}
	guard := "tenant_id = ?"
	args := []interface{}{tenantID}

	switch in.Type {
	case models.CreditPurchase, models.CreditBonus, models.CreditRefund:
		// Refunds leave used untouched and count towards total, keeping
		// available == total - used.
		updates = map[string]interface{}{
			"total_credits":     gorm.Expr("total_credits + ?", in.Amount),
			"available_credits": gorm.Expr("available_credits + ?", in.Amount),
		}
	case models.CreditUsage:
		updates = map[string]interface{}{
			"used_credits":      gorm.Expr("used_credits + ?", in.Amount),
			"available_credits": gorm.Expr("available_credits - ?", in.Amount),
		}
		guard += " AND available_credits >= ?"
		args = append(args, in.Amount)
	default:
		return nil, nil, apperrors.Validation("type", "must be one of purchase, usage, refund, bonus")
	}

	txn := models.CreditTransaction{
		TenantID:    tenantID,
		Type:        in.Type,
		Amount:      in.Amount,
		Description: in.Description,
		Reference:   in.Reference,
		Metadata:    datatypes.JSONMap(in.Metadata),
	}
	var balance models.CreditBalance

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.CreditBalance{}).Where(guard, args...).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to update credit balance: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			if err := tx.Where("tenant_id = ?", tenantID).First(&balance).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return apperrors.NotFound("credit balance", tenantID)
				}
				return err
			}
			return &apperrors.InsufficientCreditsError{
				TenantID:  tenantID,
				Requested: in.Amount,
				Available: balance.AvailableCredits,
			}
		}

		if err := tx.Create(&txn).Error; err != nil {
			return fmt.Errorf("failed to append credit transaction: %w", err)
		}
		return tx.Where("tenant_id = ?", tenantID).First(&balance).Error
	})
	if err != nil {
		var insufficient *apperrors.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			l.metrics.RejectedDebits.Inc()
		}
		span.SetError(err.Error())
		return nil, nil, err
	}

	l.metrics.CreditTransactions.WithLabelValues(in.Type).Inc()
	logger.FromContext(ctx).Info("Credit transaction recorded",
		zap.String("tenant_id", tenantID),
		zap.String("type", in.Type),
		zap.Int64("amount", in.Amount),
		zap.Int64("available", balance.AvailableCredits),
	)
	return &txn, &balance, nil
}

// ListTransactions returns the tenant's transactions newest first.
func (l *Ledger) ListTransactions(ctx context.Context, tenantID string) ([]models.CreditTransaction, error) {
	txns := []models.CreditTransaction{}
	err := l.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at desc").Order("id desc").
		Find(&txns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list credit transactions: %w", err)
	}
	return txns, nil
}

// Reconcile recomputes the balance from the seed and the transaction log and
// reports whether the cached row agrees with it.
func (l *Ledger) Reconcile(ctx context.Context, tenantID string) (bool, error) {
	balance, err := l.GetBalance(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if balance == nil {
		return false, apperrors.NotFound("credit balance", tenantID)
	}

	txns, err := l.ListTransactions(ctx, tenantID)
	if err != nil {
		return false, err
	}
	var sum int64
	for _, t := range txns {
		sum += t.SignedAmount()
	}
	consistent := balance.AvailableCredits == balance.SeedCredits+sum &&
		balance.AvailableCredits == balance.TotalCredits-balance.UsedCredits
	return consistent, nil
}
