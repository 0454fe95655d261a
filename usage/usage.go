package usage

import (
	"context"
	"fmt"

	"schoolhub/apperrors"
	"schoolhub/billing"
	"schoolhub/credits"
	"schoolhub/logger"
	"schoolhub/models"
	"schoolhub/registry"
	"schoolhub/tracing"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Result is what a tenant sees after reporting usage.
type Result struct {
	Metric           string                `json:"metric"`
	Value            int64                 `json:"value"`
	Record           *models.UsageRecord   `json:"record"`
	Balance          *models.CreditBalance `json:"balance,omitempty"`
	UsedDocuments    int                   `json:"used_documents,omitempty"`
	DocumentsOverCap bool                  `json:"documents_over_cap,omitempty"`
}

// Service takes usage reports from tenants. Generated documents cost one
// credit each.
type Service struct {
	db      *gorm.DB
	ledger  *credits.Ledger
	tracker *billing.Tracker
	tenants *registry.Service
	tracer  tracing.Tracer
}

func NewService(db *gorm.DB, ledger *credits.Ledger, tracker *billing.Tracker, tenants *registry.Service, tracer tracing.Tracer) *Service {
	return &Service{db: db, ledger: ledger, tracker: tracker, tenants: tenants, tracer: tracing.OrNoop(tracer)}
}

// Report records one usage value. For documents_generated the credit debit,
// the used-documents increment and the usage row commit together, and an
// InsufficientCreditsError leaves all three untouched.
func (s *Service) Report(ctx context.Context, tenant *models.Tenant, metric string, value int64, metadata map[string]interface{}) (*Result, error) {
	ctx, span := s.tracer.StartSpan(ctx, "usage.Report")
	defer span.End()
	span.SetAttributes(map[string]interface{}{"tenant_id": tenant.TenantID, "metric": metric, "value": value})

	if metric == "" {
		return nil, apperrors.Validation("metric", "required")
	}

	if metric != models.MetricDocumentsGenerated {
		record, err := s.tracker.RecordUsage(ctx, tenant.TenantID, metric, value, metadata)
		if err != nil {
			span.SetError(err.Error())
			return nil, err
		}
		return &Result{Metric: metric, Value: value, Record: record}, nil
	}

	if value <= 0 {
		return nil, apperrors.Validation("value", "must be a positive integer")
	}

	result := &Result{Metric: metric, Value: value}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, balance, err := s.ledger.WithTx(tx).RecordTransaction(ctx, tenant.TenantID, credits.TransactionInput{
			Type:        models.CreditUsage,
			Amount:      value,
			Description: fmt.Sprintf("%d document(s) generated", value),
			Metadata:    metadata,
		})
		if err != nil {
			return err
		}
		result.Balance = balance

		if err := s.tenants.IncrementUsedDocuments(ctx, tx, tenant.TenantID, int(value)); err != nil {
			return err
		}
		record, err := s.tracker.WithTx(tx).RecordUsage(ctx, tenant.TenantID, metric, value, metadata)
		if err != nil {
			return err
		}
		result.Record = record

		var used []int
		if err := tx.Model(&models.Tenant{}).Where("tenant_id = ?", tenant.TenantID).Pluck("used_documents", &used).Error; err != nil {
			return err
		}
		if len(used) == 1 {
			result.UsedDocuments = used[0]
		}
		return nil
	})
	if err != nil {
		span.SetError(err.Error())
		return nil, err
	}

	s.tenants.Forget(ctx, tenant.APIKey)
	result.DocumentsOverCap = tenant.MaxDocuments > 0 && result.UsedDocuments > tenant.MaxDocuments
	if result.DocumentsOverCap {
		logger.FromContext(ctx).Warn("Tenant is over its document quota",
			zap.String("tenant_id", tenant.TenantID),
			zap.Int("used", result.UsedDocuments),
			zap.Int("max", tenant.MaxDocuments),
		)
	}
	return result, nil
}
