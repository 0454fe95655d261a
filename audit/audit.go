package audit

import (
	"context"
	"fmt"

	"schoolhub/logger"
	"schoolhub/metrics"
	"schoolhub/models"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Actions recorded by the portal.
const (
	ActionLogin           = "admin.login"
	ActionTenantCreate    = "tenant.create"
	ActionTenantUpdate    = "tenant.update"
	ActionTenantArchive   = "tenant.archive"
	ActionTenantPurge     = "tenant.purge"
	ActionKeysRotate      = "tenant.rotate_keys"
	ActionKeysReveal      = "tenant.reveal_keys"
	ActionUsageReset      = "tenant.reset_usage"
	ActionCreditsAdjust   = "credits.adjust"
	ActionTemplateGrant   = "template.grant"
	ActionTemplateRevoke  = "template.revoke"
	ActionSubscriptionSet = "subscription.update"
	ActionInvoiceGenerate = "invoice.generate"
	ActionInvoicePay      = "invoice.pay"
	ActionBillingRun      = "billing.run"
	ActionOnboard         = "provisioning.onboard"
	ActionRemoteRetry     = "provisioning.retry"
	ActionConnectionSet   = "connection.configure"
	ActionSchemaSetup     = "schema.setup"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Entry is one action to record. AdminID is nil for system actions and
// TenantID is nil for global ones.
type Entry struct {
	AdminID      *uint
	TenantID     *string
	Action       string
	ResourceType string
	ResourceID   string
	Details      map[string]interface{}
	IPAddress    string
	UserAgent    string
}

// Service appends to and queries the audit log. Entries are never updated
// or deleted.
type Service struct {
	db      *gorm.DB
	metrics *metrics.Metrics
}

func NewService(db *gorm.DB, m *metrics.Metrics) *Service {
	if m == nil {
		m = metrics.New()
	}
	return &Service{db: db, metrics: m}
}

func (s *Service) Record(ctx context.Context, e Entry) (*models.AuditLogEntry, error) {
	entry := models.AuditLogEntry{
		AdminID:      e.AdminID,
		TenantID:     e.TenantID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Details:      datatypes.JSONMap(e.Details),
		IPAddress:    e.IPAddress,
		UserAgent:    e.UserAgent,
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		logger.FromContext(ctx).Error("Failed to write audit entry", zap.String("action", e.Action), zap.Error(err))
		return nil, fmt.Errorf("failed to write audit entry: %w", err)
	}
	s.metrics.AuditEntriesWritten.Inc()
	return &entry, nil
}

type Filter struct {
	TenantID string
	Action   string
	AdminID  *uint
	Limit    int
}

// List returns matching entries newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]models.AuditLogEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	q := s.db.WithContext(ctx).Model(&models.AuditLogEntry{})
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.AdminID != nil {
		q = q.Where("admin_id = ?", *f.AdminID)
	}

	entries := []models.AuditLogEntry{}
	if err := q.Order("created_at desc").Order("id desc").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}
