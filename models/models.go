package models

import (
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Plan tiers.
const (
	PlanBasic      = "basic"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

// Tenant statuses.
const (
	TenantStatusTrial     = "trial"
	TenantStatusActive    = "active"
	TenantStatusSuspended = "suspended"
	TenantStatusExpired   = "expired"
	TenantStatusArchived  = "archived"
)

// Tenant is one onboarded school.
type Tenant struct {
	gorm.Model
	TenantID     string  `gorm:"uniqueIndex;not null" json:"tenant_id"`
	Name         string  `gorm:"not null" json:"name"`
	Subdomain    string  `gorm:"uniqueIndex;not null" json:"subdomain"`
	CustomDomain *string `gorm:"uniqueIndex" json:"custom_domain,omitempty"`

	Email         string `gorm:"not null" json:"email"`
	Phone         string `json:"phone,omitempty"`
	Address       string `json:"address,omitempty"`
	PrincipalName string `json:"principal_name,omitempty"`

	Plan           string    `gorm:"not null;default:'basic'" json:"plan"`
	Status         string    `gorm:"not null;default:'trial';index" json:"status"`
	TrialExpiresAt time.Time `json:"trial_expires_at"`

	RemoteProjectID  string `json:"remote_project_id,omitempty"`
	RemoteURL        string `json:"remote_url,omitempty"`
	RemoteConnString string `json:"-"`

	APIKey    string `gorm:"uniqueIndex;not null" json:"api_key"`
	SecretKey string `gorm:"uniqueIndex;not null" json:"-"`

	MaxStudents   int `gorm:"not null;default:0" json:"max_students"`
	MaxTeachers   int `gorm:"not null;default:0" json:"max_teachers"`
	MaxDocuments  int `gorm:"not null;default:0" json:"max_documents"`
	UsedDocuments int `gorm:"not null;default:0" json:"used_documents"`

	Features datatypes.JSONMap `json:"features"`
	Metadata datatypes.JSONMap `json:"metadata"`
}

// HasRemote reports whether the tenant carries enough linkage to reach its
// dedicated store.
func (t *Tenant) HasRemote() bool {
	return t.RemoteConnString != "" || t.RemoteURL != "" || t.RemoteProjectID != ""
}

// Credit reset intervals.
const (
	ResetMonthly = "monthly"
	ResetYearly  = "yearly"
	ResetNever   = "never"
)

// CreditBalance is the cached balance derived from the transaction log.
// AvailableCredits == TotalCredits - UsedCredits after every transaction.
type CreditBalance struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	TenantID         string    `gorm:"uniqueIndex;not null" json:"tenant_id"`
	SeedCredits      int64     `gorm:"not null;default:0" json:"seed_credits"`
	TotalCredits     int64     `gorm:"not null;default:0" json:"total_credits"`
	UsedCredits      int64     `gorm:"not null;default:0" json:"used_credits"`
	AvailableCredits int64     `gorm:"not null;default:0" json:"available_credits"`
	ResetInterval    string    `gorm:"not null;default:'never'" json:"reset_interval"`
	LastResetAt      time.Time `json:"last_reset_at"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Credit transaction types.
const (
	CreditPurchase = "purchase"
	CreditUsage    = "usage"
	CreditRefund   = "refund"
	CreditBonus    = "bonus"
)

// CreditTransaction is an append-only ledger row. Amount is always positive;
// the sign comes from Type.
type CreditTransaction struct {
	ID          uint              `gorm:"primaryKey" json:"id"`
	TenantID    string            `gorm:"index;not null" json:"tenant_id"`
	Type        string            `gorm:"index;not null" json:"type"`
	Amount      int64             `gorm:"not null" json:"amount"`
	Description string            `json:"description"`
	Reference   *string           `gorm:"index" json:"reference,omitempty"`
	Metadata    datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt   time.Time         `gorm:"index" json:"created_at"`
}

// SignedAmount returns the effect of the transaction on the available balance.
func (t CreditTransaction) SignedAmount() int64 {
	if t.Type == CreditUsage {
		return -t.Amount
	}
	return t.Amount
}

// DocumentTemplate is an entry of the document template catalog.
type DocumentTemplate struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	TemplateID  string    `gorm:"uniqueIndex;not null" json:"template_id"`
	Name        string    `gorm:"not null" json:"name"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	IsPremium   bool      `gorm:"default:false" json:"is_premium"`
	CreatedAt   time.Time `json:"created_at"`
}

// TemplateGrant records which templates a tenant may use.
type TemplateGrant struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	TenantID   string            `gorm:"not null;uniqueIndex:idx_tenant_template" json:"tenant_id"`
	TemplateID string            `gorm:"not null;uniqueIndex:idx_tenant_template" json:"template_id"`
	IsEnabled  bool              `gorm:"not null" json:"is_enabled"`
	Config     datatypes.JSONMap `json:"config,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// SubscriptionPlan describes a plan tier, its price, quotas and features.
type SubscriptionPlan struct {
	gorm.Model
	PlanID       string            `gorm:"uniqueIndex;not null" json:"plan_id"`
	Name         string            `gorm:"not null" json:"name"`
	Description  string            `json:"description"`
	Price        float64           `gorm:"not null" json:"price"`
	Currency     string            `gorm:"not null;default:'USD'" json:"currency"`
	Interval     string            `gorm:"not null;default:'monthly'" json:"interval"`
	MaxStudents  int               `json:"max_students"`
	MaxTeachers  int               `json:"max_teachers"`
	MaxStorageMB int               `json:"max_storage_mb"`
	MaxDocuments int               `json:"max_documents"`
	Features     datatypes.JSONMap `json:"features"`
}

// Subscription statuses.
const (
	SubscriptionTrial    = "trial"
	SubscriptionActive   = "active"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
)

// Subscription is the billing state of a tenant. One non-canceled row per
// tenant at a time.
type Subscription struct {
	gorm.Model
	TenantID               string     `gorm:"index;not null" json:"tenant_id"`
	PlanID                 string     `gorm:"not null" json:"plan_id"`
	Status                 string     `gorm:"index;not null" json:"status"`
	CurrentPeriodStart     time.Time  `gorm:"not null" json:"current_period_start"`
	CurrentPeriodEnd       time.Time  `gorm:"not null;index" json:"current_period_end"`
	TrialEnd               *time.Time `json:"trial_end,omitempty"`
	CancelAtPeriodEnd      bool       `gorm:"default:false" json:"cancel_at_period_end"`
	ExternalCustomerID     string     `json:"external_customer_id,omitempty"`
	ExternalSubscriptionID string     `json:"external_subscription_id,omitempty"`
}

// Invoice statuses.
const (
	InvoicePending = "pending"
	InvoicePaid    = "paid"
	InvoiceVoid    = "void"
)

// Invoice is one billing document for a subscription period. The
// (subscription, period start) pair is unique.
type Invoice struct {
	gorm.Model
	InvoiceNumber  string     `gorm:"uniqueIndex;not null" json:"invoice_number"`
	SubscriptionID uint       `gorm:"not null;uniqueIndex:idx_invoice_period" json:"subscription_id"`
	TenantID       string     `gorm:"index;not null" json:"tenant_id"`
	Amount         float64    `gorm:"not null" json:"amount"`
	Currency       string     `gorm:"not null;default:'USD'" json:"currency"`
	Status         string     `gorm:"not null;default:'pending'" json:"status"`
	PeriodStart    time.Time  `gorm:"not null;uniqueIndex:idx_invoice_period" json:"period_start"`
	PeriodEnd      time.Time  `gorm:"not null" json:"period_end"`
	IssueDate      time.Time  `gorm:"not null" json:"issue_date"`
	DueDate        time.Time  `gorm:"not null" json:"due_date"`
	PaidAt         *time.Time `json:"paid_at,omitempty"`
}

// Payment settles an invoice.
type Payment struct {
	gorm.Model
	InvoiceID     uint      `gorm:"not null;index" json:"invoice_id"`
	TenantID      string    `gorm:"index;not null" json:"tenant_id"`
	Amount        float64   `gorm:"not null" json:"amount"`
	Currency      string    `gorm:"not null;default:'USD'" json:"currency"`
	PaymentDate   time.Time `gorm:"not null" json:"payment_date"`
	TransactionID string    `gorm:"unique;not null" json:"transaction_id"`
	PaymentMethod string    `json:"payment_method"`
}

// Usage metrics.
const (
	MetricDocumentsGenerated = "documents_generated"
	MetricStudents           = "students"
	MetricTeachers           = "teachers"
	MetricStorage            = "storage"
)

// UsageRecord is a point-in-time usage report from a tenant.
type UsageRecord struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	TenantID   string            `gorm:"index:idx_usage_lookup;not null" json:"tenant_id"`
	Metric     string            `gorm:"index:idx_usage_lookup;not null" json:"metric"`
	Value      int64             `gorm:"not null" json:"value"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`
	RecordedAt time.Time         `gorm:"index:idx_usage_lookup;not null" json:"recorded_at"`
}

// ErrImmutable is returned when code tries to modify an audit entry.
var ErrImmutable = errors.New("audit log entries are immutable")

// AuditLogEntry is an immutable record of an administrative action.
type AuditLogEntry struct {
	ID           uint              `gorm:"primaryKey" json:"id"`
	AdminID      *uint             `gorm:"index" json:"admin_id,omitempty"`
	TenantID     *string           `gorm:"index" json:"tenant_id,omitempty"`
	Action       string            `gorm:"index;not null" json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	Details      datatypes.JSONMap `json:"details,omitempty"`
	IPAddress    string            `json:"ip_address,omitempty"`
	UserAgent    string            `json:"user_agent,omitempty"`
	CreatedAt    time.Time         `gorm:"index" json:"created_at"`
}

func (AuditLogEntry) BeforeUpdate(*gorm.DB) error { return ErrImmutable }

func (AuditLogEntry) BeforeDelete(*gorm.DB) error { return ErrImmutable }

// PortalAdmin is a developer/super-admin account of the portal.
type PortalAdmin struct {
	gorm.Model
	Email        string     `gorm:"uniqueIndex;not null" json:"email"`
	Name         string     `json:"name"`
	PasswordHash string     `gorm:"not null" json:"-"`
	Role         string     `gorm:"not null;default:'admin'" json:"role"`
	IsActive     bool       `gorm:"not null" json:"is_active"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// All lists every control-plane model in migration order.
func All() []interface{} {
	return []interface{}{
		&PortalAdmin{},
		&Tenant{},
		&CreditBalance{},
		&CreditTransaction{},
		&DocumentTemplate{},
		&TemplateGrant{},
		&SubscriptionPlan{},
		&Subscription{},
		&Invoice{},
		&Payment{},
		&UsageRecord{},
		&AuditLogEntry{},
	}
}
