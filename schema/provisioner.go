package schema

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"schoolhub/apperrors"
	"schoolhub/database"
	"schoolhub/logger"
	"schoolhub/tenantdb"
	"schoolhub/tracing"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type table struct {
	name  string
	model interface{}
}

// tableCatalog is every table a tenant store must carry, in creation order.
var tableCatalog = []table{
	{"users", &User{}},
	{"classes", &Class{}},
	{"students", &Student{}},
	{"teachers", &Teacher{}},
	{"subjects", &Subject{}},
	{"attendance", &Attendance{}},
	{"fees", &Fee{}},
	{"exams", &Exam{}},
	{"results", &Result{}},
	{"library_books", &LibraryBook{}},
	{"library_issues", &LibraryIssue{}},
	{"events", &Event{}},
	{"notifications", &Notification{}},
	{"timetables", &Timetable{}},
	{"storage_buckets", &StorageBucket{}},
	{"storage_policies", &StoragePolicy{}},
}

// TableNames lists the tenant tables in creation order.
func TableNames() []string {
	names := make([]string, len(tableCatalog))
	for i, t := range tableCatalog {
		names[i] = t.name
	}
	return names
}

// BucketNames lists the tenant storage buckets.
func BucketNames() []string {
	names := make([]string, len(bucketCatalog))
	for i, b := range bucketCatalog {
		names[i] = b.name
	}
	return names
}

type bucket struct {
	name   string
	public bool
}

var bucketCatalog = []bucket{
	{"photos", true},
	{"documents", false},
	{"certificates", false},
	{"exam-papers", false},
	{"library-covers", true},
}

// Policies are the baseline storage grants. Exam papers are read-only for
// teachers.
func Policies() []StoragePolicy {
	policies := []StoragePolicy{}
	for _, b := range bucketCatalog {
		policies = append(policies,
			StoragePolicy{Name: b.name + "_admin_all", Bucket: b.name, Role: "admin", Action: "all"},
			StoragePolicy{Name: b.name + "_teacher_read", Bucket: b.name, Role: "teacher", Action: "read"},
		)
		if b.name != "exam-papers" {
			policies = append(policies, StoragePolicy{Name: b.name + "_teacher_write", Bucket: b.name, Role: "teacher", Action: "write"})
		}
		if b.public {
			policies = append(policies, StoragePolicy{Name: b.name + "_public_read", Bucket: b.name, Role: "public", Action: "read"})
		}
	}
	return policies
}

// DefaultClasses seeds the class list.
func DefaultClasses() []Class {
	classes := []Class{
		{Name: "Nursery", Section: "A", Grade: -2},
		{Name: "LKG", Section: "A", Grade: -1},
		{Name: "UKG", Section: "A", Grade: 0},
	}
	for g := 1; g <= 12; g++ {
		classes = append(classes, Class{Name: fmt.Sprintf("Class %d", g), Section: "A", Grade: g})
	}
	return classes
}

// SystemUserEmail is the seeded, login-disabled account that owns automated
// records.
const SystemUserEmail = "system@schoolhub.local"

// SetupResult reports every artifact setup touched. Success is true when
// Errors is empty.
type SetupResult struct {
	Success         bool     `json:"success"`
	TablesCreated   []string `json:"tables_created"`
	BucketsCreated  []string `json:"buckets_created"`
	PoliciesCreated []string `json:"policies_created"`
	SeedsApplied    []string `json:"seeds_applied"`
	Errors          []string `json:"errors"`
}

// Provisioner lays down the tenant-side schema, storage and seeds.
type Provisioner struct {
	buckets BucketStore
	tracer  tracing.Tracer
}

func NewProvisioner(buckets BucketStore, tracer tracing.Tracer) *Provisioner {
	if buckets == nil {
		buckets = DBBuckets{}
	}
	return &Provisioner{buckets: buckets, tracer: tracing.OrNoop(tracer)}
}

// SetupCompleteSchema attempts every table, bucket, policy and seed on its
// own and never stops early. Existing artifacts count as created, so running
// it twice gives the same result.
func (p *Provisioner) SetupCompleteSchema(ctx context.Context, h *tenantdb.Handle) *SetupResult {
	ctx, span := p.tracer.StartSpan(ctx, "schema.SetupCompleteSchema")
	defer span.End()
	log := logger.FromContext(ctx).With(zap.String("tenant_id", h.TenantID))

	result := &SetupResult{
		TablesCreated:   []string{},
		BucketsCreated:  []string{},
		PoliciesCreated: []string{},
		SeedsApplied:    []string{},
		Errors:          []string{},
	}
	record := func(kind, artifact string, err error) bool {
		if err == nil || database.IsAlreadyExists(err) {
			return true
		}
		setupErr := &apperrors.SchemaSetupError{Artifact: artifact, Kind: kind, Err: err}
		result.Errors = append(result.Errors, setupErr.Error())
		log.Warn("Schema artifact failed", zap.String("kind", kind), zap.String("artifact", artifact), zap.Error(err))
		return false
	}

	db := h.DB.WithContext(ctx)
	for _, t := range tableCatalog {
		if record("table", t.name, db.AutoMigrate(t.model)) {
			result.TablesCreated = append(result.TablesCreated, t.name)
		}
	}

	for _, b := range bucketCatalog {
		if record("bucket", b.name, p.buckets.EnsureBucket(ctx, h, b.name, b.public)) {
			result.BucketsCreated = append(result.BucketsCreated, b.name)
		}
	}

	for _, policy := range Policies() {
		err := db.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).Create(&policy).Error
		if record("policy", policy.Name, err) {
			result.PoliciesCreated = append(result.PoliciesCreated, policy.Name)
		}
	}

	classes := DefaultClasses()
	err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&classes).Error
	if record("seed", "classes", err) {
		result.SeedsApplied = append(result.SeedsApplied, "classes")
	}

	system := User{Email: SystemUserEmail, Name: "System", Role: "system", PasswordHash: "!", IsActive: false}
	err = db.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "email"}}, DoNothing: true}).Create(&system).Error
	if record("seed", "system_user", err) {
		result.SeedsApplied = append(result.SeedsApplied, "system_user")
	}

	result.Success = len(result.Errors) == 0
	span.SetAttributes(map[string]interface{}{
		"tables":   len(result.TablesCreated),
		"buckets":  len(result.BucketsCreated),
		"policies": len(result.PoliciesCreated),
		"errors":   len(result.Errors),
	})
	if !result.Success {
		span.SetError(strings.Join(result.Errors, "; "))
	}
	log.Info("Tenant schema setup finished",
		zap.Bool("success", result.Success),
		zap.Int("tables", len(result.TablesCreated)),
		zap.Int("errors", len(result.Errors)),
	)
	return result
}

// VerifySchema returns the catalog tables that cannot be queried.
func (p *Provisioner) VerifySchema(ctx context.Context, h *tenantdb.Handle) []string {
	missing := []string{}
	for _, t := range tableCatalog {
		var n int64
		if err := h.DB.WithContext(ctx).Table(t.name).Count(&n).Error; err != nil {
			missing = append(missing, t.name)
		}
	}
	return missing
}

// AdminIdentity is the tenant's first administrator. TemporaryPassword is
// only set when the account was created by this call.
type AdminIdentity struct {
	UserID            uint   `json:"user_id"`
	Email             string `json:"email"`
	TemporaryPassword string `json:"temporary_password,omitempty"`
	Existing          bool   `json:"existing"`
}

// CreateAdminIdentity adds an admin user with a random temporary password
// that must be changed on first login. An existing account is returned as is.
func (p *Provisioner) CreateAdminIdentity(ctx context.Context, h *tenantdb.Handle, email, name string) (*AdminIdentity, error) {
	ctx, span := p.tracer.StartSpan(ctx, "schema.CreateAdminIdentity")
	defer span.End()

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, apperrors.Validation("email", "required")
	}

	var existing User
	err := h.DB.WithContext(ctx).Where("email = ?", email).First(&existing).Error
	if err == nil {
		return &AdminIdentity{UserID: existing.ID, Email: email, Existing: true}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		span.SetError(err.Error())
		return nil, fmt.Errorf("failed to look up admin user: %w", err)
	}

	password := temporaryPassword()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	user := User{
		Email:              email,
		Name:               name,
		Role:               "admin",
		PasswordHash:       string(hash),
		MustChangePassword: true,
		IsActive:           true,
	}
	if err := h.DB.WithContext(ctx).Create(&user).Error; err != nil {
		span.SetError(err.Error())
		return nil, fmt.Errorf("failed to create admin user: %w", err)
	}
	return &AdminIdentity{UserID: user.ID, Email: email, TemporaryPassword: password}, nil
}

func temporaryPassword() string {
	b := make([]byte, 12)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
