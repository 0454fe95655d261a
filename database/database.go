package database

import (
	"errors"
	"fmt"
	"strings"

	"schoolhub/config"
	"schoolhub/models"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open returns a dialector for the configured driver.
func Open(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "postgres", "":
		return postgres.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Connect opens the control-plane database.
func Connect(cfg config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	dialector, err := Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel(cfg.LogLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)

	log.Info("Connected to database", zap.String("driver", cfg.Driver))
	return db, nil
}

func logLevel(level string) gormlogger.LogLevel {
	switch level {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "info":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}

// Migrate creates or updates every control-plane table and seeds the plan
// and template catalogs.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("failed to auto migrate database: %w", err)
	}
	return Seed(db)
}

// Reset drops all tables and re-runs migrations.
// This is primarily for development/testing purposes.
func Reset(db *gorm.DB) error {
	if err := db.Migrator().DropTable(models.All()...); err != nil {
		return fmt.Errorf("failed to drop tables: %w", err)
	}
	return Migrate(db)
}

// Seed inserts the default plans and document templates if they are missing.
func Seed(db *gorm.DB) error {
	for _, plan := range DefaultPlans() {
		p := plan
		if err := db.Where("plan_id = ?", p.PlanID).FirstOrCreate(&p).Error; err != nil {
			return fmt.Errorf("failed to seed plan %s: %w", p.PlanID, err)
		}
	}
	for _, tpl := range DefaultTemplates() {
		t := tpl
		if err := db.Where("template_id = ?", t.TemplateID).FirstOrCreate(&t).Error; err != nil {
			return fmt.Errorf("failed to seed template %s: %w", t.TemplateID, err)
		}
	}
	return nil
}

// DefaultPlans is the plan catalog.
func DefaultPlans() []models.SubscriptionPlan {
	return []models.SubscriptionPlan{
		{
			PlanID:       models.PlanBasic,
			Name:         "Basic",
			Description:  "Core documents for small schools",
			Price:        29,
			Currency:     "USD",
			Interval:     "monthly",
			MaxStudents:  500,
			MaxTeachers:  50,
			MaxStorageMB: 1024,
			MaxDocuments: 1000,
			Features: datatypes.JSONMap{
				"id_card":     true,
				"admit_card":  true,
				"certificate": true,
			},
		},
		{
			PlanID:       models.PlanPro,
			Name:         "Pro",
			Description:  "Full document suite with bulk generation",
			Price:        79,
			Currency:     "USD",
			Interval:     "monthly",
			MaxStudents:  2000,
			MaxTeachers:  200,
			MaxStorageMB: 10240,
			MaxDocuments: 10000,
			Features: datatypes.JSONMap{
				"id_card":         true,
				"admit_card":      true,
				"certificate":     true,
				"marksheet":       true,
				"salary_slip":     true,
				"fee_receipt":     true,
				"bulk_generation": true,
			},
		},
		{
			PlanID:       models.PlanEnterprise,
			Name:         "Enterprise",
			Description:  "Unlimited templates, custom domain and API access",
			Price:        199,
			Currency:     "USD",
			Interval:     "monthly",
			MaxStudents:  10000,
			MaxTeachers:  1000,
			MaxStorageMB: 102400,
			MaxDocuments: 100000,
			Features: datatypes.JSONMap{
				"id_card":          true,
				"admit_card":       true,
				"certificate":      true,
				"marksheet":        true,
				"salary_slip":      true,
				"fee_receipt":      true,
				"class_routine":    true,
				"bulk_generation":  true,
				"custom_domain":    true,
				"api_access":       true,
				"priority_support": true,
			},
		},
	}
}

// DefaultTemplates is the document template catalog.
func DefaultTemplates() []models.DocumentTemplate {
	return []models.DocumentTemplate{
		{TemplateID: "id_card", Name: "Student ID Card", Category: "identity"},
		{TemplateID: "admit_card", Name: "Admit Card", Category: "exams"},
		{TemplateID: "certificate", Name: "Certificate", Category: "academic"},
		{TemplateID: "marksheet", Name: "Marksheet", Category: "exams", IsPremium: true},
		{TemplateID: "salary_slip", Name: "Salary Slip", Category: "finance", IsPremium: true},
		{TemplateID: "fee_receipt", Name: "Fee Receipt", Category: "finance", IsPremium: true},
		{TemplateID: "class_routine", Name: "Class Routine", Category: "academic", IsPremium: true},
	}
}

// IsAlreadyExists reports whether err is a duplicate-object error from
// postgres or sqlite.
func IsAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return containsAny(err.Error(), "already exists", "UNIQUE constraint failed", "duplicate key value")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
