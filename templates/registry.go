package templates

import (
	"context"
	"errors"
	"fmt"

	"schoolhub/apperrors"
	"schoolhub/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Registry manages which document templates each tenant may use.
type Registry struct {
	db *gorm.DB
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// Catalog lists every known template.
func (r *Registry) Catalog(ctx context.Context) ([]models.DocumentTemplate, error) {
	templates := []models.DocumentTemplate{}
	if err := r.db.WithContext(ctx).Order("template_id").Find(&templates).Error; err != nil {
		return nil, fmt.Errorf("failed to load template catalog: %w", err)
	}
	return templates, nil
}

func (r *Registry) template(ctx context.Context, templateID string) error {
	var tpl models.DocumentTemplate
	err := r.db.WithContext(ctx).Where("template_id = ?", templateID).First(&tpl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NotFound("template", templateID)
	}
	return err
}

// Grant enables templateID for the tenant, replacing any previous config.
// Granting twice updates the existing row.
func (r *Registry) Grant(ctx context.Context, tenantID, templateID string, config map[string]interface{}) (*models.TemplateGrant, error) {
	if err := r.template(ctx, templateID); err != nil {
		return nil, err
	}

	grant := models.TemplateGrant{
		TenantID:   tenantID,
		TemplateID: templateID,
		IsEnabled:  true,
		Config:     datatypes.JSONMap(config),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "template_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_enabled", "config", "updated_at"}),
	}).Create(&grant).Error
	if err != nil {
		return nil, fmt.Errorf("failed to grant template: %w", err)
	}
	return r.get(ctx, tenantID, templateID)
}

// Revoke disables the grant. The row and its config are kept.
func (r *Registry) Revoke(ctx context.Context, tenantID, templateID string) error {
	res := r.db.WithContext(ctx).Model(&models.TemplateGrant{}).
		Where("tenant_id = ? AND template_id = ?", tenantID, templateID).
		Update("is_enabled", false)
	if res.Error != nil {
		return fmt.Errorf("failed to revoke template: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NotFound("template grant", templateID)
	}
	return nil
}

// List returns the tenant's grants, enabled or not.
func (r *Registry) List(ctx context.Context, tenantID string) ([]models.TemplateGrant, error) {
	grants := []models.TemplateGrant{}
	err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("template_id").Find(&grants).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list template grants: %w", err)
	}
	return grants, nil
}

// IsGranted reports whether the tenant holds an enabled grant.
func (r *Registry) IsGranted(ctx context.Context, tenantID, templateID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.TemplateGrant{}).
		Where("tenant_id = ? AND template_id = ? AND is_enabled = ?", tenantID, templateID, true).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check template grant: %w", err)
	}
	return count > 0, nil
}

// GrantPlanDefaults grants every catalog template whose id is a truthy key in
// the plan feature map.
func (r *Registry) GrantPlanDefaults(ctx context.Context, tenantID string, features map[string]interface{}) ([]string, error) {
	catalog, err := r.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	granted := []string{}
	for _, tpl := range catalog {
		if enabled, _ := features[tpl.TemplateID].(bool); !enabled {
			continue
		}
		if _, err := r.Grant(ctx, tenantID, tpl.TemplateID, nil); err != nil {
			return granted, err
		}
		granted = append(granted, tpl.TemplateID)
	}
	return granted, nil
}

func (r *Registry) get(ctx context.Context, tenantID, templateID string) (*models.TemplateGrant, error) {
	var grant models.TemplateGrant
	err := r.db.WithContext(ctx).Where("tenant_id = ? AND template_id = ?", tenantID, templateID).First(&grant).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load template grant: %w", err)
	}
	return &grant, nil
}
