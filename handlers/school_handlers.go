package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"schoolhub/apperrors"
	"schoolhub/audit"
	"schoolhub/credits"
	"schoolhub/models"
	"schoolhub/registry"

	"github.com/gin-gonic/gin"
)

func (h *Handler) loadTenant(ctx context.Context, tenantID string) (*models.Tenant, error) {
	tenant, err := h.Tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, apperrors.NotFound("school", tenantID)
	}
	return tenant, nil
}

func (h *Handler) ListSchools(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "ListSchools")
	defer span.End()

	tenants, err := h.Tenants.ListAll(ctx)
	if err != nil {
		respondError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schools": tenants, "count": len(tenants)})
}

type CreateSchoolRequest struct {
	Name          string                 `json:"name" binding:"required"`
	Email         string                 `json:"email" binding:"required,email"`
	Phone         string                 `json:"phone"`
	Address       string                 `json:"address"`
	PrincipalName string                 `json:"principal_name"`
	Plan          string                 `json:"plan"`
	CustomDomain  *string                `json:"custom_domain"`
	TrialDays     int                    `json:"trial_days" binding:"gte=0"`
	Features      map[string]interface{} `json:"features"`
	Metadata      map[string]interface{} `json:"metadata"`
}

// SchoolCredentials is returned once, when keys are issued.
type SchoolCredentials struct {
	School    *models.Tenant `json:"school"`
	APIKey    string         `json:"api_key"`
	SecretKey string         `json:"secret_key"`
}

func (h *Handler) CreateSchool(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "CreateSchool")
	defer span.End()

	var req CreateSchoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, span, err)
		return
	}
	span.SetAttributes(map[string]interface{}{"name": req.Name, "plan": req.Plan})

	tenant, err := h.Tenants.Create(ctx, registry.CreateInput{
		Name:          req.Name,
		Email:         req.Email,
		Phone:         req.Phone,
		Address:       req.Address,
		PrincipalName: req.PrincipalName,
		Plan:          req.Plan,
		CustomDomain:  req.CustomDomain,
		TrialDays:     req.TrialDays,
		Features:      req.Features,
		Metadata:      req.Metadata,
	})
	if err != nil {
		respondError(c, span, err)
		return
	}

	h.record(c, tenant.TenantID, audit.ActionTenantCreate, "school", tenant.TenantID, map[string]interface{}{
		"name": tenant.Name,
		"plan": tenant.Plan,
	})
	c.JSON(http.StatusCreated, SchoolCredentials{School: tenant, APIKey: tenant.APIKey, SecretKey: tenant.SecretKey})
}

func (h *Handler) GetSchool(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "GetSchool")
	defer span.End()

	tenant, err := h.loadTenant(ctx, c.Param("id"))
	if err != nil {
		respondError(c, span, err)
		return
	}
	balance, err := h.Ledger.GetBalance(ctx, tenant.TenantID)
	if err != nil {
		respondError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"school": tenant, "credits": balance})
}

type UpdateSchoolRequest struct {
	Name           *string                `json:"name"`
	Email          *string                `json:"email"`
	Phone          *string                `json:"phone"`
	Address        *string                `json:"address"`
	PrincipalName  *string                `json:"principal_name"`
	CustomDomain   *string                `json:"custom_domain"`
	Plan           *string                `json:"plan"`
	Status         *string                `json:"status"`
	TrialExpiresAt *time.Time             `json:"trial_expires_at"`
	MaxStudents    *int                   `json:"max_students"`
	MaxTeachers    *int                   `json:"max_teachers"`
	MaxDocuments   *int                   `json:"max_documents"`
	Features       map[string]interface{} `json:"features"`
	Metadata       map[string]interface{} `json:"metadata"`
}

func (h *Handler) UpdateSchool(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "UpdateSchool")
	defer span.End()

	var req UpdateSchoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, span, err)
		return
	}

	tenantID := c.Param("id")
	tenant, err := h.Tenants.Update(ctx, tenantID, registry.UpdateInput{
		Name:           req.Name,
		Email:          req.Email,
		Phone:          req.Phone,
		Address:        req.Address,
		PrincipalName:  req.PrincipalName,
		CustomDomain:   req.CustomDomain,
		Plan:           req.Plan,
		Status:         req.Status,
		TrialExpiresAt: req.TrialExpiresAt,
		MaxStudents:    req.MaxStudents,
		MaxTeachers:    req.MaxTeachers,
		MaxDocuments:   req.MaxDocuments,
		Features:       req.Features,
		Metadata:       req.Metadata,
	})
	if err != nil {
		respondError(c, span, err)
		return
	}

	details := map[string]interface{}{}
	if req.Status != nil {
		details["status"] = *req.Status
	}
	if req.Plan != nil {
		details["plan"] = *req.Plan
		if _, err := h.Billing.ChangePlan(ctx, tenantID, *req.Plan); err != nil {
			respondError(c, span, err)
			return
		}
	}
	h.record(c, tenantID, audit.ActionTenantUpdate, "school", tenantID, details)
	c.JSON(http.StatusOK, gin.H{"school": tenant})
}

// DeleteSchool archives a school, or removes it with ?purge=true.
func (h *Handler) DeleteSchool(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "DeleteSchool")
	defer span.End()

	tenantID := c.Param("id")
	purge := c.Query("purge") == "true"
	span.SetAttributes(map[string]interface{}{"tenant_id": tenantID, "purge": purge})

	action := audit.ActionTenantArchive
	var err error
	if purge {
		action = audit.ActionTenantPurge
		err = h.Tenants.Purge(ctx, tenantID)
	} else {
		err = h.Tenants.Delete(ctx, tenantID)
	}
	if err != nil {
		respondError(c, span, err)
		return
	}

	h.record(c, tenantID, action, "school", tenantID, nil)
	if purge {
		c.JSON(http.StatusOK, gin.H{"message": "School purged"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "School archived"})
}

func (h *Handler) RotateSchoolKeys(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "RotateSchoolKeys")
	defer span.End()

	tenantID := c.Param("id")
	tenant, err := h.Tenants.RotateKeys(ctx, tenantID)
	if err != nil {
		respondError(c, span, err)
		return
	}

	h.record(c, tenantID, audit.ActionKeysRotate, "school", tenantID, nil)
	c.JSON(http.StatusOK, SchoolCredentials{School: tenant, APIKey: tenant.APIKey, SecretKey: tenant.SecretKey})
}

func (h *Handler) GetCredits(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "GetCredits")
	defer span.End()

	tenant, err := h.loadTenant(ctx, c.Param("id"))
	if err != nil {
		respondError(c, span, err)
		return
	}
	balance, err := h.Ledger.GetBalance(ctx, tenant.TenantID)
	if err != nil {
		respondError(c, span, err)
		return
	}
	if balance == nil {
		respondError(c, span, apperrors.NotFound("credit balance", tenant.TenantID))
		return
	}
	txns, err := h.Ledger.ListTransactions(ctx, tenant.TenantID)
	if err != nil {
		respondError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance, "transactions": txns})
}

type CreditTransactionRequest struct {
	Type        string                 `json:"type" binding:"required,oneof=purchase usage refund bonus"`
	Amount      int64                  `json:"amount" binding:"required,gt=0"`
	Description string                 `json:"description"`
	Reference   *string                `json:"reference"`
	Metadata    map[string]interface{} `json:"metadata"`
}

func (h *Handler) RecordCredits(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "RecordCredits")
	defer span.End()

	var req CreditTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, span, err)
		return
	}

	tenant, err := h.loadTenant(ctx, c.Param("id"))
	if err != nil {
		respondError(c, span, err)
		return
	}
	span.SetAttributes(map[string]interface{}{"tenant_id": tenant.TenantID, "type": req.Type, "amount": req.Amount})

	txn, balance, err := h.Ledger.RecordTransaction(ctx, tenant.TenantID, credits.TransactionInput{
		Type:        req.Type,
		Amount:      req.Amount,
		Description: req.Description,
		Reference:   req.Reference,
		Metadata:    req.Metadata,
	})
	if err != nil {
		respondError(c, span, err)
		return
	}

	h.record(c, tenant.TenantID, audit.ActionCreditsAdjust, "credit_transaction", strconv.FormatUint(uint64(txn.ID), 10), map[string]interface{}{
		"type":   req.Type,
		"amount": req.Amount,
	})
	c.JSON(http.StatusCreated, gin.H{"transaction": txn, "balance": balance})
}

func (h *Handler) ListSchoolTemplates(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "ListSchoolTemplates")
	defer span.End()

	tenant, err := h.loadTenant(ctx, c.Param("id"))
	if err != nil {
		respondError(c, span, err)
		return
	}
	grants, err := h.Templates.List(ctx, tenant.TenantID)
	if err != nil {
		respondError(c, span, err)
		return
	}
	catalog, err := h.Templates.Catalog(ctx)
	if err != nil {
		respondError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"grants": grants, "catalog": catalog})
}

type GrantTemplateRequest struct {
	Config map[string]interface{} `json:"config"`
}

func (h *Handler) GrantTemplate(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "GrantTemplate")
	defer span.End()

	var req GrantTemplateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, span, err)
			return
		}
	}

	tenant, err := h.loadTenant(ctx, c.Param("id"))
	if err != nil {
		respondError(c, span, err)
		return
	}
	templateID := c.Param("templateId")

	grant, err := h.Templates.Grant(ctx, tenant.TenantID, templateID, req.Config)
	if err != nil {
		respondError(c, span, err)
		return
	}

	h.record(c, tenant.TenantID, audit.ActionTemplateGrant, "template", templateID, nil)
	c.JSON(http.StatusOK, gin.H{"grant": grant})
}

func (h *Handler) RevokeTemplate(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "RevokeTemplate")
	defer span.End()

	tenantID := c.Param("id")
	templateID := c.Param("templateId")
	if err := h.Templates.Revoke(ctx, tenantID, templateID); err != nil {
		respondError(c, span, err)
		return
	}

	h.record(c, tenantID, audit.ActionTemplateRevoke, "template", templateID, nil)
	c.JSON(http.StatusOK, gin.H{"message": "Template access revoked"})
}

func (h *Handler) GetSubscription(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "GetSubscription")
	defer span.End()

	tenant, err := h.loadTenant(ctx, c.Param("id"))
	if err != nil {
		respondError(c, span, err)
		return
	}
	sub, err := h.Billing.CurrentSubscription(ctx, tenant.TenantID)
	if err != nil {
		respondError(c, span, err)
		return
	}
	if sub == nil {
		respondError(c, span, apperrors.NotFound("subscription", tenant.TenantID))
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

func (h *Handler) GetUsageLimits(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "GetUsageLimits")
	defer span.End()

	tenant, err := h.loadTenant(ctx, c.Param("id"))
	if err != nil {
		respondError(c, span, err)
		return
	}
	limits, err := h.Billing.CheckUsageLimits(ctx, tenant.TenantID)
	if err != nil {
		respondError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant_id": tenant.TenantID, "limits": limits})
}

// GetSchoolCredentials reveals the school's key pair. Every reveal is audited.
func (h *Handler) GetSchoolCredentials(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "GetSchoolCredentials")
	defer span.End()

	tenant, err := h.loadTenant(ctx, c.Param("id"))
	if err != nil {
		respondError(c, span, err)
		return
	}
	secret, err := h.Tenants.GetSecretKey(ctx, tenant.TenantID)
	if err != nil {
		respondError(c, span, err)
		return
	}

	h.record(c, tenant.TenantID, audit.ActionKeysReveal, "school", tenant.TenantID, nil)
	c.JSON(http.StatusOK, SchoolCredentials{School: tenant, APIKey: tenant.APIKey, SecretKey: secret})
}

func (h *Handler) ResetUsage(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "ResetUsage")
	defer span.End()

	tenant, err := h.loadTenant(ctx, c.Param("id"))
	if err != nil {
		respondError(c, span, err)
		return
	}
	if err := h.Tenants.ResetUsedDocuments(ctx, tenant.TenantID); err != nil {
		respondError(c, span, err)
		return
	}
	h.Tenants.Forget(ctx, tenant.APIKey)

	h.record(c, tenant.TenantID, audit.ActionUsageReset, "school", tenant.TenantID, map[string]interface{}{
		"previous_used_documents": tenant.UsedDocuments,
	})
	c.JSON(http.StatusOK, gin.H{"message": "Document usage reset", "used_documents": 0})
}
