package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SchoolInfo describes the calling school to itself.
func (h *Handler) SchoolInfo(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "SchoolInfo")
	defer span.End()

	tenant := currentTenant(c)
	balance, err := h.Ledger.GetBalance(ctx, tenant.TenantID)
	if err != nil {
		respondError(c, span, err)
		return
	}
	sub, err := h.Billing.CurrentSubscription(ctx, tenant.TenantID)
	if err != nil {
		respondError(c, span, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"school": gin.H{
			"tenant_id":        tenant.TenantID,
			"name":             tenant.Name,
			"subdomain":        tenant.Subdomain,
			"custom_domain":    tenant.CustomDomain,
			"plan":             tenant.Plan,
			"status":           tenant.Status,
			"trial_expires_at": tenant.TrialExpiresAt,
			"max_students":     tenant.MaxStudents,
			"max_teachers":     tenant.MaxTeachers,
			"max_documents":    tenant.MaxDocuments,
			"used_documents":   tenant.UsedDocuments,
			"features":         tenant.Features,
		},
		"credits":      balance,
		"subscription": sub,
	})
}

type ReportUsageRequest struct {
	Metric   string                 `json:"metric" binding:"required"`
	Value    int64                  `json:"value"`
	Metadata map[string]interface{} `json:"metadata"`
}

// ReportUsage records a usage value. Generated documents are paid for in
// credits; a school without enough credits gets 402.
func (h *Handler) ReportUsage(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "ReportUsage")
	defer span.End()

	var req ReportUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, span, err)
		return
	}

	result, err := h.Usage.Report(ctx, currentTenant(c), req.Metric, req.Value, req.Metadata)
	if err != nil {
		respondError(c, span, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *Handler) FeatureAccess(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "FeatureAccess")
	defer span.End()

	key := c.Param("key")
	tenant := currentTenant(c)
	c.JSON(http.StatusOK, gin.H{
		"feature": key,
		"enabled": h.Billing.HasFeatureAccess(ctx, tenant.TenantID, key),
	})
}

// SchoolTemplates lists the templates the calling school may use.
func (h *Handler) SchoolTemplates(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "SchoolTemplates")
	defer span.End()

	grants, err := h.Templates.List(ctx, currentTenant(c).TenantID)
	if err != nil {
		respondError(c, span, err)
		return
	}
	enabled := grants[:0]
	for _, g := range grants {
		if g.IsEnabled {
			enabled = append(enabled, g)
		}
	}
	c.JSON(http.StatusOK, gin.H{"templates": enabled})
}

func (h *Handler) SchoolTemplateAccess(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "SchoolTemplateAccess")
	defer span.End()

	templateID := c.Param("templateId")
	granted, err := h.Templates.IsGranted(ctx, currentTenant(c).TenantID, templateID)
	if err != nil {
		respondError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"template_id": templateID, "granted": granted})
}
