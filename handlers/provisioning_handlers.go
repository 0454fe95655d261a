package handlers

import (
	"errors"
	"net/http"

	"schoolhub/apperrors"
	"schoolhub/audit"
	"schoolhub/provisioning"

	"github.com/gin-gonic/gin"
)

// Onboard provisions a school end to end. Best-effort failures still answer
// 200 with the step breakdown; a failed mandatory step answers 500 with the
// partial result.
func (h *Handler) Onboard(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "Onboard")
	defer span.End()

	var in provisioning.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		bindError(c, span, err)
		return
	}
	span.SetAttributes(map[string]interface{}{"school_name": in.SchoolName, "plan_id": in.PlanID})

	result, err := h.Orchestrator.Onboard(ctx, in)
	if result != nil && result.SchoolID != "" {
		h.record(c, result.SchoolID, audit.ActionOnboard, "school", result.SchoolID, map[string]interface{}{
			"complete": result.Complete,
			"failed":   err != nil,
		})
	}

	var provErr *apperrors.ProvisioningError
	if errors.As(err, &provErr) && result != nil {
		span.SetError(err.Error())
		code, status := apperrors.Classify(provErr)
		c.JSON(status, gin.H{"error": code, "message": err.Error(), "result": result})
		return
	}
	if err != nil {
		respondError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) ProvisioningStatus(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "ProvisioningStatus")
	defer span.End()

	report, err := h.Orchestrator.Status(ctx, c.Param("id"))
	if err != nil {
		respondError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type RetryRequest struct {
	PrincipalEmail string `json:"principal_email" binding:"omitempty,email"`
}

func (h *Handler) RetryProvisioning(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "RetryProvisioning")
	defer span.End()

	var req RetryRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, span, err)
			return
		}
	}

	tenantID := c.Param("id")
	result, err := h.Orchestrator.RetryRemoteSetup(ctx, tenantID, req.PrincipalEmail)
	if err != nil {
		respondError(c, span, err)
		return
	}

	h.record(c, tenantID, audit.ActionRemoteRetry, "school", tenantID, map[string]interface{}{"complete": result.Complete})
	c.JSON(http.StatusOK, result)
}
