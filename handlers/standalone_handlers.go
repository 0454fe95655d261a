package handlers

import (
	"net/http"

	"schoolhub/apperrors"
	"schoolhub/audit"
	"schoolhub/tenantdb"

	"github.com/gin-gonic/gin"
)

type ConnectionRequest struct {
	ProjectID        string `json:"project_id"`
	URL              string `json:"url"`
	ConnectionString string `json:"connection_string" binding:"required"`
}

// SetConnection stores a school's own database linkage and opens it.
func (h *Handler) SetConnection(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "SetConnection")
	defer span.End()

	var req ConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, span, err)
		return
	}

	tenantID := c.Param("id")
	if err := h.Tenants.SetRemoteConfig(ctx, tenantID, req.ProjectID, req.URL, req.ConnectionString); err != nil {
		respondError(c, span, err)
		return
	}
	tenant, err := h.loadTenant(ctx, tenantID)
	if err != nil {
		respondError(c, span, err)
		return
	}
	cfg, err := h.Manager.RegisterTenant(ctx, tenant)
	if err != nil {
		respondError(c, span, err)
		return
	}

	h.record(c, tenantID, audit.ActionConnectionSet, "school", tenantID, map[string]interface{}{
		"project_id": cfg.ProjectID,
		"url":        cfg.URL,
	})
	c.JSON(http.StatusOK, gin.H{"message": "Connection configured", "config": cfg})
}

func (h *Handler) adminHandle(c *gin.Context) (*tenantdb.Handle, error) {
	tenant, err := h.loadTenant(c.Request.Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	handle, ok := h.Manager.GetAdminClient(c.Request.Context(), tenant.TenantID, nil)
	if !ok {
		return nil, &apperrors.ConfigurationError{TenantID: tenant.TenantID, Reason: "tenant store is not reachable"}
	}
	return handle, nil
}

// TestConnection pings the school's store. An unreachable store is reported
// in the body, not as an error status.
func (h *Handler) TestConnection(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "TestConnection")
	defer span.End()

	tenant, err := h.loadTenant(ctx, c.Param("id"))
	if err != nil {
		respondError(c, span, err)
		return
	}

	handle, ok := h.Manager.GetClient(ctx, tenant.TenantID, nil)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"connected": false, "error": "no usable connection configured"})
		return
	}
	sqlDB, err := handle.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		span.SetError(err.Error())
		c.JSON(http.StatusOK, gin.H{"connected": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connected": true})
}

// SetupSchema creates the school's tables, buckets, policies and seeds. The
// breakdown is returned with 200 even when some parts failed.
func (h *Handler) SetupSchema(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "SetupSchema")
	defer span.End()

	handle, err := h.adminHandle(c)
	if err != nil {
		respondError(c, span, err)
		return
	}

	result := h.Schema.SetupCompleteSchema(ctx, handle)
	if !result.Success {
		span.SetError("schema setup incomplete")
	}

	h.record(c, handle.TenantID, audit.ActionSchemaSetup, "school", handle.TenantID, map[string]interface{}{
		"success": result.Success,
		"errors":  len(result.Errors),
	})
	c.JSON(http.StatusOK, result)
}

func (h *Handler) VerifySchema(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "VerifySchema")
	defer span.End()

	handle, err := h.adminHandle(c)
	if err != nil {
		respondError(c, span, err)
		return
	}

	missing := h.Schema.VerifySchema(ctx, handle)
	c.JSON(http.StatusOK, gin.H{"complete": len(missing) == 0, "missing_tables": missing})
}
