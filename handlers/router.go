package handlers

import (
	"net/http"

	"schoolhub/metrics"

	"github.com/gin-gonic/gin"
)

type RouterOptions struct {
	Metrics *metrics.Metrics
	// RatePerMinute limits tenant endpoints per API key. Zero disables it.
	RatePerMinute int
}

// NewRouter wires every route onto a fresh engine.
func NewRouter(h *Handler, opts RouterOptions) *gin.Engine {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	r := gin.New()
	r.Use(gin.Recovery(), RequestContext(), opts.Metrics.Middleware(), Tracing(h.Tracer))

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong", "tenant_connections": h.Manager.Len()})
	})
	r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))

	portal := r.Group("/api/portal")
	portal.POST("/auth/login", h.Login)

	authed := portal.Group("")
	authed.Use(h.PortalAuth())
	{
		authed.GET("/schools", h.ListSchools)
		authed.POST("/schools", h.CreateSchool)
		authed.GET("/schools/:id", h.GetSchool)
		authed.PATCH("/schools/:id", h.UpdateSchool)
		authed.DELETE("/schools/:id", h.DeleteSchool)
		authed.POST("/schools/:id/rotate-keys", h.RotateSchoolKeys)
		authed.GET("/schools/:id/credentials", h.GetSchoolCredentials)
		authed.POST("/schools/:id/usage/reset", h.ResetUsage)
		authed.GET("/schools/:id/credits", h.GetCredits)
		authed.POST("/schools/:id/credits", h.RecordCredits)
		authed.GET("/schools/:id/templates", h.ListSchoolTemplates)
		authed.POST("/schools/:id/templates/:templateId/grant", h.GrantTemplate)
		authed.DELETE("/schools/:id/templates/:templateId/grant", h.RevokeTemplate)
		authed.GET("/schools/:id/subscription", h.GetSubscription)
		authed.GET("/schools/:id/usage-limits", h.GetUsageLimits)
		authed.GET("/plans", h.ListPlans)
		authed.PATCH("/subscriptions/:id", h.UpdateSubscription)
		authed.POST("/subscriptions/:id/invoices", h.GenerateInvoice)
		authed.POST("/invoices/:id/pay", h.PayInvoice)
		authed.POST("/billing/run", h.RunBilling)
		authed.GET("/audit-logs", h.ListAuditLogs)
	}

	school := r.Group("/api/school")
	if opts.RatePerMinute > 0 {
		school.Use(NewRateLimiter(opts.RatePerMinute, opts.RatePerMinute).Middleware())
	}
	school.Use(h.TenantAuth())
	{
		school.GET("/info", h.SchoolInfo)
		school.POST("/usage", h.ReportUsage)
		school.GET("/features/:key", h.FeatureAccess)
		school.GET("/templates", h.SchoolTemplates)
		school.GET("/templates/:templateId", h.SchoolTemplateAccess)
	}

	prov := r.Group("/api/provisioning")
	prov.Use(h.PortalAuth())
	{
		prov.POST("/onboard", h.Onboard)
		prov.GET("/status/:id", h.ProvisioningStatus)
		prov.POST("/status/:id/retry", h.RetryProvisioning)
	}

	standalone := r.Group("/api/standalone-admin/schools/:id")
	standalone.Use(h.PortalAuth())
	{
		standalone.POST("/connection", h.SetConnection)
		standalone.POST("/connection/test", h.TestConnection)
		standalone.POST("/rotate-keys", h.RotateSchoolKeys)
		standalone.POST("/schema", h.SetupSchema)
		standalone.GET("/schema/verify", h.VerifySchema)
	}

	return r
}
