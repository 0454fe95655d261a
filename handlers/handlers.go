// Package handlers is the HTTP surface: the developer portal, tenant-scoped
// endpoints, onboarding and standalone tenant administration.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"schoolhub/apperrors"
	"schoolhub/audit"
	"schoolhub/auth"
	"schoolhub/billing"
	"schoolhub/credits"
	"schoolhub/logger"
	"schoolhub/models"
	"schoolhub/provisioning"
	"schoolhub/registry"
	"schoolhub/schema"
	"schoolhub/templates"
	"schoolhub/tenantdb"
	"schoolhub/tracing"
	"schoolhub/usage"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Handler holds the services behind every route.
type Handler struct {
	Tenants      *registry.Service
	Ledger       *credits.Ledger
	Templates    *templates.Registry
	Billing      *billing.Tracker
	Manager      *tenantdb.Manager
	Schema       *schema.Provisioner
	Orchestrator *provisioning.Orchestrator
	Audit        *audit.Service
	Usage        *usage.Service
	Auth         *auth.Service
	Tracer       tracing.Tracer

	// BaseDomain is the parent domain of tenant subdomains.
	BaseDomain string
}

func (h *Handler) tracer() tracing.Tracer {
	return tracing.OrNoop(h.Tracer)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// respondError writes err as an ErrorResponse. Server errors are logged and
// sent to Sentry; their message is not exposed.
func respondError(c *gin.Context, span tracing.Span, err error) {
	span.SetError(err.Error())
	code, status := apperrors.Classify(err)
	resp := ErrorResponse{Error: code, Message: err.Error()}

	var validation *apperrors.ValidationError
	if errors.As(err, &validation) {
		resp.Message = validation.Message
		resp.Fields = validation.Fields
	}

	if status >= http.StatusInternalServerError {
		logger.FromContext(c.Request.Context()).Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		if hub := sentry.CurrentHub().Clone(); hub.Client() != nil {
			hub.Scope().SetTag("path", c.FullPath())
			hub.Scope().SetTag("request_id", c.GetString(logger.RequestIDKey))
			hub.CaptureException(err)
		}
		if code == "internal_error" {
			resp.Message = "internal server error"
		}
	}
	c.AbortWithStatusJSON(status, resp)
}

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return f.Name
			}
			return name
		})
	}
}

// bindError reports a request body that failed gin binding, with one entry
// per offending field keyed by its json name.
func bindError(c *gin.Context, span tracing.Span, err error) {
	resp := &apperrors.ValidationError{Message: "invalid request body", Fields: map[string]string{}}

	var verrs validator.ValidationErrors
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &verrs):
		for _, fe := range verrs {
			resp.Fields[fe.Field()] = fieldMessage(fe)
		}
	case errors.As(err, &typeErr):
		resp.Fields[typeErr.Field] = "must be of type " + typeErr.Type.String()
	default:
		resp.Message = err.Error()
		resp.Fields = nil
	}
	respondError(c, span, resp)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "email":
		return "must be a valid email address"
	case "oneof":
		return "must be one of " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	}
	if fe.Param() != "" {
		return fe.Tag() + "=" + fe.Param()
	}
	return fe.Tag()
}

func currentAdmin(c *gin.Context) *models.PortalAdmin {
	if v, ok := c.Get(adminKey); ok {
		if admin, ok := v.(*models.PortalAdmin); ok {
			return admin
		}
	}
	return nil
}

func currentTenant(c *gin.Context) *models.Tenant {
	if v, ok := c.Get(tenantKey); ok {
		if tenant, ok := v.(*models.Tenant); ok {
			return tenant
		}
	}
	return nil
}

// record writes an audit entry for the calling admin. A failed write is
// logged by the audit service and does not fail the request.
func (h *Handler) record(c *gin.Context, tenantID, action, resourceType, resourceID string, details map[string]interface{}) {
	entry := audit.Entry{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		IPAddress:    c.ClientIP(),
		UserAgent:    c.Request.UserAgent(),
	}
	if admin := currentAdmin(c); admin != nil {
		entry.AdminID = &admin.ID
	}
	if tenantID != "" {
		entry.TenantID = &tenantID
	}
	_, _ = h.Audit.Record(c.Request.Context(), entry)
}
