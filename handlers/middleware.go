package handlers

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"schoolhub/apperrors"
	"schoolhub/logger"
	"schoolhub/models"
	"schoolhub/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	adminKey  = "portalAdmin"
	tenantKey = "tenant"

	apiKeyHeader   = "x-api-key"
	schoolIDHeader = "x-school-id"
)

// RequestContext assigns a request id and stores a request-scoped logger in
// the request context. Each request is logged once it completes.
func RequestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(logger.RequestIDKey)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(logger.RequestIDKey, requestID)
		c.Header(logger.RequestIDKey, requestID)

		log := logger.L().With(zap.String("request_id", requestID))
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context(), log))

		start := time.Now()
		c.Next()

		log.Info("Request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// Tracing opens the root span for each request.
func Tracing(tracer tracing.Tracer) gin.HandlerFunc {
	tracer = tracing.OrNoop(tracer)
	return func(c *gin.Context) {
		ctx, span := tracer.StartSpan(c.Request.Context(), c.Request.URL.Path)
		defer span.End()

		span.SetAttributes(map[string]interface{}{
			"http.method":     c.Request.Method,
			"http.url":        c.Request.URL.String(),
			"http.client_ip":  c.ClientIP(),
			"http.user_agent": c.Request.UserAgent(),
		})

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		span.SetAttributes(map[string]interface{}{
			"http.status_code": c.Writer.Status(),
		})
	}
}

// PortalAuth requires a bearer token belonging to an active portal admin.
func (h *Handler) PortalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := h.tracer().StartSpan(c.Request.Context(), "PortalAuth")
		defer span.End()

		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			respondError(c, span, &apperrors.UnauthorizedError{Message: "missing bearer token"})
			return
		}

		admin, err := h.Auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			respondError(c, span, err)
			return
		}
		span.SetAttributes(map[string]interface{}{"admin_id": admin.ID})

		c.Set(adminKey, admin)
		c.Next()
	}
}

// TenantAuth resolves the calling tenant from, in order, the x-api-key
// header, a subdomain of the base domain or a custom domain in Host, and the
// x-school-id header. Only trial and active tenants get through.
func (h *Handler) TenantAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := h.tracer().StartSpan(c.Request.Context(), "TenantAuth")
		defer span.End()

		tenant, err := h.resolveTenant(c)
		if err != nil {
			respondError(c, span, err)
			return
		}
		if tenant == nil {
			respondError(c, span, &apperrors.UnauthorizedError{Message: "tenant could not be resolved"})
			return
		}
		if tenant.Status != models.TenantStatusActive && tenant.Status != models.TenantStatusTrial {
			respondError(c, span, &apperrors.ForbiddenError{Message: "school account is " + tenant.Status})
			return
		}
		span.SetAttributes(map[string]interface{}{"tenant_id": tenant.TenantID})

		log := logger.FromContext(ctx).With(zap.String("tenant_id", tenant.TenantID))
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context(), log))
		c.Set(tenantKey, tenant)
		c.Next()
	}
}

func (h *Handler) resolveTenant(c *gin.Context) (*models.Tenant, error) {
	ctx := c.Request.Context()

	if apiKey := c.GetHeader(apiKeyHeader); apiKey != "" {
		tenant, err := h.Tenants.GetByAPIKey(ctx, apiKey)
		if err != nil || tenant != nil {
			return tenant, err
		}
		return nil, &apperrors.UnauthorizedError{Message: "invalid API key"}
	}

	if host := hostname(c.Request.Host); host != "" {
		if sub, ok := strings.CutSuffix(host, "."+h.BaseDomain); ok && h.BaseDomain != "" && !strings.Contains(sub, ".") {
			tenant, err := h.Tenants.GetBySubdomain(ctx, sub)
			if err != nil || tenant != nil {
				return tenant, err
			}
		} else if host != h.BaseDomain && net.ParseIP(host) == nil && host != "localhost" {
			tenant, err := h.Tenants.GetByCustomDomain(ctx, host)
			if err != nil || tenant != nil {
				return tenant, err
			}
		}
	}

	if schoolID := c.GetHeader(schoolIDHeader); schoolID != "" {
		return h.Tenants.Get(ctx, schoolID)
	}
	return nil, nil
}

func hostname(hostport string) string {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

// RateLimiter applies a token bucket per caller key.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

func NewRateLimiter(requestsPerMinute, burst int) *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*rate.Limiter),
		r:        rate.Limit(float64(requestsPerMinute) / 60.0),
		b:        burst,
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.visitors[key]
	if !exists {
		limiter = rate.NewLimiter(rl.r, rl.b)
		rl.visitors[key] = limiter
	}
	return limiter
}

// Middleware keys the bucket on the API key, falling back to the client IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(apiKeyHeader)
		if key == "" {
			key = c.ClientIP()
		}
		if !rl.limiter(key).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error:   "rate_limit_exceeded",
				Message: "too many requests, please try again later",
			})
			return
		}
		c.Next()
	}
}
