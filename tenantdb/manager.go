package tenantdb

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"schoolhub/apperrors"
	"schoolhub/database"
	"schoolhub/logger"
	"schoolhub/metrics"
	"schoolhub/models"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// TenantPlaceholder is replaced with the tenant id in DSN templates.
const TenantPlaceholder = "{tenant_id}"

// Config is everything needed to reach one tenant's dedicated store.
type Config struct {
	TenantID        string `json:"tenant_id"`
	ProjectID       string `json:"project_id,omitempty"`
	URL             string `json:"url,omitempty"`
	ConnString      string `json:"-"`
	AdminConnString string `json:"-"`
}

func (c Config) dsn(admin bool) string {
	if admin && c.AdminConnString != "" {
		return c.AdminConnString
	}
	return c.ConnString
}

// Handle is a cached connection to a tenant store.
type Handle struct {
	TenantID string
	Admin    bool
	DB       *gorm.DB
}

// Opener turns a DSN into a connection.
type Opener func(dsn string) (*gorm.DB, error)

// ConfigSource supplies the stored remote linkage for tenants the manager
// has not seen yet.
type ConfigSource interface {
	Get(ctx context.Context, tenantID string) (*models.Tenant, error)
}

type Options struct {
	// Driver selects the dialect used by the default opener.
	Driver      string
	DSNTemplate string
	Opener      Opener
	Source      ConfigSource
	Metrics     *metrics.Metrics
}

// Manager owns one regular and one admin handle per tenant. Handles are
// created on first use and live until RemoveClient or Close.
type Manager struct {
	opts Options

	mu      sync.RWMutex
	configs map[string]Config
	regular map[string]*Handle
	admin   map[string]*Handle

	group singleflight.Group
}

func NewManager(opts Options) *Manager {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Opener == nil {
		driver := opts.Driver
		opts.Opener = func(dsn string) (*gorm.DB, error) {
			dialector, err := database.Open(driver, dsn)
			if err != nil {
				return nil, err
			}
			return gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
		}
	}
	return &Manager{
		opts:    opts,
		configs: map[string]Config{},
		regular: map[string]*Handle{},
		admin:   map[string]*Handle{},
	}
}

// GetClient returns the tenant's regular handle. cfg is only consulted when
// nothing is cached. The second result is false when the tenant has no usable
// configuration or the connection could not be opened.
func (m *Manager) GetClient(ctx context.Context, tenantID string, cfg *Config) (*Handle, bool) {
	return m.get(ctx, tenantID, cfg, false)
}

// GetAdminClient is GetClient with elevated credentials. It is meant for
// schema and storage setup only.
func (m *Manager) GetAdminClient(ctx context.Context, tenantID string, cfg *Config) (*Handle, bool) {
	return m.get(ctx, tenantID, cfg, true)
}

func (m *Manager) handles(admin bool) map[string]*Handle {
	if admin {
		return m.admin
	}
	return m.regular
}

func (m *Manager) get(ctx context.Context, tenantID string, cfg *Config, admin bool) (*Handle, bool) {
	m.mu.RLock()
	h, ok := m.handles(admin)[tenantID]
	m.mu.RUnlock()
	if ok {
		return h, true
	}

	log := logger.FromContext(ctx).With(zap.String("tenant_id", tenantID), zap.Bool("admin", admin))

	resolved, err := m.resolveConfig(ctx, tenantID, cfg)
	if err != nil {
		log.Warn("Tenant store unavailable", zap.Error(err))
		return nil, false
	}

	key := "regular:" + tenantID
	if admin {
		key = "admin:" + tenantID
	}
	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		m.mu.RLock()
		existing, ok := m.handles(admin)[tenantID]
		m.mu.RUnlock()
		if ok {
			return existing, nil
		}

		db, err := m.opts.Opener(resolved.dsn(admin))
		if err != nil {
			return nil, fmt.Errorf("failed to open tenant store: %w", err)
		}
		h := &Handle{TenantID: tenantID, Admin: admin, DB: db}

		m.mu.Lock()
		m.configs[tenantID] = resolved
		m.handles(admin)[tenantID] = h
		m.updateGauge()
		m.mu.Unlock()
		return h, nil
	})
	if err != nil {
		log.Warn("Tenant store unavailable", zap.Error(err))
		return nil, false
	}
	return v.(*Handle), true
}

func (m *Manager) resolveConfig(ctx context.Context, tenantID string, cfg *Config) (Config, error) {
	if cfg != nil && cfg.ConnString != "" {
		c := *cfg
		c.TenantID = tenantID
		return c, nil
	}

	m.mu.RLock()
	cached, ok := m.configs[tenantID]
	m.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if m.opts.Source != nil {
		tenant, err := m.opts.Source.Get(ctx, tenantID)
		if err != nil {
			return Config{}, err
		}
		if tenant != nil && tenant.RemoteConnString != "" {
			return Config{
				TenantID:   tenantID,
				ProjectID:  tenant.RemoteProjectID,
				URL:        tenant.RemoteURL,
				ConnString: tenant.RemoteConnString,
			}, nil
		}
	}
	return Config{}, &apperrors.ConfigurationError{TenantID: tenantID, Reason: "no remote connection configured"}
}

// RegisterTenant derives a remote config for the tenant, caches it and opens
// its regular handle. A stored connection string wins over the DSN template.
func (m *Manager) RegisterTenant(ctx context.Context, tenant *models.Tenant) (*Config, error) {
	cfg := Config{
		TenantID:   tenant.TenantID,
		ProjectID:  tenant.RemoteProjectID,
		URL:        tenant.RemoteURL,
		ConnString: tenant.RemoteConnString,
	}
	if cfg.ConnString == "" {
		if m.opts.DSNTemplate == "" {
			return nil, &apperrors.ConfigurationError{TenantID: tenant.TenantID, Reason: "no connection string and no DSN template"}
		}
		cfg.ConnString = strings.ReplaceAll(m.opts.DSNTemplate, TenantPlaceholder, tenant.TenantID)
	}
	if cfg.ProjectID == "" {
		cfg.ProjectID = tenant.TenantID
	}

	m.RemoveClient(tenant.TenantID)
	m.mu.Lock()
	m.configs[tenant.TenantID] = cfg
	m.mu.Unlock()

	if _, ok := m.GetClient(ctx, tenant.TenantID, &cfg); !ok {
		return &cfg, &apperrors.ConfigurationError{TenantID: tenant.TenantID, Reason: "failed to open tenant store"}
	}
	logger.FromContext(ctx).Info("Tenant store registered",
		zap.String("tenant_id", tenant.TenantID),
		zap.String("project_id", cfg.ProjectID),
	)
	return &cfg, nil
}

// RemoveClient closes and forgets the tenant's handles and config.
func (m *Manager) RemoveClient(tenantID string) {
	m.mu.Lock()
	handles := []*Handle{}
	for _, set := range []map[string]*Handle{m.regular, m.admin} {
		if h, ok := set[tenantID]; ok {
			handles = append(handles, h)
			delete(set, tenantID)
		}
	}
	delete(m.configs, tenantID)
	m.updateGauge()
	m.mu.Unlock()

	for _, h := range handles {
		closeHandle(h)
	}
}

// Len is the number of cached handles, regular and admin.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.regular) + len(m.admin)
}

// Close drops every cached handle.
func (m *Manager) Close() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.regular)+len(m.admin))
	for _, set := range []map[string]*Handle{m.regular, m.admin} {
		for id, h := range set {
			handles = append(handles, h)
			delete(set, id)
		}
	}
	m.configs = map[string]Config{}
	m.updateGauge()
	m.mu.Unlock()

	for _, h := range handles {
		closeHandle(h)
	}
}

// updateGauge must be called with mu held.
func (m *Manager) updateGauge() {
	m.opts.Metrics.TenantConnections.Set(float64(len(m.regular) + len(m.admin)))
}

func closeHandle(h *Handle) {
	sqlDB, err := h.DB.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		logger.L().Warn("Failed to close tenant store", zap.String("tenant_id", h.TenantID), zap.Error(err))
	}
}
