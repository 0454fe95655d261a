package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"schoolhub/models"

	"github.com/redis/go-redis/v9"
)

const tenantKeyPrefix = "tenant:apikey:"

// Client holds the Redis client
type Client struct {
	Redis *redis.Client
	TTL   time.Duration
}

// NewClient parses redisURL and pings the server.
func NewClient(redisURL string, ttl time.Duration) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed connecting to redis: %w", err)
	}

	return &Client{Redis: client, TTL: ttl}, nil
}

func (c *Client) Close() error {
	return c.Redis.Close()
}

// GetTenant returns the tenant cached under apiKey. Misses and decoding
// failures both report false.
func (c *Client) GetTenant(ctx context.Context, apiKey string) (*models.Tenant, bool) {
	raw, err := c.Redis.Get(ctx, tenantKeyPrefix+apiKey).Bytes()
	if err != nil {
		return nil, false
	}
	var t models.Tenant
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, false
	}
	return &t, true
}

// SetTenant caches the public view of t. Fields tagged json:"-" are not stored.
func (c *Client) SetTenant(ctx context.Context, apiKey string, t *models.Tenant) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return c.Redis.Set(ctx, tenantKeyPrefix+apiKey, raw, c.TTL).Err()
}

func (c *Client) InvalidateTenant(ctx context.Context, apiKey string) error {
	err := c.Redis.Del(ctx, tenantKeyPrefix+apiKey).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
