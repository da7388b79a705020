package redis

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-uow/uow/internal/otelutil"
	"github.com/LerianStudio/lib-uow/uow/log"
	"github.com/LerianStudio/lib-uow/uow/resilience"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// reconnectBackoffCap is the maximum delay between reconnect attempts.
const reconnectBackoffCap = 30 * time.Second

var (
	// ErrNilClient is returned when a *Client receiver is nil.
	ErrNilClient = errors.New("redis client is nil")
	// ErrNilContext is returned when a required context is nil.
	ErrNilContext = errors.New("context cannot be nil")
	// ErrClientClosed is returned when the client is not connected.
	ErrClientClosed = errors.New("redis client is closed")
	// ErrInvalidConfig indicates the provided redis configuration is invalid.
	ErrInvalidConfig = errors.New("invalid redis config")
	// ErrConnect wraps connection establishment failures.
	ErrConnect = errors.New("redis connect failed")
	// ErrPing wraps connectivity probe failures.
	ErrPing = errors.New("redis ping failed")
)

// Config defines Redis client topology, auth, TLS, and connection settings.
type Config struct {
	Topology Topology
	TLS      *TLSConfig
	Auth     *PasswordAuth
	Options  ConnectionOptions
	Logger   log.Logger
}

// Topology selects exactly one Redis deployment mode.
type Topology struct {
	Standalone *StandaloneTopology
	Sentinel   *SentinelTopology
	Cluster    *ClusterTopology
}

// StandaloneTopology configures single-node Redis access.
type StandaloneTopology struct {
	Address string
}

// SentinelTopology configures Redis Sentinel access.
type SentinelTopology struct {
	Addresses  []string
	MasterName string
}

// ClusterTopology configures Redis cluster access.
type ClusterTopology struct {
	Addresses []string
}

// TLSConfig configures TLS validation for Redis connections.
type TLSConfig struct {
	CACertBase64 string
	MinVersion   uint16
}

// PasswordAuth authenticates using a static password.
type PasswordAuth struct {
	Password string
}

// String returns a redacted representation to prevent accidental credential logging.
func (PasswordAuth) String() string { return "PasswordAuth{Password:REDACTED}" }

// GoString returns a redacted representation for fmt %#v.
func (a PasswordAuth) GoString() string { return a.String() }

// ConnectionOptions configures protocol, timeouts, pools, and retries.
type ConnectionOptions struct {
	DB              int
	Protocol        int
	PoolSize        int
	MinIdleConns    int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	DialTimeout     time.Duration
	PoolTimeout     time.Duration
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
}

// Client wraps a redis.UniversalClient with lifecycle and reconnection
// logic. The underlying client is shared by every handle the factory
// opens; handles never close it.
type Client struct {
	mu     sync.RWMutex
	cfg    Config
	logger log.Logger
	client redis.UniversalClient

	// Reconnect rate-limiting: failed reconnect attempts are spaced out
	// with exponential backoff so a dead server is not hammered by every
	// caller at once.
	lastConnectAttempt time.Time
	connectAttempts    int
}

// New validates config, connects to Redis, and returns a ready client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	normalized, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    normalized,
		logger: normalized.Logger,
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// Connect establishes a Redis connection if one is not already open.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	if ctx == nil {
		return ErrNilContext
	}

	tracer := otel.Tracer("redis")

	ctx, span := tracer.Start(ctx, "redis.connect")
	defer span.End()

	span.SetAttributes(attribute.String(otelutil.AttrDBSystem, otelutil.DBSystemRedis))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	if err := c.connectLocked(ctx); err != nil {
		otelutil.HandleSpanError(span, "Failed to connect to redis", err)

		return err
	}

	return nil
}

// connectLocked performs the actual connection logic.
// The caller MUST hold c.mu (write lock) before calling this method.
func (c *Client) connectLocked(ctx context.Context) error {
	opts, err := c.buildUniversalOptions()
	if err != nil {
		return fmt.Errorf("%w: build options: %w", ErrConnect, err)
	}

	rdb := redis.NewUniversalClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		if closeErr := rdb.Close(); closeErr != nil {
			c.logAtLevel(ctx, log.LevelWarn, "failed to close redis client after ping failure", log.Err(closeErr))
		}

		c.log(ctx, "redis ping failed", log.Err(err))

		return fmt.Errorf("%w: %w", ErrPing, err)
	}

	c.client = rdb

	switch rdb.(type) {
	case *redis.ClusterClient:
		c.logAtLevel(ctx, log.LevelInfo, "connected to redis in cluster mode")
	case *redis.Client:
		c.logAtLevel(ctx, log.LevelInfo, "connected to redis in standalone mode")
	case *redis.Ring:
		c.logAtLevel(ctx, log.LevelInfo, "connected to redis in ring mode")
	default:
		c.logAtLevel(ctx, log.LevelWarn, "connected to redis in unknown mode")
	}

	if c.cfg.TLS == nil {
		c.logAtLevel(ctx, log.LevelWarn, "redis connection established without TLS; "+
			"consider configuring TLS for production use")
	}

	return nil
}

func (c *Client) buildUniversalOptions() (*redis.UniversalOptions, error) {
	o := c.cfg.Options
	opts := &redis.UniversalOptions{
		DB:              o.DB,
		Protocol:        o.Protocol,
		PoolSize:        o.PoolSize,
		MinIdleConns:    o.MinIdleConns,
		ReadTimeout:     o.ReadTimeout,
		WriteTimeout:    o.WriteTimeout,
		DialTimeout:     o.DialTimeout,
		PoolTimeout:     o.PoolTimeout,
		MaxRetries:      o.MaxRetries,
		MinRetryBackoff: o.MinRetryBackoff,
		MaxRetryBackoff: o.MaxRetryBackoff,
	}

	if c.cfg.Topology.Standalone != nil {
		opts.Addrs = []string{c.cfg.Topology.Standalone.Address}
	}

	if c.cfg.Topology.Sentinel != nil {
		opts.Addrs = c.cfg.Topology.Sentinel.Addresses
		opts.MasterName = c.cfg.Topology.Sentinel.MasterName
	}

	if c.cfg.Topology.Cluster != nil {
		opts.Addrs = c.cfg.Topology.Cluster.Addresses
	}

	// Guard against a zero-value Config producing Addrs: nil, which makes
	// go-redis silently default to localhost:6379.
	if len(opts.Addrs) == 0 {
		return nil, configError("no topology configured: at least one address is required")
	}

	if c.cfg.Auth != nil {
		opts.Password = c.cfg.Auth.Password
	}

	if c.cfg.TLS != nil {
		tlsCfg, err := buildTLSConfig(*c.cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("TLS configuration: %w", err)
		}

		opts.TLSConfig = tlsCfg
	}

	return opts, nil
}

// Client returns the underlying redis client if connected.
//
// Note: the returned client may become stale if Close is called
// concurrently from another goroutine. Callers that need atomicity across
// multiple operations should coordinate externally.
func (c *Client) Client(ctx context.Context) (redis.UniversalClient, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	if ctx == nil {
		return nil, ErrNilContext
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return nil, ErrClientClosed
	}

	return c.client, nil
}

// ResolveClient returns a connected redis client, reconnecting lazily if
// needed. Unlike Client, this method attempts to re-establish a dropped
// connection using double-checked locking with backoff rate limiting so a
// dead server is not stormed by reconnect attempts.
func (c *Client) ResolveClient(ctx context.Context) (redis.UniversalClient, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	if ctx == nil {
		return nil, ErrNilContext
	}

	// Fast path: already connected (read lock only).
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client != nil {
		return client, nil
	}

	// Slow path: acquire the write lock and double-check before connecting.
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	if c.connectAttempts > 0 {
		delay := resilience.ExponentialWithJitter(500*time.Millisecond, c.connectAttempts)
		if delay > reconnectBackoffCap {
			delay = reconnectBackoffCap
		}

		if elapsed := time.Since(c.lastConnectAttempt); elapsed < delay {
			return nil, fmt.Errorf("redis resolve: rate-limited (next attempt in %s)", delay-elapsed)
		}
	}

	c.lastConnectAttempt = time.Now()

	tracer := otel.Tracer("redis")

	ctx, span := tracer.Start(ctx, "redis.resolve")
	defer span.End()

	span.SetAttributes(attribute.String(otelutil.AttrDBSystem, otelutil.DBSystemRedis))

	if err := c.connectLocked(ctx); err != nil {
		c.connectAttempts++

		otelutil.HandleSpanError(span, "Failed to resolve redis connection", err)

		return nil, err
	}

	c.connectAttempts = 0

	return c.client, nil
}

// IsConnected reports whether the underlying client is currently connected.
func (c *Client) IsConnected() (bool, error) {
	if c == nil {
		return false, ErrNilClient
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.client != nil, nil
}

// Ping checks Redis availability using the active connection.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	if ctx == nil {
		return ErrNilContext
	}

	tracer := otel.Tracer("redis")

	ctx, span := tracer.Start(ctx, "redis.ping")
	defer span.End()

	span.SetAttributes(attribute.String(otelutil.AttrDBSystem, otelutil.DBSystemRedis))

	client, err := c.Client(ctx)
	if err != nil {
		otelutil.HandleSpanError(span, "Failed to get redis client for ping", err)

		return err
	}

	if err := client.Ping(ctx).Err(); err != nil {
		pingErr := fmt.Errorf("%w: %w", ErrPing, err)
		otelutil.HandleSpanError(span, "Redis ping failed", pingErr)

		return pingErr
	}

	return nil
}

// Close closes the underlying Redis client.
// The client is marked as closed regardless of whether the close succeeds,
// so callers cannot keep operating on a half-closed client.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	tracer := otel.Tracer("redis")

	_, span := tracer.Start(context.Background(), "redis.close")
	defer span.End()

	span.SetAttributes(attribute.String(otelutil.AttrDBSystem, otelutil.DBSystemRedis))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil

	if err != nil {
		otelutil.HandleSpanError(span, "Failed to close redis client", err)

		return fmt.Errorf("redis close: %w", err)
	}

	return nil
}

func (c *Client) log(ctx context.Context, message string, fields ...log.Field) {
	c.logAtLevel(ctx, log.LevelDebug, message, fields...)
}

func (c *Client) logAtLevel(ctx context.Context, level log.Level, message string, fields ...log.Field) {
	if c == nil || c.logger == nil {
		return
	}

	if !c.logger.Enabled(level) {
		return
	}

	c.logger.Log(ctx, level, message, fields...)
}

// normalizeConfig applies defaults, clamps, and validates a Config.
func normalizeConfig(cfg Config) (Config, error) {
	if cfg.Logger == nil {
		cfg.Logger = &log.NopLogger{}
	}

	normalizeConnectionOptionsDefaults(&cfg.Options)

	if cfg.TLS != nil {
		tlsCopy := *cfg.TLS
		cfg.TLS = &tlsCopy
	}

	normalizeTLSDefaults(cfg.TLS)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

const maxPoolSize = 1000

func normalizeConnectionOptionsDefaults(options *ConnectionOptions) {
	if options.PoolSize == 0 {
		options.PoolSize = 10
	}

	if options.PoolSize > maxPoolSize {
		options.PoolSize = maxPoolSize
	}

	if options.ReadTimeout == 0 {
		options.ReadTimeout = 3 * time.Second
	}

	if options.WriteTimeout == 0 {
		options.WriteTimeout = 3 * time.Second
	}

	if options.DialTimeout == 0 {
		options.DialTimeout = 5 * time.Second
	}

	if options.PoolTimeout == 0 {
		options.PoolTimeout = 2 * time.Second
	}

	if options.MaxRetries == 0 {
		options.MaxRetries = 3
	}

	if options.MinRetryBackoff == 0 {
		options.MinRetryBackoff = 8 * time.Millisecond
	}

	if options.MaxRetryBackoff == 0 {
		options.MaxRetryBackoff = 1 * time.Second
	}
}

// normalizeTLSDefaults enforces a minimum TLS version of 1.2.
func normalizeTLSDefaults(tlsCfg *TLSConfig) {
	if tlsCfg == nil {
		return
	}

	if tlsCfg.MinVersion < tls.VersionTLS12 {
		tlsCfg.MinVersion = tls.VersionTLS12
	}
}

func validateConfig(cfg Config) error {
	if err := validateTopology(cfg.Topology); err != nil {
		return err
	}

	if cfg.TLS != nil && strings.TrimSpace(cfg.TLS.CACertBase64) == "" {
		return configError("TLS CA cert is required when TLS is configured")
	}

	return nil
}

func validateTopology(topology Topology) error {
	count := 0

	if topology.Standalone != nil {
		count++

		if strings.TrimSpace(topology.Standalone.Address) == "" {
			return configError("standalone address is required")
		}
	}

	if topology.Sentinel != nil {
		count++

		if len(topology.Sentinel.Addresses) == 0 {
			return configError("sentinel addresses are required")
		}

		if strings.TrimSpace(topology.Sentinel.MasterName) == "" {
			return configError("sentinel master name is required")
		}

		for _, address := range topology.Sentinel.Addresses {
			if strings.TrimSpace(address) == "" {
				return configError("sentinel addresses cannot be empty")
			}
		}
	}

	if topology.Cluster != nil {
		count++

		if len(topology.Cluster.Addresses) == 0 {
			return configError("cluster addresses are required")
		}

		for _, address := range topology.Cluster.Addresses {
			if strings.TrimSpace(address) == "" {
				return configError("cluster addresses cannot be empty")
			}
		}
	}

	if count != 1 {
		return configError("exactly one topology must be configured")
	}

	return nil
}

// buildTLSConfig creates a *tls.Config from a TLSConfig.
// MinVersion defaults to TLS 1.2. If cfg.MinVersion is set, it must be
// tls.VersionTLS12 or tls.VersionTLS13; any other value returns
// ErrInvalidConfig.
func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	caCert, err := base64.StdEncoding.DecodeString(cfg.CACertBase64)
	if err != nil {
		return nil, fmt.Errorf("decoding CA cert: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("adding CA cert to pool failed: %w", ErrInvalidConfig)
	}

	if cfg.MinVersion != 0 && cfg.MinVersion != tls.VersionTLS12 && cfg.MinVersion != tls.VersionTLS13 {
		return nil, fmt.Errorf("%w: unsupported TLS MinVersion %#x (must be tls.VersionTLS12 or tls.VersionTLS13)", ErrInvalidConfig, cfg.MinVersion)
	}

	tlsConfig := &tls.Config{
		RootCAs:    caCertPool,
		MinVersion: tls.VersionTLS12,
	}

	if cfg.MinVersion == tls.VersionTLS13 {
		tlsConfig.MinVersion = tls.VersionTLS13
	}

	return tlsConfig, nil
}

// configError wraps a configuration validation message with ErrInvalidConfig.
func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
