package mongodb

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
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultServerSelectionTimeout = 5 * time.Second
	defaultHeartbeatInterval      = 10 * time.Second
	maxMaxPoolSize                = 1000

	// connectBackoffCap is the maximum delay between lazy-connect retries.
	connectBackoffCap = 30 * time.Second
)

var (
	// ErrNilClient is returned when a *Client receiver is nil.
	ErrNilClient = errors.New("mongo client is nil")
	// ErrNilContext is returned when a required context is nil.
	ErrNilContext = errors.New("context cannot be nil")
	// ErrClientClosed is returned when the client is not connected.
	ErrClientClosed = errors.New("mongo client is closed")
	// ErrNilDependency is returned when an Option sets a required dependency to nil.
	ErrNilDependency = errors.New("mongo option set a required dependency to nil")
	// ErrInvalidConfig indicates the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid mongo config")
	// ErrEmptyURI is returned when the Mongo URI is empty.
	ErrEmptyURI = errors.New("mongo uri cannot be empty")
	// ErrEmptyDatabaseName is returned when the database name is empty.
	ErrEmptyDatabaseName = errors.New("database name cannot be empty")
	// ErrEmptyCollectionName is returned when a collection name is empty.
	ErrEmptyCollectionName = errors.New("collection name cannot be empty")
	// ErrEmptyIndexes is returned when no index model is provided.
	ErrEmptyIndexes = errors.New("at least one index must be provided")
	// ErrConnect wraps connection establishment failures.
	ErrConnect = errors.New("mongo connect failed")
	// ErrPing wraps connectivity probe failures.
	ErrPing = errors.New("mongo ping failed")
	// ErrDisconnect wraps disconnection failures.
	ErrDisconnect = errors.New("mongo disconnect failed")
	// ErrCreateIndex wraps index creation failures.
	ErrCreateIndex = errors.New("mongo create index failed")
	// ErrNilMongoClient is returned when the driver returns a nil client.
	ErrNilMongoClient = errors.New("mongo driver returned nil client")
)

// TLSConfig configures TLS validation for MongoDB connections.
type TLSConfig struct {
	CACertBase64 string
	MinVersion   uint16
}

// Config defines MongoDB connection and pool behavior.
type Config struct {
	URI                    string
	Database               string
	MaxPoolSize            uint64
	ServerSelectionTimeout time.Duration
	HeartbeatInterval      time.Duration
	TLS                    *TLSConfig
	Logger                 log.Logger
}

func (cfg Config) validate() error {
	if strings.TrimSpace(cfg.URI) == "" {
		return ErrEmptyURI
	}

	if strings.TrimSpace(cfg.Database) == "" {
		return ErrEmptyDatabaseName
	}

	if cfg.TLS != nil && strings.TrimSpace(cfg.TLS.CACertBase64) == "" {
		return configError("TLS CA cert is required when TLS is configured")
	}

	return nil
}

// Option customizes internal client dependencies (primarily for tests).
type Option func(*clientDeps)

type clientDeps struct {
	connect      func(context.Context, *options.ClientOptions) (*mongo.Client, error)
	ping         func(context.Context, *mongo.Client) error
	disconnect   func(context.Context, *mongo.Client) error
	startSession func(*mongo.Client) (mongo.Session, error)
	createIndex  func(context.Context, *mongo.Client, string, string, mongo.IndexModel) error
}

func defaultDeps() clientDeps {
	return clientDeps{
		connect: func(ctx context.Context, clientOptions *options.ClientOptions) (*mongo.Client, error) {
			return mongo.Connect(ctx, clientOptions)
		},
		ping: func(ctx context.Context, client *mongo.Client) error {
			return client.Ping(ctx, nil)
		},
		disconnect: func(ctx context.Context, client *mongo.Client) error {
			return client.Disconnect(ctx)
		},
		startSession: func(client *mongo.Client) (mongo.Session, error) {
			return client.StartSession()
		},
		createIndex: func(ctx context.Context, client *mongo.Client, database, collection string, index mongo.IndexModel) error {
			_, err := client.Database(database).Collection(collection).Indexes().CreateOne(ctx, index)

			return err
		},
	}
}

// Client wraps a MongoDB client with lifecycle and index helpers.
type Client struct {
	mu           sync.RWMutex
	client       *mongo.Client
	databaseName string
	cfg          Config
	uri          string // private copy for reconnection; cfg.URI cleared after connect
	deps         clientDeps

	// Lazy-connect rate limiting: failed reconnect attempts are spaced out
	// with exponential backoff so a dead database is not hammered by every
	// caller at once.
	lastConnectAttempt time.Time
	connectAttempts    int
}

// NewClient validates config, connects to MongoDB, and returns a ready client.
func NewClient(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	cfg = normalizeConfig(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	deps := defaultDeps()

	for _, opt := range opts {
		if opt == nil {
			continue
		}

		opt(&deps)
	}

	if deps.connect == nil || deps.ping == nil || deps.disconnect == nil ||
		deps.startSession == nil || deps.createIndex == nil {
		return nil, ErrNilDependency
	}

	client := &Client{
		databaseName: cfg.Database,
		cfg:          cfg,
		uri:          cfg.URI,
		deps:         deps,
	}

	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	return client, nil
}

// Connect establishes a MongoDB connection if one is not already open.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	if ctx == nil {
		return ErrNilContext
	}

	tracer := otel.Tracer("mongodb")

	ctx, span := tracer.Start(ctx, "mongodb.connect")
	defer span.End()

	span.SetAttributes(attribute.String(otelutil.AttrDBSystem, otelutil.DBSystemMongoDB))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	if err := c.connectLocked(ctx); err != nil {
		otelutil.HandleSpanError(span, "Failed to connect to mongo", err)

		return err
	}

	return nil
}

// connectLocked performs the actual connection logic.
// The caller MUST hold c.mu (write lock) before calling this method.
func (c *Client) connectLocked(ctx context.Context) error {
	clientOptions := options.Client().ApplyURI(c.uri)

	serverSelectionTimeout := c.cfg.ServerSelectionTimeout
	if serverSelectionTimeout <= 0 {
		serverSelectionTimeout = defaultServerSelectionTimeout
	}

	heartbeatInterval := c.cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}

	clientOptions.SetServerSelectionTimeout(serverSelectionTimeout)
	clientOptions.SetHeartbeatInterval(heartbeatInterval)

	if c.cfg.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(c.cfg.MaxPoolSize)
	}

	if c.cfg.TLS != nil {
		tlsCfg, err := buildTLSConfig(*c.cfg.TLS)
		if err != nil {
			return fmt.Errorf("%w: TLS configuration: %w", ErrConnect, err)
		}

		clientOptions.SetTLSConfig(tlsCfg)
	}

	mongoClient, err := c.deps.connect(ctx, clientOptions)
	if err != nil {
		c.log(ctx, "mongo connect failed", log.Err(err))

		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	if mongoClient == nil {
		return ErrNilMongoClient
	}

	if err := c.deps.ping(ctx, mongoClient); err != nil {
		if disconnectErr := c.deps.disconnect(ctx, mongoClient); disconnectErr != nil {
			c.log(ctx, "failed to disconnect after ping failure", log.Err(disconnectErr))
		}

		c.log(ctx, "mongo ping failed", log.Err(err))

		return fmt.Errorf("%w: %w", ErrPing, err)
	}

	c.client = mongoClient

	if c.cfg.TLS == nil && !isTLSImplied(c.uri) {
		c.logAtLevel(ctx, log.LevelWarn, "mongo connection established without TLS; "+
			"consider configuring TLS for production use")
	}

	c.cfg.URI = ""

	c.logAtLevel(ctx, log.LevelInfo, "connected to mongodb",
		log.String("database", c.databaseName))

	return nil
}

// Client returns the underlying mongo client if connected.
//
// Note: the returned *mongo.Client may become stale if Close is called
// concurrently from another goroutine. Callers that need atomicity across
// multiple operations should coordinate externally.
func (c *Client) Client(ctx context.Context) (*mongo.Client, error) {
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

// ResolveClient returns a connected mongo client, reconnecting lazily if
// needed. Unlike Client, this method attempts to re-establish a dropped
// connection using double-checked locking with backoff rate limiting so a
// dead database is not stormed by reconnect attempts.
func (c *Client) ResolveClient(ctx context.Context) (*mongo.Client, error) {
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
		delay := resilience.ExponentialWithJitter(time.Second, c.connectAttempts)
		if delay > connectBackoffCap {
			delay = connectBackoffCap
		}

		if elapsed := time.Since(c.lastConnectAttempt); elapsed < delay {
			return nil, fmt.Errorf("mongo resolve: rate-limited (next attempt in %s)", delay-elapsed)
		}
	}

	c.lastConnectAttempt = time.Now()

	tracer := otel.Tracer("mongodb")

	ctx, span := tracer.Start(ctx, "mongodb.resolve")
	defer span.End()

	span.SetAttributes(attribute.String(otelutil.AttrDBSystem, otelutil.DBSystemMongoDB))

	if err := c.connectLocked(ctx); err != nil {
		c.connectAttempts++

		otelutil.HandleSpanError(span, "Failed to resolve mongo connection", err)

		return nil, err
	}

	c.connectAttempts = 0

	if c.client == nil {
		err := ErrClientClosed
		otelutil.HandleSpanError(span, "Mongo client not connected after resolve", err)

		return nil, err
	}

	return c.client, nil
}

// DatabaseName returns the configured database name.
func (c *Client) DatabaseName() (string, error) {
	if c == nil {
		return "", ErrNilClient
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.databaseName, nil
}

// Database returns the configured mongo database handle.
//
// Note: the returned *mongo.Database may become stale if Close is called
// concurrently from another goroutine. Callers that need atomicity across
// multiple operations should coordinate externally.
func (c *Client) Database(ctx context.Context) (*mongo.Database, error) {
	client, err := c.Client(ctx)
	if err != nil {
		return nil, err
	}

	databaseName, err := c.DatabaseName()
	if err != nil {
		return nil, err
	}

	return client.Database(databaseName), nil
}

// Ping checks MongoDB availability using the active connection.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	if ctx == nil {
		return ErrNilContext
	}

	tracer := otel.Tracer("mongodb")

	ctx, span := tracer.Start(ctx, "mongodb.ping")
	defer span.End()

	span.SetAttributes(attribute.String(otelutil.AttrDBSystem, otelutil.DBSystemMongoDB))

	client, err := c.Client(ctx)
	if err != nil {
		otelutil.HandleSpanError(span, "Failed to get mongo client for ping", err)

		return err
	}

	if err := c.deps.ping(ctx, client); err != nil {
		pingErr := fmt.Errorf("%w: %w", ErrPing, err)
		otelutil.HandleSpanError(span, "Mongo ping failed", pingErr)

		return pingErr
	}

	return nil
}

// Close releases the MongoDB connection.
// The client is marked as closed regardless of whether disconnect succeeds,
// so callers cannot keep operating on a half-closed client.
func (c *Client) Close(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	if ctx == nil {
		return ErrNilContext
	}

	tracer := otel.Tracer("mongodb")

	ctx, span := tracer.Start(ctx, "mongodb.close")
	defer span.End()

	span.SetAttributes(attribute.String(otelutil.AttrDBSystem, otelutil.DBSystemMongoDB))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.deps.disconnect(ctx, c.client)
	c.client = nil

	if err != nil {
		c.log(ctx, "mongo disconnect failed", log.Err(err))

		disconnectErr := fmt.Errorf("%w: %w", ErrDisconnect, err)
		otelutil.HandleSpanError(span, "Failed to disconnect from mongo", disconnectErr)

		return disconnectErr
	}

	return nil
}

func (c *Client) log(ctx context.Context, message string, fields ...log.Field) {
	c.logAtLevel(ctx, log.LevelDebug, message, fields...)
}

func (c *Client) logAtLevel(ctx context.Context, level log.Level, message string, fields ...log.Field) {
	if c == nil || c.cfg.Logger == nil {
		return
	}

	if !c.cfg.Logger.Enabled(level) {
		return
	}

	c.cfg.Logger.Log(ctx, level, message, fields...)
}

// normalizeConfig applies safe defaults and clamps to a Config.
func normalizeConfig(cfg Config) Config {
	if cfg.MaxPoolSize > maxMaxPoolSize {
		cfg.MaxPoolSize = maxMaxPoolSize
	}

	if cfg.TLS != nil {
		tlsCopy := *cfg.TLS
		cfg.TLS = &tlsCopy
	}

	normalizeTLSDefaults(cfg.TLS)

	return cfg
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

// isTLSImplied returns true if the URI scheme or query parameters indicate TLS.
func isTLSImplied(uri string) bool {
	return strings.HasPrefix(uri, "mongodb+srv://") ||
		strings.Contains(uri, "tls=true") ||
		strings.Contains(uri, "ssl=true")
}

// configError wraps a configuration validation message with ErrInvalidConfig.
func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
