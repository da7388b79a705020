package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-uow/uow/internal/otelutil"
	"github.com/LerianStudio/lib-uow/uow/log"
	"github.com/bxcodec/dbresolver/v2"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	driverName = "pgx"

	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	// ErrNilClient is returned when a *Client receiver is nil.
	ErrNilClient = errors.New("postgres client is nil")
	// ErrNilContext is returned when a required context is nil.
	ErrNilContext = errors.New("context cannot be nil")
	// ErrInvalidConfig indicates the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid postgres config")
	// ErrNotConnected is returned when a database handle is requested before
	// Connect succeeded.
	ErrNotConnected = errors.New("postgres client is not connected")
)

// Injectable dependencies, replaced by unit tests.
var (
	dbOpenFn = sql.Open

	createResolverFn = func(primary, replica *sql.DB, _ log.Logger) (_ dbresolver.DB, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("failed to create resolver: %v", recovered)
			}
		}()

		resolver := dbresolver.New(
			dbresolver.WithPrimaryDBs(primary),
			dbresolver.WithReplicaDBs(replica),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		)

		if resolver == nil {
			return nil, errors.New("resolver returned nil connection")
		}

		return resolver, nil
	}

	runMigrationsFn = runMigrations
)

var (
	credentialsInDSNPattern = regexp.MustCompile(`://[^@\s]+@`)
	passwordParamPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	sslFileParamPattern     = regexp.MustCompile(`(?i)(ssl(?:key|cert|rootcert)=)([^\s&]+)`)
)

// sanitizeSensitiveString masks credentials and key material that postgres
// drivers tend to echo back inside error text.
func sanitizeSensitiveString(s string) string {
	sanitized := credentialsInDSNPattern.ReplaceAllString(s, "://***@")
	sanitized = passwordParamPattern.ReplaceAllString(sanitized, "${1}***")
	sanitized = sslFileParamPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}

// SanitizedError is an error whose message has been scrubbed of connection
// credentials. It deliberately does not expose the original error.
type SanitizedError struct {
	msg string
}

// newSanitizedError wraps cause into a SanitizedError with a stable prefix.
// Returns nil when cause is nil.
func newSanitizedError(cause error, prefix string) *SanitizedError {
	if cause == nil {
		return nil
	}

	return &SanitizedError{msg: prefix + ": " + sanitizeSensitiveString(cause.Error())}
}

// Error implements the error interface.
func (e *SanitizedError) Error() string {
	return e.msg
}

// Unwrap returns nil so chain traversal cannot reach the credential-bearing
// original error.
func (e *SanitizedError) Unwrap() error {
	return nil
}

// Config defines the postgres connection pair and pool behavior. Single-node
// deployments pass the same DSN for primary and replica.
type Config struct {
	PrimaryDSN         string
	ReplicaDSN         string
	Logger             log.Logger
	MaxOpenConnections int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration
}

func (cfg Config) validate() error {
	if strings.TrimSpace(cfg.PrimaryDSN) == "" {
		return fmt.Errorf("%w: primary DSN cannot be empty", ErrInvalidConfig)
	}

	if strings.TrimSpace(cfg.ReplicaDSN) == "" {
		return fmt.Errorf("%w: replica DSN cannot be empty", ErrInvalidConfig)
	}

	if err := validateDSN(cfg.PrimaryDSN); err != nil {
		return err
	}

	return validateDSN(cfg.ReplicaDSN)
}

func (cfg Config) withDefaults() Config {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	if cfg.MaxOpenConnections <= 0 {
		cfg.MaxOpenConnections = defaultMaxOpenConns
	}

	if cfg.MaxIdleConnections <= 0 {
		cfg.MaxIdleConnections = defaultMaxIdleConns
	}

	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = defaultConnMaxLifetime
	}

	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = defaultConnMaxIdleTime
	}

	return cfg
}

// validateDSN accepts postgres URLs and key-value connection strings. An
// empty DSN passes; emptiness is validated separately.
func validateDSN(dsn string) error {
	if strings.TrimSpace(dsn) == "" {
		return nil
	}

	if !strings.Contains(dsn, "://") {
		// Key-value form ("host=... dbname=..."); the driver validates the rest.
		return nil
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return fmt.Errorf("%w: malformed DSN", ErrInvalidConfig)
	}

	switch parsed.Scheme {
	case "postgres", "postgresql":
		return nil
	default:
		return fmt.Errorf("%w: unsupported DSN scheme %q", ErrInvalidConfig, parsed.Scheme)
	}
}

// warnInsecureDSN logs a warning for connections configured without TLS.
func warnInsecureDSN(ctx context.Context, logger log.Logger, dsn, role string) {
	if logger == nil {
		return
	}

	if strings.Contains(strings.ToLower(dsn), "sslmode=disable") {
		logger.Log(ctx, log.LevelWarn, "postgres connection configured without TLS",
			log.String("role", role),
		)
	}
}

// Client is a hub holding the primary/replica connection pair behind a
// dbresolver that routes statements by kind. Factories draw single sessions
// from it; application code that wants plain pooled access uses Resolver.
type Client struct {
	cfg Config

	mu        sync.RWMutex
	resolver  dbresolver.DB
	primary   *sql.DB
	replica   *sql.DB
	connected bool
}

// New validates cfg and returns an unconnected client. Connections are
// established by Connect or lazily by Resolver.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Client{cfg: cfg.withDefaults()}, nil
}

// Connect establishes the primary and replica pools and swaps them in
// atomically: on any failure the previous connection, if one exists, stays
// in place untouched.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	if ctx == nil {
		return ErrNilContext
	}

	tracer := otel.Tracer("postgres")

	ctx, span := tracer.Start(ctx, "postgres.connect")
	defer span.End()

	span.SetAttributes(attribute.String(otelutil.AttrDBSystem, otelutil.DBSystemPostgreSQL))

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		otelutil.HandleSpanError(span, "Failed to connect to postgres", err)

		return err
	}

	return nil
}

// connectLocked performs the actual connection. Caller must hold c.mu.
func (c *Client) connectLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	primary, replica, resolver, err := c.buildConnection(ctx)
	if err != nil {
		return err
	}

	if err := resolver.PingContext(ctx); err != nil {
		c.teardown(ctx, resolver, primary, replica)
		c.logAtLevel(ctx, log.LevelError, "failed to ping database", log.Err(err))

		return fmt.Errorf("failed to ping database: %w", err)
	}

	// The new pair is healthy; retire the old one.
	c.teardown(ctx, c.resolver, c.primary, c.replica)

	c.primary = primary
	c.replica = replica
	c.resolver = resolver
	c.connected = true

	warnInsecureDSN(ctx, c.cfg.Logger, c.cfg.PrimaryDSN, "primary")
	warnInsecureDSN(ctx, c.cfg.Logger, c.cfg.ReplicaDSN, "replica")

	c.logAtLevel(ctx, log.LevelInfo, "connected to postgres")

	return nil
}

func (c *Client) buildConnection(ctx context.Context) (*sql.DB, *sql.DB, dbresolver.DB, error) {
	primary, err := dbOpenFn(driverName, c.cfg.PrimaryDSN)
	if err != nil {
		sanitized := newSanitizedError(err, "failed to open database")
		c.logAtLevel(ctx, log.LevelError, "failed to open primary database", log.String("error", sanitized.Error()))

		return nil, nil, nil, sanitized
	}

	c.configurePool(primary)

	replica, err := dbOpenFn(driverName, c.cfg.ReplicaDSN)
	if err != nil {
		_ = closeDB(primary)

		sanitized := newSanitizedError(err, "failed to open database")
		c.logAtLevel(ctx, log.LevelError, "failed to open replica database", log.String("error", sanitized.Error()))

		return nil, nil, nil, sanitized
	}

	c.configurePool(replica)

	resolver, err := createResolverFn(primary, replica, c.cfg.Logger)
	if err != nil {
		_ = closeDB(primary)
		_ = closeDB(replica)

		c.logAtLevel(ctx, log.LevelError, "failed to create resolver", log.Err(err))

		return nil, nil, nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	return primary, replica, resolver, nil
}

func (c *Client) configurePool(db *sql.DB) {
	db.SetMaxOpenConns(c.cfg.MaxOpenConnections)
	db.SetMaxIdleConns(c.cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(c.cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.cfg.ConnMaxIdleTime)
}

// teardown closes a resolver and its database pair, logging failures. Safe
// with nil arguments.
func (c *Client) teardown(ctx context.Context, resolver dbresolver.DB, primary, replica *sql.DB) {
	if resolver != nil {
		if err := resolver.Close(); err != nil {
			c.logAtLevel(ctx, log.LevelWarn, "failed to close previous resolver", log.Err(err))
		}
	}

	if err := closeDB(primary); err != nil {
		c.logAtLevel(ctx, log.LevelWarn, "failed to close previous primary", log.Err(err))
	}

	if err := closeDB(replica); err != nil {
		c.logAtLevel(ctx, log.LevelWarn, "failed to close previous replica", log.Err(err))
	}
}

// Resolver returns the statement-routing database handle, connecting lazily
// on first use.
func (c *Client) Resolver(ctx context.Context) (dbresolver.DB, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	if ctx == nil {
		return nil, ErrNilContext
	}

	c.mu.RLock()

	if c.resolver != nil {
		resolver := c.resolver
		c.mu.RUnlock()

		return resolver, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring the write lock.
	if c.resolver != nil {
		return c.resolver, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.resolver, nil
}

// Primary returns the primary pool for statements that must not be routed to
// a replica.
func (c *Client) Primary() (*sql.DB, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.primary == nil {
		return nil, ErrNotConnected
	}

	return c.primary, nil
}

// Replica returns the read-only replica pool.
func (c *Client) Replica() (*sql.DB, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.replica == nil {
		return nil, ErrNotConnected
	}

	return c.replica, nil
}

// IsConnected reports whether a healthy connection pair is in place.
func (c *Client) IsConnected() (bool, error) {
	if c == nil {
		return false, ErrNilClient
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected && c.resolver != nil, nil
}

// Ping probes both sides of the connected pair through the resolver. Unlike
// Resolver it never connects lazily: an unconnected client is a health
// failure, not a trigger.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	if ctx == nil {
		return ErrNilContext
	}

	tracer := otel.Tracer("postgres")

	ctx, span := tracer.Start(ctx, "postgres.ping")
	defer span.End()

	span.SetAttributes(attribute.String(otelutil.AttrDBSystem, otelutil.DBSystemPostgreSQL))

	c.mu.RLock()
	resolver := c.resolver
	c.mu.RUnlock()

	if resolver == nil {
		otelutil.HandleSpanError(span, "Postgres client not connected", ErrNotConnected)

		return ErrNotConnected
	}

	if err := resolver.PingContext(ctx); err != nil {
		pingErr := fmt.Errorf("failed to ping database: %w", err)
		otelutil.HandleSpanError(span, "Postgres ping failed", pingErr)

		return pingErr
	}

	return nil
}

// Close releases the resolver and both pools. Idempotent.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error

	if c.resolver != nil {
		if err := c.resolver.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close resolver: %w", err))
		}

		c.resolver = nil
	}

	if err := closeDB(c.primary); err != nil {
		errs = append(errs, fmt.Errorf("failed to close primary: %w", err))
	}

	if err := closeDB(c.replica); err != nil {
		errs = append(errs, fmt.Errorf("failed to close replica: %w", err))
	}

	c.primary = nil
	c.replica = nil
	c.connected = false

	return errors.Join(errs...)
}

// logAtLevel logs through the configured logger, tolerating nil receivers
// and nil loggers.
func (c *Client) logAtLevel(ctx context.Context, level log.Level, msg string, fields ...log.Field) {
	if c == nil || c.cfg.Logger == nil {
		return
	}

	c.cfg.Logger.Log(ctx, level, msg, fields...)
}

func closeDB(db *sql.DB) error {
	if db == nil {
		return nil
	}

	return db.Close()
}
