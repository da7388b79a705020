package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/LerianStudio/lib-uow/uow/internal/otelutil"
	"github.com/LerianStudio/lib-uow/uow/log"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migration source
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrNilMigrator is returned when a *Migrator receiver is nil.
	ErrNilMigrator = errors.New("postgres migrator is nil")
	// ErrInvalidDatabaseName indicates the database name is not a valid
	// postgres identifier.
	ErrInvalidDatabaseName = errors.New("invalid database name")
	// ErrMigrationDirty indicates a previous migration run left the schema
	// version dirty and manual intervention is required.
	ErrMigrationDirty = errors.New("database schema is dirty")
)

var dbNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// MigrationConfig configures a schema migration run against the primary.
// Either MigrationsPath (explicit directory) or Component (conventional
// components/<name>/migrations layout) must be set.
type MigrationConfig struct {
	PrimaryDSN           string
	DatabaseName         string
	MigrationsPath       string
	Component            string
	AllowMultiStatements bool
	Logger               log.Logger
}

func (cfg MigrationConfig) validate() error {
	if strings.TrimSpace(cfg.PrimaryDSN) == "" {
		return fmt.Errorf("%w: primary DSN cannot be empty", ErrInvalidConfig)
	}

	if err := validateDBName(cfg.DatabaseName); err != nil {
		return err
	}

	if strings.TrimSpace(cfg.MigrationsPath) == "" && strings.TrimSpace(cfg.Component) == "" {
		return fmt.Errorf("%w: migrations path or component is required", ErrInvalidConfig)
	}

	return nil
}

func (cfg MigrationConfig) withDefaults() MigrationConfig {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	return cfg
}

// validateDBName enforces postgres identifier rules on the database name
// before it reaches the migration driver.
func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidDatabaseName, name)
	}

	return nil
}

// sanitizePath rejects traversal segments and returns a cleaned absolute
// path.
func sanitizePath(path string) (string, error) {
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("invalid migrations path %q: must not contain traversal segments", path)
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("invalid migrations path %q: %w", path, err)
	}

	return abs, nil
}

// resolveMigrationsPath picks the migrations directory: an explicit path
// wins, otherwise the conventional component layout is used.
func resolveMigrationsPath(path, component string) (string, error) {
	if strings.TrimSpace(path) != "" {
		return sanitizePath(path)
	}

	if strings.TrimSpace(component) != "" {
		base := filepath.Base(component)
		if base == "." || base == string(filepath.Separator) {
			return "", fmt.Errorf("invalid component name %q", component)
		}

		return sanitizePath(filepath.Join("components", base, "migrations"))
	}

	return "", errors.New("invalid migrations path: no path or component provided")
}

// Migrator applies file-based schema migrations to the primary database.
type Migrator struct {
	cfg MigrationConfig
}

// NewMigrator validates cfg and returns a migrator ready to run.
func NewMigrator(cfg MigrationConfig) (*Migrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Migrator{cfg: cfg.withDefaults()}, nil
}

// Up applies all pending migrations. A database with no pending migrations
// or a missing migrations directory is not an error; a dirty schema version
// is reported as ErrMigrationDirty.
func (m *Migrator) Up(ctx context.Context) error {
	if m == nil {
		return ErrNilMigrator
	}

	if ctx == nil {
		return ErrNilContext
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before migration: %w", err)
	}

	tracer := otel.Tracer("postgres")

	ctx, span := tracer.Start(ctx, "postgres.migrate")
	defer span.End()

	span.SetAttributes(attribute.String(otelutil.AttrDBSystem, otelutil.DBSystemPostgreSQL))

	db, err := dbOpenFn(driverName, m.cfg.PrimaryDSN)
	if err != nil {
		sanitized := newSanitizedError(err, "failed to open database for migration")
		otelutil.HandleSpanError(span, "Failed to open database for migration", sanitized)

		return sanitized
	}

	defer func() {
		if closeErr := closeDB(db); closeErr != nil {
			m.logAtLevel(ctx, log.LevelWarn, "failed to close migration connection", log.Err(closeErr))
		}
	}()

	path, err := resolveMigrationsPath(m.cfg.MigrationsPath, m.cfg.Component)
	if err != nil {
		otelutil.HandleSpanError(span, "Failed to resolve migrations path", err)

		return err
	}

	outcome := classifyMigrationError(
		runMigrationsFn(ctx, db, path, m.cfg.DatabaseName, m.cfg.AllowMultiStatements, m.cfg.Logger),
	)

	if outcome.message != "" {
		m.logAtLevel(ctx, outcome.level, outcome.message, outcome.fields...)
	}

	if outcome.err != nil {
		otelutil.HandleSpanError(span, "Migration failed", outcome.err)
	}

	return outcome.err
}

func (m *Migrator) logAtLevel(ctx context.Context, level log.Level, msg string, fields ...log.Field) {
	if m == nil || m.cfg.Logger == nil {
		return
	}

	m.cfg.Logger.Log(ctx, level, msg, fields...)
}

// migrationOutcome is the interpreted result of a migration run: what to
// return to the caller and what to log.
type migrationOutcome struct {
	err     error
	level   log.Level
	message string
	fields  []log.Field
}

// classifyMigrationError maps raw golang-migrate errors onto caller-facing
// outcomes. Benign conditions (no pending change, missing directory) clear
// the error and only log.
func classifyMigrationError(err error) migrationOutcome {
	if err == nil {
		return migrationOutcome{}
	}

	if errors.Is(err, migrate.ErrNoChange) {
		return migrationOutcome{
			level:   log.LevelInfo,
			message: "no new migrations to apply",
		}
	}

	if errors.Is(err, os.ErrNotExist) {
		return migrationOutcome{
			level:   log.LevelWarn,
			message: "no migration files found, skipping migrations",
		}
	}

	var dirty migrate.ErrDirty
	if errors.As(err, &dirty) {
		return migrationOutcome{
			err:     fmt.Errorf("%w: version %d", ErrMigrationDirty, dirty.Version),
			level:   log.LevelError,
			message: "migration failed on a dirty schema version",
			fields:  []log.Field{log.Int("version", dirty.Version)},
		}
	}

	return migrationOutcome{
		err:     fmt.Errorf("migration failed: %w", err),
		level:   log.LevelError,
		message: "migration failed",
		fields:  []log.Field{log.Err(err)},
	}
}

// runMigrations executes pending migrations through golang-migrate. Errors
// are returned raw for classifyMigrationError to interpret.
func runMigrations(ctx context.Context, db *sql.DB, path, dbName string, allowMulti bool, logger log.Logger) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before migration: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		DatabaseName:          dbName,
		MultiStatementEnabled: allowMulti,
	})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithDatabaseInstance("file://"+path, dbName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if logger != nil {
		logger.Log(ctx, log.LevelDebug, "running migrations",
			log.String("database", dbName),
			log.String("path", path),
		)
	}

	return migrator.Up()
}
