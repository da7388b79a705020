package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/LerianStudio/lib-uow/uow/internal/otelutil"
	"github.com/LerianStudio/lib-uow/uow/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// attrCollection is the OTEL attribute key for the target collection.
const attrCollection = "db.mongodb.collection"

// EnsureIndexes creates indexes for a collection if they do not already
// exist. Creation failures are collected per index; the joined error is
// returned after every model was attempted.
func (c *Client) EnsureIndexes(ctx context.Context, collection string, indexes ...mongo.IndexModel) error {
	if c == nil {
		return ErrNilClient
	}

	if ctx == nil {
		return ErrNilContext
	}

	if strings.TrimSpace(collection) == "" {
		return ErrEmptyCollectionName
	}

	if len(indexes) == 0 {
		return ErrEmptyIndexes
	}

	tracer := otel.Tracer("mongodb")

	ctx, span := tracer.Start(ctx, "mongodb.ensure_indexes")
	defer span.End()

	span.SetAttributes(
		attribute.String(otelutil.AttrDBSystem, otelutil.DBSystemMongoDB),
		attribute.String(attrCollection, collection),
	)

	client, err := c.Client(ctx)
	if err != nil {
		otelutil.HandleSpanError(span, "Failed to get mongo client for ensure indexes", err)

		return err
	}

	databaseName, err := c.DatabaseName()
	if err != nil {
		otelutil.HandleSpanError(span, "Failed to get database name for ensure indexes", err)

		return err
	}

	var indexErrors []error

	for _, index := range indexes {
		if err := ctx.Err(); err != nil {
			indexErrors = append(indexErrors, fmt.Errorf("%w: context cancelled: %w", ErrCreateIndex, err))

			break
		}

		fields := indexKeysString(index.Keys)

		if fields == "<unknown>" {
			c.logAtLevel(ctx, log.LevelWarn, "unrecognized index key type; expected bson.D or bson.M",
				log.String("collection", collection))
		}

		c.log(ctx, "ensuring mongo index", log.String("collection", collection), log.String("fields", fields))

		if err := c.deps.createIndex(ctx, client, databaseName, collection, index); err != nil {
			c.logAtLevel(ctx, log.LevelWarn, "failed to create mongo index",
				log.String("collection", collection),
				log.String("fields", fields),
				log.Err(err),
			)

			indexErrors = append(indexErrors, fmt.Errorf("%w: collection=%s fields=%s: %w", ErrCreateIndex, collection, fields, err))
		}
	}

	if len(indexErrors) > 0 {
		joinedErr := errors.Join(indexErrors...)
		otelutil.HandleSpanError(span, "Failed to ensure some mongo indexes", joinedErr)

		return joinedErr
	}

	return nil
}

// indexKeysString renders index keys for logging.
func indexKeysString(keys any) string {
	switch k := keys.(type) {
	case bson.D:
		parts := make([]string, 0, len(k))
		for _, e := range k {
			parts = append(parts, e.Key)
		}

		return strings.Join(parts, ",")
	case bson.M:
		parts := make([]string, 0, len(k))
		for key := range k {
			parts = append(parts, key)
		}

		sort.Strings(parts)

		return strings.Join(parts, ",")
	default:
		return "<unknown>"
	}
}
