package main

import (
	"context"
	"fmt"
	"log/slog"

	"pastebin/internal/config"
	"pastebin/internal/storage"
	"pastebin/internal/storage/boltstore"
	"pastebin/internal/storage/dynamostore"
	"pastebin/internal/storage/mongostore"
	"pastebin/internal/storage/redisstore"
	"pastebin/internal/storage/sqlitestore"
)

// openStore opens the backend named by cfg.Backend.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Port, error) {
	switch cfg.Backend {
	case config.BackendBolt:
		logger.Info("opening bolt store", "path", cfg.DataPath)
		return boltstore.Open(cfg.DataPath)
	case config.BackendSQLite:
		logger.Info("opening sqlite store", "path", cfg.DataPath)
		return sqlitestore.Open(cfg.DataPath)
	case config.BackendMongo:
		logger.Info("connecting to mongo", "database", cfg.MongoDatabase, "collection", cfg.MongoCollection)
		return mongostore.Open(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection)
	case config.BackendRedis:
		logger.Info("connecting to redis", "prefix", cfg.RedisPrefix)
		return redisstore.Open(ctx, cfg.RedisURL, cfg.RedisPrefix)
	case config.BackendDynamo:
		logger.Info("connecting to dynamodb", "table", cfg.DynamoTable, "endpoint", cfg.DynamoEndpoint)
		return dynamostore.Open(ctx, dynamostore.Options{
			Table:    cfg.DynamoTable,
			Region:   cfg.DynamoRegion,
			Endpoint: cfg.DynamoEndpoint,
			// Only local endpoints (DynamoDB Local) get their table created on demand.
			CreateTable: cfg.DynamoEndpoint != "",
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
