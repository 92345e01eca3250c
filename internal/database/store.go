package database

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/config"
	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const redisPingTimeout = 5 * time.Second

// OpenStore builds the document store selected by driver. The returned
// close function releases the underlying connection.
func OpenStore(ctx context.Context, driver, dsn string, logger *zap.Logger) (documents.Store, func() error, error) {
	switch driver {
	case config.StoreDriverSQLite:
		db, err := OpenSQLite(dsn, logger)
		if err != nil {
			return nil, nil, err
		}
		return gormStore(db, logger)
	case config.StoreDriverPostgres:
		db, err := OpenPostgres(dsn, logger)
		if err != nil {
			return nil, nil, err
		}
		return gormStore(db, logger)
	case config.StoreDriverRedis:
		return openRedisStore(ctx, dsn, logger)
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}

func gormStore(db *gorm.DB, logger *zap.Logger) (documents.Store, func() error, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	store, err := documents.NewGormStore(documents.GormStoreConfig{Database: db, Logger: logger})
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	return store, sqlDB.Close, nil
}

func openRedisStore(ctx context.Context, dsn string, logger *zap.Logger) (documents.Store, func() error, error) {
	options, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis dsn: %w", err)
	}
	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("%w: redis ping: %w", documents.ErrStoreUnavailable, err)
	}

	store, err := documents.NewRedisStore(documents.RedisStoreConfig{Client: client, Logger: logger})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	if logger != nil {
		logger.Info("redis store initialized", zap.String("addr", options.Addr), zap.Int("db", options.DB))
	}
	return store, client.Close, nil
}
