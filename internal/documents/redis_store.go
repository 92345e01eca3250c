package documents

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultRedisKeyPrefix = "coedit:document:"
	redisFieldContent     = "content"
	redisFieldCreatedAt   = "created_at_s"
	redisFieldUpdatedAt   = "updated_at_s"
	opRedisStoreNew       = "documents.redis_store.new"
)

var errMissingRedisClient = errors.New("redis client is required")

// RedisStoreConfig describes the dependencies of a RedisStore.
type RedisStoreConfig struct {
	Client    redis.UniversalClient
	KeyPrefix string
	Clock     func() time.Time
	Logger    *zap.Logger
}

// RedisStore keeps each snapshot in a hash keyed by document id.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	clock  func() time.Time
	logger *zap.Logger
}

// NewRedisStore constructs a Redis-backed Store.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, newServiceError(opRedisStoreNew, "missing_client", errMissingRedisClient)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &RedisStore{client: cfg.Client, prefix: prefix, clock: clock, logger: logger}, nil
}

func (store *RedisStore) key(documentID DocumentID) string {
	return store.prefix + documentID.String()
}

func (store *RedisStore) Get(ctx context.Context, documentID DocumentID) (Snapshot, error) {
	fields, err := store.client.HGetAll(ctx, store.key(documentID)).Result()
	if err != nil {
		store.logError(opStoreGet, reasonQuery, err, zap.String(fieldDocumentID, documentID.String()))
		return Snapshot{}, unavailable(opStoreGet, reasonQuery, err)
	}
	if len(fields) == 0 {
		return Snapshot{}, ErrDocumentNotFound
	}
	content, err := NewContent([]byte(fields[redisFieldContent]))
	if err != nil {
		store.logError(opStoreGet, reasonBadContent, err, zap.String(fieldDocumentID, documentID.String()))
		return Snapshot{}, newServiceError(opStoreGet, reasonBadContent, err)
	}
	updatedAt, _ := strconv.ParseInt(fields[redisFieldUpdatedAt], 10, 64)
	return Snapshot{
		DocumentID:       documentID,
		Content:          content,
		UpdatedAtSeconds: updatedAt,
	}, nil
}

func (store *RedisStore) Put(ctx context.Context, documentID DocumentID, content Content) error {
	now := store.clock().UTC().Unix()
	key := store.key(documentID)
	_, err := store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, redisFieldCreatedAt, now)
		pipe.HSet(ctx, key, redisFieldContent, content.String(), redisFieldUpdatedAt, now)
		return nil
	})
	if err != nil {
		store.logError(opStorePut, reasonUpsert, err, zap.String(fieldDocumentID, documentID.String()))
		return unavailable(opStorePut, reasonUpsert, err)
	}
	return nil
}

func (store *RedisStore) Ensure(ctx context.Context, documentID DocumentID) error {
	now := store.clock().UTC().Unix()
	key := store.key(documentID)
	_, err := store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, redisFieldContent, "")
		pipe.HSetNX(ctx, key, redisFieldCreatedAt, now)
		pipe.HSetNX(ctx, key, redisFieldUpdatedAt, now)
		return nil
	})
	if err != nil {
		store.logError(opStoreEnsure, reasonInsert, err, zap.String(fieldDocumentID, documentID.String()))
		return unavailable(opStoreEnsure, reasonInsert, err)
	}
	return nil
}

func (store *RedisStore) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	store.logger.Error("document store error", attrs...)
}
