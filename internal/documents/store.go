package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew       = "documents.store.new"
	opStoreGet       = "documents.get"
	opStorePut       = "documents.put"
	opStoreEnsure    = "documents.ensure"
	fieldDocumentID  = "document_id"
	queryDocumentID  = fieldDocumentID + " = ?"
	columnContent    = "content"
	columnUpdatedAt  = "updated_at_s"
	reasonQuery      = "query_failed"
	reasonUpsert     = "upsert_failed"
	reasonInsert     = "insert_failed"
	reasonMissingDB  = "missing_database"
	reasonBadContent = "content_invalid"
)

// Store persists one opaque snapshot per document id.
type Store interface {
	// Get returns the stored snapshot or ErrDocumentNotFound.
	Get(ctx context.Context, documentID DocumentID) (Snapshot, error)
	// Put overwrites the snapshot for the id, creating it when absent.
	Put(ctx context.Context, documentID DocumentID, content Content) error
	// Ensure creates an empty record when none exists and leaves existing content untouched.
	Ensure(ctx context.Context, documentID DocumentID) error
}

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func unavailable(operation, reason string, cause error) error {
	return newServiceError(operation, reason, fmt.Errorf("%w: %w", ErrStoreUnavailable, cause))
}

// GormStoreConfig describes the dependencies of a GormStore.
type GormStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// GormStore keeps snapshots in the documents table of a SQL database.
type GormStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewGormStore constructs a SQL-backed Store.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDB, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &GormStore{db: cfg.Database, clock: clock, logger: logger}, nil
}

func (store *GormStore) Get(ctx context.Context, documentID DocumentID) (Snapshot, error) {
	var record Document
	err := store.db.WithContext(ctx).Where(queryDocumentID, documentID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, ErrDocumentNotFound
	}
	if err != nil {
		store.logError(opStoreGet, reasonQuery, err, zap.String(fieldDocumentID, documentID.String()))
		return Snapshot{}, unavailable(opStoreGet, reasonQuery, err)
	}
	content, err := NewContent([]byte(record.Content))
	if err != nil {
		store.logError(opStoreGet, reasonBadContent, err, zap.String(fieldDocumentID, documentID.String()))
		return Snapshot{}, newServiceError(opStoreGet, reasonBadContent, err)
	}
	return Snapshot{
		DocumentID:       documentID,
		Content:          content,
		UpdatedAtSeconds: record.UpdatedAtSeconds,
	}, nil
}

func (store *GormStore) Put(ctx context.Context, documentID DocumentID, content Content) error {
	now := store.clock().UTC().Unix()
	record := Document{
		DocumentID:       documentID.String(),
		Content:          content.String(),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: fieldDocumentID}},
		DoUpdates: clause.AssignmentColumns([]string{columnContent, columnUpdatedAt}),
	}).Create(&record).Error
	if err != nil {
		store.logError(opStorePut, reasonUpsert, err, zap.String(fieldDocumentID, documentID.String()))
		return unavailable(opStorePut, reasonUpsert, err)
	}
	return nil
}

func (store *GormStore) Ensure(ctx context.Context, documentID DocumentID) error {
	now := store.clock().UTC().Unix()
	record := Document{
		DocumentID:       documentID.String(),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
	if err != nil {
		store.logError(opStoreEnsure, reasonInsert, err, zap.String(fieldDocumentID, documentID.String()))
		return unavailable(opStoreEnsure, reasonInsert, err)
	}
	return nil
}

func (store *GormStore) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	store.logger.Error("document store error", attrs...)
}
