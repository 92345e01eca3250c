package documents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	opLoaderNew  = "documents.loader.new"
	opLoad       = "documents.load"
	loadTimeout  = 10 * time.Second
	reasonEnsure = "ensure_failed"
	reasonGet    = "get_failed"
)

var errMissingStore = errors.New("document store is required")

// DefaultBootstrapTemplate is served for documents that have no content yet
// so clients never open a literally blank editor.
var DefaultBootstrapTemplate = Content(`{"ops":[{"insert":"Untitled document"},{"insert":"\n","attributes":{"header":1}},{"insert":"Start typing to collaborate.\n"}]}`)

// LoadBootstrapTemplate reads a template from disk, falling back to
// DefaultBootstrapTemplate when path is empty.
func LoadBootstrapTemplate(path string) (Content, error) {
	if path == "" {
		return DefaultBootstrapTemplate, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("documents: read bootstrap template: %w", err)
	}
	content, err := NewContent(raw)
	if err != nil {
		return nil, err
	}
	if content.IsEmpty() {
		return nil, fmt.Errorf("%w: bootstrap template is empty", ErrInvalidContent)
	}
	return content, nil
}

// LoadResult is the initial content handed to a joining client.
type LoadResult struct {
	DocumentID DocumentID
	Content    Content
	// Bootstrap is set when Content is the template rather than stored data.
	Bootstrap bool
}

// LoaderConfig describes the dependencies of a Loader.
type LoaderConfig struct {
	Store    Store
	Template Content
	Logger   *zap.Logger
}

// Loader resolves a document id to its current content, creating the record on first access.
type Loader struct {
	store    Store
	template Content
	logger   *zap.Logger
	inflight singleflight.Group
}

// NewLoader constructs a Loader.
func NewLoader(cfg LoaderConfig) (*Loader, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opLoaderNew, "missing_store", errMissingStore)
	}
	template := cfg.Template
	if template.IsEmpty() {
		template = DefaultBootstrapTemplate
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Loader{store: cfg.Store, template: template, logger: logger}, nil
}

// Load returns the current content for documentID. Store failures are
// returned wrapped in ErrStoreUnavailable; no content is invented for them.
func (loader *Loader) Load(ctx context.Context, documentID DocumentID) (LoadResult, error) {
	resultCh := loader.inflight.DoChan(documentID.String(), func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return loader.load(loadCtx, documentID)
	})
	select {
	case <-ctx.Done():
		return LoadResult{}, ctx.Err()
	case result := <-resultCh:
		if result.Err != nil {
			return LoadResult{}, result.Err
		}
		return result.Val.(LoadResult), nil
	}
}

func (loader *Loader) load(ctx context.Context, documentID DocumentID) (LoadResult, error) {
	snapshot, err := loader.store.Get(ctx, documentID)
	switch {
	case errors.Is(err, ErrDocumentNotFound):
		if ensureErr := loader.store.Ensure(ctx, documentID); ensureErr != nil {
			return LoadResult{}, newServiceError(opLoad, reasonEnsure, ensureErr)
		}
		loader.logger.Info("document created",
			zap.String(fieldDocumentID, documentID.String()))
		return loader.bootstrap(documentID), nil
	case err != nil:
		return LoadResult{}, newServiceError(opLoad, reasonGet, err)
	}
	if snapshot.Content.IsEmpty() {
		return loader.bootstrap(documentID), nil
	}
	return LoadResult{DocumentID: documentID, Content: snapshot.Content}, nil
}

func (loader *Loader) bootstrap(documentID DocumentID) LoadResult {
	return LoadResult{DocumentID: documentID, Content: loader.template, Bootstrap: true}
}
