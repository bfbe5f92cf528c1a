package ledger

import (
	"context"
	"fmt"

	"github.com/ILLUVRSE/docflow/internal/models"
	"github.com/ILLUVRSE/docflow/internal/store"
)

// IndexStore reads reverse lookups registered when a request is inserted.
type IndexStore interface {
	RequestIDs(ctx context.Context, dim store.Dimension, key string) ([]string, error)
}

// Index answers requester, approver and document lookups in insertion order.
type Index struct {
	store IndexStore
}

func NewIndex(s IndexStore) *Index {
	return &Index{store: s}
}

func (x *Index) ByRequester(ctx context.Context, p models.Principal) ([]string, error) {
	return x.lookup(ctx, store.ByRequester, string(p))
}

func (x *Index) ByApprover(ctx context.Context, p models.Principal) ([]string, error) {
	return x.lookup(ctx, store.ByApprover, string(p))
}

func (x *Index) ByDocument(ctx context.Context, documentID string) ([]string, error) {
	return x.lookup(ctx, store.ByDocument, documentID)
}

func (x *Index) lookup(ctx context.Context, dim store.Dimension, key string) ([]string, error) {
	ids, err := x.store.RequestIDs(ctx, dim, key)
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", dim, err)
	}
	return ids, nil
}
