// Package vector holds the embedders and the per-owner vector index the
// memory indexer writes to.
package vector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// Document is one searchable entry in an owner's collection.
type Document struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]string
}

type Match struct {
	ID         string
	Content    string
	Metadata   map[string]string
	Similarity float32
}

type Index interface {
	Upsert(ctx context.Context, ownerID string, docs ...Document) error
	Query(ctx context.Context, ownerID string, embedding []float32, k int) ([]Match, error)
	Delete(ctx context.Context, ownerID string, ids ...string) error
	Count(ownerID string) (int, error)
}

var errEmbeddingRequired = errors.New("documents must carry a precomputed embedding")

// ChromemIndex keeps one chromem collection per owner.
type ChromemIndex struct {
	db          *chromem.DB
	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// NewChromemIndex opens a persistent index at path, or an in-memory one
// when path is empty.
func NewChromemIndex(path string, compress bool) (*ChromemIndex, error) {
	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(path, compress)
		if err != nil {
			return nil, fmt.Errorf("open vector db: %w", err)
		}
	}
	return &ChromemIndex{
		db:          db,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

// CollectionName is the chromem collection holding ownerID's memories.
func CollectionName(ownerID string) string {
	return "user_" + ownerID
}

func (x *ChromemIndex) collection(ownerID string) (*chromem.Collection, error) {
	x.mu.RLock()
	col, ok := x.collections[ownerID]
	x.mu.RUnlock()
	if ok {
		return col, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if col, ok := x.collections[ownerID]; ok {
		return col, nil
	}
	col, err := x.db.GetOrCreateCollection(CollectionName(ownerID), nil, refuseEmbedding)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", CollectionName(ownerID), err)
	}
	x.collections[ownerID] = col
	return col, nil
}

func refuseEmbedding(context.Context, string) ([]float32, error) {
	return nil, errEmbeddingRequired
}

func (x *ChromemIndex) Upsert(ctx context.Context, ownerID string, docs ...Document) error {
	if len(docs) == 0 {
		return nil
	}
	col, err := x.collection(ownerID)
	if err != nil {
		return err
	}
	batch := make([]chromem.Document, 0, len(docs))
	for _, d := range docs {
		if len(d.Embedding) == 0 {
			return fmt.Errorf("upsert %s: %w", d.ID, errEmbeddingRequired)
		}
		batch = append(batch, chromem.Document{
			ID:        d.ID,
			Content:   d.Content,
			Embedding: d.Embedding,
			Metadata:  d.Metadata,
		})
	}
	if err := col.AddDocuments(ctx, batch, 1); err != nil {
		return fmt.Errorf("add documents: %w", err)
	}
	return nil
}

func (x *ChromemIndex) Query(ctx context.Context, ownerID string, embedding []float32, k int) ([]Match, error) {
	col, err := x.collection(ownerID)
	if err != nil {
		return nil, err
	}
	// chromem rejects nResults above the collection size.
	if n := col.Count(); k > n {
		k = n
	}
	if k <= 0 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, embedding, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}
	out := make([]Match, 0, len(results))
	for _, r := range results {
		out = append(out, Match{ID: r.ID, Content: r.Content, Metadata: r.Metadata, Similarity: r.Similarity})
	}
	return out, nil
}

func (x *ChromemIndex) Delete(ctx context.Context, ownerID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	col, err := x.collection(ownerID)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	return nil
}

func (x *ChromemIndex) Count(ownerID string) (int, error) {
	col, err := x.collection(ownerID)
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}
