// Package mongo wires the memory.VectorStore interface to the MongoDB client.
package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/loom/features/memory/mongo/clients/mongo"
	"goa.design/loom/runtime/memory"
)

// Options configures the Store wrapper.
type Options struct {
	Client clientsmongo.Client
}

// Store implements memory.VectorStore by delegating to the Mongo client.
// Pass it to memory.WithVectorStore to make L4 durable across restarts.
type Store struct {
	client clientsmongo.Client
}

var _ memory.VectorStore = (*Store)(nil)

// NewStore builds a Mongo-backed vector store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromMongo is a helper that instantiates the underlying client using the given options.
func NewStoreFromMongo(opts clientsmongo.Options) (*Store, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client})
}

// Upsert stores the entry under its id, replacing any previous version.
func (s *Store) Upsert(ctx context.Context, entry *memory.Entry) error {
	return s.client.Upsert(ctx, entry)
}

// Search returns the k stored entries most similar to vector, highest
// score first.
func (s *Store) Search(ctx context.Context, vector []float32, k int) ([]memory.Hit, error) {
	return s.client.Search(ctx, vector, k)
}

// Delete removes the entry with the given id if present.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.client.Delete(ctx, id)
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) error {
	return s.client.Clear(ctx)
}
