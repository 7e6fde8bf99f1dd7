// Package mongo provides a MongoDB-backed artifact store.
package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/rewind/features/store/mongo/clients/mongo"

	"goa.design/rewind/eval/artifact"
)

// Store implements artifact.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Save persists the artifact. Saving an already stored trace ID fails.
func (s *Store) Save(ctx context.Context, a *artifact.Artifact) (string, error) {
	return s.client.SaveArtifact(ctx, a)
}

// Get loads an artifact by trace ID.
func (s *Store) Get(ctx context.Context, traceID string) (*artifact.Artifact, error) {
	return s.client.GetArtifact(ctx, traceID)
}

// List returns summaries of every stored artifact, sorted by trace ID.
func (s *Store) List(ctx context.Context) ([]artifact.Summary, error) {
	return s.client.ListArtifacts(ctx)
}
