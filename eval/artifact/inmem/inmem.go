// Package inmem provides an in-memory implementation of artifact.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable and should not be used in production.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"goa.design/rewind/eval/artifact"
)

// Store implements artifact.Store in memory.
type Store struct {
	mu        sync.RWMutex
	artifacts map[string]*artifact.Artifact
}

// New returns a new in-memory artifact store.
func New() *Store {
	return &Store{artifacts: make(map[string]*artifact.Artifact)}
}

// Save implements artifact.Store. Saving the same trace ID twice with
// different content is rejected: artifacts are immutable after creation.
func (s *Store) Save(_ context.Context, a *artifact.Artifact) (string, error) {
	if a == nil {
		return "", errors.New("artifact is required")
	}
	if a.TraceID == "" {
		return "", errors.New("trace id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[a.TraceID]; ok {
		return "", fmt.Errorf("trace %q already stored; artifacts are immutable", a.TraceID)
	}
	cp := *a
	s.artifacts[a.TraceID] = &cp
	return a.TraceID, nil
}

// Get implements artifact.Store.
func (s *Store) Get(_ context.Context, traceID string) (*artifact.Artifact, error) {
	if traceID == "" {
		return nil, errors.New("trace id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[traceID]
	if !ok {
		return nil, &artifact.NotFoundError{TraceID: traceID, Available: s.idsLocked()}
	}
	cp := *a
	return &cp, nil
}

// List implements artifact.Store.
func (s *Store) List(_ context.Context) ([]artifact.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]artifact.Summary, 0, len(s.artifacts))
	for _, id := range s.idsLocked() {
		out = append(out, artifact.Summarize(s.artifacts[id]))
	}
	return out, nil
}

func (s *Store) idsLocked() []string {
	ids := make([]string, 0, len(s.artifacts))
	for id := range s.artifacts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
