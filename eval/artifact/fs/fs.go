// Package fs provides a filesystem-backed implementation of artifact.Store.
// Each artifact is persisted as one pretty-printed JSON document with
// deterministic key order, named <trace_id>.json under the store directory
// (by convention .eval/traces).
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"goa.design/rewind/eval/artifact"
)

// Store implements artifact.Store on a directory of JSON files.
type Store struct {
	dir string
}

// DefaultDir is the conventional trace directory.
const DefaultDir = ".eval/traces"

// New returns a filesystem store rooted at dir, creating the directory if
// needed. An empty dir uses DefaultDir.
func New(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// Save implements artifact.Store. The artifact is written atomically via a
// temporary file rename; an existing trace file is never overwritten because
// artifacts are immutable after creation.
func (s *Store) Save(_ context.Context, a *artifact.Artifact) (string, error) {
	if a == nil {
		return "", errors.New("artifact is required")
	}
	if a.TraceID == "" {
		return "", errors.New("trace id is required")
	}
	path := s.path(a.TraceID)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("trace %q already stored; artifacts are immutable", a.TraceID)
	}

	b, err := artifact.MarshalCanonicalIndent(a)
	if err != nil {
		return "", fmt.Errorf("serialize trace %q: %w", a.TraceID, err)
	}
	tmp, err := os.CreateTemp(s.dir, a.TraceID+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("write trace %q: %w", a.TraceID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		tmp.Close()           //nolint:errcheck // already failing
		os.Remove(tmpName)    //nolint:errcheck // best effort
		return "", fmt.Errorf("write trace %q: %w", a.TraceID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck // best effort
		return "", fmt.Errorf("write trace %q: %w", a.TraceID, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName) //nolint:errcheck // best effort
		return "", fmt.Errorf("write trace %q: %w", a.TraceID, err)
	}
	return a.TraceID, nil
}

// Get implements artifact.Store.
func (s *Store) Get(_ context.Context, traceID string) (*artifact.Artifact, error) {
	if traceID == "" {
		return nil, errors.New("trace id is required")
	}
	b, err := os.ReadFile(s.path(traceID))
	if err != nil {
		if os.IsNotExist(err) {
			ids, idsErr := s.ids()
			if idsErr != nil {
				ids = nil
			}
			return nil, &artifact.NotFoundError{TraceID: traceID, Available: ids}
		}
		return nil, fmt.Errorf("read trace %q: %w", traceID, err)
	}
	var a artifact.Artifact
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("decode trace %q: %w", traceID, err)
	}
	return &a, nil
}

// List implements artifact.Store.
func (s *Store) List(ctx context.Context) ([]artifact.Summary, error) {
	ids, err := s.ids()
	if err != nil {
		return nil, err
	}
	out := make([]artifact.Summary, 0, len(ids))
	for _, id := range ids {
		a, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, artifact.Summarize(a))
	}
	return out, nil
}

func (s *Store) path(traceID string) string {
	return filepath.Join(s.dir, traceID+".json")
}

func (s *Store) ids() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list trace directory %s: %w", s.dir, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}
