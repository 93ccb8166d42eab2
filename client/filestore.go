package client

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/walletconnect/wc-relay-go/internal/fsstore"
)

// fileStoreDocument is the on-disk shape for a FileStore: a version tag
// plus the record map, one shape shared by every Store[K, V] instance.
type fileStoreDocument[K ~string, V any] struct {
	Version int     `json:"version"`
	Records map[K]V `json:"records"`
}

const fileStoreVersion = 1

// FileStore is a mutex-guarded, atomic-write file backend for
// Store[K, V], built on internal/fsstore's atomic JSON helpers.
type FileStore[K ~string, V any] struct {
	path string

	mu      sync.Mutex
	loaded  bool
	records map[K]V
}

// NewFileStore constructs a FileStore backed by the JSON file at path.
func NewFileStore[K ~string, V any](path string) *FileStore[K, V] {
	return &FileStore[K, V]{path: path}
}

func (s *FileStore[K, V]) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLoadedLocked()
}

func (s *FileStore[K, V]) Set(ctx context.Context, key K, value V, createOnly bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return err
	}
	if createOnly {
		if _, ok := s.records[key]; ok {
			return fmt.Errorf("set %q: %w", key, ErrAlreadyExists)
		}
	}
	s.records[key] = value
	return s.persistLocked()
}

func (s *FileStore[K, V]) Get(ctx context.Context, key K) (V, error) {
	var zero V
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return zero, err
	}
	value, ok := s.records[key]
	if !ok {
		return zero, fmt.Errorf("get %q: %w", key, ErrNoMatchingKey)
	}
	return value, nil
}

func (s *FileStore[K, V]) GetAll(ctx context.Context, predicate func(V) bool) ([]V, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	keys := sortedKeysLocked(s.records)
	out := make([]V, 0, len(keys))
	for _, k := range keys {
		v := s.records[k]
		if predicate == nil || predicate(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *FileStore[K, V]) Update(ctx context.Context, key K, merge func(current V, existed bool) V) (V, error) {
	var zero V
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return zero, err
	}
	current, existed := s.records[key]
	updated := merge(current, existed)
	s.records[key] = updated
	if err := s.persistLocked(); err != nil {
		return zero, err
	}
	return updated, nil
}

func (s *FileStore[K, V]) Delete(ctx context.Context, key K, reason string) error {
	_ = reason
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return err
	}
	if _, ok := s.records[key]; !ok {
		return nil
	}
	delete(s.records, key)
	return s.persistLocked()
}

func (s *FileStore[K, V]) Keys(ctx context.Context) ([]K, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	return sortedKeysLocked(s.records), nil
}

func (s *FileStore[K, V]) Values(ctx context.Context) ([]V, error) {
	return s.GetAll(ctx, nil)
}

func (s *FileStore[K, V]) ensureLoadedLocked() error {
	if s.loaded {
		return nil
	}
	var doc fileStoreDocument[K, V]
	ok, err := fsstore.ReadJSON(s.path, &doc)
	if err != nil {
		return fmt.Errorf("load store %s: %w", s.path, err)
	}
	if !ok || doc.Records == nil {
		doc.Records = make(map[K]V)
	}
	s.records = doc.Records
	s.loaded = true
	return nil
}

func (s *FileStore[K, V]) persistLocked() error {
	doc := fileStoreDocument[K, V]{Version: fileStoreVersion, Records: s.records}
	if err := fsstore.WriteJSONAtomic(s.path, doc, fsstore.FileOptions{}); err != nil {
		return fmt.Errorf("persist store %s: %w", s.path, err)
	}
	return nil
}

func sortedKeysLocked[K ~string, V any](records map[K]V) []K {
	keys := make([]K, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
