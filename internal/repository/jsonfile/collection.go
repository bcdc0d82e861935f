// Package jsonfile implements the repository ports on top of one JSON file
// per collection. Each file holds a single object keyed by entity id plus a
// file-level version counter; writes go to a temp file in the same directory
// and land via rename, so readers never observe a partial write. Suitable for
// single-process deployments.
package jsonfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"hostbroker/internal/errors"
)

// document is the on-disk shape of one collection.
type document[T any] struct {
	Version int          `json:"version"`
	Items   map[string]T `json:"items"`
}

// collection serializes access to one collection file. The mutex orders
// writers within the process; the version counter catches the file being
// replaced by another writer between our reads.
type collection[T any] struct {
	mu      sync.Mutex
	path    string
	version int
}

func newCollection[T any](path string) *collection[T] {
	return &collection[T]{path: path}
}

// load parses the collection file. A missing or empty file is an empty
// collection.
func (c *collection[T]) load() (document[T], error) {
	doc := document[T]{Items: make(map[string]T)}

	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return doc, nil
	}
	if err != nil {
		return doc, errors.Internal(errors.CodeRepositoryError, "failed to read collection file").
			WithResource(c.path).
			WithCause(err).
			Build()
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, errors.Internal(errors.CodeSerializationFailed, "collection file is not valid JSON").
			WithResource(c.path).
			WithCause(err).
			Build()
	}
	if doc.Items == nil {
		doc.Items = make(map[string]T)
	}
	return doc, nil
}

// view runs fn against a fresh read of the collection. The observed version
// only ever moves forward so a later mutate still notices a rollback.
func (c *collection[T]) view(fn func(items map[string]T) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.load()
	if err != nil {
		return err
	}
	if doc.Version > c.version {
		c.version = doc.Version
	}
	return fn(doc.Items)
}

// mutate applies fn and persists the collection when fn reports a change.
// Every persisted write increments the version counter; a disk version behind
// the last one this collection wrote means the file was replaced behind our
// back, which surfaces as an optimistic-lock conflict instead of silently
// resurrecting old state.
func (c *collection[T]) mutate(fn func(items map[string]T) (bool, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.load()
	if err != nil {
		return err
	}
	if doc.Version < c.version {
		return errors.Conflict(errors.CodeOptimisticLock, "collection file version moved backwards").
			WithResource(c.path).
			WithDetailsf("disk version %d, last written %d", doc.Version, c.version).
			Build()
	}

	changed, err := fn(doc.Items)
	if err != nil {
		return err
	}
	if !changed {
		c.version = doc.Version
		return nil
	}

	doc.Version++
	if err := c.write(doc); err != nil {
		return err
	}
	c.version = doc.Version
	return nil
}

// write marshals the document and swaps it into place atomically.
func (c *collection[T]) write(doc document[T]) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Internal(errors.CodeSerializationFailed, "failed to marshal collection").
			WithResource(c.path).
			WithCause(err).
			Build()
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(c.path)+".*")
	if err != nil {
		return errors.Internal(errors.CodeRepositoryError, "failed to create temp file").
			WithResource(c.path).
			WithCause(err).
			Build()
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Internal(errors.CodeRepositoryError, "failed to write collection file").
			WithResource(c.path).
			WithCause(err).
			Build()
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Internal(errors.CodeRepositoryError, "failed to close temp file").
			WithResource(c.path).
			WithCause(err).
			Build()
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return errors.Internal(errors.CodeRepositoryError, "failed to replace collection file").
			WithResource(c.path).
			WithCause(err).
			Build()
	}
	return nil
}
