// Package store persists small key/value settings across runs, such as the
// last-used story session.
//
// Two backends are available: a JSON file (the default, human-editable and
// watchable for changes made by other instances) and a SQLite database.
package store

import (
	"errors"
	"fmt"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// KV is a persistent key/value store. Implementations are safe for
// concurrent use.
type KV interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Delete(key string) error
	// Keys returns every stored key in order.
	Keys() ([]string, error)
	Close() error
}

// Open opens the store of the given backend at path. An empty backend
// means BackendFile.
func Open(backend, path string) (KV, error) {
	if path == "" {
		return nil, fmt.Errorf("open store: empty path")
	}
	switch strings.ToLower(backend) {
	case "", BackendFile:
		return OpenFile(path)
	case BackendSQLite:
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("open store: unknown backend %q", backend)
	}
}
