package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/inercia/storyplay/internal/logging"
)

// DebounceDelay is the default delay for debouncing file system events.
const DebounceDelay = 100 * time.Millisecond

// File is a KV backed by a single JSON object on disk. Every Get reads the
// file, so values written by other processes are visible immediately.
type File struct {
	mu     sync.Mutex
	path   string
	closed bool
	logger *slog.Logger

	// debounceDelay is the delay before reporting changes seen by Watch.
	debounceDelay time.Duration
}

// OpenFile opens the JSON store at path, creating its directory if needed.
// A missing file is treated as an empty store.
func OpenFile(path string) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("open file store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return nil, fmt.Errorf("open file store: %w", err)
	}
	f := &File{
		path:          abs,
		logger:        logging.Store(),
		debounceDelay: DebounceDelay,
	}
	if _, err := f.read(); err != nil {
		return nil, fmt.Errorf("open file store: %w", err)
	}
	return f, nil
}

// Path returns the absolute path of the backing file.
func (f *File) Path() string {
	return f.path
}

// SetDebounceDelay sets the debounce delay used by Watch.
// Must be called before Watch.
func (f *File) SetDebounceDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debounceDelay = d
}

// Get returns the value stored under key.
func (f *File) Get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", false, ErrClosed
	}
	values, err := f.read()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

// Keys returns every stored key in order.
func (f *File) Keys() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	values, err := f.read()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Set stores value under key.
func (f *File) Set(key, value string) error {
	return f.update(func(values map[string]string) bool {
		if old, ok := values[key]; ok && old == value {
			return false
		}
		values[key] = value
		return true
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (f *File) Delete(key string) error {
	return f.update(func(values map[string]string) bool {
		if _, ok := values[key]; !ok {
			return false
		}
		delete(values, key)
		return true
	})
}

// Close marks the store closed. The file is left on disk.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *File) update(fn func(values map[string]string) bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	values, err := f.read()
	if err != nil {
		return err
	}
	if !fn(values) {
		return nil
	}
	return writeJSONAtomic(f.path, values, 0600)
}

// read loads the whole store. Must be called with f.mu held.
func (f *File) read() (map[string]string, error) {
	values := make(map[string]string)
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", f.path, err)
	}
	return values, nil
}

// writeJSONAtomic writes v as indented JSON to a temporary file, syncs it
// and renames it over path, so readers never see a partial file.
func writeJSONAtomic(path string, v any, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, perm); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	// Sync to ensure data is on disk before rename
	if tmp, err := os.Open(tmpPath); err == nil {
		_ = tmp.Sync()
		tmp.Close()
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Change describes a key whose value changed on disk.
type Change struct {
	Key     string
	Value   string
	Deleted bool
}

// Watch reports changes made to the file, by this or any other process,
// until ctx is done. Bursts of file system events are debounced and fn is
// called once per changed key, in key order. fn runs on the watch goroutine.
func (f *File) Watch(ctx context.Context, fn func(Change)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch store: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: atomic renames replace the file's inode.
	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch store: %w", err)
	}

	f.mu.Lock()
	last, err := f.read()
	delay := f.debounceDelay
	f.mu.Unlock()
	if err != nil {
		return fmt.Errorf("watch store: %w", err)
	}

	f.logger.Debug("Watching store for changes", "path", f.path)

	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != f.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			f.logger.Debug("Store file changed", "op", event.Op.String())
			if debounce == nil {
				debounce = time.NewTimer(delay)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(delay)
			}
			fire = debounce.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("Store watcher error", "error", err)

		case <-fire:
			fire = nil
			f.mu.Lock()
			current, err := f.read()
			f.mu.Unlock()
			if err != nil {
				// Usually a writer that has not finished; the next event retries.
				f.logger.Debug("Could not read changed store", "error", err)
				continue
			}
			for _, c := range diff(last, current) {
				fn(c)
			}
			last = current
		}
	}
}

// diff returns the changes that turn old into current, sorted by key.
func diff(old, current map[string]string) []Change {
	var changes []Change
	for k, v := range current {
		if ov, ok := old[k]; !ok || ov != v {
			changes = append(changes, Change{Key: k, Value: v})
		}
	}
	for k := range old {
		if _, ok := current[k]; !ok {
			changes = append(changes, Change{Key: k, Deleted: true})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })
	return changes
}
