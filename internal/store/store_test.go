package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

func openBackends(t *testing.T) map[string]KV {
	t.Helper()
	dir := t.TempDir()
	backends := make(map[string]KV)
	for _, b := range []struct{ name, file string }{
		{BackendFile, "store.json"},
		{BackendSQLite, "store.db"},
	} {
		kv, err := Open(b.name, filepath.Join(dir, b.name, b.file))
		if err != nil {
			t.Fatalf("Open(%s): %v", b.name, err)
		}
		t.Cleanup(func() { kv.Close() })
		backends[b.name] = kv
	}
	return backends
}

func TestKV_GetSetDelete(t *testing.T) {
	for name, kv := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := kv.Get("missing"); err != nil || ok {
				t.Fatalf("Get(missing) = ok %v, err %v", ok, err)
			}
			if err := kv.Set("current_story_thread", "abc"); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := kv.Set("current_story_thread", "def"); err != nil {
				t.Fatalf("Set overwrite: %v", err)
			}
			v, ok, err := kv.Get("current_story_thread")
			if err != nil || !ok || v != "def" {
				t.Errorf("Get = %q, %v, %v; want def", v, ok, err)
			}
			if err := kv.Delete("current_story_thread"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := kv.Delete("current_story_thread"); err != nil {
				t.Fatalf("Delete missing: %v", err)
			}
			if _, ok, _ := kv.Get("current_story_thread"); ok {
				t.Error("key still present after Delete")
			}
		})
	}
}

func TestKV_PersistsAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	for _, backend := range []string{BackendFile, BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			path := filepath.Join(dir, backend+".store")
			kv, err := Open(backend, path)
			if err != nil {
				t.Fatal(err)
			}
			if err := kv.Set("k", "v"); err != nil {
				t.Fatal(err)
			}
			kv.Close()

			kv, err = Open(backend, path)
			if err != nil {
				t.Fatal(err)
			}
			defer kv.Close()
			if v, ok, err := kv.Get("k"); err != nil || !ok || v != "v" {
				t.Errorf("Get after reopen = %q, %v, %v", v, ok, err)
			}
		})
	}
}

func TestOpen_Errors(t *testing.T) {
	if _, err := Open(BackendFile, ""); err == nil {
		t.Error("empty path accepted")
	}
	if _, err := Open("redis", filepath.Join(t.TempDir(), "x")); err == nil {
		t.Error("unknown backend accepted")
	}

	corrupt := filepath.Join(t.TempDir(), "store.json")
	if err := os.WriteFile(corrupt, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFile(corrupt); err == nil {
		t.Error("corrupt file accepted")
	}
}

func TestFile_Closed(t *testing.T) {
	f, err := OpenFile(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	if _, _, err := f.Get("k"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after Close = %v, want ErrClosed", err)
	}
	if err := f.Set("k", "v"); !errors.Is(err, ErrClosed) {
		t.Errorf("Set after Close = %v, want ErrClosed", err)
	}
}

func TestFile_AtomicWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	f, err := OpenFile(filepath.Join(dir, "store.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Set("k", "v"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(f.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}
}

func TestFile_SeesOtherWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	a, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	b, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Set("k", "from-a"); err != nil {
		t.Fatal(err)
	}
	if v, _, _ := b.Get("k"); v != "from-a" {
		t.Errorf("b.Get = %q, want from-a", v)
	}
}

func TestFile_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	f, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	f.SetDebounceDelay(10 * time.Millisecond)
	if err := f.Set("kept", "same"); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var changes []Change
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.Watch(ctx, func(c Change) {
			mu.Lock()
			changes = append(changes, c)
			mu.Unlock()
		})
	}()

	// Another process switches the session.
	other, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for i := 0; ; i++ {
		// Keep writing until the watcher is set up and reports a change.
		if err := other.Set("current_story_thread", fmt.Sprintf("tower-%d", i)); err != nil {
			t.Fatal(err)
		}
		mu.Lock()
		got := append([]Change(nil), changes...)
		mu.Unlock()
		if len(got) > 0 {
			for _, c := range got {
				if c.Key != "current_story_thread" || c.Deleted || !strings.HasPrefix(c.Value, "tower-") {
					t.Errorf("unexpected change %+v", c)
				}
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a change")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}

func TestDiff(t *testing.T) {
	old := map[string]string{"a": "1", "b": "2", "c": "3"}
	current := map[string]string{"a": "1", "b": "20", "d": "4"}
	want := []Change{
		{Key: "b", Value: "20"},
		{Key: "c", Deleted: true},
		{Key: "d", Value: "4"},
	}
	if got := diff(old, current); !reflect.DeepEqual(got, want) {
		t.Errorf("diff = %+v, want %+v", got, want)
	}
}

func TestKV_Keys(t *testing.T) {
	for name, kv := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"story/b", "story/a", "current_story_thread"} {
				if err := kv.Set(k, "x"); err != nil {
					t.Fatal(err)
				}
			}
			keys, err := kv.Keys()
			if err != nil {
				t.Fatal(err)
			}
			want := []string{"current_story_thread", "story/a", "story/b"}
			if !reflect.DeepEqual(keys, want) {
				t.Errorf("Keys = %v, want %v", keys, want)
			}
		})
	}
}
