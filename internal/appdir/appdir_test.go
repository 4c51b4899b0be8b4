package appdir

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestDir_EnvOverride(t *testing.T) {
	customDir := t.TempDir()
	t.Setenv(DirEnv, customDir)

	dir, err := Dir()
	if err != nil {
		t.Fatalf("Dir() failed: %v", err)
	}
	if dir != customDir {
		t.Errorf("Dir() = %q, want %q", dir, customDir)
	}
}

func TestDir_DefaultPath(t *testing.T) {
	t.Setenv(DirEnv, "")

	dir, err := Dir()
	if err != nil {
		t.Fatalf("Dir() failed: %v", err)
	}
	if filepath.Base(dir) != "storyplay" {
		t.Errorf("Dir() = %q, expected it to end in 'storyplay'", dir)
	}
}

func TestDir_XDGDataHome(t *testing.T) {
	if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
		t.Skip("XDG_DATA_HOME only applies to unix-like systems")
	}
	data := t.TempDir()
	t.Setenv(DirEnv, "")
	t.Setenv("XDG_DATA_HOME", data)

	dir, err := Dir()
	if err != nil {
		t.Fatalf("Dir() failed: %v", err)
	}
	if want := filepath.Join(data, "storyplay"); dir != want {
		t.Errorf("Dir() = %q, want %q", dir, want)
	}
}

func TestEnsureDir(t *testing.T) {
	tmpDir := filepath.Join(t.TempDir(), "storyplay-test")
	t.Setenv(DirEnv, tmpDir)

	if _, err := os.Stat(tmpDir); !os.IsNotExist(err) {
		t.Fatalf("temp dir should not exist initially")
	}
	if err := EnsureDir(); err != nil {
		t.Fatalf("EnsureDir() failed: %v", err)
	}
	info, err := os.Stat(tmpDir)
	if err != nil {
		t.Fatalf("dir does not exist after EnsureDir(): %v", err)
	}
	if !info.IsDir() {
		t.Error("path is not a directory")
	}
}

func TestStorePath(t *testing.T) {
	customDir := t.TempDir()
	t.Setenv(DirEnv, customDir)

	tests := []struct {
		backend string
		want    string
	}{
		{"", filepath.Join(customDir, StoreFileName)},
		{"file", filepath.Join(customDir, StoreFileName)},
		{"sqlite", filepath.Join(customDir, StoreDBName)},
	}
	for _, tt := range tests {
		got, err := StorePath(tt.backend)
		if err != nil {
			t.Fatalf("StorePath(%q) failed: %v", tt.backend, err)
		}
		if got != tt.want {
			t.Errorf("StorePath(%q) = %q, want %q", tt.backend, got, tt.want)
		}
	}
}
