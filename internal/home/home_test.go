package home

import (
	"path/filepath"
	"testing"
)

func TestDirLayout(t *testing.T) {
	root := t.TempDir()
	d, err := New(filepath.Join(root, DefaultDirName))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if d.Exists() {
		t.Error("directory should not exist before EnsureExists")
	}
	if err := d.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists failed: %v", err)
	}
	if !d.Exists() {
		t.Error("directory missing after EnsureExists")
	}

	if d.ConfigPath() != filepath.Join(d.Path(), ConfigFileName) {
		t.Errorf("ConfigPath = %q", d.ConfigPath())
	}
	if d.ConfigExists() {
		t.Error("config should not exist yet")
	}
	if d.CacheDBPath("ocr-cache.db") != filepath.Join(d.Path(), CacheDirName, "ocr-cache.db") {
		t.Errorf("CacheDBPath = %q", d.CacheDBPath("ocr-cache.db"))
	}
	if d.ScratchDir("job-1") != filepath.Join(d.Path(), ScratchDirName, "job-1") {
		t.Errorf("ScratchDir = %q", d.ScratchDir("job-1"))
	}
}

func TestNewDefaultsToUserHome(t *testing.T) {
	d, err := New("")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if filepath.Base(d.Path()) != DefaultDirName {
		t.Errorf("default path = %q, want basename %q", d.Path(), DefaultDirName)
	}
}
