// Package home manages the gradescan home directory layout.
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the gradescan home directory.
	DefaultDirName = ".gradescan"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// CacheDirName is the subdirectory holding the OCR result cache.
	CacheDirName = "cache"

	// ScratchDirName is the subdirectory for rendered pages and segments
	// kept for debugging failed jobs.
	ScratchDirName = "scratch"
)

// Dir represents the gradescan home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.gradescan).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// CachePath returns the cache directory.
func (d *Dir) CachePath() string {
	return filepath.Join(d.path, CacheDirName)
}

// CacheDBPath returns the path for the named cache database file.
func (d *Dir) CacheDBPath(name string) string {
	return filepath.Join(d.CachePath(), name)
}

// ScratchDir returns the scratch directory for one job.
func (d *Dir) ScratchDir(jobID string) string {
	return filepath.Join(d.path, ScratchDirName, jobID)
}

// EnsureExists creates the home directory and subdirectories if they
// don't exist.
func (d *Dir) EnsureExists() error {
	if err := os.MkdirAll(d.CachePath(), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(d.path, ScratchDirName), 0o755); err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
