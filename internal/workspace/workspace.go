// Package workspace owns the per-run directory a server under test stores
// its state in.
//
// Layout:
//
//	<base>/temp/test_storage_<unix-ms>/   (or test_storage/ when persistent)
//	    config.json                       effective server configuration
//	    mindsdb.sqlite3.db                server storage database
//	    scratch/<id>/                     per-query scratch directories
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"flowtest/pkg/logging"

	"github.com/google/uuid"
)

const (
	configFileName  = "config.json"
	storageFileName = "mindsdb.sqlite3.db"
	scratchDirName  = "scratch"
	persistentName  = "test_storage"
)

// now is replaceable in tests.
var now = time.Now

// Options controls where the workspace is created.
type Options struct {
	// BaseDir is the parent of the temp/ directory. Defaults to the
	// current working directory.
	BaseDir string
	// Persistent reuses <base>/temp/test_storage/ and keeps it on Close.
	Persistent bool
}

// Workspace is the directory tree used by one run.
type Workspace struct {
	root       string
	persistent bool

	mu     sync.Mutex
	closed bool
}

// New creates the workspace directory.
func New(opts Options) (*Workspace, error) {
	base := opts.BaseDir
	if base == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		base = cwd
	}

	name := persistentName
	if !opts.Persistent {
		name = fmt.Sprintf("test_storage_%d", now().UnixMilli())
	}

	root, err := filepath.Abs(filepath.Join(base, "temp", name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace path: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace %s: %w", root, err)
	}

	logging.Debug("Workspace", "Using workspace %s (persistent=%t)", root, opts.Persistent)
	return &Workspace{root: root, persistent: opts.Persistent}, nil
}

// Root is the absolute workspace directory. It doubles as the server's
// storage_dir.
func (w *Workspace) Root() string { return w.root }

// StorageDir is the directory handed to the server as storage_dir.
func (w *Workspace) StorageDir() string { return w.root }

// ConfigPath is where the effective server configuration is written.
func (w *Workspace) ConfigPath() string { return filepath.Join(w.root, configFileName) }

// StorageDB returns the sqlite connection string for the server storage.
func (w *Workspace) StorageDB() string {
	return fmt.Sprintf("sqlite:///%s/%s?check_same_thread=False&timeout=30", w.root, storageFileName)
}

// Persistent reports whether the workspace survives Close.
func (w *Workspace) Persistent() bool { return w.persistent }

// NewScratchDir creates a fresh, uniquely named directory below the
// workspace. Callers remove it when they are done.
func (w *Workspace) NewScratchDir(prefix string) (string, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return "", fmt.Errorf("workspace %s is closed", w.root)
	}

	dir := filepath.Join(w.root, scratchDirName, prefix+"-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create scratch directory: %w", err)
	}
	return dir, nil
}

// Close removes the workspace unless it is persistent. Scratch directories
// are always removed. Safe to call more than once.
func (w *Workspace) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	target := w.root
	if w.persistent {
		target = filepath.Join(w.root, scratchDirName)
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", target, err)
	}
	logging.Debug("Workspace", "Removed %s", target)
	return nil
}
