package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Registry hands out workspaces by task ID. Workspaces are created lazily on
// first Open and live until Remove is called; two task IDs never share a path.
type Registry struct {
	base   string
	fs     afero.Fs
	now    func() time.Time
	logger *zap.Logger

	mu     sync.Mutex
	opened map[string]*Workspace
}

// NewRegistry roots all workspaces at base on the OS filesystem.
func NewRegistry(base string, logger *zap.Logger) *Registry {
	return NewRegistryFs(afero.NewOsFs(), base, logger)
}

// NewRegistryFs is NewRegistry over an arbitrary afero filesystem.
func NewRegistryFs(fsys afero.Fs, base string, logger *zap.Logger) *Registry {
	return &Registry{
		base:   base,
		fs:     fsys,
		now:    time.Now,
		logger: logger,
		opened: make(map[string]*Workspace),
	}
}

func (r *Registry) Base() string { return r.base }

// Open returns the workspace for taskID, creating its directory tree if needed.
func (r *Registry) Open(taskID string) (*Workspace, error) {
	if err := checkName(taskID); err != nil {
		return nil, fmt.Errorf("task id: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ws, ok := r.opened[taskID]; ok {
		return ws, nil
	}

	root := filepath.Join(r.base, taskID)
	for _, d := range subdirs {
		if err := r.fs.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, fmt.Errorf("create workspace %s: %w", taskID, err)
		}
	}

	ws := &Workspace{
		taskID: taskID,
		root:   root,
		fs:     r.fs,
		now:    r.now,
		logger: r.logger.With(zap.String("task", taskID)),
	}
	r.opened[taskID] = ws
	r.logger.Debug("workspace opened", zap.String("task", taskID), zap.String("root", root))
	return ws, nil
}

// Lookup opens an existing workspace without creating one.
func (r *Registry) Lookup(taskID string) (*Workspace, error) {
	if err := checkName(taskID); err != nil {
		return nil, fmt.Errorf("task id: %w", err)
	}
	fi, err := r.fs.Stat(filepath.Join(r.base, taskID))
	if err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("workspace %s: %w", taskID, ErrNotFound)
	}
	return r.Open(taskID)
}

// Remove deletes a task's workspace and forgets it.
func (r *Registry) Remove(taskID string) error {
	if err := checkName(taskID); err != nil {
		return fmt.Errorf("task id: %w", err)
	}
	r.mu.Lock()
	delete(r.opened, taskID)
	r.mu.Unlock()

	if err := r.fs.RemoveAll(filepath.Join(r.base, taskID)); err != nil {
		return fmt.Errorf("remove workspace %s: %w", taskID, err)
	}
	r.logger.Info("workspace removed", zap.String("task", taskID))
	return nil
}

// Tasks lists task IDs that have a workspace on disk.
func (r *Registry) Tasks() ([]string, error) {
	entries, err := afero.ReadDir(r.fs, r.base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && checkName(e.Name()) == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// PurgeOlderThan removes workspaces whose directory was last modified before
// the cutoff. It returns the removed task IDs.
func (r *Registry) PurgeOlderThan(cutoff time.Time) ([]string, error) {
	ids, err := r.Tasks()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, id := range ids {
		fi, err := r.fs.Stat(filepath.Join(r.base, id))
		if err != nil || !fi.ModTime().Before(cutoff) {
			continue
		}
		if err := r.Remove(id); err != nil {
			r.logger.Warn("purge failed", zap.String("task", id), zap.Error(err))
			continue
		}
		removed = append(removed, id)
	}
	return removed, nil
}
