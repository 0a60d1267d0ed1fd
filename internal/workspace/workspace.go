// Package workspace is the durable per-task artifact store. Every research
// task owns one directory tree with fixed subdirectories; artifacts are
// written atomically and flushed to stable storage before Write returns, so a
// stage running in another goroutine or process observes complete content.
package workspace

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Fixed subdirectories of every workspace.
const (
	Plans   = "plans"
	Notes   = "notes"
	Reports = "reports"
	Temp    = "temp"
)

// MetaSuffix is appended to an artifact name to form its sidecar file.
const MetaSuffix = ".meta.json"

// Values for the "source" metadata key.
const (
	SourceWorkerOutput         = "worker_output"
	SourceTranscriptExtraction = "transcript_extraction"
	SourceFallbackSynthesis    = "fallback_synthesis"
	SourceRevision             = "revision"
)

var subdirs = []string{Plans, Notes, Reports, Temp}

var (
	ErrNotFound      = errors.New("artifact not found")
	ErrInvalidSubdir = errors.New("invalid subdirectory")
	ErrInvalidName   = errors.New("invalid artifact name")
)

// searchable lists the extensions Search looks inside.
var searchable = map[string]bool{
	".md": true, ".txt": true, ".json": true, ".py": true, ".yaml": true, ".yml": true,
}

// Metadata is the free-form part of a sidecar record.
type Metadata map[string]string

// Sidecar is the record stored next to each artifact.
type Sidecar struct {
	Filename  string    `json:"filename"`
	CreatedAt time.Time `json:"created_at"`
	Source    string    `json:"source,omitempty"`
	Extra     Metadata  `json:"extra,omitempty"`
}

// FileInfo describes one artifact as listed by Info and the files API.
type FileInfo struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	Meta    *Sidecar  `json:"meta,omitempty"`
}

// Line is one matching line; Number is 1-based.
type Line struct {
	Number int    `json:"line_number"`
	Text   string `json:"line"`
}

// Match is an artifact with the lines that matched a search.
type Match struct {
	Path  string `json:"filename"`
	Lines []Line `json:"matching_lines"`
}

// Workspace is the artifact tree of a single task.
type Workspace struct {
	taskID string
	root   string
	fs     afero.Fs
	now    func() time.Time
	logger *zap.Logger
}

func (w *Workspace) TaskID() string { return w.taskID }
func (w *Workspace) Root() string   { return w.root }

// Write stores content as subdir/name and returns its path relative to the
// workspace. A sidecar record is always written; meta["source"] lands in
// Sidecar.Source and the remaining keys in Extra. Writing an existing name
// replaces it.
func (w *Workspace) Write(subdir, name, content string, meta Metadata) (string, error) {
	if err := checkSubdir(subdir); err != nil {
		return "", err
	}
	if err := checkName(name); err != nil {
		return "", err
	}

	dir := filepath.Join(w.root, subdir)
	if err := w.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", subdir, err)
	}
	if err := w.writeDurable(dir, name, []byte(content)); err != nil {
		return "", fmt.Errorf("write %s/%s: %w", subdir, name, err)
	}

	sc := Sidecar{Filename: name, CreatedAt: w.now().UTC()}
	for k, v := range meta {
		if k == "source" {
			sc.Source = v
			continue
		}
		if sc.Extra == nil {
			sc.Extra = Metadata{}
		}
		sc.Extra[k] = v
	}
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal sidecar: %w", err)
	}
	if err := w.writeDurable(dir, name+MetaSuffix, data); err != nil {
		return "", fmt.Errorf("write sidecar %s/%s: %w", subdir, name, err)
	}

	rel := subdir + "/" + name
	w.logger.Debug("artifact written",
		zap.String("task", w.taskID), zap.String("path", rel),
		zap.Int("bytes", len(content)), zap.String("source", sc.Source))
	return rel, nil
}

// writeDurable writes to a hidden temp file in dir, syncs it, renames it over
// the target and syncs the directory entry.
func (w *Workspace) writeDurable(dir, name string, data []byte) error {
	tmp, err := afero.TempFile(w.fs, dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = w.fs.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := w.fs.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	if err := w.fs.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return err
	}
	committed = true
	return w.syncDir(dir)
}

func (w *Workspace) syncDir(dir string) error {
	d, err := w.fs.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Read returns the content of subdir/name or ErrNotFound.
func (w *Workspace) Read(subdir, name string) (string, error) {
	if err := checkSubdir(subdir); err != nil {
		return "", err
	}
	if err := checkName(name); err != nil {
		return "", err
	}
	data, err := afero.ReadFile(w.fs, filepath.Join(w.root, subdir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%s/%s: %w", subdir, name, ErrNotFound)
		}
		return "", fmt.Errorf("read %s/%s: %w", subdir, name, err)
	}
	return string(data), nil
}

// Exists reports whether subdir/name is present. Invalid names are never present.
func (w *Workspace) Exists(subdir, name string) bool {
	if checkSubdir(subdir) != nil || checkName(name) != nil {
		return false
	}
	fi, err := w.fs.Stat(filepath.Join(w.root, subdir, name))
	return err == nil && !fi.IsDir()
}

// List returns sorted workspace-relative paths of all artifacts in subdir, or
// in every subdirectory when subdir is empty. Sidecars and in-flight temp
// files are skipped.
func (w *Workspace) List(subdir string) ([]string, error) {
	var out []string
	err := w.walk(subdir, func(rel string, _ fs.FileInfo) error {
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Search does a case-insensitive line match for keyword over text artifacts.
func (w *Workspace) Search(keyword, subdir string) ([]Match, error) {
	needle := strings.ToLower(strings.TrimSpace(keyword))
	if needle == "" {
		return nil, nil
	}

	var matches []Match
	err := w.walk(subdir, func(rel string, _ fs.FileInfo) error {
		if !searchable[strings.ToLower(filepath.Ext(rel))] {
			return nil
		}
		lines, err := w.grep(filepath.Join(w.root, rel), needle)
		if err != nil {
			w.logger.Warn("search skipped file", zap.String("path", rel), zap.Error(err))
			return nil
		}
		if len(lines) > 0 {
			matches = append(matches, Match{Path: rel, Lines: lines})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Path < matches[j].Path })
	return matches, nil
}

func (w *Workspace) grep(file, needle string) ([]Line, error) {
	f, err := w.fs.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []Line
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for n := 1; sc.Scan(); n++ {
		if strings.Contains(strings.ToLower(sc.Text()), needle) {
			lines = append(lines, Line{Number: n, Text: strings.TrimSpace(sc.Text())})
		}
	}
	return lines, sc.Err()
}

// Info returns size, modification time and sidecar record of an artifact.
func (w *Workspace) Info(subdir, name string) (*FileInfo, error) {
	if err := checkSubdir(subdir); err != nil {
		return nil, err
	}
	if err := checkName(name); err != nil {
		return nil, err
	}
	full := filepath.Join(w.root, subdir, name)
	fi, err := w.fs.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s/%s: %w", subdir, name, ErrNotFound)
		}
		return nil, err
	}
	info := &FileInfo{Path: subdir + "/" + name, Size: fi.Size(), ModTime: fi.ModTime()}
	if data, err := afero.ReadFile(w.fs, full+MetaSuffix); err == nil {
		var sc Sidecar
		if json.Unmarshal(data, &sc) == nil {
			info.Meta = &sc
		}
	}
	return info, nil
}

// Delete removes an artifact and its sidecar.
func (w *Workspace) Delete(subdir, name string) error {
	if err := checkSubdir(subdir); err != nil {
		return err
	}
	if err := checkName(name); err != nil {
		return err
	}
	full := filepath.Join(w.root, subdir, name)
	if err := w.fs.Remove(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s/%s: %w", subdir, name, ErrNotFound)
		}
		return err
	}
	_ = w.fs.Remove(full + MetaSuffix)
	return w.syncDir(filepath.Join(w.root, subdir))
}

// CleanupTemp empties the temp subdirectory.
func (w *Workspace) CleanupTemp() error {
	dir := filepath.Join(w.root, Temp)
	if err := w.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("cleanup temp: %w", err)
	}
	return w.fs.MkdirAll(dir, 0o755)
}

func (w *Workspace) walk(subdir string, fn func(rel string, fi fs.FileInfo) error) error {
	dirs := subdirs
	if subdir != "" {
		if err := checkSubdir(subdir); err != nil {
			return err
		}
		dirs = []string{subdir}
	}
	for _, d := range dirs {
		base := filepath.Join(w.root, d)
		err := afero.Walk(w.fs, base, func(p string, fi fs.FileInfo, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if fi.IsDir() || strings.HasPrefix(fi.Name(), ".") || strings.HasSuffix(fi.Name(), MetaSuffix) {
				return nil
			}
			rel, err := filepath.Rel(w.root, p)
			if err != nil {
				return err
			}
			return fn(filepath.ToSlash(rel), fi)
		})
		if err != nil {
			return fmt.Errorf("walk %s: %w", d, err)
		}
	}
	return nil
}

// IsSubdir reports whether s is one of the fixed subdirectories.
func IsSubdir(s string) bool { return checkSubdir(s) == nil }

func checkSubdir(subdir string) error {
	for _, s := range subdirs {
		if s == subdir {
			return nil
		}
	}
	return fmt.Errorf("%q: %w", subdir, ErrInvalidSubdir)
}

// checkName rejects anything that could escape the subdirectory, collide with
// a sidecar, or be mistaken for an in-flight temp file.
func checkName(name string) error {
	switch {
	case name == "", strings.ContainsAny(name, `/\`), strings.Contains(name, ".."),
		strings.HasPrefix(name, "."), strings.HasSuffix(name, MetaSuffix):
		return fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	return nil
}
