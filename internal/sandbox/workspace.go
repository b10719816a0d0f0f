package sandbox

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"taskforge/internal"
)

// WorkspaceSpec describes a workspace to create.
type WorkspaceSpec struct {
	Owner   string
	Ceiling internal.Ceiling
	Network bool
	// Files seeds the workspace, keyed by relative path.
	Files map[string]string
}

// Workspace is an isolated directory with a resource ceiling. It is owned by
// the Manager that created it.
type Workspace struct {
	ID      string
	Owner   string
	Dir     string
	Ceiling internal.Ceiling
	Network bool
	Created time.Time

	root *os.Root

	mu          sync.Mutex
	usage       internal.Usage
	invocations int
	procs       map[int]struct{}
	released    bool
}

// Usage returns the accumulated usage and invocation count.
func (w *Workspace) Usage() (internal.Usage, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.usage, w.invocations
}

func (w *Workspace) Released() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.released
}

func (w *Workspace) record(u internal.Usage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.usage = w.usage.Add(u)
	w.invocations++
}

func (w *Workspace) addProc(pgid int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return false
	}
	w.procs[pgid] = struct{}{}
	return true
}

func (w *Workspace) removeProc(pgid int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.procs, pgid)
}

// Export copies the directories and regular files of the workspace into dir,
// replacing files that exist there. Symlinks and special files are skipped.
func (w *Workspace) Export(dir string) error {
	w.mu.Lock()
	released := w.released
	w.mu.Unlock()
	if released {
		return fmt.Errorf("workspace %s already released", w.ID)
	}
	src := w.root.FS()
	return fs.WalkDir(src, ".", func(name string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		target := filepath.Join(dir, filepath.FromSlash(name))
		if entry.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		return copyFile(src, name, target)
	})
}

func copyFile(src fs.FS, name string, target string) error {
	in, err := src.Open(name)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
