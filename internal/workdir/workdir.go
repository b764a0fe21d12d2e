// Package workdir manages ROOT_DIR/<pid>/ — the per-target scratch area
// used to stage patch objects where the target process can mmap them by
// path, and to persist small per-target bookkeeping files.
//
// Layout (spec §6.2):
//
//	ROOT_DIR/<pid>/comm
//	ROOT_DIR/<pid>/map_files/patch-XXXXXX
//	ROOT_DIR/<pid>/loads.json
package workdir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xyproto/ultask/internal/errs"
)

// Dir is an acquired work directory for one target PID. Concurrent
// controllers on the same PID are forbidden: Acquire fails if the
// directory already holds a lock file (whether or not its creator is
// still running).
type Dir struct {
	root string
	pid  int
	path string
	lock *os.File
}

func pidPath(root string, pid int) string {
	return filepath.Join(root, fmt.Sprintf("%d", pid))
}

// Acquire creates (or reuses) ROOT_DIR/<pid> and takes an exclusive lock
// so a second controller attaching to the same pid fails fast instead of
// racing on the same map_files directory.
func Acquire(root string, pid int, comm string) (*Dir, error) {
	path := pidPath(root, pid)
	mapFiles := filepath.Join(path, "map_files")
	if err := os.MkdirAll(mapFiles, 0o755); err != nil {
		return nil, errs.IO(mapFiles, err)
	}

	lockPath := filepath.Join(path, ".lock")
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("work directory %s is already held by another controller", path)
		}
		return nil, errs.IO(lockPath, err)
	}

	if err := os.WriteFile(filepath.Join(path, "comm"), []byte(comm), 0o644); err != nil {
		lock.Close()
		os.Remove(lockPath)
		return nil, errs.IO(path, err)
	}

	return &Dir{root: root, pid: pid, path: path, lock: lock}, nil
}

// Path returns ROOT_DIR/<pid>.
func (d *Dir) Path() string { return d.path }

// PatchTmpfile creates a new patch-XXXXXX staging file under map_files/
// sized to hold size bytes of the patch object, and returns it open.
func (d *Dir) PatchTmpfile(size int64) (*os.File, error) {
	f, err := os.CreateTemp(filepath.Join(d.path, "map_files"), "patch-")
	if err != nil {
		return nil, errs.IO(d.path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, errs.IO(f.Name(), err)
	}
	return f, nil
}

// LoadRecord is the persisted metadata for one installed patch.
type LoadRecord struct {
	Path      string `json:"path"`
	BuildID   string `json:"build_id,omitempty"`
	TargetHdr uint64 `json:"target_hdr"`
}

func loadsPath(path string) string { return filepath.Join(path, "loads.json") }

// SaveLoads persists the current set of installed patches.
func (d *Dir) SaveLoads(records []LoadRecord) error {
	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(loadsPath(d.path), b, 0o644); err != nil {
		return errs.IO(d.path, err)
	}
	return nil
}

// LoadLoads reads back previously persisted load records, if any.
func (d *Dir) LoadLoads() ([]LoadRecord, error) {
	b, err := os.ReadFile(loadsPath(d.path))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.IO(d.path, err)
	}
	var records []LoadRecord
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Release tears down the work directory: removes the lock and then the
// whole directory, including any patch files still staged in it.
func (d *Dir) Release() error {
	if d.lock != nil {
		d.lock.Close()
		os.Remove(filepath.Join(d.path, ".lock"))
	}
	return os.RemoveAll(d.path)
}
