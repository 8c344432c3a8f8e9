package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/dydx/RubyTorrent/metainfo"
)

// file is one underlying file backing a span of the package's logical byte
// stream. Each file is serialized by its own lock; across files, callers
// always acquire locks in file-vector order (§4.2) to avoid deadlock.
type file struct {
	mu       sync.Mutex
	handle   *os.File
	path     string
	offset   int64 // start of this file's span in the logical stream
	length   int64 // declared length

	// preexisting reports whether this file already held exactly its
	// declared length of bytes before this process opened it, i.e. it
	// looks like resumed data rather than a freshly created placeholder
	// (§3 "Completion lifecycle"). Pieces spanning only preexisting files
	// are eligible for the open-time have-seeding in package.go.
	preexisting bool
}

// openFiles creates (or opens read-write) every underlying file named by
// info, creating intermediate directories as needed (§6 "Persisted state").
// destDir is the directory multi-file packages are rooted under; for a
// single-file package destDir is the file's own path.
func openFiles(info *metainfo.Info, destDir string) ([]*file, error) {
	fileInfos := info.UpvertedFiles()
	files := make([]*file, len(fileInfos))
	for i, fi := range fileInfos {
		var fullPath string
		if info.IsDir() {
			parts := append([]string{destDir, info.Name}, fi.Path...)
			fullPath = filepath.Join(parts...)
		} else {
			fullPath = destDir
		}
		if dir := filepath.Dir(fullPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrapf(err, "creating directory for %s", fullPath)
			}
		}
		preexisting := false
		if st, err := os.Stat(fullPath); err == nil && st.Size() == fi.Length {
			preexisting = true
		}
		h, err := os.OpenFile(fullPath, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, errors.Wrapf(err, "opening %s", fullPath)
		}
		if err := h.Truncate(fi.Length); err != nil {
			h.Close()
			return nil, errors.Wrapf(err, "truncating %s to %d", fullPath, fi.Length)
		}
		files[i] = &file{handle: h, path: fullPath, offset: fi.Offset, length: fi.Length, preexisting: preexisting}
	}
	return files, nil
}

func (f *file) readAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handle.ReadAt(p, off)
}

func (f *file) writeAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handle.WriteAt(p, off)
}

func (f *file) reopenReadOnly() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.handle.Close(); err != nil {
		return err
	}
	h, err := os.OpenFile(f.path, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("storage: reopening %s read-only: %w", f.path, err)
	}
	f.handle = h
	return nil
}

func (f *file) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handle.Close()
}
