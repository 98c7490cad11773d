// Package vfs is the filesystem façade used by the session, the handlers
// and the transfer worker. It wraps an afero.Fs exactly the way the
// teacher's ClientDriver ("type ClientDriver interface { afero.Fs }" in
// driver.go) does, but exposes the narrower, purpose-built operation set
// spec.md 4.2 calls for instead of the full afero.Fs surface.
package vfs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/afero"
)

// maxRecursionDepth caps the recursive directory walk of DeleteDir per
// spec.md 4.2, guarding against symlink cycles and pathological trees.
const maxRecursionDepth = 256

// Kind enumerates the type of a directory entry.
type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindSymlink
	KindUnknown
)

// FileInfo is the façade's directory-entry shape, platform-agnostic.
type FileInfo struct {
	Name       string
	Kind       Kind
	Size       int64
	ModTime    time.Time
	ModeBits   os.FileMode
	NLink      uint64
	UID        uint32
	GID        uint32
	LinkTarget string
}

// FS is the filesystem façade.
type FS struct {
	fs afero.Fs
}

// New wraps an afero.Fs in the façade.
func New(fs afero.Fs) *FS {
	return &FS{fs: fs}
}

// NewOS returns a façade backed by the real OS filesystem.
func NewOS() *FS {
	return New(afero.NewOsFs())
}

// Join joins path elements using the host's path rules.
func (f *FS) Join(elem ...string) string {
	return filepath.Join(elem...)
}

// Exists reports whether path exists.
func (f *FS) Exists(path string) bool {
	_, err := f.fs.Stat(path)
	return err == nil
}

// IsDir reports whether path exists and is a directory.
func (f *FS) IsDir(path string) bool {
	info, err := f.fs.Stat(path)
	return err == nil && info.IsDir()
}

// Size returns the size in bytes of the file at path.
func (f *FS) Size(path string) (int64, error) {
	info, err := f.fs.Stat(path)
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// Mtime returns the modification time of the file at path.
func (f *FS) Mtime(path string) (time.Time, error) {
	info, err := f.fs.Stat(path)
	if err != nil {
		return time.Time{}, err
	}

	return info.ModTime(), nil
}

func kindOf(mode os.FileMode) Kind {
	switch {
	case mode&os.ModeSymlink != 0:
		return KindSymlink
	case mode.IsDir():
		return KindDir
	case mode.IsRegular():
		return KindFile
	default:
		return KindUnknown
	}
}

func toFileInfo(info os.FileInfo) FileInfo {
	return FileInfo{
		Name:     info.Name(),
		Kind:     kindOf(info.Mode()),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		ModeBits: info.Mode(),
		NLink:    1,
	}
}

// List enumerates the entries of the directory at path, sorted by name.
func (f *FS) List(path string) ([]FileInfo, error) {
	entries, err := afero.ReadDir(f.fs, path)
	if err != nil {
		return nil, err
	}

	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, toFileInfo(e))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

// ReadRange reads up to len(buf) bytes starting at offset, returning the
// number of bytes actually read. It mirrors io.ReaderAt semantics.
func (f *FS) ReadRange(path string, offset int64, buf []byte) (int, error) {
	file, err := f.fs.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			return 0, err
		}
	}

	return file.Read(buf)
}

// OpenReader opens path for sequential reading, starting at offset.
func (f *FS) OpenReader(path string, offset int64) (afero.File, error) {
	file, err := f.fs.Open(path)
	if err != nil {
		return nil, err
	}

	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			file.Close()
			return nil, err
		}
	}

	return file, nil
}

// OpenWriter opens path for writing. If truncate is true, any existing
// content is discarded; otherwise bytes are written starting at offset
// (used for APPE and REST-resumed STOR).
func (f *FS) OpenWriter(path string, offset int64, truncate bool) (afero.File, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	}

	file, err := f.fs.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, err
	}

	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			file.Close()
			return nil, err
		}
	}

	return file, nil
}

// WriteRange writes bytes at offset, creating the file if necessary.
func (f *FS) WriteRange(path string, offset int64, bytes []byte) error {
	file, err := f.OpenWriter(path, offset, false)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.Write(bytes)

	return err
}

// CreateDir creates a directory at path.
func (f *FS) CreateDir(path string) error {
	return f.fs.Mkdir(path, 0755)
}

// DeleteFile removes the file at path.
func (f *FS) DeleteFile(path string) error {
	return f.fs.Remove(path)
}

// ErrRecursionTooDeep is returned when a recursive walk exceeds maxRecursionDepth.
var ErrRecursionTooDeep = errors.New("directory tree too deep")

// DeleteDir removes the directory at path. If recursive is true its
// contents are removed first, depth-capped and never following symlinks.
func (f *FS) DeleteDir(path string, recursive bool) error {
	if !recursive {
		return f.fs.Remove(path)
	}

	if err := f.removeTree(path, 0); err != nil {
		return err
	}

	return nil
}

func (f *FS) removeTree(path string, depth int) error {
	if depth > maxRecursionDepth {
		return ErrRecursionTooDeep
	}

	entries, err := afero.ReadDir(f.fs, path)
	if err != nil {
		return err
	}

	for _, e := range entries {
		child := filepath.Join(path, e.Name())

		if e.Mode()&os.ModeSymlink != 0 {
			// Never follow symlinks: remove the link itself, not its target.
			if err := f.fs.Remove(child); err != nil {
				return err
			}

			continue
		}

		if e.IsDir() {
			if err := f.removeTree(child, depth+1); err != nil {
				return err
			}
		} else if err := f.fs.Remove(child); err != nil {
			return err
		}
	}

	return f.fs.Remove(path)
}

// Rename moves oldPath to newPath.
func (f *FS) Rename(oldPath, newPath string) error {
	return f.fs.Rename(oldPath, newPath)
}

// ParentOf returns the parent directory of path.
func (f *FS) ParentOf(path string) string {
	return filepath.Dir(path)
}

// FilenameOf returns the base name of path.
func (f *FS) FilenameOf(path string) string {
	return filepath.Base(path)
}
