// Package pathutil collects the filesystem primitives the rest of gup
// builds on: microsecond mtimes, atomic rename, tolerant remove and
// symlink-aware path traversal.
package pathutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

// GetMtime returns the lstat modification time of path as a microsecond
// integer timestamp (symlinks are never dereferenced), or ok=false if path
// does not exist.
func GetMtime(path string) (us int64, ok bool) {
	info, err := os.Lstat(path)
	if err != nil {
		return 0, false
	}
	mt := info.ModTime()
	return mt.Unix()*1_000_000 + int64(mt.Nanosecond())/1_000, true
}

// IsDir reports whether path exists and is a directory, without following
// a final symlink component differently than lstat would: this matches
// lisdir's use in the builder, which cares whether the target itself is
// literally a directory.
func IsDir(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.IsDir()
}

// Exists reports whether path exists (lstat succeeds), without caring what
// kind of file it is.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// TryRemove removes path, ignoring a not-found error, and falling back to
// a recursive removal if path turned out to be a directory.
func TryRemove(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if IsDir(path) {
		return os.RemoveAll(path)
	}
	return err
}

// RenameAtomic moves oldpath to newpath. On POSIX this is a plain
// os.Rename, which is atomic within a filesystem; Windows does not allow
// renaming over an existing file, so there we remove the destination
// first, same as gup's util.rename.
func RenameAtomic(oldpath, newpath string) error {
	if runtime.GOOS == "windows" {
		if err := os.RemoveAll(newpath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return os.Rename(oldpath, newpath)
}

// Mkdirp creates dir and any missing parents, tolerating dir already
// existing.
func Mkdirp(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// ResolveBase resolves symlinks in dirname(p) only, leaving the basename
// untouched - the directory-only symlink resolution gup uses so that a
// target's "real" location is stable even when an ancestor directory is a
// symlink.
func ResolveBase(p string) (string, error) {
	dir, base := filepath.Split(p)
	if dir == "" {
		dir = "."
	}
	realDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(realDir, base), nil
}

// TraverseSymlinks walks rel component-by-component starting at base,
// following each component that turns out to be a symlink all the way to
// its eventual non-symlink (or nonexistent) destination before moving on to
// the next component. It returns every intermediate path visited that was
// itself a symlink, plus the final resolved path, stopping at the first
// suffix that does not exist. Callers use the link list to record a file:
// dependency for every symlink hop between a parent target and the real
// path it ultimately pointed to - including a multi-link chain collapsed
// into a single leaf component of rel.
func TraverseSymlinks(base, rel string) (links []string, final string) {
	cur := base
	parts := splitPath(rel)
	for _, part := range parts {
		next := filepath.Join(cur, part)
		for {
			info, err := os.Lstat(next)
			if err != nil {
				return links, next
			}
			if info.Mode()&os.ModeSymlink == 0 {
				break
			}
			target, err := os.Readlink(next)
			if err != nil {
				return links, next
			}
			links = append(links, next)
			if filepath.IsAbs(target) {
				next = target
			} else {
				next = filepath.Join(filepath.Dir(next), target)
			}
		}
		cur = next
	}
	return links, cur
}

func splitPath(rel string) []string {
	rel = filepath.Clean(rel)
	if rel == "." || rel == "" {
		return nil
	}
	var parts []string
	for {
		dir, file := filepath.Split(rel)
		parts = append([]string{file}, parts...)
		dir = filepath.Clean(dir)
		if dir == "." || dir == string(filepath.Separator) || dir == rel {
			break
		}
		rel = dir
	}
	return parts
}
