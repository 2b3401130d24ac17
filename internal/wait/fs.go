package wait

import (
	"errors"
	"io/fs"
	"os"
)

// FileSystem is the slice of the file system the launch protocol relies on.
type FileSystem interface {
	// Exists reports whether path names a regular file.
	Exists(path string) bool
	// IsSocket reports whether path names a unix socket.
	IsSocket(path string) bool
	// Remove deletes path; a missing file is not an error.
	Remove(path string) error
}

// OSFileSystem is the host file system.
type OSFileSystem struct{}

func (OSFileSystem) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (OSFileSystem) IsSocket(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.Mode()&fs.ModeSocket != 0
}

func (OSFileSystem) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ForFile waits until path exists.
func ForFile(fsys FileSystem, path string) Condition {
	return func() (bool, error) {
		return fsys.Exists(path), nil
	}
}

// ForSocket waits until path is a unix socket accepted by live.
func ForSocket(fsys FileSystem, path string, live func(string) bool) Condition {
	return func() (bool, error) {
		if !fsys.IsSocket(path) {
			return false, nil
		}
		return live == nil || live(path), nil
	}
}
