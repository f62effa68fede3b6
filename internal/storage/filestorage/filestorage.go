// Package filestorage implements the Storage interface on files under a destination directory.
package filestorage

import (
	"os"
	"path/filepath"

	"github.com/fabioibanez/Rogue-Packet/internal/storage"
)

// FileStorage saves torrent files under a destination directory.
type FileStorage struct {
	dest string
}

// New returns a new FileStorage rooted at dest.
func New(dest string) (*FileStorage, error) {
	dest, err := filepath.Abs(dest)
	if err != nil {
		return nil, err
	}
	return &FileStorage{dest: dest}, nil
}

var _ storage.Storage = (*FileStorage)(nil)

// Dest returns the absolute destination directory.
func (s *FileStorage) Dest() string {
	return s.dest
}

// Open opens the named file under the destination directory, creating and
// sizing it when missing.
func (s *FileStorage) Open(name string, size int64) (f storage.File, exists bool, err error) {
	name = filepath.Join(s.dest, filepath.Clean(name))

	err = os.MkdirAll(filepath.Dir(name), os.ModeDir|0o750)
	if err != nil {
		return
	}

	var of *os.File
	defer func() {
		if err != nil && of != nil {
			_ = of.Close()
		}
	}()

	const mode = 0o640
	of, err = os.OpenFile(name, os.O_RDWR, mode) // nolint: gosec
	if os.IsNotExist(err) {
		of, err = os.OpenFile(name, os.O_RDWR|os.O_CREATE, mode) // nolint: gosec
		if err != nil {
			return
		}
		f = of
		err = of.Truncate(size)
		return
	}
	if err != nil {
		return
	}
	f = of
	exists = true
	fi, err := of.Stat()
	if err != nil {
		return
	}
	if fi.Size() != size {
		err = of.Truncate(size)
	}
	return
}
