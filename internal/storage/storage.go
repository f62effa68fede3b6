// Package storage contains an interface for reading and writing the files in a torrent.
package storage

import "io"

// Storage is an interface for opening the files referenced by a torrent.
type Storage interface {
	// Open opens the file with the given relative name, creating and
	// pre-sizing it when it does not exist. exists reports whether the
	// file was already present with the expected size.
	Open(name string, size int64) (f File, exists bool, err error)
}

// File interface for reading/writing torrent data.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}
