// Package filesection maps a piece's byte range onto the byte ranges of the
// files that back it. Piece hashes in a torrent are computed over the
// concatenation of all files, so one piece may span several files.
package filesection

import "io"

// ReadWriterAt is the part of a storage file a section needs.
type ReadWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// Section is a contiguous byte range of a single file.
type Section struct {
	File   ReadWriterAt
	Offset int64
	Length int64
}

// Sections is an ordered list of file sections forming one piece.
type Sections []Section

// Length returns the total byte length of all sections.
func (s Sections) Length() int64 {
	var total int64
	for _, sec := range s {
		total += sec.Length
	}
	return total
}

// ReadAt reads len(p) bytes starting at piece offset off.
// Used when serving blocks of a completed piece to peers.
func (s Sections) ReadAt(p []byte, off int64) (int, error) {
	var readers []io.Reader
	var pos int64
	for _, sec := range s {
		if pos+sec.Length <= off {
			pos += sec.Length
			continue
		}
		skip := off - pos
		if skip < 0 {
			skip = 0
		}
		readers = append(readers, io.NewSectionReader(sec.File, sec.Offset+skip, sec.Length-skip))
		pos += sec.Length
		if pos >= off+int64(len(p)) {
			break
		}
	}
	n, err := io.ReadFull(io.MultiReader(readers...), p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

// Write writes p across the sections in order. len(p) must equal the total
// section length; a verified piece is always written whole.
func (s Sections) Write(p []byte) (n int, err error) {
	var m int
	for _, sec := range s {
		m, err = sec.File.WriteAt(p[:sec.Length], sec.Offset)
		n += m
		if err != nil {
			return
		}
		if int64(m) < sec.Length {
			err = io.ErrShortWrite
			return
		}
		p = p[m:]
	}
	return
}
