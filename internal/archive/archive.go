// Package archive implements the index+contents layer serialization format.
// An archive is a pair of streams: a text index with one fixed-layout,
// hex-encoded line per entry, and a contents blob the index references by
// offset. The split keeps metadata scans cheap and file access random.
package archive

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"strings"
	"time"
)

// EntryKind describes what an archive entry represents.
type EntryKind uint8

const (
	EntryKindInvalid   EntryKind = iota
	EntryKindRegular             // regular file with contents
	EntryKindDirectory           // directory
	EntryKindSymlink             // symbolic link
	EntryKindHardlink            // hard link to another entry
	EntryKindWhiteout            // path deleted relative to lower layers
	EntryKindOpaque              // directory whose lower-layer children are hidden
)

func (k EntryKind) String() string {
	switch k {
	case EntryKindRegular:
		return "regular"
	case EntryKindDirectory:
		return "directory"
	case EntryKindSymlink:
		return "symlink"
	case EntryKindHardlink:
		return "hardlink"
	case EntryKindWhiteout:
		return "whiteout"
	case EntryKindOpaque:
		return "opaque"
	case EntryKindInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Index line layout, after the 4-hex-char line length:
//
//	' ' kind ' ' mode ' ' uid ':' gid ' ' mtime ' ' size ' ' offset ' ' hash ' ' name '\t' linkname '\n'
//
// All numeric fields are big-endian hex. Line length counts everything after
// the length field itself.
const (
	Magic = "MASONIDX1\n"

	kindOffset    = 1
	kindSize      = 2
	modeOffset    = kindOffset + kindSize + 1
	modeSize      = 8
	uidOffset     = modeOffset + modeSize + 1
	uidSize       = 8
	gidOffset     = uidOffset + uidSize + 1
	gidSize       = 8
	mtimeOffset   = gidOffset + gidSize + 1
	mtimeSize     = 16
	sizeOffset    = mtimeOffset + mtimeSize + 1
	sizeSize      = 16
	offsetOffset  = sizeOffset + sizeSize + 1
	offsetSize    = 16
	hashOffset    = offsetOffset + offsetSize + 1
	hashSize      = 64
	nameOffset    = hashOffset + hashSize + 1
	lineOverhead  = len("\t\n")
	maxIndexLine  = 10 * 1024
	lengthHexSize = 4
)

// Header describes one entry before it is written.
type Header struct {
	Kind     EntryKind
	Name     string
	Linkname string
	Size     int64
	Mode     fs.FileMode
	UID      int
	GID      int
	ModTime  time.Time
}

func (h *Header) validate() error {
	if h.Kind == EntryKindInvalid {
		return errors.New("invalid entry kind")
	}
	if h.Name == "" {
		return errors.New("empty entry name")
	}
	if strings.ContainsAny(h.Name, "\t\n") || strings.ContainsAny(h.Linkname, "\t\n") {
		return errors.New("entry name contains control characters")
	}
	return nil
}

// indexBuf assembles one hex-encoded index line.
type indexBuf struct {
	buf []byte
}

func (b *indexBuf) reset()          { b.buf = b.buf[:0] }
func (b *indexBuf) sep(c byte)      { b.buf = append(b.buf, c) }
func (b *indexBuf) text(s string)   { b.buf = append(b.buf, s...) }
func (b *indexBuf) hex8(v uint8)    { b.hexBytes([]byte{v}) }
func (b *indexBuf) hex16(v uint16)  { b.hexBytes(binary.BigEndian.AppendUint16(nil, v)) }
func (b *indexBuf) hex32(v uint32)  { b.hexBytes(binary.BigEndian.AppendUint32(nil, v)) }
func (b *indexBuf) hex64(v uint64)  { b.hexBytes(binary.BigEndian.AppendUint64(nil, v)) }
func (b *indexBuf) hexBytes(p []byte) {
	b.buf = append(b.buf, make([]byte, hex.EncodedLen(len(p)))...)
	hex.Encode(b.buf[len(b.buf)-hex.EncodedLen(len(p)):], p)
}

func (h *Header) encode(b *indexBuf, contentHash []byte, offset int64) {
	lineLen := nameOffset + len(h.Name) + len(h.Linkname) + lineOverhead

	b.reset()
	b.hex16(uint16(lineLen))
	b.sep(' ')
	b.hex8(uint8(h.Kind))
	b.sep(' ')
	b.hex32(uint32(h.Mode))
	b.sep(' ')
	b.hex32(uint32(h.UID))
	b.sep(':')
	b.hex32(uint32(h.GID))
	b.sep(' ')
	b.hex64(uint64(h.ModTime.Unix()))
	b.sep(' ')
	b.hex64(uint64(h.Size))
	b.sep(' ')
	b.hex64(uint64(offset))
	b.sep(' ')
	b.hexBytes(contentHash)
	b.sep(' ')
	b.text(h.Name)
	b.sep('\t')
	b.text(h.Linkname)
	b.sep('\n')
}

// hashingWriter tees writes into a running hash.
type hashingWriter struct {
	w io.Writer
	h hash.Hash
}

func (w *hashingWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if err == nil {
		_, err = w.h.Write(p[:n])
	}
	return n, err
}

// Writer streams entries into an index and a contents stream.
type Writer struct {
	index    io.Writer
	contents hashingWriter
	offset   int64
	line     indexBuf
	copyBuf  []byte
	limited  io.LimitedReader
	hashBuf  [sha256.Size]byte
}

// NewWriter writes the index magic and returns a Writer over the two
// streams.
func NewWriter(index, contents io.Writer) (*Writer, error) {
	w := &Writer{
		index: index,
		contents: hashingWriter{
			w: contents,
			h: sha256.New(),
		},
		copyBuf: make([]byte, 32*1024),
	}

	if _, err := index.Write([]byte(Magic)); err != nil {
		return nil, fmt.Errorf("write archive magic: %w", err)
	}

	return w, nil
}

// WriteEntry appends one entry. For regular files, r supplies exactly
// hdr.Size bytes of content; other kinds pass a nil reader.
func (w *Writer) WriteEntry(hdr *Header, r io.Reader) error {
	if err := hdr.validate(); err != nil {
		return err
	}

	w.contents.h.Reset()

	offset := int64(0)
	if r != nil && hdr.Size > 0 {
		offset = w.offset

		w.limited.R = r
		w.limited.N = hdr.Size

		n, err := io.CopyBuffer(&w.contents, &w.limited, w.copyBuf)
		if err != nil {
			return fmt.Errorf("write contents for %s: %w", hdr.Name, err)
		}
		if n != hdr.Size {
			return fmt.Errorf("write contents for %s: short write", hdr.Name)
		}
		w.offset += n
	}

	hdr.encode(&w.line, w.contents.h.Sum(w.hashBuf[:0]), offset)
	if _, err := w.index.Write(w.line.buf); err != nil {
		return fmt.Errorf("write index entry for %s: %w", hdr.Name, err)
	}

	return nil
}

// Reader iterates an index, giving random access into the contents stream.
type Reader struct {
	index       *bufio.Reader
	indexCloser io.Closer
	contents    io.ReaderAt
	lenHex      [lengthHexSize]byte
	lenRaw      [2]byte
	buf         [maxIndexLine]byte
	nameEnd     int
	lineEnd     int
}

// NewReader validates the magic and returns a Reader. contents may be nil
// when only metadata will be read; indexCloser may be nil.
func NewReader(index io.Reader, indexCloser io.Closer, contents io.ReaderAt) (*Reader, error) {
	r := &Reader{
		index:       bufio.NewReaderSize(index, maxIndexLine),
		indexCloser: indexCloser,
		contents:    contents,
	}

	var magic [len(Magic)]byte
	if _, err := io.ReadFull(r.index, magic[:]); err != nil {
		return nil, fmt.Errorf("read archive magic: %w", err)
	}
	if string(magic[:]) != Magic {
		return nil, errors.New("not a layer archive")
	}

	return r, nil
}

func (r *Reader) Close() error {
	if r.indexCloser != nil {
		return r.indexCloser.Close()
	}
	return nil
}

// Next advances to the next index entry. It returns io.EOF at the end.
func (r *Reader) Next() error {
	if _, err := io.ReadFull(r.index, r.lenHex[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("read index entry length: %w", err)
	}
	if _, err := hex.Decode(r.lenRaw[:], r.lenHex[:]); err != nil {
		return fmt.Errorf("decode index entry length: %w", err)
	}

	lineLen := int(binary.BigEndian.Uint16(r.lenRaw[:]))
	if lineLen < nameOffset+lineOverhead || lineLen > maxIndexLine {
		return fmt.Errorf("invalid index entry length %d", lineLen)
	}

	if _, err := io.ReadFull(r.index, r.buf[:lineLen]); err != nil {
		return fmt.Errorf("read index entry: %w", err)
	}

	tab := bytes.IndexByte(r.buf[nameOffset:lineLen], '\t')
	if tab == -1 {
		return errors.New("malformed index entry: missing name separator")
	}
	r.nameEnd = nameOffset + tab
	r.lineEnd = lineLen - 1

	return nil
}

func (r *Reader) hexField(dst []byte, off, size int) bool {
	_, err := hex.Decode(dst, r.buf[off:off+size])
	return err == nil
}

// Kind returns the current entry's kind.
func (r *Reader) Kind() EntryKind {
	var b [1]byte
	if !r.hexField(b[:], kindOffset, kindSize) {
		return EntryKindInvalid
	}
	return EntryKind(b[0])
}

// Mode returns the current entry's file mode.
func (r *Reader) Mode() fs.FileMode {
	var b [4]byte
	if !r.hexField(b[:], modeOffset, modeSize) {
		return 0
	}
	return fs.FileMode(binary.BigEndian.Uint32(b[:]))
}

// Owner returns the current entry's uid and gid.
func (r *Reader) Owner() (uid, gid int) {
	var u, g [4]byte
	if !r.hexField(u[:], uidOffset, uidSize) || !r.hexField(g[:], gidOffset, gidSize) {
		return 0, 0
	}
	return int(binary.BigEndian.Uint32(u[:])), int(binary.BigEndian.Uint32(g[:]))
}

// ModTime returns the current entry's modification time.
func (r *Reader) ModTime() time.Time {
	var b [8]byte
	if !r.hexField(b[:], mtimeOffset, mtimeSize) {
		return time.Time{}
	}
	return time.Unix(int64(binary.BigEndian.Uint64(b[:])), 0)
}

// Size returns the current entry's content size in bytes.
func (r *Reader) Size() int64 {
	var b [8]byte
	if !r.hexField(b[:], sizeOffset, sizeSize) {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b[:]))
}

// Hash returns the SHA-256 of the current entry's contents.
func (r *Reader) Hash() []byte {
	var b [sha256.Size]byte
	if !r.hexField(b[:], hashOffset, hashSize) {
		return nil
	}
	return b[:]
}

// Name returns the current entry's path.
func (r *Reader) Name() string {
	return string(r.buf[nameOffset:r.nameEnd])
}

// Linkname returns the current entry's link target.
func (r *Reader) Linkname() string {
	return string(r.buf[r.nameEnd+1 : r.lineEnd])
}

func (r *Reader) contentOffset() (int64, error) {
	var b [8]byte
	if !r.hexField(b[:], offsetOffset, offsetSize) {
		return 0, errors.New("decode entry offset")
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

// Open returns a random-access handle to the current entry's contents.
func (r *Reader) Open() (*io.SectionReader, error) {
	if r.Kind() != EntryKindRegular {
		return nil, fs.ErrInvalid
	}
	off, err := r.contentOffset()
	if err != nil {
		return nil, err
	}
	return io.NewSectionReader(r.contents, off, r.Size()), nil
}

// Entry is a fully-decoded index entry.
type Entry struct {
	Kind     EntryKind
	Name     string
	Linkname string
	Size     int64
	Mode     fs.FileMode
	UID      int
	GID      int
	ModTime  time.Time
	Hash     []byte

	offset int64
}

// Open returns a random-access handle into contents for this entry.
func (e *Entry) Open(contents io.ReaderAt) (*io.SectionReader, error) {
	if e.Kind != EntryKindRegular {
		return nil, fs.ErrInvalid
	}
	return io.NewSectionReader(contents, e.offset, e.Size), nil
}

// ReadAllEntries decodes a whole index into memory.
func ReadAllEntries(index io.Reader) ([]Entry, error) {
	r, err := NewReader(index, nil, nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var entries []Entry
	for {
		err := r.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}

		uid, gid := r.Owner()
		offset, err := r.contentOffset()
		if err != nil {
			return nil, err
		}

		entries = append(entries, Entry{
			Kind:     r.Kind(),
			Name:     r.Name(),
			Linkname: r.Linkname(),
			Size:     r.Size(),
			Mode:     r.Mode(),
			UID:      uid,
			GID:      gid,
			ModTime:  r.ModTime(),
			Hash:     r.Hash(),
			offset:   offset,
		})
	}

	return entries, nil
}
