// Package storage implements the on-disk piece/block engine: Package owns
// the backing files and SHA-1-verified Pieces that together materialize a
// torrent's logical byte stream (§3, §4.2).
package storage

import (
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/dydx/RubyTorrent/metainfo"
)

// Package is the disk-backed representation of a single torrent's content.
// It owns every underlying file and every Piece, and is the only thing
// that performs file I/O: Pieces delegate reads/writes back through it.
type Package struct {
	info    *metainfo.Info
	files   []*file // ascending by offset
	pieces  []*Piece

	mu       sync.Mutex
	readOnly bool
}

// Open creates/opens the backing files for mi under destDir and builds one
// Piece per entry in mi.Info.Pieces. Per §3's completion lifecycle, a piece
// whose backing files already held exactly their declared length before
// this call is optimistically assumed valid and seeded have immediately;
// CheckAllValid (or lazy Valid() on first use) is what actually catches a
// wrong optimistic assumption. Use OpenVerified to disable that optimism.
func Open(mi *metainfo.MetaInfo, destDir string) (*Package, error) {
	return open(mi, destDir, false)
}

// OpenVerified is like Open but disables the assume-valid default: every
// piece whose files already held the right number of bytes is SHA-1
// verified before being marked have, rather than assumed and checked
// later (§3 "existing-file pieces are optimistically assumed valid unless
// the caller disables that optimism").
func OpenVerified(mi *metainfo.MetaInfo, destDir string) (*Package, error) {
	return open(mi, destDir, true)
}

func open(mi *metainfo.MetaInfo, destDir string, verifyOnOpen bool) (*Package, error) {
	files, err := openFiles(&mi.Info, destDir)
	if err != nil {
		return nil, err
	}
	pkg := &Package{info: &mi.Info, files: files}
	n := mi.Info.NumPieces()
	pkg.pieces = make([]*Piece, n)
	var start int64
	for i := 0; i < n; i++ {
		sha, err := mi.Info.PieceHash(i)
		if err != nil {
			pkg.closeFiles()
			return nil, err
		}
		length := mi.Info.PieceLen(i)
		p := newPiece(pkg, i, sha, start, length)
		pkg.pieces[i] = p
		if piecePreexists(files, start, length) {
			if verifyOnOpen {
				if err := p.seedVerifyFromDisk(); err != nil {
					pkg.closeFiles()
					return nil, err
				}
			} else {
				p.seedHaveFull()
			}
		}
		start += length
	}
	return pkg, nil
}

// piecePreexists reports whether every file spanning [start, start+length)
// already held its declared length of bytes before Open's call to
// openFiles, i.e. the piece looks like resumed data rather than a freshly
// created placeholder.
func piecePreexists(files []*file, start, length int64) bool {
	idx := sort.Search(len(files), func(i int) bool {
		f := files[i]
		return f.offset+f.length > start
	})
	cursor := start
	remaining := length
	for remaining > 0 {
		if idx >= len(files) {
			return false
		}
		f := files[idx]
		if !f.preexisting {
			return false
		}
		fileOff := cursor - f.offset
		avail := f.length - fileOff
		n := remaining
		if n > avail {
			n = avail
		}
		cursor += n
		remaining -= n
		idx++
	}
	return true
}

// Pieces returns every piece, ordered by index.
func (pkg *Package) Pieces() []*Piece { return pkg.pieces }

// Piece returns the piece at index, or nil if out of range.
func (pkg *Package) Piece(index int) *Piece {
	if index < 0 || index >= len(pkg.pieces) {
		return nil
	}
	return pkg.pieces[index]
}

// NumPieces returns the number of pieces in the package.
func (pkg *Package) NumPieces() int { return len(pkg.pieces) }

// TotalLength returns the package's declared total byte length.
func (pkg *Package) TotalLength() int64 { return pkg.info.TotalLength() }

// Stats summarizes download progress across all pieces.
type Stats struct {
	TotalPieces     int
	CompletePieces  int
	HaveBytes       int64
	TotalBytes      int64
}

// Stats computes a fresh snapshot by scanning every piece.
func (pkg *Package) Stats() Stats {
	s := Stats{TotalPieces: len(pkg.pieces), TotalBytes: pkg.TotalLength()}
	for _, p := range pkg.pieces {
		if p.Complete() {
			s.CompletePieces++
		}
		s.HaveBytes += p.HaveBytes()
	}
	return s
}

// MissingBitmap returns the set of piece indices not yet complete, for a
// peer connection's interest recalculation ("peer has any piece we lack",
// §4.3).
func (pkg *Package) MissingBitmap() *roaring.Bitmap {
	bm := roaring.New()
	for _, p := range pkg.pieces {
		if !p.Complete() {
			bm.Add(uint32(p.Index()))
		}
	}
	return bm
}

// Complete reports whether every piece is complete.
func (pkg *Package) Complete() bool {
	for _, p := range pkg.pieces {
		if !p.Complete() {
			return false
		}
	}
	return true
}

// CheckAllValid forces a SHA-1 check of every complete piece, discarding
// any that fail. It returns the number of pieces discarded.
func (pkg *Package) CheckAllValid() (discarded int, err error) {
	for _, p := range pkg.pieces {
		if !p.Complete() {
			continue
		}
		ok, verr := p.Valid()
		if verr != nil {
			return discarded, verr
		}
		if !ok {
			p.Discard()
			discarded++
		}
	}
	return discarded, nil
}

// Finalize reopens every backing file read-only, once the package is
// complete and fully verified. It is irreversible for this Package value;
// further writes will fail.
func (pkg *Package) Finalize() error {
	pkg.mu.Lock()
	defer pkg.mu.Unlock()
	for _, f := range pkg.files {
		if err := f.reopenReadOnly(); err != nil {
			return err
		}
	}
	pkg.readOnly = true
	return nil
}

// Close closes every backing file handle.
func (pkg *Package) Close() error {
	return pkg.closeFiles()
}

func (pkg *Package) closeFiles() error {
	var first error
	for _, f := range pkg.files {
		if err := f.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// fileIndexAt returns the index of the first file whose span contains off.
func (pkg *Package) fileIndexAt(off int64) (int, error) {
	i := sort.Search(len(pkg.files), func(i int) bool {
		f := pkg.files[i]
		return f.offset+f.length > off
	})
	if i >= len(pkg.files) {
		return 0, errOffsetOutOfFile
	}
	return i, nil
}

// readAt reads len(buf) bytes starting at absolute offset off, splitting
// the read across file boundaries as needed (§4.2).
func (pkg *Package) readAt(off int64, buf []byte) error {
	return pkg.walk(off, int64(len(buf)), func(f *file, fileOff int64, chunk []byte) error {
		n, err := f.readAt(chunk, fileOff)
		if err != nil {
			return err
		}
		_ = n
		return nil
	}, buf)
}

// writeAt writes buf starting at absolute offset off, splitting across
// file boundaries as needed (§4.2). Each underlying file's lock is held
// only for the span of that file's chunk.
func (pkg *Package) writeAt(off int64, buf []byte) error {
	return pkg.walk(off, int64(len(buf)), func(f *file, fileOff int64, chunk []byte) error {
		_, err := f.writeAt(chunk, fileOff)
		return err
	}, buf)
}

// walk locates the first file covering off, then advances through
// consecutive files in vector order until length bytes have been
// processed, invoking fn with the portion of data belonging to each file.
func (pkg *Package) walk(off, length int64, fn func(f *file, fileOff int64, chunk []byte) error, data []byte) error {
	idx, err := pkg.fileIndexAt(off)
	if err != nil {
		return err
	}
	remaining := length
	cursor := off
	pos := 0
	for remaining > 0 {
		if idx >= len(pkg.files) {
			return errOffsetOutOfFile
		}
		f := pkg.files[idx]
		fileOff := cursor - f.offset
		avail := f.length - fileOff
		n := remaining
		if n > avail {
			n = avail
		}
		chunk := data[pos : pos+int(n)]
		if err := fn(f, fileOff, chunk); err != nil {
			return err
		}
		pos += int(n)
		cursor += n
		remaining -= n
		idx++
	}
	return nil
}
