package metainfo

import (
	"fmt"

	"github.com/dydx/RubyTorrent/bencode"
)

// FileInfo describes one file of a multi-file package, and its offset
// within the logical byte stream.
type FileInfo struct {
	Length int64
	Path   []string
	// Offset is this file's starting position in the concatenated logical
	// byte stream. Computed by UpvertedFiles, not part of the wire
	// format.
	Offset int64
}

// Info is the parsed, validated "info" sub-dictionary of a .torrent: either
// single-file ({name, length, piece length, pieces}) or multi-file
// ({name, piece length, pieces, files[]}).
type Info struct {
	Name        string
	PieceLength int64
	Pieces      []byte // concatenated 20-byte SHA-1s
	Length      int64      // single-file; mutually exclusive with Files
	Files       []FileInfo // multi-file; mutually exclusive with Length
}

// IsDir reports whether this is a multi-file package.
func (info *Info) IsDir() bool {
	return len(info.Files) > 0
}

// TotalLength is the sum of all file lengths, i.e. the size of the logical
// byte stream.
func (info *Info) TotalLength() int64 {
	if info.IsDir() {
		var total int64
		for _, f := range info.Files {
			total += f.Length
		}
		return total
	}
	return info.Length
}

// NumPieces is the number of SHA-1 hashes present.
func (info *Info) NumPieces() int {
	return len(info.Pieces) / 20
}

// UpvertedFiles returns the files field, converting up from the single-file
// form if necessary, with Offset populated for each.
func (info *Info) UpvertedFiles() []FileInfo {
	if !info.IsDir() {
		return []FileInfo{{Length: info.Length, Path: []string{info.Name}, Offset: 0}}
	}
	out := make([]FileInfo, len(info.Files))
	var offset int64
	for i, f := range info.Files {
		f.Offset = offset
		offset += f.Length
		out[i] = f
	}
	return out
}

// PieceHash returns the expected SHA-1 of piece index.
func (info *Info) PieceHash(index int) (Hash, error) {
	if index < 0 || index >= info.NumPieces() {
		return Hash{}, fmt.Errorf("metainfo: piece index %d out of range [0,%d)", index, info.NumPieces())
	}
	var h Hash
	copy(h[:], info.Pieces[index*20:(index+1)*20])
	return h, nil
}

// AllPieceHashes splits the "pieces" field into individual per-piece
// digests. The length was already validated as a multiple of 20 when the
// Info was parsed, so the error return is only reachable for an Info built
// by hand with a malformed Pieces slice.
func (info *Info) AllPieceHashes() ([]Hash, error) {
	return PieceHashes(info.Pieces)
}

// PieceLen returns the length of piece index: PieceLength for every piece
// except possibly the last, which is the remainder.
func (info *Info) PieceLen(index int) int64 {
	if index == info.NumPieces()-1 {
		if rem := info.TotalLength() % info.PieceLength; rem != 0 {
			return rem
		}
	}
	return info.PieceLength
}

// parseInfo builds an Info from its bencode dict value, failing loudly with
// the offending key name on any mismatch. This replaces reflective
// struct-tag binding per the redesign in spec.md §9.
func parseInfo(v bencode.Value) (Info, error) {
	if v.Kind != bencode.KindDict {
		return Info{}, ErrMetaInfoFormat("info is not a dict")
	}
	var info Info

	name, ok, err := v.GetDict("name")
	if err != nil || !ok {
		return Info{}, ErrMetaInfoFormat("info.name missing")
	}
	info.Name, err = name.String()
	if err != nil {
		return Info{}, ErrMetaInfoFormat("info.name is not a byte string")
	}

	pl, ok, err := v.GetDict("piece length")
	if err != nil || !ok {
		return Info{}, ErrMetaInfoFormat("info.piece length missing")
	}
	info.PieceLength, err = pl.Integer()
	if err != nil || info.PieceLength <= 0 {
		return Info{}, ErrMetaInfoFormat("info.piece length is not a positive integer")
	}

	pieces, ok, err := v.GetDict("pieces")
	if err != nil || !ok {
		return Info{}, ErrMetaInfoFormat("info.pieces missing")
	}
	pb, err := pieces.String()
	if err != nil {
		return Info{}, ErrMetaInfoFormat("info.pieces is not a byte string")
	}
	info.Pieces = []byte(pb)
	if _, err := PieceHashes(info.Pieces); err != nil {
		return Info{}, ErrMetaInfoFormat("info.pieces length is not a multiple of 20")
	}

	lengthVal, hasLength, _ := v.GetDict("length")
	filesVal, hasFiles, _ := v.GetDict("files")
	switch {
	case hasLength && hasFiles:
		return Info{}, ErrMetaInfoFormat("info has both length and files")
	case !hasLength && !hasFiles:
		return Info{}, ErrMetaInfoFormat("info has neither length nor files")
	case hasLength:
		info.Length, err = lengthVal.Integer()
		if err != nil || info.Length < 0 {
			return Info{}, ErrMetaInfoFormat("info.length is not a non-negative integer")
		}
	case hasFiles:
		if filesVal.Kind != bencode.KindList {
			return Info{}, ErrMetaInfoFormat("info.files is not a list")
		}
		for i, fv := range filesVal.List {
			fi, err := parseFileInfo(fv)
			if err != nil {
				return Info{}, ErrMetaInfoFormat(fmt.Sprintf("info.files[%d]: %s", i, err))
			}
			info.Files = append(info.Files, fi)
		}
		if len(info.Files) == 0 {
			return Info{}, ErrMetaInfoFormat("info.files is empty")
		}
	}

	total := info.TotalLength()
	wantPieces := int64(len(info.Pieces)) / 20
	if total > 0 {
		minPieces := (total + info.PieceLength - 1) / info.PieceLength
		if wantPieces < minPieces {
			return Info{}, ErrMetaInfoFormat("total size exceeds declared piece coverage")
		}
	}

	return info, nil
}

func parseFileInfo(v bencode.Value) (FileInfo, error) {
	if v.Kind != bencode.KindDict {
		return FileInfo{}, fmt.Errorf("not a dict")
	}
	var fi FileInfo
	lengthVal, ok, err := v.GetDict("length")
	if err != nil || !ok {
		return FileInfo{}, fmt.Errorf("length missing")
	}
	fi.Length, err = lengthVal.Integer()
	if err != nil || fi.Length < 0 {
		return FileInfo{}, fmt.Errorf("length is not a non-negative integer")
	}
	pathVal, ok, err := v.GetDict("path")
	if err != nil || !ok {
		return FileInfo{}, fmt.Errorf("path missing")
	}
	if pathVal.Kind != bencode.KindList || len(pathVal.List) == 0 {
		return FileInfo{}, fmt.Errorf("path is not a non-empty list")
	}
	for _, pv := range pathVal.List {
		s, err := pv.String()
		if err != nil {
			return FileInfo{}, fmt.Errorf("path component is not a byte string")
		}
		fi.Path = append(fi.Path, s)
	}
	return fi, nil
}
