package storage

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dydx/RubyTorrent/metainfo"
)

// buildSingleFile returns a MetaInfo for a single-file torrent whose
// content is exactly data, split into piece-length chunks.
func buildSingleFile(t *testing.T, name string, data []byte, pieceLength int64) *metainfo.MetaInfo {
	t.Helper()
	var pieces []byte
	for off := int64(0); off < int64(len(data)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		sum := sha1.Sum(data[off:end])
		pieces = append(pieces, sum[:]...)
	}
	return &metainfo.MetaInfo{
		Info: metainfo.Info{
			Name:        name,
			PieceLength: pieceLength,
			Pieces:      pieces,
			Length:      int64(len(data)),
		},
		Announce: "http://tracker.example/announce",
	}
}

// buildMultiFile returns a MetaInfo spanning two files whose concatenation
// is data, with pieces computed over the logical stream.
func buildMultiFile(t *testing.T, dirName string, fileNames []string, fileLens []int64, data []byte, pieceLength int64) *metainfo.MetaInfo {
	t.Helper()
	require.Equal(t, len(fileNames), len(fileLens))
	var files []metainfo.FileInfo
	for i, n := range fileNames {
		files = append(files, metainfo.FileInfo{Length: fileLens[i], Path: []string{n}})
	}
	var pieces []byte
	for off := int64(0); off < int64(len(data)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		sum := sha1.Sum(data[off:end])
		pieces = append(pieces, sum[:]...)
	}
	return &metainfo.MetaInfo{
		Info: metainfo.Info{
			Name:        dirName,
			PieceLength: pieceLength,
			Pieces:      pieces,
			Files:       files,
		},
		Announce: "http://tracker.example/announce",
	}
}

func TestOpenSingleFileAndRoundTripBlocks(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 25)
	for i := range data {
		data[i] = byte(i)
	}
	mi := buildSingleFile(t, "content.bin", data, 10)
	dest := filepath.Join(dir, "content.bin")
	pkg, err := Open(mi, dest)
	require.NoError(t, err)
	defer pkg.Close()

	require.Equal(t, 3, pkg.NumPieces())
	assert.EqualValues(t, 10, pkg.Piece(0).Length())
	assert.EqualValues(t, 10, pkg.Piece(1).Length())
	assert.EqualValues(t, 5, pkg.Piece(2).Length())

	for i, p := range pkg.Pieces() {
		start := int64(i) * 10
		end := start + p.Length()
		completed, err := p.AddBlock(Block{PieceIndex: i, Begin: 0, Length: p.Length(), Data: data[start:end]})
		require.NoError(t, err)
		assert.True(t, completed)
	}
	assert.True(t, pkg.Complete())

	for _, p := range pkg.Pieces() {
		ok, err := p.Valid()
		require.NoError(t, err)
		assert.True(t, ok)
	}

	got, err := pkg.Piece(0).GetCompleteBlock(0, 10)
	require.NoError(t, err)
	assert.Equal(t, data[0:10], got.Data)

	raw, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, raw)
}

func TestOpenMultiFileSplitsWritesAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	// a.txt: 6 bytes, b.txt: 6 bytes, piece length 4: pieces straddle the
	// file boundary at offset 6, matching spec.md S2.
	a := []byte("AAAAAA")
	b := []byte("BBBBBB")
	data := append(append([]byte{}, a...), b...)
	mi := buildMultiFile(t, "bundle", []string{"a.txt", "b.txt"}, []int64{6, 6}, data, 4)
	pkg, err := Open(mi, dir)
	require.NoError(t, err)
	defer pkg.Close()

	require.Equal(t, 3, pkg.NumPieces()) // 4, 4, 4 -> 12 bytes total
	for i, p := range pkg.Pieces() {
		start := int64(i) * 4
		end := start + p.Length()
		_, err := p.AddBlock(Block{PieceIndex: i, Begin: 0, Length: p.Length(), Data: data[start:end]})
		require.NoError(t, err)
	}

	gotA, err := os.ReadFile(filepath.Join(dir, "bundle", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, a, gotA)
	gotB, err := os.ReadFile(filepath.Join(dir, "bundle", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, b, gotB)

	for _, p := range pkg.Pieces() {
		ok, err := p.Valid()
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestCheckAllValidDiscardsCorruptPiece(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 20)
	mi := buildSingleFile(t, "x.bin", data, 10)
	dest := filepath.Join(dir, "x.bin")
	pkg, err := Open(mi, dest)
	require.NoError(t, err)
	defer pkg.Close()

	corrupt := make([]byte, 10)
	corrupt[0] = 0xFF
	_, err = pkg.Piece(0).AddBlock(Block{PieceIndex: 0, Begin: 0, Length: 10, Data: corrupt})
	require.NoError(t, err)
	_, err = pkg.Piece(1).AddBlock(Block{PieceIndex: 1, Begin: 0, Length: 10, Data: data[10:20]})
	require.NoError(t, err)

	discarded, err := pkg.CheckAllValid()
	require.NoError(t, err)
	assert.Equal(t, 1, discarded)
	assert.False(t, pkg.Piece(0).Complete())
	assert.True(t, pkg.Piece(1).Complete())
}

func TestStatsReflectsHaveBytes(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 20)
	mi := buildSingleFile(t, "x.bin", data, 10)
	pkg, err := Open(mi, filepath.Join(dir, "x.bin"))
	require.NoError(t, err)
	defer pkg.Close()

	s := pkg.Stats()
	assert.Equal(t, 2, s.TotalPieces)
	assert.Zero(t, s.CompletePieces)
	assert.EqualValues(t, 20, s.TotalBytes)

	_, err = pkg.Piece(0).AddBlock(Block{PieceIndex: 0, Begin: 0, Length: 10, Data: data[:10]})
	require.NoError(t, err)
	s = pkg.Stats()
	assert.Equal(t, 1, s.CompletePieces)
	assert.EqualValues(t, 10, s.HaveBytes)
}

func TestOpenSeedsHaveFromPreexistingValidFile(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i)
	}
	mi := buildSingleFile(t, "x.bin", data, 10)
	dest := filepath.Join(dir, "x.bin")
	require.NoError(t, os.WriteFile(dest, data, 0o644))

	pkg, err := Open(mi, dest)
	require.NoError(t, err)
	defer pkg.Close()

	assert.True(t, pkg.Complete(), "resumed file's pieces should be optimistically assumed have")
	ok, err := pkg.Piece(0).Valid()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpenSeedsEmptyHaveForFreshFile(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 20)
	mi := buildSingleFile(t, "x.bin", data, 10)
	dest := filepath.Join(dir, "x.bin")

	pkg, err := Open(mi, dest)
	require.NoError(t, err)
	defer pkg.Close()

	assert.False(t, pkg.Complete(), "a freshly created placeholder file must not be assumed have")
	assert.Zero(t, pkg.Stats().HaveBytes)
}

func TestOpenVerifiedDiscardsCorruptPreexistingData(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i)
	}
	mi := buildSingleFile(t, "x.bin", data, 10)
	dest := filepath.Join(dir, "x.bin")
	onDisk := append([]byte{}, data...)
	onDisk[0] ^= 0xFF // corrupt piece 0 only
	require.NoError(t, os.WriteFile(dest, onDisk, 0o644))

	pkg, err := OpenVerified(mi, dest)
	require.NoError(t, err)
	defer pkg.Close()

	assert.False(t, pkg.Piece(0).Complete(), "corrupt preexisting piece must not be marked have")
	assert.True(t, pkg.Piece(1).Complete(), "intact preexisting piece should still be verified and kept")
}

func TestFinalizeReopensReadOnly(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 10)
	mi := buildSingleFile(t, "x.bin", data, 10)
	dest := filepath.Join(dir, "x.bin")
	pkg, err := Open(mi, dest)
	require.NoError(t, err)
	_, err = pkg.Piece(0).AddBlock(Block{PieceIndex: 0, Begin: 0, Length: 10, Data: data})
	require.NoError(t, err)
	require.NoError(t, pkg.Finalize())
	defer pkg.Close()

	buf := make([]byte, 10)
	err = pkg.readAt(0, buf)
	require.NoError(t, err)
	assert.Equal(t, data, buf)

	err = pkg.writeAt(0, []byte("x"))
	assert.Error(t, err)
}
