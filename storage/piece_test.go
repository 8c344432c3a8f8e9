package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEachEmptyBlockSplitsByMaxLen(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 10)
	mi := buildSingleFile(t, "x.bin", data, 10)
	pkg, err := Open(mi, filepath.Join(dir, "x.bin"))
	require.NoError(t, err)
	defer pkg.Close()

	p := pkg.Piece(0)
	var blocks []Block
	p.EachEmptyBlock(4, func(b Block) bool {
		blocks = append(blocks, b)
		return true
	})
	require.Len(t, blocks, 3)
	assert.Equal(t, Block{PieceIndex: 0, Begin: 0, Length: 4}, blocks[0])
	assert.Equal(t, Block{PieceIndex: 0, Begin: 4, Length: 4}, blocks[1])
	assert.Equal(t, Block{PieceIndex: 0, Begin: 8, Length: 2}, blocks[2])
}

func TestEachUnclaimedBlockExcludesClaimed(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 10)
	mi := buildSingleFile(t, "x.bin", data, 10)
	pkg, err := Open(mi, filepath.Join(dir, "x.bin"))
	require.NoError(t, err)
	defer pkg.Close()

	p := pkg.Piece(0)
	require.NoError(t, p.ClaimBlock(Block{PieceIndex: 0, Begin: 0, Length: 4}))

	var blocks []Block
	p.EachUnclaimedBlock(4, func(b Block) bool {
		blocks = append(blocks, b)
		return true
	})
	require.Len(t, blocks, 2)
	assert.EqualValues(t, 4, blocks[0].Begin)
	assert.EqualValues(t, 8, blocks[1].Begin)
}

func TestUnclaimBlockReleasesRange(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 10)
	mi := buildSingleFile(t, "x.bin", data, 10)
	pkg, err := Open(mi, filepath.Join(dir, "x.bin"))
	require.NoError(t, err)
	defer pkg.Close()

	p := pkg.Piece(0)
	b := Block{PieceIndex: 0, Begin: 0, Length: 10}
	require.NoError(t, p.ClaimBlock(b))
	assert.EqualValues(t, 0, p.UnclaimedBytes())
	require.NoError(t, p.UnclaimBlock(b))
	assert.EqualValues(t, 10, p.UnclaimedBytes())
}

func TestDiscardResetsHaveAndClaimed(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 10)
	mi := buildSingleFile(t, "x.bin", data, 10)
	pkg, err := Open(mi, filepath.Join(dir, "x.bin"))
	require.NoError(t, err)
	defer pkg.Close()

	p := pkg.Piece(0)
	_, err = p.AddBlock(Block{PieceIndex: 0, Begin: 0, Length: 10, Data: data})
	require.NoError(t, err)
	require.True(t, p.Complete())

	p.Discard()
	assert.False(t, p.Complete())
	assert.False(t, p.Started())
	ok, err := p.Valid()
	require.ErrorIs(t, err, errPieceIncomplete)
	assert.False(t, ok)
}

func TestStartedTracksClaimOrHave(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 10)
	mi := buildSingleFile(t, "x.bin", data, 10)
	pkg, err := Open(mi, filepath.Join(dir, "x.bin"))
	require.NoError(t, err)
	defer pkg.Close()

	p := pkg.Piece(0)
	assert.False(t, p.Started())
	require.NoError(t, p.ClaimBlock(Block{PieceIndex: 0, Begin: 0, Length: 1}))
	assert.True(t, p.Started())
}

func TestAddBlockRejectsShortData(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 10)
	mi := buildSingleFile(t, "x.bin", data, 10)
	pkg, err := Open(mi, filepath.Join(dir, "x.bin"))
	require.NoError(t, err)
	defer pkg.Close()

	p := pkg.Piece(0)
	_, err = p.AddBlock(Block{PieceIndex: 0, Begin: 0, Length: 10, Data: []byte("short")})
	assert.ErrorIs(t, err, errShortBlockData)
}
