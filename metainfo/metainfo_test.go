package metainfo

import (
	"testing"

	"github.com/dydx/RubyTorrent/bencode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTorrentBytes(infoDict bencode.Value, announce string) []byte {
	m := map[string]bencode.Value{
		"info":     infoDict,
		"announce": bencode.String(announce),
	}
	return bencode.Encode(bencode.Dict(m))
}

func singleFileInfo(name string, length, pieceLen int64, pieces []byte) bencode.Value {
	return bencode.Dict(map[string]bencode.Value{
		"name":         bencode.String(name),
		"length":       bencode.Int(length),
		"piece length": bencode.Int(pieceLen),
		"pieces":       bencode.Bytes(pieces),
	})
}

func TestParseSingleFile(t *testing.T) {
	pieces := make([]byte, 40) // 2 piece hashes
	b := buildTorrentBytes(singleFileInfo("a.txt", 32, 16, pieces), "http://tracker/announce")
	mi, err := Parse(b)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", mi.Info.Name)
	assert.EqualValues(t, 32, mi.Info.TotalLength())
	assert.Equal(t, 2, mi.Info.NumPieces())
	assert.False(t, mi.Info.IsDir())
	assert.Equal(t, [][]string{{"http://tracker/announce"}}, mi.AnnounceTiers())
}

func TestParseMultiFile(t *testing.T) {
	pieces := make([]byte, 40)
	filesVal := bencode.List(
		bencode.Dict(map[string]bencode.Value{
			"length": bencode.Int(10),
			"path":   bencode.List(bencode.String("a.txt")),
		}),
		bencode.Dict(map[string]bencode.Value{
			"length": bencode.Int(20),
			"path":   bencode.List(bencode.String("sub"), bencode.String("b.txt")),
		}),
	)
	infoDict := bencode.Dict(map[string]bencode.Value{
		"name":         bencode.String("pkg"),
		"piece length": bencode.Int(16),
		"pieces":       bencode.Bytes(pieces),
		"files":        filesVal,
	})
	b := buildTorrentBytes(infoDict, "http://tracker/announce")
	mi, err := Parse(b)
	require.NoError(t, err)
	assert.True(t, mi.Info.IsDir())
	assert.EqualValues(t, 30, mi.Info.TotalLength())
	files := mi.Info.UpvertedFiles()
	require.Len(t, files, 2)
	assert.EqualValues(t, 0, files[0].Offset)
	assert.EqualValues(t, 10, files[1].Offset)
}

func TestParseRejectsBothLengthAndFiles(t *testing.T) {
	pieces := make([]byte, 20)
	infoDict := bencode.Dict(map[string]bencode.Value{
		"name":         bencode.String("x"),
		"piece length": bencode.Int(16),
		"pieces":       bencode.Bytes(pieces),
		"length":       bencode.Int(16),
		"files":        bencode.List(),
	})
	b := buildTorrentBytes(infoDict, "http://t")
	_, err := Parse(b)
	assert.Error(t, err)
}

func TestParseRejectsBadPiecesLength(t *testing.T) {
	infoDict := singleFileInfo("x", 16, 16, make([]byte, 19))
	b := buildTorrentBytes(infoDict, "http://t")
	_, err := Parse(b)
	assert.Error(t, err)
}

func TestParseRejectsMissingAnnounce(t *testing.T) {
	infoDict := singleFileInfo("x", 16, 16, make([]byte, 20))
	b := bencode.Encode(bencode.Dict(map[string]bencode.Value{"info": infoDict}))
	_, err := Parse(b)
	assert.Error(t, err)
}

func TestInfoHashStableAcrossKeyOrder(t *testing.T) {
	pieces := make([]byte, 20)
	// Hand-craft the info dict with keys out of sorted order; InfoHash must
	// hash exactly the raw bytes found, not a re-encoded canonical form.
	raw := []byte("d6:pieces20:" + string(pieces) + "12:piece lengthi16e4:name1:x6:lengthi16ee")
	top := []byte("d4:info" + string(raw) + "8:announce7:http://e")
	mi, err := Parse(top)
	require.NoError(t, err)
	assert.Equal(t, HashBytes(raw), mi.InfoHash())
}

func TestAnnounceListPreferredOverAnnounce(t *testing.T) {
	infoDict := singleFileInfo("x", 16, 16, make([]byte, 20))
	m := map[string]bencode.Value{
		"info":     infoDict,
		"announce": bencode.String("http://primary"),
		"announce-list": bencode.List(
			bencode.List(bencode.String("http://tierA1"), bencode.String("http://tierA2")),
			bencode.List(bencode.String("http://tierB1")),
		),
	}
	b := bencode.Encode(bencode.Dict(m))
	mi, err := Parse(b)
	require.NoError(t, err)
	tiers := mi.AnnounceTiers()
	require.Len(t, tiers, 2)
	assert.Equal(t, []string{"http://tierA1", "http://tierA2"}, tiers[0])
}

func TestAllPieceHashesSplitsConcatenatedDigests(t *testing.T) {
	first := HashBytes([]byte("piece-zero"))
	second := HashBytes([]byte("piece-one"))
	pieces := append(append([]byte{}, first[:]...), second[:]...)

	infoDict := singleFileInfo("x", 32, 16, pieces)
	b := buildTorrentBytes(infoDict, "http://t")
	mi, err := Parse(b)
	require.NoError(t, err)

	hashes, err := mi.Info.AllPieceHashes()
	require.NoError(t, err)
	require.Len(t, hashes, 2)
	assert.Equal(t, first, hashes[0])
	assert.Equal(t, second, hashes[1])
}

func TestPieceHashesRejectsMisalignedLength(t *testing.T) {
	_, err := PieceHashes(make([]byte, 21))
	assert.Error(t, err)
}

func TestParseRejectsMisalignedPiecesLength(t *testing.T) {
	infoDict := singleFileInfo("x", 16, 16, make([]byte, 21))
	b := buildTorrentBytes(infoDict, "http://t")
	_, err := Parse(b)
	assert.Error(t, err)
}
