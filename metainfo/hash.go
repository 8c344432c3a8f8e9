package metainfo

import (
	"crypto/sha1"
	"encoding/hex"
)

// Hash is a SHA-1 digest, used both as a piece hash and as an info_hash
// (the swarm identifier).
type Hash [sha1.Size]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// HashBytes computes the SHA-1 of b.
func HashBytes(b []byte) Hash {
	return Hash(sha1.Sum(b))
}

// PieceHashes splits the concatenated 20-byte SHA-1 piece digest string from
// an info dict's "pieces" field into individual Hash values. It returns
// ErrMetaInfoFormat if the length isn't a multiple of 20.
func PieceHashes(pieces []byte) ([]Hash, error) {
	if len(pieces)%sha1.Size != 0 {
		return nil, ErrMetaInfoFormat("pieces length is not a multiple of 20")
	}
	n := len(pieces) / sha1.Size
	out := make([]Hash, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], pieces[i*sha1.Size:(i+1)*sha1.Size])
	}
	return out, nil
}
