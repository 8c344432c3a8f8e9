package storage

import "github.com/pkg/errors"

var (
	errShortBlockData  = errors.New("storage: block data shorter than declared length")
	errPieceIncomplete = errors.New("storage: operation requires a complete piece")
	errPieceIndex      = errors.New("storage: piece index out of range")
	errOffsetOutOfFile = errors.New("storage: offset outside package bounds")
)
