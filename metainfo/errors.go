package metainfo

import "fmt"

// ErrMetaInfoFormat reports a structural violation in a .torrent file: a
// missing required field, both or neither of length/files, a malformed
// pieces string, or a declared size that doesn't match piece coverage.
type ErrMetaInfoFormat string

func (e ErrMetaInfoFormat) Error() string {
	return fmt.Sprintf("metainfo: format error: %s", string(e))
}
