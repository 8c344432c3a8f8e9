// Package metainfo parses and validates .torrent files: the single- or
// multi-file Info structure, tiered trackers, and the info_hash that
// identifies the swarm.
package metainfo

import (
	"fmt"

	"github.com/dydx/RubyTorrent/bencode"
)

// MetaInfo is a parsed, validated .torrent.
type MetaInfo struct {
	Info         Info
	infoRaw      []byte // exact bytes of the info dict as encountered, for info_hash
	Announce     string
	AnnounceList [][]string // tiers, each a list of URLs
	CreationDate int64
	CreatedBy    string
	Comment      string
	Encoding     string
}

// InfoHash is the SHA-1 of the exact bencoded info dict, the swarm
// identifier. It hashes the info dict's bytes as parsed, so later changes
// to Info do not affect it.
func (mi *MetaInfo) InfoHash() Hash {
	return HashBytes(mi.infoRaw)
}

// AnnounceTiers returns the tracker tiers to try, in order: the parsed
// announce-list if present, otherwise a single tier containing Announce.
func (mi *MetaInfo) AnnounceTiers() [][]string {
	if len(mi.AnnounceList) > 0 {
		return mi.AnnounceList
	}
	if mi.Announce == "" {
		return nil
	}
	return [][]string{{mi.Announce}}
}

// Parse decodes and validates b as a .torrent file.
func Parse(b []byte) (*MetaInfo, error) {
	top, err := bencode.DecodeFull(b)
	if err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}
	if top.Kind != bencode.KindDict {
		return nil, ErrMetaInfoFormat("top-level value is not a dict")
	}

	infoVal, ok, err := top.GetDict("info")
	if err != nil || !ok {
		return nil, ErrMetaInfoFormat("missing info dict")
	}
	info, err := parseInfo(infoVal)
	if err != nil {
		return nil, err
	}

	announceVal, hasAnnounce, _ := top.GetDict("announce")
	var announce string
	if hasAnnounce {
		announce, err = announceVal.String()
		if err != nil {
			return nil, ErrMetaInfoFormat("announce is not a byte string")
		}
	}

	mi := &MetaInfo{
		Info:     info,
		infoRaw:  infoVal.Raw,
		Announce: announce,
	}

	if listVal, ok, _ := top.GetDict("announce-list"); ok {
		mi.AnnounceList, err = parseAnnounceList(listVal)
		if err != nil {
			return nil, err
		}
	}
	if !hasAnnounce && len(mi.AnnounceList) == 0 {
		return nil, ErrMetaInfoFormat("missing announce and announce-list")
	}

	if v, ok, _ := top.GetDict("creation date"); ok {
		mi.CreationDate, _ = v.Integer()
	}
	if v, ok, _ := top.GetDict("created by"); ok {
		mi.CreatedBy, _ = v.String()
	}
	if v, ok, _ := top.GetDict("comment"); ok {
		mi.Comment, _ = v.String()
	}
	if v, ok, _ := top.GetDict("encoding"); ok {
		mi.Encoding, _ = v.String()
	}

	return mi, nil
}

func parseAnnounceList(v bencode.Value) ([][]string, error) {
	if v.Kind != bencode.KindList {
		return nil, ErrMetaInfoFormat("announce-list is not a list")
	}
	var tiers [][]string
	for _, tierVal := range v.List {
		if tierVal.Kind != bencode.KindList {
			return nil, ErrMetaInfoFormat("announce-list tier is not a list")
		}
		var tier []string
		for _, urlVal := range tierVal.List {
			u, err := urlVal.String()
			if err != nil {
				return nil, ErrMetaInfoFormat("announce-list url is not a byte string")
			}
			tier = append(tier, u)
		}
		if len(tier) > 0 {
			tiers = append(tiers, tier)
		}
	}
	return tiers, nil
}
