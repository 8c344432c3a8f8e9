package tracker

import (
	"fmt"

	"github.com/dydx/RubyTorrent/bencode"
)

// parseAnnounceResponse decodes a tracker's bencoded reply body. It reads
// each known key explicitly and fails loudly on type mismatch, per the
// anti-reflection redesign in spec.md §9 — no generic bencode-to-struct
// binding.
func parseAnnounceResponse(body []byte) (AnnounceResponse, error) {
	top, err := bencode.DecodeFull(body)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("tracker: decoding response: %w", err)
	}
	if top.Kind != bencode.KindDict {
		return AnnounceResponse{}, fmt.Errorf("tracker: response is not a dict")
	}

	if reasonVal, ok, _ := top.GetDict("failure reason"); ok {
		reason, err := reasonVal.String()
		if err != nil {
			reason = "<unreadable failure reason>"
		}
		return AnnounceResponse{}, newTrackerError(reason, nil)
	}

	var resp AnnounceResponse
	if v, ok, _ := top.GetDict("interval"); ok {
		n, err := v.Integer()
		if err != nil {
			return AnnounceResponse{}, fmt.Errorf("tracker: interval is not an integer")
		}
		resp.Interval = int32(n)
	}
	if v, ok, _ := top.GetDict("complete"); ok {
		n, err := v.Integer()
		if err != nil {
			return AnnounceResponse{}, fmt.Errorf("tracker: complete is not an integer")
		}
		resp.Complete = int32(n)
	}
	if v, ok, _ := top.GetDict("incomplete"); ok {
		n, err := v.Integer()
		if err != nil {
			return AnnounceResponse{}, fmt.Errorf("tracker: incomplete is not an integer")
		}
		resp.Incomplete = int32(n)
	}

	peersVal, ok, err := top.GetDict("peers")
	if err != nil || !ok {
		return resp, nil
	}
	switch peersVal.Kind {
	case bencode.KindBytes:
		resp.Peers, err = parseCompactPeers([]byte(peersVal.Bytes))
		if err != nil {
			return AnnounceResponse{}, fmt.Errorf("tracker: %w", err)
		}
	case bencode.KindList:
		for i, pv := range peersVal.List {
			p, err := parseDictPeer(pv)
			if err != nil {
				return AnnounceResponse{}, fmt.Errorf("tracker: peers[%d]: %w", i, err)
			}
			resp.Peers = append(resp.Peers, p)
		}
	default:
		return AnnounceResponse{}, fmt.Errorf("tracker: peers is neither a byte string nor a list")
	}
	return resp, nil
}

func parseDictPeer(v bencode.Value) (Peer, error) {
	if v.Kind != bencode.KindDict {
		return Peer{}, fmt.Errorf("peer entry is not a dict")
	}
	var p Peer
	ipVal, ok, err := v.GetDict("ip")
	if err != nil || !ok {
		return Peer{}, fmt.Errorf("missing ip")
	}
	ipStr, err := ipVal.String()
	if err != nil {
		return Peer{}, fmt.Errorf("ip is not a byte string")
	}
	p.IP = parseIPString(ipStr)
	if p.IP == nil {
		return Peer{}, fmt.Errorf("ip %q is not parseable", ipStr)
	}
	portVal, ok, err := v.GetDict("port")
	if err != nil || !ok {
		return Peer{}, fmt.Errorf("missing port")
	}
	port, err := portVal.Integer()
	if err != nil {
		return Peer{}, fmt.Errorf("port is not an integer")
	}
	p.Port = int(port)
	if idVal, ok, _ := v.GetDict("peer id"); ok {
		id, err := idVal.String()
		if err == nil {
			p.ID = []byte(id)
		}
	}
	return p, nil
}
