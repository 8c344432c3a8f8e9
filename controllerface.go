package torrent

import "github.com/dydx/RubyTorrent/storage"

// controllerFace is the narrow view of Controller a PeerConnection is
// allowed to see. Controller <-> PeerConnection would otherwise be a
// cyclic ownership (spec.md §9 "Cyclic references"): the controller owns
// its peers by handle, while each peer only ever reaches back through this
// trait, never holding the controller itself.
type controllerFace interface {
	// claimBlocks offers claimable blocks to yield, in piece order,
	// marking each accepted block claimed. See claimBlocks on Controller
	// for the fuseki/endgame semantics.
	claimBlocks(yield func(storage.Block) bool)
	// forgetBlocks releases previously claimed blocks back to their
	// pieces' claimed coverings, e.g. on disinterest or peer shutdown.
	forgetBlocks(blocks []storage.Block)
	// peerHasPiece records that some connected peer declared index,
	// feeding the rarity/popularity vector.
	peerHasPiece(index int)
	// pieceDelivered is called once per received, persisted block; it
	// handles piece-completion validation, have-broadcast, and endgame
	// cancel fan-out.
	pieceDelivered(from *PeerConnection, b storage.Block)
	// peerClosed unregisters a connection that has torn itself down, so
	// the peer set never retains a dead entry past its own Close call.
	peerClosed(pc *PeerConnection)
}
