package tracker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCompactPeers(t *testing.T) {
	b := []byte{127, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 2, 0x1A, 0xE2}
	peers, err := parseCompactPeers(b)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.True(t, peers[0].IP.Equal(net.IPv4(127, 0, 0, 1)))
	assert.Equal(t, 0x1AE1, peers[0].Port)
	assert.True(t, peers[1].IP.Equal(net.IPv4(10, 0, 0, 2)))
	assert.Equal(t, 0x1AE2, peers[1].Port)
}

func TestParseCompactPeersRejectsBadLength(t *testing.T) {
	_, err := parseCompactPeers([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestParseAnnounceResponseCompact(t *testing.T) {
	body := []byte("d8:intervali1800e8:completei3e10:incompletei1e5:peers6:" + string([]byte{1, 2, 3, 4, 0x1A, 0xE1}) + "e")
	resp, err := parseAnnounceResponse(body)
	require.NoError(t, err)
	assert.EqualValues(t, 1800, resp.Interval)
	assert.EqualValues(t, 3, resp.Complete)
	assert.EqualValues(t, 1, resp.Incomplete)
	require.Len(t, resp.Peers, 1)
	assert.True(t, resp.Peers[0].IP.Equal(net.IPv4(1, 2, 3, 4)))
}

func TestParseAnnounceResponseDictPeers(t *testing.T) {
	body := []byte("d5:peersl" +
		"d2:ip9:127.0.0.14:porti6881e7:peer id20:aaaaaaaaaaaaaaaaaaaae" +
		"ee")
	resp, err := parseAnnounceResponse(body)
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, 6881, resp.Peers[0].Port)
	assert.True(t, resp.Peers[0].IP.Equal(net.IPv4(127, 0, 0, 1)))
}

func TestParseAnnounceResponseFailureReason(t *testing.T) {
	body := []byte("d14:failure reason15:swarm is full!!e")
	_, err := parseAnnounceResponse(body)
	require.Error(t, err)
	var te *ErrTracker
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "swarm is full!!", te.Reason)
}

type fakeAnnouncer struct {
	resp AnnounceResponse
	err  error
	n    int
}

func (f *fakeAnnouncer) Announce(ctx context.Context, url string, ar AnnounceRequest) (AnnounceResponse, error) {
	f.n++
	return f.resp, f.err
}

func TestConnectionAnnounceUsesFirstTier(t *testing.T) {
	fa := &fakeAnnouncer{resp: AnnounceResponse{Interval: 60, Peers: []Peer{{IP: net.IPv4(1, 1, 1, 1), Port: 1111}}}}
	c := New(fa, [][]string{{"http://a.example/announce"}, {"http://b.example/announce"}}, log.Default, 0)
	resp, err := c.Announce(context.Background(), AnnounceRequest{}, "started")
	require.NoError(t, err)
	assert.EqualValues(t, 60, resp.Interval)
	assert.Equal(t, 60*time.Second, c.Interval())
}

func TestConnectionExhaustedPeerList(t *testing.T) {
	fa := &fakeAnnouncer{resp: AnnounceResponse{Peers: []Peer{{IP: net.IPv4(1, 1, 1, 1), Port: 1}}}}
	c := New(fa, [][]string{{"http://a.example/announce"}}, log.Default, 0)
	c.numWant = 1
	_, err := c.Announce(context.Background(), AnnounceRequest{}, "started")
	require.NoError(t, err)
	assert.False(t, c.ExhaustedPeerList())
	c.MarkTried("1.1.1.1:1")
	assert.True(t, c.ExhaustedPeerList())
}

func TestConnectionBumpNumWantUsesConfiguredStep(t *testing.T) {
	c := New(&fakeAnnouncer{}, [][]string{{"http://a.example/announce"}}, log.Default, 7)
	c.numWant = 1
	c.BumpNumWant()
	assert.Equal(t, 8, c.numWant)
}

func TestConnectionBumpNumWantDefaultsWhenZero(t *testing.T) {
	c := New(&fakeAnnouncer{}, [][]string{{"http://a.example/announce"}}, log.Default, 0)
	c.numWant = 1
	c.BumpNumWant()
	assert.Equal(t, 1+DefaultNumWantBump, c.numWant)
}

func TestConnectionBackoffDoublesAndCaps(t *testing.T) {
	c := New(&fakeAnnouncer{}, [][]string{{"http://a.example/announce"}}, log.Default, 0)
	// RandomizationFactor is pinned to 0 so the sequence is the exact
	// doubling scenario S6 spells out: 5, 10, 20, 40s...
	assert.Equal(t, 5*time.Second, c.NextBackoff())
	assert.Equal(t, 10*time.Second, c.NextBackoff())
	assert.Equal(t, 20*time.Second, c.NextBackoff())
	assert.Equal(t, 40*time.Second, c.NextBackoff())
}

func TestConnectionBackoffCapsAtMaxInterval(t *testing.T) {
	c := New(&fakeAnnouncer{}, [][]string{{"http://a.example/announce"}}, log.Default, 0)
	var last time.Duration
	for i := 0; i < 20; i++ {
		last = c.NextBackoff()
	}
	assert.Equal(t, backoffMax, last)
}
