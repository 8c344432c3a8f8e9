package tracker

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Announcer performs a single announce round-trip. spec.md declares HTTP
// fetching an external collaborator (§1 Non-goals); Announcer is the seam
// TrackerConnection depends on, and HTTPAnnouncer is the concrete
// net/http-backed implementation a real client wires in.
type Announcer interface {
	Announce(ctx context.Context, url string, ar AnnounceRequest) (AnnounceResponse, error)
}

// HTTPAnnouncer issues tracker announces over plain HTTP GET, matching
// BEP 3 and the teacher's tracker/http client.
type HTTPAnnouncer struct {
	Client    *http.Client
	UserAgent string
}

// NewHTTPAnnouncer returns an HTTPAnnouncer with a bounded-timeout client.
func NewHTTPAnnouncer(userAgent string) *HTTPAnnouncer {
	return &HTTPAnnouncer{
		Client:    &http.Client{Timeout: 30 * time.Second},
		UserAgent: userAgent,
	}
}

func (h *HTTPAnnouncer) Announce(ctx context.Context, announceURL string, ar AnnounceRequest) (AnnounceResponse, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return AnnounceResponse{}, errors.Wrapf(err, "tracker: parsing announce url %q", announceURL)
	}
	setAnnounceParams(u, ar)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return AnnounceResponse{}, errors.Wrap(err, "tracker: building request")
	}
	if h.UserAgent != "" {
		req.Header.Set("User-Agent", h.UserAgent)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return AnnounceResponse{}, newTrackerError("request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return AnnounceResponse{}, newTrackerError("reading response body", err)
	}
	if resp.StatusCode != http.StatusOK {
		return AnnounceResponse{}, newTrackerError(fmt.Sprintf("http status %s", resp.Status), nil)
	}

	ret, err := parseAnnounceResponse(body)
	if err != nil {
		return AnnounceResponse{}, err
	}
	return ret, nil
}

// setAnnounceParams builds the query string per §7.3: info_hash, peer_id,
// port, uploaded, downloaded, left, numwant, ip (optional), event
// (optional), compact.
func setAnnounceParams(u *url.URL, ar AnnounceRequest) {
	q := u.Query()
	q.Set("info_hash", string(ar.InfoHash[:]))
	q.Set("peer_id", string(ar.PeerID[:]))
	q.Set("port", strconv.FormatInt(int64(ar.Port), 10))
	q.Set("uploaded", strconv.FormatInt(ar.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(ar.Downloaded, 10))
	// Clear the sign bit so an unknown left (-1) renders as a large
	// positive value some trackers otherwise reject as out of range.
	q.Set("left", strconv.FormatInt(ar.Left&math.MaxInt64, 10))
	if ar.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(ar.NumWant))
	}
	if ar.IP != "" {
		q.Set("ip", ar.IP)
	}
	if ar.Event != EventNone {
		q.Set("event", ar.Event.String())
	}
	if ar.Compact {
		q.Set("compact", "1")
	} else {
		q.Set("compact", "0")
	}
	u.RawQuery = strings.ReplaceAll(q.Encode(), "+", "%20")
}
