package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/jackpal/bencode-go"
)

type HTTPAnnouncer struct {
	client *http.Client
}

func NewHTTPAnnouncer(client *http.Client) Announcer {
	return &HTTPAnnouncer{client: client}
}

type peersResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int    `bencode:"interval"`
	Peers         string `bencode:"peers"`
}

func (h *HTTPAnnouncer) Announce(ctx context.Context, announce string, req Request) ([]models.Addr, error) {
	tracker, err := url.Parse(announce)
	if err != nil {
		return nil, err
	}

	query := tracker.Query()
	query.Add("info_hash", string(req.InfoHash[:]))
	query.Add("peer_id", string(req.PeerID[:]))
	query.Add("port", strconv.Itoa(int(req.Port)))
	query.Add("uploaded", strconv.FormatInt(req.Uploaded, 10))
	query.Add("downloaded", strconv.FormatInt(req.Downloaded, 10))
	query.Add("left", strconv.FormatInt(req.Left, 10))
	query.Add("compact", "1")
	query.Add("event", "started")
	tracker.RawQuery = query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, tracker.String(), nil)
	if err != nil {
		return nil, err
	}
	response, err := h.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http error: %s", response.Status)
	}

	return decodeHTTPResponse(response.Body)
}

func decodeHTTPResponse(response io.Reader) ([]models.Addr, error) {
	resp := peersResponse{}
	if err := bencode.Unmarshal(response, &resp); err != nil {
		return nil, err
	}
	if resp.FailureReason != "" {
		return nil, errors.New("tracker failure: " + resp.FailureReason)
	}
	return ParseCompactPeers([]byte(resp.Peers))
}
