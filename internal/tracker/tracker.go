package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/WendelHime/peerwire/internal/shared/models"
)

var (
	ErrEmptyAnnounce       = errors.New("announce url is empty")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrMalformedPeers      = errors.New("compact peer list is not a multiple of 6 bytes")
)

// Request carries the announce parameters. Counters are in bytes.
type Request struct {
	InfoHash   models.Hash
	PeerID     models.PeerID
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
}

type Tracker interface {
	Announce(ctx context.Context, req Request) ([]models.Addr, error)
	WithHTTPClient(client *http.Client) Tracker
}

type Announcer interface {
	Announce(ctx context.Context, announce string, req Request) ([]models.Addr, error)
}

type tracker struct {
	AnnounceURL string
	HTTPClient  Announcer
	UDPClient   Announcer
}

func NewTracker(announceURL string) Tracker {
	return &tracker{
		AnnounceURL: announceURL,
		HTTPClient:  NewHTTPAnnouncer(&http.Client{Timeout: 60 * time.Second}),
		UDPClient:   NewUDPAnnouncer(),
	}
}

func (t *tracker) WithHTTPClient(client *http.Client) Tracker {
	t.HTTPClient = NewHTTPAnnouncer(client)
	return t
}

func (t *tracker) Announce(ctx context.Context, req Request) ([]models.Addr, error) {
	switch {
	case t.AnnounceURL == "":
		return nil, ErrEmptyAnnounce
	case strings.HasPrefix(t.AnnounceURL, "http"):
		return t.HTTPClient.Announce(ctx, t.AnnounceURL, req)
	case strings.HasPrefix(t.AnnounceURL, "udp"):
		return t.UDPClient.Announce(ctx, t.AnnounceURL, req)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, t.AnnounceURL)
	}
}

// ParseCompactPeers decodes the compact peer list: 4 bytes of IPv4 address and
// a big-endian port per peer.
func ParseCompactPeers(b []byte) ([]models.Addr, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPeers, len(b))
	}
	addrs := make([]models.Addr, len(b)/6)
	for i := range addrs {
		if err := addrs[i].ReadFromBytes(b[i*6 : i*6+6]); err != nil {
			return nil, err
		}
	}
	return addrs, nil
}
