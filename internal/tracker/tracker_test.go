package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type RoundTripFunc func(req *http.Request) *http.Response

func (f RoundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req), nil
}

func NewTestClient(fn RoundTripFunc) *http.Client {
	return &http.Client{
		Transport: RoundTripFunc(fn),
	}
}

func bencodeBody(t *testing.T, v any) io.ReadCloser {
	resp := bytes.NewBuffer([]byte{})
	err := bencode.Marshal(resp, v)
	assert.Nil(t, err)
	return io.NopCloser(resp)
}

func compactPeer(ip string, port uint16) []byte {
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, port)
	return append(net.ParseIP(ip).To4(), portBytes...)
}

func testRequest() Request {
	var req Request
	copy(req.InfoHash[:], "01234567891012345678")
	copy(req.PeerID[:], "-PW0001-abcdefghijkl")
	req.Port = 6881
	req.Left = 100
	return req
}

func TestAnnounceHTTP(t *testing.T) {
	var tests = []struct {
		name   string
		setup  func(t *testing.T) Tracker
		assert func(t *testing.T, actual []models.Addr, err error)
	}{
		{
			name: "get peers with success",
			setup: func(t *testing.T) Tracker {
				return NewTracker("http://tracker.example.com").WithHTTPClient(NewTestClient(func(req *http.Request) *http.Response {
					assert.Equal(t, "http://tracker.example.com?compact=1&downloaded=0&event=started&info_hash=01234567891012345678&left=100&peer_id=-PW0001-abcdefghijkl&port=6881&uploaded=0", req.URL.String())
					response := peersResponse{
						Interval: 60,
						Peers:    string(append(compactPeer("192.168.100.100", 6889), compactPeer("10.0.0.1", 51413)...)),
					}
					return &http.Response{
						StatusCode: http.StatusOK,
						Body:       bencodeBody(t, response),
					}
				}))
			},
			assert: func(t *testing.T, actual []models.Addr, err error) {
				assert.Nil(t, err)
				require.Len(t, actual, 2)
				assert.Equal(t, net.IPv4(192, 168, 100, 100), actual[0].IP)
				assert.Equal(t, 6889, int(actual[0].Port))
				assert.Equal(t, "10.0.0.1:51413", actual[1].String())
			},
		},
		{
			name: "failure reason is surfaced",
			setup: func(t *testing.T) Tracker {
				return NewTracker("http://tracker.example.com").WithHTTPClient(NewTestClient(func(req *http.Request) *http.Response {
					return &http.Response{
						StatusCode: http.StatusOK,
						Body:       bencodeBody(t, peersResponse{FailureReason: "torrent not registered"}),
					}
				}))
			},
			assert: func(t *testing.T, actual []models.Addr, err error) {
				if assert.Error(t, err) {
					assert.Contains(t, err.Error(), "torrent not registered")
				}
			},
		},
		{
			name: "compact peers must be a multiple of 6 bytes",
			setup: func(t *testing.T) Tracker {
				return NewTracker("http://tracker.example.com").WithHTTPClient(NewTestClient(func(req *http.Request) *http.Response {
					return &http.Response{
						StatusCode: http.StatusOK,
						Body:       bencodeBody(t, peersResponse{Interval: 60, Peers: "12345"}),
					}
				}))
			},
			assert: func(t *testing.T, actual []models.Addr, err error) {
				assert.ErrorIs(t, err, ErrMalformedPeers)
			},
		},
		{
			name: "non 200 status",
			setup: func(t *testing.T) Tracker {
				return NewTracker("http://tracker.example.com").WithHTTPClient(NewTestClient(func(req *http.Request) *http.Response {
					return &http.Response{
						StatusCode: http.StatusNotFound,
						Status:     "404 Not Found",
						Body:       io.NopCloser(bytes.NewBuffer(nil)),
					}
				}))
			},
			assert: func(t *testing.T, actual []models.Addr, err error) {
				assert.Error(t, err)
			},
		},
		{
			name: "unsupported protocol",
			setup: func(t *testing.T) Tracker {
				return NewTracker("wss://tracker.example.com")
			},
			assert: func(t *testing.T, actual []models.Addr, err error) {
				assert.ErrorIs(t, err, ErrUnsupportedProtocol)
			},
		},
		{
			name: "empty announce",
			setup: func(t *testing.T) Tracker {
				return NewTracker("")
			},
			assert: func(t *testing.T, actual []models.Addr, err error) {
				assert.ErrorIs(t, err, ErrEmptyAnnounce)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actual, err := tt.setup(t).Announce(context.Background(), testRequest())
			tt.assert(t, actual, err)
		})
	}
}

// serveUDPTracker answers one connect and one announce request.
func serveUDPTracker(t *testing.T, conn net.PacketConn, peers []byte) {
	buf := make([]byte, 1024)

	n, addr, err := conn.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, 16, n)
	assert.Equal(t, uint64(udpProtocolID), binary.BigEndian.Uint64(buf[0:8]))
	resp := make([]byte, 16)
	copy(resp[4:8], buf[12:16])
	binary.BigEndian.PutUint64(resp[8:], 0xC0FFEE)
	_, err = conn.WriteTo(resp, addr)
	require.NoError(t, err)

	n, addr, err = conn.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, 98, n)
	assert.Equal(t, uint64(0xC0FFEE), binary.BigEndian.Uint64(buf[0:8]))
	assert.Equal(t, uint32(udpActionAnnounce), binary.BigEndian.Uint32(buf[8:12]))
	assert.Equal(t, "01234567891012345678", string(buf[16:36]))
	assert.Equal(t, uint64(100), binary.BigEndian.Uint64(buf[64:72]))
	assert.Equal(t, uint16(6881), binary.BigEndian.Uint16(buf[96:98]))
	resp = make([]byte, 20)
	binary.BigEndian.PutUint32(resp[0:4], udpActionAnnounce)
	copy(resp[4:8], buf[12:16])
	binary.BigEndian.PutUint32(resp[8:12], 1800)
	_, err = conn.WriteTo(append(resp, peers...), addr)
	require.NoError(t, err)
}

func TestAnnounceUDP(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		serveUDPTracker(t, conn, compactPeer("172.16.0.9", 6881))
	}()

	addrs, err := NewTracker("udp://"+conn.LocalAddr().String()+"/announce").Announce(context.Background(), testRequest())
	<-done
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, "172.16.0.9:6881", addrs[0].String())
}

func TestParseCompactPeers(t *testing.T) {
	addrs, err := ParseCompactPeers(nil)
	assert.NoError(t, err)
	assert.Empty(t, addrs)

	_, err = ParseCompactPeers(make([]byte, 7))
	assert.ErrorIs(t, err, ErrMalformedPeers)
}
