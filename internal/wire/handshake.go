package wire

import (
	"bytes"
	"io"

	"github.com/WendelHime/peerwire/internal/shared/models"
)

const (
	ProtocolName    = "BitTorrent protocol"
	HandshakeLength = 1 + len(ProtocolName) + 8 + 20 + 20
	prefixLength    = 1 + len(ProtocolName) + 8
)

var handshakePrefix = func() []byte {
	b := make([]byte, prefixLength)
	b[0] = byte(len(ProtocolName))
	copy(b[1:], ProtocolName)
	return b
}()

// Handshake is the fixed 68 byte preamble exchanged before any message.
type Handshake struct {
	InfoHash models.Hash
	PeerID   models.PeerID
}

func (h Handshake) Bytes() []byte {
	b := make([]byte, 0, HandshakeLength)
	b = append(b, handshakePrefix...)
	b = append(b, h.InfoHash[:]...)
	return append(b, h.PeerID[:]...)
}

// ParseHandshake decodes a received preamble. The length byte, protocol string
// and reserved bytes must match exactly.
func ParseHandshake(b []byte) (Handshake, error) {
	var h Handshake
	if len(b) != HandshakeLength {
		return h, protocolErrorf(HandshakeMismatch, "handshake of %d bytes", len(b))
	}
	if !bytes.Equal(b[:prefixLength], handshakePrefix) {
		return h, protocolErrorf(HandshakeMismatch, "unexpected protocol prefix %q", b[:prefixLength])
	}
	copy(h.InfoHash[:], b[prefixLength:prefixLength+20])
	copy(h.PeerID[:], b[prefixLength+20:])
	return h, nil
}

// ReadHandshake reads and parses one preamble from r. A stream that ends
// early yields io.EOF when nothing was read and io.ErrUnexpectedEOF otherwise.
func ReadHandshake(r io.Reader) (Handshake, error) {
	b := make([]byte, HandshakeLength)
	if _, err := io.ReadFull(r, b); err != nil {
		return Handshake{}, err
	}
	return ParseHandshake(b)
}
