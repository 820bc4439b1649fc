package wire

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/WendelHime/peerwire/internal/shared/models"
)

// MaxFrameLength is the largest advisory length accepted for a torrent with
// pieceCount pieces: a maximal Piece message, or the Bitfield if that is larger.
func MaxFrameLength(pieceCount int) uint32 {
	max := uint32(tagLen + pieceHeaderLen + MaxBlockLength)
	if bf := uint32(tagLen + (pieceCount+7)/8); bf > max {
		return bf
	}
	return max
}

// Decode parses one complete frame, length prefix included.
func Decode(frame []byte) (Message, error) {
	if len(frame) < lengthPrefixLen {
		return nil, protocolErrorf(MalformedMessage, "frame of %d bytes has no length prefix", len(frame))
	}
	length := binary.BigEndian.Uint32(frame)
	body := frame[lengthPrefixLen:]
	if uint64(length) != uint64(len(body)) {
		return nil, protocolErrorf(MalformedMessage, "length prefix %d, body of %d bytes", length, len(body))
	}
	if length == 0 {
		return KeepAlive{}, nil
	}
	return DecodePayload(body)
}

// DecodePayload parses the tag and payload of a frame. Returned slices do not
// alias body.
func DecodePayload(body []byte) (Message, error) {
	if len(body) == 0 {
		return KeepAlive{}, nil
	}
	id := models.MessageID(body[0])
	payload := body[tagLen:]
	switch id {
	case models.MessageIDChoke, models.MessageIDUnchoke, models.MessageIDInterested, models.MessageIDNotInterested:
		if len(payload) != 0 {
			return nil, protocolErrorf(MalformedMessage, "%v with %d payload bytes", id, len(payload))
		}
		return [...]Message{Choke{}, Unchoke{}, Interested{}, NotInterested{}}[id], nil
	case models.MessageIDHave:
		if len(payload) != indexLen {
			return nil, protocolErrorf(MalformedMessage, "have payload of %d bytes", len(payload))
		}
		return Have{Index: binary.BigEndian.Uint32(payload)}, nil
	case models.MessageIDBitfield:
		return append(Bitfield{}, payload...), nil
	case models.MessageIDRequest, models.MessageIDCancel:
		if len(payload) != blockSpecLen {
			return nil, protocolErrorf(MalformedMessage, "%v payload of %d bytes", id, len(payload))
		}
		spec := models.BlockSpec{
			Index:  binary.BigEndian.Uint32(payload[0:4]),
			Begin:  binary.BigEndian.Uint32(payload[4:8]),
			Length: binary.BigEndian.Uint32(payload[8:12]),
		}
		if spec.Length > MaxBlockLength {
			return nil, protocolErrorf(MalformedMessage, "%v for %d bytes exceeds %d", id, spec.Length, MaxBlockLength)
		}
		if id == models.MessageIDRequest {
			return Request{spec}, nil
		}
		return Cancel{spec}, nil
	case models.MessageIDPiece:
		if len(payload) < pieceHeaderLen {
			return nil, protocolErrorf(MalformedMessage, "piece payload of %d bytes", len(payload))
		}
		return Piece{
			Index: binary.BigEndian.Uint32(payload[0:4]),
			Begin: binary.BigEndian.Uint32(payload[4:8]),
			Data:  append([]byte{}, payload[pieceHeaderLen:]...),
		}, nil
	default:
		return nil, protocolErrorf(UnknownMessage, "tag %d", body[0])
	}
}

// Reader reads length-prefixed frames from a stream.
type Reader struct {
	r         io.Reader
	maxLength uint32
	lenBuf    [lengthPrefixLen]byte
}

func NewReader(r io.Reader, maxLength uint32) *Reader {
	return &Reader{r: r, maxLength: maxLength}
}

// ReadMessage reads the next frame. io.EOF is returned only if the stream ends
// cleanly on a frame boundary. A keep-alive frame is returned as KeepAlive.
func (r *Reader) ReadMessage() (Message, error) {
	if _, err := io.ReadFull(r.r, r.lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(r.lenBuf[:])
	if length == 0 {
		return KeepAlive{}, nil
	}
	if length > r.maxLength {
		return nil, protocolErrorf(OversizedMessage, "advisory length %d exceeds %d", length, r.maxLength)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return DecodePayload(body)
}
