// Package wire encodes and decodes peer wire protocol messages. It performs no
// I/O beyond framing reads from an io.Reader and keeps no state.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/WendelHime/peerwire/internal/shared/models"
)

// MaxBlockLength is the largest block a peer may request or send.
const MaxBlockLength = 16384

const (
	lengthPrefixLen = 4
	tagLen          = 1
	indexLen        = 4
	blockSpecLen    = 12
	pieceHeaderLen  = 8
)

// Message is one of Choke, Unchoke, Interested, NotInterested, Have, Bitfield,
// Request, Piece, Cancel, or the zero-length KeepAlive.
type Message interface {
	message()
}

type (
	KeepAlive     struct{}
	Choke         struct{}
	Unchoke       struct{}
	Interested    struct{}
	NotInterested struct{}
)

type Have struct {
	Index uint32
}

type Request struct {
	models.BlockSpec
}

type Cancel struct {
	models.BlockSpec
}

type Piece struct {
	Index uint32
	Begin uint32
	Data  []byte
}

func (KeepAlive) message()     {}
func (Choke) message()         {}
func (Unchoke) message()       {}
func (Interested) message()    {}
func (NotInterested) message() {}
func (Have) message()          {}
func (Bitfield) message()      {}
func (Request) message()       {}
func (Piece) message()         {}
func (Cancel) message()        {}

func (p Piece) Block() models.Block {
	return models.Block{Index: p.Index, Begin: p.Begin, Data: p.Data}
}

// ID returns the tag of m. KeepAlive has no tag and reports ok == false.
func ID(m Message) (id models.MessageID, ok bool) {
	switch m.(type) {
	case Choke:
		return models.MessageIDChoke, true
	case Unchoke:
		return models.MessageIDUnchoke, true
	case Interested:
		return models.MessageIDInterested, true
	case NotInterested:
		return models.MessageIDNotInterested, true
	case Have:
		return models.MessageIDHave, true
	case Bitfield:
		return models.MessageIDBitfield, true
	case Request:
		return models.MessageIDRequest, true
	case Piece:
		return models.MessageIDPiece, true
	case Cancel:
		return models.MessageIDCancel, true
	default:
		return 0, false
	}
}

// Encode returns the length-prefixed frame for m.
func Encode(m Message) []byte {
	return Append(nil, m)
}

// Append appends the length-prefixed frame for m to b.
func Append(b []byte, m Message) []byte {
	if _, ok := m.(KeepAlive); ok {
		return binary.BigEndian.AppendUint32(b, 0)
	}
	id, ok := ID(m)
	if !ok {
		panic(fmt.Sprintf("wire: cannot encode %T", m))
	}
	b = binary.BigEndian.AppendUint32(b, uint32(tagLen+payloadLen(m)))
	b = append(b, byte(id))
	switch m := m.(type) {
	case Have:
		b = binary.BigEndian.AppendUint32(b, m.Index)
	case Bitfield:
		b = append(b, m...)
	case Request:
		b = appendBlockSpec(b, m.BlockSpec)
	case Cancel:
		b = appendBlockSpec(b, m.BlockSpec)
	case Piece:
		b = binary.BigEndian.AppendUint32(b, m.Index)
		b = binary.BigEndian.AppendUint32(b, m.Begin)
		b = append(b, m.Data...)
	}
	return b
}

func payloadLen(m Message) int {
	switch m := m.(type) {
	case Have:
		return indexLen
	case Bitfield:
		return len(m)
	case Request, Cancel:
		return blockSpecLen
	case Piece:
		return pieceHeaderLen + len(m.Data)
	default:
		return 0
	}
}

func appendBlockSpec(b []byte, s models.BlockSpec) []byte {
	b = binary.BigEndian.AppendUint32(b, s.Index)
	b = binary.BigEndian.AppendUint32(b, s.Begin)
	return binary.BigEndian.AppendUint32(b, s.Length)
}
