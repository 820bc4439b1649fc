package models

import "fmt"

type MessageID uint8

const (
	MessageIDChoke MessageID = iota
	MessageIDUnchoke
	MessageIDInterested
	MessageIDNotInterested
	MessageIDHave
	MessageIDBitfield
	MessageIDRequest
	MessageIDPiece
	MessageIDCancel
)

var messageIDNames = [...]string{
	"choke",
	"unchoke",
	"interested",
	"not_interested",
	"have",
	"bitfield",
	"request",
	"piece",
	"cancel",
}

func (id MessageID) String() string {
	if int(id) < len(messageIDNames) {
		return messageIDNames[id]
	}
	return fmt.Sprintf("unknown(%d)", uint8(id))
}
