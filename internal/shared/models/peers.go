package models

import (
	"crypto/rand"
	"encoding/hex"
)

// PeerID identifies a client during the handshake. Only its length is checked.
type PeerID [20]byte

const peerIDPrefix = "-PW0001-"

// GeneratePeerID returns a client id in the Azureus style: a fixed
// client/version prefix followed by random bytes.
func GeneratePeerID() PeerID {
	var id PeerID
	copy(id[:], peerIDPrefix)
	if _, err := rand.Read(id[len(peerIDPrefix):]); err != nil {
		panic(err)
	}
	return id
}

func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}
