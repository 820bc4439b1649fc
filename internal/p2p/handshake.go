package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/WendelHime/peerwire/internal/wire"
)

// Handshake sends the local preamble, reads the remote one and checks that
// both describe the same torrent. It returns the remote peer id. When conn is a
// net.Conn the deadline of ctx bounds the exchange.
func Handshake(ctx context.Context, conn io.ReadWriter, infoHash models.Hash, peerID models.PeerID) (models.PeerID, error) {
	if c, ok := conn.(net.Conn); ok {
		if deadline, ok := ctx.Deadline(); ok {
			if err := c.SetDeadline(deadline); err != nil {
				return models.PeerID{}, err
			}
			defer c.SetDeadline(time.Time{})
		}
	}

	req := wire.Handshake{InfoHash: infoHash, PeerID: peerID}
	if _, err := conn.Write(req.Bytes()); err != nil {
		return models.PeerID{}, fmt.Errorf("write handshake: %w", err)
	}

	remote, err := wire.ReadHandshake(conn)
	var perr *wire.ProtocolError
	if errors.As(err, &perr) {
		return models.PeerID{}, err
	}
	if err != nil {
		return models.PeerID{}, fmt.Errorf("read handshake: %w", err)
	}
	if remote.InfoHash != infoHash {
		return models.PeerID{}, &wire.ProtocolError{
			Kind:   wire.HandshakeMismatch,
			Detail: fmt.Sprintf("info hash %v, want %v", remote.InfoHash, infoHash),
		}
	}
	return remote.PeerID, nil
}
