package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/WendelHime/peerwire/internal/shared/models"
)

const (
	udpProtocolID     = 0x41727101980
	udpActionConnect  = 0
	udpActionAnnounce = 1
	udpActionError    = 3
	udpDefaultTimeout = 15 * time.Second
	udpNumWant        = 100
)

type UDPAnnouncer struct{}

func NewUDPAnnouncer() Announcer {
	return UDPAnnouncer{}
}

func (u UDPAnnouncer) Announce(ctx context.Context, announce string, req Request) ([]models.Addr, error) {
	tracker, err := url.Parse(announce)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", tracker.Host)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(udpDefaultTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	transactionID, err := randomUint32()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:], udpProtocolID)
	binary.BigEndian.PutUint32(buf[8:], udpActionConnect)
	binary.BigEndian.PutUint32(buf[12:], transactionID)
	if _, err := conn.Write(buf); err != nil {
		return nil, err
	}

	resp, err := readUDPResponse(conn, udpActionConnect, transactionID, 16)
	if err != nil {
		return nil, err
	}
	connectionID := binary.BigEndian.Uint64(resp[8:16])

	key, err := randomUint32()
	if err != nil {
		return nil, err
	}
	buf = make([]byte, 98)
	binary.BigEndian.PutUint64(buf[0:8], connectionID)
	binary.BigEndian.PutUint32(buf[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], transactionID)
	copy(buf[16:36], req.InfoHash[:])
	copy(buf[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(buf[80:84], 2) // started
	binary.BigEndian.PutUint32(buf[84:88], 0)
	binary.BigEndian.PutUint32(buf[88:92], key)
	binary.BigEndian.PutUint32(buf[92:96], udpNumWant)
	binary.BigEndian.PutUint16(buf[96:98], req.Port)
	if _, err := conn.Write(buf); err != nil {
		return nil, err
	}

	resp, err = readUDPResponse(conn, udpActionAnnounce, transactionID, 20)
	if err != nil {
		return nil, err
	}

	// interval, leechers and seeders occupy resp[8:20]
	return ParseCompactPeers(resp[20:])
}

func readUDPResponse(conn net.Conn, action, transactionID uint32, minLen int) ([]byte, error) {
	buf := make([]byte, 20+udpNumWant*6)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	buf = buf[:n]
	if n < 8 {
		return nil, fmt.Errorf("udp tracker response of %d bytes", n)
	}
	if got := binary.BigEndian.Uint32(buf[4:8]); got != transactionID {
		return nil, fmt.Errorf("udp tracker transaction id %d, want %d", got, transactionID)
	}
	switch got := binary.BigEndian.Uint32(buf[0:4]); got {
	case action:
	case udpActionError:
		return nil, errors.New("tracker failure: " + string(buf[8:]))
	default:
		return nil, fmt.Errorf("udp tracker action %d, want %d", got, action)
	}
	if n < minLen {
		return nil, fmt.Errorf("udp tracker response of %d bytes, want at least %d", n, minLen)
	}
	return buf, nil
}

func randomUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
