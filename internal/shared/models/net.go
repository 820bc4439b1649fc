package models

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
)

type Addr struct {
	IP   net.IP
	Port uint16
}

func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

var ErrInvalidAddr = errors.New("invalid address")

// ReadFromBytes parses the 6-byte compact form: 4 bytes of IPv4 address
// followed by a big-endian port.
func (a *Addr) ReadFromBytes(b []byte) error {
	if len(b) != 6 {
		return ErrInvalidAddr
	}

	a.IP = net.IPv4(b[0], b[1], b[2], b[3])
	a.Port = binary.BigEndian.Uint16(b[4:])

	return nil
}

// Dialable reports whether the address can be connected to.
func (a Addr) Dialable() bool {
	return a.IP != nil && !a.IP.IsUnspecified() && a.Port != 0
}

// ParseAddr parses host:port. A host that is not an IP literal is resolved.
func ParseAddr(s string) (Addr, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Addr{}, err
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return Addr{}, err
	}
	if host == "" {
		return Addr{}, ErrInvalidAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		resolved, err := net.ResolveTCPAddr("tcp", s)
		if err != nil {
			return Addr{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
		}
		ip = resolved.IP
	}
	return Addr{IP: ip, Port: uint16(p)}, nil
}
