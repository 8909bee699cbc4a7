package socksbridge

import (
	"errors"
	"net"
)

// ErrBlockedHost signals a destination that blocking rules refuse to dial.
var ErrBlockedHost = errors.New("host is blocked")

// NopDialer refuses every dial. It serves as the blocking branch of a
// proxy.PerHost dialer.
type NopDialer struct{}

func (NopDialer) Dial(network, addr string) (net.Conn, error) {
	return nil, ErrBlockedHost
}
