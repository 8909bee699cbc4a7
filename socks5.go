package socksbridge

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

// DefaultSocksTimeout bounds the TCP connect to the SOCKS proxy and both
// handshake round trips. Relay traffic after a successful handshake is not
// subject to this timeout.
const DefaultSocksTimeout = 30 * time.Second

const (
	socksVersion    = 0x05
	socksCmdConnect = 0x01
	socksNoAuth     = 0x00

	socksAddrIPv4   = 0x01
	socksAddrDomain = 0x03
	socksAddrIPv6   = 0x04
)

// SocksErrorKind categorizes SOCKS5 connection failures. Kinds other than the
// local ones correspond to the reply codes of RFC 1928 section 6.
type SocksErrorKind uint8

const (
	// KindGeneralFailure is reply code 0x01, general SOCKS server failure.
	KindGeneralFailure SocksErrorKind = iota
	// KindConnectionNotAllowed is reply code 0x02, connection not allowed by ruleset.
	KindConnectionNotAllowed
	// KindNetworkUnreachable is reply code 0x03.
	KindNetworkUnreachable
	// KindHostUnreachable is reply code 0x04.
	KindHostUnreachable
	// KindConnectionRefused is reply code 0x05.
	KindConnectionRefused
	// KindTTLExpired is reply code 0x06.
	KindTTLExpired
	// KindCommandNotSupported is reply code 0x07.
	KindCommandNotSupported
	// KindAddressTypeNotSupported is reply code 0x08.
	KindAddressTypeNotSupported
	// KindUnsupportedAuthMethod indicates the proxy did not accept the
	// no-authentication method during negotiation.
	KindUnsupportedAuthMethod
	// KindTimeout indicates the connect or handshake deadline expired.
	KindTimeout
	// KindTransportError indicates an IO failure on the proxy connection
	// before the handshake completed.
	KindTransportError
)

func (k SocksErrorKind) String() string {
	switch k {
	case KindGeneralFailure:
		return "general SOCKS server failure"
	case KindConnectionNotAllowed:
		return "connection not allowed by ruleset"
	case KindNetworkUnreachable:
		return "network unreachable"
	case KindHostUnreachable:
		return "host unreachable"
	case KindConnectionRefused:
		return "connection refused"
	case KindTTLExpired:
		return "TTL expired"
	case KindCommandNotSupported:
		return "command not supported"
	case KindAddressTypeNotSupported:
		return "address type not supported"
	case KindUnsupportedAuthMethod:
		return "unsupported authentication method"
	case KindTimeout:
		return "timeout during SOCKS handshake"
	case KindTransportError:
		return "transport error"
	default:
		return "unknown failure"
	}
}

// SocksError is a failure to establish a tunneled connection through the
// SOCKS proxy. Cause carries the underlying IO error, if any.
type SocksError struct {
	Kind  SocksErrorKind
	Cause error
}

func (e *SocksError) Error() string {
	if e.Cause == nil {
		return "socks5: " + e.Kind.String()
	}
	return "socks5: " + e.Kind.String() + ": " + e.Cause.Error()
}

func (e *SocksError) Unwrap() error {
	return e.Cause
}

// kindForReplyCode maps a non-zero SOCKS5 reply code onto an error kind.
func kindForReplyCode(code byte) SocksErrorKind {
	switch code {
	case 0x02:
		return KindConnectionNotAllowed
	case 0x03:
		return KindNetworkUnreachable
	case 0x04:
		return KindHostUnreachable
	case 0x05:
		return KindConnectionRefused
	case 0x06:
		return KindTTLExpired
	case 0x07:
		return KindCommandNotSupported
	case 0x08:
		return KindAddressTypeNotSupported
	default:
		return KindGeneralFailure
	}
}

// SocksDialer dials destinations through a SOCKS5 proxy using the
// no-authentication method. It satisfies proxy.Dialer and
// proxy.ContextDialer so that it composes with dialer wrappers such as
// proxy.PerHost and BlocklistDialer. Every Dial opens exactly one new
// connection to the proxy; there is no pooling and no retrying.
type SocksDialer struct {
	// Addr is the host:port of the SOCKS5 proxy.
	Addr string
	// Timeout bounds connect and handshake. Zero means DefaultSocksTimeout.
	Timeout time.Duration
	// Forward is the dialer used to reach the proxy itself, proxy.Direct
	// when nil.
	Forward proxy.Dialer
}

// NewSocksDialer constructs a SocksDialer for the proxy at addr with the
// default handshake timeout.
func NewSocksDialer(addr string) *SocksDialer {
	return &SocksDialer{Addr: addr, Forward: proxy.Direct}
}

// Dial connects to addr (host:port) through the SOCKS5 proxy. Failures are
// reported as *SocksError.
func (d *SocksDialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

// DialContext connects to addr (host:port) through the SOCKS5 proxy. The
// handshake deadline is the earlier of the configured timeout and the
// context deadline.
func (d *SocksDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" {
		return nil, &SocksError{Kind: KindCommandNotSupported,
			Cause: errors.New("network not supported: " + network)}
	}
	host, port, err := splitDestination(addr)
	if err != nil {
		return nil, &SocksError{Kind: KindAddressTypeNotSupported, Cause: err}
	}
	timeout := d.Timeout
	if timeout == 0 {
		timeout = DefaultSocksTimeout
	}
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	conn, err := d.dialProxy(dialCtx)
	if err != nil {
		return nil, &SocksError{Kind: classifyTransportError(err), Cause: err}
	}
	if err = conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return nil, &SocksError{Kind: KindTransportError, Cause: err}
	}
	// A cancelled context must also unblock handshake IO that is waiting on
	// the proxy; an immediately expired deadline serves as the interrupt.
	handshakeDone := make(chan struct{})
	interrupted := make(chan struct{})
	go func() {
		defer close(interrupted)
		select {
		case <-dialCtx.Done():
			_ = conn.SetDeadline(time.Unix(1, 0))
		case <-handshakeDone:
		}
	}()
	err = d.handshake(conn, host, port)
	close(handshakeDone)
	<-interrupted
	if err != nil {
		_ = conn.Close()
		if ctxErr := dialCtx.Err(); errors.Is(ctxErr, context.Canceled) {
			return nil, &SocksError{Kind: KindTransportError, Cause: ctxErr}
		}
		return nil, err
	}
	if err = conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, &SocksError{Kind: KindTransportError, Cause: err}
	}
	return conn, nil
}

func (d *SocksDialer) dialProxy(ctx context.Context) (net.Conn, error) {
	forward := d.Forward
	if forward == nil {
		forward = proxy.Direct
	}
	if ctxDialer, ok := forward.(proxy.ContextDialer); ok {
		return ctxDialer.DialContext(ctx, "tcp", d.Addr)
	}
	return forward.Dial("tcp", d.Addr)
}

// handshake negotiates no-auth and requests a CONNECT to host:port. The
// connection deadline has already been set by the caller.
func (d *SocksDialer) handshake(conn net.Conn, host string, port uint16) error {
	// Greeting: version 5, one method offered, no-authentication.
	if _, err := conn.Write([]byte{socksVersion, 0x01, socksNoAuth}); err != nil {
		return &SocksError{Kind: classifyTransportError(err), Cause: err}
	}
	var selection [2]byte
	if _, err := io.ReadFull(conn, selection[:]); err != nil {
		return &SocksError{Kind: classifyTransportError(err), Cause: err}
	}
	if selection[0] != socksVersion {
		return &SocksError{Kind: KindTransportError,
			Cause: errors.New("unexpected SOCKS version: " + strconv.Itoa(int(selection[0])))}
	}
	if selection[1] != socksNoAuth {
		return &SocksError{Kind: KindUnsupportedAuthMethod}
	}
	request, err := appendSocksAddr([]byte{socksVersion, socksCmdConnect, 0x00}, host, port)
	if err != nil {
		return &SocksError{Kind: KindAddressTypeNotSupported, Cause: err}
	}
	if _, err := conn.Write(request); err != nil {
		return &SocksError{Kind: classifyTransportError(err), Cause: err}
	}
	var reply [4]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return &SocksError{Kind: classifyTransportError(err), Cause: err}
	}
	if reply[0] != socksVersion {
		return &SocksError{Kind: KindTransportError,
			Cause: errors.New("unexpected SOCKS version: " + strconv.Itoa(int(reply[0])))}
	}
	if reply[1] != 0x00 {
		return &SocksError{Kind: kindForReplyCode(reply[1])}
	}
	// Consume the bound address and port; the caller has no use for them.
	var boundLen int
	switch reply[3] {
	case socksAddrIPv4:
		boundLen = net.IPv4len
	case socksAddrIPv6:
		boundLen = net.IPv6len
	case socksAddrDomain:
		var length [1]byte
		if _, err := io.ReadFull(conn, length[:]); err != nil {
			return &SocksError{Kind: classifyTransportError(err), Cause: err}
		}
		boundLen = int(length[0])
	default:
		return &SocksError{Kind: KindAddressTypeNotSupported}
	}
	bound := make([]byte, boundLen+2)
	if _, err := io.ReadFull(conn, bound); err != nil {
		return &SocksError{Kind: classifyTransportError(err), Cause: err}
	}
	return nil
}

// appendSocksAddr appends the SOCKS5 address block for host:port. IP literals
// are encoded natively; anything else is sent as a domain name so that name
// resolution happens at the proxy rather than locally.
func appendSocksAddr(request []byte, host string, port uint16) ([]byte, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			request = append(request, socksAddrIPv4)
			request = append(request, ip4...)
		} else {
			request = append(request, socksAddrIPv6)
			request = append(request, ip.To16()...)
		}
	} else {
		if len(host) == 0 || len(host) > 255 {
			return nil, errors.New("domain name length out of range: " + host)
		}
		request = append(request, socksAddrDomain, byte(len(host)))
		request = append(request, host...)
	}
	var portBytes [2]byte
	binary.BigEndian.PutUint16(portBytes[:], port)
	return append(request, portBytes[:]...), nil
}

// splitDestination splits a host:port destination, accepting bracketed IPv6
// literals, and validates the port range.
func splitDestination(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, errors.New("invalid destination port: " + portStr)
	}
	return host, uint16(port), nil
}

// classifyTransportError distinguishes deadline expiry from other IO
// failures on the proxy connection.
func classifyTransportError(err error) SocksErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindTransportError
}
