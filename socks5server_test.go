package socksbridge

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
)

func portString(port uint16) string {
	return strconv.Itoa(int(port))
}

// testSocksServer is a minimal in-test SOCKS5 server: no-auth negotiation
// and CONNECT only. The serve callback decides what happens after the
// request has been read.
type testSocksServer struct {
	listener net.Listener
}

// socksRequest is a decoded CONNECT request as received by the test server.
type socksRequest struct {
	addrType byte
	host     string
	port     uint16
}

// startSocksServer starts a SOCKS5 server on an ephemeral port. For every
// connection it negotiates no-auth, decodes the CONNECT request and hands
// off to serve.
func startSocksServer(t *testing.T, serve func(conn net.Conn, req socksRequest)) *testSocksServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("Failed to start test SOCKS server:", err)
	}
	t.Cleanup(func() { _ = listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				req, ok := negotiate(conn)
				if !ok {
					return
				}
				serve(conn, req)
			}()
		}
	}()
	return &testSocksServer{listener: listener}
}

func (s *testSocksServer) addr() string {
	return s.listener.Addr().String()
}

// negotiate performs the server side of the no-auth negotiation and decodes
// the CONNECT request.
func negotiate(conn net.Conn) (socksRequest, bool) {
	var req socksRequest
	var greeting [2]byte
	if _, err := io.ReadFull(conn, greeting[:]); err != nil || greeting[0] != 0x05 {
		return req, false
	}
	methods := make([]byte, greeting[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return req, false
	}
	if _, err := conn.Write([]byte{0x05, 0x00}); err != nil {
		return req, false
	}
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil || header[0] != 0x05 || header[1] != 0x01 {
		return req, false
	}
	req.addrType = header[3]
	switch header[3] {
	case 0x01:
		var addr [4]byte
		if _, err := io.ReadFull(conn, addr[:]); err != nil {
			return req, false
		}
		req.host = net.IP(addr[:]).String()
	case 0x04:
		var addr [16]byte
		if _, err := io.ReadFull(conn, addr[:]); err != nil {
			return req, false
		}
		req.host = net.IP(addr[:]).String()
	case 0x03:
		var length [1]byte
		if _, err := io.ReadFull(conn, length[:]); err != nil {
			return req, false
		}
		name := make([]byte, length[0])
		if _, err := io.ReadFull(conn, name); err != nil {
			return req, false
		}
		req.host = string(name)
	default:
		return req, false
	}
	var port [2]byte
	if _, err := io.ReadFull(conn, port[:]); err != nil {
		return req, false
	}
	req.port = binary.BigEndian.Uint16(port[:])
	return req, true
}

// replySuccess sends a successful CONNECT reply with a zero IPv4 bound
// address.
func replySuccess(conn net.Conn) {
	_, _ = conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
}

// replyFailure sends a CONNECT reply with the given reply code.
func replyFailure(conn net.Conn, code byte) {
	_, _ = conn.Write([]byte{0x05, code, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
}

// serveEcho completes the handshake successfully and then echoes everything
// back to the sender.
func serveEcho(conn net.Conn, _ socksRequest) {
	replySuccess(conn)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, err := conn.Write(buf[:n]); err != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// serveForward completes the handshake, dials the requested destination
// directly and relays bytes in both directions, i.e. a functional SOCKS5
// proxy for loopback destinations.
func serveForward(conn net.Conn, req socksRequest) {
	target, err := net.Dial("tcp", net.JoinHostPort(req.host, portString(req.port)))
	if err != nil {
		replyFailure(conn, 0x05)
		return
	}
	defer target.Close()
	replySuccess(conn)
	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(target, conn)
		close(done)
	}()
	_, _ = io.Copy(conn, target)
	_ = conn.Close()
	<-done
}
