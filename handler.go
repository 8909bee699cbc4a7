package socksbridge

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/cobratbq/goutils/std/log"
	"golang.org/x/net/proxy"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// handle serves one accepted client connection: parse the request, open a
// tunnel through the SOCKS proxy, send the preamble for the request type,
// then relay until either side finishes. Failures before any byte has been
// relayed are answered with a plain HTTP status; afterwards the session is
// simply closed.
func (b *Bridge) handle(conn net.Conn) {
	if b.config.ConnTimeout > 0 {
		logError(conn.SetDeadline(time.Now().Add(b.config.ConnTimeout)),
			"error setting connection deadline:")
	}
	req, err := parseRequest(conn)
	if err != nil {
		logError(err, "Error parsing request from "+conn.RemoteAddr().String()+":")
		respond(conn, 400, "Bad Request")
		logError(conn.Close(), "error closing client connection:")
		return
	}
	// Dial under the force context so an expired drain aborts tunnels that
	// are still being established, not only ones already relaying.
	upstream, err := dialUpstream(b.forceCtx, b.dialer, req.Target())
	if err != nil {
		logError(err, "Error opening tunnel to "+req.Target()+":")
		status, reason := statusForDialError(err)
		respond(conn, status, reason)
		logError(conn.Close(), "error closing client connection:")
		return
	}
	defer b.track(upstream)()
	if b.config.ConnTimeout > 0 {
		logError(upstream.SetDeadline(time.Now().Add(b.config.ConnTimeout)),
			"error setting upstream deadline:")
	}
	// The CONNECT success line must reach the client before any relayed
	// byte; clients hold back e.g. their TLS hello until they see it.
	if req.Method == "CONNECT" {
		if _, err = conn.Write([]byte(connectEstablished)); err != nil {
			logError(err, "Error confirming tunnel to client:")
			closeSession(conn, upstream)
			return
		}
	}
	// For plain HTTP this writes the original request bytes verbatim; for
	// CONNECT any early bytes the client sent past its header block.
	if len(req.Raw) > 0 {
		if _, err = upstream.Write(req.Raw); err != nil {
			logError(err, "Error forwarding request upstream:")
			closeSession(conn, upstream)
			return
		}
	}
	clientToUpstream, upstreamToClient := relay(conn, upstream)
	log.Infoln(req.Method, req.Target(), "finished, bytes sent:", clientToUpstream,
		"received:", upstreamToClient)
}

// dialUpstream passes ctx through to dialers that support it, such as
// SocksDialer and the blocking wrappers around it.
func dialUpstream(ctx context.Context, dialer proxy.Dialer, addr string) (net.Conn, error) {
	if ctxDialer, ok := dialer.(proxy.ContextDialer); ok {
		return ctxDialer.DialContext(ctx, "tcp", addr)
	}
	return dialer.Dial("tcp", addr)
}

func closeSession(client, upstream net.Conn) {
	logError(client.Close(), "error closing client connection:")
	logError(upstream.Close(), "error closing upstream connection:")
}

// respond writes a bare HTTP status line response. Best effort: the client
// may already be gone.
func respond(conn net.Conn, status int, reason string) {
	_, err := conn.Write([]byte("HTTP/1.1 " + strconv.Itoa(status) + " " + reason +
		"\r\nConnection: close\r\n\r\n"))
	logError(err, "error writing error response:")
}

// statusForDialError maps tunnel establishment failures onto the HTTP status
// reported to the client: 403 for locally blocked hosts, 504 for timeouts
// and expired TTLs, 502 for everything else.
func statusForDialError(err error) (int, string) {
	if errors.Is(err, ErrBlockedHost) {
		return 403, "Forbidden"
	}
	var socksErr *SocksError
	if errors.As(err, &socksErr) {
		switch socksErr.Kind {
		case KindTimeout, KindTTLExpired:
			return 504, "Gateway Timeout"
		}
	}
	return 502, "Bad Gateway"
}
