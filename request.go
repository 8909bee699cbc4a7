package socksbridge

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// maxHeaderBytes caps the amount of data buffered while looking for the end
// of the request header block.
const maxHeaderBytes = 64 * 1024

var (
	// ErrMalformedRequest indicates a request line or header block that
	// cannot be interpreted as an HTTP proxy request.
	ErrMalformedRequest = errors.New("malformed HTTP request")
	// ErrHeadersTooLarge indicates the header block exceeds maxHeaderBytes.
	ErrHeadersTooLarge = errors.New("request headers too large")
	// ErrUnexpectedEOF indicates the client closed the connection before a
	// complete header block was received.
	ErrUnexpectedEOF = errors.New("connection closed before complete request")
)

var crlfcrlf = []byte("\r\n\r\n")

// ParsedRequest is the outcome of reading one proxy request from a client
// connection. Raw holds the bytes that must be forwarded upstream once the
// tunnel is established: for plain HTTP requests the complete original
// request including headers and any already-buffered body prefix, forwarded
// verbatim; for CONNECT requests only the bytes the client sent past the
// header block, normally none.
type ParsedRequest struct {
	Method string
	Host   string
	Port   uint16
	Raw    []byte
}

// Target formats the destination as host:port for dialing.
func (r *ParsedRequest) Target() string {
	return net.JoinHostPort(r.Host, strconv.FormatUint(uint64(r.Port), 10))
}

// parseRequest reads from conn until a complete request line and header
// block have been observed, and extracts the tunnel destination.
func parseRequest(conn io.Reader) (*ParsedRequest, error) {
	data, headerEnd, err := readHeaderBlock(conn)
	if err != nil {
		return nil, err
	}
	line := data[:bytes.Index(data, []byte("\r\n"))]
	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) != 3 || parts[0] == "" || !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, ErrMalformedRequest
	}
	method, target := parts[0], parts[1]
	if method == "CONNECT" {
		host, port, err := splitDestination(target)
		if err != nil {
			return nil, ErrMalformedRequest
		}
		return &ParsedRequest{Method: method, Host: host, Port: port, Raw: data[headerEnd:]}, nil
	}
	host, port, err := destinationFromTarget(target, data[:headerEnd])
	if err != nil {
		return nil, err
	}
	return &ParsedRequest{Method: method, Host: host, Port: port, Raw: data}, nil
}

// readHeaderBlock accumulates reads until CRLFCRLF is found, returning all
// bytes read and the offset just past the header terminator.
func readHeaderBlock(conn io.Reader) ([]byte, int, error) {
	var data []byte
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
			if i := bytes.Index(data, crlfcrlf); i >= 0 {
				return data, i + len(crlfcrlf), nil
			}
			if len(data) > maxHeaderBytes {
				return nil, 0, ErrHeadersTooLarge
			}
		}
		if err == io.EOF {
			return nil, 0, ErrUnexpectedEOF
		}
		if err != nil {
			return nil, 0, err
		}
	}
}

// destinationFromTarget recovers host and port for a non-CONNECT request.
// Absolute-form targets carry their own authority; origin-form targets fall
// back to the Host header. The port defaults to 80 unless made explicit by
// the target itself; TLS is never inferred for origin-form targets.
func destinationFromTarget(target string, headers []byte) (string, uint16, error) {
	var authority string
	var defaultPort uint16 = 80
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		u, err := url.Parse(target)
		if err != nil || u.Hostname() == "" {
			return "", 0, ErrMalformedRequest
		}
		authority = u.Host
		if u.Scheme == "https" {
			defaultPort = 443
		}
	} else {
		authority = hostHeader(headers)
		if authority == "" {
			return "", 0, ErrMalformedRequest
		}
	}
	if hasPort(authority) {
		host, port, err := splitDestination(authority)
		if err != nil {
			return "", 0, ErrMalformedRequest
		}
		return host, port, nil
	}
	host := strings.Trim(authority, "[]")
	if host == "" || strings.Contains(host, "/") {
		return "", 0, ErrMalformedRequest
	}
	return host, defaultPort, nil
}

// hasPort reports whether authority carries an explicit port, accounting for
// bracketed IPv6 literals.
func hasPort(authority string) bool {
	return strings.LastIndexByte(authority, ':') > strings.LastIndexByte(authority, ']')
}

// hostHeader extracts the value of the Host header from a raw header block,
// or "" when absent.
func hostHeader(headers []byte) string {
	for _, line := range strings.Split(string(headers), "\r\n")[1:] {
		if line == "" {
			break
		}
		if len(line) > 5 && strings.EqualFold(line[:5], "host:") {
			return strings.TrimSpace(line[5:])
		}
	}
	return ""
}
