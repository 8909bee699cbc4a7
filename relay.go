package socksbridge

import (
	"errors"
	"io"
	"net"
	"sync"
)

// relayBufferSize is the chunk size for each relay direction.
const relayBufferSize = 16 * 1024

// relay copies bytes between the client and upstream connections in both
// directions concurrently until either direction ends with EOF or an error.
// Both connections are fully closed as soon as the first direction finishes,
// which in turn terminates the opposite direction. Returns the number of
// bytes moved client-to-upstream and upstream-to-client.
func relay(client, upstream net.Conn) (int64, int64) {
	var closeOnce sync.Once
	closeBoth := func() {
		logError(client.Close(), "error closing client connection:")
		logError(upstream.Close(), "error closing upstream connection:")
	}
	var wg sync.WaitGroup
	var clientToUpstream, upstreamToClient int64
	wg.Add(2)
	go func() {
		defer wg.Done()
		clientToUpstream = transfer(upstream, client, "client to upstream")
		closeOnce.Do(closeBoth)
	}()
	go func() {
		defer wg.Done()
		upstreamToClient = transfer(client, upstream, "upstream to client")
		closeOnce.Do(closeBoth)
	}()
	wg.Wait()
	return clientToUpstream, upstreamToClient
}

// transfer copies from src to dst until EOF or error, returning the number
// of bytes copied. Errors end the session but are logged only; by the time
// they occur there is no way to report them to the client in-band.
func transfer(dst io.Writer, src io.Reader, direction string) int64 {
	n, err := io.CopyBuffer(dst, src, make([]byte, relayBufferSize))
	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
		logError(err, "error transferring data "+direction+":")
	}
	return n
}
