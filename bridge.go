package socksbridge

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cobratbq/goutils/std/errors"
	"github.com/cobratbq/goutils/std/log"
	"golang.org/x/net/proxy"
)

// Defaults per the Tor convention: Privoxy-style HTTP listen port, Tor's
// SOCKS port.
const (
	DefaultListenAddr = "127.0.0.1:8118"
	DefaultSocksAddr  = "127.0.0.1:9050"
)

// Config configures a Bridge. It is read-only once the bridge has started.
type Config struct {
	// ListenAddr is the local address to accept HTTP proxy requests on.
	// Port 0 requests an OS-assigned port, available from Bridge.Addr.
	// Empty means DefaultListenAddr.
	ListenAddr string
	// SocksAddr is the SOCKS5 proxy to tunnel through. Empty means
	// DefaultSocksAddr. Ignored when Dialer is set.
	SocksAddr string
	// SocksTimeout bounds the connect and handshake with the SOCKS proxy.
	// Zero means DefaultSocksTimeout. Ignored when Dialer is set.
	SocksTimeout time.Duration
	// ConnTimeout, when non-zero, is a deadline applied to each accepted
	// connection as a whole. Expiry terminates that connection only.
	ConnTimeout time.Duration
	// Dialer overrides the upstream dialer, e.g. to wrap the SOCKS dialer
	// with blocking wrappers. Nil means a plain SocksDialer for SocksAddr.
	Dialer proxy.Dialer
}

const (
	stateStarting = iota
	stateListening
	stateDraining
	stateStopped
)

// Bridge accepts plain HTTP and CONNECT requests on a local TCP listener and
// tunnels them through a SOCKS5 proxy. Construct with NewBridge, then call
// Start or Serve; Shutdown drains and releases the listener.
type Bridge struct {
	config Config
	dialer proxy.Dialer

	// forceCtx is cancelled when a drain's grace period expires, aborting
	// tunnel dials that are still in progress at that point.
	forceCtx    context.Context
	forceCancel context.CancelFunc

	mu       sync.Mutex
	state    int
	listener net.Listener
	conns    map[net.Conn]struct{}
	handlers sync.WaitGroup
}

// NewBridge prepares a bridge for the given configuration.
func NewBridge(config Config) *Bridge {
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultListenAddr
	}
	if config.SocksAddr == "" {
		config.SocksAddr = DefaultSocksAddr
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = &SocksDialer{Addr: config.SocksAddr, Timeout: config.SocksTimeout,
			Forward: proxy.Direct}
	}
	forceCtx, forceCancel := context.WithCancel(context.Background())
	return &Bridge{config: config, dialer: dialer, forceCtx: forceCtx,
		forceCancel: forceCancel, conns: make(map[net.Conn]struct{})}
}

// Start binds the configured listen address and starts accepting
// connections. Bind failures are returned synchronously and leave nothing
// running. Start does not block; use Shutdown to stop.
func (b *Bridge) Start() error {
	listener, err := net.Listen("tcp", b.config.ListenAddr)
	if err != nil {
		return errors.Context(err, "failed to bind listen address "+b.config.ListenAddr)
	}
	return b.Serve(listener)
}

// Serve starts accepting connections on a listener bound by the caller.
// Serve does not block; use Shutdown to stop.
func (b *Bridge) Serve(listener net.Listener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateStarting {
		_ = listener.Close()
		return ErrBridgeStarted
	}
	b.listener = listener
	b.state = stateListening
	go b.acceptLoop()
	return nil
}

// Addr is the bound listen address, significant when port 0 was requested.
func (b *Bridge) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

func (b *Bridge) acceptLoop() {
	var retryDelay time.Duration
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			b.mu.Lock()
			draining := b.state >= stateDraining
			b.mu.Unlock()
			if draining {
				return
			}
			// Back off on persistent accept failures, e.g. fd exhaustion,
			// instead of spinning on the error.
			if retryDelay == 0 {
				retryDelay = 5 * time.Millisecond
			} else if retryDelay *= 2; retryDelay > time.Second {
				retryDelay = time.Second
			}
			log.Errorln("Error accepting connection:", err.Error(),
				"- retrying in", retryDelay.String())
			time.Sleep(retryDelay)
			continue
		}
		retryDelay = 0
		b.mu.Lock()
		if b.state != stateListening {
			b.mu.Unlock()
			logError(conn.Close(), "error closing late-accepted connection:")
			return
		}
		b.conns[conn] = struct{}{}
		b.handlers.Add(1)
		b.mu.Unlock()
		go func() {
			defer b.handlers.Done()
			defer b.untrack(conn)
			b.handle(conn)
		}()
	}
}

// track registers an upstream connection so that an expired drain can force
// it closed. The returned function unregisters it again.
func (b *Bridge) track(conn net.Conn) func() {
	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()
	return func() { b.untrack(conn) }
}

func (b *Bridge) untrack(conn net.Conn) {
	b.mu.Lock()
	delete(b.conns, conn)
	b.mu.Unlock()
}

// Shutdown stops accepting new connections immediately, then waits for
// in-flight connections to finish. When ctx expires first, the remaining
// connections are closed forcibly. Shutdown is single-use; subsequent calls
// return immediately.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.state != stateListening {
		b.mu.Unlock()
		return nil
	}
	b.state = stateDraining
	listener := b.listener
	b.mu.Unlock()
	logError(listener.Close(), "error closing listener:")
	drained := make(chan struct{})
	go func() {
		b.handlers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		// Abort in-progress upstream dials first: a handler blocked in the
		// SOCKS handshake holds a connection that is not tracked yet.
		b.forceCancel()
		b.mu.Lock()
		remaining := len(b.conns)
		for conn := range b.conns {
			logError(conn.Close(), "error force-closing connection:")
		}
		b.mu.Unlock()
		log.Infoln("Drain period expired, force-closed connections:", remaining)
		<-drained
	}
	b.forceCancel()
	b.mu.Lock()
	b.state = stateStopped
	b.mu.Unlock()
	return nil
}
