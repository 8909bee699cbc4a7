package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cobratbq/goutils/std/log"
	net_ "github.com/cobratbq/goutils/std/net"
	"github.com/cobratbq/goutils/std/strings"
	"github.com/veldt/socksbridge"
	"golang.org/x/net/proxy"
)

func main() {
	listenAddr := flag.String("listen", socksbridge.DefaultListenAddr, "Listening address and port for the HTTP bridge.")
	socksAddr := flag.String("socks", socksbridge.DefaultSocksAddr, "Address and port of the SOCKS5 proxy, e.g. a local Tor daemon.")
	socksTimeout := flag.Duration("socks-timeout", socksbridge.DefaultSocksTimeout, "Timeout for connect and handshake with the SOCKS5 proxy.")
	connTimeout := flag.Duration("conn-timeout", 0, "Overall deadline per accepted connection, 0 for none.")
	drainTimeout := flag.Duration("drain-timeout", 10*time.Second, "Grace period for in-flight connections on shutdown.")
	blockAddrs := flag.String("block", "", "Comma-separated list of blocked host names, zone names, ip addresses and CIDR addresses.")
	blockLocal := flag.Bool("block-local", true, "Block known local addresses.")
	blocklist := flag.String("blocklist", "", "Filename referring to a hosts-formatted blocklist.")
	flag.Parse()
	// Prepare the tunnel dialer with optional blocking wrappers
	var dialer proxy.Dialer = &socksbridge.SocksDialer{Addr: *socksAddr,
		Timeout: *socksTimeout, Forward: proxy.Direct}
	if *blocklist != "" {
		log.Infoln("Loading blocklist from file:", *blocklist)
		var wrapErr error
		if dialer, wrapErr = socksbridge.WrapBlocklistBlocking(dialer, *blocklist); wrapErr != nil {
			log.Errorln("Failed to load blocklist:", wrapErr.Error())
			os.Exit(1)
		}
	}
	if *blockLocal || *blockAddrs != "" {
		log.Infoln("Blocking local addresses:", *blockLocal, ", custom addresses:",
			strings.OrDefault(*blockAddrs, "<none>"))
		dialer = socksbridge.WrapPerHostBlocking(dialer, *blockLocal, *blockAddrs)
	}
	// Start the bridge
	listener, listenErr := net_.ListenWithOptions(context.Background(), "tcp", *listenAddr,
		map[net_.Option]int{{Level: syscall.SOL_IP, Option: syscall.IP_FREEBIND}: 1})
	if listenErr != nil {
		log.Errorln("Failed to open local address for bridge:", listenErr.Error())
		os.Exit(1)
	}
	bridge := socksbridge.NewBridge(socksbridge.Config{ConnTimeout: *connTimeout, Dialer: dialer})
	if err := bridge.Serve(listener); err != nil {
		log.Errorln("Failed to start bridge:", err.Error())
		os.Exit(1)
	}
	log.Infoln("HTTP-SOCKS bridge started on", bridge.Addr().String(), "tunneling through", *socksAddr)
	// Drain on interrupt
	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)
	<-interrupted
	log.Infoln("Shutdown signal received, draining connections for at most", drainTimeout.String())
	ctx, cancel := context.WithTimeout(context.Background(), *drainTimeout)
	defer cancel()
	logShutdown(bridge.Shutdown(ctx))
}

func logShutdown(err error) {
	if err != nil {
		log.Errorln("Shutdown finished with error:", err.Error())
		return
	}
	log.Infoln("Shutdown complete.")
}
