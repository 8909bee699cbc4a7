package socksbridge

import (
	"bufio"
	"context"
	"io"
	"log"
	"net"
	"os"
	"strings"

	bufio_ "github.com/cobratbq/goutils/std/bufio"
	"github.com/cobratbq/goutils/std/builtin/set"
	"github.com/cobratbq/goutils/std/builtin/slices"
	"github.com/cobratbq/goutils/std/errors"
	io_ "github.com/cobratbq/goutils/std/io"
	net_ "github.com/cobratbq/goutils/std/net"
	"golang.org/x/net/proxy"
)

// WrapPerHostBlocking wraps the tunnel dialer such that local and/or custom
// specified addresses are refused instead of being handed to the SOCKS
// proxy. Refused dials surface as ErrBlockedHost, which the connection
// handler answers with 403.
func WrapPerHostBlocking(dialer proxy.Dialer, local bool, custom string) proxy.Dialer {
	perHostDialer := proxy.NewPerHost(dialer, &NopDialer{})
	if local {
		slices.ForEach(net_.PrivateNetworks, perHostDialer.AddNetwork)
	}
	if custom != "" {
		perHostDialer.AddFromString(custom)
	}
	return perHostDialer
}

// WrapBlocklistBlocking wraps the tunnel dialer with a blocklist loaded from
// a hosts-formatted file. Destination hosts present on the blocklist are
// refused before any SOCKS connection is attempted.
func WrapBlocklistBlocking(dialer proxy.Dialer, fileName string) (proxy.Dialer, error) {
	blocklistDialer := BlocklistDialer{
		List:   make(map[string]struct{}, 0),
		Dialer: dialer}
	hostsFile, err := os.Open(fileName)
	if err != nil {
		return nil, errors.Context(err, "failed to open blocklist file "+fileName)
	}
	defer io_.CloseLogged(hostsFile, "failed to close blocklist file")
	if err := blocklistDialer.Load(hostsFile); err != nil {
		return nil, errors.Context(err, "failed to load blocklist: "+fileName)
	}
	return &blocklistDialer, nil
}

// BlocklistDialer checks the destination host against the loaded blocklist
// before handing the dial to the underlying dialer.
type BlocklistDialer struct {
	List   map[string]struct{}
	Dialer proxy.Dialer
}

// Dial refuses blocked destination hosts with ErrBlockedHost and otherwise
// dials addr with the underlying dialer.
func (b *BlocklistDialer) Dial(network, addr string) (net.Conn, error) {
	return b.DialContext(context.Background(), network, addr)
}

// DialContext is Dial with ctx passed through to underlying dialers that
// support it.
func (b *BlocklistDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	if _, ok := b.List[host]; ok {
		return nil, ErrBlockedHost
	}
	if ctxDialer, ok := b.Dialer.(proxy.ContextDialer); ok {
		return ctxDialer.DialContext(ctx, network, addr)
	}
	return b.Dialer.Dial(network, addr)
}

// Load reads blocklist entries formatted like the operating system 'hosts'
// file. Only entries resolving to 0.0.0.0 are accepted as block entries.
func (b *BlocklistDialer) Load(in io.Reader) error {
	reader := bufio.NewReader(in)
	var skipped uint
	if err := bufio_.ReadStringLinesFunc(reader, '\n', func(line string) error {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			return nil
		}
		parts := strings.Fields(line)
		if parts[0] != "0.0.0.0" {
			skipped++
			return nil
		}
		set.InsertMany(b.List, parts[1:])
		return nil
	}); err != nil {
		return errors.Context(err, "failed to read hosts content")
	}
	if skipped > 0 {
		log.Printf("Skipped %d lines for not using destination address '0.0.0.0'.", skipped)
	}
	log.Println("Total entries in blocklist:", len(b.List))
	return nil
}
