package socksbridge

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"

	assert "github.com/cobratbq/goutils/std/testing"
)

func TestBlocklistDialerNilDialer(t *testing.T) {
	defer assert.RequirePanic(t)
	b := BlocklistDialer{List: make(map[string]struct{}, 0), Dialer: nil}
	b.Dial("tcp", "hello.world:80")
	t.FailNow()
}

func TestBlocklistDialerPassthrough(t *testing.T) {
	b := BlocklistDialer{List: make(map[string]struct{}, 0), Dialer: &testRecordingDialer{}}
	if _, err := b.Dial("tcp", "hello.world:80"); err != nil {
		t.FailNow()
	}
}

func TestBlocklistDialerBlockedAddress(t *testing.T) {
	b := BlocklistDialer{List: map[string]struct{}{
		"hello.world": {},
	}, Dialer: &testRecordingDialer{}}
	if _, err := b.Dial("tcp", "hello.world:80"); err != ErrBlockedHost {
		t.FailNow()
	}
}

func TestBlocklistDialerPreservesPort(t *testing.T) {
	// The port is only stripped for the lookup, not for the actual dial.
	recorder := &testRecordingDialer{}
	b := BlocklistDialer{List: make(map[string]struct{}, 0), Dialer: recorder}
	_, err := b.Dial("tcp", "hello.world:8443")
	assert.Nil(t, err)
	assert.Equal(t, recorder.lastAddr, "hello.world:8443")
}

func TestBlocklistDialerLoadHosts(t *testing.T) {
	hostsFile := []byte("127.0.0.1 localhost\n0.0.0.0 hello.world\n# the next line tests 2 host names for one destination address\n0.0.0.0 hello.world.too hello.world.future\n")
	b := BlocklistDialer{List: make(map[string]struct{}, 0), Dialer: &testRecordingDialer{}}
	assert.Nil(t, b.Load(bytes.NewReader(hostsFile)))
	if _, err := b.Dial("tcp", "hello.world:80"); err != ErrBlockedHost {
		t.FailNow()
	}
	if _, err := b.Dial("tcp", "hello.world.too:443"); err != ErrBlockedHost {
		t.FailNow()
	}
	if _, err := b.Dial("tcp", "hello.world.future:443"); err != ErrBlockedHost {
		t.FailNow()
	}
	if _, err := b.Dial("tcp", "hello.world.past:80"); err != nil {
		t.FailNow()
	}
}

func TestWrapBlocklistBlocking(t *testing.T) {
	fileName := filepath.Join(t.TempDir(), "hosts")
	assert.Nil(t, os.WriteFile(fileName, []byte("0.0.0.0 blocked.example\n"), 0o600))
	dialer, err := WrapBlocklistBlocking(&testRecordingDialer{}, fileName)
	assert.Nil(t, err)
	if _, err := dialer.Dial("tcp", "blocked.example:443"); err != ErrBlockedHost {
		t.Error("Expected blocked.example to be blocked, got:", err)
	}
	if _, err := dialer.Dial("tcp", "allowed.example:443"); err != nil {
		t.Error("Expected allowed.example to pass through, got:", err)
	}
}

func TestWrapBlocklistBlockingMissingFile(t *testing.T) {
	if _, err := WrapBlocklistBlocking(&testRecordingDialer{}, filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("Expected error for missing blocklist file.")
	}
}

func TestWrapPerHostBlockingLocalAddresses(t *testing.T) {
	dialer := WrapPerHostBlocking(&testRecordingDialer{}, true, "")
	if _, err := dialer.Dial("tcp", "10.1.2.3:80"); err != ErrBlockedHost {
		t.Error("Expected private address to be blocked, got:", err)
	}
	if _, err := dialer.Dial("tcp", "192.168.1.1:80"); err != ErrBlockedHost {
		t.Error("Expected private address to be blocked, got:", err)
	}
}

func TestWrapPerHostBlockingCustom(t *testing.T) {
	dialer := WrapPerHostBlocking(&testRecordingDialer{}, false, "blocked.example")
	if _, err := dialer.Dial("tcp", "blocked.example:443"); err != ErrBlockedHost {
		t.Error("Expected custom blocked host to be refused, got:", err)
	}
	if _, err := dialer.Dial("tcp", "allowed.example:443"); err != nil {
		t.Error("Expected other hosts to pass through, got:", err)
	}
}

type testRecordingDialer struct {
	lastAddr string
}

func (d *testRecordingDialer) Dial(network, addr string) (net.Conn, error) {
	d.lastAddr = addr
	return nil, nil
}
