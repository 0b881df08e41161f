package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/openretro/kaillerad/pkg/access"
)

type stubOpener struct {
	port int
	err  error
}

func (o *stubOpener) OpenSession(clientIP net.IP) (int, error) {
	return o.port, o.err
}

type denyListAccess struct {
	denied map[string]bool
}

func (a *denyListAccess) IsAddressAllowed(addr net.IP) bool { return !a.denied[addr.String()] }
func (a *denyListAccess) GetAccess(addr net.IP) int         { return access.LevelNormal }
func (a *denyListAccess) IsSilenced(addr net.IP) bool       { return false }

func startConnectServer(t *testing.T, port int, opener SessionOpener, mgr access.Manager) *ConnectServer {
	t.Helper()
	if mgr == nil {
		mgr = &denyListAccess{}
	}
	s, err := CreateConnectServer(ConnectServerParams{
		Access:        mgr,
		Opener:        opener,
		ListenAddress: "127.0.0.1",
		ListenPort:    port,
	})
	if err != nil {
		t.Fatalf("create connect server: %v", err)
	}
	s.Start(context.Background())
	t.Cleanup(func() {
		s.Stop()
		s.Wait()
	})
	return s
}

func exchange(t *testing.T, port int, request string) string {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(append([]byte(request), 0)); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 128)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read reply to %q: %v", request, err)
	}
	if n == 0 || buf[n-1] != 0 {
		t.Fatalf("reply to %q is not NUL terminated: %q", request, buf[:n])
	}
	return string(buf[:n-1])
}

func TestConnectHandshakeAssignsPort(t *testing.T) {
	startConnectServer(t, 47400, &stubOpener{port: 31234}, nil)

	reply := exchange(t, 47400, "HELLO0.83")
	if reply != "HELLOD00D31234" {
		t.Fatalf("handshake reply %q", reply)
	}
}

func TestConnectRejectsWrongVersion(t *testing.T) {
	startConnectServer(t, 47410, &stubOpener{port: 31234}, nil)

	if reply := exchange(t, 47410, "HELLO0.95"); reply != "VER" {
		t.Fatalf("wrong version reply %q", reply)
	}
}

func TestConnectTurnsAwayWhenFull(t *testing.T) {
	startConnectServer(t, 47420, &stubOpener{err: errors.New("no ports left")}, nil)

	if reply := exchange(t, 47420, "HELLO0.83"); reply != "TOO" {
		t.Fatalf("full server reply %q", reply)
	}
}

func TestConnectAnswersPing(t *testing.T) {
	startConnectServer(t, 47430, &stubOpener{port: 1}, nil)

	if reply := exchange(t, 47430, "PING"); reply != "PONG" {
		t.Fatalf("ping reply %q", reply)
	}
}

func TestConnectIgnoresBannedAddress(t *testing.T) {
	mgr := &denyListAccess{denied: map[string]bool{"127.0.0.1": true}}
	startConnectServer(t, 47440, &stubOpener{port: 31234}, mgr)

	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 47440})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(append([]byte("HELLO0.83"), 0)); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 128)
	if n, err := conn.Read(buf); err == nil {
		t.Fatalf("banned address got a reply: %q", buf[:n])
	}
}
