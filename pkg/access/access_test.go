package access

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeAccessFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "access.cfg")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write access file: %v", err)
	}
	return path
}

func TestEmptyManagerPermitsEveryone(t *testing.T) {
	m, err := CreateListManager("", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	addr := net.ParseIP("198.51.100.7")
	if !m.IsAddressAllowed(addr) {
		t.Fatalf("empty manager should allow all addresses")
	}
	if m.GetAccess(addr) != LevelNormal {
		t.Fatalf("expected normal access, got %d", m.GetAccess(addr))
	}
	if m.IsSilenced(addr) {
		t.Fatalf("expected not silenced")
	}
}

func TestFileRules(t *testing.T) {
	path := writeAccessFile(t, `
# comment
user,ADMIN,10.0.0.7
user,ELEVATED,10.0.1.*
addr,DENY,203.0.113.*
`)
	m, err := CreateListManager(path, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if got := m.GetAccess(net.ParseIP("10.0.0.7")); got != LevelAdmin {
		t.Fatalf("expected admin, got %d", got)
	}
	if got := m.GetAccess(net.ParseIP("10.0.1.99")); got != LevelElevated {
		t.Fatalf("expected elevated, got %d", got)
	}
	if m.IsAddressAllowed(net.ParseIP("203.0.113.4")) {
		t.Fatalf("denied pattern should reject address")
	}
	if !m.IsAddressAllowed(net.ParseIP("8.8.8.8")) {
		t.Fatalf("unlisted address should be allowed")
	}
}

func TestMalformedFileRejected(t *testing.T) {
	path := writeAccessFile(t, "user,WIZARD,1.2.3.4\n")
	if _, err := CreateListManager(path, nil); err == nil {
		t.Fatalf("expected error for unknown level")
	}

	path = writeAccessFile(t, "too,many,fields,here\n")
	if _, err := CreateListManager(path, nil); err == nil {
		t.Fatalf("expected error for wrong field count")
	}
}

func TestTempBanAndSilenceExpiry(t *testing.T) {
	current := time.Unix(1000, 0)
	clock := func() time.Time { return current }
	m, err := CreateListManager("", clock)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	addr := net.ParseIP("192.0.2.5")
	m.TempBan(addr, time.Minute)
	m.TempSilence(addr, 30*time.Second)

	if m.IsAddressAllowed(addr) {
		t.Fatalf("temp-banned address should be rejected")
	}
	if !m.IsSilenced(addr) {
		t.Fatalf("temp-silenced address should be silenced")
	}

	current = current.Add(45 * time.Second)
	if m.IsSilenced(addr) {
		t.Fatalf("silence should have expired")
	}
	if m.IsAddressAllowed(addr) {
		t.Fatalf("ban should still hold")
	}

	current = current.Add(time.Minute)
	m.Sweep()
	if !m.IsAddressAllowed(addr) {
		t.Fatalf("ban should have expired after sweep")
	}
}
