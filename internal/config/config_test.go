package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load with defaults: %v", err)
	}
	if cfg.ConnectPort != DefaultConnectPort {
		t.Fatalf("expected connect port %d, got %d", DefaultConnectPort, cfg.ConnectPort)
	}
	if cfg.FirstGamePort != DefaultConnectPort+1 {
		t.Fatalf("expected game ports to start after connect port, got %d", cfg.FirstGamePort)
	}
	if cfg.GameTimeout != DefaultGameTimeout {
		t.Fatalf("expected game timeout %v, got %v", DefaultGameTimeout, cfg.GameTimeout)
	}
	if cfg.Charset != DefaultCharset {
		t.Fatalf("expected charset %q, got %q", DefaultCharset, cfg.Charset)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAILLERAD_NAME", "Test Arena")
	t.Setenv("KAILLERAD_MAX_USERS", "32")
	t.Setenv("KAILLERAD_GAME_TIMEOUT", "250ms")
	t.Setenv("KAILLERAD_MASTER_URLS", "http://one.example/announce, http://two.example/announce")
	t.Setenv("KAILLERAD_ALLOW_SINGLE_PLAYER", "false")
	t.Setenv("KAILLERAD_ALLOWED_CONN_TYPES", "1,2,3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerName != "Test Arena" {
		t.Fatalf("server name override lost: %q", cfg.ServerName)
	}
	if cfg.MaxUsers != 32 {
		t.Fatalf("max users override lost: %d", cfg.MaxUsers)
	}
	if cfg.GameTimeout != 250*time.Millisecond {
		t.Fatalf("game timeout override lost: %v", cfg.GameTimeout)
	}
	if len(cfg.MasterListURLs) != 2 || cfg.MasterListURLs[1] != "http://two.example/announce" {
		t.Fatalf("master url list parsed wrong: %v", cfg.MasterListURLs)
	}
	if cfg.AllowSinglePlayer {
		t.Fatalf("single player override lost")
	}
	if len(cfg.AllowedConnTypes) != 3 || !cfg.ConnTypeAllowed(2) || cfg.ConnTypeAllowed(6) {
		t.Fatalf("allowed connection types parsed wrong: %v", cfg.AllowedConnTypes)
	}
}

func TestConnTypeAllowListEmptyAdmitsAll(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for connType := 1; connType <= 6; connType++ {
		if !cfg.ConnTypeAllowed(connType) {
			t.Fatalf("empty allow list rejected type %d", connType)
		}
	}
}

func TestLoadCollectsAllProblems(t *testing.T) {
	t.Setenv("KAILLERAD_MAX_USERS", "zero")
	t.Setenv("KAILLERAD_GAME_TIMEOUT", "-5s")
	t.Setenv("KAILLERAD_AUTOFIRE_SENSITIVITY", "9")
	t.Setenv("KAILLERAD_ALLOWED_CONN_TYPES", "1,7")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected errors for invalid overrides")
	}
	for _, key := range []string{"KAILLERAD_MAX_USERS", "KAILLERAD_GAME_TIMEOUT", "KAILLERAD_AUTOFIRE_SENSITIVITY", "KAILLERAD_ALLOWED_CONN_TYPES"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error should mention %s: %v", key, err)
		}
	}
}
