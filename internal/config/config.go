package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultConnectPort is the well-known Kaillera connect port.
	DefaultConnectPort = 27888
	// DefaultMaxUsers bounds concurrent logged-in users.
	DefaultMaxUsers = 150
	// DefaultMaxGames bounds concurrent rooms.
	DefaultMaxGames = 50
	// DefaultPortPoolSlack is how many extra ports the pool carries beyond
	// max users, covering bind races during reconnect churn.
	DefaultPortPoolSlack = 10
	// DefaultMaxPing rejects clients pinging above this at login, and rate
	// limits session resends.
	DefaultMaxPing = 500 * time.Millisecond
	// DefaultKeepAliveTimeout drops sessions that go silent.
	DefaultKeepAliveTimeout = 100 * time.Second
	// DefaultIdleTimeout drops logged-in users with no activity at all.
	DefaultIdleTimeout = 30 * time.Minute

	// DefaultGameBufferSize is the per-player input ring capacity in bytes.
	DefaultGameBufferSize = 4096
	// DefaultGameTimeout bounds one blocking frame read.
	DefaultGameTimeout = 100 * time.Millisecond
	// DefaultDesynchTimeouts is how many reads on one player may time out
	// before that player is desynchronized.
	DefaultDesynchTimeouts = 120
	// DefaultAutofireSensitivity is 0 (off) to 5 (aggressive).
	DefaultAutofireSensitivity = 0

	// DefaultCharset matches what v.086 clients have always assumed.
	DefaultCharset = "ISO-8859-1"

	DefaultServerName       = "Kaillera Server"
	DefaultAnnounceInterval = 10 * time.Minute
)

// Config captures all runtime tunables for the relay.
type Config struct {
	ServerName     string
	ServerLocation string

	ConnectAddress string
	ConnectPort    int
	FirstGamePort  int
	MaxUsers       int
	MaxGames       int
	PortPoolSlack  int

	MaxPing          time.Duration
	KeepAliveTimeout time.Duration
	IdleTimeout      time.Duration

	GameBufferSize      int
	GameTimeout         time.Duration
	DesynchTimeouts     int
	AllowSinglePlayer   bool
	AllowedConnTypes    []int
	AutofireSensitivity int

	Charset string

	AccessFile string

	MasterListURLs   []string
	AnnounceInterval time.Duration

	StatusFeedAddress string

	ReplayDir string
}

// Load reads configuration from environment variables, applying defaults and
// reporting every invalid override at once.
func Load() (*Config, error) {
	cfg := &Config{
		ServerName:          getString("KAILLERAD_NAME", DefaultServerName),
		ServerLocation:      strings.TrimSpace(os.Getenv("KAILLERAD_LOCATION")),
		ConnectAddress:      getString("KAILLERAD_ADDR", ""),
		ConnectPort:         DefaultConnectPort,
		MaxUsers:            DefaultMaxUsers,
		MaxGames:            DefaultMaxGames,
		PortPoolSlack:       DefaultPortPoolSlack,
		MaxPing:             DefaultMaxPing,
		KeepAliveTimeout:    DefaultKeepAliveTimeout,
		IdleTimeout:         DefaultIdleTimeout,
		GameBufferSize:      DefaultGameBufferSize,
		GameTimeout:         DefaultGameTimeout,
		DesynchTimeouts:     DefaultDesynchTimeouts,
		AllowSinglePlayer:   true,
		AutofireSensitivity: DefaultAutofireSensitivity,
		Charset:             getString("KAILLERAD_CHARSET", DefaultCharset),
		AccessFile:          strings.TrimSpace(os.Getenv("KAILLERAD_ACCESS_FILE")),
		MasterListURLs:      parseList(os.Getenv("KAILLERAD_MASTER_URLS")),
		AnnounceInterval:    DefaultAnnounceInterval,
		StatusFeedAddress:   strings.TrimSpace(os.Getenv("KAILLERAD_STATUS_ADDR")),
		ReplayDir:           strings.TrimSpace(os.Getenv("KAILLERAD_REPLAY_DIR")),
	}

	var problems []string

	parseInt := func(key string, min int, out *int) {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			return
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value < min {
			problems = append(problems, fmt.Sprintf("%s must be an integer >= %d, got %q", key, min, raw))
			return
		}
		*out = value
	}

	parseDuration := func(key string, out *time.Duration) {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			return
		}
		value, err := time.ParseDuration(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
			return
		}
		*out = value
	}

	parseInt("KAILLERAD_CONNECT_PORT", 1, &cfg.ConnectPort)
	parseInt("KAILLERAD_FIRST_GAME_PORT", 0, &cfg.FirstGamePort)
	parseInt("KAILLERAD_MAX_USERS", 1, &cfg.MaxUsers)
	parseInt("KAILLERAD_MAX_GAMES", 1, &cfg.MaxGames)
	parseInt("KAILLERAD_PORT_SLACK", 0, &cfg.PortPoolSlack)
	parseInt("KAILLERAD_GAME_BUFFER", 256, &cfg.GameBufferSize)
	parseInt("KAILLERAD_DESYNCH_TIMEOUTS", 1, &cfg.DesynchTimeouts)
	parseInt("KAILLERAD_AUTOFIRE_SENSITIVITY", 0, &cfg.AutofireSensitivity)

	parseDuration("KAILLERAD_MAX_PING", &cfg.MaxPing)
	parseDuration("KAILLERAD_KEEPALIVE_TIMEOUT", &cfg.KeepAliveTimeout)
	parseDuration("KAILLERAD_IDLE_TIMEOUT", &cfg.IdleTimeout)
	parseDuration("KAILLERAD_GAME_TIMEOUT", &cfg.GameTimeout)
	parseDuration("KAILLERAD_ANNOUNCE_INTERVAL", &cfg.AnnounceInterval)

	if raw := strings.TrimSpace(os.Getenv("KAILLERAD_ALLOW_SINGLE_PLAYER")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("KAILLERAD_ALLOW_SINGLE_PLAYER must be a boolean, got %q", raw))
		} else {
			cfg.AllowSinglePlayer = value
		}
	}

	for _, part := range parseList(os.Getenv("KAILLERAD_ALLOWED_CONN_TYPES")) {
		value, err := strconv.Atoi(part)
		if err != nil || value < 1 || value > 6 {
			problems = append(problems, fmt.Sprintf("KAILLERAD_ALLOWED_CONN_TYPES entries must be 1..6, got %q", part))
			continue
		}
		cfg.AllowedConnTypes = append(cfg.AllowedConnTypes, value)
	}

	if cfg.AutofireSensitivity > 5 {
		problems = append(problems, fmt.Sprintf("KAILLERAD_AUTOFIRE_SENSITIVITY must be 0..5, got %d", cfg.AutofireSensitivity))
	}

	if cfg.FirstGamePort == 0 {
		cfg.FirstGamePort = cfg.ConnectPort + 1
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

// ConnTypeAllowed reports whether a client connection type passes the
// optional allow list; an empty list admits every type.
func (c *Config) ConnTypeAllowed(connType int) bool {
	if len(c.AllowedConnTypes) == 0 {
		return true
	}
	for _, allowed := range c.AllowedConnTypes {
		if allowed == connType {
			return true
		}
	}
	return false
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
