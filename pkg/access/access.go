package access

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Access levels, low to high.
const (
	LevelBanned int = iota - 1
	LevelNormal
	LevelElevated
	LevelAdmin
	LevelSuperAdmin
)

// Manager is the policy boundary the protocol core consults at login, chat
// and join time. Decisions are made here, never parsed here.
type Manager interface {
	IsAddressAllowed(addr net.IP) bool
	GetAccess(addr net.IP) int
	IsSilenced(addr net.IP) bool
}

type rule struct {
	pattern string
	level   int
}

type tempEntry struct {
	addr    string
	expires time.Time
}

// ListManager is a pattern-list Manager loaded from a config file, with
// runtime temp bans and silences layered on top.
type ListManager struct {
	now func() time.Time

	mut_rules sync.RWMutex
	rules     []rule
	tempBans  []tempEntry
	silenced  []tempEntry
}

// CreateListManager loads access rules from path. A blank path yields an
// all-permissive manager. File lines look like:
//
//	user,NORMAL,192.168.*
//	user,ADMIN,10.0.0.7
//	addr,DENY,203.0.113.*
func CreateListManager(path string, clock func() time.Time) (*ListManager, error) {
	if clock == nil {
		clock = time.Now
	}
	m := &ListManager{now: clock}
	if path == "" {
		return m, nil
	}

	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("access file %s line %d: expected 3 fields, got %d", path, lineNo, len(parts))
		}

		kind := strings.ToLower(strings.TrimSpace(parts[0]))
		levelName := strings.ToUpper(strings.TrimSpace(parts[1]))
		pattern := strings.TrimSpace(parts[2])

		level, ok := parseLevel(kind, levelName)
		if !ok {
			return nil, fmt.Errorf("access file %s line %d: unknown level %q", path, lineNo, levelName)
		}
		m.rules = append(m.rules, rule{pattern: pattern, level: level})
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return nil, scanErr
	}
	return m, nil
}

func parseLevel(kind, name string) (int, bool) {
	if kind == "addr" && name == "DENY" {
		return LevelBanned, true
	}
	switch name {
	case "NORMAL":
		return LevelNormal, true
	case "ELEVATED":
		return LevelElevated, true
	case "ADMIN":
		return LevelAdmin, true
	case "SUPERADMIN":
		return LevelSuperAdmin, true
	}
	return 0, false
}

func matchPattern(pattern, addr string) bool {
	if pattern == "*" || pattern == addr {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(addr, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

func (m *ListManager) IsAddressAllowed(addr net.IP) bool {
	return m.GetAccess(addr) > LevelBanned
}

func (m *ListManager) GetAccess(addr net.IP) int {
	text := addr.String()

	m.mut_rules.RLock()
	defer m.mut_rules.RUnlock()

	now := m.now()
	for _, ban := range m.tempBans {
		if ban.addr == text && ban.expires.After(now) {
			return LevelBanned
		}
	}

	level := LevelNormal
	for _, r := range m.rules {
		if matchPattern(r.pattern, text) {
			if r.level == LevelBanned {
				return LevelBanned
			}
			if r.level > level {
				level = r.level
			}
		}
	}
	return level
}

func (m *ListManager) IsSilenced(addr net.IP) bool {
	text := addr.String()

	m.mut_rules.RLock()
	defer m.mut_rules.RUnlock()

	now := m.now()
	for _, s := range m.silenced {
		if s.addr == text && s.expires.After(now) {
			return true
		}
	}
	return false
}

// TempBan bans an address for the given duration.
func (m *ListManager) TempBan(addr net.IP, d time.Duration) {
	m.mut_rules.Lock()
	defer m.mut_rules.Unlock()
	m.tempBans = append(m.tempBans, tempEntry{addr: addr.String(), expires: m.now().Add(d)})
}

// TempSilence mutes an address's chat for the given duration.
func (m *ListManager) TempSilence(addr net.IP, d time.Duration) {
	m.mut_rules.Lock()
	defer m.mut_rules.Unlock()
	m.silenced = append(m.silenced, tempEntry{addr: addr.String(), expires: m.now().Add(d)})
}

// Sweep drops expired temp entries. Called from the server's timeout task.
func (m *ListManager) Sweep() {
	m.mut_rules.Lock()
	defer m.mut_rules.Unlock()

	now := m.now()
	keepBans := m.tempBans[:0]
	for _, ban := range m.tempBans {
		if ban.expires.After(now) {
			keepBans = append(keepBans, ban)
		}
	}
	m.tempBans = keepBans

	keepSilenced := m.silenced[:0]
	for _, s := range m.silenced {
		if s.expires.After(now) {
			keepSilenced = append(keepSilenced, s)
		}
	}
	m.silenced = keepSilenced
}
