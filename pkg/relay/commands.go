package relay

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openretro/kaillerad/pkg/access"
	"github.com/openretro/kaillerad/pkg/game"
	"github.com/openretro/kaillerad/pkg/kwire"
)

// tempRestrictor is the optional moderation surface of the access manager.
type tempRestrictor interface {
	TempBan(addr net.IP, d time.Duration)
	TempSilence(addr net.IP, d time.Duration)
}

// handleCommand processes a lobby chat line starting with a slash. Commands
// never echo into public chat; all output goes back to the issuer.
func (s *Server) handleCommand(u *User, text string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return
	}

	switch strings.ToLower(fields[0]) {
	case "/help":
		s.sendInfo(u, "Commands: /help /uptime /users /games /ping /msg <userId> <text>")
		if u.AccessLevel() >= access.LevelAdmin {
			s.sendInfo(u, "Admin commands: /announce <text> /finduser <name> /kick <userId> /ban <minutes> <userId> /silence <minutes> <userId>")
		}

	case "/uptime":
		s.mut_state.RLock()
		started := s.startedAt
		s.mut_state.RUnlock()
		s.sendInfo(u, fmt.Sprintf("Server up for %s", s.clock().Sub(started).Round(time.Second)))

	case "/ping":
		s.sendInfo(u, fmt.Sprintf("Your login ping is %dms", u.PingMs()))

	case "/users":
		for _, other := range s.loggedInUsers() {
			s.sendInfo(u, fmt.Sprintf("%d: %s (%dms)", other.Id, other.Username(), other.PingMs()))
		}

	case "/games":
		s.mut_state.RLock()
		games := make([]string, 0, len(s.games))
		for _, g := range s.games {
			games = append(games, fmt.Sprintf("%d: %s [%s] (%d players)", g.Id, g.RomName, g.Status(), g.NumPlayers()))
		}
		s.mut_state.RUnlock()
		if len(games) == 0 {
			s.sendInfo(u, "No open games")
		}
		for _, line := range games {
			s.sendInfo(u, line)
		}

	case "/msg":
		parts := strings.SplitN(text, " ", 3)
		if len(parts) < 3 || strings.TrimSpace(parts[2]) == "" {
			s.sendInfo(u, "Usage: /msg <userId> <text>")
			return
		}
		body := strings.TrimSpace(parts[2])
		target := s.commandTarget(u, fields, 1)
		if target == nil {
			return
		}
		target.Queue(&kwire.InformationMessage{
			Source:  fmt.Sprintf("%s (private)", u.Username()),
			Message: body,
		})
		s.sendInfo(u, fmt.Sprintf("Sent to %s", target.Username()))

	case "/finduser":
		if !s.requireAdmin(u) {
			return
		}
		if len(fields) < 2 {
			s.sendInfo(u, "Usage: /finduser <name>")
			return
		}
		needle := strings.ToLower(fields[1])
		found := false
		for _, other := range s.loggedInUsers() {
			if strings.Contains(strings.ToLower(other.Username()), needle) {
				found = true
				s.sendInfo(u, fmt.Sprintf("%d: %s from %s (%dms)",
					other.Id, other.Username(), s.sessionIP(other.session), other.PingMs()))
			}
		}
		if !found {
			s.sendInfo(u, fmt.Sprintf("No user matching %q", fields[1]))
		}

	case "/announce":
		if !s.requireAdmin(u) {
			return
		}
		announcement := strings.TrimSpace(strings.TrimPrefix(text, fields[0]))
		if announcement == "" {
			s.sendInfo(u, "Usage: /announce <text>")
			return
		}
		s.broadcastAll(&kwire.InformationMessage{Source: s.cfg.ServerName, Message: announcement})

	case "/kick":
		if !s.requireAdmin(u) {
			return
		}
		target := s.commandTarget(u, fields, 1)
		if target == nil {
			return
		}
		s.log.Info("Admin kicked user",
			zap.String("admin", u.Username()),
			zap.Uint16("target", target.Id))
		s.removeUser(target, fmt.Sprintf("Kicked by %s", u.Username()))

	case "/ban":
		s.moderate(u, fields, "ban")

	case "/silence":
		s.moderate(u, fields, "silence")

	default:
		s.sendInfo(u, "Unknown command, try /help")
	}
}

// handleRoomCommand processes a slash line typed into game chat. These are
// the owner's knobs on their own room; ownership itself is enforced by
// Game.Configure so admins pass too.
func (s *Server) handleRoomCommand(u *User, g *game.Game, text string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return
	}

	switch strings.ToLower(fields[0]) {
	case "/help":
		s.sendInfo(u, "Room commands: /maxping <ms> /samedelay <on|off> /sameconn <on|off> /sameemu <on|off> /autostart <players>")

	case "/maxping":
		ms, ok := s.roomNumberArg(u, fields, "/maxping <ms>")
		if !ok {
			return
		}
		confirmation := fmt.Sprintf("Join ping limit set to %dms", ms)
		if ms == 0 {
			confirmation = "Join ping limit cleared"
		}
		s.applyRoomSetting(u, g, func(set *game.Settings) { set.RestrictPingMs = uint32(ms) }, confirmation)

	case "/samedelay":
		on, ok := s.roomToggleArg(u, fields, "/samedelay <on|off>")
		if !ok {
			return
		}
		s.applyRoomSetting(u, g, func(set *game.Settings) { set.SameDelay = on },
			fmt.Sprintf("Same frame delay for all players: %s", fields[1]))

	case "/sameconn":
		on, ok := s.roomToggleArg(u, fields, "/sameconn <on|off>")
		if !ok {
			return
		}
		s.applyRoomSetting(u, g, func(set *game.Settings) { set.RestrictConnection = on },
			fmt.Sprintf("Matching connection type required to join: %s", fields[1]))

	case "/sameemu":
		on, ok := s.roomToggleArg(u, fields, "/sameemu <on|off>")
		if !ok {
			return
		}
		s.applyRoomSetting(u, g, func(set *game.Settings) { set.RestrictEmulator = on },
			fmt.Sprintf("Matching emulator required to join: %s", fields[1]))

	case "/autostart":
		players, ok := s.roomNumberArg(u, fields, "/autostart <players>")
		if !ok {
			return
		}
		if players > defaultRoomPlayers {
			s.sendInfo(u, fmt.Sprintf("A room holds at most %d players", defaultRoomPlayers))
			return
		}
		confirmation := fmt.Sprintf("Game will start automatically at %d players", players)
		if players == 0 {
			confirmation = "Automatic start disabled"
		}
		s.applyRoomSetting(u, g, func(set *game.Settings) { set.AutoStartPlayers = players }, confirmation)
		if g.ShouldAutoStart() {
			s.startGame(g, g.Owner())
		}

	default:
		s.sendInfo(u, "Unknown room command, try /help")
	}
}

// roomNumberArg parses a non-negative numeric argument; zero clears the
// setting it feeds.
func (s *Server) roomNumberArg(u *User, fields []string, usage string) (int, bool) {
	if len(fields) < 2 {
		s.sendInfo(u, "Usage: "+usage)
		return 0, false
	}
	value, parseErr := strconv.Atoi(fields[1])
	if parseErr != nil || value < 0 {
		s.sendInfo(u, fmt.Sprintf("Bad value %q", fields[1]))
		return 0, false
	}
	return value, true
}

func (s *Server) roomToggleArg(u *User, fields []string, usage string) (bool, bool) {
	if len(fields) >= 2 {
		switch strings.ToLower(fields[1]) {
		case "on":
			return true, true
		case "off":
			return false, true
		}
	}
	s.sendInfo(u, "Usage: "+usage)
	return false, false
}

func (s *Server) applyRoomSetting(u *User, g *game.Game, apply func(*game.Settings), confirmation string) {
	if configureErr := g.Configure(u.Player(), apply); configureErr != nil {
		s.sendInfo(u, configureErr.Error())
		return
	}
	s.sendInfo(u, confirmation)
}

func (s *Server) requireAdmin(u *User) bool {
	if u.AccessLevel() < access.LevelAdmin {
		s.sendInfo(u, "You do not have permission to do that")
		return false
	}
	return true
}

// commandTarget resolves a numeric user-id argument.
func (s *Server) commandTarget(u *User, fields []string, idx int) *User {
	if len(fields) <= idx {
		s.sendInfo(u, "Missing user id argument")
		return nil
	}
	id, parseErr := strconv.ParseUint(fields[idx], 10, 16)
	if parseErr != nil {
		s.sendInfo(u, fmt.Sprintf("Bad user id %q", fields[idx]))
		return nil
	}
	target := s.userById(uint16(id))
	if target == nil {
		s.sendInfo(u, fmt.Sprintf("No user with id %d", id))
		return nil
	}
	return target
}

// moderate applies a timed ban or silence to a user's address.
func (s *Server) moderate(u *User, fields []string, verb string) {
	if !s.requireAdmin(u) {
		return
	}
	restrictor, ok := s.accessMgr.(tempRestrictor)
	if !ok {
		s.sendInfo(u, "The access manager does not support timed restrictions")
		return
	}
	if len(fields) < 3 {
		s.sendInfo(u, fmt.Sprintf("Usage: /%s <minutes> <userId>", verb))
		return
	}
	minutes, parseErr := strconv.Atoi(fields[1])
	if parseErr != nil || minutes < 1 {
		s.sendInfo(u, fmt.Sprintf("Bad duration %q", fields[1]))
		return
	}
	target := s.commandTarget(u, fields, 2)
	if target == nil {
		return
	}
	if target.AccessLevel() >= u.AccessLevel() {
		s.sendInfo(u, "You cannot moderate a user at or above your own access level")
		return
	}

	addr := s.sessionIP(target.session)
	duration := time.Duration(minutes) * time.Minute
	switch verb {
	case "ban":
		restrictor.TempBan(addr, duration)
		s.removeUser(target, fmt.Sprintf("Banned for %d minutes by %s", minutes, u.Username()))
	case "silence":
		restrictor.TempSilence(addr, duration)
		s.sendInfo(target, fmt.Sprintf("You were silenced for %d minutes", minutes))
	}
	s.sendInfo(u, fmt.Sprintf("Applied %s to %s", verb, target.Username()))
}
