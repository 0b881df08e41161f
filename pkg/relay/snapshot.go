package relay

import (
	"time"

	"github.com/openretro/kaillerad/pkg/game"
)

type UserSnapshot struct {
	Id       uint16 `json:"id"`
	Username string `json:"username"`
	PingMs   uint32 `json:"pingMs"`
	Status   uint8  `json:"status"`
}

type GameSnapshot struct {
	Id         uint32 `json:"id"`
	RomName    string `json:"romName"`
	Owner      string `json:"owner"`
	Status     string `json:"status"`
	NumPlayers int    `json:"numPlayers"`
}

// Snapshot is the point-in-time roster published on the status feed.
type Snapshot struct {
	ServerName string         `json:"serverName"`
	StartedAt  time.Time      `json:"startedAt"`
	Users      []UserSnapshot `json:"users"`
	Games      []GameSnapshot `json:"games"`
}

func (s *Server) Snapshot() Snapshot {
	s.mut_state.RLock()
	startedAt := s.startedAt
	games := make([]*game.Game, 0, len(s.games))
	for _, g := range s.games {
		games = append(games, g)
	}
	s.mut_state.RUnlock()

	snap := Snapshot{
		ServerName: s.cfg.ServerName,
		StartedAt:  startedAt,
		Users:      []UserSnapshot{},
		Games:      []GameSnapshot{},
	}
	for _, u := range s.loggedInUsers() {
		snap.Users = append(snap.Users, UserSnapshot{
			Id:       u.Id,
			Username: u.Username(),
			PingMs:   u.PingMs(),
			Status:   u.Status(),
		})
	}
	for _, g := range games {
		snap.Games = append(snap.Games, GameSnapshot{
			Id:         g.Id,
			RomName:    g.RomName,
			Owner:      g.Owner().Username,
			Status:     g.Status().String(),
			NumPlayers: g.NumPlayers(),
		})
	}
	return snap
}
