package game

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the room lifecycle state, using the protocol's wire values.
type Status uint8

const (
	StatusWaiting       Status = 0
	StatusPlaying       Status = 1
	StatusSynchronizing Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "Waiting"
	case StatusPlaying:
		return "Playing"
	case StatusSynchronizing:
		return "Synchronizing"
	}
	return "Unknown"
}

// laggingNotifyEvery throttles below-threshold timeout notices.
const laggingNotifyEvery = 12

// minSynchedPlayers is the floor under which lockstep stops meaning
// anything and the whole game desyncs.
const minSynchedPlayers = 2

// Player is the game-facing view of a connected user.
type Player struct {
	UserId         uint16
	Username       string
	Address        string
	PingMs         uint32
	ConnectionType uint8
	Emulator       string
	Admin          bool
	Stealth        bool

	// Number is the 1-based slot assigned by the room.
	Number int
}

// Settings are start-time constants for one room.
type Settings struct {
	MaxPlayers          int
	GameBufferSize      int
	GameTimeout         time.Duration
	DesynchTimeouts     int
	AllowSinglePlayer   bool
	SameDelay           bool
	AutoStartPlayers    int
	AutofireSensitivity int

	// Owner-set join restrictions; zero values disable each check.
	RestrictPingMs     uint32
	RestrictConnection bool
	RestrictEmulator   bool
}

// Listener receives events that originate inside the merge path, where no
// request handler is on the stack to carry them back.
type Listener interface {
	OnPlayerLagging(g *Game, p *Player, timeoutCount int)
	OnPlayerDesynched(g *Game, p *Player, reason string)
	OnGameDesynched(g *Game, reason string)
	OnAutofireDetected(g *Game, p *Player)
}

// Game is one room: an ordered player list, one action queue per player
// while playing, and the WAITING → SYNCHRONIZING → PLAYING state machine.
type Game struct {
	Id      uint32
	RomName string

	log      *zap.Logger
	listener Listener
	settings Settings

	// One lock covers membership, status, and the queue array; timeout
	// escalation and ready/drop/close all mutate the same aggregates.
	mut_state sync.Mutex

	owner   *Player
	players []*Player
	status  Status

	// seats is the seating order frozen at start; play-time arrays below
	// are indexed by seat, which stays valid even if the players list
	// shrinks mid-round.
	seats             []*Player
	queues            []*ActionQueue
	ready             []bool
	timeoutCounts     []int
	handledOrdinals   []int
	playerDelays      []int
	autofire          []*AutofireDetector
	frameDelay        int
	actionsPerMessage int
	bytesPerAction    int
	droppedPackets    int

	kickedAddrs   map[string]bool
	lastJoinAddr  string
	lastJoinCount int
}

// NewGame creates a room with the owner already seated in slot 1.
func NewGame(id uint32, romName string, owner *Player, settings Settings, listener Listener, logger *zap.Logger) *Game {
	if logger == nil {
		logger = zap.NewNop()
	}
	owner.Number = 1
	return &Game{
		Id:          id,
		RomName:     romName,
		log:         logger.With(zap.Uint32("gameId", id), zap.String("rom", romName)),
		listener:    listener,
		settings:    settings,
		owner:       owner,
		players:     []*Player{owner},
		status:      StatusWaiting,
		kickedAddrs: make(map[string]bool),
	}
}

func (g *Game) Owner() *Player {
	g.mut_state.Lock()
	defer g.mut_state.Unlock()
	return g.owner
}

func (g *Game) Status() Status {
	g.mut_state.Lock()
	defer g.mut_state.Unlock()
	return g.status
}

// Players returns a snapshot of the seating order.
func (g *Game) Players() []*Player {
	g.mut_state.Lock()
	defer g.mut_state.Unlock()
	out := make([]*Player, len(g.players))
	copy(out, g.players)
	return out
}

func (g *Game) NumPlayers() int {
	g.mut_state.Lock()
	defer g.mut_state.Unlock()
	return len(g.players)
}

func (g *Game) FrameDelay() int {
	g.mut_state.Lock()
	defer g.mut_state.Unlock()
	return g.frameDelay
}

// PlayerDelay returns the per-connection frame delay computed at start for
// the given slot (1-based).
func (g *Game) PlayerDelay(number int) int {
	g.mut_state.Lock()
	defer g.mut_state.Unlock()
	if g.settings.SameDelay {
		return g.frameDelay
	}
	if number < 1 || number > len(g.playerDelays) {
		return g.frameDelay
	}
	return g.playerDelays[number-1]
}

func (g *Game) slotOf(p *Player) int {
	for i, seated := range g.players {
		if seated.UserId == p.UserId {
			return i
		}
	}
	return -1
}

// seatOf resolves a player to their start-time seat index, or -1 for
// spectators seated after the round began.
func (g *Game) seatOf(p *Player) int {
	seat := p.Number - 1
	if seat < 0 || seat >= len(g.seats) || g.seats[seat].UserId != p.UserId {
		return -1
	}
	return seat
}

// Join seats a new player. Every rejection is a typed business-rule error
// for the dispatch boundary to relay back; none of them are fatal.
func (g *Game) Join(p *Player) error {
	g.mut_state.Lock()
	defer g.mut_state.Unlock()

	if p.Address == g.lastJoinAddr {
		g.lastJoinCount++
	} else {
		g.lastJoinAddr = p.Address
		g.lastJoinCount = 1
	}
	if g.lastJoinCount >= 4 {
		return &JoinSpamError{}
	}

	if g.slotOf(p) >= 0 {
		return &AlreadyInGameError{Username: p.Username}
	}
	if g.kickedAddrs[p.Address] {
		return &PreviouslyKickedError{}
	}
	if g.status != StatusWaiting && !p.Admin {
		return &GameInProgressError{}
	}
	if g.settings.MaxPlayers > 0 && len(g.players) >= g.settings.MaxPlayers {
		return &GameFullError{MaxPlayers: g.settings.MaxPlayers}
	}
	if g.settings.RestrictPingMs > 0 && p.PingMs > g.settings.RestrictPingMs {
		return &PingTooHighError{PingMs: p.PingMs, MaxPingMs: g.settings.RestrictPingMs}
	}
	if g.settings.RestrictConnection && p.ConnectionType != g.owner.ConnectionType {
		return &ConnectionTypeMismatchError{Required: g.owner.ConnectionType, Actual: p.ConnectionType}
	}
	if g.settings.RestrictEmulator && p.Emulator != g.owner.Emulator {
		return &EmulatorMismatchError{Required: g.owner.Emulator, Actual: p.Emulator}
	}

	g.players = append(g.players, p)
	p.Number = len(g.players)
	g.log.Info("Player joined game", zap.String("username", p.Username), zap.Int("slot", p.Number))
	return nil
}

// ShouldAutoStart reports whether the owner's auto-start-at-N rule has been
// satisfied by the latest join.
func (g *Game) ShouldAutoStart() bool {
	g.mut_state.Lock()
	defer g.mut_state.Unlock()
	return g.settings.AutoStartPlayers > 0 &&
		g.status == StatusWaiting &&
		len(g.players) >= g.settings.AutoStartPlayers
}

// Configure applies an owner adjustment to the room settings. Settings are
// start-time constants, so changes are only accepted while WAITING.
func (g *Game) Configure(requester *Player, apply func(*Settings)) error {
	g.mut_state.Lock()
	defer g.mut_state.Unlock()

	if requester.UserId != g.owner.UserId && !requester.Admin {
		return &NotOwnerError{Username: requester.Username}
	}
	if g.status != StatusWaiting {
		return &WrongStateError{Operation: "change settings", Status: g.status}
	}
	apply(&g.settings)
	return nil
}

// Start allocates fresh action queues and moves to SYNCHRONIZING. Queues
// are recreated on every start because buffer size, timeout, and consumer
// count are start-time constants.
func (g *Game) Start(requester *Player) error {
	g.mut_state.Lock()
	defer g.mut_state.Unlock()

	if requester.UserId != g.owner.UserId && !requester.Admin {
		return &NotOwnerError{Username: requester.Username}
	}
	if g.status != StatusWaiting {
		return &WrongStateError{Operation: "start", Status: g.status}
	}
	if len(g.players) < 2 && !g.settings.AllowSinglePlayer {
		return &SinglePlayerNotAllowedError{}
	}
	for _, p := range g.players {
		if p.Stealth || p.UserId == g.owner.UserId {
			continue
		}
		if p.ConnectionType != g.owner.ConnectionType {
			return &ConnectionTypeMismatchError{Required: g.owner.ConnectionType, Actual: p.ConnectionType}
		}
		if p.Emulator != g.owner.Emulator {
			return &EmulatorMismatchError{Required: g.owner.Emulator, Actual: p.Emulator}
		}
	}

	numPlayers := len(g.players)
	g.seats = make([]*Player, numPlayers)
	copy(g.seats, g.players)
	g.queues = make([]*ActionQueue, numPlayers)
	g.ready = make([]bool, numPlayers)
	g.timeoutCounts = make([]int, numPlayers)
	g.handledOrdinals = make([]int, numPlayers)
	g.playerDelays = make([]int, numPlayers)
	g.autofire = make([]*AutofireDetector, numPlayers)
	g.bytesPerAction = 0
	g.droppedPackets = 0
	g.actionsPerMessage = int(g.owner.ConnectionType)

	g.frameDelay = 0
	for i, p := range g.players {
		p.Number = i + 1
		g.queues[i] = NewActionQueue(p.Number, numPlayers, g.settings.GameBufferSize, g.settings.GameTimeout)
		g.autofire[i] = NewAutofireDetector(g.settings.AutofireSensitivity)
		g.playerDelays[i] = frameDelayFor(p.PingMs, p.ConnectionType)
		if g.playerDelays[i] > g.frameDelay {
			g.frameDelay = g.playerDelays[i]
		}
	}
	if g.settings.SameDelay {
		g.frameDelay = frameDelayFor(g.owner.PingMs, g.owner.ConnectionType)
	}

	g.status = StatusSynchronizing
	g.log.Info("Game starting", zap.Int("players", numPlayers), zap.Int("frameDelay", g.frameDelay))
	return nil
}

// frameDelayFor masks network latency: a connection type of n updates the
// server 60/n times a second, so a given ping covers that many frames.
func frameDelayFor(pingMs uint32, connectionType uint8) int {
	updatesPerSecond := 60.0 / float64(connectionType)
	return int(updatesPerSecond*float64(pingMs)/1000.0) + 1
}

// Ready records one player's synchronization signal. The returned flag is
// true on the call that completes the set and moves the room to PLAYING.
func (g *Game) Ready(p *Player) (bool, error) {
	g.mut_state.Lock()
	defer g.mut_state.Unlock()

	if g.status != StatusSynchronizing {
		return false, &WrongStateError{Operation: "ready", Status: g.status}
	}
	seat := g.seatOf(p)
	if seat < 0 {
		return false, &NotInGameError{Username: p.Username}
	}

	g.ready[seat] = true
	g.queues[seat].MarkSynched()

	// A seat whose player already left can never answer; do not let it
	// hold the room in SYNCHRONIZING forever.
	present := 0
	for i, r := range g.ready {
		seated := g.slotOf(g.seats[i]) >= 0
		if seated {
			present++
		}
		if !r && seated {
			return false, nil
		}
	}

	// A pre-ready quit can leave too few seats to answer for lockstep;
	// going live would stall the survivors on dead queues forever.
	if present < len(g.seats) && present < minSynchedPlayers {
		for _, q := range g.queues {
			if q != nil {
				q.MarkDesynced()
			}
		}
		g.status = StatusWaiting
		g.log.Warn("Game abandoned during synchronization", zap.Int("remaining", present))
		g.listener.OnGameDesynched(g, "fewer than two synchronized players remain")
		return false, nil
	}

	g.status = StatusPlaying
	g.log.Info("All players ready, game is live")
	return true, nil
}

// AddActions merges one player's input into the room and assembles that
// player's next combined frame. A nil frame with a nil error means the
// reader was released by a desync and there is nothing to deliver.
func (g *Game) AddActions(p *Player, data []byte) ([]byte, error) {
	g.mut_state.Lock()
	if g.status != StatusPlaying {
		g.mut_state.Unlock()
		return nil, &WrongStateError{Operation: "send game data", Status: g.status}
	}
	seat := g.seatOf(p)
	if seat < 0 {
		g.mut_state.Unlock()
		return nil, &NotInGameError{Username: p.Username}
	}
	if g.bytesPerAction == 0 && len(data) >= g.actionsPerMessage {
		g.bytesPerAction = len(data) / g.actionsPerMessage
	}

	queues := g.queues
	apm := g.actionsPerMessage
	bpa := g.bytesPerAction
	numSeats := len(g.seats)

	if detector := g.autofire[seat]; detector.Enabled() && bpa > 0 {
		for off := 0; off+bpa <= len(data); off += bpa {
			if detector.Feed(data[off : off+bpa]) {
				g.listener.OnAutofireDetected(g, g.seats[seat])
			}
		}
	}
	g.mut_state.Unlock()

	if bpa == 0 {
		return nil, nil
	}

	if writeErr := queues[seat].AddActions(data); writeErr != nil {
		g.desyncSeat(seat, writeErr)
		return nil, nil
	}

	// One consistent ordering per consumer: action-major, then seat order.
	// A slow producer stalls exactly the readers waiting on it; escalation
	// runs between retries of the same read.
	out := make([]byte, apm*numSeats*bpa)
	for action := 0; action < apm; action++ {
		for producer := 0; producer < numSeats; producer++ {
			dst := out[(action*numSeats+producer)*bpa : (action*numSeats+producer+1)*bpa]
			for {
				result := queues[producer].ReadActions(seat, dst)
				if result.Status == ReadOk {
					break
				}
				if result.Status == ReadDesynced {
					return nil, nil
				}
				g.handleTimeout(result)
			}
		}
	}
	return out, nil
}

// desyncSeat drops one producer whose ring rejected a write. Losing input
// bytes would corrupt every consumer's cursor, so the seat goes desynced
// instead.
func (g *Game) desyncSeat(seat int, cause error) {
	g.mut_state.Lock()
	defer g.mut_state.Unlock()

	if g.status != StatusPlaying || seat < 0 || seat >= len(g.seats) {
		return
	}
	if g.queues[seat] == nil || !g.queues[seat].Synched() {
		return
	}

	g.queues[seat].MarkDesynced()
	g.log.Warn("Player desynchronized by input overflow",
		zap.String("username", g.seats[seat].Username),
		zap.Error(cause))
	g.listener.OnPlayerDesynched(g, g.seats[seat], "input buffer overflowed")
	g.checkGameSyncLocked()
}

// handleTimeout escalates one producer's read timeout. Duplicate ordinals
// from concurrent consumers are dropped so one stall counts once.
func (g *Game) handleTimeout(result ReadResult) {
	g.mut_state.Lock()
	defer g.mut_state.Unlock()

	seat := result.Producer - 1
	if g.status != StatusPlaying || seat < 0 || seat >= len(g.seats) {
		return
	}
	if result.Ordinal <= g.handledOrdinals[seat] {
		return
	}
	g.handledOrdinals[seat] = result.Ordinal

	g.timeoutCounts[seat]++
	count := g.timeoutCounts[seat]
	if count < g.settings.DesynchTimeouts {
		if count%laggingNotifyEvery == 0 {
			g.listener.OnPlayerLagging(g, g.seats[seat], count)
		}
		return
	}

	g.queues[seat].MarkDesynced()
	g.log.Warn("Player desynchronized by timeout",
		zap.String("username", g.seats[seat].Username),
		zap.Int("timeouts", count))
	g.listener.OnPlayerDesynched(g, g.seats[seat], "timed out waiting for input")
	g.checkGameSyncLocked()
}

// checkGameSyncLocked flips the whole room desynced once fewer than two
// producers remain live.
func (g *Game) checkGameSyncLocked() {
	synched := 0
	for _, q := range g.queues {
		if q != nil && q.Synched() {
			synched++
		}
	}
	if synched >= minSynchedPlayers {
		return
	}

	for _, q := range g.queues {
		if q != nil {
			q.MarkDesynced()
		}
	}
	if g.status == StatusPlaying {
		g.status = StatusWaiting
		g.listener.OnGameDesynched(g, "fewer than two synchronized players remain")
		g.log.Warn("Game desynchronized")
	}
}

// IsSynched reports whether the room still has enough live producers for
// lockstep to be meaningful.
func (g *Game) IsSynched() bool {
	g.mut_state.Lock()
	defer g.mut_state.Unlock()

	synched := 0
	for _, q := range g.queues {
		if q != nil && q.Synched() {
			synched++
		}
	}
	return synched >= minSynchedPlayers
}

// Drop idles a playing player without unseating them. The room returns to
// WAITING when its last live producer drops.
func (g *Game) Drop(p *Player) error {
	g.mut_state.Lock()
	defer g.mut_state.Unlock()

	if g.slotOf(p) < 0 {
		return &NotInGameError{Username: p.Username}
	}
	if g.status == StatusWaiting {
		return &WrongStateError{Operation: "drop", Status: g.status}
	}

	if seat := g.seatOf(p); seat >= 0 && g.queues[seat] != nil {
		g.queues[seat].MarkDesynced()
	}
	g.checkGameSyncLocked()

	live := 0
	for _, q := range g.queues {
		if q != nil && q.Synched() {
			live++
		}
	}
	if live == 0 {
		g.status = StatusWaiting
	}
	return nil
}

// Quit unseats a player. The second return is true when the room must
// close: the owner left or nobody remains.
func (g *Game) Quit(p *Player) (bool, error) {
	g.mut_state.Lock()
	defer g.mut_state.Unlock()

	slot := g.slotOf(p)
	if slot < 0 {
		return false, &NotInGameError{Username: p.Username}
	}

	if seat := g.seatOf(p); seat >= 0 && g.queues != nil && g.queues[seat] != nil {
		g.queues[seat].MarkDesynced()
		g.checkGameSyncLocked()
	}

	if p.UserId == g.owner.UserId {
		g.closeLocked()
		return true, nil
	}

	g.players = append(g.players[:slot], g.players[slot+1:]...)
	if g.status == StatusWaiting {
		for i, seated := range g.players {
			seated.Number = i + 1
		}
	}
	if len(g.players) == 0 {
		g.closeLocked()
		return true, nil
	}
	return false, nil
}

// Kick ejects a player by id and bars their address from rejoining.
func (g *Game) Kick(requester *Player, userId uint16) (*Player, error) {
	g.mut_state.Lock()

	if requester.UserId != g.owner.UserId && !requester.Admin {
		g.mut_state.Unlock()
		return nil, &NotOwnerError{Username: requester.Username}
	}

	var target *Player
	for _, p := range g.players {
		if p.UserId == userId {
			target = p
			break
		}
	}
	if target == nil {
		g.mut_state.Unlock()
		return nil, &PlayerNotFoundError{UserId: userId}
	}
	if target.UserId == g.owner.UserId {
		g.mut_state.Unlock()
		return nil, &NotOwnerError{Username: requester.Username}
	}

	g.kickedAddrs[target.Address] = true
	g.mut_state.Unlock()

	if _, err := g.Quit(target); err != nil {
		return nil, err
	}
	return target, nil
}

// MarkDroppedPacket records an inbound sequence gap observed on a playing
// player's session. Purely advisory desync bookkeeping.
func (g *Game) MarkDroppedPacket(p *Player) {
	g.mut_state.Lock()
	defer g.mut_state.Unlock()

	g.droppedPackets++
	if g.droppedPackets%100 == 0 {
		g.log.Warn("Game has seen many dropped packets",
			zap.Int("droppedPackets", g.droppedPackets),
			zap.String("lastFrom", p.Username))
	}
}

func (g *Game) DroppedPackets() int {
	g.mut_state.Lock()
	defer g.mut_state.Unlock()
	return g.droppedPackets
}

// Close releases every blocked reader and clears the room.
func (g *Game) Close() {
	g.mut_state.Lock()
	defer g.mut_state.Unlock()
	g.closeLocked()
}

func (g *Game) closeLocked() {
	for _, q := range g.queues {
		if q != nil {
			q.MarkDesynced()
		}
	}
	g.queues = nil
	g.seats = nil
	g.players = nil
	g.status = StatusWaiting
}
