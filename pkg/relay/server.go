package relay

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openretro/kaillerad/internal/config"
	"github.com/openretro/kaillerad/internal/metrics"
	"github.com/openretro/kaillerad/internal/portpool"
	"github.com/openretro/kaillerad/internal/userstore"
	"github.com/openretro/kaillerad/pkg/access"
	"github.com/openretro/kaillerad/pkg/game"
	"github.com/openretro/kaillerad/pkg/kwire"
)

const (
	// serverChatName is the sender shown on notices the relay injects
	// into room chat.
	serverChatName = "Server"

	// defaultRoomPlayers caps seats per room.
	defaultRoomPlayers = 8

	// loginTimeout is how long a session may sit in the handshake before
	// the sweeper reaps it.
	loginTimeout = 30 * time.Second

	maxUsernameLength = 31
)

// GameRecorder receives the input stream of running games. Implementations
// must be safe for concurrent use; a nil recorder disables recording.
type GameRecorder interface {
	StartGame(gameId uint32, romName string, players []string)
	RecordFrame(gameId uint32, playerNumber int, data []byte)
	EndGame(gameId uint32)
}

type ServerParams struct {
	Logger   *zap.Logger
	Config   *config.Config
	Codec    *kwire.Codec
	Access   access.Manager
	Metrics  metrics.Sink
	Ports    *portpool.Pool
	Recorder GameRecorder
	Clock    func() time.Time
}

// Server owns all connected users and rooms. Inbound messages arrive on
// per-session read goroutines and are routed through a fixed dispatch
// table; everything the server sends goes back out through the per-user
// session and its resend history.
type Server struct {
	log        *zap.Logger
	cfg        *config.Config
	framer     *kwire.Framer
	accessMgr  access.Manager
	metrics    metrics.Sink
	ports      *portpool.Pool
	recorder   GameRecorder
	clock      func() time.Time
	store      *userstore.UserStore
	dispatcher *Dispatcher

	mut_state       sync.RWMutex
	ctx             context.Context
	users           map[uint16]*User
	usersBySession  map[*ClientSession]*User
	pendingSessions map[*ClientSession]time.Time
	games           map[uint32]*game.Game
	nextGameId      uint32
	startedAt       time.Time

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

func CreateServer(params ServerParams) *Server {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := params.Metrics
	if sink == nil {
		sink = metrics.Nop{}
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}

	s := &Server{
		log:             logger.With(zap.String("component", "relay")),
		cfg:             params.Config,
		framer:          kwire.NewFramer(params.Codec, logger),
		accessMgr:       params.Access,
		metrics:         sink,
		ports:           params.Ports,
		recorder:        params.Recorder,
		clock:           clock,
		store:           userstore.CreateUserStore(params.Config.MaxUsers),
		dispatcher:      NewDispatcher(logger),
		ctx:             context.Background(),
		users:           make(map[uint16]*User),
		usersBySession:  make(map[*ClientSession]*User),
		pendingSessions: make(map[*ClientSession]time.Time),
		games:           make(map[uint32]*game.Game),
		stopped:         make(chan struct{}),
	}

	d := s.dispatcher
	d.Register(kwire.TypeUserInformation, s.handleUserInformation)
	d.Register(kwire.TypeClientAck, s.handleClientAck)
	d.Register(kwire.TypeQuit, s.handleQuit)
	d.Register(kwire.TypeChat, s.handleChat)
	d.Register(kwire.TypeGameChat, s.handleGameChat)
	d.Register(kwire.TypeKeepAlive, s.handleKeepAlive)
	d.Register(kwire.TypeCreateGame, s.handleCreateGame)
	d.Register(kwire.TypeJoinGame, s.handleJoinGame)
	d.Register(kwire.TypeQuitGame, s.handleQuitGame)
	d.Register(kwire.TypeStartGame, s.handleStartGame)
	d.Register(kwire.TypeAllReady, s.handleAllReady)
	d.Register(kwire.TypeGameData, s.handleGameData)
	d.Register(kwire.TypeCachedGameData, s.handleCachedGameData)
	d.Register(kwire.TypePlayerDrop, s.handlePlayerDrop)
	d.Register(kwire.TypeGameKick, s.handleGameKick)
	return s
}

// Start launches the keepalive sweeper. The context is inherited by every
// session opened afterwards.
func (s *Server) Start(ctx context.Context) {
	s.mut_state.Lock()
	s.ctx = ctx
	s.startedAt = s.clock()
	s.mut_state.Unlock()

	s.wg.Add(1)
	go s.sweepLoop(ctx)
}

func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)

		s.mut_state.Lock()
		sessions := make([]*ClientSession, 0, len(s.usersBySession)+len(s.pendingSessions))
		users := make([]*User, 0, len(s.usersBySession))
		for session, u := range s.usersBySession {
			sessions = append(sessions, session)
			users = append(users, u)
		}
		for session := range s.pendingSessions {
			sessions = append(sessions, session)
		}
		games := make([]*game.Game, 0, len(s.games))
		for _, g := range s.games {
			games = append(games, g)
		}
		s.mut_state.Unlock()

		for _, g := range games {
			g.Close()
		}
		for _, session := range sessions {
			session.Stop()
		}
		for _, u := range users {
			u.stopSender()
		}
	})
	s.wg.Wait()
}

// OpenSession allocates a pooled port for a client that just completed the
// HELLO handshake and returns the port number to hand back to it.
func (s *Server) OpenSession(clientIP net.IP) (int, error) {
	s.mut_state.RLock()
	ctx := s.ctx
	s.mut_state.RUnlock()

	session, createErr := CreateClientSession(ClientSessionParams{
		Logger:     s.log,
		Framer:     s.framer,
		Metrics:    s.metrics,
		Ports:      s.ports,
		Events:     s,
		ExpectedIP: clientIP,
		MaxPing:    s.cfg.MaxPing,
		Clock:      s.clock,
	})
	if createErr != nil {
		return 0, createErr
	}

	s.mut_state.Lock()
	s.pendingSessions[session] = s.clock()
	s.mut_state.Unlock()

	if startErr := session.Start(ctx); startErr != nil {
		s.mut_state.Lock()
		delete(s.pendingSessions, session)
		s.mut_state.Unlock()
		session.Stop()
		return 0, startErr
	}
	return session.Port(), nil
}

func (s *Server) userFor(session *ClientSession) *User {
	s.mut_state.RLock()
	defer s.mut_state.RUnlock()
	return s.usersBySession[session]
}

func (s *Server) userById(userId uint16) *User {
	s.mut_state.RLock()
	defer s.mut_state.RUnlock()
	return s.users[userId]
}

func (s *Server) loggedInUsers() []*User {
	s.mut_state.RLock()
	defer s.mut_state.RUnlock()

	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		if u.LoggedIn() {
			out = append(out, u)
		}
	}
	return out
}

// roomUsers finds the users seated in g without touching the game's own
// state, so it is safe inside game listener callbacks.
func (s *Server) roomUsers(g *game.Game) []*User {
	s.mut_state.RLock()
	defer s.mut_state.RUnlock()

	out := []*User{}
	for _, u := range s.users {
		if u.Game() == g {
			out = append(out, u)
		}
	}
	return out
}

func (s *Server) broadcastAll(msg kwire.Message) {
	for _, u := range s.loggedInUsers() {
		u.Queue(msg)
	}
}

func (s *Server) broadcastRoom(g *game.Game, msg kwire.Message) {
	for _, u := range s.roomUsers(g) {
		u.Queue(msg)
	}
}

func (s *Server) sendInfo(u *User, text string) {
	u.Queue(&kwire.InformationMessage{Source: serverChatName, Message: text})
}

// --- SessionEvents ---

func (s *Server) OnMessage(session *ClientSession, msg kwire.Message) {
	if u := s.userFor(session); u != nil {
		s.store.SetRecvTimestamp(u.Id, s.clock().Unix())
	}
	s.dispatcher.Dispatch(session, msg)
}

func (s *Server) OnDroppedPackets(session *ClientSession, count int) {
	u := s.userFor(session)
	if u == nil {
		return
	}
	if g := u.Game(); g != nil {
		g.MarkDroppedPacket(u.Player())
	}
}

func (s *Server) OnClosed(session *ClientSession) {
	if u := s.userFor(session); u != nil {
		s.removeUser(u, "Connection lost")
		return
	}
	s.mut_state.Lock()
	delete(s.pendingSessions, session)
	s.mut_state.Unlock()
}

// removeUser unseats the user from any room, drops them from the registry,
// and tells everyone else.
func (s *Server) removeUser(u *User, reason string) {
	s.leaveGame(u)

	s.mut_state.Lock()
	_, present := s.users[u.Id]
	delete(s.users, u.Id)
	delete(s.usersBySession, u.session)
	s.mut_state.Unlock()
	if !present {
		return
	}

	wasLoggedIn := u.LoggedIn()
	s.store.RemoveUser(u.Id)
	u.stopSender()
	u.session.Stop()

	if wasLoggedIn {
		s.log.Info("User left", zap.Uint16("userId", u.Id), zap.String("username", u.Username()))
		s.broadcastAll(&kwire.Quit{Username: u.Username(), UserId: u.Id, Message: reason})
	}
}

// --- Login ---

func (s *Server) sessionIP(session *ClientSession) net.IP {
	if addr := session.RemoteAddr(); addr != nil {
		return addr.IP
	}
	return nil
}

func (s *Server) rejectLogin(session *ClientSession, username, reason string) {
	session.Send(&kwire.ConnectionRejected{Username: username, Message: reason})
	session.Stop()
}

func (s *Server) handleUserInformation(session *ClientSession, msg kwire.Message) {
	m, ok := msg.(*kwire.UserInformation)
	if !ok {
		return
	}
	if s.userFor(session) != nil {
		// Duplicate login packet on a live session, likely a resend.
		return
	}

	ip := s.sessionIP(session)
	level := s.accessMgr.GetAccess(ip)
	if level <= access.LevelBanned {
		s.rejectLogin(session, m.Username, "You are banned from this server")
		return
	}
	if len(m.Username) > maxUsernameLength {
		s.rejectLogin(session, m.Username, "Username is too long")
		return
	}
	if !s.cfg.ConnTypeAllowed(int(m.ConnectionType)) {
		s.rejectLogin(session, m.Username, fmt.Sprintf("Connection type %d is not allowed on this server", m.ConnectionType))
		return
	}
	for _, other := range s.loggedInUsers() {
		if strings.EqualFold(other.Username(), m.Username) {
			s.rejectLogin(session, m.Username, "That username is already in use")
			return
		}
	}

	now := s.clock()
	userId := s.store.GetNewUserId()
	if createErr := s.store.CreateUser(userId, m.Username, now.Unix()); createErr != nil {
		s.rejectLogin(session, m.Username, "The server is full")
		return
	}

	u := &User{
		Id:             userId,
		session:        session,
		phase:          phasePinging,
		username:       m.Username,
		emulator:       m.ClientType,
		connectionType: m.ConnectionType,
		accessLevel:    level,
		stealth:        level >= access.LevelSuperAdmin,
		status:         UserStatusConnecting,
		lastAction:     now,
	}
	u.startSender(s.log)

	s.mut_state.Lock()
	s.users[userId] = u
	s.usersBySession[session] = u
	delete(s.pendingSessions, session)
	s.mut_state.Unlock()

	s.log.Info("User connecting",
		zap.Uint16("userId", userId),
		zap.String("username", m.Username),
		zap.String("emulator", m.ClientType))

	u.markPingSent(now)
	u.Queue(&kwire.ServerAck{})
}

func (s *Server) handleClientAck(session *ClientSession, msg kwire.Message) {
	u := s.userFor(session)
	if u == nil || u.LoggedIn() {
		return
	}

	now := s.clock()
	if !u.recordPingSample(now) {
		u.markPingSent(now)
		u.Queue(&kwire.ServerAck{})
		return
	}
	s.finishLogin(u)
}

func (s *Server) finishLogin(u *User) {
	ping := u.averagePing()
	if ping > s.cfg.MaxPing {
		s.rejectLogin(u.session, u.Username(), fmt.Sprintf("Your ping (%dms) is too high for this server", ping.Milliseconds()))
		s.removeUser(u, "ping too high")
		return
	}

	u.mut_state.Lock()
	u.ping = ping
	u.phase = phaseLoggedIn
	u.status = UserStatusIdle
	u.player = &game.Player{
		UserId:         u.Id,
		Username:       u.username,
		Address:        s.sessionIP(u.session).String(),
		PingMs:         uint32(ping.Milliseconds()),
		ConnectionType: u.connectionType,
		Emulator:       u.emulator,
		Admin:          u.accessLevel >= access.LevelAdmin,
		Stealth:        u.stealth,
	}
	u.mut_state.Unlock()
	s.store.MarkLoggedIn(u.Id)

	u.Queue(s.serverStatusFor(u))
	s.sendInfo(u, fmt.Sprintf("Welcome to %s!", s.cfg.ServerName))
	if s.cfg.ServerLocation != "" {
		s.sendInfo(u, fmt.Sprintf("Server location: %s", s.cfg.ServerLocation))
	}

	joined := &kwire.UserJoined{
		Username:       u.Username(),
		UserId:         u.Id,
		Ping:           u.PingMs(),
		ConnectionType: u.connectionType,
	}
	for _, other := range s.loggedInUsers() {
		if other.Id != u.Id {
			other.Queue(joined)
		}
	}

	s.log.Info("User logged in",
		zap.Uint16("userId", u.Id),
		zap.String("username", u.Username()),
		zap.Int64("pingMs", ping.Milliseconds()))
}

// serverStatusFor builds the login roster. Stealth users stay invisible.
func (s *Server) serverStatusFor(u *User) *kwire.ServerStatus {
	status := &kwire.ServerStatus{}
	for _, other := range s.loggedInUsers() {
		other.mut_state.Lock()
		hidden := other.stealth && other.Id != u.Id
		row := kwire.ServerStatusUser{
			Username:       other.username,
			Ping:           uint32(other.ping.Milliseconds()),
			Status:         other.status,
			UserId:         other.Id,
			ConnectionType: other.connectionType,
		}
		other.mut_state.Unlock()
		if !hidden {
			status.Users = append(status.Users, row)
		}
	}

	s.mut_state.RLock()
	games := make([]*game.Game, 0, len(s.games))
	for _, g := range s.games {
		games = append(games, g)
	}
	s.mut_state.RUnlock()

	for _, g := range games {
		owner := g.Owner()
		status.Games = append(status.Games, kwire.ServerStatusGame{
			RomName:  g.RomName,
			GameId:   g.Id,
			Emulator: owner.Emulator,
			Owner:    owner.Username,
			Players:  fmt.Sprintf("%d/%d", g.NumPlayers(), defaultRoomPlayers),
			Status:   uint8(g.Status()),
		})
	}
	return status
}

// --- Lobby ---

func (s *Server) handleQuit(session *ClientSession, msg kwire.Message) {
	m, ok := msg.(*kwire.QuitRequest)
	if !ok {
		return
	}
	u := s.userFor(session)
	if u == nil {
		session.Stop()
		return
	}
	s.removeUser(u, m.Message)
}

func (s *Server) handleChat(session *ClientSession, msg kwire.Message) {
	m, ok := msg.(*kwire.ChatRequest)
	if !ok {
		return
	}
	u := s.userFor(session)
	if u == nil || !u.LoggedIn() {
		return
	}
	u.touch(s.clock())

	if s.accessMgr.IsSilenced(s.sessionIP(session)) {
		s.sendInfo(u, "You are silenced and cannot chat")
		return
	}
	if strings.HasPrefix(m.Message, "/") {
		s.handleCommand(u, m.Message)
		return
	}
	s.broadcastAll(&kwire.Chat{Username: u.Username(), Message: m.Message})
}

func (s *Server) handleGameChat(session *ClientSession, msg kwire.Message) {
	m, ok := msg.(*kwire.GameChatRequest)
	if !ok {
		return
	}
	u := s.userFor(session)
	if u == nil || !u.LoggedIn() {
		return
	}
	u.touch(s.clock())

	g := u.Game()
	if g == nil {
		return
	}
	if s.accessMgr.IsSilenced(s.sessionIP(session)) {
		s.sendInfo(u, "You are silenced and cannot chat")
		return
	}
	if strings.HasPrefix(m.Message, "/") {
		s.handleRoomCommand(u, g, m.Message)
		return
	}
	s.broadcastRoom(g, &kwire.GameChat{Username: u.Username(), Message: m.Message})
}

func (s *Server) handleKeepAlive(session *ClientSession, msg kwire.Message) {
	// Liveness bookkeeping already happened in OnMessage.
}

// --- Rooms ---

func (s *Server) gameStatusMsg(g *game.Game) *kwire.GameStatus {
	return &kwire.GameStatus{
		GameId:     g.Id,
		Status:     uint8(g.Status()),
		NumPlayers: uint8(g.NumPlayers()),
		MaxPlayers: defaultRoomPlayers,
	}
}

func (s *Server) handleCreateGame(session *ClientSession, msg kwire.Message) {
	m, ok := msg.(*kwire.CreateGameRequest)
	if !ok {
		return
	}
	u := s.userFor(session)
	if u == nil || !u.LoggedIn() {
		return
	}
	u.touch(s.clock())

	if u.Game() != nil {
		s.sendInfo(u, "You are already in a game")
		return
	}

	s.mut_state.Lock()
	if len(s.games) >= s.cfg.MaxGames {
		s.mut_state.Unlock()
		s.sendInfo(u, "The server game limit has been reached")
		return
	}
	s.nextGameId++
	gameId := s.nextGameId
	settings := game.Settings{
		MaxPlayers:          defaultRoomPlayers,
		GameBufferSize:      s.cfg.GameBufferSize,
		GameTimeout:         s.cfg.GameTimeout,
		DesynchTimeouts:     s.cfg.DesynchTimeouts,
		AllowSinglePlayer:   s.cfg.AllowSinglePlayer,
		AutofireSensitivity: s.cfg.AutofireSensitivity,
	}
	g := game.NewGame(gameId, m.RomName, u.Player(), settings, s, s.log)
	s.games[gameId] = g
	s.mut_state.Unlock()
	u.setGame(g)

	s.log.Info("Game created",
		zap.Uint32("gameId", gameId),
		zap.String("rom", m.RomName),
		zap.String("owner", u.Username()))

	s.broadcastAll(&kwire.CreateGame{
		Username: u.Username(),
		RomName:  m.RomName,
		Emulator: u.Player().Emulator,
		GameId:   uint16(gameId),
	})
	u.Queue(&kwire.JoinGame{
		GameId:         gameId,
		Username:       u.Username(),
		Ping:           u.PingMs(),
		UserId:         u.Id,
		ConnectionType: u.Player().ConnectionType,
	})
	u.Queue(&kwire.PlayerInformation{})
	s.broadcastAll(s.gameStatusMsg(g))
}

func (s *Server) handleJoinGame(session *ClientSession, msg kwire.Message) {
	m, ok := msg.(*kwire.JoinGameRequest)
	if !ok {
		return
	}
	u := s.userFor(session)
	if u == nil || !u.LoggedIn() {
		return
	}
	u.touch(s.clock())

	if u.Game() != nil {
		s.sendInfo(u, "You are already in a game")
		return
	}

	s.mut_state.RLock()
	g := s.games[m.GameId]
	s.mut_state.RUnlock()
	if g == nil {
		s.sendInfo(u, "That game no longer exists")
		return
	}

	if joinErr := g.Join(u.Player()); joinErr != nil {
		s.sendInfo(u, joinErr.Error())
		return
	}
	u.setGame(g)

	roster := &kwire.PlayerInformation{}
	for _, p := range g.Players() {
		if p.UserId == u.Id {
			continue
		}
		roster.Players = append(roster.Players, kwire.PlayerInfo{
			Username:       p.Username,
			Ping:           p.PingMs,
			UserId:         p.UserId,
			ConnectionType: p.ConnectionType,
		})
	}
	u.Queue(roster)

	s.broadcastRoom(g, &kwire.JoinGame{
		GameId:         g.Id,
		Username:       u.Username(),
		Ping:           u.PingMs(),
		UserId:         u.Id,
		ConnectionType: u.Player().ConnectionType,
	})
	s.broadcastAll(s.gameStatusMsg(g))

	if g.ShouldAutoStart() {
		s.startGame(g, g.Owner())
	}
}

func (s *Server) handleStartGame(session *ClientSession, msg kwire.Message) {
	if _, ok := msg.(*kwire.StartGameRequest); !ok {
		return
	}
	u := s.userFor(session)
	if u == nil || !u.LoggedIn() {
		return
	}
	u.touch(s.clock())

	g := u.Game()
	if g == nil {
		s.sendInfo(u, "You are not in a game")
		return
	}
	if startErr := s.startGame(g, u.Player()); startErr != nil {
		s.sendInfo(u, startErr.Error())
	}
}

func (s *Server) startGame(g *game.Game, requester *game.Player) error {
	if startErr := g.Start(requester); startErr != nil {
		return startErr
	}

	players := g.Players()
	names := make([]string, 0, len(players))
	for _, p := range players {
		names = append(names, p.Username)
		member := s.userById(p.UserId)
		if member == nil {
			continue
		}
		member.setStatus(UserStatusPlaying)
		member.Queue(&kwire.StartGame{
			Val1:         uint16(g.PlayerDelay(p.Number)),
			PlayerNumber: uint8(p.Number),
			NumPlayers:   uint8(len(players)),
		})
	}
	if s.recorder != nil {
		s.recorder.StartGame(g.Id, g.RomName, names)
	}
	s.broadcastAll(s.gameStatusMsg(g))
	return nil
}

func (s *Server) handleAllReady(session *ClientSession, msg kwire.Message) {
	if _, ok := msg.(*kwire.AllReady); !ok {
		return
	}
	u := s.userFor(session)
	if u == nil || u.Game() == nil {
		return
	}
	g := u.Game()

	all, readyErr := g.Ready(u.Player())
	if readyErr != nil {
		s.sendInfo(u, readyErr.Error())
		return
	}
	if all {
		s.broadcastRoom(g, &kwire.AllReady{})
		s.broadcastAll(s.gameStatusMsg(g))
	}
}

func (s *Server) handleGameData(session *ClientSession, msg kwire.Message) {
	m, ok := msg.(*kwire.GameData)
	if !ok {
		return
	}
	u := s.userFor(session)
	if u == nil {
		return
	}
	u.recvCache.Put(m.Data)
	s.relayGameData(u, m.Data)
}

func (s *Server) handleCachedGameData(session *ClientSession, msg kwire.Message) {
	m, ok := msg.(*kwire.CachedGameData)
	if !ok {
		return
	}
	u := s.userFor(session)
	if u == nil {
		return
	}
	data, hit := u.recvCache.Get(m.Key)
	if !hit {
		s.metrics.CountParseFailure()
		s.log.Warn("Game data cache miss",
			zap.Uint16("userId", u.Id),
			zap.Uint8("key", m.Key))
		return
	}
	s.relayGameData(u, data)
}

// relayGameData pushes one input block through the room's merge and sends
// the combined frame back, substituting a one-byte cache key whenever the
// frame repeats an earlier one.
func (s *Server) relayGameData(u *User, data []byte) {
	g := u.Game()
	if g == nil {
		return
	}
	u.touch(s.clock())

	if len(data) > s.cfg.GameBufferSize {
		s.metrics.CountParseFailure()
		s.log.Warn("Dropping oversized game data",
			zap.Uint16("userId", u.Id),
			zap.Int("bytes", len(data)))
		return
	}

	player := u.Player()
	if s.recorder != nil {
		s.recorder.RecordFrame(g.Id, player.Number, data)
	}

	frame, mergeErr := g.AddActions(player, data)
	if mergeErr != nil {
		s.log.Debug("Rejected game data", zap.Uint16("userId", u.Id), zap.Error(mergeErr))
		return
	}
	if frame == nil {
		return
	}

	if key, hit := u.sendCache.Find(frame); hit {
		u.Queue(&kwire.CachedGameData{Key: key})
		return
	}
	u.sendCache.Put(frame)
	u.Queue(&kwire.GameData{Data: frame})
}

func (s *Server) handlePlayerDrop(session *ClientSession, msg kwire.Message) {
	if _, ok := msg.(*kwire.PlayerDropRequest); !ok {
		return
	}
	u := s.userFor(session)
	if u == nil || u.Game() == nil {
		return
	}
	g := u.Game()
	player := u.Player()

	if dropErr := g.Drop(player); dropErr != nil {
		return
	}
	u.setStatus(UserStatusIdle)
	s.broadcastRoom(g, &kwire.PlayerDrop{
		Username:     player.Username,
		PlayerNumber: uint8(player.Number),
	})
	s.broadcastAll(s.gameStatusMsg(g))
}

func (s *Server) handleQuitGame(session *ClientSession, msg kwire.Message) {
	if _, ok := msg.(*kwire.QuitGameRequest); !ok {
		return
	}
	u := s.userFor(session)
	if u == nil {
		return
	}
	s.leaveGame(u)
}

// leaveGame handles both voluntary room exits and the room side of a full
// disconnect.
func (s *Server) leaveGame(u *User) {
	g := u.Game()
	if g == nil {
		return
	}

	closed, quitErr := g.Quit(u.Player())
	if quitErr != nil {
		s.log.Warn("Room quit failed", zap.Uint16("userId", u.Id), zap.Error(quitErr))
	}
	u.setGame(nil)
	u.setStatus(UserStatusIdle)
	s.broadcastAll(&kwire.QuitGame{Username: u.Username(), UserId: u.Id})

	if closed {
		s.closeGame(g)
		return
	}
	s.broadcastAll(s.gameStatusMsg(g))
}

func (s *Server) closeGame(g *game.Game) {
	s.mut_state.Lock()
	delete(s.games, g.Id)
	s.mut_state.Unlock()

	for _, member := range s.roomUsers(g) {
		member.setGame(nil)
		member.setStatus(UserStatusIdle)
	}
	g.Close()
	if s.recorder != nil {
		s.recorder.EndGame(g.Id)
	}
	s.broadcastAll(&kwire.CloseGame{GameId: g.Id})
	s.log.Info("Game closed", zap.Uint32("gameId", g.Id))
}

func (s *Server) handleGameKick(session *ClientSession, msg kwire.Message) {
	m, ok := msg.(*kwire.GameKick)
	if !ok {
		return
	}
	u := s.userFor(session)
	if u == nil || u.Game() == nil {
		return
	}
	g := u.Game()

	target, kickErr := g.Kick(u.Player(), m.UserId)
	if kickErr != nil {
		s.sendInfo(u, kickErr.Error())
		return
	}

	targetUser := s.userById(target.UserId)
	if targetUser != nil {
		targetUser.setGame(nil)
		targetUser.setStatus(UserStatusIdle)
		s.sendInfo(targetUser, fmt.Sprintf("You were kicked from %s", g.RomName))
	}
	s.broadcastAll(&kwire.QuitGame{Username: target.Username, UserId: target.UserId})
	s.broadcastAll(s.gameStatusMsg(g))
}

// --- game.Listener ---
//
// These callbacks arrive with the game's internal lock held, so they must
// not call back into game.Game methods. Everything they emit goes through
// the per-user outbound queues and never blocks on a socket write.

func (s *Server) OnPlayerLagging(g *game.Game, p *game.Player, timeoutCount int) {
	s.broadcastRoom(g, &kwire.GameChat{
		Username: serverChatName,
		Message:  fmt.Sprintf("%s is lagging behind (%d timeouts)", p.Username, timeoutCount),
	})
}

func (s *Server) OnPlayerDesynched(g *game.Game, p *game.Player, reason string) {
	if u := s.userById(p.UserId); u != nil {
		u.setStatus(UserStatusIdle)
	}
	s.broadcastRoom(g, &kwire.GameChat{
		Username: serverChatName,
		Message:  fmt.Sprintf("%s desynchronized: %s", p.Username, reason),
	})
	s.broadcastRoom(g, &kwire.PlayerDrop{
		Username:     p.Username,
		PlayerNumber: uint8(p.Number),
	})
}

func (s *Server) OnGameDesynched(g *game.Game, reason string) {
	s.metrics.CountDesync()

	room := s.roomUsers(g)
	for _, u := range room {
		u.setStatus(UserStatusIdle)
	}
	s.broadcastRoom(g, &kwire.GameChat{
		Username: serverChatName,
		Message:  fmt.Sprintf("The game has desynchronized: %s", reason),
	})
	s.broadcastAll(&kwire.GameStatus{
		GameId:     g.Id,
		Status:     uint8(game.StatusWaiting),
		NumPlayers: uint8(len(room)),
		MaxPlayers: defaultRoomPlayers,
	})
}

func (s *Server) OnAutofireDetected(g *game.Game, p *game.Player) {
	s.broadcastRoom(g, &kwire.GameChat{
		Username: serverChatName,
		Message:  fmt.Sprintf("%s appears to be using autofire", p.Username),
	})
}

// --- Sweeper ---

func (s *Server) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.KeepAliveTimeout / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Server) sweepOnce() {
	now := s.clock()

	for _, userId := range s.store.GetTimeoutUserList(now.Add(-s.cfg.KeepAliveTimeout).Unix()) {
		if u := s.userById(userId); u != nil {
			s.log.Info("Dropping silent user", zap.Uint16("userId", userId))
			s.removeUser(u, "Keepalive timeout")
		}
	}
	for _, userId := range s.store.GetAuthTimeoutUserList(now.Add(-loginTimeout).Unix()) {
		if u := s.userById(userId); u != nil {
			s.log.Info("Dropping user that never finished login", zap.Uint16("userId", userId))
			s.removeUser(u, "Login timeout")
		}
	}

	idleDeadline := now.Add(-s.cfg.IdleTimeout)
	for _, u := range s.loggedInUsers() {
		if u.lastActionTime().Before(idleDeadline) {
			s.sendInfo(u, "You were dropped for inactivity")
			s.removeUser(u, "Idle timeout")
		}
	}

	s.mut_state.Lock()
	var stale []*ClientSession
	for session, created := range s.pendingSessions {
		if now.Sub(created) > loginTimeout {
			stale = append(stale, session)
			delete(s.pendingSessions, session)
		}
	}
	s.mut_state.Unlock()
	for _, session := range stale {
		session.Stop()
	}

	if sweeper, ok := s.accessMgr.(interface{ Sweep() }); ok {
		sweeper.Sweep()
	}
}
