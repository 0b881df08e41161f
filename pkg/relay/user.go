package relay

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openretro/kaillerad/pkg/game"
	"github.com/openretro/kaillerad/pkg/kwire"
)

// Wire values for the user status column of ServerStatus.
const (
	UserStatusPlaying    uint8 = 0
	UserStatusIdle       uint8 = 1
	UserStatusConnecting uint8 = 2
)

type loginPhase int

const (
	// phasePinging covers the ServerAck/ClientAck exchange that measures
	// the client's ping before the roster is sent.
	phasePinging loginPhase = iota
	phaseLoggedIn
)

// pingSampleCount is how many ack round trips feed the login ping estimate.
const pingSampleCount = 3

// outboundCapacity bounds the per-user event queue. A client too slow to
// drain this many pending messages loses the overflow rather than stalling
// whichever goroutine produced it.
const outboundCapacity = 128

// User is one connected client from login to quit.
type User struct {
	Id      uint16
	session *ClientSession

	// outbound feeds the sender task; a nil message is the stop sentinel.
	outbound chan kwire.Message
	sendOnce sync.Once
	sendDone chan struct{}

	// The data caches are only ever touched on the session's read
	// goroutine, so they carry no lock.
	sendCache GameDataCache
	recvCache GameDataCache

	mut_state      sync.Mutex
	phase          loginPhase
	username       string
	emulator       string
	connectionType uint8
	accessLevel    int
	stealth        bool
	status         uint8
	ping           time.Duration
	pingSentAt     time.Time
	pingSamples    []time.Duration
	player         *game.Player
	game           *game.Game
	lastAction     time.Time
}

// startSender spawns the task that drains this user's outbound queue onto
// the session. Producers never touch the socket directly, so a slow write
// can only ever stall this one user.
func (u *User) startSender(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u.outbound = make(chan kwire.Message, outboundCapacity)
	u.sendDone = make(chan struct{})

	go func() {
		defer close(u.sendDone)
		for msg := range u.outbound {
			if msg == nil {
				return
			}
			if sendErr := u.session.Send(msg); sendErr != nil {
				logger.Debug("Outbound send failed", zap.Uint16("userId", u.Id), zap.Error(sendErr))
			}
		}
	}()
}

// Queue hands one message to the sender task without ever blocking the
// caller.
func (u *User) Queue(msg kwire.Message) {
	if msg == nil {
		return
	}
	select {
	case u.outbound <- msg:
	default:
	}
}

// stopSender enqueues the sentinel and waits for the sender to finish
// draining everything queued before it.
func (u *User) stopSender() {
	u.sendOnce.Do(func() { u.outbound <- nil })
	<-u.sendDone
}

// touch records real user activity; keepalives deliberately do not count,
// so the idle sweep can still fire on a client that only pings.
func (u *User) touch(now time.Time) {
	u.mut_state.Lock()
	defer u.mut_state.Unlock()
	u.lastAction = now
}

func (u *User) lastActionTime() time.Time {
	u.mut_state.Lock()
	defer u.mut_state.Unlock()
	return u.lastAction
}

func (u *User) Username() string {
	u.mut_state.Lock()
	defer u.mut_state.Unlock()
	return u.username
}

func (u *User) Ping() time.Duration {
	u.mut_state.Lock()
	defer u.mut_state.Unlock()
	return u.ping
}

// PingMs is the login ping in the millisecond unit that goes on the wire.
func (u *User) PingMs() uint32 {
	return uint32(u.Ping().Milliseconds())
}

func (u *User) Status() uint8 {
	u.mut_state.Lock()
	defer u.mut_state.Unlock()
	return u.status
}

func (u *User) setStatus(status uint8) {
	u.mut_state.Lock()
	defer u.mut_state.Unlock()
	u.status = status
}

func (u *User) AccessLevel() int {
	u.mut_state.Lock()
	defer u.mut_state.Unlock()
	return u.accessLevel
}

func (u *User) LoggedIn() bool {
	u.mut_state.Lock()
	defer u.mut_state.Unlock()
	return u.phase == phaseLoggedIn
}

func (u *User) Game() *game.Game {
	u.mut_state.Lock()
	defer u.mut_state.Unlock()
	return u.game
}

func (u *User) setGame(g *game.Game) {
	u.mut_state.Lock()
	defer u.mut_state.Unlock()
	u.game = g
}

func (u *User) Player() *game.Player {
	u.mut_state.Lock()
	defer u.mut_state.Unlock()
	return u.player
}

// recordPingSample folds in one ack round trip and reports whether enough
// samples have been taken to finish the measurement.
func (u *User) recordPingSample(now time.Time) bool {
	u.mut_state.Lock()
	defer u.mut_state.Unlock()

	if !u.pingSentAt.IsZero() {
		u.pingSamples = append(u.pingSamples, now.Sub(u.pingSentAt))
	}
	return len(u.pingSamples) >= pingSampleCount
}

func (u *User) markPingSent(now time.Time) {
	u.mut_state.Lock()
	defer u.mut_state.Unlock()
	u.pingSentAt = now
}

// averagePing collapses the collected samples into the final login ping.
func (u *User) averagePing() time.Duration {
	u.mut_state.Lock()
	defer u.mut_state.Unlock()

	if len(u.pingSamples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range u.pingSamples {
		total += s
	}
	return total / time.Duration(len(u.pingSamples))
}
