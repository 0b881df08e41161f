package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openretro/kaillerad/internal/metrics"
	"github.com/openretro/kaillerad/internal/portpool"
	"github.com/openretro/kaillerad/pkg/kwire"
)

type SessionState int

const (
	SessionUnbound SessionState = iota
	SessionBound
	SessionRunning
	SessionStopped
)

type SessionClosedError struct{}

func (e *SessionClosedError) Error() string {
	return "Session is closed"
}

type NoRemoteAddressError struct{}

func (e *NoRemoteAddressError) Error() string {
	return "No datagram received yet, remote address unknown"
}

// SessionEvents is the upward interface from a session to its server. All
// callbacks run on the session's read goroutine.
type SessionEvents interface {
	OnMessage(session *ClientSession, msg kwire.Message)
	OnDroppedPackets(session *ClientSession, count int)
	OnClosed(session *ClientSession)
}

type ClientSessionParams struct {
	Logger  *zap.Logger
	Framer  *kwire.Framer
	Metrics metrics.Sink
	Ports   *portpool.Pool
	Events  SessionEvents

	// ExpectedIP is the address that initiated the handshake; datagrams
	// from anyone else on this port are ignored.
	ExpectedIP net.IP

	// MaxPing bounds how often history resends go out.
	MaxPing time.Duration

	BindIP       net.IP
	BindAttempts int

	// Clock is test-injectable; nil means time.Now.
	Clock func() time.Time
}

// ClientSession owns one pooled UDP port speaking to one client. Outbound
// frames get their sequence numbers here, and every datagram written
// carries recent history so the peer can recover from loss without a
// negotiation round trip.
type ClientSession struct {
	log        *zap.Logger
	framer     *kwire.Framer
	metrics    metrics.Sink
	ports      *portpool.Pool
	events     SessionEvents
	expectedIP net.IP
	maxPing    time.Duration
	clock      func() time.Time

	port int
	conn *net.UDPConn

	mut_state sync.Mutex
	state     SessionState
	remote    *net.UDPAddr

	mut_send   sync.Mutex
	history    LastMessageBuffer
	scratch    []kwire.Framed
	nextOut    uint16
	retryCount int
	lastResend time.Time

	// lastIn is only touched on the read goroutine. It starts one before
	// zero so the client's first message parses as the next in sequence.
	lastIn uint16

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// CreateClientSession acquires a port from the pool and binds it. A port
// the kernel refuses is burned rather than returned mid-loop, so retries
// never spin on the same dead port.
func CreateClientSession(params ClientSessionParams) (*ClientSession, error) {
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
	attempts := params.BindAttempts
	if attempts < 1 {
		attempts = 3
	}

	var conn *net.UDPConn
	var port int
	var burned []int
	var lastErr error
	for i := 0; i < attempts; i++ {
		p, acquireErr := params.Ports.Acquire()
		if acquireErr != nil {
			lastErr = acquireErr
			break
		}

		c, bindErr := net.ListenUDP("udp", &net.UDPAddr{IP: params.BindIP, Port: p})
		if bindErr == nil {
			conn, port = c, p
			break
		}
		lastErr = bindErr
		burned = append(burned, p)
		logger.Warn("Failed to bind pooled port, retrying on another", zap.Int("port", p), zap.Error(bindErr))
	}
	for _, p := range burned {
		params.Ports.Release(p)
	}
	if conn == nil {
		return nil, fmt.Errorf("could not bind a session port: %w", lastErr)
	}

	return &ClientSession{
		log:        logger.With(zap.Int("port", port)),
		framer:     params.Framer,
		metrics:    sink,
		ports:      params.Ports,
		events:     params.Events,
		expectedIP: params.ExpectedIP,
		maxPing:    params.MaxPing,
		clock:      clock,
		port:       port,
		conn:       conn,
		state:      SessionBound,
		lastIn:     0xFFFF,
		stopped:    make(chan struct{}),
	}, nil
}

func (s *ClientSession) Port() int {
	return s.port
}

func (s *ClientSession) State() SessionState {
	s.mut_state.Lock()
	defer s.mut_state.Unlock()
	return s.state
}

// RemoteAddr returns the peer address, or nil before the first datagram.
func (s *ClientSession) RemoteAddr() *net.UDPAddr {
	s.mut_state.Lock()
	defer s.mut_state.Unlock()
	return s.remote
}

// Start spawns the read loop. The context cancels the session the same way
// Stop does.
func (s *ClientSession) Start(ctx context.Context) error {
	s.mut_state.Lock()
	if s.state != SessionBound {
		s.mut_state.Unlock()
		return &SessionClosedError{}
	}
	s.state = SessionRunning
	s.mut_state.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stopped:
		}
	}()
	go s.readLoop()
	return nil
}

// Stop closes the socket, which unblocks the read loop; the pooled port is
// released once the loop has drained.
func (s *ClientSession) Stop() {
	s.stopOnce.Do(func() {
		s.mut_state.Lock()
		wasRunning := s.state == SessionRunning
		s.state = SessionStopped
		s.mut_state.Unlock()

		close(s.stopped)
		s.conn.Close()
		if !wasRunning {
			s.ports.Release(s.port)
		}
	})
}

func (s *ClientSession) readLoop() {
	defer s.wg.Done()
	defer s.ports.Release(s.port)

	buf := make([]byte, kwire.MaxBundleBytes)
	for {
		n, addr, readErr := s.conn.ReadFromUDP(buf)
		if readErr != nil {
			select {
			case <-s.stopped:
			default:
				s.log.Warn("Session socket read failed", zap.Error(readErr))
				s.Stop()
			}
			s.events.OnClosed(s)
			return
		}
		s.metrics.CountDatagramIn(n)

		if !s.adoptRemote(addr) {
			s.log.Warn("Ignoring datagram from unexpected sender", zap.String("from", addr.String()))
			continue
		}
		s.handleDatagram(buf[:n])
	}
}

// adoptRemote pins the peer to the first sender from the expected address.
// The client's source port is not knowable until it speaks.
func (s *ClientSession) adoptRemote(addr *net.UDPAddr) bool {
	s.mut_state.Lock()
	defer s.mut_state.Unlock()

	if s.remote == nil {
		if s.expectedIP != nil && !addr.IP.Equal(s.expectedIP) {
			return false
		}
		s.remote = addr
		return true
	}
	return addr.IP.Equal(s.remote.IP) && addr.Port == s.remote.Port
}

func (s *ClientSession) handleDatagram(payload []byte) {
	start := s.clock()
	frames, decodeErr := s.framer.DecodeBundle(payload, s.lastIn)
	if decodeErr != nil {
		s.metrics.CountParseFailure()
		s.log.Warn("Dropping undecodable datagram", zap.Error(decodeErr))
		return
	}

	if len(frames) == 0 {
		// Everything in the bundle was already seen: the peer has not
		// heard our latest, so replay history for it.
		s.maybeResend()
		return
	}

	gap := 0
	if !kwire.FollowsInSequence(s.lastIn, frames[0].Number) {
		gap = int(frames[0].Number - s.lastIn - 1)
	}
	s.lastIn = frames[len(frames)-1].Number

	s.mut_send.Lock()
	s.retryCount = 0
	s.mut_send.Unlock()

	if gap > 0 {
		s.metrics.CountDroppedPacket()
		s.events.OnDroppedPackets(s, gap)
	}
	for _, f := range frames {
		s.events.OnMessage(s, f.Message)
	}
	s.metrics.ObserveRequestTime(s.clock().Sub(start))
}

// Send numbers the message, records it in history, and writes a bundle
// carrying it plus the last few messages before it, so a single lost
// datagram is masked by the next send.
func (s *ClientSession) Send(msg kwire.Message) error {
	if s.State() == SessionStopped {
		return &SessionClosedError{}
	}

	s.mut_send.Lock()
	defer s.mut_send.Unlock()

	s.history.Add(kwire.Framed{Number: s.nextOut, Message: msg})
	s.nextOut = kwire.NextMessageNumber(s.nextOut)

	count := sendWindow
	if count > s.history.Size() {
		count = s.history.Size()
	}
	return s.transmitLocked(count)
}

// maybeResend replays history after a stale inbound bundle, widening the
// replay window with each retry and never faster than one max-ping
// interval.
func (s *ClientSession) maybeResend() {
	s.mut_send.Lock()
	defer s.mut_send.Unlock()

	if s.history.Size() == 0 {
		return
	}
	now := s.clock()
	if now.Sub(s.lastResend) < s.maxPing {
		return
	}
	s.lastResend = now
	s.retryCount++

	count := 3 * s.retryCount
	if count > historyCapacity {
		count = historyCapacity
	}
	if transmitErr := s.transmitLocked(count); transmitErr != nil {
		s.log.Warn("History resend failed", zap.Error(transmitErr))
		return
	}
	s.metrics.CountResend()
}

func (s *ClientSession) transmitLocked(count int) error {
	s.mut_state.Lock()
	remote := s.remote
	s.mut_state.Unlock()
	if remote == nil {
		return &NoRemoteAddressError{}
	}

	s.scratch = s.history.Recent(s.scratch[:0], count)
	payload, encodeErr := s.framer.EncodeBundle(s.scratch, count)
	if encodeErr != nil {
		return encodeErr
	}

	n, writeErr := s.conn.WriteToUDP(payload, remote)
	if writeErr != nil {
		return writeErr
	}
	s.metrics.CountDatagramOut(n)
	return nil
}
