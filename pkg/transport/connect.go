package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openretro/kaillerad/internal/metrics"
	"github.com/openretro/kaillerad/pkg/access"
)

const (
	// protocolVersion is the only client protocol revision v.086 servers
	// speak.
	protocolVersion = "0.83"

	helloPrefix     = "HELLO"
	helloReplyStem  = "HELLOD00D"
	replyWrongVer   = "VER"
	replyServerFull = "TOO"
	pingRequest     = "PING"
	pingReply       = "PONG"

	connectReadBufferSize = 128
)

// SessionOpener allocates a dedicated relay port for a client that passed
// the handshake.
type SessionOpener interface {
	OpenSession(clientIP net.IP) (int, error)
}

type ConnectServerParams struct {
	Logger  *zap.Logger
	Metrics metrics.Sink
	Access  access.Manager
	Opener  SessionOpener

	ListenAddress string
	ListenPort    int
}

// ConnectServer answers the well-known Kaillera port: version handshakes,
// port assignments, and latency pings. All real traffic happens on the
// per-client ports it hands out.
type ConnectServer struct {
	log       *zap.Logger
	metrics   metrics.Sink
	accessMgr access.Manager
	opener    SessionOpener
	conn      *net.UDPConn

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

func CreateConnectServer(params ConnectServerParams) (*ConnectServer, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := params.Metrics
	if sink == nil {
		sink = metrics.Nop{}
	}

	var ip net.IP
	if params.ListenAddress != "" {
		ip = net.ParseIP(params.ListenAddress)
	}
	conn, bindErr := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: params.ListenPort})
	if bindErr != nil {
		return nil, fmt.Errorf("could not bind connect port %d: %w", params.ListenPort, bindErr)
	}

	return &ConnectServer{
		log:       logger.With(zap.String("component", "connect"), zap.Int("port", params.ListenPort)),
		metrics:   sink,
		accessMgr: params.Access,
		opener:    params.Opener,
		conn:      conn,
		stopped:   make(chan struct{}),
	}, nil
}

// Start serves handshakes until the context is cancelled or Stop is called.
func (s *ConnectServer) Start(ctx context.Context) {
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
	s.log.Info("Connect server listening")
}

func (s *ConnectServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.conn.Close()
	})
}

func (s *ConnectServer) Wait() {
	s.wg.Wait()
}

func (s *ConnectServer) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, connectReadBufferSize)
	for {
		n, addr, readErr := s.conn.ReadFromUDP(buf)
		if readErr != nil {
			select {
			case <-s.stopped:
			default:
				s.log.Error("Connect port read failed", zap.Error(readErr))
				s.Stop()
			}
			return
		}
		s.metrics.CountDatagramIn(n)
		s.handleRequest(bytes.TrimRight(buf[:n], "\x00"), addr)
	}
}

func (s *ConnectServer) handleRequest(request []byte, addr *net.UDPAddr) {
	start := time.Now()
	switch {
	case string(request) == pingRequest:
		s.reply(pingReply, addr)

	case bytes.HasPrefix(request, []byte(helloPrefix)):
		version := string(request[len(helloPrefix):])
		if version != protocolVersion {
			s.log.Info("Rejecting unsupported protocol version",
				zap.String("version", version),
				zap.String("from", addr.String()))
			s.reply(replyWrongVer, addr)
			return
		}
		if !s.accessMgr.IsAddressAllowed(addr.IP) {
			// Banned addresses get silence, same as a dead server.
			s.log.Info("Ignoring handshake from banned address", zap.String("from", addr.String()))
			return
		}

		port, openErr := s.opener.OpenSession(addr.IP)
		if openErr != nil {
			s.log.Warn("Could not open a session, turning client away",
				zap.String("from", addr.String()),
				zap.Error(openErr))
			s.reply(replyServerFull, addr)
			return
		}
		s.log.Info("Assigned session port",
			zap.String("from", addr.String()),
			zap.Int("sessionPort", port))
		s.reply(fmt.Sprintf("%s%d", helloReplyStem, port), addr)

	default:
		s.log.Debug("Ignoring unrecognized connect request", zap.String("from", addr.String()))
	}
	s.metrics.ObserveRequestTime(time.Since(start))
}

func (s *ConnectServer) reply(text string, addr *net.UDPAddr) {
	payload := append([]byte(text), 0)
	n, writeErr := s.conn.WriteToUDP(payload, addr)
	if writeErr != nil {
		s.log.Warn("Connect reply failed", zap.String("to", addr.String()), zap.Error(writeErr))
		return
	}
	s.metrics.CountDatagramOut(n)
}
