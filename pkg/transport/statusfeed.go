package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openretro/kaillerad/internal/metrics"
	"github.com/openretro/kaillerad/pkg/relay"
)

// StatusSource produces the roster published on the feed.
type StatusSource interface {
	Snapshot() relay.Snapshot
}

type StatusFeedParams struct {
	Logger   *zap.Logger
	Source   StatusSource
	Counters *metrics.Counters

	ListenAddress string
	// PushInterval is how often connected sockets get a fresh snapshot.
	PushInterval time.Duration
}

// statusPayload is one feed document: the roster plus transport counters.
type statusPayload struct {
	Server  relay.Snapshot    `json:"server"`
	Metrics *metrics.Snapshot `json:"metrics,omitempty"`
}

// StatusFeed publishes server status over WebSocket for dashboards, plus a
// plain JSON endpoint for one-shot scrapes. It is read-only and carries no
// game traffic.
type StatusFeed struct {
	log      *zap.Logger
	source   StatusSource
	counters *metrics.Counters
	interval time.Duration
	server   *http.Server
	upgrader websocket.Upgrader

	mut_clients sync.Mutex
	clients     map[*websocket.Conn]bool

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

func CreateStatusFeed(params StatusFeedParams) *StatusFeed {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := params.PushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	feed := &StatusFeed{
		log:      logger.With(zap.String("component", "statusfeed")),
		source:   params.Source,
		counters: params.Counters,
		interval: interval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
		stopped: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", feed.handleSocket)
	mux.HandleFunc("/status.json", feed.handleJson)
	feed.server = &http.Server{
		Addr:    params.ListenAddress,
		Handler: mux,
	}
	return feed
}

func (f *StatusFeed) Start(ctx context.Context) {
	f.wg.Add(3)
	go func() {
		defer f.wg.Done()
		select {
		case <-ctx.Done():
			f.shutdown()
		case <-f.stopped:
		}
	}()
	go func() {
		defer f.wg.Done()
		if serveErr := f.server.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			f.log.Error("Status feed server failed", zap.Error(serveErr))
		}
	}()
	go f.pushLoop()
	f.log.Info("Status feed listening", zap.String("address", f.server.Addr))
}

// shutdown is safe to call from the watcher goroutine; Stop additionally
// waits for every goroutine to drain.
func (f *StatusFeed) shutdown() {
	f.stopOnce.Do(func() {
		close(f.stopped)

		shutdownCtx, release := context.WithTimeout(context.Background(), 2*time.Second)
		defer release()
		f.server.Shutdown(shutdownCtx)

		f.mut_clients.Lock()
		for conn := range f.clients {
			conn.Close()
		}
		f.clients = make(map[*websocket.Conn]bool)
		f.mut_clients.Unlock()
	})
}

func (f *StatusFeed) Stop() {
	f.shutdown()
	f.wg.Wait()
}

func (f *StatusFeed) payload() statusPayload {
	p := statusPayload{Server: f.source.Snapshot()}
	if f.counters != nil {
		snap := f.counters.Snapshot()
		p.Metrics = &snap
	}
	return p
}

func (f *StatusFeed) handleJson(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if encodeErr := json.NewEncoder(w).Encode(f.payload()); encodeErr != nil {
		f.log.Warn("Failed to write status document", zap.Error(encodeErr))
	}
}

func (f *StatusFeed) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, upgradeErr := f.upgrader.Upgrade(w, r, nil)
	if upgradeErr != nil {
		f.log.Warn("WebSocket upgrade failed", zap.Error(upgradeErr))
		return
	}

	// Immediate first push so dashboards render without waiting a tick.
	// It happens before registration; once the conn is in f.clients the
	// push loop owns all writes to it, and gorilla conns tolerate only one
	// writer at a time.
	if writeErr := conn.WriteJSON(f.payload()); writeErr != nil {
		conn.Close()
		return
	}

	f.mut_clients.Lock()
	f.clients[conn] = true
	f.mut_clients.Unlock()
	f.log.Info("Status feed client connected", zap.String("from", conn.RemoteAddr().String()))

	select {
	case <-f.stopped:
		f.dropClient(conn)
		return
	default:
	}

	// Inbound frames are discarded; the read loop only notices closes.
	go func() {
		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				f.dropClient(conn)
				return
			}
		}
	}()
}

func (f *StatusFeed) dropClient(conn *websocket.Conn) {
	f.mut_clients.Lock()
	delete(f.clients, conn)
	f.mut_clients.Unlock()
	conn.Close()
}

func (f *StatusFeed) pushLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopped:
			return
		case <-ticker.C:
		}

		f.mut_clients.Lock()
		conns := make([]*websocket.Conn, 0, len(f.clients))
		for conn := range f.clients {
			conns = append(conns, conn)
		}
		f.mut_clients.Unlock()
		if len(conns) == 0 {
			continue
		}

		p := f.payload()
		for _, conn := range conns {
			if writeErr := conn.WriteJSON(p); writeErr != nil {
				f.dropClient(conn)
			}
		}
	}
}
