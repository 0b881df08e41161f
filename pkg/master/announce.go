package master

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openretro/kaillerad/pkg/relay"
)

// ServerSource provides the live counts reported to master lists.
type ServerSource interface {
	Snapshot() relay.Snapshot
}

type AnnouncerParams struct {
	Logger *zap.Logger
	Source ServerSource

	// MasterURLs are the list endpoints that receive announcements. Each
	// gets the server identity and live counts as query parameters.
	MasterURLs []string

	ServerName     string
	ServerLocation string
	ConnectAddress string
	ConnectPort    int

	Interval       time.Duration
	RequestTimeout time.Duration
}

// Announcer periodically reports this server to public master lists so it
// shows up in client server browsers. Failures are logged and retried on
// the next tick, a master list outage never affects the relay itself.
type Announcer struct {
	log    *zap.Logger
	source ServerSource
	client *http.Client

	urls     []string
	name     string
	location string
	address  string
	port     int
	interval time.Duration

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

func CreateAnnouncer(params AnnouncerParams) *Announcer {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := params.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	timeout := params.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Announcer{
		log:      logger.With(zap.String("component", "announcer")),
		source:   params.Source,
		client:   &http.Client{Timeout: timeout},
		urls:     params.MasterURLs,
		name:     params.ServerName,
		location: params.ServerLocation,
		address:  params.ConnectAddress,
		port:     params.ConnectPort,
		interval: interval,
		stopped:  make(chan struct{}),
	}
}

func (a *Announcer) Start(ctx context.Context) {
	if len(a.urls) == 0 {
		a.log.Info("No master list URLs configured, announcer idle")
		return
	}

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		select {
		case <-ctx.Done():
			a.stopOnce.Do(func() { close(a.stopped) })
		case <-a.stopped:
		}
	}()
	go a.announceLoop(ctx)
	a.log.Info("Announcer started",
		zap.Int("masterLists", len(a.urls)),
		zap.Duration("interval", a.interval))
}

func (a *Announcer) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopped)
	})
	a.wg.Wait()
}

func (a *Announcer) announceLoop(ctx context.Context) {
	defer a.wg.Done()

	// First announcement goes out right away, not after a full interval.
	a.announceAll(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopped:
			return
		case <-ticker.C:
			a.announceAll(ctx)
		}
	}
}

func (a *Announcer) announceAll(ctx context.Context) {
	snap := a.source.Snapshot()
	for _, master := range a.urls {
		if announceErr := a.announceOne(ctx, master, snap); announceErr != nil {
			a.log.Warn("Master list announcement failed",
				zap.String("master", master), zap.Error(announceErr))
		}
	}
}

func (a *Announcer) announceOne(ctx context.Context, master string, snap relay.Snapshot) error {
	target, parseErr := url.Parse(master)
	if parseErr != nil {
		return parseErr
	}

	query := target.Query()
	query.Set("servername", a.name)
	query.Set("location", a.location)
	query.Set("ip", a.address)
	query.Set("port", fmt.Sprintf("%d", a.port))
	query.Set("numusers", fmt.Sprintf("%d", len(snap.Users)))
	query.Set("numgames", fmt.Sprintf("%d", len(snap.Games)))
	query.Set("version", "0.83")
	target.RawQuery = query.Encode()

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if reqErr != nil {
		return reqErr
	}
	resp, doErr := a.client.Do(req)
	if doErr != nil {
		return doErr
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("master list replied with status %d", resp.StatusCode)
	}
	return nil
}
