// Main package for the kaillerad netplay relay server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/openretro/kaillerad/internal/config"
	"github.com/openretro/kaillerad/internal/metrics"
	"github.com/openretro/kaillerad/internal/portpool"
	"github.com/openretro/kaillerad/pkg/access"
	"github.com/openretro/kaillerad/pkg/kwire"
	"github.com/openretro/kaillerad/pkg/master"
	"github.com/openretro/kaillerad/pkg/relay"
	"github.com/openretro/kaillerad/pkg/replay"
	"github.com/openretro/kaillerad/pkg/transport"
)

func main() {
	logger := zap.Must(zap.NewProduction())
	if os.Getenv("APP_ENV") != "production" {
		logger = zap.Must(zap.NewDevelopment())
	}
	defer logger.Sync()

	//
	// Flags override the environment for the settings changed most often
	serverName := flag.String("name", "", "Server name shown to clients and master lists")
	connectPort := flag.Int("port", 0, "UDP port for the connect handshake")
	statusAddr := flag.String("status-addr", "", "Listen address for the WebSocket status feed (blank disables)")
	replayDir := flag.String("replay-dir", "", "Directory for game recordings (blank disables)")
	flag.Parse()

	cfg, cfgErr := config.Load()
	if cfgErr != nil {
		logger.Error("Invalid configuration", zap.Error(cfgErr))
		return
	}
	if *serverName != "" {
		cfg.ServerName = *serverName
	}
	if *connectPort > 0 {
		cfg.ConnectPort = *connectPort
	}
	if *statusAddr != "" {
		cfg.StatusFeedAddress = *statusAddr
	}
	if *replayDir != "" {
		cfg.ReplayDir = *replayDir
	}

	codec, codecErr := kwire.NewCodec(kwire.CodecParams{CharsetName: cfg.Charset})
	if codecErr != nil {
		logger.Error("Failed to create wire codec", zap.Error(codecErr))
		return
	}

	accessMgr, accessErr := access.CreateListManager(cfg.AccessFile, time.Now)
	if accessErr != nil {
		logger.Error("Failed to load access list", zap.Error(accessErr))
		return
	}

	counters := metrics.NewCounters()
	ports := portpool.CreatePool(cfg.FirstGamePort, cfg.MaxUsers+cfg.PortPoolSlack)

	var recorder relay.GameRecorder
	var replayRecorder *replay.Recorder
	if cfg.ReplayDir != "" {
		var replayErr error
		replayRecorder, replayErr = replay.CreateRecorder(replay.RecorderParams{
			Logger: logger,
			Root:   cfg.ReplayDir,
		})
		if replayErr != nil {
			logger.Error("Failed to create replay recorder", zap.Error(replayErr))
			return
		}
		recorder = replayRecorder
	}

	server := relay.CreateServer(relay.ServerParams{
		Logger:   logger,
		Config:   cfg,
		Codec:    codec,
		Access:   accessMgr,
		Metrics:  counters,
		Ports:    ports,
		Recorder: recorder,
	})

	connectServer, connectErr := transport.CreateConnectServer(transport.ConnectServerParams{
		Logger:     logger,
		Metrics:    counters,
		Access:     accessMgr,
		Opener:     server,
		ListenPort: cfg.ConnectPort,
	})
	if connectErr != nil {
		logger.Error("Failed to bind connect port", zap.Error(connectErr))
		return
	}

	shutdownCtx, shutdownRelease := context.WithCancel(context.Background())
	defer shutdownRelease()

	wg := sync.WaitGroup{}

	server.Start(shutdownCtx)
	connectServer.Start(shutdownCtx)

	if cfg.StatusFeedAddress != "" {
		feed := transport.CreateStatusFeed(transport.StatusFeedParams{
			Logger:        logger,
			Source:        server,
			Counters:      counters,
			ListenAddress: cfg.StatusFeedAddress,
		})
		feed.Start(shutdownCtx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-shutdownCtx.Done()
			feed.Stop()
		}()
	}

	if len(cfg.MasterListURLs) > 0 {
		announcer := master.CreateAnnouncer(master.AnnouncerParams{
			Logger:         logger,
			Source:         server,
			MasterURLs:     cfg.MasterListURLs,
			ServerName:     cfg.ServerName,
			ServerLocation: cfg.ServerLocation,
			ConnectAddress: cfg.ConnectAddress,
			ConnectPort:    cfg.ConnectPort,
			Interval:       cfg.AnnounceInterval,
		})
		announcer.Start(shutdownCtx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-shutdownCtx.Done()
			announcer.Stop()
		}()
	}

	logger.Info("kaillerad running",
		zap.String("server", cfg.ServerName),
		zap.Int("connectPort", cfg.ConnectPort),
		zap.Int("maxUsers", cfg.MaxUsers))

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	received := <-signals
	logger.Info("Shutting down", zap.String("signal", received.String()))

	shutdownRelease()
	connectServer.Stop()
	connectServer.Wait()
	server.Stop()
	if replayRecorder != nil {
		replayRecorder.Close()
	}
	wg.Wait()
}
