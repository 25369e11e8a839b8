package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maynero/youtube-to-m3u/internal/api"
	"github.com/maynero/youtube-to-m3u/internal/channels"
	"github.com/maynero/youtube-to-m3u/internal/config"
	"github.com/maynero/youtube-to-m3u/internal/db"
	"github.com/maynero/youtube-to-m3u/internal/logger"
	"github.com/maynero/youtube-to-m3u/internal/poller"
	"github.com/maynero/youtube-to-m3u/internal/relay"
	"github.com/maynero/youtube-to-m3u/internal/status"
	"github.com/maynero/youtube-to-m3u/internal/store"
	"github.com/maynero/youtube-to-m3u/internal/telemetry"
	"github.com/maynero/youtube-to-m3u/internal/youtube"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logg := logger.New(cfg.LogLevel, cfg.LogFormat)

	otelShutdown, err := telemetry.Init(ctx, "youtube-live", cfg.Channel, logg)
	if err != nil {
		logg.Error("opentelemetry init failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logg.Error("opentelemetry shutdown failed", "err", err)
		}
	}()

	channelList, err := channels.LoadFile(cfg.ChannelsFile)
	if err != nil {
		logg.Warn("channels file not loaded, playlist will be empty", "path", cfg.ChannelsFile, "err", err)
		channelList = nil
	}

	watched := cfg.Channel
	if watched == "" && len(channelList) > 0 {
		watched = channelList[0].YouTubeURL
		logg.Info("no YT_CHANNEL set, watching first playlist channel", "channel", watched)
	}
	if watched == "" {
		logg.Error("nothing to watch: set YT_CHANNEL or provide a channels file")
		os.Exit(1)
	}
	cfg.Channel = watched

	var st *store.Store
	var recorder poller.Recorder
	if cfg.DatabaseURL != "" {
		conn, err := db.Connect(ctx, cfg.DatabaseURL, logg)
		if err != nil {
			logg.Error("db connection failed", "err", err)
			os.Exit(1)
		}
		defer conn.Close()

		st = store.New(conn, logg)
		if err := st.Migrate(ctx); err != nil {
			logg.Error("db migration failed", "err", err)
			os.Exit(1)
		}
		recorder = st
	}

	// The page prober always exists: even with the Data API polling, HLS
	// manifests come from the InnerTube player endpoint.
	pageProber := youtube.NewPageProber(cfg.ProbeTimeout, logg)

	var prober youtube.Prober = pageProber
	if cfg.APIKey != "" {
		logg.Info("using Data API prober")
		prober = youtube.NewAPIProber(cfg.APIKey, cfg.ProbeTimeout, logg)
	} else {
		logg.Info("using live-page prober")
	}

	holder := status.NewHolder(watched)
	hub := api.NewHub(holder, logg)
	mgr := relay.NewManager(relay.StreamlinkCommand(cfg.StreamlinkPath), logg)
	p := poller.New(cfg, prober, holder, recorder, hub, logg)
	server := api.NewServer(cfg, holder, hub, mgr, st, p, pageProber, channelList, logg)

	errCh := make(chan error, 2)
	go func() {
		if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	go func() {
		if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logg.Info("shutting down")
	case err := <-errCh:
		logg.Error("service exited with error", "err", err)
		os.Exit(1)
	}
}
