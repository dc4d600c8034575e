package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lanmedia/work/catalog"
	"lanmedia/work/clients"
	"lanmedia/work/config"
	"lanmedia/work/content"
	"lanmedia/work/handlers"
	"lanmedia/work/logger"
	"lanmedia/work/metrics"
	"lanmedia/work/netaddr"
	"lanmedia/work/pipeline"
	"lanmedia/work/profiles"
	"lanmedia/work/session"
	"lanmedia/work/ssdp"
	"lanmedia/work/utils"
)

var (
	Version = "v0.1.0" // default version
)

// catalogPoll is how often a database catalog is checked for changes.
const catalogPoll = 5 * time.Second

// our main app worker
func main() {
	configPath := flag.String("config", "", "path to the JSON configuration (default $LANMEDIA_CONFIG or "+config.DefaultPath+")")
	examplePath := flag.String("write-example", "", "write an example configuration to this path and exit")
	flag.Parse()

	if *examplePath != "" {
		if err := config.CreateExampleConfig(*examplePath); err != nil {
			log.Fatalf("Failed to write example config: %v", err)
		}
		return
	}

	// load our config
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Set up logging
	appLog := logger.New(cfg.LogLevel, os.Stdout)

	// metrics live on their own registry, with the runtime collectors added
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Initialize worker pool
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	// the media catalog
	var reader catalog.Reader
	if cfg.DatabasePath != "" {
		db, err := catalog.OpenSQLite(cfg.DatabasePath, appLog)
		if err != nil {
			log.Fatalf("Failed to open catalog database: %v", err)
		}
		defer db.Close()
		reader = db
	} else {
		appLog.Warn("{main - main} no databasePath configured, serving an empty in-memory catalog")
		reader = catalog.NewMemory()
	}

	// device capabilities and the profile catalog
	devices, err := config.LoadDevices(cfg.DevicesFile)
	if err != nil {
		log.Fatalf("Failed to load devices: %v", err)
	}
	matcher := clients.NewMatcher(devices, cfg.Content.OfferCacheSize, appLog)

	ffmpeg := pipeline.NewFFmpeg(cfg.Sessions.FFmpegPath, cfg.Sessions.FFmpegPreInput, appLog)
	profileCatalog := profiles.NewCatalog(capabilities(ffmpeg.Capabilities(), cfg.Profiles), matcher)

	// streaming sessions
	sessions := session.NewManager(session.Options{
		MaxStreams:     cfg.Sessions.MaxStreams,
		LivenessWindow: cfg.Sessions.LivenessWindow,
		SweepInterval:  cfg.Sessions.SweepInterval,
		OpenTimeout:    cfg.Sessions.OpenTimeout,
	}, profileCatalog, ffmpeg, workerPool, appLog, m)

	// the browse façade
	contentService := content.New(content.Options{
		DefaultPageSize: cfg.Content.DefaultPageSize,
		OfferCacheSize:  cfg.Content.OfferCacheSize,
		OfferCacheTTL:   cfg.Content.OfferCacheTTL,
	}, reader, profileCatalog, appLog, m)

	// discovery
	hostname, _ := os.Hostname()
	udn := uuid.NewSHA1(uuid.NameSpaceDNS, []byte(hostname+"/"+cfg.ServerName)).String()
	serverID := ssdp.ServerString("lanmedia", Version)

	const rendererType = "urn:schemas-upnp-org:device:MediaRenderer:1"
	book := netaddr.New(cfg.Interfaces, nil)
	var discovery *ssdp.Service
	discovery = ssdp.New(ssdp.Options{
		DeviceUUID:      udn,
		ServerID:        serverID,
		HTTPPort:        cfg.HTTPPort,
		CacheTimeout:    cfg.SSDP.CacheTimeout,
		PublishInterval: cfg.SSDP.PublishInterval,
		NotifyDelay:     cfg.SSDP.NotifyDelay,
		SweepInterval:   cfg.SSDP.SweepInterval,
		SearchMX:        cfg.SSDP.SearchMX,
		AnnounceRate:    cfg.SSDP.AnnounceRate,
		OnChange: func() {
			appLog.Debug("{main - OnChange} remote media renderers: %d", len(discovery.QueryResults(rendererType)))
		},
	}, book, workerPool, appLog, m)

	// Setup HTTP routes
	server := handlers.New(handlers.Options{
		DeviceUUID:     udn,
		FriendlyName:   cfg.ServerName,
		ServerID:       serverID,
		ObfuscatePaths: cfg.ObfuscatePaths,
	}, contentService, sessions, profileCatalog, discovery, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), appLog)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// show info
	appLog.Info("{main - main} Starting lanmedia %s", Version)
	appLog.Info("{main - main} Server configuration:")
	appLog.Info("{main - main}   - Friendly Name: %s", cfg.ServerName)
	appLog.Info("{main - main}   - Device UDN: uuid:%s", udn)
	appLog.Info("{main - main}   - HTTP Port: %d", cfg.HTTPPort)
	appLog.Info("{main - main}   - Worker Threads: %d", cfg.WorkerThreads)
	appLog.Info("{main - main}   - Max. Streams: %d", cfg.Sessions.MaxStreams)
	appLog.Info("{main - main}   - Catalog: %s", utils.LogPath(cfg.ObfuscatePaths, cfg.DatabasePath))
	appLog.Info("{main - main}   - Devices: %d", len(devices))
	appLog.Info("{main - main}   - Audio Profiles: %v", profileCatalog.EnabledNames(profiles.KindAudio))
	appLog.Info("{main - main}   - Video Profiles: %v", profileCatalog.EnabledNames(profiles.KindVideo))
	appLog.Info("{main - main}   - Image Profiles: %v", profileCatalog.EnabledNames(profiles.KindImage))
	appLog.Info("{main - main}   - Path Obfuscation: %v", cfg.ObfuscatePaths)

	go sessions.Run(ctx)
	go contentService.WatchCatalog(ctx, catalogPoll)

	if err := discovery.Start(ctx); err != nil {
		appLog.Error("{main - main} SSDP failed to start, the server will not be discoverable: %v", err)
	} else {
		for _, st := range []string{"upnp:rootdevice", "uuid:" + udn, handlers.DeviceType, handlers.ContentDirectoryType, handlers.ConnectionManagerType} {
			discovery.Publish(st, handlers.DescriptionPath)
		}
		discovery.StartSearch(rendererType)
	}

	// fire us up
	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			appLog.Error("{main - main} Server failed: %v", err)
		}
	case <-ctx.Done():
		appLog.Info("{main - main} Shutdown requested...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// byebye first so renderers drop us before the streams go away
	if err := discovery.Close(); err != nil {
		appLog.Warn("{main - main} SSDP close: %v", err)
	}
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		appLog.Warn("{main - main} Sessions did not drain: %v", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLog.Warn("{main - main} HTTP shutdown: %v", err)
	}
	appLog.Info("{main - main} Stopped")
}

// capabilities narrows what the pipeline can produce to the configured
// profile lists. Empty configured lists keep the pipeline's own.
func capabilities(pipe profiles.Capabilities, cfg config.ProfileConfig) profiles.Capabilities {
	pick := func(configured, own []string) []string {
		if len(configured) > 0 {
			return configured
		}
		return own
	}
	return profiles.Capabilities{
		AudioCodecs: pick(cfg.AudioCodecs, pipe.AudioCodecs),
		VideoCodecs: pick(cfg.VideoCodecs, pipe.VideoCodecs),
		ImageCodecs: pick(cfg.ImageCodecs, pipe.ImageCodecs),
		Formats:     pick(cfg.Formats, pipe.Formats),
	}
}
