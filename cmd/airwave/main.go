// Command airwave: virtual IPTV broadcaster with HDHomeRun tuner emulation.
//
//	run    Serve the tuner, guide, and broadcast pipeline. For systemd; zero interaction after config.
//	epg    Generate the XMLTV guide once and print it (or write it with -o)
//	probe  Check ffmpeg/ffprobe, hardware encoders, the database, and optionally a running tuner's endpoints
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/airwave-tv/airwave/internal/agent"
	"github.com/airwave-tv/airwave/internal/broadcast"
	"github.com/airwave-tv/airwave/internal/clock"
	"github.com/airwave-tv/airwave/internal/config"
	"github.com/airwave-tv/airwave/internal/epg"
	"github.com/airwave-tv/airwave/internal/hdhomerun"
	"github.com/airwave-tv/airwave/internal/health"
	"github.com/airwave-tv/airwave/internal/library"
	"github.com/airwave-tv/airwave/internal/metadata"
	"github.com/airwave-tv/airwave/internal/metrics"
	"github.com/airwave-tv/airwave/internal/playout"
	"github.com/airwave-tv/airwave/internal/procpool"
	"github.com/airwave-tv/airwave/internal/store"
	"github.com/airwave-tv/airwave/internal/transcoder"
	"github.com/airwave-tv/airwave/internal/tuner"
)

func main() {
	_ = config.LoadEnvFile(".env")
	args := os.Args[1:]
	sub := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sub, args = args[0], args[1:]
	}

	var err error
	switch sub {
	case "run":
		err = runMain(args)
	case "epg":
		err = epgMain(args)
	case "probe":
		err = probeMain(args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n\n", sub)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "airwave:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: airwave [run|epg|probe] [flags]

  run    serve the tuner, guide, and broadcast pipeline (default)
  epg    generate the XMLTV guide once and print it
  probe  check ffmpeg, encoders, the database, and a running tuner

Flags are per subcommand; try "airwave run -h".
`)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func newLogger(debug bool, extra ...io.Writer) zerolog.Logger {
	writers := append([]io.Writer{os.Stderr}, extra...)
	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	if !debug {
		logger = logger.Level(zerolog.InfoLevel)
	}
	return logger
}

func runMain(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path (default: search airwave.yaml, /etc/airwave)")
	debug := fs.Bool("debug", false, "debug logging")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logBuf := agent.NewLogBuffer(0)
	logger := newLogger(*debug, logBuf)
	logger.Info().Str("listen", cfg.Server.ListenAddr).Msg("airwave starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabasePath(), logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if n, err := st.CountEnabledChannels(ctx); err == nil {
		st.Resize(n)
	}

	clk := clock.System{}

	driver := transcoder.NewDriver(cfg.Transcoder.FFmpegPath, cfg.Transcoder.FFprobePath,
		cfg.Pool.ColdStartTimeout, cfg.Pool.ColdStartTimeoutPlex, logger)
	probeCtx, cancelProbe := context.WithTimeout(ctx, 30*time.Second)
	driver.ProbeAccelerators(probeCtx, cfg.Transcoder.AcceleratorOrder)
	cancelProbe()

	pool := procpool.New(procpool.Config{
		MaxProcesses:          cfg.Pool.MaxProcesses,
		RateCapacity:          cfg.Pool.RateCapacity,
		RateRefillPerSecond:   cfg.Pool.RateRefillPerSecond,
		MemoryWatermarkBytes:  cfg.Pool.MemoryWatermarkBytes,
		FDWatermark:           cfg.Pool.FDWatermark,
		LongRunMax:            cfg.Pool.LongRunMax,
		ReapInterval:          cfg.Pool.ReapInterval,
		PerProcessRSSEstimate: cfg.Pool.PerProcessRSSEstimate,
		PerProcessFDEstimate:  cfg.Pool.PerProcessFDEstimate,
	}, clk, logger)
	defer pool.Close()

	cache := library.NewURLCache(4096, clk, logger)
	registry := library.NewRegistry(cache, logger)
	registry.Register(library.Local{})
	registry.Register(library.HTTPDirect{})
	registry.Register(library.HTTPDirect{Tag: store.SourceArchiveOrg})
	registry.Register(library.YouTube{})
	var plexWarm func(context.Context) error
	if libs, err := st.ListLibraries(ctx); err == nil {
		for _, lib := range libs {
			switch lib.Source {
			case store.SourcePlex:
				p := library.Plex{BaseURL: lib.URL, Token: lib.Token, Section: lib.Section, Log: logger}
				registry.Register(p)
				plexWarm = p.WarmLibrary
			case store.SourceJellyfin, store.SourceEmby:
				registry.Register(library.Jellyfin{Tag: lib.Source, BaseURL: lib.URL, APIKey: lib.Token})
			}
		}
	}

	engine := playout.NewEngine(st, clk, logger)

	manager := broadcast.NewManager(broadcast.Config{
		ChunkBytes:         cfg.Broadcast.ChunkBytes,
		ClientQueueChunks:  cfg.Broadcast.ClientQueueChunks,
		SessionIdleTimeout: cfg.Broadcast.SessionIdleTimeout,
		IdleStopGrace:      cfg.Broadcast.IdleStopGrace,
	}, engine, registry, driver, broadcast.PoolAdapter{Pool: pool}, st, clk, logger)
	defer manager.StopAll()

	var providers []metadata.Provider
	if cfg.Metadata.TVDBAPIKey != "" {
		providers = append(providers, metadata.NewTVDBProvider(cfg.Metadata.TVDBAPIKey))
	}
	if cfg.Metadata.TMDBAPIKey != "" {
		providers = append(providers, metadata.NewTMDBProvider(cfg.Metadata.TMDBAPIKey))
	}
	providers = append(providers, metadata.NFOProvider{}, metadata.FilenameProvider{})
	enricher := metadata.NewEnricher(st, providers, logger)

	horizon := time.Duration(cfg.EPG.HorizonHours) * time.Hour
	guide := epg.NewGenerator(st, engine, enricher, clk, logger, horizon)

	// The supervisor's restart gate reads containment under its own lock, so
	// it gets a closure over the evaluator rather than the evaluator itself.
	var cont *agent.Containment
	sup := health.New(health.Config{
		UnhealthyThreshold:      cfg.Health.UnhealthyThreshold,
		CheckInterval:           cfg.Health.CheckInterval,
		StormWindow:             cfg.Health.StormWindow,
		StormMax:                cfg.Health.StormMax,
		Cooldown:                cfg.Health.Cooldown,
		CircuitFailureThreshold: cfg.Circuit.FailureThreshold,
		CircuitFailureWindow:    cfg.Circuit.FailureWindow,
		CircuitOpenDuration:     cfg.Circuit.OpenDuration,
	}, health.Targets(manager), func() bool { return cont.Active() }, clk, logger)
	cont = agent.NewContainment(pool.Snapshot, sup, procpool.SelfRSSBytes, clk, logger)

	reparser := metadata.NewEnricher(st, []metadata.Provider{metadata.FilenameProvider{}}, logger)
	targets := health.Targets(manager)
	ag := agent.New(agent.Config{
		Enabled:                cfg.Agent.Enabled,
		MaxSteps:               cfg.Agent.MaxSteps,
		MetadataSelfResolution: cfg.Agent.MetadataSelfResolutionEnabled,
		MetadataCooldown:       cfg.Agent.MetadataSelfResolutionCooldown,
	}, agent.Deps{
		PoolStats:   pool.Snapshot,
		Health:      sup,
		Enricher:    enricher,
		Logs:        logBuf,
		Containment: cont,
		RebuildEPG: func(ctx context.Context) error {
			_, err := guide.Generate(ctx)
			return err
		},
		ReparseFilenames: func(ctx context.Context) (int, error) {
			return reparser.EnrichPending(ctx, 50)
		},
		InvalidatePlayout: engine.Invalidate,
		PlexRefresh:       plexWarm,
		RestartChannel: func(channelID int64) (bool, string) {
			for _, t := range targets() {
				if t.ChannelID() == channelID {
					d := sup.RequestChannelRestart(t, "agent")
					return d.Allowed, d.Reason
				}
			}
			return false, "channel not running"
		},
	}, clk, logger)

	srv := tuner.NewServer(cfg.Server, st, manager, guide, clk, logger)
	httpSrv := &http.Server{
		Addr:        cfg.Server.ListenAddr,
		Handler:     srv.Handler(),
		ReadTimeout: 30 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { pool.RunReaper(ctx); return nil })
	g.Go(func() error { manager.RunJanitor(ctx, time.Minute); return nil })
	g.Go(func() error { sup.Run(ctx); return nil })
	g.Go(func() error { cont.Run(ctx, 0); return nil })
	g.Go(func() error { guide.Run(ctx, epg.DefaultInterval); return nil })
	g.Go(func() error { runEnrichment(ctx, enricher, logger); return nil })
	g.Go(func() error { runSampler(ctx, st); return nil })
	g.Go(func() error { prewarm(ctx, cfg.Prewarm, st, manager, logger); return nil })
	if cfg.Agent.Enabled {
		g.Go(func() error { runAgentMonitor(ctx, ag, sup, enricher, guide, targets); return nil })
	}
	location := tuner.DeviceXMLLocation(cfg.Server.BaseURL, cfg.Server.ListenAddr)
	if cfg.SSDP.Enabled {
		ssdp := tuner.NewSSDP(location, srv.DeviceID(), cfg.Server.FriendlyName,
			cfg.SSDP.AnnounceInterval, logger)
		g.Go(func() error { return ssdp.Run(ctx) })
	}
	if base := strings.TrimSuffix(location, "/device.xml"); base != "" {
		id, err := hdhomerun.ParseDeviceID(srv.DeviceID())
		if err != nil {
			return err
		}
		disc := hdhomerun.NewResponder(hdhomerun.Device{
			DeviceID:   id,
			TunerCount: cfg.Server.TunerCount,
			BaseURL:    base,
			LineupURL:  base + "/lineup.json",
			DeviceAuth: tuner.DeviceAuth,
		}, logger)
		g.Go(func() error { return disc.Run(ctx) })
	}
	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- httpSrv.ListenAndServe() }()
		select {
		case <-ctx.Done():
			shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shCtx)
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	})

	logger.Info().Str("device_id", srv.DeviceID()).Msg("airwave serving")
	err = g.Wait()
	logger.Info().Msg("airwave stopped")
	return err
}

// runEnrichment fills in metadata for placeholder items in the background,
// a batch at a time so provider rate limits stay comfortable.
func runEnrichment(ctx context.Context, e *metadata.Enricher, logger zerolog.Logger) {
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()
	for {
		n, err := e.EnrichPending(ctx, 50)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Msg("metadata enrichment batch failed")
		} else if n > 0 {
			logger.Info().Int("items", n).Msg("metadata enriched")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runSampler feeds the process-level gauges and the store's pool stats.
func runSampler(ctx context.Context, st *store.Store) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rss := procpool.SelfRSSBytes(); rss >= 0 {
				metrics.SystemRSSBytes.Set(float64(rss))
			}
			if fds := procpool.SelfFDCount(); fds >= 0 {
				metrics.FDUsage.Set(float64(fds))
			}
			st.SampleMetrics()
		}
	}
}

// runAgentMonitor turns supervisor and enricher state into agent
// observations. It stops for good once the agent disables itself.
func runAgentMonitor(ctx context.Context, ag *agent.Agent, sup *health.Supervisor,
	enricher *metadata.Enricher, guide *epg.Generator, targets func() []health.Target) {
	ticker := time.NewTicker(2 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if disabled, _ := ag.Disabled(); disabled {
			return
		}
		for _, t := range targets() {
			if sup.ChannelState(t.ChannelID()) == health.StateUnhealthy {
				ag.RunLoop(ctx, agent.Observation{Kind: agent.ObservedChannelStalled, ChannelID: t.ChannelID()})
			}
		}
		if enricher.FailureRatio() > 0.3 {
			ag.RunLoop(ctx, agent.Observation{Kind: agent.ObservedMetadataDrift})
		}
		if _, at := guide.Cached(); !at.IsZero() && time.Since(at) > time.Hour {
			ag.RunLoop(ctx, agent.Observation{Kind: agent.ObservedGuideStale})
		}
	}
}

// prewarm starts flagged channels in small staggered batches so a reboot
// does not stampede the pool.
func prewarm(ctx context.Context, cfg config.PrewarmConfig, st *store.Store,
	manager *broadcast.Manager, logger zerolog.Logger) {
	channels, err := st.ListChannels(ctx, true)
	if err != nil {
		logger.Warn().Err(err).Msg("prewarm channel list failed")
		return
	}
	batch := cfg.MaxConcurrent
	if batch <= 0 {
		batch = 5
	}
	started := 0
	for _, ch := range channels {
		if !ch.Prewarm {
			continue
		}
		manager.Broadcaster(ch).Start()
		started++
		if started%batch == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(cfg.Stagger):
			}
		}
	}
	if started > 0 {
		logger.Info().Int("channels", started).Msg("prewarm complete")
	}
}

func epgMain(args []string) error {
	fs := flag.NewFlagSet("epg", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	out := fs.String("o", "", "write the guide to a file instead of stdout")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(false)

	st, err := store.Open(cfg.DatabasePath(), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	clk := clock.System{}
	engine := playout.NewEngine(st, clk, logger)
	horizon := time.Duration(cfg.EPG.HorizonHours) * time.Hour
	guide := epg.NewGenerator(st, engine, nil, clk, logger, horizon)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	doc, err := guide.Generate(ctx)
	if err != nil {
		return err
	}
	if *out != "" {
		return os.WriteFile(*out, doc, 0o644)
	}
	_, err = os.Stdout.Write(doc)
	return err
}

func probeMain(args []string) error {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	baseURL := fs.String("base", "", "base URL of a running tuner to check (e.g. http://127.0.0.1:5004)")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(false)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	failed := false
	report := func(name string, err error) {
		if err != nil {
			failed = true
			fmt.Printf("FAIL  %-14s %v\n", name, err)
			return
		}
		fmt.Printf("ok    %s\n", name)
	}

	_, err = exec.LookPath(cfg.Transcoder.FFmpegPath)
	report("ffmpeg", err)
	_, err = exec.LookPath(cfg.Transcoder.FFprobePath)
	report("ffprobe", err)

	driver := transcoder.NewDriver(cfg.Transcoder.FFmpegPath, cfg.Transcoder.FFprobePath, 0, 0, logger)
	accel := driver.ProbeAccelerators(ctx, cfg.Transcoder.AcceleratorOrder)
	fmt.Printf("ok    encoder        %s\n", accel)

	st, err := store.Open(cfg.DatabasePath(), logger)
	if err == nil {
		err = st.Ping(ctx)
		st.Close()
	}
	report("database", err)

	if *baseURL != "" {
		report("endpoints", health.CheckEndpoints(ctx, *baseURL))
		report("playlist", health.CheckPlaylist(ctx, *baseURL))
	}

	if failed {
		return fmt.Errorf("probe found problems")
	}
	return nil
}
