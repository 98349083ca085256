package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/breeze-rmm/deskcap/internal/audio"
	"github.com/breeze-rmm/deskcap/internal/audit"
	"github.com/breeze-rmm/deskcap/internal/broker"
	"github.com/breeze-rmm/deskcap/internal/config"
	"github.com/breeze-rmm/deskcap/internal/dialog"
	"github.com/breeze-rmm/deskcap/internal/events"
	"github.com/breeze-rmm/deskcap/internal/health"
	"github.com/breeze-rmm/deskcap/internal/logging"
	"github.com/breeze-rmm/deskcap/internal/metrics"
	"github.com/breeze-rmm/deskcap/internal/privilege"
	"github.com/breeze-rmm/deskcap/internal/screen"
	"github.com/breeze-rmm/deskcap/internal/service"
	"github.com/breeze-rmm/deskcap/internal/store"
	"github.com/breeze-rmm/deskcap/internal/transcode"
	"github.com/breeze-rmm/deskcap/internal/usage"
	"github.com/breeze-rmm/deskcap/internal/workerpool"
	"github.com/breeze-rmm/deskcap/internal/wsbridge"
)

var log = logging.L("main")

const (
	healthProbeInterval = 30 * time.Second
	shutdownTimeout     = 10 * time.Second
)

// daemonComponents holds everything runDaemon starts so shutdown can tear
// it down in order.
type daemonComponents struct {
	cfg       *config.Config
	hub       *events.Hub
	host      audio.SystemHost
	capture   *audio.Session
	tracker   *usage.Tracker
	scheduler *screen.Scheduler
	archive   *store.Archive
	pool      *workerpool.Pool
	monitor   *health.Monitor
	audit     *audit.Logger
	svc       *service.Service
	logCloser io.Closer
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}
	return cfg, nil
}

func startDaemon() (*daemonComponents, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		for _, e := range result.Fatals {
			fmt.Fprintf(os.Stderr, "config: %v\n", e)
		}
		return nil, errors.New("invalid configuration")
	}

	out, closer, err := logging.OpenOutput(logging.FileOptions{
		Path:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		Tee:        cfg.LogStdout,
	})
	if err != nil {
		return nil, fmt.Errorf("open log output: %w", err)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
	logging.ShowPrivate(cfg.LogPrivate)
	for _, w := range result.Warnings {
		log.Warn("config corrected", logging.KeyError, w)
	}
	if privilege.IsElevated() {
		log.Warn("running elevated; devices, windows and the socket will belong to the elevated account")
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		closer.Close()
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	d := &daemonComponents{cfg: cfg, hub: events.NewHub(), logCloser: closer}

	d.host = audio.NewSystemHost()
	encoders := transcode.NewFactory(transcode.Options{
		Kind:       cfg.Capture.Encoder,
		FFmpegPath: cfg.Capture.FFmpegPath,
		Codec:      cfg.Capture.Codec,
		Container:  cfg.Capture.Format,
		Bitrate:    cfg.Capture.Bitrate,
		TempDir:    os.TempDir(),
	})
	d.capture = audio.NewSession(d.host, encoders, d.hub, audio.Options{
		SampleRate:  cfg.Capture.SampleRate,
		FrameSize:   cfg.Capture.FrameSize,
		QueueFrames: cfg.Capture.QueueFrames,
	})

	d.tracker = usage.NewTracker(usage.NewProbe(), d.hub, usage.Options{
		Interval: cfg.TrackingInterval(),
		Browsers: cfg.Tracking.Browsers,
	})

	screens := screen.New(screen.SystemDisplays{}, screen.NewWindowLister())

	// The archive is optional; random screenshots are still emitted
	// without it.
	var archiver screen.Archiver
	var archiveList service.Archive
	if archive, err := store.Open(cfg.ArchivePath(), cfg.Screenshots.Retention); err != nil {
		log.Warn("screenshot archive unavailable", "file", cfg.ArchivePath(), logging.KeyError, err)
	} else {
		d.archive = archive
		archiver = archive
		archiveList = archive
	}
	d.scheduler = screen.NewScheduler(screens, archiver, d.hub, screen.SchedulerOptions{
		MinInterval: cfg.Screenshots.MinInterval,
		MaxInterval: cfg.Screenshots.MaxInterval,
	})

	d.monitor = health.NewMonitor()
	registerProbes(d.monitor, d.host, cfg, d.archive != nil)

	var auditor service.Auditor
	if cfg.AuditEnabled {
		d.audit, err = audit.NewLogger(audit.Options{
			Dir:        cfg.AuditDir(),
			MaxSizeMB:  cfg.AuditMaxSizeMB,
			MaxBackups: cfg.AuditMaxBackups,
		})
		if err != nil {
			log.Warn("audit log unavailable", logging.KeyError, err)
		} else {
			auditor = d.audit
		}
	}

	d.pool = workerpool.New(cfg.Workers, cfg.QueueSize)
	d.svc = service.New(service.Deps{
		Host:      d.host,
		Capture:   d.capture,
		Tracker:   d.tracker,
		Screens:   screens,
		Scheduler: d.scheduler,
		Archive:   archiveList,
		Dialogs:   dialog.Zenity{Title: "deskcap"},
		Health:    d.monitor,
		Pool:      d.pool,
		Audit:     auditor,
		Version:   version,
	})
	return d, nil
}

func registerProbes(m *health.Monitor, host audio.Host, cfg *config.Config, archiveOK bool) {
	m.Register("audio", func(ctx context.Context) (health.Status, string) {
		devs, err := audio.ListDevices(host)
		if err != nil {
			return health.Unhealthy, err.Error()
		}
		if len(devs) == 0 {
			return health.Degraded, "no audio devices"
		}
		return health.Healthy, fmt.Sprintf("%d devices", len(devs))
	})
	m.Register("encoder", func(ctx context.Context) (health.Status, string) {
		if cfg.Capture.Encoder == "wav" {
			return health.Healthy, "built-in wav"
		}
		path, err := transcode.LookPath(cfg.Capture.FFmpegPath)
		if err != nil {
			return health.Unhealthy, err.Error()
		}
		return health.Healthy, path
	})
	m.Register("displays", func(ctx context.Context) (health.Status, string) {
		n := screen.SystemDisplays{}.Count()
		if n == 0 {
			return health.Degraded, "no active displays"
		}
		return health.Healthy, fmt.Sprintf("%d displays", n)
	})
	m.Register("archive", func(ctx context.Context) (health.Status, string) {
		if !archiveOK {
			return health.Degraded, "screenshot archive not open"
		}
		return health.Healthy, cfg.ArchivePath()
	})
}

func runDaemon(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	d, err := startDaemon()
	if err != nil {
		return err
	}
	cfg := d.cfg

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting deskcap", "version", version, "socket", cfg.SocketPath, "encoder", cfg.Capture.Encoder)
	d.audit.Log(audit.EventDaemonStart, "", map[string]any{"version": version, "pid": os.Getpid()})

	g, gctx := errgroup.WithContext(ctx)

	brk := broker.New(broker.Options{
		SocketPath: cfg.SocketPath,
		MaxClients: cfg.MaxClients,
		Version:    version,
	}, d.svc, d.hub)
	g.Go(func() error { return brk.Listen(gctx) })

	if cfg.WSListen != "" {
		bridge := wsbridge.New(wsbridge.Options{
			Addr:       cfg.WSListen,
			MaxClients: cfg.MaxClients,
			Version:    version,
		}, d.svc, d.hub)
		g.Go(func() error { return bridge.ListenAndServe(gctx) })
	}

	if cfg.MetricsListen != "" {
		srv := metrics.NewServer(cfg.MetricsListen, func() (bool, map[string]any) {
			return d.monitor.Overall() != health.Unhealthy, d.monitor.Summary()
		})
		g.Go(func() error { return srv.Run(gctx) })
	}

	g.Go(func() error {
		d.monitor.RunProbes(gctx)
		ticker := time.NewTicker(healthProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				d.monitor.RunProbes(gctx)
			}
		}
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("daemon component failed", logging.KeyError, err)
	}
	shutdownDaemon(d)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func shutdownDaemon(d *daemonComponents) {
	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	d.capture.Cancel()
	if err := d.capture.Wait(ctx); err != nil {
		log.Warn("capture did not finish before shutdown", logging.KeyError, err)
	}
	d.tracker.Stop()
	d.scheduler.Stop()

	d.pool.StopAccepting()
	d.pool.Drain(ctx)

	if d.archive != nil {
		if err := d.archive.Close(); err != nil {
			log.Warn("close archive", logging.KeyError, err)
		}
	}
	if err := d.host.Close(); err != nil {
		log.Warn("close audio host", logging.KeyError, err)
	}
	if dropped := d.audit.DroppedCount(); dropped > 0 {
		log.Warn("audit entries dropped", "count", dropped)
	}
	d.audit.Log(audit.EventDaemonStop, "", nil)
	if err := d.audit.Close(); err != nil {
		log.Warn("close audit log", logging.KeyError, err)
	}
	log.Info("shutdown complete")
	d.logCloser.Close()
}
