package main

import (
	"context"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/ipreachd/internal/api"
	"github.com/dmdmdm-nz/ipreachd/internal/linkwatch"
	"github.com/dmdmdm-nz/ipreachd/internal/reachability"
	"github.com/dmdmdm-nz/ipreachd/internal/runtime"
	"github.com/dmdmdm-nz/ipreachd/internal/wakelock"
	"github.com/dmdmdm-nz/ipreachd/pkg/cli"
)

func main() {
	cfg := cli.ParseFlags()

	setLogLevel(cfg.LogLevel)
	log.SetFormatter(&log.TextFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FullTimestamp:   true,
	})

	log.Infof("Config: Interface=%s", cfg.Interface)
	log.Infof("Config: Host=%s", cfg.Host)
	log.Infof("Config: Port=%d", cfg.Port)
	log.Infof("Config: LogLevel=%s", cfg.LogLevel)
	log.Infof("Config: ProbeInterval=%s", cfg.ProbeInterval)
	log.Infof("Config: ResolvConf=%s", cfg.ResolvConf)

	if os.Geteuid() != 0 {
		log.Warn("Not running as root; neighbor probes will likely be rejected by the kernel.")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	events := api.NewEvents()

	monitor, err := reachability.New(cfg.Interface,
		func(addr netip.Addr, diagnostic string) {
			events.Publish(api.NewLossEvent(addr, diagnostic))
		},
		reachability.WithWakeLock(wakelock.New("ipreachd."+cfg.Interface, cfg.WakeLock)),
		reachability.WithProbeConfig(cfg.ProbeConfig()),
	)
	if err != nil {
		log.WithError(err).Fatal("Failed to create reachability monitor")
	}

	watcher := linkwatch.NewService(cfg.Interface, cfg.ResolvConf)
	apiSvc := api.NewService(cfg.Host, cfg.Port, monitor, events)

	// Shutdown runs in reverse: api, then link watcher, then the monitor.
	super := runtime.NewSupervisor()
	super.Add("monitor", func(ctx context.Context) error {
		return monitor.Run(ctx, cfg.ProbeInterval)
	}, func() error {
		monitor.Stop()
		return nil
	})
	super.Add("linkwatch", func(ctx context.Context) error { return watcher.Start(ctx, monitor) }, watcher.Close)
	super.Add("api", func(ctx context.Context) error { return apiSvc.Start(ctx) }, apiSvc.Close)

	if err := super.Start(ctx); err != nil {
		log.WithError(err).Error("Supervisor start failed")
		os.Exit(1)
	}
	if err := super.Wait(ctx); err != nil {
		log.WithError(err).Error("Supervisor wait failed")
		os.Exit(1)
	}
}

func setLogLevel(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.WithField("level", level).Warn("Unknown log level, using info")
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}
