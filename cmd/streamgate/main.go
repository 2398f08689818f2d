// Streamgate - active provider manager for IPTV stream proxying
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/iptv-proxy/streamgate/internal/api"
	"github.com/iptv-proxy/streamgate/internal/config"
	"github.com/iptv-proxy/streamgate/internal/notify"
	"github.com/iptv-proxy/streamgate/internal/policy"
	"github.com/iptv-proxy/streamgate/internal/profiling"
	"github.com/iptv-proxy/streamgate/internal/provider"
	"github.com/iptv-proxy/streamgate/internal/session"
	"github.com/iptv-proxy/streamgate/internal/storage"
	"github.com/iptv-proxy/streamgate/internal/telemetry"
	"github.com/iptv-proxy/streamgate/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("streamgate v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("streamgate v%s starting, pool %q, %d input(s)", version, cfg.Pool.Name, len(cfg.Inputs))

	redis, err := storage.NewRedisClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		util.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	manager := provider.NewActiveProviderManager()
	for _, input := range cfg.ToProviderInputs() {
		manager.AddInput(input)
	}

	policyConfig := policy.DefaultConfig()
	if cfg.Security.ConnectionLimit > 0 {
		policyConfig.ConnectionLimit = int32(cfg.Security.ConnectionLimit)
	}
	if cfg.Security.BanThreshold > 0 {
		policyConfig.CheckThreshold = int32(cfg.Security.BanThreshold)
	}
	if cfg.Security.BanDuration > 0 {
		policyConfig.BanTimeout = cfg.Security.BanDuration
	}
	if cfg.Security.CheckThreshold > 0 {
		policyConfig.CheckThreshold = int32(cfg.Security.CheckThreshold)
	}
	policyServer := policy.NewPolicyServer(policyConfig, redis)
	policyServer.Start()

	var pprofServer *profiling.Server
	if cfg.Profiling.Enabled {
		pprofServer = profiling.NewServer(&cfg.Profiling)
		if err := pprofServer.Start(); err != nil {
			util.Errorf("Failed to start pprof server: %v", err)
		}
	}

	telemetryAgent := telemetry.NewAgent(&cfg.NewRelic)
	if err := telemetryAgent.Start(); err != nil {
		util.Errorf("Failed to start New Relic agent: %v", err)
	}

	notifier := notify.NewNotifier(&notify.WebhookConfig{
		DiscordURL:   cfg.Notify.DiscordURL,
		TelegramBot:  cfg.Notify.TelegramBot,
		TelegramChat: cfg.Notify.TelegramChat,
		Enabled:      cfg.Notify.Enabled,
		ServiceName:  cfg.Pool.Name,
		ServiceURL:   cfg.Notify.ServiceURL,
	})

	tracker := session.NewTracker(cfg, redis, manager, notifier, telemetryAgent)
	tracker.Start()

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, redis, manager, tracker, policyServer)
		if err := apiServer.Start(); err != nil {
			util.Fatalf("Failed to start API server: %v", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("streamgate started successfully. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")

	if apiServer != nil {
		apiServer.Stop()
	}
	tracker.Stop()
	telemetryAgent.Stop()
	if pprofServer != nil {
		pprofServer.Stop()
	}
	policyServer.Stop()

	util.Info("streamgate stopped")
}
