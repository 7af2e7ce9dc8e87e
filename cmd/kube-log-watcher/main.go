// Package main is the entry point for the kubernetes containers log
// watcher.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/podlog/kube-log-watcher/internal/agent"
	"github.com/podlog/kube-log-watcher/internal/agent/appdynamics"
	"github.com/podlog/kube-log-watcher/internal/agent/scalyr"
	"github.com/podlog/kube-log-watcher/internal/agent/symlinker"
	"github.com/podlog/kube-log-watcher/internal/config"
	"github.com/podlog/kube-log-watcher/internal/kube"
	"github.com/podlog/kube-log-watcher/internal/logging"
	"github.com/podlog/kube-log-watcher/internal/store"
	"github.com/podlog/kube-log-watcher/internal/watcher"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	var flags config.Flags
	flag.StringVar(&flags.ContainersPath, "containers-path", config.DefaultContainersPath,
		"Containers directory path mounted from the host. Can be set via WATCHER_CONTAINERS_PATH.")
	flag.StringVar(&flags.Agents, "agents", "",
		"Comma separated list of log processor agents. Can be set via WATCHER_AGENTS.")
	flag.StringVar(&flags.ClusterID, "cluster-id", "",
		"Cluster ID. Can be set via WATCHER_CLUSTER_ID.")
	flag.StringVar(&flags.KubeURL, "kube-url", "",
		"URL to an API proxy service handling authentication to the cluster. Can be set via WATCHER_KUBE_URL.")
	flag.StringVar(&flags.StrictLabels, "strict-labels", "",
		"Only follow containers in pods labeled with all of these labels. Can be set via WATCHER_STRICT_LABELS.")
	flag.IntVar(&flags.Interval, "interval", 60,
		"Sync interval in seconds. Can be set via WATCHER_INTERVAL.")
	flag.BoolVar(&flags.Debug, "v", false,
		"Verbose output. Can be set via WATCHER_DEBUG.")
	flag.Parse()

	logging.Setup(flags.Debug || os.Getenv("WATCHER_DEBUG") != "")

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Release:     os.Getenv("VERSION"),
			Environment: os.Getenv("CLUSTER_ENVIRONMENT"),
			ServerName: fmt.Sprintf("%s:%s:%s",
				os.Getenv("CLUSTER_ALIAS"), os.Getenv("CLUSTER_NODE_NAME"), os.Getenv("HOSTNAME")),
		})
		if err != nil {
			log.Warn().Err(err).Msg("Sentry initialization failed")
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	cfg, err := config.Load(flags)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration, terminating watcher")
	}

	log.Info().
		Str("version", version).
		Str("containers_path", cfg.ContainersPath).
		Strs("agents", cfg.Agents).
		Str("kube_url", cfg.KubeURL).
		Dur("interval", cfg.Interval).
		Strs("strict_labels", cfg.StrictLabels).
		Str("watcher_config", cfg.ConfigFile).
		Msg("Loaded configuration")

	registry := agent.NewRegistry()
	registry.Register(scalyr.Name, scalyr.New)
	registry.Register(appdynamics.Name, appdynamics.New)
	registry.Register(symlinker.Name, symlinker.New)

	var state store.Store
	if cfg.StatePath != "" {
		state, err = store.NewSQLiteStore(cfg.StatePath)
		if err != nil {
			log.Fatal().Err(err).Msg("Cannot open state database")
		}
	} else {
		state = store.NewMemoryStore()
	}
	defer state.Close()

	var pods watcher.PodGetter
	if cfg.KubeURL != "" {
		pods = kube.NewProxyClient(cfg.KubeURL)
	} else {
		client, err := kube.NewServiceAccountClient()
		if err != nil {
			log.Fatal().Err(err).Msg("Cannot build kubernetes client")
		}
		pods = client
	}

	w, err := watcher.New(cfg, registry, pods, state)
	if err != nil {
		log.Fatal().Err(err).Msg("Watcher initialization failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Watcher terminated")
	}
	log.Info().Msg("Watcher stopped")
}
