package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/liveboard-dev/liveboard/pkg/cache"
	"github.com/liveboard-dev/liveboard/pkg/config"
	"github.com/liveboard-dev/liveboard/pkg/events"
	"github.com/liveboard-dev/liveboard/pkg/log"
	"github.com/liveboard-dev/liveboard/pkg/metrics"
	"github.com/liveboard-dev/liveboard/pkg/mux"
	"github.com/liveboard-dev/liveboard/pkg/oplog"
	"github.com/liveboard-dev/liveboard/pkg/server"
	"github.com/liveboard-dev/liveboard/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "liveboard",
	Short: "Liveboard - live discussion board synchronization engine",
	Long: `Liveboard keeps discussion threads synchronized in real time:
every mutation is an ordered event in a per-thread log, clients hold
ordinal watermarks, and reconnects replay exactly what was missed.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Liveboard version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the synchronization server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		listenAddr, _ := cmd.Flags().GetString("listen")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		cfg := config.Default()
		if cfgPath != "" {
			var err error
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return err
			}
		}
		if listenAddr != "" {
			cfg.ListenAddr = listenAddr
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})
		metrics.SetVersion(Version)

		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to the YAML config file")
	serveCmd.Flags().String("listen", "", "Bind address (overrides config)")
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
}

func serve(cfg *config.Config) error {
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, "")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	metrics.RegisterComponent("broker", true, "")

	index := cache.NewIndex(store, broker)
	if err := index.Start(); err != nil {
		return fmt.Errorf("build ownership index: %w", err)
	}
	defer index.Stop()

	l := oplog.New(store, broker, cfg)
	// posts left open by an unclean shutdown are sealed before anyone
	// connects
	if err := l.FinishAll(); err != nil {
		return fmt.Errorf("finish stale posts: %w", err)
	}

	reg := mux.NewRegistry(broker, cfg.SubIdleTimeout)
	srv := server.NewServer(cfg, store, l, index, reg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info(fmt.Sprintf("received %s, shutting down", sig))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(ctx)
}
