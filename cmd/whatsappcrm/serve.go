package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Camifryou/whatsappcrm/internal/actor"
	"github.com/Camifryou/whatsappcrm/internal/config"
	"github.com/Camifryou/whatsappcrm/internal/lockfile"
	"github.com/Camifryou/whatsappcrm/internal/logger"
	"github.com/Camifryou/whatsappcrm/internal/pairing"
	"github.com/Camifryou/whatsappcrm/internal/pprof"
	"github.com/Camifryou/whatsappcrm/internal/provider"
	"github.com/Camifryou/whatsappcrm/internal/provider/simulator"
	"github.com/Camifryou/whatsappcrm/internal/registry"
	"github.com/Camifryou/whatsappcrm/internal/store"
	"github.com/Camifryou/whatsappcrm/internal/web"
)

const stopTimeout = 10 * time.Second

var (
	serveAddr   string
	serveStatic string
	profiling   pprof.Config
)

// serveCmd runs the relay server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	Long:  "Restore stored sessions and serve the websocket channel, the admin API and media files.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address, overrides listen_addr")
	serveCmd.Flags().StringVar(&serveStatic, "static", "", "Directory with the web UI, overrides static_dir")
	serveCmd.Flags().StringVar(&profiling.HTTPAddr, "pprof-addr", "", "Serve /debug/pprof/ on this address")
	serveCmd.Flags().StringVar(&profiling.CPUProfile, "cpuprofile", "", "Write a CPU profile to this file")
	serveCmd.Flags().StringVar(&profiling.HeapProfile, "memprofile", "", "Write a heap profile to this file on exit")
}

func runServe(ctx context.Context) (err error) {
	// A missing .env is fine
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to read .env: %v\n", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.ListenAddr = serveAddr
	}
	if serveStatic != "" {
		cfg.StaticDir = serveStatic
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()
	logger.Info("whatsappcrm starting")
	logger.Debug("Configuration loaded: listen_addr=%s, data_dir=%s, provider=%s", cfg.ListenAddr, cfg.DataDir, cfg.Provider)

	lock := lockfile.New(cfg.LockPath())
	if err := lock.TryAcquire(cfg.ListenAddr); err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("Failed to release lock: %v", err)
		}
	}()

	profiler := pprof.NewHandler(profiling, logger.Global().WithPrefix("pprof"))
	if err := profiler.Start(); err != nil {
		return err
	}
	defer func() {
		if err := profiler.Stop(); err != nil {
			logger.Warn("Profiling: %v", err)
		}
	}()

	creds := store.NewCredentialStore(cfg.SessionsDir())
	if err := os.MkdirAll(creds.Root(), 0755); err != nil {
		return fmt.Errorf("failed to create sessions directory: %w", err)
	}
	meta, err := store.OpenMetadata(creds.MetadataPath())
	if err != nil {
		return err
	}
	media := store.NewMediaStore(cfg.MediaDir())

	factory, err := newFactory(cfg)
	if err != nil {
		return err
	}

	hub := web.NewHub(logger.Global().WithPrefix("web"))

	var printer *pairing.Printer
	if cfg.PrintQR {
		printer = pairing.NewTerminalPrinter()
	}
	reg := registry.New(registry.Options{
		Factory:       factory,
		Metadata:      meta,
		Credentials:   creds,
		Media:         media,
		Broadcaster:   hub,
		QRPrinter:     printer,
		AutoReply:     cfg.AutoReply,
		PurgeOnDelete: cfg.PurgeOnDelete,
	})

	system := actor.NewSystem()
	if err := system.SpawnRef(ctx, reg.Ref()); err != nil {
		return fmt.Errorf("failed to start registry: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		logger.Info("Destroying clients...")
		if err := system.StopAll(stopCtx); err != nil {
			logger.Warn("Shutdown incomplete: %v", err)
		}
	}()

	restored, err := reg.Restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore sessions: %w", err)
	}
	logger.Info("Restored %d session(s)", len(restored))

	server := web.NewServer(web.Options{
		Hub:          hub,
		Registry:     reg,
		Health:       system,
		MediaDir:     media.Root(),
		StaticDir:    cfg.StaticDir,
		MaxObservers: cfg.MaxObservers,
		Logger:       logger.Global().WithPrefix("web"),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.ListenAddr)
	})
	if profiling.Enabled() {
		g.Go(func() error {
			return profiler.Serve(gctx)
		})
	}
	g.Go(func() error {
		return meta.Watch(gctx, func(changes []store.NameChange) {
			if err := reg.ApplyNameChanges(gctx, changes); err != nil {
				logger.Warn("Failed to apply name changes: %v", err)
			}
		})
	})

	err = g.Wait()
	logger.Info("whatsappcrm stopped")
	return err
}

func newFactory(cfg *config.Config) (provider.Factory, error) {
	switch cfg.Provider {
	case config.ProviderSimulator:
		return simulator.NewFactory(simulator.Options{
			PairDelay:      time.Duration(cfg.Simulator.PairDelayMS) * time.Millisecond,
			IdentityPrefix: cfg.Simulator.IdentityPrefix,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
