package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/binlift/binlift/pkg/alerts"
	"github.com/binlift/binlift/pkg/api"
	"github.com/binlift/binlift/pkg/auth"
	"github.com/binlift/binlift/pkg/breaker"
	"github.com/binlift/binlift/pkg/config"
	"github.com/binlift/binlift/pkg/disasm"
	"github.com/binlift/binlift/pkg/engine"
	"github.com/binlift/binlift/pkg/log"
	"github.com/binlift/binlift/pkg/provider"
	"github.com/binlift/binlift/pkg/ratelimit"
	"github.com/binlift/binlift/pkg/storage"
	"github.com/binlift/binlift/pkg/translate"
	"github.com/binlift/binlift/pkg/types"
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
	Use:   "binlift",
	Short: "binlift - binary decompilation and LLM explanation service",
	Long: `binlift disassembles uploaded binaries with a radare2-compatible
tool and translates the extracted functions, imports, and strings into
natural language through configurable LLM providers.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"binlift version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serverCmd.Flags().String("config", "", "Path to YAML config file")
	serverCmd.Flags().Bool("production", false, "Reject insecure defaults (built-in API key salt)")
	bootstrapCmd.Flags().String("config", "", "Path to YAML config file")
	bootstrapCmd.Flags().String("user-id", "admin", "User id for the initial admin key")

	apikeyCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(apikeyCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		production, _ := cmd.Flags().GetBool("production")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(production); err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		logger := log.WithComponent("main")

		store, err := storage.NewBoltStore(cfg.Storage.RootDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		ttls := make(map[string]time.Duration, len(cfg.Storage.Kinds))
		for kind := range cfg.Storage.Kinds {
			ttls[kind] = cfg.BlobTTL(kind)
		}
		blobs, err := storage.NewFSBlobs(cfg.Storage.RootDir, ttls)
		if err != nil {
			return fmt.Errorf("failed to open blob tier: %w", err)
		}

		breakers := breaker.NewRegistry(cfg.CircuitBreaker)
		providers := provider.NewRegistry(cfg.Providers,
			time.Duration(cfg.Translation.CallTimeoutSeconds)*time.Second)
		limiter := ratelimit.NewLimiter(store, cfg)
		authMgr := auth.NewManager(store, cfg.Auth.APIKeySalt)
		extractor := disasm.NewAdapter(cfg.Disassembler.Binary, cfg.StepTimeout())
		translator := translate.NewOrchestrator(breakers, cfg.Translation)

		eng := engine.New(cfg, store, blobs, extractor, providers, translator,
			limiter, breakers, Version)
		eng.Start()
		defer eng.Stop()

		alertMgr := alerts.NewManager(alerts.DefaultThresholds())
		alertCtx, stopAlerts := context.WithCancel(context.Background())
		defer stopAlerts()
		go alertMgr.Run(alertCtx, time.Minute, func() *types.SystemStats {
			stats, err := eng.Stats()
			if err != nil {
				logger.Warn().Err(err).Msg("Alert check skipped, stats unavailable")
				return nil
			}
			return stats
		})

		srv := api.NewServer(cfg, eng, authMgr, limiter, breakers, providers, alertMgr, Version)
		errCh := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
		logger.Info().
			Str("version", Version).
			Str("addr", cfg.Server.ListenAddr).
			Msg("binlift started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to drain HTTP server: %w", err)
		}
		return nil
	},
}

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage API keys",
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Mint the initial admin API key",
	Long: `Mint the first admin key directly against the store, for setups
where the HTTP bootstrap route is unreachable. Refuses once any admin
key exists.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		userID, _ := cmd.Flags().GetString("user-id")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})

		store, err := storage.NewBoltStore(cfg.Storage.RootDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		key, token, err := auth.NewManager(store, cfg.Auth.APIKeySalt).Bootstrap(userID)
		if err != nil {
			return err
		}

		fmt.Printf("Admin key created for %s\n", key.UserID)
		fmt.Printf("  Key ID: %s\n", key.KeyID)
		fmt.Printf("  Token:  %s\n", token)
		fmt.Println()
		fmt.Println("Store the token now; it cannot be recovered later.")
		return nil
	},
}
