package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/npratt/sidecar/internal/batchwriter"
	"github.com/npratt/sidecar/internal/config"
	"github.com/npratt/sidecar/internal/control"
	"github.com/npratt/sidecar/internal/events"
	"github.com/npratt/sidecar/internal/eventbus"
	sidecarinit "github.com/npratt/sidecar/internal/init"
	"github.com/npratt/sidecar/internal/orchestrator"
	"github.com/npratt/sidecar/internal/pluginhost"
	"github.com/npratt/sidecar/internal/shutdown"
	"github.com/npratt/sidecar/internal/store"
)

var version = "dev"

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func controlSocketPath(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), "control.sock")
}

func main() {
	logLevel := &slog.LevelVar{}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	viper.SetEnvPrefix("WRAPPER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:   "sidecar",
		Short: "Transparent middleware that wraps an AI-assistant CLI",
		Long: `sidecar is a transparent wrapper around the claude CLI (or any
compatible assistant binary). It passes stdin/stdout/stderr through
byte-for-byte unmodified while observing query/response traffic on the side,
persisting it, and dispatching it to plugins.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().Bool(FlagVerbose, false, "Enable verbose (debug) logging")
	rootCmd.PersistentFlags().String(FlagConfig, "", "Config file path (default: .sidecar/config.json)")
	rootCmd.PersistentFlags().String(FlagMode, "", "Run mode: development, production, or test")
	rootCmd.PersistentFlags().String(FlagBinaryPath, "", "Path to the wrapped assistant binary")
	rootCmd.PersistentFlags().String(FlagDBPath, "", "Path to the sqlite store")
	rootCmd.PersistentFlags().String(FlagPluginsDir, "", "Plugin discovery directory")
	rootCmd.PersistentFlags().StringSlice(FlagEnablePlugins, nil, "Plugin names to force-enable")
	rootCmd.PersistentFlags().StringSlice(FlagDisablePlugins, nil, "Plugin names to force-disable")
	rootCmd.PersistentFlags().String(FlagLogLevel, "", "Log level: debug, info, warn, error")

	rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		_ = viper.BindPFlag(f.Name, f)
	})

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sidecar %s\n", version)
		},
	}

	runCmd := &cobra.Command{
		Use:   "run [-- args...]",
		Short: "Run the wrapped assistant CLI under sidecar's observation",
		Long: `Spawns the assistant binary, passing stdin/stdout/stderr through
untouched while observing traffic on the side. Arguments after "--" are
forwarded verbatim to the child process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetBool(FlagVerbose) {
				logLevel.Set(slog.LevelDebug)
			}

			cfg, err := loadEffectiveConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logLevel.Set(parseLogLevel(cfg.Monitor.LogLevel))

			childArgs := args
			binaryPath := cfg.Wrapper.BinaryPath
			if len(childArgs) > 0 && binaryPath == "" {
				binaryPath = childArgs[0]
				childArgs = childArgs[1:]
			}
			if binaryPath == "" {
				fmt.Fprintln(os.Stderr, "sidecar: no binary specified (use --binary-path or pass one after --)")
				os.Exit(2)
			}

			if err := os.MkdirAll(filepath.Dir(cfg.DB.Path), 0o755); err != nil {
				fmt.Fprintf(os.Stderr, "sidecar: create db directory: %v\n", err)
				os.Exit(2)
			}

			ctx := cmd.Context()
			st, err := store.Open(ctx, store.Config{Path: cfg.DB.Path})
			if err != nil {
				fmt.Fprintf(os.Stderr, "sidecar: open store: %v\n", err)
				os.Exit(2)
			}
			defer func() { _ = st.Close() }()

			bus := eventbus.New()
			bus.EnableReplay(256)

			batch := batchwriter.New(batchwriter.Config[events.Record]{
				BatchSize:     cfg.DB.BatchSize,
				FlushInterval: time.Duration(cfg.DB.FlushIntervalMs) * time.Millisecond,
				Handler: func(ctx context.Context, batch []events.Record) error {
					return st.SaveBatch(ctx, batch)
				},
				Retries:       2,
				RetryDelay:    200 * time.Millisecond,
				MaxConcurrent: 4,
				OnError: func(err error, batch []events.Record, attempts int) {
					logger.Error("sidecar: batch persist failed", "error", err, "count", len(batch), "attempts", attempts)
				},
			})

			bus.Subscribe(eventbus.WildcardKind, func(_ context.Context, ev events.Event) error {
				batch.Add(recordFor(ev))
				return nil
			}, eventbus.SubscribeOptions{})

			logSink := events.NewLogSink(filepath.Join(filepath.Dir(cfg.DB.Path), "events.log"))
			logSinkCtx, logSinkCancel := context.WithCancel(ctx)
			logCh := make(chan events.Event, 256)
			if err := logSink.Start(logSinkCtx, logCh); err != nil {
				logger.Warn("sidecar: log sink disabled", "error", err)
				logSinkCancel()
			} else {
				bus.Subscribe(eventbus.WildcardKind, func(_ context.Context, ev events.Event) error {
					select {
					case logCh <- ev:
					default:
						logger.Warn("sidecar: log sink backlog full, dropping event", "eventId", ev.ID)
					}
					return nil
				}, eventbus.SubscribeOptions{})
			}

			host := pluginhost.New(bus, st, logger, pluginConfigOverlay(cfg))

			orch := orchestrator.New(orchestrator.Config{
				BinaryPath:         binaryPath,
				Args:               childArgs,
				PluginsDir:         cfg.Plugins.Directory,
				PluginFactory:      nil,
				GracefulShutdownMs: cfg.Wrapper.GracefulShutdownMs,
				UsePty:             cfg.Mode != "test",
				Logger:             logger,
			}, st, bus, batch, host)

			sockPath := controlSocketPath(cfg.DB.Path)
			ctrl := control.New(sockPath, orch, orch.Shutdown, logger)
			ctrlCtx, ctrlCancel := context.WithCancel(ctx)
			go func() {
				_ = shutdown.RunWithGracefulShutdown(ctrlCtx, logger, 5*time.Second,
					ctrl.Start,
					func(context.Context) error { return ctrl.Stop() },
				)
			}()

			gracefulMs := cfg.Wrapper.GracefulShutdownMs
			if gracefulMs <= 0 {
				gracefulMs = 5000
			}

			var exitCode int
			_ = shutdown.RunWithGracefulShutdown(ctx, logger, time.Duration(gracefulMs)*time.Millisecond,
				func(runCtx context.Context) error {
					exitCode = orch.Run(runCtx)
					return nil
				},
				func(context.Context) error {
					// orch.Run's own ctx.Done() branch already runs the
					// reverse-order shutdown; nothing further needed here.
					return nil
				},
			)
			ctrlCancel()
			logSinkCancel()
			_ = logSink.Stop()

			os.Exit(exitCode)
			return nil
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print aggregate query/response statistics from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadEffectiveConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx := cmd.Context()
			st, err := store.Open(ctx, store.Config{Path: cfg.DB.Path})
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer func() { _ = st.Close() }()

			stats, err := st.Stats(ctx, store.StatsWindow{})
			if err != nil {
				return fmt.Errorf("compute stats: %w", err)
			}

			if viper.GetBool(FlagJSON) {
				data, err := json.MarshalIndent(stats, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			fmt.Printf("Total queries:  %d\n", stats.TotalQueries)
			fmt.Printf("Total tokens:   %d\n", stats.TotalTokens)
			fmt.Printf("Avg latency ms: %.1f\n", stats.AvgLatencyMs)
			fmt.Printf("Error rate:     %.2f%%\n", stats.ErrorRate*100)
			return nil
		},
	}
	statsCmd.Flags().Bool(FlagJSON, false, "Output stats as JSON")
	_ = viper.BindPFlag(FlagJSON, statsCmd.Flags().Lookup(FlagJSON))

	pluginsCmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect configured plugins",
	}
	pluginsListCmd := &cobra.Command{
		Use:   "list",
		Short: "List discoverable plugins and their manifests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadEffectiveConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			manifests := pluginhost.Discover(cfg.Plugins.Directory, logger)
			if len(manifests) == 0 {
				fmt.Println("No plugins discovered")
				return nil
			}
			for _, m := range manifests {
				fmt.Printf("%s@%s priority=%d timeout=%dms deps=%v\n",
					m.Name, m.Version, m.Priority, m.TimeoutMs, m.Dependencies)
			}
			return nil
		},
	}
	pluginsCmd.AddCommand(pluginsListCmd)

	controlCmd := &cobra.Command{
		Use:   "control <stats|shutdown>",
		Short: "Talk to a running sidecar instance's control plane",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadEffectiveConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			resp, err := control.Call(controlSocketPath(cfg.DB.Path), control.Request{Method: args[0]})
			if err != nil {
				return err
			}
			if resp.Error != "" {
				return fmt.Errorf("%s", resp.Error)
			}
			data, err := json.MarshalIndent(resp.Result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a .sidecar/ project directory",
		Long: `Creates .sidecar/config.json and an example plugin manifest under
.sidecar/plugins/, so "sidecar run" works out of the box.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := sidecarinit.Options{
				Force:  viper.GetBool(FlagForce),
				DryRun: viper.GetBool(FlagDryRun),
			}
			_, err := sidecarinit.Run(opts)
			return err
		},
	}
	initCmd.Flags().Bool(FlagForce, false, "Overwrite existing files (creates timestamped backups)")
	initCmd.Flags().Bool(FlagDryRun, false, "Show what would be changed without making changes")
	initCmd.Flags().VisitAll(func(f *pflag.Flag) {
		_ = viper.BindPFlag(f.Name, f)
	})

	rootCmd.AddCommand(versionCmd, runCmd, statsCmd, pluginsCmd, controlCmd, initCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

const (
	FlagForce  = "force"
	FlagDryRun = "dry-run"
)

// loadEffectiveConfig loads file/env/default config and applies explicit CLI
// flag overrides, matching the CLI > env > file > defaults precedence.
func loadEffectiveConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(viper.GetViper())
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed(FlagMode) {
		cfg.Mode = viper.GetString(FlagMode)
	}
	if cmd.Flags().Changed(FlagBinaryPath) {
		cfg.Wrapper.BinaryPath = viper.GetString(FlagBinaryPath)
	}
	if cmd.Flags().Changed(FlagDBPath) {
		cfg.DB.Path = viper.GetString(FlagDBPath)
	}
	if cmd.Flags().Changed(FlagPluginsDir) {
		cfg.Plugins.Directory = viper.GetString(FlagPluginsDir)
	}
	if cmd.Flags().Changed(FlagEnablePlugins) {
		cfg.Plugins.EnabledPlugins = viper.GetStringSlice(FlagEnablePlugins)
	}
	if cmd.Flags().Changed(FlagDisablePlugins) {
		cfg.Plugins.DisabledPlugins = viper.GetStringSlice(FlagDisablePlugins)
	}
	if cmd.Flags().Changed(FlagLogLevel) {
		cfg.Monitor.LogLevel = viper.GetString(FlagLogLevel)
	}

	return cfg, nil
}

// pluginConfigOverlay builds the per-plugin config override a Host merges
// over each plugin's own manifest-declared config block. sidecar's config
// file has no per-plugin section today, so this is empty; plugins get their
// config entirely from their own manifest.json.
func pluginConfigOverlay(cfg *config.Config) map[string]map[string]any {
	return map[string]map[string]any{}
}

// recordFor converts a raw Event into the discriminated Record the Store's
// batch insert understands, decoding the payload by event kind.
func recordFor(ev events.Event) events.Record {
	switch ev.EventKind {
	case events.KindQuery:
		if q, err := events.DecodeQuery(ev); err == nil {
			return events.Record{Query: &q}
		}
	case events.KindResponse:
		if r, err := events.DecodeResponse(ev); err == nil {
			return events.Record{Response: &r}
		}
	}
	return events.Record{}
}
