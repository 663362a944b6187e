package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/matx64/synche/pkg/config"
	"github.com/matx64/synche/pkg/conflict"
	"github.com/matx64/synche/pkg/discovery"
	"github.com/matx64/synche/pkg/entrymgr"
	"github.com/matx64/synche/pkg/eventbus"
	"github.com/matx64/synche/pkg/identity"
	"github.com/matx64/synche/pkg/model"
	"github.com/matx64/synche/pkg/orchestrator"
	"github.com/matx64/synche/pkg/protocol"
	"github.com/matx64/synche/pkg/registry"
	"github.com/matx64/synche/pkg/store"
	"github.com/matx64/synche/pkg/watcher"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "synche",
		Short: "Continuous peer-to-peer LAN file synchronization",
		Long:  `Synche keeps a set of directories in sync across trusted devices on the same LAN.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default: <config dir>/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		runCmd(),
		idCmd(),
		dirCmd(),
		statusCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := cfg.Build()
	return logger
}

func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	dir, err := identity.DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

func loadOrInitConfig() (*config.Config, string, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &config.Config{SyncPort: config.DefaultSyncPort, DiscoveryPort: config.DefaultDiscoveryPort, AdminPort: config.DefaultAdminPort}, path, nil
	}
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, cfgPath, err := loadOrInitConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			configDir := filepath.Dir(cfgPath)
			peerID, err := identity.Load(configDir)
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}
			logger.Info("starting synche", zap.String("peer_id", peerID))

			st, err := store.Open(filepath.Join(configDir, "synche.db"))
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			bus := eventbus.New()
			resolver := conflict.New(bus)
			mgr := entrymgr.New(st, resolver, peerID, logger)
			watchAdapter := watcher.New(logger)

			orch := orchestrator.New(peerID, st, mgr, bus, watchAdapter, logger)
			orch.SetMaxFileSize(cfg.MaxFileSizeBytes)

			hostname, _ := os.Hostname()
			transport := protocol.NewTransport(peerID, orch.DirectoryNames, orch, orch, logger)
			orch.SetTransport(transport)

			reg := registry.New(transport, bus, logger)
			orch.SetRegistry(reg)

			stopListen, err := transport.Listen(fmt.Sprintf(":%d", cfg.SyncPort))
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			defer stopListen()

			disc := discovery.New(peerID, hostname, cfg.DiscoveryPort, cfg.SyncPort, logger)
			stopDiscovery, err := disc.Start()
			if err != nil {
				return fmt.Errorf("start discovery: %w", err)
			}
			defer stopDiscovery()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			go forwardDiscovery(ctx, disc, reg)

			for _, d := range cfg.Directories {
				sd := model.SyncDirectory{Name: d.Name, RootAbsPath: d.RootAbsPath}
				if err := orch.AddDirectory(sd); err != nil {
					logger.Error("add directory failed", zap.String("name", d.Name), zap.Error(err))
				}
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				logger.Info("shutting down")
				cancel()
			}()

			if err := orch.Run(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}
}

func forwardDiscovery(ctx context.Context, disc *discovery.Service, reg *registry.Registry) {
	for {
		select {
		case <-ctx.Done():
			return
		case up := <-disc.Up():
			reg.PeerUp(up.PeerID, up.Addr, up.Hostname)
		case down := <-disc.Down():
			reg.PeerDown(down.PeerID)
		}
	}
}

func idCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print this device's peer id",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveConfigPath()
			if err != nil {
				return err
			}
			peerID, err := identity.Load(filepath.Dir(path))
			if err != nil {
				return err
			}
			fmt.Println(peerID)
			return nil
		},
	}
}

func dirCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dir",
		Short: "Manage synced directories",
	}
	cmd.AddCommand(dirAddCmd(), dirRemoveCmd(), dirListCmd())
	return cmd
}

func dirAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <name> <path>",
		Short: "Add a directory to sync",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadOrInitConfig()
			if err != nil {
				return err
			}
			abs, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}
			for _, d := range cfg.Directories {
				if d.Name == args[0] {
					return fmt.Errorf("directory %q already configured", args[0])
				}
			}
			cfg.Directories = append(cfg.Directories, config.Directory{Name: args[0], RootAbsPath: abs})
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := config.Save(path, cfg); err != nil {
				return err
			}
			fmt.Printf("added %s -> %s\n", args[0], abs)
			return nil
		},
	}
}

func dirRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Stop syncing a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadOrInitConfig()
			if err != nil {
				return err
			}
			out := cfg.Directories[:0]
			found := false
			for _, d := range cfg.Directories {
				if d.Name == args[0] {
					found = true
					continue
				}
				out = append(out, d)
			}
			if !found {
				return fmt.Errorf("directory %q not found", args[0])
			}
			cfg.Directories = out
			if err := config.Save(path, cfg); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", args[0])
			return nil
		},
	}
}

func dirListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadOrInitConfig()
			if err != nil {
				return err
			}
			for _, d := range cfg.Directories {
				fmt.Printf("%-20s %s\n", d.Name, d.RootAbsPath)
			}
			return nil
		},
	}
}
