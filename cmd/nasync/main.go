package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nasync/nasync/internal/config"
	"github.com/nasync/nasync/internal/daemon"
	"github.com/nasync/nasync/internal/utils"
	"github.com/nasync/nasync/internal/version"
)

var (
	home, _        = os.UserHomeDir()
	configFileName = "config"
	verbose        bool
)

var rootCmd = &cobra.Command{
	Use:     "nasync",
	Short:   "Keep a local directory and a NAS share in sync",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := &config.Config{}
		// viper's default decode hooks already parse "30s" style durations
		if err := viper.Unmarshal(cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		// config is valid, errors from here on are runtime, not usage
		cmd.SilenceUsage = true

		cleanup, err := setupLogging(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		showHeader()
		slog.Info("nasync",
			"version", version.Version,
			"revision", version.Revision,
			"build", version.BuildDate)

		d, err := daemon.New(cfg, slog.Default())
		if err != nil {
			return err
		}

		defer slog.Info("Bye!")
		if err := d.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("daemon", "error", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("source", "s", "", "Local directory to sync")
	rootCmd.Flags().StringP("protocol", "p", "", "Backend protocol (smb, ftp, nfs, rsync, webdav)")
	rootCmd.Flags().StringP("direction", "d", string(config.DirectionLocalToNAS), "Sync direction (local-to-nas, nas-to-local, two-way)")
	rootCmd.Flags().Bool("sync-deletes", false, "Propagate deletes to the other side")
	rootCmd.Flags().Duration("poll-interval", config.DefaultPollInterval, "Remote poll interval")
	rootCmd.Flags().String("control-addr", "", "Loopback address for the status endpoint (off when empty)")
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "Config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".nasync"))
		viper.AddConfigPath(filepath.Join(home, ".config", "nasync"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !enoent && !notFound {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("source_dir", cmd.Flags().Lookup("source"))
	viper.BindPFlag("protocol", cmd.Flags().Lookup("protocol"))
	viper.BindPFlag("sync_direction", cmd.Flags().Lookup("direction"))
	viper.BindPFlag("sync_deletes", cmd.Flags().Lookup("sync-deletes"))
	viper.BindPFlag("poll_interval", cmd.Flags().Lookup("poll-interval"))
	viper.BindPFlag("control_addr", cmd.Flags().Lookup("control-addr"))

	viper.SetEnvPrefix("NASYNC")
	viper.AutomaticEnv()

	return nil
}

// setupLogging sends colored logs to the terminal and plain text to the log
// file, both through one handler.
func setupLogging(cfg *config.Config) (func(), error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	logFile := cfg.LogPath()
	if err := utils.EnsureParent(logFile); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler)))
	return func() { file.Close() }, nil
}

func showHeader() {
	color.New(color.FgHiCyan, color.Bold).Printf("nasync %s\n", version.Version)
}
