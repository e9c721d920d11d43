// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/mmsync/internal/buildinfo"
	"github.com/autobrr/mmsync/internal/config"
	"github.com/autobrr/mmsync/internal/domain"
	"github.com/autobrr/mmsync/internal/library"
	"github.com/autobrr/mmsync/internal/sabnzbd"
	"github.com/autobrr/mmsync/internal/services/finalize"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "mmsync",
		Short: "Reconcile SABnzbd downloads with a file-based music library",
		Long: `mmsync - moves finished SABnzbd music downloads into their release
folders and marks the matching tracks as available.`,
		SilenceUsage: true,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunFinalizeCommand())
	rootCmd.AddCommand(RunSubmitCommand())
	rootCmd.AddCommand(RunTestConnectionCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// configFlags are shared by every command that loads config.toml.
type configFlags struct {
	configDir string
	dataDir   string
	logPath   string
}

func (f *configFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/mmsync/ or %APPDATA%\\mmsync\\). Can also be a direct path to a .toml file")
	cmd.Flags().StringVar(&f.dataDir, "data-dir", "", "data directory for the job memo database (default is next to config file)")
	cmd.Flags().StringVar(&f.logPath, "log-path", "", "log file path (default is stdout)")
}

func (f *configFlags) load() (*config.AppConfig, error) {
	cfg, err := config.New(f.configDir, buildinfo.Version)
	if err != nil {
		return nil, errors.Wrap(err, "initialize configuration")
	}

	if f.dataDir != "" {
		cfg.SetDataDir(f.dataDir)
	}
	if f.logPath != "" {
		cfg.Config.LogPath = f.logPath
	}

	cfg.ApplyLogConfig()
	return cfg, nil
}

func newSabnzbdClient(conf *domain.Config) *sabnzbd.Client {
	return sabnzbd.NewClient(sabnzbd.Config{
		BaseURL:  conf.SabnzbdURL,
		APIKey:   conf.SabnzbdAPIKey,
		Category: conf.SabnzbdCategory,
		Timeout:  time.Duration(conf.SabnzbdTimeoutSeconds) * time.Second,
	})
}

func finalizeConfig(conf *domain.Config, logWriter io.Writer) finalize.Config {
	cfg := finalize.DefaultConfig()
	cfg.DownloadsRoot = conf.CompletedDownload
	cfg.LogWriter = logWriter
	cfg.Retry = finalize.RetryPolicy{
		MaxAttempts: conf.FinalizeMaxAttempts,
		Interval:    time.Duration(conf.FinalizeRetryIntervalSeconds) * time.Second,
	}
	return cfg
}

func openLibrary(ctx context.Context, conf *domain.Config) (*library.Store, *library.Cache, error) {
	if conf.LibraryPath == "" {
		return nil, nil, errors.New("libraryPath is not configured")
	}
	store := library.NewStore(conf.LibraryPath)
	cache := library.NewCache(store)
	if err := cache.Load(ctx); err != nil {
		return nil, nil, errors.Wrap(err, "load library")
	}
	log.Info().Str("root", conf.LibraryPath).Int("releases", len(cache.All())).Msg("Library loaded")
	return store, cache, nil
}

func RunFinalizeCommand() *cobra.Command {
	var (
		flags    configFlags
		source   string
		jobName  string
		attempts int
	)

	command := &cobra.Command{
		Use:   "finalize <artistId> <releaseFolder>",
		Short: "Wait for a release's download to finish and import it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, cache, err := openLibrary(ctx, cfg.Config)
			if err != nil {
				return err
			}

			finalizeCfg := finalizeConfig(cfg.Config, cfg.LogWriter())
			if attempts > 0 {
				finalizeCfg.Retry.MaxAttempts = attempts
			}
			svc := finalize.NewService(finalizeCfg, newSabnzbdClient(cfg.Config), cache, store, nil)

			err = svc.Run(ctx, finalize.Request{
				ArtistID:   args[0],
				Folder:     args[1],
				SourceHint: source,
				JobName:    jobName,
				Trigger:    finalize.TriggerManual,
			})
			if err != nil {
				return err
			}

			for _, event := range svc.GetActivity(1) {
				cmd.Printf("%s: moved %d files, %d tracks available\n", event.Outcome, event.Moved, event.Tracks)
			}
			return nil
		},
	}

	flags.register(command)
	command.Flags().StringVar(&source, "source", "", "download directory to import from (default is derived from the job name)")
	command.Flags().StringVar(&jobName, "job", "", "SABnzbd job name to wait for (default is \"<artist> - <title>\")")
	command.Flags().IntVar(&attempts, "attempts", 0, "number of completion checks (default from config)")

	return command
}

func RunSubmitCommand() *cobra.Command {
	var (
		flags    configFlags
		jobURL   string
		nzbFile  string
		name     string
		pathOver string
	)

	command := &cobra.Command{
		Use:   "submit",
		Short: "Submit an NZB to SABnzbd by URL or file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (jobURL == "") == (nzbFile == "") {
				return errors.New("exactly one of --url or --file is required")
			}

			cfg, err := flags.load()
			if err != nil {
				return err
			}
			client := newSabnzbdClient(cfg.Config)
			if !client.Configured() {
				return sabnzbd.ErrNotConfigured
			}

			var accepted bool
			if jobURL != "" {
				accepted = client.SubmitByURL(cmd.Context(), jobURL, name, pathOver)
			} else {
				data, err := os.ReadFile(nzbFile)
				if err != nil {
					return errors.Wrap(err, "read nzb file")
				}
				log.Debug().Str("file", nzbFile).Str("size", humanize.Bytes(uint64(len(data)))).Msg("Submitting NZB file")
				accepted = client.SubmitByContent(cmd.Context(), data, filepath.Base(nzbFile), pathOver, name)
			}

			if !accepted {
				return errors.New("SABnzbd rejected the submission")
			}
			cmd.Println("Submission accepted")
			return nil
		},
	}

	flags.register(command)
	command.Flags().StringVar(&jobURL, "url", "", "NZB URL to fetch")
	command.Flags().StringVar(&nzbFile, "file", "", "local NZB file to upload")
	command.Flags().StringVar(&name, "name", "", "job name shown in SABnzbd")
	command.Flags().StringVar(&pathOver, "path", "", "download directory override")

	return command
}

func RunTestConnectionCommand() *cobra.Command {
	var flags configFlags

	command := &cobra.Command{
		Use:   "test-connection",
		Short: "Check that SABnzbd is reachable with the configured API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			ok, message := newSabnzbdClient(cfg.Config).TestConnectivity(ctx)
			if !ok {
				return errors.New(message)
			}
			cmd.Println(message)
			return nil
		},
	}

	flags.register(command)
	return command
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of mmsync",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
			if buildinfo.Commit != "" {
				fmt.Printf("commit: %s\n", buildinfo.Commit)
			}
			if buildinfo.Date != "" {
				fmt.Printf("built: %s\n", buildinfo.Date)
			}
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/mmsync/config.toml
- Windows: %APPDATA%\mmsync\config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := config.ResolveConfigPath(configDir)

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}
