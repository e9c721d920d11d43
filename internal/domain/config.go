// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// Config is the unmarshalled form of config.toml.
type Config struct {
	Version string `mapstructure:"-"`

	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir       string `toml:"dataDir" mapstructure:"dataDir"`

	MetricsEnabled bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost    string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort    int    `toml:"metricsPort" mapstructure:"metricsPort"`

	// Library layout
	LibraryPath       string `toml:"libraryPath" mapstructure:"libraryPath"`
	CompletedDownload string `toml:"completedDownloadPath" mapstructure:"completedDownloadPath"`

	// SABnzbd connection
	SabnzbdURL            string `toml:"sabnzbdUrl" mapstructure:"sabnzbdUrl"`
	SabnzbdAPIKey         string `toml:"sabnzbdApiKey" mapstructure:"sabnzbdApiKey"`
	SabnzbdCategory       string `toml:"sabnzbdCategory" mapstructure:"sabnzbdCategory"`
	SabnzbdTimeoutSeconds int    `toml:"sabnzbdTimeoutSeconds" mapstructure:"sabnzbdTimeoutSeconds"`

	// Finalize retry policy
	FinalizeMaxAttempts          int `toml:"finalizeMaxAttempts" mapstructure:"finalizeMaxAttempts"`
	FinalizeRetryIntervalSeconds int `toml:"finalizeRetryIntervalSeconds" mapstructure:"finalizeRetryIntervalSeconds"`

	// Watcher
	WatcherEnabled bool `toml:"watcherEnabled" mapstructure:"watcherEnabled"`

	// History reconciliation
	ReconcileEnabled         bool `toml:"reconcileEnabled" mapstructure:"reconcileEnabled"`
	ReconcileIntervalMinutes int  `toml:"reconcileIntervalMinutes" mapstructure:"reconcileIntervalMinutes"`
	ReconcileHistoryLimit    int  `toml:"reconcileHistoryLimit" mapstructure:"reconcileHistoryLimit"`
	ReconcileWindowHours     int  `toml:"reconcileWindowHours" mapstructure:"reconcileWindowHours"`
	PersistJobMemo           bool `toml:"persistJobMemo" mapstructure:"persistJobMemo"`
}
