// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/autobrr/mmsync/internal/domain"
)

var envPrefix = "MMSYNC__"

type AppConfig struct {
	Config  *domain.Config
	viper   *viper.Viper
	dataDir string
	version string

	listenersMu sync.RWMutex
	listeners   []func(*domain.Config)

	logWriterMu sync.RWMutex
	logWriter   io.Writer
}

func New(configDirOrPath string, versions ...string) (*AppConfig, error) {
	version := "dev"
	if len(versions) > 0 && strings.TrimSpace(versions[0]) != "" {
		version = versions[0]
	}

	c := &AppConfig{
		viper:   viper.New(),
		Config:  &domain.Config{},
		version: version,
	}

	c.defaults()

	if err := c.load(configDirOrPath); err != nil {
		return nil, err
	}

	c.loadFromEnv()

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	c.Config.Version = c.version

	c.resolveDataDir()

	c.watchConfig()

	return c, nil
}

func (c *AppConfig) defaults() {
	metricsHost := "127.0.0.1"
	if detectContainer() {
		metricsHost = "0.0.0.0"
	}

	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("dataDir", "") // Empty means auto-detect (next to config file)
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("metricsHost", metricsHost)
	c.viper.SetDefault("metricsPort", 9075)

	c.viper.SetDefault("libraryPath", "")
	c.viper.SetDefault("completedDownloadPath", "")

	c.viper.SetDefault("sabnzbdUrl", "")
	c.viper.SetDefault("sabnzbdApiKey", "")
	c.viper.SetDefault("sabnzbdCategory", "music")
	c.viper.SetDefault("sabnzbdTimeoutSeconds", 30)

	c.viper.SetDefault("finalizeMaxAttempts", 5)
	c.viper.SetDefault("finalizeRetryIntervalSeconds", 15)

	c.viper.SetDefault("watcherEnabled", true)

	c.viper.SetDefault("reconcileEnabled", true)
	c.viper.SetDefault("reconcileIntervalMinutes", 5)
	c.viper.SetDefault("reconcileHistoryLimit", 50)
	c.viper.SetDefault("reconcileWindowHours", 24)
	c.viper.SetDefault("persistJobMemo", false)
}

func (c *AppConfig) load(configDirOrPath string) error {
	c.viper.SetConfigType("toml")

	if configDirOrPath != "" {
		configPath := c.resolveConfigPath(configDirOrPath)
		c.viper.SetConfigFile(configPath)

		if err := c.viper.ReadInConfig(); err != nil {
			// viper reports a missing explicit file as an fs error, not ConfigFileNotFoundError
			if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
				if err := c.writeDefaultConfig(configPath); err != nil {
					return err
				}
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		c.viper.SetConfigName("config")
		c.viper.AddConfigPath(".")
		c.viper.AddConfigPath(GetDefaultConfigDir())

		if err := c.viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				defaultConfigPath := filepath.Join(GetDefaultConfigDir(), "config.toml")
				if err := c.writeDefaultConfig(defaultConfigPath); err != nil {
					return err
				}
				c.viper.SetConfigFile(defaultConfigPath)
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				c.dataDir = filepath.Dir(defaultConfigPath)
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	return nil
}

func (c *AppConfig) loadFromEnv() {
	// Bind explicitly instead of AutomaticEnv so unrelated variables never leak in
	c.viper.BindEnv("logLevel", envPrefix+"LOG_LEVEL")
	c.viper.BindEnv("logPath", envPrefix+"LOG_PATH")
	c.viper.BindEnv("logMaxSize", envPrefix+"LOG_MAX_SIZE")
	c.viper.BindEnv("logMaxBackups", envPrefix+"LOG_MAX_BACKUPS")
	c.viper.BindEnv("dataDir", envPrefix+"DATA_DIR")
	c.viper.BindEnv("metricsEnabled", envPrefix+"METRICS_ENABLED")
	c.viper.BindEnv("metricsHost", envPrefix+"METRICS_HOST")
	c.viper.BindEnv("metricsPort", envPrefix+"METRICS_PORT")

	c.viper.BindEnv("libraryPath", envPrefix+"LIBRARY_PATH")
	c.viper.BindEnv("completedDownloadPath", envPrefix+"COMPLETED_DOWNLOAD_PATH")

	c.viper.BindEnv("sabnzbdUrl", envPrefix+"SABNZBD_URL")
	c.bindOrReadFromFile("sabnzbdApiKey", envPrefix+"SABNZBD_API_KEY")
	c.viper.BindEnv("sabnzbdCategory", envPrefix+"SABNZBD_CATEGORY")
	c.viper.BindEnv("sabnzbdTimeoutSeconds", envPrefix+"SABNZBD_TIMEOUT_SECONDS")

	c.viper.BindEnv("finalizeMaxAttempts", envPrefix+"FINALIZE_MAX_ATTEMPTS")
	c.viper.BindEnv("finalizeRetryIntervalSeconds", envPrefix+"FINALIZE_RETRY_INTERVAL_SECONDS")

	c.viper.BindEnv("watcherEnabled", envPrefix+"WATCHER_ENABLED")

	c.viper.BindEnv("reconcileEnabled", envPrefix+"RECONCILE_ENABLED")
	c.viper.BindEnv("reconcileIntervalMinutes", envPrefix+"RECONCILE_INTERVAL_MINUTES")
	c.viper.BindEnv("reconcileHistoryLimit", envPrefix+"RECONCILE_HISTORY_LIMIT")
	c.viper.BindEnv("reconcileWindowHours", envPrefix+"RECONCILE_WINDOW_HOURS")
	c.viper.BindEnv("persistJobMemo", envPrefix+"PERSIST_JOB_MEMO")
}

func (c *AppConfig) watchConfig() {
	c.viper.WatchConfig()
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Msgf("Config file changed: %s", e.Name)

		if err := c.viper.Unmarshal(c.Config); err != nil {
			log.Error().Err(err).Msg("Failed to reload configuration")
			return
		}

		c.applyDynamicChanges()
	})
}

func (c *AppConfig) applyDynamicChanges() {
	c.Config.Version = c.version
	c.ApplyLogConfig()
	c.notifyListeners()
}

// RegisterReloadListener registers a callback that's invoked when the configuration file is reloaded.
func (c *AppConfig) RegisterReloadListener(fn func(*domain.Config)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *AppConfig) notifyListeners() {
	c.listenersMu.RLock()
	listeners := append([]func(*domain.Config){}, c.listeners...)
	c.listenersMu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	copied := *c.Config
	for _, listener := range listeners {
		listener(&copied)
	}
}

const configTemplate = `# config.toml - Auto-generated on first run

# Library root. Releases live in <libraryPath>/<artistId>/<releaseFolder>/release.json
libraryPath = "{{ .libraryPath }}"

# Directory where SABnzbd places finished jobs
completedDownloadPath = "{{ .completedDownloadPath }}"

# SABnzbd connection
# Leave sabnzbdUrl or sabnzbdApiKey empty to disable the download client integration
sabnzbdUrl = "{{ .sabnzbdUrl }}"
sabnzbdApiKey = ""
# Default: "music"
#sabnzbdCategory = "{{ .sabnzbdCategory }}"
# Default: {{ .sabnzbdTimeoutSeconds }}
#sabnzbdTimeoutSeconds = {{ .sabnzbdTimeoutSeconds }}

# Finalize retry policy
# Number of completion checks and the wait between them
# Default: {{ .finalizeMaxAttempts }} attempts, {{ .finalizeRetryIntervalSeconds }} seconds
#finalizeMaxAttempts = {{ .finalizeMaxAttempts }}
#finalizeRetryIntervalSeconds = {{ .finalizeRetryIntervalSeconds }}

# Watch the completed download directory for new audio files
# Default: true
#watcherEnabled = true

# Periodically reconcile SABnzbd history against releases without available tracks
# Default: true
#reconcileEnabled = true
#reconcileIntervalMinutes = {{ .reconcileIntervalMinutes }}
#reconcileHistoryLimit = {{ .reconcileHistoryLimit }}
#reconcileWindowHours = {{ .reconcileWindowHours }}

# Keep processed/failed job memos across restarts (stored in mmsync.db)
# Default: false
#persistJobMemo = false

# Data directory (default: next to config file)
#dataDir = "/var/db/mmsync"

# Log file path
# If not defined, logs to stdout
#logPath = "log/mmsync.log"

# Log rotation
# Default: {{ .logMaxSize }}
#logMaxSize = {{ .logMaxSize }}
# Default: {{ .logMaxBackups }}
#logMaxBackups = {{ .logMaxBackups }}

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "{{ .logLevel }}"

# Prometheus Metrics
# Default: false
#metricsEnabled = false
#metricsHost = "{{ .metricsHost }}"
#metricsPort = {{ .metricsPort }}
`

func (c *AppConfig) writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		log.Debug().Msgf("Config file already exists at: %s", path)
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	log.Debug().Msgf("Created config directory: %s", dir)

	data := map[string]any{
		"libraryPath":                  c.viper.GetString("libraryPath"),
		"completedDownloadPath":        c.viper.GetString("completedDownloadPath"),
		"sabnzbdUrl":                   c.viper.GetString("sabnzbdUrl"),
		"sabnzbdCategory":              c.viper.GetString("sabnzbdCategory"),
		"sabnzbdTimeoutSeconds":        c.viper.GetInt("sabnzbdTimeoutSeconds"),
		"finalizeMaxAttempts":          c.viper.GetInt("finalizeMaxAttempts"),
		"finalizeRetryIntervalSeconds": c.viper.GetInt("finalizeRetryIntervalSeconds"),
		"reconcileIntervalMinutes":     c.viper.GetInt("reconcileIntervalMinutes"),
		"reconcileHistoryLimit":        c.viper.GetInt("reconcileHistoryLimit"),
		"reconcileWindowHours":         c.viper.GetInt("reconcileWindowHours"),
		"logLevel":                     c.viper.GetString("logLevel"),
		"logMaxSize":                   c.viper.GetInt("logMaxSize"),
		"logMaxBackups":                c.viper.GetInt("logMaxBackups"),
		"metricsHost":                  c.viper.GetString("metricsHost"),
		"metricsPort":                  c.viper.GetInt("metricsPort"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse config template: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info().Msgf("Created default config file: %s", path)
	return nil
}

// GetDefaultConfigDir returns the OS-specific config directory
func GetDefaultConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		// Docker images set XDG_CONFIG_HOME=/config
		if xdgConfig == "/config" {
			return xdgConfig
		}
		return filepath.Join(xdgConfig, "mmsync")
	}

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "mmsync")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "mmsync")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "mmsync")
	}
}

func detectContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if _, err := os.Stat("/dev/.lxc-boot-id"); err == nil {
		return true
	}
	if os.Getpid() == 1 {
		return true
	}
	return false
}

func (c *AppConfig) ApplyLogConfig() {
	zerolog.TimeFieldFormat = time.RFC3339

	setLogLevel(c.Config.LogLevel)

	writer := c.baseLogWriter()

	if c.Config.LogPath != "" {
		multiWriter, err := setupLogFile(c.Config.LogPath, writer, c.Config.LogMaxSize, c.Config.LogMaxBackups)
		if err != nil {
			log.Error().Err(err).Msg("Failed to setup log file")
		} else {
			writer = multiWriter
		}
	}

	c.logWriterMu.Lock()
	c.logWriter = writer
	c.logWriterMu.Unlock()

	log.Logger = log.Logger.Output(writer)
}

// LogWriter returns the writer installed by the last ApplyLogConfig.
func (c *AppConfig) LogWriter() io.Writer {
	c.logWriterMu.RLock()
	defer c.logWriterMu.RUnlock()
	if c.logWriter == nil {
		return c.baseLogWriter()
	}
	return c.logWriter
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Logger.Level(lvl)
}

func setupLogFile(path string, base io.Writer, maxSize, maxBackups int) (io.Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if maxSize <= 0 {
		maxSize = 50
	}

	if maxBackups < 0 {
		maxBackups = 0
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}

	return io.MultiWriter(base, rotator), nil
}

func baseLogWriter(version string) io.Writer {
	if isDevBuild(version) {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		writer.PartsOrder = []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName}
		return writer
	}
	return os.Stderr
}

func (c *AppConfig) baseLogWriter() io.Writer {
	return baseLogWriter(c.version)
}

// InitDefaultLogger configures zerolog with the default writer for this version.
// This is used by CLI entry points before a configuration file is loaded.
func InitDefaultLogger(version string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Logger.Output(baseLogWriter(version))
}

func isDevBuild(version string) bool {
	v := strings.ToLower(strings.TrimSpace(version))
	return v == "" || v == "dev" || strings.HasSuffix(v, "-dev")
}

// resolveConfigPath determines the actual config file path from the provided directory or file path
func (c *AppConfig) resolveConfigPath(configDirOrPath string) string {
	return ResolveConfigPath(configDirOrPath)
}

// ResolveConfigPath accepts either a directory or a direct .toml path.
func ResolveConfigPath(configDirOrPath string) string {
	if configDirOrPath == "" {
		return filepath.Join(GetDefaultConfigDir(), "config.toml")
	}
	if strings.HasSuffix(strings.ToLower(configDirOrPath), ".toml") {
		return configDirOrPath
	}
	if info, err := os.Stat(configDirOrPath); err == nil && !info.IsDir() {
		return configDirOrPath
	}
	return filepath.Join(configDirOrPath, "config.toml")
}

func (c *AppConfig) resolveDataDir() {
	switch {
	case c.Config.DataDir != "":
		c.dataDir = c.Config.DataDir
	case c.dataDir != "":
	case c.viper.ConfigFileUsed() != "":
		c.dataDir = filepath.Dir(c.viper.ConfigFileUsed())
	default:
		c.dataDir = "."
	}
}

// GetDatabasePath returns the path to the job memo database
func (c *AppConfig) GetDatabasePath() string {
	return filepath.Join(c.dataDir, "mmsync.db")
}

// GetDataDir returns the resolved data directory path.
func (c *AppConfig) GetDataDir() string {
	return c.dataDir
}

// SetDataDir sets the data directory (used by CLI flags)
func (c *AppConfig) SetDataDir(dir string) {
	c.dataDir = dir
}

// FinalizeRetryInterval returns the configured wait between completion checks.
func (c *AppConfig) FinalizeRetryInterval() time.Duration {
	return time.Duration(c.Config.FinalizeRetryIntervalSeconds) * time.Second
}

// ReconcileInterval returns the configured history poll interval.
func (c *AppConfig) ReconcileInterval() time.Duration {
	return time.Duration(c.Config.ReconcileIntervalMinutes) * time.Minute
}

// ReconcileWindow returns how far back completed jobs are considered.
func (c *AppConfig) ReconcileWindow() time.Duration {
	return time.Duration(c.Config.ReconcileWindowHours) * time.Hour
}

func WriteDefaultConfig(path string) error {
	c := &AppConfig{
		viper: viper.New(),
	}

	c.defaults()

	return c.writeDefaultConfig(path)
}

// Sets viper variable if environment variable with _FILE suffix is present
func (c *AppConfig) bindOrReadFromFile(viperVar string, envVar string) {
	if filePath := os.Getenv(envVar + "_FILE"); filePath != "" {
		content, err := os.ReadFile(filePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", filePath).Msg("Could not read " + envVar + "_FILE")
		}
		c.viper.Set(viperVar, strings.TrimSpace(string(content)))
		return
	}
	c.viper.BindEnv(viperVar, envVar)
}
