package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// DefaultPath is where the server looks for its configuration when the
// LANMEDIA_CONFIG environment variable is not set.
const DefaultPath = "/settings/config.json"

// Config holds all application configuration values for the media server.
// It covers the HTTP listener, SSDP discovery timings, streaming session limits,
// the transcode collaborator and the browse façade.
type Config struct {
	ServerName      string        `json:"serverName"`      // Friendly name announced to devices
	HTTPPort        int           `json:"httpPort"`        // Port of the HTTP listener (description, control, streams)
	Interfaces      []string      `json:"interfaces"`      // Interface names to bind; empty binds all usable interfaces
	LogLevel        string        `json:"logLevel"`        // DEBUG, INFO, WARN or ERROR
	DatabasePath    string        `json:"databasePath"`    // SQLite catalog database, empty uses the in-memory catalog
	DevicesFile     string        `json:"devicesFile"`     // YAML device capability file, optional
	WorkerThreads   int           `json:"workerThreads"`   // Size of the shared worker pool
	ObfuscatePaths  bool          `json:"obfuscatePaths"`  // Hide media paths in logs
	ShutdownTimeout time.Duration `json:"shutdownTimeout"` // Grace period for draining sessions on exit
	SSDP            SSDPConfig    `json:"ssdp"`
	Sessions        SessionConfig `json:"sessions"`
	Content         ContentConfig `json:"content"`
	Profiles        ProfileConfig `json:"profiles"`
}

// SSDPConfig controls the discovery announcer and listener.
type SSDPConfig struct {
	CacheTimeout    time.Duration `json:"cacheTimeout"`    // Lifetime of a remote node without refresh
	PublishInterval time.Duration `json:"publishInterval"` // Period between alive rounds
	SearchMX        int           `json:"searchMX"`        // MX header of outgoing searches, in seconds
	NotifyDelay     time.Duration `json:"notifyDelay"`     // Coalescing window for change notifications
	SweepInterval   time.Duration `json:"sweepInterval"`   // Period of the expiry sweep
	AnnounceRate    int           `json:"announceRate"`    // Datagrams per second allowed on the send path
}

// SessionConfig controls the streaming session manager and the ffmpeg pipeline.
type SessionConfig struct {
	MaxStreams     int           `json:"maxStreams"`     // Upper bound on live sessions
	LivenessWindow time.Duration `json:"livenessWindow"` // Sessions idle longer than this are reclaimed
	SweepInterval  time.Duration `json:"sweepInterval"`  // Period of the liveness sweep
	OpenTimeout    time.Duration `json:"openTimeout"`    // Upper bound for opening a pipeline
	FFmpegPath     string        `json:"ffmpegPath"`     // ffmpeg binary
	FFmpegPreInput []string      `json:"ffmpegPreInput"` // Extra arguments placed before -i
}

// ContentConfig controls the browse/search façade.
type ContentConfig struct {
	DefaultPageSize int           `json:"defaultPageSize"` // Used when a browse requests 0 items
	OfferCacheSize  int           `json:"offerCacheSize"`  // Entries kept in the negotiated offer cache
	OfferCacheTTL   time.Duration `json:"offerCacheTTL"`   // Lifetime of a cached offer
}

// ProfileConfig lists the codecs and containers the transcode collaborator can
// produce. Empty lists enable every profile.
type ProfileConfig struct {
	AudioCodecs []string `json:"audioCodecs"`
	VideoCodecs []string `json:"videoCodecs"`
	ImageCodecs []string `json:"imageCodecs"`
	Formats     []string `json:"formats"`
}

// ConfigFile represents the JSON file structure for marshaling/unmarshaling configuration.
// String duration fields (e.g., "30s") are parsed into time.Duration values.
type ConfigFile struct {
	ServerName      string            `json:"serverName"`
	HTTPPort        int               `json:"httpPort"`
	Interfaces      []string          `json:"interfaces"`
	LogLevel        string            `json:"logLevel"`
	DatabasePath    string            `json:"databasePath"`
	DevicesFile     string            `json:"devicesFile"`
	WorkerThreads   int               `json:"workerThreads"`
	ObfuscatePaths  bool              `json:"obfuscatePaths"`
	ShutdownTimeout string            `json:"shutdownTimeout"`
	SSDP            SSDPConfigFile    `json:"ssdp"`
	Sessions        SessionConfigFile `json:"sessions"`
	Content         ContentConfigFile `json:"content"`
	Profiles        ProfileConfig     `json:"profiles"`
}

// SSDPConfigFile is the on-disk form of SSDPConfig.
type SSDPConfigFile struct {
	CacheTimeout    string `json:"cacheTimeout"`
	PublishInterval string `json:"publishInterval"`
	SearchMX        int    `json:"searchMX"`
	NotifyDelay     string `json:"notifyDelay"`
	SweepInterval   string `json:"sweepInterval"`
	AnnounceRate    int    `json:"announceRate"`
}

// SessionConfigFile is the on-disk form of SessionConfig.
type SessionConfigFile struct {
	MaxStreams     int      `json:"maxStreams"`
	LivenessWindow string   `json:"livenessWindow"`
	SweepInterval  string   `json:"sweepInterval"`
	OpenTimeout    string   `json:"openTimeout"`
	FFmpegPath     string   `json:"ffmpegPath"`
	FFmpegPreInput []string `json:"ffmpegPreInput"`
}

// ContentConfigFile is the on-disk form of ContentConfig.
type ContentConfigFile struct {
	DefaultPageSize int    `json:"defaultPageSize"`
	OfferCacheSize  int    `json:"offerCacheSize"`
	OfferCacheTTL   string `json:"offerCacheTTL"`
}

// LoadConfig loads the configuration from path.
//
// Process:
//   - An empty path falls back to LANMEDIA_CONFIG, then DefaultPath.
//   - A missing file yields the default configuration.
//   - A present but invalid file is an error.
//   - Runs validation to ensure safe defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("LANMEDIA_CONFIG")
	}
	if path == "" {
		path = DefaultPath
	}

	cfg, err := loadFromFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = getDefaultConfig()
	}

	validateAndSetDefaults(cfg)
	return cfg, nil
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&configFile)
}

// parseDuration treats an empty string as "unset" so defaults can fill it in.
func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		ServerName:     cf.ServerName,
		HTTPPort:       cf.HTTPPort,
		Interfaces:     cf.Interfaces,
		LogLevel:       cf.LogLevel,
		DatabasePath:   cf.DatabasePath,
		DevicesFile:    cf.DevicesFile,
		WorkerThreads:  cf.WorkerThreads,
		ObfuscatePaths: cf.ObfuscatePaths,
		Profiles:       cf.Profiles,
		SSDP: SSDPConfig{
			SearchMX:     cf.SSDP.SearchMX,
			AnnounceRate: cf.SSDP.AnnounceRate,
		},
		Sessions: SessionConfig{
			MaxStreams:     cf.Sessions.MaxStreams,
			FFmpegPath:     cf.Sessions.FFmpegPath,
			FFmpegPreInput: cf.Sessions.FFmpegPreInput,
		},
		Content: ContentConfig{
			DefaultPageSize: cf.Content.DefaultPageSize,
			OfferCacheSize:  cf.Content.OfferCacheSize,
		},
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"shutdownTimeout", cf.ShutdownTimeout, &config.ShutdownTimeout},
		{"ssdp.cacheTimeout", cf.SSDP.CacheTimeout, &config.SSDP.CacheTimeout},
		{"ssdp.publishInterval", cf.SSDP.PublishInterval, &config.SSDP.PublishInterval},
		{"ssdp.notifyDelay", cf.SSDP.NotifyDelay, &config.SSDP.NotifyDelay},
		{"ssdp.sweepInterval", cf.SSDP.SweepInterval, &config.SSDP.SweepInterval},
		{"sessions.livenessWindow", cf.Sessions.LivenessWindow, &config.Sessions.LivenessWindow},
		{"sessions.sweepInterval", cf.Sessions.SweepInterval, &config.Sessions.SweepInterval},
		{"sessions.openTimeout", cf.Sessions.OpenTimeout, &config.Sessions.OpenTimeout},
		{"content.offerCacheTTL", cf.Content.OfferCacheTTL, &config.Content.OfferCacheTTL},
	}

	for _, d := range durations {
		v, err := parseDuration(d.name, d.value)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	return config, nil
}

// getDefaultConfig returns a baseline configuration
// with sensible defaults when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		ServerName:      "LAN Media Server",
		HTTPPort:        4280,
		LogLevel:        "INFO",
		WorkerThreads:   8,
		ShutdownTimeout: 5 * time.Second,
		SSDP: SSDPConfig{
			CacheTimeout:    300 * time.Second,
			PublishInterval: 150 * time.Second,
			SearchMX:        3,
			NotifyDelay:     250 * time.Millisecond,
			SweepInterval:   30 * time.Second,
			AnnounceRate:    50,
		},
		Sessions: SessionConfig{
			MaxStreams:     64,
			LivenessWindow: 30 * time.Second,
			SweepInterval:  10 * time.Second,
			OpenTimeout:    15 * time.Second,
			FFmpegPath:     "ffmpeg",
		},
		Content: ContentConfig{
			DefaultPageSize: 256,
			OfferCacheSize:  4096,
			OfferCacheTTL:   10 * time.Minute,
		},
	}
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	def := getDefaultConfig()

	if config.ServerName == "" {
		config.ServerName = def.ServerName
	}
	if config.HTTPPort <= 0 || config.HTTPPort > 65535 {
		config.HTTPPort = def.HTTPPort
	}
	if config.LogLevel == "" {
		config.LogLevel = def.LogLevel
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = def.WorkerThreads
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	// discovery
	if config.SSDP.CacheTimeout <= 0 {
		config.SSDP.CacheTimeout = def.SSDP.CacheTimeout
	}
	if config.SSDP.PublishInterval <= 0 {
		config.SSDP.PublishInterval = config.SSDP.CacheTimeout / 2
	}
	if config.SSDP.SearchMX <= 0 {
		config.SSDP.SearchMX = def.SSDP.SearchMX
	}
	if config.SSDP.SearchMX > 5 {
		config.SSDP.SearchMX = 5
	}
	if config.SSDP.NotifyDelay <= 0 {
		config.SSDP.NotifyDelay = def.SSDP.NotifyDelay
	}
	if config.SSDP.SweepInterval <= 0 {
		config.SSDP.SweepInterval = def.SSDP.SweepInterval
	}
	if config.SSDP.AnnounceRate <= 0 {
		config.SSDP.AnnounceRate = def.SSDP.AnnounceRate
	}

	// sessions
	if config.Sessions.MaxStreams <= 0 {
		config.Sessions.MaxStreams = def.Sessions.MaxStreams
	}
	if config.Sessions.LivenessWindow <= 0 {
		config.Sessions.LivenessWindow = def.Sessions.LivenessWindow
	}
	if config.Sessions.SweepInterval <= 0 {
		config.Sessions.SweepInterval = def.Sessions.SweepInterval
	}
	if config.Sessions.OpenTimeout <= 0 {
		config.Sessions.OpenTimeout = def.Sessions.OpenTimeout
	}
	if config.Sessions.FFmpegPath == "" {
		config.Sessions.FFmpegPath = def.Sessions.FFmpegPath
	}

	// content
	if config.Content.DefaultPageSize <= 0 {
		config.Content.DefaultPageSize = def.Content.DefaultPageSize
	}
	if config.Content.OfferCacheSize <= 0 {
		config.Content.OfferCacheSize = def.Content.OfferCacheSize
	}
	if config.Content.OfferCacheTTL <= 0 {
		config.Content.OfferCacheTTL = def.Content.OfferCacheTTL
	}
}

// CreateExampleConfig creates an example config file on disk.
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		ServerName:      "Living Room Media",
		HTTPPort:        4280,
		Interfaces:      []string{},
		LogLevel:        "INFO",
		DatabasePath:    "/settings/catalog.db",
		DevicesFile:     "/settings/devices.yaml",
		WorkerThreads:   8,
		ObfuscatePaths:  false,
		ShutdownTimeout: "5s",
		SSDP: SSDPConfigFile{
			CacheTimeout:    "300s",
			PublishInterval: "150s",
			SearchMX:        3,
			NotifyDelay:     "250ms",
			SweepInterval:   "30s",
			AnnounceRate:    50,
		},
		Sessions: SessionConfigFile{
			MaxStreams:     64,
			LivenessWindow: "30s",
			SweepInterval:  "10s",
			OpenTimeout:    "15s",
			FFmpegPath:     "ffmpeg",
			FFmpegPreInput: []string{"-hide_banner", "-loglevel", "error"},
		},
		Content: ContentConfigFile{
			DefaultPageSize: 256,
			OfferCacheSize:  4096,
			OfferCacheTTL:   "10m",
		},
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
