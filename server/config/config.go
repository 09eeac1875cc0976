package config

import (
	"path/filepath"
	"sync"
)

type Config struct {
	Server         ServerConfig    `yaml:"server"`
	Logging        LoggingConfig   `yaml:"logging"`
	Paths          PathsConfig     `yaml:"paths"`
	Authentication AuthConfig      `yaml:"authentication"`
	Downloads      DownloadsConfig `yaml:"downloads"`
	path           string
}

type ServerConfig struct {
	BaseURL string `yaml:"base_url"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	// QueueSize caps the number of concurrently running Fetcher processes;
	// excess pending jobs wait in the dispatch queue.
	QueueSize int `yaml:"queue_size"`
	// BatchConcurrency bounds parallel member acquisitions within one batch.
	BatchConcurrency int `yaml:"batch_concurrency"`
}

type LoggingConfig struct {
	LogPath           string `yaml:"log_path"`
	EnableFileLogging bool   `yaml:"enable_file_logging"`
}

type PathsConfig struct {
	// DownloaderPath is the Fetcher executable (yt-dlp or compatible).
	DownloaderPath string `yaml:"downloader_path"`
	// WorkingPath is the shared scratch directory the Fetcher writes into,
	// partitioned by natural-key filename prefix.
	WorkingPath string `yaml:"working_path"`
	// LibraryPath is the permanent storage root; persisted artifact paths
	// are relative to it.
	LibraryPath       string `yaml:"library_path"`
	LocalDatabasePath string `yaml:"local_database_path"`
}

type AuthConfig struct {
	RequireAuth  bool   `yaml:"require_auth"`
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password"`
	JWTSecret    string `yaml:"jwt_secret"`
}

type DownloadsConfig struct {
	SubtitleLangs string `yaml:"subtitle_langs"`
}

var (
	instance     *Config
	instanceOnce sync.Once
)

func Instance() *Config {
	if instance == nil {
		instanceOnce.Do(func() {
			instance = &Config{}
			instance.Server.QueueSize = 2
			instance.Server.BatchConcurrency = 1
			instance.Downloads.SubtitleLangs = "en"
		})
	}
	return instance
}

// MediaDir is where reconciled media files live.
func (c *Config) MediaDir() string { return filepath.Join(c.Paths.LibraryPath, "media") }

// ThumbnailDir is where reconciled thumbnails live.
func (c *Config) ThumbnailDir() string { return filepath.Join(c.Paths.LibraryPath, "thumbnails") }

// SubtitleDir is where reconciled subtitle files live.
func (c *Config) SubtitleDir() string { return filepath.Join(c.Paths.LibraryPath, "subtitles") }

// Path of the directory containing the config file
func (c *Config) Dir() string { return filepath.Dir(c.path) }

// Absolute path of the config file
func (c *Config) Path() string { return c.path }
