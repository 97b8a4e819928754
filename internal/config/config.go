// Package config holds the narrator configuration: defaults, validation and
// loading from viper or the environment.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/mitchellh/go-homedir"
	gap "github.com/muesli/go-app-paths"
)

// AppName names the configuration, data and cache directories.
const AppName = "narrator"

// Engines that can be selected with the engine key.
var Engines = []string{"piper", "openai", "google", "mock"}

// Config contains all narrator configuration options.
type Config struct {
	Engine         string  `yaml:"engine" env:"NARRATOR_ENGINE" envDefault:"piper"`
	Voice          string  `yaml:"voice" env:"NARRATOR_VOICE"`
	Speed          float64 `yaml:"speed" env:"NARRATOR_SPEED" envDefault:"1.0"`
	Pitch          float64 `yaml:"pitch" env:"NARRATOR_PITCH" envDefault:"1.0"`
	CharsPerSecond float64 `yaml:"chars_per_second" env:"NARRATOR_CHARS_PER_SECOND" envDefault:"15"`

	Cache    CacheConfig    `yaml:"cache"`
	Store    StoreConfig    `yaml:"store"`
	Lexicon  LexiconConfig  `yaml:"lexicon"`
	Playback PlaybackConfig `yaml:"playback"`
	Log      LogConfig      `yaml:"log"`

	// Engine-specific configurations
	Piper  PiperConfig  `yaml:"piper"`
	OpenAI OpenAIConfig `yaml:"openai"`
	Google GoogleConfig `yaml:"google"`
}

// CacheConfig configures the synthesis cache tiers.
type CacheConfig struct {
	MemoryMB      int           `yaml:"memory_mb" env:"NARRATOR_CACHE_MEMORY_MB" envDefault:"100"`
	DiskPath      string        `yaml:"disk_path" env:"NARRATOR_CACHE_DISK_PATH"`
	DiskMB        int           `yaml:"disk_mb" env:"NARRATOR_CACHE_DISK_MB" envDefault:"1024"`
	Compression   int           `yaml:"compression" env:"NARRATOR_CACHE_COMPRESSION" envDefault:"3"`
	RedisAddr     string        `yaml:"redis_addr" env:"NARRATOR_CACHE_REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"NARRATOR_CACHE_REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"NARRATOR_CACHE_REDIS_DB" envDefault:"0"`
	RetentionDays int           `yaml:"retention_days" env:"NARRATOR_CACHE_RETENTION_DAYS" envDefault:"7"`
	CleanupEvery  time.Duration `yaml:"cleanup_interval" env:"NARRATOR_CACHE_CLEANUP_INTERVAL" envDefault:"1h"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	// Path of the sqlite database. "memory" keeps state in process only.
	Path string `yaml:"path" env:"NARRATOR_STORE_PATH"`
}

// LexiconConfig configures pronunciation rules.
type LexiconConfig struct {
	Path          string `yaml:"path" env:"NARRATOR_LEXICON_PATH"`
	SystemEnabled bool   `yaml:"system_enabled" env:"NARRATOR_LEXICON_SYSTEM_ENABLED" envDefault:"true"`
	Watch         bool   `yaml:"watch" env:"NARRATOR_LEXICON_WATCH" envDefault:"true"`
}

// PlaybackConfig configures the narration flow.
type PlaybackConfig struct {
	SkipKinds    []string      `yaml:"skip_kinds" env:"NARRATOR_PLAYBACK_SKIP_KINDS" envSeparator:"," envDefault:"code"`
	AdaptTables  bool          `yaml:"adapt_tables" env:"NARRATOR_PLAYBACK_ADAPT_TABLES" envDefault:"true"`
	ResumeRewind time.Duration `yaml:"resume_rewind" env:"NARRATOR_PLAYBACK_RESUME_REWIND" envDefault:"5m"`
	SectionLevel int           `yaml:"section_level" env:"NARRATOR_PLAYBACK_SECTION_LEVEL" envDefault:"2"`
	MaxSentence  int           `yaml:"max_sentence" env:"NARRATOR_PLAYBACK_MAX_SENTENCE" envDefault:"1000"`
	ContinueBook bool          `yaml:"continue_book" env:"NARRATOR_PLAYBACK_CONTINUE_BOOK" envDefault:"true"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level" env:"NARRATOR_LOG_LEVEL" envDefault:"info"`
	File  string `yaml:"file" env:"NARRATOR_LOG_FILE"`
}

// PiperConfig contains Piper engine specific settings.
type PiperConfig struct {
	Binary    string        `yaml:"binary" env:"NARRATOR_PIPER_BINARY" envDefault:"piper"`
	ModelPath string        `yaml:"model_path" env:"NARRATOR_PIPER_MODEL_PATH"`
	ModelDir  string        `yaml:"model_dir" env:"NARRATOR_PIPER_MODEL_DIR"`
	ModelURL  string        `yaml:"model_url" env:"NARRATOR_PIPER_MODEL_URL"`
	Timeout   time.Duration `yaml:"timeout" env:"NARRATOR_PIPER_TIMEOUT" envDefault:"10s"`
}

// OpenAIConfig contains OpenAI speech settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key" env:"NARRATOR_OPENAI_API_KEY"`
	Model   string `yaml:"model" env:"NARRATOR_OPENAI_MODEL" envDefault:"tts-1"`
	Voice   string `yaml:"voice" env:"NARRATOR_OPENAI_VOICE" envDefault:"nova"`
	BaseURL string `yaml:"base_url" env:"NARRATOR_OPENAI_BASE_URL"`
}

// GoogleConfig contains Google translate voice settings.
type GoogleConfig struct {
	Language          string `yaml:"language" env:"NARRATOR_GOOGLE_LANGUAGE" envDefault:"en"`
	RequestsPerMinute int    `yaml:"requests_per_minute" env:"NARRATOR_GOOGLE_RPM" envDefault:"50"`
}

// Default returns a Config with sensible defaults. Paths are resolved
// under the user's data and cache directories.
func Default() Config {
	return Config{
		Engine:         "piper",
		Speed:          1.0,
		Pitch:          1.0,
		CharsPerSecond: 15,

		Cache: CacheConfig{
			MemoryMB:      100,
			DiskPath:      cacheDir("audio"),
			DiskMB:        1024,
			Compression:   3,
			RetentionDays: 7,
			CleanupEvery:  time.Hour,
		},
		Store:   StoreConfig{Path: dataPath("narrator.db")},
		Lexicon: LexiconConfig{Path: dataPath("lexicon.yaml"), SystemEnabled: true, Watch: true},
		Playback: PlaybackConfig{
			SkipKinds:    []string{"code"},
			AdaptTables:  true,
			ResumeRewind: 5 * time.Minute,
			SectionLevel: 2,
			MaxSentence:  1000,
			ContinueBook: true,
		},
		Log: LogConfig{Level: "info"},

		Piper: PiperConfig{
			Binary:   "piper",
			ModelDir: dataPath("voices"),
			Timeout:  10 * time.Second,
		},
		OpenAI: OpenAIConfig{Model: "tts-1", Voice: "nova"},
		Google: GoogleConfig{Language: "en", RequestsPerMinute: 50},
	}
}

// FromEnv parses the configuration from NARRATOR_* environment variables
// only. Unset paths fall back to the defaults.
func FromEnv() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return cfg, fmt.Errorf("failed to parse environment: %w", err)
	}
	def := Default()
	if cfg.Cache.DiskPath == "" {
		cfg.Cache.DiskPath = def.Cache.DiskPath
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = def.Store.Path
	}
	if cfg.Lexicon.Path == "" {
		cfg.Lexicon.Path = def.Lexicon.Path
	}
	if cfg.Piper.ModelPath == "" && cfg.Piper.ModelDir == "" {
		cfg.Piper.ModelDir = def.Piper.ModelDir
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid. It lowercases the
// engine name and log level.
func (c *Config) Validate() error {
	engineValid := false
	for _, e := range Engines {
		if strings.EqualFold(c.Engine, e) {
			engineValid = true
			c.Engine = e
			break
		}
	}
	if !engineValid {
		return fmt.Errorf("invalid engine '%s': must be one of %v", c.Engine, Engines)
	}

	if c.Speed < 0.25 || c.Speed > 4.0 {
		return fmt.Errorf("speed must be between 0.25 and 4.0, got %g", c.Speed)
	}
	if c.Pitch < 0.5 || c.Pitch > 2.0 {
		return fmt.Errorf("pitch must be between 0.5 and 2.0, got %g", c.Pitch)
	}
	if c.CharsPerSecond <= 0 {
		return fmt.Errorf("chars_per_second must be positive, got %g", c.CharsPerSecond)
	}

	if c.Cache.MemoryMB < 0 || c.Cache.DiskMB < 0 {
		return fmt.Errorf("cache capacities must not be negative")
	}
	if c.Cache.Compression < 1 || c.Cache.Compression > 22 {
		return fmt.Errorf("cache compression must be between 1 and 22, got %d", c.Cache.Compression)
	}
	if c.Cache.RetentionDays < 0 {
		return fmt.Errorf("cache retention must not be negative, got %d", c.Cache.RetentionDays)
	}

	if c.Playback.SectionLevel < 1 || c.Playback.SectionLevel > 6 {
		return fmt.Errorf("section level must be between 1 and 6, got %d", c.Playback.SectionLevel)
	}
	if c.Playback.ResumeRewind < 0 {
		return fmt.Errorf("resume rewind must not be negative")
	}

	switch level := strings.ToLower(c.Log.Level); level {
	case "debug", "info", "warn", "error":
		c.Log.Level = level
	default:
		return fmt.Errorf("invalid log level '%s'", c.Log.Level)
	}

	if c.Google.RequestsPerMinute < 1 {
		return fmt.Errorf("google requests per minute must be positive, got %d", c.Google.RequestsPerMinute)
	}
	if c.Piper.Timeout <= 0 {
		return fmt.Errorf("piper timeout must be positive")
	}
	return c.expandPaths()
}

// expandPaths resolves a leading ~ in every configured path.
func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.Cache.DiskPath,
		&c.Store.Path,
		&c.Lexicon.Path,
		&c.Piper.Binary,
		&c.Piper.ModelPath,
		&c.Piper.ModelDir,
		&c.Log.File,
	} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("invalid path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// MemoryBytes returns the memory tier capacity.
func (c CacheConfig) MemoryBytes() int64 { return int64(c.MemoryMB) << 20 }

// DiskBytes returns the disk tier capacity.
func (c CacheConfig) DiskBytes() int64 { return int64(c.DiskMB) << 20 }

// MaxAge returns the retention window, zero when retention is disabled.
func (c CacheConfig) MaxAge() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// ConfigDirs returns the directories searched for narrator.yml, most
// specific first.
func ConfigDirs() ([]string, error) {
	return gap.NewScope(gap.User, AppName).ConfigDirs()
}

func dataPath(name string) string {
	p, err := gap.NewScope(gap.User, AppName).DataPath(name)
	if err != nil {
		return filepath.Join("."+AppName, name)
	}
	return p
}

func cacheDir(name string) string {
	d, err := gap.NewScope(gap.User, AppName).CacheDir()
	if err != nil {
		return filepath.Join("."+AppName, "cache", name)
	}
	return filepath.Join(d, name)
}

// LogPath returns the default log file location.
func LogPath() string {
	p, err := gap.NewScope(gap.User, AppName).LogPath(AppName + ".log")
	if err != nil {
		return filepath.Join("."+AppName, AppName+".log")
	}
	return p
}
