package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// FromViper loads the configuration from v, starting from Default and
// overriding every key that is set.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Default()

	if v.IsSet("engine") {
		cfg.Engine = v.GetString("engine")
	}
	if v.IsSet("voice") {
		cfg.Voice = v.GetString("voice")
	}
	if v.IsSet("speed") {
		cfg.Speed = v.GetFloat64("speed")
	}
	if v.IsSet("pitch") {
		cfg.Pitch = v.GetFloat64("pitch")
	}
	if v.IsSet("chars_per_second") {
		cfg.CharsPerSecond = v.GetFloat64("chars_per_second")
	}

	cfg.Cache = loadCacheConfig(v, cfg.Cache)
	cfg.Playback = loadPlaybackConfig(v, cfg.Playback)

	if v.IsSet("store.path") {
		cfg.Store.Path = v.GetString("store.path")
	}
	if v.IsSet("lexicon.path") {
		cfg.Lexicon.Path = v.GetString("lexicon.path")
	}
	if v.IsSet("lexicon.system_enabled") {
		cfg.Lexicon.SystemEnabled = v.GetBool("lexicon.system_enabled")
	}
	if v.IsSet("lexicon.watch") {
		cfg.Lexicon.Watch = v.GetBool("lexicon.watch")
	}
	if v.IsSet("log.level") {
		cfg.Log.Level = v.GetString("log.level")
	}
	if v.IsSet("log.file") {
		cfg.Log.File = v.GetString("log.file")
	}

	cfg.Piper = loadPiperConfig(v, cfg.Piper)

	if v.IsSet("openai.api_key") {
		cfg.OpenAI.APIKey = v.GetString("openai.api_key")
	}
	if v.IsSet("openai.model") {
		cfg.OpenAI.Model = v.GetString("openai.model")
	}
	if v.IsSet("openai.voice") {
		cfg.OpenAI.Voice = v.GetString("openai.voice")
	}
	if v.IsSet("openai.base_url") {
		cfg.OpenAI.BaseURL = v.GetString("openai.base_url")
	}
	if v.IsSet("google.language") {
		cfg.Google.Language = v.GetString("google.language")
	}
	if v.IsSet("google.requests_per_minute") {
		cfg.Google.RequestsPerMinute = v.GetInt("google.requests_per_minute")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadCacheConfig(v *viper.Viper, cfg CacheConfig) CacheConfig {
	if v.IsSet("cache.memory_mb") {
		cfg.MemoryMB = v.GetInt("cache.memory_mb")
	}
	if v.IsSet("cache.disk_path") {
		cfg.DiskPath = v.GetString("cache.disk_path")
	}
	if v.IsSet("cache.disk_mb") {
		cfg.DiskMB = v.GetInt("cache.disk_mb")
	}
	if v.IsSet("cache.compression") {
		cfg.Compression = v.GetInt("cache.compression")
	}
	if v.IsSet("cache.redis_addr") {
		cfg.RedisAddr = v.GetString("cache.redis_addr")
	}
	if v.IsSet("cache.redis_password") {
		cfg.RedisPassword = v.GetString("cache.redis_password")
	}
	if v.IsSet("cache.redis_db") {
		cfg.RedisDB = v.GetInt("cache.redis_db")
	}
	if v.IsSet("cache.retention_days") {
		cfg.RetentionDays = v.GetInt("cache.retention_days")
	}
	if v.IsSet("cache.cleanup_interval") {
		cfg.CleanupEvery = v.GetDuration("cache.cleanup_interval")
	}
	return cfg
}

func loadPlaybackConfig(v *viper.Viper, cfg PlaybackConfig) PlaybackConfig {
	if v.IsSet("playback.skip_kinds") {
		cfg.SkipKinds = v.GetStringSlice("playback.skip_kinds")
	}
	if v.IsSet("playback.adapt_tables") {
		cfg.AdaptTables = v.GetBool("playback.adapt_tables")
	}
	if v.IsSet("playback.resume_rewind") {
		cfg.ResumeRewind = v.GetDuration("playback.resume_rewind")
	}
	if v.IsSet("playback.section_level") {
		cfg.SectionLevel = v.GetInt("playback.section_level")
	}
	if v.IsSet("playback.max_sentence") {
		cfg.MaxSentence = v.GetInt("playback.max_sentence")
	}
	if v.IsSet("playback.continue_book") {
		cfg.ContinueBook = v.GetBool("playback.continue_book")
	}
	return cfg
}

func loadPiperConfig(v *viper.Viper, cfg PiperConfig) PiperConfig {
	if v.IsSet("piper.binary") {
		cfg.Binary = v.GetString("piper.binary")
	}
	if v.IsSet("piper.model_path") {
		cfg.ModelPath = v.GetString("piper.model_path")
	}
	if v.IsSet("piper.model_dir") {
		cfg.ModelDir = v.GetString("piper.model_dir")
	}
	if v.IsSet("piper.model_url") {
		cfg.ModelURL = v.GetString("piper.model_url")
	}
	if v.IsSet("piper.timeout") {
		cfg.Timeout = v.GetDuration("piper.timeout")
	}
	return cfg
}

// SetDefaults registers the defaults with v so they show up in
// v.AllSettings and flag bindings.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("engine", d.Engine)
	v.SetDefault("speed", d.Speed)
	v.SetDefault("pitch", d.Pitch)
	v.SetDefault("chars_per_second", d.CharsPerSecond)

	v.SetDefault("cache.memory_mb", d.Cache.MemoryMB)
	v.SetDefault("cache.disk_path", d.Cache.DiskPath)
	v.SetDefault("cache.disk_mb", d.Cache.DiskMB)
	v.SetDefault("cache.compression", d.Cache.Compression)
	v.SetDefault("cache.retention_days", d.Cache.RetentionDays)
	v.SetDefault("cache.cleanup_interval", d.Cache.CleanupEvery.String())

	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("lexicon.path", d.Lexicon.Path)
	v.SetDefault("lexicon.system_enabled", d.Lexicon.SystemEnabled)
	v.SetDefault("lexicon.watch", d.Lexicon.Watch)

	v.SetDefault("playback.skip_kinds", d.Playback.SkipKinds)
	v.SetDefault("playback.adapt_tables", d.Playback.AdaptTables)
	v.SetDefault("playback.resume_rewind", d.Playback.ResumeRewind.String())
	v.SetDefault("playback.section_level", d.Playback.SectionLevel)
	v.SetDefault("playback.max_sentence", d.Playback.MaxSentence)
	v.SetDefault("playback.continue_book", d.Playback.ContinueBook)

	v.SetDefault("log.level", d.Log.Level)

	v.SetDefault("piper.binary", d.Piper.Binary)
	v.SetDefault("piper.model_dir", d.Piper.ModelDir)
	v.SetDefault("piper.timeout", d.Piper.Timeout.String())

	v.SetDefault("openai.model", d.OpenAI.Model)
	v.SetDefault("openai.voice", d.OpenAI.Voice)

	v.SetDefault("google.language", d.Google.Language)
	v.SetDefault("google.requests_per_minute", d.Google.RequestsPerMinute)
}

// WriteDefault writes DefaultYAML to path unless a file is already there.
// It reports whether the file was created.
func WriteDefault(path string) (bool, error) {
	if ext := filepath.Ext(path); ext != ".yaml" && ext != ".yml" {
		return false, fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("unable to stat config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, fmt.Errorf("unable to create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return false, fmt.Errorf("unable to create config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteString(DefaultYAML); err != nil {
		return false, fmt.Errorf("unable to write config file: %w", err)
	}
	return true, nil
}

// DefaultYAML is written by `narrator config` when no config file exists.
const DefaultYAML = `# narrator configuration
# engine: piper, openai, google or mock
engine: piper
# voice id, empty for the engine default
voice: ""
speed: 1.0
pitch: 1.0
# used to estimate durations when seeking
chars_per_second: 15

cache:
  memory_mb: 100
  disk_mb: 1024
  compression: 3
  # share synthesized audio between machines
  redis_addr: ""
  retention_days: 7

playback:
  # block kinds to skip: paragraph, heading, list, quote, code, table, footnote
  skip_kinds: [code]
  # speak a summary instead of every table row
  adapt_tables: true
  # restart the sentence when resuming after this long
  resume_rewind: 5m
  # headings at this level or above start a new section
  section_level: 2

lexicon:
  system_enabled: true
  watch: true

log:
  level: info

piper:
  binary: piper
  model_path: ""
  model_url: ""

openai:
  api_key: ""
  voice: nova

google:
  language: en
  requests_per_minute: 50
`
