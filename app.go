package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/vrwarp/narrator/internal/audio"
	"github.com/vrwarp/narrator/internal/cache"
	"github.com/vrwarp/narrator/internal/config"
	"github.com/vrwarp/narrator/internal/content"
	"github.com/vrwarp/narrator/internal/lexicon"
	"github.com/vrwarp/narrator/internal/logging"
	"github.com/vrwarp/narrator/internal/narrator"
	"github.com/vrwarp/narrator/internal/provider"
	"github.com/vrwarp/narrator/internal/provider/engines"
	"github.com/vrwarp/narrator/internal/provider/mock"
	"github.com/vrwarp/narrator/internal/store"
)

// app holds the long-lived components a command needs. Components a
// command does not ask for stay nil.
type app struct {
	cfg       config.Config
	store     store.Store
	cache     *cache.Manager
	metrics   *logging.Metrics
	rules     *lexicon.RuleBook
	sink      audio.Sink
	providers *provider.Manager
	logger    *log.Logger
}

func openStore(cfg config.Config) (store.Store, error) {
	if cfg.Store.Path == "memory" {
		return store.NewMemory(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("unable to create data directory: %w", err)
	}
	return store.OpenSQLite(cfg.Store.Path)
}

func openRules(cfg config.Config) (*lexicon.RuleBook, error) {
	rules, err := lexicon.OpenRuleBook(cfg.Lexicon.Path, log.Default().WithPrefix("lexicon"))
	if err != nil {
		return nil, err
	}
	if !cfg.Lexicon.SystemEnabled {
		rules.SetSystemEnabled(false)
	}
	return rules, nil
}

func cacheConfig(cfg config.Config) cache.Config {
	c := cache.DefaultConfig()
	c.MemoryCapacity = cfg.Cache.MemoryBytes()
	c.DiskCapacity = cfg.Cache.DiskBytes()
	c.DiskPath = cfg.Cache.DiskPath
	c.CompressionLevel = cfg.Cache.Compression
	c.RedisAddr = cfg.Cache.RedisAddr
	c.RedisPassword = cfg.Cache.RedisPassword
	c.RedisDB = cfg.Cache.RedisDB
	c.TTLDays = cfg.Cache.RetentionDays
	c.CleanupInterval = cfg.Cache.CleanupEvery
	if c.TTLDays > 0 {
		c.RedisTTL = cfg.Cache.MaxAge()
	}
	return c
}

// openCache opens the store and the audio cache on top of it.
func openCache(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: log.Default()}
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a.store = st

	a.cache, err = cache.Open(ctx, cacheConfig(cfg), st, log.Default().WithPrefix("cache"))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

// openApp opens everything needed to speak: store, cache, lexicon, audio
// output and the speech backends.
func openApp(ctx context.Context, cfg config.Config) (*app, error) {
	a, err := openCache(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.metrics = logging.NewMetrics(log.Default().WithPrefix("metrics"))

	if a.rules, err = openRules(cfg); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openProviders(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openProviders(ctx context.Context) error {
	if a.cfg.Engine != "mock" {
		player, err := audio.NewPlayer(audio.DefaultPlayerConfig(), log.Default().WithPrefix("audio"))
		if err != nil {
			return fmt.Errorf("unable to open audio output: %w", err)
		}
		a.sink = player
	}

	synth := func(id string, s engines.Synthesizer, caps provider.Capabilities) provider.Backend {
		return engines.NewSynth(s, engines.SynthConfig{
			ID:           id,
			Capabilities: caps,
			Cache:        a.cache,
			Sink:         a.sink,
			Logger:       log.Default().WithPrefix(id),
			Metrics:      a.metrics,
		})
	}

	var local provider.Backend
	if a.cfg.Engine == "mock" {
		m := mock.NewLocal("mock")
		m.SetAutoEnd(mock.EstimatedDuration)
		local = m
	} else {
		piper, err := engines.NewPiper(engines.PiperConfig{
			Binary:    a.cfg.Piper.Binary,
			ModelPath: a.cfg.Piper.ModelPath,
			ModelDir:  a.cfg.Piper.ModelDir,
			ModelURL:  a.cfg.Piper.ModelURL,
			Timeout:   a.cfg.Piper.Timeout,
		})
		if err != nil {
			a.logger.Warn("on-device voice unavailable, cloud failures will not fall back", "err", err)
		} else {
			local = synth(engines.PiperID, piper, provider.Capabilities{Local: true})
		}
	}
	a.providers = provider.NewManager(local, log.Default().WithPrefix("provider"))

	if a.cfg.OpenAI.APIKey != "" {
		oa, err := engines.NewOpenAI(engines.OpenAIConfig{
			APIKey:  a.cfg.OpenAI.APIKey,
			Model:   a.cfg.OpenAI.Model,
			Voice:   a.cfg.OpenAI.Voice,
			BaseURL: a.cfg.OpenAI.BaseURL,
		})
		if err != nil {
			return err
		}
		a.providers.Register(synth(engines.OpenAIID, oa, provider.Capabilities{Metered: true}))
	}
	a.providers.Register(synth(engines.GoogleID, engines.NewGoogle(engines.GoogleConfig{
		Language:          a.cfg.Google.Language,
		RequestsPerMinute: a.cfg.Google.RequestsPerMinute,
	}), provider.Capabilities{}))

	if active := a.providers.Active(); active != nil && active.ID() == a.cfg.Engine {
		return nil
	}
	if err := a.providers.SetBackend(ctx, a.cfg.Engine); err != nil {
		if errors.Is(err, provider.ErrUnknownBackend) && a.cfg.Engine == engines.OpenAIID {
			return fmt.Errorf("openai needs an api key (openai.api_key or NARRATOR_OPENAI_API_KEY): %w", err)
		}
		return err
	}
	return nil
}

// newNarrator creates a narrator over the app's components.
func (a *app) newNarrator() (*narrator.Narrator, error) {
	kinds, err := content.ParseKinds(a.cfg.Playback.SkipKinds)
	if err != nil {
		return nil, err
	}
	return narrator.New(narrator.Options{
		Providers: a.providers,
		Persister: a.store,
		Usage:     a.store,
		Rules:     a.rules,
		Config: narrator.Config{
			Settings: narrator.Settings{
				VoiceID: a.cfg.Voice,
				Speed:   a.cfg.Speed,
				Pitch:   a.cfg.Pitch,
			},
			SkipKinds:      kinds,
			AdaptTables:    a.cfg.Playback.AdaptTables,
			ResumeRewind:   a.cfg.Playback.ResumeRewind,
			ContinueBook:   a.cfg.Playback.ContinueBook,
			CharsPerSecond: a.cfg.CharsPerSecond,
		},
		Logger: log.Default().WithPrefix("narrator"),
	})
}

// Close releases everything that was opened, in reverse order.
func (a *app) Close() {
	if a.providers != nil {
		if err := a.providers.Close(); err != nil {
			a.logger.Warn("failed to close providers", "err", err)
		}
	}
	if c, ok := a.sink.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
