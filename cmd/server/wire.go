package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"bookline/agent/internal/audio"
	"bookline/agent/internal/bizconfig"
	"bookline/agent/internal/calendar"
	"bookline/agent/internal/config"
	"bookline/agent/internal/datetime"
	"bookline/agent/internal/intent"
	"bookline/agent/internal/logger"
	"bookline/agent/internal/orchestrator"
	"bookline/agent/internal/storage"
	"bookline/agent/internal/storage/gcsarchive"
	"bookline/agent/internal/storage/mongostore"
	"bookline/agent/internal/storage/pgstore"
	"bookline/agent/internal/storage/sqlitestore"
	"bookline/agent/internal/stt"
	"bookline/agent/internal/tts"
)

// closers are released in reverse order on shutdown.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) close(log *logrus.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			log.WithError(err).Warn("close")
		}
	}
}

func newRedis(ctx context.Context, addr string) (*redis.Client, error) {
	if addr == "" {
		return nil, nil
	}
	var rdb *redis.Client
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, err
		}
		rdb = redis.NewClient(opt)
	} else {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return rdb, nil
}

func openStorage(ctx context.Context, cfg config.Config, cl *closers, log *logrus.Logger) (storage.Store, error) {
	var st storage.Store
	switch cfg.Storage.Provider {
	case "", "memory":
		st = storage.NewMemory()
	case "sqlite":
		s, err := sqlitestore.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		cl.add(s.Close)
		st = s
	case "postgres":
		s, err := pgstore.Open(ctx, cfg.Storage.PostgresURI)
		if err != nil {
			return nil, err
		}
		cl.add(s.Close)
		st = s
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Storage.Provider)
	}

	var sinks []storage.Summaries
	if cfg.Storage.MongoURI != "" {
		client, err := mongostore.Connect(ctx, cfg.Storage.MongoURI)
		if err != nil {
			return nil, fmt.Errorf("mongo: %w", err)
		}
		cl.add(func() error { return client.Disconnect(context.Background()) })
		sums := mongostore.NewSummaries(client.Database(cfg.Storage.MongoDB))
		if err := sums.EnsureIndexes(ctx); err != nil {
			log.WithError(err).Warn("mongo indexes")
		}
		sinks = append(sinks, sums)
	}
	if cfg.Storage.GCSBucket != "" {
		b, err := gcsarchive.NewBucket(ctx, cfg.Storage.GCSBucket)
		if err != nil {
			return nil, fmt.Errorf("gcs: %w", err)
		}
		cl.add(b.Close)
		sinks = append(sinks, gcsarchive.New(b))
	}
	if len(sinks) > 0 {
		st = storage.WithSummarySinks(st, sinks...)
	}
	return st, nil
}

func openCalendar(cfg config.Config, rdb *redis.Client) (calendar.Calendar, error) {
	var c calendar.Calendar
	switch cfg.Calendar.Provider {
	case "", "memory":
		c = calendar.NewMemory()
	case "http":
		if cfg.Calendar.BaseURL == "" {
			return nil, fmt.Errorf("CALENDAR_BASE_URL not set")
		}
		c = calendar.NewHTTP(cfg.Calendar.BaseURL, cfg.Calendar.APIKey, cfg.Calendar.Timeout)
	default:
		return nil, fmt.Errorf("unknown calendar provider %q", cfg.Calendar.Provider)
	}
	switch cfg.Calendar.Locker {
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("calendar locker redis needs REDIS_ADDR")
		}
		return calendar.NewLocked(c, calendar.NewRedisLocker(rdb)), nil
	default:
		return calendar.NewLocked(c, calendar.NewLocalLocker()), nil
	}
}

func openBusiness(cfg config.Config, rdb *redis.Client) bizconfig.Provider {
	if cfg.Business.ConfigFile == "" {
		return bizconfig.Static{Snapshot: bizconfig.Default()}
	}
	var p bizconfig.Provider = bizconfig.File{Path: cfg.Business.ConfigFile}
	if rdb != nil {
		p = bizconfig.NewCached(p, rdb, cfg.Business.CacheTTL)
	}
	return p
}

func inboundFormat(cfg config.Config) audio.Format {
	f := audio.Format{Encoding: cfg.Audio.Encoding, SampleRate: cfg.Audio.SampleRate}
	if f.Encoding == "" || f.SampleRate == 0 {
		return audio.Telephony
	}
	return f
}

func openRecognizer(ctx context.Context, cfg config.Config, cl *closers, log *logrus.Logger) (stt.Recognizer, error) {
	switch cfg.STT.Provider {
	case "google":
		g, err := stt.NewGoogle(ctx, stt.GoogleConfig{
			CredentialsFile: cfg.GoogleSpeech.CredentialsFile,
			Language:        cfg.GoogleSpeech.Language,
			Format:          inboundFormat(cfg),
		}, logger.Component(log, "stt"))
		if err != nil {
			return nil, err
		}
		cl.add(g.Close)
		return g, nil
	case "", "deepgram":
		return stt.NewDeepgram(stt.DGConfig{
			Model:         cfg.Deepgram.Model,
			Language:      cfg.Deepgram.Language,
			EndpointingMs: cfg.Deepgram.EndpointingMs,
			UtterEndMs:    cfg.Deepgram.UtterEndMs,
			BaseURL:       cfg.Deepgram.BaseURL,
			SocketMaxAgeS: cfg.Deepgram.SocketMaxAgeS,
			Format:        inboundFormat(cfg),
		}, cfg.Deepgram.APIKey, logger.Component(log, "stt")), nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", cfg.STT.Provider)
	}
}

func openSynth(ctx context.Context, name string, cfg config.Config, cl *closers) (tts.Synthesizer, error) {
	switch name {
	case "elevenlabs":
		return tts.NewElevenLabs(tts.ElevenLabsConfig{
			APIKey:  cfg.Eleven.APIKey,
			VoiceID: cfg.Eleven.VoiceID,
			Model:   cfg.Eleven.Model,
			BaseURL: cfg.Eleven.BaseURL,
		}), nil
	case "google":
		g, err := tts.NewGoogle(ctx, tts.GoogleConfig{
			CredentialsFile: cfg.GoogleTTS.CredentialsFile,
			Voice:           cfg.GoogleTTS.Voice,
			Language:        cfg.GoogleTTS.Language,
		})
		if err != nil {
			return nil, err
		}
		cl.add(g.Close)
		return g, nil
	case "static":
		return tts.Static{}, nil
	default:
		return nil, fmt.Errorf("unknown tts provider %q", name)
	}
}

// openSynthesizer builds the primary voice and, when one is configured,
// wraps it with the fallback voice.
func openSynthesizer(ctx context.Context, cfg config.Config, cl *closers, log *logrus.Logger) (tts.Synthesizer, error) {
	primary, err := openSynth(ctx, cfg.TTS.Primary, cfg, cl)
	if err != nil {
		return nil, fmt.Errorf("tts primary: %w", err)
	}
	if cfg.TTS.Fallback == "" || cfg.TTS.Fallback == "none" || cfg.TTS.Fallback == cfg.TTS.Primary {
		return primary, nil
	}
	secondary, err := openSynth(ctx, cfg.TTS.Fallback, cfg, cl)
	if err != nil {
		log.WithError(err).Warn("tts fallback unavailable, using the built-in voice")
		secondary = tts.Static{}
	}
	return &tts.Fallback{
		Primary:           primary,
		Secondary:         secondary,
		FirstChunkTimeout: cfg.Turn.FirstChunkTimeout,
		Log:               logger.Component(log, "tts"),
	}, nil
}

func openClassifier(ctx context.Context, cfg config.Config, log *logrus.Logger) (orchestrator.ClassifierFactory, error) {
	if cfg.Classifier.Provider != "gemini" {
		return nil, nil
	}
	gen, err := intent.NewGenAI(ctx, cfg.Classifier.GeminiAPIKey, cfg.Classifier.GeminiModel)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	entry := logger.Component(log, "intent")
	return func(snap bizconfig.Snapshot, res *datetime.Resolver) intent.Classifier {
		return intent.NewGemini(gen, intent.NewRules(snap, res), cfg.Classifier.Timeout, entry)
	}, nil
}
