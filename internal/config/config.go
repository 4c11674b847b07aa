package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port          string
		GRPCPort      string
		LogLevel      string
		LogFormat     string
		PublicBaseURL string
	}
	Auth struct {
		MediaSecret   string
		MediaTokenTTL time.Duration
	}
	Audio struct {
		Encoding   string // mulaw | linear16
		SampleRate int
		FrameMs    int
	}
	Turn struct {
		Grace              time.Duration
		Hold               time.Duration
		Dropout            time.Duration
		MinRMS             float64
		MinTokens          int
		RecognitionTimeout time.Duration
		TurnBudget         time.Duration
		SynthesisTimeout   time.Duration
		FirstChunkTimeout  time.Duration
		MaxReprompts       int
	}
	STT struct {
		Provider string // deepgram | google
	}
	Deepgram struct {
		APIKey        string
		Model         string
		Language      string
		EndpointingMs int
		UtterEndMs    int
		BaseURL       string
		SocketMaxAgeS int
	}
	GoogleSpeech struct {
		CredentialsFile string
		Language        string
	}
	TTS struct {
		Primary  string // elevenlabs | google | static
		Fallback string
	}
	Eleven struct {
		APIKey  string
		VoiceID string
		Model   string
		BaseURL string
	}
	GoogleTTS struct {
		CredentialsFile string
		Voice           string
		Language        string
	}
	Classifier struct {
		Provider     string // rules | gemini
		GeminiAPIKey string
		GeminiModel  string
		Timeout      time.Duration
	}
	Calendar struct {
		Provider string // memory | http
		BaseURL  string
		APIKey   string
		Timeout  time.Duration
		Locker   string // local | redis
	}
	Storage struct {
		Provider    string // memory | sqlite | postgres
		SQLitePath  string
		PostgresURI string
		MongoURI    string
		MongoDB     string
		GCSBucket   string
	}
	Redis struct {
		Addr string
	}
	Business struct {
		ConfigFile          string
		CacheTTL            time.Duration
		Alternatives        int
		HorizonDays         int
		RequireBothContacts bool
	}
}

func Load() Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.public_base_url", "http://localhost:8080")

	v.SetDefault("auth.media_token_ttl", "10m")

	v.SetDefault("audio.encoding", "mulaw")
	v.SetDefault("audio.sample_rate", 8000)
	v.SetDefault("audio.frame_ms", 20)

	v.SetDefault("turn.grace", "600ms")
	v.SetDefault("turn.hold", "300ms")
	v.SetDefault("turn.dropout", "120ms")
	v.SetDefault("turn.min_rms", 600.0)
	v.SetDefault("turn.min_tokens", 3)
	v.SetDefault("turn.recognition_timeout", "8s")
	v.SetDefault("turn.budget", "25s")
	v.SetDefault("turn.synthesis_timeout", "15s")
	v.SetDefault("turn.first_chunk_timeout", "3s")
	v.SetDefault("turn.max_reprompts", 2)

	v.SetDefault("stt.provider", "deepgram")
	v.SetDefault("deepgram.model", "nova-2-phonecall")
	v.SetDefault("deepgram.language", "en-US")
	v.SetDefault("deepgram.endpointing_ms", 800)
	v.SetDefault("deepgram.utterance_end_ms", 1200)
	v.SetDefault("deepgram.socket_max_age_s", 900)
	v.SetDefault("google_speech.language", "en-US")

	v.SetDefault("tts.primary", "elevenlabs")
	v.SetDefault("tts.fallback", "google")
	v.SetDefault("elevenlabs.model", "eleven_flash_v2_5")
	v.SetDefault("elevenlabs.base_url", "https://api.elevenlabs.io")
	v.SetDefault("google_tts.voice", "en-US-Neural2-F")
	v.SetDefault("google_tts.language", "en-US")

	v.SetDefault("classifier.provider", "rules")
	v.SetDefault("classifier.gemini_model", "gemini-2.0-flash")
	v.SetDefault("classifier.timeout", "2s")

	v.SetDefault("calendar.provider", "memory")
	v.SetDefault("calendar.timeout", "5s")
	v.SetDefault("calendar.locker", "local")

	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.sqlite_path", "bookline.db")
	v.SetDefault("storage.mongo_db", "bookline")

	v.SetDefault("business.cache_ttl", "30s")
	v.SetDefault("business.alternatives", 3)
	v.SetDefault("business.horizon_days", 7)
	v.SetDefault("business.require_both_contacts", true)

	// Map envs
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.grpc_port", "GRPC_PORT")
	v.BindEnv("server.log_level", "LOG_LEVEL")
	v.BindEnv("server.log_format", "LOG_FORMAT")
	v.BindEnv("server.public_base_url", "PUBLIC_BASE_URL")

	v.BindEnv("auth.media_secret", "MEDIA_TOKEN_SECRET")
	v.BindEnv("auth.media_token_ttl", "MEDIA_TOKEN_TTL")

	v.BindEnv("audio.encoding", "AUDIO_ENCODING")
	v.BindEnv("audio.sample_rate", "AUDIO_SAMPLE_RATE")
	v.BindEnv("audio.frame_ms", "AUDIO_FRAME_MS")

	v.BindEnv("turn.grace", "BARGE_IN_GRACE")
	v.BindEnv("turn.hold", "BARGE_IN_HOLD")
	v.BindEnv("turn.dropout", "BARGE_IN_DROPOUT")
	v.BindEnv("turn.min_rms", "BARGE_IN_MIN_RMS")
	v.BindEnv("turn.min_tokens", "BARGE_IN_MIN_TOKENS")
	v.BindEnv("turn.recognition_timeout", "RECOGNITION_TIMEOUT")
	v.BindEnv("turn.budget", "TURN_BUDGET")
	v.BindEnv("turn.synthesis_timeout", "SYNTHESIS_TIMEOUT")
	v.BindEnv("turn.first_chunk_timeout", "SYNTHESIS_FIRST_CHUNK_TIMEOUT")
	v.BindEnv("turn.max_reprompts", "MAX_REPROMPTS")

	v.BindEnv("stt.provider", "STT_PROVIDER")
	v.BindEnv("deepgram.api_key", "DEEPGRAM_API_KEY")
	v.BindEnv("deepgram.model", "DEEPGRAM_MODEL")
	v.BindEnv("deepgram.language", "DEEPGRAM_LANGUAGE")
	v.BindEnv("deepgram.endpointing_ms", "DEEPGRAM_ENDPOINTING_MS")
	v.BindEnv("deepgram.utterance_end_ms", "DEEPGRAM_UTTERANCE_END_MS")
	v.BindEnv("deepgram.base_url", "DEEPGRAM_WS_URL")
	v.BindEnv("deepgram.socket_max_age_s", "DEEPGRAM_SOCKET_MAX_AGE_S")
	v.BindEnv("google_speech.credentials_file", "GOOGLE_APPLICATION_CREDENTIALS")
	v.BindEnv("google_speech.language", "GOOGLE_SPEECH_LANGUAGE")

	v.BindEnv("tts.primary", "TTS_PRIMARY")
	v.BindEnv("tts.fallback", "TTS_FALLBACK")
	v.BindEnv("elevenlabs.api_key", "ELEVENLABS_API_KEY")
	v.BindEnv("elevenlabs.voice_id", "ELEVENLABS_VOICE_ID")
	v.BindEnv("elevenlabs.model", "ELEVENLABS_MODEL")
	v.BindEnv("elevenlabs.base_url", "ELEVENLABS_BASE_URL")
	v.BindEnv("google_tts.credentials_file", "GOOGLE_APPLICATION_CREDENTIALS")
	v.BindEnv("google_tts.voice", "GOOGLE_TTS_VOICE")
	v.BindEnv("google_tts.language", "GOOGLE_TTS_LANGUAGE")

	v.BindEnv("classifier.provider", "CLASSIFIER_PROVIDER")
	v.BindEnv("classifier.gemini_api_key", "GEMINI_API_KEY")
	v.BindEnv("classifier.gemini_model", "GEMINI_MODEL")
	v.BindEnv("classifier.timeout", "CLASSIFIER_TIMEOUT")

	v.BindEnv("calendar.provider", "CALENDAR_PROVIDER")
	v.BindEnv("calendar.base_url", "CALENDAR_BASE_URL")
	v.BindEnv("calendar.api_key", "CALENDAR_API_KEY")
	v.BindEnv("calendar.timeout", "CALENDAR_TIMEOUT")
	v.BindEnv("calendar.locker", "CALENDAR_LOCKER")

	v.BindEnv("storage.provider", "STORAGE_PROVIDER")
	v.BindEnv("storage.sqlite_path", "SQLITE_PATH")
	v.BindEnv("storage.postgres_uri", "POSTGRES_URI")
	v.BindEnv("storage.mongo_uri", "MONGO_URI")
	v.BindEnv("storage.mongo_db", "MONGO_DB")
	v.BindEnv("storage.gcs_bucket", "GCS_BUCKET")

	v.BindEnv("redis.addr", "REDIS_ADDR", "REDIS_URL")

	v.BindEnv("business.config_file", "BUSINESS_CONFIG_FILE")
	v.BindEnv("business.cache_ttl", "BUSINESS_CONFIG_CACHE_TTL")
	v.BindEnv("business.alternatives", "BOOKING_ALTERNATIVES")
	v.BindEnv("business.horizon_days", "BOOKING_HORIZON_DAYS")
	v.BindEnv("business.require_both_contacts", "BOOKING_REQUIRE_BOTH_CONTACTS")

	var c Config
	c.Server.Port = toString(v.Get("server.port"))
	c.Server.GRPCPort = toString(v.Get("server.grpc_port"))
	c.Server.LogLevel = v.GetString("server.log_level")
	c.Server.LogFormat = v.GetString("server.log_format")
	c.Server.PublicBaseURL = strings.TrimSuffix(v.GetString("server.public_base_url"), "/")

	c.Auth.MediaSecret = v.GetString("auth.media_secret")
	c.Auth.MediaTokenTTL = v.GetDuration("auth.media_token_ttl")

	c.Audio.Encoding = strings.ToLower(v.GetString("audio.encoding"))
	c.Audio.SampleRate = v.GetInt("audio.sample_rate")
	c.Audio.FrameMs = v.GetInt("audio.frame_ms")

	c.Turn.Grace = v.GetDuration("turn.grace")
	c.Turn.Hold = v.GetDuration("turn.hold")
	c.Turn.Dropout = v.GetDuration("turn.dropout")
	c.Turn.MinRMS = v.GetFloat64("turn.min_rms")
	c.Turn.MinTokens = v.GetInt("turn.min_tokens")
	c.Turn.RecognitionTimeout = v.GetDuration("turn.recognition_timeout")
	c.Turn.TurnBudget = v.GetDuration("turn.budget")
	c.Turn.SynthesisTimeout = v.GetDuration("turn.synthesis_timeout")
	c.Turn.FirstChunkTimeout = v.GetDuration("turn.first_chunk_timeout")
	c.Turn.MaxReprompts = v.GetInt("turn.max_reprompts")

	c.STT.Provider = strings.ToLower(v.GetString("stt.provider"))
	c.Deepgram.APIKey = v.GetString("deepgram.api_key")
	c.Deepgram.Model = v.GetString("deepgram.model")
	c.Deepgram.Language = v.GetString("deepgram.language")
	c.Deepgram.EndpointingMs = v.GetInt("deepgram.endpointing_ms")
	c.Deepgram.UtterEndMs = v.GetInt("deepgram.utterance_end_ms")
	c.Deepgram.BaseURL = v.GetString("deepgram.base_url")
	c.Deepgram.SocketMaxAgeS = v.GetInt("deepgram.socket_max_age_s")
	c.GoogleSpeech.CredentialsFile = v.GetString("google_speech.credentials_file")
	c.GoogleSpeech.Language = v.GetString("google_speech.language")

	c.TTS.Primary = strings.ToLower(v.GetString("tts.primary"))
	c.TTS.Fallback = strings.ToLower(v.GetString("tts.fallback"))
	c.Eleven.APIKey = v.GetString("elevenlabs.api_key")
	c.Eleven.VoiceID = v.GetString("elevenlabs.voice_id")
	c.Eleven.Model = v.GetString("elevenlabs.model")
	c.Eleven.BaseURL = strings.TrimSuffix(v.GetString("elevenlabs.base_url"), "/")
	c.GoogleTTS.CredentialsFile = v.GetString("google_tts.credentials_file")
	c.GoogleTTS.Voice = v.GetString("google_tts.voice")
	c.GoogleTTS.Language = v.GetString("google_tts.language")

	c.Classifier.Provider = strings.ToLower(v.GetString("classifier.provider"))
	c.Classifier.GeminiAPIKey = v.GetString("classifier.gemini_api_key")
	c.Classifier.GeminiModel = v.GetString("classifier.gemini_model")
	c.Classifier.Timeout = v.GetDuration("classifier.timeout")

	c.Calendar.Provider = strings.ToLower(v.GetString("calendar.provider"))
	c.Calendar.BaseURL = strings.TrimSuffix(v.GetString("calendar.base_url"), "/")
	c.Calendar.APIKey = v.GetString("calendar.api_key")
	c.Calendar.Timeout = v.GetDuration("calendar.timeout")
	c.Calendar.Locker = strings.ToLower(v.GetString("calendar.locker"))

	c.Storage.Provider = strings.ToLower(v.GetString("storage.provider"))
	c.Storage.SQLitePath = v.GetString("storage.sqlite_path")
	c.Storage.PostgresURI = v.GetString("storage.postgres_uri")
	c.Storage.MongoURI = v.GetString("storage.mongo_uri")
	c.Storage.MongoDB = v.GetString("storage.mongo_db")
	c.Storage.GCSBucket = v.GetString("storage.gcs_bucket")

	c.Redis.Addr = v.GetString("redis.addr")

	c.Business.ConfigFile = v.GetString("business.config_file")
	c.Business.CacheTTL = v.GetDuration("business.cache_ttl")
	c.Business.Alternatives = v.GetInt("business.alternatives")
	c.Business.HorizonDays = v.GetInt("business.horizon_days")
	c.Business.RequireBothContacts = v.GetBool("business.require_both_contacts")

	log.Printf("config loaded: port=%s stt=%s tts=%s/%s calendar=%s storage=%s",
		c.Server.Port, c.STT.Provider, c.TTS.Primary, c.TTS.Fallback, c.Calendar.Provider, c.Storage.Provider)
	return c
}

// FrameBytes is the size of one inbound frame in the configured encoding.
func (c Config) FrameBytes() int {
	samples := c.Audio.SampleRate * c.Audio.FrameMs / 1000
	if c.Audio.Encoding == "linear16" {
		return samples * 2
	}
	return samples
}

func toString(v any) string { return fmt.Sprint(v) }
