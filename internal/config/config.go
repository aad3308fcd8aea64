package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Config holds all runtime configuration for clinscribe.
type Config struct {
	Service       ServiceConfig
	Session       SessionConfig
	STT           STTConfig
	Google        GoogleConfig
	Local         LocalConfig
	Generative    GenerativeConfig
	Kafka         KafkaConfig
	Storage       StorageConfig
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Principal string
}

// SessionConfig controls the session orchestrator timers and chunk policy.
type SessionConfig struct {
	ChunkInterval   time.Duration // period of the chunked-transcription timer
	PersistInterval time.Duration // period of the snapshot timer
	MinChunkBytes   int           // floor of the dynamic threshold
	ChunkFraction   float64       // share of the buffer that must be new audio
	IncrementalDocs bool
	LiveEnabled     bool
}

type STTConfig struct {
	// Backends lists backend names in descending priority.
	Backends       []string
	Timeout        time.Duration
	LanguageCode   string
	SampleRateHz   int
	AudioEncoding  string
	InterimResults bool
}

type GoogleConfig struct {
	LongRunningAfterBytes int
}

type LocalConfig struct {
	WhisperBinary string
	ModelPath     string
	FFmpegBinary  string
	Threads       int
}

type GenerativeConfig struct {
	BaseURL         string
	APIKey          string
	TranscribeModel string
	NotesModel      string
	MaxAttempts     int
}

type KafkaConfig struct {
	Enabled     bool
	Brokers     []string
	TopicPrefix string
	Principal   string
}

type StorageConfig struct {
	Path string // sqlite database; empty means the per-user default
}

type ObservabilityConfig struct {
	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

// lookupFunc resolves a configuration key; ok is false when the key is unset.
type lookupFunc func(key string) (string, bool)

var lookup lookupFunc = envLookup

func envLookup(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

// Load reads configuration from the environment. When CLINSCRIBE_CONFIG names
// an INI file, its keys fill in whatever the environment leaves unset.
func Load() *Config {
	if path := os.Getenv("CLINSCRIBE_CONFIG"); path != "" {
		if cfg, err := LoadFile(path); err == nil {
			return cfg
		}
	}
	return build()
}

// LoadFile reads configuration from the environment with the INI file at path
// as a fallback source. Section "stt" key "timeout" answers for STT_TIMEOUT;
// keys in the default section are used verbatim.
func LoadFile(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	file := map[string]string{}
	for _, sec := range f.Sections() {
		prefix := ""
		if sec.Name() != ini.DefaultSection {
			prefix = strings.ToUpper(sec.Name()) + "_"
		}
		for _, k := range sec.Keys() {
			file[prefix+strings.ToUpper(k.Name())] = k.String()
		}
	}

	prev := lookup
	lookup = func(key string) (string, bool) {
		if v, ok := envLookup(key); ok {
			return v, true
		}
		v, ok := file[key]
		return v, ok && v != ""
	}
	defer func() { lookup = prev }()

	return build(), nil
}

func build() *Config {
	principal := envOrDefault("SERVICE_PRINCIPAL", "clinscribe")

	return &Config{
		Service: ServiceConfig{
			Principal: principal,
		},
		Session: SessionConfig{
			ChunkInterval:   envOrDefaultDuration("SESSION_CHUNK_INTERVAL", 15*time.Second),
			PersistInterval: envOrDefaultDuration("SESSION_PERSIST_INTERVAL", 10*time.Second),
			MinChunkBytes:   envOrDefaultInt("SESSION_MIN_CHUNK_BYTES", 4000),
			ChunkFraction:   envOrDefaultFloat("SESSION_CHUNK_FRACTION", 0.3),
			IncrementalDocs: envOrDefaultBool("SESSION_INCREMENTAL_DOCS", true),
			LiveEnabled:     envOrDefaultBool("SESSION_LIVE_ENABLED", true),
		},
		STT: STTConfig{
			Backends:       envOrDefaultList("STT_BACKENDS", []string{"local", "google", "generative"}),
			Timeout:        envOrDefaultDuration("STT_TIMEOUT", 60*time.Second),
			LanguageCode:   envOrDefault("STT_LANGUAGE_CODE", "en-US"),
			SampleRateHz:   envOrDefaultInt("STT_SAMPLE_RATE_HZ", 48000),
			AudioEncoding:  envOrDefault("STT_AUDIO_ENCODING", "WEBM_OPUS"),
			InterimResults: envOrDefaultBool("STT_INTERIM_RESULTS", false),
		},
		Google: GoogleConfig{
			LongRunningAfterBytes: envOrDefaultInt("GOOGLE_LONG_RUNNING_AFTER_BYTES", 1024*1024),
		},
		Local: LocalConfig{
			WhisperBinary: envOrDefault("LOCAL_WHISPER_BINARY", "whisper-cli"),
			ModelPath:     envOrDefault("LOCAL_MODEL_PATH", ""),
			FFmpegBinary:  envOrDefault("LOCAL_FFMPEG_BINARY", "ffmpeg"),
			Threads:       envOrDefaultInt("LOCAL_THREADS", 4),
		},
		Generative: GenerativeConfig{
			BaseURL:         envOrDefault("GENERATIVE_BASE_URL", "https://api.openai.com/v1"),
			APIKey:          envOrDefault("GENERATIVE_API_KEY", ""),
			TranscribeModel: envOrDefault("GENERATIVE_TRANSCRIBE_MODEL", "whisper-1"),
			NotesModel:      envOrDefault("GENERATIVE_NOTES_MODEL", "gpt-4o-mini"),
			MaxAttempts:     envOrDefaultInt("GENERATIVE_MAX_ATTEMPTS", 3),
		},
		Kafka: KafkaConfig{
			Enabled:     envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:     envOrDefaultList("KAFKA_BROKERS", nil),
			TopicPrefix: envOrDefault("KAFKA_TOPIC_PREFIX", ""),
			Principal:   envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Storage: StorageConfig{
			Path: envOrDefault("STORAGE_PATH", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:    envOrDefault("LOG_LEVEL", "info"),
			LogFormat:   envOrDefault("LOG_FORMAT", "json"),
			MetricsAddr: envOrDefault("METRICS_ADDR", ""),
		},
	}
}

func envOrDefault(key, def string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v, ok := lookup(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v, ok := lookup(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v, ok := lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envOrDefaultList(key string, def []string) []string {
	v, ok := lookup(key)
	if !ok {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
