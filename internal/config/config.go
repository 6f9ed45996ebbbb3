// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Configuration is the full service configuration.
type Configuration struct {
	Service       ServiceConfig
	Realtime      RealtimeConfig
	Coordinator   CoordinatorConfig
	Audio         AudioConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig
}

// ServiceConfig holds listener and identity settings.
type ServiceConfig struct {
	Principal string
	GRPCPort  string
	HTTPPort  string
}

// RealtimeConfig points at the upstream voice conversation API.
// An empty URL disables the outbound realtime session.
type RealtimeConfig struct {
	URL    string
	APIKey string
	Model  string
}

// CoordinatorConfig tunes the event pipeline.
type CoordinatorConfig struct {
	DebounceWindow time.Duration
	DrainInterval  time.Duration
	WordDuration   time.Duration
}

// AudioConfig describes the assistant audio stream.
type AudioConfig struct {
	Format       string
	SampleRateHz int
	Channels     int
}

// KafkaConfig holds publisher settings.
type KafkaConfig struct {
	Enabled        bool
	Brokers        []string
	TopicTurns     string
	TopicResponses string
	Principal      string
}

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

// Load reads configuration from environment variables. Values that fail to
// parse fall back to their defaults.
func Load() *Configuration {
	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-conversation-coordinator")

	return &Configuration{
		Service: ServiceConfig{
			Principal: principal,
			GRPCPort:  envOrDefault("GRPC_PORT", "50051"),
			HTTPPort:  envOrDefault("HTTP_PORT", "8080"),
		},
		Realtime: RealtimeConfig{
			URL:    os.Getenv("REALTIME_URL"),
			APIKey: os.Getenv("REALTIME_API_KEY"),
			Model:  envOrDefault("REALTIME_MODEL", "gpt-4o-realtime-preview"),
		},
		Coordinator: CoordinatorConfig{
			DebounceWindow: envOrDefaultDuration("COORDINATOR_DEBOUNCE_WINDOW", 150*time.Millisecond),
			DrainInterval:  envOrDefaultDuration("COORDINATOR_DRAIN_INTERVAL", 20*time.Millisecond),
			WordDuration:   envOrDefaultDuration("COORDINATOR_WORD_DURATION", 220*time.Millisecond),
		},
		Audio: AudioConfig{
			Format:       envOrDefault("AUDIO_FORMAT", "pcm16"),
			SampleRateHz: envOrDefaultInt("AUDIO_SAMPLE_RATE_HZ", 24000),
			Channels:     envOrDefaultInt("AUDIO_CHANNELS", 1),
		},
		Kafka: KafkaConfig{
			Enabled:        envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:        envOrDefaultList("KAFKA_BROKERS", nil),
			TopicTurns:     envOrDefault("KAFKA_TOPIC_TURNS", "conversation.turn.finalized"),
			TopicResponses: envOrDefault("KAFKA_TOPIC_RESPONSES", "conversation.response.requested"),
			Principal:      envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Observability: ObservabilityConfig{
			LogLevel:    envOrDefault("LOG_LEVEL", "info"),
			LogFormat:   envOrDefault("LOG_FORMAT", "json"),
			MetricsAddr: envOrDefault("METRICS_ADDR", ":9090"),
		},
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrDefaultBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
