package config

import (
	"os"
	"reflect"
	"testing"
	"time"
)

var coordinatorEnv = []string{
	"SERVICE_PRINCIPAL", "GRPC_PORT", "HTTP_PORT", "LOG_LEVEL",
	"COORDINATOR_DEBOUNCE_WINDOW", "COORDINATOR_DRAIN_INTERVAL", "COORDINATOR_WORD_DURATION",
	"AUDIO_FORMAT", "AUDIO_SAMPLE_RATE_HZ", "AUDIO_CHANNELS",
	"KAFKA_ENABLED", "KAFKA_BROKERS", "KAFKA_PRINCIPAL",
}

func TestLoad_Defaults(t *testing.T) {
	for _, v := range coordinatorEnv {
		os.Unsetenv(v)
	}

	cfg := Load()

	// Service defaults
	if cfg.Service.Principal != "svc-conversation-coordinator" {
		t.Errorf("expected default principal 'svc-conversation-coordinator', got %s", cfg.Service.Principal)
	}
	if cfg.Service.GRPCPort != "50051" {
		t.Errorf("expected default port '50051', got %s", cfg.Service.GRPCPort)
	}
	if cfg.Service.HTTPPort != "8080" {
		t.Errorf("expected default http port '8080', got %s", cfg.Service.HTTPPort)
	}

	// Coordinator defaults
	if cfg.Coordinator.DebounceWindow != 150*time.Millisecond {
		t.Errorf("expected debounce window 150ms, got %v", cfg.Coordinator.DebounceWindow)
	}
	if cfg.Coordinator.DrainInterval != 20*time.Millisecond {
		t.Errorf("expected drain interval 20ms, got %v", cfg.Coordinator.DrainInterval)
	}
	if cfg.Coordinator.WordDuration != 220*time.Millisecond {
		t.Errorf("expected word duration 220ms, got %v", cfg.Coordinator.WordDuration)
	}

	// Audio defaults
	if cfg.Audio.Format != "pcm16" {
		t.Errorf("expected audio format pcm16, got %s", cfg.Audio.Format)
	}
	if cfg.Audio.SampleRateHz != 24000 {
		t.Errorf("expected sample rate 24000, got %d", cfg.Audio.SampleRateHz)
	}
	if cfg.Audio.Channels != 1 {
		t.Errorf("expected 1 channel, got %d", cfg.Audio.Channels)
	}

	if cfg.Kafka.Enabled {
		t.Error("expected kafka disabled by default")
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("expected default log level 'info', got %s", cfg.Observability.LogLevel)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	os.Setenv("SERVICE_PRINCIPAL", "custom-principal")
	os.Setenv("GRPC_PORT", "9999")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("COORDINATOR_DEBOUNCE_WINDOW", "300ms")
	os.Setenv("AUDIO_FORMAT", "g711_ulaw")
	os.Setenv("AUDIO_SAMPLE_RATE_HZ", "8000")
	os.Setenv("KAFKA_ENABLED", "true")
	os.Setenv("KAFKA_BROKERS", "a:9092, b:9092")

	defer func() {
		for _, v := range coordinatorEnv {
			os.Unsetenv(v)
		}
	}()

	cfg := Load()

	if cfg.Service.Principal != "custom-principal" {
		t.Errorf("expected principal 'custom-principal', got %s", cfg.Service.Principal)
	}
	if cfg.Service.GRPCPort != "9999" {
		t.Errorf("expected port '9999', got %s", cfg.Service.GRPCPort)
	}
	if cfg.Coordinator.DebounceWindow != 300*time.Millisecond {
		t.Errorf("expected debounce window 300ms, got %v", cfg.Coordinator.DebounceWindow)
	}
	if cfg.Audio.Format != "g711_ulaw" {
		t.Errorf("expected audio format g711_ulaw, got %s", cfg.Audio.Format)
	}
	if cfg.Audio.SampleRateHz != 8000 {
		t.Errorf("expected sample rate 8000, got %d", cfg.Audio.SampleRateHz)
	}
	if !cfg.Kafka.Enabled {
		t.Error("expected kafka enabled")
	}
	if want := []string{"a:9092", "b:9092"}; !reflect.DeepEqual(cfg.Kafka.Brokers, want) {
		t.Errorf("expected brokers %v, got %v", want, cfg.Kafka.Brokers)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.Observability.LogLevel)
	}
}

func TestLoad_InvalidValues_FallbackToDefaults(t *testing.T) {
	os.Setenv("COORDINATOR_DEBOUNCE_WINDOW", "soon")
	os.Setenv("AUDIO_SAMPLE_RATE_HZ", "not-a-number")
	os.Setenv("AUDIO_CHANNELS", "two")
	os.Setenv("KAFKA_ENABLED", "invalid")

	defer func() {
		for _, v := range coordinatorEnv {
			os.Unsetenv(v)
		}
	}()

	cfg := Load()

	// Should fall back to defaults on parse errors
	if cfg.Coordinator.DebounceWindow != 150*time.Millisecond {
		t.Errorf("expected default debounce window on invalid input, got %v", cfg.Coordinator.DebounceWindow)
	}
	if cfg.Audio.SampleRateHz != 24000 {
		t.Errorf("expected default sample rate on invalid input, got %d", cfg.Audio.SampleRateHz)
	}
	if cfg.Audio.Channels != 1 {
		t.Errorf("expected default channels on invalid input, got %d", cfg.Audio.Channels)
	}
	if cfg.Kafka.Enabled {
		t.Error("expected default kafka enabled=false on invalid input")
	}
}

func TestLoad_KafkaPrincipal_FallsBackToServicePrincipal(t *testing.T) {
	os.Setenv("SERVICE_PRINCIPAL", "my-service")
	os.Unsetenv("KAFKA_PRINCIPAL")

	defer os.Unsetenv("SERVICE_PRINCIPAL")

	cfg := Load()

	if cfg.Kafka.Principal != "my-service" {
		t.Errorf("expected Kafka principal to fall back to service principal, got %s", cfg.Kafka.Principal)
	}
}

func TestEnvOrDefaultBool(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      bool
		expected bool
	}{
		{"true string", "true", false, true},
		{"false string", "false", true, false},
		{"1", "1", false, true},
		{"0", "0", true, false},
		{"TRUE uppercase", "TRUE", false, true},
		{"invalid", "invalid", true, true},
		{"empty", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_BOOL_VAR"
			if tt.envValue != "" {
				os.Setenv(key, tt.envValue)
			} else {
				os.Unsetenv(key)
			}
			defer os.Unsetenv(key)

			got := envOrDefaultBool(key, tt.def)
			if got != tt.expected {
				t.Errorf("envOrDefaultBool(%s, %v) = %v, want %v", tt.envValue, tt.def, got, tt.expected)
			}
		})
	}
}

func TestEnvOrDefaultList(t *testing.T) {
	key := "TEST_LIST_VAR"
	os.Setenv(key, " x ,, y")
	defer os.Unsetenv(key)

	got := envOrDefaultList(key, nil)
	if want := []string{"x", "y"}; !reflect.DeepEqual(got, want) {
		t.Errorf("envOrDefaultList = %v, want %v", got, want)
	}
}
