package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type TranscriberConfig struct {
	Mode             string `yaml:"mode"` // mock, http, openai
	Endpoint         string `yaml:"endpoint"`
	APIKey           string `yaml:"api_key"`
	Model            string `yaml:"model"`
	Language         string `yaml:"language"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

type PipelineConfig struct {
	Concurrency int `yaml:"max_concurrency"`
	MaxRetries  int `yaml:"max_retries"`
	BackoffBase int `yaml:"backoff_base_ms"`
	BackoffCap  int `yaml:"backoff_cap_ms"`
}

type ConnectivityConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ProbeURL   string `yaml:"probe_url"`
	IntervalMS int    `yaml:"interval_ms"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Store        StoreConfig        `yaml:"store"`
	Transcriber  TranscriberConfig  `yaml:"transcriber"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path: "./data/scribe.db",
		},
		Transcriber: TranscriberConfig{
			Mode:             "mock",
			Model:            "whisper-1",
			ConnectTimeoutMS: 60000,
			RequestTimeoutMS: 120000,
		},
		Pipeline: PipelineConfig{
			Concurrency: 3,
			MaxRetries:  5,
			BackoffBase: 2000,
			BackoffCap:  60000,
		},
		Connectivity: ConnectivityConfig{
			Enabled:    false,
			IntervalMS: 15000,
			TimeoutMS:  5000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "SCRIBE_STORE_PATH")
	overrideBool(&cfg.Store.VacuumOnStart, "SCRIBE_STORE_VACUUM_ON_START")
	overrideString(&cfg.Transcriber.Mode, "SCRIBE_TRANSCRIBER_MODE")
	overrideString(&cfg.Transcriber.Endpoint, "SCRIBE_TRANSCRIBER_ENDPOINT")
	overrideString(&cfg.Transcriber.APIKey, "SCRIBE_TRANSCRIBER_API_KEY")
	overrideString(&cfg.Transcriber.Model, "SCRIBE_TRANSCRIBER_MODEL")
	overrideString(&cfg.Transcriber.Language, "SCRIBE_TRANSCRIBER_LANGUAGE")
	overrideInt(&cfg.Transcriber.ConnectTimeoutMS, "SCRIBE_TRANSCRIBER_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Transcriber.RequestTimeoutMS, "SCRIBE_TRANSCRIBER_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.Concurrency, "SCRIBE_PIPELINE_MAX_CONCURRENCY")
	overrideInt(&cfg.Pipeline.MaxRetries, "SCRIBE_PIPELINE_MAX_RETRIES")
	overrideInt(&cfg.Pipeline.BackoffBase, "SCRIBE_PIPELINE_BACKOFF_BASE_MS")
	overrideInt(&cfg.Pipeline.BackoffCap, "SCRIBE_PIPELINE_BACKOFF_CAP_MS")
	overrideBool(&cfg.Connectivity.Enabled, "SCRIBE_CONNECTIVITY_ENABLED")
	overrideString(&cfg.Connectivity.ProbeURL, "SCRIBE_CONNECTIVITY_PROBE_URL")
	overrideInt(&cfg.Connectivity.IntervalMS, "SCRIBE_CONNECTIVITY_INTERVAL_MS")
	overrideInt(&cfg.Connectivity.TimeoutMS, "SCRIBE_CONNECTIVITY_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	switch cfg.Transcriber.Mode {
	case "mock", "http", "openai":
		// ok
	default:
		return errors.New("transcriber.mode must be one of mock|http|openai")
	}
	if cfg.Transcriber.Mode == "http" && cfg.Transcriber.Endpoint == "" {
		return errors.New("transcriber.endpoint must be set when mode=http")
	}
	if cfg.Transcriber.Mode == "openai" && cfg.Transcriber.APIKey == "" {
		return errors.New("transcriber.api_key must be set when mode=openai")
	}
	if cfg.Transcriber.Model == "" {
		return errors.New("transcriber.model must not be empty")
	}
	if cfg.Transcriber.RequestTimeoutMS <= 0 {
		return errors.New("transcriber.request_timeout_ms must be positive")
	}
	if cfg.Pipeline.Concurrency <= 0 {
		return errors.New("pipeline.max_concurrency must be >= 1")
	}
	if cfg.Pipeline.MaxRetries < 0 {
		return errors.New("pipeline.max_retries must be >= 0")
	}
	if cfg.Pipeline.BackoffBase <= 0 {
		return errors.New("pipeline.backoff_base_ms must be positive")
	}
	if cfg.Pipeline.BackoffCap < cfg.Pipeline.BackoffBase {
		return errors.New("pipeline.backoff_cap_ms must be >= backoff_base_ms")
	}
	if cfg.Connectivity.Enabled {
		if cfg.Connectivity.ProbeURL == "" {
			return errors.New("connectivity.probe_url must be set when connectivity is enabled")
		}
		if cfg.Connectivity.IntervalMS <= 0 {
			return errors.New("connectivity.interval_ms must be positive")
		}
	}
	return nil
}
