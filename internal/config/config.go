package config

import (
	"errors"
	"strings"
	"time"

	cenv "github.com/caarlos0/env/v11"
)

type Config struct {
	ListenAddr           string
	AllowedOrigin        string
	UpstreamBaseURL      string
	UpstreamAPIKey       string
	TranscriptionModel   string
	GenerationModel      string
	TranscriptionTimeout time.Duration
	GenerationTimeout    time.Duration
	StreamTimeout        time.Duration
	MaxUploadBytes       int64
	RateLimitMax         int
	RateLimitWindow      time.Duration
	StaticDir            string
	StagingDir           string
	LogLevel             string
}

type envConfig struct {
	ListenAddr                  string `env:"LISTEN_ADDR" envDefault:":5000"`
	AllowedOrigin               string `env:"ALLOWED_ORIGIN" envDefault:"*"`
	UpstreamBaseURL             string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	UpstreamAPIKey              string `env:"OPENAI_API_KEY"`
	TranscriptionModel          string `env:"TRANSCRIPTION_MODEL" envDefault:"whisper-1"`
	GenerationModel             string `env:"GENERATION_MODEL" envDefault:"gpt-4o-mini"`
	TranscriptionTimeoutSeconds int    `env:"TRANSCRIPTION_TIMEOUT_SECONDS" envDefault:"30"`
	GenerationTimeoutSeconds    int    `env:"GENERATION_TIMEOUT_SECONDS" envDefault:"30"`
	StreamTimeoutSeconds        int    `env:"STREAM_TIMEOUT_SECONDS" envDefault:"120"`
	MaxUploadBytes              int64  `env:"MAX_UPLOAD_BYTES" envDefault:"26214400"`
	RateLimitMax                int    `env:"RATE_LIMIT_MAX" envDefault:"6"`
	RateLimitWindowSeconds      int    `env:"RATE_LIMIT_WINDOW_SECONDS" envDefault:"60"`
	StaticDir                   string `env:"STATIC_DIR" envDefault:"static"`
	StagingDir                  string `env:"STAGING_DIR"`
	LogLevel                    string `env:"LOG_LEVEL" envDefault:"info"`
}

func Load() (Config, error) {
	var raw envConfig
	if err := cenv.Parse(&raw); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:           strings.TrimSpace(raw.ListenAddr),
		AllowedOrigin:        strings.TrimSpace(raw.AllowedOrigin),
		UpstreamBaseURL:      strings.TrimRight(strings.TrimSpace(raw.UpstreamBaseURL), "/"),
		UpstreamAPIKey:       strings.TrimSpace(raw.UpstreamAPIKey),
		TranscriptionModel:   strings.TrimSpace(raw.TranscriptionModel),
		GenerationModel:      strings.TrimSpace(raw.GenerationModel),
		TranscriptionTimeout: time.Duration(raw.TranscriptionTimeoutSeconds) * time.Second,
		GenerationTimeout:    time.Duration(raw.GenerationTimeoutSeconds) * time.Second,
		StreamTimeout:        time.Duration(raw.StreamTimeoutSeconds) * time.Second,
		MaxUploadBytes:       raw.MaxUploadBytes,
		RateLimitMax:         raw.RateLimitMax,
		RateLimitWindow:      time.Duration(raw.RateLimitWindowSeconds) * time.Second,
		StaticDir:            strings.TrimSpace(raw.StaticDir),
		StagingDir:           strings.TrimSpace(raw.StagingDir),
		LogLevel:             strings.ToLower(strings.TrimSpace(raw.LogLevel)),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks everything except the API key: the process may start
// without one and fail on first upstream use instead.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("LISTEN_ADDR must not be empty")
	}
	if c.UpstreamBaseURL == "" {
		return errors.New("OPENAI_BASE_URL must not be empty")
	}
	if c.TranscriptionModel == "" {
		return errors.New("TRANSCRIPTION_MODEL must not be empty")
	}
	if c.GenerationModel == "" {
		return errors.New("GENERATION_MODEL must not be empty")
	}
	if c.TranscriptionTimeout <= 0 {
		return errors.New("TRANSCRIPTION_TIMEOUT_SECONDS must be > 0")
	}
	if c.GenerationTimeout <= 0 {
		return errors.New("GENERATION_TIMEOUT_SECONDS must be > 0")
	}
	if c.StreamTimeout <= 0 {
		return errors.New("STREAM_TIMEOUT_SECONDS must be > 0")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be > 0")
	}
	if c.RateLimitMax <= 0 {
		return errors.New("RATE_LIMIT_MAX must be > 0")
	}
	if c.RateLimitWindow <= 0 {
		return errors.New("RATE_LIMIT_WINDOW_SECONDS must be > 0")
	}
	return nil
}
