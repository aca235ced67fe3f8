package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const appName = "talkbox"

type AudioConfig struct {
	Device     string `yaml:"device"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	FFTSize    int    `yaml:"fft_size"`
}

type Config struct {
	BackendURL       string      `yaml:"backend_url"`
	RequestTimeoutMS int         `yaml:"request_timeout_ms"`
	Audio            AudioConfig `yaml:"audio"`
	Beep             bool        `yaml:"beep"`
	SessionFile      string      `yaml:"session_file"`
	LogPath          string      `yaml:"log_path"`
}

func Default() Config {
	return Config{
		BackendURL:       "http://127.0.0.1:8000",
		RequestTimeoutMS: 30000,
		Audio: AudioConfig{
			SampleRate: 16000,
			Channels:   1,
			FFTSize:    256,
		},
		Beep: true,
	}
}

// DefaultPath is config.yaml in the user's config directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, appName, "config.yaml")
}

// Load layers defaults, the YAML file and environment overrides. An empty
// path reads DefaultPath if it exists; an explicit path must exist.
func Load(path string) (Config, error) {
	cfg := Default()

	optional := path == ""
	if optional {
		path = DefaultPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file: %w", err)
			}
		case errors.Is(err, os.ErrNotExist) && optional:
		case errors.Is(err, os.ErrNotExist):
			return cfg, fmt.Errorf("config file not found: %w", err)
		default:
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.BackendURL, "TALKBOX_BACKEND_URL")
	overrideInt(&cfg.RequestTimeoutMS, "TALKBOX_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.Audio.Device, "TALKBOX_DEVICE")
	overrideInt(&cfg.Audio.SampleRate, "TALKBOX_SAMPLE_RATE")
	overrideInt(&cfg.Audio.FFTSize, "TALKBOX_FFT_SIZE")
	overrideBool(&cfg.Beep, "TALKBOX_BEEP")
	overrideString(&cfg.SessionFile, "TALKBOX_SESSION_FILE")
	overrideString(&cfg.LogPath, "TALKBOX_LOG_PATH")
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BackendURL) == "" {
		return errors.New("backend_url is required")
	}
	u, err := url.Parse(c.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend_url %q must be an http(s) URL", c.BackendURL)
	}
	if c.RequestTimeoutMS <= 0 {
		return fmt.Errorf("request_timeout_ms must be positive, got %d", c.RequestTimeoutMS)
	}
	if c.Audio.SampleRate < 8000 || c.Audio.SampleRate > 192000 {
		return fmt.Errorf("audio.sample_rate %d out of range", c.Audio.SampleRate)
	}
	if c.Audio.Channels != 1 && c.Audio.Channels != 2 {
		return fmt.Errorf("audio.channels must be 1 or 2, got %d", c.Audio.Channels)
	}
	n := c.Audio.FFTSize
	if n < 32 || n > 32768 || n&(n-1) != 0 {
		return fmt.Errorf("audio.fft_size %d must be a power of two between 32 and 32768", n)
	}
	return nil
}

// SessionPath is where the conversation token is persisted.
func (c Config) SessionPath() string {
	if c.SessionFile != "" {
		return c.SessionFile
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, appName, "session.json")
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
