package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the static process configuration. Values come from an optional
// YAML file plus environment overrides; secrets (tokens, API keys) are
// env-only so the YAML file can be committed.
type Config struct {
	Discord DiscordConfig `yaml:"discord"`
	Audio   Audio         `yaml:"audio"`
	STT     STTConfig     `yaml:"stt"`
	LLM     LLMConfig     `yaml:"llm"`
	Metrics MetricsConfig `yaml:"metrics"`
	Storage StorageConfig `yaml:"storage"`
}

// DiscordConfig contains gateway and command-registration settings.
type DiscordConfig struct {
	Token   string `yaml:"-"`        // DISCORD_BOT_TOKEN only
	AppID   string `yaml:"app_id"`   // application ID for slash-command registration
	GuildID string `yaml:"guild_id"` // optional: register commands to a single guild
}

// Audio is the immutable capture configuration snapshot read once per
// capture session.
type Audio struct {
	SampleRate      int     `yaml:"sample_rate"`       // Hz
	Channels        int     `yaml:"channels"`          // decoder output channels
	MinDuration     int     `yaml:"min_duration"`      // ms
	MinVolume       float64 `yaml:"min_volume"`        // RMS
	BufferThreshold int     `yaml:"buffer_threshold"`  // bytes
	SilenceDuration int     `yaml:"silence_duration"`  // ms of silence that ends a turn
	MaxCapture      int     `yaml:"max_capture"`       // ms; force-finalize cap
	NoiseGate       int     `yaml:"noise_gate"`        // amplitude threshold applied before STT
}

// STTConfig configures the speech-recognition client.
type STTConfig struct {
	URL          string   `yaml:"url"`
	AuthToken    string   `yaml:"-"` // STT_AUTH_TOKEN only
	Language     string   `yaml:"language"`
	AltLanguages []string `yaml:"alt_languages"`
	TimeoutMs    int      `yaml:"timeout_ms"`
}

// LLMConfig configures the chat-completions client.
type LLMConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"-"` // LLM_API_KEY only
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// StorageConfig locates the small local persistence files.
type StorageConfig struct {
	ConfigDir  string `yaml:"config_dir"`  // guild configs + starboard maps
	LogDir     string `yaml:"log_dir"`     // rotating error logs
	ArchiveDir string `yaml:"archive_dir"` // accepted-capture WAVs; empty disables archiving
}

// Default returns the configuration used when no file and no env overrides
// are present. Audio thresholds match the Discord deployment: 48 kHz stereo
// opus frames, 800 ms minimum speech, RMS floor of 500.
func Default() Config {
	return Config{
		Audio: Audio{
			SampleRate:      48000,
			Channels:        2,
			MinDuration:     800,
			MinVolume:       500,
			BufferThreshold: 5000,
			SilenceDuration: 1500,
			MaxCapture:      120000,
			NoiseGate:       500,
		},
		STT: STTConfig{
			Language:     "fr-FR",
			AltLanguages: []string{"en-US", "en-GB"},
			TimeoutMs:    15000,
		},
		LLM: LLMConfig{
			BaseURL:   "https://api.groq.com/openai/v1",
			MaxTokens: 1024,
		},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
		Storage: StorageConfig{ConfigDir: "configs", LogDir: "logs"},
	}
}

// Load builds the configuration from defaults, an optional YAML file at path
// (skipped when path is empty or missing), and environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err == nil {
			if uerr := yaml.Unmarshal(b, &cfg); uerr != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, uerr)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Discord.Token = os.Getenv("DISCORD_BOT_TOKEN")
	if v := os.Getenv("DISCORD_APP_ID"); v != "" {
		c.Discord.AppID = v
	}
	if v := os.Getenv("DISCORD_GUILD_ID"); v != "" {
		c.Discord.GuildID = v
	}
	if v := os.Getenv("STT_URL"); v != "" {
		c.STT.URL = v
	}
	c.STT.AuthToken = firstNonEmpty(os.Getenv("STT_AUTH_TOKEN"), c.STT.AuthToken)
	if v := os.Getenv("STT_LANGUAGE"); v != "" {
		c.STT.Language = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	c.LLM.APIKey = firstNonEmpty(os.Getenv("LLM_API_KEY"), os.Getenv("GROQ_API_KEY"), c.LLM.APIKey)
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
	if v := os.Getenv("CONFIG_DIR"); v != "" {
		c.Storage.ConfigDir = v
	}
	if v := os.Getenv("LOG_DIR"); v != "" {
		c.Storage.LogDir = v
	}
	if v := os.Getenv("AUDIO_ARCHIVE_DIR"); v != "" {
		c.Storage.ArchiveDir = v
	}

	envInt("MIN_SPEECH_DURATION", &c.Audio.MinDuration)
	envFloat("MIN_VOLUME_THRESHOLD", &c.Audio.MinVolume)
	envInt("BUFFER_THRESHOLD", &c.Audio.BufferThreshold)
	envInt("SILENCE_DURATION", &c.Audio.SilenceDuration)
	envInt("MAX_CAPTURE_DURATION", &c.Audio.MaxCapture)
	envInt("STT_NOISE_GATE_THRESHOLD", &c.Audio.NoiseGate)
	envInt("STT_TIMEOUT_MS", &c.STT.TimeoutMs)
	envInt("LLM_MAX_TOKENS", &c.LLM.MaxTokens)
}

// Validate rejects configurations the capture pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be positive, got %d", c.Audio.SampleRate)
	}
	if c.Audio.Channels != 1 && c.Audio.Channels != 2 {
		return fmt.Errorf("audio.channels must be 1 or 2, got %d", c.Audio.Channels)
	}
	if c.Audio.SilenceDuration <= 0 {
		return fmt.Errorf("audio.silence_duration must be positive, got %d", c.Audio.SilenceDuration)
	}
	if c.Audio.MaxCapture > 0 && c.Audio.MaxCapture < c.Audio.MinDuration {
		return fmt.Errorf("audio.max_capture (%d ms) is below audio.min_duration (%d ms)", c.Audio.MaxCapture, c.Audio.MinDuration)
	}
	return nil
}

// SilenceTimeout returns the transport-level end-of-turn silence window.
func (a Audio) SilenceTimeout() time.Duration {
	return time.Duration(a.SilenceDuration) * time.Millisecond
}

// MaxCaptureDuration returns the force-finalize cap, or 0 when uncapped.
func (a Audio) MaxCaptureDuration() time.Duration {
	return time.Duration(a.MaxCapture) * time.Millisecond
}

func envInt(key string, dst *int) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
