package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type BackendConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	ChunkSize  int           `mapstructure:"chunk_size"`

	Connect struct {
		RateLimit  int           `mapstructure:"rate_limit"`
		RateWindow time.Duration `mapstructure:"rate_window"`
	} `mapstructure:"connect"`

	Audio struct {
		MaxBytes int    `mapstructure:"max_bytes"`
		TempDir  string `mapstructure:"temp_dir"`
		HintExt  string `mapstructure:"hint_ext"`
	} `mapstructure:"audio"`

	Pipeline struct {
		StepTimeout time.Duration `mapstructure:"step_timeout"`
	} `mapstructure:"pipeline"`

	History struct {
		Limit int `mapstructure:"limit"`
	} `mapstructure:"history"`

	WebRTC struct {
		Enabled    bool     `mapstructure:"enabled"`
		ICEServers []string `mapstructure:"ice_servers"`
	} `mapstructure:"webrtc"`

	STT  BackendConfig `mapstructure:"stt"`
	Chat struct {
		BackendConfig `mapstructure:",squash"`
		SystemPrompt  string `mapstructure:"system_prompt"`
	} `mapstructure:"chat"`
	TTS struct {
		BackendConfig `mapstructure:",squash"`
		Voice         string `mapstructure:"voice"`
		Format        string `mapstructure:"format"`
	} `mapstructure:"tts"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("chunk_size", 65536)
	v.SetDefault("connect.rate_limit", 10)
	v.SetDefault("connect.rate_window", "1m")
	v.SetDefault("audio.max_bytes", 16<<20)
	v.SetDefault("audio.hint_ext", "webm")
	v.SetDefault("pipeline.step_timeout", "30s")
	v.SetDefault("history.limit", 40)
	v.SetDefault("webrtc.enabled", true)
	v.SetDefault("stt.timeout", "30s")
	v.SetDefault("chat.timeout", "30s")
	v.SetDefault("tts.timeout", "30s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Static: %s\n", cfg.Mode, cfg.Port, cfg.StaticPath)
	return &cfg, nil
}
