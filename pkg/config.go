package pkg

import (
	"errors"
	"io/fs"
	"os"

	"github.com/drone/envsubst"
	"github.com/subosito/gotenv"
	"go.yaml.in/yaml/v4"
)

type Config struct {
	APICfg       `yaml:"api" json:"api"`
	WebSocketCfg `yaml:"websocket" json:"websocket"`
	OfferCfg     `yaml:"offer" json:"offer"`
	StatusCfg    `yaml:"status" json:"status"`
	LocationCfg  `yaml:"location" json:"location"`
	SessionCfg   `yaml:"session" json:"session"`
}

type APICfg struct {
	BaseURL        string `yaml:"base_url" json:"base_url"`
	TimeoutSeconds uint   `yaml:"timeout_seconds" json:"timeout_seconds"`
}

type WebSocketCfg struct {
	URL string `yaml:"url" json:"url"`
}

type OfferCfg struct {
	WindowSeconds uint `yaml:"window_seconds" json:"window_seconds"`
}

type StatusCfg struct {
	PollSeconds uint `yaml:"poll_seconds" json:"poll_seconds"`
}

type LocationCfg struct {
	LocalSeconds  uint    `yaml:"local_seconds" json:"local_seconds"`
	ServerSeconds uint    `yaml:"server_seconds" json:"server_seconds"`
	StartLat      float64 `yaml:"start_lat" json:"start_lat"`
	StartLng      float64 `yaml:"start_lng" json:"start_lng"`
}

type SessionCfg struct {
	File string `yaml:"file" json:"file"`
}

func ParseConfig(path string) (*Config, error) {
	err := gotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// env vars + defaults through ${VAR:-default}
	replaced, err := envsubst.EvalEnv(string(data))
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	err = yaml.Unmarshal([]byte(replaced), cfg)
	if err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	return cfg, nil
}

func (c *Config) fillDefaults() {
	if c.APICfg.TimeoutSeconds == 0 {
		c.APICfg.TimeoutSeconds = 10
	}
	if c.OfferCfg.WindowSeconds == 0 {
		c.OfferCfg.WindowSeconds = 30
	}
	if c.StatusCfg.PollSeconds == 0 {
		c.StatusCfg.PollSeconds = 30
	}
	if c.LocationCfg.LocalSeconds == 0 {
		c.LocationCfg.LocalSeconds = 2
	}
	if c.LocationCfg.ServerSeconds == 0 {
		c.LocationCfg.ServerSeconds = 30
	}
	if c.SessionCfg.File == "" {
		c.SessionCfg.File = "session.json"
	}
}
