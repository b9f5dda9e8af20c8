package config

import (
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Config - корневая структура конфигурации ноды.
// yaml и validate теги для парсинга и валидации

type Config struct {
	Logger    LoggerConfig    `yaml:"logger" validate:"required"`
	Node      NodeConfig      `yaml:"node" validate:"required"`
	Group     GroupConfig     `yaml:"group" validate:"required"`
	HTTP      HTTPConfig      `yaml:"http-server"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

type NodeConfig struct {
	ListenAddress string `yaml:"listen_address" validate:"required"`
	// Advertise is the address peers use to reach this node; defaults
	// to the listen address.
	Advertise string `yaml:"advertise"`
}

type GroupConfig struct {
	EventHorizon   uint32        `yaml:"event_horizon" validate:"min=10,max=200"`
	Proposers      int           `yaml:"proposers" validate:"required,min=1"`
	BatchMaxBytes  int           `yaml:"batch_max_bytes" validate:"required,min=1"`
	BatchMaxItems  int           `yaml:"batch_max_items" validate:"required,min=1"`
	SnapshotWait   time.Duration `yaml:"snapshot_wait"`
	TerminateDelay time.Duration `yaml:"terminate_delay"`
	CacheAppBytes  uint64        `yaml:"cache_app_bytes"`
}

type HTTPConfig struct {
	Port              int           `yaml:"port" validate:"min=0,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type DiscoveryConfig struct {
	Enabled bool     `yaml:"enabled"`
	Servers []string `yaml:"servers"`
	Root    string   `yaml:"root"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Node: NodeConfig{
			ListenAddress: "0.0.0.0:33061",
		},
		Group: GroupConfig{
			EventHorizon:   10,
			Proposers:      10,
			BatchMaxBytes:  128 * 1024,
			BatchMaxItems:  100,
			SnapshotWait:   30 * time.Second,
			TerminateDelay: 3 * time.Second,
			CacheAppBytes:  64 * 1024 * 1024,
		},
		HTTP: HTTPConfig{
			Port:              8080,
			ReadHeaderTimeout: time.Second,
		},
		Discovery: DiscoveryConfig{
			Root: "/paxcom",
		},
	}
}

// Load загружает конфиг из файла YAML. Если файл не найден,
// возвращается Default().
func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return Default(), nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// InitLogger настраивает глобальный slog.Logger (JSON или текстовый).
func InitLogger(cfg *Config) {
	var level slog.Level
	switch cfg.Logger.Level {
	case "DEBUG", "debug":
		level = slog.LevelDebug
	case "WARN", "warn":
		level = slog.LevelWarn
	case "ERROR", "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
