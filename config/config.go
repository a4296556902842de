package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "HUMANCOUNT"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	GRPC    GRPCConfig    `mapstructure:"grpc"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Storage StorageConfig `mapstructure:"storage"`
	Model   ModelConfig   `mapstructure:"model"`
	Detect  DetectConfig  `mapstructure:"detect"`
	Workers WorkersConfig `mapstructure:"workers"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type GRPCConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type MonitorConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Port           int           `mapstructure:"port"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

type StorageConfig struct {
	TempDir       string        `mapstructure:"temp_dir"`
	ChunkSize     int           `mapstructure:"chunk_size"`
	ArtifactTTL   time.Duration `mapstructure:"artifact_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type ModelConfig struct {
	Backend       string        `mapstructure:"backend"` // onnx, remote
	Path          string        `mapstructure:"path"`
	Labels        string        `mapstructure:"labels"`
	InputSize     int           `mapstructure:"input_size"`
	Conf          float32       `mapstructure:"conf"`
	Iou           float32       `mapstructure:"iou"`
	Replicas      int           `mapstructure:"replicas"`
	UseGPU        bool          `mapstructure:"use_gpu"`
	RemoteURL     string        `mapstructure:"remote_url"`
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`
}

type DetectConfig struct {
	Threshold   float64 `mapstructure:"threshold"`
	TargetClass string  `mapstructure:"target_class"`
}

type WorkersConfig struct {
	Num          int           `mapstructure:"num"`
	MaxInFlight  int           `mapstructure:"max_in_flight"`
	QueueTimeout time.Duration `mapstructure:"queue_timeout"`
}

// Load reads configPath (YAML) on top of the defaults. Environment variables
// such as HUMANCOUNT_SERVER_PORT override both. A missing file is not an
// error: the defaults and environment are used as is.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// defaults always validate; only a broken environment gets here
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8000")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)

	v.SetDefault("grpc.enabled", false)
	v.SetDefault("grpc.port", 50051)

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 50053)
	v.SetDefault("monitor.sample_interval", 500*time.Millisecond)

	v.SetDefault("storage.temp_dir", "temp")
	v.SetDefault("storage.chunk_size", 1<<20)
	v.SetDefault("storage.artifact_ttl", 30*time.Minute)
	v.SetDefault("storage.sweep_interval", time.Minute)

	v.SetDefault("model.backend", "onnx")
	v.SetDefault("model.path", "yolov8n.onnx")
	v.SetDefault("model.labels", "")
	v.SetDefault("model.input_size", 640)
	v.SetDefault("model.conf", 0.25)
	v.SetDefault("model.iou", 0.45)
	v.SetDefault("model.replicas", 0)
	v.SetDefault("model.use_gpu", false)
	v.SetDefault("model.remote_url", "")
	v.SetDefault("model.remote_timeout", 30*time.Second)

	v.SetDefault("detect.threshold", 0.1)
	v.SetDefault("detect.target_class", "person")

	v.SetDefault("workers.num", 0)
	v.SetDefault("workers.max_in_flight", 0)
	v.SetDefault("workers.queue_timeout", 30*time.Second)
}

func (c *Config) normalize() {
	if c.Workers.Num <= 0 {
		c.Workers.Num = runtime.NumCPU()
	}
	if c.Workers.MaxInFlight <= 0 {
		c.Workers.MaxInFlight = 4 * c.Workers.Num
	}
	if c.Model.Replicas <= 0 {
		c.Model.Replicas = c.Workers.Num
	}
	if c.Storage.ChunkSize <= 0 {
		c.Storage.ChunkSize = 1 << 20
	}
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Detect.Threshold < 0 || c.Detect.Threshold > 1 {
		return fmt.Errorf("detect.threshold must be between 0.0 and 1.0, got %f", c.Detect.Threshold)
	}
	if c.Model.Conf < 0 || c.Model.Conf > 1 {
		return fmt.Errorf("model.conf must be between 0.0 and 1.0, got %f", c.Model.Conf)
	}
	if c.Model.Iou < 0 || c.Model.Iou > 1 {
		return fmt.Errorf("model.iou must be between 0.0 and 1.0, got %f", c.Model.Iou)
	}
	switch c.Model.Backend {
	case "onnx":
		if c.Model.Path == "" {
			return fmt.Errorf("model.path cannot be empty")
		}
	case "remote":
		if c.Model.RemoteURL == "" {
			return fmt.Errorf("model.remote_url cannot be empty for the remote backend")
		}
	default:
		return fmt.Errorf("unsupported model backend: %s", c.Model.Backend)
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("server.mode must be debug, release or test, got %s", c.Server.Mode)
	}
	if c.Storage.TempDir == "" {
		return fmt.Errorf("storage.temp_dir cannot be empty")
	}
	return nil
}
