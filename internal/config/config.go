package config

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Source    SourceConfig    `yaml:"source"`
	Storage   StorageConfig   `yaml:"storage"`
	Catalog   CatalogConfig   `yaml:"catalog"`
}

type SchedulerConfig struct {
	Dir        string `yaml:"dir"`
	CPUs       int    `yaml:"cpus"`
	RAMMB      int    `yaml:"ram_mb"`
	Partitions int    `yaml:"partitions"`
	DisableAck bool   `yaml:"disable_ack"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// SourceConfig locates input files. URL is a local directory or a bucket URL
// (file://, gs://, s3://). Remote objects are staged under StageDir.
type SourceConfig struct {
	URL      string `yaml:"url"`
	Prefix   string `yaml:"prefix"`
	StageDir string `yaml:"stage_dir"`
}

// StorageConfig locates the artifact store KEEP outputs are published to.
// An empty Backend disables publishing.
type StorageConfig struct {
	Backend    string `yaml:"backend"` // "" | "local" | "gcs" | "s3"
	LocalDir   string `yaml:"local_dir"`
	Bucket     string `yaml:"bucket"`
	Prefix     string `yaml:"prefix"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	Namespace   string `yaml:"namespace"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			Dir:        "sortflow-data",
			CPUs:       runtime.NumCPU(),
			RAMMB:      1024,
			Partitions: 4,
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
		Storage: StorageConfig{
			Prefix: "sortflow/",
		},
		Catalog: CatalogConfig{
			Namespace: "default",
		},
	}
}

// Load reads the YAML file at path, if any, over the defaults and then
// applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad is Load that exits the process on error.
func MustLoad(path string) Config {
	log.Println("[config] loading")

	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}

func applyEnv(cfg *Config) {
	cfg.Scheduler.Dir = getenvDefault("SORTFLOW_DIR", cfg.Scheduler.Dir)
	cfg.Scheduler.CPUs = getenvInt("SORTFLOW_CPUS", cfg.Scheduler.CPUs)
	cfg.Scheduler.RAMMB = getenvInt("SORTFLOW_RAM_MB", cfg.Scheduler.RAMMB)
	cfg.Scheduler.Partitions = getenvInt("SORTFLOW_PARTITIONS", cfg.Scheduler.Partitions)
	if os.Getenv("SORTFLOW_DISABLE_ACK") == "true" {
		cfg.Scheduler.DisableAck = true
	}

	cfg.Logging.Format = getenvDefault("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Level = getenvDefault("LOG_LEVEL", cfg.Logging.Level)

	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = v
	}

	cfg.Source.URL = getenvDefault("SOURCE_URL", cfg.Source.URL)
	cfg.Source.Prefix = getenvDefault("SOURCE_PREFIX", cfg.Source.Prefix)

	cfg.Storage.Backend = getenvDefault("STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.LocalDir = getenvDefault("STORAGE_LOCAL_DIR", cfg.Storage.LocalDir)
	cfg.Storage.Bucket = getenvDefault("STORAGE_BUCKET", cfg.Storage.Bucket)
	cfg.Storage.Prefix = getenvDefault("STORAGE_PREFIX", cfg.Storage.Prefix)
	cfg.Storage.S3Endpoint = getenvDefault("S3_ENDPOINT", cfg.Storage.S3Endpoint)
	cfg.Storage.S3Region = getenvDefault("S3_REGION", cfg.Storage.S3Region)

	cfg.Catalog.PostgresDSN = getenvDefault("CATALOG_DSN", cfg.Catalog.PostgresDSN)
	cfg.Catalog.Namespace = getenvDefault("CATALOG_NAMESPACE", cfg.Catalog.Namespace)
}

// Validate rejects settings the scheduler cannot run with.
func (c Config) Validate() error {
	if c.Scheduler.Dir == "" {
		return fmt.Errorf("scheduler.dir must be set")
	}
	if c.Scheduler.CPUs < 1 {
		return fmt.Errorf("scheduler.cpus must be at least 1, got %d", c.Scheduler.CPUs)
	}
	if c.Scheduler.RAMMB < 1 {
		return fmt.Errorf("scheduler.ram_mb must be at least 1, got %d", c.Scheduler.RAMMB)
	}
	if c.Scheduler.Partitions < 1 {
		return fmt.Errorf("scheduler.partitions must be at least 1, got %d", c.Scheduler.Partitions)
	}
	switch c.Storage.Backend {
	case "", "local", "gcs", "s3":
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}
	return nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] ignoring %s=%q: %v", key, v, err)
		return def
	}
	return parsed
}
