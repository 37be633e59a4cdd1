package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidConfig is returned by Validate for unusable settings.
var ErrInvalidConfig = errors.New("invalid configuration")

// EnvPrefix prefixes every environment variable override, e.g.
// BLOBSHIFT_STORE_DSN for store.dsn.
const EnvPrefix = "BLOBSHIFT"

// Config is the complete runtime configuration.
type Config struct {
	Source      SourceConfig      `mapstructure:"source"`
	Destination DestinationConfig `mapstructure:"destination"`
	Store       StoreConfig       `mapstructure:"store"`
	Lister      ListerConfig      `mapstructure:"lister"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Status      StatusConfig      `mapstructure:"status"`
	Log         LogConfig         `mapstructure:"log"`
}

// SourceConfig selects the store objects are migrated from.
type SourceConfig struct {
	Kind      string `mapstructure:"kind"` // azure, s3 or local
	Container string `mapstructure:"container"`
	Prefix    string `mapstructure:"prefix"`
	Account   string `mapstructure:"account"`
	Key       string `mapstructure:"key"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Path      string `mapstructure:"path"`
}

// DestinationConfig selects the store objects are migrated to.
type DestinationConfig struct {
	Kind      string `mapstructure:"kind"` // s3, minio or local
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Secure    bool   `mapstructure:"secure"`
	Region    string `mapstructure:"region"`
	Path      string `mapstructure:"path"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"` // memory, bolt or postgres
	DSN     string `mapstructure:"dsn"`
}

type ListerConfig struct {
	PageSize   int           `mapstructure:"page_size"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type WorkerConfig struct {
	Count        int           `mapstructure:"count"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type StatusConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
	File  string `mapstructure:"file"`
}

// New returns a viper instance with defaults and environment bindings
// applied. Commands bind their flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("source.kind", "azure")
	v.SetDefault("destination.kind", "s3")
	v.SetDefault("destination.secure", true)
	v.SetDefault("store.backend", "bolt")
	v.SetDefault("store.dsn", "./.blobshift/state.db")
	v.SetDefault("lister.page_size", 5000)
	v.SetDefault("lister.retry_delay", 3*time.Second)
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.poll_interval", 2*time.Second)
	v.SetDefault("status.addr", ":9292")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", "")

	// Unmarshal only sees keys viper knows about, so register the rest for
	// environment overrides to reach them.
	for _, key := range []string{
		"source.container", "source.prefix", "source.endpoint", "source.region", "source.path",
		"destination.bucket", "destination.prefix", "destination.endpoint", "destination.access_key",
		"destination.secret_key", "destination.region", "destination.path",
	} {
		v.SetDefault(key, "")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The credential names the Azure tooling already uses.
	_ = v.BindEnv("source.account", EnvPrefix+"_SOURCE_ACCOUNT", "AZURE_STORAGE_ACCOUNT")
	_ = v.BindEnv("source.key", EnvPrefix+"_SOURCE_KEY", "AZURE_STORAGE_ACCESS_KEY")

	return v
}

// Load reads the optional config file at path into v and decodes the
// result. An empty path uses only defaults, flags and the environment.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// MaxPageSize is the largest listing page any source accepts. Azure caps
// a segment at 5000 results; S3 returns at most 1000 keys regardless.
const MaxPageSize = 5000

// Validate checks that the selected backends are known and have the
// settings they need.
func (c *Config) Validate() error {
	return c.validate(true)
}

// ValidateListing is Validate without the destination, for commands that
// only list the source.
func (c *Config) ValidateListing() error {
	return c.validate(false)
}

func (c *Config) validate(withDestination bool) error {
	var errs []error

	switch c.Source.Kind {
	case "azure":
		if c.Source.Account == "" || c.Source.Key == "" {
			errs = append(errs, errors.New("source.account and source.key are required for azure"))
		}
		if c.Source.Container == "" {
			errs = append(errs, errors.New("source.container is required for azure"))
		}
	case "s3":
		if c.Source.Container == "" {
			errs = append(errs, errors.New("source.container is required for s3"))
		}
	case "local":
		if c.Source.Path == "" {
			errs = append(errs, errors.New("source.path is required for local"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source.kind %q", c.Source.Kind))
	}

	if withDestination {
		errs = append(errs, c.Destination.validate()...)
	}

	switch c.Store.Backend {
	case "memory":
	case "bolt", "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for %s", c.Store.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}

	if c.Lister.PageSize <= 0 || c.Lister.PageSize > MaxPageSize {
		errs = append(errs, fmt.Errorf("lister.page_size must be between 1 and %d", MaxPageSize))
	}
	if c.Lister.RetryDelay <= 0 {
		errs = append(errs, errors.New("lister.retry_delay must be positive"))
	}
	if c.Worker.Count <= 0 {
		errs = append(errs, errors.New("worker.count must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (d DestinationConfig) validate() []error {
	switch d.Kind {
	case "s3":
		if d.Bucket == "" {
			return []error{errors.New("destination.bucket is required for s3")}
		}
	case "minio":
		if d.Bucket == "" || d.Endpoint == "" {
			return []error{errors.New("destination.bucket and destination.endpoint are required for minio")}
		}
	case "local":
		if d.Path == "" {
			return []error{errors.New("destination.path is required for local")}
		}
	default:
		return []error{fmt.Errorf("unknown destination.kind %q", d.Kind)}
	}
	return nil
}
