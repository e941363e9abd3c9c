// internal/config/config.go
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the control plane.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	HTTPListenAddr string `mapstructure:"http_listen_addr"`
	PublicURL      string `mapstructure:"public_url"`
	APIVersion     string `mapstructure:"api_version"`
	LogLevel       string `mapstructure:"log_level"`

	Database  DatabaseConfig  `mapstructure:"database"`
	Concourse ConcourseConfig `mapstructure:"concourse"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Security  SecurityConfig  `mapstructure:"security"`
	Tracing   TracingConfig   `mapstructure:"tracing"`

	EtcdEndpoints []string      `mapstructure:"etcd_endpoints"`
	EtcdTimeout   time.Duration `mapstructure:"etcd_timeout"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// ConcourseConfig binds the engine client. Username and Password are optional;
// without them login is a single step.
type ConcourseConfig struct {
	URL      string `mapstructure:"url"`
	Team     string `mapstructure:"team"`
	Target   string `mapstructure:"target"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	FlyPath  string `mapstructure:"fly_path"`
}

type WatchdogConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Schedule         string        `mapstructure:"schedule"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
	LockName         string        `mapstructure:"lock_name"`
}

type PipelineConfig struct {
	Dir string `mapstructure:"dir"`
}

type SecurityConfig struct {
	AESKey string `mapstructure:"aes_key"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load loads configuration from file and environment variables.
// Environment variables use the CICD_ prefix with dots replaced by
// underscores, e.g. CICD_CONCOURSE_URL.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	v.SetEnvPrefix("cicd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// No config file: defaults and env vars only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_listen_addr", ":8080")
	v.SetDefault("public_url", "http://localhost:8080")
	v.SetDefault("api_version", "v2")
	v.SetDefault("log_level", "info")

	v.SetDefault("database.host", "localhost:3306")
	v.SetDefault("database.username", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "cicd")
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("database.max_open_conns", 20)

	v.SetDefault("concourse.url", "http://localhost:8081")
	v.SetDefault("concourse.team", "main")
	v.SetDefault("concourse.target", "cicd")
	v.SetDefault("concourse.username", "")
	v.SetDefault("concourse.password", "")
	v.SetDefault("concourse.fly_path", "fly")

	v.SetDefault("watchdog.enabled", true)
	v.SetDefault("watchdog.schedule", "@every 1m")
	v.SetDefault("watchdog.execution_timeout", "0s")
	v.SetDefault("watchdog.lock_name", "watchdog")

	v.SetDefault("pipeline.dir", "/tmp")
	v.SetDefault("security.aes_key", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "ci-control-plane")

	v.SetDefault("etcd_endpoints", []string{})
	v.SetDefault("etcd_timeout", "5s")
}
