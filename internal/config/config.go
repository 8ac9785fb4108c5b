package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/klippa-app/godds/internal/convert"
)

// Config holds host and worker configuration.
type Config struct {
	Worker WorkerConfig `mapstructure:"worker"`
	Mode   string       `mapstructure:"mode" validate:"oneof=production diagnostic"`
	Client ClientConfig `mapstructure:"client"`
	Render RenderConfig `mapstructure:"render"`
	Server ServerConfig `mapstructure:"server"`
	Sentry SentryConfig `mapstructure:"sentry"`
	Log    LogConfig    `mapstructure:"log"`
}

// WorkerConfig describes how the worker process is started. An empty BinPath
// runs the worker inside the host process.
type WorkerConfig struct {
	BinPath      string        `mapstructure:"bin_path"`
	Args         []string      `mapstructure:"args"`
	StartTimeout time.Duration `mapstructure:"start_timeout" validate:"gte=0"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout" validate:"gte=0"`
}

type ClientConfig struct {
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

// RenderConfig holds the output settings of the worker.
type RenderConfig struct {
	Format       string  `mapstructure:"format" validate:"oneof=png webp"`
	Quality      float32 `mapstructure:"quality" validate:"gte=0,lte=100"`
	MaxDimension int     `mapstructure:"max_dimension" validate:"gte=0"`
}

type ServerConfig struct {
	Addr      string `mapstructure:"addr" validate:"required"`
	MaxBodyMB int64  `mapstructure:"max_body_mb" validate:"gt=0"`
}

type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=trace debug info warn error off"`
	JSON  bool   `mapstructure:"json"`
}

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "GODDS"

// Load reads configuration from defaults, an optional file and env. The file
// is GODDS_CONFIG when set, otherwise godds.yaml in the working directory.
// Env var overrides use prefix GODDS_, e.g. GODDS_RENDER_FORMAT.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("worker.bin_path", "")
	v.SetDefault("worker.args", []string{})
	v.SetDefault("worker.start_timeout", 10*time.Second)
	v.SetDefault("worker.ready_timeout", 30*time.Second)
	v.SetDefault("mode", "production")
	v.SetDefault("client.timeout", 30*time.Second)
	v.SetDefault("render.format", string(convert.FormatPNG))
	v.SetDefault("render.quality", 0)
	v.SetDefault("render.max_dimension", 0)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.max_body_mb", 64)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetConfigType("yaml")

	cfgPath := os.Getenv(EnvPrefix + "_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("godds")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgPath != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

// Validate checks the field constraints of c.
func (c Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Options returns the converter options for r.
func (r RenderConfig) Options() convert.Options {
	return convert.Options{
		Format:       convert.Format(r.Format),
		Quality:      r.Quality,
		MaxDimension: r.MaxDimension,
	}
}

// Env returns r as environment overrides, so a worker process started with
// them loads the same render settings.
func (r RenderConfig) Env() []string {
	return []string{
		EnvPrefix + "_RENDER_FORMAT=" + r.Format,
		EnvPrefix + "_RENDER_QUALITY=" + strconv.FormatFloat(float64(r.Quality), 'f', -1, 32),
		EnvPrefix + "_RENDER_MAX_DIMENSION=" + strconv.Itoa(r.MaxDimension),
	}
}
