package config

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/codemate-dev/gateway/internal/constants"
	cmerrors "github.com/codemate-dev/gateway/internal/errors"
)

// envPrefix is the environment variable prefix, e.g. CODEMATE_SERVER_PORT.
const envPrefix = "CODEMATE"

// newViperInstance creates a Viper instance with the gateway defaults,
// environment prefix and key replacer.
func newViperInstance() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	defaults := Default()
	v.SetDefault("server.host", defaults.Server.Host)
	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("db_path", defaults.DBPath)
	v.SetDefault("log.verbose", false)
	v.SetDefault("log.quiet", false)
}

// isConfigNotFoundError returns true for viper's missing-config-file error,
// which is expected and non-fatal.
func isConfigNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	var notFound viper.ConfigFileNotFoundError
	return stderrors.As(err, &notFound)
}

// Load reads configuration from all available sources with proper
// precedence. Missing config files are not errors; malformed ones are.
func Load() (*Config, error) {
	v := newViperInstance()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(constants.DefaultDBDir)

	if err := v.ReadInConfig(); err != nil && !isConfigNotFoundError(err) {
		return nil, cmerrors.Wrap(err, "failed to read config file")
	}

	return unmarshalAndValidate(v)
}

// unmarshalAndValidate decodes the viper state into Config and validates it.
func unmarshalAndValidate(v *viper.Viper) (*Config, error) {
	var cfg Config
	decode := func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
	}
	if err := v.Unmarshal(&cfg, viper.DecoderConfigOption(decode)); err != nil {
		return nil, cmerrors.Wrap(err, "failed to unmarshal config")
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks configuration bounds.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", cmerrors.ErrConfigInvalid)
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", cmerrors.ErrConfigInvalid, cfg.Server.Port)
	}
	if cfg.Server.Host == "" {
		return fmt.Errorf("%w: server.host %s", cmerrors.ErrConfigInvalid, cmerrors.ErrEmptyValue)
	}
	if cfg.DBPath == "" {
		return fmt.Errorf("%w: db_path %s", cmerrors.ErrConfigInvalid, cmerrors.ErrEmptyValue)
	}
	return nil
}
