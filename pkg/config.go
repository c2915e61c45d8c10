package pkg

import (
	"triggerd/pkg/utils"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	StoreDriverMemory   = "memory"
	StoreDriverPostgres = "postgres"

	NotifierFallbackLog  = "log"
	NotifierFallbackNone = "none"

	configDefaultPort = 7055
)

// @formatter:off
/// [config-docs]
type Config struct {
	// If true, enable debug logs
	Debug bool `mapstructure:"debug"`

	// HTTP port used by triggerd to listen for incoming requests
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// Postgres connection, required by the `postgres` store driver
	Database *DatabaseConfig `mapstructure:"database"`

	Store StoreConfig `mapstructure:"store"`

	Scheduler SchedulerConfig `mapstructure:"scheduler"`

	Dispatch DispatchConfig `mapstructure:"dispatch"`

	Outbox OutboxConfig `mapstructure:"outbox"`

	Notifiers NotifiersConfig `mapstructure:"notifiers"`

	// If set, every fired trigger is archived
	Archive *ArchiveConfig `mapstructure:"archive"`

	// List of allowed authentication methods for the /triggers API
	Auth []*AuthConfig `mapstructure:"auth" validate:"dive"`

	Cors CorsConfig `mapstructure:"cors"`

	Bindings BindingsConfig `mapstructure:"bindings"`
}

type StoreConfig struct {
	// `memory` or `postgres`, defaults to `memory`
	Driver string `mapstructure:"driver" validate:"omitempty,oneof=memory postgres"`
}

type NotifiersConfig struct {
	// Where notifications of channels without a webhook go: `log` (default)
	// or `none`, which fails and retries them
	Fallback string `mapstructure:"fallback" validate:"omitempty,oneof=log none"`

	// One webhook per delivery channel
	Webhooks []*WebhookNotifierConfig `mapstructure:"webhooks" validate:"dive"`
}

type CorsConfig struct {
	// If empty, CORS headers are not sent
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

/// [config-docs]
// @formatter:on

func (c *Config) StoreDriver() string {
	if c.Store.Driver == "" {
		return StoreDriverMemory
	}
	return c.Store.Driver
}

// Validate checks what struct tags cannot express.
func (c *Config) Validate() error {
	if err := utils.Validate.Struct(c); err != nil {
		return err
	}

	if c.StoreDriver() == StoreDriverPostgres {
		if c.Database == nil {
			return errors.New("the postgres store driver requires a database config")
		}
		if err := utils.Validate.Struct(c.Database); err != nil {
			return err
		}
	}
	if c.Outbox.Enabled && c.StoreDriver() == StoreDriverMemory {
		logrus.Warn("outbox enabled with the memory store, intents are lost on restart")
	}

	channels := make(map[string]bool)
	for _, webhook := range c.Notifiers.Webhooks {
		if channels[string(webhook.Channel)] {
			return errors.Errorf("more than one webhook for channel %s", webhook.Channel)
		}
		channels[string(webhook.Channel)] = true
	}

	return nil
}

var defaultDecodeHook = mapstructure.ComposeDecodeHookFunc(
	// Default
	mapstructure.StringToTimeDurationHookFunc(),
	mapstructure.StringToSliceHookFunc(","),

	// Custom
	StringToPointerIfTemplateHookFunc(),
	StringToPointerTemplateHookFunc(),
	utils.StringToStringFromEnvVarHookFunc(),
)

func LoadConfig(filename string) (*Config, error) {
	myViper := viper.NewWithOptions(
		// Lets us use . in keys, e.g. GitHub logins in `bindings::github::users`
		viper.KeyDelimiter("::"),
	)

	myViper.SetEnvPrefix("TRG")
	myViper.AutomaticEnv()
	myViper.SetDefault("port", configDefaultPort)

	if filename != "" {
		myViper.SetConfigFile(filename)
	} else {
		myViper.SetConfigName("config")
		myViper.SetConfigType("yaml")
		myViper.AddConfigPath(".")
		myViper.AddConfigPath("./config")
	}

	if err := myViper.ReadInConfig(); err != nil {
		return nil, errors.WithMessage(err, "failed to load config")
	}

	config := new(Config)

	if err := myViper.Unmarshal(config,
		// Lets us decode custom configuration types
		viper.DecodeHook(defaultDecodeHook),
	); err != nil {
		return nil, errors.WithMessage(err, "failed to unmarshal config")
	}

	if err := config.Validate(); err != nil {
		return nil, errors.WithMessage(err, "failed to validate config")
	}

	return config, nil
}

func MustLoadConfig(filename string) *Config {
	config, err := LoadConfig(filename)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	return config
}
