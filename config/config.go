package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nikiz24/rollup"
)

const EnvPrefix = "ROLLUP"

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

type DNSConfig struct {
	UDPServers   []string      `mapstructure:"udp_servers"`
	TLSServers   []string      `mapstructure:"tls_servers"`
	DoHEndpoints []string      `mapstructure:"doh_endpoints"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether any custom resolver is configured
func (d DNSConfig) Enabled() bool {
	return len(d.UDPServers)+len(d.TLSServers)+len(d.DoHEndpoints) > 0
}

type Config struct {
	User           string        `mapstructure:"user"`
	Token          string        `mapstructure:"token"`
	APIEndpoint    string        `mapstructure:"api_endpoint"`
	RemoteWriteURL string        `mapstructure:"remote_write_url"`
	Source         string        `mapstructure:"source"`
	SourcePIDs     bool          `mapstructure:"source_pids"`
	Prefix         string        `mapstructure:"prefix"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	Timeout        time.Duration `mapstructure:"timeout"`
	PerRequest     int           `mapstructure:"per_request"`
	RuntimeMetrics bool          `mapstructure:"runtime_metrics"`
	LogLevel       string        `mapstructure:"log_level"`
	LogTarget      string        `mapstructure:"log_target"`
	DNS            DNSConfig     `mapstructure:"dns"`
}

// Load reads configuration from path (optional) and ROLLUP_* environment
// variables, which take precedence over the file.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("user", "")
	v.SetDefault("token", "")
	v.SetDefault("api_endpoint", rollup.DefaultEndpoint)
	v.SetDefault("remote_write_url", "")
	v.SetDefault("source", "")
	v.SetDefault("source_pids", false)
	v.SetDefault("prefix", "")
	v.SetDefault("flush_interval", "60s")
	v.SetDefault("timeout", rollup.DefaultTimeout.String())
	v.SetDefault("per_request", rollup.DefaultPerRequest)
	v.SetDefault("runtime_metrics", false)
	v.SetDefault("log_level", LogLevelInfo)
	v.SetDefault("log_target", "stderr")
	v.SetDefault("dns.udp_servers", []string{})
	v.SetDefault("dns.tls_servers", []string{})
	v.SetDefault("dns.doh_endpoints", []string{})
	v.SetDefault("dns.cache_ttl", "10m")
	v.SetDefault("dns.timeout", "800ms")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.User, validation.When(c.RemoteWriteURL == "", validation.Required)),
		validation.Field(&c.Token, validation.When(c.RemoteWriteURL == "", validation.Required)),
		validation.Field(&c.APIEndpoint, validation.Required, is.URL),
		validation.Field(&c.RemoteWriteURL, is.URL),
		validation.Field(&c.Source, validation.By(identifier(rollup.ValidSource))),
		validation.Field(&c.Prefix, validation.By(identifier(rollup.ValidName))),
		validation.Field(&c.FlushInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.Timeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.PerRequest, validation.Required, validation.Min(1)),
		validation.Field(&c.LogLevel,
			validation.Required,
			validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
		),
		validation.Field(&c.LogTarget, validation.Required),
	)
}

func identifier(valid func(string) bool) validation.RuleFunc {
	return func(value interface{}) error {
		s, ok := value.(string)
		if !ok {
			return validation.NewError("validation_invalid_type", "must be a string")
		}
		if s != "" && !valid(s) {
			return validation.NewError("validation_invalid_identifier",
				"may only contain letters, digits, '.', '_', '-' and ':' and be at most 255 characters")
		}
		return nil
	}
}

// QualifiedSource is the source applied to metrics recorded without one.
// With source_pids set the process id is appended.
func (c *Config) QualifiedSource() string {
	if c.Source == "" {
		return ""
	}
	if c.SourcePIDs {
		return c.Source + "." + strconv.Itoa(os.Getpid())
	}
	return c.Source
}

// NewClient builds the client for the configured backend: Prometheus remote
// write when remote_write_url is set, the JSON API otherwise.
func (c *Config) NewClient(logger *zap.Logger) (rollup.Client, error) {
	if c.RemoteWriteURL != "" {
		var labels map[string]string
		if source := c.QualifiedSource(); source != "" {
			labels = map[string]string{"instance": source}
		}
		return rollup.NewRemoteWriteClient(c.RemoteWriteURL, labels, logger)
	}

	var resolver *rollup.Resolver
	if c.DNS.Enabled() {
		resolver = rollup.NewResolver(rollup.DNSConfig{
			CacheTTL:     c.DNS.CacheTTL,
			Timeout:      c.DNS.Timeout,
			UDPServers:   c.DNS.UDPServers,
			TLSServers:   c.DNS.TLSServers,
			DoHEndpoints: c.DNS.DoHEndpoints,
		}, logger)
	}

	return rollup.NewHTTPClient(rollup.HTTPClientConfig{
		Endpoint:   c.APIEndpoint,
		User:       c.User,
		Token:      c.Token,
		Timeout:    c.Timeout,
		PerRequest: c.PerRequest,
		Resolver:   resolver,
		Logger:     logger,
	})
}

// TrackerConfig assembles the tracker configuration around client
func (c *Config) TrackerConfig(client rollup.Client, logger *zap.Logger) rollup.Config {
	return rollup.Config{
		Source:         c.QualifiedSource(),
		Prefix:         c.Prefix,
		FlushInterval:  c.FlushInterval,
		FlushTimeout:   c.Timeout,
		RuntimeMetrics: c.RuntimeMetrics,
		Client:         client,
		Logger:         logger,
	}
}

// NewTracker wires logger, client and tracker from the configuration
func (c *Config) NewTracker() (*rollup.Tracker, *zap.Logger, error) {
	logger, err := NewLogger(c.LogLevel, c.LogTarget)
	if err != nil {
		return nil, nil, err
	}
	client, err := c.NewClient(logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating metrics client: %w", err)
	}
	tracker, err := rollup.NewTracker(c.TrackerConfig(client, logger))
	if err != nil {
		return nil, nil, err
	}
	return tracker, logger, nil
}
