// Package config loads and validates resolver configuration via Viper.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported queue backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Supported sinks for finalized verdicts.
const (
	SinkQueue  = "queue"
	SinkPubSub = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Queue     QueueConfig     `mapstructure:"queue"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Checker   CheckerConfig   `mapstructure:"checker"`
	Pusher    PusherConfig    `mapstructure:"pusher"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// QueueConfig selects and parameterizes the tube backend.
type QueueConfig struct {
	Backend            string `mapstructure:"backend"`
	DSN                string `mapstructure:"dsn"`
	Table              string `mapstructure:"table"`
	MaxConns           int32  `mapstructure:"max_conns"`
	PollIntervalMs     int    `mapstructure:"poll_interval_ms"`
	TakeTimeoutSeconds int    `mapstructure:"take_timeout_seconds"`
	LeaseSeconds       int    `mapstructure:"lease_seconds"`
	EnsureSchema       bool   `mapstructure:"ensure_schema"`
}

// PubSubConfig holds the topic used when verdicts are published to Pub/Sub.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// CheckerConfig governs the resolution supervisor and its workers.
type CheckerConfig struct {
	PoolSize                int      `mapstructure:"pool_size"`
	InputTube               string   `mapstructure:"input_tube"`
	OutputTube              string   `mapstructure:"output_tube"`
	OutputSink              string   `mapstructure:"output_sink"`
	CheckURL                string   `mapstructure:"check_url"`
	HTTPTimeoutSeconds      int      `mapstructure:"http_timeout_seconds"`
	MaxRedirects            int      `mapstructure:"max_redirects"`
	UserAgent               string   `mapstructure:"user_agent"`
	RecheckDelaySeconds     int      `mapstructure:"recheck_delay_seconds"`
	SleepSeconds            int      `mapstructure:"sleep_seconds"`
	InProcess               bool     `mapstructure:"in_process"`
	// DeadEndPatterns match lower-cased host names, not whole URLs.
	DeadEndPatterns         []string `mapstructure:"dead_end_patterns"`
	TrustedTerminalPatterns []string `mapstructure:"trusted_terminal_patterns"`
	AppStoreScheme          string   `mapstructure:"app_store_scheme"`
	AppStoreWebBase         string   `mapstructure:"app_store_web_base"`
	HostRPS                 float64  `mapstructure:"host_rps"`
	HostBurst               int      `mapstructure:"host_burst"`
}

// PusherConfig governs the callback delivery daemon.
type PusherConfig struct {
	PoolSize               int    `mapstructure:"pool_size"`
	Tube                   string `mapstructure:"tube"`
	SleepMs                int    `mapstructure:"sleep_ms"`
	SleepOnFailSeconds     int    `mapstructure:"sleep_on_fail_seconds"`
	CallbackTimeoutSeconds int    `mapstructure:"callback_timeout_seconds"`
}

// AdminConfig controls the health/metrics listeners. Addr serves the
// checker and PusherAddr the pusher so both daemons can share a host. An
// empty address disables that daemon's listener.
type AdminConfig struct {
	Addr       string `mapstructure:"addr"`
	PusherAddr string `mapstructure:"pusher_addr"`
}

// AddrFor returns the admin listen address for the named subcommand.
func (c AdminConfig) AddrFor(role string) string {
	if role == "pusher" {
		return c.PusherAddr
	}
	return c.Addr
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RESOLVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.table", "queue_tasks")
	v.SetDefault("queue.poll_interval_ms", 500)
	v.SetDefault("queue.take_timeout_seconds", 1)
	v.SetDefault("queue.lease_seconds", 300)
	v.SetDefault("queue.ensure_schema", false)
	v.SetDefault("checker.pool_size", 10)
	v.SetDefault("checker.input_tube", "url_check")
	v.SetDefault("checker.output_tube", "url_check_result")
	v.SetDefault("checker.output_sink", SinkQueue)
	v.SetDefault("checker.check_url", "http://example.com/")
	v.SetDefault("checker.http_timeout_seconds", 3)
	v.SetDefault("checker.max_redirects", 30)
	v.SetDefault("checker.user_agent", "redirect-resolver/1.0")
	v.SetDefault("checker.recheck_delay_seconds", 300)
	v.SetDefault("checker.sleep_seconds", 10)
	v.SetDefault("checker.in_process", false)
	v.SetDefault("checker.dead_end_patterns", []string{
		`(^|\.)odnoklassniki\.ru$`,
		`(^|\.)mail\.ru$`,
	})
	v.SetDefault("checker.trusted_terminal_patterns", []string{
		`^http://.+\.odnoklassniki\.ru/.*st\.cmd=outLinkWarning`,
	})
	v.SetDefault("checker.app_store_scheme", "market://")
	v.SetDefault("checker.app_store_web_base", "http://play.google.com/store/apps/")
	v.SetDefault("checker.host_rps", 0)
	v.SetDefault("checker.host_burst", 1)
	v.SetDefault("pusher.pool_size", 10)
	v.SetDefault("pusher.tube", "notifications")
	v.SetDefault("pusher.sleep_ms", 100)
	v.SetDefault("pusher.sleep_on_fail_seconds", 10)
	v.SetDefault("pusher.callback_timeout_seconds", 10)
	v.SetDefault("admin.addr", ":9090")
	v.SetDefault("admin.pusher_addr", ":9091")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "redirect-resolver")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", false)
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Queue.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Queue.DSN == "" {
			return fmt.Errorf("queue.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend)
	}
	if c.Queue.TakeTimeoutSeconds < 0 {
		return fmt.Errorf("queue.take_timeout_seconds must be >= 0")
	}
	if c.Queue.LeaseSeconds <= 0 {
		return fmt.Errorf("queue.lease_seconds must be > 0")
	}
	if c.Checker.PoolSize <= 0 {
		return fmt.Errorf("checker.pool_size must be > 0")
	}
	if c.Checker.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("checker.http_timeout_seconds must be > 0")
	}
	if c.Checker.MaxRedirects <= 0 {
		return fmt.Errorf("checker.max_redirects must be > 0")
	}
	if c.Checker.SleepSeconds <= 0 {
		return fmt.Errorf("checker.sleep_seconds must be > 0")
	}
	if c.Checker.InputTube == "" || c.Checker.OutputTube == "" {
		return fmt.Errorf("checker.input_tube and checker.output_tube must be set")
	}
	if c.Checker.HostRPS < 0 {
		return fmt.Errorf("checker.host_rps must be >= 0")
	}
	if c.Checker.CheckURL == "" {
		return fmt.Errorf("checker.check_url must be set")
	}
	switch c.Checker.OutputSink {
	case SinkQueue:
	case SinkPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when checker.output_sink is pubsub")
		}
	default:
		return fmt.Errorf("checker.output_sink %q is not supported", c.Checker.OutputSink)
	}
	for _, list := range [][]string{c.Checker.DeadEndPatterns, c.Checker.TrustedTerminalPatterns} {
		for _, p := range list {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("checker pattern %q: %w", p, err)
			}
		}
	}
	if c.Pusher.PoolSize <= 0 {
		return fmt.Errorf("pusher.pool_size must be > 0")
	}
	if c.Pusher.Tube == "" {
		return fmt.Errorf("pusher.tube must be set")
	}
	if c.Pusher.SleepOnFailSeconds <= 0 {
		return fmt.Errorf("pusher.sleep_on_fail_seconds must be > 0")
	}
	if c.Pusher.CallbackTimeoutSeconds <= 0 {
		return fmt.Errorf("pusher.callback_timeout_seconds must be > 0")
	}
	if c.Admin.Addr != "" && c.Admin.Addr == c.Admin.PusherAddr {
		return fmt.Errorf("admin.addr and admin.pusher_addr must differ")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

// TakeTimeout converts queue.take_timeout_seconds to a duration.
func (c QueueConfig) TakeTimeout() time.Duration {
	return time.Duration(c.TakeTimeoutSeconds) * time.Second
}

// Lease converts queue.lease_seconds to a duration.
func (c QueueConfig) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// PollInterval converts queue.poll_interval_ms to a duration.
func (c QueueConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// HTTPTimeout converts checker.http_timeout_seconds to a duration.
func (c CheckerConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// RecheckDelay converts checker.recheck_delay_seconds to a duration.
func (c CheckerConfig) RecheckDelay() time.Duration {
	return time.Duration(c.RecheckDelaySeconds) * time.Second
}

// Sleep converts checker.sleep_seconds to a duration.
func (c CheckerConfig) Sleep() time.Duration {
	return time.Duration(c.SleepSeconds) * time.Second
}

// Sleep converts pusher.sleep_ms to a duration.
func (c PusherConfig) Sleep() time.Duration {
	return time.Duration(c.SleepMs) * time.Millisecond
}

// SleepOnFail converts pusher.sleep_on_fail_seconds to a duration.
func (c PusherConfig) SleepOnFail() time.Duration {
	return time.Duration(c.SleepOnFailSeconds) * time.Second
}

// CallbackTimeout converts pusher.callback_timeout_seconds to a duration.
func (c PusherConfig) CallbackTimeout() time.Duration {
	return time.Duration(c.CallbackTimeoutSeconds) * time.Second
}
