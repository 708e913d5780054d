package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/siteops/internal/models"
)

// Config is the whole siteops configuration file.
type Config struct {
	TargetHost string                `mapstructure:"target_host"`
	Services   []ServiceConfig       `mapstructure:"services"`
	Routes     []RouteConfig         `mapstructure:"routes"`
	Plans      map[string]PlanConfig `mapstructure:"plans"`
	Alerts     AlertsConfig          `mapstructure:"alerts"`
	Monitor    MonitorConfig         `mapstructure:"monitor"`
	Proxy      ProxyConfig           `mapstructure:"proxy"`
	Certs      CertsConfig           `mapstructure:"certs"`
	Supervisor SupervisorConfig      `mapstructure:"supervisor"`
	Executor   ExecutorConfig        `mapstructure:"executor"`
	Lock       LockConfig            `mapstructure:"lock"`
	Database   DatabaseConfig        `mapstructure:"database"`
	API        APIConfig             `mapstructure:"api"`
	Logging    LoggingConfig         `mapstructure:"logging"`
}

type ServiceConfig struct {
	Name        string               `mapstructure:"name"`
	Image       string               `mapstructure:"image"`
	Unit        string               `mapstructure:"unit"`
	HealthCheck models.HealthCheck   `mapstructure:"health_check"`
	Restart     models.RestartAction `mapstructure:"restart"`
	Thresholds  models.Thresholds    `mapstructure:"thresholds"`
	DiskPath    string               `mapstructure:"disk_path"`
	Desired     *bool                `mapstructure:"desired"`
}

// RouteConfig is one routing map entry. Routes are a list rather than a
// map because domains contain the key delimiter.
type RouteConfig struct {
	Domain   string   `mapstructure:"domain"`
	Service  string   `mapstructure:"service"`
	Upstream string   `mapstructure:"upstream"`
	TLS      bool     `mapstructure:"tls"`
	Paths    []string `mapstructure:"paths"`
}

type PlanConfig struct {
	Description string        `mapstructure:"description"`
	Targets     []string      `mapstructure:"targets"`
	Phases      []PhaseConfig `mapstructure:"phases"`
}

type PhaseConfig struct {
	Name         string        `mapstructure:"name"`
	Kind         string        `mapstructure:"kind"`
	Image        string        `mapstructure:"image"`
	Precondition []string      `mapstructure:"precondition"`
	Action       []string      `mapstructure:"action"`
	Rollback     []string      `mapstructure:"rollback"`
	Verify       VerifyConfig  `mapstructure:"verify"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type VerifyConfig struct {
	Kind         string        `mapstructure:"kind"`
	Address      string        `mapstructure:"address"`
	URL          string        `mapstructure:"url"`
	ExpectStatus int           `mapstructure:"expect_status"`
	Domain       string        `mapstructure:"domain"`
	Command      []string      `mapstructure:"command"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Retries      int           `mapstructure:"retries"`
	Interval     time.Duration `mapstructure:"interval"`
}

type AlertsConfig struct {
	Window        time.Duration             `mapstructure:"window"`
	Interval      time.Duration             `mapstructure:"interval"`
	DefaultRepeat time.Duration             `mapstructure:"default_repeat"`
	Receiver      string                    `mapstructure:"receiver"`
	Rules         []models.AlertRule        `mapstructure:"rules"`
	Receivers     map[string]ReceiverConfig `mapstructure:"receivers"`
	SMTP          SMTPConfig                `mapstructure:"smtp"`
	RateLimit     RateLimitConfig           `mapstructure:"rate_limit"`
	Scrape        []ScrapeConfig            `mapstructure:"scrape"`
}

type ReceiverConfig struct {
	Type    string        `mapstructure:"type"`
	Slack   SlackConfig   `mapstructure:"slack"`
	Email   EmailConfig   `mapstructure:"email"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

type SlackConfig struct {
	Token   string `mapstructure:"token"`
	Channel string `mapstructure:"channel"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type EmailConfig struct {
	SMTP SMTPConfig `mapstructure:"smtp"`
	To   []string   `mapstructure:"to"`
}

type WebhookConfig struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type RateLimitConfig struct {
	PerMinute float64 `mapstructure:"per_minute"`
	Burst     int     `mapstructure:"burst"`
}

// ScrapeConfig is a Prometheus text-format endpoint scraped by the alert
// engine, typically a node exporter.
type ScrapeConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Include []string          `mapstructure:"include"`
	Labels  map[string]string `mapstructure:"labels"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

type MonitorConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Concurrency      int           `mapstructure:"concurrency"`
	SampleBuffer     int           `mapstructure:"sample_buffer"`
	DockerStats      bool          `mapstructure:"docker_stats"`
}

type ProxyConfig struct {
	ConfigPath      string        `mapstructure:"config_path"`
	Webroot         string        `mapstructure:"webroot"`
	ValidateCommand []string      `mapstructure:"validate_command"`
	ReloadCommand   []string      `mapstructure:"reload_command"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

type CertsConfig struct {
	Email         string        `mapstructure:"email"`
	LiveDir       string        `mapstructure:"live_dir"`
	Certbot       string        `mapstructure:"certbot"`
	Staging       bool          `mapstructure:"staging"`
	DeployHook    string        `mapstructure:"deploy_hook"`
	RenewBefore   time.Duration `mapstructure:"renew_before"`
	RenewInterval time.Duration `mapstructure:"renew_interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type SupervisorConfig struct {
	Type        string        `mapstructure:"type"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

type ExecutorConfig struct {
	User           string        `mapstructure:"user"`
	Port           int           `mapstructure:"port"`
	KeyFile        string        `mapstructure:"key_file"`
	KnownHostsFile string        `mapstructure:"known_hosts_file"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
}

type LockConfig struct {
	Path string `mapstructure:"path"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Remote reports whether commands run on another host over SSH.
func (c *Config) Remote() bool {
	switch c.TargetHost {
	case "", "local", "localhost", "127.0.0.1", "::1":
		return false
	}
	return true
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("target_host", "localhost")

	v.SetDefault("monitor.interval", 5*time.Minute)
	v.SetDefault("monitor.probe_timeout", 5*time.Second)
	v.SetDefault("monitor.failure_threshold", 2)
	v.SetDefault("monitor.concurrency", 10)
	v.SetDefault("monitor.sample_buffer", 1024)
	v.SetDefault("monitor.docker_stats", false)

	v.SetDefault("alerts.window", 15*time.Minute)
	v.SetDefault("alerts.interval", 15*time.Second)
	v.SetDefault("alerts.default_repeat", 4*time.Hour)
	v.SetDefault("alerts.receiver", "")
	v.SetDefault("alerts.smtp.host", "")
	v.SetDefault("alerts.smtp.port", 587)
	v.SetDefault("alerts.smtp.username", "")
	v.SetDefault("alerts.smtp.password", "")
	v.SetDefault("alerts.smtp.from", "")
	v.SetDefault("alerts.rate_limit.per_minute", 30.0)
	v.SetDefault("alerts.rate_limit.burst", 5)

	v.SetDefault("proxy.config_path", "/etc/nginx/conf.d/siteops.conf")
	v.SetDefault("proxy.webroot", "/var/www/letsencrypt")
	v.SetDefault("proxy.timeout", 30*time.Second)

	v.SetDefault("certs.email", "")
	v.SetDefault("certs.live_dir", "/etc/letsencrypt/live")
	v.SetDefault("certs.certbot", "certbot")
	v.SetDefault("certs.renew_before", 30*24*time.Hour)
	v.SetDefault("certs.renew_interval", 24*time.Hour)
	v.SetDefault("certs.timeout", 5*time.Minute)

	v.SetDefault("supervisor.type", "systemd")
	v.SetDefault("supervisor.stop_timeout", 30*time.Second)

	v.SetDefault("executor.user", "root")
	v.SetDefault("executor.port", 22)
	v.SetDefault("executor.known_hosts_file", "~/.ssh/known_hosts")
	v.SetDefault("executor.dial_timeout", 10*time.Second)

	v.SetDefault("lock.path", "data/siteops.lock")
	v.SetDefault("database.path", "data/siteops.db")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:9090")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)
}

// Loader reads the configuration file and environment overrides.
type Loader struct {
	v *viper.Viper
}

// NewLoader prepares a loader for path. An empty path searches for
// siteops.yaml in the working directory and /etc/siteops.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("siteops")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/siteops")
	}

	v.SetEnvPrefix("SITEOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("target_host", "SITEOPS_TARGET_HOST")
	_ = v.BindEnv("alerts.receiver", "SITEOPS_ALERT_RECEIVER")
	_ = v.BindEnv("certs.email", "SITEOPS_ACME_EMAIL")
	return &Loader{v: v}
}

// Load reads, decodes and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return nil, &ConfigurationError{Field: "file", Msg: "cannot read configuration", Err: err}
	}
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, &ConfigurationError{Field: "file", Msg: "cannot decode configuration", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// File returns the configuration file in use.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Watch reloads the configuration whenever the file changes and hands the
// result, or the reason it was rejected, to onChange.
func (l *Loader) Watch(onChange func(*Config, error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var cfg Config
		if err := l.v.Unmarshal(&cfg); err != nil {
			onChange(nil, &ConfigurationError{Field: "file", Msg: "cannot decode " + e.Name, Err: err})
			return
		}
		if err := cfg.Validate(); err != nil {
			onChange(nil, err)
			return
		}
		onChange(&cfg, nil)
	})
	l.v.WatchConfig()
}

// Load is a shortcut for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// ConfigurationError reports malformed configuration. It is fatal and is
// always raised before anything is mutated.
type ConfigurationError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("configuration error: %s: %s", e.Field, e.Msg)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err contains a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
