package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"example.com/h1core/internal/timeout"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Default values, mirroring the connection core's built-in limits.
const (
	defaultServerAddress           = ":8080"
	defaultServerNetwork           = "tcp"
	defaultGracefulShutdownTimeout = 30 * time.Second
	defaultHeartbeatInterval       = time.Second

	defaultKeepAliveTimeout           = 130 * time.Second
	defaultRequestHeadersTimeout      = 30 * time.Second
	defaultMinDataRateBytesPerSecond  = 240.0
	defaultMinDataRateGracePeriod     = 5 * time.Second
	defaultMaxRequestBufferSize       = 1024 * 1024
	defaultMaxResponseBufferSize      = 64 * 1024
	defaultMaxRequestHeadersTotalSize = 32 * 1024

	defaultAdminEnabled = false
	defaultAdminAddress = "127.0.0.1:9090"

	defaultLogLevel         = LogLevelInfo
	defaultAccessLogEnabled = true
	defaultAccessLogTarget  = "stdout"
	defaultAccessLogFormat  = "json"
	defaultErrorLogTarget   = "stderr"
)

// Duration is a time.Duration that is written as a string ("10s") in config
// files. Only positive durations are accepted.
type Duration struct {
	d time.Duration
}

// NewDuration wraps d.
func NewDuration(d time.Duration) Duration { return Duration{d: d} }

// Value returns the wrapped duration.
func (d Duration) Value() time.Duration { return d.d }

func (d Duration) String() string { return d.d.String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) { return []byte(d.d.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler. TOML uses it directly.
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" {
		return fmt.Errorf("duration string cannot be empty")
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration string %q: %w", s, err)
	}
	if v <= 0 {
		return fmt.Errorf("duration must be positive, got %q", s)
	}
	d.d = v
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration should be a string, got %s", string(b))
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode || node.Tag != "!!str" {
		return fmt.Errorf("duration should be a string, got %q", node.Value)
	}
	return d.UnmarshalText([]byte(node.Value))
}

// CeilingUnlimited is the configuration spelling of an unlimited ceiling.
const CeilingUnlimited = "unlimited"

// Ceiling is a connection ceiling, written as an integer or "unlimited".
// The zero value is unlimited and 0 admits nothing.
type Ceiling struct {
	n       int64
	limited bool
}

// NewCeiling returns a Ceiling of n.
func NewCeiling(n int64) Ceiling { return Ceiling{n: n, limited: true} }

// Limit returns the ceiling and true, or false when unlimited.
func (c Ceiling) Limit() (int64, bool) { return c.n, c.limited }

func (c Ceiling) String() string {
	if !c.limited {
		return CeilingUnlimited
	}
	return strconv.FormatInt(c.n, 10)
}

func (c *Ceiling) setString(s string) error {
	if !strings.EqualFold(s, CeilingUnlimited) {
		return fmt.Errorf("ceiling should be an integer or %q, got %q", CeilingUnlimited, s)
	}
	*c = Ceiling{}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Ceiling) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return c.setString(s)
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("ceiling should be an integer or %q, got %s", CeilingUnlimited, string(b))
	}
	*c = NewCeiling(n)
	return nil
}

// UnmarshalTOML implements toml.Unmarshaler.
func (c *Ceiling) UnmarshalTOML(v interface{}) error {
	switch t := v.(type) {
	case int64:
		*c = NewCeiling(t)
		return nil
	case string:
		return c.setString(t)
	default:
		return fmt.Errorf("ceiling should be an integer or %q, got %v", CeilingUnlimited, v)
	}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *Ceiling) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("ceiling should be an integer or %q", CeilingUnlimited)
	}
	if node.Tag == "!!int" {
		n, err := strconv.ParseInt(node.Value, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid ceiling %q: %w", node.Value, err)
		}
		*c = NewCeiling(n)
		return nil
	}
	return c.setString(node.Value)
}

// Config is the top-level configuration structure for the server.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty" yaml:"server,omitempty"`
	Limits  *LimitsConfig  `json:"limits,omitempty" toml:"limits,omitempty" yaml:"limits,omitempty"`
	Routing *RoutingConfig `json:"routing,omitempty" toml:"routing,omitempty" yaml:"routing,omitempty"`
	Admin   *AdminConfig   `json:"admin,omitempty" toml:"admin,omitempty" yaml:"admin,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty" yaml:"logging,omitempty"`

	originalFilePath string
}

// ServerConfig holds listener and lifecycle settings.
type ServerConfig struct {
	Address                 *string    `json:"address,omitempty" toml:"address,omitempty" yaml:"address,omitempty"`
	Network                 *string    `json:"network,omitempty" toml:"network,omitempty" yaml:"network,omitempty"` // "tcp" or "unix"
	TLS                     *TLSConfig `json:"tls,omitempty" toml:"tls,omitempty" yaml:"tls,omitempty"`
	GracefulShutdownTimeout *Duration  `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty" yaml:"graceful_shutdown_timeout,omitempty"`
	HeartbeatInterval       *Duration  `json:"heartbeat_interval,omitempty" toml:"heartbeat_interval,omitempty" yaml:"heartbeat_interval,omitempty"`
}

// TLSConfig enables TLS on the listener.
type TLSConfig struct {
	CertFile string   `json:"cert_file" toml:"cert_file" yaml:"cert_file"`
	KeyFile  string   `json:"key_file" toml:"key_file" yaml:"key_file"`
	ALPN     []string `json:"alpn,omitempty" toml:"alpn,omitempty" yaml:"alpn,omitempty"`
}

// DataRateConfig is a minimum data rate. Set Disabled to turn enforcement off.
type DataRateConfig struct {
	Disabled       *bool     `json:"disabled,omitempty" toml:"disabled,omitempty" yaml:"disabled,omitempty"`
	BytesPerSecond *float64  `json:"bytes_per_second,omitempty" toml:"bytes_per_second,omitempty" yaml:"bytes_per_second,omitempty"`
	GracePeriod    *Duration `json:"grace_period,omitempty" toml:"grace_period,omitempty" yaml:"grace_period,omitempty"`
}

// LimitsConfig holds per-connection and process-wide connection limits.
// An omitted connection ceiling is unlimited.
type LimitsConfig struct {
	KeepAliveTimeout                 *Duration       `json:"keep_alive_timeout,omitempty" toml:"keep_alive_timeout,omitempty" yaml:"keep_alive_timeout,omitempty"`
	RequestHeadersTimeout            *Duration       `json:"request_headers_timeout,omitempty" toml:"request_headers_timeout,omitempty" yaml:"request_headers_timeout,omitempty"`
	MinRequestBodyDataRate           *DataRateConfig `json:"min_request_body_data_rate,omitempty" toml:"min_request_body_data_rate,omitempty" yaml:"min_request_body_data_rate,omitempty"`
	MinResponseDataRate              *DataRateConfig `json:"min_response_data_rate,omitempty" toml:"min_response_data_rate,omitempty" yaml:"min_response_data_rate,omitempty"`
	MaxConcurrentConnections         *Ceiling        `json:"max_concurrent_connections,omitempty" toml:"max_concurrent_connections,omitempty" yaml:"max_concurrent_connections,omitempty"`
	MaxConcurrentUpgradedConnections *Ceiling        `json:"max_concurrent_upgraded_connections,omitempty" toml:"max_concurrent_upgraded_connections,omitempty" yaml:"max_concurrent_upgraded_connections,omitempty"`
	FinOnError                       *bool           `json:"fin_on_error,omitempty" toml:"fin_on_error,omitempty" yaml:"fin_on_error,omitempty"`
	MaxRequestBufferSize             *int64          `json:"max_request_buffer_size,omitempty" toml:"max_request_buffer_size,omitempty" yaml:"max_request_buffer_size,omitempty"`
	MaxResponseBufferSize            *int64          `json:"max_response_buffer_size,omitempty" toml:"max_response_buffer_size,omitempty" yaml:"max_response_buffer_size,omitempty"`
	MaxRequestHeadersTotalSize       *int64          `json:"max_request_headers_total_size,omitempty" toml:"max_request_headers_total_size,omitempty" yaml:"max_request_headers_total_size,omitempty"`
}

// AdminConfig configures the metrics/health listener.
type AdminConfig struct {
	Enabled *bool   `json:"enabled,omitempty" toml:"enabled,omitempty" yaml:"enabled,omitempty"`
	Address *string `json:"address,omitempty" toml:"address,omitempty" yaml:"address,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty" yaml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty" yaml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty" yaml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled *bool   `json:"enabled,omitempty" toml:"enabled,omitempty" yaml:"enabled,omitempty"`
	Target  *string `json:"target,omitempty" toml:"target,omitempty" yaml:"target,omitempty"`
	Format  string  `json:"format,omitempty" toml:"format,omitempty" yaml:"format,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target *string `json:"target,omitempty" toml:"target,omitempty" yaml:"target,omitempty"`
}

// OriginalFilePath returns the path the configuration was loaded from.
func (c *Config) OriginalFilePath() string {
	if c == nil {
		return ""
	}
	return c.originalFilePath
}

// IsFilePath reports whether a log target names a file rather than stdout/stderr.
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr"
}

// LoadConfig reads, parses, defaults and validates the configuration at path.
// The format is chosen by extension (.json, .toml, .yaml/.yml); anything else
// is tried as JSON and then TOML.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("configuration file %s is empty", path)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	cfg.originalFilePath = path

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in the format implied by ext. No defaults are applied.
func Parse(data []byte, ext string) (*Config, error) {
	cfg := &Config{}
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		jsonErr := json.Unmarshal(data, cfg)
		if jsonErr == nil {
			return cfg, nil
		}
		cfg = &Config{}
		_, tomlErr := toml.Decode(string(data), cfg)
		if tomlErr == nil {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to auto-detect and parse config: JSON error: %v; TOML error: %v", jsonErr, tomlErr)
	}
	return cfg, nil
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }
func int64Ptr(n int64) *int64 { return &n }
func durPtr(d time.Duration) *Duration {
	v := NewDuration(d)
	return &v
}

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	s := cfg.Server
	if s.Address == nil {
		s.Address = strPtr(defaultServerAddress)
	}
	if s.Network == nil {
		s.Network = strPtr(defaultServerNetwork)
	}
	if s.GracefulShutdownTimeout == nil {
		s.GracefulShutdownTimeout = durPtr(defaultGracefulShutdownTimeout)
	}
	if s.HeartbeatInterval == nil {
		s.HeartbeatInterval = durPtr(defaultHeartbeatInterval)
	}

	if cfg.Limits == nil {
		cfg.Limits = &LimitsConfig{}
	}
	l := cfg.Limits
	if l.KeepAliveTimeout == nil {
		l.KeepAliveTimeout = durPtr(defaultKeepAliveTimeout)
	}
	if l.RequestHeadersTimeout == nil {
		l.RequestHeadersTimeout = durPtr(defaultRequestHeadersTimeout)
	}
	l.MinRequestBodyDataRate = defaultDataRate(l.MinRequestBodyDataRate)
	l.MinResponseDataRate = defaultDataRate(l.MinResponseDataRate)
	if l.MaxConcurrentConnections == nil {
		l.MaxConcurrentConnections = &Ceiling{}
	}
	if l.MaxConcurrentUpgradedConnections == nil {
		l.MaxConcurrentUpgradedConnections = &Ceiling{}
	}
	if l.FinOnError == nil {
		l.FinOnError = boolPtr(false)
	}
	if l.MaxRequestBufferSize == nil {
		l.MaxRequestBufferSize = int64Ptr(defaultMaxRequestBufferSize)
	}
	if l.MaxResponseBufferSize == nil {
		l.MaxResponseBufferSize = int64Ptr(defaultMaxResponseBufferSize)
	}
	if l.MaxRequestHeadersTotalSize == nil {
		l.MaxRequestHeadersTotalSize = int64Ptr(defaultMaxRequestHeadersTotalSize)
	}

	if cfg.Routing == nil {
		cfg.Routing = &RoutingConfig{Routes: defaultRoutes()}
	}

	if cfg.Admin == nil {
		cfg.Admin = &AdminConfig{}
	}
	if cfg.Admin.Enabled == nil {
		cfg.Admin.Enabled = boolPtr(defaultAdminEnabled)
	}
	if cfg.Admin.Address == nil {
		cfg.Admin.Address = strPtr(defaultAdminAddress)
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	lg := cfg.Logging
	if lg.LogLevel == "" {
		lg.LogLevel = defaultLogLevel
	}
	if lg.AccessLog == nil {
		lg.AccessLog = &AccessLogConfig{}
	}
	if lg.AccessLog.Enabled == nil {
		lg.AccessLog.Enabled = boolPtr(defaultAccessLogEnabled)
	}
	if lg.AccessLog.Target == nil {
		lg.AccessLog.Target = strPtr(defaultAccessLogTarget)
	}
	if lg.AccessLog.Format == "" {
		lg.AccessLog.Format = defaultAccessLogFormat
	}
	if lg.ErrorLog == nil {
		lg.ErrorLog = &ErrorLogConfig{}
	}
	if lg.ErrorLog.Target == nil {
		lg.ErrorLog.Target = strPtr(defaultErrorLogTarget)
	}
}

func defaultDataRate(r *DataRateConfig) *DataRateConfig {
	if r == nil {
		r = &DataRateConfig{}
	}
	if r.Disabled == nil {
		r.Disabled = boolPtr(false)
	}
	if r.BytesPerSecond == nil {
		bps := defaultMinDataRateBytesPerSecond
		r.BytesPerSecond = &bps
	}
	if r.GracePeriod == nil {
		r.GracePeriod = durPtr(defaultMinDataRateGracePeriod)
	}
	return r
}

// Validate checks a defaulted configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if err := validateServer(cfg.Server); err != nil {
		return err
	}
	if _, err := ResolveLimits(cfg); err != nil {
		return err
	}
	if err := validateRouting(cfg.Routing); err != nil {
		return err
	}
	if cfg.Admin != nil && cfg.Admin.Enabled != nil && *cfg.Admin.Enabled {
		if cfg.Admin.Address == nil || *cfg.Admin.Address == "" {
			return fmt.Errorf("admin.address cannot be empty when the admin listener is enabled")
		}
		if *cfg.Server.Network == "tcp" && *cfg.Admin.Address == *cfg.Server.Address {
			return fmt.Errorf("admin.address '%s' must differ from server.address", *cfg.Admin.Address)
		}
	}
	return validateLogging(cfg.Logging)
}

func validateServer(s *ServerConfig) error {
	if s == nil {
		return fmt.Errorf("server configuration section is missing")
	}
	if s.Address == nil || *s.Address == "" {
		return fmt.Errorf("server.address cannot be an empty string")
	}
	switch *s.Network {
	case "tcp":
		if _, _, err := net.SplitHostPort(*s.Address); err != nil {
			return fmt.Errorf("server.address '%s' is not a valid host:port: %w", *s.Address, err)
		}
	case "unix":
		if !filepath.IsAbs(*s.Address) {
			return fmt.Errorf("server.address '%s' must be an absolute socket path for network 'unix'", *s.Address)
		}
	default:
		return fmt.Errorf("server.network '%s' is invalid; must be 'tcp' or 'unix'", *s.Network)
	}
	if s.TLS != nil {
		if s.TLS.CertFile == "" || s.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls requires both cert_file and key_file")
		}
	}
	return nil
}

func validateLogging(lg *LoggingConfig) error {
	if lg == nil {
		return fmt.Errorf("logging configuration section is missing")
	}
	switch lg.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("logging.log_level '%s' is invalid; must be one of 'DEBUG', 'INFO', 'WARNING', 'ERROR'", lg.LogLevel)
	}
	if err := validateLogTarget("logging.access_log.target", lg.AccessLog.Target); err != nil {
		return err
	}
	if lg.AccessLog.Format != "json" {
		return fmt.Errorf("logging.access_log.format '%s' is invalid; currently only 'json' is supported", lg.AccessLog.Format)
	}
	return validateLogTarget("logging.error_log.target", lg.ErrorLog.Target)
}

func validateLogTarget(field string, target *string) error {
	if target == nil || *target == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}
	if IsFilePath(*target) && !filepath.IsAbs(*target) {
		return fmt.Errorf("%s path '%s' must be absolute", field, *target)
	}
	return nil
}

// Limits is the resolved, typed view of LimitsConfig plus the server-wide
// timing settings the connection core needs.
type Limits struct {
	KeepAliveTimeout                 time.Duration
	RequestHeadersTimeout            time.Duration
	MinRequestBodyDataRate           *timeout.MinDataRate // nil when disabled
	MinResponseDataRate              *timeout.MinDataRate // nil when disabled
	MaxConcurrentConnections         Ceiling
	MaxConcurrentUpgradedConnections Ceiling
	FinOnError                       bool
	MaxRequestBufferSize             int64
	MaxResponseBufferSize            int64
	MaxRequestHeadersTotalSize       int64
	HeartbeatInterval                time.Duration
	GracefulShutdownTimeout          time.Duration
}

// ResolveLimits converts a defaulted configuration into Limits.
func ResolveLimits(cfg *Config) (Limits, error) {
	if cfg == nil || cfg.Limits == nil || cfg.Server == nil {
		return Limits{}, fmt.Errorf("configuration has not been defaulted")
	}
	l := cfg.Limits
	res := Limits{
		KeepAliveTimeout:                 l.KeepAliveTimeout.Value(),
		RequestHeadersTimeout:            l.RequestHeadersTimeout.Value(),
		MaxConcurrentConnections:         *l.MaxConcurrentConnections,
		MaxConcurrentUpgradedConnections: *l.MaxConcurrentUpgradedConnections,
		FinOnError:                       *l.FinOnError,
		MaxRequestBufferSize:             *l.MaxRequestBufferSize,
		MaxResponseBufferSize:            *l.MaxResponseBufferSize,
		MaxRequestHeadersTotalSize:       *l.MaxRequestHeadersTotalSize,
		HeartbeatInterval:                cfg.Server.HeartbeatInterval.Value(),
		GracefulShutdownTimeout:          cfg.Server.GracefulShutdownTimeout.Value(),
	}

	ceilings := []struct {
		name string
		v    Ceiling
	}{
		{"limits.max_concurrent_connections", res.MaxConcurrentConnections},
		{"limits.max_concurrent_upgraded_connections", res.MaxConcurrentUpgradedConnections},
	}
	for _, c := range ceilings {
		if n, limited := c.v.Limit(); limited && n < 0 {
			return Limits{}, fmt.Errorf("%s must be non-negative or '%s', got %d", c.name, CeilingUnlimited, n)
		}
	}
	sizes := []struct {
		name string
		v    int64
	}{
		{"limits.max_request_buffer_size", res.MaxRequestBufferSize},
		{"limits.max_response_buffer_size", res.MaxResponseBufferSize},
		{"limits.max_request_headers_total_size", res.MaxRequestHeadersTotalSize},
	}
	for _, c := range sizes {
		if c.v <= 0 {
			return Limits{}, fmt.Errorf("%s must be positive, got %d", c.name, c.v)
		}
	}

	var err error
	if res.MinRequestBodyDataRate, err = resolveRate("limits.min_request_body_data_rate", l.MinRequestBodyDataRate, res.HeartbeatInterval); err != nil {
		return Limits{}, err
	}
	if res.MinResponseDataRate, err = resolveRate("limits.min_response_data_rate", l.MinResponseDataRate, res.HeartbeatInterval); err != nil {
		return Limits{}, err
	}
	return res, nil
}

func resolveRate(field string, r *DataRateConfig, heartbeat time.Duration) (*timeout.MinDataRate, error) {
	if r == nil || (r.Disabled != nil && *r.Disabled) {
		return nil, nil
	}
	if r.BytesPerSecond == nil || r.GracePeriod == nil {
		return nil, fmt.Errorf("%s is incomplete", field)
	}
	rate, err := timeout.NewMinDataRate(*r.BytesPerSecond, r.GracePeriod.Value(), heartbeat)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return rate, nil
}
