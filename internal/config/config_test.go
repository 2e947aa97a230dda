package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// writeTempFile creates a file with the given content and extension inside
// the test's temp dir and returns its path.
func writeTempFile(t *testing.T, content string, ext string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config"+ext)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write temp config file: %v", err)
	}
	return path
}

// checkErrorContains checks if the error is not nil and its message contains the expected substring.
func checkErrorContains(t *testing.T, err error, expectedSubstring string) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected an error containing %q, but got nil", expectedSubstring)
	}
	if !strings.Contains(err.Error(), expectedSubstring) {
		t.Fatalf("Expected error message to contain %q, but got: %v", expectedSubstring, err)
	}
}

func TestLoadConfig_EmptyPath(t *testing.T) {
	_, err := LoadConfig("")
	checkErrorContains(t, err, "configuration file path cannot be empty")
}

func TestLoadConfig_NonExistentFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	checkErrorContains(t, err, "failed to read configuration file")
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	for _, ext := range []string{".json", ".toml", ".yaml", ".conf"} {
		t.Run(ext, func(t *testing.T) {
			_, err := LoadConfig(writeTempFile(t, "  \n", ext))
			checkErrorContains(t, err, "is empty")
		})
	}
}

func TestLoadConfig_Formats(t *testing.T) {
	tests := []struct {
		name    string
		ext     string
		content string
	}{
		{
			name:    "json",
			ext:     ".json",
			content: `{"server": {"address": ":8081"}, "limits": {"keep_alive_timeout": "10s", "fin_on_error": true}}`,
		},
		{
			name: "toml",
			ext:  ".toml",
			content: `
[server]
address = ":8081"

[limits]
keep_alive_timeout = "10s"
fin_on_error = true
`,
		},
		{
			name: "yaml",
			ext:  ".yaml",
			content: `
server:
  address: ":8081"
limits:
  keep_alive_timeout: 10s
  fin_on_error: true
`,
		},
		{
			name:    "auto-detect json",
			ext:     ".conf",
			content: `{"server": {"address": ":8081"}, "limits": {"keep_alive_timeout": "10s", "fin_on_error": true}}`,
		},
		{
			name: "auto-detect toml",
			ext:  ".cfg",
			content: `
[server]
address = ":8081"
[limits]
keep_alive_timeout = "10s"
fin_on_error = true
`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempFile(t, tc.content, tc.ext)
			cfg, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, ":8081", *cfg.Server.Address)
			assert.Equal(t, 10*time.Second, cfg.Limits.KeepAliveTimeout.Value())
			assert.True(t, *cfg.Limits.FinOnError)
			assert.Equal(t, path, cfg.OriginalFilePath())
		})
	}
}

func TestLoadConfig_AutoDetectFailure(t *testing.T) {
	_, err := LoadConfig(writeTempFile(t, `not json or toml`, ".data"))
	checkErrorContains(t, err, "failed to auto-detect and parse config")
	checkErrorContains(t, err, "JSON error")
	checkErrorContains(t, err, "TOML error")
}

func TestLoadConfig_InvalidSyntax(t *testing.T) {
	_, err := LoadConfig(writeTempFile(t, `{"server": {"address": ":8080",}}`, ".json"))
	checkErrorContains(t, err, "failed to parse JSON config")

	_, err = LoadConfig(writeTempFile(t, "[server\naddress = \":8080\"\n", ".toml"))
	checkErrorContains(t, err, "failed to parse TOML config")

	_, err = LoadConfig(writeTempFile(t, "server: [unclosed\n", ".yml"))
	checkErrorContains(t, err, "failed to parse YAML config")
}

func TestLoadConfig_DefaultsApplied(t *testing.T) {
	cfg, err := LoadConfig(writeTempFile(t, `{}`, ".json"))
	if err != nil {
		t.Fatalf("LoadConfig failed for empty JSON: %v", err)
	}

	if *cfg.Server.Address != defaultServerAddress {
		t.Errorf("Expected default server address %s, got %s", defaultServerAddress, *cfg.Server.Address)
	}
	if *cfg.Server.Network != "tcp" {
		t.Errorf("Expected default network tcp, got %s", *cfg.Server.Network)
	}
	if cfg.Server.GracefulShutdownTimeout.Value() != defaultGracefulShutdownTimeout {
		t.Errorf("Expected default graceful shutdown timeout %v, got %v", defaultGracefulShutdownTimeout, cfg.Server.GracefulShutdownTimeout)
	}
	if cfg.Server.HeartbeatInterval.Value() != time.Second {
		t.Errorf("Expected default heartbeat interval 1s, got %v", cfg.Server.HeartbeatInterval)
	}
	if cfg.Logging.LogLevel != defaultLogLevel {
		t.Errorf("Expected default log level %s, got %s", defaultLogLevel, cfg.Logging.LogLevel)
	}
	if *cfg.Logging.AccessLog.Target != defaultAccessLogTarget || *cfg.Logging.ErrorLog.Target != defaultErrorLogTarget {
		t.Errorf("Unexpected default log targets: access=%s error=%s", *cfg.Logging.AccessLog.Target, *cfg.Logging.ErrorLog.Target)
	}
	if *cfg.Admin.Enabled {
		t.Errorf("Expected admin listener to be disabled by default")
	}

	limits, err := ResolveLimits(cfg)
	require.NoError(t, err)
	assert.Equal(t, 130*time.Second, limits.KeepAliveTimeout)
	assert.Equal(t, 30*time.Second, limits.RequestHeadersTimeout)
	require.NotNil(t, limits.MinRequestBodyDataRate)
	assert.Equal(t, 240.0, limits.MinRequestBodyDataRate.BytesPerSecond)
	assert.Equal(t, 5*time.Second, limits.MinRequestBodyDataRate.GracePeriod)
	require.NotNil(t, limits.MinResponseDataRate)
	assert.Equal(t, Ceiling{}, limits.MaxConcurrentConnections, "omitted ceilings are unlimited")
	assert.Equal(t, Ceiling{}, limits.MaxConcurrentUpgradedConnections)
	assert.False(t, limits.FinOnError)
	assert.Equal(t, int64(1024*1024), limits.MaxRequestBufferSize)
	assert.Equal(t, int64(64*1024), limits.MaxResponseBufferSize)
	assert.Equal(t, int64(32*1024), limits.MaxRequestHeadersTotalSize)
	assert.Equal(t, 30*time.Second, limits.GracefulShutdownTimeout)
}

func TestResolveLimits_DataRates(t *testing.T) {
	content := `{
    "limits": {
        "min_request_body_data_rate": {"disabled": true},
        "min_response_data_rate": {"bytes_per_second": 100, "grace_period": "2s"},
        "max_concurrent_connections": 100,
        "max_concurrent_upgraded_connections": 10
    }
}`
	cfg, err := LoadConfig(writeTempFile(t, content, ".json"))
	require.NoError(t, err)

	limits, err := ResolveLimits(cfg)
	require.NoError(t, err)
	assert.Nil(t, limits.MinRequestBodyDataRate)
	require.NotNil(t, limits.MinResponseDataRate)
	assert.Equal(t, 100.0, limits.MinResponseDataRate.BytesPerSecond)
	assert.Equal(t, 2*time.Second, limits.MinResponseDataRate.GracePeriod)
	assert.Equal(t, NewCeiling(100), limits.MaxConcurrentConnections)
	assert.Equal(t, NewCeiling(10), limits.MaxConcurrentUpgradedConnections)
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name        string
		configJSON  string
		expectError string
	}{
		{
			name:        "empty server address",
			configJSON:  `{"server": {"address": ""}}`,
			expectError: "server.address cannot be an empty string",
		},
		{
			name:        "address without port",
			configJSON:  `{"server": {"address": "localhost"}}`,
			expectError: "server.address 'localhost' is not a valid host:port",
		},
		{
			name:        "relative unix socket",
			configJSON:  `{"server": {"network": "unix", "address": "h1.sock"}}`,
			expectError: "must be an absolute socket path",
		},
		{
			name:        "unknown network",
			configJSON:  `{"server": {"network": "udp"}}`,
			expectError: "server.network 'udp' is invalid",
		},
		{
			name:        "tls without key",
			configJSON:  `{"server": {"tls": {"cert_file": "/etc/cert.pem"}}}`,
			expectError: "server.tls requires both cert_file and key_file",
		},
		{
			name:        "invalid graceful_shutdown_timeout",
			configJSON:  `{"server": {"graceful_shutdown_timeout": "abc"}}`,
			expectError: "invalid duration string \"abc\"",
		},
		{
			name:        "non-positive keep_alive_timeout",
			configJSON:  `{"limits": {"keep_alive_timeout": "-5s"}}`,
			expectError: "duration must be positive, got \"-5s\"",
		},
		{
			name:        "negative connection ceiling",
			configJSON:  `{"limits": {"max_concurrent_connections": -1}}`,
			expectError: "limits.max_concurrent_connections must be non-negative or 'unlimited', got -1",
		},
		{
			name:        "invalid connection ceiling",
			configJSON:  `{"limits": {"max_concurrent_upgraded_connections": "lots"}}`,
			expectError: "ceiling should be an integer or \"unlimited\", got \"lots\"",
		},
		{
			name:        "zero request buffer",
			configJSON:  `{"limits": {"max_request_buffer_size": 0}}`,
			expectError: "limits.max_request_buffer_size must be positive",
		},
		{
			name:        "zero data rate",
			configJSON:  `{"limits": {"min_response_data_rate": {"bytes_per_second": 0}}}`,
			expectError: "limits.min_response_data_rate: bytes per second must be a positive number",
		},
		{
			name:        "grace period not above heartbeat",
			configJSON:  `{"server": {"heartbeat_interval": "2s"}, "limits": {"min_request_body_data_rate": {"grace_period": "2s"}}}`,
			expectError: "limits.min_request_body_data_rate: grace period 2s must be greater than the heartbeat interval 2s",
		},
		{
			name:        "admin on server address",
			configJSON:  `{"server": {"address": ":8080"}, "admin": {"enabled": true, "address": ":8080"}}`,
			expectError: "admin.address ':8080' must differ from server.address",
		},
		{
			name:        "invalid log_level",
			configJSON:  `{"logging": {"log_level": "TRACE"}}`,
			expectError: "logging.log_level 'TRACE' is invalid; must be one of 'DEBUG', 'INFO', 'WARNING', 'ERROR'",
		},
		{
			name:        "access_log empty target",
			configJSON:  `{"logging": {"access_log": {"target": ""}}}`,
			expectError: "logging.access_log.target cannot be empty",
		},
		{
			name:        "access_log relative file target",
			configJSON:  `{"logging": {"access_log": {"target": "logs/access.log"}}}`,
			expectError: "logging.access_log.target path 'logs/access.log' must be absolute",
		},
		{
			name:        "access_log invalid format",
			configJSON:  `{"logging": {"access_log": {"format": "clf"}}}`,
			expectError: "logging.access_log.format 'clf' is invalid; currently only 'json' is supported",
		},
		{
			name:        "error_log relative file target",
			configJSON:  `{"logging": {"error_log": {"target": "logs/error.log"}}}`,
			expectError: "logging.error_log.target path 'logs/error.log' must be absolute",
		},
		{
			name:        "route empty path_pattern",
			configJSON:  `{"routing": {"routes": [{"path_pattern": "", "match_type": "Exact", "handler_type": "Echo"}]}}`,
			expectError: "routing.routes[0].path_pattern cannot be empty",
		},
		{
			name:        "route empty handler_type",
			configJSON:  `{"routing": {"routes": [{"path_pattern": "/a", "match_type": "Exact"}]}}`,
			expectError: "routing.routes[0].handler_type cannot be empty for path_pattern '/a'",
		},
		{
			name:        "exact route ending in slash",
			configJSON:  `{"routing": {"routes": [{"path_pattern": "/a/", "match_type": "Exact", "handler_type": "Echo"}]}}`,
			expectError: "path_pattern '/a/' with MatchType 'Exact' must not end with '/'",
		},
		{
			name:        "prefix route without slash",
			configJSON:  `{"routing": {"routes": [{"path_pattern": "/a", "match_type": "Prefix", "handler_type": "Echo"}]}}`,
			expectError: "path_pattern '/a' with MatchType 'Prefix' must end with '/'",
		},
		{
			name:        "route missing match_type",
			configJSON:  `{"routing": {"routes": [{"path_pattern": "/a", "handler_type": "Echo"}]}}`,
			expectError: "routing.routes[0].match_type is missing",
		},
		{
			name:        "route invalid match_type",
			configJSON:  `{"routing": {"routes": [{"path_pattern": "/a", "match_type": "Regex", "handler_type": "Echo"}]}}`,
			expectError: "routing.routes[0].match_type 'Regex' is invalid",
		},
		{
			name:        "relative route",
			configJSON:  `{"routing": {"routes": [{"path_pattern": "a", "match_type": "Exact", "handler_type": "Echo"}]}}`,
			expectError: "routing.routes[0].path_pattern 'a' must start with '/'",
		},
		{
			name: "duplicate route",
			configJSON: `{"routing": {"routes": [
				{"path_pattern": "/a/", "match_type": "Prefix", "handler_type": "Echo"},
				{"path_pattern": "/a/", "match_type": "Prefix", "handler_type": "UpgradeEcho"}]}}`,
			expectError: "ambiguous route: duplicate PathPattern '/a/' and MatchType 'Prefix' found",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeTempFile(t, tc.configJSON, ".json"))
			checkErrorContains(t, err, tc.expectError)
		})
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expectErr string
		expectDur time.Duration
	}{
		{"valid", "30s", "", 30 * time.Second},
		{"valid with minutes", "2m", "", 2 * time.Minute},
		{"invalid format", "10", "invalid duration string \"10\": time: missing unit in duration", 0},
		{"invalid chars", "abc", "invalid duration string \"abc\": time: invalid duration", 0},
		{"non-positive zero", "0s", "duration must be positive, got \"0s\"", 0},
		{"non-positive negative", "-5m", "duration must be positive, got \"-5m\"", 0},
		{"empty string", "", "duration string cannot be empty", 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalText([]byte(tc.input))
			if tc.expectErr != "" {
				checkErrorContains(t, err, tc.expectErr)
				return
			}
			if err != nil {
				t.Fatalf("UnmarshalText(%q) unexpected error: %v", tc.input, err)
			}
			if d.Value() != tc.expectDur {
				t.Errorf("UnmarshalText(%q) expected duration %v, got %v", tc.input, tc.expectDur, d.Value())
			}
		})
	}
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name      string
		inputJSON string
		expectErr string
		expectDur time.Duration
	}{
		{"valid string", `"45s"`, "", 45 * time.Second},
		{"valid string with hours", `"1h"`, "", time.Hour},
		{"invalid format in string", `"20"`, "invalid duration string \"20\"", 0},
		{"incorrect type (number)", `123`, "duration should be a string, got 123", 0},
		{"incorrect type (boolean)", `true`, "duration should be a string, got true", 0},
		{"null", `null`, "duration string cannot be empty", 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalJSON([]byte(tc.inputJSON))
			if tc.expectErr != "" {
				checkErrorContains(t, err, tc.expectErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expectDur, d.Value())
		})
	}
}

func TestDuration_Decoders(t *testing.T) {
	type holder struct {
		Timeout Duration `json:"timeout" toml:"timeout" yaml:"timeout"`
	}

	var j holder
	require.NoError(t, json.Unmarshal([]byte(`{"timeout": "10s"}`), &j))
	assert.Equal(t, 10*time.Second, j.Timeout.Value())

	var tm holder
	require.NoError(t, toml.Unmarshal([]byte(`timeout = "15m"`), &tm))
	assert.Equal(t, 15*time.Minute, tm.Timeout.Value())

	var y holder
	require.NoError(t, yaml.Unmarshal([]byte("timeout: 3s\n"), &y))
	assert.Equal(t, 3*time.Second, y.Timeout.Value())

	err := yaml.Unmarshal([]byte("timeout: 30\n"), &y)
	checkErrorContains(t, err, "duration should be a string")

	out, err := NewDuration(90 * time.Second).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(out))
}

func TestLoadConfig_OriginalFilePathOnNil(t *testing.T) {
	var nilCfg *Config
	assert.Equal(t, "", nilCfg.OriginalFilePath())
}

func TestIsFilePath(t *testing.T) {
	tests := []struct {
		target   string
		expected bool
	}{
		{"stdout", false},
		{"stderr", false},
		{"/var/log/app.log", true},
		{"logs/app.log", true},
	}

	for _, tc := range tests {
		if actual := IsFilePath(tc.target); actual != tc.expected {
			t.Errorf("IsFilePath(%q) = %v; want %v", tc.target, actual, tc.expected)
		}
	}
}

func TestResolveLimits_Ceilings(t *testing.T) {
	tests := []struct {
		name     string
		ext      string
		content  string
		conns    Ceiling
		upgraded Ceiling
	}{
		{
			name:     "json",
			ext:      ".json",
			content:  `{"limits": {"max_concurrent_connections": "unlimited", "max_concurrent_upgraded_connections": 0}}`,
			conns:    Ceiling{},
			upgraded: NewCeiling(0),
		},
		{
			name:     "toml",
			ext:      ".toml",
			content:  "[limits]\nmax_concurrent_connections = 50\nmax_concurrent_upgraded_connections = \"unlimited\"\n",
			conns:    NewCeiling(50),
			upgraded: Ceiling{},
		},
		{
			name:     "yaml",
			ext:      ".yaml",
			content:  "limits:\n  max_concurrent_connections: Unlimited\n  max_concurrent_upgraded_connections: 0\n",
			conns:    Ceiling{},
			upgraded: NewCeiling(0),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(writeTempFile(t, tt.content, tt.ext))
			require.NoError(t, err)
			limits, err := ResolveLimits(cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.conns, limits.MaxConcurrentConnections)
			assert.Equal(t, tt.upgraded, limits.MaxConcurrentUpgradedConnections)
		})
	}

	n, limited := NewCeiling(0).Limit()
	assert.True(t, limited, "0 is a ceiling that admits nothing")
	assert.Equal(t, int64(0), n)
	assert.Equal(t, "unlimited", Ceiling{}.String())
	assert.Equal(t, "7", NewCeiling(7).String())
}

func TestLoadConfig_Routing(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadConfig(writeTempFile(t, `{}`, ".json"))
		require.NoError(t, err)
		require.NotNil(t, cfg.Routing)
		assert.Equal(t, defaultRoutes(), cfg.Routing.Routes)
	})

	t.Run("toml handler_config", func(t *testing.T) {
		content := `
[[routing.routes]]
path_pattern = "/echo/"
match_type = "Prefix"
handler_type = "Echo"

[routing.routes.handler_config]
prefix = "hello: "
`
		cfg, err := LoadConfig(writeTempFile(t, content, ".toml"))
		require.NoError(t, err)
		require.Len(t, cfg.Routing.Routes, 1)
		raw, err := cfg.Routing.Routes[0].RawHandlerConfig()
		require.NoError(t, err)
		assert.JSONEq(t, `{"prefix": "hello: "}`, string(raw))
	})

	t.Run("yaml handler_config", func(t *testing.T) {
		content := `
routing:
  routes:
    - path_pattern: /upgrade
      match_type: Exact
      handler_type: UpgradeEcho
      handler_config:
        greeting: hi
`
		cfg, err := LoadConfig(writeTempFile(t, content, ".yaml"))
		require.NoError(t, err)
		require.Len(t, cfg.Routing.Routes, 1)
		assert.Equal(t, MatchTypeExact, cfg.Routing.Routes[0].MatchType)
		raw, err := cfg.Routing.Routes[0].RawHandlerConfig()
		require.NoError(t, err)
		assert.JSONEq(t, `{"greeting": "hi"}`, string(raw))
	})

	t.Run("no handler_config", func(t *testing.T) {
		raw, err := Route{PathPattern: "/"}.RawHandlerConfig()
		require.NoError(t, err)
		assert.Nil(t, raw)
	})
}
