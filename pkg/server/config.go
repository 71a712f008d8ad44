package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/asterleen/airin/pkg/logging"
)

// Config is the resolved load-time configuration. Everything here
// requires a restart to change; tunables that may change while the
// server runs live in RuntimeConfig and come from storage.
type Config struct {
	Port        int
	HTTPPort    int
	MetricsPort int

	LogFile  string
	LogLevel logging.Level

	// InitTimeout bounds how long a fresh connection may idle before
	// authenticating. Zero disables the watchdog.
	InitTimeout time.Duration

	// SecureSalt feeds the pseudonymous client identity hash.
	SecureSalt string

	TLSCert string
	TLSKey  string

	// UseXFFHeader trusts X-Forwarded-For on WebSocket upgrades,
	// for deployments behind a reverse proxy.
	UseXFFHeader bool

	// ExternalAuth requires CONNECT tokens to resolve through
	// storage. When off, any CONNECT is accepted.
	ExternalAuth bool

	DatabasePath string
}

// TOMLConfig mirrors the on-disk configuration file layout.
type TOMLConfig struct {
	Server struct {
		Port          int    `toml:"port"`
		HTTPPort      int    `toml:"http_port"`
		MetricsPort   int    `toml:"metrics_port"`
		LogFile       string `toml:"log_file"`
		LogLevel      string `toml:"log_level"`
		InitTimeoutMs int    `toml:"init_timeout"`
		SecureSalt    string `toml:"secure_salt"`
		SSLCert       string `toml:"ssl_certificate"`
		SSLKey        string `toml:"ssl_key"`
		UseXFFHeader  bool   `toml:"use_xff_header"`
	} `toml:"server"`

	ExternalAuth struct {
		Enable bool `toml:"enable"`
	} `toml:"external_auth"`

	Database struct {
		Path string `toml:"path"`
	} `toml:"database"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		Port:         1337,
		HTTPPort:     1338,
		MetricsPort:  9090,
		LogFile:      "stdout",
		LogLevel:     logging.LevelInfo,
		InitTimeout:  30 * time.Second,
		SecureSalt:   "_replace_me_plz",
		ExternalAuth: true,
		DatabasePath: "airin.db",
	}
}

// LoadConfig reads the TOML configuration at path, creating a
// commented default file when none exists. Environment variables of
// the form AIRIN_SECTION_KEY override file values.
func LoadConfig(path string) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if werr := writeDefaultConfig(path); werr != nil {
			return Config{}, fmt.Errorf("failed to write default config: %w", werr)
		}
	}

	var tc TOMLConfig
	if _, err := toml.DecodeFile(path, &tc); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&tc)

	cfg := DefaultConfig()
	if tc.Server.Port > 0 {
		cfg.Port = tc.Server.Port
	}
	cfg.HTTPPort = tc.Server.HTTPPort
	cfg.MetricsPort = tc.Server.MetricsPort
	if tc.Server.LogFile != "" {
		cfg.LogFile = tc.Server.LogFile
	}
	if level, ok := logging.ParseLevel(tc.Server.LogLevel); ok {
		cfg.LogLevel = level
	}
	if tc.Server.InitTimeoutMs >= 0 {
		cfg.InitTimeout = time.Duration(tc.Server.InitTimeoutMs) * time.Millisecond
	}
	if tc.Server.SecureSalt != "" {
		cfg.SecureSalt = tc.Server.SecureSalt
	}
	cfg.TLSCert = tc.Server.SSLCert
	cfg.TLSKey = tc.Server.SSLKey
	cfg.UseXFFHeader = tc.Server.UseXFFHeader
	cfg.ExternalAuth = tc.ExternalAuth.Enable
	if tc.Database.Path != "" {
		cfg.DatabasePath = tc.Database.Path
	}

	return cfg, nil
}

func applyEnvOverrides(tc *TOMLConfig) {
	if v, ok := envInt("AIRIN_SERVER_PORT"); ok {
		tc.Server.Port = v
	}
	if v, ok := envInt("AIRIN_SERVER_HTTP_PORT"); ok {
		tc.Server.HTTPPort = v
	}
	if v, ok := envInt("AIRIN_SERVER_METRICS_PORT"); ok {
		tc.Server.MetricsPort = v
	}
	if v := os.Getenv("AIRIN_SERVER_LOG_FILE"); v != "" {
		tc.Server.LogFile = v
	}
	if v := os.Getenv("AIRIN_SERVER_LOG_LEVEL"); v != "" {
		tc.Server.LogLevel = v
	}
	if v, ok := envInt("AIRIN_SERVER_INIT_TIMEOUT"); ok {
		tc.Server.InitTimeoutMs = v
	}
	if v := os.Getenv("AIRIN_SERVER_SECURE_SALT"); v != "" {
		tc.Server.SecureSalt = v
	}
	if v, ok := envBool("AIRIN_SERVER_USE_XFF_HEADER"); ok {
		tc.Server.UseXFFHeader = v
	}
	if v, ok := envBool("AIRIN_EXTERNAL_AUTH_ENABLE"); ok {
		tc.ExternalAuth.Enable = v
	}
	if v := os.Getenv("AIRIN_DATABASE_PATH"); v != "" {
		tc.Database.Path = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(name string) (bool, bool) {
	switch os.Getenv(name) {
	case "1", "true", "yes":
		return true, true
	case "0", "false", "no":
		return false, true
	default:
		return false, false
	}
}

func writeDefaultConfig(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	content := `# Airin chat daemon configuration.
# Runtime tunables (message limits, flood window, ping policy and the
# like) are stored in the database and managed with /config set.

[server]
# TCP port for the raw line protocol.
port = 1337

# HTTP port for the WebSocket transport (/ws endpoint). 0 disables it.
http_port = 1338

# Prometheus metrics and health endpoint. 0 disables it.
metrics_port = 9090

# "stdout" or a file path.
log_file = "stdout"

# none, error, warning, info or debug.
log_level = "info"

# Milliseconds a fresh connection may idle before authenticating.
# 0 disables the watchdog.
init_timeout = 30000

# Salt for pseudonymous client identity hashes. Change this.
secure_salt = "_replace_me_plz"

# TLS for the TCP listener. Leave empty for plain TCP.
ssl_certificate = ""
ssl_key = ""

# Trust X-Forwarded-For on WebSocket upgrades (reverse proxy setups).
use_xff_header = false

[external_auth]
# Require CONNECT tokens to resolve through the auth table. When
# disabled, every CONNECT is accepted without identity.
enable = true

[database]
path = "airin.db"
`
	return os.WriteFile(path, []byte(content), 0644)
}

// RuntimeConfig holds the tunables kept in storage so admins can
// adjust them with /config set without a restart. It is read and
// replaced only on the dispatch loop.
type RuntimeConfig struct {
	MaxMessageAmount     int
	DefaultMessageAmount int
	MaxMessageLen        int
	MaxNameLen           int

	MessageDelay time.Duration
	DelayTroll   bool

	PingPollInterval  time.Duration
	PingMissTolerance int

	ColorResetMax int

	MaxLogQueueLen     int
	LogQueueFlush      time.Duration
	UseLogRequestQueue bool

	DefaultUserName   string
	ReadonlyAllowed   bool
	CheckNameDistinct bool
	ForceDefaultName  bool
	DiscloseUserIDs   bool
	UseMiscInfoAsName bool

	DeprecationMessage string
}

// DefaultRuntimeConfig returns the tunables used when storage has no
// stored values yet.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		MaxMessageAmount:     500,
		DefaultMessageAmount: 20,
		MaxMessageLen:        2048,
		MaxNameLen:           20,
		MessageDelay:         5 * time.Second,
		DelayTroll:           false,
		PingPollInterval:     10 * time.Second,
		PingMissTolerance:    5,
		ColorResetMax:        5,
		MaxLogQueueLen:       50,
		LogQueueFlush:        500 * time.Millisecond,
		UseLogRequestQueue:   false,
		DefaultUserName:      "Anonyamous",
		ReadonlyAllowed:      true,
		CheckNameDistinct:    true,
		ForceDefaultName:     false,
		DiscloseUserIDs:      false,
		UseMiscInfoAsName:    false,
		DeprecationMessage:   "Your API Level is deprecated, please use a newer client.",
	}
}

// RuntimeConfigFrom builds the tunables from stored key/value pairs,
// clamping everything nonsensical back to the defaults.
func RuntimeConfigFrom(values map[string]string) RuntimeConfig {
	def := DefaultRuntimeConfig()
	rc := def

	rc.MaxMessageAmount = clampInt(values, "message_amount_max", def.MaxMessageAmount, 1, 10000)
	rc.DefaultMessageAmount = clampInt(values, "message_amount_default", def.DefaultMessageAmount, 1, rc.MaxMessageAmount)
	rc.MaxMessageLen = clampInt(values, "max_message_length", def.MaxMessageLen, 1, 65536)
	rc.MaxNameLen = clampInt(values, "max_name_length", def.MaxNameLen, 1, 128)

	rc.MessageDelay = time.Duration(clampInt(values, "message_delay", int(def.MessageDelay/time.Second), 1, 32)) * time.Second
	rc.DelayTroll = boolValue(values, "delay_troll", def.DelayTroll)

	rc.PingPollInterval = time.Duration(clampInt(values, "ping_poll_time", int(def.PingPollInterval/time.Millisecond), 0, 600000)) * time.Millisecond
	rc.PingMissTolerance = clampInt(values, "ping_miss_tolerance", def.PingMissTolerance, 0, 100)

	rc.ColorResetMax = clampInt(values, "color_reset_max", def.ColorResetMax, 0, 1000)

	rc.MaxLogQueueLen = clampInt(values, "max_log_queue_length", def.MaxLogQueueLen, 1, 10000)
	rc.LogQueueFlush = time.Duration(clampInt(values, "log_queue_flush_timeout", int(def.LogQueueFlush/time.Millisecond), 50, 60000)) * time.Millisecond
	rc.UseLogRequestQueue = boolValue(values, "use_log_request_queue", def.UseLogRequestQueue)

	if v, ok := values["default_username"]; ok && v != "" {
		rc.DefaultUserName = v
	}
	rc.ReadonlyAllowed = boolValue(values, "allow_readonly", def.ReadonlyAllowed)
	rc.CheckNameDistinct = boolValue(values, "check_name_distinctness", def.CheckNameDistinct)
	rc.ForceDefaultName = boolValue(values, "force_default_name", def.ForceDefaultName)
	rc.DiscloseUserIDs = boolValue(values, "disclose_user_ids", def.DiscloseUserIDs)
	rc.UseMiscInfoAsName = boolValue(values, "use_misc_as_name", def.UseMiscInfoAsName)

	if v, ok := values["deprecation_message"]; ok && v != "" {
		rc.DeprecationMessage = v
	}

	return rc
}

func clampInt(values map[string]string, key string, def, min, max int) int {
	v, ok := values[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min || n > max {
		return def
	}
	return n
}

func boolValue(values map[string]string, key string, def bool) bool {
	v, ok := values[key]
	if !ok {
		return def
	}
	switch v {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return def
	}
}
