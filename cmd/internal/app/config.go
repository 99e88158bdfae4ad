package app

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"pairhub/cmd/internal/pairing"
	"pairhub/cmd/internal/realtime"
)

// EnvPrefix is prepended to every configuration key in the environment.
const EnvPrefix = "PAIRHUB"

// Adapter names accepted by ADAPTER.
const (
	AdapterSimulated = "simulated"
	AdapterBridge    = "bridge"
)

// Log formats accepted by LOG_FORMAT.
const (
	LogFormatJSON   = "json"
	LogFormatPretty = "pretty"
)

// Config contains all runtime configuration.
type Config struct {
	HTTPAddr  string `mapstructure:"HTTP_ADDR"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	ReadHeaderTimeout time.Duration `mapstructure:"HTTP_READ_HEADER_TIMEOUT"`
	ReadTimeout       time.Duration `mapstructure:"HTTP_READ_TIMEOUT"`
	WriteTimeout      time.Duration `mapstructure:"HTTP_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `mapstructure:"HTTP_IDLE_TIMEOUT"`
	MaxHeaderBytes    int           `mapstructure:"HTTP_MAX_HEADER_BYTES"`
	MaxBodyBytes      int64         `mapstructure:"MAX_BODY_BYTES"`
	ShutdownTimeout   time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`

	// Session lifecycle.
	ExpiryBudget     time.Duration `mapstructure:"EXPIRY_BUDGET"`
	SweepInterval    time.Duration `mapstructure:"SWEEP_INTERVAL"`
	CredentialWait   time.Duration `mapstructure:"CREDENTIAL_WAIT"`
	ConnectedGrace   time.Duration `mapstructure:"CONNECTED_GRACE"`
	TerminateTimeout time.Duration `mapstructure:"TERMINATE_TIMEOUT"`
	NotifyTimeout    time.Duration `mapstructure:"NOTIFY_TIMEOUT"`
	SubjectMinDigits int           `mapstructure:"SUBJECT_MIN_DIGITS"`
	SubjectMaxDigits int           `mapstructure:"SUBJECT_MAX_DIGITS"`
	CredentialsDir   string        `mapstructure:"CREDENTIALS_DIR"`

	// External auth adapter.
	Adapter            string        `mapstructure:"ADAPTER"`
	BridgeURL          string        `mapstructure:"BRIDGE_URL"`
	BridgeToken        string        `mapstructure:"BRIDGE_TOKEN"`
	SimCredentialDelay time.Duration `mapstructure:"SIM_CREDENTIAL_DELAY"`
	SimConnectDelay    time.Duration `mapstructure:"SIM_CONNECT_DELAY"`

	// Audit persistence. Empty DatabaseURL disables it.
	DatabaseURL        string `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32  `mapstructure:"DB_MIN_CONNS"`
	DBSchema           string `mapstructure:"DB_SCHEMA"`
	AuditBufferSize    int    `mapstructure:"AUDIT_BUFFER_SIZE"`
	ReadinessRequireDB bool   `mapstructure:"READINESS_REQUIRE_DB"`

	// FingerprintKey keys the subject fingerprints in logs and audit rows.
	// Empty means a random per-process key.
	FingerprintKey string `mapstructure:"FINGERPRINT_KEY"`

	// Realtime gateway.
	WSOriginRequired    bool          `mapstructure:"WS_ORIGIN_REQUIRED"`
	WSAllowedOrigins    string        `mapstructure:"WS_ALLOWED_ORIGINS"`
	WSDevInsecure       bool          `mapstructure:"WS_DEV_INSECURE"`
	WSSendQueueSize     int           `mapstructure:"WS_SEND_QUEUE_SIZE"`
	WSHeartbeatInterval time.Duration `mapstructure:"WS_HEARTBEAT_INTERVAL"`
	WSRateEvents        int           `mapstructure:"WS_RATE_EVENTS"`
	WSRateWindow        time.Duration `mapstructure:"WS_RATE_WINDOW"`
	WSJoinEvents        int           `mapstructure:"WS_JOIN_EVENTS"`
	WSMaxSessions       int           `mapstructure:"WS_MAX_SESSIONS"`

	// SMS notification on Connected. Empty key disables it.
	SMSAPIKey  string `mapstructure:"SMS_API_KEY"`
	SMSBaseURL string `mapstructure:"SMS_BASE_URL"`
	SMSSender  string `mapstructure:"SMS_SENDER"`
}

func setDefaults(v *viper.Viper) {
	pc := pairing.DefaultConfig()
	gc := realtime.DefaultGatewayConfig()

	v.SetDefault("HTTP_ADDR", "0.0.0.0:8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", LogFormatJSON)
	v.SetDefault("HTTP_READ_HEADER_TIMEOUT", 5*time.Second)
	v.SetDefault("HTTP_READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("HTTP_MAX_HEADER_BYTES", 1<<20)
	v.SetDefault("MAX_BODY_BYTES", 16<<10)
	v.SetDefault("SHUTDOWN_TIMEOUT", 10*time.Second)

	v.SetDefault("EXPIRY_BUDGET", pc.ExpiryBudget)
	v.SetDefault("SWEEP_INTERVAL", pc.SweepInterval)
	v.SetDefault("CREDENTIAL_WAIT", pc.CredentialWait)
	v.SetDefault("CONNECTED_GRACE", pc.ConnectedGrace)
	v.SetDefault("TERMINATE_TIMEOUT", pc.TerminateTimeout)
	v.SetDefault("NOTIFY_TIMEOUT", pc.NotifyTimeout)
	v.SetDefault("SUBJECT_MIN_DIGITS", pc.Subject.MinDigits)
	v.SetDefault("SUBJECT_MAX_DIGITS", pc.Subject.MaxDigits)
	v.SetDefault("CREDENTIALS_DIR", "./sessions")

	v.SetDefault("ADAPTER", AdapterSimulated)
	v.SetDefault("BRIDGE_URL", "")
	v.SetDefault("BRIDGE_TOKEN", "")
	v.SetDefault("SIM_CREDENTIAL_DELAY", 500*time.Millisecond)
	v.SetDefault("SIM_CONNECT_DELAY", 0)

	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 0)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("AUDIT_BUFFER_SIZE", 256)
	v.SetDefault("READINESS_REQUIRE_DB", false)

	v.SetDefault("FINGERPRINT_KEY", "")

	v.SetDefault("WS_ORIGIN_REQUIRED", gc.OriginRequired)
	v.SetDefault("WS_ALLOWED_ORIGINS", strings.Join(gc.AllowedOrigins, ","))
	v.SetDefault("WS_DEV_INSECURE", false)
	v.SetDefault("WS_SEND_QUEUE_SIZE", gc.SendQueueSize)
	v.SetDefault("WS_HEARTBEAT_INTERVAL", gc.HeartbeatEvery)
	v.SetDefault("WS_RATE_EVENTS", gc.RateEvents)
	v.SetDefault("WS_RATE_WINDOW", gc.RateWindow)
	v.SetDefault("WS_JOIN_EVENTS", gc.JoinEvents)
	v.SetDefault("WS_MAX_SESSIONS", gc.MaxTopics)

	v.SetDefault("SMS_API_KEY", "")
	v.SetDefault("SMS_BASE_URL", "")
	v.SetDefault("SMS_SENDER", "")
}

// LoadConfig reads an optional .env file, then the PAIRHUB_* environment,
// and validates the result. Environment variables override .env entries.
func LoadConfig(envFile string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if envFile != "" {
		if err := mergeEnvFile(v, envFile); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// mergeEnvFile layers PAIRHUB_* entries of a dotenv file over the defaults.
// A missing file is ignored.
func mergeEnvFile(v *viper.Viper, path string) error {
	f := viper.New()
	f.SetConfigFile(path)
	f.SetConfigType("env")
	if err := f.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || isNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	prefix := strings.ToLower(EnvPrefix) + "_"
	for _, key := range f.AllKeys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		v.SetDefault(strings.ToUpper(strings.TrimPrefix(key, prefix)), f.Get(key))
	}
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	switch strings.ToLower(c.LogFormat) {
	case LogFormatJSON, LogFormatPretty:
	default:
		return fmt.Errorf("config: LOG_FORMAT must be json or pretty, got %q", c.LogFormat)
	}
	if err := c.PairingConfig().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	switch c.Adapter {
	case AdapterSimulated:
	case AdapterBridge:
		u, err := url.Parse(strings.TrimSpace(c.BridgeURL))
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return errors.New("config: BRIDGE_URL must be a ws:// or wss:// URL when ADAPTER=bridge")
		}
	default:
		return fmt.Errorf("config: ADAPTER must be %s or %s, got %q", AdapterSimulated, AdapterBridge, c.Adapter)
	}

	if c.DBMinConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		return errors.New("config: DB_MIN_CONNS must be between 0 and DB_MAX_CONNS")
	}
	if c.ReadinessRequireDB && strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("config: READINESS_REQUIRE_DB=true requires DATABASE_URL")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("config: MAX_BODY_BYTES must be > 0")
	}
	return nil
}

// PairingConfig projects the lifecycle budgets.
func (c Config) PairingConfig() pairing.Config {
	return pairing.Config{
		ExpiryBudget:     c.ExpiryBudget,
		SweepInterval:    c.SweepInterval,
		CredentialWait:   c.CredentialWait,
		ConnectedGrace:   c.ConnectedGrace,
		TerminateTimeout: c.TerminateTimeout,
		NotifyTimeout:    c.NotifyTimeout,
		Subject: pairing.SubjectRules{
			MinDigits: c.SubjectMinDigits,
			MaxDigits: c.SubjectMaxDigits,
		},
	}
}

// GatewayConfig projects the realtime transport policy.
func (c Config) GatewayConfig() realtime.GatewayConfig {
	gc := realtime.DefaultGatewayConfig()
	gc.OriginRequired = c.WSOriginRequired
	gc.AllowedOrigins = splitCSV(c.WSAllowedOrigins)
	gc.DevInsecure = c.WSDevInsecure
	gc.SendQueueSize = c.WSSendQueueSize
	gc.HeartbeatEvery = c.WSHeartbeatInterval
	gc.RateEvents = c.WSRateEvents
	gc.RateWindow = c.WSRateWindow
	gc.JoinEvents = c.WSJoinEvents
	gc.MaxTopics = c.WSMaxSessions
	return gc
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
