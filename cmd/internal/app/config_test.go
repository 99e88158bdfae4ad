package app

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"pairhub/cmd/internal/pairing"
)

// These tests mutate the process environment and must not run in parallel.

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	def := pairing.DefaultConfig()
	if cfg.HTTPAddr != "0.0.0.0:8080" || cfg.Adapter != AdapterSimulated || cfg.LogFormat != LogFormatJSON {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ExpiryBudget != def.ExpiryBudget || cfg.SweepInterval != def.SweepInterval {
		t.Fatalf("lifecycle defaults = %s/%s", cfg.ExpiryBudget, cfg.SweepInterval)
	}
	if cfg.PairingConfig() != def {
		t.Fatalf("PairingConfig() = %+v, want %+v", cfg.PairingConfig(), def)
	}
	if cfg.DatabaseURL != "" || cfg.DBSchema != "public" {
		t.Fatalf("db defaults = %q/%q", cfg.DatabaseURL, cfg.DBSchema)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("PAIRHUB_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("PAIRHUB_EXPIRY_BUDGET", "10m")
	t.Setenv("PAIRHUB_WS_DEV_INSECURE", "true")
	t.Setenv("PAIRHUB_DB_MAX_CONNS", "4")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.ExpiryBudget != 10*time.Minute {
		t.Fatalf("ExpiryBudget = %s", cfg.ExpiryBudget)
	}
	if !cfg.WSDevInsecure || !cfg.GatewayConfig().DevInsecure {
		t.Fatalf("WSDevInsecure not applied")
	}
	if cfg.DBMaxConns != 4 {
		t.Fatalf("DBMaxConns = %d", cfg.DBMaxConns)
	}
}

func TestLoadConfig_EnvFileUnderEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := strings.Join([]string{
		"PAIRHUB_LOG_LEVEL=debug",
		"PAIRHUB_SUBJECT_MIN_DIGITS=8",
		"PAIRHUB_WS_ALLOWED_ORIGINS=https://a.example.com, https://b.example.com",
		"UNRELATED=1",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("PAIRHUB_LOG_LEVEL", "warn")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("environment must override the file: LogLevel = %q", cfg.LogLevel)
	}
	if cfg.SubjectMinDigits != 8 {
		t.Fatalf("SubjectMinDigits = %d", cfg.SubjectMinDigits)
	}
	want := []string{"https://a.example.com", "https://b.example.com"}
	if got := cfg.GatewayConfig().AllowedOrigins; !reflect.DeepEqual(got, want) {
		t.Fatalf("AllowedOrigins = %v, want %v", got, want)
	}
}

func TestLoadConfig_MissingEnvFileIgnored(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
}

func TestLoadConfig_Rejects(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "log format", env: map[string]string{"PAIRHUB_LOG_FORMAT": "xml"}, want: "LOG_FORMAT"},
		{name: "unknown adapter", env: map[string]string{"PAIRHUB_ADAPTER": "carrier-pigeon"}, want: "ADAPTER"},
		{name: "bridge without url", env: map[string]string{"PAIRHUB_ADAPTER": "bridge"}, want: "BRIDGE_URL"},
		{name: "bridge http url", env: map[string]string{"PAIRHUB_ADAPTER": "bridge", "PAIRHUB_BRIDGE_URL": "http://127.0.0.1:7000"}, want: "BRIDGE_URL"},
		{name: "readiness without db", env: map[string]string{"PAIRHUB_READINESS_REQUIRE_DB": "true"}, want: "DATABASE_URL"},
		{name: "db conns", env: map[string]string{"PAIRHUB_DB_MAX_CONNS": "2", "PAIRHUB_DB_MIN_CONNS": "5"}, want: "DB_MIN_CONNS"},
		{name: "body limit", env: map[string]string{"PAIRHUB_MAX_BODY_BYTES": "0"}, want: "MAX_BODY_BYTES"},
		{name: "zero budget", env: map[string]string{"PAIRHUB_EXPIRY_BUDGET": "0s"}, want: "config:"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig("")
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadConfig_BridgeAccepted(t *testing.T) {
	t.Setenv("PAIRHUB_ADAPTER", "bridge")
	t.Setenv("PAIRHUB_BRIDGE_URL", "ws://127.0.0.1:7000/pair")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Adapter != AdapterBridge {
		t.Fatalf("Adapter = %q", cfg.Adapter)
	}
}

func TestSplitCSV(t *testing.T) {
	t.Parallel()

	got := splitCSV(" a , ,b,")
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("splitCSV = %v", got)
	}
	if got := splitCSV(""); len(got) != 0 {
		t.Fatalf("splitCSV(\"\") = %v", got)
	}
}
