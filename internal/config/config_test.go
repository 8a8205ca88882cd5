package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func mapLookup(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoad(t *testing.T) {
	t.Run("empty path", func(t *testing.T) {
		cfg, err := Load("")
		if err != nil {
			t.Fatal(err)
		}
		if cfg.HTTP != "localhost:8080" || cfg.Backend.Kind != KindFile || cfg.Store.Timeout != 10*time.Second {
			t.Errorf("unexpected defaults: %+v", cfg)
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("defaults do not validate: %v", err)
		}
	})
	t.Run("yaml", func(t *testing.T) {
		p := writeFile(t, "rcaform.yaml", `
http: ":9000"
admin:
  secret: s3cret
  session_ttl: 1h
backend:
  kind: redis
  url: redis://localhost:6379/0
store:
  retries: 3
  timeout: 2s
ratelimit:
  submit_per_min: 0
`)
		cfg, err := Load(p)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.HTTP != ":9000" {
			t.Errorf("HTTP = %q", cfg.HTTP)
		}
		if cfg.Admin.Secret != "s3cret" || cfg.Admin.SessionTTL != time.Hour {
			t.Errorf("Admin = %+v", cfg.Admin)
		}
		if cfg.Backend.Kind != KindRedis || cfg.Backend.URL != "redis://localhost:6379/0" {
			t.Errorf("Backend = %+v", cfg.Backend)
		}
		// Keys absent from the file keep their defaults.
		if cfg.Backend.Branch != "main" || cfg.Collection.Path != "rca_form_data.json" {
			t.Errorf("defaults lost: %+v", cfg)
		}
		if cfg.Store.Retries != 3 || cfg.Store.Timeout != 2*time.Second || !cfg.Store.Serialize {
			t.Errorf("Store = %+v", cfg.Store)
		}
		if cfg.RateLimit.SubmitPerMin != 0 || cfg.RateLimit.Burst != 10 {
			t.Errorf("RateLimit = %+v", cfg.RateLimit)
		}
	})
	t.Run("empty file", func(t *testing.T) {
		cfg, err := Load(writeFile(t, "empty.yaml", ""))
		if err != nil {
			t.Fatal(err)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q", cfg.LogLevel)
		}
	})
	t.Run("unknown key", func(t *testing.T) {
		if _, err := Load(writeFile(t, "bad.yaml", "backend:\n  knd: redis\n")); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("missing file", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(mapLookup(map[string]string{
		"ADMIN_PASSWORD":        "pw",
		"BACKEND":               "blob",
		"BLOB_READ_WRITE_TOKEN": "tok",
		"BACKEND_URL":           "https://blob.example/rca/data.json",
		"STORE_TIMEOUT":         "3s",
		"STORE_RETRIES":         "2",
		"LOG_LEVEL":             "",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Admin.Secret != "pw" {
		t.Errorf("Secret = %q", cfg.Admin.Secret)
	}
	if cfg.Backend.Kind != KindBlob || cfg.Backend.Token != "tok" || cfg.Backend.URL != "https://blob.example/rca/data.json" {
		t.Errorf("Backend = %+v", cfg.Backend)
	}
	if cfg.Store.Timeout != 3*time.Second || cfg.Store.Retries != 2 {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("empty value applied: LogLevel = %q", cfg.LogLevel)
	}

	t.Run("later aliases win", func(t *testing.T) {
		cfg := Default()
		if err := cfg.ApplyEnv(mapLookup(map[string]string{"BACKEND_URL": "a", "REDIS_URL": "b"})); err != nil {
			t.Fatal(err)
		}
		if cfg.Backend.URL != "b" {
			t.Errorf("URL = %q", cfg.Backend.URL)
		}
	})
	t.Run("invalid", func(t *testing.T) {
		for _, k := range []string{"STORE_RETRIES", "STORE_TIMEOUT", "ADMIN_REQUIRE_SECRET", "RATELIMIT_SUBMIT_PER_MIN"} {
			cfg := Default()
			err := cfg.ApplyEnv(mapLookup(map[string]string{k: "lots"}))
			if err == nil || !strings.Contains(err.Error(), k) {
				t.Errorf("%s: got %v", k, err)
			}
		}
	})
}

func TestLookup(t *testing.T) {
	t.Setenv("RCAFORM_TEST_A", "from-process")
	t.Setenv("RCAFORM_TEST_B", "from-process")
	l := Lookup(map[string]string{"RCAFORM_TEST_A": "from-file", "RCAFORM_TEST_B": ""})
	if v, _ := l("RCAFORM_TEST_A"); v != "from-file" {
		t.Errorf("A = %q", v)
	}
	if v, _ := l("RCAFORM_TEST_B"); v != "from-process" {
		t.Errorf("B = %q", v)
	}
	if _, ok := l("RCAFORM_TEST_MISSING"); ok {
		t.Error("missing variable found")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		want   string
	}{
		{"defaults", func(*Config) {}, ""},
		{"memory", func(c *Config) { c.Backend.Kind = KindMemory }, ""},
		{"sqlite", func(c *Config) { c.Backend.Kind = KindSQLite }, ""},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log level"},
		{"require secret", func(c *Config) { c.Admin.RequireSecret = true; c.Admin.Secret = "  " }, "require_secret"},
		{"require secret set", func(c *Config) { c.Admin.RequireSecret = true; c.Admin.Secret = "x" }, ""},
		{"retries", func(c *Config) { c.Store.Retries = -1 }, "retries"},
		{"timeout", func(c *Config) { c.Store.Timeout = 0 }, "timeout"},
		{"rate", func(c *Config) { c.RateLimit.SubmitPerMin = -5 }, "submit_per_min"},
		{"format", func(c *Config) { c.Collection.Format = "xml" }, "collection.format"},
		{"file path", func(c *Config) { c.Collection.Path = "" }, "collection.path"},
		{"github", func(c *Config) { c.Backend.Kind = KindGitHub }, "backend.owner"},
		{"blob", func(c *Config) { c.Backend.Kind = KindBlob }, "backend.url"},
		{"jsonbin", func(c *Config) { c.Backend.Kind = KindJSONBin }, "backend.master_key"},
		{"redis", func(c *Config) { c.Backend.Kind = KindRedis }, "backend.url"},
		{"postgres", func(c *Config) { c.Backend.Kind = KindPostgres }, "backend.dsn"},
		{"unknown kind", func(c *Config) { c.Backend.Kind = "s3" }, "unknown backend.kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("got %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestValidate_joinsErrors(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "loud"
	cfg.Store.Retries = -1
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"log level", "retries"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("%q missing from %v", want, err)
		}
	}
}

func TestReadDotEnv(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		env, err := ReadDotEnv(filepath.Join(t.TempDir(), ".env"))
		if err != nil {
			t.Fatal(err)
		}
		if len(env) != 0 {
			t.Errorf("env = %v", env)
		}
	})
	t.Run("parse", func(t *testing.T) {
		p := writeFile(t, ".env", `# admin
ADMIN_PASSWORD=hunter2
export BACKEND = redis

REDIS_URL='redis://h:6379/1'
GREETING="line\tone"
not a pair
EMPTY=
`)
		env, err := ReadDotEnv(p)
		if err != nil {
			t.Fatal(err)
		}
		want := map[string]string{
			"ADMIN_PASSWORD": "hunter2",
			"BACKEND":        "redis",
			"REDIS_URL":      "redis://h:6379/1",
			"GREETING":       "line\tone",
			"EMPTY":          "",
		}
		if len(env) != len(want) {
			t.Errorf("env = %v", env)
		}
		for k, v := range want {
			if env[k] != v {
				t.Errorf("%s = %q, want %q", k, env[k], v)
			}
		}
	})
	t.Run("unbalanced", func(t *testing.T) {
		for _, line := range []string{"A='x", "A=x'", "A='", `A="x`} {
			if _, err := ReadDotEnv(writeFile(t, ".env", line+"\n")); err == nil {
				t.Errorf("%s: expected error", line)
			}
		}
	})
}
