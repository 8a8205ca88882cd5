// Package config loads the server configuration.
//
// Values come, by increasing precedence, from built-in defaults, a YAML file,
// the environment (a .env file in the data directory, then the process
// environment) and command line flags. Flags are applied by the caller.
package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend kinds.
const (
	KindMemory   = "memory"
	KindFile     = "file"
	KindGit      = "git"
	KindGitHub   = "github"
	KindBlob     = "blob"
	KindJSONBin  = "jsonbin"
	KindRedis    = "redis"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
)

// Kinds lists the supported backend kinds.
var Kinds = []string{KindMemory, KindFile, KindGit, KindGitHub, KindBlob, KindJSONBin, KindRedis, KindSQLite, KindPostgres}

// Config is the server configuration.
type Config struct {
	HTTP         string `yaml:"http"`
	DataDir      string `yaml:"data_dir"`
	LogLevel     string `yaml:"log_level"`
	GeoDB        string `yaml:"geo_db"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`

	Admin      Admin      `yaml:"admin"`
	Backend    Backend    `yaml:"backend"`
	Collection Collection `yaml:"collection"`
	Store      Store      `yaml:"store"`
	Mirror     Mirror     `yaml:"mirror"`
	RateLimit  RateLimit  `yaml:"ratelimit"`
}

// Admin configures the admin gate.
type Admin struct {
	// Secret is the expected x-admin-key value. Empty leaves admin routes
	// open unless RequireSecret is set.
	Secret string `yaml:"secret"`

	RequireSecret bool          `yaml:"require_secret"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
}

// Backend selects and configures the remote store.
type Backend struct {
	Kind string `yaml:"kind"`

	// Path is the directory of the file and git backends and the database
	// file of the sqlite backend.
	Path  string `yaml:"path"`
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	DSN   string `yaml:"dsn"`

	// GitHub contents API.
	Owner   string `yaml:"owner"`
	Repo    string `yaml:"repo"`
	Branch  string `yaml:"branch"`
	BaseURL string `yaml:"base_url"`

	// Git.
	Remote      string        `yaml:"remote"`
	AuthorName  string        `yaml:"author_name"`
	AuthorEmail string        `yaml:"author_email"`
	PushDelay   time.Duration `yaml:"push_delay"`

	// JSONBin.
	BinID     string `yaml:"bin_id"`
	MasterKey string `yaml:"master_key"`
	AccessKey string `yaml:"access_key"`
}

// Collection locates the collection document within the backend.
type Collection struct {
	// Name keys the document in the redis and sql backends.
	Name string `yaml:"name"`

	// Path is the document path in the file, git and github backends.
	Path string `yaml:"path"`

	// Format is "json" or "module". Empty picks by Path extension.
	Format string `yaml:"format"`
}

// Store configures the read-modify-write cycles.
type Store struct {
	Retries   int           `yaml:"retries"`
	Timeout   time.Duration `yaml:"timeout"`
	Serialize bool          `yaml:"serialize"`
}

// Mirror configures the local copy of the collection.
type Mirror struct {
	// Dir defaults to <data_dir>/mirror. "-" disables the mirror.
	Dir string `yaml:"dir"`
	Key string `yaml:"key"`
}

// RateLimit throttles public submissions per client address.
type RateLimit struct {
	// SubmitPerMin is the number of submissions allowed per minute. Zero
	// disables the limit.
	SubmitPerMin int `yaml:"submit_per_min"`

	Burst int `yaml:"burst"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		HTTP:         "localhost:8080",
		DataDir:      "./data",
		LogLevel:     "info",
		MaxBodyBytes: 1 << 20,
		Admin:        Admin{SessionTTL: 12 * time.Hour},
		Backend: Backend{
			Kind:        KindFile,
			Branch:      "main",
			AuthorName:  "rcaform",
			AuthorEmail: "rcaform@localhost",
			PushDelay:   5 * time.Second,
		},
		Collection: Collection{Name: "rca_form_data", Path: "rca_form_data.json"},
		Store:      Store{Retries: 1, Timeout: 10 * time.Second, Serialize: true},
		Mirror:     Mirror{Key: "rca_form_data"},
		RateLimit:  RateLimit{SubmitPerMin: 30, Burst: 10},
	}
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path returns the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is an operator supplied flag
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	d := yaml.NewDecoder(bytes.NewReader(data))
	d.KnownFields(true)
	if err := d.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// EnvVars lists the environment variables read by ApplyEnv, in the order they
// are applied.
var EnvVars = []string{
	"HTTP", "LOG_LEVEL", "GEO_DB",
	"ADMIN_PASSWORD", "ADMIN_REQUIRE_SECRET",
	"BACKEND", "BACKEND_PATH", "BACKEND_URL", "REDIS_URL", "BACKEND_TOKEN", "BLOB_READ_WRITE_TOKEN", "GITHUB_TOKEN", "DATABASE_URL",
	"GITHUB_OWNER", "GITHUB_REPO", "GITHUB_BRANCH", "GIT_REMOTE",
	"JSONBIN_BIN_ID", "JSONBIN_MASTER_KEY", "JSONBIN_ACCESS_KEY",
	"COLLECTION_NAME", "COLLECTION_PATH", "COLLECTION_FORMAT",
	"STORE_RETRIES", "STORE_TIMEOUT", "MIRROR_DIR", "RATELIMIT_SUBMIT_PER_MIN",
}

// ApplyEnv overlays the variables found by lookup. Empty values are ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, k := range EnvVars {
		v, ok := lookup(k)
		if !ok || v == "" {
			continue
		}
		if err := c.setEnv(k, v); err != nil {
			return fmt.Errorf("invalid %s: %w", k, err)
		}
	}
	return nil
}

func (c *Config) setEnv(k, v string) error {
	var err error
	switch k {
	case "HTTP":
		c.HTTP = v
	case "LOG_LEVEL":
		c.LogLevel = v
	case "GEO_DB":
		c.GeoDB = v
	case "ADMIN_PASSWORD":
		c.Admin.Secret = v
	case "ADMIN_REQUIRE_SECRET":
		c.Admin.RequireSecret, err = strconv.ParseBool(v)
	case "BACKEND":
		c.Backend.Kind = v
	case "BACKEND_PATH":
		c.Backend.Path = v
	case "BACKEND_URL", "REDIS_URL":
		c.Backend.URL = v
	case "BACKEND_TOKEN", "BLOB_READ_WRITE_TOKEN", "GITHUB_TOKEN":
		c.Backend.Token = v
	case "DATABASE_URL":
		c.Backend.DSN = v
	case "GITHUB_OWNER":
		c.Backend.Owner = v
	case "GITHUB_REPO":
		c.Backend.Repo = v
	case "GITHUB_BRANCH":
		c.Backend.Branch = v
	case "GIT_REMOTE":
		c.Backend.Remote = v
	case "JSONBIN_BIN_ID":
		c.Backend.BinID = v
	case "JSONBIN_MASTER_KEY":
		c.Backend.MasterKey = v
	case "JSONBIN_ACCESS_KEY":
		c.Backend.AccessKey = v
	case "COLLECTION_NAME":
		c.Collection.Name = v
	case "COLLECTION_PATH":
		c.Collection.Path = v
	case "COLLECTION_FORMAT":
		c.Collection.Format = v
	case "STORE_RETRIES":
		c.Store.Retries, err = strconv.Atoi(v)
	case "STORE_TIMEOUT":
		c.Store.Timeout, err = time.ParseDuration(v)
	case "MIRROR_DIR":
		c.Mirror.Dir = v
	case "RATELIMIT_SUBMIT_PER_MIN":
		c.RateLimit.SubmitPerMin, err = strconv.Atoi(v)
	default:
		err = fmt.Errorf("unknown variable %s", k)
	}
	return err
}

// Lookup returns a lookup function reading env first, then the process
// environment.
func Lookup(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		if v, ok := env[k]; ok && v != "" {
			return v, true
		}
		return os.LookupEnv(k)
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level: %q", c.LogLevel))
	}
	if c.Admin.RequireSecret && strings.TrimSpace(c.Admin.Secret) == "" {
		errs = append(errs, errors.New("admin.require_secret is set but admin.secret is empty"))
	}
	if c.Store.Retries < 0 {
		errs = append(errs, errors.New("store.retries must not be negative"))
	}
	if c.Store.Timeout <= 0 {
		errs = append(errs, errors.New("store.timeout must be positive"))
	}
	if c.RateLimit.SubmitPerMin < 0 {
		errs = append(errs, errors.New("ratelimit.submit_per_min must not be negative"))
	}
	switch c.Collection.Format {
	case "", "json", "module":
	default:
		errs = append(errs, fmt.Errorf("unknown collection.format: %q", c.Collection.Format))
	}
	b := &c.Backend
	need := func(v, name string) {
		if v == "" {
			errs = append(errs, fmt.Errorf("backend %s requires %s", b.Kind, name))
		}
	}
	switch b.Kind {
	case KindMemory:
	case KindFile, KindGit:
		need(c.Collection.Path, "collection.path")
	case KindGitHub:
		need(b.Owner, "backend.owner")
		need(b.Repo, "backend.repo")
		need(c.Collection.Path, "collection.path")
	case KindBlob:
		need(b.URL, "backend.url")
	case KindJSONBin:
		need(b.MasterKey, "backend.master_key")
	case KindRedis:
		need(b.URL, "backend.url")
	case KindSQLite:
	case KindPostgres:
		need(b.DSN, "backend.dsn")
	default:
		errs = append(errs, fmt.Errorf("unknown backend.kind %q, want one of %s", b.Kind, strings.Join(Kinds, ", ")))
	}
	return errors.Join(errs...)
}

// ReadDotEnv parses a .env file. A missing file yields an empty map.
func ReadDotEnv(path string) (map[string]string, error) {
	env := make(map[string]string)
	f, err := os.Open(path) //nolint:gosec // G304: path is built from the data directory flag
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return env, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		val = strings.TrimSpace(val)
		if strings.HasPrefix(val, "'") || strings.HasSuffix(val, "'") {
			if len(val) < 2 || !strings.HasPrefix(val, "'") || !strings.HasSuffix(val, "'") {
				return nil, fmt.Errorf("unbalanced single quotes in .env: %s", key)
			}
			val = val[1 : len(val)-1]
		} else if strings.HasPrefix(val, `"`) {
			unquoted, err := strconv.Unquote(val)
			if err != nil {
				return nil, fmt.Errorf("failed to unquote %s: %w", key, err)
			}
			val = unquoted
		}
		env[key] = val
	}
	return env, s.Err()
}
