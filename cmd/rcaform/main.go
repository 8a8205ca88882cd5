// Package main is the entry point for the rcaform server.
//
// rcaform collects form submissions into a single JSON collection document
// kept in a pluggable remote store, with a local mirror used when the remote
// cannot be reached. Configuration is read from a YAML file, a .env file in
// the data directory, the environment and CLI flags.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/invopop/jsonschema"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/LettoKarvat/RCAFORM/internal/collection"
	"github.com/LettoKarvat/RCAFORM/internal/config"
	"github.com/LettoKarvat/RCAFORM/internal/server"
	"github.com/LettoKarvat/RCAFORM/internal/server/handlers"
	"github.com/LettoKarvat/RCAFORM/internal/server/ipgeo"
	"github.com/LettoKarvat/RCAFORM/internal/server/ratelimit"
	"github.com/LettoKarvat/RCAFORM/internal/storage/backend"
	"github.com/LettoKarvat/RCAFORM/internal/storage/entity"
	"github.com/LettoKarvat/RCAFORM/internal/storage/mirror"
	"github.com/LettoKarvat/RCAFORM/internal/storage/versioned"
)

const pushTimeout = time.Minute

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "rcaform: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	def := config.Default()
	version := flag.Bool("version", false, "Print version and exit")
	printSchema := flag.Bool("print-schema", false, "Print the JSON schema of a stored record and exit")
	configPath := flag.String("config", "", "YAML configuration file (optional)")
	httpAddr := flag.String("http", def.HTTP, "Address to listen on (e.g., localhost:8080, :8080, 0.0.0.0:8080). Use 0.0.0.0:port to listen on all interfaces.")
	dataDir := flag.String("data-dir", def.DataDir, "Data directory, holding .env, the mirror and local backends")
	logLevel := flag.String("log-level", def.LogLevel, "Log level (debug, info, warn, error)")
	geoDB := flag.String("geo-db", "", "Path to MaxMind MMDB file for IP geolocation (optional)")
	adminKey := flag.String("admin-key", "", "Secret expected in the x-admin-key header; empty leaves admin routes open")
	backendKind := flag.String("backend", def.Backend.Kind, "Backend kind ("+strings.Join(config.Kinds, ", ")+")")
	flag.Parse()
	if len(flag.Args()) > 0 {
		return fmt.Errorf("unknown arguments: %v", flag.Args())
	}

	if *version {
		printVersion()
		return nil
	}
	if *printSchema {
		return writeSchema()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	slog.SetDefault(newLogger(ll))

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	if set["data-dir"] {
		cfg.DataDir = *dataDir
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	env, err := config.ReadDotEnv(filepath.Join(cfg.DataDir, ".env"))
	if err != nil {
		return fmt.Errorf("failed to read .env: %w", err)
	}
	if err := cfg.ApplyEnv(config.Lookup(env)); err != nil {
		return err
	}
	if set["http"] {
		cfg.HTTP = *httpAddr
	}
	if set["log-level"] {
		cfg.LogLevel = *logLevel
	}
	if set["geo-db"] {
		cfg.GeoDB = *geoDB
	}
	if set["admin-key"] {
		cfg.Admin.Secret = *adminKey
	}
	if set["backend"] {
		cfg.Backend.Kind = *backendKind
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	switch cfg.LogLevel {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	}

	// Normalize addr: ":8080" becomes "localhost:8080"
	addr := cfg.HTTP
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}

	var m *mirror.Mirror
	if cfg.Mirror.Dir != "-" {
		dir := cfg.Mirror.Dir
		if dir == "" {
			dir = filepath.Join(cfg.DataDir, "mirror")
		}
		if m, err = mirror.Open(dir); err != nil {
			return err
		}
	}

	b, closer, err := openBackend(ctx, cfg, m)
	if err != nil {
		return fmt.Errorf("failed to open %s backend: %w", cfg.Backend.Kind, err)
	}
	defer func() {
		if err := closer.Close(); err != nil {
			slog.ErrorContext(ctx, "Failed to close backend", "backend", b.Name(), "err", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	store := versioned.New(b, versioned.Options{
		Retries:   cfg.Store.Retries,
		Timeout:   cfg.Store.Timeout,
		Serialize: cfg.Store.Serialize,
		Metrics:   versioned.NewMetrics(reg),
	})
	svc := collection.New(store, collection.Options{Mirror: m, Key: cfg.Mirror.Key})

	if f, ok := b.(*backend.File); ok {
		err := f.Watch(ctx, func() {
			if err := svc.Refresh(ctx); err != nil {
				slog.WarnContext(ctx, "Failed to reload collection file", "path", f.Path(), "err", err)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to watch %s: %w", f.Path(), err)
		}
	}
	if err := svc.Refresh(ctx); err != nil {
		slog.WarnContext(ctx, "Backend not reachable at startup, serving from the mirror", "backend", b.Name(), "err", err)
	}

	// Watch own executable for modifications (for development restarts)
	if err := watchExecutable(ctx, stop); err != nil {
		return fmt.Errorf("failed to watch executable: %w", err)
	}

	var geoChecker *ipgeo.Checker
	if cfg.GeoDB != "" {
		geoChecker, err = ipgeo.Open(cfg.GeoDB)
		if err != nil {
			return fmt.Errorf("failed to open geo database: %w", err)
		}
		defer func() { _ = geoChecker.Close() }()
		slog.InfoContext(ctx, "IP geolocation enabled", "db", cfg.GeoDB)
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.SubmitPerMin > 0 {
		limiter = ratelimit.NewLimiter(cfg.RateLimit.SubmitPerMin, time.Minute, cfg.RateLimit.Burst)
		defer limiter.Close()
	}

	// Sessions are signed with a per-process key; restarting logs admins out.
	jwtSecret := make([]byte, 32)
	if _, err := rand.Read(jwtSecret); err != nil {
		return err
	}
	if cfg.Admin.Secret == "" {
		slog.WarnContext(ctx, "No admin secret configured, admin routes are open")
	}

	buildVersion, _, _, _ := getBuildInfo()
	hcfg := &handlers.Config{
		AdminKey:     cfg.Admin.Secret,
		RequireAdmin: cfg.Admin.RequireSecret,
		JWTSecret:    jwtSecret,
		SessionTTL:   cfg.Admin.SessionTTL,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Version:      buildVersion,
		IPGeo:        geoChecker,
		Submit:       limiter,
	}
	services := &handlers.Services{Collection: svc, Backend: b.Name()}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.NewRouter(services, hcfg, reg),
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "Starting server", "addr", addr, "backend", b.Name(), "version", buildVersion)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		slog.InfoContext(ctx, "Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		slog.InfoContext(ctx, "Server stopped")
	}
	return nil
}

func newLogger(ll *slog.LevelVar) *slog.Logger {
	// Skip timestamps when running under systemd (it adds its own).
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	return slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			if a.Key == "ip" {
				if v := a.Value.String(); v == "127.0.0.1" || v == "::1" {
					return slog.Attr{}
				}
			}
			skip := false
			switch t := a.Value.Any().(type) {
			case string:
				skip = t == ""
			case bool:
				skip = !t
			case int64:
				skip = t == 0
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	}))
}

// writeSchema prints the JSON schema of the stored record shape.
func writeSchema() error {
	r := jsonschema.Reflector{ExpandedStruct: true}
	s := r.Reflect(&entity.Record{})
	s.Title = "rcaform record"
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("rcaform %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}

// watchExecutable watches the current executable for modifications and calls
// stop to trigger graceful shutdown when detected.
func watchExecutable(ctx context.Context, stop context.CancelFunc) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(exe); err != nil {
		_ = w.Close()
		return err
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Chmod) {
					slog.InfoContext(ctx, "Executable modified, initiating shutdown")
					stop()
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "Error watching executable", "err", err)
			}
		}
	}()
	return nil
}
