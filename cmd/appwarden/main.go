// Command appwarden runs the safety-gated control plane for Appwrite
// tenants: stdio or HTTP tool host, plus operational subcommands.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/fathom-labs/appwarden/pkg/api"
	"github.com/fathom-labs/appwarden/pkg/appwrite"
	"github.com/fathom-labs/appwarden/pkg/audit"
	"github.com/fathom-labs/appwarden/pkg/config"
	"github.com/fathom-labs/appwarden/pkg/confirm"
	"github.com/fathom-labs/appwarden/pkg/control"
	"github.com/fathom-labs/appwarden/pkg/executor"
	"github.com/fathom-labs/appwarden/pkg/observability"
	"github.com/fathom-labs/appwarden/pkg/plan"
	"github.com/fathom-labs/appwarden/pkg/policy"
	"github.com/fathom-labs/appwarden/pkg/scopes"
	"github.com/fathom-labs/appwarden/pkg/target"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Exposed for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(args[1:], stdout, stderr)
	}
	switch args[1] {
	case "serve":
		return runServe(args[2:], stdout, stderr)
	case "http":
		return runHTTP(args[2:], stdout, stderr)
	case "doctor":
		return runDoctor(args[2:], stdout, stderr)
	case "catalog":
		return runCatalog(stdout)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprint(w, `appwarden - safety-gated control plane for Appwrite tenants

Usage:
  appwarden serve   [-config path]            serve tools over stdio (default)
  appwarden http    [-config path] [-addr a]  serve tools over HTTP
  appwarden doctor  [-config path]            validate config and probe upstreams
  appwarden catalog                           print the scope catalog
  appwarden export  [-config path] [-out f]   write an audit evidence pack
  appwarden help                              show this help
`)
}

type runtime struct {
	cfg      *config.Config
	svc      *control.Service
	sink     audit.Sink
	provider *observability.Provider
	cleanup  func()
}

func buildRuntime(ctx context.Context, configPath string, logger *slog.Logger) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	confirmSvc, err := confirm.NewService(cfg.Confirmation.Secret)
	if err != nil {
		return nil, err
	}
	if err := confirmSvc.GuardProduction(cfg.Environment); err != nil {
		return nil, err
	}

	var engine *policy.Engine
	if len(cfg.Policy.Rules) > 0 {
		rules := make([]policy.Rule, len(cfg.Policy.Rules))
		for i, r := range cfg.Policy.Rules {
			rules[i] = policy.Rule{Name: r.Name, Expr: r.Expr}
		}
		engine, err = policy.New(cfg.Policy.Tag, rules)
		if err != nil {
			return nil, err
		}
	}

	sink, closeSink, err := buildSink(cfg)
	if err != nil {
		return nil, err
	}

	provider, err := observability.New(ctx, nil)
	if err != nil {
		closeSink()
		return nil, err
	}

	adapter := appwrite.NewClient(appwrite.Options{
		ResponseFormat: cfg.Adapter.ResponseFormat,
		Timeout:        time.Duration(cfg.Adapter.TimeoutMs) * time.Millisecond,
		MaxRetries:     cfg.Adapter.MaxRetries,
		BaseDelay:      time.Duration(cfg.Adapter.BaseDelayMs) * time.Millisecond,
		MaxDelay:       time.Duration(cfg.Adapter.MaxDelayMs) * time.Millisecond,
		RetryStatuses:  cfg.Adapter.RetryStatuses,
		RateLimit:      rate.Limit(cfg.Adapter.RateLimitPerSecond),
		RateBurst:      cfg.Adapter.RateBurst,
		Logger:         logger,
	})

	exec := executor.New(executor.Options{
		Dispatcher:  adapter,
		ProjectAuth: cfg.ProjectAuth(),
		Management:  cfg.ManagementAuth(),
		Sink:        sink,
		Logger:      logger,
	})

	// The tag participates in the plan hash even when no rules are loaded.
	plans := plan.NewManager(plan.DefaultTTL, cfg.Policy.Tag)
	plans.StartGC(ctx, time.Minute)
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				exec.SweepIdempotency(30 * time.Minute)
			}
		}
	}()

	svc := control.New(control.Options{
		Resolver:        target.NewResolver(cfg.AliasMap(), cfg.KnownProjectIDs(), cfg.AutoTargets(), cfg.DefaultSelector()),
		Plans:           plans,
		Confirm:         confirmSvc,
		Executor:        exec,
		Policy:          engine,
		Logger:          logger,
		LegacyUpdateOff: cfg.LegacyUserUpdateDisabled(),
	})

	return &runtime{
		cfg:      cfg,
		svc:      svc,
		sink:     sink,
		provider: provider,
		cleanup: func() {
			closeSink()
			_ = provider.Shutdown(context.Background())
		},
	}, nil
}

func buildSink(cfg *config.Config) (audit.Sink, func(), error) {
	switch cfg.Audit.Backend {
	case "", "memory":
		return audit.NewMemorySink(), func() {}, nil
	case "sqlite":
		path := cfg.Audit.SQLitePath
		if path == "" {
			path = "appwarden-audit.db"
		}
		s, err := audit.OpenSQLiteSink(path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := audit.OpenPostgresSink(cfg.Audit.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Audit.RedisAddr})
		return audit.NewRedisSink(client, cfg.Audit.RedisKey), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown audit backend %q", cfg.Audit.Backend)
	}
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "appwarden.json", "path to the configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := newLogger(stderr)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, *configPath, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer rt.cleanup()

	logger.Info("serving tools over stdio", "projects", len(rt.cfg.Projects))
	host := api.NewStdioHost(api.NewDispatcher(rt.svc, logger), logger)
	if err := host.Serve(ctx, os.Stdin, stdout); err != nil && ctx.Err() == nil {
		logger.Error("stdio host failed", "error", err)
		return 1
	}
	return 0
}

func runHTTP(args []string, _, stderr io.Writer) int {
	fs := flag.NewFlagSet("http", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "appwarden.json", "path to the configuration file")
	addr := fs.String("addr", "", "listen address (overrides server.http_addr)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := newLogger(stderr)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, *configPath, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer rt.cleanup()

	listen := *addr
	if listen == "" {
		listen = rt.cfg.Server.HTTPAddr
	}
	if listen == "" {
		listen = ":8787"
	}

	var handler http.Handler = api.NewHTTPHost(api.NewDispatcher(rt.svc, logger), logger).Handler()
	if auth := api.NewJWTAuth(rt.cfg.Server.JWTSecret); auth != nil {
		handler = auth.Middleware(handler)
	}
	if rps := rt.cfg.Server.RateLimitPerSecond; rps > 0 {
		limiter := api.NewRateLimiter(rps, rt.cfg.Server.RateBurst)
		defer limiter.Close()
		handler = limiter.Middleware(handler)
	}

	srv := &http.Server{
		Addr:              listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving tools over http", "addr", listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("http host failed", "error", err)
		return 1
	}
	return 0
}

func runDoctor(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "appwarden.json", "path to the configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: FAIL: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "config: OK (%d projects, %d aliases)\n", len(cfg.Projects), len(cfg.AliasMap()))

	client := &http.Client{Timeout: 5 * time.Second}
	failures := 0
	for id, auth := range cfg.ProjectAuth() {
		req, err := http.NewRequest(http.MethodGet, auth.Endpoint+"/health", nil)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "project %s: FAIL: %v\n", id, err)
			failures++
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "project %s: FAIL: %v\n", id, err)
			failures++
			continue
		}
		_ = resp.Body.Close()
		_, _ = fmt.Fprintf(stdout, "project %s: OK (%s -> %d)\n", id, auth.Endpoint, resp.StatusCode)
	}
	if failures > 0 {
		return 1
	}
	return 0
}

func runCatalog(stdout io.Writer) int {
	_, _ = fmt.Fprintf(stdout, "scope catalog %s\n", scopes.CatalogVersion)
	all := scopes.All()
	actions := scopes.Actions()
	sort.Strings(actions)
	for _, action := range actions {
		_, _ = fmt.Fprintf(stdout, "  %-40s %v\n", action, all[action])
	}
	return 0
}

func runExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "appwarden.json", "path to the configuration file")
	out := fs.String("out", "audit-pack.zip", "output file for the evidence pack")
	upload := fs.Bool("upload", false, "also upload the pack to the configured S3 bucket")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	sink, closeSink, err := buildSink(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "audit sink: %v\n", err)
		return 1
	}
	defer closeSink()

	ctx := context.Background()
	var uploader audit.Uploader
	if *upload && cfg.Audit.S3Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Audit.S3Region))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "aws config: %v\n", err)
			return 1
		}
		uploader = audit.NewS3Uploader(s3.NewFromConfig(awsCfg), cfg.Audit.S3Bucket)
	}

	pack, checksum, location, err := audit.NewExporter(sink, uploader).GeneratePack(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}
	if err := os.WriteFile(*out, pack, 0o600); err != nil {
		_, _ = fmt.Fprintf(stderr, "write %s: %v\n", *out, err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "wrote %s (sha256 %s)\n", *out, checksum)
	if location != "" {
		_, _ = fmt.Fprintf(stdout, "uploaded to %s\n", location)
	}
	return 0
}

func newLogger(w io.Writer) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	return logger
}
