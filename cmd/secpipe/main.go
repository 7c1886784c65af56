// Command secpipe serves a small demo site behind the security pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nosytlabs/secpipe"
	"github.com/nosytlabs/secpipe/config"
	"github.com/nosytlabs/secpipe/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "secpipe: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := secpipe.New(ctx, cfg)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newRouter(stack),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		stack.Logger.Info("starting server", logging.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			_ = stack.Shutdown(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	stack.Logger.Info("shutting down")
	err = server.Shutdown(shutdownCtx)
	return errors.Join(err, stack.Shutdown(shutdownCtx))
}

// parseFlags maps command line flags onto load options. Only flags that were
// set become overrides.
func parseFlags(args []string) (config.LoadOptions, error) {
	fs := flag.NewFlagSet("secpipe", flag.ContinueOnError)

	var opts config.LoadOptions
	fs.StringVar(&opts.Environment, "env", os.Getenv("SECPIPE_ENV"), "environment preset (development or production)")
	fs.StringVar(&opts.File, "config", "", "YAML or JSON configuration file")

	addr := fs.String("addr", "", "listen address")
	logLevel := fs.String("log-level", "", "log level")
	logFormat := fs.String("log-format", "", "log format (json or text)")
	store := fs.String("ratelimit-store", "", "rate limit store (memory or redis)")
	redisAddr := fs.String("redis-addr", "", "redis address for the rate limit store")
	secret := fs.String("csrf-secret", os.Getenv("SECPIPE_CSRF_SECRET"), "CSRF signing secret")
	exporter := fs.String("trace-exporter", "", "trace exporter (noop, stdout, otlp, jaeger)")
	alerting := fs.Bool("alerting", false, "enable security alerts")
	webhook := fs.String("alert-webhook", "", "URL that receives alert batches")
	proxies := fs.String("trusted-proxies", "", "comma separated proxy IPs or CIDRs whose forwarding headers are trusted")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	o := &opts.Overrides
	if set["addr"] {
		o.Addr = addr
	}
	if set["log-level"] {
		o.LogLevel = logLevel
	}
	if set["log-format"] {
		o.LogFormat = logFormat
	}
	if set["ratelimit-store"] {
		o.RateLimitStore = store
	}
	if set["redis-addr"] {
		o.RedisAddr = redisAddr
	}
	if set["csrf-secret"] || *secret != "" {
		o.CSRFSecret = secret
	}
	if set["trace-exporter"] {
		o.TelemetryExporter = exporter
	}
	if set["alerting"] {
		o.Alerting = alerting
	}
	if set["alert-webhook"] {
		o.AlertWebhook = webhook
	}
	if set["trusted-proxies"] {
		o.TrustedProxies = []string{}
		for _, p := range strings.Split(*proxies, ",") {
			if p = strings.TrimSpace(p); p != "" {
				o.TrustedProxies = append(o.TrustedProxies, p)
			}
		}
	}
	return opts, nil
}
