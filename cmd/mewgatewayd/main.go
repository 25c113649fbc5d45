// Command mewgatewayd runs a single MEW space gateway: it loads a space
// configuration file, exposes the WebSocket and REST bindings, and appends
// every admission/ingestion decision to an append-only audit log.
//
// # Configuration
//
// Environment variables:
//
//	MEW_SPACE_CONFIG   - path to the space YAML config (required)
//	MEW_ADDR           - HTTP listen address (default ":8080")
//	MEW_AUDIT_LOG      - path to the local ndjson audit log (default "./audit.ndjson")
//	MEW_REDIS_URL      - optional Redis URL; when set, audit entries are
//	                     mirrored to a Redis stream alongside the file sink
//	MEW_AUDIT_STREAM   - Redis stream name for the audit mirror (default "mew:audit")
//
// # Example
//
//	MEW_SPACE_CONFIG=./space.yaml MEW_ADDR=:8080 mewgatewayd
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/mew-space/mew/audit"
	"github.com/mew-space/mew/config"
	"github.com/mew-space/mew/gateway"
	"github.com/mew-space/mew/telemetry"
	"github.com/mew-space/mew/transport"
)

// shutdownGrace bounds how long Shutdown waits for queued outbound traffic
// to flush before the process exits.
const shutdownGrace = 5 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := os.Getenv("MEW_SPACE_CONFIG")
	if configPath == "" {
		return fmt.Errorf("MEW_SPACE_CONFIG is required")
	}
	addr := envOr("MEW_ADDR", ":8080")
	auditLogPath := envOr("MEW_AUDIT_LOG", "./audit.ndjson")
	redisURL := os.Getenv("MEW_REDIS_URL")
	auditStream := envOr("MEW_AUDIT_STREAM", "mew:audit")

	spaceCfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load space config: %w", err)
	}

	sink, err := buildAuditSink(auditLogPath, redisURL, auditStream)
	if err != nil {
		return fmt.Errorf("build audit sink: %w", err)
	}

	obs := gateway.NewObservability(
		telemetry.NewClueLogger(),
		telemetry.NewOTelMetrics("mew/gateway"),
		telemetry.NewOTelTracer("mew/gateway"),
	)

	space := gateway.New(spaceCfg, gateway.Options{
		Audit:         sink,
		Observability: obs,
	})

	spaces := transport.StaticSpaces{Name: spaceCfg.ID, Space: space}
	ws := &transport.WebSocketHandler{Spaces: spaces}
	rest := &transport.RESTHandler{Spaces: spaces}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	ws.Mount(r)
	rest.Mount(r)

	srv := &http.Server{Addr: addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("mewgatewayd: space %q listening on %s", spaceCfg.ID, addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-space.Fatal():
		// An audit sink that stops accepting entries halts the
		// space; the process exits non-zero rather than keep serving with
		// admission silently disabled.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return fmt.Errorf("space entered fatal state: %w", space.FatalErr())
	case <-ctx.Done():
	}

	log.Printf("mewgatewayd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	space.Shutdown(shutdownCtx)
	return srv.Shutdown(shutdownCtx)
}

func buildAuditSink(filePath, redisURL, stream string) (audit.Sink, error) {
	fileSink, err := audit.NewFileSink(filePath)
	if err != nil {
		return nil, err
	}
	if redisURL == "" {
		return fileSink, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing MEW_REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	return audit.MultiSink{Sinks: []audit.Sink{fileSink, audit.NewRedisSink(client, stream)}}, nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
