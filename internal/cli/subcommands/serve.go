package subcommands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"LunarStudio/internal/config"
	"LunarStudio/internal/pipeline"
	"LunarStudio/internal/runtime"
	"LunarStudio/server"
)

// ServeOptions override the server section of the config.
type ServeOptions struct {
	Host string
	Port int
	Type string
}

// resolveServe merges flag overrides into the configured transport.
func resolveServe(cfg config.ServerConfig, opts ServeOptions) (host string, port int, kind string, err error) {
	host = cfg.Host
	if opts.Host != "" {
		host = opts.Host
	}
	if host == "" {
		host = "127.0.0.1"
	}

	port = cfg.Port
	if opts.Port > 0 {
		port = opts.Port
	}

	kind = strings.ToLower(strings.TrimSpace(cfg.Type))
	if opts.Type != "" {
		kind = strings.ToLower(strings.TrimSpace(opts.Type))
	}
	if kind == "" {
		kind = "http"
	}
	if kind != "http" && kind != "tcp" {
		return "", 0, "", fmt.Errorf("invalid server type: %s (must be http or tcp)", kind)
	}
	return host, port, kind, nil
}

// RunServe exposes the session API until SIGINT or SIGTERM.
func RunServe(ctx context.Context, cfg config.Config, registry runtime.Registry, opts ServeOptions, logger *zap.Logger) int {
	host, port, kind, err := resolveServe(cfg.Server, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	pipe, err := pipeline.New(cfg, registry, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize pipeline: %v\n", err)
		return 1
	}
	defer func() {
		if closeErr := pipe.Close(); closeErr != nil {
			logger.Warn("failed to close pipeline", zap.Error(closeErr))
		}
	}()

	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if kind == "http" {
		err = runHTTPServer(sigCtx, host, port, pipe, logger)
	} else {
		err = runTCPServer(sigCtx, host, port, pipe, logger)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		return 1
	}
	return 0
}

func runHTTPServer(ctx context.Context, host string, port int, pipe *pipeline.Pipeline, logger *zap.Logger) error {
	httpServer := server.NewHTTPServer(host, strconv.Itoa(port), pipe.Sessions(), pipe.Adapter().Name(), logger)

	fmt.Printf("LunarStudio HTTP server listening on http://%s:%d\n", host, port)
	fmt.Printf("  Health:   http://%s:%d/health\n", host, port)
	fmt.Printf("  Sessions: http://%s:%d/v1/sessions\n", host, port)
	fmt.Printf("  Chat API: http://%s:%d/v1/chat\n", host, port)

	err := httpServer.ListenAndServe(ctx)
	fmt.Println("HTTP server shutting down")
	return err
}

func runTCPServer(ctx context.Context, host string, port int, pipe *pipeline.Pipeline, logger *zap.Logger) error {
	tcpServer := server.NewTCPServer(host, strconv.Itoa(port), pipe.Sessions(), logger)
	if err := tcpServer.Start(); err != nil {
		return fmt.Errorf("failed to start TCP server: %w", err)
	}
	fmt.Printf("LunarStudio TCP server listening on %s\n", tcpServer.Addr())

	<-ctx.Done()
	fmt.Println("TCP server shutting down")
	return tcpServer.Stop()
}
