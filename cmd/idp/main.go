// Command idp runs the standalone identity provider the gateway
// authenticates against.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"authgw/server"
	"authgw/web"
)

func main() {
	configPath := flag.String("config", os.Getenv("AUTHGW_IDP_CONFIG"), "Path to YAML config")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, ok := web.ParseLogLevel(*logLevel)
	if !ok {
		log.Fatalf("invalid log level %q", *logLevel)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	app, err := server.NewApp(cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopRotate := make(chan struct{})
	app.JWKS.StartRotation(stopRotate)
	defer close(stopRotate)

	web.Serve(ctx, logger, web.ServeOptions{
		DevMode:   cfg.Server.DevMode,
		DevAddr:   cfg.Server.ListenAddr,
		HTTPAddr:  cfg.Server.HTTPListenAddr,
		HTTPSAddr: cfg.Server.HTTPSListenAddr,
		Domains:   cfg.Server.TLS.Domains,
		Email:     cfg.Server.TLS.Email,
		CacheDir:  cfg.Server.TLS.CacheDir,
	}, app.Routes())
}
