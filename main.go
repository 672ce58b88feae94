package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"authgw/gateway"
	"authgw/server"
	"authgw/web"
)

func main() {
	configPath := flag.String("config", os.Getenv("AUTHGW_CONFIG"), "Path to YAML config")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	withIDP := flag.Bool("with-idp", false, "Also run the identity provider with its default test users (dev mode only)")
	flag.Parse()

	level, ok := web.ParseLogLevel(*logLevel)
	if !ok {
		log.Fatalf("invalid log level %q", *logLevel)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		log.Fatalf("init gateway: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopJanitor := make(chan struct{})
	gw.Auth.StartJanitor(stopJanitor)
	defer close(stopJanitor)

	if *withIDP {
		if !cfg.Server.DevMode {
			log.Fatal("-with-idp requires dev mode")
		}
		if err := runEmbeddedIDP(ctx, cfg.OIDC.Authority, logger); err != nil {
			log.Fatalf("start embedded idp: %v", err)
		}
	}

	web.Serve(ctx, logger, web.ServeOptions{
		DevMode:   cfg.Server.DevMode,
		DevAddr:   cfg.Server.ListenAddr,
		HTTPAddr:  cfg.Server.HTTPListenAddr,
		HTTPSAddr: cfg.Server.HTTPSListenAddr,
		Domains:   cfg.Server.TLS.Domains,
		Email:     cfg.Server.TLS.Email,
		CacheDir:  cfg.Server.TLS.CacheDir,
	}, gw.Routes(galleryApp(gw)))
}

// runEmbeddedIDP starts the identity provider on its default listen address
// inside the gateway process. The issuer is forced to the gateway's
// configured authority so discovery and ID-token verification line up.
func runEmbeddedIDP(ctx context.Context, authority string, logger *slog.Logger) error {
	idpCfg := server.DefaultConfig()
	idpCfg.Server.PublicURL = authority
	if err := idpCfg.Validate(); err != nil {
		return err
	}

	app, err := server.NewApp(idpCfg, logger.With("component", "idp"))
	if err != nil {
		return err
	}

	stopRotate := make(chan struct{})
	app.JWKS.StartRotation(stopRotate)

	srv := &http.Server{
		Addr:         idpCfg.Server.ListenAddr,
		Handler:      app.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		logger.Info("embedded idp listening", "addr", idpCfg.Server.ListenAddr, "issuer", authority)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("embedded idp server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		close(stopRotate)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	return nil
}

func loadConfig(path string) (gateway.Config, error) {
	if path == "" {
		if _, err := os.Stat("./config.yaml"); err == nil {
			path = "./config.yaml"
		}
	}
	return gateway.LoadConfig(path)
}

// galleryApp is the protected application mounted behind the authentication
// middleware. It exposes the signed-in user's identity the way the image
// gallery front end consumes it.
func galleryApp(gw *gateway.Gateway) http.Handler {
	r := chi.NewRouter()

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/profile", http.StatusFound)
	})

	r.Get("/profile", func(w http.ResponseWriter, r *http.Request) {
		p, ok := gateway.PrincipalFromContext(r.Context())
		if !ok {
			http.Error(w, "no session", http.StatusUnauthorized)
			return
		}
		web.WriteJSON(w, map[string]any{
			"subject":    p.Subject,
			"claims":     p.Claims,
			"expires_at": p.ExpiresAt,
		})
	})

	// The user's address is never kept in the session. It is fetched from the
	// provider on demand, once per request that needs it.
	r.Get("/profile/address", func(w http.ResponseWriter, r *http.Request) {
		token := gateway.BearerTokenFromContext(r.Context())
		if token == "" {
			http.Error(w, "no access token in session", http.StatusForbidden)
			return
		}
		provider, _, err := gw.Discovery.Get(r.Context(), gw.Config.OIDC.Authority)
		if err != nil {
			gw.Logger.Error("discovery failed", "error", err)
			http.Error(w, "identity provider unavailable", http.StatusServiceUnavailable)
			return
		}
		address, err := gw.Enricher.FetchClaim(r.Context(), provider, token, gateway.ClaimAddress)
		if err != nil {
			var cerr *gateway.ClaimsRetrievalError
			if errors.As(err, &cerr) {
				http.Error(w, "claims retrieval failed", http.StatusBadGateway)
				return
			}
			http.Error(w, "address unavailable", http.StatusInternalServerError)
			return
		}
		web.WriteJSON(w, map[string]string{"address": address})
	})

	return r
}
