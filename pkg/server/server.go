package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/plugwatch/plugwatch/pkg/credentials"
	"github.com/plugwatch/plugwatch/pkg/integration"
	"github.com/plugwatch/plugwatch/pkg/log"
	"github.com/plugwatch/plugwatch/pkg/metrics"
	"github.com/plugwatch/plugwatch/pkg/poller"
	"github.com/plugwatch/plugwatch/pkg/storage"
	"github.com/plugwatch/plugwatch/pkg/usage"
)

const authTokenCookie = "auth_token"

type contextKey string

const userIDContextKey contextKey = "userID"

// tokenVerifier validates an OIDC ID token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

var oidcIssuers = map[string]string{
	"google": "https://accounts.google.com",
	"apple":  "https://appleid.apple.com",
}

// Server is the JSON API in front of the integration registry, the usage
// tracker and the poller.
type Server struct {
	registry    *integration.Registry
	credentials *credentials.Store
	tracker     *usage.Tracker
	poller      *poller.Poller
	storage     storage.Database

	listenAddr string
	httpServer *http.Server

	oidcAudiences map[string]string
	oidcVerifiers map[string]tokenVerifier
	bypassAuth    bool
	historyDays   int
	serverName    string
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(
	registry *integration.Registry,
	creds *credentials.Store,
	tracker *usage.Tracker,
	p *poller.Poller,
	s storage.Database,
) *Server {
	srv := &Server{
		registry:    registry,
		credentials: creds,
		tracker:     tracker,
		poller:      p,
		storage:     s,
		historyDays: 7,
		serverName:  "plugwatch",
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	oidcAudiences := map[string]string{}
	lflag.JSON(&oidcAudiences, "oidc-audiences", oidcAudiences, "JSON map of provider (google/apple) to audience/client ID")
	bypassAuth := lflag.Bool("auth-bypass", false, "Trust the X-User-ID header instead of verifying ID tokens (development only)")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.bypassAuth = *bypassAuth
		if len(oidcAudiences) == 0 {
			if !srv.bypassAuth {
				log.Ctx(context.Background()).Error("oidc-audiences is required unless auth-bypass is set")
				os.Exit(1)
			}
			return
		}
		srv.oidcAudiences = make(map[string]string, len(oidcAudiences))
		srv.oidcVerifiers = make(map[string]tokenVerifier, len(oidcAudiences))
		for n, a := range oidcAudiences {
			issuer, ok := oidcIssuers[n]
			if !ok {
				log.Ctx(context.Background()).Error("unsupported oidc audience client", slog.String("client", n))
				os.Exit(1)
			}
			provider, err := oidc.NewProvider(context.Background(), issuer)
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.String("issuer", issuer), slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcVerifiers[n] = provider.Verifier(&oidc.Config{ClientID: a}).Verify
			srv.oidcAudiences[n] = a
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)
	apiMux.HandleFunc("POST /api/auth/login", s.handleLogin)
	apiMux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	apiMux.HandleFunc("GET /api/integrations", s.handleListIntegrations)
	apiMux.HandleFunc("GET /api/integrations/{provider}/devices", s.handleListDevices)
	apiMux.HandleFunc("GET /api/integrations/{provider}/devices/{device}/status", s.handleDeviceStatus)
	apiMux.HandleFunc("POST /api/integrations/{provider}/devices/{device}/commands", s.handleDeviceCommand)
	apiMux.HandleFunc("PUT /api/integrations/{provider}/token", s.handleSaveToken)
	apiMux.HandleFunc("DELETE /api/integrations/{provider}/token", s.handleDeleteToken)
	apiMux.HandleFunc("POST /api/integrations/{provider}/usage", s.handleSyncUsage)
	apiMux.HandleFunc("GET /api/usage/live", s.handleLiveUsage)
	apiMux.HandleFunc("GET /api/usage/history", s.handleUsageHistory)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

func (s *Server) getUserID(r *http.Request) string {
	if userID, ok := r.Context().Value(userIDContextKey).(string); ok {
		return userID
	}
	// we want to have a stack trace when this happens
	panic("no userID in context")
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
