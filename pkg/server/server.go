package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/common"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/coordinator"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/log"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/storage"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
)

const authTokenCookie = "auth_token"

type contextKey string

const emailContextKey contextKey = "email"

// tokenVerifier is a function that validates a Google ID Token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server exposes the HTTP API: status, histories, settings and manual
// controls for the optimiser.
type Server struct {
	storage storage.Database
	coord   *coordinator.Coordinator

	listenAddr string
	httpServer *http.Server

	adminEmails  []string
	oidcVerifier tokenVerifier
	bypassAuth   bool
	serverName   string
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(db storage.Database, coord *coordinator.Coordinator) *Server {
	srv := &Server{
		storage:    db,
		coord:      coord,
		serverName: "goodwe-optimiser",
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed to use the API")
	oidcAudience := lflag.String("oidc-audience", "", "Google OIDC audience/client ID to validate tokens against")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *adminEmails != "" {
			srv.adminEmails = strings.Split(*adminEmails, ",")
			for i, email := range srv.adminEmails {
				srv.adminEmails[i] = strings.TrimSpace(email)
			}
		}
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcVerifier = provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify
		}
		if srv.oidcVerifier == nil && len(srv.adminEmails) == 0 {
			srv.bypassAuth = true
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/settings", s.handleGetSettings)
	apiMux.HandleFunc("POST /api/settings", s.handleUpdateSettings)
	apiMux.HandleFunc("GET /api/history/decisions", s.handleHistoryDecisions)
	apiMux.HandleFunc("GET /api/history/scores", s.handleHistoryScores)
	apiMux.HandleFunc("GET /api/history/prices", s.handleHistoryPrices)
	apiMux.HandleFunc("GET /api/history/telemetry", s.handleHistoryTelemetry)
	apiMux.HandleFunc("POST /api/evaluate", s.handleEvaluate)
	apiMux.HandleFunc("POST /api/reset-emergency", s.handleResetEmergency)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.serverHeaderMiddleware(gziphandler.GzipHandler(mux))
}

// authMiddleware validates the caller's identity via the auth cookie or a
// bearer token. When no audience or admin list is configured, auth is
// bypassed for local use.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.bypassAuth {
			next.ServeHTTP(w, r)
			return
		}
		if s.oidcVerifier == nil {
			http.Error(w, "no oidc audience configured", http.StatusUnauthorized)
			return
		}

		rawToken := ""
		if cookie, err := r.Cookie(authTokenCookie); err == nil {
			rawToken = cookie.Value
		} else if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
				rawToken = parts[1]
			}
		}
		if rawToken == "" {
			http.Error(w, "missing authentication", http.StatusUnauthorized)
			return
		}

		ctx := r.Context()
		token, err := s.oidcVerifier(ctx, rawToken)
		if err != nil {
			slog.WarnContext(ctx, "failed to validate id token", slog.Any("error", err))
			http.Error(w, "invalid id token", http.StatusUnauthorized)
			return
		}

		var claims struct {
			Email string `json:"email"`
		}
		if err := token.Claims(&claims); err != nil || claims.Email == "" {
			http.Error(w, "invalid token claims", http.StatusForbidden)
			return
		}

		var allowed bool
		for _, admin := range s.adminEmails {
			if claims.Email == admin {
				allowed = true
				break
			}
		}
		if !allowed {
			slog.WarnContext(ctx, "unauthorized email", slog.String("email", claims.Email))
			http.Error(w, "unauthorized email", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, emailContextKey, claims.Email)))
	})
}

func (s *Server) serverHeaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName+"/"+common.Version)
		next.ServeHTTP(w, r)
	})
}

// Run starts the HTTP server and blocks until the context is canceled or an
// error occurs. It also handles graceful shutdown when the context is done.
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
		// Context canceled, shut down gracefully
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
