package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/plugwatch/plugwatch/pkg/log"
)

// bypassUserID is used in bypass mode when the request has no X-User-ID.
const bypassUserID = "local"

// allowNoLogin lists the API paths reachable without a user.
var allowNoLogin = map[string]bool{
	"/api/auth/login":  true,
	"/api/auth/status": true,
}

// authMiddleware resolves the user id from the auth_token cookie or a bearer
// token and stores it in the request context. In bypass mode the id comes
// from X-User-ID.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))

		var userID string
		if s.bypassAuth {
			userID = strings.TrimSpace(r.Header.Get("X-User-ID"))
			if userID == "" {
				userID = bypassUserID
			}
		} else {
			token, err := requestToken(r)
			if err != nil {
				log.Ctx(ctx).WarnContext(ctx, "invalid auth header", slog.Any("error", err))
				writeJSONError(w, "invalid auth header", http.StatusBadRequest)
				return
			}
			if token != "" {
				_, subject, _, err := s.authenticateToken(ctx, token)
				if err != nil {
					log.Ctx(ctx).WarnContext(ctx, "auth token validation failed", slog.Any("error", err))
					s.clearCookie(w)
					if !allowNoLogin[r.URL.Path] {
						writeJSONError(w, "invalid auth token", http.StatusUnauthorized)
						return
					}
				}
				userID = subject
			}
		}

		if userID == "" && !allowNoLogin[r.URL.Path] {
			log.Ctx(ctx).WarnContext(ctx, "unauthenticated request")
			writeJSONError(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		if userID != "" {
			ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("authUserID", userID)))
			ctx = context.WithValue(ctx, userIDContextKey, userID)
		}
		log.Ctx(ctx).DebugContext(ctx, "authenticated request", slog.Bool("bypass", s.bypassAuth))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestToken returns the bearer token, falling back to the auth cookie.
func requestToken(r *http.Request) (string, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || token == "" {
			return "", errors.New("expected a bearer token")
		}
		return token, nil
	}
	authCookie, err := r.Cookie(authTokenCookie)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return "", nil
		}
		return "", err
	}
	return authCookie.Value, nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// since we failed to read, don't return JSON error
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	_, subject, expires, err := s.authenticateToken(r.Context(), req.Token)
	if err != nil {
		log.Ctx(r.Context()).WarnContext(r.Context(), "failed to validate id token", slog.Any("error", err))
		writeJSONError(w, "invalid id token", http.StatusUnauthorized)
		return
	}

	log.Ctx(r.Context()).InfoContext(r.Context(), "login token validated successfully", slog.String("subject", subject))

	http.SetCookie(w, &http.Cookie{
		Name:     authTokenCookie,
		Value:    req.Token,
		Expires:  expires,
		HttpOnly: true,
		Secure:   true,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
	})

	w.WriteHeader(http.StatusOK)
}

func (s *Server) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     authTokenCookie,
		Value:    "",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   true,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

// handleLogout stops polling for the user, which flushes their usage.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.getUserID(r)
	if err := s.poller.Unwatch(ctx, userID); err != nil {
		// the tracker keeps retrying dirty usage on its own
		log.Ctx(ctx).WarnContext(ctx, "failed to unwatch user on logout", slog.Any("error", err))
	}
	s.clearCookie(w)
	w.WriteHeader(http.StatusOK)
}

type authStatusResponse struct {
	LoggedIn     bool              `json:"loggedIn"`
	UserID       string            `json:"userId,omitempty"`
	AuthRequired bool              `json:"authRequired"`
	ClientIDs    map[string]string `json:"clientIDs"`
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(userIDContextKey).(string)
	writeJSON(w, authStatusResponse{
		LoggedIn:     userID != "",
		UserID:       userID,
		AuthRequired: !s.bypassAuth,
		ClientIDs:    s.oidcAudiences,
	})
}

// authenticateToken tries every configured verifier and returns the email,
// subject and expiry of the first that accepts the token.
func (s *Server) authenticateToken(ctx context.Context, token string) (string, string, time.Time, error) {
	var errs []error

	for providerName, verifier := range s.oidcVerifiers {
		idToken, err := verifier(ctx, token)
		if err == nil && idToken.Subject == "" {
			err = errors.New("token has no subject")
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s verifier failed: %v", providerName, err))
			continue
		}
		// email is informational only, the subject is the user id
		var claims struct {
			Email string `json:"email"`
		}
		if err := idToken.Claims(&claims); err != nil {
			log.Ctx(ctx).DebugContext(ctx, "failed to read id token claims", slog.Any("error", err))
		}
		return claims.Email, providerName + ":" + idToken.Subject, idToken.Expiry, nil
	}

	if len(errs) > 1 {
		return "", "", time.Time{}, errors.Join(errs...)
	}
	if len(errs) == 1 {
		return "", "", time.Time{}, errs[0]
	}
	return "", "", time.Time{}, errors.New("no valid audiences configured or token invalid")
}
