package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"extrato-queue/internal/models"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// AgentTokenHeader carries the shared secret of the generation agent
const AgentTokenHeader = "X-Agent-Token"

// SessionClaims are the claims of a requester session token
type SessionClaims struct {
	jwt.RegisteredClaims
	IsAdmin bool `json:"is_admin,omitempty"`
}

// IssueToken signs a session token for userID with HS256
func IssueToken(secret string, userID int64, admin bool, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("JWT secret not set")
	}
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  strconv.FormatInt(userID, 10),
			IssuedAt: jwt.NewNumericDate(now),
		},
		IsAdmin: admin,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken verifies a session token and returns the requester it names
func ParseToken(secret, tokenString string) (models.Requester, error) {
	if secret == "" {
		return models.Requester{}, errors.New("JWT secret not set")
	}

	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return models.Requester{}, fmt.Errorf("failed to verify token: %w", err)
	}
	if !token.Valid {
		return models.Requester{}, errors.New("invalid token")
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return models.Requester{}, fmt.Errorf("sub claim %q is not a user id", claims.Subject)
	}
	return models.Requester{ID: id, Admin: claims.IsAdmin}, nil
}

type requesterKey struct{}

func withRequester(ctx context.Context, req models.Requester) context.Context {
	return context.WithValue(ctx, requesterKey{}, req)
}

func requesterFrom(ctx context.Context) models.Requester {
	req, _ := ctx.Value(requesterKey{}).(models.Requester)
	return req
}

// requireSession authenticates requesters with a bearer session token
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(tokenString) == "" {
			s.writeError(w, r, fmt.Errorf("missing bearer token: %w", models.ErrUnauthorized))
			return
		}

		req, err := ParseToken(s.cfg.JWTSecret, strings.TrimSpace(tokenString))
		if err != nil {
			s.logger.Debug("session rejected", "error", err)
			s.writeError(w, r, fmt.Errorf("invalid session: %w", models.ErrUnauthorized))
			return
		}
		next.ServeHTTP(w, r.WithContext(withRequester(r.Context(), req)))
	})
}

// requireAgent authenticates the generation agent with the shared token
func (s *Server) requireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AgentToken == "" {
			s.logger.Error("agent token not configured", "path", r.URL.Path)
			writeJSON(w, http.StatusInternalServerError, errorBody{Detail: "agent token not configured"})
			return
		}

		got := r.Header.Get(AgentTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AgentToken)) != 1 {
			s.writeError(w, r, fmt.Errorf("bad agent token: %w", models.ErrUnauthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}
