// Package auth issues and verifies the admin API's bearer tokens.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"access-guard/internal/common/errors"
	httpclient "access-guard/internal/common/http"
	"access-guard/internal/common/logging"
)

const (
	issuer    = "access-guard"
	roleAdmin = "admin"
	// MinSecretLength for HS256 signing keys
	MinSecretLength = 32
)

// Claims carried by admin tokens
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Service signs and validates HS256 tokens
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// New creates a token service. ttl <= 0 defaults to 24h.
func New(secret string, ttl time.Duration) (*Service, error) {
	if len(secret) < MinSecretLength {
		return nil, errors.ConfigError(fmt.Sprintf("admin JWT secret must be at least %d characters", MinSecretLength))
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// IssueToken creates an admin token for subject
func (s *Service) IssueToken(subject string) (string, error) {
	if subject == "" {
		return "", errors.ValidationError("subject is required")
	}
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.New().String(),
		},
		Role: roleAdmin,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ValidateToken parses token and checks signature, expiry, issuer and role
func (s *Service) ValidateToken(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, errors.AuthError("invalid token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.AuthError("invalid token claims")
	}
	if claims.Role != roleAdmin {
		return nil, errors.AuthError("admin role required")
	}
	return claims, nil
}

// RequireAdmin rejects requests without a valid admin bearer token
func (s *Service) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			httpclient.WriteError(w, errors.AuthError("authentication required"))
			return
		}

		claims, err := s.ValidateToken(token)
		if err != nil {
			logging.Component("auth").Warn("Rejected admin token",
				logging.Field{Key: "path", Value: r.URL.Path},
				logging.Field{Key: "remote_addr", Value: r.RemoteAddr},
			)
			httpclient.WriteError(w, err)
			return
		}

		ctx := logging.ContextWithSubject(r.Context(), claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
