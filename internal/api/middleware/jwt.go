package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type consoleContextKey string

const consoleSubjectKey consoleContextKey = "console_subject"

const tokenIssuer = "agentdesk"

// DefaultConsoleTokenTTL is the lifetime of a console token.
const DefaultConsoleTokenTTL = 12 * time.Hour

// ErrTokenSubject is returned when a token does not belong to this agent.
var ErrTokenSubject = errors.New("token subject mismatch")

// ConsoleClaims are the JWT claims carried by an agent console token.
type ConsoleClaims struct {
	jwt.RegisteredClaims
}

// IssueConsoleToken signs a token that lets a console drive agentID's
// calls.
func IssueConsoleToken(secret []byte, agentID string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := ConsoleClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
			Subject:   agentID,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ParseConsoleToken validates raw and checks it was issued for agentID.
func ParseConsoleToken(secret []byte, agentID, raw string) (*ConsoleClaims, error) {
	claims := &ConsoleClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Issuer != tokenIssuer {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Subject != agentID {
		return nil, ErrTokenSubject
	}
	return claims, nil
}

// RequireConsoleToken returns middleware that accepts a bearer token, or
// an access_token query parameter for browser websocket clients that
// cannot set headers.
func RequireConsoleToken(secret []byte, agentID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			claims, err := ParseConsoleToken(secret, agentID, raw)
			if err != nil {
				slog.Debug("console auth: invalid jwt", "error", err)
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), consoleSubjectKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if q := r.URL.Query().Get("access_token"); q != "" {
		return q, true
	}
	return "", false
}

// SubjectFromContext returns the agent ID of the authenticated console.
func SubjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(consoleSubjectKey).(string)
	return s
}
