package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var testSecret = []byte("test-secret-0123456789")

func TestConsoleTokenRoundTrip(t *testing.T) {
	tok, exp, err := IssueConsoleToken(testSecret, "agent-7", time.Hour)
	if err != nil {
		t.Fatalf("IssueConsoleToken: %v", err)
	}
	if time.Until(exp) < 59*time.Minute {
		t.Fatalf("unexpected expiry %v", exp)
	}

	claims, err := ParseConsoleToken(testSecret, "agent-7", tok)
	if err != nil {
		t.Fatalf("ParseConsoleToken: %v", err)
	}
	if claims.Subject != "agent-7" || claims.Issuer != "agentdesk" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestConsoleTokenRejections(t *testing.T) {
	other, _, _ := IssueConsoleToken(testSecret, "agent-9", time.Hour)
	if _, err := ParseConsoleToken(testSecret, "agent-7", other); !errors.Is(err, ErrTokenSubject) {
		t.Errorf("other agent's token: err = %v, want ErrTokenSubject", err)
	}

	expired, _, _ := IssueConsoleToken(testSecret, "agent-7", -time.Minute)
	if _, err := ParseConsoleToken(testSecret, "agent-7", expired); err == nil {
		t.Error("expired token accepted")
	}

	tok, _, _ := IssueConsoleToken(testSecret, "agent-7", time.Hour)
	if _, err := ParseConsoleToken([]byte("wrong"), "agent-7", tok); err == nil {
		t.Error("token signed with another secret accepted")
	}
}

func TestRequireConsoleToken(t *testing.T) {
	tok, _, _ := IssueConsoleToken(testSecret, "agent-7", time.Hour)

	var subject string
	handler := RequireConsoleToken(testSecret, "agent-7")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"malformed header", "Token " + tok, "", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", "", http.StatusUnauthorized},
		{"bearer header", "Bearer " + tok, "", http.StatusOK},
		{"query parameter", "", "?access_token=" + tok, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject = ""
			req := httptest.NewRequest(http.MethodGet, "/api/v1/state"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rr.Code)
			}
			if tt.want == http.StatusOK && subject != "agent-7" {
				t.Fatalf("expected subject agent-7 in context, got %q", subject)
			}
		})
	}
}
