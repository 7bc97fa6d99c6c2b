package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Credential is a short-lived token used to register the telephony endpoint.
type Credential struct {
	Token string
	// ExpiresAt is read from the token's exp claim when the token is a JWT.
	// Zero means the expiry is unknown.
	ExpiresAt time.Time
}

// Expired reports whether the credential is known to be expired at now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// CallAck is the backend's acknowledgement of an outbound call request.
type CallAck struct {
	CallID string `json:"call_id,omitempty"`
	// ConferenceRef is set when the backend bridges the customer leg into a
	// conference that the agent's device should join.
	ConferenceRef string `json:"conference_ref,omitempty"`
}

type credentialResponse struct {
	Token string `json:"token"`
}

type callRequest struct {
	Destination string `json:"destination"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Client talks to the telephony backend's REST endpoints.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a backend client for baseURL
// (e.g., "https://support.example.com").
func NewClient(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// FetchCredential requests a fresh telephony credential for agentID.
func (c *Client) FetchCredential(ctx context.Context, agentID string) (Credential, error) {
	endpoint := c.baseURL + "/telephony/credential/" + url.PathEscape(agentID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Credential{}, fmt.Errorf("backend: creating credential request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	respBody, err := c.do(httpReq)
	if err != nil {
		return Credential{}, fmt.Errorf("backend: fetching credential: %w", err)
	}

	var cr credentialResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return Credential{}, fmt.Errorf("backend: decoding credential response: %w", err)
	}
	if cr.Token == "" {
		return Credential{}, fmt.Errorf("backend: credential response has empty token")
	}

	cred := Credential{Token: cr.Token, ExpiresAt: tokenExpiry(cr.Token)}

	slog.Debug("telephony credential fetched",
		"agent_id", agentID,
		"expires_at", cred.ExpiresAt,
	)

	return cred, nil
}

// InitiateCall asks the backend to place an outbound call from agentID to
// destination. The returned acknowledgement only means the request was
// accepted; media setup is reported separately by the telephony endpoint.
func (c *Client) InitiateCall(ctx context.Context, agentID, destination string) (CallAck, error) {
	endpoint := c.baseURL + "/agents/" + url.PathEscape(agentID) + "/call"

	body, err := json.Marshal(callRequest{Destination: destination})
	if err != nil {
		return CallAck{}, fmt.Errorf("backend: marshalling call request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return CallAck{}, fmt.Errorf("backend: creating call request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	respBody, err := c.do(httpReq)
	if err != nil {
		return CallAck{}, fmt.Errorf("backend: initiating call: %w", err)
	}

	var ack CallAck
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, &ack); err != nil {
			return CallAck{}, fmt.Errorf("backend: decoding call response: %w", err)
		}
	}

	slog.Debug("outbound call initiated",
		"agent_id", agentID,
		"call_id", ack.CallID,
		"conference_ref", ack.ConferenceRef,
	)

	return ack, nil
}

// do sends req and returns the body of a 2xx response. Other statuses are
// turned into errors carrying the backend's error message when present.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var er errorResponse
		if json.Unmarshal(respBody, &er) == nil && er.Error != "" {
			return nil, fmt.Errorf("backend error (status %d): %s", resp.StatusCode, er.Error)
		}
		return nil, fmt.Errorf("backend returned status %d", resp.StatusCode)
	}

	return respBody, nil
}

// tokenExpiry returns the exp claim of a JWT without verifying it. The
// signature belongs to the telephony provider; we only need the expiry to
// avoid registering with a stale token. Opaque tokens yield a zero time.
func tokenExpiry(token string) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// Configured returns true if the client has a base URL.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}
