// Package auth resolves a connection token against the external codespace
// API. It does not understand the token's contents; it only forwards it
// and interprets the HTTP response.
//
// Grounded on the outbound-HTTP-client shape in
// internal/handlers/notifications.go's webhook POST: an explicit
// *http.Client with a bounded timeout, explicit request construction, and
// an explicit status-code check rather than relying on err == nil.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/streamspace/relayd/internal/logger"
)

// Mode is a connection's capability tag, attached to its Client and
// echoed back in the connect ack.
type Mode string

const (
	ModeEdit     Mode = "edit"
	ModeViewOnly Mode = "view_only"
)

// Result is the outcome of authenticating one token.
type Result struct {
	DocumentID string
	Mode       Mode
}

// Client resolves tokens to (document_id, mode) via the codespace API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an auth client against apiBase, e.g.
// "https://internal-api.example.com".
func NewClient(apiBase string) *Client {
	return &Client{
		baseURL: apiBase,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

type codespaceResponse struct {
	UUID string `json:"uuid"`
	Mode string `json:"mode"`
}

// Authenticate resolves token to a document id and mode.
//
// Per spec: an empty token, a non-200 response, a network error, or a
// non-JSON body are all indistinguishable "invalid token" failures to
// the caller — the distinction between "missing" and "invalid" is made
// by the caller (ConnectionHandler), not here, since only the caller
// knows whether a token was supplied at all.
func (c *Client) Authenticate(ctx context.Context, token string) (Result, bool) {
	if token == "" {
		return Result{}, false
	}

	url := fmt.Sprintf("%s/codespace/%s/?fields=uuid,mode", c.baseURL, token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		logger.Auth().Warn().Err(err).Msg("failed to build auth request")
		return Result{}, false
	}

	resp, err := c.http.Do(req)
	if err != nil {
		logger.Auth().Warn().Err(err).Msg("auth request failed")
		return Result{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Auth().Warn().Int("status", resp.StatusCode).Msg("auth rejected token")
		return Result{}, false
	}

	var body codespaceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		logger.Auth().Warn().Err(err).Msg("auth response was not valid JSON")
		return Result{}, false
	}

	mode := Mode(body.Mode)
	if mode != ModeEdit && mode != ModeViewOnly {
		logger.Auth().Warn().Str("mode", body.Mode).Msg("auth response carried unrecognized mode")
		return Result{}, false
	}

	return Result{DocumentID: body.UUID, Mode: mode}, true
}
