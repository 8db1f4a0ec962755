// Package api provides the HTTP client for the agent server's authoritative
// endpoints: session-status and attention snapshots, message history, and the
// message send path.
//
// These endpoints are the catch-up path. The event stream is best-effort, so
// every poll or history fetch here is treated as ground truth that supersedes
// whatever the stream delivered or failed to deliver.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	ocerrors "github.com/openchamber/client/internal/errors"
	"github.com/openchamber/client/internal/msgsync"
)

// Config holds configuration for the API client.
type Config struct {
	// BaseURL is the server's HTTP(S) base URL, e.g. "https://host:7070".
	BaseURL string

	// Token is the bearer token attached to every request. Empty disables
	// the Authorization header (unauthenticated local hosts).
	Token string

	// HTTPClient overrides the transport; defaults to a client with a
	// 15 second timeout.
	HTTPClient *http.Client
}

// Client talks to the authoritative endpoints. Safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates an API client. The base URL's trailing slash is trimmed
// so path joining is uniform.
func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    hc,
	}
}

// BaseURL returns the configured base URL (without trailing slash).
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SessionStatuses fetches the authoritative status snapshot for all sessions.
// The request carries no session ID; the response covers everything the
// server is tracking, which lets callers detect deleted sessions by absence.
func (c *Client) SessionStatuses(ctx context.Context) (*StatusSnapshot, error) {
	var snap StatusSnapshot
	if err := c.getJSON(ctx, "/session/status", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Attention fetches the authoritative attention snapshot for all sessions.
func (c *Client) Attention(ctx context.Context) (*AttentionSnapshot, error) {
	var snap AttentionSnapshot
	if err := c.getJSON(ctx, "/session/attention", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Messages fetches the full ordered message list for a session. The server
// offers no cursor primitive; incrementality is the reconciler's concern.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]msgsync.Message, error) {
	var msgs []msgsync.Message
	path := "/session/" + url.PathEscape(sessionID) + "/message"
	if err := c.getJSON(ctx, path, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SendMessage submits a prompt to a session. clientID is the caller-generated
// message ID used to correlate the local echo with the server's record.
func (c *Client) SendMessage(ctx context.Context, sessionID, clientID, text string) error {
	body, err := json.Marshal(sendMessageRequest{
		MessageID: clientID,
		Parts:     []msgsync.Part{{Type: "text", Text: text}},
	})
	if err != nil {
		return ocerrors.Wrap(ocerrors.CodeAPIRequestFailed, "encode message", err)
	}

	path := "/session/" + url.PathEscape(sessionID) + "/message"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return ocerrors.Wrap(ocerrors.CodeAPIRequestFailed, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return ocerrors.Wrap(ocerrors.CodeAPIRequestFailed, "send message", err)
	}
	defer resp.Body.Close()

	return statusError(path, resp.StatusCode)
}

// getJSON performs an authorized GET and decodes the JSON response.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return ocerrors.Wrap(ocerrors.CodeAPIRequestFailed, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return ocerrors.Wrap(ocerrors.CodeAPIRequestFailed, fmt.Sprintf("GET %s", path), err)
	}
	defer resp.Body.Close()

	if err := statusError(path, resp.StatusCode); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return ocerrors.Wrap(ocerrors.CodeAPIDecodeFailed, fmt.Sprintf("decode %s response", path), err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// statusError maps an HTTP status to the error taxonomy: 5xx is transient,
// 4xx is terminal, 2xx is nil.
func statusError(path string, status int) error {
	switch {
	case status >= 500:
		return ocerrors.ServerError(path, status)
	case status >= 400:
		return ocerrors.ClientError(path, status)
	default:
		return nil
	}
}
