// Package auth implements the device-authorization flow against the agent
// server and the local persistence of the tokens it yields.
//
// The flow is the familiar two-step: start a grant, show the user a code and
// a verification URL, then poll the token endpoint until the user approves
// (or the grant dies). Polling respects the server's requested interval,
// slows down when asked to, and rides out transport blips with backoff
// without giving up on the grant.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openchamber/client/internal/backoff"
	ocerrors "github.com/openchamber/client/internal/errors"
)

const (
	defaultPollInterval = 5 * time.Second
	slowDownStep        = 5 * time.Second
)

// Grant is an in-progress device authorization.
type Grant struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"` // seconds
	Interval        int    `json:"interval"`   // seconds
}

// Token is an issued bearer token.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
	ExpiresIn   int    `json:"expires_in,omitempty"` // seconds, zero means no expiry
}

// deviceGrantType is the OAuth grant type sent on each token poll.
const deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// tokenResponse is the poll endpoint's body: either a token or a grant error.
type tokenResponse struct {
	Token
	GrantError string `json:"error,omitempty"`
}

// FlowConfig holds configuration for a device-authorization flow.
type FlowConfig struct {
	// BaseURL is the server's HTTP(S) base URL.
	BaseURL string

	// ClientName identifies this client in the start request.
	ClientName string

	// Backoff governs retries after transport failures while polling.
	// It is independent of the server-requested poll interval. Zero value
	// means Default().
	Backoff backoff.Policy

	// HTTPClient overrides the transport.
	HTTPClient *http.Client

	// sleep is a test seam.
	sleep func(ctx context.Context, d time.Duration) error
}

// Flow runs one device authorization against one server.
type Flow struct {
	cfg    FlowConfig
	policy backoff.Policy
	http   *http.Client
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewFlow creates a device-authorization flow.
func NewFlow(cfg FlowConfig) *Flow {
	policy := cfg.Backoff
	if policy.Base1 == 0 {
		policy = backoff.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	sleep := cfg.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	return &Flow{cfg: cfg, policy: policy, http: hc, sleep: sleep}
}

// Start opens a device grant. The caller shows the returned user code and
// verification URI to the user, then calls Poll.
func (f *Flow) Start(ctx context.Context) (*Grant, error) {
	body, _ := json.Marshal(map[string]string{"client_name": f.cfg.ClientName})

	resp, err := f.post(ctx, "/auth/device/start", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ocerrors.New(ocerrors.CodeAuthFlowFailed,
			fmt.Sprintf("device start returned HTTP %d", resp.StatusCode))
	}

	var grant Grant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, ocerrors.Wrap(ocerrors.CodeAuthFlowFailed, "decode device grant", err)
	}
	if grant.DeviceCode == "" || grant.UserCode == "" {
		return nil, ocerrors.New(ocerrors.CodeAuthFlowFailed, "device grant missing codes")
	}
	return &grant, nil
}

// Poll waits for the user to approve the grant and returns the issued token.
// It sleeps the server-requested interval between attempts, stretches the
// interval when the server says slow_down, and retries transport failures
// with backoff. Terminal grant errors (expired_token, access_denied) and
// context cancellation end the wait.
func (f *Flow) Poll(ctx context.Context, grant *Grant) (*Token, error) {
	interval := time.Duration(grant.Interval) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}

	form := url.Values{
		"grant_type":  {deviceGrantType},
		"device_code": {grant.DeviceCode},
	}
	body := form.Encode()

	var transportAttempt uint
	for {
		if err := f.sleep(ctx, interval); err != nil {
			return nil, err
		}

		resp, err := f.postForm(ctx, "/auth/device/token", body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Transport blip: keep the grant alive, retry with
			// backoff on top of the poll interval.
			transportAttempt++
			log.Printf("auth: token poll failed (attempt %d): %v", transportAttempt, err)
			if serr := f.sleep(ctx, f.policy.NextDelay(transportAttempt)); serr != nil {
				return nil, serr
			}
			continue
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			// A server error is as transient as a dropped connection;
			// the grant survives it. Its body is typically not JSON, so
			// never let it near the decoder.
			resp.Body.Close()
			transportAttempt++
			log.Printf("auth: token poll returned HTTP %d (attempt %d)", resp.StatusCode, transportAttempt)
			if serr := f.sleep(ctx, f.policy.NextDelay(transportAttempt)); serr != nil {
				return nil, serr
			}
			continue
		}
		transportAttempt = 0

		var tr tokenResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&tr)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, ocerrors.Wrap(ocerrors.CodeAuthFlowFailed, "decode token response", decodeErr)
		}

		switch tr.GrantError {
		case "":
			if tr.AccessToken == "" {
				return nil, ocerrors.New(ocerrors.CodeAuthFlowFailed, "token response missing access token")
			}
			return &tr.Token, nil
		case "authorization_pending":
			continue
		case "slow_down":
			interval += slowDownStep
			continue
		default:
			return nil, ocerrors.AuthTerminal(tr.GrantError)
		}
	}
}

func (f *Flow) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	return f.do(ctx, path, "application/json", bytes.NewReader(body))
}

func (f *Flow) postForm(ctx context.Context, path, form string) (*http.Response, error) {
	return f.do(ctx, path, "application/x-www-form-urlencoded", strings.NewReader(form))
}

func (f *Flow) do(ctx context.Context, path, contentType string, body io.Reader) (*http.Response, error) {
	target := strings.TrimRight(f.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return nil, ocerrors.Wrap(ocerrors.CodeAuthFlowFailed, "build request", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, ocerrors.Wrap(ocerrors.CodeAPIRequestFailed, "post "+path, err)
	}
	return resp, nil
}

// sleepCtx sleeps for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
