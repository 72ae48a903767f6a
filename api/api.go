// Package api is the REST side of the client: session endpoints plus an
// authenticated request helper that keeps the access token fresh.
//
// The Client owns the auth signal's transitions. Login and a successful
// Restore set it true; Logout and a rejected refresh set it false.
package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/scalecode-solutions/mvchat2-client/auth"
	"github.com/scalecode-solutions/mvchat2-client/ratelimit"
	"github.com/scalecode-solutions/mvchat2-client/tokenstore"
)

// Session endpoints.
const (
	PathLogin   = "/v0/auth/login"
	PathRefresh = "/v0/auth/refresh"
	PathLogout  = "/v0/auth/logout"
)

var (
	ErrNotAuthenticated = errors.New("api: not authenticated")
	ErrSessionExpired   = errors.New("api: session expired")
	ErrRefreshThrottled = errors.New("api: token refresh throttled")
)

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Text   string
}

func (e *StatusError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("api: %s %s: %d %s", e.Method, e.Path, e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("api: %s %s: %d %s", e.Method, e.Path, e.Code, e.Text)
}

// Config configures a Client.
type Config struct {
	BaseURL       string
	UserAgent     string
	Timeout       time.Duration
	RefreshSkew   time.Duration // refresh when the access token expires within this
	RefreshLimit  int           // refreshes allowed per RefreshWindow
	RefreshWindow time.Duration
	HTTPClient    *http.Client
	Logger        *zerolog.Logger
}

// Client talks to the mvChat2 REST API.
type Client struct {
	cfg     Config
	http    *http.Client
	tokens  tokenstore.Store
	signal  *auth.Signal
	limiter *ratelimit.Limiter
	group   singleflight.Group
	logger  zerolog.Logger
}

// New creates a Client.
func New(cfg Config, tokens tokenstore.Store, signal *auth.Signal) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RefreshLimit == 0 {
		cfg.RefreshLimit = 5
	}
	if cfg.RefreshWindow == 0 {
		cfg.RefreshWindow = time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Client{
		cfg:     cfg,
		http:    httpClient,
		tokens:  tokens,
		signal:  signal,
		limiter: ratelimit.New(cfg.RefreshLimit, cfg.RefreshWindow),
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// session is the server's reply to login and refresh.
type session struct {
	UserID  string    `json:"user"`
	Token   string    `json:"token"`
	Refresh string    `json:"refresh,omitempty"`
	Expires time.Time `json:"expires"`
}

func (s *session) credentials(prev *tokenstore.Credentials) *tokenstore.Credentials {
	creds := &tokenstore.Credentials{
		AccessToken:  s.Token,
		RefreshToken: s.Refresh,
		UserID:       s.UserID,
		ExpiresAt:    s.Expires,
	}
	if creds.ExpiresAt.IsZero() {
		if exp, err := auth.ExpiresAt(s.Token); err == nil {
			creds.ExpiresAt = exp
		}
	}
	if creds.UserID == "" {
		if claims, err := auth.ParseClaims(s.Token); err == nil && claims.UserID != uuid.Nil {
			creds.UserID = claims.UserID.String()
		}
	}
	if prev != nil {
		// refresh replies may omit fields that did not change
		if creds.RefreshToken == "" {
			creds.RefreshToken = prev.RefreshToken
		}
		if creds.UserID == "" {
			creds.UserID = prev.UserID
		}
	}
	return creds
}

// ============================================================================
// Session
// ============================================================================

// Login exchanges a username and password for a session.
func (c *Client) Login(ctx context.Context, username, password string) (*tokenstore.Credentials, error) {
	secret := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	body, err := json.Marshal(map[string]string{"scheme": "basic", "secret": secret})
	if err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, PathLogin, body)
	if err != nil {
		return nil, err
	}
	if err := c.setIdentity(ctx, req, ""); err != nil {
		return nil, err
	}

	var s session
	if err := c.roundTrip(req, &s); err != nil {
		return nil, err
	}
	if s.Token == "" {
		return nil, fmt.Errorf("api: login reply carried no token")
	}

	creds := s.credentials(nil)
	if err := c.tokens.Save(ctx, creds); err != nil {
		return nil, fmt.Errorf("save credentials: %w", err)
	}
	c.signal.Set(true)
	// a fresh session starts with a full refresh allowance
	c.limiter.Reset("refresh")

	c.logger.Info().Str("user", creds.UserID).Msg("logged in")
	return creds, nil
}

// Restore loads stored credentials and sets the auth signal to match.
// A session whose access token has expired counts only if it can be
// refreshed.
func (c *Client) Restore(ctx context.Context) (bool, error) {
	creds, err := c.tokens.Load(ctx)
	if err != nil {
		c.signal.Set(false)
		return false, err
	}

	ok := creds.Valid() &&
		(creds.ExpiresAt.IsZero() || time.Now().Before(creds.ExpiresAt) || creds.RefreshToken != "")
	c.signal.Set(ok)
	return ok, nil
}

// Refresh renews the access token. Concurrent calls share one request, and
// refreshes are throttled. A rejected refresh ends the session.
func (c *Client) Refresh(ctx context.Context) (*tokenstore.Credentials, error) {
	ch := c.group.DoChan("refresh", func() (any, error) {
		// detached so one waiter giving up does not fail the others
		return c.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*tokenstore.Credentials), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) refresh(ctx context.Context) (*tokenstore.Credentials, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	creds, err := c.tokens.Load(ctx)
	if err != nil {
		return nil, err
	}
	if !creds.Valid() {
		return nil, ErrNotAuthenticated
	}
	if !c.limiter.Allow("refresh") {
		return nil, fmt.Errorf("%w: retry in %s", ErrRefreshThrottled, c.limiter.RetryAfter("refresh").Round(time.Second))
	}

	presented := creds.RefreshToken
	if presented == "" {
		presented = creds.AccessToken
	}
	body, err := json.Marshal(map[string]string{"refresh": presented})
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, PathRefresh, body)
	if err != nil {
		return nil, err
	}
	if err := c.setIdentity(ctx, req, presented); err != nil {
		return nil, err
	}

	var s session
	if err := c.roundTrip(req, &s); err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden) {
			c.expire(ctx)
			return nil, fmt.Errorf("%w: %w", ErrSessionExpired, err)
		}
		return nil, err
	}

	next := s.credentials(creds)
	if err := c.tokens.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("save credentials: %w", err)
	}
	c.logger.Debug().
		Time("expires", next.ExpiresAt).
		Int("remaining", c.limiter.Remaining("refresh")).
		Msg("token refreshed")
	return next, nil
}

// Logout ends the session. The server call is best-effort; local
// credentials are always cleared.
func (c *Client) Logout(ctx context.Context) error {
	creds, err := c.tokens.Load(ctx)
	if err == nil && creds.Valid() {
		req, err := c.newRequest(ctx, http.MethodPost, PathLogout, nil)
		if err == nil {
			if err = c.setIdentity(ctx, req, creds.AccessToken); err == nil {
				err = c.roundTrip(req, nil)
			}
		}
		if err != nil {
			c.logger.Warn().Err(err).Msg("server logout failed")
		}
	}

	clearErr := c.tokens.Clear(ctx)
	c.signal.Set(false)
	return clearErr
}

// expire drops the local session after the server rejected it.
func (c *Client) expire(ctx context.Context) {
	if err := c.tokens.Clear(ctx); err != nil {
		c.logger.Error().Err(err).Msg("failed to clear credentials")
	}
	c.signal.Set(false)
	c.logger.Warn().Msg("session expired")
}

// ============================================================================
// Authenticated requests
// ============================================================================

// Do sends req with the session's bearer token. The token is refreshed
// first when it is about to expire, and once more if the server answers 401.
// The caller closes the response body.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	creds, err := c.tokens.Load(ctx)
	if err != nil {
		return nil, err
	}
	if !creds.Valid() {
		return nil, ErrNotAuthenticated
	}

	if c.expiresSoon(creds) {
		next, err := c.Refresh(ctx)
		switch {
		case err == nil:
			creds = next
		case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrNotAuthenticated):
			return nil, err
		default:
			c.logger.Warn().Err(err).Msg("proactive refresh failed, using current token")
		}
	}

	if err := bufferBody(req); err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, req, creds.AccessToken)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	drain(resp)

	next, err := c.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, req, next.AccessToken)
}

// GetJSON fetches path and decodes the reply into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

// PostJSON posts in as JSON to path and decodes the reply into out.
// out may be nil.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func (c *Client) expiresSoon(creds *tokenstore.Credentials) bool {
	if c.cfg.RefreshSkew <= 0 {
		return false
	}
	if !creds.ExpiresAt.IsZero() {
		return time.Until(creds.ExpiresAt) <= c.cfg.RefreshSkew
	}
	return auth.ExpiresWithin(creds.AccessToken, c.cfg.RefreshSkew)
}

// send replays req (body included) with the given bearer token.
func (c *Client) send(ctx context.Context, req *http.Request, token string) (*http.Response, error) {
	out := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
	}
	if err := c.setIdentity(ctx, out, token); err != nil {
		return nil, err
	}
	return c.http.Do(out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// setIdentity adds the bearer token, device id and user agent.
func (c *Client) setIdentity(ctx context.Context, req *http.Request, token string) error {
	deviceID, err := c.tokens.DeviceID(ctx)
	if err != nil {
		return fmt.Errorf("load device id: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Device-ID", deviceID)
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	return nil
}

// roundTrip sends an unauthenticated-path request and decodes the reply.
func (c *Client) roundTrip(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

// bufferBody makes req's body replayable.
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return err
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	req.Body, _ = req.GetBody()
	return nil
}

const maxErrorBody = 4 << 10

func decodeResponse(resp *http.Response, out any) error {
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method: resp.Request.Method,
			Path:   resp.Request.URL.Path,
			Code:   resp.StatusCode,
			Text:   strings.TrimSpace(string(text)),
		}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s: %w", resp.Request.URL.Path, err)
	}
	return nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}
