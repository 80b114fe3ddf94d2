package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
)

const maxResponseBytes = 1 << 20

// Client talks to the marketplace REST API. Authentication is stamped by the
// transport of the supplied *http.Client; Client only decides what a 401
// means.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger

	mu             sync.RWMutex
	onUnauthorized func(token string)
}

// AuthResult is a successful login or signup. Profile is the raw response body
// and is normalized by the session container, not here.
type AuthResult struct {
	Token   string
	Profile map[string]any
}

// New creates a Client. If httpClient is nil, http.DefaultClient is used.
func New(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		log:     logger.With("component", "apiclient"),
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetUnauthorizedHandler installs fn to run whenever an authenticated endpoint
// answers 401. fn receives the bearer token the rejected request carried, so
// a late answer for an earlier session can be told apart. Login and signup
// failures never trigger it.
func (c *Client) SetUnauthorizedHandler(fn func(token string)) {
	c.mu.Lock()
	c.onUnauthorized = fn
	c.mu.Unlock()
}

func (c *Client) Login(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	return c.authenticate(ctx, "/login", req)
}

func (c *Client) Signup(ctx context.Context, req SignupRequest) (*AuthResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	return c.authenticate(ctx, "/signup", req)
}

func (c *Client) authenticate(ctx context.Context, path string, req any) (*AuthResult, error) {
	var profile map[string]any
	if err := c.doJSON(ctx, http.MethodPost, path, req, false, &profile); err != nil {
		return nil, err
	}

	token, _ := profile["access_token"].(string)
	if token == "" {
		return nil, fmt.Errorf("%s: response carried no access token", path)
	}
	delete(profile, "access_token")
	delete(profile, "token_type")

	return &AuthResult{Token: token, Profile: profile}, nil
}

// UpdateProfile sends the non-empty fields of req as a form and returns the
// backend's view of the profile.
func (c *Client) UpdateProfile(ctx context.Context, req UpdateProfileRequest) (map[string]any, error) {
	if req.empty() {
		return nil, fmt.Errorf("%w: nothing to update", ErrValidation)
	}
	if err := validate(req); err != nil {
		return nil, err
	}

	form := url.Values{}
	for k, v := range map[string]string{"name": req.Name, "phone": req.Phone, "gender": req.Gender, "address": req.Address} {
		if v != "" {
			form.Set(k, v)
		}
	}

	var profile map[string]any
	err := c.do(ctx, http.MethodPut, "/users/me", strings.NewReader(form.Encode()),
		"application/x-www-form-urlencoded", true, &profile)
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// UploadProfileImage uploads an already prepared image and returns its URL.
func (c *Client) UploadProfileImage(ctx context.Context, filename, contentType string, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(filename)))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("creating multipart part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("writing multipart part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("closing multipart body: %w", err)
	}

	var resp struct {
		ImageURL string `json:"image_url"`
	}
	if err := c.do(ctx, http.MethodPut, "/users/me/image", &body, mw.FormDataContentType(), true, &resp); err != nil {
		return "", err
	}
	if resp.ImageURL == "" {
		return "", errors.New("upload response carried no image_url")
	}
	return resp.ImageURL, nil
}

func (c *Client) ChangePassword(ctx context.Context, req ChangePasswordRequest) error {
	if err := validate(req); err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPost, "/users/change-password", req, true, nil)
}

// UnreadCount fetches the authoritative number of unread messages.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var resp struct {
		Count *int `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/notifications/unread-count", nil, "", true, &resp); err != nil {
		return 0, err
	}
	if resp.Count == nil {
		return 0, errors.New("unread-count response carried no count")
	}
	return *resp.Count, nil
}

func (c *Client) RequestPasswordReset(ctx context.Context, req PasswordResetRequest) error {
	if err := validate(req); err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPost, "/forgot-password", req, false, nil)
}

func (c *Client) ResetPassword(ctx context.Context, req PasswordResetConfirm) error {
	if err := validate(req); err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPost, "/reset-password", req, false, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, authenticated bool, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	return c.do(ctx, method, path, bytes.NewReader(payload), "application/json", authenticated, out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, authenticated bool, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeError(resp, !authenticated)
		c.log.Debug("request rejected", "method", method, "path", path, "status", resp.StatusCode)
		if authenticated && resp.StatusCode == http.StatusUnauthorized {
			c.unauthorized(bearerToken(resp.Request))
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *Client) unauthorized(token string) {
	c.mu.RLock()
	fn := c.onUnauthorized
	c.mu.RUnlock()
	if fn != nil {
		fn(token)
	}
}

// bearerToken reads the token the transport stamped on the sent request.
func bearerToken(req *http.Request) string {
	if req == nil {
		return ""
	}
	scheme, token, ok := strings.Cut(req.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return token
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
