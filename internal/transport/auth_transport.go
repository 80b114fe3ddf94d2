package transport

import (
	"net/http"
	"sync"
)

const AuthorizationHeader = "Authorization"

// AuthTransport stamps the current bearer token on every outgoing request.
// It mirrors the session token and holds no other state; response handling,
// including 401s, is left to callers.
type AuthTransport struct {
	base http.RoundTripper

	mu    sync.RWMutex
	token string
}

var _ http.RoundTripper = (*AuthTransport)(nil)

// NewAuthTransport wraps base. If base is nil, http.DefaultTransport is used.
func NewAuthTransport(base http.RoundTripper) *AuthTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &AuthTransport{base: base}
}

func (t *AuthTransport) SetToken(token string) {
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
}

func (t *AuthTransport) ClearToken() {
	t.SetToken("")
}

func (t *AuthTransport) Token() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token := t.Token()
	if token == "" || req.Header.Get(AuthorizationHeader) != "" {
		return t.base.RoundTrip(req)
	}

	// RoundTrippers must not modify the caller's request.
	r := req.Clone(req.Context())
	r.Header.Set(AuthorizationHeader, "Bearer "+token)
	return t.base.RoundTrip(r)
}

// Client returns an *http.Client that sends through t.
func (t *AuthTransport) Client() *http.Client {
	return &http.Client{Transport: t}
}
