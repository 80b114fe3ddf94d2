// Package fakeapi is an in-memory stand-in for the marketplace backend. It
// serves the REST and WebSocket endpoints the client consumes and is used for
// local development and tests.
package fakeapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"golang.org/x/crypto/bcrypt"

	"stockyard/internal/auth"
	"stockyard/internal/blob"
	"stockyard/internal/constants"
)

type Config struct {
	// BaseURL prefixes uploaded image URLs.
	BaseURL        string
	JWTSecret      string
	AccessTokenTTL time.Duration
	ResetCodeTTL   time.Duration
	// AuthRateLimit caps login/signup/reset requests per IP per minute.
	AuthRateLimit int
	BcryptCost    int

	// Mailer delivers reset codes. Without one the code is only logged.
	Mailer Mailer
	// Uploads stores avatar images on disk. Without it they stay in memory.
	Uploads *blob.Service
}

type Mailer interface {
	SendResetCode(to, code string, ttl time.Duration) error
}

func (c *Config) setDefaults() {
	if c.JWTSecret == "" {
		c.JWTSecret = "stockyard-development-secret-0123456789"
	}
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = 30 * time.Minute
	}
	if c.ResetCodeTTL == 0 {
		c.ResetCodeTTL = 10 * time.Minute
	}
	if c.AuthRateLimit == 0 {
		c.AuthRateLimit = 30
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = bcrypt.MinCost
	}
}

type Server struct {
	router  *chi.Mux
	cfg     Config
	jwt     *auth.JWTService
	resets  *auth.ResetCodeService
	users   *userStore
	hub     *hub
	log     *slog.Logger
	baseURL string
}

func New(cfg Config, logger *slog.Logger) *Server {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		jwt:     auth.NewJWTService(cfg.JWTSecret, cfg.AccessTokenTTL),
		resets:  auth.NewResetCodeService(cfg.ResetCodeTTL),
		users:   newUserStore(cfg.BcryptCost),
		hub:     newHub(logger),
		log:     logger.With("component", "fakeapi"),
		baseURL: cfg.BaseURL,
	}

	authLimiter := httprate.Limit(
		cfg.AuthRateLimit,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(rateLimited),
	)

	r := chi.NewRouter()
	r.Use(slogRequestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Group(func(r chi.Router) {
		r.Use(maxBodySizeMiddleware(1 << 20))
		r.Use(authLimiter)
		r.Post("/login", s.handleLogin)
		r.Post("/signup", s.handleSignup)
		r.Post("/forgot-password", s.handleForgotPassword)
		r.Post("/reset-password", s.handleResetPassword)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.With(maxBodySizeMiddleware(1<<20)).Put("/users/me", s.handleUpdateMe)
		r.With(maxBodySizeMiddleware(constants.AvatarMaxBytes+(64<<10))).Put("/users/me/image", s.handleUploadImage)
		r.With(maxBodySizeMiddleware(1<<20)).Post("/users/change-password", s.handleChangePassword)
		r.Get("/notifications/unread-count", s.handleUnreadCount)
		r.With(maxBodySizeMiddleware(1<<20)).Post("/messages/", s.handleSendMessage)
		r.Get("/messages/{otherID}", s.handleConversation)
	})

	r.Get("/static/uploads/{name}", s.handleImage)
	r.Get("/ws/{userID}", s.serveWS)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetBaseURL changes the prefix of uploaded image URLs; tests learn it only
// after the listener starts.
func (s *Server) SetBaseURL(baseURL string) {
	s.baseURL = baseURL
}

func (s *Server) Shutdown() {
	s.hub.shutdown()
}

func (s *Server) userForToken(token string) (*user, bool) {
	if token == "" {
		return nil, false
	}
	claims, err := s.jwt.ValidateAccessToken(token)
	if err != nil {
		return nil, false
	}
	u, ok := s.users.findByEmail(claims.Subject)
	if !ok || u.Revoked {
		return nil, false
	}
	return u, true
}

func (s *Server) issueToken(w http.ResponseWriter, u *user) {
	token, _, err := s.jwt.GenerateAccessToken(strconv.Itoa(u.ID), u.Email)
	if err != nil {
		s.log.Error("failed to issue token", "error", err)
		internalError(w)
		return
	}

	resp := u.profile()
	resp["access_token"] = token
	resp["token_type"] = "bearer"
	writeJSON(w, http.StatusOK, resp)
}

// CreateUser registers an account directly and returns its id.
func (s *Server) CreateUser(name, email, phone, password string) (int, error) {
	u, err := s.users.create(name, strings.ToLower(email), phone, "", "", password)
	if err != nil {
		return 0, err
	}
	return u.ID, nil
}

// Notify pushes a raw signal to every socket userID has open and returns how
// many sockets accepted it.
func (s *Server) Notify(userID int, signal string) int {
	return s.hub.notify(userID, signal)
}

// SendMessage stores a message from one user to another and signals the
// receiver, as the chat endpoint does.
func (s *Server) SendMessage(senderID, receiverID int, content string) {
	s.users.addMessage(senderID, receiverID, content)
	s.hub.notify(receiverID, fmt.Sprintf("%s:%d", constants.SignalNewMessage, senderID))
}

// DropConnections severs userID's sockets without a close handshake.
func (s *Server) DropConnections(userID int) {
	s.hub.drop(userID)
}

// ConnectionCount is the number of sockets userID currently has open.
func (s *Server) ConnectionCount(userID int) int {
	return s.hub.active(userID)
}

// ConnectionsOpened is the number of sockets userID has ever opened.
func (s *Server) ConnectionsOpened(userID int) int {
	return s.hub.openedTotal(userID)
}

// SetUnread replaces userID's unread messages with n fresh ones from a
// system sender. No signal is sent.
func (s *Server) SetUnread(userID, n int) {
	s.users.markAllRead(userID)
	for i := 0; i < n; i++ {
		s.users.addMessage(0, userID, "unread")
	}
}

// ExpireTokens makes every token of the user fail until they log in again.
func (s *Server) ExpireTokens(userID int) {
	s.users.update(userID, func(u *user, _ []*user) error {
		u.Revoked = true
		return nil
	})
}

// LastResetCode returns the pending password reset code for email, the value
// that would have been mailed.
func (s *Server) LastResetCode(email string) string {
	u, ok := s.users.findByEmail(email)
	if !ok {
		return ""
	}
	return u.ResetCode
}
