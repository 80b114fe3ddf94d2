// Package app assembles one instance of every client component and wires
// them to the session's lifecycle.
package app

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"stockyard/internal/account"
	"stockyard/internal/apiclient"
	"stockyard/internal/config"
	"stockyard/internal/credstore"
	"stockyard/internal/models"
	"stockyard/internal/notify"
	"stockyard/internal/session"
	"stockyard/internal/transport"
	"stockyard/internal/unread"
)

type App struct {
	Transport *transport.AuthTransport
	API       *apiclient.Client
	Session   *session.Container
	Account   *account.Service
	Notify    *notify.Channel
	Unread    *unread.Tracker

	store credstore.Store
	log   *slog.Logger
	// live gates the notification channel and background unread refreshes.
	live atomic.Bool

	unsubscribe []func()
	closeOnce   sync.Once
}

// New wires the client. Nothing touches the network or the store until
// Start is called.
func New(cfg *config.Config, store credstore.Store, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}

	rt := transport.NewAuthTransport(nil)
	httpClient := rt.Client()
	httpClient.Timeout = cfg.API.Timeout

	api := apiclient.New(cfg.API.BaseURL, httpClient, logger)
	sess := session.New(store, rt, session.Options{
		MediaBaseURL: cfg.API.MediaURL,
		Logger:       logger,
	})

	a := &App{
		Transport: rt,
		API:       api,
		Session:   sess,
		Account:   account.NewService(api, sess, logger),
		Notify: notify.New(notify.Config{
			URL:         cfg.API.WSURL,
			BaseDelay:   cfg.Notify.BaseDelay,
			MaxDelay:    cfg.Notify.MaxDelay,
			MaxAttempts: cfg.Notify.MaxAttempts,
			StableAfter: cfg.Notify.StableAfter,
		}, logger),
		Unread: unread.New(api, sess, unread.Options{
			MinInterval: cfg.Unread.MinInterval,
			Timeout:     cfg.API.Timeout,
			Logger:      logger,
		}),
		store: store,
		log:   logger.With("component", "app"),
	}

	api.SetUnauthorizedHandler(a.handleUnauthorized)
	a.unsubscribe = append(a.unsubscribe,
		sess.Subscribe(a.handleSessionEvent),
		a.Notify.OnSignal(a.Unread.HandleSignal),
	)
	return a
}

// Start restores any persisted session and keeps the notification channel
// and unread count live for as long as a session lasts. It returns the
// restored session or nil.
func (a *App) Start() *models.Session {
	a.live.Store(true)
	return a.Session.Initialize()
}

// Restore is Start for one-shot use: the session is restored and kept in
// sync, but no socket is opened and no background refresh is queued.
func (a *App) Restore() *models.Session {
	a.live.Store(false)
	return a.Session.Initialize()
}

func (a *App) handleSessionEvent(ev session.Event) {
	switch ev.Type {
	case session.EventStarted, session.EventRestored:
		if !a.live.Load() {
			return
		}
		if err := a.Notify.Start(ev.Session.UserID, ev.Session.Token); err != nil {
			a.log.Warn("not starting notification channel", "error", err)
		}
		a.Unread.Kick()
	case session.EventEnded:
		a.Notify.Stop()
		a.Unread.Reset()
	}
}

// handleUnauthorized ends the session whose token the backend rejected. A
// rejection of an older token does not touch a newer session.
func (a *App) handleUnauthorized(token string) {
	if !a.Session.LogoutToken(token, session.ReasonUnauthorized) {
		a.log.Debug("ignoring 401 for a token that is no longer current")
	}
}

// Close stops background work and closes the store if it holds resources.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		for _, fn := range a.unsubscribe {
			fn()
		}
		a.Notify.Stop()
		a.Unread.Close()
		if c, ok := a.store.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}
