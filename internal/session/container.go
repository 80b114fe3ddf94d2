package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"stockyard/internal/auth"
	"stockyard/internal/constants"
	"stockyard/internal/credstore"
	"stockyard/internal/mediaurl"
	"stockyard/internal/models"
)

var (
	ErrNoActiveSession = errors.New("no active session")
	// ErrSessionChanged means the session a result was meant for is no
	// longer current. The result is dropped.
	ErrSessionChanged = errors.New("session changed")
)

// TokenSink receives the bearer token the request pipeline should stamp.
type TokenSink interface {
	SetToken(token string)
	ClearToken()
}

type Options struct {
	// MediaBaseURL resolves relative avatar paths returned by the backend.
	MediaBaseURL string
	Logger       *slog.Logger
	Now          func() time.Time
}

// Container is the single authoritative record of who is logged in. It is
// the only writer of the credential store.
//
// Subscribers are called synchronously, in mutation order, after the new
// state is visible to Current. They may read from the container but must not
// call its mutators from inside the callback.
type Container struct {
	store  credstore.Store
	tokens TokenSink
	norm   *normalizer
	log    *slog.Logger
	now    func() time.Time

	writeMu  sync.Mutex // serializes mutators
	notifyMu sync.Mutex // hands delivery order from writeMu to subscribers

	mu      sync.RWMutex
	current *models.Session
	epoch   uint64

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int

	readyOnce sync.Once
	ready     chan struct{}
}

func New(store credstore.Store, tokens TokenSink, opts Options) *Container {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Container{
		store:  store,
		tokens: tokens,
		norm:   newNormalizer(opts.MediaBaseURL),
		log:    logger.With("component", "session"),
		now:    now,
		subs:   make(map[int]func(Event)),
		ready:  make(chan struct{}),
	}
}

// Ready is closed once the first Initialize has completed.
func (c *Container) Ready() <-chan struct{} {
	return c.ready
}

// Current returns a copy of the active session, or nil when logged out.
func (c *Container) Current() *models.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.Clone()
}

// Epoch identifies the current session. It changes whenever the logged-in
// identity changes and stays put across profile updates.
func (c *Container) Epoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// Snapshot returns the active session and its epoch, read together.
func (c *Container) Snapshot() (*models.Session, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.Clone(), c.epoch
}

// Subscribe registers fn for every subsequent event.
func (c *Container) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// Initialize rebuilds the session from the credential store. Missing,
// malformed or expired records leave the client logged out; malformed and
// expired ones are also wiped from the store. It never fails.
func (c *Container) Initialize() *models.Session {
	defer c.readyOnce.Do(func() { close(c.ready) })

	c.mutate(func() (Event, bool, error) {
		loaded, reason := c.load()
		if reason != "" {
			c.log.Warn("discarding stored session", "reason", reason)
			if err := c.store.Clear(); err != nil {
				c.log.Error("failed to clear credential store", "error", err)
			}
		}

		prev := c.swap(loaded)

		if loaded != nil {
			c.tokens.SetToken(loaded.Token)
			return Event{Type: EventRestored, Session: loaded.Clone()}, true, nil
		}

		c.tokens.ClearToken()
		if prev != nil {
			if reason == "" {
				reason = ReasonLogout
			}
			return Event{Type: EventEnded, Reason: reason}, true, nil
		}
		return Event{}, false, nil
	})

	return c.Current()
}

// Login installs a session from a successful login or signup response.
// profile is the server's response body; field names are normalized here.
func (c *Container) Login(token string, profile map[string]any) (*models.Session, error) {
	s, err := c.norm.session(token, profile)
	if err != nil {
		return nil, err
	}

	err = c.mutate(func() (Event, bool, error) {
		if err := c.persist(s); err != nil {
			c.rollback()
			return Event{}, false, err
		}
		c.swap(s)
		c.tokens.SetToken(s.Token)
		return Event{Type: EventStarted, Session: s.Clone()}, true, nil
	})
	if err != nil {
		return nil, err
	}

	c.log.Info("session started", "user_id", s.UserID)
	return s.Clone(), nil
}

// UpdateProfile merges patch into the active session and re-persists the
// whole record. It returns ErrNoActiveSession when logged out.
func (c *Container) UpdateProfile(patch models.ProfilePatch) (*models.Session, error) {
	return c.updateProfile(patch, 0, false)
}

// UpdateProfileAt is UpdateProfile for a result fetched on behalf of the
// session at epoch. It returns ErrSessionChanged once that session has been
// replaced or ended.
func (c *Container) UpdateProfileAt(epoch uint64, patch models.ProfilePatch) (*models.Session, error) {
	return c.updateProfile(patch, epoch, true)
}

func (c *Container) updateProfile(patch models.ProfilePatch, epoch uint64, pinned bool) (*models.Session, error) {
	patch = c.norm.patch(patch)

	var updated *models.Session
	err := c.mutate(func() (Event, bool, error) {
		c.mu.RLock()
		cur, curEpoch := c.current, c.epoch
		c.mu.RUnlock()
		if pinned && curEpoch != epoch {
			return Event{}, false, ErrSessionChanged
		}
		if cur == nil {
			return Event{}, false, ErrNoActiveSession
		}

		next := patch.Apply(cur)
		if err := checkRequired(next); err != nil {
			return Event{}, false, err
		}
		if err := c.persist(next); err != nil {
			c.rollback()
			return Event{}, false, err
		}

		c.mu.Lock()
		c.current = next
		c.mu.Unlock()

		updated = next.Clone()
		return Event{Type: EventUpdated, Session: next.Clone()}, true, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Logout clears every trace of the session. Store failures are logged; the
// in-memory session and pipeline token are cleared regardless.
func (c *Container) Logout(reason EndReason) {
	if reason == "" {
		reason = ReasonLogout
	}

	c.mutate(func() (Event, bool, error) {
		if err := c.store.Clear(); err != nil {
			c.log.Error("failed to clear credential store", "error", err)
		}
		prev := c.swap(nil)
		c.tokens.ClearToken()

		if prev == nil {
			return Event{}, false, nil
		}
		c.log.Info("session ended", "user_id", prev.UserID, "reason", reason)
		return Event{Type: EventEnded, Reason: reason}, true, nil
	})
}

// LogoutToken ends the session only while token is still its bearer token.
// It reports whether a session was ended.
func (c *Container) LogoutToken(token string, reason EndReason) bool {
	if reason == "" {
		reason = ReasonLogout
	}

	ended := false
	c.mutate(func() (Event, bool, error) {
		c.mu.RLock()
		cur := c.current
		c.mu.RUnlock()
		if cur == nil || cur.Token != token {
			return Event{}, false, nil
		}

		if err := c.store.Clear(); err != nil {
			c.log.Error("failed to clear credential store", "error", err)
		}
		c.swap(nil)
		c.tokens.ClearToken()
		ended = true
		c.log.Info("session ended", "user_id", cur.UserID, "reason", reason)
		return Event{Type: EventEnded, Reason: reason}, true, nil
	})
	return ended
}

// mutate runs fn under the write lock and delivers the resulting event before
// any later mutation can deliver its own.
func (c *Container) mutate(fn func() (Event, bool, error)) error {
	c.writeMu.Lock()
	ev, emit, err := fn()
	if err != nil || !emit {
		c.writeMu.Unlock()
		return err
	}
	ev.Epoch = c.Epoch()

	c.notifyMu.Lock()
	c.writeMu.Unlock()
	defer c.notifyMu.Unlock()

	c.subMu.Lock()
	subs := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
	return nil
}

// swap replaces the current session, advancing the epoch when the identity
// changes. Callers hold writeMu.
func (c *Container) swap(next *models.Session) *models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.current
	if !sameIdentity(prev, next) {
		c.epoch++
	}
	c.current = next.Clone()
	return prev
}

func sameIdentity(a, b *models.Session) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Token == b.Token && a.UserID == b.UserID
}

func (c *Container) persist(s *models.Session) error {
	record, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err := c.store.Write(constants.KeySessionProfile, string(record)); err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}
	if err := c.store.Write(constants.KeyAuthToken, s.Token); err != nil {
		return fmt.Errorf("persisting token: %w", err)
	}
	return nil
}

// rollback puts the store back in line with the in-memory session after a
// failed write. Callers hold writeMu.
func (c *Container) rollback() {
	c.mu.RLock()
	cur := c.current.Clone()
	c.mu.RUnlock()

	var err error
	if cur == nil {
		err = c.store.Clear()
	} else {
		err = c.persist(cur)
	}
	if err != nil {
		c.log.Error("failed to restore credential store", "error", err)
	}
}

// load reads the stored session. A non-empty reason means the stored data is
// unusable and should be wiped.
func (c *Container) load() (*models.Session, EndReason) {
	token, tokenErr := c.store.Read(constants.KeyAuthToken)
	record, recordErr := c.store.Read(constants.KeySessionProfile)

	for _, err := range []error{tokenErr, recordErr} {
		if err != nil && !errors.Is(err, credstore.ErrNotFound) {
			c.log.Error("failed to read credential store", "error", err)
			return nil, ""
		}
	}

	tokenMissing := errors.Is(tokenErr, credstore.ErrNotFound)
	recordMissing := errors.Is(recordErr, credstore.ErrNotFound)
	if tokenMissing && recordMissing {
		return nil, ""
	}
	if tokenMissing || recordMissing {
		return nil, ReasonCorrupted
	}

	var s models.Session
	if err := json.Unmarshal([]byte(record), &s); err != nil {
		return nil, ReasonCorrupted
	}
	s.Token = cleanString(token)
	s.AvatarURL = mediaurl.Clean(s.AvatarURL)
	if !s.Valid() {
		return nil, ReasonCorrupted
	}

	if info, ok := auth.InspectToken(s.Token); ok && info.Expired(c.now()) {
		return nil, ReasonExpired
	}

	return &s, ""
}
