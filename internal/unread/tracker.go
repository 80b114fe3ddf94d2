// Package unread keeps the unread-message badge count. The count is always
// refetched from the backend, never incremented locally.
package unread

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"stockyard/internal/constants"
	"stockyard/internal/models"
	"stockyard/internal/notify"
)

var (
	ErrNoSession = errors.New("no active session")
	// ErrStale is returned when the session changed while the count was in
	// flight. The result is discarded.
	ErrStale = errors.New("session changed during refresh")
)

const defaultMinInterval = time.Second

type Counter interface {
	UnreadCount(ctx context.Context) (int, error)
}

type SessionView interface {
	Current() *models.Session
	Epoch() uint64
}

type Options struct {
	// MinInterval is the minimum spacing between backend fetches.
	MinInterval time.Duration
	// Timeout bounds background refreshes triggered by signals.
	Timeout time.Duration
	Logger  *slog.Logger
}

type Tracker struct {
	api     Counter
	sess    SessionView
	log     *slog.Logger
	limiter *rate.Limiter
	group   singleflight.Group
	timeout time.Duration

	mu    sync.Mutex
	count int
	known bool
	subs  map[int]func(int)
	next  int

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(api Counter, sess SessionView, opts Options) *Tracker {
	if opts.MinInterval <= 0 {
		opts.MinInterval = defaultMinInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = constants.DefaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		api:     api,
		sess:    sess,
		log:     logger.With("component", "unread"),
		limiter: rate.NewLimiter(rate.Every(opts.MinInterval), 1),
		timeout: opts.Timeout,
		subs:    make(map[int]func(int)),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}

	t.wg.Add(1)
	go t.worker()
	return t
}

// Count returns the last accepted count. ok is false until a refresh for the
// current session has succeeded.
func (t *Tracker) Count() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count, t.known
}

// OnChange registers fn for every change of the count and returns a func
// that removes it.
func (t *Tracker) OnChange(fn func(int)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	t.subs[id] = fn
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Refresh fetches the count for the current session. Concurrent calls for the
// same session share one request.
func (t *Tracker) Refresh(ctx context.Context) (int, error) {
	if t.sess.Current() == nil {
		return 0, ErrNoSession
	}
	epoch := t.sess.Epoch()

	ch := t.group.DoChan(strconv.FormatUint(epoch, 10), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(t.ctx, t.timeout)
		defer cancel()

		if err := t.limiter.Wait(fetchCtx); err != nil {
			return 0, err
		}
		return t.api.UnreadCount(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return t.accept(epoch, res.Val.(int))
	}
}

func (t *Tracker) accept(epoch uint64, n int) (int, error) {
	t.mu.Lock()
	if t.sess.Current() == nil || t.sess.Epoch() != epoch {
		t.mu.Unlock()
		t.log.Debug("discarding stale unread count", "epoch", epoch)
		return 0, ErrStale
	}

	changed := !t.known || t.count != n
	t.count = n
	t.known = true
	fns := t.listenersLocked(changed)
	t.mu.Unlock()

	for _, fn := range fns {
		fn(n)
	}
	return n, nil
}

// HandleSignal schedules a background refresh for signals that can move the
// count. Bursts collapse into at most one extra fetch.
func (t *Tracker) HandleSignal(sig notify.Signal) {
	switch sig.Tag {
	case constants.SignalNewMessage, constants.SignalNotification:
	default:
		return
	}
	t.Kick()
}

// Kick schedules a background refresh without waiting for it.
func (t *Tracker) Kick() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Reset forgets the count, as on logout.
func (t *Tracker) Reset() {
	t.mu.Lock()
	wasNonZero := t.known && t.count != 0
	t.count = 0
	t.known = false
	fns := t.listenersLocked(wasNonZero)
	t.mu.Unlock()

	for _, fn := range fns {
		fn(0)
	}
}

// Close stops background refreshes and waits for the worker to exit.
func (t *Tracker) Close() {
	t.cancel()
	t.wg.Wait()
}

func (t *Tracker) listenersLocked(changed bool) []func(int) {
	if !changed {
		return nil
	}
	fns := make([]func(int), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	return fns
}

func (t *Tracker) worker() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.wake:
		}

		_, err := t.Refresh(t.ctx)
		switch {
		case err == nil, errors.Is(err, ErrNoSession), errors.Is(err, ErrStale):
		case t.ctx.Err() != nil:
			return
		default:
			t.log.Warn("refreshing unread count failed", "error", err)
		}
	}
}
