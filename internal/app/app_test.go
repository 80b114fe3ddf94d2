package app

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"stockyard/internal/apiclient"
	"stockyard/internal/config"
	"stockyard/internal/credstore"
	"stockyard/internal/db"
	"stockyard/internal/fakeapi"
	"stockyard/internal/notify"
	"stockyard/internal/session"
	"stockyard/internal/unread"
)

func newBackend(t *testing.T) (*fakeapi.Server, string) {
	t.Helper()

	srv := fakeapi.New(fakeapi.Config{}, nil)
	ts := httptest.NewServer(srv)
	srv.SetBaseURL(ts.URL)
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})
	return srv, ts.URL
}

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		API: config.APIConfig{
			BaseURL:  baseURL,
			WSURL:    "ws" + strings.TrimPrefix(baseURL, "http"),
			MediaURL: baseURL,
			Timeout:  5 * time.Second,
		},
		Notify: config.NotifyConfig{
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    50 * time.Millisecond,
			StableAfter: time.Hour,
		},
		Unread: config.UnreadConfig{MinInterval: time.Millisecond},
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []session.Event
}

func (l *eventLog) record(ev session.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) last() (session.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return session.Event{}, false
	}
	return l.events[len(l.events)-1], true
}

func TestSessionLifecycleDrivesChannelAndUnread(t *testing.T) {
	srv, baseURL := newBackend(t)
	anaID, _ := srv.CreateUser("Ana", "ana@example.com", "555-0100", "secret1")
	bobID, _ := srv.CreateUser("Bob", "bob@example.com", "555-0101", "secret2")
	srv.SetUnread(anaID, 2)

	store := credstore.NewMemoryStore()
	a := New(testConfig(baseURL), store, nil)
	defer a.Close()

	events := &eventLog{}
	a.Session.Subscribe(events.record)

	if s := a.Start(); s != nil {
		t.Fatalf("Start() = %+v, want nil on empty store", s)
	}

	if _, err := a.Account.Login(context.Background(), apiclient.LoginRequest{Email: "ana@example.com", Password: "secret1"}); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	waitFor(t, "channel open", func() bool {
		return a.Notify.State() == notify.StateOpen && srv.ConnectionCount(anaID) == 1
	})
	waitFor(t, "initial unread", func() bool {
		n, ok := a.Unread.Count()
		return ok && n == 2
	})

	srv.SendMessage(bobID, anaID, "still selling the heifers?")
	waitFor(t, "unread after signal", func() bool {
		n, _ := a.Unread.Count()
		return n == 3
	})

	a.Account.Logout()
	if a.Notify.State() != notify.StateClosed {
		t.Fatalf("channel state after logout = %v, want closed", a.Notify.State())
	}
	if n, ok := a.Unread.Count(); ok || n != 0 {
		t.Fatalf("unread after logout = %d, %v, want 0, false", n, ok)
	}
	waitFor(t, "socket closed", func() bool { return srv.ConnectionCount(anaID) == 0 })
	if store.Len() != 0 {
		t.Fatalf("store entries after logout = %d, want 0", store.Len())
	}

	ev, _ := events.last()
	if ev.Type != session.EventEnded || ev.Reason != session.ReasonLogout {
		t.Fatalf("last event = %+v, want ended/logout", ev)
	}
}

func TestRejectedTokenEndsSession(t *testing.T) {
	srv, baseURL := newBackend(t)
	id, _ := srv.CreateUser("Ana", "ana@example.com", "555-0100", "secret1")

	a := New(testConfig(baseURL), credstore.NewMemoryStore(), nil)
	defer a.Close()
	a.Start()

	events := &eventLog{}
	a.Session.Subscribe(events.record)

	if _, err := a.Account.Login(context.Background(), apiclient.LoginRequest{Email: "ana@example.com", Password: "secret1"}); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	waitFor(t, "channel open", func() bool { return srv.ConnectionCount(id) == 1 })
	waitFor(t, "initial unread", func() bool {
		_, ok := a.Unread.Count()
		return ok
	})

	srv.ExpireTokens(id)
	_, err := a.Unread.Refresh(context.Background())
	if !errors.Is(err, apiclient.ErrUnauthorized) {
		t.Fatalf("Refresh() error = %v, want %v", err, apiclient.ErrUnauthorized)
	}

	if a.Session.Current() != nil {
		t.Fatal("session still active after 401")
	}
	ev, _ := events.last()
	if ev.Type != session.EventEnded || ev.Reason != session.ReasonUnauthorized {
		t.Fatalf("last event = %+v, want ended/unauthorized", ev)
	}
	if a.Transport.Token() != "" {
		t.Fatal("pipeline still carries a token")
	}
	waitFor(t, "socket closed", func() bool { return srv.ConnectionCount(id) == 0 })
}

func TestStaleUnauthorizedDoesNotEndNewSession(t *testing.T) {
	srv, baseURL := newBackend(t)
	srv.CreateUser("Ana", "ana@example.com", "555-0100", "secret1")

	a := New(testConfig(baseURL), credstore.NewMemoryStore(), nil)
	defer a.Close()
	a.Start()

	if _, err := a.Account.Login(context.Background(), apiclient.LoginRequest{Email: "ana@example.com", Password: "secret1"}); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	a.handleUnauthorized("token-from-an-earlier-session")
	a.handleUnauthorized("")
	cur := a.Session.Current()
	if cur == nil {
		t.Fatal("stale 401 ended the current session")
	}

	a.handleUnauthorized(cur.Token)
	if a.Session.Current() != nil {
		t.Fatal("401 for the current token left the session active")
	}
}

func TestRestoreKeepsSessionOffline(t *testing.T) {
	srv, baseURL := newBackend(t)
	id, _ := srv.CreateUser("Ana", "ana@example.com", "555-0100", "secret1")
	store := credstore.NewMemoryStore()

	first := New(testConfig(baseURL), store, nil)
	first.Restore()
	if _, err := first.Account.Login(context.Background(), apiclient.LoginRequest{Email: "ana@example.com", Password: "secret1"}); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	first.Close()

	second := New(testConfig(baseURL), store, nil)
	defer second.Close()
	if s := second.Restore(); s == nil {
		t.Fatal("Restore() = nil, want the persisted session")
	}

	time.Sleep(200 * time.Millisecond)
	if n := srv.ConnectionsOpened(id); n != 0 {
		t.Fatalf("ConnectionsOpened() = %d, want 0 without Start", n)
	}
	if _, ok := second.Unread.Count(); ok {
		t.Fatal("unread count fetched in the background without Start")
	}
	if second.Notify.State() != notify.StateClosed {
		t.Fatalf("channel state = %s, want closed", second.Notify.State())
	}

	// an explicit refresh still works
	if _, err := second.Unread.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
}

func TestRestartRestoresPersistedSession(t *testing.T) {
	srv, baseURL := newBackend(t)
	id, _ := srv.CreateUser("Ana", "ana@example.com", "555-0100", "secret1")
	path := filepath.Join(t.TempDir(), "client.db")

	first, err := OpenStore(config.StoreConfig{Driver: "sqlite", Path: path, Namespace: "test"})
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	a := New(testConfig(baseURL), first, nil)
	a.Start()
	if _, err := a.Account.Login(context.Background(), apiclient.LoginRequest{Email: "ana@example.com", Password: "secret1"}); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	want := a.Session.Current()
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	waitFor(t, "first socket closed", func() bool { return srv.ConnectionCount(id) == 0 })

	second, err := OpenStore(config.StoreConfig{Driver: "sqlite", Path: path, Namespace: "test"})
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	b := New(testConfig(baseURL), second, nil)
	defer b.Close()

	got := b.Start()
	if got == nil || *got != *want {
		t.Fatalf("Start() = %+v, want %+v", got, want)
	}
	if b.Transport.Token() != want.Token {
		t.Fatal("restored token not installed in pipeline")
	}
	waitFor(t, "restored channel", func() bool { return srv.ConnectionCount(id) == 1 })
	waitFor(t, "restored unread", func() bool {
		_, ok := b.Unread.Count()
		return ok
	})
}

func TestOpenStore(t *testing.T) {
	mem, err := OpenStore(config.StoreConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("OpenStore(memory) error = %v", err)
	}
	if _, ok := mem.(*credstore.MemoryStore); !ok {
		t.Fatalf("OpenStore(memory) = %T", mem)
	}

	sqlite, err := OpenStore(config.StoreConfig{
		Driver:    "sqlite",
		Path:      filepath.Join(t.TempDir(), "nested", "client.db"),
		Namespace: "test",
	})
	if err != nil {
		t.Fatalf("OpenStore(sqlite) error = %v", err)
	}
	cs, ok := sqlite.(*db.CredentialStore)
	if !ok {
		t.Fatalf("OpenStore(sqlite) = %T", sqlite)
	}
	cs.Close()

	mr := miniredis.RunT(t)
	rs, err := OpenStore(config.StoreConfig{Driver: "redis", RedisAddr: mr.Addr(), Namespace: "test", Timeout: time.Second})
	if err != nil {
		t.Fatalf("OpenStore(redis) error = %v", err)
	}
	defer rs.(*credstore.RedisStore).Close()
	if err := rs.Write("authToken", "tok"); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !mr.Exists("test:authToken") {
		t.Fatalf("redis keys = %v, want test:authToken", mr.Keys())
	}

	if _, err := OpenStore(config.StoreConfig{Driver: "etcd"}); err == nil {
		t.Fatal("OpenStore(etcd) error = nil, want error")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	_, baseURL := newBackend(t)
	a := New(testConfig(baseURL), credstore.NewMemoryStore(), nil)
	a.Start()

	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, err := a.Unread.Refresh(context.Background()); !errors.Is(err, unread.ErrNoSession) {
		t.Fatalf("Refresh() after Close error = %v, want %v", err, unread.ErrNoSession)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
