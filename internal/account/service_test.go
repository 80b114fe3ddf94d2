package account

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"stockyard/internal/apiclient"
	"stockyard/internal/avatar"
	"stockyard/internal/constants"
	"stockyard/internal/credstore"
	"stockyard/internal/fakeapi"
	"stockyard/internal/models"
	"stockyard/internal/session"
	"stockyard/internal/transport"
)

type harness struct {
	srv   *fakeapi.Server
	url   string
	store *credstore.MemoryStore
	sess  *session.Container
	svc   *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

// newHarnessWith serves the fake backend through wrap, when set.
func newHarnessWith(t *testing.T, wrap func(http.Handler) http.Handler) *harness {
	t.Helper()

	srv := fakeapi.New(fakeapi.Config{}, nil)
	var handler http.Handler = srv
	if wrap != nil {
		handler = wrap(srv)
	}
	ts := httptest.NewServer(handler)
	srv.SetBaseURL(ts.URL)
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})

	rt := transport.NewAuthTransport(nil)
	api := apiclient.New(ts.URL, rt.Client(), nil)
	store := credstore.NewMemoryStore()
	sess := session.New(store, rt, session.Options{MediaBaseURL: ts.URL})
	sess.Initialize()

	return &harness{srv: srv, url: ts.URL, store: store, sess: sess, svc: NewService(api, sess, nil)}
}

func (h *harness) login(t *testing.T) {
	t.Helper()
	if _, err := h.srv.CreateUser("Ana", "ana@example.com", "555-0100", "secret1"); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if _, err := h.svc.Login(context.Background(), apiclient.LoginRequest{Email: "ana@example.com", Password: "secret1"}); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
}

func TestLoginStartsSession(t *testing.T) {
	h := newHarness(t)
	id, _ := h.srv.CreateUser("Ana", "ana@example.com", "555-0100", "secret1")

	s, err := h.svc.Login(context.Background(), apiclient.LoginRequest{Email: "ana@example.com", Password: "secret1"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if s.DisplayName != "Ana" || s.Email != "ana@example.com" || s.AvatarURL != "" {
		t.Fatalf("session = %+v", s)
	}
	if s.UserID != strconv.Itoa(id) {
		t.Fatalf("UserID = %q, want %d", s.UserID, id)
	}
	if h.store.Len() != 2 {
		t.Fatalf("store entries = %d, want 2", h.store.Len())
	}
}

func TestLoginFailureLeavesSessionUntouched(t *testing.T) {
	h := newHarness(t)
	h.srv.CreateUser("Ana", "ana@example.com", "555-0100", "secret1")

	_, err := h.svc.Login(context.Background(), apiclient.LoginRequest{Email: "ana@example.com", Password: "wrong"})
	if !errors.Is(err, apiclient.ErrInvalidCredentials) {
		t.Fatalf("Login() error = %v, want %v", err, apiclient.ErrInvalidCredentials)
	}
	if h.sess.Current() != nil {
		t.Fatal("session started after failed login")
	}
	if h.store.Len() != 0 {
		t.Fatalf("store entries = %d, want 0", h.store.Len())
	}
}

func TestSignupStartsSession(t *testing.T) {
	h := newHarness(t)

	s, err := h.svc.Signup(context.Background(), apiclient.SignupRequest{
		Name: "Bob", Email: "bob@example.com", Phone: "555-0101", Password: "secret2",
	})
	if err != nil {
		t.Fatalf("Signup() error = %v", err)
	}
	if s.DisplayName != "Bob" || s.Email != "bob@example.com" {
		t.Fatalf("session = %+v", s)
	}

	_, err = h.svc.Signup(context.Background(), apiclient.SignupRequest{
		Name: "Bob", Email: "bob@example.com", Phone: "555-0102", Password: "secret2",
	})
	if !errors.Is(err, apiclient.ErrConflict) {
		t.Fatalf("duplicate Signup() error = %v, want %v", err, apiclient.ErrConflict)
	}
	if cur := h.sess.Current(); cur == nil || cur.Email != "bob@example.com" {
		t.Fatalf("session after failed signup = %+v", cur)
	}
}

func TestUpdateProfileMirrorsSavedFields(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	s, err := h.svc.UpdateProfile(context.Background(), apiclient.UpdateProfileRequest{Name: "Ana Maria", Address: "1 Farm Road"})
	if err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	if s.DisplayName != "Ana Maria" || s.Address != "1 Farm Road" || s.Email != "ana@example.com" {
		t.Fatalf("session = %+v", s)
	}
}

func TestUpdateProfileRejectedByBackendKeepsSession(t *testing.T) {
	h := newHarness(t)
	h.srv.CreateUser("Bob", "bob@example.com", "555-0199", "secret2")
	h.login(t)
	before := h.sess.Current()

	_, err := h.svc.UpdateProfile(context.Background(), apiclient.UpdateProfileRequest{Phone: "555-0199"})
	if !errors.Is(err, apiclient.ErrConflict) {
		t.Fatalf("UpdateProfile() error = %v, want %v", err, apiclient.ErrConflict)
	}
	if after := h.sess.Current(); *after != *before {
		t.Fatalf("session changed after rejected update: %+v", after)
	}
}

func TestUpdateProfileWithoutSession(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.UpdateProfile(context.Background(), apiclient.UpdateProfileRequest{Name: "x"})
	if !errors.Is(err, session.ErrNoActiveSession) {
		t.Fatalf("UpdateProfile() error = %v, want %v", err, session.ErrNoActiveSession)
	}
}

func TestUploadAvatarShrinksAndStoresURL(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	img := image.NewRGBA(image.Rect(0, 0, 1024, 600))
	for y := 0; y < 600; y++ {
		for x := 0; x < 1024; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}

	s, err := h.svc.UploadAvatar(context.Background(), "cow.png", buf.Bytes())
	if err != nil {
		t.Fatalf("UploadAvatar() error = %v", err)
	}
	if !strings.HasPrefix(s.AvatarURL, h.url+"/static/uploads/") || !strings.HasSuffix(s.AvatarURL, ".jpg") {
		t.Fatalf("AvatarURL = %q", s.AvatarURL)
	}
}

func TestUploadAvatarRejectsNonImage(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	_, err := h.svc.UploadAvatar(context.Background(), "notes.txt", []byte("plain text"))
	if !errors.Is(err, avatar.ErrNotImage) {
		t.Fatalf("UploadAvatar() error = %v, want %v", err, avatar.ErrNotImage)
	}
	if h.sess.Current().AvatarURL != "" {
		t.Fatal("avatar changed after rejected upload")
	}
}

func TestChangePassword(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	err := h.svc.ChangePassword(context.Background(), apiclient.ChangePasswordRequest{OldPassword: "nope12", NewPassword: "fresh12"})
	if !errors.Is(err, apiclient.ErrValidation) {
		t.Fatalf("ChangePassword(wrong old) error = %v, want %v", err, apiclient.ErrValidation)
	}

	if err := h.svc.ChangePassword(context.Background(), apiclient.ChangePasswordRequest{OldPassword: "secret1", NewPassword: "fresh12"}); err != nil {
		t.Fatalf("ChangePassword() error = %v", err)
	}

	h.svc.Logout()
	if _, err := h.svc.Login(context.Background(), apiclient.LoginRequest{Email: "ana@example.com", Password: "fresh12"}); err != nil {
		t.Fatalf("Login(new password) error = %v", err)
	}
}

func TestPasswordReset(t *testing.T) {
	h := newHarness(t)
	h.srv.CreateUser("Ana", "ana@example.com", "555-0100", "secret1")

	if err := h.svc.RequestPasswordReset(context.Background(), "ana@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset() error = %v", err)
	}
	code := h.srv.LastResetCode("ana@example.com")
	if err := h.svc.ResetPassword(context.Background(), code, "fresh12"); err != nil {
		t.Fatalf("ResetPassword() error = %v", err)
	}
	if _, err := h.svc.Login(context.Background(), apiclient.LoginRequest{Email: "ana@example.com", Password: "fresh12"}); err != nil {
		t.Fatalf("Login(new password) error = %v", err)
	}
}

func TestLogoutClearsStore(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	h.svc.Logout()
	if h.sess.Current() != nil {
		t.Fatal("session still active after Logout()")
	}
	if h.store.Len() != 0 {
		t.Fatalf("store entries = %d, want 0", h.store.Len())
	}
}

// holdRequests parks requests to method+path until release is closed, after
// signalling entered.
func holdRequests(method, path string, entered chan<- struct{}, release <-chan struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == method && r.URL.Path == path {
				entered <- struct{}{}
				<-release
			}
			next.ServeHTTP(w, r)
		})
	}
}

// switchUser logs the current user out and Bob in, as another person would
// on the same device.
func (h *harness) switchUser(t *testing.T) {
	t.Helper()
	h.svc.Logout()
	if _, err := h.srv.CreateUser("Bob", "bob@example.com", "555-0101", "secret2"); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if _, err := h.svc.Login(context.Background(), apiclient.LoginRequest{Email: "bob@example.com", Password: "secret2"}); err != nil {
		t.Fatalf("Login(bob) error = %v", err)
	}
}

func (h *harness) assertBobUntouched(t *testing.T) {
	t.Helper()

	cur := h.sess.Current()
	if cur == nil || cur.Email != "bob@example.com" || cur.DisplayName != "Bob" || cur.AvatarURL != "" {
		t.Fatalf("current session = %+v, want Bob unchanged", cur)
	}

	record, err := h.store.Read(constants.KeySessionProfile)
	if err != nil {
		t.Fatalf("store.Read() error = %v", err)
	}
	var persisted models.Session
	if err := json.Unmarshal([]byte(record), &persisted); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if persisted.DisplayName != "Bob" || persisted.AvatarURL != "" {
		t.Fatalf("persisted session = %+v, want Bob unchanged", persisted)
	}
}

func TestUpdateProfileDroppedAfterUserSwitch(t *testing.T) {
	entered, release := make(chan struct{}), make(chan struct{})
	h := newHarnessWith(t, holdRequests(http.MethodPut, "/users/me", entered, release))
	h.login(t)

	errc := make(chan error, 1)
	go func() {
		_, err := h.svc.UpdateProfile(context.Background(), apiclient.UpdateProfileRequest{Name: "Ana Renamed"})
		errc <- err
	}()

	<-entered
	h.switchUser(t)
	close(release)

	if err := <-errc; !errors.Is(err, session.ErrSessionChanged) {
		t.Fatalf("UpdateProfile() error = %v, want %v", err, session.ErrSessionChanged)
	}
	h.assertBobUntouched(t)
}

func TestUploadAvatarDroppedAfterUserSwitch(t *testing.T) {
	entered, release := make(chan struct{}), make(chan struct{})
	h := newHarnessWith(t, holdRequests(http.MethodPut, "/users/me/image", entered, release))
	h.login(t)

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := h.svc.UploadAvatar(context.Background(), "me.png", buf.Bytes())
		errc <- err
	}()

	<-entered
	h.switchUser(t)
	close(release)

	if err := <-errc; !errors.Is(err, session.ErrSessionChanged) {
		t.Fatalf("UploadAvatar() error = %v, want %v", err, session.ErrSessionChanged)
	}
	h.assertBobUntouched(t)
}
