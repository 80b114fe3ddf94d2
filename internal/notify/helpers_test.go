package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stockyard/internal/fakeapi"
)

func httptestServer(t *testing.T, srv *fakeapi.Server) string {
	t.Helper()

	ts := httptest.NewServer(srv)
	srv.SetBaseURL(ts.URL)
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})
	return ts.URL
}

func loginToken(t *testing.T, baseURL, email, password string) string {
	t.Helper()

	payload, _ := json.Marshal(map[string]string{"email": email, "password": password})
	resp, err := http.Post(baseURL+"/login", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST /login error = %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding login response error = %v", err)
	}
	if out.AccessToken == "" {
		t.Fatalf("login returned no token (status %d)", resp.StatusCode)
	}
	return out.AccessToken
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
