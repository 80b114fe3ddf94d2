package session

import (
	"errors"
	"testing"
	"time"

	"stockyard/internal/auth"
)

func TestNormalizeFieldNameVariants(t *testing.T) {
	n := newNormalizer("http://localhost:8000")

	tests := []struct {
		name       string
		raw        map[string]any
		wantID     string
		wantName   string
		wantEmail  string
		wantAvatar string
	}{
		{
			name:       "login_response",
			raw:        map[string]any{"user_id": float64(12), "user_name": "Ali", "profile_image": "http://localhost:8000/static/a.png"},
			wantID:     "12",
			wantName:   "Ali",
			wantAvatar: "http://localhost:8000/static/a.png",
		},
		{
			name:      "camel_case",
			raw:       map[string]any{"userId": "u1", "displayName": "Sara", "email": "s@x.io"},
			wantID:    "u1",
			wantName:  "Sara",
			wantEmail: "s@x.io",
		},
		{
			name:       "sub_and_relative_image",
			raw:        map[string]any{"id": 3, "name": "Omar", "sub": "o@x.io", "image": "static/uploads/o.png"},
			wantID:     "3",
			wantName:   "Omar",
			wantEmail:  "o@x.io",
			wantAvatar: "http://localhost:8000/static/uploads/o.png",
		},
		{
			name:     "null_avatar",
			raw:      map[string]any{"user_id": 1, "user_name": "A", "profile_image": "null"},
			wantID:   "1",
			wantName: "A",
		},
		{
			name:     "markup_stripped",
			raw:      map[string]any{"user_id": 1, "user_name": "<b>Tom</b> & Jerry"},
			wantID:   "1",
			wantName: "Tom & Jerry",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := n.session("tok", tt.raw)
			if err != nil {
				t.Fatalf("session() error = %v", err)
			}
			if s.UserID != tt.wantID || s.DisplayName != tt.wantName || s.Email != tt.wantEmail || s.AvatarURL != tt.wantAvatar {
				t.Fatalf("session() = %+v, want id=%q name=%q email=%q avatar=%q",
					s, tt.wantID, tt.wantName, tt.wantEmail, tt.wantAvatar)
			}
		})
	}
}

func TestNormalizeEmailFromTokenSubject(t *testing.T) {
	token, _, err := auth.NewJWTService("0123456789abcdef0123456789abcdef", time.Minute).GenerateAccessToken("1", "ali@example.com")
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	s, err := newNormalizer("").session(token, map[string]any{"user_id": 1, "user_name": "Ali"})
	if err != nil {
		t.Fatalf("session() error = %v", err)
	}
	if s.Email != "ali@example.com" {
		t.Fatalf("Email = %q, want ali@example.com", s.Email)
	}
}

func TestNormalizeMissingRequiredFields(t *testing.T) {
	n := newNormalizer("")

	tests := []struct {
		name  string
		token string
		raw   map[string]any
	}{
		{name: "no_token", token: "", raw: map[string]any{"user_id": 1, "user_name": "A"}},
		{name: "no_id", token: "t", raw: map[string]any{"user_name": "A"}},
		{name: "no_name", token: "t", raw: map[string]any{"user_id": 1}},
		{name: "bool_id", token: "t", raw: map[string]any{"user_id": true, "user_name": "A"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := n.session(tt.token, tt.raw); !errors.Is(err, ErrInvalidProfile) {
				t.Fatalf("session() error = %v, want ErrInvalidProfile", err)
			}
		})
	}
}
