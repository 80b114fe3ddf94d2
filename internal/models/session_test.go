package models

import "testing"

func TestProfilePatchApplyLeavesUnsetFields(t *testing.T) {
	base := &Session{Token: "tok", UserID: "7", DisplayName: "Ali", AvatarURL: "http://x/a.png"}

	got := ProfilePatch{DisplayName: StringPtr("X")}.Apply(base)

	if got.DisplayName != "X" {
		t.Fatalf("DisplayName = %q, want X", got.DisplayName)
	}
	if got.AvatarURL != base.AvatarURL || got.UserID != "7" || got.Token != "tok" {
		t.Fatalf("Apply() touched unrelated fields: %+v", got)
	}
	if base.DisplayName != "Ali" {
		t.Fatalf("Apply() mutated its input: %+v", base)
	}
}

func TestSessionValid(t *testing.T) {
	tests := []struct {
		name string
		s    *Session
		want bool
	}{
		{name: "nil", s: nil, want: false},
		{name: "complete", s: &Session{Token: "t", UserID: "1", DisplayName: "n"}, want: true},
		{name: "no_token", s: &Session{UserID: "1", DisplayName: "n"}, want: false},
		{name: "no_name", s: &Session{Token: "t", UserID: "1"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.Valid(); got != tt.want {
				t.Fatalf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}
