package models

// Session is the authenticated identity known to the client. A nil *Session
// means logged out.
type Session struct {
	Token       string `json:"-"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Address     string `json:"address,omitempty"`
	Gender      string `json:"gender,omitempty"`
}

// Valid reports whether the session carries the fields every consumer relies on.
func (s *Session) Valid() bool {
	return s != nil && s.Token != "" && s.UserID != "" && s.DisplayName != ""
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// ProfilePatch holds a partial profile update. Nil fields are left untouched.
type ProfilePatch struct {
	DisplayName *string
	Email       *string
	AvatarURL   *string
	Phone       *string
	Address     *string
	Gender      *string
}

func (p ProfilePatch) Empty() bool {
	return p.DisplayName == nil && p.Email == nil && p.AvatarURL == nil &&
		p.Phone == nil && p.Address == nil && p.Gender == nil
}

// Apply merges the patch into a copy of s.
func (p ProfilePatch) Apply(s *Session) *Session {
	out := s.Clone()
	if out == nil {
		return nil
	}
	if p.DisplayName != nil {
		out.DisplayName = *p.DisplayName
	}
	if p.Email != nil {
		out.Email = *p.Email
	}
	if p.AvatarURL != nil {
		out.AvatarURL = *p.AvatarURL
	}
	if p.Phone != nil {
		out.Phone = *p.Phone
	}
	if p.Address != nil {
		out.Address = *p.Address
	}
	if p.Gender != nil {
		out.Gender = *p.Gender
	}
	return out
}

func StringPtr(s string) *string {
	return &s
}
