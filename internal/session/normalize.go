package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"stockyard/internal/auth"
	"stockyard/internal/mediaurl"
	"stockyard/internal/models"
)

var ErrInvalidProfile = errors.New("invalid profile")

// Wire names observed for the same concept across backend revisions, in
// order of preference.
var (
	userIDKeys      = []string{"user_id", "userId", "id"}
	displayNameKeys = []string{"user_name", "userName", "name", "displayName"}
	emailKeys       = []string{"email", "sub"}
	avatarKeys      = []string{"profile_image", "profileImage", "image", "image_url", "avatarUrl", "avatar"}
	phoneKeys       = []string{"phone"}
	addressKeys     = []string{"address"}
	genderKeys      = []string{"gender"}
)

type normalizer struct {
	policy       *bluemonday.Policy
	mediaBaseURL string
}

func newNormalizer(mediaBaseURL string) *normalizer {
	return &normalizer{
		policy:       bluemonday.StrictPolicy(),
		mediaBaseURL: mediaBaseURL,
	}
}

// session maps a server profile onto the canonical Session shape. No wire
// field name survives past this point.
func (n *normalizer) session(token string, raw map[string]any) (*models.Session, error) {
	s := &models.Session{
		Token:       cleanString(token),
		UserID:      lookup(raw, userIDKeys...),
		DisplayName: n.text(lookup(raw, displayNameKeys...)),
		Email:       n.text(lookup(raw, emailKeys...)),
		AvatarURL:   mediaurl.Resolve(n.mediaBaseURL, lookup(raw, avatarKeys...)),
		Phone:       n.text(lookup(raw, phoneKeys...)),
		Address:     n.text(lookup(raw, addressKeys...)),
		Gender:      n.text(lookup(raw, genderKeys...)),
	}

	if s.Email == "" {
		if info, ok := auth.InspectToken(s.Token); ok {
			s.Email = info.Subject
		}
	}

	if err := checkRequired(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (n *normalizer) patch(p models.ProfilePatch) models.ProfilePatch {
	out := p
	for _, f := range []**string{&out.DisplayName, &out.Email, &out.Phone, &out.Address, &out.Gender} {
		if *f != nil {
			*f = models.StringPtr(n.text(**f))
		}
	}
	if out.AvatarURL != nil {
		out.AvatarURL = models.StringPtr(mediaurl.Resolve(n.mediaBaseURL, *out.AvatarURL))
	}
	return out
}

// text strips markup and placeholder values from a display field.
func (n *normalizer) text(s string) string {
	s = cleanString(s)
	if s == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(n.policy.Sanitize(s)))
}

func checkRequired(s *models.Session) error {
	switch {
	case s.Token == "":
		return fmt.Errorf("%w: missing token", ErrInvalidProfile)
	case s.UserID == "":
		return fmt.Errorf("%w: missing user id", ErrInvalidProfile)
	case s.DisplayName == "":
		return fmt.Errorf("%w: missing display name", ErrInvalidProfile)
	}
	return nil
}

func lookup(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		if s := stringify(v); s != "" {
			return s
		}
	}
	return ""
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return cleanString(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

// cleanString treats the placeholder strings JavaScript clients used to
// persist for missing values as empty.
func cleanString(s string) string {
	s = strings.TrimSpace(s)
	switch s {
	case "null", "undefined", "[object Object]":
		return ""
	}
	return s
}
