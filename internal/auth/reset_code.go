package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"time"
)

const MaxResetAttempts = 5

// ResetCodeService hands out the short numeric codes mailed for password resets.
type ResetCodeService struct {
	ttl time.Duration
}

func NewResetCodeService(ttl time.Duration) *ResetCodeService {
	return &ResetCodeService{ttl: ttl}
}

// GenerateCode creates a 6-digit zero-padded numeric code using crypto/rand
func (s *ResetCodeService) GenerateCode() (string, error) {
	max := big.NewInt(1000000)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generating random code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// ExpiresAt returns when a newly created code should expire
func (s *ResetCodeService) ExpiresAt() time.Time {
	return time.Now().Add(s.ttl)
}

func CodesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
