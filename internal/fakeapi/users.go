package fakeapi

import (
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"stockyard/internal/models"
)

var (
	ErrEmailTaken = errors.New("email already registered")
	ErrPhoneTaken = errors.New("phone number already registered")
	ErrNoUser     = errors.New("user not found")
)

type user struct {
	ID           int
	Name         string
	Email        string
	Phone        string
	Gender       string
	Address      string
	ProfileImage *string
	PasswordHash []byte
	// Revoked makes every token issued to the user fail until the next login.
	Revoked bool

	ResetCode      string
	ResetExpiresAt time.Time
	ResetAttempts  int
}

func (u *user) profile() map[string]any {
	return map[string]any{
		"user_id":       u.ID,
		"user_name":     u.Name,
		"profile_image": u.ProfileImage,
	}
}

// userStore is the backend's account and message state, kept in memory.
type userStore struct {
	mu       sync.Mutex
	nextID   int
	byID     map[int]*user
	byEmail  map[string]*user
	messages []*models.Message
	images   map[string][]byte
	cost     int
}

func newUserStore(bcryptCost int) *userStore {
	return &userStore{
		nextID:  1,
		byID:    make(map[int]*user),
		byEmail: make(map[string]*user),
		images:  make(map[string][]byte),
		cost:    bcryptCost,
	}
}

func (s *userStore) create(name, email, phone, gender, address, password string) (*user, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEmail[email]; ok {
		return nil, ErrEmailTaken
	}
	for _, u := range s.byID {
		if u.Phone == phone {
			return nil, ErrPhoneTaken
		}
	}

	u := &user{
		ID:           s.nextID,
		Name:         name,
		Email:        email,
		Phone:        phone,
		Gender:       gender,
		Address:      address,
		PasswordHash: hash,
	}
	s.nextID++
	s.byID[u.ID] = u
	s.byEmail[email] = u
	return u.copy(), nil
}

// details is the full account view returned by profile updates.
func (u *user) details() map[string]any {
	d := u.profile()
	d["email"] = u.Email
	d["phone"] = u.Phone
	d["gender"] = u.Gender
	d["address"] = u.Address
	return d
}

func (u *user) copy() *user {
	c := *u
	return &c
}

func (s *userStore) findByEmail(email string) (*user, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byEmail[email]
	if !ok {
		return nil, false
	}
	return u.copy(), true
}

func (s *userStore) findByID(id int) (*user, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return u.copy(), true
}

// update runs fn against the stored user under the store lock.
func (s *userStore) update(id int, fn func(u *user, others []*user) error) (*user, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return nil, ErrNoUser
	}
	others := make([]*user, 0, len(s.byID))
	for _, o := range s.byID {
		if o.ID != id {
			others = append(others, o)
		}
	}
	if err := fn(u, others); err != nil {
		return nil, err
	}
	return u.copy(), nil
}

// idForResetCode finds the account a pending reset code was issued to.
func (s *userStore) idForResetCode(code string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.byID {
		if u.ResetCode != "" && u.ResetCode == code {
			return u.ID, true
		}
	}
	return 0, false
}

func (s *userStore) checkPassword(u *user, password string) bool {
	return bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) == nil
}

func (s *userStore) hashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), s.cost)
}

func (s *userStore) addMessage(senderID, receiverID int, content string) *models.Message {
	m := &models.Message{
		ID:         uuid.NewString(),
		SenderID:   strconv.Itoa(senderID),
		ReceiverID: strconv.Itoa(receiverID),
		Content:    content,
		Timestamp:  time.Now().UTC(),
	}

	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	return m
}

func (s *userStore) unreadCount(userID int) int {
	id := strconv.Itoa(userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.ReceiverID == id && !m.IsRead {
			n++
		}
	}
	return n
}

func (s *userStore) markAllRead(userID int) {
	id := strconv.Itoa(userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ReceiverID == id {
			m.IsRead = true
		}
	}
}

// conversation returns messages between a and b in time order and marks the
// ones addressed to a as read.
func (s *userStore) conversation(a, b int) []models.Message {
	ida, idb := strconv.Itoa(a), strconv.Itoa(b)

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.messages {
		if (m.SenderID == ida && m.ReceiverID == idb) || (m.SenderID == idb && m.ReceiverID == ida) {
			if m.ReceiverID == ida {
				m.IsRead = true
			}
			out = append(out, *m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (s *userStore) putImage(name string, data []byte) {
	s.mu.Lock()
	s.images[name] = data
	s.mu.Unlock()
}

func (s *userStore) image(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.images[name]
	return data, ok
}
