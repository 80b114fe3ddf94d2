package fakeapi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"stockyard/internal/auth"
	"stockyard/internal/blob"
	"stockyard/internal/constants"
)

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type signupRequest struct {
	Name     string `json:"name" validate:"required,max=100"`
	Email    string `json:"email" validate:"required,email"`
	Phone    string `json:"phone" validate:"required,max=20"`
	Gender   string `json:"gender" validate:"omitempty,oneof=male female other"`
	Address  string `json:"address" validate:"max=200"`
	Password string `json:"password" validate:"required,min=6"`
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=6"`
}

type forgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=6"`
}

type sendMessageRequest struct {
	ReceiverID int    `json:"receiver_id" validate:"required,gt=0"`
	Content    string `json:"content" validate:"required,max=4000"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeAndValidate(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	u, ok := s.users.findByEmail(strings.ToLower(strings.TrimSpace(req.Email)))
	if !ok || !s.users.checkPassword(u, req.Password) {
		writeDetail(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}

	if u.Revoked {
		u, _ = s.users.update(u.ID, func(stored *user, _ []*user) error {
			stored.Revoked = false
			return nil
		})
	}

	s.issueToken(w, u)
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeAndValidate(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	u, err := s.users.create(strings.TrimSpace(req.Name), email, strings.TrimSpace(req.Phone), req.Gender, req.Address, req.Password)
	switch {
	case errors.Is(err, ErrEmailTaken):
		badRequest(w, "Email already registered")
		return
	case errors.Is(err, ErrPhoneTaken):
		badRequest(w, "Phone number already registered")
		return
	case err != nil:
		s.log.Error("failed to create user", "error", err)
		internalError(w)
		return
	}

	s.issueToken(w, u)
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		badRequest(w, "invalid form body")
		return
	}

	fields := map[string]string{}
	for _, key := range []string{"name", "phone", "gender", "address"} {
		if v := strings.TrimSpace(r.PostForm.Get(key)); v != "" {
			fields[key] = v
		}
	}
	if len(fields) == 0 {
		badRequest(w, "No fields to update")
		return
	}
	if g, ok := fields["gender"]; ok && g != "male" && g != "female" && g != "other" {
		badRequest(w, "invalid gender")
		return
	}

	u, err := s.users.update(currentUserID(r), func(u *user, others []*user) error {
		if phone, ok := fields["phone"]; ok {
			for _, o := range others {
				if o.Phone == phone {
					return ErrPhoneTaken
				}
			}
			u.Phone = phone
		}
		if name, ok := fields["name"]; ok {
			u.Name = name
		}
		if gender, ok := fields["gender"]; ok {
			u.Gender = gender
		}
		if address, ok := fields["address"]; ok {
			u.Address = address
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrPhoneTaken):
		badRequest(w, "Phone number already registered")
		return
	case errors.Is(err, ErrNoUser):
		notFound(w, "User not found")
		return
	case err != nil:
		internalError(w)
		return
	}

	writeJSON(w, http.StatusOK, u.details())
}

var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeDetail(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		badRequest(w, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, constants.AvatarMaxBytes+1))
	if err != nil {
		badRequest(w, "could not read file")
		return
	}
	if len(data) > constants.AvatarMaxBytes {
		writeDetail(w, http.StatusRequestEntityTooLarge, "File too large")
		return
	}

	name, err := s.storeImage(r, header.Filename, data)
	switch {
	case errors.Is(err, blob.ErrDisallowedType), errors.Is(err, blob.ErrExecutableFile):
		badRequest(w, "Only image files are allowed")
		return
	case errors.Is(err, blob.ErrFileTooLarge):
		writeDetail(w, http.StatusRequestEntityTooLarge, "File too large")
		return
	case err != nil:
		s.log.Error("failed to store image", "error", err)
		internalError(w)
		return
	}
	imageURL := fmt.Sprintf("%s/static/uploads/%s", strings.TrimRight(s.baseURL, "/"), name)

	if _, err := s.users.update(currentUserID(r), func(u *user, _ []*user) error {
		u.ProfileImage = &imageURL
		return nil
	}); err != nil {
		notFound(w, "User not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"image_url": imageURL})
}

// storeImage keeps an uploaded image and returns the name it is served under.
func (s *Server) storeImage(r *http.Request, filename string, data []byte) (string, error) {
	if s.cfg.Uploads != nil {
		stored, err := s.cfg.Uploads.Save(r.Context(), filename, bytes.NewReader(data))
		if err != nil {
			return "", err
		}
		return stored.StoragePath, nil
	}

	ext, ok := imageExtensions[mimetype.Detect(data).String()]
	if !ok {
		return "", blob.ErrDisallowedType
	}
	name := uuid.NewString() + ext
	s.users.putImage(name, data)
	return name, nil
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if s.cfg.Uploads != nil {
		f, err := s.cfg.Uploads.Open(name)
		if err != nil {
			notFound(w, "Image not found")
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			internalError(w)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=3600")
		http.ServeContent(w, r, name, info.ModTime(), f)
		return
	}

	data, ok := s.users.image(name)
	if !ok {
		notFound(w, "Image not found")
		return
	}
	w.Header().Set("Content-Type", mimetype.Detect(data).String())
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeAndValidate(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	hash, err := s.users.hashPassword(req.NewPassword)
	if err != nil {
		internalError(w)
		return
	}

	_, err = s.users.update(currentUserID(r), func(u *user, _ []*user) error {
		if !s.users.checkPassword(u, req.OldPassword) {
			return errWrongPassword
		}
		u.PasswordHash = hash
		return nil
	})
	switch {
	case errors.Is(err, errWrongPassword):
		badRequest(w, "Current password is incorrect")
		return
	case err != nil:
		internalError(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Password updated"})
}

var (
	errWrongPassword = errors.New("wrong password")
	errResetExpired  = errors.New("reset code expired")
)

// handleForgotPassword issues a reset code. It answers the same way whether
// or not the email is registered.
func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decodeAndValidate(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	if u, ok := s.users.findByEmail(strings.ToLower(strings.TrimSpace(req.Email))); ok {
		code, err := s.resets.GenerateCode()
		if err != nil {
			internalError(w)
			return
		}
		expires := s.resets.ExpiresAt()
		s.users.update(u.ID, func(u *user, _ []*user) error {
			u.ResetCode = code
			u.ResetExpiresAt = expires
			u.ResetAttempts = 0
			return nil
		})
		s.sendResetCode(u, code)
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "If the email is registered, a reset code has been sent"})
}

func (s *Server) sendResetCode(u *user, code string) {
	if s.cfg.Mailer == nil {
		s.log.Info("password reset code issued", "user_id", u.ID, "email", u.Email, "code", code)
		return
	}
	if err := s.cfg.Mailer.SendResetCode(u.Email, code, s.cfg.ResetCodeTTL); err != nil {
		s.log.Error("failed to mail reset code", "user_id", u.ID, "error", err)
		return
	}
	s.log.Info("password reset code mailed", "user_id", u.ID)
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeAndValidate(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	id, ok := s.users.idForResetCode(req.Token)
	if !ok {
		badRequest(w, "Invalid or expired reset code")
		return
	}

	hash, err := s.users.hashPassword(req.NewPassword)
	if err != nil {
		internalError(w)
		return
	}

	_, err = s.users.update(id, func(u *user, _ []*user) error {
		u.ResetAttempts++
		if u.ResetAttempts > auth.MaxResetAttempts || time.Now().After(u.ResetExpiresAt) {
			u.ResetCode = ""
			return errResetExpired
		}
		if !auth.CodesEqual(u.ResetCode, req.Token) {
			return errResetExpired
		}
		u.PasswordHash = hash
		u.ResetCode = ""
		u.Revoked = true
		return nil
	})
	if err != nil {
		badRequest(w, "Invalid or expired reset code")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Password has been reset"})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"count": s.users.unreadCount(currentUserID(r))})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeAndValidate(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if _, ok := s.users.findByID(req.ReceiverID); !ok {
		notFound(w, "Receiver not found")
		return
	}

	senderID := currentUserID(r)
	m := s.users.addMessage(senderID, req.ReceiverID, req.Content)
	s.hub.notify(req.ReceiverID, fmt.Sprintf("%s:%d", constants.SignalNewMessage, senderID))

	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	otherID, err := strconv.Atoi(chi.URLParam(r, "otherID"))
	if err != nil {
		notFound(w, "User not found")
		return
	}
	msgs := s.users.conversation(currentUserID(r), otherID)
	if msgs == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}
