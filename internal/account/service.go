// Package account runs the user-facing flows that talk to the backend and
// then update the session. The session only changes after the backend has
// accepted the request.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"stockyard/internal/apiclient"
	"stockyard/internal/avatar"
	"stockyard/internal/constants"
	"stockyard/internal/models"
	"stockyard/internal/session"
)

type Service struct {
	api    *apiclient.Client
	sess   *session.Container
	log    *slog.Logger
	avatar avatar.Options
}

func NewService(api *apiclient.Client, sess *session.Container, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		api:  api,
		sess: sess,
		log:  logger.With("component", "account"),
		avatar: avatar.Options{
			MaxEdge:  constants.AvatarMaxEdge,
			Quality:  constants.AvatarJPEGQuality,
			MaxBytes: constants.AvatarMaxBytes,
		},
	}
}

func (s *Service) Login(ctx context.Context, req apiclient.LoginRequest) (*models.Session, error) {
	res, err := s.api.Login(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.start(res)
}

func (s *Service) Signup(ctx context.Context, req apiclient.SignupRequest) (*models.Session, error) {
	res, err := s.api.Signup(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, ok := res.Profile["email"]; !ok {
		res.Profile["email"] = req.Email
	}
	return s.start(res)
}

func (s *Service) start(res *apiclient.AuthResult) (*models.Session, error) {
	sess, err := s.sess.Login(res.Token, res.Profile)
	if err != nil {
		return nil, fmt.Errorf("starting session: %w", err)
	}
	return sess, nil
}

// activeEpoch pins the session a backend call is made for.
func (s *Service) activeEpoch() (uint64, error) {
	cur, epoch := s.sess.Snapshot()
	if cur == nil {
		return 0, session.ErrNoActiveSession
	}
	return epoch, nil
}

// UpdateProfile saves the non-empty fields of req and mirrors them into the
// session. If the session changed while the request was in flight the saved
// fields are not applied and session.ErrSessionChanged is returned.
func (s *Service) UpdateProfile(ctx context.Context, req apiclient.UpdateProfileRequest) (*models.Session, error) {
	epoch, err := s.activeEpoch()
	if err != nil {
		return nil, err
	}

	saved, err := s.api.UpdateProfile(ctx, req)
	if err != nil {
		return nil, err
	}

	var patch models.ProfilePatch
	if req.Name != "" {
		patch.DisplayName = models.StringPtr(req.Name)
		if name, ok := saved["user_name"].(string); ok && name != "" {
			patch.DisplayName = models.StringPtr(name)
		}
	}
	if req.Phone != "" {
		patch.Phone = models.StringPtr(req.Phone)
	}
	if req.Gender != "" {
		patch.Gender = models.StringPtr(req.Gender)
	}
	if req.Address != "" {
		patch.Address = models.StringPtr(req.Address)
	}

	return s.applyPatch(epoch, patch)
}

func (s *Service) applyPatch(epoch uint64, patch models.ProfilePatch) (*models.Session, error) {
	updated, err := s.sess.UpdateProfileAt(epoch, patch)
	if errors.Is(err, session.ErrSessionChanged) {
		s.log.Info("dropping profile result for a previous session")
	}
	return updated, err
}

// UploadAvatar shrinks the image, uploads it and points the session's avatar
// at the stored copy.
func (s *Service) UploadAvatar(ctx context.Context, filename string, data []byte) (*models.Session, error) {
	epoch, err := s.activeEpoch()
	if err != nil {
		return nil, err
	}

	img, err := avatar.Prepare(filename, data, s.avatar)
	if err != nil {
		return nil, fmt.Errorf("preparing avatar: %w", err)
	}

	imageURL, err := s.api.UploadProfileImage(ctx, img.Filename, img.MimeType, img.Data)
	if err != nil {
		return nil, err
	}
	s.log.Debug("avatar uploaded", "bytes", len(img.Data), "width", img.Width, "height", img.Height)

	return s.applyPatch(epoch, models.ProfilePatch{AvatarURL: models.StringPtr(imageURL)})
}

func (s *Service) ChangePassword(ctx context.Context, req apiclient.ChangePasswordRequest) error {
	if s.sess.Current() == nil {
		return session.ErrNoActiveSession
	}
	return s.api.ChangePassword(ctx, req)
}

func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	return s.api.RequestPasswordReset(ctx, apiclient.PasswordResetRequest{Email: email})
}

// ResetPassword completes a reset with the mailed code. The backend revokes
// the account's tokens; a session using one ends on its next 401.
func (s *Service) ResetPassword(ctx context.Context, code, newPassword string) error {
	return s.api.ResetPassword(ctx, apiclient.PasswordResetConfirm{Token: code, NewPassword: newPassword})
}

func (s *Service) Logout() {
	s.sess.Logout(session.ReasonLogout)
}
