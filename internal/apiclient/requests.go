package apiclient

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var requestValidator = validator.New()

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type SignupRequest struct {
	Name     string `json:"name" validate:"required,max=100"`
	Email    string `json:"email" validate:"required,email"`
	Phone    string `json:"phone" validate:"required,max=20"`
	Gender   string `json:"gender" validate:"omitempty,oneof=male female other"`
	Address  string `json:"address" validate:"max=200"`
	Password string `json:"password" validate:"required,min=6"`
}

// UpdateProfileRequest carries the editable profile fields. Empty fields are
// not sent.
type UpdateProfileRequest struct {
	Name    string `validate:"omitempty,max=100"`
	Phone   string `validate:"omitempty,max=20"`
	Gender  string `validate:"omitempty,oneof=male female other"`
	Address string `validate:"omitempty,max=200"`
}

func (r UpdateProfileRequest) empty() bool {
	return r.Name == "" && r.Phone == "" && r.Gender == "" && r.Address == ""
}

type ChangePasswordRequest struct {
	OldPassword string `json:"old_password" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=6,nefield=OldPassword"`
}

type PasswordResetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type PasswordResetConfirm struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=6"`
}

func validate(req any) error {
	if err := requestValidator.Struct(req); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok && len(validationErrors) > 0 {
			first := validationErrors[0]
			field := strings.ToLower(first.Field())
			switch first.Tag() {
			case "required":
				return fmt.Errorf("%w: %s is required", ErrValidation, field)
			case "email":
				return fmt.Errorf("%w: invalid email format", ErrValidation)
			case "min":
				return fmt.Errorf("%w: %s must be at least %s characters", ErrValidation, field, first.Param())
			case "max":
				return fmt.Errorf("%w: %s must be at most %s characters", ErrValidation, field, first.Param())
			case "nefield":
				return fmt.Errorf("%w: %s must differ from the current one", ErrValidation, field)
			default:
				return fmt.Errorf("%w: invalid %s", ErrValidation, field)
			}
		}

		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
