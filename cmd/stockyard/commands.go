package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"stockyard/internal/apiclient"
	"stockyard/internal/app"
	"stockyard/internal/models"
	"stockyard/internal/notify"
	"stockyard/internal/session"
)

var errNotSignedIn = errors.New("not signed in; run `stockyard login` first")

func runLogin(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	email := fs.String("email", "", "account email")
	password := fs.String("password", os.Getenv("STOCKYARD_PASSWORD"), "account password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := a.Account.Login(ctx, apiclient.LoginRequest{Email: *email, Password: *password})
	if err != nil {
		return err
	}
	fmt.Printf("signed in as %s (user %s)\n", s.DisplayName, s.UserID)
	return nil
}

func runSignup(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("signup", flag.ContinueOnError)
	var req apiclient.SignupRequest
	fs.StringVar(&req.Name, "name", "", "display name")
	fs.StringVar(&req.Email, "email", "", "account email")
	fs.StringVar(&req.Phone, "phone", "", "phone number")
	fs.StringVar(&req.Gender, "gender", "", "male, female or other")
	fs.StringVar(&req.Address, "address", "", "postal address")
	fs.StringVar(&req.Password, "password", os.Getenv("STOCKYARD_PASSWORD"), "account password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := a.Account.Signup(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("welcome, %s (user %s)\n", s.DisplayName, s.UserID)
	return nil
}

func runLogout(_ context.Context, a *app.App, _ []string) error {
	a.Account.Logout()
	fmt.Println("signed out")
	return nil
}

func runWhoami(_ context.Context, a *app.App, _ []string) error {
	s := a.Session.Current()
	if s == nil {
		return errNotSignedIn
	}
	return printJSON(s)
}

func runProfile(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("profile", flag.ContinueOnError)
	var req apiclient.UpdateProfileRequest
	fs.StringVar(&req.Name, "name", "", "new display name")
	fs.StringVar(&req.Phone, "phone", "", "new phone number")
	fs.StringVar(&req.Gender, "gender", "", "male, female or other")
	fs.StringVar(&req.Address, "address", "", "new postal address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := a.Account.UpdateProfile(ctx, req)
	if errors.Is(err, session.ErrNoActiveSession) {
		return errNotSignedIn
	}
	if err != nil {
		return err
	}
	return printJSON(s)
}

func runAvatar(ctx context.Context, a *app.App, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: stockyard avatar <image file>")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	s, err := a.Account.UploadAvatar(ctx, filepath.Base(args[0]), data)
	if errors.Is(err, session.ErrNoActiveSession) {
		return errNotSignedIn
	}
	if err != nil {
		return err
	}
	fmt.Println(s.AvatarURL)
	return nil
}

func runPassword(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("password", flag.ContinueOnError)
	var req apiclient.ChangePasswordRequest
	fs.StringVar(&req.OldPassword, "old", "", "current password")
	fs.StringVar(&req.NewPassword, "new", "", "new password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	err := a.Account.ChangePassword(ctx, req)
	if errors.Is(err, session.ErrNoActiveSession) {
		return errNotSignedIn
	}
	if err != nil {
		return err
	}
	fmt.Println("password changed")
	return nil
}

func runForgot(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("forgot", flag.ContinueOnError)
	email := fs.String("email", "", "account email")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := a.Account.RequestPasswordReset(ctx, *email); err != nil {
		return err
	}
	fmt.Println("if the address is registered, a reset code is on its way")
	return nil
}

func runReset(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	code := fs.String("code", "", "reset code from the email")
	password := fs.String("new", "", "new password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := a.Account.ResetPassword(ctx, *code, *password); err != nil {
		return err
	}
	fmt.Println("password reset; sign in with the new password")
	return nil
}

func runUnread(ctx context.Context, a *app.App, _ []string) error {
	if a.Session.Current() == nil {
		return errNotSignedIn
	}
	n, err := a.Unread.Refresh(ctx)
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

// runWatch prints live updates until interrupted. It exits when the session
// ends, for example after the backend rejects the token.
func runWatch(ctx context.Context, a *app.App, _ []string) error {
	if a.Session.Current() == nil {
		return errNotSignedIn
	}

	ended := make(chan session.EndReason, 1)
	defer a.Session.Subscribe(func(ev session.Event) {
		switch ev.Type {
		case session.EventEnded:
			select {
			case ended <- ev.Reason:
			default:
			}
		case session.EventUpdated:
			fmt.Printf("profile updated: %s\n", describe(ev.Session))
		}
	})()
	defer a.Notify.OnStateChange(func(s notify.State) {
		fmt.Printf("connection: %s\n", s)
	})()
	defer a.Notify.OnSignal(func(sig notify.Signal) {
		fmt.Printf("signal: %s %s\n", sig.Tag, sig.Payload)
	})()
	defer a.Unread.OnChange(func(n int) {
		fmt.Printf("unread: %d\n", n)
	})()

	fmt.Printf("watching as %s, ctrl-c to stop\n", describe(a.Session.Current()))
	a.Unread.Kick()

	select {
	case <-ctx.Done():
		return nil
	case reason := <-ended:
		fmt.Printf("signed out (%s)\n", reason)
		return nil
	}
}

func describe(s *models.Session) string {
	if s == nil {
		return "nobody"
	}
	return fmt.Sprintf("%s <%s>", s.DisplayName, s.Email)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
