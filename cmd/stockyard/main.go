package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"stockyard/internal/apiclient"
	"stockyard/internal/app"
	"stockyard/internal/config"
)

type command struct {
	summary string
	run     func(ctx context.Context, a *app.App, args []string) error
	// live commands hold the notification channel open while they run.
	live bool
}

var commands = map[string]command{
	"login":    {"sign in with email and password", runLogin, false},
	"signup":   {"create an account and sign in", runSignup, false},
	"logout":   {"sign out and forget stored credentials", runLogout, false},
	"whoami":   {"print the current session", runWhoami, false},
	"profile":  {"update name, phone, gender or address", runProfile, false},
	"avatar":   {"upload a profile picture", runAvatar, false},
	"password": {"change the account password", runPassword, false},
	"forgot":   {"request a password reset code", runForgot, false},
	"reset":    {"set a new password with a reset code", runReset, false},
	"unread":   {"print the unread message count", runUnread, false},
	"watch":    {"stay connected and print live updates", runWatch, true},
}

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("stockyard", flag.ContinueOnError)
	configPath := fs.String("config", "stockyard.yaml", "path to config file")
	fs.Usage = func() { usage(fs) }
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 2
	}

	args := fs.Args()
	if len(args) == 0 {
		usage(fs)
		return 2
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage(fs)
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	store, err := app.OpenStore(cfg.Store)
	if err != nil {
		slog.Error("failed to open credential store", "driver", cfg.Store.Driver, "error", err)
		return 1
	}

	a := app.New(cfg, store, logger)
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("failed to close client", "error", err)
		}
	}()
	if cmd.live {
		a.Start()
	} else {
		a.Restore()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.run(ctx, a, args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", userMessage(err))
		return 1
	}
	return 0
}

func usage(fs *flag.FlagSet) {
	fmt.Fprintln(os.Stderr, "usage: stockyard [-config path] <command> [flags]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %-9s %s\n", name, commands[name].summary)
	}
	fmt.Fprintln(os.Stderr)
	fs.PrintDefaults()
}

// userMessage prefers the backend's own wording when there is one.
func userMessage(err error) string {
	var apiErr *apiclient.Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}
