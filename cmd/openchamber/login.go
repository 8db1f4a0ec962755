package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/openchamber/client/internal/auth"
)

func runLogin(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var common commonFlags
	common.register(fs)
	showQR := fs.Bool("qr", false, "Display the verification URL as a QR code")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: openchamber login [options]\n\nAuthorize this client against a server.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	cfg, err := common.resolve()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	flow := auth.NewFlow(auth.FlowConfig{BaseURL: cfg.Server, ClientName: cfg.ClientName})
	grant, err := flow.Start(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: could not start authorization: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Authorizing against %s\n\n", cfg.Server)
	fmt.Fprintf(stdout, "  Open:  %s\n", grant.VerificationURI)
	fmt.Fprintf(stdout, "  Code:  %s\n\n", grant.UserCode)
	if *showQR {
		displayQR(stdout, grant.VerificationURI)
	}
	fmt.Fprintln(stdout, "Waiting for approval (Ctrl-C to abort)...")

	token, err := flow.Poll(ctx, grant)
	if err != nil {
		fmt.Fprintf(stderr, "Error: authorization failed: %v\n", err)
		return 1
	}

	store, err := auth.OpenTokenStore(cfg.TokenStore)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	stored := &auth.StoredToken{
		ServerURL: cfg.Server,
		Token:     token.AccessToken,
		TokenType: token.TokenType,
		CreatedAt: time.Now(),
	}
	if token.ExpiresIn > 0 {
		stored.ExpiresAt = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	}
	if err := store.Save(stored); err != nil {
		fmt.Fprintf(stderr, "Error: could not persist token: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Logged in to %s.\n", cfg.Server)
	return 0
}

func runLogout(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("logout", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var common commonFlags
	common.register(fs)

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: openchamber logout [options]\n\nForget the stored token for a server.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	cfg, err := common.resolve()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	store, err := auth.OpenTokenStore(cfg.TokenStore)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	if err := store.Delete(cfg.Server); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Logged out of %s.\n", cfg.Server)
	return 0
}

// displayQR prints the verification URL as ASCII QR art, with a plain-text
// fallback when generation fails.
func displayQR(w io.Writer, url string) {
	qr, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(w, "(could not render QR code: %v)\n", err)
		return
	}
	fmt.Fprint(w, qr.ToSmallString(false))
	fmt.Fprintln(w)
}
