package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mlourenco/cipherchat/internal/daemon"
	"github.com/mlourenco/cipherchat/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	userFlag := flag.String("user", "", "username (defaults to $CIPHERCHAT_USER)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	username := *userFlag
	if username == "" {
		username = os.Getenv("CIPHERCHAT_USER")
	}
	password := os.Getenv("CIPHERCHAT_PASSWORD")
	if username == "" || password == "" {
		fmt.Fprintln(os.Stderr, "error: credentials required (--user/$CIPHERCHAT_USER and $CIPHERCHAT_PASSWORD)")
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			Username:    username,
			Password:    password,
		}),
	)

	app.Run()
}
