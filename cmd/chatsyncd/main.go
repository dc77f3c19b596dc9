package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/matheus3301/chatsync/internal/daemon"
	"github.com/matheus3301/chatsync/internal/session"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	debugFlag := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	profileName := session.Resolve(*profileFlag)
	if err := session.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{ProfileName: profileName, Debug: *debugFlag}),
	)

	app.Run()
}
