package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rybkr/vaultsync/internal/termcolor"
)

type globalFlags struct {
	vault     string
	config    string
	colorMode termcolor.ColorMode
}

// parseGlobalFlags extracts --vault, --config, --color and --no-color from
// anywhere in args, returning the parsed flags and the remaining (filtered)
// arguments. Global flags may appear before or after the subcommand
// name.
func parseGlobalFlags(args []string) (globalFlags, []string) {
	gf := globalFlags{vault: getEnv("VAULTSYNC_VAULT", "."), colorMode: termcolor.ColorAuto}
	var remaining []string

	for i := 0; i < len(args); i++ {
		arg := args[i]

		switch {
		case arg == "--no-color":
			gf.colorMode = termcolor.ColorNever
			continue
		case arg == "--color" && i+1 < len(args):
			mode, err := termcolor.ParseColorMode(args[i+1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "vault-cli: %v\n", err)
				os.Exit(1)
			}
			gf.colorMode = mode
			i++
			continue
		case arg == "--vault" && i+1 < len(args):
			gf.vault = args[i+1]
			i++
			continue
		case arg == "--config" && i+1 < len(args):
			gf.config = args[i+1]
			i++
			continue
		}

		if val, ok := strings.CutPrefix(arg, "--color="); ok {
			mode, err := termcolor.ParseColorMode(val)
			if err != nil {
				fmt.Fprintf(os.Stderr, "vault-cli: %v\n", err)
				os.Exit(1)
			}
			gf.colorMode = mode
			continue
		}
		if val, ok := strings.CutPrefix(arg, "--vault="); ok {
			gf.vault = val
			continue
		}
		if val, ok := strings.CutPrefix(arg, "--config="); ok {
			gf.config = val
			continue
		}

		remaining = append(remaining, arg)
	}

	return gf, remaining
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
