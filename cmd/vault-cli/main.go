// Package main is the entry point for vault-cli, an operator tool that
// exercises the synchronization core directly: one-shot sync cycles,
// status/history/lock inspection, the encryption migration, and a remote
// file preview. It is ambient tooling, not a host integration — the core
// has no other caller in this repository.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/rybkr/vaultsync/internal/cli"
	"github.com/rybkr/vaultsync/internal/termcolor"
)

// Build-time variables set via -ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	gf, args := parseGlobalFlags(os.Args[1:])

	for _, a := range args {
		if a == "--version" {
			printVersion()
			os.Exit(0)
		}
	}

	cw := termcolor.NewWriter(os.Stdout, gf.colorMode)

	vaultRoot, err := filepath.Abs(gf.vault)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vault-cli: resolving vault root: %v\n", err)
		os.Exit(1)
	}
	configPath := gf.config
	if configPath == "" {
		configPath = defaultConfigPath(vaultRoot)
	}

	cfg, err := LoadConfig(configPath, vaultRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vault-cli: %v\n", err)
		os.Exit(1)
	}

	build := func(ctx context.Context) (*Runtime, error) {
		return buildRuntime(ctx, cfg, nil)
	}

	app := cli.NewApp("vault-cli", version)
	app.Stderr = os.Stderr

	app.Register(&cli.Command{
		Name:    "sync",
		Summary: "Run one sync cycle (pull, merge, push, persist indices)",
		Usage:   "vault-cli sync [--scan] [--silent]",
		Examples: []string{
			"vault-cli sync",
			"vault-cli sync --scan",
		},
		Run: newSyncCommand(build, cw),
	})
	app.Register(&cli.Command{
		Name:    "status",
		Summary: "Show orchestrator state and tracked paths",
		Usage:   "vault-cli status",
		Run:     newStatusCommand(build, cw),
	})
	app.Register(&cli.Command{
		Name:    "history",
		Summary: "Show recent transfer-queue history",
		Usage:   "vault-cli history",
		Run:     newHistoryCommand(build, cw),
	})
	app.Register(&cli.Command{
		Name:    "locks",
		Summary: "List currently-held distributed merge locks",
		Usage:   "vault-cli locks",
		Run:     newLocksCommand(build, cw),
	})
	app.Register(&cli.Command{
		Name:    "migrate",
		Summary: "Migrate an existing plaintext vault to end-to-end encryption",
		Usage:   "VAULTSYNC_PASSWORD=... vault-cli migrate",
		Run:     newMigrateCommand(build, cw, cfg, configPath),
	})
	app.Register(&cli.Command{
		Name:    "show",
		Summary: "Download and preview a remote file",
		Usage:   "vault-cli show <path>",
		Run:     newShowCommand(build, cw),
	})
	app.Register(&cli.Command{
		Name:    "watch",
		Summary: "Watch the vault for local changes and sync continuously",
		Usage:   "vault-cli watch",
		Run:     newWatchCommand(build, cw),
	})
	app.Register(&cli.Command{
		Name:    "update",
		Summary: "Check for (and optionally install) a newer vault-cli release",
		Usage:   "vault-cli update [--apply]",
		Run:     newUpdateCommand(cw, version),
	})

	os.Exit(app.Run(args, cw))
}

func printVersion() {
	fmt.Printf("vault-cli %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
	fmt.Printf("  go version: %s\n", runtime.Version())
	fmt.Printf("  platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, for the
// `watch` command's run loop.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
