package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/yuin/goldmark"

	"github.com/rybkr/vaultsync/internal/dirty"
	"github.com/rybkr/vaultsync/internal/migration"
	"github.com/rybkr/vaultsync/internal/orchestrator"
	"github.com/rybkr/vaultsync/internal/progress"
	"github.com/rybkr/vaultsync/internal/selfupdate"
	"github.com/rybkr/vaultsync/internal/termcolor"
	"github.com/rybkr/vaultsync/internal/transferqueue"
)

// updateRepo is the GitHub repository self-update releases are published
// under. It is unrelated to any vault's remote storage backend.
const updateRepo = "rybkr/vaultsync"

// newUpdateCommand checks for (and optionally installs) a newer vault-cli
// release, without touching any vault state — it never calls build.
func newUpdateCommand(cw *termcolor.Writer, version string) func([]string) int {
	return func(args []string) int {
		apply := false
		for _, a := range args {
			if a == "--apply" || a == "-apply" {
				apply = true
			}
		}

		latest, err := selfupdate.CheckLatest(updateRepo)
		if err != nil {
			fpf(os.Stderr, "error: checking latest release: %v\n", err)
			return 1
		}
		if !selfupdate.NeedsUpdate(version, latest) {
			fmt.Println(cw.Green("vault-cli is up to date (" + version + ")"))
			return 0
		}

		fmt.Printf("update available: %s -> %s\n", version, latest)
		if !apply {
			fmt.Println("run `vault-cli update --apply` to install it")
			return 0
		}

		spin := progress.New("Downloading and installing update...")
		spin.Start()
		if err := selfupdate.Update(updateRepo, "vault-cli", latest); err != nil {
			spin.Fail("update failed")
			fpf(os.Stderr, "error: %v\n", err)
			return 1
		}
		spin.Stop()
		fmt.Println(cw.Green("updated to " + latest + " — restart vault-cli to use it"))
		return 0
	}
}

// runtimeFunc builds a fresh Runtime against the global --vault/--config
// flags. Each command closure calls it once, at most, right before it
// needs the wired-up core — `help`/`version` never touch it.
type runtimeFunc func(ctx context.Context) (*Runtime, error)

func newSyncCommand(build runtimeFunc, cw *termcolor.Writer) func([]string) int {
	return func(args []string) int {
		scan := false
		silent := false
		for _, a := range args {
			switch a {
			case "--scan", "-scan":
				scan = true
			case "--silent", "-silent":
				silent = true
			}
		}

		ctx := context.Background()
		rt, err := build(ctx)
		if err != nil {
			fpf(os.Stderr, "error: %v\n", err)
			return 1
		}
		defer rt.Close()

		spin := progress.New("Syncing vault...")
		spin.Start()

		err = rt.orch.RequestSync(ctx, orchestrator.Request{Silent: silent, ScanVault: scan})

		if err != nil {
			spin.Fail("sync failed")
			fpf(os.Stderr, "error: %v\n", err)
			return 1
		}

		if rt.queue.HasPendingItems() {
			spin.UpdateText("Draining deferred transfers...")
			rt.orch.DrainQueue(ctx)
		}
		spin.Stop()

		if err := rt.index.PersistLocal(); err != nil {
			fpf(os.Stderr, "warning: persisting local index: %v\n", err)
		}

		fmt.Fprintf(os.Stdout, "%s state=%s queue-depth=%d\n", cw.Green("sync complete"), rt.orch.State(), rt.queue.Depth())
		return 0
	}
}

func newStatusCommand(build runtimeFunc, cw *termcolor.Writer) func([]string) int {
	return func(args []string) int {
		ctx := context.Background()
		rt, err := build(ctx)
		if err != nil {
			fpf(os.Stderr, "error: %v\n", err)
			return 1
		}
		defer rt.Close()

		fmt.Printf("%s %s\n", cw.Bold("device:"), rt.cfg.DeviceID)
		fmt.Printf("%s %s\n", cw.Bold("vault:"), rt.cfg.VaultRoot)
		fmt.Printf("%s %s\n", cw.Bold("state:"), rt.orch.State())
		fmt.Printf("%s %d\n", cw.Bold("queued transfers:"), rt.queue.Depth())

		paths := make([]string, 0, len(rt.index.Local.Entries))
		for p := range rt.index.Local.Entries {
			paths = append(paths, p)
		}
		sort.Strings(paths)

		fmt.Printf("\n%s\n", cw.Bold(fmt.Sprintf("tracked paths (%d):", len(paths))))
		for _, p := range paths {
			e := rt.index.Local.Entries[p]
			marker := " "
			if e.PendingTransfer != nil {
				marker = cw.Yellow("~")
			}
			fmt.Printf("  %s %-40s %s  %s\n", marker, p, e.LastAction, e.Hash[:minInt(12, len(e.Hash))])
		}
		return 0
	}
}

func newHistoryCommand(build runtimeFunc, cw *termcolor.Writer) func([]string) int {
	return func(args []string) int {
		n := 20
		ctx := context.Background()
		rt, err := build(ctx)
		if err != nil {
			fpf(os.Stderr, "error: %v\n", err)
			return 1
		}
		defer rt.Close()

		records := rt.history.Recent(n)
		if len(records) == 0 {
			fmt.Println("no transfer history yet")
			return 0
		}
		for _, r := range records {
			status := string(r.Status)
			switch r.Status {
			case transferqueue.StatusCompleted:
				status = cw.Green(status)
			case transferqueue.StatusFailed, transferqueue.StatusCancelled:
				status = cw.Red(status)
			}
			fmt.Printf("%-20s %-6s %-10s %6d B  %s\n", r.CreatedAt.Format(time.RFC3339), r.Direction, status, r.Size, r.Path)
		}
		return 0
	}
}

func newLocksCommand(build runtimeFunc, cw *termcolor.Writer) func([]string) int {
	return func(args []string) int {
		ctx := context.Background()
		rt, err := build(ctx)
		if err != nil {
			fpf(os.Stderr, "error: %v\n", err)
			return 1
		}
		defer rt.Close()

		locks, err := rt.locker.ListLocks(ctx)
		if err != nil {
			fpf(os.Stderr, "error: %v\n", err)
			return 1
		}
		if len(locks) == 0 {
			fmt.Println("no merge locks currently held")
			return 0
		}
		paths := make([]string, 0, len(locks))
		for p := range locks {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			l := locks[p]
			fmt.Printf("%-40s holder=%s acquired=%s ttl=%s\n", p, l.HolderDeviceID, l.AcquiredAt.Format(time.RFC3339), l.TTL)
		}
		return 0
	}
}

func newMigrateCommand(build runtimeFunc, cw *termcolor.Writer, cfg *Config, configPath string) func([]string) int {
	return func(args []string) int {
		password := os.Getenv("VAULTSYNC_PASSWORD")
		if password == "" {
			fpf(os.Stderr, "error: set VAULTSYNC_PASSWORD to the new vault passphrase\n")
			return 1
		}
		if cfg.Encrypted {
			fpf(os.Stderr, "error: vault is already marked encrypted in %s\n", configPath)
			return 1
		}

		ctx := context.Background()
		rt, err := build(ctx)
		if err != nil {
			fpf(os.Stderr, "error: %v\n", err)
			return 1
		}
		defer rt.Close()

		coordinator := migration.New(migration.Config{
			DeviceID:        cfg.DeviceID,
			VaultLockPath:   vaultLockPath,
			RemoteIndexPath: remoteIndexRelPath,
			BackupPrefix:    migrationBackupPrefix(time.Now()),
		}, rt.plainAdapter, rt.fs, rt.index, rt.orch)

		spin := progress.New("Migrating vault to end-to-end encryption...")
		spin.Start()
		if err := coordinator.Migrate(ctx, password); err != nil {
			spin.Fail("migration failed")
			fpf(os.Stderr, "error: %v\n", err)
			return 1
		}
		spin.Stop()

		cfg.Encrypted = true
		if err := cfg.Save(configPath); err != nil {
			fpf(os.Stderr, "warning: migration succeeded but updating %s failed: %v\n", configPath, err)
		}
		fmt.Println(cw.Green("migration complete — this vault is now end-to-end encrypted"))
		return 0
	}
}

func newShowCommand(build runtimeFunc, cw *termcolor.Writer) func([]string) int {
	return func(args []string) int {
		if len(args) == 0 {
			fpf(os.Stderr, "usage: vault-cli show <path>\n")
			return 1
		}
		path := args[0]

		ctx := context.Background()
		rt, err := build(ctx)
		if err != nil {
			fpf(os.Stderr, "error: %v\n", err)
			return 1
		}
		defer rt.Close()

		rec, err := rt.adapter.GetFileMetadata(ctx, path)
		if err != nil {
			fpf(os.Stderr, "error: %v\n", err)
			return 1
		}
		if rec == nil {
			fpf(os.Stderr, "error: %s not found on remote\n", path)
			return 1
		}
		content, err := rt.adapter.DownloadFile(ctx, rec.ID)
		if err != nil {
			fpf(os.Stderr, "error: downloading %s: %v\n", path, err)
			return 1
		}

		fmt.Printf("%s  %d bytes  hash=%s\n\n", cw.Bold(path), rec.Size, rec.Hash)

		if isMarkdownPath(path) {
			var buf bytes.Buffer
			if err := goldmark.Convert(content, &buf); err == nil {
				fmt.Println(cw.Bold("(rendered preview, HTML)"))
				fmt.Println(buf.String())
				return 0
			}
		}
		os.Stdout.Write(content)
		fmt.Println()
		return 0
	}
}

// newWatchCommand runs a long-lived loop: a dirty.Watcher feeds local
// filesystem events into the dirty tracker, which triggers a trailing
// sync request. It exits on SIGINT/SIGTERM.
func newWatchCommand(build runtimeFunc, cw *termcolor.Writer) func([]string) int {
	return func(args []string) int {
		ctx := context.Background()
		rt, err := build(ctx)
		if err != nil {
			fpf(os.Stderr, "error: %v\n", err)
			return 1
		}
		defer rt.Close()

		watcher := dirty.NewWatcher(rt.cfg.VaultRoot, rt.dirty, rt.filter, nil)
		if err := watcher.Start(); err != nil {
			fpf(os.Stderr, "error: starting watcher: %v\n", err)
			return 1
		}
		defer watcher.Stop()

		fmt.Println(cw.Green("watching for local changes — Ctrl+C to stop"))

		sigCtx, stop := signalContext()
		defer stop()

		throttle := time.Duration(rt.cfg.BgTransferIntervalSec) * time.Second
		go rt.orch.RunQueueWorker(sigCtx, throttle)

		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-sigCtx.Done():
				return 0
			case <-ticker.C:
				if rt.dirty.Len() == 0 {
					continue
				}
				if err := rt.orch.RequestSync(ctx, orchestrator.Request{Silent: true}); err != nil {
					fmt.Fprintf(os.Stderr, "sync error: %v\n", err)
				}
			}
		}
	}
}

func isMarkdownPath(path string) bool {
	return len(path) > 3 && path[len(path)-3:] == ".md"
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func fpf(w *os.File, format string, a ...any) {
	_, _ = fmt.Fprintf(w, format, a...)
}
