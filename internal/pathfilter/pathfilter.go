// Package pathfilter decides which vault-relative paths participate in a
// sync cycle. It distinguishes two predicates: Ignore (skip a path
// entirely, in both directions) and ShouldNotBeOnRemote (tolerated
// locally but must never be pushed, and deleted remotely if found there).
// The glob matcher is adapted from the three-way merge engine's gitignore
// matcher, generalized from a single ignore verdict to the pair of
// verdicts the synchronizer needs.
package pathfilter

import (
	"path/filepath"
	"strings"
)

// corePrefixes are paths the synchronizer itself owns; they never
// participate in reconciliation regardless of user configuration.
var corePrefixes = []string{
	".vaultsync/",
	".vaultsync-tmp/",
	".vaultsync-trash/",
	".vaultsync-backup/",
}

// configDotFolders are client-local configuration directories. Entries
// under one are locally meaningful but, unless explicitly excluded below,
// are allowed onto the remote (e.g. a project's own ".config/settings.json"
// the user wants synced). Only the system-excludes subset is filtered.
var configDotFolders = []string{".config/", ".cache/"}

// systemExcludes are well-known noisy subpaths under a configDotFolder
// that should never leave the device: workspace caches, indexed
// databases, and transient UI state.
var systemExcludes = []string{
	"workspace-cache/",
	"*.idx",
	"*.lockdb",
	"ui-state.json",
}

// Filter evaluates paths against a set of user-supplied glob patterns plus
// the fixed core/system rules.
type Filter struct {
	userGlobs []string
}

// New builds a Filter from the user's exclusion globs (shell-style *, ?,
// and ** for arbitrary depth, same syntax as a single gitignore line).
func New(userGlobs []string) *Filter {
	cleaned := make([]string, 0, len(userGlobs))
	for _, g := range userGlobs {
		g = strings.TrimSpace(g)
		if g != "" {
			cleaned = append(cleaned, g)
		}
	}
	return &Filter{userGlobs: cleaned}
}

// ShouldIgnore reports whether path must be skipped entirely: never
// uploaded, never downloaded, never deleted on either side on its behalf.
func (f *Filter) ShouldIgnore(path string) bool {
	path = toSlash(path)
	if matchesAny(f.userGlobs, path) {
		return true
	}
	for _, prefix := range corePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// ShouldNotBeOnRemote reports whether path is allowed to exist locally but
// must not be on the remote (for example a stale copy from before an
// exclusion rule was added, or from another device running an older rule
// set). reconciler.Reconcile does not call this predicate: it consults only
// ShouldIgnore, so such paths are pushed, pulled and deleted like any other.
func (f *Filter) ShouldNotBeOnRemote(path string) bool {
	path = toSlash(path)
	if f.ShouldIgnore(path) {
		return false // ignored paths are invisible to both sides, not a remote-deletion target
	}
	folder, ok := dotFolderOf(path)
	if !ok {
		return false
	}
	rest := strings.TrimPrefix(path, folder)
	for _, p := range systemExcludes {
		if strings.HasSuffix(p, "/") && strings.HasPrefix(rest, p) {
			return true
		}
	}
	return matchesAny(systemExcludes, rest) || matchesAny(systemExcludes, baseName(rest))
}

func dotFolderOf(path string) (string, bool) {
	for _, folder := range configDotFolders {
		if strings.HasPrefix(path, folder) {
			return folder, true
		}
	}
	return "", false
}

func toSlash(path string) string {
	return filepath.ToSlash(path)
}

func baseName(path string) string {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

func matchesAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if matchGlob(p, path) {
			return true
		}
		if matchGlob(p, baseName(path)) {
			return true
		}
	}
	return false
}

// matchGlob matches a shell-style glob against name, additionally
// understanding "**" as zero-or-more path components (filepath.Match alone
// has no such wildcard).
func matchGlob(pattern, name string) bool {
	if !strings.Contains(pattern, "**") {
		matched, _ := filepath.Match(pattern, name)
		return matched
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(patParts, nameParts []string) bool {
	pi, ni := 0, 0
	for pi < len(patParts) && ni < len(nameParts) {
		if patParts[pi] == "**" {
			pi++
			if pi >= len(patParts) {
				return true
			}
			for tryNi := ni; tryNi <= len(nameParts); tryNi++ {
				if matchSegments(patParts[pi:], nameParts[tryNi:]) {
					return true
				}
			}
			return false
		}
		matched, _ := filepath.Match(patParts[pi], nameParts[ni])
		if !matched {
			return false
		}
		pi++
		ni++
	}
	for pi < len(patParts) {
		if patParts[pi] != "**" {
			return false
		}
		pi++
	}
	return ni >= len(nameParts)
}
