// Package mergeengine implements the three-way line merge: given an
// ancestor baseline and the current local and remote plaintexts, it
// either produces a clean merged file, or falls back to a
// subset-acceptance shortcut, or — when neither side's content can be
// reconciled — renames the local copy to a dated conflict sibling and
// lets the remote version land at the original path. It operates on
// plaintext byte slices handed to it directly by the
// reconciler/orchestrator; ancestor resolution and lock acquisition are
// the caller's job.
package mergeengine

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// maxMergeSize caps how large a file this package will attempt a line
// merge on; above this the file is always conflict-renamed rather than
// diffed.
const maxMergeSize = 2 << 20 // 2 MiB

// Outcome is the result of attempting to reconcile one path's local and
// remote plaintexts.
type Outcome struct {
	Path string

	// Clean is true when Merged holds a content-level resolution that
	// should be written locally and pushed inline. Clean and
	// ConflictRenamed are mutually exclusive.
	Clean  bool
	Merged []byte

	// ConflictRenamed is true when no content-level resolution was
	// possible: the local file should be moved to RenamedPath and the
	// remote content pulled down to the original Path.
	ConflictRenamed bool
	RenamedPath     string

	// Notice is a user-facing description of what happened, surfaced by
	// the orchestrator regardless of which branch fired.
	Notice string
}

// Merge reconciles local and remote against the ancestor (nil/empty
// when ancestorKnown is false). now supplies
// the date used by the conflict-rename tag; callers pass time.Now().
func Merge(path string, ancestor, local, remote []byte, ancestorKnown bool, now time.Time) (*Outcome, error) {
	if isBinary(local) || isBinary(remote) || len(local) > maxMergeSize || len(remote) > maxMergeSize {
		return conflictRename(path, now, "binary or oversized content: merged by conflict rename")
	}

	if ancestorKnown {
		regions, conflicted := mergeLineRegions(ancestor, local, remote)
		if !conflicted {
			return &Outcome{Path: path, Clean: true, Merged: renderRegions(regions), Notice: "merged cleanly"}, nil
		}
	}

	localLines := splitLines(local)
	remoteLines := splitLines(remote)

	switch {
	case isSubsequence(localLines, remoteLines):
		return &Outcome{Path: path, Clean: true, Merged: remote, Notice: "local content already present in remote; remote accepted"}, nil
	case isSubsequence(remoteLines, localLines):
		return &Outcome{Path: path, Clean: true, Merged: local, Notice: "remote content already present in local; local accepted"}, nil
	}

	return conflictRename(path, now, "could not reconcile diverging edits")
}

// mergeLineRegions runs the diff3 walk and reports whether any region is an
// unresolved conflict.
func mergeLineRegions(ancestor, local, remote []byte) (regions []Region, conflicted bool) {
	baseLines := splitLines(ancestor)
	localLines := splitLines(local)
	remoteLines := splitLines(remote)

	localEdits := diffLines(baseLines, localLines)
	remoteEdits := diffLines(baseLines, remoteLines)

	localRanges := toRanges(localEdits, len(baseLines), localLines)
	remoteRanges := toRanges(remoteEdits, len(baseLines), remoteLines)

	regions = walkThreeWay(baseLines, localRanges, remoteRanges)
	for _, r := range regions {
		if r.Kind == RegionConflict {
			conflicted = true
			break
		}
	}
	return regions, conflicted
}

// renderRegions assembles a clean (conflict-free) set of regions back into
// file content.
func renderRegions(regions []Region) []byte {
	var lines []string
	for _, r := range regions {
		switch r.Kind {
		case RegionContext:
			lines = append(lines, r.Base...)
		case RegionLocal:
			lines = append(lines, r.LocalLines...)
		case RegionRemote:
			lines = append(lines, r.RemoteLines...)
		}
	}
	return joinLines(lines)
}

// isSubsequence reports whether every line of sub appears in super, in
// the same relative order (not necessarily contiguously) — the
// "local ⊂ remote" / "remote ⊂ local" test.
func isSubsequence(sub, super []string) bool {
	if len(sub) == 0 {
		return true
	}
	i := 0
	for _, line := range super {
		if line == sub[i] {
			i++
			if i == len(sub) {
				return true
			}
		}
	}
	return false
}

// isBinary applies a null-byte heuristic over the first 8KB.
func isBinary(data []byte) bool {
	limit := len(data)
	if limit > 8192 {
		limit = 8192
	}
	if !utf8.Valid(data[:limit]) {
		return true
	}
	for _, b := range data[:limit] {
		if b == 0 {
			return true
		}
	}
	return false
}

// conflictRename builds the "<name> (Conflict YYYY-MM-DD).ext" sibling
// name.
func conflictRename(path string, now time.Time, reason string) (*Outcome, error) {
	renamed := conflictSiblingPath(path, now)
	return &Outcome{
		Path:            path,
		ConflictRenamed: true,
		RenamedPath:     renamed,
		Notice:          fmt.Sprintf("%s: kept local copy as %q, remote will be pulled to %q", reason, renamed, path),
	}, nil
}

func conflictSiblingPath(path string, now time.Time) string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	tag := fmt.Sprintf("%s (Conflict %s)%s", name, now.Format("2006-01-02"), ext)
	if dir == "." {
		return tag
	}
	return filepath.ToSlash(filepath.Join(dir, tag))
}
