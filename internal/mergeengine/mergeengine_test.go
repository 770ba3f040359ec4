package mergeengine

import (
	"bytes"
	"testing"
	"time"
)

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestConcurrentNonOverlappingEditsMergeClean(t *testing.T) {
	base := []byte("A\nB\nC\n")
	local := []byte("A\nB1\nC\n")
	remote := []byte("A\nB\nC2\n")

	out, err := Merge("n.md", base, local, remote, true, fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Clean || out.ConflictRenamed {
		t.Fatalf("expected clean merge, got %+v", out)
	}
	want := "A\nB1\nC2\n"
	if string(out.Merged) != want {
		t.Errorf("Merged = %q, want %q", out.Merged, want)
	}
}

func TestOverlappingEditsOnSameLineConflictRenames(t *testing.T) {
	base := []byte("A\nB\nC\n")
	local := []byte("A\nB1\nC\n")
	remote := []byte("A\nB2\nC\n")

	out, err := Merge("n.md", base, local, remote, true, fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	if !out.ConflictRenamed || out.Clean {
		t.Fatalf("expected conflict rename, got %+v", out)
	}
	want := "n (Conflict 2024-01-01).md"
	if out.RenamedPath != want {
		t.Errorf("RenamedPath = %q, want %q", out.RenamedPath, want)
	}
}

func TestIdenticalEditBothSidesIsClean(t *testing.T) {
	base := []byte("A\nB\nC\n")
	local := []byte("A\nX\nC\n")
	remote := []byte("A\nX\nC\n")

	out, err := Merge("n.md", base, local, remote, true, fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Clean {
		t.Fatalf("identical change on both sides should merge clean: %+v", out)
	}
	if string(out.Merged) != "A\nX\nC\n" {
		t.Errorf("Merged = %q", out.Merged)
	}
}

func TestNoAncestorLocalSubsetOfRemoteAcceptsRemote(t *testing.T) {
	local := []byte("A\nB\n")
	remote := []byte("A\nB\nC\n")

	out, err := Merge("n.md", nil, local, remote, false, fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Clean || !bytes.Equal(out.Merged, remote) {
		t.Fatalf("expected clean accept-remote outcome, got %+v", out)
	}
}

func TestNoAncestorRemoteSubsetOfLocalAcceptsLocal(t *testing.T) {
	local := []byte("A\nB\nC\n")
	remote := []byte("A\nC\n")

	out, err := Merge("n.md", nil, local, remote, false, fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Clean || !bytes.Equal(out.Merged, local) {
		t.Fatalf("expected clean accept-local outcome, got %+v", out)
	}
}

func TestNoAncestorDivergentContentConflictRenames(t *testing.T) {
	local := []byte("A\nB\n")
	remote := []byte("X\nY\n")

	out, err := Merge("notes/n.txt", nil, local, remote, false, fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	if !out.ConflictRenamed {
		t.Fatalf("expected conflict rename, got %+v", out)
	}
	if out.RenamedPath != "notes/n (Conflict 2024-01-01).txt" {
		t.Errorf("RenamedPath = %q", out.RenamedPath)
	}
}

func TestBinaryContentAlwaysConflictRenames(t *testing.T) {
	local := []byte{0x00, 0x01, 0x02, 0xff}
	remote := []byte{0x00, 0x01, 0x03, 0xff}

	out, err := Merge("image.bin", []byte{0x00}, local, remote, true, fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	if !out.ConflictRenamed {
		t.Fatalf("binary content must always conflict-rename, got %+v", out)
	}
}

func TestOversizedContentConflictRenamesEvenIfTextual(t *testing.T) {
	local := bytes.Repeat([]byte("a\n"), maxMergeSize)
	remote := []byte("a\n")

	out, err := Merge("huge.txt", []byte("a\n"), local, remote, true, fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	if !out.ConflictRenamed {
		t.Fatalf("oversized content must conflict-rename, got %+v", out)
	}
}

func TestIsSubsequence(t *testing.T) {
	if !isSubsequence([]string{"A", "C"}, []string{"A", "B", "C"}) {
		t.Error("A,C should be a subsequence of A,B,C")
	}
	if isSubsequence([]string{"A", "D"}, []string{"A", "B", "C"}) {
		t.Error("A,D should not be a subsequence of A,B,C")
	}
	if !isSubsequence(nil, []string{"A"}) {
		t.Error("empty sequence is always a subsequence")
	}
}

func TestConflictSiblingPathNoDirectory(t *testing.T) {
	got := conflictSiblingPath("readme.md", fixedNow)
	want := "readme (Conflict 2024-01-01).md"
	if got != want {
		t.Errorf("conflictSiblingPath = %q, want %q", got, want)
	}
}
