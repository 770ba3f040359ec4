package reconciler

import (
	"testing"
	"time"

	"github.com/rybkr/vaultsync/internal/adapter"
	"github.com/rybkr/vaultsync/internal/hashutil"
	"github.com/rybkr/vaultsync/internal/pathfilter"
	"github.com/rybkr/vaultsync/internal/vaultindex"
)

func emptyIndex() *vaultindex.Index { return vaultindex.New() }

func TestSimplePushNewLocalFile(t *testing.T) {
	local := map[string]LocalFile{
		"notes/a.md": {Path: "notes/a.md", Size: 10, MTime: time.Unix(100, 0), Hash: hashutil.Bytes([]byte("hello"))},
	}
	remote := map[string]adapter.Record{}

	plan := Reconcile(local, remote, emptyIndex(), emptyIndex(), pathfilter.New(nil), Config{})

	if len(plan.Upload) != 1 || plan.Upload[0].Path != "notes/a.md" {
		t.Fatalf("Upload = %+v, want one upload of notes/a.md", plan.Upload)
	}
	if len(plan.Download) != 0 || len(plan.Merge) != 0 || len(plan.DeleteLocal) != 0 || len(plan.DeleteRemote) != 0 {
		t.Fatalf("unexpected extra decisions: %+v", plan)
	}
}

func TestAdoptionWhenRemoteMatchesLocalButIndexEmpty(t *testing.T) {
	plain := []byte("shared content")
	h := hashutil.Bytes(plain)
	local := map[string]LocalFile{
		"doc.txt": {Path: "doc.txt", Size: int64(len(plain)), MTime: time.Unix(200, 0), Hash: h},
	}
	remote := map[string]adapter.Record{
		"doc.txt": {ID: "r1", Path: "doc.txt", Size: int64(len(plain)), Hash: h, HasHash: true, MTime: time.Unix(200, 0)},
	}
	localIdx := emptyIndex()

	plan := Reconcile(local, remote, localIdx, emptyIndex(), pathfilter.New(nil), Config{})

	if len(plan.Adopted) != 1 || plan.Adopted[0] != "doc.txt" {
		t.Fatalf("Adopted = %v, want [doc.txt]", plan.Adopted)
	}
	if len(plan.Upload) != 0 || len(plan.Download) != 0 {
		t.Fatalf("adoption should not also upload/download: %+v", plan)
	}
	entry, ok := localIdx.Entries["doc.txt"]
	if !ok {
		t.Fatal("expected adoption to write a local index entry")
	}
	if entry.FileID != "r1" || !hashutil.Equal(entry.Hash, h) || !hashutil.Equal(entry.PlainHash, h) {
		t.Errorf("adopted entry = %+v, want FileID=r1 Hash/PlainHash=%s", entry, h)
	}
}

func TestRemoteDiffersFromLocalWithEmptyIndexDownloads(t *testing.T) {
	local := map[string]LocalFile{
		"doc.txt": {Path: "doc.txt", Size: 5, MTime: time.Unix(200, 0), Hash: hashutil.Bytes([]byte("local"))},
	}
	remote := map[string]adapter.Record{
		"doc.txt": {ID: "r1", Path: "doc.txt", Size: 6, Hash: hashutil.Bytes([]byte("remote")), HasHash: true, MTime: time.Unix(200, 0)},
	}

	plan := Reconcile(local, remote, emptyIndex(), emptyIndex(), pathfilter.New(nil), Config{})

	if len(plan.Download) != 1 || plan.Download[0].Path != "doc.txt" {
		t.Fatalf("Download = %+v, want one download of doc.txt", plan.Download)
	}
	if len(plan.Adopted) != 0 {
		t.Fatalf("should not adopt when hashes differ: %+v", plan)
	}
}

func TestFourWayDecisionTable(t *testing.T) {
	baseHash := hashutil.Bytes([]byte("base"))
	localHash := hashutil.Bytes([]byte("local-changed"))
	remoteHash := hashutil.Bytes([]byte("remote-changed"))

	tests := []struct {
		name        string
		local       LocalFile
		remote      adapter.Record
		index       vaultindex.Entry
		wantAction  Action // "" means skip (no decision recorded anywhere)
		wantMerge   bool
	}{
		{
			name:       "unchanged both sides is a skip",
			local:      LocalFile{Path: "f", Size: 4, MTime: time.Unix(1000, 0), Hash: baseHash},
			remote:     adapter.Record{ID: "id", Path: "f", Size: 4, Hash: baseHash, HasHash: true, MTime: time.Unix(1000, 0)},
			index:      vaultindex.Entry{Hash: baseHash, PlainHash: baseHash, AncestorHash: baseHash, Size: 4, MTime: time.Unix(1000, 0)},
			wantAction: "",
		},
		{
			name:       "local changed only uploads",
			local:      LocalFile{Path: "f", Size: 13, MTime: time.Unix(2000, 0), Hash: localHash},
			remote:     adapter.Record{ID: "id", Path: "f", Size: 4, Hash: baseHash, HasHash: true, MTime: time.Unix(1000, 0)},
			index:      vaultindex.Entry{Hash: baseHash, PlainHash: baseHash, AncestorHash: baseHash, Size: 4, MTime: time.Unix(1000, 0)},
			wantAction: ActionUpload,
		},
		{
			name:       "remote changed only downloads",
			local:      LocalFile{Path: "f", Size: 4, MTime: time.Unix(1000, 0), Hash: baseHash},
			remote:     adapter.Record{ID: "id", Path: "f", Size: 14, Hash: remoteHash, HasHash: true, MTime: time.Unix(3000, 0)},
			index:      vaultindex.Entry{Hash: baseHash, PlainHash: baseHash, AncestorHash: baseHash, Size: 4, MTime: time.Unix(1000, 0)},
			wantAction: ActionDownload,
		},
		{
			name:      "both changed merges",
			local:     LocalFile{Path: "f", Size: 13, MTime: time.Unix(2000, 0), Hash: localHash},
			remote:    adapter.Record{ID: "id", Path: "f", Size: 14, Hash: remoteHash, HasHash: true, MTime: time.Unix(3000, 0)},
			index:     vaultindex.Entry{Hash: baseHash, PlainHash: baseHash, AncestorHash: baseHash, Size: 4, MTime: time.Unix(1000, 0)},
			wantMerge: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			localIdx := emptyIndex()
			localIdx.Entries["f"] = tc.index
			local := map[string]LocalFile{"f": tc.local}
			remote := map[string]adapter.Record{"f": tc.remote}

			plan := Reconcile(local, remote, localIdx, emptyIndex(), pathfilter.New(nil), Config{})

			switch {
			case tc.wantMerge:
				if len(plan.Merge) != 1 || plan.Merge[0].Path != "f" {
					t.Fatalf("Merge = %+v, want one merge of f", plan.Merge)
				}
			case tc.wantAction == ActionUpload:
				if len(plan.Upload) != 1 {
					t.Fatalf("Upload = %+v, want one upload", plan.Upload)
				}
			case tc.wantAction == ActionDownload:
				if len(plan.Download) != 1 {
					t.Fatalf("Download = %+v, want one download", plan.Download)
				}
			default:
				if len(plan.Upload) != 0 || len(plan.Download) != 0 || len(plan.Merge) != 0 {
					t.Fatalf("expected a no-op skip, got %+v", plan)
				}
			}
		})
	}
}

func TestOrphanDeletedRemotelyRemovesLocalWhenBelowGuard(t *testing.T) {
	localIdx := emptyIndex()
	localIdx.Entries["gone.txt"] = vaultindex.Entry{Hash: "h", PlainHash: "h", AncestorHash: "h", Size: 3, MTime: time.Unix(1, 0)}
	// Plenty of other untouched local files so the orphan ratio stays low.
	local := map[string]LocalFile{
		"gone.txt": {Path: "gone.txt", Size: 3, MTime: time.Unix(1, 0), Hash: "h"},
	}
	for i := 0; i < 20; i++ {
		p := "keep" + string(rune('a'+i)) + ".txt"
		local[p] = LocalFile{Path: p, Size: 1, MTime: time.Unix(1, 0), Hash: "k"}
		localIdx.Entries[p] = vaultindex.Entry{Hash: "k", PlainHash: "k", AncestorHash: "k", Size: 1, MTime: time.Unix(1, 0)}
	}
	remote := map[string]adapter.Record{}
	for p := range local {
		if p == "gone.txt" {
			continue
		}
		remote[p] = adapter.Record{ID: p, Path: p, Size: 1, Hash: "k", HasHash: true, MTime: time.Unix(1, 0)}
	}

	plan := Reconcile(local, remote, localIdx, emptyIndex(), pathfilter.New(nil), Config{})

	if len(plan.DeleteLocal) != 1 || plan.DeleteLocal[0].Path != "gone.txt" {
		t.Fatalf("DeleteLocal = %+v, want one delete of gone.txt", plan.DeleteLocal)
	}
	if len(plan.SafetyRefusals) != 0 {
		t.Fatalf("guard should not trip here: %v", plan.SafetyRefusals)
	}
}

func TestOrphanGuardSuppressesMassDelete(t *testing.T) {
	localIdx := emptyIndex()
	local := make(map[string]LocalFile)
	// 15 local files all indexed but absent remotely: over both the ratio
	// and absolute-count thresholds, so the guard must trip.
	for i := 0; i < 15; i++ {
		p := string(rune('a'+i)) + ".txt"
		local[p] = LocalFile{Path: p, Size: 1, MTime: time.Unix(1, 0), Hash: "h"}
		localIdx.Entries[p] = vaultindex.Entry{Hash: "h", PlainHash: "h", AncestorHash: "h", Size: 1, MTime: time.Unix(1, 0)}
	}
	remote := map[string]adapter.Record{}

	plan := Reconcile(local, remote, localIdx, emptyIndex(), pathfilter.New(nil), Config{})

	if len(plan.DeleteLocal) != 0 {
		t.Fatalf("DeleteLocal = %+v, want none (guard should suppress)", plan.DeleteLocal)
	}
	if len(plan.SafetyRefusals) != 1 {
		t.Fatalf("expected one safety refusal, got %v", plan.SafetyRefusals)
	}
}

func TestDeleteRemoteWhenLocalRemovedButStillIndexed(t *testing.T) {
	localIdx := emptyIndex()
	localIdx.Entries["removed.txt"] = vaultindex.Entry{Hash: "h", PlainHash: "h", AncestorHash: "h", Size: 3, MTime: time.Unix(1, 0)}
	local := map[string]LocalFile{}
	remote := map[string]adapter.Record{
		"removed.txt": {ID: "r1", Path: "removed.txt", Size: 3, Hash: "h", HasHash: true, MTime: time.Unix(1, 0)},
	}

	plan := Reconcile(local, remote, localIdx, emptyIndex(), pathfilter.New(nil), Config{})

	if len(plan.DeleteRemote) != 1 || plan.DeleteRemote[0].Path != "removed.txt" {
		t.Fatalf("DeleteRemote = %+v, want one delete of removed.txt", plan.DeleteRemote)
	}
}

func TestIgnoredPathsNeverProduceDecisions(t *testing.T) {
	filter := pathfilter.New([]string{"*.tmp"})
	local := map[string]LocalFile{
		"scratch.tmp": {Path: "scratch.tmp", Size: 1, MTime: time.Unix(1, 0), Hash: "h"},
	}
	remote := map[string]adapter.Record{}

	plan := Reconcile(local, remote, emptyIndex(), emptyIndex(), filter, Config{})

	if len(plan.Upload) != 0 {
		t.Fatalf("ignored path must not be uploaded: %+v", plan.Upload)
	}
}

func TestDeferThresholdMarksLargeTransfersDeferred(t *testing.T) {
	local := map[string]LocalFile{
		"big.bin": {Path: "big.bin", Size: 1_000_000, MTime: time.Unix(1, 0), Hash: "h"},
	}
	remote := map[string]adapter.Record{}

	plan := Reconcile(local, remote, emptyIndex(), emptyIndex(), pathfilter.New(nil), Config{DeferThreshold: 500_000})

	if len(plan.Upload) != 1 || !plan.Upload[0].Deferred {
		t.Fatalf("Upload = %+v, want one deferred upload", plan.Upload)
	}
}

// TestReconcileIsDeterministic holds the same four inputs across two
// calls and requires byte-for-byte identical decision sets. The
// local index is rebuilt fresh each time since Reconcile mutates it on
// adoption, and a mutated index must not change between runs given
// identical starting state.
func TestReconcileIsDeterministic(t *testing.T) {
	buildInputs := func() (map[string]LocalFile, map[string]adapter.Record, *vaultindex.Index) {
		local := map[string]LocalFile{
			"a.txt": {Path: "a.txt", Size: 5, MTime: time.Unix(10, 0), Hash: hashutil.Bytes([]byte("alpha"))},
			"b.txt": {Path: "b.txt", Size: 4, MTime: time.Unix(20, 0), Hash: hashutil.Bytes([]byte("beta2"))},
		}
		remote := map[string]adapter.Record{
			"b.txt": {ID: "b1", Path: "b.txt", Size: 4, Hash: hashutil.Bytes([]byte("beta1")), HasHash: true, MTime: time.Unix(15, 0)},
			"c.txt": {ID: "c1", Path: "c.txt", Size: 3, Hash: "chash", HasHash: true, MTime: time.Unix(5, 0)},
		}
		idx := emptyIndex()
		idx.Entries["b.txt"] = vaultindex.Entry{Hash: hashutil.Bytes([]byte("beta1")), PlainHash: hashutil.Bytes([]byte("beta1")), AncestorHash: hashutil.Bytes([]byte("beta1")), Size: 4, MTime: time.Unix(15, 0)}
		idx.Entries["c.txt"] = vaultindex.Entry{Hash: "chash", PlainHash: "chash", AncestorHash: "chash", Size: 3, MTime: time.Unix(5, 0)}
		return local, remote, idx
	}

	local1, remote1, idx1 := buildInputs()
	plan1 := Reconcile(local1, remote1, idx1, emptyIndex(), pathfilter.New(nil), Config{})

	local2, remote2, idx2 := buildInputs()
	plan2 := Reconcile(local2, remote2, idx2, emptyIndex(), pathfilter.New(nil), Config{})

	if len(plan1.Upload) != len(plan2.Upload) || len(plan1.Download) != len(plan2.Download) ||
		len(plan1.DeleteRemote) != len(plan2.DeleteRemote) || len(plan1.DeleteLocal) != len(plan2.DeleteLocal) ||
		len(plan1.Merge) != len(plan2.Merge) || len(plan1.Adopted) != len(plan2.Adopted) {
		t.Fatalf("plans differ across identical runs:\n%+v\n%+v", plan1, plan2)
	}
}

func TestClassifyMTime(t *testing.T) {
	entry := vaultindex.Entry{Size: 10, MTime: time.Unix(1000, 0)}

	if v := ClassifyMTime(10, time.Unix(1000, 1), entry); v != Identical {
		t.Errorf("within grace window = %v, want Identical", v)
	}
	if v := ClassifyMTime(10, time.Unix(1100, 0), entry); v != Unknown {
		t.Errorf("outside grace window with same size = %v, want Unknown", v)
	}
	if v := ClassifyMTime(20, time.Unix(1000, 0), entry); v != Changed {
		t.Errorf("differing size = %v, want Changed", v)
	}
	if v := ClassifyMTime(0, time.Unix(1000, 0), entry); v != Unknown {
		t.Errorf("zero local size = %v, want Unknown", v)
	}
	zeroEntry := vaultindex.Entry{Size: 0, MTime: time.Unix(1000, 0)}
	if v := ClassifyMTime(10, time.Unix(1000, 0), zeroEntry); v != Unknown {
		t.Errorf("zero index size = %v, want Unknown", v)
	}
}
