package secretstore

import (
	"path/filepath"
	"testing"
)

func TestPutGetClearRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".sync-state")
	s, err := Open(path, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.Put("dropbox_oauth_token", "secret-token-value"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok := s.Get("dropbox_oauth_token")
	if !ok || v != "secret-token-value" {
		t.Fatalf("Get = %q, %v; want secret-token-value, true", v, ok)
	}

	if err := s.Clear("dropbox_oauth_token"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok := s.Get("dropbox_oauth_token"); ok {
		t.Fatal("expected secret to be cleared")
	}
}

func TestGetOnMissingIDReportsFalse(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".sync-state")
	s, err := Open(path, "pw")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get("never-put"); ok {
		t.Error("expected missing secret id to report false")
	}
}

func TestReopenWithCorrectPassphraseSeesPersistedSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".sync-state")
	s, err := Open(path, "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put("a", "1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Put("b", "2"); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path, "hunter2")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if v, ok := reopened.Get("a"); !ok || v != "1" {
		t.Errorf("Get(a) = %q, %v", v, ok)
	}
	if v, ok := reopened.Get("b"); !ok || v != "2" {
		t.Errorf("Get(b) = %q, %v", v, ok)
	}
}

func TestReopenWithWrongPassphraseFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".sync-state")
	s, err := Open(path, "correct-passphrase")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put("k", "v"); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(path, "wrong-passphrase"); err == nil {
		t.Fatal("expected opening with the wrong passphrase to fail")
	}
}

func TestMultipleSecretsCoexist(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".sync-state")
	s, err := Open(path, "pw")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put("one", "1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Put("two", "2"); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear("one"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get("one"); ok {
		t.Error("expected 'one' to be cleared")
	}
	if v, ok := s.Get("two"); !ok || v != "2" {
		t.Errorf("expected 'two' to remain, got %q %v", v, ok)
	}
}
