package blob

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCreateOpenRoundTrip(t *testing.T) {
	s := newStore(t)

	w, err := s.Create("1700000000-abcd1234-file.txt")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(w, "payload"); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := s.Open("1700000000-abcd1234-file.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Fatalf("got %q", data)
	}

	n, err := s.Size("1700000000-abcd1234-file.txt")
	if err != nil || n != int64(len("payload")) {
		t.Fatalf("size %d err %v", n, err)
	}
}

func TestPartialWriteInvisible(t *testing.T) {
	s := newStore(t)

	w, err := s.Create("key")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "partial")

	// Not closed yet: the final key must not exist.
	if _, err := s.Open("key"); err == nil {
		t.Fatal("unclosed blob visible under final key")
	}
	w.(interface{ Abort() }).Abort()
	if _, err := s.Open("key"); err == nil {
		t.Fatal("aborted blob visible under final key")
	}
}

func TestRejectsPathKeys(t *testing.T) {
	s := newStore(t)
	for _, key := range []string{"", "a/b", `a\b`, "..", "x..y"} {
		if _, err := s.Create(key); err == nil {
			t.Errorf("key %q accepted", key)
		}
		if _, err := s.Open(key); err == nil {
			t.Errorf("open with key %q accepted", key)
		}
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s := newStore(t)

	w, _ := s.Create("key")
	io.WriteString(w, "x")
	w.Close()

	if err := s.Delete("key"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("key"); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
}

func TestFlatLayout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "blobs")
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	w, _ := s.Create("one")
	io.WriteString(w, "1")
	w.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.IsDir() {
			t.Fatalf("subdirectory %s in flat blob store", e.Name())
		}
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Fatalf("leftover temp file %s", e.Name())
		}
	}
}
