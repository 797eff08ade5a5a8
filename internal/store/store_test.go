package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/themadorg/mailboy/internal/db"
	"github.com/themadorg/mailboy/internal/faults"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := db.New("sqlite3", []string{filepath.Join(t.TempDir(), "test.db")}, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatal(err)
	}
	return New(gdb)
}

func envelope(uid uint32, folder, from, subject string, ts int64) db.Email {
	return db.Email{
		ID:          MessageID(uid, folder),
		UID:         uid,
		User:        "u@example.com",
		Folder:      folder,
		Category:    CategoryPrimary,
		FromAddr:    from,
		Subject:     subject,
		Timestamp:   ts,
		Labels:      "[]",
		Attachments: "[]",
	}
}

func TestMessageIDRoundTrip(t *testing.T) {
	id := MessageID(4711, FolderInbox)
	if id != "uid-4711-Inbox" {
		t.Fatalf("got %q", id)
	}
	uid, folder, err := ParseID(id)
	if err != nil {
		t.Fatal(err)
	}
	if uid != 4711 || folder != FolderInbox {
		t.Fatalf("got %d %s", uid, folder)
	}
}

func TestParseIDRejectsMalformed(t *testing.T) {
	for _, id := range []string{
		"",
		"uid--Inbox",
		"uid-5-Junk",
		"uid-5-inbox",
		"5-Inbox",
		"uid-x-Inbox",
	} {
		if _, _, err := ParseID(id); !errors.Is(err, faults.Validation) {
			t.Errorf("ParseID(%q) = %v, want Validation", id, err)
		}
	}
}

func TestSaveBatchIdempotence(t *testing.T) {
	s := newStore(t)

	row := envelope(1, FolderInbox, "a@b.c", "hi", 1000)
	if err := s.SaveBatch([]db.Email{row}); err != nil {
		t.Fatal(err)
	}

	// Hydrate the row.
	hydrated := row
	hydrated.Body = "<div>full</div>"
	hydrated.Preview = "full"
	hydrated.IsFullBody = true
	hydrated.Attachments = `[{"filename":"a.pdf"}]`
	if err := s.UpsertEmail(&hydrated); err != nil {
		t.Fatal(err)
	}

	// Re-running the same envelope batch must not clobber hydration.
	again := envelope(1, FolderInbox, "a@b.c", "hi", 1000)
	again.Read = true
	if err := s.SaveBatch([]db.Email{again}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetEmail(row.ID, row.User)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsFullBody || got.Body == "" || got.Preview == "" {
		t.Fatalf("hydration regressed: %+v", got)
	}
	if got.Attachments != `[{"filename":"a.pdf"}]` {
		t.Fatalf("attachments clobbered: %s", got.Attachments)
	}
	if !got.Read {
		t.Fatal("mutable read flag was not updated")
	}
}

func TestListFolderOrderLimitAndCategory(t *testing.T) {
	s := newStore(t)

	var rows []db.Email
	for i := uint32(1); i <= 120; i++ {
		r := envelope(i, FolderInbox, "a@b.c", "s", int64(i))
		if i%2 == 0 {
			r.Category = CategorySocial
		}
		rows = append(rows, r)
	}
	if err := s.SaveBatch(rows); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListFolder("u@example.com", FolderInbox, "all")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 100 {
		t.Fatalf("got %d rows, want 100", len(all))
	}
	if all[0].UID != 120 {
		t.Fatalf("newest first violated: first uid %d", all[0].UID)
	}

	social, err := s.ListFolder("u@example.com", FolderInbox, CategorySocial)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range social {
		if r.Category != CategorySocial {
			t.Fatalf("category filter leaked %s", r.Category)
		}
	}
}

func TestSetReadAndMove(t *testing.T) {
	s := newStore(t)
	row := envelope(9, FolderInbox, "a@b.c", "s", 1)
	if err := s.SaveBatch([]db.Email{row}); err != nil {
		t.Fatal(err)
	}

	if err := s.SetRead(row.ID, row.User, true); err != nil {
		t.Fatal(err)
	}
	if err := s.MoveEmail(row.ID, row.User, FolderArchive); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetEmail(row.ID, row.User)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Read || got.Folder != FolderArchive {
		t.Fatalf("got read=%v folder=%s", got.Read, got.Folder)
	}

	if err := s.SetRead("uid-404-Inbox", row.User, true); !errors.Is(err, faults.NotFound) {
		t.Fatalf("missing row: %v, want NotFound", err)
	}
}

func TestRecategorizeSender(t *testing.T) {
	s := newStore(t)
	rows := []db.Email{
		envelope(1, FolderInbox, "news@shop.com", "a", 1),
		envelope(2, FolderInbox, "deals@shop.com", "b", 2),
		envelope(3, FolderInbox, "friend@home.net", "c", 3),
		envelope(4, FolderSent, "me@shop.com", "d", 4),
	}
	if err := s.SaveBatch(rows); err != nil {
		t.Fatal(err)
	}

	ids, err := s.RecategorizeSender("u@example.com", "shop.com", CategoryPromotions)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d ids, want 2 (Inbox only)", len(ids))
	}
	got, _ := s.GetEmail(MessageID(1, FolderInbox), "u@example.com")
	if got.Category != CategoryPromotions {
		t.Fatalf("category not reassigned: %s", got.Category)
	}
	other, _ := s.GetEmail(MessageID(3, FolderInbox), "u@example.com")
	if other.Category != CategoryPrimary {
		t.Fatalf("unrelated sender touched: %s", other.Category)
	}
}

func TestUIDsInFolder(t *testing.T) {
	s := newStore(t)
	if err := s.SaveBatch([]db.Email{
		envelope(5, FolderTrash, "a@b.c", "x", 1),
		envelope(6, FolderTrash, "a@b.c", "y", 2),
	}); err != nil {
		t.Fatal(err)
	}
	uids, err := s.UIDsInFolder("u@example.com", FolderTrash)
	if err != nil {
		t.Fatal(err)
	}
	if len(uids) != 2 || uids[5] != MessageID(5, FolderTrash) {
		t.Fatalf("got %v", uids)
	}
}

func TestLabelsRoundTrip(t *testing.T) {
	s := newStore(t)

	l, err := s.SaveLabel("u", "Project Alpha", "#ff0000")
	if err != nil {
		t.Fatal(err)
	}
	if l.ID != "project-alpha" {
		t.Fatalf("label id %q", l.ID)
	}

	labels, err := s.ListLabels("u")
	if err != nil || len(labels) != 1 {
		t.Fatalf("labels %v err %v", labels, err)
	}
	if err := s.DeleteLabel("u", "project-alpha"); err != nil {
		t.Fatal(err)
	}
	labels, _ = s.ListLabels("u")
	if len(labels) != 0 {
		t.Fatal("label survived delete")
	}
}

func TestEncodeDecodeHelpers(t *testing.T) {
	if EncodeLabels(nil) != "[]" {
		t.Fatal("nil labels must encode to []")
	}
	got := DecodeLabels(EncodeLabels([]string{"a", "b"}))
	if len(got) != 2 || got[0] != "a" {
		t.Fatalf("got %v", got)
	}

	refs := []AttachmentRef{{Filename: "f.pdf", BlobKey: "k", Size: 10}}
	back := DecodeAttachments(EncodeAttachments(refs))
	if len(back) != 1 || back[0].Filename != "f.pdf" {
		t.Fatalf("got %v", back)
	}
}

func TestRuleUpsertIsUnique(t *testing.T) {
	s := newStore(t)
	if err := s.SaveRule("u", CategoryPromotions, "from", "Shop.com"); err != nil {
		t.Fatal(err)
	}
	// Same (user, category, value) again: no duplicate row.
	if err := s.SaveRule("u", CategoryPromotions, "from", "shop.com"); err != nil {
		t.Fatal(err)
	}
	rules, err := s.ListRules("u")
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 {
		t.Fatalf("got %d rules, want 1", len(rules))
	}
	if rules[0].Value != "shop.com" {
		t.Fatalf("value not lowercased: %q", rules[0].Value)
	}
}

func TestSeedDefaultRules(t *testing.T) {
	s := newStore(t)
	if err := s.SeedDefaultRules("u"); err != nil {
		t.Fatal(err)
	}
	rules, err := s.ListRules("u")
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 3 {
		t.Fatalf("got %d seeded rules, want 3", len(rules))
	}
	for _, r := range rules {
		if r.Category != CategoryPromotions {
			t.Fatalf("seed outside promotions: %+v", r)
		}
	}
}

func TestConfigAndSetupComplete(t *testing.T) {
	s := newStore(t)
	cfg := &db.UserConfig{User: "u", Pass: "p", IMAPHost: "imap.example.com", IMAPPort: 993}
	if err := s.SaveConfig(cfg); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkSetupComplete("u"); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetConfig("u")
	if err != nil {
		t.Fatal(err)
	}
	if !got.SetupComplete || got.LastSync == 0 {
		t.Fatalf("setup not recorded: %+v", got)
	}
}
