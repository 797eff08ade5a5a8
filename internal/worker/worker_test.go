package worker

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/themadorg/mailboy/internal/db"
	"github.com/themadorg/mailboy/internal/metrics"
	"github.com/themadorg/mailboy/internal/queue"
	"github.com/themadorg/mailboy/internal/remote"
	"github.com/themadorg/mailboy/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	gdb, err := db.New("sqlite3", []string{filepath.Join(t.TempDir(), "test.db")}, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatal(err)
	}
	return store.New(gdb)
}

// While the shared backoff is armed the swarm must not pop jobs or touch the
// session: every worker parks in COOLDOWN and the queue depth is untouched.
// The nil session makes any violation fail loudly.
func TestWorkersCooldownWhileBackoffArmed(t *testing.T) {
	b := &remote.Backoff{}
	b.Arm()

	q := queue.New()
	t.Cleanup(q.Stop)
	q.Add(queue.Job{
		ID:       store.MessageID(1, store.FolderInbox),
		Kind:     queue.KindHydrate,
		Priority: queue.PriorityForeground,
		User:     "u",
		Folder:   store.FolderInbox,
		UID:      1,
	})

	s := NewSwarm(Config{
		User:    "u",
		Queue:   q,
		Backoff: b,
		Metrics: metrics.Noop{},
		Log:     zap.NewNop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		states := s.States()
		cooled := 0
		for _, st := range states {
			if st == StateCooldown {
				cooled++
			}
		}
		if cooled == PoolSize {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("workers not cooling down: %v", states)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if stats := q.Stats(); stats.Pending != 1 || stats.Processing != 0 {
		t.Fatalf("queue touched during cooldown: %+v", stats)
	}
}

func TestBuildRowEmptyBodyGetsPlaceholder(t *testing.T) {
	st := newStore(t)
	s := NewSwarm(Config{User: "u", Store: st, Metrics: metrics.Noop{}, Log: zap.NewNop()})

	job := queue.Job{
		ID:     store.MessageID(5, store.FolderInbox),
		User:   "u",
		Folder: store.FolderInbox,
		UID:    5,
	}
	row, err := s.buildRow(job, nil, nil, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !row.IsFullBody {
		t.Fatal("row not marked hydrated")
	}
	if row.Body == "" || row.Preview == "" {
		t.Fatalf("hydrated row with empty content: body=%q preview=%q", row.Body, row.Preview)
	}
	if !strings.Contains(row.Preview, "no content") {
		t.Fatalf("preview %q", row.Preview)
	}
}

func TestBuildRowKeepsStoredUserFlags(t *testing.T) {
	st := newStore(t)
	s := NewSwarm(Config{User: "u", Store: st, Metrics: metrics.Noop{}, Log: zap.NewNop()})

	id := store.MessageID(7, store.FolderInbox)
	err := st.SaveBatch([]db.Email{{
		ID: id, UID: 7, User: "u", Folder: store.FolderInbox,
		Category: store.CategoryPrimary, Read: true, Starred: true,
		Timestamp: time.Now().UnixMilli(), Labels: "[]",
	}})
	if err != nil {
		t.Fatal(err)
	}

	job := queue.Job{ID: id, User: "u", Folder: store.FolderInbox, UID: 7}
	row, err := s.buildRow(job, nil, nil, "<p>hello there</p>", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !row.Read || !row.Starred {
		t.Fatalf("user flags lost: %+v", row)
	}
	if row.Body != "<p>hello there</p>" || !strings.Contains(row.Preview, "hello there") {
		t.Fatalf("body/preview: %q %q", row.Body, row.Preview)
	}
}
