package syncer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/themadorg/mailboy/internal/classify"
	"github.com/themadorg/mailboy/internal/db"
	"github.com/themadorg/mailboy/internal/hotcache"
	"github.com/themadorg/mailboy/internal/metrics"
	"github.com/themadorg/mailboy/internal/queue"
	"github.com/themadorg/mailboy/internal/remote"
	"github.com/themadorg/mailboy/internal/store"
)

// newSyncer wires a syncer against an unreachable remote host: only the local
// paths are under test, remote calls fail fast.
func newSyncer(t *testing.T) (*Syncer, *store.Store, *hotcache.Cache, *queue.Queue) {
	t.Helper()
	gdb, err := db.New("sqlite3", []string{filepath.Join(t.TempDir(), "test.db")}, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatal(err)
	}
	st := store.New(gdb)
	cache := hotcache.New()
	t.Cleanup(cache.Close)
	q := queue.New()
	t.Cleanup(q.Stop)

	log := zap.NewNop()
	pool := remote.NewPool(&remote.Backoff{}, metrics.Noop{}, log)
	sess := pool.Get(db.UserConfig{User: "u", IMAPHost: "127.0.0.1", IMAPPort: 1})

	s := New(Config{
		User:       "u",
		Store:      st,
		Cache:      cache,
		Queue:      q,
		Session:    sess,
		Mapper:     remote.NewMapper(cache),
		Classifier: classify.New(st, cache),
		Metrics:    metrics.Noop{},
		Log:        log,
	})
	return s, st, cache, q
}

func TestRunSkipsWhileAnotherPassActive(t *testing.T) {
	s, _, cache, _ := newSyncer(t)

	cache.Set(hotcache.SyncActiveKey("u"), "held", hotcache.TTLSyncActive)

	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	// The guard belongs to the other pass and must survive untouched.
	v, ok := cache.Get(hotcache.SyncActiveKey("u"))
	if !ok || v != "held" {
		t.Fatalf("guard key: %v %v", v, ok)
	}
}

func TestRunReleasesGuardAfterFailure(t *testing.T) {
	s, _, cache, _ := newSyncer(t)

	if err := s.Run(context.Background()); err == nil {
		t.Fatal("pass against unreachable host succeeded")
	}
	if _, ok := cache.Get(hotcache.SyncActiveKey("u")); ok {
		t.Fatal("guard key leaked")
	}
}

func TestEnqueueHydrationSplitsPriorities(t *testing.T) {
	s, st, _, q := newSyncer(t)

	// Fetch order: oldest first, uid 26 newest. Uid 26 is already hydrated
	// and must not be queued again.
	rows := make([]db.Email, 0, 26)
	for uid := uint32(1); uid <= 26; uid++ {
		row := db.Email{
			ID: store.MessageID(uid, store.FolderInbox), UID: uid, User: "u",
			Folder: store.FolderInbox, Category: store.CategoryPrimary,
			Timestamp: time.Now().UnixMilli(), Labels: "[]",
		}
		if uid == 26 {
			row.IsFullBody = true
			row.Body = "<p>done</p>"
			row.Preview = "done"
		}
		rows = append(rows, row)
	}
	if err := st.SaveBatch(rows); err != nil {
		t.Fatal(err)
	}

	s.enqueueHydration(store.FolderInbox, rows)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var prewarm, background int
	var first queue.Job
	for i := 0; i < 25; i++ {
		job, ok := q.Pop(ctx, queue.KindHydrate)
		if !ok {
			t.Fatalf("queue dry after %d jobs", i)
		}
		if i == 0 {
			first = job
		}
		if job.UID == 26 {
			t.Fatal("hydrated row queued")
		}
		switch job.Priority {
		case queue.PriorityPrewarm:
			prewarm++
		case queue.PriorityBackground:
			background++
		default:
			t.Fatalf("priority %d", job.Priority)
		}
	}
	if prewarm != prewarmDepth || background != 5 {
		t.Fatalf("prewarm %d background %d", prewarm, background)
	}
	// Newest unhydrated row runs first.
	if first.UID != 25 {
		t.Fatalf("first job uid %d", first.UID)
	}

	short, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if _, ok := q.Pop(short, queue.KindHydrate); ok {
		t.Fatal("extra job queued")
	}
}

func TestWindowStartCoversNewestMessages(t *testing.T) {
	cases := []struct {
		exists, window, want int
	}{
		// A mailbox deeper than the window covers exactly window+1 newest
		// sequence numbers, so the tip (seq == exists) is always included.
		{exists: 1000, window: 400, want: 600},
		{exists: 401, window: 400, want: 1},
		// Shallow mailboxes clamp to the full range.
		{exists: 400, window: 400, want: 1},
		{exists: 10, window: 400, want: 1},
		{exists: 1, window: 50, want: 1},
	}
	for _, tc := range cases {
		if got := windowStart(tc.exists, tc.window); got != tc.want {
			t.Errorf("windowStart(%d, %d) = %d, want %d", tc.exists, tc.window, got, tc.want)
		}
	}
}

func TestProgressRoundTrip(t *testing.T) {
	s, _, _, _ := newSyncer(t)

	if _, ok := s.Progress(); ok {
		t.Fatal("progress before any pass")
	}
	want := Progress{Mode: ModeFull, Folder: store.FolderSent, Done: 3, Total: 8, Percent: 37}
	s.publishProgress(want)

	got, ok := s.Progress()
	if !ok || got != want {
		t.Fatalf("progress %+v %v", got, ok)
	}
}
