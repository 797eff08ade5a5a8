package queue

import (
	"context"
	"testing"
	"time"
)

func job(id string, prio int) Job {
	return Job{ID: id, Kind: KindHydrate, Priority: prio, User: "u", Folder: "Inbox"}
}

func mustPop(t *testing.T, q *Queue, kind string) Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	j, ok := q.Pop(ctx, kind)
	if !ok {
		t.Fatal("expected a job, Pop returned false")
	}
	return j
}

func TestPopPriorityOrder(t *testing.T) {
	q := New()
	defer q.Stop()

	q.Add(job("bg", PriorityBackground))
	q.Add(job("pre", PriorityPrewarm))
	q.Add(job("fg", PriorityForeground))

	want := []string{"fg", "pre", "bg"}
	for _, id := range want {
		j := mustPop(t, q, KindHydrate)
		if j.ID != id {
			t.Fatalf("expected %s, got %s", id, j.ID)
		}
		q.Done(j.ID)
	}
}

func TestPopFIFOWithinPriority(t *testing.T) {
	q := New()
	defer q.Stop()

	q.Add(job("first", PriorityPrewarm))
	q.Add(job("second", PriorityPrewarm))

	if j := mustPop(t, q, KindHydrate); j.ID != "first" {
		t.Fatalf("expected first, got %s", j.ID)
	}
	if j := mustPop(t, q, KindHydrate); j.ID != "second" {
		t.Fatalf("expected second, got %s", j.ID)
	}
}

func TestForegroundOvertakesOlderBackground(t *testing.T) {
	q := New()
	defer q.Stop()

	for i := 0; i < 5; i++ {
		q.Add(job("bg"+string(rune('a'+i)), PriorityBackground))
	}
	q.Add(job("urgent", PriorityForeground))

	if j := mustPop(t, q, KindHydrate); j.ID != "urgent" {
		t.Fatalf("foreground job did not overtake, got %s", j.ID)
	}
}

func TestAddDropsInFlightDuplicate(t *testing.T) {
	q := New()
	defer q.Stop()

	q.Add(job("x", PriorityBackground))
	_ = mustPop(t, q, KindHydrate)

	q.Add(job("x", PriorityForeground))
	stats := q.Stats()
	if stats.Pending != 0 {
		t.Fatalf("in-flight duplicate was enqueued: pending=%d", stats.Pending)
	}
	if stats.Processing != 1 {
		t.Fatalf("expected 1 processing, got %d", stats.Processing)
	}
}

func TestAddUpgradesPendingPriority(t *testing.T) {
	q := New()
	defer q.Stop()

	q.Add(job("a", PriorityBackground))
	q.Add(job("b", PriorityBackground))
	q.Add(job("b", PriorityForeground))

	stats := q.Stats()
	if stats.Pending != 2 {
		t.Fatalf("duplicate add changed pending count: %d", stats.Pending)
	}
	if j := mustPop(t, q, KindHydrate); j.ID != "b" {
		t.Fatalf("upgraded job did not run first, got %s", j.ID)
	}
}

func TestPopBlocksUntilAdd(t *testing.T) {
	q := New()
	defer q.Stop()

	got := make(chan Job, 1)
	go func() {
		j, ok := q.Pop(context.Background(), KindHydrate)
		if ok {
			got <- j
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Add(job("late", PriorityBackground))

	select {
	case j := <-got:
		if j.ID != "late" {
			t.Fatalf("expected late, got %s", j.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Pop never received the job")
	}
}

func TestPopHonorsContextCancel(t *testing.T) {
	q := New()
	defer q.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := q.Pop(ctx, KindHydrate); ok {
		t.Fatal("Pop returned a job from an empty queue")
	}

	// The cancelled waiter must not swallow a later job.
	q.Add(job("after", PriorityBackground))
	if j := mustPop(t, q, KindHydrate); j.ID != "after" {
		t.Fatalf("expected after, got %s", j.ID)
	}
}

func TestPopFiltersByKind(t *testing.T) {
	q := New()
	defer q.Stop()

	q.Add(Job{ID: "d", Kind: KindDraftSave, Priority: PriorityForeground})
	q.Add(job("h", PriorityBackground))

	if j := mustPop(t, q, KindHydrate); j.ID != "h" {
		t.Fatalf("hydrate pop returned %s", j.ID)
	}
	if j := mustPop(t, q, KindDraftSave); j.ID != "d" {
		t.Fatalf("draft pop returned %s", j.ID)
	}
}

func TestDrain(t *testing.T) {
	q := New()
	defer q.Stop()

	q.Add(Job{ID: "d1", Kind: KindDraftSave, Priority: PriorityForeground})
	q.Add(Job{ID: "d2", Kind: KindDraftSave, Priority: PriorityForeground})
	q.Add(job("h", PriorityBackground))

	drained := q.Drain(KindDraftSave)
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained jobs, got %d", len(drained))
	}
	stats := q.Stats()
	if stats.Pending != 1 {
		t.Fatalf("hydrate job should remain pending, got %d", stats.Pending)
	}
	if stats.Processing != 2 {
		t.Fatalf("drained jobs should be in flight, got %d", stats.Processing)
	}
}

func TestRetryCapsAttempts(t *testing.T) {
	q := New()
	defer q.Stop()

	j := job("r", PriorityBackground)
	j.Attempts = 0
	if !q.Retry(j) {
		t.Fatal("first retry should be scheduled")
	}
	j.Attempts = maxAttempts - 1
	if q.Retry(j) {
		t.Fatal("retry past the attempt cap should be dropped")
	}
	if q.RetryCount() != 1 {
		t.Fatalf("expected 1 scheduled retry, got %d", q.RetryCount())
	}
}

func TestClear(t *testing.T) {
	q := New()
	defer q.Stop()

	q.Add(job("a", PriorityBackground))
	q.Add(job("b", PriorityBackground))
	q.Clear()

	stats := q.Stats()
	if stats.Pending != 0 || stats.Processing != 0 {
		t.Fatalf("clear left state behind: %+v", stats)
	}
}

func TestStopUnblocksPop(t *testing.T) {
	q := New()

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(context.Background(), KindHydrate)
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	q.Stop()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("Pop returned a job after Stop")
		}
	case <-time.After(time.Second):
		t.Fatal("Pop still blocked after Stop")
	}
}
