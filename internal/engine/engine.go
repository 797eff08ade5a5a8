// Package engine supervises the bridge runtime: per-user queues, worker
// swarms, sync timers and draft uplinks, plus the tiered read path the HTTP
// layer calls into.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/themadorg/mailboy/internal/blob"
	"github.com/themadorg/mailboy/internal/classify"
	"github.com/themadorg/mailboy/internal/db"
	"github.com/themadorg/mailboy/internal/draft"
	"github.com/themadorg/mailboy/internal/faults"
	"github.com/themadorg/mailboy/internal/hotcache"
	"github.com/themadorg/mailboy/internal/metrics"
	"github.com/themadorg/mailboy/internal/mutate"
	"github.com/themadorg/mailboy/internal/queue"
	"github.com/themadorg/mailboy/internal/remote"
	"github.com/themadorg/mailboy/internal/store"
	"github.com/themadorg/mailboy/internal/syncer"
	"github.com/themadorg/mailboy/internal/worker"
)

// Read-path poll parameters.
const (
	pollInterval = 500 * time.Millisecond
	pollDeadline = 10 * time.Second
	// pollStorageEvery is how many poll ticks pass between storage rechecks.
	pollStorageEvery = 4
)

// syncInterval and syncCooldown shape the periodic sync timer: one pass a
// minute, never sooner than 10s after the previous one finished.
const (
	syncInterval = 60 * time.Second
	syncCooldown = 10 * time.Second
)

// burstThreshold is the queue depth above which status reports BURST.
const burstThreshold = 25

// Sync status values reported to the UI.
const (
	StatusIdle      = "IDLE"
	StatusSyncing   = "SYNCING"
	StatusHydrating = "HYDRATING"
	StatusBurst     = "BURST"
	StatusError     = "ERROR"
)

// Read-path sources. The payload reports the tier that served the row; the
// remote-live variants label the read-path metrics for cold completions,
// split by whether the hot cache or a storage recheck surfaced the fetch.
const (
	SourceHot                  = "hot"
	SourceWarm                 = "warm"
	SourceRemoteLive           = "remote-live"
	SourceRemoteLiveViaStorage = "remote-live-via-storage"
)

// Status is the sync status snapshot for one user.
type Status struct {
	Status  string      `json:"status"`
	Percent int         `json:"percent"`
	Queue   queue.Stats `json:"queue"`
}

// userRuntime bundles everything running on behalf of one user.
type userRuntime struct {
	cfg    db.UserConfig
	queue  *queue.Queue
	swarm  *worker.Swarm
	syncer *syncer.Syncer
	uplink *draft.Uplink
	mut    *mutate.Executor

	cancel context.CancelFunc

	mu      sync.Mutex
	lastErr error
}

// Engine is the bridge supervisor.
type Engine struct {
	store      *store.Store
	cache      *hotcache.Cache
	blobs      *blob.Store
	pool       *remote.Pool
	mapper     *remote.Mapper
	backoff    *remote.Backoff
	classifier *classify.Classifier
	metrics    metrics.Collector
	log        *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	users map[string]*userRuntime
}

// Config carries the engine dependencies.
type Config struct {
	Store   *store.Store
	Cache   *hotcache.Cache
	Blobs   *blob.Store
	Metrics metrics.Collector
	Log     *zap.Logger
}

// New assembles an engine. Start must be called before use.
func New(cfg Config) *Engine {
	backoff := &remote.Backoff{}
	return &Engine{
		store:      cfg.Store,
		cache:      cfg.Cache,
		blobs:      cfg.Blobs,
		pool:       remote.NewPool(backoff, cfg.Metrics, cfg.Log),
		mapper:     remote.NewMapper(cfg.Cache),
		backoff:    backoff,
		classifier: classify.New(cfg.Store, cfg.Cache),
		metrics:    cfg.Metrics,
		log:        cfg.Log.Named("engine"),
		users:      make(map[string]*userRuntime),
	}
}

// Start brings up the runtime for every configured account. Accounts whose
// initial sync fails stay registered; the periodic timer retries them.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	cfgs, err := e.store.ListConfigs()
	if err != nil {
		return err
	}

	var g errgroup.Group
	for _, cfg := range cfgs {
		cfg := cfg
		g.Go(func() error {
			e.AddUser(cfg)
			return nil
		})
	}
	return g.Wait()
}

// Shutdown stops every user runtime and the session pool.
func (e *Engine) Shutdown() {
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Lock()
	users := e.users
	e.users = make(map[string]*userRuntime)
	e.mu.Unlock()

	for _, rt := range users {
		rt.cancel()
		rt.swarm.Stop()
		rt.uplink.Stop()
		rt.mut.Wait()
		rt.queue.Stop()
	}
	e.pool.Shutdown()
}

// AddUser registers an account and starts its swarm, uplink and sync timer.
// Re-adding an existing user replaces its stored config only.
func (e *Engine) AddUser(cfg db.UserConfig) {
	e.mu.Lock()
	if rt, ok := e.users[cfg.User]; ok {
		rt.cfg = cfg
		e.mu.Unlock()
		return
	}

	session := e.pool.Get(cfg)
	q := queue.New()
	rt := &userRuntime{cfg: cfg, queue: q}

	rt.swarm = worker.NewSwarm(worker.Config{
		User:    cfg.User,
		Queue:   q,
		Session: session,
		Mapper:  e.mapper,
		Store:   e.store,
		Cache:   e.cache,
		Blobs:   e.blobs,
		Backoff: e.backoff,
		Metrics: e.metrics,
		Log:     e.log,
	})
	rt.syncer = syncer.New(syncer.Config{
		User:       cfg.User,
		Store:      e.store,
		Cache:      e.cache,
		Queue:      q,
		Session:    session,
		Mapper:     e.mapper,
		Classifier: e.classifier,
		Metrics:    e.metrics,
		Log:        e.log,
	})
	rt.uplink = draft.New(draft.Config{
		User:    cfg.User,
		Store:   e.store,
		Cache:   e.cache,
		Queue:   q,
		Session: session,
		Mapper:  e.mapper,
		Blobs:   e.blobs,
		Metrics: e.metrics,
		Log:     e.log,
	})
	rt.mut = mutate.New(mutate.Config{
		User:       cfg.User,
		Store:      e.store,
		Cache:      e.cache,
		Session:    session,
		Mapper:     e.mapper,
		Classifier: e.classifier,
		Log:        e.log,
	})

	ctx, cancel := context.WithCancel(e.ctx)
	rt.cancel = cancel
	e.users[cfg.User] = rt
	e.mu.Unlock()

	rt.swarm.Start(ctx)
	rt.uplink.Start(ctx)
	go e.syncLoop(ctx, rt)
}

// RemoveUser tears down one account's runtime and drops its session.
func (e *Engine) RemoveUser(user string) {
	e.mu.Lock()
	rt, ok := e.users[user]
	delete(e.users, user)
	e.mu.Unlock()
	if !ok {
		return
	}
	rt.cancel()
	rt.swarm.Stop()
	rt.uplink.Stop()
	rt.mut.Wait()
	rt.queue.Stop()
	e.pool.Drop(user)
}

// Reset is the debug teardown: every runtime stops, caches and storage are
// flushed.
func (e *Engine) Reset() error {
	e.mu.Lock()
	users := make([]string, 0, len(e.users))
	for u := range e.users {
		users = append(users, u)
	}
	e.mu.Unlock()
	for _, u := range users {
		e.RemoveUser(u)
	}
	e.cache.Flush()
	return e.store.Flush()
}

// syncLoop is the per-user periodic sync timer.
func (e *Engine) syncLoop(ctx context.Context, rt *userRuntime) {
	// First pass immediately so a fresh account backfills without waiting
	// out the timer.
	e.runSync(ctx, rt, !rt.cfg.SetupComplete)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(syncInterval):
		}
		e.runSync(ctx, rt, false)
		select {
		case <-ctx.Done():
			return
		case <-time.After(syncCooldown):
		}
	}
}

func (e *Engine) runSync(ctx context.Context, rt *userRuntime, full bool) {
	var err error
	if full {
		err = rt.syncer.RunFull(ctx)
		if err == nil {
			err = e.store.MarkSetupComplete(rt.cfg.User)
			rt.uplink.ResetSuppression()
		}
	} else {
		err = rt.syncer.Run(ctx)
	}
	rt.mu.Lock()
	rt.lastErr = err
	rt.mu.Unlock()
}

// TriggerSync runs a sync pass now, outside the timer. full forces the
// all-folders walk.
func (e *Engine) TriggerSync(user string, full bool) error {
	rt, err := e.runtime(user)
	if err != nil {
		return err
	}
	go e.runSync(e.ctx, rt, full)
	return nil
}

func (e *Engine) runtime(user string) (*userRuntime, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.users[user]
	if !ok {
		return nil, fmt.Errorf("%w: no runtime for %s", faults.NotFound, user)
	}
	return rt, nil
}

// Uplink exposes a user's draft uplink to the HTTP layer.
func (e *Engine) Uplink(user string) (*draft.Uplink, error) {
	rt, err := e.runtime(user)
	if err != nil {
		return nil, err
	}
	return rt.uplink, nil
}

// Mutator exposes a user's mutation executor to the HTTP layer.
func (e *Engine) Mutator(user string) (*mutate.Executor, error) {
	rt, err := e.runtime(user)
	if err != nil {
		return nil, err
	}
	return rt.mut, nil
}

// Classifier exposes the shared classifier.
func (e *Engine) Classifier() *classify.Classifier {
	return e.classifier
}

// Status reports the sync state machine the UI polls.
func (e *Engine) Status(user string) Status {
	rt, err := e.runtime(user)
	if err != nil {
		return Status{Status: StatusIdle}
	}

	stats := rt.queue.Stats()
	out := Status{Status: StatusIdle, Queue: stats}

	rt.mu.Lock()
	lastErr := rt.lastErr
	rt.mu.Unlock()

	if p, ok := rt.syncer.Progress(); ok {
		out.Percent = p.Percent
	}

	switch {
	case lastErr != nil && errors.Is(lastErr, faults.AuthRequired):
		out.Status = StatusError
	case func() bool { _, busy := e.cache.Get(hotcache.SyncActiveKey(user)); return busy }():
		out.Status = StatusSyncing
	case stats.Pending+stats.Processing > burstThreshold:
		out.Status = StatusBurst
	case stats.Pending+stats.Processing > 0:
		out.Status = StatusHydrating
	case lastErr != nil:
		out.Status = StatusError
	}
	return out
}

// List serves a folder listing through the list cache, newest first, with
// sent-draft suppression applied to the Drafts folder.
func (e *Engine) List(user, folder, category string) ([]db.Email, error) {
	key := hotcache.ListKey(user, folder, category)
	if v, ok := e.cache.Get(key); ok {
		if rows, ok := v.([]db.Email); ok {
			return rows, nil
		}
	}

	rows, err := e.store.ListFolder(user, folder, category)
	if err != nil {
		return nil, err
	}

	if folder == store.FolderDrafts {
		if rt, err := e.runtime(user); err == nil {
			suppressed := rt.uplink.SuppressedRowIDs()
			if len(suppressed) > 0 {
				kept := rows[:0]
				for _, r := range rows {
					if !suppressed[r.ID] {
						kept = append(kept, r)
					}
				}
				rows = kept
			}
		}
	}

	e.cache.Set(key, rows, hotcache.TTLList)
	return rows, nil
}

// Fetch resolves one message through the cache tiers. On a cold miss it
// enqueues a foreground hydration job and polls until the row hydrates or
// the deadline passes.
func (e *Engine) Fetch(ctx context.Context, id, user string) (*db.Email, string, error) {
	uid, folder, err := store.ParseID(id)
	if err != nil {
		return nil, "", err
	}

	if v, ok := e.cache.Get(hotcache.MailObjKey(id, user)); ok {
		if m, ok := v.(*db.Email); ok && m.IsFullBody {
			e.metrics.ReadServed(SourceHot)
			return m, SourceHot, nil
		}
	}

	m, err := e.store.GetEmail(id, user)
	if err != nil && !errors.Is(err, faults.NotFound) {
		return nil, "", err
	}
	if m != nil && m.IsFullBody {
		e.cache.Set(hotcache.MailObjKey(id, user), m, hotcache.TTLMailObj)
		e.metrics.ReadServed(SourceWarm)
		return m, SourceWarm, nil
	}
	if m == nil {
		return nil, "", fmt.Errorf("%w: %s", faults.NotFound, id)
	}

	rt, err := e.runtime(user)
	if err != nil {
		return nil, "", err
	}
	rt.queue.Add(queue.Job{
		ID:       id,
		Kind:     queue.KindHydrate,
		Priority: queue.PriorityForeground,
		User:     user,
		Folder:   folder,
		UID:      uid,
	})

	deadline := time.After(pollDeadline)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for tick := 1; ; tick++ {
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-deadline:
			e.metrics.ReadServed("timeout")
			return nil, "", fmt.Errorf("%w: hydration of %s", faults.FetchTimeout, id)
		case <-ticker.C:
		}

		// Cold completions report "warm": by the time the poll observes the
		// row, the hydrated copy is being served from the local tiers.
		if v, ok := e.cache.Get(hotcache.MailObjKey(id, user)); ok {
			if m, ok := v.(*db.Email); ok && m.IsFullBody {
				e.metrics.ReadServed(SourceRemoteLive)
				return m, SourceWarm, nil
			}
		}
		if tick%pollStorageEvery == 0 {
			m, err := e.store.GetEmail(id, user)
			if err == nil && m.IsFullBody {
				e.cache.Set(hotcache.MailObjKey(id, user), m, hotcache.TTLMailObj)
				e.metrics.ReadServed(SourceRemoteLiveViaStorage)
				return m, SourceWarm, nil
			}
		}
	}
}

// SetupAccount persists a config, seeds the default rules and starts the
// runtime. Called by the config-save endpoint.
func (e *Engine) SetupAccount(cfg db.UserConfig) error {
	if cfg.User == "" || cfg.IMAPHost == "" {
		return fmt.Errorf("%w: user and imapHost are required", faults.Validation)
	}
	if err := e.store.SaveConfig(&cfg); err != nil {
		return err
	}
	if err := e.store.SeedDefaultRules(cfg.User); err != nil {
		return err
	}
	e.AddUser(cfg)
	return nil
}

// Store exposes the persistent layer to the HTTP handlers.
func (e *Engine) Store() *store.Store { return e.store }

// Cache exposes the hot cache to the HTTP handlers.
func (e *Engine) Cache() *hotcache.Cache { return e.cache }

// Blobs exposes the attachment store to the HTTP handlers.
func (e *Engine) Blobs() *blob.Store { return e.blobs }

// WorkerStates reports the per-worker states for a user, for debugging.
func (e *Engine) WorkerStates(user string) []string {
	rt, err := e.runtime(user)
	if err != nil {
		return nil
	}
	return rt.swarm.States()
}
