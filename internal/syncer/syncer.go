// Package syncer implements the envelope sync passes: the cheap quick sync
// that follows the tip of the Inbox, and the full sync that walks every
// canonical folder. Sync writes envelope rows and enqueues hydration; it
// never downloads bodies itself.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"

	"github.com/themadorg/mailboy/internal/classify"
	"github.com/themadorg/mailboy/internal/db"
	"github.com/themadorg/mailboy/internal/faults"
	"github.com/themadorg/mailboy/internal/hotcache"
	"github.com/themadorg/mailboy/internal/metrics"
	"github.com/themadorg/mailboy/internal/queue"
	"github.com/themadorg/mailboy/internal/remote"
	"github.com/themadorg/mailboy/internal/store"
)

const (
	// quickSyncThreshold is the local Inbox row count above which the
	// periodic pass only follows the Inbox tip.
	quickSyncThreshold = 200

	// quickWindow is how many of the newest messages a quick sync covers.
	quickWindow = 50

	// fullWindow is how many of the newest messages a full sync covers per
	// folder.
	fullWindow = 400

	// Batch sizes for envelope fetches. Sent mailboxes tend to carry large
	// messages, so they get smaller batches; a failing batch bisects down
	// to rescueBatch before giving up on its range.
	defaultBatch = 50
	sentBatch    = 25
	quickBatch   = 10
	rescueBatch  = 10

	// prewarmDepth is how many of the newest rows per folder get a prewarm
	// priority hydration job instead of background.
	prewarmDepth = 20
)

// Sync modes, also used as the metrics label.
const (
	ModeQuick = "quick"
	ModeFull  = "full"
)

// Progress is the snapshot published under the sync progress key.
type Progress struct {
	Mode    string `json:"mode"`
	Folder  string `json:"folder"`
	Done    int    `json:"done"`
	Total   int    `json:"total"`
	Percent int    `json:"percent"`
}

// Syncer runs envelope passes for one user.
type Syncer struct {
	user       string
	store      *store.Store
	cache      *hotcache.Cache
	queue      *queue.Queue
	session    *remote.Session
	mapper     *remote.Mapper
	classifier *classify.Classifier
	metrics    metrics.Collector
	log        *zap.Logger
}

// Config carries the syncer dependencies.
type Config struct {
	User       string
	Store      *store.Store
	Cache      *hotcache.Cache
	Queue      *queue.Queue
	Session    *remote.Session
	Mapper     *remote.Mapper
	Classifier *classify.Classifier
	Metrics    metrics.Collector
	Log        *zap.Logger
}

// New creates a syncer for one user.
func New(cfg Config) *Syncer {
	return &Syncer{
		user:       cfg.User,
		store:      cfg.Store,
		cache:      cfg.Cache,
		queue:      cfg.Queue,
		session:    cfg.Session,
		mapper:     cfg.Mapper,
		classifier: cfg.Classifier,
		metrics:    cfg.Metrics,
		log:        cfg.Log.Named("sync").With(zap.String("user", cfg.User)),
	}
}

// Run executes one sync pass, picking quick or full from the local Inbox
// depth. The active-guard key prevents overlapping passes; a pass that finds
// the guard set returns immediately.
func (s *Syncer) Run(ctx context.Context) error {
	if _, busy := s.cache.Get(hotcache.SyncActiveKey(s.user)); busy {
		return nil
	}
	s.cache.Set(hotcache.SyncActiveKey(s.user), time.Now(), hotcache.TTLSyncActive)
	defer s.cache.Delete(hotcache.SyncActiveKey(s.user))

	n, err := s.store.CountFolder(s.user, store.FolderInbox)
	if err != nil {
		return err
	}
	if n >= quickSyncThreshold {
		return s.runMode(ctx, ModeQuick)
	}
	return s.runMode(ctx, ModeFull)
}

// RunFull forces a full pass regardless of local depth. The setup flow uses
// it for the initial backfill.
func (s *Syncer) RunFull(ctx context.Context) error {
	if _, busy := s.cache.Get(hotcache.SyncActiveKey(s.user)); busy {
		return nil
	}
	s.cache.Set(hotcache.SyncActiveKey(s.user), time.Now(), hotcache.TTLSyncActive)
	defer s.cache.Delete(hotcache.SyncActiveKey(s.user))
	return s.runMode(ctx, ModeFull)
}

func (s *Syncer) runMode(ctx context.Context, mode string) error {
	s.metrics.SyncStarted(s.user, mode)
	start := time.Now()

	var err error
	if mode == ModeQuick {
		err = s.syncFolder(ctx, store.FolderInbox, quickWindow, quickBatch, mode, 0, 1)
	} else {
		// Folders fail independently: one broken mailbox must not starve
		// the rest. Auth failures are fatal for the whole pass.
		for i, folder := range store.SyncFolders {
			if ctx.Err() != nil {
				err = ctx.Err()
				break
			}
			batch := defaultBatch
			if folder == store.FolderSent {
				batch = sentBatch
			}
			ferr := s.syncFolder(ctx, folder, fullWindow, batch, mode, i, len(store.SyncFolders))
			if ferr != nil {
				err = ferr
				if errors.Is(ferr, faults.AuthRequired) {
					break
				}
				s.log.Warn("folder sync failed", zap.String("folder", folder), zap.Error(ferr))
			}
		}
	}

	s.metrics.SyncFinished(s.user, mode, err == nil)
	if err != nil {
		s.log.Warn("sync pass failed", zap.String("mode", mode), zap.Error(err))
		return err
	}

	s.publishProgress(Progress{Mode: mode, Done: 1, Total: 1, Percent: 100})
	s.log.Info("sync pass finished",
		zap.String("mode", mode),
		zap.Duration("took", time.Since(start)))
	return nil
}

// syncFolder fetches the newest window of envelopes for one folder, persists
// them, reconciles deletions inside the window and enqueues hydration.
func (s *Syncer) syncFolder(ctx context.Context, folder string, window, batch int, mode string, folderIdx, folderCount int) error {
	path, err := s.mapper.Path(s.user, s.session, folder)
	if err != nil {
		return err
	}

	known, err := s.store.UIDsInFolder(s.user, folder)
	if err != nil {
		return err
	}

	var fetched []fetchedMsg
	var lowestUID uint32

	err = s.session.WithFolder(path, true, func(c *client.Client, mbox *imap.MailboxStatus) error {
		exists := int(mbox.Messages)
		if exists == 0 {
			return nil
		}
		from := windowStart(exists, window)
		total := exists - from + 1
		done := 0

		for lo := from; lo <= exists; lo += batch {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			hi := lo + batch - 1
			if hi > exists {
				hi = exists
			}
			msgs, err := fetchEnvelopeRange(c, uint32(lo), uint32(hi))
			if err != nil {
				// Bisect: one poison message should not sink the window.
				msgs, err = s.rescueRange(ctx, c, lo, hi)
				if err != nil {
					return err
				}
			}
			fetched = append(fetched, msgs...)
			done += hi - lo + 1
			s.publishProgress(Progress{
				Mode:    mode,
				Folder:  folder,
				Done:    done,
				Total:   total,
				Percent: (folderIdx*100 + done*100/total) / folderCount,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	rows := make([]db.Email, 0, len(fetched))
	remoteUIDs := make(map[uint32]struct{}, len(fetched))
	for _, m := range fetched {
		if lowestUID == 0 || m.uid < lowestUID {
			lowestUID = m.uid
		}
		remoteUIDs[m.uid] = struct{}{}
		row := remote.EnvelopeRow(store.MessageID(m.uid, folder), m.uid, s.user, folder, m.env, m.flags)
		if folder == store.FolderInbox {
			row.Category = s.classifier.Classify(s.user, row.FromAddr, row.Subject, "")
		}
		rows = append(rows, *row)
	}
	if err := s.store.SaveBatch(rows); err != nil {
		return err
	}

	// Deletion reconciliation, bounded to the synced window: a local row
	// whose uid falls inside it but is gone remotely was deleted elsewhere.
	var stale []string
	for uid, id := range known {
		if uid < lowestUID || lowestUID == 0 {
			continue
		}
		if _, ok := remoteUIDs[uid]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := s.store.DeleteEmails(s.user, stale); err != nil {
			return err
		}
		for _, id := range stale {
			s.cache.Delete(hotcache.MailObjKey(id, s.user))
		}
	}

	s.enqueueHydration(folder, rows)
	s.cache.InvalidateFolderLists(s.user, folder)
	return nil
}

// windowStart returns the first sequence number of the sync window; the range
// [max(1, exists-window), exists] is inclusive on both ends.
func windowStart(exists, window int) int {
	from := exists - window
	if from < 1 {
		from = 1
	}
	return from
}

// enqueueHydration queues fetch jobs for rows without a body: the newest few
// at prewarm priority, the rest in the background.
func (s *Syncer) enqueueHydration(folder string, rows []db.Email) {
	// Newest last in fetch order; walk backwards so prewarm depth lands on
	// the messages a list view shows first.
	queued := 0
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		_, hydrated, err := s.store.IsHydrated(row.ID, s.user)
		if err != nil || hydrated {
			continue
		}
		prio := queue.PriorityBackground
		if queued < prewarmDepth {
			prio = queue.PriorityPrewarm
		}
		queued++
		s.queue.Add(queue.Job{
			ID:       row.ID,
			Kind:     queue.KindHydrate,
			Priority: prio,
			User:     s.user,
			Folder:   folder,
			UID:      row.UID,
		})
	}
}

// rescueRange re-fetches a failed sequence range in small slices, skipping
// slices that still fail.
func (s *Syncer) rescueRange(ctx context.Context, c *client.Client, lo, hi int) ([]fetchedMsg, error) {
	var out []fetchedMsg
	for l := lo; l <= hi; l += rescueBatch {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		h := l + rescueBatch - 1
		if h > hi {
			h = hi
		}
		msgs, err := fetchEnvelopeRange(c, uint32(l), uint32(h))
		if err != nil {
			s.log.Warn("skipping unfetchable range",
				zap.Int("from", l), zap.Int("to", h), zap.Error(err))
			continue
		}
		out = append(out, msgs...)
	}
	return out, nil
}

func (s *Syncer) publishProgress(p Progress) {
	s.cache.Set(hotcache.SyncProgressKey(s.user), p, hotcache.TTLSyncProgress)
}

// Progress returns the last published progress snapshot, if any.
func (s *Syncer) Progress() (Progress, bool) {
	v, ok := s.cache.Get(hotcache.SyncProgressKey(s.user))
	if !ok {
		return Progress{}, false
	}
	p, ok := v.(Progress)
	return p, ok
}

type fetchedMsg struct {
	uid   uint32
	env   *imap.Envelope
	flags []string
}

// fetchEnvelopeRange fetches envelope, flags and uid for a sequence-number
// range on the selected mailbox.
func fetchEnvelopeRange(c *client.Client, lo, hi uint32) ([]fetchedMsg, error) {
	seq := new(imap.SeqSet)
	seq.AddRange(lo, hi)

	ch := make(chan *imap.Message, 64)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seq, []imap.FetchItem{
			imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid,
		}, ch)
	}()

	var out []fetchedMsg
	for msg := range ch {
		if msg.Uid == 0 {
			continue
		}
		out = append(out, fetchedMsg{uid: msg.Uid, env: msg.Envelope, flags: msg.Flags})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch %d:%d: %w", lo, hi, err)
	}
	return out, nil
}
