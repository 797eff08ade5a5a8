// Package worker implements the hydration swarm: a fixed pool of workers
// per user that drains the job queue and turns envelope-only rows into full
// messages with bodies and attachments.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"

	"github.com/themadorg/mailboy/internal/blob"
	"github.com/themadorg/mailboy/internal/db"
	"github.com/themadorg/mailboy/internal/faults"
	"github.com/themadorg/mailboy/internal/hotcache"
	"github.com/themadorg/mailboy/internal/hydrate"
	"github.com/themadorg/mailboy/internal/metrics"
	"github.com/themadorg/mailboy/internal/queue"
	"github.com/themadorg/mailboy/internal/remote"
	"github.com/themadorg/mailboy/internal/store"
)

// PoolSize is the number of hydration workers per user.
const PoolSize = 10

// Worker states exposed for status reporting.
const (
	StateIdle     = "IDLE"
	StateWorking  = "WORKING"
	StateCooldown = "COOLDOWN"
	StateStopped  = "STOPPED"
)

// Swarm runs the hydration workers for one user.
type Swarm struct {
	user    string
	queue   *queue.Queue
	session *remote.Session
	mapper  *remote.Mapper
	store   *store.Store
	cache   *hotcache.Cache
	blobs   *blob.Store
	backoff *remote.Backoff
	metrics metrics.Collector
	log     *zap.Logger

	mu     sync.Mutex
	states [PoolSize]string

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Config carries the swarm dependencies.
type Config struct {
	User    string
	Queue   *queue.Queue
	Session *remote.Session
	Mapper  *remote.Mapper
	Store   *store.Store
	Cache   *hotcache.Cache
	Blobs   *blob.Store
	Backoff *remote.Backoff
	Metrics metrics.Collector
	Log     *zap.Logger
}

// NewSwarm creates a stopped swarm.
func NewSwarm(cfg Config) *Swarm {
	s := &Swarm{
		user:    cfg.User,
		queue:   cfg.Queue,
		session: cfg.Session,
		mapper:  cfg.Mapper,
		store:   cfg.Store,
		cache:   cfg.Cache,
		blobs:   cfg.Blobs,
		backoff: cfg.Backoff,
		metrics: cfg.Metrics,
		log:     cfg.Log.Named("worker").With(zap.String("user", cfg.User)),
	}
	for i := range s.states {
		s.states[i] = StateStopped
	}
	return s
}

// Start launches the workers. They run until ctx is done or Stop is called.
func (s *Swarm) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < PoolSize; i++ {
		s.wg.Add(1)
		go s.runWorker(ctx, i)
	}
}

// Stop signals the workers and waits for them to drain current work.
func (s *Swarm) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Swarm) setState(i int, state string) {
	s.mu.Lock()
	s.states[i] = state
	s.mu.Unlock()
}

// States returns a snapshot of per-worker states.
func (s *Swarm) States() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, PoolSize)
	copy(out, s.states[:])
	return out
}

func (s *Swarm) runWorker(ctx context.Context, id int) {
	defer s.wg.Done()
	defer s.setState(id, StateStopped)
	log := s.log.With(zap.Int("worker", id))

	for {
		if ctx.Err() != nil {
			return
		}

		if s.backoff.Active() {
			s.setState(id, StateCooldown)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		s.setState(id, StateIdle)

		// Bounded wait so an idle worker keeps the shared session alive.
		popCtx, cancel := context.WithTimeout(ctx, remote.IdlePingAfter)
		job, ok := s.queue.Pop(popCtx, queue.KindHydrate)
		cancel()
		if !ok {
			if ctx.Err() != nil {
				return
			}
			s.session.PingIfIdle()
			continue
		}

		s.setState(id, StateWorking)
		if err := s.hydrateOne(job); err != nil {
			s.metrics.JobFailed(s.user)
			switch {
			case errors.Is(err, faults.NotFound):
				// Gone on the remote side; nothing to retry.
				log.Debug("message vanished during hydration", zap.String("id", job.ID))
				s.queue.Done(job.ID)
			case errors.Is(err, faults.RemoteOverloaded):
				// Return the job; the whole swarm cools down.
				s.queue.Retry(job)
			default:
				log.Warn("hydration failed", zap.String("id", job.ID), zap.Error(err))
				if s.queue.Retry(job) {
					s.metrics.JobRetried(s.user)
				}
			}
			continue
		}
		s.metrics.JobCompleted(s.user)
		s.queue.Done(job.ID)
	}
}

// hydrateOne fetches body and attachments for a single message and upserts
// the full row.
func (s *Swarm) hydrateOne(job queue.Job) error {
	path, err := s.mapper.Path(s.user, s.session, job.Folder)
	if err != nil {
		return err
	}

	var (
		env       *imap.Envelope
		structure *imap.BodyStructure
		flags     []string
	)
	var body string
	var attRefs []store.AttachmentRef

	err = s.session.WithFolder(path, true, func(c *client.Client, _ *imap.MailboxStatus) error {
		seq := new(imap.SeqSet)
		seq.AddNum(job.UID)

		// Envelope and structure first: the structure drives which parts
		// get downloaded.
		msg, err := fetchOne(c, seq, []imap.FetchItem{
			imap.FetchEnvelope, imap.FetchBodyStructure, imap.FetchFlags, imap.FetchUid,
		}, nil)
		if err != nil {
			return err
		}
		if msg == nil || msg.BodyStructure == nil {
			return fmt.Errorf("%w: uid %d in %s", faults.NotFound, job.UID, job.Folder)
		}
		env = msg.Envelope
		structure = msg.BodyStructure
		flags = msg.Flags

		bodyRef := hydrate.BestBodyPart(structure)
		raw, err := fetchSection(c, seq, bodyRef)
		if err != nil {
			return err
		}
		decoded, err := io.ReadAll(hydrate.DecodePart(raw, bodyRef))
		raw.Close()
		if err != nil {
			return fmt.Errorf("decode body part: %w", err)
		}
		if bodyRef.MimeType == "text/plain" {
			body = hydrate.CleanBody(hydrate.WrapPlainText(string(decoded)))
		} else {
			body = hydrate.CleanBody(string(decoded))
		}

		for _, ref := range hydrate.CollectAttachments(structure) {
			key := hydrate.BlobKey(ref.Filename)
			size, err := s.downloadAttachment(c, seq, ref, key)
			if err != nil {
				return err
			}
			attRefs = append(attRefs, store.AttachmentRef{
				Filename:  ref.Filename,
				BlobKey:   key,
				Size:      size,
				MimeType:  ref.MimeType,
				ContentID: ref.ContentID,
			})
			if err := s.store.SaveAttachmentMeta(&db.AttachmentMeta{
				BlobKey:   key,
				User:      s.user,
				EmailID:   job.ID,
				Filename:  ref.Filename,
				Size:      size,
				MimeType:  ref.MimeType,
				ContentID: ref.ContentID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	row, err := s.buildRow(job, env, flags, body, attRefs)
	if err != nil {
		return err
	}
	if err := s.store.UpsertEmail(row); err != nil {
		return err
	}

	// Storage first, then cache: prime the object, drop stale snapshots.
	s.cache.Set(hotcache.MailObjKey(job.ID, s.user), row, hotcache.TTLMailObj)
	s.cache.InvalidateFolderLists(s.user, job.Folder)
	return nil
}

// buildRow merges hydrated content with the existing envelope row, keeping
// user-visible flags that may have changed while the fetch ran.
func (s *Swarm) buildRow(job queue.Job, env *imap.Envelope, flags []string, body string, attRefs []store.AttachmentRef) (*db.Email, error) {
	preview := hydrate.PreviewText(body)
	if preview == "" {
		// A hydrated row never carries an empty preview or body.
		preview = "(no content)"
	}
	if body == "" {
		body = hydrate.WrapPlainText(preview)
	}

	existing, err := s.store.GetEmail(job.ID, s.user)
	if err != nil && !errors.Is(err, faults.NotFound) {
		return nil, err
	}

	// The fresh row covers the race where hydration outlives a local delete;
	// normally the stored row with its user flags wins.
	row := remote.EnvelopeRow(job.ID, job.UID, s.user, job.Folder, env, flags)
	if existing != nil {
		row = existing
	}
	row.Body = body
	row.Preview = preview
	row.IsFullBody = true
	row.Attachments = store.EncodeAttachments(attRefs)
	return row, nil
}

// downloadAttachment streams one part into the blob store.
func (s *Swarm) downloadAttachment(c *client.Client, seq *imap.SeqSet, ref hydrate.PartRef, key string) (int64, error) {
	raw, err := fetchSection(c, seq, ref)
	if err != nil {
		return 0, err
	}
	defer raw.Close()

	w, err := s.blobs.Create(key)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, hydrate.DecodePart(raw, ref))
	if err != nil {
		if a, ok := w.(interface{ Abort() }); ok {
			a.Abort()
		}
		return 0, fmt.Errorf("stream attachment %s: %w", ref.Filename, err)
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return n, nil
}

// fetchOne runs a UID FETCH for a single message and returns it.
func fetchOne(c *client.Client, seq *imap.SeqSet, items []imap.FetchItem, section *imap.BodySectionName) (*imap.Message, error) {
	if section != nil {
		items = append(items, section.FetchItem())
	}
	ch := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() { done <- c.UidFetch(seq, items, ch) }()

	var msg *imap.Message
	for m := range ch {
		msg = m
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("uid fetch: %w", err)
	}
	return msg, nil
}

// fetchSection downloads one body section as a reader.
func fetchSection(c *client.Client, seq *imap.SeqSet, ref hydrate.PartRef) (io.ReadCloser, error) {
	section := ref.FetchSection()
	msg, err := fetchOne(c, seq, []imap.FetchItem{imap.FetchUid}, section)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: section %v", faults.NotFound, ref.Path)
	}
	lit := msg.GetBody(section)
	if lit == nil {
		return nil, fmt.Errorf("%w: empty section %v", faults.NotFound, ref.Path)
	}
	return io.NopCloser(lit), nil
}
