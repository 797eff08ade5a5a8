// Package draft implements the draft uplink: the dedicated per-user loop
// that keeps the Drafts folder bidirectionally consistent. Saves staged
// locally are appended to the remote folder with a recovery header; remote
// deletions performed by other clients are detected and mirrored back.
package draft

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/google/uuid"
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
	"github.com/themadorg/mailboy/internal/submit"
)

// cycleInterval is the pause between uplink cycles.
const cycleInterval = 2 * time.Second

// Staged is a draft body waiting in the hot cache for the uplink to pick up.
// Attachments are always referenced by blob key; the HTTP layer stores
// uploads before staging.
type Staged struct {
	ClientDraftID string   `json:"clientDraftId"`
	From          string   `json:"from"`
	To            []string `json:"to"`
	Subject       string   `json:"subject"`
	Body          string   `json:"body"`
	BlobKeys      []string `json:"blobKeys"`
}

// Uplink reconciles the Drafts folder for one user.
type Uplink struct {
	user    string
	store   *store.Store
	cache   *hotcache.Cache
	queue   *queue.Queue
	session *remote.Session
	mapper  *remote.Mapper
	blobs   *blob.Store
	metrics metrics.Collector
	log     *zap.Logger

	mu sync.Mutex
	// remoteUID maps clientDraftId to the uid of its current remote copy.
	remoteUID map[string]uint32
	// sent holds clientDraftIds whose message was submitted; their remote
	// and local copies are removed on the next cycle, and the id stays
	// suppressed from listings until a full sync rebuilds the folder.
	sent map[string]bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Config carries the uplink dependencies.
type Config struct {
	User    string
	Store   *store.Store
	Cache   *hotcache.Cache
	Queue   *queue.Queue
	Session *remote.Session
	Mapper  *remote.Mapper
	Blobs   *blob.Store
	Metrics metrics.Collector
	Log     *zap.Logger
}

// New creates a stopped uplink.
func New(cfg Config) *Uplink {
	return &Uplink{
		user:      cfg.User,
		store:     cfg.Store,
		cache:     cfg.Cache,
		queue:     cfg.Queue,
		session:   cfg.Session,
		mapper:    cfg.Mapper,
		blobs:     cfg.Blobs,
		metrics:   cfg.Metrics,
		log:       cfg.Log.Named("draft").With(zap.String("user", cfg.User)),
		remoteUID: make(map[string]uint32),
		sent:      make(map[string]bool),
	}
}

// Start launches the uplink loop.
func (u *Uplink) Start(ctx context.Context) {
	ctx, u.cancel = context.WithCancel(ctx)
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(cycleInterval):
			}
			if err := u.cycle(ctx); err != nil {
				u.log.Warn("uplink cycle failed", zap.Error(err))
			}
		}
	}()
}

// Stop terminates the loop and waits for the current cycle.
func (u *Uplink) Stop() {
	if u.cancel != nil {
		u.cancel()
	}
	u.wg.Wait()
}

// Stage records a draft body and enqueues its uplink job. A missing
// clientDraftId gets a fresh one; the id is returned either way.
func (u *Uplink) Stage(d Staged) string {
	if d.ClientDraftID == "" {
		d.ClientDraftID = uuid.NewString()
	}
	u.cache.Set(hotcache.DraftStageKey(u.user, d.ClientDraftID), d, 0)
	u.queue.Add(queue.Job{
		ID:            "draft-" + d.ClientDraftID,
		Kind:          queue.KindDraftSave,
		Priority:      queue.PriorityForeground,
		User:          u.user,
		ClientDraftID: d.ClientDraftID,
	})
	return d.ClientDraftID
}

// MarkSent flags a submitted draft: its copies disappear on the next cycle
// and the id is suppressed from listings meanwhile.
func (u *Uplink) MarkSent(clientDraftID string) {
	if clientDraftID == "" {
		return
	}
	u.mu.Lock()
	u.sent[clientDraftID] = true
	u.mu.Unlock()
}

// Suppressed reports whether a draft was sent and awaits removal.
func (u *Uplink) Suppressed(clientDraftID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sent[clientDraftID]
}

// SuppressedRowIDs returns the local row ids of sent drafts still awaiting
// removal, for filtering Drafts listings.
func (u *Uplink) SuppressedRowIDs() map[string]bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]bool, len(u.sent))
	for id := range u.sent {
		if uid, ok := u.remoteUID[id]; ok {
			out[store.MessageID(uid, store.FolderDrafts)] = true
		}
	}
	return out
}

// ResetSuppression clears the sent set; a full sync makes the folder
// authoritative again.
func (u *Uplink) ResetSuppression() {
	u.mu.Lock()
	u.sent = make(map[string]bool)
	u.mu.Unlock()
}

// cycle runs one reconciliation pass: uplink pending saves, purge sent
// drafts, then mirror remote-side changes.
func (u *Uplink) cycle(ctx context.Context) error {
	jobs := u.queue.Drain(queue.KindDraftSave)
	sent := u.takeSent()
	if len(jobs) == 0 && len(sent) == 0 {
		// Nothing outbound; still watch for remote-side deletions.
		return u.reconcile(ctx)
	}

	path, err := u.mapper.Path(u.user, u.session, store.FolderDrafts)
	if err != nil {
		u.requeue(jobs)
		return err
	}

	err = u.session.WithFolder(path, false, func(c *client.Client, mbox *imap.MailboxStatus) error {
		for _, id := range sent {
			if err := u.removeDraft(c, path, id); err != nil {
				return err
			}
			// Handled: stop re-searching for this id on later cycles. The
			// local row is gone too, so no suppression is needed anymore.
			u.clearSent(id)
		}
		for _, job := range jobs {
			if err := u.saveOne(c, path, job); err != nil {
				return err
			}
			u.queue.Done(job.ID)
		}
		return nil
	})
	if err != nil {
		// Unfinished sent ids are still in the set; only the jobs need to go
		// back on the queue.
		u.requeue(jobs)
		return err
	}
	return u.reconcile(ctx)
}

// takeSent snapshots the sent set without consuming it; entries leave the
// set one by one as their remote copies are removed.
func (u *Uplink) takeSent() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.sent))
	for id := range u.sent {
		out = append(out, id)
	}
	return out
}

func (u *Uplink) clearSent(id string) {
	u.mu.Lock()
	delete(u.sent, id)
	u.mu.Unlock()
}

func (u *Uplink) requeue(jobs []queue.Job) {
	for _, j := range jobs {
		u.queue.Done(j.ID)
		u.queue.Add(j)
	}
}

// saveOne replaces the remote copy of one staged draft and upserts the
// local row. Caller holds the Drafts folder.
func (u *Uplink) saveOne(c *client.Client, path string, job queue.Job) error {
	v, ok := u.cache.Get(hotcache.DraftStageKey(u.user, job.ClientDraftID))
	if !ok {
		// Staged body consumed by a later save or a send.
		return nil
	}
	staged, ok := v.(Staged)
	if !ok {
		return fmt.Errorf("%w: corrupt draft stage for %s", faults.Validation, job.ClientDraftID)
	}

	if err := u.removeDraft(c, path, job.ClientDraftID); err != nil {
		return err
	}

	msg, attRefs, err := u.composeStaged(staged)
	if err != nil {
		return err
	}
	raw, err := submit.Compose(msg)
	if err != nil {
		return err
	}
	if err := c.Append(path, []string{imap.DraftFlag}, time.Now(), bytes.NewBuffer(raw)); err != nil {
		return fmt.Errorf("append draft: %w", err)
	}

	uid, err := u.findByHeader(c, job.ClientDraftID)
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.remoteUID[job.ClientDraftID] = uid
	u.mu.Unlock()

	if err := u.upsertLocal(staged, uid, attRefs); err != nil {
		return err
	}
	u.cache.Delete(hotcache.DraftStageKey(u.user, job.ClientDraftID))
	u.cache.InvalidateFolderLists(u.user, store.FolderDrafts)
	u.metrics.DraftSaved(u.user)
	return nil
}

// composeStaged builds the outgoing message and the attachment refs for the
// local row. Blob readers stay open until Compose consumed them.
func (u *Uplink) composeStaged(staged Staged) (submit.Message, []store.AttachmentRef, error) {
	msg := submit.Message{
		From:    staged.From,
		To:      staged.To,
		Subject: staged.Subject,
		Body:    staged.Body,
		DraftID: staged.ClientDraftID,
	}
	var refs []store.AttachmentRef
	for _, key := range staged.BlobKeys {
		meta, err := u.store.AttachmentByKey(u.user, key)
		if err != nil {
			return msg, nil, err
		}
		r, err := u.blobs.Open(key)
		if err != nil {
			return msg, nil, err
		}
		// Buffer the blob; Compose runs after this loop returns.
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(r); err != nil {
			r.Close()
			return msg, nil, fmt.Errorf("read blob %s: %w", key, err)
		}
		r.Close()
		msg.Attachments = append(msg.Attachments, submit.Attachment{
			Filename: meta.Filename,
			MimeType: meta.MimeType,
			Content:  &buf,
		})
		refs = append(refs, store.AttachmentRef{
			Filename: meta.Filename,
			BlobKey:  key,
			Size:     meta.Size,
			MimeType: meta.MimeType,
		})
	}
	return msg, refs, nil
}

// removeDraft deletes every remote copy of a clientDraftId: the known uid
// when we have one, a header search otherwise. Also drops the local row.
func (u *Uplink) removeDraft(c *client.Client, path, clientDraftID string) error {
	u.mu.Lock()
	uid, known := u.remoteUID[clientDraftID]
	delete(u.remoteUID, clientDraftID)
	u.mu.Unlock()

	var uids []uint32
	if known {
		uids = []uint32{uid}
	} else {
		found, err := u.searchByHeader(c, clientDraftID)
		if err != nil {
			return err
		}
		uids = found
	}
	if len(uids) == 0 {
		return nil
	}

	seq := new(imap.SeqSet)
	seq.AddNum(uids...)
	op := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.UidStore(seq, op, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fmt.Errorf("flag old draft deleted: %w", err)
	}
	if err := c.Expunge(nil); err != nil {
		return fmt.Errorf("expunge old draft: %w", err)
	}

	var stale []string
	for _, old := range uids {
		id := store.MessageID(old, store.FolderDrafts)
		stale = append(stale, id)
		u.cache.Delete(hotcache.MailObjKey(id, u.user))
	}
	if err := u.store.DeleteEmails(u.user, stale); err != nil {
		return err
	}
	u.cache.InvalidateFolderLists(u.user, store.FolderDrafts)
	return nil
}

func (u *Uplink) searchByHeader(c *client.Client, clientDraftID string) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add(submit.DraftIDHeader, clientDraftID)
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search draft header: %w", err)
	}
	return uids, nil
}

// findByHeader locates the uid of a just-appended draft.
func (u *Uplink) findByHeader(c *client.Client, clientDraftID string) (uint32, error) {
	uids, err := u.searchByHeader(c, clientDraftID)
	if err != nil {
		return 0, err
	}
	if len(uids) == 0 {
		return 0, fmt.Errorf("%w: appended draft %s not searchable", faults.RemoteTransient, clientDraftID)
	}
	// Multiple hits mean a replace raced; the highest uid is the newest.
	best := uids[0]
	for _, uid := range uids[1:] {
		if uid > best {
			best = uid
		}
	}
	return best, nil
}

func (u *Uplink) upsertLocal(staged Staged, uid uint32, refs []store.AttachmentRef) error {
	body := hydrate.CleanBody(staged.Body)
	preview := hydrate.PreviewText(body)
	if preview == "" {
		preview = "(no content)"
	}
	row := &db.Email{
		ID:          store.MessageID(uid, store.FolderDrafts),
		UID:         uid,
		User:        u.user,
		Folder:      store.FolderDrafts,
		FromAddr:    staged.From,
		ToAddrs:     remote.JoinAddrs(staged.To),
		Subject:     staged.Subject,
		Timestamp:   time.Now().UnixMilli(),
		Body:        body,
		Preview:     preview,
		IsFullBody:  true,
		Read:        true,
		Labels:      "[]",
		Attachments: store.EncodeAttachments(refs),
	}
	if err := u.store.UpsertEmail(row); err != nil {
		return err
	}
	u.cache.Set(hotcache.MailObjKey(row.ID, u.user), row, hotcache.TTLMailObj)
	return nil
}

// reconcile mirrors remote-side changes to the Drafts folder: rows whose uid
// vanished are deleted locally, unknown uids get a hydration job.
func (u *Uplink) reconcile(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	path, err := u.mapper.Path(u.user, u.session, store.FolderDrafts)
	if err != nil {
		return err
	}

	// NOOP first so the server surfaces expunges done by other clients.
	if err := u.session.Noop(); err != nil {
		return err
	}

	var remoteUIDs []uint32
	err = u.session.WithFolder(path, true, func(c *client.Client, _ *imap.MailboxStatus) error {
		criteria := imap.NewSearchCriteria()
		criteria.WithoutFlags = []string{imap.DeletedFlag}
		uids, err := c.UidSearch(criteria)
		if err != nil {
			return fmt.Errorf("enumerate drafts: %w", err)
		}
		remoteUIDs = uids
		return nil
	})
	if err != nil {
		return err
	}

	local, err := u.store.UIDsInFolder(u.user, store.FolderDrafts)
	if err != nil {
		return err
	}

	remoteSet := make(map[uint32]struct{}, len(remoteUIDs))
	for _, uid := range remoteUIDs {
		remoteSet[uid] = struct{}{}
	}

	var stale []string
	for uid, id := range local {
		if _, ok := remoteSet[uid]; !ok {
			stale = append(stale, id)
			u.cache.Delete(hotcache.MailObjKey(id, u.user))
		}
	}
	changed := len(stale) > 0
	if changed {
		if err := u.store.DeleteEmails(u.user, stale); err != nil {
			return err
		}
	}

	for _, uid := range remoteUIDs {
		if _, ok := local[uid]; ok {
			continue
		}
		changed = true
		u.queue.Add(queue.Job{
			ID:       store.MessageID(uid, store.FolderDrafts),
			Kind:     queue.KindHydrate,
			Priority: queue.PriorityPrewarm,
			User:     u.user,
			Folder:   store.FolderDrafts,
			UID:      uid,
		})
	}

	if changed {
		u.cache.InvalidateFolderLists(u.user, store.FolderDrafts)
		u.metrics.DraftReconciled(u.user)
	}
	return nil
}
