// Package mutate executes user mutations: read flags, moves, deletions,
// labels and category reassignment. Every mutation commits locally first
// and invalidates the affected cache keys, then propagates to the remote
// host asynchronously; remote failure never rolls the local state back.
package mutate

import (
	"fmt"
	"sync"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"

	"github.com/themadorg/mailboy/internal/classify"
	"github.com/themadorg/mailboy/internal/faults"
	"github.com/themadorg/mailboy/internal/hotcache"
	"github.com/themadorg/mailboy/internal/remote"
	"github.com/themadorg/mailboy/internal/store"
)

// Executor applies mutations for one user.
type Executor struct {
	user       string
	store      *store.Store
	cache      *hotcache.Cache
	session    *remote.Session
	mapper     *remote.Mapper
	classifier *classify.Classifier
	log        *zap.Logger

	// wg tracks in-flight remote propagation, for clean shutdown and tests.
	wg sync.WaitGroup
}

// Config carries the executor dependencies.
type Config struct {
	User       string
	Store      *store.Store
	Cache      *hotcache.Cache
	Session    *remote.Session
	Mapper     *remote.Mapper
	Classifier *classify.Classifier
	Log        *zap.Logger
}

// New creates a mutation executor.
func New(cfg Config) *Executor {
	return &Executor{
		user:       cfg.User,
		store:      cfg.Store,
		cache:      cfg.Cache,
		session:    cfg.Session,
		mapper:     cfg.Mapper,
		classifier: cfg.Classifier,
		log:        cfg.Log.Named("mutate").With(zap.String("user", cfg.User)),
	}
}

// Wait blocks until pending remote propagation finishes.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// remoteAsync runs a best-effort remote operation in the background.
func (e *Executor) remoteAsync(desc string, fn func() error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := fn(); err != nil {
			e.log.Warn("remote propagation failed; local state kept",
				zap.String("op", desc), zap.Error(err))
		}
	}()
}

// MarkRead flips the read flag locally and stores \Seen remotely.
func (e *Executor) MarkRead(id string, read bool) error {
	uid, folder, err := store.ParseID(id)
	if err != nil {
		return err
	}
	if err := e.store.SetRead(id, e.user, read); err != nil {
		return err
	}
	e.cache.InvalidateMessage(id, e.user, folder)

	e.remoteAsync("mark read", func() error {
		return e.storeFlags(folder, uid, read, imap.SeenFlag)
	})
	return nil
}

// Move reassigns a message to another canonical folder locally and issues a
// UID MOVE remotely. The destination uid is unknown until the next sync
// rebuilds the row; until then the moved row keeps its old id.
func (e *Executor) Move(id, targetFolder string) error {
	uid, srcFolder, err := store.ParseID(id)
	if err != nil {
		return err
	}
	if !store.CanonicalFolder(targetFolder) {
		return fmt.Errorf("%w: unknown folder %q", faults.Validation, targetFolder)
	}
	if srcFolder == targetFolder {
		return nil
	}
	if err := e.store.MoveEmail(id, e.user, targetFolder); err != nil {
		return err
	}
	e.cache.InvalidateMessage(id, e.user, srcFolder, targetFolder)

	e.remoteAsync("move", func() error {
		return e.uidMove(srcFolder, targetFolder, uid)
	})
	return nil
}

// purgeFolders are the folders where a delete is permanent instead of a
// move to Trash.
var purgeFolders = map[string]bool{
	store.FolderTrash:  true,
	store.FolderSpam:   true,
	store.FolderDrafts: true,
}

// Delete soft-deletes a message: from most folders it moves to Trash; from
// Trash, Spam or Drafts it is removed permanently on both sides.
func (e *Executor) Delete(id string) error {
	_, folder, err := store.ParseID(id)
	if err != nil {
		return err
	}
	if !purgeFolders[folder] {
		return e.Move(id, store.FolderTrash)
	}
	return e.purge(folder, []string{id})
}

// BatchDelete applies Delete semantics to a set of ids, grouping the
// permanent removals into one remote expunge per folder.
func (e *Executor) BatchDelete(ids []string) error {
	byFolder := make(map[string][]string)
	for _, id := range ids {
		_, folder, err := store.ParseID(id)
		if err != nil {
			return err
		}
		if purgeFolders[folder] {
			byFolder[folder] = append(byFolder[folder], id)
			continue
		}
		if err := e.Move(id, store.FolderTrash); err != nil {
			return err
		}
	}
	for folder, group := range byFolder {
		if err := e.purge(folder, group); err != nil {
			return err
		}
	}
	return nil
}

// purge permanently removes rows locally and expunges them remotely. Every
// id must belong to folder.
func (e *Executor) purge(folder string, ids []string) error {
	uids := make([]uint32, 0, len(ids))
	for _, id := range ids {
		uid, f, err := store.ParseID(id)
		if err != nil {
			return err
		}
		if f != folder {
			return fmt.Errorf("%w: purge batch spans folders: %s", faults.Validation, id)
		}
		uids = append(uids, uid)
	}
	if err := e.store.DeleteEmails(e.user, ids); err != nil {
		return err
	}
	for _, id := range ids {
		e.cache.Delete(hotcache.MailObjKey(id, e.user))
	}
	e.cache.InvalidateFolderLists(e.user, folder)

	e.remoteAsync("purge", func() error {
		return e.expunge(folder, uids)
	})
	return nil
}

// SetLabels replaces the label set of a message. Labels are a local-only
// overlay; nothing propagates to the remote host.
func (e *Executor) SetLabels(id string, labels []string) error {
	_, folder, err := store.ParseID(id)
	if err != nil {
		return err
	}
	if err := e.store.SetLabels(id, e.user, labels); err != nil {
		return err
	}
	e.cache.InvalidateMessage(id, e.user, folder)
	return nil
}

// SetCategory handles a drag onto a smart tab: the message moves, the sender
// is learned so the whole history and all future mail follow.
func (e *Executor) SetCategory(id, category string) error {
	_, folder, err := store.ParseID(id)
	if err != nil {
		return err
	}
	if folder != store.FolderInbox {
		return fmt.Errorf("%w: categories apply to Inbox messages", faults.Validation)
	}
	row, err := e.store.GetEmail(id, e.user)
	if err != nil {
		return err
	}
	if err := e.store.SetCategory(id, e.user, category); err != nil {
		return err
	}
	ids, err := e.classifier.Learn(e.user, row.FromAddr, category)
	if err != nil {
		return err
	}
	e.cache.Delete(hotcache.MailObjKey(id, e.user))
	for _, moved := range ids {
		e.cache.Delete(hotcache.MailObjKey(moved, e.user))
	}
	e.cache.InvalidateFolderLists(e.user, store.FolderInbox)
	return nil
}

// --- remote primitives ---

func (e *Executor) storeFlags(folder string, uid uint32, add bool, flags ...string) error {
	path, err := e.mapper.Path(e.user, e.session, folder)
	if err != nil {
		return err
	}
	return e.session.WithFolder(path, false, func(c *client.Client, _ *imap.MailboxStatus) error {
		seq := new(imap.SeqSet)
		seq.AddNum(uid)
		op := imap.FormatFlagsOp(imap.AddFlags, true)
		if !add {
			op = imap.FormatFlagsOp(imap.RemoveFlags, true)
		}
		items := make([]interface{}, len(flags))
		for i, f := range flags {
			items[i] = f
		}
		if err := c.UidStore(seq, op, items, nil); err != nil {
			return fmt.Errorf("uid store: %w", err)
		}
		return nil
	})
}

func (e *Executor) uidMove(srcFolder, dstFolder string, uid uint32) error {
	srcPath, err := e.mapper.Path(e.user, e.session, srcFolder)
	if err != nil {
		return err
	}
	dstPath, err := e.mapper.Path(e.user, e.session, dstFolder)
	if err != nil {
		return err
	}
	return e.session.WithFolder(srcPath, false, func(c *client.Client, _ *imap.MailboxStatus) error {
		seq := new(imap.SeqSet)
		seq.AddNum(uid)
		if err := c.UidMove(seq, dstPath); err != nil {
			return fmt.Errorf("uid move to %s: %w", dstFolder, err)
		}
		return nil
	})
}

func (e *Executor) expunge(folder string, uids []uint32) error {
	path, err := e.mapper.Path(e.user, e.session, folder)
	if err != nil {
		return err
	}
	return e.session.WithFolder(path, false, func(c *client.Client, _ *imap.MailboxStatus) error {
		seq := new(imap.SeqSet)
		seq.AddNum(uids...)
		op := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := c.UidStore(seq, op, []interface{}{imap.DeletedFlag}, nil); err != nil {
			return fmt.Errorf("flag deleted: %w", err)
		}
		if err := c.Expunge(nil); err != nil {
			return fmt.Errorf("expunge: %w", err)
		}
		return nil
	})
}
