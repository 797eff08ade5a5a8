package remote

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/themadorg/mailboy/internal/hotcache"
	"github.com/themadorg/mailboy/internal/store"
)

// Mapper translates canonical folder names to server-specific paths using
// the SPECIAL-USE attributes advertised on LIST, with a name-matching
// fallback for servers that do not advertise them.
type Mapper struct {
	cache *hotcache.Cache
}

// NewMapper creates a folder mapper backed by the hot cache.
func NewMapper(cache *hotcache.Cache) *Mapper {
	return &Mapper{cache: cache}
}

// Map returns the canonical→path map for a user, listing folders over the
// session on a cache miss. The result is cached for 60 seconds.
func (m *Mapper) Map(user string, sess *Session) (map[string]string, error) {
	if v, ok := m.cache.Get(hotcache.FolderMapKey(user)); ok {
		if fm, ok := v.(map[string]string); ok {
			return fm, nil
		}
	}

	var infos []*imap.MailboxInfo
	err := sess.WithConn(func(c *client.Client) error {
		ch := make(chan *imap.MailboxInfo, 32)
		done := make(chan error, 1)
		go func() { done <- c.List("", "*", ch) }()
		for info := range ch {
			infos = append(infos, info)
		}
		if err := <-done; err != nil {
			return fmt.Errorf("list folders: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	fm := buildFolderMap(infos)
	m.cache.Set(hotcache.FolderMapKey(user), fm, hotcache.TTLFolderMap)
	return fm, nil
}

// Path resolves one canonical folder. Unmapped folders fall back to the
// canonical name itself, which most servers accept verbatim.
func (m *Mapper) Path(user string, sess *Session, canonical string) (string, error) {
	fm, err := m.Map(user, sess)
	if err != nil {
		return "", err
	}
	if p, ok := fm[canonical]; ok && p != "" {
		return p, nil
	}
	return canonical, nil
}

func buildFolderMap(infos []*imap.MailboxInfo) map[string]string {
	fm := map[string]string{store.FolderInbox: "INBOX"}

	// First pass: SPECIAL-USE attributes win.
	for _, info := range infos {
		for _, attr := range info.Attributes {
			switch strings.ToLower(attr) {
			case "\\sent":
				fm[store.FolderSent] = info.Name
			case "\\drafts":
				fm[store.FolderDrafts] = info.Name
			case "\\trash":
				fm[store.FolderTrash] = info.Name
			case "\\junk":
				fm[store.FolderSpam] = info.Name
			case "\\archive":
				fm[store.FolderArchive] = info.Name
			}
		}
	}

	// Second pass: case-insensitive name matching for whatever is missing.
	for _, info := range infos {
		leaf := info.Name
		if i := strings.LastIndex(leaf, info.Delimiter); info.Delimiter != "" && i >= 0 {
			leaf = leaf[i+len(info.Delimiter):]
		}
		name := strings.ToLower(leaf)
		setIfMissing := func(canonical string) {
			if _, ok := fm[canonical]; !ok {
				fm[canonical] = info.Name
			}
		}
		switch name {
		case "sent", "sent items", "sent mail":
			setIfMissing(store.FolderSent)
		case "drafts", "draft":
			setIfMissing(store.FolderDrafts)
		case "trash", "bin", "deleted", "deleted items":
			setIfMissing(store.FolderTrash)
		case "spam", "junk", "junk mail":
			setIfMissing(store.FolderSpam)
		case "archive", "all mail":
			setIfMissing(store.FolderArchive)
		}
	}

	return fm
}
