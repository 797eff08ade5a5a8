// Package classify assigns inbox categories. User rules always dominate;
// the default keyword heuristics are only consulted when no rule matches,
// in the fixed order promotions, social, updates.
package classify

import (
	"strings"

	"github.com/themadorg/mailboy/internal/db"
	"github.com/themadorg/mailboy/internal/hotcache"
	"github.com/themadorg/mailboy/internal/store"
)

// Rule types.
const (
	TypeFrom    = "from"
	TypeSubject = "subject"
	TypeContent = "content"
)

// Default keyword sets, all lowercase. First matching set wins, tested in
// the order promotions, social, updates.
var (
	promotionKeywords = []string{
		"unsubscribe", "opt-out", "opt out", "% off", "sale", "discount",
		"coupon", "promo", "newsletter", "no-reply", "noreply", "deal",
		"limited time", "offer",
	}
	socialKeywords = []string{
		"facebook", "twitter", "linkedin", "instagram", "pinterest",
		"tiktok", "youtube", "friend request", "follower", "mentioned you",
	}
	updateKeywords = []string{
		"receipt", "invoice", "order", "confirmation", "tracking",
		"shipped", "delivered", "security alert", "verify", "verification",
		"appointment", "booking", "statement", "reminder",
	}
)

// genericProviders are mail hosts where a sender domain identifies nothing;
// learning keys on the full address for these.
var genericProviders = map[string]struct{}{
	"gmail.com":      {},
	"googlemail.com": {},
	"yahoo.com":      {},
	"outlook.com":    {},
	"hotmail.com":    {},
	"live.com":       {},
	"msn.com":        {},
	"icloud.com":     {},
	"me.com":         {},
	"aol.com":        {},
	"proton.me":      {},
	"protonmail.com": {},
	"gmx.com":        {},
	"gmx.net":        {},
	"mail.com":       {},
}

// Classifier resolves categories from user rules plus default heuristics.
type Classifier struct {
	store *store.Store
	cache *hotcache.Cache
}

// New creates a classifier.
func New(st *store.Store, cache *hotcache.Cache) *Classifier {
	return &Classifier{store: st, cache: cache}
}

// rules returns the user's rules, cached for an hour.
func (c *Classifier) rules(user string) []db.SmartRule {
	if v, ok := c.cache.Get(hotcache.SmartRulesKey(user)); ok {
		if rs, ok := v.([]db.SmartRule); ok {
			return rs
		}
	}
	rs, err := c.store.ListRules(user)
	if err != nil {
		// Rules are a refinement; classification proceeds on defaults.
		return nil
	}
	c.cache.Set(hotcache.SmartRulesKey(user), rs, hotcache.TTLSmartRules)
	return rs
}

// InvalidateRules drops the cached rule list after a rule mutation.
func (c *Classifier) InvalidateRules(user string) {
	c.cache.Delete(hotcache.SmartRulesKey(user))
}

// Classify picks the category for a message. content may be empty for
// envelope-only rows; content rules then simply cannot match.
func (c *Classifier) Classify(user, fromAddr, subject, content string) string {
	from := strings.ToLower(fromAddr)
	subj := strings.ToLower(subject)
	body := strings.ToLower(content)

	for _, r := range c.rules(user) {
		switch r.Type {
		case TypeFrom:
			if strings.Contains(from, r.Value) {
				return r.Category
			}
		case TypeSubject:
			if strings.Contains(subj, r.Value) {
				return r.Category
			}
		case TypeContent:
			if body != "" && strings.Contains(body, r.Value) {
				return r.Category
			}
		}
	}

	haystack := from + " " + subj + " " + body
	for _, kw := range promotionKeywords {
		if strings.Contains(haystack, kw) {
			return store.CategoryPromotions
		}
	}
	for _, kw := range socialKeywords {
		if strings.Contains(haystack, kw) {
			return store.CategorySocial
		}
	}
	for _, kw := range updateKeywords {
		if strings.Contains(haystack, kw) {
			return store.CategoryUpdates
		}
	}
	return store.CategoryPrimary
}

// LearnValue derives the rule value for a sender: the domain, or the full
// address when the domain is a generic provider.
func LearnValue(fromAddr string) string {
	addr := strings.ToLower(strings.TrimSpace(fromAddr))
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return addr
	}
	domain := addr[at+1:]
	if _, generic := genericProviders[domain]; generic {
		return addr
	}
	return domain
}

// Learn records a user's drag-to-category gesture: every existing Inbox
// message from the same sender (by domain, or full address for generic
// providers) is reassigned, and a from-rule is upserted so future mail
// lands there directly. Returns the ids of reassigned messages.
func (c *Classifier) Learn(user, fromAddr, category string) ([]string, error) {
	value := LearnValue(fromAddr)
	if value == "" {
		return nil, nil
	}

	ids, err := c.store.RecategorizeSender(user, value, category)
	if err != nil {
		return nil, err
	}
	if err := c.store.SaveRule(user, category, TypeFrom, value); err != nil {
		return ids, err
	}

	c.InvalidateRules(user)
	c.cache.InvalidateFolderLists(user, store.FolderInbox)
	return ids, nil
}
