// Package store implements the bridge's persistent document layer on top
// of GORM. It exclusively owns durable state; the hot cache is a derived,
// invalidatable mirror of what is stored here.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/themadorg/mailboy/internal/db"
	"github.com/themadorg/mailboy/internal/faults"
)

// Canonical folder names. Composite ids embed these, never raw server paths.
const (
	FolderInbox   = "Inbox"
	FolderSent    = "Sent"
	FolderDrafts  = "Drafts"
	FolderTrash   = "Trash"
	FolderSpam    = "Spam"
	FolderArchive = "Archive"
)

// Inbox smart-tab categories.
const (
	CategoryPrimary    = "primary"
	CategorySocial     = "social"
	CategoryUpdates    = "updates"
	CategoryPromotions = "promotions"
)

// Categories lists the four smart-tab categories.
var Categories = []string{CategoryPrimary, CategorySocial, CategoryUpdates, CategoryPromotions}

// SyncFolders is the folder set walked by a full sync.
var SyncFolders = []string{FolderInbox, FolderTrash, FolderSent, FolderDrafts, FolderSpam}

// listLimit caps every folder listing.
const listLimit = 100

// AttachmentRef is the per-message attachment metadata kept on the email
// row itself (ordered, JSON-encoded in Email.Attachments).
type AttachmentRef struct {
	Filename  string `json:"filename"`
	BlobKey   string `json:"blobKey"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType"`
	ContentID string `json:"contentId,omitempty"`
}

var idRe = regexp.MustCompile(`^uid-(\d+)-(Inbox|Sent|Drafts|Trash|Spam|Archive)$`)

// MessageID builds the stable composite id for a message.
func MessageID(uid uint32, folder string) string {
	return fmt.Sprintf("uid-%d-%s", uid, folder)
}

// ParseID extracts the numeric uid and canonical folder from a composite id.
func ParseID(id string) (uid uint32, folder string, err error) {
	m := idRe.FindStringSubmatch(id)
	if m == nil {
		return 0, "", fmt.Errorf("%w: malformed message id %q", faults.Validation, id)
	}
	u, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return 0, "", fmt.Errorf("%w: message id uid out of range: %q", faults.Validation, id)
	}
	return uint32(u), m[2], nil
}

// CanonicalFolder reports whether name is one of the canonical folders.
func CanonicalFolder(name string) bool {
	switch name {
	case FolderInbox, FolderSent, FolderDrafts, FolderTrash, FolderSpam, FolderArchive:
		return true
	}
	return false
}

// LabelID derives a label id from its display name.
func LabelID(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "-")
}

// Store wraps the GORM connection with bridge-specific queries.
type Store struct {
	db *gorm.DB
}

// New wraps an open connection. Migrations must already have run.
func New(gdb *gorm.DB) *Store {
	return &Store{db: gdb}
}

// wrap translates driver-level errors into bridge fault kinds.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", faults.NotFound, op)
	}
	return fmt.Errorf("%w: %s: %v", faults.BridgeOffline, op, err)
}

// EncodeLabels serializes a label id set for storage.
func EncodeLabels(labels []string) string {
	if len(labels) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(labels)
	return string(b)
}

// DecodeLabels deserializes a stored label id set.
func DecodeLabels(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

// EncodeAttachments serializes attachment metadata for the email row.
func EncodeAttachments(refs []AttachmentRef) string {
	if len(refs) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(refs)
	return string(b)
}

// DecodeAttachments deserializes attachment metadata from the email row.
func DecodeAttachments(s string) []AttachmentRef {
	if s == "" {
		return nil
	}
	var out []AttachmentRef
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

// UpsertEmail writes the full row, replacing every field. Used by hydration
// and the draft uplink, which own the complete message state.
func (s *Store) UpsertEmail(m *db.Email) error {
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(m).Error
	return wrap("upsert email", err)
}

// SaveBatch upserts envelope rows produced by a sync pass. Immutable
// envelope fields are written only on insert; on conflict only the mutable
// flags are updated, so re-running a batch never clobbers a hydrated body.
func (s *Store) SaveBatch(rows []db.Email) error {
	if len(rows) == 0 {
		return nil
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"read", "category"}),
	}).Create(&rows).Error
	return wrap("save batch", err)
}

// GetEmail fetches one message scoped to its owner.
func (s *Store) GetEmail(id, user string) (*db.Email, error) {
	var m db.Email
	err := s.db.Where("id = ? AND user = ?", id, user).First(&m).Error
	if err != nil {
		return nil, wrap("get email "+id, err)
	}
	return &m, nil
}

// IsHydrated reports whether the row exists and carries a full body. It
// projects only the is_full_body column.
func (s *Store) IsHydrated(id, user string) (exists, hydrated bool, err error) {
	var row struct{ IsFullBody bool }
	e := s.db.Model(&db.Email{}).Select("is_full_body").
		Where("id = ? AND user = ?", id, user).First(&row).Error
	if e != nil {
		if errors.Is(e, gorm.ErrRecordNotFound) {
			return false, false, nil
		}
		return false, false, wrap("hydration check "+id, e)
	}
	return true, row.IsFullBody, nil
}

// ListFolder returns up to 100 messages for (user, folder), newest first.
// For the Inbox a non-empty category narrows the listing to one smart tab.
func (s *Store) ListFolder(user, folder, category string) ([]db.Email, error) {
	q := s.db.Where("user = ? AND folder = ?", user, folder)
	if folder == FolderInbox && category != "" && category != "all" {
		q = q.Where("category = ?", category)
	}
	var out []db.Email
	err := q.Order("timestamp DESC").Limit(listLimit).Find(&out).Error
	return out, wrap("list "+folder, err)
}

// CountFolder counts local rows for a folder, used to pick quick vs full sync.
func (s *Store) CountFolder(user, folder string) (int64, error) {
	var n int64
	err := s.db.Model(&db.Email{}).Where("user = ? AND folder = ?", user, folder).Count(&n).Error
	return n, wrap("count "+folder, err)
}

// UIDsInFolder returns the set of remote uids known locally for a folder.
func (s *Store) UIDsInFolder(user, folder string) (map[uint32]string, error) {
	var rows []struct {
		ID  string
		UID uint32
	}
	err := s.db.Model(&db.Email{}).Select("id", "uid").
		Where("user = ? AND folder = ?", user, folder).Scan(&rows).Error
	if err != nil {
		return nil, wrap("uids in "+folder, err)
	}
	out := make(map[uint32]string, len(rows))
	for _, r := range rows {
		out[r.UID] = r.ID
	}
	return out, nil
}

// SetRead flips the read flag. Last writer wins at field level.
func (s *Store) SetRead(id, user string, read bool) error {
	res := s.db.Model(&db.Email{}).Where("id = ? AND user = ?", id, user).
		Update("read", read)
	if res.Error == nil && res.RowsAffected == 0 {
		return fmt.Errorf("%w: mark read %s", faults.NotFound, id)
	}
	return wrap("mark read", res.Error)
}

// MoveEmail reassigns the message to another canonical folder. The row id
// keeps the uid of the source folder until the next sync rebuilds it; list
// queries key on the folder column, not the id.
func (s *Store) MoveEmail(id, user, targetFolder string) error {
	res := s.db.Model(&db.Email{}).Where("id = ? AND user = ?", id, user).
		Update("folder", targetFolder)
	if res.Error == nil && res.RowsAffected == 0 {
		return fmt.Errorf("%w: move %s", faults.NotFound, id)
	}
	return wrap("move email", res.Error)
}

// SetCategory reassigns the smart tab of a single message.
func (s *Store) SetCategory(id, user, category string) error {
	err := s.db.Model(&db.Email{}).Where("id = ? AND user = ?", id, user).
		Update("category", category).Error
	return wrap("set category", err)
}

// RecategorizeSender moves every Inbox message whose sender address contains
// match into the given category and returns the affected ids.
func (s *Store) RecategorizeSender(user, match, category string) ([]string, error) {
	var ids []string
	err := s.db.Model(&db.Email{}).
		Where("user = ? AND folder = ? AND from_addr LIKE ?", user, FolderInbox, "%"+match+"%").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, wrap("recategorize scan", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	err = s.db.Model(&db.Email{}).Where("user = ? AND id IN ?", user, ids).
		Update("category", category).Error
	return ids, wrap("recategorize", err)
}

// SetLabels replaces the label id set on a message.
func (s *Store) SetLabels(id, user string, labels []string) error {
	err := s.db.Model(&db.Email{}).Where("id = ? AND user = ?", id, user).
		Update("labels", EncodeLabels(labels)).Error
	return wrap("set labels", err)
}

// DeleteEmails removes rows by id.
func (s *Store) DeleteEmails(user string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.Where("user = ? AND id IN ?", user, ids).Delete(&db.Email{}).Error
	return wrap("delete emails", err)
}

// --- user config ---

// SaveConfig persists account credentials and host settings.
func (s *Store) SaveConfig(cfg *db.UserConfig) error {
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user"}},
		UpdateAll: true,
	}).Create(cfg).Error
	return wrap("save config", err)
}

// GetConfig fetches account settings for a user.
func (s *Store) GetConfig(user string) (*db.UserConfig, error) {
	var cfg db.UserConfig
	err := s.db.Where("user = ?", user).First(&cfg).Error
	if err != nil {
		return nil, wrap("get config "+user, err)
	}
	return &cfg, nil
}

// ListConfigs returns every configured account, for engine startup.
func (s *Store) ListConfigs() ([]db.UserConfig, error) {
	var out []db.UserConfig
	err := s.db.Find(&out).Error
	return out, wrap("list configs", err)
}

// MarkSetupComplete records a finished full sync.
func (s *Store) MarkSetupComplete(user string) error {
	err := s.db.Model(&db.UserConfig{}).Where("user = ?", user).
		Updates(map[string]interface{}{
			"setup_complete": true,
			"last_sync":      time.Now().UnixMilli(),
		}).Error
	return wrap("mark setup complete", err)
}

// --- labels ---

// SaveLabel upserts a label; the id is derived from the name.
func (s *Store) SaveLabel(user, name, color string) (*db.Label, error) {
	l := &db.Label{User: user, ID: LabelID(name), Name: name, Color: color}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user"}, {Name: "id"}},
		UpdateAll: true,
	}).Create(l).Error
	if err != nil {
		return nil, wrap("save label", err)
	}
	return l, nil
}

// ListLabels returns all labels for a user.
func (s *Store) ListLabels(user string) ([]db.Label, error) {
	var out []db.Label
	err := s.db.Where("user = ?", user).Order("id").Find(&out).Error
	return out, wrap("list labels", err)
}

// DeleteLabel removes a label definition. Label ids already assigned to
// messages are left in place; the UI drops unknown ids.
func (s *Store) DeleteLabel(user, id string) error {
	err := s.db.Where("user = ? AND id = ?", user, id).Delete(&db.Label{}).Error
	return wrap("delete label", err)
}

// --- smart rules ---

// SaveRule upserts a classification rule. (user, category, value) is unique.
func (s *Store) SaveRule(user, category, typ, value string) error {
	r := &db.SmartRule{User: user, Category: category, Type: typ, Value: strings.ToLower(value)}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user"}, {Name: "category"}, {Name: "value"}},
		DoUpdates: clause.AssignmentColumns([]string{"type"}),
	}).Create(r).Error
	return wrap("save rule", err)
}

// ListRules returns all classification rules for a user.
func (s *Store) ListRules(user string) ([]db.SmartRule, error) {
	var out []db.SmartRule
	err := s.db.Where("user = ?", user).Find(&out).Error
	return out, wrap("list rules", err)
}

// DeleteRule removes a single rule row.
func (s *Store) DeleteRule(user string, rowID uint) error {
	err := s.db.Where("user = ? AND row_id = ?", user, rowID).Delete(&db.SmartRule{}).Error
	return wrap("delete rule", err)
}

// defaultPromotionSeeds are the rules installed on first config save so a
// fresh account starts with a usable promotions tab.
var defaultPromotionSeeds = []string{"unsubscribe", "% off", "newsletter"}

// SeedDefaultRules installs the starter promotion rules for a new account.
func (s *Store) SeedDefaultRules(user string) error {
	for _, v := range defaultPromotionSeeds {
		if err := s.SaveRule(user, CategoryPromotions, "content", v); err != nil {
			return err
		}
	}
	return nil
}

// --- attachment metadata ---

// SaveAttachmentMeta records a stored blob.
func (s *Store) SaveAttachmentMeta(meta *db.AttachmentMeta) error {
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "blob_key"}},
		UpdateAll: true,
	}).Create(meta).Error
	return wrap("save attachment meta", err)
}

// AttachmentsForEmail lists stored blobs belonging to a message.
func (s *Store) AttachmentsForEmail(user, emailID string) ([]db.AttachmentMeta, error) {
	var out []db.AttachmentMeta
	err := s.db.Where("user = ? AND email_id = ?", user, emailID).Find(&out).Error
	return out, wrap("attachments for email", err)
}

// AttachmentByKey fetches blob metadata by key.
func (s *Store) AttachmentByKey(user, blobKey string) (*db.AttachmentMeta, error) {
	var meta db.AttachmentMeta
	err := s.db.Where("user = ? AND blob_key = ?", user, blobKey).First(&meta).Error
	if err != nil {
		return nil, wrap("attachment "+blobKey, err)
	}
	return &meta, nil
}

// Flush drops every row for every user. Used by the debug reset endpoint.
func (s *Store) Flush() error {
	for _, m := range []interface{}{&db.Email{}, &db.UserConfig{}, &db.Label{}, &db.SmartRule{}, &db.AttachmentMeta{}} {
		if err := s.db.Where("1 = 1").Delete(m).Error; err != nil {
			return wrap("flush", err)
		}
	}
	return nil
}
