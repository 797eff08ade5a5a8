package db

// Email represents the emails table. One row per message per folder; the
// primary key is the composite id "uid-<UID>-<Folder>" where Folder is a
// canonical name, never the raw server path.
//
// Envelope fields are immutable after insert. Body, Preview, IsFullBody and
// Attachments are written only by hydration and never regress to empty.
type Email struct {
	ID       string `gorm:"primaryKey"`
	UID      uint32 `gorm:"not null"`
	User     string `gorm:"index:idx_user_folder_ts,priority:1;index:idx_user_category,priority:1;not null"`
	Folder   string `gorm:"index:idx_user_folder_ts,priority:2;not null"`
	Category string `gorm:"index:idx_user_category,priority:2"`

	FromAddr string
	FromName string
	// NormName is FromName lowercased with collapsed whitespace, used for
	// sender grouping in the UI.
	NormName string
	ToAddrs  string
	Subject  string
	// Timestamp is milliseconds since epoch, descending list order.
	Timestamp int64 `gorm:"index:idx_user_folder_ts,priority:3,sort:desc"`

	Body       string
	Preview    string
	IsFullBody bool

	Read bool
	// Labels is a JSON-encoded []string of label ids.
	Labels string
	// Attachments is a JSON-encoded []AttachmentRef.
	Attachments string
}

// UserConfig represents the user_configs table. Created on setup, mutated
// only by the setup and sync paths.
type UserConfig struct {
	User     string `gorm:"primaryKey"`
	Pass     string
	IMAPHost string
	IMAPPort int
	SMTPHost string
	SMTPPort int
	UseTLS   bool

	// SetupComplete flips true after the first successful full sync.
	SetupComplete bool
	// LastSync is milliseconds since epoch.
	LastSync int64
}

// Label represents the labels table. The id is derived from the name
// (lowercase, spaces to dashes) and is unique per user.
type Label struct {
	User  string `gorm:"primaryKey"`
	ID    string `gorm:"primaryKey"`
	Name  string `gorm:"not null"`
	Color string
}

// SmartRule represents the smart_rules table: a user-defined substring
// match that forces a message into an inbox category.
type SmartRule struct {
	RowID    uint   `gorm:"primaryKey;autoIncrement"`
	User     string `gorm:"uniqueIndex:idx_rule,priority:1;not null"`
	Category string `gorm:"uniqueIndex:idx_rule,priority:2;not null"`
	// Type is one of "from", "subject", "content".
	Type string `gorm:"not null"`
	// Value is a lowercased substring.
	Value string `gorm:"uniqueIndex:idx_rule,priority:3;not null"`
}

// AttachmentMeta represents the attachment metadata table. The blob itself
// lives in the flat attachment directory under BlobKey.
type AttachmentMeta struct {
	BlobKey  string `gorm:"primaryKey"`
	User     string `gorm:"index"`
	EmailID  string `gorm:"index"`
	Filename string
	Size     int64
	MimeType string
	// ContentID is set for inline parts referenced by cid: URLs.
	ContentID string
}
