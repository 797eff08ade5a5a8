package remote

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/emersion/go-imap"

	"github.com/themadorg/mailboy/internal/db"
)

// NormalizeName lowercases a display name and collapses whitespace. The UI
// groups conversations by this value.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// JoinAddrs serializes a recipient list for the ToAddrs column.
func JoinAddrs(addrs []string) string {
	if len(addrs) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(addrs)
	return string(b)
}

// SplitAddrs deserializes a stored ToAddrs column.
func SplitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

// EnvelopeRow converts a fetched envelope into an email row. Body fields are
// left empty; hydration fills them later.
func EnvelopeRow(id string, uid uint32, user, folder string, env *imap.Envelope, flags []string) *db.Email {
	row := &db.Email{
		ID:          id,
		UID:         uid,
		User:        user,
		Folder:      folder,
		Labels:      "[]",
		Attachments: "[]",
		ToAddrs:     "[]",
		Timestamp:   time.Now().UnixMilli(),
	}
	for _, f := range flags {
		if f == imap.SeenFlag {
			row.Read = true
		}
	}
	if env == nil {
		return row
	}
	row.Subject = env.Subject
	if !env.Date.IsZero() {
		row.Timestamp = env.Date.UnixMilli()
	}
	if len(env.From) > 0 {
		row.FromAddr = env.From[0].Address()
		row.FromName = env.From[0].PersonalName
		row.NormName = NormalizeName(env.From[0].PersonalName)
	}
	var to []string
	for _, a := range env.To {
		to = append(to, a.Address())
	}
	row.ToAddrs = JoinAddrs(to)
	return row
}
