// Package submit sends outgoing mail over SMTP and composes the MIME
// messages shared by sending and the draft uplink.
package submit

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/themadorg/mailboy/internal/db"
	"github.com/themadorg/mailboy/internal/faults"
	"github.com/themadorg/mailboy/internal/remote"
)

// DraftIDHeader tags uplinked drafts so orphaned remote copies can be
// recovered by header search.
const DraftIDHeader = "X-Mailboy-Draft-ID"

// Attachment is one file carried by an outgoing message.
type Attachment struct {
	Filename string
	MimeType string
	Content  io.Reader
}

// Message is the composition input for drafts and submissions.
type Message struct {
	From    string
	To      []string
	Subject string
	// Body is sanitized HTML.
	Body string
	// DraftID, when set, adds the draft recovery header.
	DraftID     string
	Attachments []Attachment
}

// Compose renders the message as a MIME document.
func Compose(m Message) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Address: m.From}})
	to := make([]*mail.Address, len(m.To))
	for i, a := range m.To {
		to[i] = &mail.Address{Address: a}
	}
	h.SetAddressList("To", to)
	h.SetSubject(m.Subject)
	if m.DraftID != "" {
		h.Set(DraftIDHeader, m.DraftID)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("compose body: %w", err)
	}
	var bh mail.InlineHeader
	bh.Set("Content-Type", "text/html; charset=utf-8")
	pw, err := iw.CreatePart(bh)
	if err != nil {
		return nil, fmt.Errorf("compose body: %w", err)
	}
	if _, err := io.WriteString(pw, m.Body); err != nil {
		return nil, fmt.Errorf("compose body: %w", err)
	}
	pw.Close()
	iw.Close()

	for _, att := range m.Attachments {
		var ah mail.AttachmentHeader
		ct := att.MimeType
		if ct == "" {
			ct = "application/octet-stream"
		}
		ah.Set("Content-Type", ct)
		ah.SetFilename(att.Filename)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("compose attachment %s: %w", att.Filename, err)
		}
		if _, err := io.Copy(aw, att.Content); err != nil {
			return nil, fmt.Errorf("compose attachment %s: %w", att.Filename, err)
		}
		aw.Close()
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}
	return buf.Bytes(), nil
}

// Send submits a composed message through the user's SMTP host. Port 465
// uses implicit TLS; anything else negotiates STARTTLS.
func Send(cfg db.UserConfig, m Message) error {
	raw, err := Compose(m)
	if err != nil {
		return fmt.Errorf("%w: %v", faults.Validation, err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.SMTPHost, cfg.SMTPPort)
	auth := sasl.NewPlainClient("", cfg.User, cfg.Pass)

	if cfg.SMTPPort == 465 {
		err = smtp.SendMailTLS(addr, auth, m.From, m.To, bytes.NewReader(raw))
	} else {
		err = smtp.SendMail(addr, auth, m.From, m.To, bytes.NewReader(raw))
	}
	if err != nil {
		return remote.Classify(fmt.Errorf("smtp submit via %s: %w", addr, err))
	}
	return nil
}
