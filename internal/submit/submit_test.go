package submit

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/emersion/go-message/mail"
)

func TestComposeHeaders(t *testing.T) {
	raw, err := Compose(Message{
		From:    "me@example.com",
		To:      []string{"a@b.c", "d@e.f"},
		Subject: "Quarterly numbers",
		Body:    "<p>see attached</p>",
		DraftID: "d-123",
	})
	if err != nil {
		t.Fatal(err)
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	h := mr.Header

	if got, _ := h.Subject(); got != "Quarterly numbers" {
		t.Fatalf("subject %q", got)
	}
	from, _ := h.AddressList("From")
	if len(from) != 1 || from[0].Address != "me@example.com" {
		t.Fatalf("from %v", from)
	}
	to, _ := h.AddressList("To")
	if len(to) != 2 || to[1].Address != "d@e.f" {
		t.Fatalf("to %v", to)
	}
	if got := h.Get(DraftIDHeader); got != "d-123" {
		t.Fatalf("draft header %q", got)
	}
}

func TestComposeOmitsDraftHeaderOnSend(t *testing.T) {
	raw, err := Compose(Message{
		From:    "me@example.com",
		To:      []string{"a@b.c"},
		Subject: "s",
		Body:    "<p>x</p>",
	})
	if err != nil {
		t.Fatal(err)
	}
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if got := mr.Header.Get(DraftIDHeader); got != "" {
		t.Fatalf("unexpected draft header %q", got)
	}
}

func TestComposeBodyAndAttachments(t *testing.T) {
	raw, err := Compose(Message{
		From:    "me@example.com",
		To:      []string{"a@b.c"},
		Subject: "s",
		Body:    "<p>hello body</p>",
		Attachments: []Attachment{
			{Filename: "notes.txt", MimeType: "text/plain", Content: strings.NewReader("alpha beta")},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}

	var sawBody, sawAttachment bool
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			data, _ := io.ReadAll(p.Body)
			if strings.Contains(string(data), "hello body") {
				sawBody = true
			}
		case *mail.AttachmentHeader:
			name, _ := h.Filename()
			if name != "notes.txt" {
				t.Fatalf("attachment name %q", name)
			}
			data, _ := io.ReadAll(p.Body)
			if string(data) != "alpha beta" {
				t.Fatalf("attachment content %q", data)
			}
			sawAttachment = true
		}
	}
	if !sawBody || !sawAttachment {
		t.Fatalf("body=%v attachment=%v", sawBody, sawAttachment)
	}
}

func TestComposeDefaultsAttachmentContentType(t *testing.T) {
	raw, err := Compose(Message{
		From:    "me@example.com",
		To:      []string{"a@b.c"},
		Subject: "s",
		Body:    "<p>x</p>",
		Attachments: []Attachment{
			{Filename: "blob.bin", Content: bytes.NewReader([]byte{0x01, 0x02})},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(raw, []byte("application/octet-stream")) {
		t.Fatal("missing default content type")
	}
}
