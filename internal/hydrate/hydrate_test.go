package hydrate

import (
	"encoding/base64"
	"io"
	"strings"
	"testing"

	"github.com/emersion/go-imap"
)

func textPart(subtype string) *imap.BodyStructure {
	return &imap.BodyStructure{
		MIMEType:    "text",
		MIMESubType: subtype,
		Encoding:    "quoted-printable",
		Params:      map[string]string{"charset": "utf-8"},
	}
}

func TestBestBodyPartPrefersHTML(t *testing.T) {
	bs := &imap.BodyStructure{
		MIMEType:    "multipart",
		MIMESubType: "alternative",
		Parts:       []*imap.BodyStructure{textPart("plain"), textPart("html")},
	}
	ref := BestBodyPart(bs)
	if ref.MimeType != "text/html" {
		t.Fatalf("got %s, want text/html", ref.MimeType)
	}
	if len(ref.Path) != 1 || ref.Path[0] != 2 {
		t.Fatalf("got path %v, want [2]", ref.Path)
	}
}

func TestBestBodyPartFallsBackToPlain(t *testing.T) {
	bs := &imap.BodyStructure{
		MIMEType:    "multipart",
		MIMESubType: "mixed",
		Parts: []*imap.BodyStructure{
			textPart("plain"),
			{MIMEType: "application", MIMESubType: "pdf"},
		},
	}
	ref := BestBodyPart(bs)
	if ref.MimeType != "text/plain" {
		t.Fatalf("got %s, want text/plain", ref.MimeType)
	}
}

func TestBestBodyPartNonMultipart(t *testing.T) {
	ref := BestBodyPart(textPart("html"))
	if len(ref.Path) != 1 || ref.Path[0] != 1 {
		t.Fatalf("non-multipart body must be part 1, got %v", ref.Path)
	}
}

func TestBestBodyPartNested(t *testing.T) {
	bs := &imap.BodyStructure{
		MIMEType:    "multipart",
		MIMESubType: "mixed",
		Parts: []*imap.BodyStructure{
			{
				MIMEType:    "multipart",
				MIMESubType: "alternative",
				Parts:       []*imap.BodyStructure{textPart("plain"), textPart("html")},
			},
			{MIMEType: "image", MIMESubType: "png"},
		},
	}
	ref := BestBodyPart(bs)
	if len(ref.Path) != 2 || ref.Path[0] != 1 || ref.Path[1] != 2 {
		t.Fatalf("got path %v, want [1 2]", ref.Path)
	}
}

func TestCollectAttachments(t *testing.T) {
	bs := &imap.BodyStructure{
		MIMEType:    "multipart",
		MIMESubType: "mixed",
		Parts: []*imap.BodyStructure{
			textPart("html"),
			{
				MIMEType:          "application",
				MIMESubType:       "pdf",
				Disposition:       "attachment",
				DispositionParams: map[string]string{"filename": "report.pdf"},
				Size:              1234,
			},
			{
				MIMEType:    "image",
				MIMESubType: "png",
				Disposition: "inline",
				Params:      map[string]string{"name": "logo.png"},
				Id:          "<cid123>",
			},
			{
				// Inline without a filename is part of the body, not an
				// attachment.
				MIMEType:    "text",
				MIMESubType: "plain",
				Disposition: "inline",
			},
		},
	}
	atts := CollectAttachments(bs)
	if len(atts) != 2 {
		t.Fatalf("got %d attachments, want 2", len(atts))
	}
	if atts[0].Filename != "report.pdf" || atts[0].Size != 1234 {
		t.Fatalf("unexpected first attachment: %+v", atts[0])
	}
	if atts[1].Filename != "logo.png" || atts[1].ContentID != "cid123" {
		t.Fatalf("unexpected second attachment: %+v", atts[1])
	}
}

func TestDecodePartBase64(t *testing.T) {
	enc := base64.StdEncoding.EncodeToString([]byte("hello world"))
	r := DecodePart(strings.NewReader(enc), PartRef{Encoding: "base64"})
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "hello world" {
		t.Fatalf("got %q", out)
	}
}

func TestDecodePartQuotedPrintable(t *testing.T) {
	r := DecodePart(strings.NewReader("caf=C3=A9"), PartRef{Encoding: "quoted-printable"})
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "café" {
		t.Fatalf("got %q", out)
	}
}

func TestCleanBodyStripsScript(t *testing.T) {
	out := CleanBody(`<div>ok</div><script>alert(1)</script>`)
	if strings.Contains(out, "script") {
		t.Fatalf("script survived sanitization: %q", out)
	}
	if !strings.Contains(out, "ok") {
		t.Fatalf("content lost: %q", out)
	}
}

func TestCleanBodyRewritesImages(t *testing.T) {
	out := CleanBody(`<img src="https://example.com/pix.png">`)
	if strings.Contains(out, "https://example.com") {
		t.Fatalf("remote image URL survived: %q", out)
	}
	if !strings.Contains(out, imageProxyPath) {
		t.Fatalf("proxy path missing: %q", out)
	}
}

func TestCleanBodyKeepsCidImages(t *testing.T) {
	out := CleanBody(`<img src="cid:logo">`)
	if !strings.Contains(out, "cid:logo") {
		t.Fatalf("cid reference was rewritten: %q", out)
	}
}

func TestWrapPlainText(t *testing.T) {
	out := WrapPlainText("a < b\r\nsecond line")
	if !strings.Contains(out, "a &lt; b") {
		t.Fatalf("text not escaped: %q", out)
	}
	if !strings.Contains(out, "<br>") {
		t.Fatalf("line break lost: %q", out)
	}
}

func TestPreviewTextStripsMarkupAndTruncates(t *testing.T) {
	body := "<style>p{color:red}</style><p>Hello   <b>world</b></p>"
	if got := PreviewText(body); got != "Hello world" {
		t.Fatalf("got %q", got)
	}

	long := strings.Repeat("x", 500)
	if got := PreviewText("<p>" + long + "</p>"); len([]rune(got)) != PreviewLimit {
		t.Fatalf("got %d runes, want %d", len([]rune(got)), PreviewLimit)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"":                 "attachment",
		"../../etc/passwd": ".._.._etc_passwd",
		"a/b\\c:d":         "a_b_c_d",
		"report final.pdf": "report final.pdf",
	}
	for in, want := range cases {
		if got := SanitizeFilename(in); got != want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBlobKeyIsFlat(t *testing.T) {
	key := BlobKey("../evil/name.png")
	if strings.ContainsAny(key, "/\\") {
		t.Fatalf("blob key contains a separator: %q", key)
	}
	k2 := BlobKey("name.png")
	if key == k2 {
		t.Fatal("blob keys must be unique")
	}
}
