// Package hydrate turns envelope-only rows into full messages: it picks the
// best body part out of a BODYSTRUCTURE, decodes and sanitizes it, rewrites
// embedded image URLs to the local proxy, computes the plain-text preview
// and enumerates attachment parts.
package hydrate

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime/quotedprintable"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message/charset"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// PreviewLimit is the maximum preview length in runes.
const PreviewLimit = 160

// imageProxyPath is the collaborator endpoint that fetches remote images on
// the UI's behalf.
const imageProxyPath = "/api/v1/proxy/image?url="

// PartRef locates one MIME part inside a message.
type PartRef struct {
	Path     []int
	MimeType string
	Encoding string
	Charset  string

	// Attachment-only fields.
	Filename  string
	Size      int64
	ContentID string
}

// FetchSection builds the BODY.PEEK fetch section for a part.
func (p PartRef) FetchSection() *imap.BodySectionName {
	return &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Path: p.Path},
		Peek:         true,
	}
}

// BestBodyPart walks a body structure and picks the part to display: the
// first text/html part, else the first text/plain part, else part 1.
func BestBodyPart(bs *imap.BodyStructure) PartRef {
	if ref, ok := findText(bs, nil, "html"); ok {
		return ref
	}
	if ref, ok := findText(bs, nil, "plain"); ok {
		return ref
	}
	return PartRef{
		Path:     []int{1},
		MimeType: strings.ToLower(bs.MIMEType + "/" + bs.MIMESubType),
		Encoding: bs.Encoding,
		Charset:  bs.Params["charset"],
	}
}

func findText(bs *imap.BodyStructure, path []int, subtype string) (PartRef, bool) {
	if strings.EqualFold(bs.MIMEType, "text") && strings.EqualFold(bs.MIMESubType, subtype) {
		p := path
		if len(p) == 0 {
			// Non-multipart message: the whole body is part 1.
			p = []int{1}
		}
		return PartRef{
			Path:     p,
			MimeType: "text/" + subtype,
			Encoding: bs.Encoding,
			Charset:  bs.Params["charset"],
		}, true
	}
	for i, child := range bs.Parts {
		if ref, ok := findText(child, append(append([]int{}, path...), i+1), subtype); ok {
			return ref, true
		}
	}
	return PartRef{}, false
}

// CollectAttachments walks the body structure and returns every part that
// is an attachment: disposition "attachment", or "inline" with a filename.
func CollectAttachments(bs *imap.BodyStructure) []PartRef {
	var out []PartRef
	collectAttachments(bs, nil, &out)
	return out
}

func collectAttachments(bs *imap.BodyStructure, path []int, out *[]PartRef) {
	for i, child := range bs.Parts {
		collectAttachments(child, append(append([]int{}, path...), i+1), out)
	}
	if len(bs.Parts) > 0 {
		return
	}

	disp := strings.ToLower(bs.Disposition)
	name := partFilename(bs)
	if disp != "attachment" && !(disp == "inline" && name != "") {
		return
	}

	p := path
	if len(p) == 0 {
		p = []int{1}
	}
	*out = append(*out, PartRef{
		Path:      p,
		MimeType:  strings.ToLower(bs.MIMEType + "/" + bs.MIMESubType),
		Encoding:  bs.Encoding,
		Filename:  name,
		Size:      int64(bs.Size),
		ContentID: strings.Trim(bs.Id, "<>"),
	})
}

func partFilename(bs *imap.BodyStructure) string {
	if name := bs.DispositionParams["filename"]; name != "" {
		return name
	}
	return bs.Params["name"]
}

// DecodePart wraps a raw section reader with transfer-encoding and charset
// decoding. Unknown encodings and charsets fall through undecoded.
func DecodePart(r io.Reader, ref PartRef) io.Reader {
	switch strings.ToLower(ref.Encoding) {
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	}
	if ref.Charset != "" && !strings.EqualFold(ref.Charset, "utf-8") {
		if cr, err := charset.Reader(strings.ToLower(ref.Charset), r); err == nil {
			r = cr
		}
	}
	return r
}

var sanitizePolicy = func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowImages()
	p.AllowRelativeURLs(true)
	return p
}()

// CleanBody sanitizes an HTML body and rewrites remote image references to
// the local proxy path. Plain-text parts should be passed through
// WrapPlainText first.
func CleanBody(htmlBody string) string {
	return sanitizePolicy.Sanitize(rewriteImageURLs(htmlBody))
}

// WrapPlainText turns a text/plain body into minimal displayable HTML.
func WrapPlainText(text string) string {
	var b strings.Builder
	b.WriteString("<div>")
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			b.WriteString("<br>")
		}
		b.WriteString(html.EscapeString(strings.TrimRight(line, "\r")))
	}
	b.WriteString("</div>")
	return b.String()
}

// rewriteImageURLs replaces http(s) img sources with the proxy path so the
// browser never talks to remote hosts directly.
func rewriteImageURLs(body string) string {
	ctx := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(body), ctx)
	if err != nil {
		return body
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Img {
			for i, a := range n.Attr {
				if a.Key != "src" {
					continue
				}
				src := strings.TrimSpace(a.Val)
				if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
					n.Attr[i].Val = imageProxyPath + url.QueryEscape(src)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}

	var buf bytes.Buffer
	for _, n := range nodes {
		walk(n)
		if err := html.Render(&buf, n); err != nil {
			return body
		}
	}
	return buf.String()
}

// PreviewText derives the plain-text snippet shown in list views: tags,
// style and script content stripped, whitespace collapsed, truncated to
// PreviewLimit runes.
func PreviewText(body string) string {
	z := html.NewTokenizer(strings.NewReader(body))
	var b strings.Builder
	skip := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.StartTagToken:
			name, _ := z.TagName()
			if tag := string(name); tag == "style" || tag == "script" {
				skip++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if tag := string(name); tag == "style" || tag == "script" {
				if skip > 0 {
					skip--
				}
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}

	collapsed := strings.Join(strings.Fields(b.String()), " ")
	runes := []rune(collapsed)
	if len(runes) > PreviewLimit {
		return string(runes[:PreviewLimit])
	}
	return collapsed
}

// BlobKey builds a unique attachment key: <unix-ms>-<rand>-<sanitized name>.
func BlobKey(filename string) string {
	return fmt.Sprintf("%d-%s-%s", time.Now().UnixMilli(), uuid.NewString()[:8], SanitizeFilename(filename))
}

// SanitizeFilename strips path separators and control characters so the key
// is safe as a flat directory entry.
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "attachment"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == ':' || r < 0x20:
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > 120 {
		out = out[len(out)-120:]
	}
	return out
}
