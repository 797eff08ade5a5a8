// Package api exposes the bridge to the UI over HTTP. Handlers are thin:
// they decode, call into the engine, and translate fault kinds to status
// codes. All state lives behind the engine.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/themadorg/mailboy/internal/db"
	"github.com/themadorg/mailboy/internal/draft"
	"github.com/themadorg/mailboy/internal/engine"
	"github.com/themadorg/mailboy/internal/faults"
	"github.com/themadorg/mailboy/internal/hydrate"
	"github.com/themadorg/mailboy/internal/store"
	"github.com/themadorg/mailboy/internal/submit"
)

// maxUploadSize bounds multipart request memory (32 MB).
const maxUploadSize = 32 << 20

// Server is the HTTP surface of the bridge.
type Server struct {
	engine *engine.Engine
	log    *zap.Logger
	prom   prometheus.Gatherer
}

// NewServer creates the HTTP surface. prom may be nil to disable /metrics.
func NewServer(eng *engine.Engine, prom prometheus.Gatherer, log *zap.Logger) *Server {
	return &Server{engine: eng, log: log.Named("api"), prom: prom}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /config/save", s.handleConfigSave)
	mux.HandleFunc("POST /mail/sync", s.handleSync)
	mux.HandleFunc("GET /sync/status", s.handleSyncStatus)

	mux.HandleFunc("GET /mail/list", s.handleList)
	mux.HandleFunc("GET /mail/attachment", s.handleAttachment)
	mux.HandleFunc("GET /mail/{id}", s.handleGet)
	mux.HandleFunc("POST /mail/mark", s.handleMark)
	mux.HandleFunc("POST /mail/move", s.handleMove)
	mux.HandleFunc("POST /mail/batch-delete", s.handleBatchDelete)
	mux.HandleFunc("POST /mail/send", s.handleSend)
	mux.HandleFunc("POST /mail/draft", s.handleDraft)

	mux.HandleFunc("GET /labels", s.handleLabelsList)
	mux.HandleFunc("POST /labels", s.handleLabelsSave)
	mux.HandleFunc("DELETE /labels/{id}", s.handleLabelsDelete)
	mux.HandleFunc("POST /mail/labels", s.handleSetLabels)

	mux.HandleFunc("GET /smart-rules", s.handleRulesList)
	mux.HandleFunc("POST /smart-rules", s.handleRulesSave)
	mux.HandleFunc("DELETE /smart-rules/{id}", s.handleRulesDelete)

	mux.HandleFunc("DELETE /debug/reset", s.handleReset)

	if s.prom != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.prom, promhttp.HandlerOpts{}))
	}
	return mux
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps fault kinds to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, faults.Validation):
		return http.StatusBadRequest
	case errors.Is(err, faults.AuthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, faults.NotFound):
		return http.StatusNotFound
	case errors.Is(err, faults.FetchTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, faults.RemoteOverloaded), errors.Is(err, faults.BridgeOffline):
		return http.StatusServiceUnavailable
	case errors.Is(err, faults.RemoteTransient):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.Warn("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadSize)).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", faults.Validation, err)
	}
	return nil
}

// --- summaries ---

// Summary is the list-view projection of a message row.
type Summary struct {
	ID          string                `json:"id"`
	Folder      string                `json:"folder"`
	Category    string                `json:"category,omitempty"`
	From        string                `json:"from"`
	FromName    string                `json:"fromName,omitempty"`
	Subject     string                `json:"subject"`
	Preview     string                `json:"preview"`
	Timestamp   int64                 `json:"timestamp"`
	Read        bool                  `json:"read"`
	IsFullBody  bool                  `json:"isFullBody"`
	Labels      []string              `json:"labels"`
	Attachments []store.AttachmentRef `json:"attachments"`
}

func summarize(m db.Email) Summary {
	return Summary{
		ID:          m.ID,
		Folder:      m.Folder,
		Category:    m.Category,
		From:        m.FromAddr,
		FromName:    m.FromName,
		Subject:     m.Subject,
		Preview:     m.Preview,
		Timestamp:   m.Timestamp,
		Read:        m.Read,
		IsFullBody:  m.IsFullBody,
		Labels:      store.DecodeLabels(m.Labels),
		Attachments: store.DecodeAttachments(m.Attachments),
	}
}

// Detail is the full message payload returned by the read path.
type Detail struct {
	Summary
	Body string   `json:"body"`
	To   []string `json:"to"`
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "UP",
		"ts":     time.Now().UnixMilli(),
	})
}

type configPayload struct {
	User     string `json:"user"`
	Pass     string `json:"pass"`
	IMAPHost string `json:"imapHost"`
	IMAPPort int    `json:"imapPort"`
	SMTPHost string `json:"smtpHost"`
	SMTPPort int    `json:"smtpPort"`
	UseTLS   bool   `json:"useTLS"`
}

func (p configPayload) toModel() db.UserConfig {
	return db.UserConfig{
		User:     p.User,
		Pass:     p.Pass,
		IMAPHost: p.IMAPHost,
		IMAPPort: p.IMAPPort,
		SMTPHost: p.SMTPHost,
		SMTPPort: p.SMTPPort,
		UseTLS:   p.UseTLS,
	}
}

func (s *Server) handleConfigSave(w http.ResponseWriter, r *http.Request) {
	var p configPayload
	if err := decodeBody(r, &p); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.engine.SetupAccount(p.toModel()); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var p configPayload
	if err := decodeBody(r, &p); err != nil {
		s.fail(w, err)
		return
	}
	if p.User == "" {
		s.fail(w, fmt.Errorf("%w: user is required", faults.Validation))
		return
	}
	if err := s.engine.TriggerSync(p.User, false); err != nil {
		// Unknown runtime means the account was configured but never
		// started, e.g. after a restart; register it and retry.
		if errors.Is(err, faults.NotFound) && p.IMAPHost != "" {
			if err := s.engine.SetupAccount(p.toModel()); err != nil {
				s.fail(w, err)
				return
			}
		} else {
			s.fail(w, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "syncing"})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		s.fail(w, fmt.Errorf("%w: user is required", faults.Validation))
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status(user))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user, folder := q.Get("user"), q.Get("folder")
	if user == "" || folder == "" {
		s.fail(w, fmt.Errorf("%w: user and folder are required", faults.Validation))
		return
	}
	rows, err := s.engine.List(user, folder, q.Get("category"))
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]Summary, 0, len(rows))
	for _, m := range rows {
		out = append(out, summarize(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	user := r.URL.Query().Get("user")
	if user == "" {
		s.fail(w, fmt.Errorf("%w: user is required", faults.Validation))
		return
	}
	m, source, err := s.engine.Fetch(r.Context(), id, user)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"email":  detail(m),
		"source": source,
	})
}

func detail(m *db.Email) Detail {
	d := Detail{Summary: summarize(*m), Body: m.Body}
	d.To = splitAddrs(m.ToAddrs)
	return d
}

func splitAddrs(s string) []string {
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func (s *Server) handleMark(w http.ResponseWriter, r *http.Request) {
	var p struct {
		ID   string `json:"id"`
		User string `json:"user"`
		Read bool   `json:"read"`
	}
	if err := decodeBody(r, &p); err != nil {
		s.fail(w, err)
		return
	}
	mut, err := s.engine.Mutator(p.User)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := mut.MarkRead(p.ID, p.Read); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMove accepts both canonical folders and category names: a category
// target is a smart-tab move and trains the classifier.
func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var p struct {
		EmailID      string `json:"emailId"`
		User         string `json:"user"`
		TargetFolder string `json:"targetFolder"`
	}
	if err := decodeBody(r, &p); err != nil {
		s.fail(w, err)
		return
	}
	mut, err := s.engine.Mutator(p.User)
	if err != nil {
		s.fail(w, err)
		return
	}

	for _, cat := range store.Categories {
		if p.TargetFolder == cat {
			if err := mut.SetCategory(p.EmailID, cat); err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
	}
	if err := mut.Move(p.EmailID, p.TargetFolder); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	var p struct {
		IDs  []string `json:"ids"`
		User string   `json:"user"`
	}
	if err := decodeBody(r, &p); err != nil {
		s.fail(w, err)
		return
	}
	mut, err := s.engine.Mutator(p.User)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := mut.BatchDelete(p.IDs); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetLabels(w http.ResponseWriter, r *http.Request) {
	var p struct {
		ID     string   `json:"id"`
		User   string   `json:"user"`
		Labels []string `json:"labels"`
	}
	if err := decodeBody(r, &p); err != nil {
		s.fail(w, err)
		return
	}
	mut, err := s.engine.Mutator(p.User)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := mut.SetLabels(p.ID, p.Labels); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- send and draft ---

type sendPayload struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	DraftID string   `json:"draftId"`
	// ExistingAttachments are blob keys of already-persisted uploads.
	ExistingAttachments []string `json:"existingAttachments"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		s.fail(w, fmt.Errorf("%w: %v", faults.Validation, err))
		return
	}

	var auth configPayload
	if err := json.Unmarshal([]byte(r.FormValue("auth")), &auth); err != nil || auth.User == "" {
		s.fail(w, fmt.Errorf("%w: malformed auth part", faults.Validation))
		return
	}
	var payload sendPayload
	if err := json.Unmarshal([]byte(r.FormValue("payload")), &payload); err != nil {
		s.fail(w, fmt.Errorf("%w: malformed payload part", faults.Validation))
		return
	}

	cfg, err := s.engine.Store().GetConfig(auth.User)
	if err != nil {
		s.fail(w, err)
		return
	}

	msg := submit.Message{
		From:    cfg.User,
		To:      payload.To,
		Subject: payload.Subject,
		Body:    payload.Body,
	}
	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	if r.MultipartForm != nil {
		for _, fh := range r.MultipartForm.File["files"] {
			f, err := fh.Open()
			if err != nil {
				s.fail(w, fmt.Errorf("%w: %v", faults.Validation, err))
				return
			}
			closers = append(closers, f)
			msg.Attachments = append(msg.Attachments, submit.Attachment{
				Filename: fh.Filename,
				MimeType: fh.Header.Get("Content-Type"),
				Content:  f,
			})
		}
	}
	for _, key := range payload.ExistingAttachments {
		meta, err := s.engine.Store().AttachmentByKey(auth.User, key)
		if err != nil {
			s.fail(w, err)
			return
		}
		blobReader, err := s.engine.Blobs().Open(key)
		if err != nil {
			s.fail(w, err)
			return
		}
		closers = append(closers, blobReader)
		msg.Attachments = append(msg.Attachments, submit.Attachment{
			Filename: meta.Filename,
			MimeType: meta.MimeType,
			Content:  blobReader,
		})
	}

	if err := submit.Send(*cfg, msg); err != nil {
		s.fail(w, err)
		return
	}

	// A sent draft disappears from Drafts on the next uplink cycle.
	if payload.DraftID != "" {
		if uplink, err := s.engine.Uplink(auth.User); err == nil {
			uplink.MarkSent(payload.DraftID)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleDraft(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		s.fail(w, fmt.Errorf("%w: %v", faults.Validation, err))
		return
	}

	user := r.FormValue("user")
	if user == "" {
		s.fail(w, fmt.Errorf("%w: user is required", faults.Validation))
		return
	}
	uplink, err := s.engine.Uplink(user)
	if err != nil {
		s.fail(w, err)
		return
	}

	staged := draft.Staged{
		ClientDraftID: r.FormValue("id"),
		From:          user,
		Subject:       r.FormValue("subject"),
		Body:          r.FormValue("body"),
	}
	if to := r.FormValue("to"); to != "" {
		if err := json.Unmarshal([]byte(to), &staged.To); err != nil {
			staged.To = []string{to}
		}
	}
	if existing := r.FormValue("existingAttachments"); existing != "" {
		if err := json.Unmarshal([]byte(existing), &staged.BlobKeys); err != nil {
			s.fail(w, fmt.Errorf("%w: malformed existingAttachments", faults.Validation))
			return
		}
	}

	if r.MultipartForm != nil {
		for _, fh := range r.MultipartForm.File["files"] {
			key, err := s.storeUpload(user, staged.ClientDraftID, fh)
			if err != nil {
				s.fail(w, err)
				return
			}
			staged.BlobKeys = append(staged.BlobKeys, key)
		}
	}

	id := uplink.Stage(staged)
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// storeUpload persists an uploaded file into the blob store and records its
// metadata.
func (s *Server) storeUpload(user, clientDraftID string, fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("%w: %v", faults.Validation, err)
	}
	defer f.Close()

	key := hydrate.BlobKey(fh.Filename)
	wtr, err := s.engine.Blobs().Create(key)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(wtr, f)
	if err != nil {
		wtr.Close()
		return "", err
	}
	if err := wtr.Close(); err != nil {
		return "", err
	}

	err = s.engine.Store().SaveAttachmentMeta(&db.AttachmentMeta{
		BlobKey:  key,
		User:     user,
		EmailID:  "draft-" + clientDraftID,
		Filename: fh.Filename,
		Size:     n,
		MimeType: fh.Header.Get("Content-Type"),
	})
	return key, err
}

func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user, key := q.Get("user"), q.Get("key")
	if user == "" || key == "" {
		s.fail(w, fmt.Errorf("%w: user and key are required", faults.Validation))
		return
	}
	meta, err := s.engine.Store().AttachmentByKey(user, key)
	if err != nil {
		s.fail(w, err)
		return
	}
	f, err := s.engine.Blobs().Open(key)
	if err != nil {
		s.fail(w, fmt.Errorf("%w: blob %s", faults.NotFound, key))
		return
	}
	defer f.Close()

	ct := meta.MimeType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.Filename))
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	_, _ = io.Copy(w, f)
}

// --- labels ---

func (s *Server) handleLabelsList(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		s.fail(w, fmt.Errorf("%w: user is required", faults.Validation))
		return
	}
	labels, err := s.engine.Store().ListLabels(user)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, labels)
}

func (s *Server) handleLabelsSave(w http.ResponseWriter, r *http.Request) {
	var p struct {
		User  string `json:"user"`
		Name  string `json:"name"`
		Color string `json:"color"`
	}
	if err := decodeBody(r, &p); err != nil {
		s.fail(w, err)
		return
	}
	if p.User == "" || p.Name == "" {
		s.fail(w, fmt.Errorf("%w: user and name are required", faults.Validation))
		return
	}
	l, err := s.engine.Store().SaveLabel(p.User, p.Name, p.Color)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleLabelsDelete(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	id := r.PathValue("id")
	if user == "" {
		s.fail(w, fmt.Errorf("%w: user is required", faults.Validation))
		return
	}
	if err := s.engine.Store().DeleteLabel(user, id); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- smart rules ---

func (s *Server) handleRulesList(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		s.fail(w, fmt.Errorf("%w: user is required", faults.Validation))
		return
	}
	rules, err := s.engine.Store().ListRules(user)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleRulesSave(w http.ResponseWriter, r *http.Request) {
	var p struct {
		User     string `json:"user"`
		Category string `json:"category"`
		Type     string `json:"type"`
		Value    string `json:"value"`
	}
	if err := decodeBody(r, &p); err != nil {
		s.fail(w, err)
		return
	}
	if p.User == "" || p.Category == "" || p.Value == "" {
		s.fail(w, fmt.Errorf("%w: user, category and value are required", faults.Validation))
		return
	}
	if err := s.engine.Store().SaveRule(p.User, p.Category, p.Type, p.Value); err != nil {
		s.fail(w, err)
		return
	}
	s.engine.Classifier().InvalidateRules(p.User)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRulesDelete(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	rowID, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if user == "" || err != nil {
		s.fail(w, fmt.Errorf("%w: user and numeric rule id are required", faults.Validation))
		return
	}
	if err := s.engine.Store().DeleteRule(user, uint(rowID)); err != nil {
		s.fail(w, err)
		return
	}
	s.engine.Classifier().InvalidateRules(user)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.Reset(); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
