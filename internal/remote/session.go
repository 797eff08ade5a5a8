// Package remote maintains the bridge's IMAP client side: one durable
// authenticated session per user shared by all workers, a process-wide
// connect backoff, and the canonical-to-server folder mapper.
package remote

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"

	"github.com/themadorg/mailboy/internal/db"
	"github.com/themadorg/mailboy/internal/faults"
	"github.com/themadorg/mailboy/internal/metrics"
)

const (
	connectTimeout = 60 * time.Second
	commandTimeout = 60 * time.Second

	// backoffWindow is how long every worker stays in COOLDOWN after the
	// remote reports a connection limit.
	backoffWindow = 30 * time.Second

	// IdlePingAfter is how long a session may sit unused before a worker
	// must NOOP it to keep the connection alive.
	IdlePingAfter = 25 * time.Second
)

// Backoff is the process-wide connect cooldown. A "too many connections"
// reply arms it; until the deadline passes no session for any user makes a
// connection attempt.
type Backoff struct {
	mu       sync.Mutex
	deadline time.Time
}

// Arm sets the cooldown deadline.
func (b *Backoff) Arm() {
	b.mu.Lock()
	b.deadline = time.Now().Add(backoffWindow)
	b.mu.Unlock()
}

// Active reports whether the cooldown is still in effect.
func (b *Backoff) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().Before(b.deadline)
}

// Remaining returns how long until the cooldown lifts (zero when inactive).
func (b *Backoff) Remaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := time.Until(b.deadline)
	if d < 0 {
		return 0
	}
	return d
}

// Session is one authenticated IMAP connection for one user. All folder
// operations serialize on the session's mailbox lock; only the holder may
// issue commands, and switching folders closes the previous one first.
type Session struct {
	user    string
	cfg     db.UserConfig
	backoff *Backoff
	metrics metrics.Collector
	log     *zap.Logger

	mu         sync.Mutex
	conn       *client.Client
	openFolder string
	lastUsed   time.Time
}

func newSession(cfg db.UserConfig, backoff *Backoff, collector metrics.Collector, log *zap.Logger) *Session {
	return &Session{
		user:    cfg.User,
		cfg:     cfg,
		backoff: backoff,
		metrics: collector,
		log:     log.With(zap.String("user", cfg.User)),
	}
}

// armBackoff starts the process-wide cooldown and counts the event.
func (s *Session) armBackoff() {
	s.backoff.Arm()
	s.metrics.BackoffArmed()
}

// connectLocked dials and authenticates. Caller holds s.mu.
func (s *Session) connectLocked() error {
	if s.conn != nil {
		return nil
	}
	if s.backoff.Active() {
		return fmt.Errorf("%w: cooldown for %s", faults.RemoteOverloaded, s.backoff.Remaining().Round(time.Second))
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.IMAPHost, s.cfg.IMAPPort)
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}

	var (
		c   *client.Client
		err error
	)
	if s.cfg.IMAPPort == 993 {
		c, err = client.DialWithDialerTLS(dialer, addr, &tls.Config{ServerName: s.cfg.IMAPHost})
	} else {
		// Plain ports upgrade via STARTTLS whenever the server offers it;
		// UseTLS makes a missing upgrade fatal instead of falling back.
		c, err = client.DialWithDialer(dialer, addr)
		if err == nil {
			switch ok, capErr := c.SupportStartTLS(); {
			case capErr != nil:
				err = fmt.Errorf("capability: %w", capErr)
			case ok:
				err = c.StartTLS(&tls.Config{ServerName: s.cfg.IMAPHost})
			case s.cfg.UseTLS:
				err = fmt.Errorf("server %s does not support STARTTLS", addr)
			}
		}
	}
	if err != nil {
		err = Classify(fmt.Errorf("dial %s: %w", addr, err))
		if errors.Is(err, faults.RemoteOverloaded) {
			s.armBackoff()
		}
		return err
	}

	c.Timeout = commandTimeout
	if err := c.Login(s.cfg.User, s.cfg.Pass); err != nil {
		_ = c.Logout()
		err = Classify(fmt.Errorf("login: %w", err))
		if errors.Is(err, faults.RemoteOverloaded) {
			s.armBackoff()
		}
		if !errors.Is(err, faults.RemoteOverloaded) && !errors.Is(err, faults.RemoteTransient) {
			err = fmt.Errorf("%w: %v", faults.AuthRequired, err)
		}
		return err
	}

	s.log.Debug("imap session established", zap.String("addr", addr))
	s.metrics.SessionConnected(s.user)
	s.conn = c
	s.openFolder = ""
	s.lastUsed = time.Now()
	return nil
}

// dropLocked closes the connection so the next use reconnects.
func (s *Session) dropLocked() {
	if s.conn == nil {
		return
	}
	c := s.conn
	s.conn = nil
	s.openFolder = ""
	s.metrics.SessionDropped(s.user)
	c.Timeout = 5 * time.Second
	go func() { _ = c.Logout() }()
}

// handleErrLocked classifies an operation error, arming the backoff and
// dropping the connection where appropriate. Caller holds s.mu.
func (s *Session) handleErrLocked(err error) error {
	err = Classify(err)
	switch {
	case errors.Is(err, faults.RemoteOverloaded):
		s.armBackoff()
		s.dropLocked()
	case errors.Is(err, faults.RemoteTransient):
		s.dropLocked()
	}
	return err
}

// WithFolder acquires the mailbox lock, ensures the requested folder is the
// selected one (closing any other first), and runs fn against the live
// connection. The lock is released on every path.
func (s *Session) WithFolder(path string, readOnly bool, fn func(c *client.Client, mbox *imap.MailboxStatus) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.connectLocked(); err != nil {
		return err
	}
	s.lastUsed = time.Now()

	if s.openFolder != "" && s.openFolder != path {
		if err := s.conn.Close(); err != nil {
			return s.handleErrLocked(fmt.Errorf("close %s: %w", s.openFolder, err))
		}
		s.openFolder = ""
	}

	mbox, err := s.conn.Select(path, readOnly)
	if err != nil {
		return s.handleErrLocked(fmt.Errorf("select %s: %w", path, err))
	}
	s.openFolder = path

	if err := fn(s.conn, mbox); err != nil {
		return s.handleErrLocked(err)
	}
	s.lastUsed = time.Now()
	return nil
}

// WithConn runs fn holding the session lock without selecting a folder.
// Used for LIST and other non-mailbox commands.
func (s *Session) WithConn(fn func(c *client.Client) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.connectLocked(); err != nil {
		return err
	}
	s.lastUsed = time.Now()
	if err := fn(s.conn); err != nil {
		return s.handleErrLocked(err)
	}
	s.lastUsed = time.Now()
	return nil
}

// PingIfIdle issues a NOOP when the session sat unused for IdlePingAfter.
func (s *Session) PingIfIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || time.Since(s.lastUsed) < IdlePingAfter {
		return
	}
	if err := s.conn.Noop(); err != nil {
		s.log.Debug("keepalive noop failed", zap.Error(err))
		_ = s.handleErrLocked(err)
		return
	}
	s.lastUsed = time.Now()
}

// Noop flushes pending server state. The draft uplink uses it to observe
// deletions performed by other clients.
func (s *Session) Noop() error {
	return s.WithConn(func(c *client.Client) error {
		if err := c.Noop(); err != nil {
			return fmt.Errorf("noop: %w", err)
		}
		return nil
	})
}

// Drop closes the connection; the next use reconnects.
func (s *Session) Drop() {
	s.mu.Lock()
	s.dropLocked()
	s.mu.Unlock()
}

// Pool hands out the per-user durable sessions.
type Pool struct {
	backoff *Backoff
	metrics metrics.Collector
	log     *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewPool creates an empty session pool sharing one backoff state.
func NewPool(backoff *Backoff, collector metrics.Collector, log *zap.Logger) *Pool {
	return &Pool{
		backoff:  backoff,
		metrics:  collector,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// Get returns the user's session, creating it from cfg on first use. The
// connection itself is dialed lazily.
func (p *Pool) Get(cfg db.UserConfig) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[cfg.User]; ok {
		return s
	}
	s := newSession(cfg, p.backoff, p.metrics, p.log)
	p.sessions[cfg.User] = s
	return s
}

// Drop disconnects and forgets a user's session.
func (p *Pool) Drop(user string) {
	p.mu.Lock()
	s := p.sessions[user]
	delete(p.sessions, user)
	p.mu.Unlock()
	if s != nil {
		s.Drop()
	}
}

// Shutdown disconnects every session.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()
	for _, s := range sessions {
		s.Drop()
	}
}
