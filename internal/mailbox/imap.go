// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mailbox reads support mail from an IMAP inbox. It fetches unread
// messages without marking them, parses them into models.InboundMessage with
// conversation threading resolved, and marks a message consumed only once
// the caller has finished with it.
package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/anant-lad/EasyMyTicket/internal/models"
)

// ErrNoCredentials is returned when the mailbox address or credential is not configured.
var ErrNoCredentials = errors.New("mailbox credentials not configured")

const (
	defaultFolder  = "INBOX"
	defaultTimeout = 30 * time.Second
)

// Mailbox opens sessions against the configured mail server.
type Mailbox interface {
	// Ready reports ErrNoCredentials when the mailbox cannot be used.
	Ready() error
	Open(ctx context.Context) (Session, error)
}

// Session is one authenticated connection with the inbox selected.
type Session interface {
	FetchUnread(ctx context.Context) ([]models.InboundMessage, error)
	MarkProcessed(ctx context.Context, uid uint32) error
	Close() error
}

// OAuthConfig enables XOAUTH2 login with a client-credentials token.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// Config configures the IMAP connection.
type Config struct {
	Host            string
	Port            int
	UseSSL          bool
	Username        string
	Password        string
	Folder          string
	ProcessedFolder string
	Timeout         time.Duration
	OAuth           *OAuthConfig
}

// IMAPMailbox is a Mailbox backed by an IMAP server.
type IMAPMailbox struct {
	cfg    Config
	tokens oauth2.TokenSource
}

// NewIMAP creates an IMAP mailbox. No connection is made until Open.
func NewIMAP(cfg Config) *IMAPMailbox {
	if cfg.Folder == "" {
		cfg.Folder = defaultFolder
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Port == 0 {
		cfg.Port = 993
		if !cfg.UseSSL {
			cfg.Port = 143
		}
	}

	m := &IMAPMailbox{cfg: cfg}
	if o := cfg.OAuth; o != nil && o.ClientID != "" && o.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     o.ClientID,
			ClientSecret: o.ClientSecret,
			TokenURL:     o.TokenURL,
			Scopes:       o.Scopes,
		}
		m.tokens = cc.TokenSource(context.Background())
	}
	return m
}

// Ready implements Mailbox.
func (m *IMAPMailbox) Ready() error {
	if m.cfg.Host == "" || m.cfg.Username == "" {
		return ErrNoCredentials
	}
	if m.cfg.Password == "" && m.tokens == nil {
		return ErrNoCredentials
	}
	return nil
}

// Open connects, authenticates and selects the folder.
func (m *IMAPMailbox) Open(ctx context.Context) (Session, error) {
	if err := m.Ready(); err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	dialer := &net.Dialer{Timeout: m.cfg.Timeout}

	var (
		c   *client.Client
		err error
	)
	if m.cfg.UseSSL {
		c, err = client.DialWithDialerTLS(dialer, addr, &tls.Config{ServerName: m.cfg.Host})
	} else {
		c, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	c.Timeout = m.cfg.Timeout

	// Drop the connection if the caller gives up mid-command.
	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })

	if err := m.authenticate(ctx, c); err != nil {
		stop()
		_ = c.Logout()
		return nil, err
	}
	if _, err := c.Select(m.cfg.Folder, false); err != nil {
		stop()
		_ = c.Logout()
		return nil, fmt.Errorf("select %s: %w", m.cfg.Folder, err)
	}

	slog.Info("mailbox session opened", "server", addr, "folder", m.cfg.Folder)
	return &imapSession{c: c, cfg: m.cfg, stop: stop}, nil
}

func (m *IMAPMailbox) authenticate(ctx context.Context, c *client.Client) error {
	if m.tokens == nil {
		if err := c.Login(m.cfg.Username, m.cfg.Password); err != nil {
			return fmt.Errorf("imap login: %w", err)
		}
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	tok, err := m.tokens.Token()
	if err != nil {
		return fmt.Errorf("fetch oauth token: %w", err)
	}
	if err := c.Authenticate(NewXOAuth2Client(m.cfg.Username, tok.AccessToken)); err != nil {
		return fmt.Errorf("imap xoauth2: %w", err)
	}
	return nil
}

type imapSession struct {
	c             *client.Client
	cfg           Config
	stop          func() bool
	folderCreated bool
}

// FetchUnread returns every message without the \Seen flag, in UID order.
// Bodies are fetched with PEEK so a message stays unread until marked.
func (s *imapSession) FetchUnread(ctx context.Context) ([]models.InboundMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := s.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search unseen: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- s.c.UidFetch(seqset, items, messages)
	}()

	var out []models.InboundMessage
	for im := range messages {
		body := im.GetBody(section)
		if body == nil {
			slog.Warn("server returned no body", "uid", im.Uid)
			continue
		}
		msg, err := Read(im.Uid, body)
		if err != nil {
			slog.Warn("failed to read message", "uid", im.Uid, "error", err)
			continue
		}
		if msg.ParseError != "" {
			slog.Warn("failed to parse message", "uid", im.Uid, "message_id", msg.MessageID, "error", msg.ParseError)
		}
		out = append(out, msg)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

// MarkProcessed sets \Seen and, when a processed folder is configured,
// moves the message there.
func (s *imapSession) MarkProcessed(ctx context.Context, uid uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	add := imap.FormatFlagsOp(imap.AddFlags, true)

	if err := s.c.UidStore(seqset, add, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	if s.cfg.ProcessedFolder == "" {
		return nil
	}

	if !s.folderCreated {
		// Fails harmlessly when the folder exists.
		_ = s.c.Create(s.cfg.ProcessedFolder)
		s.folderCreated = true
	}
	if err := s.c.UidCopy(seqset, s.cfg.ProcessedFolder); err != nil {
		return fmt.Errorf("copy to %s: %w", s.cfg.ProcessedFolder, err)
	}
	if err := s.c.UidStore(seqset, add, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fmt.Errorf("flag deleted: %w", err)
	}
	if err := s.c.Expunge(nil); err != nil {
		return fmt.Errorf("expunge: %w", err)
	}
	return nil
}

// Close logs out and releases the connection.
func (s *imapSession) Close() error {
	s.stop()
	if err := s.c.Logout(); err != nil && !errors.Is(err, client.ErrAlreadyLoggedOut) {
		return err
	}
	return nil
}
