package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/oslund/steward/internal/config"
)

// envelope is a summary of one mailbox message.
type envelope struct {
	UID     uint32
	Date    time.Time
	From    string
	Subject string
}

// imapClient wraps go-imap/v2 with lazy connection, automatic
// reconnection, and mutex-serialized access.
type imapClient struct {
	cfg    config.IMAPConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *imapclient.Client
}

func newIMAPClient(cfg config.IMAPConfig, logger *slog.Logger) *imapClient {
	return &imapClient{
		cfg:    cfg,
		logger: logger,
	}
}

// connectLocked performs the actual connection. Caller must hold c.mu.
func (c *imapClient) connectLocked(_ context.Context) error {
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}

	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))

	var opts imapclient.Options
	if c.cfg.TLS {
		opts.TLSConfig = &tls.Config{ServerName: c.cfg.Host}
	}

	c.logger.Debug("connecting to IMAP server", "host", c.cfg.Host, "port", c.cfg.Port, "tls", c.cfg.TLS)

	var client *imapclient.Client
	var err error
	if c.cfg.TLS {
		client, err = imapclient.DialTLS(addr, &opts)
	} else {
		client, err = imapclient.DialInsecure(addr, &opts)
	}
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		return fmt.Errorf("login as %s: %w", c.cfg.Username, err)
	}

	c.client = client
	c.logger.Info("IMAP connected", "host", c.cfg.Host, "user", c.cfg.Username)
	return nil
}

// ensureConnected checks the connection and reconnects if needed.
// Caller must hold c.mu.
func (c *imapClient) ensureConnected(ctx context.Context) error {
	if c.client != nil {
		if err := c.client.Noop().Wait(); err == nil {
			return nil
		}
		c.logger.Debug("IMAP connection stale, reconnecting", "host", c.cfg.Host)
	}
	return c.connectLocked(ctx)
}

// Close logs out and closes the IMAP connection.
func (c *imapClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// ListRecent returns the newest messages in the inbox, newest-first.
func (c *imapClient) ListRecent(ctx context.Context, limit int) ([]envelope, error) {
	return c.query(ctx, &imap.SearchCriteria{}, limit)
}

// Search returns messages matching a free-text query, newest-first.
func (c *imapClient) Search(ctx context.Context, query string, limit int) ([]envelope, error) {
	criteria := &imap.SearchCriteria{}
	if query != "" {
		criteria.Text = append(criteria.Text, query)
	}
	return c.query(ctx, criteria, limit)
}

// query selects INBOX, runs a UID search, and fetches envelopes for
// the most recent matches.
func (c *imapClient) query(ctx context.Context, criteria *imap.SearchCriteria, limit int) ([]envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}

	if _, err := c.client.Select("INBOX", nil).Wait(); err != nil {
		return nil, fmt.Errorf("select INBOX: %w", err)
	}

	searchData, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search INBOX: %w", err)
	}

	allUIDs := searchData.AllUIDs()
	if len(allUIDs) == 0 {
		return nil, nil
	}

	// Take the most recent N UIDs (highest UIDs = newest).
	start := 0
	if len(allUIDs) > limit {
		start = len(allUIDs) - limit
	}
	recentUIDs := allUIDs[start:]

	uidSet := imap.UIDSet{}
	for _, uid := range recentUIDs {
		uidSet.AddNum(uid)
	}

	return c.fetchEnvelopes(uidSet)
}

// fetchEnvelopes fetches envelope data for the given UIDs and returns
// them newest-first. Caller must hold c.mu and have a selected folder.
func (c *imapClient) fetchEnvelopes(uidSet imap.UIDSet) ([]envelope, error) {
	fetchOpts := &imap.FetchOptions{
		UID:      true,
		Envelope: true,
	}

	fetchCmd := c.client.Fetch(uidSet, fetchOpts)

	var envelopes []envelope
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		env, err := parseMessageData(msg)
		if err != nil {
			c.logger.Debug("skipping message", "error", err)
			continue
		}
		envelopes = append(envelopes, env)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch envelopes: %w", err)
	}

	// Sort newest-first by UID (descending).
	for i, j := 0, len(envelopes)-1; i < j; i, j = i+1, j-1 {
		envelopes[i], envelopes[j] = envelopes[j], envelopes[i]
	}

	return envelopes, nil
}

// parseMessageData extracts an envelope from IMAP fetch response items.
func parseMessageData(msg *imapclient.FetchMessageData) (envelope, error) {
	var env envelope

	for {
		item := msg.Next()
		if item == nil {
			break
		}

		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			env.UID = uint32(data.UID)
		case imapclient.FetchItemDataEnvelope:
			if data.Envelope != nil {
				env.Date = data.Envelope.Date
				env.Subject = data.Envelope.Subject
				if len(data.Envelope.From) > 0 {
					env.From = formatAddress(data.Envelope.From[0])
				}
			}
		}
	}

	if env.UID == 0 {
		return env, fmt.Errorf("message missing UID")
	}
	return env, nil
}

// formatAddress formats an IMAP address as "Name <user@host>" or just
// "user@host" if no name is set.
func formatAddress(addr imap.Address) string {
	email := addr.Addr()
	if addr.Name != "" {
		return fmt.Sprintf("%s <%s>", addr.Name, email)
	}
	return email
}
