// Package imapgw lists sent mail and reply candidates over IMAP.
// It implements the pipeline's mail gateway for any standards
// compliant provider; Gmail users get a richer gateway in gmailgw.
package imapgw

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/Dolwer/replyledger/internal/mailtext"
	"github.com/Dolwer/replyledger/internal/message"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Config struct {
	// Addr is host:port of the IMAPS endpoint.
	Addr     string
	Username string
	Password string

	// SentFolders is tried in order; the first mailbox that
	// selects successfully is used. Providers name this folder
	// inconsistently ("Sent", "[Gmail]/Sent Mail", "Отправленные").
	SentFolders []string

	Inbox string

	// Timeout bounds the TCP/TLS connect and each subsequent
	// command round-trip. Zero leaves the connection unbounded.
	Timeout time.Duration
}

type Gateway struct {
	cfg    Config
	log    *zap.Logger
	conn   net.Conn
	client *imapclient.Client

	// selected caches the resolved sent folder name.
	selected string
}

// Dial connects over implicit TLS and authenticates.
func Dial(cfg Config, log *zap.Logger) (*Gateway, error) {
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: cfg.Timeout}, "tcp", cfg.Addr, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", cfg.Addr)
	}
	g := &Gateway{cfg: cfg, log: log, conn: conn, client: imapclient.New(conn, nil)}
	err = g.withDeadline(func() error {
		return g.client.Login(cfg.Username, cfg.Password).Wait()
	})
	if err != nil {
		g.client.Close()
		return nil, errors.Wrapf(err, "authenticating %s", cfg.Username)
	}
	return g, nil
}

func (g *Gateway) Close() error {
	err := g.withDeadline(func() error {
		return g.client.Logout().Wait()
	})
	if err != nil {
		g.client.Close()
		return errors.Wrap(err, "imap logout")
	}
	return g.client.Close()
}

// withDeadline runs one command with an absolute deadline on the
// connection, so a hung server fails the command instead of blocking
// the run. The deadline is cleared again once the command returns.
func (g *Gateway) withDeadline(op func() error) error {
	if g.cfg.Timeout > 0 {
		g.conn.SetDeadline(time.Now().Add(g.cfg.Timeout))
		defer g.conn.SetDeadline(time.Time{})
	}
	return op()
}

// SearchSent lists messages from the sent folder dated on or after
// since, oldest first. limit keeps the newest limit messages.
func (g *Gateway) SearchSent(ctx context.Context, since time.Time, limit int) ([]message.SentMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	folder, err := g.sentFolder()
	if err != nil {
		return nil, err
	}
	nums, err := g.search(&imap.SearchCriteria{Since: since})
	if err != nil {
		return nil, errors.Wrapf(err, "searching %q", folder)
	}
	if limit > 0 && len(nums) > limit {
		nums = nums[len(nums)-limit:]
	}
	if len(nums) == 0 {
		return nil, nil
	}

	var out []message.SentMessage
	err = g.fetch(nums, func(raw []byte) error {
		sm, err := mailtext.ParseSent(raw)
		if err != nil {
			g.log.Warn("skipping unparsable sent message", zap.Error(err))
			return nil
		}
		out = append(out, sm)
		return nil
	})
	if err != nil {
		return nil, err
	}
	g.log.Info("sent mail listed",
		zap.String("folder", folder),
		zap.Int("messages", len(out)))
	return out, nil
}

// FetchReplies lists inbox messages that could answer sent: anything
// from one of the recipients since the send date, plus anything
// whose In-Reply-To names the sent message.
func (g *Gateway) FetchReplies(ctx context.Context, sent message.SentMessage) ([]message.ReplyCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inbox := g.cfg.Inbox
	if inbox == "" {
		inbox = "INBOX"
	}
	if err := g.selectMailbox(inbox); err != nil {
		return nil, err
	}

	seen := map[uint32]bool{}
	var nums []uint32
	add := func(found []uint32) {
		for _, n := range found {
			if !seen[n] {
				seen[n] = true
				nums = append(nums, n)
			}
		}
	}

	for _, to := range sent.To {
		found, err := g.search(&imap.SearchCriteria{
			Since: sent.SentAt,
			Header: []imap.SearchCriteriaHeaderField{
				{Key: "From", Value: message.NormalizeAddress(to)},
			},
		})
		if err != nil {
			return nil, errors.Wrapf(err, "searching replies from %q", to)
		}
		add(found)
	}
	if sent.MessageID != "" {
		found, err := g.search(&imap.SearchCriteria{
			Header: []imap.SearchCriteriaHeaderField{
				{Key: "In-Reply-To", Value: sent.MessageID},
			},
		})
		if err != nil {
			return nil, errors.Wrap(err, "searching by reply header")
		}
		add(found)
	}
	if len(nums) == 0 {
		return nil, nil
	}

	var out []message.ReplyCandidate
	err := g.fetch(nums, func(raw []byte) error {
		rc, err := mailtext.ParseReply(raw)
		if err != nil {
			g.log.Warn("skipping unparsable candidate", zap.Error(err))
			return nil
		}
		out = append(out, rc)
		return nil
	})
	return out, err
}

// selectMailbox selects name unless it is already the selected
// mailbox. FetchReplies runs once per sent message; skipping the
// redundant SELECT keeps that loop to one round-trip per search.
func (g *Gateway) selectMailbox(name string) error {
	if g.selected == name {
		return nil
	}
	err := g.withDeadline(func() error {
		_, err := g.client.Select(name, nil).Wait()
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "selecting %q", name)
	}
	g.selected = name
	return nil
}

// sentFolder selects the first configured sent folder that exists on
// the server.
func (g *Gateway) sentFolder() (string, error) {
	for _, name := range g.cfg.SentFolders {
		if err := g.selectMailbox(name); err != nil {
			g.log.Debug("sent folder not selectable",
				zap.String("folder", name), zap.Error(err))
			continue
		}
		return name, nil
	}
	return "", errors.Errorf("no sent folder found among %v", g.cfg.SentFolders)
}

func (g *Gateway) search(criteria *imap.SearchCriteria) ([]uint32, error) {
	var data *imap.SearchData
	err := g.withDeadline(func() error {
		var err error
		data, err = g.client.Search(criteria, nil).Wait()
		return err
	})
	if err != nil {
		return nil, err
	}
	return data.AllSeqNums(), nil
}

// fetch retrieves the full RFC 5322 text of each message and hands
// it to handle.
func (g *Gateway) fetch(nums []uint32, handle func(raw []byte) error) error {
	section := &imap.FetchItemBodySection{Peek: true}
	var msgs []*imapclient.FetchMessageBuffer
	err := g.withDeadline(func() error {
		var err error
		msgs, err = g.client.Fetch(imap.SeqSetNum(nums...), &imap.FetchOptions{
			BodySection: []*imap.FetchItemBodySection{section},
		}).Collect()
		return err
	})
	if err != nil {
		return errors.Wrap(err, "fetching messages")
	}
	for _, msg := range msgs {
		for _, raw := range msg.BodySection {
			if err := handle(raw); err != nil {
				return err
			}
			break
		}
	}
	return nil
}
