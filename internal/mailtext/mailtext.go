// Package mailtext turns raw RFC 5322 messages into the domain
// types the pipeline works with. Body text prefers the text/plain
// part; when a message carries only text/html, the markup is
// converted to text.
package mailtext

import (
	"bytes"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/jaytaylor/html2text"
	"github.com/pkg/errors"

	msg "github.com/Dolwer/replyledger/internal/message"
)

// ParseSent reads one raw sent message into its domain form.
func ParseSent(raw []byte) (msg.SentMessage, error) {
	var sm msg.SentMessage
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return sm, errors.Wrap(err, "parsing sent headers")
	}
	h := mr.Header
	sm.MessageID, _ = h.MessageID()
	sm.Subject, _ = h.Subject()
	sm.SentAt, _ = h.Date()
	if addrs, err := h.AddressList("To"); err == nil {
		for _, a := range addrs {
			sm.To = append(sm.To, a.Address)
		}
	}
	sm.Body, err = Extract(bytes.NewReader(raw))
	if err != nil {
		return sm, err
	}
	return sm, nil
}

// ParseReply reads one raw inbound message into a reply candidate.
func ParseReply(raw []byte) (msg.ReplyCandidate, error) {
	var rc msg.ReplyCandidate
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return rc, errors.Wrap(err, "parsing candidate headers")
	}
	h := mr.Header
	rc.MessageID, _ = h.MessageID()
	rc.Subject, _ = h.Subject()
	rc.ReceivedAt, _ = h.Date()
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		rc.InReplyTo = ids[0]
	}
	if ids, err := h.MsgIDList("References"); err == nil {
		rc.References = ids
	}
	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 {
		rc.From = addrs[0].Address
	}
	rc.Body, err = Extract(bytes.NewReader(raw))
	if err != nil {
		return rc, err
	}
	return rc, nil
}

// Extract reads one message and returns its body text.
func Extract(r io.Reader) (string, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return "", errors.Wrap(err, "parsing message")
	}

	var plain, html string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return "", errors.Wrap(err, "reading message part")
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ctype, _, err := h.ContentType()
		if err != nil {
			continue
		}
		switch ctype {
		case "text/plain":
			if plain != "" {
				continue
			}
			b, err := io.ReadAll(part.Body)
			if err != nil {
				return "", errors.Wrap(err, "reading text part")
			}
			plain = string(b)
		case "text/html":
			if html != "" {
				continue
			}
			b, err := io.ReadAll(part.Body)
			if err != nil {
				return "", errors.Wrap(err, "reading html part")
			}
			html = string(b)
		}
	}

	if plain != "" {
		return normalize(plain), nil
	}
	if html != "" {
		text, err := html2text.FromString(html, html2text.Options{TextOnly: true})
		if err != nil {
			return "", errors.Wrap(err, "converting html body")
		}
		return normalize(text), nil
	}
	return "", nil
}

// normalize strips carriage returns and trailing whitespace so the
// same message produces the same text regardless of transport.
func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimSpace(s)
}
