package mailtext

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const plainMessage = "From: vendor@remote.example\r\n" +
	"To: buyer@local.example\r\n" +
	"Subject: Re: Quote for INV-100\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Price is 120.50 USD, amount 3.\r\n"

const multipartMessage = "From: vendor@remote.example\r\n" +
	"Subject: Re: Quote for INV-100\r\n" +
	"Content-Type: multipart/alternative; boundary=BOUND\r\n" +
	"\r\n" +
	"--BOUND\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"plain wins\r\n" +
	"--BOUND\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<html><body><p>html loses</p></body></html>\r\n" +
	"--BOUND--\r\n"

const htmlOnlyMessage = "From: vendor@remote.example\r\n" +
	"Subject: Re: Quote for INV-100\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<html><body><p>Price is <b>120.50</b> USD</p></body></html>\r\n"

func TestExtractPlain(t *testing.T) {
	got, err := Extract(strings.NewReader(plainMessage))
	require.NoError(t, err)
	require.Equal(t, "Price is 120.50 USD, amount 3.", got)
}

func TestExtractPrefersPlainOverHTML(t *testing.T) {
	got, err := Extract(strings.NewReader(multipartMessage))
	require.NoError(t, err)
	require.Equal(t, "plain wins", got)
}

func TestExtractHTMLFallback(t *testing.T) {
	got, err := Extract(strings.NewReader(htmlOnlyMessage))
	require.NoError(t, err)
	require.Contains(t, got, "Price is 120.50 USD")
	require.NotContains(t, got, "<b>")
}

const rawSent = "Message-ID: <s1@local.example>\r\n" +
	"From: buyer@local.example\r\n" +
	"To: Vendor <vendor@remote.example>, second@remote.example\r\n" +
	"Subject: Quote for INV-100\r\n" +
	"Date: Mon, 03 Aug 2026 09:00:00 +0000\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Please quote INV-100.\r\n"

const rawReply = "Message-ID: <r1@remote.example>\r\n" +
	"From: Vendor <vendor@remote.example>\r\n" +
	"To: buyer@local.example\r\n" +
	"Subject: Re: Quote for INV-100\r\n" +
	"Date: Tue, 04 Aug 2026 10:30:00 +0000\r\n" +
	"In-Reply-To: <s1@local.example>\r\n" +
	"References: <root@local.example> <s1@local.example>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Price is 120.50 USD.\r\n"

func TestParseSent(t *testing.T) {
	sm, err := ParseSent([]byte(rawSent))
	require.NoError(t, err)
	require.Equal(t, "s1@local.example", sm.MessageID)
	require.Equal(t, "Quote for INV-100", sm.Subject)
	require.Equal(t, []string{"vendor@remote.example", "second@remote.example"}, sm.To)
	require.Equal(t, time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC), sm.SentAt.UTC())
	require.Equal(t, "Please quote INV-100.", sm.Body)
}

func TestParseReply(t *testing.T) {
	rc, err := ParseReply([]byte(rawReply))
	require.NoError(t, err)
	require.Equal(t, "r1@remote.example", rc.MessageID)
	require.Equal(t, "s1@local.example", rc.InReplyTo)
	require.Equal(t, []string{"root@local.example", "s1@local.example"}, rc.References)
	require.Equal(t, "vendor@remote.example", rc.From)
	require.Equal(t, "Price is 120.50 USD.", rc.Body)
}

func TestExtractEmptyBody(t *testing.T) {
	msg := "From: vendor@remote.example\r\n" +
		"Subject: Re: Quote\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n"
	got, err := Extract(strings.NewReader(msg))
	require.NoError(t, err)
	require.Equal(t, "", got)
}
