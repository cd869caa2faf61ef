package message

// This file provides the common data objects used by the rest of the
// program.

import (
	"regexp"
	"strings"
	"time"
)

// SentMessage is an outbound message fetched from the mail gateway.
// Immutable once fetched; rebuilt from the gateway on every run.
type SentMessage struct {
	// The message's RFC 5322 Message-ID.
	MessageID string

	// The provider's conversation/thread identifier.  May be
	// empty on providers that do not support this concept.
	ThreadID string

	// Recipient addresses, as written in the To header.
	To []string

	Subject string
	SentAt  time.Time

	// The plain-text body, used only for business key extraction.
	Body string

	// The business identifier carried in the subject or body.
	// Empty when no key could be extracted.
	BusinessKey string
}

// ReplyCandidate is an inbound message that may answer a SentMessage.
// Zero or more exist per sent message; after correlation each candidate
// is attributed to at most one sent message.
type ReplyCandidate struct {
	MessageID string
	ThreadID  string

	// The reply chain: the In-Reply-To value plus the References
	// header identifiers.
	InReplyTo  string
	References []string

	From       string
	Subject    string
	ReceivedAt time.Time
	Body       string
}

// Status classifies an extraction result.
type Status int

const (
	Accepted Status = iota
	Quarantined
)

// Reason is a machine-readable quarantine reason code.
type Reason string

const (
	ReasonUnparsable Reason = "unparsable_response"
	ReasonService    Reason = "service_error"
	ReasonUnknownKey Reason = "unknown_business_key"
)

// MissingField builds the reason code for a field absent from the
// extraction output.
func MissingField(name string) Reason {
	return Reason("missing_field:" + name)
}

// TypeMismatch builds the reason code for a field whose value does not
// conform to the expected primitive type.
func TypeMismatch(name string) Reason {
	return Reason("type_mismatch:" + name)
}

// ExtractionResult is the outcome of analyzing one reply candidate.
// Produced once per candidate and never mutated afterward.
type ExtractionResult struct {
	Status Status

	// Validated field values, keyed by field name.  Set only when
	// Status is Accepted.
	Fields map[string]string

	// Set only when Status is Quarantined.
	Reason Reason

	// The raw reply text the result was derived from.
	Raw string
}

// QuarantineRecord is one append-only entry in the quarantine ledger.
type QuarantineRecord struct {
	Sender string
	Raw    string
	Reason Reason
	At     time.Time
}

// KeyExtractor locates business keys in message text.
type KeyExtractor struct {
	re *regexp.Regexp
}

// DefaultKeyPattern matches reference identifiers like "INV-100".
const DefaultKeyPattern = `\b[A-Z]{2,}-\d+\b`

func NewKeyExtractor(pattern string) (*KeyExtractor, error) {
	if pattern == "" {
		pattern = DefaultKeyPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &KeyExtractor{re: re}, nil
}

// Extract returns the business key carried in the subject, falling
// back to the body.  Returns "" when neither contains a key.
func (x *KeyExtractor) Extract(subject, body string) string {
	if key := x.re.FindString(subject); key != "" {
		return key
	}
	return x.re.FindString(body)
}

var replyPrefix = regexp.MustCompile(`(?i)^(RE(\[\d+\])?:|FWD?:|\[EXTERNAL\])\s*`)

// NormalizeSubject strips reply and forward prefixes, repeatedly, and
// lowercases the remainder.  "RE: Re: Quote" and "quote" normalize to
// the same string.
func NormalizeSubject(subject string) string {
	subject = strings.TrimSpace(subject)
	for {
		stripped := strings.TrimSpace(replyPrefix.ReplaceAllString(subject, ""))
		if stripped == subject {
			break
		}
		subject = stripped
	}
	return strings.ToLower(subject)
}

// NormalizeAddress lowercases and trims a mail address, reducing
// "Name <User@Host>" forms to the bare address.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if open := strings.LastIndex(addr, "<"); open != -1 {
		if end := strings.Index(addr[open:], ">"); end != -1 {
			addr = addr[open+1 : open+end]
		}
	}
	return strings.ToLower(strings.TrimSpace(addr))
}

// NormalizeID strips the angle brackets RFC 5322 wraps around message
// identifiers, so header-chain comparisons are insensitive to them.
func NormalizeID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}
