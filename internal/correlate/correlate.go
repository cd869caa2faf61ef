// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package correlate matches sent messages to their replies.
package correlate

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/Dolwer/replyledger/internal/message"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReplyFetcher lists inbound messages that may answer a sent message.
type ReplyFetcher interface {
	FetchReplies(ctx context.Context, sent message.SentMessage) ([]message.ReplyCandidate, error)
}

// Tier identifies which matching heuristic attributed a reply.  Lower
// is more specific; exactly one tier is used per sent message.
type Tier int

const (
	TierNone    Tier = 0
	TierThread  Tier = 1 // conversation identifier match
	TierHeaders Tier = 2 // In-Reply-To / References chain match
	TierSubject Tier = 3 // normalized subject + participant match
)

// Match is one sent message with its attributed replies, ordered by
// received timestamp ascending.
type Match struct {
	Sent    message.SentMessage
	Tier    Tier
	Replies []message.ReplyCandidate
}

// Authoritative returns the reply the analyzer should trust when a
// thread has several: the latest by received timestamp.
func (m Match) Authoritative() message.ReplyCandidate {
	return m.Replies[len(m.Replies)-1]
}

// Config bounds the retry policy for failed reply fetches.  Mail
// gateways fail transiently as a matter of course (timeouts, dropped
// connections, rate limits), so every fetch error is retried under
// bounded backoff before the sent message is given up on.
type Config struct {
	// MaxRetries is the number of re-attempts after the first
	// failed fetch.
	MaxRetries int

	// InitialBackoff is the first retry delay; subsequent delays
	// grow exponentially.  Zero means 500ms.
	InitialBackoff time.Duration
}

// Correlator builds matches from the mail gateway, read-only.
type Correlator struct {
	fetcher ReplyFetcher
	cfg     Config
	log     *zap.Logger
}

func New(fetcher ReplyFetcher, cfg Config, log *zap.Logger) *Correlator {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Correlator{fetcher: fetcher, cfg: cfg, log: log}
}

// Correlate fetches reply candidates for each sent message and
// attributes them.  Sent messages older than since are skipped; sent
// messages with zero candidates produce no match and are not errors.
// Each candidate is attributed to at most one sent message: on a
// double claim the lower tier wins, then the earlier sent message.
//
// A fetch that still fails after the retry policy is exhausted does
// not abort the run: the sent message is skipped and counted in the
// returned failure total.  Only context cancellation is fatal.
func (c *Correlator) Correlate(ctx context.Context, sent []message.SentMessage, since time.Time) ([]Match, int, error) {
	type job struct {
		i    int
		sent message.SentMessage
	}

	inWindow := make([]message.SentMessage, 0, len(sent))
	for _, s := range sent {
		if s.SentAt.Before(since) {
			c.log.Debug("sent message outside window, skipping",
				zap.String("message", s.MessageID), zap.Time("sent_at", s.SentAt))
			continue
		}
		inWindow = append(inWindow, s)
	}

	matches := make([]Match, len(inWindow))

	grp, ctx := errgroup.WithContext(ctx)
	jobs := make(chan job)
	grp.Go(func() error {
		defer close(jobs)
		for i, s := range inWindow {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case jobs <- job{i: i, sent: s}:
			}
		}
		return nil
	})

	// The gateway is a shared remote resource; one fetch in flight
	// keeps the run sequential as designed.
	var failed atomic.Int64
	const concurrency = 1
	for w := 0; w < concurrency; w++ {
		grp.Go(func() error {
			for j := range jobs {
				cands, err := c.fetchReplies(ctx, j.sent)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					failed.Add(1)
					c.log.Warn("reply fetch failed, skipping sent message",
						zap.String("message", j.sent.MessageID), zap.Error(err))
					continue
				}
				tier, replies := matchTier(j.sent, cands)
				matches[j.i] = Match{Sent: j.sent, Tier: tier, Replies: replies}
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, int(failed.Load()), err
	}

	resolveClaims(matches)

	out := matches[:0]
	for _, m := range matches {
		if len(m.Replies) == 0 {
			continue
		}
		sort.SliceStable(m.Replies, func(a, b int) bool {
			ra, rb := m.Replies[a], m.Replies[b]
			if !ra.ReceivedAt.Equal(rb.ReceivedAt) {
				return ra.ReceivedAt.Before(rb.ReceivedAt)
			}
			return ra.MessageID < rb.MessageID
		})
		c.log.Debug("correlated",
			zap.String("sent", m.Sent.MessageID),
			zap.Int("tier", int(m.Tier)),
			zap.Int("replies", len(m.Replies)))
		out = append(out, m)
	}
	return out, int(failed.Load()), nil
}

// fetchReplies calls the gateway under the bounded backoff policy.
func (c *Correlator) fetchReplies(ctx context.Context, sent message.SentMessage) ([]message.ReplyCandidate, error) {
	var cands []message.ReplyCandidate
	op := func() error {
		var err error
		cands, err = c.fetcher.FetchReplies(ctx, sent)
		if err != nil {
			c.log.Warn("reply fetch attempt failed, will retry",
				zap.String("message", sent.MessageID), zap.Error(err))
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.MaxRetries)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return cands, nil
}

// matchTier applies the matching tiers in priority order and returns
// the candidates from the first tier that produced any.  Tiers are
// never merged.
func matchTier(sent message.SentMessage, cands []message.ReplyCandidate) (Tier, []message.ReplyCandidate) {
	plausible := cands[:0:0]
	for _, cand := range cands {
		// A message received before the sent message is earlier
		// traffic in the same thread, not a reply to it.
		if cand.ReceivedAt.Before(sent.SentAt) {
			continue
		}
		plausible = append(plausible, cand)
	}

	if sent.ThreadID != "" {
		if replies := filter(plausible, func(c message.ReplyCandidate) bool {
			return c.ThreadID == sent.ThreadID
		}); len(replies) > 0 {
			return TierThread, replies
		}
	}

	sentID := message.NormalizeID(sent.MessageID)
	if sentID != "" {
		if replies := filter(plausible, func(c message.ReplyCandidate) bool {
			return chainContains(c, sentID)
		}); len(replies) > 0 {
			return TierHeaders, replies
		}
	}

	subject := message.NormalizeSubject(sent.Subject)
	if subject != "" {
		if replies := filter(plausible, func(c message.ReplyCandidate) bool {
			return message.NormalizeSubject(c.Subject) == subject &&
				isParticipant(c.From, sent.To)
		}); len(replies) > 0 {
			return TierSubject, replies
		}
	}

	return TierNone, nil
}

func filter(cands []message.ReplyCandidate, keep func(message.ReplyCandidate) bool) []message.ReplyCandidate {
	var out []message.ReplyCandidate
	for _, c := range cands {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func chainContains(cand message.ReplyCandidate, sentID string) bool {
	if message.NormalizeID(cand.InReplyTo) == sentID {
		return true
	}
	for _, ref := range cand.References {
		if message.NormalizeID(ref) == sentID {
			return true
		}
	}
	return false
}

func isParticipant(from string, to []string) bool {
	from = message.NormalizeAddress(from)
	for _, addr := range to {
		if message.NormalizeAddress(addr) == from {
			return true
		}
	}
	return false
}

type claim struct {
	matchIdx int
	tier     Tier
	sentAt   time.Time
}

func (a claim) beats(b claim) bool {
	if a.tier != b.tier {
		return a.tier < b.tier
	}
	if !a.sentAt.Equal(b.sentAt) {
		return a.sentAt.Before(b.sentAt)
	}
	return a.matchIdx < b.matchIdx
}

// resolveClaims enforces unique attribution: when two matches claim
// the same candidate, the lower tier keeps it; on equal tiers the
// earlier sent message keeps it.  Losers have the candidate removed.
func resolveClaims(matches []Match) {
	winners := map[string]claim{}
	for i, m := range matches {
		for _, r := range m.Replies {
			cand := claim{matchIdx: i, tier: m.Tier, sentAt: m.Sent.SentAt}
			if cur, taken := winners[r.MessageID]; !taken || cand.beats(cur) {
				winners[r.MessageID] = cand
			}
		}
	}
	for i := range matches {
		kept := matches[i].Replies[:0]
		for _, r := range matches[i].Replies {
			if winners[r.MessageID].matchIdx == i {
				kept = append(kept, r)
			}
		}
		matches[i].Replies = kept
	}
}
