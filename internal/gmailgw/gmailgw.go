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

// Package gmailgw lists sent mail and reply candidates through the
// Gmail REST API. Unlike the plain IMAP gateway it sees thread IDs,
// which gives correlation its strongest tier.
package gmailgw

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/Dolwer/replyledger/internal/mailtext"
	"github.com/Dolwer/replyledger/internal/message"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	ReadonlyScope = gmail_api.GmailReadonlyScope

	// See https://developers.google.com/gmail/api/v1/reference/quota
	quotaUnitsMessagesGet     = 5
	quotaUnitsPerMessagesList = 1
	quotaUnitsPerThreadsGet   = 10

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond
)

var ErrMessageNotFound = errors.New("gmail message not found")

// Gateway provides access to messages stored in Google's GMail
// system.
type Gateway struct {
	service *gmail_api.Service
	limiter *rate.Limiter
	log     *zap.Logger
}

func New(ctx context.Context, client *http.Client, log *zap.Logger) (*Gateway, error) {
	s, err := gmail_api.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, errors.Wrap(err, "creating gmail service")
	}
	l := rate.NewLimiter(rateLimitPerSecond, rateLimitBurst)
	return &Gateway{service: s, limiter: l, log: log}, nil
}

// SearchSent lists sent messages on or after since via the query
// "in:sent after:". limit <= 0 means no limit.
func (g *Gateway) SearchSent(ctx context.Context, since time.Time, limit int) ([]message.SentMessage, error) {
	if err := g.limiter.WaitN(ctx, quotaUnitsPerMessagesList); err != nil {
		return nil, err
	}
	q := fmt.Sprintf("in:sent after:%d", since.Unix())
	req := gmail_api.NewUsersMessagesService(g.service).List("me").Q(q)

	var ids []*gmail_api.Message
	err := req.Pages(ctx, func(page *gmail_api.ListMessagesResponse) (err error) {
		for _, m := range page.Messages {
			if limit > 0 && len(ids) >= limit {
				return nil
			}
			ids = append(ids, m)
		}
		if page.NextPageToken != "" {
			err = g.limiter.WaitN(ctx, quotaUnitsPerMessagesList)
		}
		return
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to list sent messages")
	}
	g.log.Info("sent mail listed", zap.String("query", q), zap.Int("messages", len(ids)))

	out := make([]message.SentMessage, 0, len(ids))
	for _, id := range ids {
		raw, err := g.getRaw(ctx, id.Id)
		if err == ErrMessageNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		sm, err := mailtext.ParseSent(raw)
		if err != nil {
			g.log.Warn("skipping unparsable sent message",
				zap.String("id", id.Id), zap.Error(err))
			continue
		}
		sm.ThreadID = id.ThreadId
		out = append(out, sm)
	}
	return out, nil
}

// FetchReplies collects the rest of sent's thread plus any inbox
// mail from the recipients since the send date.
func (g *Gateway) FetchReplies(ctx context.Context, sent message.SentMessage) ([]message.ReplyCandidate, error) {
	seen := map[string]bool{}
	var out []message.ReplyCandidate
	add := func(id, threadID string) error {
		if seen[id] {
			return nil
		}
		seen[id] = true
		raw, err := g.getRaw(ctx, id)
		if err == ErrMessageNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		rc, err := mailtext.ParseReply(raw)
		if err != nil {
			g.log.Warn("skipping unparsable candidate",
				zap.String("id", id), zap.Error(err))
			return nil
		}
		rc.ThreadID = threadID
		out = append(out, rc)
		return nil
	}

	if sent.ThreadID != "" {
		if err := g.limiter.WaitN(ctx, quotaUnitsPerThreadsGet); err != nil {
			return nil, err
		}
		thread, err := gmail_api.NewUsersThreadsService(g.service).
			Get("me", sent.ThreadID).Context(ctx).Format("minimal").Do()
		if err != nil {
			return nil, errors.Wrapf(err, "getting thread %v from gmail", sent.ThreadID)
		}
		for _, m := range thread.Messages {
			if m.Id == "" {
				continue
			}
			if err := add(m.Id, m.ThreadId); err != nil {
				return nil, err
			}
		}
	}

	for _, to := range sent.To {
		if err := g.limiter.WaitN(ctx, quotaUnitsPerMessagesList); err != nil {
			return nil, err
		}
		q := fmt.Sprintf("in:inbox from:%s after:%d",
			message.NormalizeAddress(to), sent.SentAt.Unix())
		req := gmail_api.NewUsersMessagesService(g.service).List("me").Q(q)
		err := req.Pages(ctx, func(page *gmail_api.ListMessagesResponse) (err error) {
			for _, m := range page.Messages {
				if err := add(m.Id, m.ThreadId); err != nil {
					return err
				}
			}
			if page.NextPageToken != "" {
				err = g.limiter.WaitN(ctx, quotaUnitsPerMessagesList)
			}
			return
		})
		if err != nil {
			return nil, errors.Wrapf(err, "unable to list replies from %q", to)
		}
	}
	return out, nil
}

// getRaw fetches the full RFC 5322 text of one message, retrying
// quota pushback.
func (g *Gateway) getRaw(ctx context.Context, id string) ([]byte, error) {
	for {
		if err := g.limiter.WaitN(ctx, quotaUnitsMessagesGet); err != nil {
			return nil, err
		}
		msg, err := gmail_api.NewUsersMessagesService(g.service).Get("me", id).
			Context(ctx).Format("raw").Do()
		if err == nil {
			raw, err := base64.URLEncoding.DecodeString(msg.Raw)
			if err != nil {
				return nil, errors.Wrapf(err, "decoding message %v from gmail", id)
			}
			return raw, nil
		}

		switch cause := errors.Cause(err).(type) {
		case *googleapi.Error:
			if cause.Code == http.StatusTooManyRequests {
				continue // retry
			}
			if cause.Code == http.StatusNotFound {
				for _, item := range cause.Errors {
					if item.Reason == "notFound" {
						g.log.Warn("message vanished between list and get",
							zap.String("id", id))
						return nil, ErrMessageNotFound
					}
				}
			}
		}
		return nil, errors.Wrapf(err, "getting message %v from gmail", id)
	}
}
