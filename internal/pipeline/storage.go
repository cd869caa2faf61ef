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

package pipeline

import (
	"context"
	"time"

	"github.com/Dolwer/replyledger/internal/message"
	"github.com/Dolwer/replyledger/internal/sheet"
)

// MailGateway is the mailbox as the pipeline sees it. Implemented by
// the IMAP and Gmail gateways.
type MailGateway interface {
	// SearchSent lists messages sent on or after since, newest
	// mailboxes first as the provider returns them. limit <= 0
	// means no limit.
	SearchSent(ctx context.Context, since time.Time, limit int) ([]message.SentMessage, error)

	// FetchReplies lists inbound messages that may answer sent.
	// Over-matching is fine; correlation filters the candidates.
	FetchReplies(ctx context.Context, sent message.SentMessage) ([]message.ReplyCandidate, error)
}

// Ledger records extractions that must not reach the workbook.
type Ledger interface {
	Record(ctx context.Context, rec message.QuarantineRecord) error
}

// RowWriter is the workbook as the pipeline sees it.
type RowWriter interface {
	Has(key string) bool
	Apply(key string, cells []sheet.Cell) (int, error)
}
