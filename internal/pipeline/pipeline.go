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

// Package pipeline runs one end-to-end reconciliation pass: sent
// mail in, correlated replies through extraction, accepted fields
// into the workbook, everything else into the quarantine ledger.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Dolwer/replyledger/internal/correlate"
	"github.com/Dolwer/replyledger/internal/extract"
	"github.com/Dolwer/replyledger/internal/message"
	"github.com/Dolwer/replyledger/internal/sheet"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Summary is the per-run accounting printed at exit. A run that hits
// row-level trouble still completes and reports it here; only lock,
// backup and mailbox-listing failures abort.
type Summary struct {
	SentScanned  int
	Matched      int
	Accepted     int
	Quarantined  int
	RowsUpdated  int
	CellsChanged int
	WriteErrors  int
	FetchErrors  int
	Elapsed      time.Duration

	// QuarantinedBy counts quarantines per reason class, the
	// reason code up to any ":" (so every missing_field:<name>
	// lands under "missing_field").
	QuarantinedBy map[string]int
}

func (s *Summary) quarantine(reason message.Reason) {
	s.Quarantined++
	class := string(reason)
	if i := strings.IndexByte(class, ':'); i >= 0 {
		class = class[:i]
	}
	if s.QuarantinedBy == nil {
		s.QuarantinedBy = make(map[string]int)
	}
	s.QuarantinedBy[class]++
}

func (s Summary) String() string {
	return fmt.Sprintf(
		"sent=%d matched=%d accepted=%d quarantined=%d rows_updated=%d cells_changed=%d write_errors=%d fetch_errors=%d elapsed=%s",
		s.SentScanned, s.Matched, s.Accepted, s.Quarantined,
		s.RowsUpdated, s.CellsChanged, s.WriteErrors, s.FetchErrors,
		s.Elapsed.Round(time.Millisecond))
}

type Pipeline struct {
	gw         MailGateway
	analyzer   *extract.Analyzer
	schema     *extract.Schema
	keys       *message.KeyExtractor
	rows       RowWriter
	ledger     Ledger
	fetchRetry correlate.Config
	log        *zap.Logger
	now        func() time.Time
}

func New(gw MailGateway, analyzer *extract.Analyzer, schema *extract.Schema,
	keys *message.KeyExtractor, rows RowWriter, ledger Ledger,
	fetchRetry correlate.Config, log *zap.Logger) *Pipeline {
	return &Pipeline{
		gw:         gw,
		analyzer:   analyzer,
		schema:     schema,
		keys:       keys,
		rows:       rows,
		ledger:     ledger,
		fetchRetry: fetchRetry,
		log:        log,
		now:        time.Now,
	}
}

// Run processes every sent message on or after since. limit bounds
// the sent listing; limit <= 0 means unbounded.
func (p *Pipeline) Run(ctx context.Context, since time.Time, limit int) (Summary, error) {
	start := p.now()
	var sum Summary

	sent, err := p.gw.SearchSent(ctx, since, limit)
	if err != nil {
		return sum, errors.Wrap(err, "listing sent mail")
	}
	sum.SentScanned = len(sent)

	matches, fetchErrors, err := correlate.New(p.gw, p.fetchRetry, p.log).Correlate(ctx, sent, since)
	if err != nil {
		return sum, errors.Wrap(err, "correlating replies")
	}
	sum.Matched = len(matches)
	sum.FetchErrors = fetchErrors

	for _, m := range matches {
		if err := p.process(ctx, m, &sum); err != nil {
			sum.Elapsed = p.now().Sub(start)
			return sum, err
		}
	}

	sum.Elapsed = p.now().Sub(start)
	return sum, nil
}

// process handles one matched conversation. Only errors that must
// abort the whole run are returned; everything else is counted.
func (p *Pipeline) process(ctx context.Context, m correlate.Match, sum *Summary) error {
	reply := m.Authoritative()
	sender := message.NormalizeAddress(reply.From)
	log := p.log.With(
		zap.String("sent", m.Sent.MessageID),
		zap.String("reply", reply.MessageID),
		zap.Int("tier", int(m.Tier)))

	res := p.analyzer.Analyze(ctx, reply)
	if res.Status != message.Accepted {
		sum.quarantine(res.Reason)
		p.record(ctx, message.QuarantineRecord{
			Sender: sender,
			Raw:    res.Raw,
			Reason: res.Reason,
			At:     p.now(),
		}, log)
		return nil
	}
	sum.Accepted++

	key := m.Sent.BusinessKey
	if key == "" {
		key = p.keys.Extract(m.Sent.Subject, m.Sent.Body)
	}
	if key == "" || !p.rows.Has(key) {
		sum.quarantine(message.ReasonUnknownKey)
		p.record(ctx, message.QuarantineRecord{
			Sender: sender,
			Raw:    res.Raw,
			Reason: message.ReasonUnknownKey,
			At:     p.now(),
		}, log.With(zap.String("key", key)))
		return nil
	}

	changed, err := p.rows.Apply(key, p.cells(res.Fields))
	sum.CellsChanged += changed
	if err != nil {
		var be *sheet.BackupError
		if errors.As(err, &be) {
			return err
		}
		if errors.Is(err, sheet.ErrUnknownKey) {
			sum.quarantine(message.ReasonUnknownKey)
			p.record(ctx, message.QuarantineRecord{
				Sender: sender,
				Raw:    res.Raw,
				Reason: message.ReasonUnknownKey,
				At:     p.now(),
			}, log.With(zap.String("key", key)))
			return nil
		}
		sum.WriteErrors++
		log.Error("row update failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	if changed > 0 {
		sum.RowsUpdated++
		log.Info("row updated", zap.String("key", key), zap.Int("cells", changed))
	}
	return nil
}

// cells maps accepted field values onto their workbook columns, in
// schema declaration order.
func (p *Pipeline) cells(fields map[string]string) []sheet.Cell {
	out := make([]sheet.Cell, 0, len(p.schema.Fields()))
	for _, f := range p.schema.Fields() {
		out = append(out, sheet.Cell{
			Column: f.Column,
			Value:  fields[f.Name],
			Number: f.Type == extract.TypeNumber,
		})
	}
	return out
}

// record appends to the ledger. Ledger trouble is logged, never
// fatal: losing one audit row must not abort reconciliation.
func (p *Pipeline) record(ctx context.Context, rec message.QuarantineRecord, log *zap.Logger) {
	if err := p.ledger.Record(ctx, rec); err != nil {
		log.Error("quarantine record failed",
			zap.String("reason", string(rec.Reason)), zap.Error(err))
		return
	}
	log.Warn("reply quarantined", zap.String("reason", string(rec.Reason)))
}
