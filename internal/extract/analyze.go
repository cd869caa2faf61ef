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

// Package extract turns free-text replies into validated field values.
package extract

import (
	"context"
	"time"

	"github.com/Dolwer/replyledger/internal/message"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Service submits reply text to the extraction backend and returns the
// decoded JSON object it produced.
type Service interface {
	Submit(ctx context.Context, text string, schema *Schema) (map[string]interface{}, error)
}

// transienter marks errors worth retrying: the backend may succeed on
// the next attempt (timeout, connection refused, 429, 5xx).
type transienter interface {
	Transient() bool
}

// IsTransient reports whether err is a retryable service failure.
func IsTransient(err error) bool {
	var t transienter
	return errors.As(err, &t) && t.Transient()
}

// unparsabler marks responses the backend produced but no JSON object
// could be recovered from.  Retrying is pointless; the model output
// itself is the problem.
type unparsabler interface {
	Unparsable() bool
}

// IsUnparsable reports whether err means the response held no usable
// JSON object.
func IsUnparsable(err error) bool {
	var u unparsabler
	return errors.As(err, &u) && u.Unparsable()
}

// AnalyzerConfig bounds the retry policy for transient failures.
type AnalyzerConfig struct {
	// MaxRetries is the number of re-attempts after the first
	// failed call.
	MaxRetries int

	// InitialBackoff is the first retry delay; subsequent delays
	// grow exponentially.  Zero means 500ms.
	InitialBackoff time.Duration
}

// Analyzer classifies each reply candidate as Accepted or Quarantined.
type Analyzer struct {
	svc    Service
	schema *Schema
	cfg    AnalyzerConfig
	log    *zap.Logger
}

func NewAnalyzer(svc Service, schema *Schema, cfg AnalyzerConfig, log *zap.Logger) *Analyzer {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Analyzer{svc: svc, schema: schema, cfg: cfg, log: log}
}

// Analyze submits the candidate's body to the extraction service and
// validates the response against the schema.
//
// Classification is deterministic for identical input: the same body
// yields the same status and, on failure, the same reason code.
// Transient service failures are retried under the bounded backoff
// policy and quarantined as service_error once attempts are exhausted;
// they are never silently dropped.
func (a *Analyzer) Analyze(ctx context.Context, cand message.ReplyCandidate) message.ExtractionResult {
	var raw map[string]interface{}
	op := func() error {
		m, err := a.svc.Submit(ctx, cand.Body, a.schema)
		if err != nil {
			if IsTransient(err) {
				a.log.Warn("extraction attempt failed, will retry",
					zap.String("candidate", cand.MessageID), zap.Error(err))
				return err
			}
			return backoff.Permanent(err)
		}
		raw = m
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.cfg.InitialBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(a.cfg.MaxRetries)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		reason := message.ReasonService
		if IsUnparsable(err) {
			reason = message.ReasonUnparsable
		}
		a.log.Warn("quarantining candidate",
			zap.String("candidate", cand.MessageID),
			zap.String("reason", string(reason)),
			zap.Error(err))
		return message.ExtractionResult{
			Status: message.Quarantined,
			Reason: reason,
			Raw:    cand.Body,
		}
	}

	fields, reason := a.schema.Validate(raw)
	if reason != "" {
		a.log.Warn("extraction output failed validation",
			zap.String("candidate", cand.MessageID),
			zap.String("reason", string(reason)))
		return message.ExtractionResult{
			Status: message.Quarantined,
			Reason: reason,
			Raw:    cand.Body,
		}
	}

	a.log.Debug("extraction accepted",
		zap.String("candidate", cand.MessageID),
		zap.Any("fields", fields))
	return message.ExtractionResult{
		Status: message.Accepted,
		Fields: fields,
		Raw:    cand.Body,
	}
}
