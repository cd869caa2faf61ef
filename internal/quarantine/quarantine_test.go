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

package quarantine

import (
	"bytes"
	"context"
	"encoding/csv"
	"path/filepath"
	"testing"
	"time"

	"github.com/Dolwer/replyledger/internal/message"

	"github.com/google/go-cmp/cmp"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openLedger(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "quarantine.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordPreservesInsertionOrder(t *testing.T) {
	ctx := context.Background()
	db := openLedger(t)

	at := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	recs := []message.QuarantineRecord{
		{Sender: "a@remote.example", Raw: `{"price_usd": "?"}`, Reason: message.MissingField("amount"), At: at},
		{Sender: "b@remote.example", Raw: "no json here", Reason: message.ReasonUnparsable, At: at.Add(time.Minute)},
		{Sender: "a@remote.example", Raw: `{"price_usd": "?"}`, Reason: message.MissingField("amount"), At: at.Add(2 * time.Minute)},
	}
	for _, r := range recs {
		require.NoError(t, db.Record(ctx, r))
	}

	var got []message.QuarantineRecord
	require.NoError(t, db.List(ctx, func(r message.QuarantineRecord) error {
		got = append(got, r)
		return nil
	}))

	// Identical failures stay as separate rows.
	if diff := cmp.Diff(recs, got); diff != "" {
		t.Errorf("ledger mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordDefaultsTimestamp(t *testing.T) {
	ctx := context.Background()
	db := openLedger(t)

	require.NoError(t, db.Record(ctx, message.QuarantineRecord{
		Sender: "a@remote.example",
		Raw:    "x",
		Reason: message.ReasonService,
	}))

	var got message.QuarantineRecord
	require.NoError(t, db.List(ctx, func(r message.QuarantineRecord) error {
		got = r
		return nil
	}))
	require.False(t, got.At.IsZero())
}

func TestExportCSV(t *testing.T) {
	ctx := context.Background()
	db := openLedger(t)

	at := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	require.NoError(t, db.Record(ctx, message.QuarantineRecord{
		Sender: "vendor@remote.example",
		Raw:    "field contains, a comma\nand a newline",
		Reason: message.TypeMismatch("price_usd"),
		At:     at,
	}))

	var buf bytes.Buffer
	require.NoError(t, db.ExportCSV(ctx, &buf))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, []string{"sender", "reason", "at", "raw"}, rows[0])
	require.Equal(t, []string{
		"vendor@remote.example",
		"type_mismatch:price_usd",
		"2026-08-31T10:00:00Z",
		"field contains, a comma\nand a newline",
	}, rows[1])
}
