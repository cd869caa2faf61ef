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

// Package quarantine is the append-only ledger of extractions that
// could not be trusted. Records are never deduplicated or updated;
// each failed reply lands as its own row, in processing order.
package quarantine

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/Dolwer/replyledger/internal/message"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var createTableSql = []string{
	// The quarantine table holds one row per rejected extraction.
	//
	// Field: id
	//
	//   Insertion order. Export and review follow this order.
	//
	// Field: sender
	//
	//   Normalized address of the reply author.
	//
	// Field: raw
	//
	//   The raw model response (or reply text when no response was
	//   obtained), truncated upstream. Kept verbatim so a failed
	//   row can be replayed by hand.
	//
	// Field: reason
	//
	//   Machine-readable rejection reason, e.g.
	//   "missing_field:amount" or "unparsable_response".
	//
	// Field: at
	//
	//   Wall-clock time of the rejection, UTC, RFC 3339.
	`
CREATE TABLE IF NOT EXISTS quarantine (
id INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
sender TEXT NOT NULL,
raw TEXT NOT NULL,
reason TEXT NOT NULL,
at TEXT NOT NULL
);`,
}

type DB struct {
	db  *sql.DB
	log *zap.Logger
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func Open(ctx context.Context, path string, log *zap.Logger) (*DB, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  The default of 5
	// seconds is too short in practice; go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	log.Debug("opening quarantine ledger", zap.String("dsn", dsn))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db: db, log: log}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, sql := range createTableSql {
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}
	return nil
}

// Record appends rec to the ledger.
func (db *DB) Record(ctx context.Context, rec message.QuarantineRecord) error {
	const q = `INSERT INTO quarantine (sender, raw, reason, at) values ($1, $2, $3, $4)`
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := db.db.ExecContext(ctx, q,
		rec.Sender, rec.Raw, string(rec.Reason), at.UTC().Format(time.RFC3339))
	if err != nil {
		return errors.Wrap(err, "db insert failed")
	}
	db.log.Info("extraction quarantined",
		zap.String("sender", rec.Sender),
		zap.String("reason", string(rec.Reason)))
	return nil
}

// List calls handler for every record, in insertion order.
func (db *DB) List(ctx context.Context, handler func(message.QuarantineRecord) error) error {
	const q = `SELECT sender, raw, reason, at FROM quarantine ORDER BY id`
	rows, err := db.db.QueryContext(ctx, q)
	if err != nil {
		return errors.Wrap(err, "db query failed in List")
	}
	defer rows.Close()

	for rows.Next() {
		var rec message.QuarantineRecord
		var reason, at string
		if err := rows.Scan(&rec.Sender, &rec.Raw, &reason, &at); err != nil {
			return errors.Wrap(err, "db scan failed in List")
		}
		rec.Reason = message.Reason(reason)
		if rec.At, err = time.Parse(time.RFC3339, at); err != nil {
			return errors.Wrapf(err, "bad timestamp %q in ledger", at)
		}
		if err := handler(rec); err != nil {
			return err
		}
	}
	return errors.Wrap(rows.Err(), "db iteration failed in List")
}

// ExportCSV writes the whole ledger to w, one record per row.
func (db *DB) ExportCSV(ctx context.Context, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"sender", "reason", "at", "raw"}); err != nil {
		return errors.Wrap(err, "csv header")
	}
	err := db.List(ctx, func(rec message.QuarantineRecord) error {
		return cw.Write([]string{
			rec.Sender,
			string(rec.Reason),
			rec.At.UTC().Format(time.RFC3339),
			rec.Raw,
		})
	})
	if err != nil {
		return err
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "csv flush")
}
