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

// Package sheet reconciles extracted field values into an Excel
// workbook. A Session holds an exclusive lock on the workbook for its
// whole lifetime; concurrent runs against the same file fail fast
// with ErrLocked instead of corrupting it.
package sheet

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

var (
	// ErrLocked reports that another process holds the workbook.
	ErrLocked = errors.New("sheet: workbook locked by another process")

	// ErrUnknownKey reports that a business key has no row in the
	// key column.
	ErrUnknownKey = errors.New("sheet: unknown business key")
)

// BackupError reports a failed pre-mutation backup. It aborts the
// run: without a backup no cell may be touched.
type BackupError struct {
	Path string
	Err  error
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("sheet: backup to %s failed: %v", e.Path, e.Err)
}

func (e *BackupError) Unwrap() error { return e.Err }

// Cell is one pending write, addressed by column letter.
type Cell struct {
	Column string
	Value  string
	// Number marks values that should land as numeric cells
	// rather than text.
	Number bool
}

type Config struct {
	Path      string
	Sheet     string
	KeyColumn string
	// Backup disables the pre-mutation copy when false.
	Backup bool

	// Columns are the update-eligible column letters. When set,
	// Open verifies each has a header before anything runs.
	Columns []string
}

// Session is an open, locked workbook.
type Session struct {
	cfg  Config
	log  *zap.Logger
	file *excelize.File
	lock *flock.Flock

	// rows maps business key to 1-based row numbers. A key that
	// appears on several rows updates all of them.
	rows map[string][]int

	highlight int
	dirty     bool
	backedUp  bool
}

// Open locks and loads the workbook and indexes the key column.
func Open(cfg Config, log *zap.Logger) (*Session, error) {
	lk := flock.New(cfg.Path + ".lock")
	ok, err := lk.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "locking %s", cfg.Path)
	}
	if !ok {
		return nil, ErrLocked
	}

	f, err := excelize.OpenFile(cfg.Path)
	if err != nil {
		lk.Unlock()
		return nil, errors.Wrapf(err, "opening %s", cfg.Path)
	}

	s := &Session{
		cfg:       cfg,
		log:       log,
		file:      f,
		lock:      lk,
		rows:      make(map[string][]int),
		highlight: -1,
	}
	if err := s.indexKeys(); err != nil {
		f.Close()
		lk.Unlock()
		return nil, err
	}
	log.Info("workbook opened",
		zap.String("file", cfg.Path),
		zap.Int("keys", len(s.rows)))
	return s, nil
}

// indexKeys verifies the header row and scans the key column below
// it.
func (s *Session) indexKeys() error {
	keyCol, err := excelize.ColumnNameToNumber(s.cfg.KeyColumn)
	if err != nil {
		return errors.Wrapf(err, "bad key column %q", s.cfg.KeyColumn)
	}
	rows, err := s.file.GetRows(s.cfg.Sheet)
	if err != nil {
		return errors.Wrapf(err, "reading sheet %q", s.cfg.Sheet)
	}
	if len(rows) == 0 {
		return errors.Errorf("sheet %q is empty", s.cfg.Sheet)
	}
	if err := s.checkHeader(rows[0], keyCol); err != nil {
		return err
	}
	for i, row := range rows {
		if i == 0 {
			continue
		}
		if keyCol > len(row) {
			continue
		}
		key := strings.TrimSpace(row[keyCol-1])
		if key == "" {
			continue
		}
		if _, ok := s.rows[key]; ok {
			s.log.Warn("duplicate business key in sheet",
				zap.String("key", key), zap.Int("row", i+1))
		}
		s.rows[key] = append(s.rows[key], i+1)
	}
	return nil
}

// checkHeader rejects workbooks whose header row does not carry the
// key column and every update-eligible column. Failing here is a
// Resource error: nothing has been mutated yet.
func (s *Session) checkHeader(header []string, keyCol int) error {
	headerAt := func(col int) string {
		if col > len(header) {
			return ""
		}
		return strings.TrimSpace(header[col-1])
	}
	if headerAt(keyCol) == "" {
		return errors.Errorf("key column %s has no header", s.cfg.KeyColumn)
	}
	for _, name := range s.cfg.Columns {
		col, err := excelize.ColumnNameToNumber(name)
		if err != nil {
			return errors.Wrapf(err, "bad column %q", name)
		}
		if headerAt(col) == "" {
			return errors.Errorf("column %s has no header", name)
		}
	}
	return nil
}

// Has reports whether key has a row in the workbook.
func (s *Session) Has(key string) bool {
	_, ok := s.rows[key]
	return ok
}

// Apply writes the given cells into every row carrying key. Cells
// whose value is empty, or already equal to the stored value, are
// left untouched. Every changed cell is highlighted. Returns the
// number of cells changed; the first write triggers a one-time
// backup of the file.
func (s *Session) Apply(key string, cells []Cell) (int, error) {
	rows, ok := s.rows[key]
	if !ok {
		return 0, errors.Wrap(ErrUnknownKey, key)
	}

	// Deterministic column order keeps logs and partial failures
	// reproducible.
	sorted := append([]Cell(nil), cells...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Column < sorted[j].Column })

	changed := 0
	for _, row := range rows {
		for _, c := range sorted {
			if c.Value == "" {
				continue
			}
			ref := fmt.Sprintf("%s%d", c.Column, row)
			cur, err := s.file.GetCellValue(s.cfg.Sheet, ref)
			if err != nil {
				return changed, errors.Wrapf(err, "reading %s", ref)
			}
			if sameValue(cur, c.Value, c.Number) {
				continue
			}
			if err := s.ensureBackup(); err != nil {
				return changed, err
			}
			if err := s.setCell(ref, c); err != nil {
				return changed, err
			}
			s.log.Debug("cell updated",
				zap.String("key", key),
				zap.String("cell", ref),
				zap.String("old", cur),
				zap.String("new", c.Value))
			changed++
		}
	}
	return changed, nil
}

func (s *Session) setCell(ref string, c Cell) error {
	if c.Number {
		n, err := strconv.ParseFloat(c.Value, 64)
		if err != nil {
			return errors.Wrapf(err, "non-numeric value for %s", ref)
		}
		if err := s.file.SetCellValue(s.cfg.Sheet, ref, n); err != nil {
			return errors.Wrapf(err, "writing %s", ref)
		}
	} else {
		if err := s.file.SetCellValue(s.cfg.Sheet, ref, c.Value); err != nil {
			return errors.Wrapf(err, "writing %s", ref)
		}
	}
	style, err := s.highlightStyle()
	if err != nil {
		return err
	}
	if err := s.file.SetCellStyle(s.cfg.Sheet, ref, ref, style); err != nil {
		return errors.Wrapf(err, "styling %s", ref)
	}
	s.dirty = true
	return nil
}

func sameValue(stored, incoming string, number bool) bool {
	stored = strings.TrimSpace(stored)
	if stored == incoming {
		return true
	}
	if !number {
		return false
	}
	a, errA := strconv.ParseFloat(stored, 64)
	b, errB := strconv.ParseFloat(incoming, 64)
	return errA == nil && errB == nil && a == b
}

func (s *Session) highlightStyle() (int, error) {
	if s.highlight >= 0 {
		return s.highlight, nil
	}
	id, err := s.file.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"FFFF00"}},
	})
	if err != nil {
		return 0, errors.Wrap(err, "creating highlight style")
	}
	s.highlight = id
	return id, nil
}

// ensureBackup copies the on-disk workbook aside before the first
// mutation. Runs that change nothing produce no backup.
func (s *Session) ensureBackup() error {
	if s.backedUp || !s.cfg.Backup {
		s.backedUp = true
		return nil
	}
	dst := backupPath(s.cfg.Path, time.Now())
	if err := copyFile(s.cfg.Path, dst); err != nil {
		return &BackupError{Path: dst, Err: err}
	}
	s.log.Info("workbook backed up", zap.String("backup", dst))
	s.backedUp = true
	return nil
}

func backupPath(path string, now time.Time) string {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s_backup_%s%s", stem, now.Format("20060102_150405"), ext)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Close saves pending changes, releases the lock and frees the
// workbook. Safe to call after a failed Apply.
func (s *Session) Close() error {
	var saveErr error
	if s.dirty {
		saveErr = errors.Wrapf(s.file.Save(), "saving %s", s.cfg.Path)
	}
	closeErr := s.file.Close()
	s.lock.Unlock()
	if saveErr != nil {
		return saveErr
	}
	return errors.Wrap(closeErr, "closing workbook")
}
