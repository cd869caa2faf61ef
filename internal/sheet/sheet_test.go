package sheet

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

func writeWorkbook(t *testing.T, rows map[string]interface{}) string {
	t.Helper()
	f := excelize.NewFile()
	for ref, v := range rows {
		require.NoError(t, f.SetCellValue("Sheet1", ref, v))
	}
	path := filepath.Join(t.TempDir(), "orders.xlsx")
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())
	return path
}

func testConfig(path string) Config {
	return Config{Path: path, Sheet: "Sheet1", KeyColumn: "A", Backup: true}
}

func openSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	s, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	return s
}

func backups(t *testing.T, path string) []string {
	t.Helper()
	ext := filepath.Ext(path)
	stem := path[:len(path)-len(ext)]
	got, err := filepath.Glob(stem + "_backup_*" + ext)
	require.NoError(t, err)
	return got
}

func TestApplyWritesAndHighlights(t *testing.T) {
	path := writeWorkbook(t, map[string]interface{}{
		"A1": "key", "A2": "INV-100", "C2": 90.0,
	})
	s := openSession(t, testConfig(path))

	changed, err := s.Apply("INV-100", []Cell{
		{Column: "C", Value: "120.5", Number: true},
		{Column: "F", Value: "wire transfer"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, changed)
	require.NoError(t, s.Close())

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	v, err := f.GetCellValue("Sheet1", "C2")
	require.NoError(t, err)
	require.Equal(t, "120.5", v)
	v, err = f.GetCellValue("Sheet1", "F2")
	require.NoError(t, err)
	require.Equal(t, "wire transfer", v)

	style, err := f.GetCellStyle("Sheet1", "C2")
	require.NoError(t, err)
	plain, err := f.GetCellStyle("Sheet1", "A2")
	require.NoError(t, err)
	require.NotEqual(t, plain, style, "changed cell should carry the highlight style")
}

func TestApplyUnknownKey(t *testing.T) {
	path := writeWorkbook(t, map[string]interface{}{"A1": "key", "A2": "INV-100"})
	s := openSession(t, testConfig(path))
	defer s.Close()

	_, err := s.Apply("INV-999", []Cell{{Column: "C", Value: "1"}})
	require.ErrorIs(t, err, ErrUnknownKey)
}

func TestBackupExactlyOnce(t *testing.T) {
	path := writeWorkbook(t, map[string]interface{}{
		"A1": "key", "A2": "INV-100", "A3": "INV-101",
	})
	s := openSession(t, testConfig(path))

	_, err := s.Apply("INV-100", []Cell{{Column: "C", Value: "1", Number: true}})
	require.NoError(t, err)
	_, err = s.Apply("INV-101", []Cell{{Column: "C", Value: "2", Number: true}})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.Len(t, backups(t, path), 1)
}

func TestNoChangesNoBackup(t *testing.T) {
	path := writeWorkbook(t, map[string]interface{}{
		"A1": "key", "A2": "INV-100", "C2": 120.5, "F2": "wire transfer",
	})
	s := openSession(t, testConfig(path))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	// Same values again: nothing to do.
	changed, err := s.Apply("INV-100", []Cell{
		{Column: "C", Value: "120.5", Number: true},
		{Column: "F", Value: "wire transfer"},
	})
	require.NoError(t, err)
	require.Zero(t, changed)
	require.NoError(t, s.Close())

	require.Empty(t, backups(t, path))
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, before, after, "idempotent run must not rewrite the file")
}

func TestEmptyValueNeverClearsCell(t *testing.T) {
	path := writeWorkbook(t, map[string]interface{}{
		"A1": "key", "A2": "INV-100", "F2": "wire transfer",
	})
	s := openSession(t, testConfig(path))

	changed, err := s.Apply("INV-100", []Cell{{Column: "F", Value: ""}})
	require.NoError(t, err)
	require.Zero(t, changed)
	require.NoError(t, s.Close())

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	v, err := f.GetCellValue("Sheet1", "F2")
	require.NoError(t, err)
	require.Equal(t, "wire transfer", v)
}

func TestApplyUpdatesEveryRowWithKey(t *testing.T) {
	path := writeWorkbook(t, map[string]interface{}{
		"A1": "key", "A2": "INV-100", "A3": "INV-101", "A4": "INV-100",
	})
	s := openSession(t, testConfig(path))

	changed, err := s.Apply("INV-100", []Cell{{Column: "F", Value: "wire transfer"}})
	require.NoError(t, err)
	require.Equal(t, 2, changed)
	require.NoError(t, s.Close())

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	for _, ref := range []string{"F2", "F4"} {
		v, err := f.GetCellValue("Sheet1", ref)
		require.NoError(t, err)
		require.Equal(t, "wire transfer", v, ref)
	}
	v, err := f.GetCellValue("Sheet1", "F3")
	require.NoError(t, err)
	require.Empty(t, v)
}

func TestOpenRejectsMissingHeaders(t *testing.T) {
	path := writeWorkbook(t, map[string]interface{}{
		"A1": "key", "C1": "price", "A2": "INV-100",
	})
	cfg := testConfig(path)
	cfg.Columns = []string{"C", "F"}

	_, err := Open(cfg, zap.NewNop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "column F has no header")

	// The failed open must release the lock.
	cfg.Columns = []string{"C"}
	s := openSession(t, cfg)
	require.NoError(t, s.Close())
}

func TestLockConflict(t *testing.T) {
	path := writeWorkbook(t, map[string]interface{}{"A1": "key", "A2": "INV-100"})
	first := openSession(t, testConfig(path))
	defer first.Close()

	_, err := Open(testConfig(path), zap.NewNop())
	require.ErrorIs(t, err, ErrLocked)
}

func TestBackupPath(t *testing.T) {
	at := time.Date(2026, 8, 31, 9, 30, 1, 0, time.UTC)
	got := backupPath("/data/orders.xlsx", at)
	require.Equal(t, "/data/orders_backup_20260831_093001.xlsx", got)
}
