// Package config provides configuration loading for replyledger.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Config is the full runtime configuration for one run.
type Config struct {
	Mail       MailConfig       `koanf:"mail"`
	IMAP       IMAPConfig       `koanf:"imap"`
	Gmail      GmailConfig      `koanf:"gmail"`
	LMStudio   LMStudioConfig   `koanf:"lmstudio"`
	Search     SearchConfig     `koanf:"search"`
	Sheet      SheetConfig      `koanf:"sheet"`
	Quarantine QuarantineConfig `koanf:"quarantine"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// MailConfig selects the mail gateway implementation.
type MailConfig struct {
	// Provider is "imap" or "gmail".
	Provider string `koanf:"provider"`

	// RetryAttempts is the number of re-attempts after a failed
	// reply fetch before the sent message is skipped.
	RetryAttempts int `koanf:"retry_attempts"`
}

// IMAPConfig configures the IMAP mail gateway.  The password is never
// read from the config file; it comes from REPLYLEDGER_IMAP_PASSWORD.
type IMAPConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`

	// Sent-folder names to probe, in order.  Providers localize
	// this name, hence the list.
	SentFolders []string `koanf:"sent_folders"`

	Timeout time.Duration `koanf:"timeout"`
}

// GmailConfig configures the Gmail mail gateway.
type GmailConfig struct {
	CredentialsFile string `koanf:"credentials_file"`
	TokenFile       string `koanf:"token_file"`
}

// LMStudioConfig configures the extraction service client.
type LMStudioConfig struct {
	APIURL        string        `koanf:"api_url"`
	Model         string        `koanf:"model"`
	Timeout       time.Duration `koanf:"timeout"`
	MaxTokens     int           `koanf:"max_tokens"`
	Temperature   float64       `koanf:"temperature"`
	RetryAttempts int           `koanf:"retry_attempts"`
}

// SearchConfig bounds the sent-message window.
type SearchConfig struct {
	WindowDays  int `koanf:"window_days"`
	MaxMessages int `koanf:"max_messages"`
}

// FieldMapping binds one extraction field to a spreadsheet column.
type FieldMapping struct {
	Name   string `koanf:"name"`
	Column string `koanf:"column"`

	// Type is "string", "number" or "date".
	Type string `koanf:"type"`
}

// SheetConfig configures the spreadsheet store.
type SheetConfig struct {
	File       string         `koanf:"file"`
	Sheet      string         `koanf:"sheet"`
	KeyColumn  string         `koanf:"key_column"`
	KeyPattern string         `koanf:"key_pattern"`
	Backup     bool           `koanf:"backup"`
	Fields     []FieldMapping `koanf:"fields"`
}

// QuarantineConfig configures the quarantine ledger.
type QuarantineConfig struct {
	Path string `koanf:"path"`

	// ExportCSV, when set, is where the reviewer-facing CSV is
	// written at the end of the run.
	ExportCSV string `koanf:"export_csv"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the built-in configuration.  The field table mirrors
// the workbook this pipeline was built around: six update-eligible
// columns, everything else read-only.
func Default() Config {
	return Config{
		Mail: MailConfig{Provider: "imap", RetryAttempts: 2},
		IMAP: IMAPConfig{
			Port:        993,
			SentFolders: []string{"Sent Items", "Sent", "Send", "Отправленные"},
			Timeout:     30 * time.Second,
		},
		Gmail: GmailConfig{
			CredentialsFile: "credentials.json",
			TokenFile:       "token.json",
		},
		LMStudio: LMStudioConfig{
			APIURL:        "http://localhost:1234/v1/completions",
			Timeout:       90 * time.Second,
			MaxTokens:     512,
			Temperature:   0,
			RetryAttempts: 2,
		},
		Search: SearchConfig{
			WindowDays:  14,
			MaxMessages: 10000,
		},
		Sheet: SheetConfig{
			Sheet:     "Sheet1",
			KeyColumn: "A",
			Backup:    true,
			Fields: []FieldMapping{
				{Name: "price_usd", Column: "C", Type: "number"},
				{Name: "price_usd_casino", Column: "D", Type: "number"},
				{Name: "amount", Column: "E", Type: "number"},
				{Name: "payment", Column: "F", Type: "string"},
				{Name: "special", Column: "Q", Type: "string"},
				{Name: "comments", Column: "R", Type: "string"},
			},
		},
		Quarantine: QuarantineConfig{Path: "quarantine.db"},
		Logging:    LoggingConfig{Level: "info", Format: "console"},
	}
}

// Validate rejects configurations the run cannot safely start with.
func (c *Config) Validate() error {
	switch c.Mail.Provider {
	case "imap":
		if c.IMAP.Host == "" {
			return errors.New("imap.host is required")
		}
		if c.IMAP.Username == "" || c.IMAP.Password == "" {
			return errors.New("imap credentials are required (REPLYLEDGER_IMAP_USERNAME / REPLYLEDGER_IMAP_PASSWORD)")
		}
	case "gmail":
		if c.Gmail.CredentialsFile == "" {
			return errors.New("gmail.credentials_file is required")
		}
	default:
		return errors.Errorf("unknown mail provider %q", c.Mail.Provider)
	}
	if c.LMStudio.APIURL == "" || c.LMStudio.Model == "" {
		return errors.New("lmstudio.api_url and lmstudio.model are required")
	}
	if c.Sheet.File == "" {
		return errors.New("sheet.file is required")
	}
	if len(c.Sheet.Fields) != updateEligibleFields {
		return errors.Errorf("sheet.fields must list exactly %d fields, got %d",
			updateEligibleFields, len(c.Sheet.Fields))
	}
	seen := map[string]bool{}
	for _, f := range c.Sheet.Fields {
		if f.Name == "" || f.Column == "" {
			return errors.New("sheet.fields entries need both name and column")
		}
		switch f.Type {
		case "string", "number", "date":
		default:
			return errors.Errorf("sheet field %q has unknown type %q", f.Name, f.Type)
		}
		if seen[f.Name] {
			return errors.Errorf("sheet field %q listed twice", f.Name)
		}
		if seen["col:"+f.Column] {
			return errors.Errorf("sheet column %q mapped twice", f.Column)
		}
		seen[f.Name] = true
		seen["col:"+f.Column] = true
		if strings.EqualFold(f.Column, c.Sheet.KeyColumn) {
			return errors.Errorf("sheet field %q maps to the key column", f.Name)
		}
	}
	if c.Search.WindowDays <= 0 {
		return errors.New("search.window_days must be positive")
	}
	return nil
}

// The pipeline owns exactly six spreadsheet columns; everything else
// in the workbook is read-only from its perspective.
const updateEligibleFields = 6

// Window returns the trailing sent-message window as a duration.
func (c *Config) Window() time.Duration {
	return time.Duration(c.Search.WindowDays) * 24 * time.Hour
}
