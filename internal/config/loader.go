package config

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

const envPrefix = "REPLYLEDGER_"

// envKeys maps environment variable suffixes to config keys.  Keys
// with underscores in the leaf name cannot be derived mechanically, so
// the supported set is explicit.
var envKeys = map[string]string{
	"MAIL_PROVIDER":          "mail.provider",
	"IMAP_HOST":              "imap.host",
	"IMAP_PORT":              "imap.port",
	"IMAP_USERNAME":          "imap.username",
	"IMAP_PASSWORD":          "imap.password",
	"LMSTUDIO_API_URL":       "lmstudio.api_url",
	"LMSTUDIO_MODEL":         "lmstudio.model",
	"SEARCH_WINDOW_DAYS":     "search.window_days",
	"SHEET_FILE":             "sheet.file",
	"SHEET_KEY_COLUMN":       "sheet.key_column",
	"QUARANTINE_PATH":        "quarantine.path",
	"QUARANTINE_EXPORT_CSV":  "quarantine.export_csv",
	"LOG_LEVEL":              "logging.level",
	"LOG_FORMAT":             "logging.format",
	"GMAIL_CREDENTIALS_FILE": "gmail.credentials_file",
	"GMAIL_TOKEN_FILE":       "gmail.token_file",
}

// Load builds the configuration from defaults, then the YAML file at
// path (optional), then REPLYLEDGER_* environment variables.  Later
// layers win.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading config file %q", path)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "parsing config file %q", path)
		}
	}

	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		suffix := strings.TrimPrefix(s, envPrefix)
		if key, ok := envKeys[suffix]; ok {
			return key
		}
		return "" // unrecognized variables are ignored
	}), nil)
	if err != nil {
		return nil, errors.Wrap(err, "loading environment overrides")
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return &cfg, nil
}
