// The replyledger command reconciles vendor replies into an Excel
// workbook: it lists recently sent mail, finds the replies, has a
// local language model pull out the quoted terms and writes the
// accepted values into the matching rows. Anything it cannot trust
// goes to the quarantine ledger instead of the workbook.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/Dolwer/replyledger/internal/config"
	"github.com/Dolwer/replyledger/internal/correlate"
	"github.com/Dolwer/replyledger/internal/extract"
	"github.com/Dolwer/replyledger/internal/gmailgw"
	"github.com/Dolwer/replyledger/internal/imapgw"
	"github.com/Dolwer/replyledger/internal/lmstudio"
	"github.com/Dolwer/replyledger/internal/logging"
	"github.com/Dolwer/replyledger/internal/message"
	"github.com/Dolwer/replyledger/internal/pipeline"
	"github.com/Dolwer/replyledger/internal/quarantine"
	"github.com/Dolwer/replyledger/internal/sheet"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

var (
	flagConfig = flag.String("config", "replyledger.yaml", "path to the configuration file")
	flagDryRun = flag.Bool("n", false, "correlate and extract but do not open the workbook")
)

func run() error {
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		return errors.Wrap(err, "unable to load configuration")
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return errors.Wrap(err, "unable to initialize logging")
	}
	defer logger.Sync()

	ctx := context.Background()

	gw, cleanup, err := newGateway(ctx, cfg, logger)
	if err != nil {
		return errors.Wrap(err, "unable to initialize mail gateway")
	}
	defer cleanup()

	schema, err := newSchema(cfg.Sheet.Fields)
	if err != nil {
		return errors.Wrap(err, "invalid field table")
	}

	keyPattern := cfg.Sheet.KeyPattern
	if keyPattern == "" {
		keyPattern = message.DefaultKeyPattern
	}
	keys, err := message.NewKeyExtractor(keyPattern)
	if err != nil {
		return errors.Wrap(err, "invalid key pattern")
	}

	svc := lmstudio.New(lmstudio.Config{
		APIURL:      cfg.LMStudio.APIURL,
		Model:       cfg.LMStudio.Model,
		Timeout:     cfg.LMStudio.Timeout,
		MaxTokens:   cfg.LMStudio.MaxTokens,
		Temperature: cfg.LMStudio.Temperature,
	})
	analyzer := extract.NewAnalyzer(svc, schema, extract.AnalyzerConfig{
		MaxRetries: cfg.LMStudio.RetryAttempts,
	}, logger)

	ledger, err := quarantine.Open(ctx, cfg.Quarantine.Path, logger)
	if err != nil {
		return errors.Wrap(err, "unable to open quarantine ledger")
	}
	defer ledger.Close()

	var rows pipeline.RowWriter
	if *flagDryRun {
		rows = dryRows{}
	} else {
		columns := make([]string, len(cfg.Sheet.Fields))
		for i, f := range cfg.Sheet.Fields {
			columns[i] = f.Column
		}
		session, err := sheet.Open(sheet.Config{
			Path:      cfg.Sheet.File,
			Sheet:     cfg.Sheet.Sheet,
			KeyColumn: cfg.Sheet.KeyColumn,
			Backup:    cfg.Sheet.Backup,
			Columns:   columns,
		}, logger)
		if errors.Is(err, sheet.ErrLocked) {
			return errors.Errorf("%s is in use by another run; try again later", cfg.Sheet.File)
		}
		if err != nil {
			return errors.Wrap(err, "unable to open workbook")
		}
		defer func() {
			if err := session.Close(); err != nil {
				logger.Error("closing workbook failed", zap.Error(err))
			}
		}()
		rows = session
	}

	p := pipeline.New(gw, analyzer, schema, keys, rows, ledger,
		correlate.Config{MaxRetries: cfg.Mail.RetryAttempts}, logger)
	since := time.Now().Add(-cfg.Window())
	sum, err := p.Run(ctx, since, cfg.Search.MaxMessages)
	fmt.Println(sum)
	if len(sum.QuarantinedBy) > 0 {
		logger.Info("quarantine breakdown", zap.Any("by_reason", sum.QuarantinedBy))
	}
	if err != nil {
		return err
	}

	if cfg.Quarantine.ExportCSV != "" {
		if err := exportCSV(ctx, ledger, cfg.Quarantine.ExportCSV); err != nil {
			return errors.Wrap(err, "unable to export quarantine CSV")
		}
	}
	return nil
}

func newGateway(ctx context.Context, cfg *config.Config, logger *zap.Logger) (pipeline.MailGateway, func(), error) {
	switch cfg.Mail.Provider {
	case "imap":
		gw, err := imapgw.Dial(imapgw.Config{
			Addr:        net.JoinHostPort(cfg.IMAP.Host, strconv.Itoa(cfg.IMAP.Port)),
			Username:    cfg.IMAP.Username,
			Password:    cfg.IMAP.Password,
			SentFolders: cfg.IMAP.SentFolders,
			Timeout:     cfg.IMAP.Timeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return gw, func() {
			if err := gw.Close(); err != nil {
				logger.Warn("imap close failed", zap.Error(err))
			}
		}, nil
	case "gmail":
		client, err := gmailgw.AuthClient(ctx, cfg.Gmail.CredentialsFile, cfg.Gmail.TokenFile)
		if err != nil {
			return nil, nil, err
		}
		gw, err := gmailgw.New(ctx, client, logger)
		if err != nil {
			return nil, nil, err
		}
		return gw, func() {}, nil
	}
	return nil, nil, errors.Errorf("unknown mail provider %q", cfg.Mail.Provider)
}

func newSchema(fields []config.FieldMapping) (*extract.Schema, error) {
	out := make([]extract.Field, len(fields))
	for i, f := range fields {
		out[i] = extract.Field{
			Name:   f.Name,
			Column: f.Column,
			Type:   extract.FieldType(f.Type),
		}
	}
	return extract.NewSchema(out)
}

func exportCSV(ctx context.Context, ledger *quarantine.DB, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := ledger.ExportCSV(ctx, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// dryRows satisfies the workbook interface without touching any
// file; every key is unknown, so a dry run exercises the mail and
// extraction sides only.
type dryRows struct{}

func (dryRows) Has(string) bool { return false }

func (dryRows) Apply(string, []sheet.Cell) (int, error) { return 0, nil }

func main() {
	flag.Parse()

	if err := run(); err != nil {
		log.Fatalf("Failed: %v\n", err)
	}
	os.Exit(0)
}
