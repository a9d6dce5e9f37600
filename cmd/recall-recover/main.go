// Command recall-recover recovers deleted rows from a Windows Recall
// activity database (ukg.db) and its write-ahead log.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/FocuswithJustin/RecallRecover/core/pipeline"
	"github.com/FocuswithJustin/RecallRecover/internal/config"
	"github.com/FocuswithJustin/RecallRecover/internal/logging"
)

// CLI defines the command-line interface for recall-recover.
type CLI struct {
	// Global flags
	LogLevel  string `name:"log-level" help:"Log level (debug, info, warn, error)"`
	LogFormat string `name:"log-format" help:"Log format (json, text)"`
	EnvFile   string `name:"env-file" help:"Environment file with RECALL_* settings (default .env)" type:"path"`

	Run      RunCmd      `cmd:"" help:"Run the full recovery pipeline"`
	WAL      WALCmd      `cmd:"" name:"wal" help:"Repair WAL frames and splice them into a copy of the database"`
	Recover  RecoverCmd  `cmd:"" help:"Run sqlite3 .recover and replay the filtered dump"`
	Classify ClassifyCmd `cmd:"" help:"Move lost_and_found rows into re_WindowCapture"`
	Locate   LocateCmd   `cmd:"" help:"Find table root pages from schema text"`
	Inspect  InspectCmd  `cmd:"" help:"Show database and WAL headers, table roots and candidate frames"`
	Hash     HashCmd     `cmd:"" help:"Print SHA-256 and BLAKE3 digests, or verify a manifest"`
	Bundle   BundleCmd   `cmd:"" help:"Pack an output directory into a .tar.xz bundle"`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP and websocket job API"`
	Version  VersionCmd  `cmd:"" help:"Print version information"`
}

// setup loads configuration and initializes logging. Flags win over
// RECALL_* variables, which win over built-in defaults.
func (c *CLI) setup() (*config.Config, error) {
	cfg, err := config.Load(c.EnvFile)
	if err != nil {
		return nil, err
	}
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}
	if c.LogFormat != "" {
		cfg.LogFormat = c.LogFormat
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	logging.InitLogger(level, format)
	return cfg, nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("recall-recover"),
		kong.Description("Forensic recovery of deleted Windows Recall activity records"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)

	cfg, err := cli.setup()
	kctx.FatalIfErrorf(err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	err = kctx.Run(cfg)
	if errors.Is(err, pipeline.ErrNothingToRecover) {
		fmt.Println(err)
		return
	}
	kctx.FatalIfErrorf(err)
}
