// Command edingest imports game journals and OCR'd news screens into a
// schema-evolving SQLite store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/edingest/horosafe"
	"github.com/hazyhaar/edingest/ingest"
	"github.com/hazyhaar/edingest/report"
)

var (
	cfgFile  string
	dbPath   string
	logLevel string
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("edingest", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "edingest",
		Short: "Game journal and news screen ingestion",
		Long: `edingest imports the game's JSON journal files and OCR'd news screen
captures into one SQLite file. Every event type gets its own table, and
tables grow new columns as new fields appear.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (default: built-in defaults)")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides db_path)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides log_level)")

	root.AddCommand(
		journalCmd(),
		newsCmd(),
		watchCmd(),
		statusCmd(),
		describeCmd(),
		parseCmd(),
		mcpCmd(),
	)
	return root
}

// loadConfig reads --config and the environment, applies flag overrides and
// installs the logger.
func loadConfig() (*ingest.Config, *slog.Logger, error) {
	cfg, err := ingest.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	lvl, _ := ingest.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openService(ctx context.Context) (*ingest.Service, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return ingest.Open(ctx, cfg, ingest.WithLogger(logger))
}

// withService opens the store around fn.
func withService(fn func(ctx context.Context, out io.Writer, svc *ingest.Service, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		svc, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()
		return fn(cmd.Context(), cmd.OutOrStdout(), svc, args)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func journalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "journal [dir]",
		Short: "Import new events from the journal directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: withService(func(ctx context.Context, out io.Writer, svc *ingest.Service, args []string) error {
			sum, err := svc.ImportJournals(ctx, optionalArg(args))
			if perr := printJSON(out, sum); perr != nil {
				return perr
			}
			return err
		}),
	}
}

func newsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "news [dir]",
		Short: "OCR and import news screen captures named <epoch>.<index>.<ext>",
		Args:  cobra.MaximumNArgs(1),
		RunE: withService(func(ctx context.Context, out io.Writer, svc *ingest.Service, args []string) error {
			sum, err := svc.ImportNews(ctx, optionalArg(args))
			if perr := printJSON(out, sum); perr != nil {
				return perr
			}
			return err
		}),
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Import the journal directory continuously until interrupted",
		Args:  cobra.NoArgs,
		RunE: withService(func(ctx context.Context, out io.Writer, svc *ingest.Service, _ []string) error {
			stats := svc.Watch(ctx)
			return printJSON(out, stats)
		}),
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show import progress and table row counts",
		Args:  cobra.NoArgs,
		RunE: withService(func(ctx context.Context, out io.Writer, svc *ingest.Service, _ []string) error {
			st, err := svc.Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, st)
		}),
	}
}

func describeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <table>",
		Short: "Show the columns of an event table",
		Args:  cobra.ExactArgs(1),
		RunE: withService(func(ctx context.Context, out io.Writer, svc *ingest.Service, args []string) error {
			d, err := svc.Describe(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(out, d)
		}),
	}
}

func parseCmd() *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "parse <file|->",
		Short: "Classify and extract an OCR text file without touching the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			text, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			fields, err := report.NewParser(report.WithLogger(logger)).Parse(text, strict || cfg.Strict)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), fields)
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "fail on the first field that cannot be extracted")
	return cmd
}

func readInput(stdin io.Reader, name string) (string, error) {
	r := stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return "", err
		}
		defer f.Close()
		r = f
	}
	b, err := horosafe.LimitedReadAll(r, horosafe.MaxToolOutput)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return string(b), nil
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the edingest tools over MCP on stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: withService(func(ctx context.Context, out io.Writer, svc *ingest.Service, _ []string) error {
			srv := mcp.NewServer(&mcp.Implementation{Name: "edingest", Version: "1.0.0"}, nil)
			svc.RegisterMCP(srv)
			slog.Info("MCP stdio starting")
			return srv.Run(ctx, &mcp.StdioTransport{})
		}),
	}
}
