// Command seriesdb-inspect opens a seriesdb directory offline and prints its
// tables, records, statistics and change feed.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/INLOpen/seriesdb/config"
	"github.com/INLOpen/seriesdb/db"
	"github.com/INLOpen/seriesdb/hooks"
	"github.com/INLOpen/seriesdb/hooks/listeners"
	"github.com/INLOpen/seriesdb/server"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func usage(fs *flag.FlagSet, w io.Writer) func() {
	return func() {
		fmt.Fprintf(w, "Usage: %s [flags] <command> [command flags]\n\nCommands:\n", fs.Name())
		names := make([]string, 0, len(commands))
		for name := range commands {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %-8s %s\n", name, commands[name].summary)
		}
		fmt.Fprintln(w, "\nFlags:")
		fs.PrintDefaults()
	}
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("seriesdb-inspect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = usage(fs, stderr)
	configPath := fs.String("config", "config.yaml", "Path to the configuration file")
	dataPath := fs.String("path", "", "Database directory, overrides database.path")
	format := fs.String("format", "auto", "Output format: auto, table or json")
	debug := fs.Bool("debug", false, "Serve the debug endpoints while the command runs")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}
	cmd, ok := commands[fs.Arg(0)]
	if !ok {
		fmt.Fprintf(stderr, "Error: unknown command %q\n", fs.Arg(0))
		fs.Usage()
		return 2
	}
	out, err := newPrinter(stdout, *format)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading configuration: %v\n", err)
		return 1
	}
	if *dataPath != "" {
		cfg.Database.Path = *dataPath
	}
	if *debug {
		cfg.Debug.Enabled = true
	}
	// Command output owns stdout.
	if strings.EqualFold(cfg.Logging.Output, "stdout") || cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	logger, logCloser, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(stderr, "Error creating logger: %v\n", err)
		return 1
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	if err := execute(ctx, cfg, cmd, fs.Args()[1:], out, logger); err != nil {
		out.flush()
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := out.flush(); err != nil {
		fmt.Fprintf(stderr, "Error writing output: %v\n", err)
		return 1
	}
	return 0
}

func execute(ctx context.Context, cfg *config.Config, cmd command, args []string, out printer, logger *slog.Logger) error {
	tp, tracerCleanup, err := initTracerProvider(ctx, cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer tracerCleanup()

	if cfg.Debug.Enabled {
		srv, err := server.NewDebugServer(cfg.Debug, logger)
		if err != nil {
			return err
		}
		addr, err := srv.Start()
		if err != nil {
			return err
		}
		logger.Info("Debug endpoints available", "address", addr)
		defer srv.Stop(context.Background())
	}

	opts, err := cfg.DBOptions(logger)
	if err != nil {
		return err
	}
	opts.Engine.Tracer = tp.Tracer("github.com/INLOpen/seriesdb")
	if cfg.Debug.Enabled && opts.Engine.MetricsPrefix == "" {
		opts.Engine.MetricsPrefix = "seriesdb_"
	}
	hm := hooks.NewHookManager(logger)
	alerter := listeners.NewTableCountAlerterListener(logger, tableCountThreshold, 0)
	hm.Register(hooks.EventPostCreateTable, alerter)
	hm.Register(hooks.EventPostDestroyTable, alerter)
	opts.HookManager = hm

	d, err := db.Open(opts)
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.Database.Path, err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Error("Failed to close database", "error", err)
		}
	}()
	tables, err := d.GetTableInfos(ctx)
	if err != nil {
		return err
	}
	alerter.SetCount(int64(len(tables)))
	return cmd.run(ctx, d, out, args)
}

const tableCountThreshold = 10000

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
