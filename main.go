package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute parses args, runs the pipeline and returns the process status.
// Returning instead of calling os.Exit lets every defer run.
func execute(args []string) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return exitCode(err)
}

func newRootCommand() *cobra.Command {
	var flags Config
	var configPath string

	cmd := &cobra.Command{
		Use:   "elfgraph [flags]",
		Short: "Extract a symbol reference graph from ELF object files",
		Long: "Extracts functions, data objects and the references between them from a\n" +
			"tree of relocatable ELF object files and writes them as a Tuple-Attribute\n" +
			"fact file, optionally mirrored into a SQLite database.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := DefaultConfig()
			if configPath != "" {
				loaded, err := LoadConfig(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			cfg.overrideFromFlags(cmd.Flags(), flags)
			return run(cmd.Context(), cfg)
		},
	}
	registerFlags(cmd.Flags(), &flags)
	cmd.Flags().StringVar(&configPath, "config", "", "YAML configuration file")
	return cmd
}

// run executes the whole pipeline for one configuration.
func run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	prog := NewProgress(log, cfg.Verbose)

	workers := cfg.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
	}

	// Phase 1: Fact graph
	var gopts []GraphOption
	if cfg.LowMemory {
		gopts = append(gopts, WithBoundedMemory())
	}
	g := NewFactGraph(gopts...)

	// Phase 2: Input set (explicit files, discovery, exclusions)
	prog.Log("Searching for object files...")
	files, err := collectInputs(g, cfg, prog)
	if err != nil {
		if errors.Is(err, ErrNoInputFiles) {
			prog.Warn("No object files supplied to the program!")
		}
		return err
	}
	prog.Log("Found %d object files", len(files))

	// Phase 3: Open sinks before any work so a bad destination fails fast
	sink, err := openSinks(cfg, prog)
	if err != nil {
		prog.OutputFailed(cfg.Out, err)
		return err
	}

	// Phase 4: Ingest, resolve, serialize
	prog.Log("Processing files with %d workers...", workers)
	r := NewResolver(g, sink, prog, log,
		WithWorkers(workers),
		WithDumpFrequency(cfg.DumpFreq),
	)
	rep, err := r.Run(ctx, files)
	if rep != nil {
		summarize(prog, log, rep)
	}
	if err != nil {
		if errors.Is(err, ErrOutputUnwritable) {
			prog.OutputFailed(cfg.Out, err)
		}
		return err
	}
	prog.OutputWritten(cfg.Out)
	return nil
}

// openSinks creates the fact file and, if requested, the SQLite export.
func openSinks(cfg Config, prog *Progress) (FactSink, error) {
	ta, err := NewTAWriter(cfg.Out)
	if err != nil {
		return nil, err
	}
	if cfg.DB == "" {
		return ta, nil
	}

	var root string
	if !cfg.Suppress {
		root, _ = canonicalPath(cfg.Dir)
	}
	db, err := NewDBWriter(cfg.DB, DBOptions{Root: root, Validate: cfg.ValidateDB}, prog)
	if err != nil {
		_ = ta.Abort()
		return nil, err
	}
	return newMultiSink(ta, db), nil
}

func summarize(prog *Progress, log *zap.Logger, rep *Report) {
	prog.Log("Processed %d of %d files: %d symbols, %d references linked, %d resolved late, %d dropped",
		rep.Processed, rep.Files, rep.Symbols, rep.LinkedAtIngest, rep.Resolved, rep.Dropped)
	if rep.Purges > 0 {
		prog.Log("Flushed facts %d times", rep.Purges)
	}
	if rep.SkippedFiles > 0 {
		prog.Warn("%d object files could not be read", rep.SkippedFiles)
		for _, err := range multierr.Errors(rep.Skipped) {
			log.Debug("skipped", zap.Error(err))
		}
	}
	if rep.SymbolErrors > 0 {
		prog.Warn("%d symbols in unresolvable sections were skipped", rep.SymbolErrors)
	}
	prog.Anomalies(rep.Anomalies)
}
