package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bamsammich/duplex/internal/config"
	"github.com/bamsammich/duplex/internal/engine"
	"github.com/bamsammich/duplex/internal/event"
	"github.com/bamsammich/duplex/internal/metrics"
	"github.com/bamsammich/duplex/internal/stats"
	"github.com/bamsammich/duplex/internal/ui"
)

var version = "dev"

// Paths used when none are given on the command line or in the config file.
const (
	defaultSource      = "infile"
	defaultDestination = "outfile"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// sizeFlag is a pflag.Value accepting human-readable byte sizes.
type sizeFlag struct {
	n *int64
}

var _ pflag.Value = sizeFlag{}

func (f sizeFlag) String() string {
	if f.n == nil || *f.n == 0 {
		return ""
	}
	return humanize.IBytes(uint64(*f.n)) //nolint:gosec // G115: Set rejects negative sizes
}

func (sizeFlag) Type() string { return "size" }

func (f sizeFlag) Set(val string) error {
	n, err := config.ParseSize(val)
	if err != nil {
		return err
	}
	*f.n = n
	return nil
}

// options holds every flag after config defaults are applied.
type options struct {
	chunkSize    int64
	depth        int
	verify       bool
	hash         string
	bwLimit      int64
	atomic       bool
	preallocate  bool
	stallTimeout time.Duration
	metricsFile  string
	logFile      string
	verbose      bool
	quiet        bool
	noProgress   bool
	showVersion  bool
}

//nolint:gocyclo,revive // cyclomatic,cognitive-complexity: main CLI entry point orchestrates all flag parsing and mode selection
func run(args []string, stdout, stderr io.Writer) int {
	opts := options{
		chunkSize: engine.DefaultChunkSize,
		depth:     1,
		hash:      string(engine.HashBLAKE3),
	}

	rootCmd := &cobra.Command{
		Use:   "duplex [flags] [source [destination]]",
		Short: "Copy a file with a reader and a writer working in lockstep",
		Long: `duplex copies one file using two concurrent workers. The reader fills a
fixed-size chunk buffer while the writer persists the previous chunk, and
the two hand buffers off under a mutex with a pair of condition variables.

Source and destination default to "infile" and "outfile".`,
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.showVersion {
				fmt.Fprintf(stdout, "duplex %s\n", version)
				return nil
			}

			// Load optional config file.
			cfg, err := config.Load()
			if err != nil {
				return &exitError{code: 2, err: fmt.Errorf("config: %w", err)}
			}

			// Apply config defaults for flags not explicitly set on CLI.
			if err := applyConfigDefaults(cmd, cfg.Defaults, &opts); err != nil {
				return &exitError{code: 2, err: fmt.Errorf("config: %w", err)}
			}

			src, dst := defaultSource, defaultDestination
			if cfg.Defaults.Source != nil {
				src = *cfg.Defaults.Source
			}
			if cfg.Defaults.Destination != nil {
				dst = *cfg.Defaults.Destination
			}
			if len(args) > 0 {
				src = args[0]
			}
			if len(args) > 1 {
				dst = args[1]
			}

			alg, err := engine.ParseHashAlgorithm(opts.hash)
			if err != nil {
				return &exitError{code: 2, err: fmt.Errorf("invalid --hash: %w", err)}
			}
			if opts.depth < 1 {
				return &exitError{code: 2, err: fmt.Errorf("invalid --depth %d: must be at least 1", opts.depth)}
			}
			if opts.chunkSize <= 0 {
				return &exitError{code: 2, err: errors.New("invalid --chunk-size: must be positive")}
			}
			if opts.chunkSize > config.MaxChunkSize {
				return &exitError{code: 2, err: fmt.Errorf("invalid --chunk-size: larger than %s",
					humanize.IBytes(config.MaxChunkSize))}
			}

			// Configure logging.
			logLevel := slog.LevelWarn
			if opts.verbose {
				logLevel = slog.LevelDebug
			} else if !opts.quiet {
				logLevel = slog.LevelInfo
			}
			textHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{
				Level: logLevel,
			})
			var logHandler slog.Handler = textHandler
			if opts.logFile != "" {
				lf, lfErr := os.Create(opts.logFile)
				if lfErr != nil {
					return &exitError{code: 2, err: fmt.Errorf("open log file: %w", lfErr)}
				}
				defer lf.Close()
				jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{
					Level: slog.LevelDebug,
				})
				logHandler = ui.NewMultiHandler(textHandler, jsonHandler)
			}
			logger := slog.New(logHandler)
			slog.SetDefault(logger)

			// Set up context with signal handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			defer engine.CleanupTmpFiles()

			// Create stats collector.
			collector := stats.NewCollector()

			var recorder *metrics.Recorder
			if opts.metricsFile != "" {
				recorder = metrics.NewRecorder(collector)
			}

			// Create events channel. Sends never block the engine, so size it
			// for bursts of small chunks.
			events := make(chan event.Event, 1024)
			presenterEvents := teeEvents(events, opts.logFile != "", recorder)

			isTTY, width := false, 0
			if f, ok := stderr.(*os.File); ok {
				isTTY = ui.IsTTY(f.Fd())
				if isTTY {
					width = ui.TermWidth(f.Fd())
				}
			}
			presenter := ui.NewPresenter(ui.Config{
				Writer:     stdout,
				ErrWriter:  stderr,
				Stats:      collector,
				Depth:      opts.depth,
				Width:      width,
				IsTTY:      isTTY,
				Quiet:      opts.quiet,
				Verbose:    opts.verbose,
				NoProgress: opts.noProgress,
			})

			engineCfg := engine.Config{
				Src: engine.FileSource{Path: src},
				Dst: engine.FileDestination{
					Path:        dst,
					Atomic:      opts.atomic,
					Preallocate: opts.preallocate,
				},
				ChunkSize:     int(opts.chunkSize),
				Depth:         opts.depth,
				StallTimeout:  opts.stallTimeout,
				BWLimit:       opts.bwLimit,
				Verify:        opts.verify,
				HashAlgorithm: alg,
				Events:        events,
				Stats:         collector,
				Logger:        logger,
			}

			// Run presenter in background, engine in foreground.
			var presenterErr error
			var presenterWg sync.WaitGroup
			presenterWg.Add(1)
			go func() {
				defer presenterWg.Done()
				presenterErr = presenter.Run(presenterEvents)
			}()

			result := engine.Run(ctx, engineCfg)
			stop()
			close(events)
			presenterWg.Wait()
			if presenterErr != nil {
				fmt.Fprintf(stderr, "presenter: %v\n", presenterErr)
			}

			if recorder != nil {
				recorder.Finish(result.Stats, result.Err)
				if err := recorder.WriteTextfile(opts.metricsFile); err != nil {
					slog.Warn("failed to write metrics", "error", err)
				}
			}

			if !opts.quiet {
				summary := presenter.Summary()
				if summary != "" {
					fmt.Fprintln(stderr, summary)
				}
			}

			if result.Err != nil {
				slog.Error("copy failed", "error", result.Err)
				return &exitError{code: exitCode(result)}
			}

			return nil
		},
	}

	flags := rootCmd.Flags()
	// Version flag handled in RunE, but also register the flag.
	flags.BoolVar(&opts.showVersion, "version", false, "print version and exit")

	flags.Var(sizeFlag{n: &opts.chunkSize}, "chunk-size", "bytes handed off per chunk (e.g. 8MiB, 64k)")
	flags.IntVar(&opts.depth, "depth", opts.depth, "number of chunk slots between reader and writer")
	flags.BoolVar(&opts.verify, "verify", false, "verify checksums after copy")
	flags.StringVar(&opts.hash, "hash", opts.hash, "checksum for --verify (blake3 or xxhash)")
	flags.Var(sizeFlag{n: &opts.bwLimit}, "bwlimit", "bandwidth limit in bytes/sec (e.g. 100M, 1G)")
	flags.BoolVar(&opts.atomic, "atomic", false, "write to a temporary file and rename on success")
	flags.BoolVar(&opts.preallocate, "preallocate", false, "reserve the full destination size up front")
	flags.DurationVar(&opts.stallTimeout, "stall-timeout", 0, "abort after this long without progress (0 disables)")
	flags.StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus metrics to FILE after the copy")
	flags.StringVar(&opts.logFile, "log", "", "write structured JSON log to FILE")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "suppress all output except errors")
	flags.BoolVar(&opts.noProgress, "no-progress", false, "disable progress display")

	rootCmd.AddCommand(newDocsCmd())
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			if exitErr.err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", exitErr.err)
			}
			return exitErr.code
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	return 0
}

// teeEvents logs each event (when logEvents is set) and feeds it to the
// recorder before forwarding it to the presenter. With nothing to tee the
// source channel is returned as is.
func teeEvents(events <-chan event.Event, logEvents bool, recorder *metrics.Recorder) <-chan event.Event {
	if !logEvents && recorder == nil {
		return events
	}
	teed := make(chan event.Event, cap(events))
	go func() {
		for ev := range events {
			if logEvents {
				attrs := []slog.Attr{
					slog.String("type", ev.Type.String()),
					slog.String("worker", string(ev.Worker)),
					slog.String("path", ev.Path),
					slog.Int("seq", ev.Seq),
					slog.Int64("size", ev.Size),
					slog.Int64("offset", ev.Offset),
				}
				if ev.Error != nil {
					attrs = append(attrs, slog.String("error", ev.Error.Error()))
				}
				slog.LogAttrs(context.Background(), slog.LevelDebug, "duplex.event", attrs...)
			}
			if recorder != nil {
				recorder.Observe(ev)
			}
			teed <- ev
		}
		close(teed)
	}()
	return teed
}

// exitCode maps a failed copy to the process status: 1 when some bytes
// reached the destination, 2 when none did.
func exitCode(result engine.Result) int {
	if result.Progress.BytesWritten > 0 {
		return 1 // partial failure
	}
	return 2 // total failure
}

// applyConfigDefaults applies config file defaults for flags not explicitly set on the CLI.
func applyConfigDefaults(
	cmd *cobra.Command,
	defaults config.DefaultsConfig,
	opts *options,
) error {
	changed := cmd.Flags().Changed
	if !changed("chunk-size") && defaults.ChunkSize != nil {
		n, err := config.ParseChunkSize(*defaults.ChunkSize)
		if err != nil {
			return fmt.Errorf("chunk_size: %w", err)
		}
		opts.chunkSize = n
	}
	if !changed("depth") && defaults.Depth != nil {
		opts.depth = *defaults.Depth
	}
	if !changed("verify") && defaults.Verify != nil {
		opts.verify = *defaults.Verify
	}
	if !changed("hash") && defaults.Hash != nil {
		opts.hash = *defaults.Hash
	}
	if !changed("bwlimit") && defaults.BWLimit != nil {
		n, err := config.ParseSize(*defaults.BWLimit)
		if err != nil {
			return fmt.Errorf("bwlimit: %w", err)
		}
		opts.bwLimit = n
	}
	if !changed("atomic") && defaults.Atomic != nil {
		opts.atomic = *defaults.Atomic
	}
	if !changed("preallocate") && defaults.Preallocate != nil {
		opts.preallocate = *defaults.Preallocate
	}
	if !changed("stall-timeout") && defaults.StallTimeout != nil {
		d, err := time.ParseDuration(*defaults.StallTimeout)
		if err != nil {
			return fmt.Errorf("stall_timeout: %w", err)
		}
		opts.stallTimeout = d
	}
	if !changed("metrics-file") && defaults.MetricsFile != nil {
		opts.metricsFile = *defaults.MetricsFile
	}
	return nil
}

type exitError struct {
	code int
	err  error // printed before exiting when set
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit code %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }
