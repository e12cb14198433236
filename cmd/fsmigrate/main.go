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

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bamsammich/fsmigrate/internal/config"
	"github.com/bamsammich/fsmigrate/internal/event"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// app carries the state shared by every subcommand once the persistent
// flags and the config file have been resolved.
type app struct {
	ctx    context.Context
	stdout io.Writer
	stderr io.Writer

	configPath string
	verbose    bool
	jsonLogs   bool
	rate       sizeFlag

	cfg config.Config
	log *slog.Logger
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{ctx: ctx, stdout: stdout, stderr: stderr}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// skipConfig marks commands that run without a board config.
const skipConfig = "fsmigrate/skip-config"

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fsmigrate",
		Short: "Inspect and migrate flash filesystem images between storage layouts",
		Long: `fsmigrate operates on images of a device's internal and external flash.

It can format, populate and list the embedded filesystem, migrate the
internal filesystem from a legacy layout to the current one through the
scratch region on external flash, and apply the versioned cleanup steps
that run at boot.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	root.PersistentFlags().
		StringVarP(&a.configPath, "config", "c", "", "board config file (default: $XDG_CONFIG_HOME/fsmigrate/config.toml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().BoolVar(&a.jsonLogs, "json", false, "log as JSON even on a terminal")
	root.PersistentFlags().
		Var(&a.rate, "rate", "limit flash writes and erases to RATE bytes per second (e.g. 64KiB)")

	root.AddCommand(
		a.initCmd(),
		a.formatCmd(),
		a.importCmd(),
		a.exportCmd(),
		a.lsCmd(),
		a.digestCmd(),
		a.migrateCmd(),
		a.applyCmd(),
		a.bootCmd(),
		a.versionCmd(),
		docsCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	if cmd.Annotations[skipConfig] == "" {
		var err error
		if a.configPath != "" {
			a.cfg, err = config.LoadFile(a.configPath)
		} else {
			a.cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := applyConfigDefaults(cmd, a.cfg.Defaults, &a.verbose, &a.jsonLogs, &a.rate); err != nil {
			return err
		}
	}

	level := slog.LevelInfo
	if a.verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if !a.jsonLogs && isTerminal(a.stderr) {
		handler = slog.NewTextHandler(a.stderr, opts)
	} else {
		handler = slog.NewJSONHandler(a.stderr, opts)
	}
	a.log = slog.New(handler)
	slog.SetDefault(a.log)
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd())) //nolint:gosec // G115: fd fits in int
}

// applyConfigDefaults applies config file defaults for flags not explicitly set on the CLI.
func applyConfigDefaults(
	cmd *cobra.Command,
	defaults config.DefaultsConfig,
	verbose *bool,
	jsonLogs *bool,
	rate *sizeFlag,
) error {
	if !cmd.Flags().Changed("verbose") && defaults.Verbose != nil {
		*verbose = *defaults.Verbose
	}
	if !cmd.Flags().Changed("json") && defaults.JSON != nil {
		*jsonLogs = *defaults.JSON
	}
	if !cmd.Flags().Changed("rate") && defaults.Rate != nil {
		if err := rate.Set(*defaults.Rate); err != nil {
			return fmt.Errorf("config defaults.rate: %w", err)
		}
	}
	return nil
}

var _ pflag.Value = (*sizeFlag)(nil)

// sizeFlag is a byte count given with a unit suffix, e.g. 64KiB or 1M.
type sizeFlag int64

func (f *sizeFlag) String() string {
	if *f == 0 {
		return ""
	}
	return humanize.IBytes(uint64(*f))
}

func (*sizeFlag) Type() string { return "size" }

func (f *sizeFlag) Set(val string) error {
	n, err := humanize.ParseBytes(val)
	if err != nil {
		return err
	}
	*f = sizeFlag(n) //nolint:gosec // G115: sizes are far below MaxInt64
	return nil
}

// events returns a channel for progress events and a function that closes
// it once the producer has returned. Events are logged at debug level.
func (a *app) events() (chan<- event.Event, func()) {
	ch := make(chan event.Event, 256)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range ch {
			attrs := []slog.Attr{
				slog.String("type", ev.Type.String()),
				slog.String("path", ev.Path),
				slog.Int64("size", ev.Size),
			}
			if ev.Version != 0 {
				attrs = append(attrs, slog.Any("version", ev.Version))
			}
			if ev.Error != nil {
				attrs = append(attrs, slog.String("error", ev.Error.Error()))
			}
			a.log.LogAttrs(a.ctx, slog.LevelDebug, "fsmigrate.event", attrs...)
		}
	}()
	return ch, func() {
		close(ch)
		wg.Wait()
	}
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
