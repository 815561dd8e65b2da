// Command shfs formats, inspects and edits SHFS partitions.
//
// Usage:
//
//	shfs [--config FILE] [--log-level LEVEL] <command> [flags] [args]
//
// The device holding the partition comes from the configuration file
// (see 'shfs config init'). Every command that touches the partition mounts
// it, runs, and unmounts it again.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/marmos91/shfs/internal/logger"
	"github.com/marmos91/shfs/pkg/config"
	"github.com/spf13/pflag"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "shfs: %v\n", err)
		os.Exit(1)
	}
}

// errUsage is returned after usage was printed for a malformed invocation.
var errUsage = errors.New("invalid usage")

// run parses global flags, loads the configuration and dispatches to the
// named command.
func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	global := pflag.NewFlagSet("shfs", pflag.ContinueOnError)
	global.SetInterspersed(false)
	global.SetOutput(io.Discard)
	configPath := global.StringP("config", "c", "", "Path to config file (default: $XDG_CONFIG_HOME/shfs/config.yaml)")
	logLevel := global.String("log-level", "", "Override logging.level (DEBUG, INFO, WARN, ERROR)")

	if err := global.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printUsage(stdout, global)
			return nil
		}
		return err
	}

	rest := global.Args()
	if len(rest) == 0 {
		printUsage(stdout, global)
		return errUsage
	}

	cmd, ok := commandByName[rest[0]]
	if !ok {
		return fmt.Errorf("unknown command %q (run 'shfs --help' for usage)", rest[0])
	}

	a := &app{configPath: *configPath, stdin: stdin, stdout: stdout}
	if cmd.needsConfig {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		if *logLevel != "" {
			cfg.Logging.Level = strings.ToUpper(*logLevel)
		}
		if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
			return err
		}
		a.cfg = cfg
	}

	return cmd.run(ctx, a, rest[1:])
}

func printUsage(w io.Writer, global *pflag.FlagSet) {
	fmt.Fprintln(w, "Usage: shfs [global flags] <command> [flags] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-28s %s\n", cmd.usage, cmd.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Global flags:")
	fmt.Fprint(w, global.FlagUsages())
}
