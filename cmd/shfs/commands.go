package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/marmos91/shfs/internal/logger"
	"github.com/marmos91/shfs/pkg/config"
	"github.com/marmos91/shfs/pkg/registry"
	"github.com/marmos91/shfs/pkg/shfs"
	"github.com/marmos91/shfs/pkg/shfs/alloc"
	"github.com/marmos91/shfs/pkg/shfs/tree"
	"github.com/spf13/pflag"
)

type command struct {
	name        string
	usage       string
	summary     string
	needsConfig bool
	run         func(ctx context.Context, a *app, args []string) error
}

var commands = []command{
	{"format", "format [flags]", "Write an empty partition to the configured device", true, runFormat},
	{"inspect", "inspect", "Print header, layout and usage", true, runInspect},
	{"ls", "ls [path]", "List a directory", true, runList},
	{"mkdir", "mkdir [-p] path", "Create a directory", true, runMkdir},
	{"put", "put local|- path", "Copy a local file (or stdin) into the partition", true, runPut},
	{"get", "get path [local|-]", "Copy a file out of the partition", true, runGet},
	{"rm", "rm path", "Delete a file or empty directory", true, runRemove},
	{"stat", "stat path", "Print an entry", true, runStat},
	{"find", "find name", "Find entries by basename", true, runFind},
	{"scrub", "scrub", "Reconcile the bitmap, catalog and name index", true, runScrub},
	{"reindex", "reindex", "Rebuild the name index from the directory tree", true, runReindex},
	{"serve-metrics", "serve-metrics [--port N]", "Mount the partition and serve metrics and status", true, runServeMetrics},
	{"config", "config init [--force] [--path P]", "Write a default configuration file", false, runConfig},
}

var commandByName = func() map[string]command {
	m := make(map[string]command, len(commands))
	for _, c := range commands {
		m[c.name] = c
	}
	return m
}()

// app carries what every command needs.
type app struct {
	configPath string
	cfg        *config.Config
	stdin      io.Reader
	stdout     io.Writer
}

func (a *app) printf(format string, v ...any) {
	_, _ = fmt.Fprintf(a.stdout, format, v...)
}

// parse parses command flags and checks the positional argument count.
func parse(fs *pflag.FlagSet, args []string, minArgs, maxArgs int) ([]string, error) {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%s: %w", fs.Name(), err)
	}
	rest := fs.Args()
	if len(rest) < minArgs || len(rest) > maxArgs {
		return nil, fmt.Errorf("%s: expected %d to %d arguments, got %d: %w", fs.Name(), minArgs, maxArgs, len(rest), errUsage)
	}
	return rest, nil
}

// withSession opens the configured device, mounts it through a registry,
// runs fn and unmounts. Unmount errors are joined to fn's error.
func (a *app) withSession(ctx context.Context, fn func(s *shfs.Session) error) error {
	return a.withMount(ctx, func(_ *registry.Registry, s *shfs.Session) error {
		return fn(s)
	})
}

// withMount is withSession for commands that also need the registry.
func (a *app) withMount(ctx context.Context, fn func(reg *registry.Registry, s *shfs.Session) error) (err error) {
	name := a.cfg.Format.Name

	dev, err := config.CreateDevice(ctx, &a.cfg.Device)
	if err != nil {
		return err
	}

	reg := registry.NewRegistry()
	if err := reg.RegisterDevice(name, dev); err != nil {
		_ = dev.Close()
		return err
	}
	defer func() {
		if cerr := reg.Close(context.WithoutCancel(ctx)); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	h, err := reg.Mount(ctx, name, a.cfg.SessionOptions(name))
	if err != nil {
		return err
	}
	s, err := reg.Session(h)
	if err != nil {
		return err
	}
	return fn(reg, s)
}

// ============================================================================
// Partition
// ============================================================================

func runFormat(ctx context.Context, a *app, args []string) error {
	fs := pflag.NewFlagSet("format", pflag.ContinueOnError)
	name := fs.String("name", a.cfg.Format.Name, "Partition name (truncated to 16 bytes)")
	pieces := fs.Uint64("pieces", a.cfg.Format.PieceCount, "Piece count (0 fills the device)")
	pieceSize := fs.Uint16("piece-size", a.cfg.Format.PieceSizeMiB, "Piece size in MiB")
	keyLength := fs.Int("key-length", a.cfg.Format.KeyLength, "Name index key length k")
	buckets := fs.Uint32("buckets", a.cfg.Format.BucketCount, "Index bucket count (0 derives it)")
	capacity := fs.Uint32("capacity", a.cfg.Format.BucketCapacity, "Slots per index bucket")
	if _, err := parse(fs, args, 0, 0); err != nil {
		return err
	}

	a.cfg.Format = config.FormatConfig{
		Name:           *name,
		PieceSizeMiB:   *pieceSize,
		PieceCount:     *pieces,
		KeyLength:      *keyLength,
		BucketCount:    *buckets,
		BucketCapacity: *capacity,
	}
	if err := config.Validate(a.cfg); err != nil {
		return err
	}

	dev, err := config.CreateDevice(ctx, &a.cfg.Device)
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()

	h, err := shfs.Format(ctx, dev, a.cfg.FormatOptions())
	if err != nil {
		return err
	}

	a.printf("Formatted %q: %d pieces of %s, %s free\n",
		h.NameString(), h.PieceCount, humanize.IBytes(h.PieceBytes()), humanize.IBytes(h.FreeSpace))
	return nil
}

func runInspect(ctx context.Context, a *app, args []string) error {
	if _, err := parse(pflag.NewFlagSet("inspect", pflag.ContinueOnError), args, 0, 0); err != nil {
		return err
	}

	return a.withSession(ctx, func(s *shfs.Session) error {
		info, err := s.Info()
		if err != nil {
			return err
		}
		h, d, l := info.Header, info.Descriptor, info.Layout

		a.printf("Partition:   %q (rev %d)\n", h.NameString(), h.Rev)
		a.printf("Pieces:      %d x %s (%d used, %d free)\n",
			h.PieceCount, humanize.IBytes(h.PieceBytes()), info.UsedPieces, info.FreePieces)
		a.printf("Capacity:    %s, %s free, %s usable\n",
			humanize.IBytes(h.Capacity()), humanize.IBytes(info.FreePieces*h.PieceBytes()), humanize.IBytes(info.UsableBytes))
		a.printf("Index end:   %d\n", h.IndexEnd)
		a.printf("Buckets:     %d x %d slots at [%d, %d)\n", l.BucketCount, l.BucketCapacity, l.BucketOffset(0), l.BucketsEnd)
		a.printf("Bitmap:      %d bytes at %d\n", l.BitmapBytes, l.BitmapOffset)
		a.printf("Catalog:     head piece %d, generation %d\n", d.CatalogHead, d.CatalogGeneration)
		a.printf("Entries:     %d\n", info.Entries)
		a.printf("Name index:  k=%d, %d paths, %d unindexed buckets, stale=%t\n",
			d.KeyLength, info.IndexedPaths, info.UnindexedBuckets, info.IndexStale)
		return nil
	})
}

func runScrub(ctx context.Context, a *app, args []string) error {
	if _, err := parse(pflag.NewFlagSet("scrub", pflag.ContinueOnError), args, 0, 0); err != nil {
		return err
	}

	return a.withSession(ctx, func(s *shfs.Session) error {
		report, err := s.Scrub(ctx)
		if err != nil {
			return err
		}
		if report.Clean() {
			a.printf("Clean: %s free\n", humanize.IBytes(report.FreeAfter))
			return nil
		}
		a.printf("Reclaimed %d leaked pieces %v\n", len(report.Leaked), report.Leaked)
		a.printf("Marked %d missing pieces %v\n", len(report.Missing), report.Missing)
		a.printf("Index rebuilt: %t (%d buckets overflowed)\n", report.IndexRebuilt, report.Overflowed)
		a.printf("Free space: %s -> %s\n", humanize.IBytes(report.FreeBefore), humanize.IBytes(report.FreeAfter))
		return nil
	})
}

func runReindex(ctx context.Context, a *app, args []string) error {
	if _, err := parse(pflag.NewFlagSet("reindex", pflag.ContinueOnError), args, 0, 0); err != nil {
		return err
	}

	return a.withSession(ctx, func(s *shfs.Session) error {
		overflowed, err := s.RebuildIndex(ctx, 0)
		if err != nil {
			return err
		}
		a.printf("Index rebuilt, %d buckets overflowed\n", overflowed)
		return nil
	})
}

// ============================================================================
// Files
// ============================================================================

func runList(ctx context.Context, a *app, args []string) error {
	rest, err := parse(pflag.NewFlagSet("ls", pflag.ContinueOnError), args, 0, 1)
	if err != nil {
		return err
	}
	dir := "/"
	if len(rest) == 1 {
		dir = rest[0]
	}

	return a.withSession(ctx, func(s *shfs.Session) error {
		names, err := s.List(ctx, dir)
		if err != nil {
			return err
		}
		for _, name := range names {
			e, err := s.Stat(ctx, path.Join(dir, name))
			if err != nil {
				return err
			}
			if e.IsDir() {
				name += "/"
			}
			a.printf("%-9s %10s  %s\n", e.Type, humanize.IBytes(e.Size), name)
		}
		return nil
	})
}

func runMkdir(ctx context.Context, a *app, args []string) error {
	fs := pflag.NewFlagSet("mkdir", pflag.ContinueOnError)
	parents := fs.BoolP("parents", "p", false, "Create missing parents; existing directories are not an error")
	rest, err := parse(fs, args, 1, 1)
	if err != nil {
		return err
	}

	return a.withSession(ctx, func(s *shfs.Session) error {
		if !*parents {
			return s.Mkdir(ctx, rest[0])
		}
		return mkdirAll(ctx, s, rest[0])
	})
}

func mkdirAll(ctx context.Context, s *shfs.Session, p string) error {
	clean := path.Clean("/" + p)
	dir := ""
	for _, part := range strings.Split(strings.TrimPrefix(clean, "/"), "/") {
		if part == "" {
			continue
		}
		dir += "/" + part
		err := s.Mkdir(ctx, dir)
		if err == nil {
			continue
		}
		if !errors.Is(err, tree.ErrAlreadyExists) {
			return err
		}
		if e, serr := s.Stat(ctx, dir); serr != nil || !e.IsDir() {
			return err
		}
	}
	return nil
}

func runPut(ctx context.Context, a *app, args []string) error {
	rest, err := parse(pflag.NewFlagSet("put", pflag.ContinueOnError), args, 2, 2)
	if err != nil {
		return err
	}

	var data []byte
	if rest[0] == "-" {
		data, err = io.ReadAll(a.stdin)
	} else {
		data, err = os.ReadFile(rest[0])
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", rest[0], err)
	}

	return a.withSession(ctx, func(s *shfs.Session) error {
		if err := s.WriteFile(ctx, rest[1], data); err != nil {
			return err
		}
		logger.Debug("put %s: %d bytes", rest[1], len(data))
		a.printf("Wrote %s to %s\n", humanize.IBytes(uint64(len(data))), rest[1])
		return nil
	})
}

func runGet(ctx context.Context, a *app, args []string) error {
	rest, err := parse(pflag.NewFlagSet("get", pflag.ContinueOnError), args, 1, 2)
	if err != nil {
		return err
	}

	return a.withSession(ctx, func(s *shfs.Session) error {
		data, err := s.ReadFile(ctx, rest[0])
		if err != nil {
			return err
		}
		if len(rest) == 1 || rest[1] == "-" {
			_, err = a.stdout.Write(data)
			return err
		}
		return os.WriteFile(rest[1], data, 0644)
	})
}

func runRemove(ctx context.Context, a *app, args []string) error {
	rest, err := parse(pflag.NewFlagSet("rm", pflag.ContinueOnError), args, 1, 1)
	if err != nil {
		return err
	}

	return a.withSession(ctx, func(s *shfs.Session) error {
		return s.Delete(ctx, rest[0])
	})
}

func runStat(ctx context.Context, a *app, args []string) error {
	rest, err := parse(pflag.NewFlagSet("stat", pflag.ContinueOnError), args, 1, 1)
	if err != nil {
		return err
	}

	return a.withSession(ctx, func(s *shfs.Session) error {
		e, err := s.Stat(ctx, rest[0])
		if err != nil {
			return err
		}
		head := "-"
		if e.Head != alloc.NoPiece {
			head = fmt.Sprint(e.Head)
		}
		a.printf("Path:    %s\n", e.Path)
		a.printf("Type:    %s\n", e.Type)
		a.printf("ID:      %d\n", e.ID)
		a.printf("Size:    %s (%d bytes)\n", humanize.IBytes(e.Size), e.Size)
		a.printf("Pieces:  %d (head %s)\n", e.Pieces, head)
		return nil
	})
}

func runFind(ctx context.Context, a *app, args []string) error {
	rest, err := parse(pflag.NewFlagSet("find", pflag.ContinueOnError), args, 1, 1)
	if err != nil {
		return err
	}

	return a.withSession(ctx, func(s *shfs.Session) error {
		matches, err := s.Lookup(ctx, rest[0])
		if err != nil {
			return err
		}
		for _, e := range matches {
			a.printf("%s\n", e.Path)
		}
		return nil
	})
}

// ============================================================================
// Service
// ============================================================================

func runServeMetrics(ctx context.Context, a *app, args []string) error {
	fs := pflag.NewFlagSet("serve-metrics", pflag.ContinueOnError)
	port := fs.Int("port", a.cfg.Metrics.Port, "HTTP port for /metrics, /status and /healthz")
	if _, err := parse(fs, args, 0, 0); err != nil {
		return err
	}

	a.cfg.Metrics.Enabled = true
	a.cfg.Metrics.Port = *port
	server := config.InitializeMetrics(a.cfg)

	return a.withMount(ctx, func(reg *registry.Registry, s *shfs.Session) error {
		server.Attach(reg)
		logger.Info("Serving metrics for %s; press Ctrl+C to stop", s.Name())
		return server.Start(ctx)
	})
}

func runConfig(_ context.Context, a *app, args []string) error {
	if len(args) == 0 || args[0] != "init" {
		return fmt.Errorf("config: expected subcommand 'init': %w", errUsage)
	}

	fs := pflag.NewFlagSet("config init", pflag.ContinueOnError)
	force := fs.BoolP("force", "f", false, "Overwrite an existing file")
	target := fs.String("path", a.configPath, "Destination (default: the default config path)")
	if _, err := parse(fs, args[1:], 0, 0); err != nil {
		return err
	}

	var err error
	dest := *target
	if dest == "" {
		dest, err = config.InitConfig(*force)
	} else {
		err = config.InitConfigToPath(dest, *force)
	}
	if err != nil {
		return err
	}

	a.printf("Configuration written to %s\n", dest)
	return nil
}
