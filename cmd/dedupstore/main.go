// Command dedupstore is a versioned, deduplicated file store on a single
// pool database. File content is chunked into a content-addressed store, so
// identical data between files and versions is stored once.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	dedupstore "github.com/wolfeidau/dedupstore"
	"github.com/wolfeidau/dedupstore/backend"
	"github.com/wolfeidau/dedupstore/chunker"
	"github.com/wolfeidau/dedupstore/filestore"
	"github.com/wolfeidau/dedupstore/index"
	"github.com/wolfeidau/dedupstore/recipe"
	"github.com/wolfeidau/dedupstore/store"
	"github.com/wolfeidau/dedupstore/telemetry"
)

var version = "dev"

// Exit codes, distinguishable enough for scripting.
const (
	exitNotFound    = 2
	exitUnavailable = 3
	exitCorrupt     = 4
)

type globals struct {
	Pool        string           `help:"Path to the pool database file." default:"dedupstore.db" env:"DEDUPSTORE_POOL"`
	ChunkSize   int              `help:"Chunk size in bytes for new writes." default:"4194304" env:"DEDUPSTORE_CHUNK_SIZE"`
	Compression string           `help:"Compression codec for new objects." enum:"none,zstd,s2" default:"none" env:"DEDUPSTORE_COMPRESSION"`
	LogLevel    string           `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"DEDUPSTORE_LOG_LEVEL"`
	LogFormat   string           `help:"Log format." enum:"text,json" default:"text" env:"DEDUPSTORE_LOG_FORMAT"`
	MetricsAddr string           `help:"Serve Prometheus metrics on this address while the command runs." env:"DEDUPSTORE_METRICS_ADDR"`
	OTLP        string           `help:"OTLP gRPC endpoint to export metrics to." env:"DEDUPSTORE_OTLP_ENDPOINT"`
	Version     kong.VersionFlag `help:"Print version and exit."`
}

type cli struct {
	globals

	Put      putCmd      `cmd:"" help:"Store a file as a new version of a name."`
	Get      getCmd      `cmd:"" help:"Read a version of a name."`
	Read     readCmd     `cmd:"" help:"Read a byte range of a version."`
	Versions versionsCmd `cmd:"" help:"List the versions of a name."`
	Rm       rmCmd       `cmd:"" help:"Remove a version, or all versions, of a name."`
	Ls       lsCmd       `cmd:"" help:"List the names in the store."`
	Info     infoCmd     `cmd:"" help:"Show pool statistics."`
	Audit    auditCmd    `cmd:"" help:"Report unreferenced objects and abandoned writes."`
}

// app holds the wired-up store layers shared by all commands.
type app struct {
	fs      *filestore.FileStore
	cas     *store.CAS
	intents *filestore.IntentLog
}

func main() {
	var flags cli

	ctx := context.Background()

	kctx := kong.Parse(&flags,
		kong.Name("dedupstore"),
		kong.Description("Versioned, deduplicated file storage on a single pool database."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	logger := newLogger(flags.LogLevel, flags.LogFormat)
	slog.SetDefault(logger)

	shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "dedupstore",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLP,
		EnablePrometheus: flags.MetricsAddr != "",
	})
	if err != nil {
		logger.Warn("metrics disabled", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	if flags.MetricsAddr != "" {
		go serveMetrics(flags.MetricsAddr, logger)
	}

	a, cleanup, err := newApp(flags.globals, logger)
	if err != nil {
		logger.Error("opening store", "pool", flags.Pool, "error", err)
		os.Exit(exitCode(err))
	}
	defer cleanup()

	if err := kctx.Run(a); err != nil {
		logger.Error("command failed", "error", err)
		cleanup()
		os.Exit(exitCode(err))
	}
}

func newApp(flags globals, logger *slog.Logger) (*app, func(), error) {
	bolt, err := backend.NewBolt(flags.Pool)
	if err != nil {
		return nil, nil, err
	}

	b := backend.NewInstrumented(bolt, "bolt")

	codecID := flags.Compression
	if codecID == "none" {
		codecID = store.CodecIdentity
	}
	codec, err := store.CodecFor(codecID)
	if err != nil {
		_ = bolt.Close()
		return nil, nil, err
	}

	cas := store.New(b, store.WithCodec(codec), store.WithLogger(logger))
	ix := index.New(b, index.WithLogger(logger))
	intents := filestore.NewIntentLog(b)

	fs := filestore.New(cas, ix,
		filestore.WithChunker(chunker.NewFixed(flags.ChunkSize)),
		filestore.WithIntentLog(intents),
		filestore.WithLogger(logger),
	)

	a := &app{
		fs:      fs,
		cas:     cas,
		intents: intents,
	}
	return a, func() { _ = bolt.Close() }, nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: lvl}))
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.PrometheusHandler())

	logger.Info("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", "error", err)
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, backend.ErrNotFound):
		return exitNotFound
	case errors.Is(err, backend.ErrUnavailable):
		return exitUnavailable
	case errors.Is(err, recipe.ErrCorrupt), errors.Is(err, store.ErrFingerprintMismatch):
		return exitCorrupt
	default:
		return 1
	}
}

type putCmd struct {
	Name string `arg:"" help:"Name to store the content under."`
	Path string `arg:"" optional:"" default:"-" help:"File to read, or - for stdin."`
}

func (c *putCmd) Run(ctx context.Context, a *app) error {
	data, err := readInput(c.Path)
	if err != nil {
		return err
	}

	ts, err := a.fs.WriteFull(ctx, c.Name, data)
	if err != nil {
		return err
	}

	fmt.Printf("%s %d\n", c.Name, ts)
	return nil
}

type getCmd struct {
	Name   string `arg:"" help:"Name to read."`
	Output string `arg:"" optional:"" default:"-" help:"File to write, or - for stdout."`
	TS     uint64 `help:"Version timestamp; latest if omitted." name:"ts"`
}

func (c *getCmd) Run(ctx context.Context, a *app) error {
	data, err := a.fs.ReadFull(ctx, c.Name, c.TS)
	if err != nil {
		return err
	}
	return writeOutput(c.Output, data)
}

type readCmd struct {
	Name   string `arg:"" help:"Name to read."`
	Offset uint64 `arg:"" help:"Byte offset to read from."`
	Length uint64 `arg:"" help:"Number of bytes to read."`
	TS     uint64 `help:"Version timestamp; latest if omitted." name:"ts"`
}

func (c *readCmd) Run(ctx context.Context, a *app) error {
	data, err := a.fs.ReadAt(ctx, c.Name, c.TS, c.Offset, c.Length)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

type versionsCmd struct {
	Name string `arg:"" help:"Name to list versions of."`
}

func (c *versionsCmd) Run(ctx context.Context, a *app) error {
	versions, err := a.fs.Versions(ctx, c.Name)
	if err != nil {
		return err
	}

	for _, v := range versions {
		when := time.Unix(0, int64(v.Timestamp)).UTC().Format(time.RFC3339)
		fmt.Printf("%d\t%s\t%s\n", v.Timestamp, when, v.Recipe.ShortString())
	}
	return nil
}

type rmCmd struct {
	Name string `arg:"" help:"Name to remove from."`
	TS   uint64 `help:"Version timestamp to remove; latest if omitted." name:"ts" xor:"target"`
	All  bool   `help:"Remove every version and the name itself." xor:"target"`
}

func (c *rmCmd) Run(ctx context.Context, a *app) error {
	if c.All {
		return a.fs.RemoveAll(ctx, c.Name)
	}
	return a.fs.RemoveVersion(ctx, c.Name, c.TS)
}

type lsCmd struct {
	Long bool `short:"l" help:"Include size and version count per name."`
}

func (c *lsCmd) Run(ctx context.Context, a *app) error {
	return a.fs.Names(ctx, func(name string) error {
		if !c.Long {
			fmt.Println(name)
			return nil
		}

		versions, err := a.fs.Versions(ctx, name)
		if err != nil {
			return err
		}

		if len(versions) == 0 {
			fmt.Printf("%s\t0 versions\n", name)
			return nil
		}

		stat, err := a.fs.StatVersion(ctx, name, index.Head)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%d bytes\t%d versions\n", name, stat.Size, len(versions))
		return nil
	})
}

type infoCmd struct {
	Fingerprint string `arg:"" optional:"" help:"Inspect one object instead of the whole pool."`
}

func (c *infoCmd) Run(ctx context.Context, a *app) error {
	if c.Fingerprint != "" {
		fp, err := dedupstore.ParseFingerprint(c.Fingerprint)
		if err != nil {
			return err
		}

		stat, err := a.cas.Stat(ctx, fp)
		if err != nil {
			return err
		}

		fmt.Printf("fingerprint:   %s\n", stat.Fingerprint)
		fmt.Printf("algorithm:     %s\n", stat.Algorithm)
		fmt.Printf("codec:         %s\n", stat.Codec)
		fmt.Printf("size:          %d\n", stat.OriginalLength)
		fmt.Printf("stored size:   %d\n", stat.StoredLength)
		fmt.Printf("refcount:      %d\n", stat.Refcount)
		return nil
	}

	info, err := a.cas.Info(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("objects:       %d\n", info.Objects)
	fmt.Printf("references:    %d\n", info.TotalRefs)
	fmt.Printf("unreferenced:  %d\n", info.Unreferenced)
	return nil
}

type auditCmd struct {
	StaleAfter time.Duration `help:"Age after which an intent counts as abandoned." default:"1h"`
}

func (c *auditCmd) Run(ctx context.Context, a *app) error {
	info, err := a.cas.Info(ctx)
	if err != nil {
		return err
	}

	if info.Unreferenced > 0 {
		fmt.Printf("%d unreferenced objects:\n", info.Unreferenced)
		err := a.cas.List(ctx, func(fp dedupstore.Fingerprint, refcount uint64) error {
			if refcount == 0 {
				fmt.Printf("  %s\n", fp.String())
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	stale, err := a.intents.Stale(ctx, c.StaleAfter)
	if err != nil {
		return err
	}

	for _, intent := range stale {
		fmt.Printf("abandoned write of %q started %s\n", intent.Name, intent.StartedAt.Format(time.RFC3339))
	}

	if info.Unreferenced == 0 && len(stale) == 0 {
		fmt.Println("clean")
	}
	return nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func writeOutput(path string, data []byte) error {
	if path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0644)
}
