// Command cafcd is a small CLI over a filecache.Cache rooted at a local
// directory: put a blob in, materialize a directory, or inspect the
// cache's counters. It exists to exercise the library end to end without
// standing up the gRPC CAS front end that spec.md places out of scope.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/walles/bazel-buildfarm/config"
	"github.com/walles/bazel-buildfarm/digest"
	"github.com/walles/bazel-buildfarm/filecache"
	"github.com/walles/bazel-buildfarm/telemetry"
)

type globals struct {
	Root         string `help:"Cache root directory." default:"./cafc-root" type:"path"`
	MaxSize      int64  `help:"Maximum total cache size in bytes." default:"1073741824"`
	MaxEntrySize int64  `help:"Maximum size of a single entry, in bytes. Defaults to max-size." default:"0"`
	LogLevel     string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	MetricsAddr  string `help:"Address to serve Prometheus metrics on; empty disables it." default:""`
	DelegateRoot string `help:"Root directory of a secondary filesystem-backed CAS used for read/write-through; empty disables it." default:"" type:"path"`

	cache  *filecache.Cache
	logger *slog.Logger
}

// recordGauges runs until ctx is cancelled, periodically snapshotting
// cache's §4.1 observability counters into the gauges registered by
// telemetry.Init.
func recordGauges(ctx context.Context, cache *filecache.Cache) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			telemetry.RecordGauges(ctx, cache.Size(), int64(cache.EntryCount()),
				int64(cache.UnreferencedEntryCount()), int64(cache.DirectoryStorageCount()))
		case <-ctx.Done():
			return
		}
	}
}

type putCmd struct {
	File string `arg:"" help:"Path of the file to ingest." type:"existingfile"`
}

func (c *putCmd) Run(g *globals) error {
	data, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("reading %s: %w", c.File, err)
	}
	d := digest.BLAKE3.Compute(data)

	g.cache.Put(context.Background(), d, bytes.NewReader(data))
	g.logger.Info("put complete", "digest", d, "path", c.File)
	fmt.Printf("%s/%d\n", d.Hash, d.Size)
	return nil
}

type getCmd struct {
	Hash   string `arg:"" help:"Blob hash."`
	Size   int64  `arg:"" help:"Blob size in bytes."`
	Output string `help:"Destination file; defaults to stdout." short:"o"`
}

func (c *getCmd) Run(g *globals) error {
	d := digest.Build(c.Hash, c.Size)
	rc, err := g.cache.NewInput(context.Background(), d, 0)
	if err != nil {
		return fmt.Errorf("reading %s: %w", d, err)
	}
	defer func() { _ = rc.Close() }()

	var out io.Writer = os.Stdout
	if c.Output != "" {
		f, err := os.Create(c.Output)
		if err != nil {
			return fmt.Errorf("creating %s: %w", c.Output, err)
		}
		defer func() { _ = f.Close() }()
		out = f
	}
	_, err = io.Copy(out, rc)
	return err
}

type materializeCmd struct {
	Dir string `arg:"" help:"Local directory tree to ingest and materialize through the cache." type:"existingdir"`
}

func (c *materializeCmd) Run(g *globals) error {
	ctx := context.Background()
	tree := make(map[digest.Digest]digest.Directory)

	root, err := ingestDirectory(ctx, g.cache, c.Dir, tree)
	if err != nil {
		return fmt.Errorf("ingesting %s: %w", c.Dir, err)
	}

	index := filecache.DirectoryIndexFunc(func(_ context.Context, d digest.Digest) (digest.Directory, error) {
		dir, ok := tree[d]
		if !ok {
			return digest.Directory{}, fmt.Errorf("unknown directory digest %s", d)
		}
		return dir, nil
	})

	path, err := g.cache.PutDirectory(ctx, root, index)
	if err != nil {
		return fmt.Errorf("materializing %s: %w", c.Dir, err)
	}
	g.logger.Info("materialize complete", "digest", root, "path", path)
	fmt.Println(path)
	return nil
}

// ingestDirectory walks dir, Put-ing every file's content into cache so
// PutDirectory's file-input lookups hit locally, and records every
// Directory message it builds in tree so a DirectoryIndexFunc can resolve
// them back. Returns dir's own digest.
func ingestDirectory(ctx context.Context, cache *filecache.Cache, dir string, tree map[digest.Digest]digest.Directory) (digest.Digest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return digest.Digest{}, err
	}

	var msg digest.Directory
	for _, entry := range entries {
		path := dir + "/" + entry.Name()
		if entry.IsDir() {
			childDigest, err := ingestDirectory(ctx, cache, path, tree)
			if err != nil {
				return digest.Digest{}, err
			}
			msg.Directories = append(msg.Directories, digest.DirectoryNode{Name: entry.Name(), Digest: childDigest})
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return digest.Digest{}, err
		}
		d := digest.BLAKE3.Compute(data)
		if len(data) > 0 {
			cache.Put(ctx, d, bytes.NewReader(data))
		}
		info, err := entry.Info()
		if err != nil {
			return digest.Digest{}, err
		}
		executable := info.Mode()&0o111 != 0
		msg.Files = append(msg.Files, digest.FileNode{Name: entry.Name(), Digest: d, IsExecutable: executable})
	}

	msg.SortEntries()
	d := digest.ComputeDirectoryDigest(digest.BLAKE3, msg)
	tree[d] = msg
	return d, nil
}

type gcCmd struct {
	Target int64 `help:"Shrink the cache to at most this many bytes by evicting unreferenced entries." required:""`
}

func (c *gcCmd) Run(g *globals) error {
	before := g.cache.Size()
	if err := g.cache.ShrinkTo(context.Background(), c.Target); err != nil {
		return fmt.Errorf("shrinking cache: %w", err)
	}
	g.logger.Info("gc complete", "before_bytes", before, "after_bytes", g.cache.Size())
	return nil
}

type statsCmd struct{}

func (c *statsCmd) Run(g *globals) error {
	fmt.Printf("size_bytes=%d entries=%d unreferenced=%d directories=%d evicted_count=%d evicted_bytes=%d\n",
		g.cache.Size(), g.cache.EntryCount(), g.cache.UnreferencedEntryCount(),
		g.cache.DirectoryStorageCount(), g.cache.EvictedCount(), g.cache.EvictedSize())
	return nil
}

type cli struct {
	globals

	Put         putCmd         `cmd:"" help:"Ingest a local file into the cache."`
	Get         getCmd         `cmd:"" help:"Read a blob out of the cache by digest."`
	Materialize materializeCmd `cmd:"" help:"Ingest a local directory tree and materialize it through the cache."`
	Stats       statsCmd       `cmd:"" help:"Print cache counters."`
	GC          gcCmd          `cmd:"" help:"Evict unreferenced entries down to a target size."`
}

func main() {
	var c cli
	kctx := kong.Parse(&c, kong.Name("cafcd"), kong.Description("Content-addressable file cache CLI."))

	level := slog.LevelInfo
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	c.logger = logger

	maxEntry := c.MaxEntrySize
	if maxEntry <= 0 {
		maxEntry = c.MaxSize
	}
	cfg := config.New(c.Root, c.MaxSize, maxEntry, config.WithLogger(logger))
	if c.DelegateRoot != "" {
		delegate, err := filecache.NewFilesystemDelegate(c.DelegateRoot, cfg.DigestFunction)
		kctx.FatalIfErrorf(err)
		cfg.Delegate = delegate
	}

	cache, err := filecache.New(cfg)
	kctx.FatalIfErrorf(err)
	c.cache = cache

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	shutdownMetrics, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:      "cafcd",
		EnablePrometheus: c.MetricsAddr != "",
	})
	kctx.FatalIfErrorf(err)
	defer func() { _ = shutdownMetrics(context.Background()) }()

	var metricsServer *http.Server
	if c.MetricsAddr != "" {
		if handler := telemetry.Handler(); handler != nil {
			mux := http.NewServeMux()
			mux.Handle("/metrics", handler)
			metricsServer = &http.Server{Addr: c.MetricsAddr, Handler: mux}
			go func() {
				if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Warn("metrics server stopped", "error", err)
				}
			}()
		}
	}
	go recordGauges(ctx, cache)

	startCtx, startCancel := context.WithTimeout(ctx, 5*time.Minute)
	results, err := cache.Start(startCtx, false)
	startCancel()
	kctx.FatalIfErrorf(err)
	logger.Debug("startup rescan complete",
		"accepted", results.Accepted, "rejected", results.Rejected,
		"directories", results.Directories, "duration", results.Duration)

	err = kctx.Run(&c.globals)
	_ = cache.Close()
	if metricsServer != nil {
		_ = metricsServer.Close()
	}
	kctx.FatalIfErrorf(err)
}
