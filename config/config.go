// Package config collects the construction parameters for filecache.Cache
// into one typed struct, built with functional options in the style of
// store/s3fifo.Config and store/gc.Config: a plain struct with defaulting
// applied by the owning constructor, wrapped here in an Option so callers
// don't have to remember every field name to get sane defaults.
package config

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/walles/bazel-buildfarm/digest"
)

// IndexBackend selects a dirindex.Index implementation.
type IndexBackend string

const (
	IndexMemory IndexBackend = "memory"
	IndexFile   IndexBackend = "file"
	IndexBolt   IndexBackend = "bolt"
)

const (
	// DefaultExistsTTL matches spec §4.6's 10s positive-cache TTL for
	// on-disk directory/file existence verification.
	DefaultExistsTTL = 10 * time.Second

	// DefaultWriteRaceWait is how long get_write waits for a concurrent
	// winner's Entry to appear after losing a createLink race (spec §4.5).
	DefaultWriteRaceWait = 100 * time.Millisecond
)

// Hooks bundles the optional callbacks named in spec §6.
type Hooks struct {
	OnPut    func(key digest.BlobKey)
	OnPutAll func(keys []digest.BlobKey)
	OnExpire func(key digest.BlobKey, size int64)
}

// Config holds every parameter needed to construct a filecache.Cache.
type Config struct {
	Root           string
	MaxSizeBytes   int64
	MaxEntrySize   int64
	DigestFunction digest.Function
	IndexBackend   IndexBackend
	IndexDBPath    string
	ExistsTTL      time.Duration
	WriteRaceWait  time.Duration
	Hooks          Hooks
	Logger         *slog.Logger
	Meter          metric.Meter

	// Delegate is the optional secondary ContentAddressableStorage used for
	// read-through on local miss and write-through on eviction (spec §6). It
	// is typed as `any` here to avoid an import cycle with package filecache,
	// which defines the Delegate interface itself; New in filecache asserts
	// it against filecache.Delegate.
	Delegate any
}

// Option mutates a Config during construction.
type Option func(*Config)

// WithDigestFunction overrides the default (BLAKE3) digest function.
func WithDigestFunction(fn digest.Function) Option {
	return func(c *Config) { c.DigestFunction = fn }
}

// WithIndexBackend selects which DirectoriesIndex implementation to use.
func WithIndexBackend(backend IndexBackend, dbPath string) Option {
	return func(c *Config) {
		c.IndexBackend = backend
		c.IndexDBPath = dbPath
	}
}

// WithExistsTTL overrides the positive-cache TTL for on-disk existence
// verification (spec §4.6).
func WithExistsTTL(ttl time.Duration) Option {
	return func(c *Config) { c.ExistsTTL = ttl }
}

// WithHooks installs the on_put/on_put_all/on_expire callbacks from spec §6.
func WithHooks(h Hooks) Option {
	return func(c *Config) { c.Hooks = h }
}

// WithLogger sets the structured logger used throughout filecache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithMeter stores an OpenTelemetry meter in Config.Meter. Config only
// carries it: telemetry.Init registers its instruments against its own
// meter provider, and nothing in filecache reads Config.Meter.
func WithMeter(meter metric.Meter) Option {
	return func(c *Config) { c.Meter = meter }
}

// WithDelegate installs the optional secondary ContentAddressableStorage
// used for read-through and write-through (spec §6). delegate must
// implement filecache.Delegate; passed as `any` to avoid a config<->filecache
// import cycle.
func WithDelegate(delegate any) Option {
	return func(c *Config) { c.Delegate = delegate }
}

// New builds a Config for root/maxSizeBytes/maxEntrySize, applying opts and
// then filling in defaults exactly as store/s3fifo.Config and
// store/gc.Config do: `if cfg.X <= 0 { cfg.X = default }`.
func New(root string, maxSizeBytes, maxEntrySize int64, opts ...Option) Config {
	cfg := Config{
		Root:         root,
		MaxSizeBytes: maxSizeBytes,
		MaxEntrySize: maxEntrySize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.DigestFunction == nil {
		cfg.DigestFunction = digest.BLAKE3
	}
	if cfg.IndexBackend == "" {
		cfg.IndexBackend = IndexMemory
	}
	if cfg.ExistsTTL <= 0 {
		cfg.ExistsTTL = DefaultExistsTTL
	}
	if cfg.WriteRaceWait <= 0 {
		cfg.WriteRaceWait = DefaultWriteRaceWait
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
