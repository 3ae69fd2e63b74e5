package htlv

import (
	"os"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// BackpressurePolicy governs what happens when a sink queue is full.
type BackpressurePolicy string

const (
	// PolicyBlock stalls the producer until the queue drains. No data loss.
	PolicyBlock BackpressurePolicy = "block"
	// PolicyDrop discards the delivery and reports it through metrics and
	// the log.
	PolicyDrop BackpressurePolicy = "drop"
)

// DefaultFragmentMemoryLimit is the reassembly size above which fragmented
// fields are exposed as chunk chains instead of contiguous buffers. One
// oversized field must not force unbounded memory growth.
const DefaultFragmentMemoryLimit = 1 << 20

// DefaultMaxRecordSize bounds a single record's declared payload length so
// a hostile header cannot make prefetch allocate arbitrarily.
const DefaultMaxRecordSize = 256 << 20

// Config carries pipeline tuning and collaborators.
type Config struct {
	// DecodeWorkers is the decode-stage fan-out. Zero means GOMAXPROCS.
	DecodeWorkers int

	// QueueDepth bounds every inter-stage queue. Zero means 16.
	QueueDepth int

	// Backpressure applies to registered sink queues. Default PolicyBlock.
	Backpressure BackpressurePolicy

	// FragmentMemoryLimit is the eager-reassembly ceiling for fragmented
	// fields.
	FragmentMemoryLimit int

	// MaxRecordSize rejects records whose header declares a larger payload.
	MaxRecordSize uint64

	// Decompressor and Decryptor handle flagged payloads before decode.
	Decompressor Decompressor
	Decryptor    Decryptor

	// Validator, when set, is consulted for every decoded batch at
	// dispatch.
	Validator Validator

	Logger  zerolog.Logger
	Metrics *Metrics
}

// DefaultConfig returns the pipeline defaults: blocking backpressure, s2
// decompression, logging disabled.
func DefaultConfig() Config {
	return Config{
		DecodeWorkers:       runtime.GOMAXPROCS(0),
		QueueDepth:          16,
		Backpressure:        PolicyBlock,
		FragmentMemoryLimit: DefaultFragmentMemoryLimit,
		MaxRecordSize:       DefaultMaxRecordSize,
		Decompressor:        S2{},
		Logger:              zerolog.Nop(),
	}
}

func (c *Config) normalize() {
	if c.DecodeWorkers <= 0 {
		c.DecodeWorkers = runtime.GOMAXPROCS(0)
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 16
	}
	if c.Backpressure == "" {
		c.Backpressure = PolicyBlock
	}
	if c.FragmentMemoryLimit <= 0 {
		c.FragmentMemoryLimit = DefaultFragmentMemoryLimit
	}
	if c.MaxRecordSize == 0 {
		c.MaxRecordSize = DefaultMaxRecordSize
	}
}

type fileConfig struct {
	DecodeWorkers       int    `toml:"decode_workers"`
	QueueDepth          int    `toml:"queue_depth"`
	Backpressure        string `toml:"backpressure"`
	FragmentMemoryLimit int    `toml:"fragment_memory_limit"`
	MaxRecordSize       int64  `toml:"max_record_size"`
	Compression         string `toml:"compression"`
	LogLevel            string `toml:"log_level"`
}

// LoadConfig reads pipeline settings from a TOML file on top of the
// defaults. Unset keys keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "load pipeline config")
	}

	if meta.IsDefined("decode_workers") {
		cfg.DecodeWorkers = raw.DecodeWorkers
	}
	if meta.IsDefined("queue_depth") {
		cfg.QueueDepth = raw.QueueDepth
	}
	if meta.IsDefined("backpressure") {
		switch BackpressurePolicy(strings.TrimSpace(raw.Backpressure)) {
		case PolicyBlock:
			cfg.Backpressure = PolicyBlock
		case PolicyDrop:
			cfg.Backpressure = PolicyDrop
		default:
			return Config{}, errors.Errorf("unknown backpressure policy %q", raw.Backpressure)
		}
	}
	if meta.IsDefined("fragment_memory_limit") {
		cfg.FragmentMemoryLimit = raw.FragmentMemoryLimit
	}
	if meta.IsDefined("max_record_size") {
		if raw.MaxRecordSize < 0 {
			return Config{}, errors.New("max_record_size must be positive")
		}
		cfg.MaxRecordSize = uint64(raw.MaxRecordSize)
	}
	if meta.IsDefined("compression") {
		switch strings.TrimSpace(raw.Compression) {
		case "s2":
			cfg.Decompressor = S2{}
		case "snappy":
			cfg.Decompressor = Snappy{}
		case "none":
			cfg.Decompressor = nil
		default:
			return Config{}, errors.Errorf("unknown compression %q", raw.Compression)
		}
	}
	if meta.IsDefined("log_level") {
		level, err := zerolog.ParseLevel(strings.TrimSpace(raw.LogLevel))
		if err != nil {
			return Config{}, errors.Wrap(err, "parse log_level")
		}
		cfg.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("component", "htlv").Logger().Level(level)
	}

	cfg.normalize()
	return cfg, nil
}
