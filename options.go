package blockstore

import (
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// ImmediateCommit controls whether writes are treated as implicitly synced
// as soon as their I/O completes, trading durability for fewer round trips.
// It is only safe with a write-through or capacitor-backed device cache.
type ImmediateCommit int

const (
	// ImmediateCommitNone requires an explicit Sync for durability, the
	// default and safest setting.
	ImmediateCommitNone ImmediateCommit = iota
	// ImmediateCommitSmall treats small (journaled) writes as synced on
	// completion; big writes still require an explicit Sync.
	ImmediateCommitSmall
	// ImmediateCommitAll treats every write, small or big, as synced on
	// completion.
	ImmediateCommitAll
)

// UnmarshalYAML accepts either the bare strings "none"/"small"/"all" or a
// raw integer, for config-file friendliness.
func (c *ImmediateCommit) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		switch s {
		case "", "none", "NONE":
			*c = ImmediateCommitNone
		case "small", "SMALL":
			*c = ImmediateCommitSmall
		case "all", "ALL":
			*c = ImmediateCommitAll
		default:
			return errors.Newf("blockstore: unknown immediate_commit value %q", s)
		}
		return nil
	}
	var n int
	if err := value.Decode(&n); err != nil {
		return err
	}
	*c = ImmediateCommit(n)
	return nil
}

// Options configures one blockstore instance. It corresponds directly to
// the recognized configuration keys in the specification; YAML tags allow
// loading it from a config file via LoadOptions, matching how the rest of
// this codebase's operational tooling is configured.
type Options struct {
	DataDevice    string `yaml:"data_device"`
	MetaDevice    string `yaml:"meta_device"`
	JournalDevice string `yaml:"journal_device"`

	DataOffset uint64 `yaml:"data_offset"`
	MetaOffset uint64 `yaml:"meta_offset"`

	BlockSize uint32 `yaml:"block_size"`

	DataSize    uint64 `yaml:"data_size"`
	JournalSize uint64 `yaml:"journal_size"`

	DiskAlignment     uint32 `yaml:"disk_alignment"`
	JournalBlockSize  uint32 `yaml:"journal_block_size"`
	MetaBlockSize     uint32 `yaml:"meta_block_size"`
	BitmapGranularity uint32 `yaml:"bitmap_granularity"`

	Readonly     bool `yaml:"readonly"`
	DisableFlock bool `yaml:"disable_flock"`

	DisableDataFsync    bool `yaml:"disable_data_fsync"`
	DisableMetaFsync    bool `yaml:"disable_meta_fsync"`
	DisableJournalFsync bool `yaml:"disable_journal_fsync"`

	ImmediateCommit ImmediateCommit `yaml:"immediate_commit"`
	InmemoryMeta    bool            `yaml:"inmemory_meta"`

	FlusherCount int `yaml:"flusher_count"`

	// JournalSectorCount sizes the in-memory ring of journal sector
	// buffers; not part of the original configuration surface, but
	// without a bound here an adversarial workload could force unbounded
	// buffer growth.
	JournalSectorCount int `yaml:"journal_sector_count"`

	// JournalTrimInterval mirrors journal_trim_interval: the flusher
	// attempts a trim every this-many completed flushes.
	JournalTrimInterval int `yaml:"journal_trim_interval"`

	// MaxInflightIO bounds the number of device I/O submissions in flight
	// at once, modeling the fixed-size SQE slot pool of an io_uring-based
	// submission ring (spec.md §7's WAIT_SQE): once exhausted, further
	// submissions block until an earlier one completes rather than
	// growing an unbounded number of concurrent WriteAt/ReadAt calls.
	MaxInflightIO int `yaml:"max_inflight_io"`

	Logger Logger `yaml:"-"`
}

// EnsureDefaults fills in zero-valued fields with their documented defaults,
// mirroring Options.EnsureDefaults in the teacher codebase's options.go.
func (o *Options) EnsureDefaults() *Options {
	if o.DiskAlignment == 0 {
		o.DiskAlignment = 4096
	}
	if o.BlockSize == 0 {
		o.BlockSize = 128 * 1024
	}
	if o.JournalBlockSize == 0 {
		o.JournalBlockSize = o.DiskAlignment
	}
	if o.MetaBlockSize == 0 {
		o.MetaBlockSize = o.DiskAlignment
	}
	if o.BitmapGranularity == 0 {
		o.BitmapGranularity = 4096
	}
	if o.FlusherCount == 0 {
		o.FlusherCount = 4
	}
	if o.JournalSectorCount == 0 {
		o.JournalSectorCount = 32
	}
	if o.JournalTrimInterval == 0 {
		o.JournalTrimInterval = maxInt(o.FlusherCount/2, 1)
	}
	if o.MaxInflightIO == 0 {
		o.MaxInflightIO = 128
	}
	if o.Logger == nil {
		o.Logger = DefaultLogger{}
	}
	return o
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Validate checks internal consistency of the options that format/open must
// reject outright rather than silently reinterpret.
func (o *Options) Validate() error {
	if o.DataDevice == "" || o.MetaDevice == "" || o.JournalDevice == "" {
		return newError(ErrInvalidArgument, "blockstore: data_device, meta_device and journal_device are required")
	}
	if o.BlockSize == 0 || o.BlockSize&(o.BlockSize-1) != 0 {
		return newError(ErrInvalidArgument, "blockstore: block_size must be a power of two")
	}
	if o.BlockSize < o.DiskAlignment {
		return newError(ErrInvalidArgument, "blockstore: block_size must be >= disk_alignment")
	}
	if o.BitmapGranularity%o.DiskAlignment != 0 {
		return newError(ErrInvalidArgument, "blockstore: bitmap_granularity must be a multiple of disk_alignment")
	}
	return nil
}

// LoadOptions reads and parses a YAML config file at path into an Options,
// applying EnsureDefaults before returning.
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "blockstore: reading config %s", path)
	}
	var o Options
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, errors.Wrapf(err, "blockstore: parsing config %s", path)
	}
	o.EnsureDefaults()
	return &o, nil
}
