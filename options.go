package pixcache

import "github.com/pixcache/pixcache/disklru"

const (
	defaultDiskSize   = 512 << 20
	defaultMemorySize = 64 << 20
)

// Options configures a Cache.
type Options struct {
	// Dir is the directory for the disk tier. It must be owned
	// exclusively by one Cache instance.
	Dir string

	// DiskSize is the maximum bytes of committed image data on disk
	// (default 512MB).
	DiskSize int64

	// MemorySize is the maximum bytes held by the in-memory tier
	// (default 64MB).
	MemorySize int64

	// AppVersion invalidates all cached entries when it changes, for
	// example when the on-disk encoding of metadata is revised.
	AppVersion int

	// FileSystem overrides the storage backend of the disk tier.
	// Defaults to the real file system.
	FileSystem disklru.FileSystem

	// Metrics receives cache observations. Nil disables metrics.
	Metrics *Metrics

	// manualMaintenance makes disk maintenance run only during Flush.
	// Tests use it for deterministic scheduling.
	manualMaintenance bool
}

func (o Options) withDefaults() Options {
	if o.DiskSize <= 0 {
		o.DiskSize = defaultDiskSize
	}
	if o.MemorySize <= 0 {
		o.MemorySize = defaultMemorySize
	}
	return o
}
