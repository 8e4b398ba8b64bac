package types

// Partition is one entry discovered in a partition table. Offsets and
// sizes are in bytes relative to the start of the block device.
type Partition interface {
	Name() string
	Bootable() bool
	GetStartOffset() uint64
	GetSize() uint64
	GetType() string

	// IsSupported reports whether the partition plausibly holds a file
	// system this tool can read.
	IsSupported() bool
}
