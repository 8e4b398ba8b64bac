// Package blockdevice defines the contract between container image
// translators and the consumers of the linear volume they expose.
package blockdevice

import "io"

// Device is a read-only, byte-addressable linear volume.
//
// ReadAt follows the io.ReaderAt contract: a read that starts inside the
// volume but runs past its end returns the bytes up to the end together
// with io.EOF, a read at or beyond the end returns (0, io.EOF). Reads
// never wrap around.
type Device interface {
	io.ReaderAt

	// IsValid reports whether the backing container was recognized.
	// Callers must check it before issuing reads.
	IsValid() bool

	// Size returns the logical volume size in bytes. It is independent
	// of how many blocks the container has actually allocated.
	Size() int64
}
