package vdi

const (
	// Signature identifies a VirtualBox disk image. Stored little
	// endian right after the 64 byte info text.
	Signature = uint32(0xBEDA107F)

	// PreambleSize covers the info text, the signature and the version.
	PreambleSize = 72

	// Block table entries at or above BlockDiscarded read as zero.
	BlockFree      = uint32(0xFFFFFFFF)
	BlockDiscarded = uint32(0xFFFFFFFE)
)

type ImageType uint32

const (
	TypeNormal ImageType = iota + 1
	TypeFixed
	TypeUndo
	TypeDiff

/* Not Support */
//	TypeDifferencing images reference a parent image through the
//	linkage UUID and are rejected by the translator.
)
