// Package fat reads FAT12, FAT16 and FAT32 volumes from a block device
// partition. It is strictly read-only.
package fat

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"

	"github.com/chasonr/copyvmfile/pkg/blockdevice"
	"github.com/chasonr/copyvmfile/pkg/disk/types"
)

const (
	FAT12 = iota
	FAT16
	FAT32
)

const (
	// Cluster count thresholds separating the three FAT widths.
	maxFAT12Clusters = 0xFF4
	maxFAT16Clusters = 0xFFF4

	// endOfChain is the sentinel nextCluster maps every on-disk
	// end-of-chain value to. It is not a valid cluster number.
	endOfChain = uint32(0xFFFFFFFF)

	// rootCluster value signalling the fixed FAT12/16 root area.
	fixedRoot = uint32(0)

	recordSize = 32
)

var (
	ErrNoFileSystem  = xerrors.New("no FAT file system found")
	ErrRootDirectory = xerrors.New("path refers to the root directory")
	ErrNotExist      = xerrors.New("file does not exist")
	ErrIsDirectory   = xerrors.New("is a directory")
	ErrNotDirectory  = xerrors.New("not a directory")
)

// FileSystem interprets one FAT volume. All geometry is derived once at
// construction and never mutated, so any number of file handles can
// read through it concurrently as long as the underlying device
// serializes its own I/O.
type FileSystem struct {
	dev blockdevice.Device

	fsType int

	sectorSize        uint32
	sectorsPerCluster uint32
	clusterSize       uint32
	clusterCount      uint32

	// Absolute byte offsets on the device, partition start included.
	fatOffset     int64
	rootDirOffset int64 // FAT12/16 fixed root area
	rootDirSize   int64
	dataOffset    int64

	rootCluster uint32 // fixedRoot for FAT12/16
}

/*
### BIOS Parameter Block (relevant fields)
+--------+------+-------------------------------------+
| Offset | Size | Description                         |
+--------+------+-------------------------------------+
| 0      | 3    | Jump instruction (0xEB .. / 0xE9)   |
| 11     | 2    | Bytes per sector                    |
| 13     | 1    | Sectors per cluster                 |
| 14     | 2    | Reserved sector count               |
| 16     | 1    | Number of FATs                      |
| 17     | 2    | Root entry count (0 on FAT32)       |
| 19     | 2    | Total sectors 16 (0 -> use 32)      |
| 22     | 2    | Sectors per FAT 16 (0 -> use 32)    |
| 32     | 4    | Total sectors 32                    |
| 36     | 4    | Sectors per FAT 32                  |
| 44     | 4    | Root directory cluster (FAT32)      |
| 510    | 2    | Boot sector signature 0x55AA        |
+--------+------+-------------------------------------+
*/

// New interprets the FAT volume inside the given partition of dev.
func New(dev blockdevice.Device, partition types.Partition) (*FileSystem, error) {
	base := int64(partition.GetStartOffset())

	buf := make([]byte, 512)
	if _, err := dev.ReadAt(buf, base); err != nil && err != io.EOF {
		return nil, xerrors.Errorf("failed to read boot sector: %w", err)
	}

	if binary.LittleEndian.Uint16(buf[510:512]) != 0xAA55 {
		return nil, ErrNoFileSystem
	}
	if buf[0] != 0xEB && buf[0] != 0xE9 {
		return nil, ErrNoFileSystem
	}

	sectorSize := uint32(binary.LittleEndian.Uint16(buf[11:13]))
	sectorsPerCluster := uint32(buf[13])
	reservedSectors := uint32(binary.LittleEndian.Uint16(buf[14:16]))
	numFATs := uint32(buf[16])
	rootEntries := uint32(binary.LittleEndian.Uint16(buf[17:19]))
	totalSectors := uint32(binary.LittleEndian.Uint16(buf[19:21]))
	sectorsPerFAT := uint32(binary.LittleEndian.Uint16(buf[22:24]))

	if sectorSize == 0 || sectorsPerCluster == 0 || numFATs == 0 {
		return nil, ErrNoFileSystem
	}

	// Zeroed 16-bit fields defer to their FAT32 counterparts.
	if totalSectors == 0 {
		totalSectors = binary.LittleEndian.Uint32(buf[32:36])
	}
	if sectorsPerFAT == 0 {
		sectorsPerFAT = binary.LittleEndian.Uint32(buf[36:40])
	}
	if totalSectors == 0 || sectorsPerFAT == 0 {
		return nil, ErrNoFileSystem
	}

	rootDirSectors := (rootEntries*recordSize + sectorSize - 1) / sectorSize
	metaSectors := reservedSectors + numFATs*sectorsPerFAT + rootDirSectors
	if totalSectors < metaSectors {
		return nil, ErrNoFileSystem
	}
	clusterCount := (totalSectors - metaSectors) / sectorsPerCluster

	fs := &FileSystem{
		dev:               dev,
		fsType:            classify(clusterCount),
		sectorSize:        sectorSize,
		sectorsPerCluster: sectorsPerCluster,
		clusterSize:       sectorSize * sectorsPerCluster,
		clusterCount:      clusterCount,
		fatOffset:         base + int64(reservedSectors)*int64(sectorSize),
		rootDirOffset:     base + int64(reservedSectors+numFATs*sectorsPerFAT)*int64(sectorSize),
		rootDirSize:       int64(rootEntries) * recordSize,
		dataOffset:        base + int64(metaSectors)*int64(sectorSize),
		rootCluster:       fixedRoot,
	}
	if fs.fsType == FAT32 {
		fs.rootCluster = binary.LittleEndian.Uint32(buf[44:48])
	}

	return fs, nil
}

// classify derives the FAT width from the cluster count alone.
func classify(clusterCount uint32) int {
	switch {
	case clusterCount <= maxFAT12Clusters:
		return FAT12
	case clusterCount <= maxFAT16Clusters:
		return FAT16
	default:
		return FAT32
	}
}

// Type returns FAT12, FAT16 or FAT32.
func (fs *FileSystem) Type() int {
	return fs.fsType
}

// ClusterSize returns the allocation unit size in bytes.
func (fs *FileSystem) ClusterSize() int64 {
	return int64(fs.clusterSize)
}

// clusterOffset returns the absolute byte offset of a data cluster.
// Cluster numbering starts at 2.
func (fs *FileSystem) clusterOffset(cluster uint32) int64 {
	return fs.dataOffset + int64(cluster-2)*int64(fs.clusterSize)
}

// nextCluster follows the FAT chain one step. Every on-disk
// end-of-chain value maps to the single endOfChain sentinel.
func (fs *FileSystem) nextCluster(cluster uint32) (uint32, error) {
	var next uint32
	switch fs.fsType {
	case FAT12:
		// Entries are packed three nibbles each; the nibble layout
		// depends on the cluster number's parity.
		var buf [2]byte
		off := fs.fatOffset + int64(cluster) + int64(cluster)/2
		if _, err := fs.dev.ReadAt(buf[:], off); err != nil && err != io.EOF {
			return 0, xerrors.Errorf("failed to read FAT12 entry %d: %w", cluster, err)
		}
		v := uint32(binary.LittleEndian.Uint16(buf[:]))
		if cluster&1 == 1 {
			next = v >> 4
		} else {
			next = v & 0x0FFF
		}
		if next >= 0xFF8 {
			next = endOfChain
		}
	case FAT16:
		var buf [2]byte
		off := fs.fatOffset + int64(cluster)*2
		if _, err := fs.dev.ReadAt(buf[:], off); err != nil && err != io.EOF {
			return 0, xerrors.Errorf("failed to read FAT16 entry %d: %w", cluster, err)
		}
		next = uint32(binary.LittleEndian.Uint16(buf[:]))
		if next >= 0xFFF8 {
			next = endOfChain
		}
	default:
		var buf [4]byte
		off := fs.fatOffset + int64(cluster)*4
		if _, err := fs.dev.ReadAt(buf[:], off); err != nil && err != io.EOF {
			return 0, xerrors.Errorf("failed to read FAT32 entry %d: %w", cluster, err)
		}
		next = binary.LittleEndian.Uint32(buf[:]) & 0x0FFFFFFF
		if next >= 0x0FFFFFF8 {
			next = endOfChain
		}
	}
	return next, nil
}
