// Package testimage builds byte-exact disk image fixtures for tests:
// FAT volumes of all three widths, MBR-partitioned disks and sparse VDI
// containers wrapping them.
package testimage

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf16"
)

const SectorSize = 512

// MemDevice serves a byte slice as a block device.
type MemDevice struct {
	Data []byte
}

func (d MemDevice) IsValid() bool { return true }

func (d MemDevice) Size() int64 { return int64(len(d.Data)) }

func (d MemDevice) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(d.Data)) {
		return 0, io.EOF
	}
	n := copy(p, d.Data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Partition is a minimal types.Partition implementation for mounting a
// FAT volume at a fixed offset in tests.
type Partition struct {
	Start uint64
	Sz    uint64
}

func (p Partition) Name() string            { return "test" }
func (p Partition) Bootable() bool          { return false }
func (p Partition) GetStartOffset() uint64  { return p.Start }
func (p Partition) GetSize() uint64         { return p.Sz }
func (p Partition) GetType() string         { return "test" }
func (p Partition) IsSupported() bool       { return true }

// FATFile describes one file (or its enclosing subdirectory) to place
// into a built FAT volume.
type FATFile struct {
	// Dir is the name of a root-level subdirectory to place the file
	// in, or "" for the root directory. Created on demand.
	Dir string

	// Short is the raw 11-byte 8.3 name, space padded ("MYDOCU~1TXT").
	Short string

	// Long, when non-empty, emits a long file name chain before the
	// short record.
	Long string

	Data []byte

	// BadChecksum corrupts the checksum linking the long name chain to
	// its short record.
	BadChecksum bool
}

// FATVolume describes a volume to build.
type FATVolume struct {
	Bits              int // 12, 16 or 32
	SectorsPerCluster int // default 1
	ClusterCount      int // default: smallest natural count for Bits
	Files             []FATFile
}

type fatBuilder struct {
	spec FATVolume

	sectorSize     int
	spc            int
	clusterSize    int
	reserved       int
	rootEntries    int
	clusterCount   int
	fatSectors     int
	rootDirSectors int
	totalSectors   int

	buf      []byte
	fat      []uint32 // cluster -> next
	nextFree uint32
}

// BuildFAT assembles the volume and returns its raw bytes.
func BuildFAT(spec FATVolume) []byte {
	b := &fatBuilder{spec: spec, sectorSize: SectorSize}

	b.spc = spec.SectorsPerCluster
	if b.spc == 0 {
		b.spc = 1
	}
	b.clusterSize = b.sectorSize * b.spc
	b.reserved = 1

	b.clusterCount = spec.ClusterCount
	if b.clusterCount == 0 {
		switch spec.Bits {
		case 12:
			b.clusterCount = 0x80
		case 16:
			b.clusterCount = 0xFF5 + 0x40
		case 32:
			b.clusterCount = 0xFFF5 + 0x10
		default:
			panic(fmt.Sprintf("bad FAT width %d", spec.Bits))
		}
	}

	if spec.Bits == 32 {
		b.rootEntries = 0
	} else {
		b.rootEntries = 512
	}
	b.rootDirSectors = b.rootEntries * 32 / b.sectorSize

	entries := b.clusterCount + 2
	var fatBytes int
	switch spec.Bits {
	case 12:
		fatBytes = (entries*3 + 1) / 2
	case 16:
		fatBytes = entries * 2
	case 32:
		fatBytes = entries * 4
	}
	b.fatSectors = (fatBytes + b.sectorSize - 1) / b.sectorSize

	b.totalSectors = b.reserved + b.fatSectors + b.rootDirSectors + b.clusterCount*b.spc
	b.buf = make([]byte, b.totalSectors*b.sectorSize)
	b.fat = make([]uint32, entries)
	b.fat[0] = 0x0FFFFFF8
	b.fat[1] = 0x0FFFFFFF
	b.nextFree = 2

	rootCluster := uint32(0)
	if spec.Bits == 32 {
		rootCluster = b.allocChain(1)
	}

	b.writeBPB(rootCluster)

	// Group files by directory, allocating one cluster per subdirectory
	// for its records.
	type dir struct {
		cluster uint32 // 0 = fixed root area
		records []byte
	}
	dirs := map[string]*dir{"": {cluster: rootCluster}}
	order := []string{""}

	for _, f := range spec.Files {
		if f.Dir == "" {
			continue
		}
		if _, ok := dirs[f.Dir]; ok {
			continue
		}
		c := b.allocChain(1)
		d := &dir{cluster: c}
		d.records = append(d.records, b.makeRecords(FATFile{Short: "."}, c, 0, 0x10)...)
		d.records = append(d.records, b.makeRecords(FATFile{Short: ".."}, 0, 0, 0x10)...)
		dirs[f.Dir] = d
		order = append(order, f.Dir)
		dirs[""].records = append(dirs[""].records, b.makeRecords(FATFile{
			Short: padShort(f.Dir),
		}, c, 0, 0x10)...)
	}

	for _, f := range spec.Files {
		first := uint32(0)
		if len(f.Data) > 0 {
			n := (len(f.Data) + b.clusterSize - 1) / b.clusterSize
			first = b.allocChain(n)
			b.writeClusters(first, f.Data)
		}
		d := dirs[f.Dir]
		d.records = append(d.records, b.makeRecords(f, first, uint32(len(f.Data)), 0x20)...)
	}

	// Flush directory records.
	for _, name := range order {
		d := dirs[name]
		if d.cluster == 0 {
			copy(b.buf[(b.reserved+b.fatSectors)*b.sectorSize:], d.records)
		} else {
			if len(d.records) > b.clusterSize {
				panic("directory records exceed one cluster")
			}
			b.writeClusters(d.cluster, d.records)
		}
	}

	b.writeFAT()
	return b.buf
}

func (b *fatBuilder) writeBPB(rootCluster uint32) {
	s := b.buf
	s[0], s[1], s[2] = 0xEB, 0x3C, 0x90
	copy(s[3:11], "COPYVMTS")
	binary.LittleEndian.PutUint16(s[11:13], uint16(b.sectorSize))
	s[13] = byte(b.spc)
	binary.LittleEndian.PutUint16(s[14:16], uint16(b.reserved))
	s[16] = 1 // one FAT
	binary.LittleEndian.PutUint16(s[17:19], uint16(b.rootEntries))
	s[21] = 0xF8

	if b.spec.Bits == 32 {
		binary.LittleEndian.PutUint32(s[32:36], uint32(b.totalSectors))
		binary.LittleEndian.PutUint32(s[36:40], uint32(b.fatSectors))
		binary.LittleEndian.PutUint32(s[44:48], rootCluster)
	} else {
		if b.totalSectors < 0x10000 {
			binary.LittleEndian.PutUint16(s[19:21], uint16(b.totalSectors))
		} else {
			binary.LittleEndian.PutUint32(s[32:36], uint32(b.totalSectors))
		}
		binary.LittleEndian.PutUint16(s[22:24], uint16(b.fatSectors))
	}

	binary.LittleEndian.PutUint16(s[510:512], 0xAA55)
}

// allocChain allocates n sequential clusters linked into one chain and
// returns the first.
func (b *fatBuilder) allocChain(n int) uint32 {
	first := b.nextFree
	for i := 0; i < n; i++ {
		c := b.nextFree
		b.nextFree++
		if i == n-1 {
			b.fat[c] = 0x0FFFFFFF // end of chain, clipped per width on write
		} else {
			b.fat[c] = c + 1
		}
	}
	return first
}

func (b *fatBuilder) clusterOffset(c uint32) int {
	dataStart := (b.reserved + b.fatSectors + b.rootDirSectors) * b.sectorSize
	return dataStart + int(c-2)*b.clusterSize
}

func (b *fatBuilder) writeClusters(first uint32, data []byte) {
	c := first
	for off := 0; off < len(data); off += b.clusterSize {
		end := off + b.clusterSize
		if end > len(data) {
			end = len(data)
		}
		copy(b.buf[b.clusterOffset(c):], data[off:end])
		c = b.fat[c]
	}
}

func (b *fatBuilder) writeFAT() {
	out := b.buf[b.reserved*b.sectorSize:]
	switch b.spec.Bits {
	case 12:
		for i, v := range b.fat {
			if v > 0xFFF {
				v = 0xFFF
			}
			off := i + i/2
			if i&1 == 0 {
				out[off] = byte(v)
				out[off+1] = out[off+1]&0xF0 | byte(v>>8)&0x0F
			} else {
				out[off] = out[off]&0x0F | byte(v&0x0F)<<4
				out[off+1] = byte(v >> 4)
			}
		}
	case 16:
		for i, v := range b.fat {
			if v > 0xFFFF {
				v = 0xFFFF
			}
			binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
		}
	case 32:
		for i, v := range b.fat {
			binary.LittleEndian.PutUint32(out[i*4:], v)
		}
	}
}

// makeRecords emits the LFN chain (if any) followed by the short
// record for one directory entry.
func (b *fatBuilder) makeRecords(f FATFile, firstCluster, size uint32, attr byte) []byte {
	short := []byte(padShort(f.Short))
	if len(short) != 11 {
		panic(fmt.Sprintf("short name %q must pad to 11 bytes", f.Short))
	}

	var out []byte
	if f.Long != "" {
		sum := Checksum(short)
		if f.BadChecksum {
			sum++
		}

		units := utf16.Encode([]rune(f.Long))
		count := (len(units) + 12) / 13
		for seq := count; seq >= 1; seq-- {
			rec := make([]byte, 32)
			rec[0] = byte(seq)
			if seq == count {
				rec[0] |= 0x40
			}
			rec[11] = 0x0F
			rec[13] = sum

			frag := make([]uint16, 13)
			for i := range frag {
				frag[i] = 0xFFFF
			}
			for i := 0; i < 13; i++ {
				k := (seq-1)*13 + i
				if k < len(units) {
					frag[i] = units[k]
				} else if k == len(units) {
					frag[i] = 0x0000
				}
			}
			k := 0
			for off := 1; off <= 9; off += 2 {
				binary.LittleEndian.PutUint16(rec[off:], frag[k])
				k++
			}
			for off := 14; off <= 24; off += 2 {
				binary.LittleEndian.PutUint16(rec[off:], frag[k])
				k++
			}
			for off := 28; off <= 30; off += 2 {
				binary.LittleEndian.PutUint16(rec[off:], frag[k])
				k++
			}
			out = append(out, rec...)
		}
	}

	rec := make([]byte, 32)
	copy(rec[:11], short)
	rec[11] = attr
	binary.LittleEndian.PutUint16(rec[22:24], 12<<11|30<<5) // 12:30:00
	binary.LittleEndian.PutUint16(rec[24:26], (2023-1980)<<9|6<<5|15)
	binary.LittleEndian.PutUint16(rec[20:22], uint16(firstCluster>>16))
	binary.LittleEndian.PutUint16(rec[26:28], uint16(firstCluster))
	binary.LittleEndian.PutUint32(rec[28:32], size)
	return append(out, rec...)
}

// padShort space-pads a "NAME" or 11-byte raw name to the on-disk form.
func padShort(s string) string {
	for len(s) < 11 {
		s += " "
	}
	return s[:11]
}

// Checksum is the 8.3 rotate-and-add checksum carried by LFN records.
func Checksum(short []byte) byte {
	var sum byte
	for _, c := range short {
		sum = (sum&1)<<7 + sum>>1 + c
	}
	return sum
}

// MBRPartition describes one entry for WrapMBR.
type MBRPartition struct {
	Type     byte
	Boot     bool
	StartLBA uint32
	Sectors  uint32
}

// MBRSector builds a single 512-byte MBR sector. withSignature false
// leaves the 0x55AA marker out.
func MBRSector(parts []MBRPartition, withSignature bool) []byte {
	s := make([]byte, SectorSize)
	for i, p := range parts {
		e := s[0x1BE+i*16:]
		if p.Boot {
			e[0] = 0x80
		}
		e[4] = p.Type
		binary.LittleEndian.PutUint32(e[8:12], p.StartLBA)
		binary.LittleEndian.PutUint32(e[12:16], p.Sectors)
	}
	if withSignature {
		binary.LittleEndian.PutUint16(s[510:512], 0xAA55)
	}
	return s
}

// WrapMBR builds a raw disk: an MBR with one partition of the given
// type at startLBA, followed by the volume content.
func WrapMBR(volume []byte, partType byte, startLBA uint32) []byte {
	sectors := uint32((len(volume) + SectorSize - 1) / SectorSize)
	disk := make([]byte, int(startLBA)*SectorSize+int(sectors)*SectorSize)
	copy(disk, MBRSector([]MBRPartition{{Type: partType, StartLBA: startLBA, Sectors: sectors}}, true))
	copy(disk[int(startLBA)*SectorSize:], volume)
	return disk
}

// VDIOptions tweaks WrapVDI.
type VDIOptions struct {
	Version        uint32 // major<<16|minor; default 1<<16|1
	BlockSize      int    // default 1 MiB
	HeaderSize     uint32 // v1 declared size; default 384
	ExtraBlockData uint32
	BadSignature   bool
	DiskSize       int64 // default len(raw)
	ImageType      uint32
}

// WrapVDI wraps raw disk content in a VDI container. Blocks that are
// entirely zero stay unallocated to exercise the sparse path.
func WrapVDI(raw []byte, opt VDIOptions) []byte {
	if opt.Version == 0 {
		opt.Version = 1<<16 | 1
	}
	if opt.BlockSize == 0 {
		opt.BlockSize = 1 << 20
	}
	if opt.HeaderSize == 0 {
		opt.HeaderSize = 384
	}
	if opt.DiskSize == 0 {
		opt.DiskSize = int64(len(raw))
	}
	if opt.ImageType == 0 {
		opt.ImageType = 1
	}

	blockCount := int(opt.DiskSize+int64(opt.BlockSize)-1) / opt.BlockSize

	version0 := opt.Version>>16 == 0
	var offBlocks int
	if version0 {
		offBlocks = 72 + 348
	} else {
		offBlocks = 72 + 4 + int(opt.HeaderSize)
	}
	offData := (offBlocks + blockCount*4 + 511) &^ 511

	// Pass 1: find allocated blocks.
	table := make([]uint32, blockCount)
	allocated := 0
	for i := 0; i < blockCount; i++ {
		start := i * opt.BlockSize
		end := start + opt.BlockSize
		if start >= len(raw) {
			table[i] = 0xFFFFFFFF
			continue
		}
		if end > len(raw) {
			end = len(raw)
		}
		zero := true
		for _, c := range raw[start:end] {
			if c != 0 {
				zero = false
				break
			}
		}
		if zero {
			table[i] = 0xFFFFFFFF
			continue
		}
		table[i] = uint32(allocated)
		allocated++
	}

	img := make([]byte, offData+allocated*opt.BlockSize)
	copy(img, "<<< test disk image >>>\x00")
	sig := uint32(0xBEDA107F)
	if opt.BadSignature {
		sig++
	}
	binary.LittleEndian.PutUint32(img[64:68], sig)
	binary.LittleEndian.PutUint32(img[68:72], opt.Version)

	if version0 {
		h := img[72:]
		binary.LittleEndian.PutUint32(h[0:4], opt.ImageType)
		// comment, geometry left zero
		binary.LittleEndian.PutUint64(h[280:288], uint64(opt.DiskSize))
		binary.LittleEndian.PutUint32(h[288:292], uint32(opt.BlockSize))
		binary.LittleEndian.PutUint32(h[292:296], uint32(blockCount))
		binary.LittleEndian.PutUint32(h[296:300], uint32(allocated))
	} else {
		binary.LittleEndian.PutUint32(img[72:76], opt.HeaderSize)
		h := img[76:]
		binary.LittleEndian.PutUint32(h[0:4], opt.ImageType)
		binary.LittleEndian.PutUint32(h[264:268], uint32(offBlocks))
		binary.LittleEndian.PutUint32(h[268:272], uint32(offData))
		binary.LittleEndian.PutUint64(h[292:300], uint64(opt.DiskSize))
		binary.LittleEndian.PutUint32(h[300:304], uint32(opt.BlockSize))
		binary.LittleEndian.PutUint32(h[304:308], opt.ExtraBlockData)
		binary.LittleEndian.PutUint32(h[308:312], uint32(blockCount))
		binary.LittleEndian.PutUint32(h[312:316], uint32(allocated))
		h[316] = 0xAB // uuidCreate, arbitrary non-zero
	}

	for i, entry := range table {
		binary.LittleEndian.PutUint32(img[offBlocks+i*4:], entry)
		if entry >= 0xFFFFFFFE {
			continue
		}
		start := i * opt.BlockSize
		end := start + opt.BlockSize
		if end > len(raw) {
			end = len(raw)
		}
		copy(img[offData+int(entry)*opt.BlockSize:], raw[start:end])
	}

	return img
}
