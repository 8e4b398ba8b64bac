package mbr

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/xerrors"

	"github.com/chasonr/copyvmfile/pkg/disk/types"
)

const (
	Signature = 0xAA55
	Sector    = 512

	entryOffset = 0x1BE
	entrySize   = 16

	TypeExtendedCHS   = 0x05
	TypeExtendedLBA   = 0x0F
	TypeProtectiveGPT = 0xEE

	// An extended partition chain deeper than this is considered
	// corrupt rather than followed.
	maxChainDepth = 64
)

/*
# Master Boot Record Spec
Master Boot Record always 512 bytes.
+------------------------+------+
|         Name           | Byte |
+------------------------+------+
| Bootstrap Code Area    | 446  |
| Partition 1            | 16   |
| Partition 2            | 16   |
| Partition 3            | 16   |
| Partition 4            | 16   |
| Boot Record Signature  | 2    |
+------------------------+------+

# Partition Entry Spec
+--------------------+------+---------------------------------+
|        Name        | Byte |           Description           |
+--------------------+------+---------------------------------+
| Boot Indicator     | 1    | 0x80 when bootable              |
| Starting CHS value | 3    | Not decoded                     |
| Partition type     | 1    | File system type code           |
| Ending CHS values  | 3    | Not decoded                     |
| Starting Sector    | 4    | LBA of first sector             |
| Partition Size     | 4    | Size in sectors                 |
+--------------------+------+---------------------------------+
*/
type MasterBootRecord struct {
	Partitions []Partition
}

type Partition struct {
	Boot     bool
	Type     byte
	index    int
	startOff uint64
	size     uint64
}

var typeNames = map[byte]string{
	0x01: "FAT12",
	0x04: "FAT16 <32M",
	0x05: "Extended",
	0x06: "FAT16",
	0x07: "NTFS/exFAT",
	0x0B: "FAT32",
	0x0C: "FAT32 LBA",
	0x0E: "FAT16 LBA",
	0x0F: "Extended LBA",
	0x82: "Linux swap",
	0x83: "Linux",
	0xEE: "GPT protective",
}

func (p Partition) Name() string {
	return fmt.Sprintf("p%d", p.index)
}

func (p Partition) Bootable() bool {
	return p.Boot
}

func (p Partition) GetStartOffset() uint64 {
	return p.startOff
}

func (p Partition) GetSize() uint64 {
	return p.size
}

func (p Partition) GetType() string {
	if name, ok := typeNames[p.Type]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", p.Type)
}

func (p Partition) IsSupported() bool {
	switch p.Type {
	case 0x01, 0x04, 0x06, 0x0B, 0x0C, 0x0E:
		return true
	}
	return false
}

// IsProtectiveGPT reports whether the entry is the protective marker a
// GPT disk puts in its legacy table.
func (p Partition) IsProtectiveGPT() bool {
	return p.Type == TypeProtectiveGPT
}

func (p Partition) isExtended() bool {
	return p.Type == TypeExtendedCHS || p.Type == TypeExtendedLBA
}

func (m *MasterBootRecord) GetPartitions() []types.Partition {
	var ps []types.Partition
	for _, p := range m.Partitions {
		ps = append(ps, p)
	}
	return ps
}

// NewMasterBootRecord scans the MBR at offset 0 and follows extended
// partition chains. A sector without the 0x55AA signature yields an
// empty table, not an error.
func NewMasterBootRecord(r io.ReaderAt) (*MasterBootRecord, error) {
	var mbr MasterBootRecord
	if err := mbr.scan(r, 0, 0); err != nil {
		return nil, err
	}
	return &mbr, nil
}

func (m *MasterBootRecord) scan(r io.ReaderAt, tableOffset uint64, depth int) error {
	if depth > maxChainDepth {
		return xerrors.Errorf("extended partition chain deeper than %d tables", maxChainDepth)
	}

	buf := make([]byte, Sector)
	if _, err := r.ReadAt(buf, int64(tableOffset)); err != nil && err != io.EOF {
		return xerrors.Errorf("failed to read partition table at %d: %w", tableOffset, err)
	}
	if binary.LittleEndian.Uint16(buf[510:512]) != Signature {
		return nil
	}

	var last *Partition
	for i := 0; i < 4; i++ {
		e := buf[entryOffset+i*entrySize : entryOffset+(i+1)*entrySize]

		lbaStart := binary.LittleEndian.Uint32(e[8:12])
		lbaCount := binary.LittleEndian.Uint32(e[12:16])
		if lbaCount == 0 {
			break
		}
		if lbaStart == 0 {
			// CHS-only entry, not decoded.
			continue
		}

		p := Partition{
			Boot:     e[0] == 0x80,
			Type:     e[4],
			index:    len(m.Partitions) + 1,
			startOff: tableOffset + uint64(lbaStart)*Sector,
			size:     uint64(lbaCount) * Sector,
		}
		m.Partitions = append(m.Partitions, p)
		last = &m.Partitions[len(m.Partitions)-1]
	}

	if last != nil && last.isExtended() {
		return m.scan(r, last.startOff, depth+1)
	}
	return nil
}
