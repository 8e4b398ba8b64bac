package gpt

import (
	"bytes"
	"encoding/binary"
	"io"
	"unicode/utf16"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/chasonr/copyvmfile/pkg/disk/types"
)

const (
	Sector    = 512
	Signature = "EFI PART"

	// BootTypeID is the BIOS boot partition type GUID, whose mixed
	// endian bytes happen to spell this text.
	BootTypeID = "Hah!IdontNeedEFI"

	minEntrySize = 128
)

var (
	typeESP       = uuid.MustParse("C12A7328-F81F-11D2-BA4B-00A0C93EC93B")
	typeBasicData = uuid.MustParse("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7")
	typeLinuxFS   = uuid.MustParse("0FC63DAF-8483-4772-8E79-3D69D8477DE4")
)

var typeNames = map[uuid.UUID]string{
	typeESP:       "EFI System",
	typeBasicData: "Basic data",
	typeLinuxFS:   "Linux filesystem",
}

type GUIDPartitionTable struct {
	Header  Header
	Entries []PartitionEntry
}

type Header struct {
	Signature                [8]byte
	Revision                 [4]byte
	HeaderSize               uint32
	HeaderCRC                [4]byte
	Reserved                 [4]byte
	MyLBA                    uint64
	AlternateLBA             uint64
	FirstUsableLBA           uint64
	LastUsableLBA            uint64
	DiskGUID                 [16]byte
	PartitionEntryLBA        uint64
	NumberOfPartitionEntries uint32
	SizeOfPartitionEntry     uint32
	PartitionEntryArrayCRC32 [4]byte
}

type PartitionEntry struct {
	PartitionTypeGUID   [16]byte
	UniquePartitionGUID [16]byte
	StartingLBA         uint64
	EndingLBA           uint64
	Attributes          uint64
	PartitionName       [72]byte
}

func (pe PartitionEntry) Name() string {
	var units []uint16
	for i := 0; i+1 < len(pe.PartitionName); i += 2 {
		u := binary.LittleEndian.Uint16(pe.PartitionName[i : i+2])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

func (pe PartitionEntry) Bootable() bool {
	return string(pe.PartitionTypeGUID[:]) == BootTypeID
}

func (pe PartitionEntry) GetStartOffset() uint64 {
	return pe.StartingLBA * Sector
}

func (pe PartitionEntry) GetSize() uint64 {
	return (pe.EndingLBA - pe.StartingLBA + 1) * Sector
}

// TypeGUID returns the partition type identifier. The first three GUID
// fields are stored little endian on disk and are swapped here.
func (pe PartitionEntry) TypeGUID() uuid.UUID {
	return mixedEndianUUID(pe.PartitionTypeGUID)
}

func (pe PartitionEntry) GetType() string {
	t := pe.TypeGUID()
	if name, ok := typeNames[t]; ok {
		return name
	}
	return t.String()
}

func (pe PartitionEntry) IsSupported() bool {
	t := pe.TypeGUID()
	return t == typeESP || t == typeBasicData
}

func mixedEndianUUID(b [16]byte) uuid.UUID {
	var g [16]byte
	g[0], g[1], g[2], g[3] = b[3], b[2], b[1], b[0]
	g[4], g[5] = b[5], b[4]
	g[6], g[7] = b[7], b[6]
	copy(g[8:], b[8:])
	u, _ := uuid.FromBytes(g[:])
	return u
}

func (gpt *GUIDPartitionTable) GetPartitions() []types.Partition {
	var ps []types.Partition
	for _, pe := range gpt.Entries {
		ps = append(ps, pe)
	}
	return ps
}

// NewGUIDPartitionTable reads the GPT header at LBA 1 and the entry
// array it points at. Unused slots (zero starting LBA) are skipped. A
// declared entry size below the minimum yields an empty table.
func NewGUIDPartitionTable(r io.ReaderAt) (*GUIDPartitionTable, error) {
	buf := make([]byte, Sector)
	if _, err := r.ReadAt(buf, Sector); err != nil && err != io.EOF {
		return nil, xerrors.Errorf("failed to read GPT header: %w", err)
	}

	var gpt GUIDPartitionTable
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &gpt.Header); err != nil {
		return nil, xerrors.Errorf("failed to parse GPT header: %w", err)
	}
	if string(gpt.Header.Signature[:]) != Signature {
		return nil, xerrors.Errorf("invalid GPT signature: %q", gpt.Header.Signature)
	}
	if gpt.Header.SizeOfPartitionEntry < minEntrySize {
		return &gpt, nil
	}

	entrySize := int64(gpt.Header.SizeOfPartitionEntry)
	tableOff := int64(gpt.Header.PartitionEntryLBA) * Sector
	entry := make([]byte, entrySize)
	for i := int64(0); i < int64(gpt.Header.NumberOfPartitionEntries); i++ {
		if _, err := r.ReadAt(entry, tableOff+i*entrySize); err != nil && err != io.EOF {
			return nil, xerrors.Errorf("failed to read GPT partition entry[%d]: %w", i, err)
		}

		var pe PartitionEntry
		if err := binary.Read(bytes.NewReader(entry), binary.LittleEndian, &pe); err != nil {
			return nil, xerrors.Errorf("failed to parse GPT partition entry[%d]: %w", i, err)
		}
		if pe.StartingLBA == 0 {
			continue
		}
		gpt.Entries = append(gpt.Entries, pe)
	}

	return &gpt, nil
}
