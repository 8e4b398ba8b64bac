package vdi

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/chasonr/copyvmfile/pkg/blockdevice"
)

/*
### VDI Layout
+-----------+-----------------+----------------------------------------+
| Offset    | Size            | Description                            |
+-----------+-----------------+----------------------------------------+
| 0         | 64              | Info text, NUL terminated              |
| 64        | 4               | Signature 0xBEDA107F                   |
| 68        | 4               | Version (major<<16 | minor)            |
| 72        | 348 / 4+n       | Header (v0 fixed, v1 self sized)       |
| offBlocks | 4 * blockCount  | Block pointer table                    |
| offData   | ...             | Data region, block aligned             |
+-----------+-----------------+----------------------------------------+
*/

var (
	ErrInvalidSignature   = xerrors.New("invalid VDI signature")
	ErrUnsupportedVersion = xerrors.New("unsupported VDI version")
	ErrMalformedHeader    = xerrors.New("malformed VDI header")
	ErrUnsupportedFeature = xerrors.New("unsupported VDI feature")
)

const (
	headerV0Size    = 348
	headerV1MinSize = 384
	headerV1MaxSize = 400
)

// Geometry is the legacy cylinder/head/sector record carried in the
// header. It is informational only, the translator never uses it.
type Geometry struct {
	Cylinders  uint32
	Heads      uint32
	Sectors    uint32
	SectorSize uint32
}

type headerV0 struct {
	ImageType       uint32
	Flags           uint32
	Comment         [256]byte
	Geometry        Geometry
	DiskSize        uint64
	BlockSize       uint32
	BlockCount      uint32
	BlocksAllocated uint32
	UUIDCreate      [16]byte
	UUIDModify      [16]byte
	UUIDLinkage     [16]byte
}

type headerV1 struct {
	ImageType       uint32
	Flags           uint32
	Comment         [256]byte
	OffBlocks       uint32
	OffData         uint32
	Geometry        Geometry
	Dummy           uint32
	DiskSize        uint64
	BlockSize       uint32
	ExtraBlockData  uint32
	BlockCount      uint32
	BlocksAllocated uint32
	UUIDCreate      [16]byte
	UUIDModify      [16]byte
	UUIDLinkage     [16]byte
	UUIDParent      [16]byte
}

// VDI translates a sparse VirtualBox disk image into the linear volume
// promised by blockdevice.Device. The block pointer table is looked up
// on every block read instead of being loaded into memory, so large
// images stay cheap to open.
type VDI struct {
	r      io.ReaderAt
	closer io.Closer

	valid   bool
	version uint32

	diskSize   int64
	blockSize  int64
	blockCount uint32
	offBlocks  int64
	offData    int64

	imageType  ImageType
	geometry   Geometry
	uuidCreate uuid.UUID
	uuidModify uuid.UUID
}

var _ blockdevice.Device = &VDI{}

// Open opens the named image file and wraps it as a block device.
func Open(name string) (*VDI, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, xerrors.Errorf("failed to open %s: %w", name, err)
	}

	v, err := New(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	v.closer = f
	return v, nil
}

// New parses the image preamble and header from r. A signature mismatch
// is not an error: the device is returned with IsValid reporting false,
// callers must check it before reading.
func New(r io.ReaderAt) (*VDI, error) {
	v := &VDI{r: r}

	preamble := make([]byte, PreambleSize)
	if _, err := r.ReadAt(preamble, 0); err != nil {
		return nil, xerrors.Errorf("failed to read preamble: %w", err)
	}
	if binary.LittleEndian.Uint32(preamble[64:68]) != Signature {
		return v, nil
	}
	v.valid = true
	v.version = binary.LittleEndian.Uint32(preamble[68:72])

	var err error
	switch v.version >> 16 {
	case 0:
		err = v.parseHeaderV0()
	case 1:
		err = v.parseHeaderV1()
	default:
		err = xerrors.Errorf("version %d.%d: %w", v.version>>16, v.version&0xFFFF, ErrUnsupportedVersion)
	}
	if err != nil {
		return nil, err
	}

	return v, nil
}

func (v *VDI) parseHeaderV0() error {
	buf := make([]byte, headerV0Size)
	if _, err := v.r.ReadAt(buf, PreambleSize); err != nil {
		return xerrors.Errorf("failed to read v0 header: %w", err)
	}

	var h headerV0
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &h); err != nil {
		return xerrors.Errorf("failed to parse v0 header: %w", err)
	}

	v.imageType = ImageType(h.ImageType)
	v.geometry = h.Geometry
	v.diskSize = int64(h.DiskSize)
	v.blockSize = int64(h.BlockSize)
	v.blockCount = h.BlockCount
	v.uuidCreate, _ = uuid.FromBytes(h.UUIDCreate[:])
	v.uuidModify, _ = uuid.FromBytes(h.UUIDModify[:])

	// Version 0 carries no table or data offsets. The table follows the
	// header and the data region starts at the next sector boundary.
	v.offBlocks = PreambleSize + headerV0Size
	v.offData = (v.offBlocks + int64(h.BlockCount)*4 + 511) &^ 511

	return v.validateGeometry()
}

func (v *VDI) parseHeaderV1() error {
	var lenBuf [4]byte
	if _, err := v.r.ReadAt(lenBuf[:], PreambleSize); err != nil {
		return xerrors.Errorf("failed to read v1 header size: %w", err)
	}
	headerSize := binary.LittleEndian.Uint32(lenBuf[:])
	if headerSize < headerV1MinSize {
		return xerrors.Errorf("declared header size %d: %w", headerSize, ErrMalformedHeader)
	}
	if headerSize > headerV1MaxSize {
		headerSize = headerV1MaxSize
	}

	buf := make([]byte, headerSize)
	if _, err := v.r.ReadAt(buf, PreambleSize+4); err != nil {
		return xerrors.Errorf("failed to read v1 header: %w", err)
	}

	r := bytes.NewReader(buf)
	var h headerV1
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return xerrors.Errorf("failed to parse v1 header: %w", err)
	}

	if h.ExtraBlockData != 0 {
		return xerrors.Errorf("extra block data %d bytes: %w", h.ExtraBlockData, ErrUnsupportedFeature)
	}

	v.imageType = ImageType(h.ImageType)
	v.geometry = h.Geometry
	v.diskSize = int64(h.DiskSize)
	v.blockSize = int64(h.BlockSize)
	v.blockCount = h.BlockCount
	v.offBlocks = int64(h.OffBlocks)
	v.offData = int64(h.OffData)
	v.uuidCreate, _ = uuid.FromBytes(h.UUIDCreate[:])
	v.uuidModify, _ = uuid.FromBytes(h.UUIDModify[:])

	// The current (LCHS) geometry record only exists when the declared
	// header size reaches the extended layout.
	if headerSize >= headerV1MaxSize {
		var lchs Geometry
		if err := binary.Read(r, binary.LittleEndian, &lchs); err != nil {
			return xerrors.Errorf("failed to parse extended geometry: %w", err)
		}
		v.geometry = lchs
	}

	return v.validateGeometry()
}

func (v *VDI) validateGeometry() error {
	if v.blockSize <= 0 || v.diskSize < 0 {
		return xerrors.Errorf("block size %d, disk size %d: %w", v.blockSize, v.diskSize, ErrMalformedHeader)
	}
	if v.imageType == TypeDiff {
		return xerrors.Errorf("differencing image: %w", ErrUnsupportedFeature)
	}
	return nil
}

// IsValid reports whether the image signature matched.
func (v *VDI) IsValid() bool {
	return v.valid
}

// Size returns the logical disk size in bytes.
func (v *VDI) Size() int64 {
	return v.diskSize
}

// Version returns the raw header version (major<<16 | minor).
func (v *VDI) Version() uint32 {
	return v.version
}

// UUID returns the image creation UUID.
func (v *VDI) UUID() uuid.UUID {
	return v.uuidCreate
}

// Geometry returns the disk geometry record, preferring the current
// (LCHS) geometry when the header carries the extended layout.
func (v *VDI) Geometry() Geometry {
	return v.geometry
}

// ModifyUUID returns the "last modification" UUID.
func (v *VDI) ModifyUUID() uuid.UUID {
	return v.uuidModify
}

func (v *VDI) Close() error {
	if v.closer == nil {
		return nil
	}
	return v.closer.Close()
}

// ReadAt reads from the logical volume. Requests past the end of the
// disk are truncated and reported with io.EOF, never wrapped.
func (v *VDI) ReadAt(p []byte, off int64) (int, error) {
	if !v.valid {
		return 0, ErrInvalidSignature
	}
	if off < 0 {
		return 0, xerrors.New("negative offset")
	}
	if off >= v.diskSize {
		return 0, io.EOF
	}

	length := int64(len(p))
	eof := false
	if off+length > v.diskSize {
		length = v.diskSize - off
		eof = true
	}
	if length == 0 {
		return 0, nil
	}

	startBlock := off / v.blockSize
	endBlock := (off + length - 1) / v.blockSize
	if endBlock >= int64(v.blockCount) {
		endBlock = int64(v.blockCount) - 1
		clipped := (endBlock+1)*v.blockSize - off
		if clipped < length {
			length = clipped
			eof = true
		}
	}
	if startBlock > endBlock || length <= 0 {
		return 0, io.EOF
	}

	var n int64
	if startBlock == endBlock {
		if err := v.readBlock(startBlock, off%v.blockSize, p[:length]); err != nil {
			return int(n), err
		}
		n = length
	} else {
		// Tail of the first block, whole blocks in between, head of the
		// last block.
		head := v.blockSize - off%v.blockSize
		if err := v.readBlock(startBlock, off%v.blockSize, p[:head]); err != nil {
			return int(n), err
		}
		n = head

		for block := startBlock + 1; block < endBlock; block++ {
			if err := v.readBlock(block, 0, p[n:n+v.blockSize]); err != nil {
				return int(n), err
			}
			n += v.blockSize
		}

		if err := v.readBlock(endBlock, 0, p[n:length]); err != nil {
			return int(n), err
		}
		n = length
	}

	if eof {
		return int(n), io.EOF
	}
	return int(n), nil
}

// readBlock resolves one logical block through the block pointer table
// and fills dst with its content starting at blockOff. Unallocated
// blocks read as zero.
func (v *VDI) readBlock(block, blockOff int64, dst []byte) error {
	var entry [4]byte
	if _, err := v.r.ReadAt(entry[:], v.offBlocks+block*4); err != nil {
		return xerrors.Errorf("failed to read block table entry %d: %w", block, err)
	}

	mapped := binary.LittleEndian.Uint32(entry[:])
	if mapped >= BlockDiscarded {
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}

	off := v.offData + int64(mapped)*v.blockSize + blockOff
	if _, err := v.r.ReadAt(dst, off); err != nil && err != io.EOF {
		return xerrors.Errorf("failed to read block %d: %w", block, err)
	}
	return nil
}
