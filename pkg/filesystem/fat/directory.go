package fat

import (
	"encoding/binary"
	"io"
	"os"
	"strings"
	"unicode/utf16"

	"golang.org/x/xerrors"
)

const (
	attrReadOnly    = 0x01
	attrHidden      = 0x02
	attrSystem      = 0x04
	attrVolumeLabel = 0x08
	attrDirectory   = 0x10
	attrArchive     = 0x20
	attrLongName    = 0x0F

	lfnLastFlag = 0x40
	lfnSeqMask  = 0x1F
	lfnUnits    = 13

	deletedMarker = 0xE5
)

// dirEntry is the decoded form of one short directory record, together
// with the long name reconstructed from any preceding fragments.
type dirEntry struct {
	name         string // long name if one validated, else the 8.3 name
	shortName    string
	attr         byte
	firstCluster uint32
	size         uint32
	writeDate    uint16
	writeTime    uint16
}

func (e *dirEntry) isDir() bool {
	return e.attr&attrDirectory != 0
}

// forEachRecord streams the raw 32-byte records of a directory to fn,
// stopping early when fn returns true. cluster == fixedRoot selects the
// fixed root area of a FAT12/16 volume.
func (fs *FileSystem) forEachRecord(cluster uint32, fn func(rec []byte) (bool, error)) error {
	rec := make([]byte, recordSize)

	if cluster == fixedRoot {
		for off := int64(0); off < fs.rootDirSize; off += recordSize {
			if _, err := fs.dev.ReadAt(rec, fs.rootDirOffset+off); err != nil && err != io.EOF {
				return xerrors.Errorf("failed to read root directory: %w", err)
			}
			stop, err := fn(rec)
			if err != nil || stop {
				return err
			}
		}
		return nil
	}

	buf := make([]byte, fs.clusterSize)
	for cluster != endOfChain {
		if _, err := fs.dev.ReadAt(buf, fs.clusterOffset(cluster)); err != nil && err != io.EOF {
			return xerrors.Errorf("failed to read directory cluster %d: %w", cluster, err)
		}
		for off := uint32(0); off+recordSize <= fs.clusterSize; off += recordSize {
			stop, err := fn(buf[off : off+recordSize])
			if err != nil || stop {
				return err
			}
		}

		next, err := fs.nextCluster(cluster)
		if err != nil {
			return err
		}
		cluster = next
	}
	return nil
}

// lfnAssembler accumulates long file name fragments. The fragments
// arrive in decreasing sequence order, each carrying the checksum of
// the short record they belong to; any break in the sequence or
// checksum discards the partial name.
type lfnAssembler struct {
	units  []uint16 // fixed capacity, 13 units per fragment
	expect int      // next expected sequence number, 0 when complete
	sum    byte
	active bool
}

func (a *lfnAssembler) reset() {
	a.active = false
}

func (a *lfnAssembler) add(rec []byte) {
	seq := int(rec[0] & lfnSeqMask)
	if seq == 0 {
		a.reset()
		return
	}

	if rec[0]&lfnLastFlag != 0 {
		// Last fragment of a new name; its sequence number is the
		// fragment count.
		a.units = make([]uint16, seq*lfnUnits)
		a.expect = seq
		a.sum = rec[13]
		a.active = true
	} else if !a.active || seq != a.expect || rec[13] != a.sum {
		a.reset()
		return
	}

	copyFragment(a.units[(seq-1)*lfnUnits:], rec)
	a.expect = seq - 1
}

// name returns the reconstructed long name, or "" if no complete chain
// with the given checksum is pending.
func (a *lfnAssembler) name(sum byte) string {
	if !a.active || a.expect != 0 || a.sum != sum {
		return ""
	}
	units := a.units
	for i, u := range units {
		if u == 0x0000 || u == 0xFFFF {
			units = units[:i]
			break
		}
	}
	return string(utf16.Decode(units))
}

// copyFragment extracts the 13 UTF-16 code units of one long name
// record from their three fixed ranges.
func copyFragment(dst []uint16, rec []byte) {
	k := 0
	for off := 1; off <= 9; off += 2 {
		dst[k] = binary.LittleEndian.Uint16(rec[off : off+2])
		k++
	}
	for off := 14; off <= 24; off += 2 {
		dst[k] = binary.LittleEndian.Uint16(rec[off : off+2])
		k++
	}
	for off := 28; off <= 30; off += 2 {
		dst[k] = binary.LittleEndian.Uint16(rec[off : off+2])
		k++
	}
}

// shortNameChecksum computes the rotate-and-add checksum long name
// records carry, over the 11 raw bytes of the 8.3 name.
func shortNameChecksum(name []byte) byte {
	var sum byte
	for _, c := range name {
		sum = (sum&1)<<7 + sum>>1 + c
	}
	return sum
}

// decodeShortName turns the 11 raw name bytes into "NAME.EXT" form.
// Trailing spaces are stripped and the 0x05 escape for a leading 0xE5
// is undone. Bytes are mapped through the single byte code page.
func decodeShortName(raw []byte) string {
	var b strings.Builder
	appendPart := func(part []byte) {
		for i := len(part); i > 0; i-- {
			if part[i-1] != ' ' {
				part = part[:i]
				goto write
			}
		}
		return
	write:
		for _, c := range part {
			b.WriteRune(rune(c))
		}
	}

	base := make([]byte, 8)
	copy(base, raw[:8])
	if base[0] == 0x05 {
		base[0] = 0xE5
	}
	appendPart(base)

	ext := raw[8:11]
	for i := range ext {
		if ext[i] != ' ' {
			b.WriteByte('.')
			appendPart(ext)
			break
		}
	}
	return b.String()
}

func decodeRecord(rec []byte, longName string) dirEntry {
	short := decodeShortName(rec[:11])
	name := longName
	if name == "" {
		name = short
	}
	return dirEntry{
		name:         name,
		shortName:    short,
		attr:         rec[11],
		firstCluster: uint32(binary.LittleEndian.Uint16(rec[20:22]))<<16 | uint32(binary.LittleEndian.Uint16(rec[26:28])),
		size:         binary.LittleEndian.Uint32(rec[28:32]),
		writeTime:    binary.LittleEndian.Uint16(rec[22:24]),
		writeDate:    binary.LittleEndian.Uint16(rec[24:26]),
	}
}

// searchDir looks name up in the directory starting at cluster. Both
// the reconstructed long name and the decoded 8.3 name are compared
// case-insensitively. Returns nil when the name is not present.
func (fs *FileSystem) searchDir(cluster uint32, name string) (*dirEntry, error) {
	var (
		found *dirEntry
		lfn   lfnAssembler
	)

	err := fs.forEachRecord(cluster, func(rec []byte) (bool, error) {
		switch {
		case rec[0] == 0x00:
			// End of directory.
			return true, nil
		case rec[0] == deletedMarker:
			lfn.reset()
			return false, nil
		case rec[11] == attrLongName:
			lfn.add(rec)
			return false, nil
		case rec[11]&attrVolumeLabel != 0:
			lfn.reset()
			return false, nil
		}

		long := lfn.name(shortNameChecksum(rec[:11]))
		lfn.reset()

		e := decodeRecord(rec, long)
		if (long != "" && strings.EqualFold(long, name)) || strings.EqualFold(e.shortName, name) {
			found = &e
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// listDir returns all live entries of the directory starting at
// cluster, dot entries and volume labels excluded.
func (fs *FileSystem) listDir(cluster uint32) ([]dirEntry, error) {
	var (
		entries []dirEntry
		lfn     lfnAssembler
	)

	err := fs.forEachRecord(cluster, func(rec []byte) (bool, error) {
		switch {
		case rec[0] == 0x00:
			return true, nil
		case rec[0] == deletedMarker:
			lfn.reset()
			return false, nil
		case rec[11] == attrLongName:
			lfn.add(rec)
			return false, nil
		case rec[11]&attrVolumeLabel != 0:
			lfn.reset()
			return false, nil
		}

		long := lfn.name(shortNameChecksum(rec[:11]))
		lfn.reset()

		e := decodeRecord(rec, long)
		if e.shortName == "." || e.shortName == ".." {
			return false, nil
		}
		entries = append(entries, e)
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// splitPath normalizes a path into its non-empty segments. "." is
// dropped and ".." pops the previous segment when one exists.
func splitPath(path string) []string {
	var segs []string
	for _, seg := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' }) {
		switch seg {
		case ".":
		case "..":
			if len(segs) > 0 {
				segs = segs[:len(segs)-1]
			}
		default:
			segs = append(segs, seg)
		}
	}
	return segs
}

// resolve walks the path from the root directory. Every intermediate
// segment must be a directory.
func (fs *FileSystem) resolve(path string) (*dirEntry, error) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, ErrRootDirectory
	}

	cluster := fs.rootCluster
	for i, seg := range segs {
		e, err := fs.searchDir(cluster, seg)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, xerrors.Errorf("%s: %w", strings.Join(segs[:i+1], "/"), ErrNotExist)
		}
		if i == len(segs)-1 {
			return e, nil
		}
		if !e.isDir() {
			return nil, xerrors.Errorf("%s: %w", strings.Join(segs[:i+1], "/"), ErrNotDirectory)
		}
		cluster = fs.dirCluster(e)
	}
	return nil, ErrNotExist
}

// dirCluster returns the cluster a resolved directory entry's content
// starts at. A stored cluster of zero refers back to the root.
func (fs *FileSystem) dirCluster(e *dirEntry) uint32 {
	if e.firstCluster == 0 {
		return fs.rootCluster
	}
	return e.firstCluster
}

// Open opens the file at path for reading. Opening a directory (or the
// root) fails; use ReadDir for those.
func (fs *FileSystem) Open(path string) (*File, error) {
	e, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	if e.isDir() {
		return nil, xerrors.Errorf("%s: %w", path, ErrIsDirectory)
	}
	return fs.newFile(path, e), nil
}

// ReadDir lists the directory at path. An empty or root path lists the
// root directory.
func (fs *FileSystem) ReadDir(path string) ([]os.FileInfo, error) {
	cluster := fs.rootCluster
	if len(splitPath(path)) > 0 {
		e, err := fs.resolve(path)
		if err != nil {
			return nil, err
		}
		if !e.isDir() {
			return nil, xerrors.Errorf("%s: %w", path, ErrNotDirectory)
		}
		cluster = fs.dirCluster(e)
	}

	entries, err := fs.listDir(cluster)
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, len(entries))
	for i := range entries {
		infos[i] = newFileInfo(&entries[i])
	}
	return infos, nil
}
