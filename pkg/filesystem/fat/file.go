package fat

import (
	"io"
	"os"
	"syscall"

	"golang.org/x/xerrors"
)

// File is a read-only handle into a FAT volume. Each handle owns its
// own cursor; handles opened on the same path do not share state.
//
// The cursor tracks the cluster the current offset falls in. Forward
// seeks advance the chain from there, a backward seek restarts the walk
// from the first cluster.
type File struct {
	fs   *FileSystem
	path string
	info fileInfo

	firstCluster uint32
	size         int64

	offset     int64
	cluster    uint32
	clusterIdx int64

	dirCluster uint32 // directory handles only
	dirPos     int

	closed bool
}

func (fs *FileSystem) newFile(path string, e *dirEntry) *File {
	return &File{
		fs:           fs,
		path:         path,
		info:         newFileInfo(e),
		firstCluster: e.firstCluster,
		size:         int64(e.size),
		cluster:      e.firstCluster,
	}
}

func (fs *FileSystem) newDirFile(path string, cluster uint32, info fileInfo) *File {
	return &File{
		fs:         fs,
		path:       path,
		info:       info,
		dirCluster: cluster,
	}
}

func (f *File) Name() string { return f.path }

func (f *File) Stat() (os.FileInfo, error) {
	if f.closed {
		return nil, os.ErrClosed
	}
	return f.info, nil
}

// Close releases the handle. The file system itself stays usable.
func (f *File) Close() error {
	f.fs = nil
	f.closed = true
	return nil
}

// walkTo positions the cursor on the chain cluster with the given
// index. Walking backward restarts from the first cluster.
func (f *File) walkTo(idx int64) error {
	if idx < f.clusterIdx {
		f.cluster = f.firstCluster
		f.clusterIdx = 0
	}
	for f.clusterIdx < idx {
		next, err := f.fs.nextCluster(f.cluster)
		if err != nil {
			return err
		}
		if next == endOfChain {
			return xerrors.Errorf("%s: cluster chain ends before offset %d", f.path, f.offset)
		}
		f.cluster = next
		f.clusterIdx++
	}
	return nil
}

// Read reads from the current offset, clamped to the file size. At end
// of file it returns (0, io.EOF).
func (f *File) Read(p []byte) (int, error) {
	if f.closed {
		return 0, os.ErrClosed
	}
	if f.info.dir {
		return 0, syscall.EISDIR
	}
	if f.offset >= f.size {
		return 0, io.EOF
	}

	want := int64(len(p))
	if want > f.size-f.offset {
		want = f.size - f.offset
	}

	clusterSize := int64(f.fs.clusterSize)
	var done int64
	for done < want {
		if err := f.walkTo(f.offset / clusterSize); err != nil {
			return int(done), err
		}

		intra := f.offset % clusterSize
		chunk := clusterSize - intra
		if chunk > want-done {
			chunk = want - done
		}

		off := f.fs.clusterOffset(f.cluster) + intra
		if _, err := f.fs.dev.ReadAt(p[done:done+chunk], off); err != nil && err != io.EOF {
			return int(done), xerrors.Errorf("failed to read cluster %d: %w", f.cluster, err)
		}

		done += chunk
		f.offset += chunk
	}

	return int(done), nil
}

// ReadAt reads len(p) bytes at off without moving the handle's cursor.
// It walks the chain from the first cluster each time, so sequential
// callers should prefer Read.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, os.ErrClosed
	}
	if f.info.dir {
		return 0, syscall.EISDIR
	}
	if off < 0 {
		return 0, xerrors.New("negative offset")
	}
	if off >= f.size {
		return 0, io.EOF
	}

	want := int64(len(p))
	eof := false
	if want > f.size-off {
		want = f.size - off
		eof = true
	}

	clusterSize := int64(f.fs.clusterSize)
	cluster := f.firstCluster
	for skip := off / clusterSize; skip > 0; skip-- {
		next, err := f.fs.nextCluster(cluster)
		if err != nil {
			return 0, err
		}
		if next == endOfChain {
			return 0, xerrors.Errorf("%s: cluster chain ends before offset %d", f.path, off)
		}
		cluster = next
	}

	var done int64
	for done < want {
		intra := off % clusterSize
		chunk := clusterSize - intra
		if chunk > want-done {
			chunk = want - done
		}

		devOff := f.fs.clusterOffset(cluster) + intra
		if _, err := f.fs.dev.ReadAt(p[done:done+chunk], devOff); err != nil && err != io.EOF {
			return int(done), xerrors.Errorf("failed to read cluster %d: %w", cluster, err)
		}
		done += chunk
		off += chunk

		if done < want {
			next, err := f.fs.nextCluster(cluster)
			if err != nil {
				return int(done), err
			}
			if next == endOfChain {
				break
			}
			cluster = next
		}
	}

	if eof || done < int64(len(p)) {
		return int(done), io.EOF
	}
	return int(done), nil
}

// Seek repositions the cursor. Seeking past the end of the file is
// allowed; subsequent reads return io.EOF.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if f.closed {
		return 0, os.ErrClosed
	}

	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += f.offset
	case io.SeekEnd:
		offset += f.size
	default:
		return 0, syscall.EINVAL
	}
	if offset < 0 {
		return 0, xerrors.Errorf("negative position %d", offset)
	}

	f.offset = offset
	return offset, nil
}

// Readdir lists the contents of a directory handle. A count <= 0
// returns everything remaining.
func (f *File) Readdir(count int) ([]os.FileInfo, error) {
	if f.closed {
		return nil, os.ErrClosed
	}
	if !f.info.dir {
		return nil, syscall.ENOTDIR
	}

	entries, err := f.fs.listDir(f.dirCluster)
	if err != nil {
		return nil, err
	}
	if f.dirPos >= len(entries) {
		if count > 0 {
			return nil, io.EOF
		}
		return nil, nil
	}
	entries = entries[f.dirPos:]

	if count > 0 && count < len(entries) {
		entries = entries[:count]
	}
	f.dirPos += len(entries)

	infos := make([]os.FileInfo, len(entries))
	for i := range entries {
		infos[i] = newFileInfo(&entries[i])
	}
	return infos, nil
}

func (f *File) Readdirnames(count int) ([]string, error) {
	infos, err := f.Readdir(count)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(infos))
	for i, fi := range infos {
		names[i] = fi.Name()
	}
	return names, nil
}

// Write operations are unsupported; the volume is read-only.

func (f *File) Write(p []byte) (int, error) { return 0, syscall.EROFS }

func (f *File) WriteAt(p []byte, off int64) (int, error) { return 0, syscall.EROFS }

func (f *File) WriteString(s string) (int, error) { return 0, syscall.EROFS }

func (f *File) Truncate(size int64) error { return syscall.EROFS }

func (f *File) Sync() error { return nil }
