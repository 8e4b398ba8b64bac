package fat

import (
	"os"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// AferoFs exposes a FAT volume as a read-only afero.Fs. Every mutating
// operation fails with syscall.EROFS.
type AferoFs struct {
	fs *FileSystem
}

var _ afero.Fs = AferoFs{}

// NewAferoFs wraps fs for use with afero-based tooling.
func NewAferoFs(fs *FileSystem) AferoFs {
	return AferoFs{fs: fs}
}

func (a AferoFs) Name() string { return "fatfs" }

// Open opens files and directories alike; directory handles support
// Readdir, file handles support Read/ReadAt/Seek.
func (a AferoFs) Open(name string) (afero.File, error) {
	e, err := a.fs.resolve(name)
	if err != nil {
		if xerrors.Is(err, ErrRootDirectory) {
			return a.fs.newDirFile("/", a.fs.rootCluster, fileInfo{name: "/", dir: true}), nil
		}
		return nil, err
	}
	if e.isDir() {
		return a.fs.newDirFile(name, a.fs.dirCluster(e), newFileInfo(e)), nil
	}
	return a.fs.newFile(name, e), nil
}

func (a AferoFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_CREATE|os.O_TRUNC) != 0 {
		return nil, syscall.EROFS
	}
	return a.Open(name)
}

func (a AferoFs) Stat(name string) (os.FileInfo, error) {
	e, err := a.fs.resolve(name)
	if err != nil {
		if xerrors.Is(err, ErrRootDirectory) {
			return fileInfo{name: "/", dir: true}, nil
		}
		return nil, err
	}
	return newFileInfo(e), nil
}

func (a AferoFs) Create(name string) (afero.File, error) { return nil, syscall.EROFS }

func (a AferoFs) Mkdir(name string, perm os.FileMode) error { return syscall.EROFS }

func (a AferoFs) MkdirAll(path string, perm os.FileMode) error { return syscall.EROFS }

func (a AferoFs) Remove(name string) error { return syscall.EROFS }

func (a AferoFs) RemoveAll(path string) error { return syscall.EROFS }

func (a AferoFs) Rename(oldname, newname string) error { return syscall.EROFS }

func (a AferoFs) Chmod(name string, mode os.FileMode) error { return syscall.EROFS }

func (a AferoFs) Chown(name string, uid, gid int) error { return syscall.EROFS }

func (a AferoFs) Chtimes(name string, atime, mtime time.Time) error { return syscall.EROFS }
