// Package extractor composes the read stack: open a VDI image, discover
// its partitions, interpret the FAT volume on one of them and copy
// files out to the host.
package extractor

import (
	"io"
	"os"
	"path"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/chasonr/copyvmfile/pkg/disk"
	"github.com/chasonr/copyvmfile/pkg/disk/types"
	"github.com/chasonr/copyvmfile/pkg/filesystem/fat"
	"github.com/chasonr/copyvmfile/pkg/virtualization/vdi"
)

// UseFirstSupported selects the first partition whose type looks like a
// FAT file system instead of an explicit index.
const UseFirstSupported = -1

var ErrNoSupportedPartition = errors.New("no supported partition found")

type Extractor struct {
	log *zap.Logger
	out afero.Fs
}

// New returns an Extractor writing extracted files through out.
func New(log *zap.Logger, out afero.Fs) *Extractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{log: log, out: out}
}

func (e *Extractor) openImage(image string) (*vdi.VDI, []types.Partition, error) {
	dev, err := vdi.Open(image)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open image %s", image)
	}
	if !dev.IsValid() {
		dev.Close()
		return nil, nil, errors.Errorf("%s is not a VDI image", image)
	}

	e.log.Debug("opened image",
		zap.String("image", image),
		zap.Int64("size", dev.Size()),
		zap.String("uuid", dev.UUID().String()),
	)

	partitions, err := disk.NewPartitionTable(dev)
	if err != nil {
		dev.Close()
		return nil, nil, errors.Wrap(err, "failed to read partition table")
	}
	return dev, partitions, nil
}

// ListPartitions returns the partition table of the image.
func (e *Extractor) ListPartitions(image string) ([]types.Partition, error) {
	dev, partitions, err := e.openImage(image)
	if err != nil {
		return nil, err
	}
	defer dev.Close()
	return partitions, nil
}

func selectPartition(partitions []types.Partition, index int) (types.Partition, error) {
	if index == UseFirstSupported {
		for _, p := range partitions {
			if p.IsSupported() {
				return p, nil
			}
		}
		return nil, ErrNoSupportedPartition
	}
	if index < 0 || index >= len(partitions) {
		return nil, errors.Errorf("partition index %d out of range (0..%d)", index, len(partitions)-1)
	}
	return partitions[index], nil
}

func (e *Extractor) mount(image string, partition int) (*vdi.VDI, *fat.FileSystem, error) {
	dev, partitions, err := e.openImage(image)
	if err != nil {
		return nil, nil, err
	}

	p, err := selectPartition(partitions, partition)
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	e.log.Debug("selected partition",
		zap.String("name", p.Name()),
		zap.String("type", p.GetType()),
		zap.Uint64("start", p.GetStartOffset()),
		zap.Uint64("size", p.GetSize()),
	)

	fs, err := fat.New(dev, p)
	if err != nil {
		dev.Close()
		return nil, nil, errors.Wrapf(err, "failed to mount partition %s", p.Name())
	}
	return dev, fs, nil
}

// ListDir lists the named directory of the selected partition.
func (e *Extractor) ListDir(image string, partition int, dir string) ([]os.FileInfo, error) {
	dev, fs, err := e.mount(image, partition)
	if err != nil {
		return nil, err
	}
	defer dev.Close()

	infos, err := fs.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", dir)
	}
	return infos, nil
}

// CopyFile streams src out of the image into dst on the host. An empty
// dst uses the base name of src in the working directory. Returns the
// number of bytes copied.
func (e *Extractor) CopyFile(image, src, dst string, partition int) (int64, error) {
	dev, fs, err := e.mount(image, partition)
	if err != nil {
		return 0, err
	}
	defer dev.Close()

	in, err := fs.Open(src)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to open %s", src)
	}
	defer in.Close()

	if dst == "" {
		dst = path.Base(src)
	}
	out, err := e.out.Create(dst)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create %s", dst)
	}

	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, errors.Wrapf(err, "failed to copy %s", src)
	}

	e.log.Info("copied file",
		zap.String("src", src),
		zap.String("dst", dst),
		zap.Int64("bytes", n),
	)
	return n, nil
}
