// Package disk discovers partitions on a block device. The MBR is
// always scanned first; a lone protective entry hands the device over
// to the GPT reader.
package disk

import (
	"golang.org/x/xerrors"

	"github.com/chasonr/copyvmfile/pkg/blockdevice"
	"github.com/chasonr/copyvmfile/pkg/disk/gpt"
	"github.com/chasonr/copyvmfile/pkg/disk/mbr"
	"github.com/chasonr/copyvmfile/pkg/disk/types"
)

// NewPartitionTable returns the partitions of dev in encounter order.
// The result may be empty: a device without a valid boot sector simply
// has no partitions.
func NewPartitionTable(dev blockdevice.Device) ([]types.Partition, error) {
	m, err := mbr.NewMasterBootRecord(dev)
	if err != nil {
		return nil, xerrors.Errorf("failed to scan master boot record: %w", err)
	}

	ps := m.GetPartitions()
	if len(ps) == 1 {
		if p, ok := ps[0].(mbr.Partition); ok && p.IsProtectiveGPT() {
			g, err := gpt.NewGUIDPartitionTable(dev)
			if err != nil {
				return nil, xerrors.Errorf("failed to scan GUID partition table: %w", err)
			}
			return g.GetPartitions(), nil
		}
	}
	return ps, nil
}
