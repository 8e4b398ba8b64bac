package fat

import (
	"bytes"
	"io"
	"testing"

	"golang.org/x/xerrors"

	"github.com/chasonr/copyvmfile/internal/testimage"
)

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*11 + i>>8)
	}
	return b
}

func mount(t *testing.T, vol testimage.FATVolume) *FileSystem {
	t.Helper()
	img := testimage.BuildFAT(vol)
	fs, err := New(testimage.MemDevice{Data: img}, testimage.Partition{Sz: uint64(len(img))})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fs
}

func TestClassify(t *testing.T) {
	tests := []struct {
		clusters uint32
		want     int
	}{
		{1, FAT12},
		{0xFF4, FAT12},
		{0xFF5, FAT16},
		{0xFFF4, FAT16},
		{0xFFF5, FAT32},
		{1 << 20, FAT32},
	}
	for _, tt := range tests {
		if got := classify(tt.clusters); got != tt.want {
			t.Errorf("classify(%#x) = %d, want %d", tt.clusters, got, tt.want)
		}
	}
}

func TestTypeDetection(t *testing.T) {
	tests := []struct {
		name string
		bits int
		want int
	}{
		{"FAT12", 12, FAT12},
		{"FAT16", 16, FAT16},
		{"FAT32", 32, FAT32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := mount(t, testimage.FATVolume{Bits: tt.bits})
			if fs.Type() != tt.want {
				t.Errorf("Type() = %d, want %d", fs.Type(), tt.want)
			}
		})
	}
}

func TestNewRejectsBadBootSector(t *testing.T) {
	img := testimage.BuildFAT(testimage.FATVolume{Bits: 16})
	part := testimage.Partition{Sz: uint64(len(img))}

	corrupt := func(mutate func([]byte)) testimage.MemDevice {
		c := make([]byte, len(img))
		copy(c, img)
		mutate(c)
		return testimage.MemDevice{Data: c}
	}

	tests := []struct {
		name   string
		mutate func([]byte)
	}{
		{"no boot signature", func(b []byte) { b[510], b[511] = 0, 0 }},
		{"bad jump opcode", func(b []byte) { b[0] = 0x00 }},
		{"zero sector size", func(b []byte) { b[11], b[12] = 0, 0 }},
		{"zero fat count", func(b []byte) { b[16] = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(corrupt(tt.mutate), part); !xerrors.Is(err, ErrNoFileSystem) {
				t.Errorf("New: err = %v, want ErrNoFileSystem", err)
			}
		})
	}
}

// A file spanning several FAT12 clusters touches both nibble layouts of
// the packed table.
func TestFAT12ClusterChain(t *testing.T) {
	data := pattern(5*512 + 100)
	fs := mount(t, testimage.FATVolume{
		Bits:  12,
		Files: []testimage.FATFile{{Short: "CHAIN   BIN", Data: data}},
	})

	f, err := fs.Open("/CHAIN.BIN")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("FAT12 multi-cluster content mismatch")
	}

	// The chain must end exactly where the data does.
	cluster := uint32(2)
	hops := 0
	for {
		next, err := fs.nextCluster(cluster)
		if err != nil {
			t.Fatalf("nextCluster(%d): %v", cluster, err)
		}
		if next == endOfChain {
			break
		}
		cluster = next
		hops++
	}
	if hops != 5 {
		t.Errorf("chain length = %d hops, want 5", hops)
	}
}

func TestMountAtPartitionOffset(t *testing.T) {
	const startLBA = 128
	data := pattern(3000)
	vol := testimage.BuildFAT(testimage.FATVolume{
		Bits:  16,
		Files: []testimage.FATFile{{Short: "OFFSET  DAT", Data: data}},
	})
	img := testimage.WrapMBR(vol, 0x06, startLBA)

	fs, err := New(testimage.MemDevice{Data: img},
		testimage.Partition{Start: startLBA * 512, Sz: uint64(len(vol))})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	f, err := fs.Open("OFFSET.DAT")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("content mismatch when volume sits past the partition start")
	}
}

func TestClusterSize(t *testing.T) {
	fs := mount(t, testimage.FATVolume{Bits: 16, SectorsPerCluster: 4})
	if fs.ClusterSize() != 4*512 {
		t.Errorf("ClusterSize() = %d, want %d", fs.ClusterSize(), 4*512)
	}
}
