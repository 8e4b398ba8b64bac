package extractor

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"

	"github.com/chasonr/copyvmfile/internal/testimage"
)

// writeTestImage builds a VDI containing an MBR-partitioned FAT32
// volume and writes it to disk.
func writeTestImage(t *testing.T, docData []byte) string {
	t.Helper()

	vol := testimage.BuildFAT(testimage.FATVolume{
		Bits: 32,
		Files: []testimage.FATFile{
			{Short: "MYDOCU~1TXT", Long: "My Document.txt", Data: docData},
			{Dir: "LOGS", Short: "BOOT    LOG", Data: []byte("ok\n")},
		},
	})
	raw := testimage.WrapMBR(vol, 0x0C, 2048)
	img := testimage.WrapVDI(raw, testimage.VDIOptions{})

	name := filepath.Join(t.TempDir(), "disk.vdi")
	if err := os.WriteFile(name, img, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return name
}

func TestCopyFile(t *testing.T) {
	docData := make([]byte, 3000)
	for i := range docData {
		docData[i] = byte(i * 13)
	}
	image := writeTestImage(t, docData)

	out := afero.NewMemMapFs()
	e := New(nil, out)

	n, err := e.CopyFile(image, "/My Document.txt", "", UseFirstSupported)
	if err != nil {
		t.Fatalf("CopyFile: %v", err)
	}
	if n != int64(len(docData)) {
		t.Errorf("copied %d bytes, want %d", n, len(docData))
	}

	// Empty destination defaults to the source base name.
	got, err := afero.ReadFile(out, "My Document.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, docData) {
		t.Error("extracted content mismatch")
	}
}

func TestCopyFileToNamedDest(t *testing.T) {
	image := writeTestImage(t, []byte("payload"))
	out := afero.NewMemMapFs()
	e := New(nil, out)

	if _, err := e.CopyFile(image, "/LOGS/BOOT.LOG", "boot.log", UseFirstSupported); err != nil {
		t.Fatalf("CopyFile: %v", err)
	}
	got, err := afero.ReadFile(out, "boot.log")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "ok\n" {
		t.Errorf("extracted %q", got)
	}
}

func TestCopyFileMissing(t *testing.T) {
	image := writeTestImage(t, []byte("x"))
	e := New(nil, afero.NewMemMapFs())

	if _, err := e.CopyFile(image, "/nope.txt", "", UseFirstSupported); err == nil {
		t.Fatal("CopyFile succeeded for a missing path")
	}
}

func TestListPartitions(t *testing.T) {
	image := writeTestImage(t, []byte("x"))
	e := New(nil, afero.NewMemMapFs())

	ps, err := e.ListPartitions(image)
	if err != nil {
		t.Fatalf("ListPartitions: %v", err)
	}
	if len(ps) != 1 {
		t.Fatalf("got %d partitions, want 1", len(ps))
	}
	if ps[0].GetType() != "FAT32 LBA" {
		t.Errorf("partition type = %q, want FAT32 LBA", ps[0].GetType())
	}
	if ps[0].GetStartOffset() != 2048*512 {
		t.Errorf("partition start = %d, want %d", ps[0].GetStartOffset(), 2048*512)
	}
}

func TestListDir(t *testing.T) {
	image := writeTestImage(t, []byte("x"))
	e := New(nil, afero.NewMemMapFs())

	infos, err := e.ListDir(image, UseFirstSupported, "/")
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	var names []string
	for _, fi := range infos {
		names = append(names, fi.Name())
	}
	want := map[string]bool{"My Document.txt": true, "LOGS": true}
	if len(names) != 2 || !want[names[0]] || !want[names[1]] {
		t.Errorf("root listing = %v", names)
	}

	infos, err = e.ListDir(image, UseFirstSupported, "/LOGS")
	if err != nil {
		t.Fatalf("ListDir(/LOGS): %v", err)
	}
	if len(infos) != 1 || infos[0].Name() != "BOOT.LOG" {
		t.Errorf("/LOGS listing = %v", infos)
	}
}

func TestSelectPartition(t *testing.T) {
	image := writeTestImage(t, []byte("x"))
	e := New(nil, afero.NewMemMapFs())

	// Explicit index 0 is the FAT partition itself.
	if _, err := e.ListDir(image, 0, "/"); err != nil {
		t.Fatalf("ListDir(partition 0): %v", err)
	}

	if _, err := e.ListDir(image, 5, "/"); err == nil {
		t.Error("ListDir with out-of-range partition index succeeded")
	}
}

func TestNotAVDIImage(t *testing.T) {
	name := filepath.Join(t.TempDir(), "plain.bin")
	if err := os.WriteFile(name, make([]byte, 4096), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	e := New(nil, afero.NewMemMapFs())
	if _, err := e.ListPartitions(name); err == nil {
		t.Error("ListPartitions succeeded on a non-VDI file")
	}
}
