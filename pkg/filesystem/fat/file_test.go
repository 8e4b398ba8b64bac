package fat

import (
	"bytes"
	"io"
	"syscall"
	"testing"

	"github.com/chasonr/copyvmfile/internal/testimage"
)

func mountFile(t *testing.T, data []byte) (*FileSystem, *File) {
	t.Helper()
	fs := mount(t, testimage.FATVolume{
		Bits:  16,
		Files: []testimage.FATFile{{Short: "DATA    BIN", Data: data}},
	})
	f, err := fs.Open("/DATA.BIN")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return fs, f
}

func TestReadSequential(t *testing.T) {
	data := pattern(4*512 + 321)
	_, f := mountFile(t, data)

	// Odd-sized reads force cluster boundary crossings mid-call.
	var got []byte
	buf := make([]byte, 700)
	for {
		n, err := f.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
	if !bytes.Equal(got, data) {
		t.Error("sequential read content mismatch")
	}
}

func TestSeek(t *testing.T) {
	data := pattern(3 * 512)
	_, f := mountFile(t, data)

	// Read the tail first, then seek back across cluster boundaries.
	if _, err := f.Seek(2*512+10, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	tail := make([]byte, 100)
	if _, err := io.ReadFull(f, tail); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(tail, data[2*512+10:2*512+110]) {
		t.Error("tail read mismatch")
	}

	if pos, err := f.Seek(5, io.SeekStart); err != nil || pos != 5 {
		t.Fatalf("Seek backward: pos = %d, err = %v", pos, err)
	}
	head := make([]byte, 100)
	if _, err := io.ReadFull(f, head); err != nil {
		t.Fatalf("ReadFull after backward seek: %v", err)
	}
	if !bytes.Equal(head, data[5:105]) {
		t.Error("read after backward seek mismatch")
	}

	if pos, err := f.Seek(-10, io.SeekEnd); err != nil || pos != int64(len(data))-10 {
		t.Fatalf("SeekEnd: pos = %d, err = %v", pos, err)
	}
	if pos, err := f.Seek(4, io.SeekCurrent); err != nil || pos != int64(len(data))-6 {
		t.Fatalf("SeekCurrent: pos = %d, err = %v", pos, err)
	}

	if _, err := f.Seek(-1, io.SeekStart); err == nil {
		t.Error("Seek to negative position succeeded")
	}

	// Past the end is a valid position; reads there hit EOF.
	if _, err := f.Seek(int64(len(data))+100, io.SeekStart); err != nil {
		t.Fatalf("Seek past end: %v", err)
	}
	if n, err := f.Read(make([]byte, 10)); n != 0 || err != io.EOF {
		t.Errorf("Read past end: n = %d, err = %v, want 0, io.EOF", n, err)
	}
}

func TestReadAt(t *testing.T) {
	data := pattern(3*512 + 50)
	_, f := mountFile(t, data)

	// Position the cursor, then check ReadAt leaves it alone.
	if _, err := f.Seek(7, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	got := make([]byte, 600)
	n, err := f.ReadAt(got, 512-100)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != len(got) || !bytes.Equal(got, data[512-100:512-100+600]) {
		t.Errorf("ReadAt spanning clusters: n = %d", n)
	}

	if pos, err := f.Seek(0, io.SeekCurrent); err != nil || pos != 7 {
		t.Errorf("cursor moved by ReadAt: pos = %d, want 7", pos)
	}

	// Short read at the tail reports io.EOF.
	n, err = f.ReadAt(got, int64(len(data))-30)
	if n != 30 || err != io.EOF {
		t.Errorf("ReadAt at tail: n = %d, err = %v, want 30, io.EOF", n, err)
	}
	if !bytes.Equal(got[:30], data[len(data)-30:]) {
		t.Error("ReadAt tail content mismatch")
	}
}

func TestIndependentHandles(t *testing.T) {
	data := pattern(2 * 512)
	fs, f1 := mountFile(t, data)

	f2, err := fs.Open("/DATA.BIN")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := f1.Seek(512, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	buf := make([]byte, 16)
	if _, err := io.ReadFull(f2, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(buf, data[:16]) {
		t.Error("second handle affected by first handle's seek")
	}
}

func TestStat(t *testing.T) {
	data := pattern(1234)
	_, f := mountFile(t, data)

	fi, err := f.Stat()
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if fi.Name() != "DATA.BIN" {
		t.Errorf("Name() = %q", fi.Name())
	}
	if fi.Size() != 1234 {
		t.Errorf("Size() = %d, want 1234", fi.Size())
	}
	if fi.IsDir() {
		t.Error("IsDir() = true for a file")
	}
	// The fixture stamps 2023-06-15 12:30:00.
	mt := fi.ModTime()
	if mt.Year() != 2023 || mt.Month() != 6 || mt.Day() != 15 || mt.Hour() != 12 || mt.Minute() != 30 {
		t.Errorf("ModTime() = %v", mt)
	}
}

func TestClosedHandle(t *testing.T) {
	_, f := mountFile(t, pattern(100))
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := f.Read(make([]byte, 1)); err == nil {
		t.Error("Read on closed handle succeeded")
	}
	if _, err := f.Seek(0, io.SeekStart); err == nil {
		t.Error("Seek on closed handle succeeded")
	}
}

func TestWriteOpsRejected(t *testing.T) {
	_, f := mountFile(t, pattern(100))

	if _, err := f.Write([]byte("x")); err != syscall.EROFS {
		t.Errorf("Write: err = %v, want EROFS", err)
	}
	if _, err := f.WriteAt([]byte("x"), 0); err != syscall.EROFS {
		t.Errorf("WriteAt: err = %v, want EROFS", err)
	}
	if err := f.Truncate(0); err != syscall.EROFS {
		t.Errorf("Truncate: err = %v, want EROFS", err)
	}
}

func TestReaddirCounts(t *testing.T) {
	fs := mount(t, testimage.FATVolume{
		Bits: 16,
		Files: []testimage.FATFile{
			{Short: "ONE     TXT", Data: []byte("1")},
			{Short: "TWO     TXT", Data: []byte("2")},
			{Short: "THREE   TXT", Data: []byte("3")},
		},
	})

	dir := fs.newDirFile("/", fs.rootCluster, fileInfo{name: "/", dir: true})

	first, err := dir.Readdir(2)
	if err != nil {
		t.Fatalf("Readdir(2): %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("Readdir(2) returned %d entries", len(first))
	}

	rest, err := dir.Readdir(2)
	if err != nil {
		t.Fatalf("Readdir(2) again: %v", err)
	}
	if len(rest) != 1 || rest[0].Name() != "THREE.TXT" {
		t.Errorf("second Readdir = %v, want THREE.TXT", rest)
	}

	if _, err := dir.Readdir(1); err != io.EOF {
		t.Errorf("exhausted Readdir: err = %v, want io.EOF", err)
	}

	if _, err := dir.Read(make([]byte, 1)); err != syscall.EISDIR {
		t.Errorf("Read on directory handle: err = %v, want EISDIR", err)
	}
}
