package fat

import (
	"bytes"
	"os"
	"reflect"
	"syscall"
	"testing"

	"github.com/spf13/afero"

	"github.com/chasonr/copyvmfile/internal/testimage"
)

func mountAfero(t *testing.T) AferoFs {
	t.Helper()
	fs := mount(t, testimage.FATVolume{
		Bits: 16,
		Files: []testimage.FATFile{
			{Dir: "ETC", Short: "CONFIG  INI", Data: []byte("[core]\n")},
			{Short: "README  TXT", Data: []byte("hello"), Long: "ReadMe.txt"},
		},
	})
	return NewAferoFs(fs)
}

func TestAferoReadFile(t *testing.T) {
	afs := mountAfero(t)

	got, err := afero.ReadFile(afs, "/ETC/CONFIG.INI")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, []byte("[core]\n")) {
		t.Errorf("ReadFile = %q", got)
	}
}

func TestAferoOpenRoot(t *testing.T) {
	afs := mountAfero(t)

	dir, err := afs.Open("/")
	if err != nil {
		t.Fatalf("Open(/): %v", err)
	}
	defer dir.Close()

	names, err := dir.Readdirnames(-1)
	if err != nil {
		t.Fatalf("Readdirnames: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"ETC", "ReadMe.txt"}) {
		t.Errorf("root names = %v", names)
	}
}

func TestAferoOpenDirectory(t *testing.T) {
	afs := mountAfero(t)

	dir, err := afs.Open("/ETC")
	if err != nil {
		t.Fatalf("Open(/ETC): %v", err)
	}
	names, err := dir.Readdirnames(-1)
	if err != nil {
		t.Fatalf("Readdirnames: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"CONFIG.INI"}) {
		t.Errorf("/ETC names = %v", names)
	}
}

func TestAferoStat(t *testing.T) {
	afs := mountAfero(t)

	fi, err := afs.Stat("/ReadMe.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if fi.Size() != 5 || fi.IsDir() {
		t.Errorf("Stat = size %d, dir %v", fi.Size(), fi.IsDir())
	}

	fi, err = afs.Stat("/")
	if err != nil {
		t.Fatalf("Stat(/): %v", err)
	}
	if !fi.IsDir() {
		t.Error("root Stat not a directory")
	}
}

func TestAferoReadOnly(t *testing.T) {
	afs := mountAfero(t)

	if _, err := afs.Create("/new.txt"); err != syscall.EROFS {
		t.Errorf("Create: err = %v, want EROFS", err)
	}
	if _, err := afs.OpenFile("/README.TXT", os.O_WRONLY, 0); err != syscall.EROFS {
		t.Errorf("OpenFile(O_WRONLY): err = %v, want EROFS", err)
	}
	if err := afs.Mkdir("/dir", 0o755); err != syscall.EROFS {
		t.Errorf("Mkdir: err = %v, want EROFS", err)
	}
	if err := afs.Remove("/README.TXT"); err != syscall.EROFS {
		t.Errorf("Remove: err = %v, want EROFS", err)
	}
	if err := afs.Rename("/a", "/b"); err != syscall.EROFS {
		t.Errorf("Rename: err = %v, want EROFS", err)
	}

	// Plain read-only OpenFile still works.
	f, err := afs.OpenFile("/README.TXT", os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("OpenFile(O_RDONLY): %v", err)
	}
	f.Close()
}
