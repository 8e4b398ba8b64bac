package fat

import (
	"os"
	"time"
)

type fileInfo struct {
	name    string
	size    int64
	dir     bool
	modTime time.Time
}

func newFileInfo(e *dirEntry) fileInfo {
	return fileInfo{
		name:    e.name,
		size:    int64(e.size),
		dir:     e.isDir(),
		modTime: decodeTimestamp(e.writeDate, e.writeTime),
	}
}

func (fi fileInfo) Name() string { return fi.name }

func (fi fileInfo) Size() int64 { return fi.size }

func (fi fileInfo) Mode() os.FileMode {
	if fi.dir {
		return os.ModeDir | 0o555
	}
	return 0o444
}

func (fi fileInfo) ModTime() time.Time { return fi.modTime }

func (fi fileInfo) IsDir() bool { return fi.dir }

func (fi fileInfo) Sys() interface{} { return nil }

// decodeTimestamp converts the packed FAT date and time fields. The
// date counts years from 1980; a zero date yields the zero time.
func decodeTimestamp(date, t uint16) time.Time {
	if date == 0 {
		return time.Time{}
	}
	year := 1980 + int(date>>9)
	month := time.Month(date >> 5 & 0x0F)
	day := int(date & 0x1F)

	hour := int(t >> 11)
	min := int(t >> 5 & 0x3F)
	sec := int(t&0x1F) * 2

	return time.Date(year, month, day, hour, min, sec, 0, time.UTC)
}
