package server

import (
	"fmt"
	"time"

	"github.com/fclairamb/goftpkernel/internal/vfs"
)

// dateFormatRecent and dateFormatOld mirror the teacher's fileStat
// switch between an hour:minute and a year rendering, ls -l style.
const (
	dateFormatRecent = "Jan _2 15:04"
	dateFormatOld    = "Jan _2  2006"
	sixMonths        = time.Hour * 24 * 30 * 6
)

func typeChar(info vfs.FileInfo) byte {
	switch info.Kind {
	case vfs.KindDir:
		return 'd'
	case vfs.KindSymlink:
		return 'l'
	case vfs.KindFile:
		return '-'
	default:
		return '?'
	}
}

// formatListLine renders one UNIX `ls -l`-style line per spec.md §6.2:
// `TRWXRWXRWX nlink user group size Mon DD HH:MM name[ -> target]\r\n`.
func formatListLine(info vfs.FileInfo, now time.Time) string {
	perm := info.ModeBits.Perm()

	dateFormat := dateFormatRecent
	if now.Sub(info.ModTime) > sixMonths {
		dateFormat = dateFormatOld
	}

	name := info.Name
	if info.Kind == vfs.KindSymlink && info.LinkTarget != "" {
		name = fmt.Sprintf("%s -> %s", info.Name, info.LinkTarget)
	}

	nlink := info.NLink
	if nlink == 0 {
		nlink = 1
	}

	return fmt.Sprintf(
		"%c%s %d %d %d %12d %s %s\r\n",
		typeChar(info),
		permString(uint32(perm)),
		nlink,
		info.UID,
		info.GID,
		info.Size,
		info.ModTime.Format(dateFormat),
		name,
	)
}

// permString renders a 9-character rwxrwxrwx string from a permission mode.
func permString(perm uint32) string {
	const bits = "rwxrwxrwx"

	out := make([]byte, 9)

	for i := 0; i < 9; i++ {
		if perm&(1<<uint(8-i)) != 0 {
			out[i] = bits[i]
		} else {
			out[i] = '-'
		}
	}

	return string(out)
}

func formatNlstLine(info vfs.FileInfo) string {
	return info.Name + "\r\n"
}
