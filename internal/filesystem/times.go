package filesystem

import (
	"os"
	"time"
)

// fileTimes reports creation and access times. Go's portable FileInfo only
// carries the modification time, so both fall back to it.
func fileTimes(info os.FileInfo) (created, accessed time.Time) {
	return info.ModTime(), info.ModTime()
}
