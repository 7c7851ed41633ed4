//go:build !linux

package report

import (
	"os"
	"time"
)

func birthTime(_ string, info os.FileInfo) time.Time {
	return info.ModTime()
}
