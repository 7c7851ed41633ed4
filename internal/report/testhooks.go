package report

import (
	"os"
	"time"
)

func SetCreationTimeFn(fn func(string, os.FileInfo) time.Time) (restore func()) {
	prev := creationTimeFn
	if fn == nil {
		fn = birthTime
	}
	creationTimeFn = fn
	return func() { creationTimeFn = prev }
}
