package parser

import (
	"bufio"
	"errors"
	"sync"
)

const (
	lineReaderSize   = 64 * 1024
	lineMaxBytes     = 1 << 20 // 1 MiB
	linePreviewBytes = 256
)

type lineScratch struct {
	buf     []byte
	preview []byte
}

const maxPooledLineScratchCap = 1 << 20

var lineScratchPool = sync.Pool{
	New: func() any {
		return &lineScratch{
			buf:     make([]byte, 0, lineReaderSize),
			preview: make([]byte, 0, linePreviewBytes),
		}
	},
}

func getScratch() *lineScratch {
	s := lineScratchPool.Get().(*lineScratch)
	s.buf = s.buf[:0]
	s.preview = s.preview[:0]
	return s
}

func putScratch(s *lineScratch) {
	if cap(s.buf) > maxPooledLineScratchCap {
		s.buf = make([]byte, 0, lineReaderSize)
	}
	if cap(s.preview) > linePreviewBytes*4 {
		s.preview = make([]byte, 0, linePreviewBytes)
	}
	lineScratchPool.Put(s)
}

// readLineWithLimit returns the next line without its terminator. Lines
// longer than maxBytes are consumed entirely and reported as tooLong with
// only a preview of their first previewBytes bytes.
func readLineWithLimit(r *bufio.Reader, maxBytes int, previewBytes int, scratch *lineScratch) (line []byte, tooLong bool, err error) {
	if r == nil {
		return nil, false, errors.New("reader is nil")
	}
	if maxBytes <= 0 {
		return nil, false, errors.New("maxBytes must be > 0")
	}
	if previewBytes < 0 {
		previewBytes = 0
	}

	part, isPrefix, err := r.ReadLine()
	if err != nil {
		return nil, false, err
	}
	if !isPrefix {
		if len(part) > maxBytes {
			return part[:min(len(part), previewBytes)], true, nil
		}
		return part, false, nil
	}

	if scratch == nil {
		scratch = &lineScratch{}
	}
	preview := append(scratch.preview[:0], part[:min(previewBytes, len(part))]...)
	buf := scratch.buf[:0]
	if len(part) > maxBytes {
		tooLong = true
	} else {
		buf = append(buf, part...)
	}

	for isPrefix {
		part, isPrefix, err = r.ReadLine()
		if err != nil {
			return nil, tooLong, err
		}
		if len(preview) < previewBytes {
			preview = append(preview, part[:min(previewBytes-len(preview), len(part))]...)
		}
		if tooLong {
			continue
		}
		if len(buf)+len(part) > maxBytes {
			tooLong = true
			continue
		}
		buf = append(buf, part...)
	}

	scratch.preview = preview
	scratch.buf = buf
	if tooLong {
		return preview, true, nil
	}
	return buf, false, nil
}

func TruncateBytes(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	if maxLen < 0 {
		return ""
	}
	return string(b[:maxLen]) + "..."
}
