// Package parser turns honggfuzz verbose output into coverage and crash
// events.
package parser

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

var (
	ErrMalformedCoverage = errors.New("malformed coverage line")
	ErrNoGuardCount      = errors.New("no guard count in calibration output")
)

const (
	coveragePrefix = "Sz:"
	coverageField  = 8
	crashPrefix    = "Crash: saved as '"
	guardMarker    = "guard_nb:"
)

// Events receives what the parser finds in the stream.
type Events interface {
	AddCovered(target string, n uint32)
	AddCrash(target, path string)
}

type Parser struct {
	Target string
	// WorkDir resolves relative crash file names.
	WorkDir string
	Events  Events
	Log     zerolog.Logger
}

// Parse consumes r until EOF. On a malformed coverage line it stops
// interpreting the stream but keeps draining it so the writer never
// blocks, and returns an error wrapping ErrMalformedCoverage.
func (p *Parser) Parse(r io.Reader) error {
	reader := bufio.NewReaderSize(r, lineReaderSize)
	scratch := getScratch()
	defer putScratch(scratch)

	var edges uint64
	for {
		line, tooLong, err := readLineWithLimit(reader, lineMaxBytes, linePreviewBytes, scratch)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read %s output: %w", p.Target, err)
		}
		if tooLong {
			p.Log.Warn().Str("preview", TruncateBytes(line, 100)).Msgf("skipped overlong line (> %d bytes)", lineMaxBytes)
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte(coveragePrefix)):
			n, err := ParseCoverage(string(line))
			if err != nil {
				p.Log.Error().Err(err).Str("line", TruncateBytes(line, 200)).Msg("error in hfuzz output filter")
				_, _ = io.Copy(io.Discard, reader)
				return err
			}
			if n == 0 {
				continue
			}
			p.Events.AddCovered(p.Target, n)
			edges += uint64(n)
			p.Log.Trace().Uint64("edges", edges).Msg("coverage update")
		case bytes.HasPrefix(line, []byte(crashPrefix)):
			name, ok := ParseCrash(string(line))
			if !ok {
				p.Log.Warn().Str("line", TruncateBytes(line, 200)).Msg("unterminated crash line")
				continue
			}
			path := ResolveCrashPath(p.WorkDir, name)
			p.Log.Info().Str("file", path).Msg("crash reported")
			p.Events.AddCrash(p.Target, path)
		}
	}
}

// ParseCoverage returns the new-edge count of a "Sz:" status line, taken
// from the ninth "/" separated field. A zero count yields 0 and no error.
func ParseCoverage(line string) (uint32, error) {
	fields := strings.Split(line, "/")
	if len(fields) <= coverageField {
		return 0, fmt.Errorf("%w: %d fields", ErrMalformedCoverage, len(fields))
	}
	raw := strings.TrimSpace(fields[coverageField])
	if raw == "0" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: field %q", ErrMalformedCoverage, raw)
	}
	return uint32(n), nil
}

// ParseCrash extracts the quoted file name from a "Crash: saved as" line.
func ParseCrash(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, crashPrefix)
	if !ok {
		return "", false
	}
	name, _, ok := strings.Cut(rest, "'")
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

func ResolveCrashPath(workDir, name string) string {
	if filepath.IsAbs(name) || workDir == "" {
		return filepath.Clean(name)
	}
	return filepath.Join(workDir, name)
}

// ParseGuardCount reads the edge total from a calibration trailer such as
// "... guard_nb:1234 ...". The number must be followed by a space.
func ParseGuardCount(line string) (uint32, error) {
	_, rest, ok := strings.Cut(line, guardMarker)
	if !ok {
		return 0, ErrNoGuardCount
	}
	raw, _, ok := strings.Cut(rest, " ")
	if !ok {
		return 0, fmt.Errorf("%w: unterminated count %q", ErrNoGuardCount, rest)
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNoGuardCount, raw)
	}
	return uint32(n), nil
}

// LastLine returns the last non-empty line of output.
func LastLine(output []byte) (string, bool) {
	for len(output) > 0 {
		i := bytes.LastIndexByte(output, '\n')
		line := output[i+1:]
		if len(line) > 0 {
			return string(bytes.TrimSuffix(line, []byte("\r"))), true
		}
		if i < 0 {
			break
		}
		output = output[:i]
	}
	return "", false
}
