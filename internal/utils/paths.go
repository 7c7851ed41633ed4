package utils

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const maxSegmentBytes = 255

// SanitizePathSegment makes s usable as a single file or directory name by
// replacing separators, reserved and control characters with "_".
func SanitizePathSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r < 32 || r == 0x7f:
			b.WriteByte('_')
		case strings.ContainsRune(`/\?<>:*|"`, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if trimmed := strings.TrimRight(out, ". "); trimmed != out {
		out = trimmed + "_"
	}
	if out == "" || out == "." || out == ".." {
		return "_"
	}
	for len(out) > maxSegmentBytes {
		_, size := utf8.DecodeLastRuneInString(out)
		out = out[:len(out)-size]
	}
	return out
}

// LocalPath joins sanitized segments into a relative path.
func LocalPath(segments ...string) string {
	clean := make([]string, len(segments))
	for i, s := range segments {
		clean[i] = SanitizePathSegment(s)
	}
	return filepath.Join(clean...)
}

// EscapeSegment percent-encodes every byte of s outside the RFC 3986
// unreserved set, including spaces, slashes and sub-delimiters.
func EscapeSegment(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || strings.IndexByte("-._~", c) >= 0 {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

// JoinURL appends escaped path segments to base. Every segment but the last
// is treated as a directory. A relative path such as "a/b" may be passed as
// a single segment and is split on the OS separator.
func JoinURL(base string, segments ...string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", base, err)
	}
	var parts []string
	for _, s := range segments {
		for _, p := range strings.Split(filepath.ToSlash(s), "/") {
			if p != "" {
				parts = append(parts, p)
			}
		}
	}
	raw := strings.TrimSuffix(u.EscapedPath(), "/")
	for _, p := range parts {
		raw += "/" + EscapeSegment(p)
	}
	if len(parts) == 0 || strings.HasSuffix(segments[len(segments)-1], "/") {
		raw += "/"
	}
	unescaped, err := url.PathUnescape(raw)
	if err != nil {
		return "", err
	}
	u.Path = unescaped
	u.RawPath = raw
	return u.String(), nil
}
