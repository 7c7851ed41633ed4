package utils

import (
	"strings"
	"testing"
)

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		s      string
		maxLen int
		want   string
	}{
		{"empty string", "", 10, ""},
		{"zero maxLen", "hello", 0, ""},
		{"short string", "hello", 10, "hello"},
		{"needs truncation", "hello world", 8, "hello..."},
		{"maxLen 3", "hello", 3, "h"},
		{"maxLen 4", "hello", 4, "h..."},
		{"unicode preserved", "你好世界", 4, "你好世界"},
		{"unicode truncate", "你好世界test", 6, "你好世..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.s, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.s, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestSanitizeOutput(t *testing.T) {
	tests := []struct {
		name string
		s    string
		want string
	}{
		{"plain text", "hello world", "hello world"},
		{"with newline", "hello\nworld", "hello\nworld"},
		{"ANSI color", "\x1b[31mred\x1b[0m", "red"},
		{"control chars", "hello\x00\x01world", "helloworld"},
		{"cargo progress", "\x1b[1m\x1b[32m   Compiling\x1b[0m fuzz v0.1.0", "   Compiling fuzz v0.1.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeOutput(tt.s); got != tt.want {
				t.Errorf("SanitizeOutput(%q) = %q, want %q", tt.s, got, tt.want)
			}
		})
	}
}

func TestFirstLine(t *testing.T) {
	if got := FirstLine("Fix parser\r\n\nLong body"); got != "Fix parser" {
		t.Fatalf("FirstLine = %q", got)
	}
	if got := FirstLine("single"); got != "single" {
		t.Fatalf("FirstLine = %q", got)
	}
}

func TestSanitizePathSegment(t *testing.T) {
	tests := map[string]string{
		"feature/x":                 "feature_x",
		"Fix: a|b":                  "Fix_ a_b",
		"..":                        "_",
		"":                          "_",
		"trailing. ":                "trailing_",
		"msg - abcde by me at 2024": "msg - abcde by me at 2024",
	}
	for in, want := range tests {
		if got := SanitizePathSegment(in); got != want {
			t.Errorf("SanitizePathSegment(%q) = %q, want %q", in, got, want)
		}
	}
	if got := SanitizePathSegment(strings.Repeat("é", 200)); len(got) > maxSegmentBytes {
		t.Errorf("segment not bounded: %d bytes", len(got))
	}
}

func TestLocalPath(t *testing.T) {
	if got := LocalPath("dev/x", "a: b"); got != "dev_x/a_ b" {
		t.Fatalf("LocalPath = %q", got)
	}
}

func TestJoinURL(t *testing.T) {
	tests := []struct {
		base     string
		segments []string
		want     string
	}{
		{"http://ci:8080/reports/", []string{"master/Fix it - abcde/", "hfuzz-report/index.html"}, "http://ci:8080/reports/master/Fix%20it%20-%20abcde/hfuzz-report/index.html"},
		{"http://ci:8080/reports", []string{"dev/run/"}, "http://ci:8080/reports/dev/run/"},
		{"http://ci/", nil, "http://ci/"},
		{"http://ci/r/", []string{"a#b?c"}, "http://ci/r/a%23b%3Fc"},
	}
	for _, tt := range tests {
		got, err := JoinURL(tt.base, tt.segments...)
		if err != nil {
			t.Fatalf("JoinURL(%q): %v", tt.base, err)
		}
		if got != tt.want {
			t.Errorf("JoinURL(%q, %q) = %q, want %q", tt.base, tt.segments, got, tt.want)
		}
	}
}
