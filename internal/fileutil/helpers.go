// Package fileutil provides file and path helpers for staged media and saved assets.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultDirPermissions  = 0o750
	dot                    = "."
	invalidCharReplacement = "_"
)

// Data size constants.
const (
	byteUnit = 1
	kilobyte = byteUnit * 1024
	megabyte = kilobyte * 1024
	gigabyte = megabyte * 1024
)

// Size formatting constants.
const (
	formatGB    = "%.1f GB"
	formatMB    = "%.1f MB"
	formatKB    = "%.1f KB"
	formatBytes = "%d B"
)

const errFmtFailedToCreateDir = "failed to create directory %s: %w"

var nameReplacer = strings.NewReplacer(
	"<", invalidCharReplacement,
	">", invalidCharReplacement,
	":", invalidCharReplacement,
	"\"", invalidCharReplacement,
	"/", invalidCharReplacement,
	"\\", invalidCharReplacement,
	"|", invalidCharReplacement,
	"?", invalidCharReplacement,
	"*", invalidCharReplacement,
	"\x00", invalidCharReplacement,
)

// EnsureDir ensures a directory exists at the given path, creating it if it doesn't.
func EnsureDir(path string) error {
	_, statErr := os.Stat(path)
	if os.IsNotExist(statErr) {
		mkdirErr := os.MkdirAll(path, defaultDirPermissions)
		if mkdirErr != nil {
			return fmt.Errorf(errFmtFailedToCreateDir, path, mkdirErr)
		}
	}

	return nil
}

// SanitizeFilename replaces characters that are invalid in most filesystems
// and strips leading dots so the result can never escape its directory.
func SanitizeFilename(filename string) string {
	cleaned := nameReplacer.Replace(strings.TrimSpace(filename))

	return strings.TrimLeft(cleaned, dot)
}

// NormalizeExt returns ext with exactly one leading dot, or fallback when ext is empty.
func NormalizeExt(ext, fallback string) string {
	ext = strings.TrimSpace(ext)
	if ext == "" || ext == dot {
		ext = fallback
	}

	if ext == "" {
		return ""
	}

	return dot + strings.TrimLeft(ext, dot)
}

// ExtOf returns the extension of filename, or fallback when it has none.
func ExtOf(filename, fallback string) string {
	return NormalizeExt(filepath.Ext(filename), fallback)
}

// FormatFileSize formats a file size in a human-readable string (e.g., "1.2 GB", "500.5
// MB").
func FormatFileSize(bytes int64) string {
	switch {
	case bytes >= gigabyte:
		return fmt.Sprintf(formatGB, float64(bytes)/gigabyte)
	case bytes >= megabyte:
		return fmt.Sprintf(formatMB, float64(bytes)/megabyte)
	case bytes >= kilobyte:
		return fmt.Sprintf(formatKB, float64(bytes)/kilobyte)
	default:
		return fmt.Sprintf(formatBytes, bytes)
	}
}
