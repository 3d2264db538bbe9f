package files

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrInvalidName wraps all new-name validation failures in the rename
// pipeline. Callers match it with errors.Is; the wrapped message carries the
// specific reason.
var ErrInvalidName = errors.New("invalid file name")

var (
	unsafeCharPattern   = regexp.MustCompile(`[^A-Za-z0-9_.-]`)
	invalidCharPattern  = regexp.MustCompile(`[<>:"|?*\\/]`)
	reservedNamePattern = regexp.MustCompile(`(?i)^(CON|PRN|AUX|NUL|COM[1-9]|LPT[1-9])(\.|$)`)
	dotsAndSpacePattern = regexp.MustCompile(`^[.\s]+$`)
	repeatedDotsPattern = regexp.MustCompile(`\.{2,}`)
)

// sanitizeFilename makes an uploaded filename safe for use as a storage leaf
// name, replacing every character outside [A-Za-z0-9_.-] with underscore.
func sanitizeFilename(name string) string {
	return unsafeCharPattern.ReplaceAllString(name, "_")
}

// sanitizeRenameName cleans a validated new name before building the unique
// name: forbidden characters become underscores, surrounding whitespace is
// trimmed, and runs of dots collapse to one.
func sanitizeRenameName(name string) string {
	sanitized := invalidCharPattern.ReplaceAllString(name, "_")
	sanitized = strings.TrimSpace(sanitized)
	return repeatedDotsPattern.ReplaceAllString(sanitized, ".")
}

// splitExt splits name into base and extension, extension included with its
// leading dot ("photo.jpg" -> "photo", ".jpg").
func splitExt(name string) (base string, ext string) {
	ext = path.Ext(name)
	return strings.TrimSuffix(name, ext), ext
}

// timestampFormat is the second-resolution stamp embedded in unique names.
// Two uploads of the same base name within the same second collide; that is
// an accepted limitation of the naming scheme.
const timestampFormat = "20060102_150405"

// uniqueName builds the collision-avoiding storage leaf name
// {base}_{YYYYMMDD_HHMMSS}{ext}.
func uniqueName(base string, ext string, t time.Time) string {
	return fmt.Sprintf("%s_%s%s", base, t.Format(timestampFormat), ext)
}

// storageKey builds the blob store key for a user's file.
func storageKey(username string, unique string) string {
	return "files/" + username + "/" + unique
}

var contentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
}

// contentTypeFor classifies a filename by extension, defaulting to a generic
// binary type for anything outside the fixed image table.
func contentTypeFor(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}

// FormatSize renders a byte count with binary prefixes at one decimal place,
// e.g. 1536 -> "1.5 KB". Zero is the special case "0 B".
func FormatSize(n int64) string {
	if n == 0 {
		return "0 B"
	}

	units := []string{"B", "KB", "MB", "GB"}
	size := float64(n)
	i := 0
	for size >= 1024 && i < len(units)-1 {
		size /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", size, units[i])
}

// validateNewName checks a rename target against the naming rules. All
// checks run before any storage mutation.
func validateNewName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidName)
	}

	// The limit counts characters, not bytes; multibyte names stay legal.
	if utf8.RuneCountInString(name) > 255 {
		return fmt.Errorf("%w: name must be at most 255 characters", ErrInvalidName)
	}

	if invalidCharPattern.MatchString(name) {
		return fmt.Errorf(`%w: name must not contain < > : " | ? * \ /`, ErrInvalidName)
	}

	if reservedNamePattern.MatchString(name) {
		return fmt.Errorf("%w: name must not be a reserved device name", ErrInvalidName)
	}

	if dotsAndSpacePattern.MatchString(name) {
		return fmt.Errorf("%w: name must not consist only of dots or whitespace", ErrInvalidName)
	}

	return nil
}
