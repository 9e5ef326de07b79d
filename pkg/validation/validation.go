package validation

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ValidateRoomID validates a caller-supplied room id. Any printable UTF-8
// string up to maxLen bytes is accepted.
func ValidateRoomID(roomID string, maxLen int) error {
	if roomID == "" {
		return fmt.Errorf("room ID is required")
	}
	if maxLen > 0 && len(roomID) > maxLen {
		return fmt.Errorf("room ID is too long (max %d bytes)", maxLen)
	}
	if !utf8.ValidString(roomID) {
		return fmt.Errorf("room ID contains invalid UTF-8")
	}
	for _, r := range roomID {
		if unicode.IsControl(r) {
			return fmt.Errorf("room ID contains control characters")
		}
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// SanitizeFileName reduces a peer-supplied file name to a single safe path
// element. Empty or unusable names become fallback.
func SanitizeFileName(name, fallback string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.Clean("/" + name))
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return fallback
	}
	if len(name) > 255 {
		ext := filepath.Ext(name)
		if len(ext) > 32 {
			ext = ""
		}
		name = strings.ToValidUTF8(name[:255-len(ext)], "") + ext
	}
	return name
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
