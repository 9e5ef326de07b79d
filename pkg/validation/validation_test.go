package validation

import (
	"strings"
	"testing"
)

func TestValidateRoomID(t *testing.T) {
	tests := []struct {
		name    string
		roomID  string
		wantErr bool
	}{
		{"simple", "r1", false},
		{"uuid", "6f1c1f9e-2c4b-4a8e-9d51-0f2a6f0d7c11", false},
		{"spaces and unicode", "salle de réunion", false},
		{"empty", "", true},
		{"at limit", strings.Repeat("a", 256), false},
		{"too long", strings.Repeat("a", 257), true},
		{"control char", "r\x001", true},
		{"invalid utf8", "r\xff", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRoomID(tt.roomID, 256)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRoomID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"ws", "ws://localhost:3000/ws", false},
		{"https", "https://zombiefile.example", false},
		{"empty", "", true},
		{"ftp", "ftp://example.com", true},
		{"no host", "http://", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{"/abs/path/file.txt", "file.txt"},
		{`..\..\windows\system.ini`, "system.ini"},
		{"..", "fallback"},
		{"", "fallback"},
		{"   ", "fallback"},
		{"bad\x00name.txt", "badname.txt"},
	}

	for _, tt := range tests {
		if got := SanitizeFileName(tt.in, "fallback"); got != tt.want {
			t.Errorf("SanitizeFileName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	long := strings.Repeat("é", 200) + ".txt"
	got := SanitizeFileName(long, "fallback")
	if len(got) > 255 || !strings.HasSuffix(got, ".txt") {
		t.Errorf("long name not truncated correctly: len=%d", len(got))
	}
}

func TestValidateNonEmptyString(t *testing.T) {
	if err := ValidateNonEmptyString("  ", "name"); err == nil {
		t.Error("expected error for blank string")
	}
	if err := ValidateNonEmptyString("x", "name"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
