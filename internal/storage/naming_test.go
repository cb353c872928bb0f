package storage

import (
	"strings"
	"testing"
	"time"
)

func TestSanitizeName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		in     string
		maxLen int
		want   string
	}{
		{"lowercases", "WS-Alpha", 63, "ws-alpha"},
		{"replaces invalid runes", "ws_alpha.beta", 63, "ws-alpha-beta"},
		{"collapses hyphen runs", "ws--alpha__beta", 63, "ws-alpha-beta"},
		{"trims leading and trailing", "-ws-alpha-", 63, "ws-alpha"},
		{"truncates to max", strings.Repeat("a", 80), 63, strings.Repeat("a", 63)},
		{"no trailing hyphen after truncate", strings.Repeat("a", 62) + "-bb", 63, strings.Repeat("a", 62)},
		{"pads short names", "a", 63, "a00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeName(tt.in, tt.maxLen)
			if got != tt.want {
				t.Errorf("sanitizeName(%q): got %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestBucketNameDeterministic(t *testing.T) {
	t.Parallel()

	ts := time.Unix(1700000000, 0)
	a := BucketName("0d9b3c41-8b1a-4a51-9f57-1111aaaa2222", "session-ab12cd34", ts)
	b := BucketName("0d9b3c41-8b1a-4a51-9f57-1111aaaa2222", "session-ab12cd34", ts)
	if a != b {
		t.Errorf("same inputs produced different names: %q vs %q", a, b)
	}
	if len(a) < 3 || len(a) > 63 {
		t.Errorf("bucket name length %d outside [3, 63]: %q", len(a), a)
	}
	if strings.HasPrefix(a, "-") || strings.HasSuffix(a, "-") {
		t.Errorf("bucket name has boundary hyphen: %q", a)
	}
	if a != strings.ToLower(a) {
		t.Errorf("bucket name is not lowercase: %q", a)
	}
}

func TestVolumeNameBounds(t *testing.T) {
	t.Parallel()

	name := VolumeName("0d9b3c41-8b1a-4a51-9f57-1111aaaa2222", "session-ab12cd34", time.Unix(1700000000, 0))
	if !strings.HasPrefix(name, "vol-") {
		t.Errorf("volume name missing prefix: %q", name)
	}
	if len(name) > 253 {
		t.Errorf("volume name length %d exceeds 253", len(name))
	}
}
