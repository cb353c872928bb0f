package storage

import (
	"fmt"
	"strings"
	"time"
)

// External naming grammars this allocator must satisfy. Bucket-like names
// follow the strictest grammar in use: lowercase letters, digits and
// hyphens, 3-63 chars, no leading or trailing hyphen. Volume-like names use
// the same alphabet at DNS subdomain length.
const (
	maxBucketNameLen = 63
	maxVolumeNameLen = 253
	minNameLen       = 3
)

// BucketName derives a deterministic, provider-safe object-bucket name from
// the workspace, the session namespace, and the allocation timestamp.
func BucketName(workspaceID, namespace string, ts time.Time) string {
	raw := fmt.Sprintf("ws-%s-%s-%d", shortID(workspaceID), namespace, ts.Unix())
	return sanitizeName(raw, maxBucketNameLen)
}

// VolumeName derives a deterministic, provider-safe volume name
func VolumeName(workspaceID, namespace string, ts time.Time) string {
	raw := fmt.Sprintf("vol-%s-%s-%d", shortID(workspaceID), namespace, ts.Unix())
	return sanitizeName(raw, maxVolumeNameLen)
}

// sanitizeName forces a candidate into the grammar: lowercase, invalid runes
// replaced by hyphens, runs of hyphens collapsed, separators trimmed from
// both ends, length bounded.
func sanitizeName(name string, maxLen int) string {
	name = strings.ToLower(name)

	var b strings.Builder
	b.Grow(len(name))
	lastHyphen := false
	for _, c := range name {
		valid := (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
		if valid {
			b.WriteRune(c)
			lastHyphen = false
			continue
		}
		if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}

	out := strings.Trim(b.String(), "-")
	if len(out) > maxLen {
		out = strings.TrimRight(out[:maxLen], "-")
	}
	for len(out) < minNameLen {
		out += "0"
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
