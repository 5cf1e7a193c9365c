package blob

import "path/filepath"

// ShardPath returns the sharded relative path for a blob id: the first two
// and next two hex characters become subdirectories, so no single directory
// ever holds millions of entries. Staging and the remote store use the
// same layout, letting batch transfer mirror paths directly.
func ShardPath(id string) string {
	return filepath.Join(id[0:2], id[2:4], id)
}

// ValidID reports whether s looks like a blob id: 64 lowercase hex chars.
func ValidID(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
