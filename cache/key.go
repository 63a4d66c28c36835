package cache

import (
	"fmt"

	digest "github.com/opencontainers/go-digest"
)

// Key returns the storage key for data: its hex-encoded SHA256.
func Key(data []byte) string {
	return digest.SHA256.FromBytes(data).Encoded()
}

// ValidKey reports whether hash can be used as a storage key.
// Keys must be non-empty lowercase hex, which also keeps them safe to use
// as file names.
func ValidKey(hash string) error {
	if hash == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	for i := 0; i < len(hash); i++ {
		c := hash[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("%w: %q", ErrInvalidKey, hash)
		}
	}
	return nil
}

// Verify reports whether data hashes to hash.
func Verify(hash string, data []byte) bool {
	d := digest.NewDigestFromEncoded(digest.SHA256, hash)
	if d.Validate() != nil {
		return false
	}
	v := d.Verifier()
	_, _ = v.Write(data) //nolint:errcheck // hash writes never fail
	return v.Verified()
}
