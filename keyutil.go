package pixcache

import (
	"encoding/hex"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint hashes an arbitrary request key into the restricted key
// alphabet of the disk tier: 16 lowercase hex characters. Callers may cache
// the result to avoid rehashing hot keys.
func Fingerprint(key string) string {
	var buf [8]byte
	sum := xxhash.Sum64String(key)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(sum)
		sum >>= 8
	}
	return hex.EncodeToString(buf[:])
}
