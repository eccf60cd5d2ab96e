package pixcache

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFingerprintShape(t *testing.T) {
	hexKey := regexp.MustCompile(`^[0-9a-f]{16}$`)

	for _, key := range []string{
		"",
		"https://example.com/image.png",
		"https://example.com/image.png?w=300&h=200",
		"some arbitrary string with spaces and UPPERCASE ☃",
	} {
		fp := Fingerprint(key)
		require.Regexp(t, hexKey, fp, "key %q", key)
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	key := "https://example.com/image.png"
	require.Equal(t, Fingerprint(key), Fingerprint(key))
}

func TestFingerprintDistinguishesKeys(t *testing.T) {
	a := Fingerprint("https://example.com/a.png")
	b := Fingerprint("https://example.com/b.png")
	require.NotEqual(t, a, b)
}
