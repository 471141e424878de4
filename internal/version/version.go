// Package version derives the build version string that names cache
// generations. The derivation is pure: the same inputs always produce the
// same string, and it is computed once per process, never per request.
package version

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// MinEntropyBytes is the smallest accepted entropy length.
const MinEntropyBytes = 8

// Compute derives the version string for a build.
//
// buildHash is the first 8 hex chars of sha256(decimal(buildTimestampMs) ||
// entropy). Release builds produce "appVersion-buildHash"; development builds
// additionally embed the build second in base36 so that successive local
// builds stay distinguishable even when appVersion never changes.
func Compute(appVersion string, buildTimestampMs int64, entropy []byte, release bool) (string, error) {
	if appVersion == "" {
		return "", fmt.Errorf("empty app version")
	}
	if len(entropy) < MinEntropyBytes {
		return "", fmt.Errorf("entropy too short: %d bytes, need at least %d", len(entropy), MinEntropyBytes)
	}

	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(buildTimestampMs, 10)))
	h.Write(entropy)
	buildHash := hex.EncodeToString(h.Sum(nil))[:8]

	if release {
		return appVersion + "-" + buildHash, nil
	}
	stamp := strconv.FormatInt(buildTimestampMs/1000, 36)
	return appVersion + "-" + stamp + "-" + buildHash, nil
}

// NewEntropy returns fresh build entropy from the system CSPRNG.
func NewEntropy() ([]byte, error) {
	b := make([]byte, MinEntropyBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read entropy: %w", err)
	}
	return b, nil
}

// GenerationName returns the store name for a generation:
// "{appName}-v{versionString}".
func GenerationName(appName, versionString string) string {
	return appName + "-v" + versionString
}

// OwnedPrefix returns the store-name prefix shared by every generation owned
// by appName.
func OwnedPrefix(appName string) string {
	return appName + "-v"
}

// FromGenerationName extracts the embedded version string from a generation
// store name, given the owning app. Returns "" if the name does not belong to
// the app.
func FromGenerationName(appName, storeName string) string {
	prefix := OwnedPrefix(appName)
	if !strings.HasPrefix(storeName, prefix) {
		return ""
	}
	return storeName[len(prefix):]
}

// Compare orders two version strings for generation pruning. The leading
// dotted numeric fields are compared numerically, remaining dash-separated
// segments lexically. Returns -1, 0 or 1.
func Compare(a, b string) int {
	aHead, aRest, _ := strings.Cut(a, "-")
	bHead, bRest, _ := strings.Cut(b, "-")

	if c := compareNumericDotted(aHead, bHead); c != 0 {
		return c
	}
	if aRest == bRest {
		return 0
	}
	if aRest < bRest {
		return -1
	}
	return 1
}

func compareNumericDotted(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var av, bv int
		var aerr, berr error
		if i < len(as) {
			av, aerr = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, berr = strconv.Atoi(bs[i])
		}
		if aerr != nil || berr != nil {
			// Non-numeric field, fall back to lexical for this pair.
			var af, bf string
			if i < len(as) {
				af = as[i]
			}
			if i < len(bs) {
				bf = bs[i]
			}
			if af != bf {
				if af < bf {
					return -1
				}
				return 1
			}
			continue
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}
