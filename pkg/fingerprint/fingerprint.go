// Package fingerprint derives deterministic content fingerprints for
// requested file sets. The fingerprint names the output archive and keys
// the in-progress dedup cache, so it must be stable across request
// orderings of the same file set.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
)

// Files returns the alphabetically sorted copy of the given file list and
// the hex fingerprint of that set. Two requests for the same files in any
// order produce the same fingerprint.
func Files(files []string) ([]string, string) {
	sorted := make([]string, len(files))
	copy(sorted, files)
	sort.Strings(sorted)

	sum := md5.Sum([]byte(strings.Join(sorted, ",")))
	return sorted, hex.EncodeToString(sum[:])
}
