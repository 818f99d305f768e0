package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilesOrderIndependent(t *testing.T) {
	sortedA, hashA := Files([]string{"b.txt", "a.txt"})
	sortedB, hashB := Files([]string{"a.txt", "b.txt"})

	assert.Equal(t, []string{"a.txt", "b.txt"}, sortedA)
	assert.Equal(t, sortedA, sortedB)
	assert.Equal(t, hashA, hashB)
}

func TestFilesDistinctSets(t *testing.T) {
	_, hashA := Files([]string{"a.txt", "b.txt"})
	_, hashB := Files([]string{"a.txt", "c.txt"})
	assert.NotEqual(t, hashA, hashB)
}

func TestFilesDoesNotMutateInput(t *testing.T) {
	in := []string{"z", "a", "m"}
	sorted, _ := Files(in)
	assert.Equal(t, []string{"z", "a", "m"}, in)
	assert.Equal(t, []string{"a", "m", "z"}, sorted)
}

func TestFilesEmpty(t *testing.T) {
	sorted, hash := Files(nil)
	assert.Empty(t, sorted)
	// MD5 of the empty string.
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", hash)
}
