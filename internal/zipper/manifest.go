package zipper

import (
	"encoding/json"
	"strings"
)

// fetchErrorSuffix is appended to a manifest entry whose object could
// not be retrieved.
const fetchErrorSuffix = " [Error: unable to retrieve file]"

// faultEntry formats the manifest line for an unretrievable object.
func faultEntry(object string) string {
	return object + fetchErrorSuffix
}

// NestedManifest builds the directory-tree view of a flat manifest.
// Each path is split on "/": intermediate segments become nested
// objects, leaf names collect under a "contents" list at their
// directory level. Error entries are skipped; they only appear in the
// flat list.
func NestedManifest(paths []string) map[string]any {
	tree := make(map[string]any)
	for _, p := range paths {
		if strings.Contains(p, "Error: ") {
			continue
		}
		node := tree
		segs := strings.Split(p, "/")
		for _, dir := range segs[:len(segs)-1] {
			child, ok := node[dir].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[dir] = child
			}
			node = child
		}
		leaf := segs[len(segs)-1]
		contents, _ := node["contents"].([]string)
		node["contents"] = append(contents, leaf)
	}
	return tree
}

// NestedManifestJSON renders the directory-tree manifest.
func NestedManifestJSON(paths []string) ([]byte, error) {
	return json.MarshalIndent(NestedManifest(paths), "", "  ")
}

// ListManifestJSON renders the flat ordered manifest, error entries
// included.
func ListManifestJSON(paths []string) ([]byte, error) {
	return json.MarshalIndent(paths, "", "  ")
}
