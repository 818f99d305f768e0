package wire

import (
	"fmt"
	"strings"
)

const pathScheme = "gs://"

// ParseBucketPath splits a full object path into bucket and key:
// "gs://bucket/key" -> ("bucket", "key"). The key may be empty
// ("gs://bucket"). Paths without the scheme, with an empty bucket, or
// with a bucket that contains "/" or is a single space are rejected.
func ParseBucketPath(path string) (bucket, key string, err error) {
	if !strings.HasPrefix(path, pathScheme) {
		return "", "", fmt.Errorf("%q is not a valid path: it must start with %q", path, pathScheme)
	}

	parts := strings.SplitN(strings.TrimPrefix(path, pathScheme), "/", 2)

	bucket = parts[0]
	if bucket == "" {
		return "", "", fmt.Errorf("empty bucket name in %q", path)
	}
	if strings.Contains(bucket, "/") || bucket == " " {
		return "", "", fmt.Errorf("%q is not a valid bucket name", bucket)
	}

	if len(parts) == 2 {
		key = parts[1]
	}
	return bucket, key, nil
}
