//go:build !gcp

package artifacts

import "context"

// gcsLinked is false unless the binary is built with -tags gcp, which keeps
// the Cloud Storage client out of default builds.
const gcsLinked = false

func newGCSStore(context.Context, StorageConfig) (Store, error) {
	return nil, ErrGCSNotLinked
}
