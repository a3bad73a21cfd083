// Package storage holds what the blob store backends share. Backends live in
// the memory, local and gcs subpackages; the postgres subpackage keeps the
// model version catalog.
package storage

import "errors"

// ErrNotFound is returned by GetObject for missing paths.
var ErrNotFound = errors.New("object not found")
