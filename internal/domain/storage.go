package domain

import (
	"context"
	"io"
)

// BlobStore persists uploaded files between the upload handler and the
// parse stage.
type BlobStore interface {
	// Save writes the blob under key and returns the number of bytes stored.
	Save(ctx context.Context, key string, r io.Reader) (int64, error)

	// Load reads the whole blob. A missing key yields an error satisfying
	// errors.Is(err, fs.ErrNotExist).
	Load(ctx context.Context, key string) ([]byte, error)

	// Delete removes the blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
