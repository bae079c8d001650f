// Package blobstore defines the blob storage contract and the
// blob-naming convention that ties a metadata record to its payload.
package blobstore

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no object exists under the requested key.
var ErrNotFound = errors.New("blob not found")

// FallbackContentType is used when an object carries no content-type tag.
const FallbackContentType = "application/octet-stream"

// Backend stores binary payloads addressed by key.
type Backend interface {
	// Put stores body under key, overwriting any existing object, and
	// returns a dereferenceable URL for the stored object.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
	// Get returns the object body and its content type, or ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, string, error)
	// Delete removes the object at key. Deleting an absent key is not
	// an error.
	Delete(ctx context.Context, key string) error
}

// DeriveKey builds the storage key for a new upload:
// {patientId}/{uuid}.{ext}. The extension is the lower-cased portion of
// the filename after the last dot (the whole lower-cased name when it
// has no dot), or "file" when no filename was supplied. A fresh UUID
// per call keeps keys collision-free regardless of content.
func DeriveKey(patientID, filename string) string {
	ext := "file"
	if filename != "" {
		parts := strings.Split(filename, ".")
		ext = strings.ToLower(parts[len(parts)-1])
	}
	return patientID + "/" + uuid.NewString() + "." + ext
}
