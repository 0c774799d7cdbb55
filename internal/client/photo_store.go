package client

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// PhotoStore mints storage keys and public URLs for action photos. Uploads
// themselves go straight from the client to object storage; this service only
// records where the photo lives.
type PhotoStore struct {
	baseURL string
	bucket  string
}

// NewPhotoStore creates a store rooted at baseURL/bucket.
func NewPhotoStore(baseURL, bucket string) *PhotoStore {
	return &PhotoStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		bucket:  bucket,
	}
}

// NewKey returns a unique storage key for a photo, keeping the original
// file extension.
func (s *PhotoStore) NewKey(actionID, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	return fmt.Sprintf("%s/%s/%s%s", s.bucket, actionID, uuid.NewString(), ext)
}

// URL returns the stable public URL for a storage key.
func (s *PhotoStore) URL(key string) string {
	return s.baseURL + "/" + key
}
