package evidence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

const publicHost = "https://storage.googleapis.com"

// GCSStore uploads evidence objects to a Cloud Storage bucket.
type GCSStore struct {
	client     *storage.Client
	bucket     string
	newID      func() string
	openWriter func(ctx context.Context, key string, contentType string, metadata map[string]string) io.WriteCloser
}

func NewGCSStore(client *storage.Client, bucket string) (*GCSStore, error) {
	if client == nil {
		return nil, errors.New("evidence: storage client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("evidence: bucket is required")
	}
	s := &GCSStore{client: client, bucket: bucket, newID: newToken}
	s.openWriter = s.objectWriter
	return s, nil
}

// Save streams r into a new object. A failed copy cancels the writer's
// context so the partial object is never finalized.
func (s *GCSStore) Save(ctx context.Context, returnID string, filename string, contentType string, r io.Reader) (string, error) {
	key, err := ObjectKey(returnID, filename, s.newID())
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.openWriter(ctx, key, contentType, map[string]string{"return_id": returnID})
	if _, err := io.Copy(w, r); err != nil {
		cancel()
		return "", fmt.Errorf("evidence: upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("evidence: finalize %s: %w", key, err)
	}
	return PublicURL(s.bucket, key), nil
}

func (s *GCSStore) objectWriter(ctx context.Context, key string, contentType string, metadata map[string]string) io.WriteCloser {
	w := s.client.Bucket(s.bucket).Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = metadata
	return w
}

func PublicURL(bucket string, key string) string {
	return fmt.Sprintf("%s/%s/%s", publicHost, bucket, key)
}
