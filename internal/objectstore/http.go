// Package objectstore implements the remote storage backends that model files
// are uploaded to. Every backend writes with upsert semantics so a repeated
// transfer of the same object path is idempotent.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/raphaelgruber/dishcapture/internal/remote"
)

// HTTPStore writes objects through the backend's storage REST API.
type HTTPStore struct {
	client *remote.Client
	bucket string
}

// NewHTTPStore creates a store writing to bucket via client.
func NewHTTPStore(client *remote.Client, bucket string) *HTTPStore {
	return &HTTPStore{client: client, bucket: bucket}
}

// Bucket returns the target bucket.
func (s *HTTPStore) Bucket() string {
	return s.bucket
}

// Put upserts the object at objectPath and returns its public URL.
func (s *HTTPStore) Put(ctx context.Context, objectPath string, body io.Reader, size int64, contentType string) (string, error) {
	header := http.Header{}
	header.Set("x-upsert", "true")
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}

	resp, err := s.client.Do(ctx, "upload "+objectPath, remote.Request{
		Method:        http.MethodPut,
		Path:          "/storage/v1/object/" + s.bucket + "/" + escapePath(objectPath),
		Header:        header,
		Body:          body,
		ContentLength: size,
	})
	if err != nil {
		return "", err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return s.PublicURL(objectPath), nil
}

// PublicURL returns the public URL of objectPath in the bucket.
func (s *HTTPStore) PublicURL(objectPath string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.client.BaseURL(), s.bucket, escapePath(objectPath))
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimLeft(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
