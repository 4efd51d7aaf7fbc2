// Package mocks provides in-memory fakes of the pipeline's external
// collaborators for tests.
package mocks

import (
	"context"
	"io"
	"sync"
)

// PutCall records one Storage.Put invocation.
type PutCall struct {
	ObjectPath  string
	Body        []byte
	Size        int64
	ContentType string
}

// Storage is a fake object store. When Hold is non-nil, Put blocks until Hold
// is closed or its context is done.
type Storage struct {
	mu      sync.Mutex
	calls   []PutCall
	errs    []error
	started chan struct{}

	BucketName string
	BaseURL    string
	Hold       chan struct{}
}

// NewStorage creates a fake store.
func NewStorage() *Storage {
	return &Storage{
		BucketName: "models",
		BaseURL:    "https://storage.test/public/models/",
		started:    make(chan struct{}, 64),
	}
}

// FailNext queues errors returned by the next Put calls, in order.
func (s *Storage) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, errs...)
}

// Bucket returns the configured bucket name.
func (s *Storage) Bucket() string {
	return s.BucketName
}

// Put records the call and returns BaseURL + objectPath.
func (s *Storage) Put(ctx context.Context, objectPath string, body io.Reader, size int64, contentType string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.calls = append(s.calls, PutCall{ObjectPath: objectPath, Body: data, Size: size, ContentType: contentType})
	var next error
	if len(s.errs) > 0 {
		next = s.errs[0]
		s.errs = s.errs[1:]
	}
	s.mu.Unlock()

	select {
	case s.started <- struct{}{}:
	default:
	}

	if s.Hold != nil {
		select {
		case <-s.Hold:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if next != nil {
		return "", next
	}
	return s.BaseURL + objectPath, nil
}

// Started receives once per Put call after it was recorded.
func (s *Storage) Started() <-chan struct{} {
	return s.started
}

// Calls returns the recorded Put calls.
func (s *Storage) Calls() []PutCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PutCall(nil), s.calls...)
}

// Invalidator counts session invalidations.
type Invalidator struct {
	mu      sync.Mutex
	reasons []string
}

// Invalidate records reason.
func (i *Invalidator) Invalidate(reason string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.reasons = append(i.reasons, reason)
}

// Reasons returns the recorded invalidation reasons.
func (i *Invalidator) Reasons() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.reasons...)
}
