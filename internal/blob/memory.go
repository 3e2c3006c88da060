package blob

import (
	"context"
	"fmt"
	"path"
	"sync"
)

// Memory is an in-process Store used by tests and local runs.
type Memory struct {
	mu      sync.Mutex
	objects map[string]memoryObject
}

type memoryObject struct {
	body        []byte
	contentType string
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memoryObject)}
}

func (m *Memory) FetchSource(_ context.Context, bucket, key string) (*Source, error) {
	m.mu.Lock()
	obj, ok := m.objects[bucket+"/"+key]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, ErrNotFound)
	}
	return &Source{
		Bucket:   bucket,
		Key:      key,
		Filename: path.Base(key),
		MimeType: obj.contentType,
		Body:     append([]byte(nil), obj.body...),
	}, nil
}

func (m *Memory) Upload(_ context.Context, bucket, key string, body []byte, opts UploadOptions) error {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = detectMime(body)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = memoryObject{body: append([]byte(nil), body...), contentType: contentType}
	return nil
}

// Object returns a stored body, for assertions.
func (m *Memory) Object(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[bucket+"/"+key]
	return obj.body, ok
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
