package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bimefy/slam-worker/internal/model"
)

type uploadedPart struct {
	number int32
	data   []byte
}

type upload struct {
	key         string
	contentType string
	metadata    map[string]string
	parts       []uploadedPart
	completed   []model.CompletedPart
}

// fakeStore is an in-memory ObjectStore
type fakeStore struct {
	mu        sync.Mutex
	uploads   map[string]*upload
	nextID    int
	signedURL string
	failPart  int32
	failKeys  map[string]bool
	signErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{uploads: make(map[string]*upload), failKeys: make(map[string]bool)}
}

func (f *fakeStore) CreateMultipartUpload(_ context.Context, key, contentType string, metadata map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failKeys[key] {
		return "", errors.New("create refused")
	}
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = &upload{key: key, contentType: contentType, metadata: metadata}
	return id, nil
}

func (f *fakeStore) UploadPart(_ context.Context, _, uploadID string, partNumber int32, body io.ReadSeeker, size int64) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("part %d: declared %d bytes, read %d", partNumber, size, len(data))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPart == partNumber {
		return "", errors.New("part upload failed")
	}
	u := f.uploads[uploadID]
	u.parts = append(u.parts, uploadedPart{number: partNumber, data: data})
	return fmt.Sprintf(`"etag-%d"`, partNumber), nil
}

func (f *fakeStore) CompleteMultipartUpload(_ context.Context, key, uploadID string, parts []model.CompletedPart) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[uploadID].completed = parts
	return f.GetPublicURL(key), nil
}

func (f *fakeStore) GetSignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	if f.signErr != nil {
		return "", f.signErr
	}
	return f.signedURL + "/" + key, nil
}

func (f *fakeStore) GetPublicURL(key string) string {
	return "https://bucket.example.com/" + key
}

// completedKeys lists keys of completed uploads, sorted
func (f *fakeStore) completedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for _, u := range f.uploads {
		if u.completed != nil {
			keys = append(keys, u.key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (f *fakeStore) uploadFor(key string) *upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.uploads {
		if u.key == key {
			return u
		}
	}
	return nil
}

func (f *fakeStore) hasKeyWithPrefix(prefix string) bool {
	for _, k := range f.completedKeys() {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

func chmodExec(path string) error {
	return os.Chmod(path, 0o755)
}
