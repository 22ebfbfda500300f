// Package scratch manages the temporary frame payloads that live
// between extraction and processing. Payloads are keyed by the frame's
// storage key and grouped per video so a whole video's leftovers can be
// purged at once.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/psantana5/fitpipe/pkg/models"
)

// Scratch stores temporary frame payloads
type Scratch interface {
	// Write stores a payload under key
	Write(key string, data []byte) error

	// Read returns the payload for key
	Read(key string) ([]byte, error)

	// Delete removes the given keys. Missing keys are ignored; a chunk
	// that timed out may have never materialized all of its frames.
	Delete(keys ...string)

	// PurgeVideo removes every payload belonging to a video
	PurgeVideo(videoID string) error

	// Videos lists video ids that still have payloads on disk
	Videos() ([]string, error)
}

// Dir is a filesystem-backed scratch area rooted under <root>/scratch
type Dir struct {
	root string
}

// NewDir creates a scratch area under dataDir
func NewDir(dataDir string) (*Dir, error) {
	root := filepath.Join(dataDir, "scratch")
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	return &Dir{root: root}, nil
}

// path maps a storage key like "<videoID>/frame-00042" onto the disk
// layout, refusing keys that would escape the root
func (d *Dir) path(key string) (string, error) {
	clean := filepath.Clean(key)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(d.root, clean), nil
}

func (d *Dir) Write(key string, data []byte) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return models.NewStorageError("failed to create frame dir", err)
	}
	if err := os.WriteFile(p, data, 0644); err != nil {
		return models.NewStorageError("failed to write frame payload", err)
	}
	return nil
}

func (d *Dir) Read(key string) ([]byte, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, models.NewStorageError("failed to read frame payload", err)
	}
	return data, nil
}

func (d *Dir) Delete(keys ...string) {
	for _, key := range keys {
		if p, err := d.path(key); err == nil {
			os.Remove(p)
		}
	}
}

func (d *Dir) PurgeVideo(videoID string) error {
	p, err := d.path(videoID)
	if err != nil {
		return err
	}
	return os.RemoveAll(p)
}

func (d *Dir) Videos() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Mem is an in-memory scratch area for tests
type Mem struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMem creates an in-memory scratch area
func NewMem() *Mem {
	return &Mem{data: make(map[string][]byte)}
}

func (m *Mem) Write(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := make([]byte, len(data))
	copy(c, data)
	m.data[key] = c
	return nil
}

func (m *Mem) Read(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[key]
	if !ok {
		return nil, models.NewStorageError(fmt.Sprintf("no payload for key %s", key), nil)
	}
	return data, nil
}

func (m *Mem) Delete(keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.data, key)
	}
}

func (m *Mem) PurgeVideo(videoID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := videoID + "/"
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			delete(m.data, key)
		}
	}
	return nil
}

func (m *Mem) Videos() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var ids []string
	for key := range m.data {
		if i := strings.Index(key, "/"); i > 0 {
			id := key[:i]
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// Len reports how many payloads are held (test helper)
func (m *Mem) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

var _ Scratch = (*Dir)(nil)
var _ Scratch = (*Mem)(nil)
