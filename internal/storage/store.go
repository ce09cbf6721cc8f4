package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dreamware/torua/internal/fs"
)

// errSinkClosed is returned by writes to a sink that was already closed or aborted.
var errSinkClosed = errors.New("upload sink closed")

// memoryFile is one stored file held in memory.
type memoryFile struct {
	modTime time.Time
	data    []byte
}

// MemoryStore implements fs.Client with in-memory storage.
// Uses sync.RWMutex for thread-safe concurrent access. Intended for tests and
// for nodes that do not need durability.
type MemoryStore struct {
	mu    sync.RWMutex           // Protects files
	files map[string]*memoryFile // name -> file
	now   func() time.Time       // Clock for modification times
}

var _ fs.Client = (*MemoryStore)(nil)

// NewMemoryStore creates a new empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files: make(map[string]*memoryFile),
		now:   time.Now,
	}
}

// Put stores data under name directly, bypassing the upload protocol.
// Makes a copy of the value to prevent external modification.
func (m *MemoryStore) Put(name string, data []byte) error {
	if err := fs.ValidateName(name); err != nil {
		return err
	}
	stored := make([]byte, len(data))
	copy(stored, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = &memoryFile{data: stored, modTime: m.now()}
	return nil
}

// Get returns a copy of the content of name.
func (m *MemoryStore) Get(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.files[name]
	if !ok {
		return nil, &fs.FileNotFoundError{Name: name}
	}
	result := make([]byte, len(f.data))
	copy(result, f.data)
	return result, nil
}

// Names returns every stored name in sorted order.
func (m *MemoryStore) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.files))
	for name := range m.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Upload returns a sink buffering the content; the file appears on Close.
func (m *MemoryStore) Upload(_ context.Context, name string) (fs.Sink, error) {
	if err := fs.ValidateName(name); err != nil {
		return nil, err
	}
	return &memorySink{store: m, name: name}, nil
}

// Download returns the clamped byte range of name.
func (m *MemoryStore) Download(_ context.Context, name string, offset, limit int64) (io.ReadCloser, error) {
	if err := fs.ValidateName(name); err != nil {
		return nil, err
	}
	m.mu.RLock()
	f, ok := m.files[name]
	m.mu.RUnlock()
	if !ok {
		return nil, &fs.FileNotFoundError{Name: name}
	}

	start, length, err := fs.ClampRange(int64(len(f.data)), offset, limit)
	if err != nil {
		return nil, err
	}
	// Stored slices are never mutated in place, so sharing is safe.
	return io.NopCloser(bytes.NewReader(f.data[start : start+length])), nil
}

func (m *MemoryStore) Copy(ctx context.Context, name, target string) error {
	if err := m.CopyAll(ctx, map[string]string{name: target}); err != nil {
		return singleNotFound(err, name)
	}
	return nil
}

func (m *MemoryStore) CopyAll(_ context.Context, sourceToTarget map[string]string) error {
	return m.transfer(sourceToTarget, false)
}

func (m *MemoryStore) Move(ctx context.Context, name, target string) error {
	if err := m.MoveAll(ctx, map[string]string{name: target}); err != nil {
		return singleNotFound(err, name)
	}
	return nil
}

func (m *MemoryStore) MoveAll(_ context.Context, sourceToTarget map[string]string) error {
	return m.transfer(sourceToTarget, true)
}

// transfer copies or moves a batch atomically: either every source exists and
// the whole batch applies, or nothing changes.
func (m *MemoryStore) transfer(sourceToTarget map[string]string, move bool) error {
	if err := validateBatch(sourceToTarget); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var missing []string
	snapshot := make(map[string]*memoryFile, len(sourceToTarget))
	for source := range sourceToTarget {
		f, ok := m.files[source]
		if !ok {
			missing = append(missing, source)
			continue
		}
		snapshot[source] = f
	}
	if len(missing) > 0 {
		return fs.NewFilesNotFoundError(missing)
	}

	now := m.now()
	if move {
		for source, target := range sourceToTarget {
			if source != target {
				delete(m.files, source)
			}
		}
	}
	for source, target := range sourceToTarget {
		m.files[target] = &memoryFile{data: snapshot[source].data, modTime: now}
	}
	return nil
}

// Delete removes name. No error if it doesn't exist (idempotent).
func (m *MemoryStore) Delete(ctx context.Context, name string) error {
	return m.DeleteAll(ctx, []string{name})
}

func (m *MemoryStore) DeleteAll(_ context.Context, names []string) error {
	for _, name := range names {
		if err := fs.ValidateName(name); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		delete(m.files, name)
	}
	return nil
}

// List returns metadata for every name matching glob, sorted by name.
func (m *MemoryStore) List(_ context.Context, glob string) ([]fs.FileMetadata, error) {
	if err := fs.ValidateGlob(glob); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]fs.FileMetadata, 0)
	for name, f := range m.files {
		ok, err := fs.MatchGlob(glob, name)
		if err != nil {
			return nil, err
		}
		if ok {
			result = append(result, f.metadata(name))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (m *MemoryStore) Info(_ context.Context, name string) (*fs.FileMetadata, error) {
	if err := fs.ValidateName(name); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.files[name]
	if !ok {
		return nil, nil
	}
	meta := f.metadata(name)
	return &meta, nil
}

func (m *MemoryStore) InfoAll(ctx context.Context, names []string) (map[string]*fs.FileMetadata, error) {
	result := make(map[string]*fs.FileMetadata, len(names))
	for _, name := range names {
		meta, err := m.Info(ctx, name)
		if err != nil {
			return nil, err
		}
		result[name] = meta
	}
	return result, nil
}

// Ping always succeeds for an in-memory store.
func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

func (f *memoryFile) metadata(name string) fs.FileMetadata {
	return fs.FileMetadata{Name: name, Size: int64(len(f.data)), ModTime: f.modTime}
}

// memorySink buffers an upload until Close.
type memorySink struct {
	store *MemoryStore
	name  string
	mu    sync.Mutex
	buf   bytes.Buffer
	done  bool
}

func (s *memorySink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return 0, errSinkClosed
	}
	return s.buf.Write(p)
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return errSinkClosed
	}
	s.done = true

	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.files[s.name] = &memoryFile{data: s.buf.Bytes(), modTime: s.store.now()}
	return nil
}

func (s *memorySink) Abort(error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	s.buf.Reset()
}

func validateBatch(sourceToTarget map[string]string) error {
	for source, target := range sourceToTarget {
		if err := fs.ValidateName(source); err != nil {
			return err
		}
		if err := fs.ValidateName(target); err != nil {
			return err
		}
	}
	return nil
}

// singleNotFound narrows a batch FilesNotFoundError for a one-file call.
func singleNotFound(err error, name string) error {
	if errors.Is(err, fs.ErrFilesNotFound) {
		return &fs.FileNotFoundError{Name: name}
	}
	return err
}
