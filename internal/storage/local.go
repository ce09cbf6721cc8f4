package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	dfs "github.com/dreamware/torua/internal/fs"
)

// uploadDir holds in-flight uploads under the store root. Files appear at
// their final path only after a successful rename.
const uploadDir = ".upload"

// LocalStore implements fs.Client on top of a local directory.
//
// Every blocking filesystem call runs through a bounded worker pool so a burst
// of transfers cannot exhaust file descriptors or disk bandwidth. Uploads and
// copies are written to a uniquely named temporary file and renamed into
// place, so readers never observe a partially written file.
type LocalStore struct {
	root   string
	pool   *workerPool
	logger *zap.Logger
}

var _ dfs.Client = (*LocalStore)(nil)

// NewLocalStore creates the root directory if needed and returns a store
// running at most workers concurrent disk operations.
func NewLocalStore(root string, workers int, logger *zap.Logger) (*LocalStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Join(root, uploadDir), 0o755); err != nil {
		return nil, fmt.Errorf("create storage root %s: %w", root, err)
	}
	return &LocalStore{
		root:   root,
		pool:   newWorkerPool(workers),
		logger: logger.With(zap.String("root", root)),
	}, nil
}

// Root returns the directory backing the store.
func (s *LocalStore) Root() string {
	return s.root
}

func (s *LocalStore) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

func (s *LocalStore) validate(name string) error {
	if err := dfs.ValidateName(name); err != nil {
		return err
	}
	if name == uploadDir || strings.HasPrefix(name, uploadDir+"/") {
		return fmt.Errorf("%w: %q is reserved", dfs.ErrIllegalName, name)
	}
	return nil
}

func (s *LocalStore) Upload(ctx context.Context, name string) (dfs.Sink, error) {
	if err := s.validate(name); err != nil {
		return nil, err
	}

	tmpPath := filepath.Join(s.root, uploadDir, uuid.NewString())
	var file *os.File
	err := s.pool.do(ctx, func() error {
		var err error
		file, err = os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open upload %s: %w", name, err)
	}
	return &fileSink{store: s, name: name, tmpPath: tmpPath, file: file}, nil
}

func (s *LocalStore) Download(ctx context.Context, name string, offset, limit int64) (io.ReadCloser, error) {
	if err := s.validate(name); err != nil {
		return nil, err
	}

	var reader io.ReadCloser
	err := s.pool.do(ctx, func() error {
		file, err := os.Open(s.path(name))
		if errors.Is(err, fs.ErrNotExist) {
			return &dfs.FileNotFoundError{Name: name}
		}
		if err != nil {
			return err
		}
		info, err := file.Stat()
		if err != nil || info.IsDir() {
			file.Close()
			if err == nil {
				err = &dfs.FileNotFoundError{Name: name}
			}
			return err
		}

		start, length, err := dfs.ClampRange(info.Size(), offset, limit)
		if err != nil {
			file.Close()
			return err
		}
		if _, err := file.Seek(start, io.SeekStart); err != nil {
			file.Close()
			return err
		}
		reader = &fileReader{pool: s.pool, file: file, r: io.LimitReader(file, length)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reader, nil
}

func (s *LocalStore) Copy(ctx context.Context, name, target string) error {
	if err := s.CopyAll(ctx, map[string]string{name: target}); err != nil {
		return singleNotFound(err, name)
	}
	return nil
}

func (s *LocalStore) CopyAll(ctx context.Context, sourceToTarget map[string]string) error {
	return s.transfer(ctx, sourceToTarget, false)
}

func (s *LocalStore) Move(ctx context.Context, name, target string) error {
	if err := s.MoveAll(ctx, map[string]string{name: target}); err != nil {
		return singleNotFound(err, name)
	}
	return nil
}

func (s *LocalStore) MoveAll(ctx context.Context, sourceToTarget map[string]string) error {
	return s.transfer(ctx, sourceToTarget, true)
}

// staged is one source parked under the upload dir until the batch commits.
type staged struct {
	source  string
	target  string
	tmpPath string
}

// transfer applies a batch in two phases. Every source is first copied (or,
// for a move, renamed) into the upload dir, then every staged file is
// renamed onto its target. Sources that are also targets of the same batch,
// such as swaps and chains, are read before anything is overwritten.
func (s *LocalStore) transfer(ctx context.Context, sourceToTarget map[string]string, move bool) error {
	if err := s.precheck(ctx, sourceToTarget); err != nil {
		return err
	}

	var batch []staged
	for _, source := range sortedKeys(sourceToTarget) {
		if target := sourceToTarget[source]; target != source {
			batch = append(batch, staged{source: source, target: target})
		}
	}

	return s.pool.do(ctx, func() error {
		for i := range batch {
			st := &batch[i]
			st.tmpPath = filepath.Join(s.root, uploadDir, uuid.NewString())
			var err error
			if move {
				err = os.Rename(s.path(st.source), st.tmpPath)
			} else {
				err = s.copyToTemp(st.source, st.tmpPath)
			}
			if err != nil {
				s.unstage(batch[:i], move)
				return fmt.Errorf("stage %s: %w", st.source, err)
			}
		}
		for i, st := range batch {
			if err := s.commit(st.tmpPath, st.target); err != nil {
				for _, rest := range batch[i+1:] {
					os.Remove(rest.tmpPath)
				}
				return fmt.Errorf("commit %s to %s: %w", st.source, st.target, err)
			}
		}
		return nil
	})
}

// unstage puts moved sources back and drops copied temp files.
func (s *LocalStore) unstage(batch []staged, move bool) {
	for _, st := range batch {
		if move {
			if err := os.Rename(st.tmpPath, s.path(st.source)); err != nil {
				s.logger.Error("failed to restore staged file",
					zap.String("file", st.source),
					zap.String("tmp", st.tmpPath),
					zap.Error(err))
			}
			continue
		}
		os.Remove(st.tmpPath)
	}
}

// precheck validates every name and rejects the batch if any source is missing.
func (s *LocalStore) precheck(ctx context.Context, sourceToTarget map[string]string) error {
	for source, target := range sourceToTarget {
		if err := s.validate(source); err != nil {
			return err
		}
		if err := s.validate(target); err != nil {
			return err
		}
	}

	var missing []string
	err := s.pool.do(ctx, func() error {
		for source := range sourceToTarget {
			info, err := os.Stat(s.path(source))
			if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
				missing = append(missing, source)
				continue
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return dfs.NewFilesNotFoundError(missing)
	}
	return nil
}

// copyToTemp copies the content of source into a new file at tmpPath.
func (s *LocalStore) copyToTemp(source, tmpPath string) error {
	src, err := os.Open(s.path(source))
	if errors.Is(err, fs.ErrNotExist) {
		return &dfs.FileNotFoundError{Name: source}
	}
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// commit renames a finished temp file to the final location of name.
func (s *LocalStore) commit(tmpPath, name string) error {
	dst := s.path(name)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func (s *LocalStore) Delete(ctx context.Context, name string) error {
	return s.DeleteAll(ctx, []string{name})
}

// DeleteAll removes every name. Missing files and directories are skipped.
func (s *LocalStore) DeleteAll(ctx context.Context, names []string) error {
	for _, name := range names {
		if err := s.validate(name); err != nil {
			return err
		}
	}
	return s.pool.do(ctx, func() error {
		for _, name := range names {
			p := s.path(name)
			info, err := os.Stat(p)
			if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
				continue
			}
			if err != nil {
				return err
			}
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("delete %s: %w", name, err)
			}
		}
		return nil
	})
}

// List walks the store and returns files matching glob, sorted by name.
func (s *LocalStore) List(ctx context.Context, glob string) ([]dfs.FileMetadata, error) {
	if err := dfs.ValidateGlob(glob); err != nil {
		return nil, err
	}

	result := make([]dfs.FileMetadata, 0)
	err := s.pool.do(ctx, func() error {
		return filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(s.root, p)
			if err != nil {
				return err
			}
			name := filepath.ToSlash(rel)
			if d.IsDir() {
				if name == uploadDir {
					return filepath.SkipDir
				}
				return nil
			}
			ok, err := dfs.MatchGlob(glob, name)
			if err != nil || !ok {
				return err
			}
			info, err := d.Info()
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			if err != nil {
				return err
			}
			result = append(result, dfs.FileMetadata{Name: name, Size: info.Size(), ModTime: info.ModTime()})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *LocalStore) Info(ctx context.Context, name string) (*dfs.FileMetadata, error) {
	if err := s.validate(name); err != nil {
		return nil, err
	}
	var meta *dfs.FileMetadata
	err := s.pool.do(ctx, func() error {
		info, err := os.Stat(s.path(name))
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if !info.IsDir() {
			meta = &dfs.FileMetadata{Name: name, Size: info.Size(), ModTime: info.ModTime()}
		}
		return nil
	})
	return meta, err
}

func (s *LocalStore) InfoAll(ctx context.Context, names []string) (map[string]*dfs.FileMetadata, error) {
	result := make(map[string]*dfs.FileMetadata, len(names))
	for _, name := range names {
		meta, err := s.Info(ctx, name)
		if err != nil {
			return nil, err
		}
		result[name] = meta
	}
	return result, nil
}

// Ping verifies the root directory is still accessible.
func (s *LocalStore) Ping(ctx context.Context) error {
	return s.pool.do(ctx, func() error {
		_, err := os.Stat(s.root)
		return err
	})
}

// fileSink streams an upload into a temp file.
type fileSink struct {
	store   *LocalStore
	name    string
	tmpPath string
	mu      sync.Mutex
	file    *os.File
	done    bool
}

func (w *fileSink) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return 0, errSinkClosed
	}
	var n int
	err := w.store.pool.do(context.Background(), func() error {
		var err error
		n, err = w.file.Write(p)
		return err
	})
	return n, err
}

func (w *fileSink) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return errSinkClosed
	}
	w.done = true

	return w.store.pool.do(context.Background(), func() error {
		if err := w.file.Close(); err != nil {
			os.Remove(w.tmpPath)
			return fmt.Errorf("close upload %s: %w", w.name, err)
		}
		if err := w.store.commit(w.tmpPath, w.name); err != nil {
			return fmt.Errorf("commit upload %s: %w", w.name, err)
		}
		w.store.logger.Debug("upload committed", zap.String("name", w.name))
		return nil
	})
}

func (w *fileSink) Abort(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.done = true

	_ = w.store.pool.do(context.Background(), func() error {
		w.file.Close()
		return os.Remove(w.tmpPath)
	})
	w.store.logger.Debug("upload aborted", zap.String("name", w.name), zap.Error(err))
}

// fileReader reads a clamped range of a file through the worker pool.
type fileReader struct {
	pool *workerPool
	file *os.File
	r    io.Reader
}

func (r *fileReader) Read(p []byte) (int, error) {
	var n int
	var readErr error
	if err := r.pool.do(context.Background(), func() error {
		n, readErr = r.r.Read(p)
		return nil
	}); err != nil {
		return 0, err
	}
	return n, readErr
}

func (r *fileReader) Close() error {
	return r.file.Close()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
