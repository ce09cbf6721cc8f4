package fs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrFileNotFound is matched by every FileNotFoundError.
	ErrFileNotFound = errors.New("file not found")

	// ErrFilesNotFound is matched by every FilesNotFoundError.
	ErrFilesNotFound = errors.New("could not find all files")

	// ErrNotEnoughPartitions is matched by every NotEnoughPartitionsError.
	ErrNotEnoughPartitions = errors.New("not enough partitions")

	// ErrMalformedGlob is returned as-is for any unparsable glob pattern,
	// regardless of how many partitions were consulted.
	ErrMalformedGlob = errors.New("malformed glob")

	// ErrUnreachable marks connection-level failures to a partition.
	ErrUnreachable = errors.New("partition unreachable")

	// ErrIllegalName rejects names that are empty, absolute or contain "..".
	ErrIllegalName = errors.New("illegal file name")

	// ErrBadRange rejects negative offsets or limits.
	ErrBadRange = errors.New("invalid byte range")
)

// FileNotFoundError reports a single source file absent everywhere it was looked for.
type FileNotFoundError struct {
	Name string
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("file not found: %s", e.Name)
}

// Is makes errors.Is(err, ErrFileNotFound) hold.
func (e *FileNotFoundError) Is(target error) bool {
	return target == ErrFileNotFound
}

// FilesNotFoundError rejects a whole batch because some sources do not exist.
type FilesNotFoundError struct {
	Names []string
}

// NewFilesNotFoundError returns the error with names sorted for stable messages.
func NewFilesNotFoundError(names []string) *FilesNotFoundError {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return &FilesNotFoundError{Names: sorted}
}

func (e *FilesNotFoundError) Error() string {
	return fmt.Sprintf("could not find all files: [%s]", strings.Join(e.Names, ", "))
}

// Is makes errors.Is(err, ErrFilesNotFound) hold.
func (e *FilesNotFoundError) Is(target error) bool {
	return target == ErrFilesNotFound
}

// NotEnoughPartitionsError reports that fewer than the required number of
// partitions succeeded for the listed files.
type NotEnoughPartitionsError struct {
	Op    string   // upload, copy, move, ping
	Names []string // files that fell short
	Got   int      // best replica count reached
	Need  int      // replication count required
}

func (e *NotEnoughPartitionsError) Error() string {
	if len(e.Names) == 0 {
		return fmt.Sprintf("could not %s on enough partitions (got %d, need %d)", e.Op, e.Got, e.Need)
	}
	return fmt.Sprintf("could not %s files {%s} on enough partitions (got %d, need %d)",
		e.Op, strings.Join(e.Names, ", "), e.Got, e.Need)
}

// Is makes errors.Is(err, ErrNotEnoughPartitions) hold.
func (e *NotEnoughPartitionsError) Is(target error) bool {
	return target == ErrNotEnoughPartitions
}

// IsUnreachable reports whether err is a connection-level partition failure.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}
