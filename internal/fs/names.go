package fs

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ValidateName rejects empty names, absolute paths, empty segments and any
// ".." segment. Storage engines call it before touching disk; the cluster
// layer passes names through unmodified.
func ValidateName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.ContainsRune(name, '\\') {
		return fmt.Errorf("%w: %q", ErrIllegalName, name)
	}
	for _, segment := range strings.Split(name, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return fmt.Errorf("%w: %q", ErrIllegalName, name)
		}
	}
	return nil
}

// ValidateGlob returns ErrMalformedGlob if glob cannot be parsed.
func ValidateGlob(glob string) error {
	if !doublestar.ValidatePattern(glob) {
		return ErrMalformedGlob
	}
	return nil
}

// MatchGlob reports whether name matches glob. `*` stops at `/`, `**` spans
// directories.
func MatchGlob(glob, name string) (bool, error) {
	ok, err := doublestar.Match(glob, name)
	if err != nil {
		return false, ErrMalformedGlob
	}
	return ok, nil
}
