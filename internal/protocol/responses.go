package protocol

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dreamware/torua/internal/fs"
)

// ListResponse answers List.
type ListResponse struct {
	Files []fs.FileMetadata `json:"files"`
}

// InspectResponse answers Inspect. Metadata is null when the file is absent.
type InspectResponse struct {
	Metadata *fs.FileMetadata `json:"metadata"`
}

// InspectAllResponse answers InspectAll with exactly one entry per requested name.
type InspectAllResponse struct {
	Files map[string]*fs.FileMetadata `json:"files"`
}

// Error codes carried by ErrorResponse.
const (
	CodeFileNotFound        = "FILE_NOT_FOUND"
	CodeFilesNotFound       = "FILES_NOT_FOUND"
	CodeMalformedGlob       = "MALFORMED_GLOB"
	CodeIllegalName         = "ILLEGAL_NAME"
	CodeBadRange            = "BAD_RANGE"
	CodeNotEnoughPartitions = "NOT_ENOUGH_PARTITIONS"
	CodeBadCommand          = "BAD_COMMAND"
	CodeInternal            = "INTERNAL"
)

// ErrorResponse is the wire form of a failed command.
type ErrorResponse struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Names   []string `json:"names,omitempty"`
	Got     int      `json:"got,omitempty"`
	Need    int      `json:"need,omitempty"`
	Op      string   `json:"op,omitempty"`
}

// NewErrorResponse classifies err and returns its wire form and HTTP status.
func NewErrorResponse(err error) (ErrorResponse, int) {
	resp := ErrorResponse{Code: CodeInternal, Message: err.Error()}

	var notFound *fs.FileNotFoundError
	var filesNotFound *fs.FilesNotFoundError
	var notEnough *fs.NotEnoughPartitionsError

	switch {
	case errors.As(err, &notFound):
		resp.Code = CodeFileNotFound
		resp.Names = []string{notFound.Name}
		return resp, http.StatusNotFound
	case errors.As(err, &filesNotFound):
		resp.Code = CodeFilesNotFound
		resp.Names = filesNotFound.Names
		return resp, http.StatusNotFound
	case errors.As(err, &notEnough):
		resp.Code = CodeNotEnoughPartitions
		resp.Names = notEnough.Names
		resp.Got = notEnough.Got
		resp.Need = notEnough.Need
		resp.Op = notEnough.Op
		return resp, http.StatusServiceUnavailable
	case errors.Is(err, fs.ErrMalformedGlob):
		resp.Code = CodeMalformedGlob
		return resp, http.StatusBadRequest
	case errors.Is(err, fs.ErrIllegalName):
		resp.Code = CodeIllegalName
		return resp, http.StatusBadRequest
	case errors.Is(err, fs.ErrBadRange):
		resp.Code = CodeBadRange
		return resp, http.StatusBadRequest
	case errors.Is(err, ErrUnknownCommand):
		resp.Code = CodeBadCommand
		return resp, http.StatusBadRequest
	}
	return resp, http.StatusInternalServerError
}

// Err rebuilds an error whose identity matches the one the server classified,
// so errors.Is works across the wire. ErrMalformedGlob comes back as the
// sentinel itself.
func (r ErrorResponse) Err() error {
	switch r.Code {
	case CodeFileNotFound:
		name := ""
		if len(r.Names) > 0 {
			name = r.Names[0]
		}
		return &fs.FileNotFoundError{Name: name}
	case CodeFilesNotFound:
		return &fs.FilesNotFoundError{Names: r.Names}
	case CodeNotEnoughPartitions:
		return &fs.NotEnoughPartitionsError{Op: r.Op, Names: r.Names, Got: r.Got, Need: r.Need}
	case CodeMalformedGlob:
		return fs.ErrMalformedGlob
	case CodeIllegalName:
		return fmt.Errorf("%w: %s", fs.ErrIllegalName, r.Message)
	case CodeBadRange:
		return fmt.Errorf("%w: %s", fs.ErrBadRange, r.Message)
	case CodeBadCommand:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, r.Message)
	}
	return fmt.Errorf("remote error: %s", r.Message)
}
